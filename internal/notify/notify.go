// Package notify emits a best-effort D-Bus signal when the active radio
// link rotates its session key, for desktop/system dashboards listening on
// the session bus (SPEC_FULL.md §11.2).
package notify

import (
	"log/slog"

	"github.com/godbus/dbus/v5"
)

const (
	objectPath = dbus.ObjectPath("/org/wfb/Link1")
	signalName = "org.wfb.Link1.SessionRotated"
)

// Rotator emits SessionRotated signals on the D-Bus session bus. A nil
// *Rotator (or one whose bus connection failed to open) is a safe no-op, so
// callers never need to branch on whether D-Bus is actually available.
type Rotator struct {
	conn   *dbus.Conn
	logger *slog.Logger
}

// NewRotator connects to the D-Bus session bus. On failure it logs a
// Warn and returns a Rotator that silently no-ops on every SessionRotated
// call: best-effort, never fatal to the data path.
func NewRotator(logger *slog.Logger) *Rotator {
	conn, err := dbus.SessionBusPrivate()
	if err != nil {
		logger.Warn("notify: failed to open D-Bus session bus", slog.String("error", err.Error()))
		return &Rotator{logger: logger}
	}
	if err := conn.Auth(nil); err != nil {
		logger.Warn("notify: D-Bus auth failed", slog.String("error", err.Error()))
		return &Rotator{logger: logger}
	}
	if err := conn.Hello(); err != nil {
		logger.Warn("notify: D-Bus hello failed", slog.String("error", err.Error()))
		return &Rotator{logger: logger}
	}
	return &Rotator{conn: conn, logger: logger}
}

// SessionRotated emits a SessionRotated signal carrying the new session's
// epoch and channel ID. Failure is logged at Warn and otherwise ignored.
func (r *Rotator) SessionRotated(epoch uint64, channelID uint32) {
	if r == nil || r.conn == nil {
		return
	}
	if err := r.conn.Emit(objectPath, signalName, epoch, channelID); err != nil {
		r.logger.Warn("notify: failed to emit SessionRotated",
			slog.String("error", err.Error()),
			slog.Uint64("epoch", epoch),
			slog.Uint64("channel_id", uint64(channelID)),
		)
	}
}

// Close releases the D-Bus connection, if one was opened.
func (r *Rotator) Close() error {
	if r == nil || r.conn == nil {
		return nil
	}
	return r.conn.Close()
}
