// Package orchestrator wires one active radio link's event pump, TX feeder,
// and adaptive loop into a single cooperatively-cancellable unit (spec.md
// §4.F, §5).
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wfb-go/gofpvlink/internal/dispatch"
	"github.com/wfb-go/gofpvlink/internal/fec"
	"github.com/wfb-go/gofpvlink/internal/link"
	"github.com/wfb-go/gofpvlink/internal/metrics"
	"github.com/wfb-go/gofpvlink/internal/radio"
	"github.com/wfb-go/gofpvlink/internal/wire"
)

// Transport is the radio port's frame-level read/write surface. The
// orchestrator borrows one at construction time rather than importing
// internal/radio's Linux-only MonitorSocket directly, so the event pump and
// TX feeder can be exercised on any platform with a fake (spec.md §9's
// PacketSink redesign note: sockets are supplied by the caller, never
// constructed by the package that drives them).
type Transport interface {
	ReadFrame(buf []byte) (int, radio.Metadata, error)
	WriteFrame(frame []byte) error
	SetReadTimeout(d time.Duration) error
	Close() error
}

// DefaultEventPumpTimeout bounds one ReadFrame call so the event pump can
// observe its stop flag without blocking indefinitely (spec.md §4.F).
const DefaultEventPumpTimeout = 500 * time.Millisecond

// DefaultAdaptiveInterval is the LinkController tick cadence (spec.md §4.E).
const DefaultAdaptiveInterval = 100 * time.Millisecond

// DefaultUplinkPollTimeout bounds one uplink-socket read between FEC-close
// and session-announce housekeeping checks.
const DefaultUplinkPollTimeout = 20 * time.Millisecond

// Config holds the per-radio parameters the orchestrator's three tasks are
// built from; everything domain-specific (codec PHY, FEC shape, keys,
// report target) is assembled by the caller and handed in already
// constructed.
type Config struct {
	ChannelID  uint32
	MaxPayload int

	EventPumpTimeout  time.Duration
	AdaptiveInterval  time.Duration
	UplinkPollTimeout time.Duration
}

// withDefaults fills zero-valued durations with their package defaults.
func (c Config) withDefaults() Config {
	if c.EventPumpTimeout <= 0 {
		c.EventPumpTimeout = DefaultEventPumpTimeout
	}
	if c.AdaptiveInterval <= 0 {
		c.AdaptiveInterval = DefaultAdaptiveInterval
	}
	if c.UplinkPollTimeout <= 0 {
		c.UplinkPollTimeout = DefaultUplinkPollTimeout
	}
	if c.MaxPayload <= 0 {
		c.MaxPayload = wire.MaxPayload
	}
	return c
}

// Orchestrator owns one active radio link's event pump, TX feeder, and
// adaptive loop, and the cooperative stop flags that shut them down in
// reverse dependency order (spec.md §4.F, §5).
//
// Orchestrator is the sole owner of transport, rx, tx, and the uplink
// sockets; no other goroutine may touch them once Run has started.
type Orchestrator struct {
	cfg Config

	transport  Transport
	codec      *radio.Codec
	rx         *fec.RXChannel
	tx         *fec.TXChannel
	dispatcher *dispatch.Dispatcher
	controller *link.Controller
	uplinks    []net.Conn
	collector  *metrics.Collector
	logger     *slog.Logger

	stopEventPump chan struct{}
	stopTXFeeder  chan struct{}
	stopAdaptive  chan struct{}
	stopOnce      sync.Once

	lastCounters fec.RXCounters
}

// New creates an Orchestrator for one radio link's event pump and, once
// AttachTXChannel is called, its TX feeder and adaptive loop. The
// orchestrator itself is the fec.Injector a TXChannel frames its fragments
// through, so a TXChannel must be constructed against an already-returned
// *Orchestrator and then attached — the same borrowed-interface,
// attach-after-construct shape internal/link's Controller uses to avoid a
// controller<->device-manager cycle (spec.md §9).
func New(
	cfg Config,
	transport Transport,
	codec *radio.Codec,
	rx *fec.RXChannel,
	uplinks []net.Conn,
	dispatcher *dispatch.Dispatcher,
	controller *link.Controller,
	collector *metrics.Collector,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:           cfg.withDefaults(),
		transport:     transport,
		codec:         codec,
		rx:            rx,
		dispatcher:    dispatcher,
		controller:    controller,
		uplinks:       uplinks,
		collector:     collector,
		logger:        logger,
		stopEventPump: make(chan struct{}),
		stopTXFeeder:  make(chan struct{}),
		stopAdaptive:  make(chan struct{}),
	}
}

// AttachTXChannel binds the TX half of the link, constructed with this
// Orchestrator as its fec.Injector, so Run also starts the TX feeder and
// adaptive loop. Must be called before Run; an Orchestrator with no TX
// channel attached runs RX-only.
func (o *Orchestrator) AttachTXChannel(tx *fec.TXChannel) {
	o.tx = tx
}

// Inject implements fec.Injector for the TXChannel bound to this
// orchestrator's radio port: it frames raw (radiotap + 802.11 header) and
// writes it to the transport.
func (o *Orchestrator) Inject(raw []byte) error {
	frame := o.codec.Encode(o.cfg.ChannelID, raw)
	return o.transport.WriteFrame(frame)
}

// Run starts the event pump and, if a TX channel was supplied, the TX
// feeder and adaptive loop, and blocks until ctx is canceled or one of the
// tasks returns an error. On return every task has stopped and the
// transport and uplink sockets are closed.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return o.runEventPump()
	})

	if o.tx != nil {
		g.Go(func() error {
			return o.runTXFeeder()
		})
		g.Go(func() error {
			return o.controller.Run(o.cfg.AdaptiveInterval, o.stopAdaptive)
		})
	}

	g.Go(func() error {
		<-gCtx.Done()
		o.Stop()
		return nil
	})

	err := g.Wait()
	o.Stop()
	return err
}

// Stop sets all three cooperative stop flags, closes the transport and
// uplink sockets to unblock any in-flight recvfrom, and is safe to call
// more than once. Tasks are signaled in reverse dependency order: the
// adaptive loop (a pure consumer of controller observations) first, then
// the TX feeder (owns the session and uplink sockets), then the event pump
// (the base producer both others depend on); the transport and uplink
// sockets close only once every task has been signaled (spec.md §4.F).
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		close(o.stopAdaptive)
		close(o.stopTXFeeder)
		close(o.stopEventPump)

		for _, u := range o.uplinks {
			_ = u.Close()
		}
		if err := o.transport.Close(); err != nil {
			o.logger.Warn("close transport", "error", err)
		}
	})
}

// runEventPump drives the USB/radio driver's frame read loop with a bounded
// wait so it can observe stopEventPump (spec.md §4.F task 1).
func (o *Orchestrator) runEventPump() error {
	if err := o.transport.SetReadTimeout(o.cfg.EventPumpTimeout); err != nil {
		return fmt.Errorf("event pump: %w", err)
	}

	buf := make([]byte, 4096)
	for {
		select {
		case <-o.stopEventPump:
			return nil
		default:
		}

		n, meta, err := o.transport.ReadFrame(buf)
		if err != nil {
			select {
			case <-o.stopEventPump:
				// Stop closed the transport to unblock this read.
				return nil
			default:
			}
			if isTimeout(err) {
				continue
			}
			return fmt.Errorf("event pump: %w", err)
		}

		decoded, err := o.codec.Decode(buf[:n], meta)
		if err != nil {
			o.logger.Debug("discard undecodable frame", "error", err)
			continue
		}
		if decoded.ChannelID != o.cfg.ChannelID {
			continue
		}

		o.controller.ObserveRSSI(decoded.Metadata.RSSI[0], decoded.Metadata.RSSI[1])
		o.controller.ObserveSNR(decoded.Metadata.SNR[0], decoded.Metadata.SNR[1])

		packets, err := o.rx.Dispatch(decoded.Payload)
		if err != nil {
			o.logger.Debug("dispatch frame", "error", err)
		}
		o.recordRXCounters()

		if len(packets) > 0 {
			o.dispatcher.Deliver(o.cfg.ChannelID, packets)
		}
	}
}

// recordRXCounters reports the RXChannel counter deltas observed since the
// last call to the Prometheus collector (spec.md §4.B's counter set).
func (o *Orchestrator) recordRXCounters() {
	if o.collector == nil {
		return
	}
	cur := o.rx.Counters
	prev := o.lastCounters
	o.lastCounters = cur

	channel := fmt.Sprintf("%d", o.cfg.ChannelID)
	o.collector.RecordFecCounters(
		channel,
		cur.PAll-prev.PAll,
		cur.PDecErr-prev.PDecErr,
		cur.PLost-prev.PLost,
		cur.PFecRecovered-prev.PFecRecovered,
		cur.PBad-prev.PBad,
		cur.POutgoing-prev.POutgoing,
		cur.POverride-prev.POverride,
	)
}

// runTXFeeder polls the uplink sockets, seals each datagram into the TX
// channel's fragment stream, services the FEC-close timer, and
// periodically re-announces the session key (spec.md §4.F task 2).
func (o *Orchestrator) runTXFeeder() error {
	datagrams := make(chan []byte, 32)
	var wg sync.WaitGroup
	for _, u := range o.uplinks {
		wg.Add(1)
		go o.readUplink(u, datagrams, &wg)
	}
	go func() {
		wg.Wait()
		close(datagrams)
	}()

	ticker := time.NewTicker(o.cfg.UplinkPollTimeout)
	defer ticker.Stop()

	if err := o.tx.AnnounceSession(true); err != nil {
		return fmt.Errorf("tx feeder: %w", err)
	}

	for {
		select {
		case <-o.stopTXFeeder:
			return nil

		case payload, ok := <-datagrams:
			if !ok {
				// Every uplink socket was closed; the only way that
				// happens is Stop(), so stopTXFeeder is also closed.
				<-o.stopTXFeeder
				return nil
			}
			if len(payload) > o.cfg.MaxPayload {
				payload = payload[:o.cfg.MaxPayload]
			}
			if err := o.tx.Send(payload); err != nil {
				o.logger.Warn("tx send", "error", err)
				continue
			}
			if o.tx.NeedsRotation() {
				o.logger.Warn("tx channel block_index exhausted, awaiting session rotation")
			}

		case <-ticker.C:
			if err := o.tx.PollIdle(); err != nil {
				return fmt.Errorf("tx feeder: poll idle: %w", err)
			}
			if err := o.tx.AnnounceSession(false); err != nil {
				return fmt.Errorf("tx feeder: announce session: %w", err)
			}
		}
	}
}

// readUplink copies datagrams from one uplink socket onto out until the
// socket is closed (by Stop, to unblock this read).
func (o *Orchestrator) readUplink(u net.Conn, out chan<- []byte, wg *sync.WaitGroup) {
	defer wg.Done()

	buf := make([]byte, 65536)
	for {
		n, err := u.Read(buf)
		if err != nil {
			return
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])

		select {
		case out <- payload:
		case <-o.stopTXFeeder:
			return
		}
	}
}

// isTimeout reports whether err is the bounded-wait timeout
// SetReadTimeout/SetReadDeadline produces, as opposed to a real transport
// failure.
func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}
