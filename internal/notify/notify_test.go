package notify_test

import (
	"log/slog"
	"testing"

	"github.com/wfb-go/gofpvlink/internal/notify"
)

func TestSessionRotatedNoOpsWithoutConnection(t *testing.T) {
	// A Rotator that failed to connect (conn == nil) must not panic.
	var r *notify.Rotator
	r.SessionRotated(7, 3)
	if err := r.Close(); err != nil {
		t.Fatalf("Close on nil Rotator: %v", err)
	}
}

func TestNewRotatorNeverPanics(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	r := notify.NewRotator(logger)
	if r == nil {
		t.Fatal("NewRotator returned nil")
	}
	r.SessionRotated(1, 1)
	_ = r.Close()
}
