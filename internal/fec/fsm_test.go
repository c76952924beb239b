package fec_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wfb-go/gofpvlink/internal/fec"
)

func TestApplyEventTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		from    fec.State
		event   fec.Event
		want    fec.State
		changed bool
	}{
		{"first session", fec.StateNoSession, fec.EventValidSessionKey, fec.StateEstablished, true},
		{"rotation", fec.StateEstablished, fec.EventNewerEpochSessionKey, fec.StateEstablishedRotated, true},
		{"repeat announce no-op", fec.StateEstablished, fec.EventValidSessionKey, fec.StateEstablished, false},
		{"overflow holds state", fec.StateEstablished, fec.EventBlockIndexOverflow, fec.StateEstablished, false},
		{"teardown from established", fec.StateEstablished, fec.EventTeardown, fec.StateTornDown, true},
		{"teardown from no session", fec.StateNoSession, fec.EventTeardown, fec.StateTornDown, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			result := fec.ApplyEvent(tt.from, tt.event)
			require.Equal(t, tt.want, result.NewState)
			require.Equal(t, tt.changed, result.Changed)
		})
	}
}

func TestApplyEventUnmatchedIsNoop(t *testing.T) {
	t.Parallel()

	result := fec.ApplyEvent(fec.StateTornDown, fec.EventValidSessionKey)
	require.False(t, result.Changed)
	require.Equal(t, fec.StateTornDown, result.NewState)
}
