package fec_test

import (
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/box"

	"github.com/wfb-go/gofpvlink/internal/fec"
	"github.com/wfb-go/gofpvlink/internal/wire"
)

// recordingSink collects every wire packet a TXChannel injects, in order.
type recordingSink struct {
	mu      sync.Mutex
	packets [][]byte
}

func (s *recordingSink) Inject(raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make([]byte, len(raw))
	copy(cp, raw)
	s.packets = append(s.packets, cp)
	return nil
}

func (s *recordingSink) drain() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.packets
	s.packets = nil
	return out
}

func genChannelKeypairs(t *testing.T) (tx, rx *wire.Keypair) {
	t.Helper()

	txPub, txSec, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)
	rxPub, rxSec, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)

	return &wire.Keypair{Secret: *txSec, Peer: *rxPub}, &wire.Keypair{Secret: *rxSec, Peer: *txPub}
}

func newTestSession(t *testing.T, epoch uint64, channelID uint32, k, n int) fec.Session {
	t.Helper()

	var key [32]byte
	_, err := rand.Read(key[:])
	require.NoError(t, err)

	return fec.Session{Epoch: epoch, ChannelID: channelID, K: k, N: n, Key: key}
}

// feedAll dispatches every packet in raws to rx, accumulating delivered
// UserPackets in order.
func feedAll(t *testing.T, rx *fec.RXChannel, raws [][]byte) []wire.UserPacket {
	t.Helper()

	var delivered []wire.UserPacket
	for _, raw := range raws {
		got, err := rx.Dispatch(raw)
		require.NoError(t, err)
		delivered = append(delivered, got...)
	}
	return delivered
}

func TestChannelSessionAndDataRoundTrip(t *testing.T) {
	t.Parallel()

	txKp, rxKp := genChannelKeypairs(t)
	session := newTestSession(t, 1, 1, 4, 6)

	sink := &recordingSink{}
	tx, err := fec.NewTXChannel(txKp, session, 64, sink)
	require.NoError(t, err)
	rx := fec.NewRXChannel(rxKp, 64)

	require.NoError(t, tx.AnnounceSession(true))
	for i := 0; i < 4; i++ {
		require.NoError(t, tx.Send([]byte{byte(i), byte(i), byte(i)}))
	}

	delivered := feedAll(t, rx, sink.drain())
	require.Equal(t, fec.StateEstablished, rx.State())
	require.Len(t, delivered, 4)
	for i, up := range delivered {
		require.Equal(t, []byte{byte(i), byte(i), byte(i)}, up.Payload)
	}
	require.Equal(t, uint64(6), rx.Counters.PAll)
	require.Equal(t, uint64(0), rx.Counters.PLost)
	require.Equal(t, uint64(0), rx.Counters.PFecRecovered)
	require.Equal(t, uint64(4), rx.Counters.POutgoing)
}

func TestChannelSingleFragmentLossRecovered(t *testing.T) {
	t.Parallel()

	txKp, rxKp := genChannelKeypairs(t)
	session := newTestSession(t, 1, 1, 4, 6)

	sink := &recordingSink{}
	tx, err := fec.NewTXChannel(txKp, session, 64, sink)
	require.NoError(t, err)
	rx := fec.NewRXChannel(rxKp, 64)

	require.NoError(t, tx.AnnounceSession(true))
	for i := 0; i < 4; i++ {
		require.NoError(t, tx.Send([]byte{byte(10 + i)}))
	}

	raws := sink.drain()
	// Drop the session's second data fragment (index 0 of raws is the
	// SESSION packet; index 2 is fragment_index=1).
	dropped := append(append([][]byte{}, raws[:2]...), raws[3:]...)

	delivered := feedAll(t, rx, dropped)
	require.Len(t, delivered, 4)
	require.Equal(t, uint64(1), rx.Counters.PFecRecovered)
	require.Equal(t, []byte{11}, delivered[1].Payload)
}

func TestChannelFECCloseTimeoutPadsAndDelivers(t *testing.T) {
	t.Parallel()

	txKp, rxKp := genChannelKeypairs(t)
	session := newTestSession(t, 1, 1, 4, 6)

	sink := &recordingSink{}
	tx, err := fec.NewTXChannel(txKp, session, 64, sink)
	require.NoError(t, err)
	rx := fec.NewRXChannel(rxKp, 64)

	base := time.Now()
	clock := base
	tx.FECTimeout = 20 * time.Millisecond
	tx.SetClock(func() time.Time { return clock })

	require.NoError(t, tx.AnnounceSession(true))
	require.NoError(t, tx.Send([]byte("keyframe")))

	clock = base.Add(25 * time.Millisecond)
	require.NoError(t, tx.PollIdle())

	delivered := feedAll(t, rx, sink.drain())
	require.Len(t, delivered, 1)
	require.Equal(t, []byte("keyframe"), delivered[0].Payload)
	require.Equal(t, uint64(0), rx.Counters.PLost)
}

func TestChannelSessionRotationAdvancesEpoch(t *testing.T) {
	t.Parallel()

	txKp, rxKp := genChannelKeypairs(t)
	first := newTestSession(t, 1, 1, 2, 4)
	second := newTestSession(t, 2, 1, 2, 4)

	sink := &recordingSink{}
	tx, err := fec.NewTXChannel(txKp, first, 32, sink)
	require.NoError(t, err)
	rx := fec.NewRXChannel(rxKp, 32)

	require.NoError(t, tx.AnnounceSession(true))
	require.NoError(t, tx.Send([]byte("a")))
	require.NoError(t, tx.Send([]byte("b")))
	feedAll(t, rx, sink.drain())
	require.Equal(t, fec.StateEstablished, rx.State())

	require.NoError(t, tx.Rotate(second))
	require.NoError(t, tx.AnnounceSession(true))
	require.NoError(t, tx.Send([]byte("c")))
	require.NoError(t, tx.Send([]byte("d")))

	delivered := feedAll(t, rx, sink.drain())
	require.Equal(t, fec.StateEstablishedRotated, rx.State())
	require.Equal(t, uint64(1), rx.Counters.POverride)
	require.Len(t, delivered, 2)
}

func TestChannelSessionRegressionRejected(t *testing.T) {
	t.Parallel()

	txKp, rxKp := genChannelKeypairs(t)
	newer := newTestSession(t, 5, 1, 2, 4)
	older := newTestSession(t, 2, 1, 2, 4)

	sink := &recordingSink{}
	rx := fec.NewRXChannel(rxKp, 32)

	txNewer, err := fec.NewTXChannel(txKp, newer, 32, sink)
	require.NoError(t, err)
	require.NoError(t, txNewer.AnnounceSession(true))
	_, err = rx.Dispatch(mustOne(t, sink.drain()))
	require.NoError(t, err)

	txOlder, err := fec.NewTXChannel(txKp, older, 32, sink)
	require.NoError(t, err)
	require.NoError(t, txOlder.AnnounceSession(true))
	_, err = rx.Dispatch(mustOne(t, sink.drain()))
	require.ErrorIs(t, err, fec.ErrSessionRegressed)
}

func TestChannelDataBeforeSessionIsBad(t *testing.T) {
	t.Parallel()

	_, rxKp := genChannelKeypairs(t)
	rx := fec.NewRXChannel(rxKp, 32)

	var key [32]byte
	raw, err := wire.SealFragment(key, 0, 0, 0, []byte("x"), 32)
	require.NoError(t, err)

	_, err = rx.Dispatch(raw)
	require.ErrorIs(t, err, fec.ErrNoSession)
	require.Equal(t, uint64(1), rx.Counters.PBad)
}

func mustOne(t *testing.T, raws [][]byte) []byte {
	t.Helper()
	require.Len(t, raws, 1)
	return raws[0]
}
