package wire_test

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/box"

	"github.com/wfb-go/gofpvlink/internal/wire"
)

func genKeypairs(t *testing.T) (tx, rx *wire.Keypair) {
	t.Helper()

	txPub, txSec, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)
	rxPub, rxSec, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)

	tx = &wire.Keypair{Secret: *txSec, Peer: *rxPub}
	rx = &wire.Keypair{Secret: *rxSec, Peer: *txPub}
	return tx, rx
}

func TestSessionPacketRoundTrip(t *testing.T) {
	t.Parallel()

	tx, rx := genKeypairs(t)

	var key [32]byte
	copy(key[:], bytes.Repeat([]byte{0x42}, 32))

	desc := wire.SessionDescriptor{
		Epoch:      7,
		ChannelID:  0x010203,
		FecType:    wire.FecTypeRS,
		K:          4,
		N:          6,
		SessionKey: key,
	}

	raw, err := wire.MarshalSessionPacket(tx, desc)
	require.NoError(t, err)

	got, err := wire.UnmarshalSessionPacket(rx, raw)
	require.NoError(t, err)
	require.Equal(t, desc, got)
}

func TestSessionPacketWrongKeyFails(t *testing.T) {
	t.Parallel()

	tx, _ := genKeypairs(t)
	_, otherRx := genKeypairs(t)

	desc := wire.SessionDescriptor{Epoch: 1, ChannelID: 1, K: 1, N: 1}
	raw, err := wire.MarshalSessionPacket(tx, desc)
	require.NoError(t, err)

	_, err = wire.UnmarshalSessionPacket(otherRx, raw)
	require.ErrorIs(t, err, wire.ErrSealFailed)
}

func TestFragmentRoundTrip(t *testing.T) {
	t.Parallel()

	var key [32]byte
	copy(key[:], bytes.Repeat([]byte{0x7}, 32))

	payload := []byte("hello fpv")
	raw, err := wire.SealFragment(key, 12345, 2, 0, payload, 256)
	require.NoError(t, err)

	frag, err := wire.OpenFragment(key, raw)
	require.NoError(t, err)
	require.Equal(t, uint64(12345), frag.BlockIndex)
	require.Equal(t, uint8(2), frag.FragIndex)
	require.Len(t, frag.Plain, 256)

	up, err := wire.ParseUserPacket(frag.Plain)
	require.NoError(t, err)
	require.Equal(t, uint8(0), up.Flags)
	require.Equal(t, payload, up.Payload)
}

func TestFragmentTamperedFails(t *testing.T) {
	t.Parallel()

	var key [32]byte
	copy(key[:], bytes.Repeat([]byte{0x9}, 32))

	raw, err := wire.SealFragment(key, 1, 0, 0, []byte("x"), 64)
	require.NoError(t, err)

	raw[len(raw)-1] ^= 0xFF

	_, err = wire.OpenFragment(key, raw)
	require.ErrorIs(t, err, wire.ErrAuthFailed)
}

func TestFragmentPayloadTooLarge(t *testing.T) {
	t.Parallel()

	var key [32]byte
	_, err := wire.SealFragment(key, 0, 0, 0, make([]byte, 100), 64)
	require.ErrorIs(t, err, wire.ErrPayloadTooLarge)
}
