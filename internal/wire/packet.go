// Package wire implements the on-air packet codec and cryptographic
// primitives for the secure FEC channel: session-key announcement via a
// public-key-authenticated sealed box, and per-fragment ChaCha20-Poly1305
// AEAD.
package wire

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/box"
)

// Wire packet types (spec.md §6).
const (
	TypeSession byte = 0x01
	TypeData    byte = 0x02
)

// FecTypeRS identifies Reed-Solomon erasure coding in a session descriptor.
const FecTypeRS uint8 = 1

// Fixed sizes dictated by the wire format.
const (
	SessionNonceSize = 24
	DataNonceSize    = 8

	sessionPlainSize = 8 + 4 + 1 + 1 + 1 + 32 // epoch,channel_id,fec_type,k,n,session_key
	fragmentHeaderLen = 1 + DataNonceSize

	// chachaNonceSize is the nonce length chacha20poly1305.AEAD requires.
	// The wire format's nonce is 8 bytes (spec.md §6); it is zero-extended
	// to this length for every Seal/Open call, since golang.org/x/crypto's
	// chacha20poly1305 implementation only accepts its standard 96-bit
	// nonce. The wire representation and transmitted bytes are unaffected.
	chachaNonceSize = chacha20poly1305.NonceSize
)

// MaxPayload bounds a single UserPacket's payload length (spec.md §3).
const MaxPayload = 1400

// FECOnly is the user-packet flags bit marking a padding fragment injected
// by the FEC-close timeout.
const FECOnly uint8 = 0x01

// IDRRequest is an additive, reserved flags bit carrying an RX->TX
// out-of-band keyframe request (see internal/dispatch.RequestIDR). It does
// not alter the meaning of any existing flag or wire-format invariant.
const IDRRequest uint8 = 0x02

var (
	ErrShortFrame        = errors.New("wire: frame too short")
	ErrUnknownPacketType = errors.New("wire: unknown packet type")
	ErrSealFailed        = errors.New("wire: sealed box open failed")
	ErrAuthFailed        = errors.New("wire: AEAD authentication failed")
	ErrPayloadTooLarge   = errors.New("wire: payload exceeds fragment capacity")
	ErrInvalidKeyFile    = errors.New("wire: key file must be exactly 64 bytes (secret || peer public)")
)

// -------------------------------------------------------------------------
// Keypair
// -------------------------------------------------------------------------

// Keypair holds the long-lived Curve25519 key material for one side of a
// channel: this side's secret key and the peer's public key. On TX this is
// (tx_secret, rx_public); on RX it is (rx_secret, tx_public) — spec.md §4.B.
type Keypair struct {
	Secret [32]byte
	Peer   [32]byte
}

// LoadKeypair reads a Keypair from the binary key file format described in
// spec.md §6: 32-byte secret concatenated with the 32-byte peer public key.
func LoadKeypair(path string) (*Keypair, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load keypair: %w", err)
	}
	if len(raw) != 64 {
		return nil, fmt.Errorf("load keypair %s: %w", path, ErrInvalidKeyFile)
	}

	kp := &Keypair{}
	copy(kp.Secret[:], raw[:32])
	copy(kp.Peer[:], raw[32:64])
	return kp, nil
}

// -------------------------------------------------------------------------
// Session packets
// -------------------------------------------------------------------------

// SessionDescriptor is the plaintext carried inside a sealed-box session
// packet (spec.md §6).
type SessionDescriptor struct {
	Epoch      uint64
	ChannelID  uint32
	FecType    uint8
	K          uint8
	N          uint8
	SessionKey [32]byte
}

func (d SessionDescriptor) marshalPlain() []byte {
	buf := make([]byte, sessionPlainSize)
	binary.BigEndian.PutUint64(buf[0:8], d.Epoch)
	binary.BigEndian.PutUint32(buf[8:12], d.ChannelID)
	buf[12] = d.FecType
	buf[13] = d.K
	buf[14] = d.N
	copy(buf[15:47], d.SessionKey[:])
	return buf
}

func unmarshalSessionDescriptor(b []byte) (SessionDescriptor, error) {
	if len(b) != sessionPlainSize {
		return SessionDescriptor{}, fmt.Errorf("unmarshal session descriptor: %w", ErrShortFrame)
	}

	var d SessionDescriptor
	d.Epoch = binary.BigEndian.Uint64(b[0:8])
	d.ChannelID = binary.BigEndian.Uint32(b[8:12])
	d.FecType = b[12]
	d.K = b[13]
	d.N = b[14]
	copy(d.SessionKey[:], b[15:47])
	return d, nil
}

// MarshalSessionPacket builds a wire session packet: 1-byte type || 24-byte
// nonce || sealed-box ciphertext of desc, authenticated with kp.
func MarshalSessionPacket(kp *Keypair, desc SessionDescriptor) ([]byte, error) {
	var nonce [SessionNonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("marshal session packet: generate nonce: %w", err)
	}

	ciphertext := box.Seal(nil, desc.marshalPlain(), &nonce, &kp.Peer, &kp.Secret)

	out := make([]byte, 0, 1+SessionNonceSize+len(ciphertext))
	out = append(out, TypeSession)
	out = append(out, nonce[:]...)
	out = append(out, ciphertext...)
	return out, nil
}

// UnmarshalSessionPacket authenticates and decodes a wire session packet.
func UnmarshalSessionPacket(kp *Keypair, raw []byte) (SessionDescriptor, error) {
	if len(raw) < 1+SessionNonceSize {
		return SessionDescriptor{}, fmt.Errorf("unmarshal session packet: %w", ErrShortFrame)
	}
	if raw[0] != TypeSession {
		return SessionDescriptor{}, fmt.Errorf("unmarshal session packet: %w", ErrUnknownPacketType)
	}

	var nonce [SessionNonceSize]byte
	copy(nonce[:], raw[1:1+SessionNonceSize])
	ciphertext := raw[1+SessionNonceSize:]

	plain, ok := box.Open(nil, ciphertext, &nonce, &kp.Peer, &kp.Secret)
	if !ok {
		return SessionDescriptor{}, fmt.Errorf("unmarshal session packet: %w", ErrSealFailed)
	}

	return unmarshalSessionDescriptor(plain)
}

// -------------------------------------------------------------------------
// Data (fragment) packets
// -------------------------------------------------------------------------

func deriveNonce(blockIndex uint64, fragIndex uint8) [DataNonceSize]byte {
	var nonce [DataNonceSize]byte
	binary.BigEndian.PutUint64(nonce[:], (blockIndex<<8)|uint64(fragIndex))
	return nonce
}

func chachaNonce(wireNonce [DataNonceSize]byte) [chachaNonceSize]byte {
	var full [chachaNonceSize]byte
	copy(full[chachaNonceSize-DataNonceSize:], wireNonce[:])
	return full
}

// SealFragment encrypts one (flags, payload) UserPacket into a fragment
// ciphertext of exactly maxFragmentSize plaintext bytes, zero-padded, and
// returns the full wire fragment: 1-byte type || 8-byte nonce || ciphertext.
func SealFragment(key [32]byte, blockIndex uint64, fragIndex uint8, flags uint8, payload []byte, maxFragmentSize int) ([]byte, error) {
	if len(payload) > maxFragmentSize-3 {
		return nil, fmt.Errorf("seal fragment: %w", ErrPayloadTooLarge)
	}

	plain := make([]byte, maxFragmentSize)
	plain[0] = flags
	binary.BigEndian.PutUint16(plain[1:3], uint16(len(payload)))
	copy(plain[3:], payload)

	out, err := SealFragmentPlain(key, blockIndex, fragIndex, plain)
	if err != nil {
		return nil, fmt.Errorf("seal fragment: %w", err)
	}
	return out, nil
}

// SealFragmentPlain encrypts an already fully-formed maxFragmentSize-byte
// plaintext record — the parity shards a Reed-Solomon codec computes have no
// (flags, size) structure of their own, so TX seals them directly rather
// than through SealFragment's UserPacket framing.
func SealFragmentPlain(key [32]byte, blockIndex uint64, fragIndex uint8, plain []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("seal fragment plain: new aead: %w", err)
	}

	wireNonce := deriveNonce(blockIndex, fragIndex)
	header := make([]byte, fragmentHeaderLen)
	header[0] = TypeData
	copy(header[1:], wireNonce[:])

	full := chachaNonce(wireNonce)
	ciphertext := aead.Seal(nil, full[:], plain, header)

	out := make([]byte, 0, len(header)+len(ciphertext))
	out = append(out, header...)
	out = append(out, ciphertext...)
	return out, nil
}

// Fragment is the decrypted contents of a DATA wire packet. Plain is the
// full, fixed-size (flags || size || payload || zero-pad) plaintext record —
// callers hand it to a fec.Ring as-is, since Reed-Solomon shards within a
// block must all share one length. Use ParseUserPacket to recover the
// (flags, payload) pair it carries once a block has been reassembled.
type Fragment struct {
	BlockIndex uint64
	FragIndex  uint8
	Plain      []byte
}

// OpenFragment authenticates and decrypts a DATA wire packet.
func OpenFragment(key [32]byte, raw []byte) (Fragment, error) {
	if len(raw) < fragmentHeaderLen {
		return Fragment{}, fmt.Errorf("open fragment: %w", ErrShortFrame)
	}
	if raw[0] != TypeData {
		return Fragment{}, fmt.Errorf("open fragment: %w", ErrUnknownPacketType)
	}

	var wireNonce [DataNonceSize]byte
	copy(wireNonce[:], raw[1:fragmentHeaderLen])
	header := raw[:fragmentHeaderLen]
	ciphertext := raw[fragmentHeaderLen:]

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return Fragment{}, fmt.Errorf("open fragment: new aead: %w", err)
	}

	full := chachaNonce(wireNonce)
	plain, err := aead.Open(nil, full[:], ciphertext, header)
	if err != nil {
		return Fragment{}, fmt.Errorf("open fragment: %w", ErrAuthFailed)
	}
	if len(plain) < 3 {
		return Fragment{}, fmt.Errorf("open fragment: %w", ErrShortFrame)
	}

	n := binary.BigEndian.Uint64(wireNonce[:])

	return Fragment{
		BlockIndex: n >> 8,
		FragIndex:  uint8(n & 0xFF), //nolint:gosec // nonce low byte is the fragment index by construction
		Plain:      plain,
	}, nil
}

// UserPacket is one TX-side datagram carried inside a single primary
// fragment's plaintext.
type UserPacket struct {
	Flags   uint8
	Payload []byte
}

// ParseUserPacket recovers the (flags, payload) record from one fully
// reassembled primary fragment's plaintext (spec.md §4.B: each primary
// fragment carries exactly one UserPacket plus zero-padding to
// maxFragmentSize).
func ParseUserPacket(plain []byte) (UserPacket, error) {
	if len(plain) < 3 {
		return UserPacket{}, fmt.Errorf("parse user packet: %w", ErrShortFrame)
	}

	flags := plain[0]
	size := binary.BigEndian.Uint16(plain[1:3])
	if int(size) > len(plain)-3 {
		return UserPacket{}, fmt.Errorf("parse user packet: %w", ErrShortFrame)
	}

	return UserPacket{Flags: flags, Payload: plain[3 : 3+int(size)]}, nil
}

// PeekType returns the wire packet type byte without parsing further.
func PeekType(raw []byte) (byte, error) {
	if len(raw) < 1 {
		return 0, fmt.Errorf("peek type: %w", ErrShortFrame)
	}
	return raw[0], nil
}
