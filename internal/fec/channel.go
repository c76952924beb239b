package fec

import (
	"errors"
	"fmt"
	"time"

	"github.com/wfb-go/gofpvlink/internal/wire"
)

var (
	// ErrNoSession is returned by the RX path when a DATA packet arrives
	// before any SESSION packet has been accepted.
	ErrNoSession = errors.New("fec: no established session")

	// ErrSessionRegressed is returned when a SESSION packet's (epoch,
	// channel_id) does not advance past the channel's current session.
	ErrSessionRegressed = errors.New("fec: session packet does not advance (epoch, channel_id)")
)

// MaxBlockIndex bounds a session's block_index before the key must rotate
// (spec.md §4.B: MAX_BLOCK_IDX = 2^55-1).
const MaxBlockIndex uint64 = 1<<55 - 1

// DefaultFECTimeout is the idle period after which a partially filled block
// is closed with FEC_ONLY padding fragments (spec.md §4.B).
const DefaultFECTimeout = 20 * time.Millisecond

// DefaultAnnounceInterval bounds how often the session key is re-announced.
const DefaultAnnounceInterval = time.Second

// Session pins one channel's negotiated RS shape and key material. Sessions
// order by (epoch, channel_id) lexicographically — a later announcement
// wins only if it has a higher epoch, or the same epoch and a higher
// channel_id, per spec.md §4.B.
type Session struct {
	Epoch     uint64
	ChannelID uint32
	K, N      int
	Key       [32]byte
}

func (s Session) newerThan(o Session) bool {
	if s.Epoch != o.Epoch {
		return s.Epoch > o.Epoch
	}
	return s.ChannelID > o.ChannelID
}

// RXCounters is the exported per-channel counter set (spec.md §4.B).
type RXCounters struct {
	PAll          uint64
	PDecErr       uint64
	PLost         uint64
	PFecRecovered uint64
	PBad          uint64
	POutgoing     uint64
	POverride     uint64
}

// RXChannel is the receive half of one secure FEC channel: it authenticates
// and dispatches SESSION/DATA wire packets, drives the per-channel state
// machine, and reassembles blocks through a Ring.
//
// RXChannel is not safe for concurrent use; like Ring, it is owned
// exclusively by one driver callback thread per channel (spec.md §5).
type RXChannel struct {
	kp              *wire.Keypair
	maxFragmentSize int

	state   State
	session *Session
	ring    *Ring

	Counters RXCounters
}

// NewRXChannel creates an RX channel with no session established.
func NewRXChannel(kp *wire.Keypair, maxFragmentSize int) *RXChannel {
	return &RXChannel{kp: kp, maxFragmentSize: maxFragmentSize, state: StateNoSession}
}

// State reports the channel's current FSM state.
func (c *RXChannel) State() State { return c.state }

// Dispatch routes a raw wire packet by its type byte to HandleSessionPacket
// or HandleDataPacket.
func (c *RXChannel) Dispatch(raw []byte) ([]wire.UserPacket, error) {
	t, err := wire.PeekType(raw)
	if err != nil {
		c.Counters.PBad++
		return nil, fmt.Errorf("dispatch: %w", err)
	}

	switch t {
	case wire.TypeSession:
		return nil, c.HandleSessionPacket(raw)
	case wire.TypeData:
		return c.HandleDataPacket(raw)
	default:
		c.Counters.PBad++
		return nil, fmt.Errorf("dispatch: %w", wire.ErrUnknownPacketType)
	}
}

// HandleSessionPacket authenticates a SESSION wire packet and, if it
// advances (epoch, channel_id) past the current session, replaces the
// channel's session and clears its block ring (spec.md §4.B: "on
// acceptance, clear the ring").
//
// A repeat announcement of the already-current session is a silent no-op,
// matching the FSM's self-loop transitions. An announcement that regresses
// (epoch, channel_id) is rejected without altering channel state.
func (c *RXChannel) HandleSessionPacket(raw []byte) error {
	desc, err := wire.UnmarshalSessionPacket(c.kp, raw)
	if err != nil {
		c.Counters.PBad++
		return fmt.Errorf("handle session packet: %w", err)
	}

	next := Session{
		Epoch:     desc.Epoch,
		ChannelID: desc.ChannelID,
		K:         int(desc.K),
		N:         int(desc.N),
		Key:       desc.SessionKey,
	}

	event := EventValidSessionKey
	if c.session != nil {
		switch {
		case next == *c.session:
			// Repeat announce of the already-current session: a no-op per
			// the FSM's self-loop transitions.
			return nil
		case !next.newerThan(*c.session):
			return fmt.Errorf("handle session packet: %w", ErrSessionRegressed)
		default:
			event = EventNewerEpochSessionKey
			c.Counters.POverride++
		}
	}

	codec, err := NewCodec(next.K, next.N)
	if err != nil {
		c.Counters.PBad++
		return fmt.Errorf("handle session packet: %w", err)
	}

	result := ApplyEvent(c.state, event)
	c.state = result.NewState
	c.session = &next
	c.ring = NewRing(next.K, next.N, c.maxFragmentSize, codec)
	return nil
}

// HandleDataPacket authenticates and decrypts a DATA wire packet, admits it
// into the channel's block ring, and — once a block completes — returns the
// in-order UserPackets it carried, with FEC_ONLY padding packets filtered
// out.
func (c *RXChannel) HandleDataPacket(raw []byte) ([]wire.UserPacket, error) {
	if c.session == nil {
		c.Counters.PBad++
		return nil, fmt.Errorf("handle data packet: %w", ErrNoSession)
	}
	c.Counters.PAll++

	frag, err := wire.OpenFragment(c.session.Key, raw)
	if err != nil {
		c.Counters.PDecErr++
		return nil, fmt.Errorf("handle data packet: %w", err)
	}

	if frag.BlockIndex > MaxBlockIndex {
		// spec.md §4.B: RX stops admitting DATA on an exhausted session and
		// waits for a rotation announcement; state itself does not change
		// (see fsmTable's EventBlockIndexOverflow self-loops).
		c.Counters.PBad++
		return nil, nil
	}

	admitted := c.ring.Admit(frag.BlockIndex, frag.FragIndex, frag.Plain)
	if admitted.Discarded {
		c.Counters.PBad++
		return nil, nil
	}
	c.Counters.PLost += uint64(admitted.Lost)

	if admitted.Primary == nil {
		return nil, nil
	}
	c.Counters.PFecRecovered += uint64(admitted.Recovered)

	delivered := make([]wire.UserPacket, 0, len(admitted.Primary))
	for _, plain := range admitted.Primary {
		up, err := wire.ParseUserPacket(plain)
		if err != nil {
			c.Counters.PBad++
			continue
		}
		if up.Flags&wire.FECOnly != 0 {
			continue
		}
		delivered = append(delivered, up)
	}
	c.Counters.POutgoing += uint64(len(delivered))
	return delivered, nil
}

// -----------------------------------------------------------------------
// TX
// -----------------------------------------------------------------------

// Injector transmits one already-framed wire packet. Radio injection is
// supplied by the caller so this package carries no driver or socket
// dependency of its own (spec.md §9's PacketSink redesign note).
type Injector interface {
	Inject(raw []byte) error
}

// TXChannel is the transmit half of one secure FEC channel: it seals each
// inbound datagram into the next primary fragment slot, closes a block with
// Reed-Solomon parity once k slots are filled or the FEC-close timeout
// fires, and re-announces the session key on a fixed cadence.
//
// TXChannel is not safe for concurrent use; one goroutine (the TX feeder,
// spec.md §5) owns each channel.
type TXChannel struct {
	kp              *wire.Keypair
	session         Session
	codec           *Codec
	maxFragmentSize int
	sink            Injector
	now             func() time.Time

	FECTimeout       time.Duration
	AnnounceInterval time.Duration

	blockIndex   uint64
	fragIndex    uint8
	dataShards   [][]byte
	lastPacket   time.Time
	lastAnnounce time.Time
	rotated      bool
}

// NewTXChannel creates a TX channel bound to session and sink.
func NewTXChannel(kp *wire.Keypair, session Session, maxFragmentSize int, sink Injector) (*TXChannel, error) {
	codec, err := NewCodec(session.K, session.N)
	if err != nil {
		return nil, fmt.Errorf("new tx channel: %w", err)
	}

	return &TXChannel{
		kp:               kp,
		session:          session,
		codec:            codec,
		maxFragmentSize:  maxFragmentSize,
		sink:             sink,
		now:              time.Now,
		FECTimeout:       DefaultFECTimeout,
		AnnounceInterval: DefaultAnnounceInterval,
		dataShards:       make([][]byte, session.K),
	}, nil
}

// SetClock overrides the channel's time source. Tests use this to make the
// FEC-close timeout deterministic; production callers have no reason to.
func (t *TXChannel) SetClock(now func() time.Time) { t.now = now }

// Rotate replaces the channel's session (typically with a newer epoch) and
// resets block accounting. The caller is responsible for re-announcing.
func (t *TXChannel) Rotate(session Session) error {
	codec, err := NewCodec(session.K, session.N)
	if err != nil {
		return fmt.Errorf("rotate: %w", err)
	}

	t.session = session
	t.codec = codec
	t.blockIndex = 0
	t.fragIndex = 0
	t.dataShards = make([][]byte, session.K)
	t.rotated = false
	t.lastAnnounce = time.Time{}
	return nil
}

// AnnounceSession sends a SESSION wire packet if AnnounceInterval has
// elapsed since the last one, or unconditionally when force is set.
func (t *TXChannel) AnnounceSession(force bool) error {
	now := t.now()
	if !force && !t.lastAnnounce.IsZero() && now.Sub(t.lastAnnounce) < t.AnnounceInterval {
		return nil
	}

	raw, err := wire.MarshalSessionPacket(t.kp, wire.SessionDescriptor{
		Epoch:      t.session.Epoch,
		ChannelID:  t.session.ChannelID,
		FecType:    wire.FecTypeRS,
		K:          uint8(t.session.K),  //nolint:gosec // RS shape is bounded to [1,255] at NewCodec
		N:          uint8(t.session.N),  //nolint:gosec // RS shape is bounded to [1,255] at NewCodec
		SessionKey: t.session.Key,
	})
	if err != nil {
		return fmt.Errorf("announce session: %w", err)
	}
	if err := t.sink.Inject(raw); err != nil {
		return fmt.Errorf("announce session: %w", err)
	}

	t.lastAnnounce = now
	return nil
}

// Send injects one inbound datagram as the channel's next primary fragment.
// Payloads beyond wire.MaxPayload or the fragment's own capacity are
// rejected rather than silently truncated. The orchestrator's TX feeder
// truncates oversized uplink datagrams to its MaxPayload before calling
// Send; those truncations are not counted.
func (t *TXChannel) Send(payload []byte) error {
	if len(payload) > wire.MaxPayload {
		return fmt.Errorf("send: %w", wire.ErrPayloadTooLarge)
	}
	return t.send(0, payload)
}

// SendFECOnly injects a zero-length FEC_ONLY padding fragment, used both to
// close a block early (FEC-close timeout) and to pad the remaining primary
// slots once closing has begun.
func (t *TXChannel) SendFECOnly() error {
	return t.send(wire.FECOnly, nil)
}

// SendIDRRequest injects a zero-length control fragment carrying the
// reserved IDR-request flag bit (spec.md §12 supplement).
func (t *TXChannel) SendIDRRequest() error {
	return t.send(wire.IDRRequest, nil)
}

func (t *TXChannel) send(flags uint8, payload []byte) error {
	raw, err := wire.SealFragment(t.session.Key, t.blockIndex, t.fragIndex, flags, payload, t.maxFragmentSize)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	if err := t.sink.Inject(raw); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	t.dataShards[t.fragIndex] = fragmentPlain(flags, payload, t.maxFragmentSize)
	t.lastPacket = t.now()

	if int(t.fragIndex) == t.session.K-1 {
		return t.closeBlock()
	}
	t.fragIndex++
	return nil
}

// PollIdle services the FEC-close timer: if FECTimeout has elapsed since
// the last fragment and the current block is partially filled, it pads the
// remainder with FEC_ONLY fragments and closes the block (spec.md §4.B).
func (t *TXChannel) PollIdle() error {
	if t.fragIndex == 0 || t.lastPacket.IsZero() {
		return nil
	}
	if t.now().Sub(t.lastPacket) < t.FECTimeout {
		return nil
	}

	for int(t.fragIndex) < t.session.K-1 {
		if err := t.send(wire.FECOnly, nil); err != nil {
			return err
		}
	}
	return t.send(wire.FECOnly, nil)
}

func (t *TXChannel) closeBlock() error {
	shards := make([][]byte, t.session.N)
	copy(shards, t.dataShards)
	for i := t.session.K; i < t.session.N; i++ {
		shards[i] = make([]byte, t.maxFragmentSize)
	}

	if err := t.codec.Encode(shards); err != nil {
		return fmt.Errorf("close block: %w", err)
	}

	for i := t.session.K; i < t.session.N; i++ {
		raw, err := wire.SealFragmentPlain(t.session.Key, t.blockIndex, uint8(i), shards[i]) //nolint:gosec // i < N <= 255
		if err != nil {
			return fmt.Errorf("close block: %w", err)
		}
		if err := t.sink.Inject(raw); err != nil {
			return fmt.Errorf("close block: %w", err)
		}
	}

	t.blockIndex++
	t.fragIndex = 0
	t.dataShards = make([][]byte, t.session.K)

	if t.blockIndex > MaxBlockIndex && !t.rotated {
		t.rotated = true
	}
	return nil
}

// NeedsRotation reports whether the channel's block_index has exceeded
// MaxBlockIndex and a new session must be announced (spec.md §4.B).
func (t *TXChannel) NeedsRotation() bool { return t.rotated }

func fragmentPlain(flags uint8, payload []byte, maxFragmentSize int) []byte {
	plain := make([]byte, maxFragmentSize)
	plain[0] = flags
	plain[1] = byte(len(payload) >> 8)  //nolint:gosec // payload bounded to MaxPayload=1400 by Send
	plain[2] = byte(len(payload))
	copy(plain[3:], payload)
	return plain
}
