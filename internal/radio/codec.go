package radio

import (
	"fmt"
	"sync"
)

// Metadata is the per-frame signal information the driver attaches to a
// captured frame (spec.md §4.A: "raw frames from the driver with attached
// per-frame metadata {rssi[2], snr[2], antenna[2]}").
type Metadata struct {
	RSSI    [2]uint8
	SNR     [2]int8
	Antenna [2]uint8
}

// DecodedFrame is RadioFrameCodec's RX output: one payload addressed to a
// channel, with its link-quality metadata.
type DecodedFrame struct {
	ChannelID uint32
	Payload   []byte
	Metadata  Metadata
}

// Codec parses and builds the radiotap+802.11 header pair around
// SecureFecChannel's wire payloads. The daemon creates one Codec per
// configured stream; the TX sequence counter is per-instance state
// (spec.md §4.A: "a 16-bit sequence counter that increments by 16 per
// frame").
type Codec struct {
	phy PHYConfig

	mu  sync.Mutex
	seq uint16
}

// NewCodec creates a Codec using phy for every frame it builds.
func NewCodec(phy PHYConfig) *Codec {
	return &Codec{phy: phy}
}

// Decode strips and validates the radiotap and 802.11 headers from a
// captured frame, returning the channel id and remaining payload. meta is
// the driver-supplied per-frame signal metadata, attached separately from
// the captured bytes (see rawsock_linux.go's PACKET_AUXDATA handling).
func (c *Codec) Decode(raw []byte, meta Metadata) (DecodedFrame, error) {
	rtLen, err := parseRadiotap(raw)
	if err != nil {
		return DecodedFrame{}, fmt.Errorf("decode frame: %w", err)
	}

	hdr, hdrLen, err := parseMACHeader(raw[rtLen:])
	if err != nil {
		return DecodedFrame{}, fmt.Errorf("decode frame: %w", err)
	}

	payload := raw[rtLen+hdrLen:]

	return DecodedFrame{
		ChannelID: hdr.channelID,
		Payload:   payload,
		Metadata:  meta,
	}, nil
}

// Encode builds a complete outgoing frame — radiotap header, 802.11 header
// addressed to channelID with the next sequence value, then payload —
// ready for injection (spec.md §4.A).
func (c *Codec) Encode(channelID uint32, payload []byte) []byte {
	c.mu.Lock()
	seq := c.seq
	c.seq += SeqIncrement
	c.mu.Unlock()

	rtLen := radiotapLen(c.phy)
	out := make([]byte, rtLen+macHeaderLen+len(payload))

	buildRadiotap(out[:rtLen], c.phy)
	buildMACHeader(out[rtLen:rtLen+macHeaderLen], channelID, seq)
	copy(out[rtLen+macHeaderLen:], payload)

	return out
}

// NextSeq reports the sequence-control value Encode will use for its next
// frame, for tests and diagnostics.
func (c *Codec) NextSeq() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}
