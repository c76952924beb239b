// Package radio implements RadioFrameCodec: parsing and building the
// 802.11 radiotap+MAC header pair that carries gofpvlink's encrypted
// payload over a monitor/injection-mode link (spec.md §4.A).
package radio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// frameControlData is the 802.11 Frame Control field value this codec
// accepts and emits: protocol version 0, type Data (0b10), subtype Data
// (0b0000) — the "data-injection flavor" spec.md §4.A requires frames to
// match.
const frameControlData uint16 = 0x0008

// macHeaderLen is the fixed 802.11 header length this codec uses: frame
// control(2) + duration(2) + addr1(6) + addr2(6) + addr3(6) + seq
// control(2) = 24 bytes. No QoS or HT Control field, no 4th address.
const macHeaderLen = 2 + 2 + 6 + 6 + 6 + 2

// Errors returned by parseMACHeader (and so by Codec.Decode).
var (
	// ErrFrameTooShort indicates a captured frame shorter than the fixed
	// MAC header.
	ErrFrameTooShort = errors.New("radio: frame shorter than 802.11 header")

	// ErrNotDataFrame indicates the Frame Control field is not the
	// configured data-injection flavor (spec.md §4.A: "rejects frames
	// whose type/subtype field is not the configured data-injection
	// flavor").
	ErrNotDataFrame = errors.New("radio: frame control is not the data-injection flavor")

	// ErrChannelIDMismatch indicates the channel id replicated into
	// addr2/addr3 does not agree (spec.md §4.A: "whose MAC header does
	// not carry the expected channel-id pattern").
	ErrChannelIDMismatch = errors.New("radio: channel id mismatch between MAC address fields")
)

// broadcastAddr1 is the fixed receiver-address octets used on every frame;
// RadioFrameCodec identifies a channel purely from addr2/addr3, so addr1
// carries no information and is set to the fixed address
// 00:13:37:00:00:00.
var broadcastAddr1 = [6]byte{0x00, 0x13, 0x37, 0x00, 0x00, 0x00}

// encodeChannelID writes channel_id as 4 big-endian bytes followed by 2
// zero bytes, the fixed 6-byte MAC-address encoding spec.md §4.A and §6
// describe (channel id replicated into two address fields for validation).
func encodeChannelID(channelID uint32) [6]byte {
	var addr [6]byte
	binary.BigEndian.PutUint32(addr[:4], channelID)
	return addr
}

// decodeChannelID is the inverse of encodeChannelID; the trailing 2 bytes
// are ignored (reserved, always zero on frames this codec emits).
func decodeChannelID(addr [6]byte) uint32 {
	return binary.BigEndian.Uint32(addr[:4])
}

// macHeader is the fixed fields this codec reads and writes on every frame.
type macHeader struct {
	channelID uint32
	seq       uint16
}

// buildMACHeader renders the fixed 24-byte 802.11 header for channelID and
// seq into dst, which must be at least macHeaderLen bytes. seq is the raw
// 16-bit sequence-control value: the codec's TX counter increments it by
// SeqIncrement (16) per frame, so its low 4 bits (the 802.11 fragment
// number — always 0, this codec never fragments at the 802.11 layer) stay
// zero and the visible 12-bit sequence number advances by 1 per frame.
func buildMACHeader(dst []byte, channelID uint32, seq uint16) {
	binary.LittleEndian.PutUint16(dst[0:2], frameControlData)
	binary.BigEndian.PutUint16(dst[2:4], 0) // duration: unused on injected frames

	copy(dst[4:10], broadcastAddr1[:])

	idAddr := encodeChannelID(channelID)
	copy(dst[10:16], idAddr[:])
	copy(dst[16:22], idAddr[:])

	binary.LittleEndian.PutUint16(dst[22:24], seq)
}

// parseMACHeader reads and validates the fixed 802.11 header at the start
// of raw, returning the decoded channel id and sequence number and the
// offset of the first byte following the header.
func parseMACHeader(raw []byte) (macHeader, int, error) {
	if len(raw) < macHeaderLen {
		return macHeader{}, 0, fmt.Errorf("parse mac header: got %d bytes, need %d: %w",
			len(raw), macHeaderLen, ErrFrameTooShort)
	}

	fc := binary.LittleEndian.Uint16(raw[0:2])
	if fc != frameControlData {
		return macHeader{}, 0, fmt.Errorf("parse mac header: frame control 0x%04x: %w",
			fc, ErrNotDataFrame)
	}

	var addr2, addr3 [6]byte
	copy(addr2[:], raw[10:16])
	copy(addr3[:], raw[16:22])

	id2 := decodeChannelID(addr2)
	id3 := decodeChannelID(addr3)
	if id2 != id3 {
		return macHeader{}, 0, fmt.Errorf("parse mac header: addr2=%d addr3=%d: %w",
			id2, id3, ErrChannelIDMismatch)
	}

	seq := binary.LittleEndian.Uint16(raw[22:24])

	return macHeader{channelID: id2, seq: seq}, macHeaderLen, nil
}

// SeqIncrement is the fixed per-frame sequence-counter step (spec.md §4.A:
// "a 16-bit sequence counter that increments by 16 per frame").
const SeqIncrement = 16
