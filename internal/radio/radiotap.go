package radio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Bandwidth selects the HT/VHT radiotap variant (spec.md §4.A: "HT or VHT
// variant selected by bandwidth: 20/40 MHz HT, 80/160 MHz VHT").
type Bandwidth uint8

const (
	BW20 Bandwidth = iota
	BW40
	BW80
	BW160
)

// IsVHT reports whether bw selects the VHT radiotap variant.
func (bw Bandwidth) IsVHT() bool { return bw == BW80 || bw == BW160 }

// PHYConfig holds the radiotap fields configuration fills in on every
// outgoing frame (spec.md §6: phy.mcs_index, short_gi, stbc, ldpc).
type PHYConfig struct {
	Bandwidth Bandwidth
	MCSIndex  uint8
	ShortGI   bool
	STBC      uint8 // 0-3, number of STBC streams
	LDPC      bool
}

// Radiotap namespace present-flag bits this codec uses (ieee80211_radiotap.h).
const (
	radiotapPresentMCS = 1 << 19
	radiotapPresentVHT = 1 << 21
)

// htRadiotapLen is the fixed length of the HT-variant radiotap header this
// codec emits: 8-byte fixed part + 3-byte MCS field (padded to 4).
const htRadiotapLen = 12

// vhtRadiotapLen is the fixed length of the VHT-variant radiotap header:
// 8-byte fixed part + 12-byte VHT field.
const vhtRadiotapLen = 20

// mcsHaveSTBC is the MCS field's "STBC known" bit
// (IEEE80211_RADIOTAP_MCS_HAVE_STBC).
const mcsHaveSTBC = 1 << 5

// ErrRadiotapTooShort indicates a captured frame shorter than the fixed
// radiotap header this codec expects.
var ErrRadiotapTooShort = errors.New("radio: frame shorter than radiotap header")

// ErrUnsupportedRadiotapVersion indicates a captured frame's radiotap
// version byte is not 0, the only version this codec understands.
var ErrUnsupportedRadiotapVersion = errors.New("radio: unsupported radiotap version")

// radiotapLen reports the fixed length this codec uses for cfg's bandwidth.
func radiotapLen(cfg PHYConfig) int {
	if cfg.Bandwidth.IsVHT() {
		return vhtRadiotapLen
	}
	return htRadiotapLen
}

// buildRadiotapHT renders an 8-byte fixed radiotap header plus a 3-byte
// (padded to 4) MCS field into dst, which must be at least htRadiotapLen
// bytes.
func buildRadiotapHT(dst []byte, cfg PHYConfig) {
	dst[0] = 0 // version
	dst[1] = 0 // pad
	binary.LittleEndian.PutUint16(dst[2:4], uint16(htRadiotapLen))
	binary.LittleEndian.PutUint32(dst[4:8], radiotapPresentMCS)

	var known uint8 = 0x07 // bandwidth, MCS index, GI known
	var flags uint8
	if cfg.ShortGI {
		flags |= 1 << 2
	}
	switch cfg.Bandwidth {
	case BW40:
		flags |= 1 << 0
	}
	if cfg.STBC > 0 {
		known |= mcsHaveSTBC
		flags |= (cfg.STBC & 0x3) << 5
	}
	if cfg.LDPC {
		known |= 1 << 4 // FEC type known
		flags |= 1 << 4 // FEC type: LDPC
	}

	dst[8] = known
	dst[9] = flags
	dst[10] = cfg.MCSIndex
	dst[11] = 0 // pad to 4-byte field
}

// buildRadiotapVHT renders an 8-byte fixed radiotap header plus a 12-byte
// VHT field into dst, which must be at least vhtRadiotapLen bytes.
func buildRadiotapVHT(dst []byte, cfg PHYConfig) {
	dst[0] = 0
	dst[1] = 0
	binary.LittleEndian.PutUint16(dst[2:4], uint16(vhtRadiotapLen))
	binary.LittleEndian.PutUint32(dst[4:8], radiotapPresentVHT)

	var knownFlags uint16 = 0x01 | 0x04 // STBC, guard interval known
	var flags uint8
	if cfg.STBC > 0 {
		flags |= 1 << 0
	}
	if cfg.ShortGI {
		flags |= 1 << 2
	}
	binary.LittleEndian.PutUint16(dst[8:10], knownFlags)
	dst[10] = flags

	var bwCode uint8
	if cfg.Bandwidth == BW160 {
		bwCode = 11
	}
	dst[11] = bwCode

	for i := 12; i < 16; i++ {
		dst[i] = cfg.MCSIndex<<4 | 0x1 // one spatial stream, given MCS index
	}
	if cfg.LDPC {
		dst[16] = 1 << 0 // coding: LDPC for user 0
	}
}

// buildRadiotap writes the fixed radiotap header for cfg into dst (which
// must be radiotapLen(cfg) bytes) and returns the number of bytes written.
func buildRadiotap(dst []byte, cfg PHYConfig) int {
	if cfg.Bandwidth.IsVHT() {
		buildRadiotapVHT(dst, cfg)
		return vhtRadiotapLen
	}
	buildRadiotapHT(dst, cfg)
	return htRadiotapLen
}

// parseRadiotap reads the radiotap header's declared length from raw and
// returns the offset of the first byte following it (the 802.11 MAC
// header). It does not decode individual radiotap fields — RX metadata
// (RSSI/SNR/antenna) arrives via PACKET_AUXDATA ancillary data on the
// capture socket, not by parsing radiotap bytes (see rawsock_linux.go).
func parseRadiotap(raw []byte) (int, error) {
	const fixedLen = 8
	if len(raw) < fixedLen {
		return 0, fmt.Errorf("parse radiotap: got %d bytes, need %d: %w",
			len(raw), fixedLen, ErrRadiotapTooShort)
	}

	if raw[0] != 0 {
		return 0, fmt.Errorf("parse radiotap: version %d: %w", raw[0], ErrUnsupportedRadiotapVersion)
	}

	length := int(binary.LittleEndian.Uint16(raw[2:4]))
	if length < fixedLen || len(raw) < length {
		return 0, fmt.Errorf("parse radiotap: declared length %d, have %d: %w",
			length, len(raw), ErrRadiotapTooShort)
	}

	return length, nil
}
