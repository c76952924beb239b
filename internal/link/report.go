package link

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// clamp bounds v to [lo, hi].
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// mapLinear rescales v from [inLo, inHi] to [outLo, outHi] (spec.md §4.E's
// `map`, the familiar Arduino-style linear map).
func mapLinear(v, inLo, inHi, outLo, outHi float64) float64 {
	return outLo + (v-inLo)*(outHi-outLo)/(inHi-inLo)
}

// Quality computes the spec.md §4.E quality formula from a 1-second
// window's averaged RSSI and accumulated FEC counters. recovered and lost
// are the window's accumulated (possibly degraded-sentinel) values.
func Quality(avgRSSI float64, recovered, lost int) int {
	rssiMapped := clamp(mapLinear(avgRSSI, 0, 80, -1024, 1024), -1024, 1024)
	quality := clamp(rssiMapped-12*float64(recovered)-40*float64(lost), -1024, 1024)
	return int(quality)
}

// ReportQ maps a quality score in [-1024, 1024] to the report_q field sent
// on the wire, in [1000, 2000].
func ReportQ(quality int) int {
	return int(mapLinear(float64(quality), -1024, 1024, 1000, 2000))
}

const idrCodeLen = 4

// newIDRCode draws four random lowercase ASCII letters (spec.md §4.E).
func newIDRCode() (string, error) {
	var raw [idrCodeLen]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("new idr code: %w", err)
	}

	out := make([]byte, idrCodeLen)
	for i, b := range raw {
		out[i] = 'a' + b%26
	}
	return string(out), nil
}

// Report is one adaptive-link tick's fields, ready to format onto the wire
// (spec.md §4.E).
type Report struct {
	Epoch    uint64
	Quality  int
	ReportQ  int
	Recovered int
	Lost     int
	SNR      float64
	FecLevel int
	IDRCode  string
}

// Format renders the ASCII report body:
// "<epoch>:<q>:<q>:<recovered>:<lost>:<q>:<snr>:0:-1:<fec_level>:<idr_code>\n"
func (r Report) Format() string {
	return fmt.Sprintf("%d:%d:%d:%d:%d:%d:%.2f:0:-1:%d:%s\n",
		r.Epoch, r.ReportQ, r.ReportQ, r.Recovered, r.Lost, r.ReportQ, r.SNR, r.FecLevel, r.IDRCode)
}

// Encode renders Format's body and prepends its 4-byte big-endian length,
// the full wire representation sent via UDP (spec.md §4.E).
func (r Report) Encode() []byte {
	body := r.Format()
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out[:4], uint32(len(body))) //nolint:gosec // report bodies are well under 4GiB
	copy(out[4:], body)
	return out
}
