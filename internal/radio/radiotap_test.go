package radio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRadiotapLenSelectsVariant(t *testing.T) {
	assert.Equal(t, htRadiotapLen, radiotapLen(PHYConfig{Bandwidth: BW20}))
	assert.Equal(t, htRadiotapLen, radiotapLen(PHYConfig{Bandwidth: BW40}))
	assert.Equal(t, vhtRadiotapLen, radiotapLen(PHYConfig{Bandwidth: BW80}))
	assert.Equal(t, vhtRadiotapLen, radiotapLen(PHYConfig{Bandwidth: BW160}))
}

func TestBuildParseRadiotapHT(t *testing.T) {
	cfg := PHYConfig{Bandwidth: BW40, MCSIndex: 3, ShortGI: true, STBC: 1}
	buf := make([]byte, radiotapLen(cfg))
	n := buildRadiotap(buf, cfg)
	require.Equal(t, htRadiotapLen, n)

	length, err := parseRadiotap(buf)
	require.NoError(t, err)
	assert.Equal(t, htRadiotapLen, length)
}

func TestBuildParseRadiotapVHT(t *testing.T) {
	cfg := PHYConfig{Bandwidth: BW160, MCSIndex: 9, LDPC: true}
	buf := make([]byte, radiotapLen(cfg))
	n := buildRadiotap(buf, cfg)
	require.Equal(t, vhtRadiotapLen, n)

	length, err := parseRadiotap(buf)
	require.NoError(t, err)
	assert.Equal(t, vhtRadiotapLen, length)
}

func TestParseRadiotapRejectsShort(t *testing.T) {
	_, err := parseRadiotap([]byte{0, 0, 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRadiotapTooShort)
}

func TestParseRadiotapRejectsBadVersion(t *testing.T) {
	buf := make([]byte, htRadiotapLen)
	buf[0] = 1
	_, err := parseRadiotap(buf)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedRadiotapVersion)
}
