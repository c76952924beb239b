// Package fec implements Reed-Solomon erasure coding over fixed-size
// fragment blocks and the receive-side block ring that reassembles them,
// plus the per-channel secure-FEC session state machine (spec.md §4.B).
package fec

import (
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// Codec wraps a Reed-Solomon (k, n) erasure coder over byte shards of equal
// length, one call site per channel (a channel's k/n is fixed for the
// lifetime of a session).
type Codec struct {
	K, N int
	enc  reedsolomon.Encoder
}

// NewCodec builds a Codec for k data shards and n-k parity shards.
// Accepts 1 <= k < n <= 255: a shape with no parity shards (k == n) is
// rejected with ErrInvalidShape.
func NewCodec(k, n int) (*Codec, error) {
	if k < 1 || n <= k || n > 255 {
		return nil, fmt.Errorf("fec: new codec: %w", ErrInvalidShape)
	}

	enc, err := reedsolomon.New(k, n-k)
	if err != nil {
		return nil, fmt.Errorf("fec: new codec: %w", err)
	}

	return &Codec{K: k, N: n, enc: enc}, nil
}

// Encode computes the n-k parity shards in place. shards must have length n;
// the first k entries are the data shards (already populated, equal length);
// the remaining n-k entries are overwritten with parity.
func (c *Codec) Encode(shards [][]byte) error {
	if err := c.enc.Encode(shards); err != nil {
		return fmt.Errorf("fec: encode: %w", err)
	}
	return nil
}

// Reconstruct fills in the nil entries among the first k (data) shards of
// shards (length n) from the surviving data+parity shards; missing parity
// shards stay nil. Requires at least k non-nil entries.
func (c *Codec) Reconstruct(shards [][]byte) error {
	if err := c.enc.ReconstructData(shards); err != nil {
		return fmt.Errorf("fec: reconstruct: %w", err)
	}
	return nil
}
