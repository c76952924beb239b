package fec

import "errors"

// RXRing is the number of concurrently tracked receive blocks (spec.md §3).
const RXRing = 40

var (
	// ErrInvalidShape indicates an RS(k,n) shape outside [1<=k<n<=255].
	ErrInvalidShape = errors.New("fec: invalid (k, n) shape")

	// ErrBlockFull indicates a fragment index already holds a fragment.
	ErrBlockFull = errors.New("fec: fragment index already present")

	// ErrDecodeImpossible indicates a block was evicted with fewer than k
	// fragments, so Reed-Solomon reconstruction could not be attempted.
	ErrDecodeImpossible = errors.New("fec: fewer than k fragments at eviction")
)

// Block is one Reed-Solomon coded unit: n fragment slots covering k data
// fragments plus n-k parity fragments (spec.md §3).
type Block struct {
	Index           uint64
	Fragments       [][]byte
	received        []bool
	ReceivedCount   int
	MaxFragmentSize int
	Completed       bool
}

func newBlock(index uint64, n, maxFragmentSize int) *Block {
	return &Block{
		Index:           index,
		Fragments:       make([][]byte, n),
		received:        make([]bool, n),
		MaxFragmentSize: maxFragmentSize,
	}
}

// admit stores payload at fragIndex if not already present. Returns
// ErrBlockFull for a duplicate fragment in an already-filled slot; fragments
// arriving for an already-completed block are dropped and nil is returned.
func (b *Block) admit(fragIndex uint8, payload []byte) error {
	if b.Completed {
		return nil // Later fragments of a completed block are dropped silently.
	}
	if b.received[fragIndex] {
		return ErrBlockFull
	}

	cp := make([]byte, len(payload))
	copy(cp, payload)
	b.Fragments[fragIndex] = cp
	b.received[fragIndex] = true
	b.ReceivedCount++
	return nil
}

// Ring holds the RX_RING window of in-flight Blocks for one channel and
// performs Reed-Solomon decode once a block reaches k received fragments.
//
// Ring is not safe for concurrent use; it is owned exclusively by the
// driver callback thread per channel (spec.md §5), mirroring the
// single-owner discipline applied to every per-channel RX structure.
type Ring struct {
	k, n, maxFragmentSize int
	codec                 *Codec

	blocks            map[uint64]*Block
	windowMin         uint64
	windowMax         uint64
	hasWindow         bool
}

// NewRing creates a Ring for the given RS(k,n) shape and fixed fragment
// size.
func NewRing(k, n, maxFragmentSize int, codec *Codec) *Ring {
	return &Ring{
		k:               k,
		n:               n,
		maxFragmentSize: maxFragmentSize,
		codec:           codec,
		blocks:          make(map[uint64]*Block),
	}
}

// Reset clears the ring, discarding all in-flight blocks. Called when a new
// session is accepted (spec.md §4.B: "On acceptance, clear the ring").
func (r *Ring) Reset() {
	r.blocks = make(map[uint64]*Block)
	r.hasWindow = false
}

// AdmitResult reports the outcome of admitting one fragment.
type AdmitResult struct {
	// Primary holds the k reconstructed primary (data) fragments, in
	// order, if this admission completed the block. Nil otherwise.
	Primary [][]byte
	// Recovered counts primary fragments that were absent when decode ran
	// (0 unless Primary is non-nil).
	Recovered int
	// Lost counts primary fragments in blocks evicted by this admission
	// without ever completing, including blocks in the gap between the
	// previous high-water block index and this one that never received a
	// single fragment.
	Lost int
	// Discarded is true if the fragment fell outside the window (too old)
	// or duplicated an already-held slot.
	Discarded bool
}

func subClamp(a, b uint64) uint64 {
	if a >= b {
		return a - b
	}
	return 0
}

// Admit stores one decrypted fragment and, once its block reaches k
// received fragments, runs Reed-Solomon reconstruction and returns the k
// primary fragments in ascending fragment-index order.
func (r *Ring) Admit(blockIndex uint64, fragIndex uint8, payload []byte) AdmitResult {
	var result AdmitResult

	if r.hasWindow && blockIndex < r.windowMin {
		result.Discarded = true
		return result
	}

	if !r.hasWindow {
		r.windowMax = blockIndex
		r.windowMin = subClamp(blockIndex, uint64(RXRing-1))
		r.hasWindow = true
	} else if blockIndex > r.windowMax {
		gapStart := r.windowMax + 1
		if blockIndex > gapStart {
			result.Lost += int(blockIndex-gapStart) * r.k
		}

		newMin := subClamp(blockIndex, uint64(RXRing-1))
		for idx, b := range r.blocks {
			if idx < newMin {
				if !b.Completed {
					result.Lost += r.k - b.ReceivedCount
				}
				delete(r.blocks, idx)
			}
		}

		r.windowMax = blockIndex
		r.windowMin = newMin
	}

	b, ok := r.blocks[blockIndex]
	if !ok {
		b = newBlock(blockIndex, r.n, r.maxFragmentSize)
		r.blocks[blockIndex] = b
	}

	if err := b.admit(fragIndex, payload); err != nil {
		result.Discarded = true
		return result
	}

	if b.Completed || b.ReceivedCount < r.k {
		return result
	}

	recovered := countNil(b.Fragments[:r.k])
	if err := r.codec.Reconstruct(b.Fragments); err != nil {
		// Impossible per the >=k admission gate, but guard defensively.
		result.Discarded = true
		return result
	}

	b.Completed = true
	result.Primary = b.Fragments[:r.k]
	result.Recovered = recovered
	return result
}

func countNil(shards [][]byte) int {
	n := 0
	for _, s := range shards {
		if s == nil {
			n++
		}
	}
	return n
}
