package dispatch

import "sync"

// DVRTapDepth bounds the number of queued raw payloads before the tap
// starts dropping the oldest one (spec.md §12: a raw byte-dump sink,
// recording/debug capture only, never allowed to apply backpressure to the
// delivery path it taps).
const DVRTapDepth = 64

// DVRTap is an optional, bounded, single-consumer raw-byte recorder attached
// to one Dispatcher route. It never blocks the caller that feeds it: a full
// queue drops the oldest buffered payload to make room for the newest one.
type DVRTap struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  [][]byte
	closed bool
}

// NewDVRTap creates a DVRTap ready to Write into and Read from.
func NewDVRTap() *DVRTap {
	t := &DVRTap{}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Write enqueues a copy of payload. If the queue is already at
// DVRTapDepth, the oldest entry is dropped first.
func (t *DVRTap) Write(payload []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}

	cp := make([]byte, len(payload))
	copy(cp, payload)

	if len(t.queue) >= DVRTapDepth {
		t.queue = t.queue[1:]
	}
	t.queue = append(t.queue, cp)
	t.cond.Signal()
}

// Read blocks until a payload is available or the tap is closed. ok is
// false once the queue has drained after Close.
func (t *DVRTap) Read() (payload []byte, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for len(t.queue) == 0 && !t.closed {
		t.cond.Wait()
	}

	if len(t.queue) == 0 {
		return nil, false
	}

	payload = t.queue[0]
	t.queue = t.queue[1:]
	return payload, true
}

// Close marks the tap closed and wakes any blocked Read.
func (t *DVRTap) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.cond.Broadcast()
}
