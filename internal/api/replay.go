package api

import (
	"sync"

	"marketstructure/internal/model"
)

const defaultReplayCapacity = 1000

// replayEntry is one broadcast frame kept for gap backfill.
type replayEntry struct {
	seq   int64
	key   model.SeriesKey
	frame []byte // marshalled Envelope
}

// replayBuffer is a fixed-size circular buffer of the most recent event
// frames. Reconnecting clients ask for everything after the last sequence
// number they saw.
type replayBuffer struct {
	mu   sync.RWMutex
	buf  []replayEntry
	pos  int // next write position
	full bool
}

func newReplayBuffer(capacity int) *replayBuffer {
	if capacity <= 0 {
		capacity = defaultReplayCapacity
	}
	return &replayBuffer{buf: make([]replayEntry, capacity)}
}

// push stores a frame, overwriting the oldest one when full. Callers push
// in sequence order.
func (rb *replayBuffer) push(seq int64, key model.SeriesKey, frame []byte) {
	rb.mu.Lock()
	rb.buf[rb.pos] = replayEntry{seq: seq, key: key, frame: frame}
	rb.pos = (rb.pos + 1) % len(rb.buf)
	if rb.pos == 0 {
		rb.full = true
	}
	rb.mu.Unlock()
}

// since returns the frames with seq > after that match, oldest first, and
// the oldest sequence number still held (0 when empty). A client whose
// after is below oldest-1 has lost events for good.
func (rb *replayBuffer) since(after int64, match func(model.SeriesKey) bool) (frames [][]byte, oldest int64) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	n, start := rb.pos, 0
	if rb.full {
		n, start = len(rb.buf), rb.pos
	}
	for i := 0; i < n; i++ {
		e := rb.buf[(start+i)%len(rb.buf)]
		if i == 0 {
			oldest = e.seq
		}
		if e.seq > after && match(e.key) {
			frames = append(frames, e.frame)
		}
	}
	return frames, oldest
}

func (rb *replayBuffer) len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	if rb.full {
		return len(rb.buf)
	}
	return rb.pos
}
