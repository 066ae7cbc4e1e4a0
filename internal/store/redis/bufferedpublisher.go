package redis

import (
	"context"
	"log"
	"sync"
	"time"

	"marketstructure/internal/engine"
)

const (
	publishBatchSize  = 64
	publishFlushDelay = 100 * time.Millisecond
)

// BufferedPublisher sends events through a circuit breaker. While Redis is
// failing, events are held in a bounded local buffer (oldest dropped first)
// and replayed once the breaker closes again.
type BufferedPublisher struct {
	publish func(context.Context, []engine.Event) error
	cb      *CircuitBreaker
	ctx     context.Context

	mu     sync.Mutex
	buffer []engine.Event
	maxBuf int

	OnBuffer func(n int) // events buffered, for metrics
	OnDrop   func(n int) // events dropped from a full buffer
	OnFlush  func(n int) // events replayed after recovery
}

// NewBufferedPublisher wraps w.PublishEvents.
func NewBufferedPublisher(ctx context.Context, w *Writer, cb *CircuitBreaker, maxBuffer int) *BufferedPublisher {
	return newBufferedPublisher(ctx, w.PublishEvents, cb, maxBuffer)
}

func newBufferedPublisher(ctx context.Context, publish func(context.Context, []engine.Event) error, cb *CircuitBreaker, maxBuffer int) *BufferedPublisher {
	if maxBuffer <= 0 {
		maxBuffer = 10000
	}
	bp := &BufferedPublisher{
		publish: publish,
		cb:      cb,
		ctx:     ctx,
		maxBuf:  maxBuffer,
	}
	prev := cb.OnStateChange
	cb.OnStateChange = func(from, to State) {
		if prev != nil {
			prev(from, to)
		}
		log.Printf("[redis] circuit %s -> %s", from, to)
		if to == StateClosed {
			go bp.flush()
		}
	}
	return bp
}

// Publish sends events, buffering them when the breaker is open or the
// write fails.
func (bp *BufferedPublisher) Publish(events []engine.Event) {
	if len(events) == 0 {
		return
	}
	err := bp.cb.Execute(func() error { return bp.publish(bp.ctx, events) })
	if err == nil {
		return
	}
	if err != ErrCircuitOpen {
		log.Printf("[redis] publish failed, buffering %d events: %v", len(events), err)
	}
	bp.hold(events)
}

func (bp *BufferedPublisher) hold(events []engine.Event) {
	bp.mu.Lock()
	bp.buffer = append(bp.buffer, events...)
	dropped := 0
	if over := len(bp.buffer) - bp.maxBuf; over > 0 {
		bp.buffer = append(bp.buffer[:0:0], bp.buffer[over:]...)
		dropped = over
	}
	bp.mu.Unlock()

	if bp.OnBuffer != nil {
		bp.OnBuffer(len(events))
	}
	if dropped > 0 && bp.OnDrop != nil {
		bp.OnDrop(dropped)
	}
}

func (bp *BufferedPublisher) flush() {
	bp.mu.Lock()
	pending := bp.buffer
	bp.buffer = nil
	bp.mu.Unlock()
	if len(pending) == 0 {
		return
	}

	for start := 0; start < len(pending); start += publishBatchSize {
		end := start + publishBatchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]
		if err := bp.cb.Execute(func() error { return bp.publish(bp.ctx, batch) }); err != nil {
			bp.hold(pending[start:])
			log.Printf("[redis] flush interrupted after %d events: %v", start, err)
			if bp.OnFlush != nil && start > 0 {
				bp.OnFlush(start)
			}
			return
		}
	}
	log.Printf("[redis] flushed %d buffered events", len(pending))
	if bp.OnFlush != nil {
		bp.OnFlush(len(pending))
	}
}

// Pending returns the number of buffered events.
func (bp *BufferedPublisher) Pending() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return len(bp.buffer)
}

// Run batches events from ch and publishes them every publishBatchSize
// events or publishFlushDelay, whichever comes first. Blocks until ctx is
// cancelled or ch is closed.
func (bp *BufferedPublisher) Run(ctx context.Context, ch <-chan engine.Event) {
	batch := make([]engine.Event, 0, publishBatchSize)
	timer := time.NewTimer(publishFlushDelay)
	defer timer.Stop()

	send := func() {
		if len(batch) == 0 {
			return
		}
		out := make([]engine.Event, len(batch))
		copy(out, batch)
		bp.Publish(out)
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			send()
			return
		case ev, ok := <-ch:
			if !ok {
				send()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= publishBatchSize {
				send()
				timer.Reset(publishFlushDelay)
			}
		case <-timer.C:
			send()
			timer.Reset(publishFlushDelay)
		}
	}
}
