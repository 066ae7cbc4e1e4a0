package bus

import (
	"context"
	"log"
	"sync"

	"marketstructure/internal/engine"
)

// FanOut broadcasts engine events from a single input channel to N output
// channels. If an output channel is full, the event is dropped for that
// consumer to prevent a slow consumer from blocking detection.
type FanOut struct {
	mu      sync.RWMutex
	input   chan engine.Event
	outputs []chan engine.Event
	bufSize int

	// OnDrop is called when an event is dropped. subscriberIdx is the
	// 0-based index of the slow consumer, or -1 when the input was full.
	OnDrop func(subscriberIdx int)
}

// New creates a FanOut with the given buffer size for the input and every
// output channel.
func New(bufferSize int) *FanOut {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &FanOut{
		input:   make(chan engine.Event, bufferSize),
		bufSize: bufferSize,
	}
}

// Subscribe creates and returns a new output channel.
func (f *FanOut) Subscribe() <-chan engine.Event {
	ch := make(chan engine.Event, f.bufSize)
	f.mu.Lock()
	f.outputs = append(f.outputs, ch)
	f.mu.Unlock()
	return ch
}

// OnEvent implements engine.Observer. It never blocks.
func (f *FanOut) OnEvent(ev engine.Event) {
	select {
	case f.input <- ev:
	default:
		f.drop(-1, ev)
	}
}

func (f *FanOut) drop(idx int, ev engine.Event) {
	if f.OnDrop != nil {
		f.OnDrop(idx)
		return
	}
	log.Printf("[bus] channel %d full, dropping %s event for %s", idx, ev.Kind, ev.Key)
}

// Run reads published events and fans them out to all subscribers.
// Blocks until ctx is cancelled.
func (f *FanOut) Run(ctx context.Context) {
	defer func() {
		f.mu.RLock()
		for _, ch := range f.outputs {
			close(ch)
		}
		f.mu.RUnlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-f.input:
			f.mu.RLock()
			for i, ch := range f.outputs {
				select {
				case ch <- ev:
				default:
					f.drop(i, ev)
				}
			}
			f.mu.RUnlock()
		}
	}
}

// ChannelStat is the (length, capacity) of one subscriber channel, used for
// reporting saturation.
type ChannelStat struct {
	Len int
	Cap int
}

// ChannelStats returns the saturation of every subscriber channel.
func (f *FanOut) ChannelStats() []ChannelStat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]ChannelStat, len(f.outputs))
	for i, ch := range f.outputs {
		stats[i] = ChannelStat{Len: len(ch), Cap: cap(ch)}
	}
	return stats
}
