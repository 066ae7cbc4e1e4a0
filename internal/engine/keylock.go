package engine

import (
	"sync"

	"marketstructure/internal/model"
)

// ticketMutex is a non-reentrant FIFO mutex: waiters are served strictly in
// arrival order.
type ticketMutex struct {
	mu      sync.Mutex
	cond    *sync.Cond
	next    uint64
	serving uint64
}

func newTicketMutex() *ticketMutex {
	m := &ticketMutex{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *ticketMutex) Lock() {
	m.mu.Lock()
	ticket := m.next
	m.next++
	for ticket != m.serving {
		m.cond.Wait()
	}
	m.mu.Unlock()
}

func (m *ticketMutex) Unlock() {
	m.mu.Lock()
	m.serving++
	m.cond.Broadcast()
	m.mu.Unlock()
}

// KeyLocks hands out one FIFO mutex per series key. Mutexes are created on
// first use and never removed; the key space is bounded by configuration.
type KeyLocks struct {
	m sync.Map // model.SeriesKey -> *ticketMutex
}

func (k *KeyLocks) get(key model.SeriesKey) *ticketMutex {
	if v, ok := k.m.Load(key); ok {
		return v.(*ticketMutex)
	}
	v, _ := k.m.LoadOrStore(key, newTicketMutex())
	return v.(*ticketMutex)
}

// Acquire blocks until the caller holds key and returns the release func.
func (k *KeyLocks) Acquire(key model.SeriesKey) (release func()) {
	m := k.get(key)
	m.Lock()
	return m.Unlock
}
