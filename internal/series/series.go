// Package series keeps the confirmed candle history of every (symbol, TF)
// key. It is the gate where malformed or out-of-order candles are rejected
// before they can reach detection.
package series

import (
	"errors"
	"fmt"
	"sync"

	"marketstructure/internal/model"
)

// DefaultMaxCandles bounds each key's history.
const DefaultMaxCandles = 5000

var (
	// ErrMalformed marks a candle failing the OHLC sanity invariant.
	ErrMalformed = errors.New("series: malformed candle")
	// ErrOutOfOrder marks a candle whose index does not advance the series.
	ErrOutOfOrder = errors.New("series: candle index not increasing")
)

type series struct {
	candles []model.Candle
}

// Store holds one bounded, index-ordered candle sequence per key.
type Store struct {
	mu   sync.RWMutex
	max  int
	data map[model.SeriesKey]*series
}

// NewStore creates a store that keeps at most maxCandles per key, pruning
// the oldest candles first.
func NewStore(maxCandles int) *Store {
	if maxCandles <= 0 {
		maxCandles = DefaultMaxCandles
	}
	return &Store{
		max:  maxCandles,
		data: make(map[model.SeriesKey]*series),
	}
}

// Append adds one confirmed candle to key's sequence. It returns the new
// length, or an error wrapping ErrMalformed or ErrOutOfOrder, in which case
// the sequence is unchanged.
func (s *Store) Append(key model.SeriesKey, c model.Candle) (int, error) {
	if !c.Valid() {
		return 0, fmt.Errorf("%w: %s index %d", ErrMalformed, key, c.Index)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sr, ok := s.data[key]
	if !ok {
		sr = &series{}
		s.data[key] = sr
	}
	if n := len(sr.candles); n > 0 && c.Index <= sr.candles[n-1].Index {
		return n, fmt.Errorf("%w: %s index %d after %d", ErrOutOfOrder, key, c.Index, sr.candles[n-1].Index)
	}
	sr.candles = append(sr.candles, c)
	if over := len(sr.candles) - s.max; over > 0 {
		// Copy down so the backing array does not grow without bound.
		n := copy(sr.candles, sr.candles[over:])
		sr.candles = sr.candles[:n]
	}
	return len(sr.candles), nil
}

// Load replaces key's sequence with the valid, increasing subset of candles
// and returns how many were rejected.
func (s *Store) Load(key model.SeriesKey, candles []model.Candle) (rejected int) {
	kept := make([]model.Candle, 0, len(candles))
	for _, c := range candles {
		if !c.Valid() {
			rejected++
			continue
		}
		if n := len(kept); n > 0 && c.Index <= kept[n-1].Index {
			rejected++
			continue
		}
		kept = append(kept, c)
	}
	if over := len(kept) - s.max; over > 0 {
		kept = kept[over:]
	}
	s.mu.Lock()
	s.data[key] = &series{candles: kept}
	s.mu.Unlock()
	return rejected
}

// Candles returns a copy of key's sequence; nil for unknown keys.
func (s *Store) Candles(key model.SeriesKey) []model.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sr, ok := s.data[key]
	if !ok {
		return nil
	}
	out := make([]model.Candle, len(sr.candles))
	copy(out, sr.candles)
	return out
}

// Last returns key's newest candle.
func (s *Store) Last(key model.SeriesKey) (model.Candle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sr, ok := s.data[key]
	if !ok || len(sr.candles) == 0 {
		return model.Candle{}, false
	}
	return sr.candles[len(sr.candles)-1], true
}

// Len returns the length of key's sequence.
func (s *Store) Len(key model.SeriesKey) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sr, ok := s.data[key]; ok {
		return len(sr.candles)
	}
	return 0
}

// Keys returns every key with a sequence.
func (s *Store) Keys() []model.SeriesKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.SeriesKey, 0, len(s.data))
	for k := range s.data {
		out = append(out, k)
	}
	return out
}
