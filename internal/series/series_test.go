package series

import (
	"errors"
	"math"
	"strconv"
	"sync"
	"testing"

	"marketstructure/internal/model"
)

var key = model.SeriesKey{Symbol: "NSE:2885", TF: 60}

func candle(idx int64, price float64) model.Candle {
	return model.Candle{Index: idx, Time: idx * 60, Open: price, High: price + 1, Low: price - 1, Close: price}
}

func TestStore_AppendRejectsMalformed(t *testing.T) {
	s := NewStore(10)
	bad := candle(1, 100)
	bad.High = 98 // below close

	if _, err := s.Append(key, bad); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	nan := candle(2, 100)
	nan.Low = math.NaN()
	if _, err := s.Append(key, nan); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for NaN, got %v", err)
	}
	if s.Len(key) != 0 {
		t.Errorf("malformed candles must not enter the series, len=%d", s.Len(key))
	}
}

func TestStore_AppendRequiresIncreasingIndex(t *testing.T) {
	s := NewStore(10)
	if _, err := s.Append(key, candle(5, 100)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := s.Append(key, candle(5, 101)); !errors.Is(err, ErrOutOfOrder) {
		t.Errorf("duplicate index: expected ErrOutOfOrder, got %v", err)
	}
	if _, err := s.Append(key, candle(3, 101)); !errors.Is(err, ErrOutOfOrder) {
		t.Errorf("older index: expected ErrOutOfOrder, got %v", err)
	}
	// gaps are fine
	if n, err := s.Append(key, candle(9, 102)); err != nil || n != 2 {
		t.Errorf("gap append: n=%d err=%v", n, err)
	}
}

func TestStore_PrunesOldest(t *testing.T) {
	s := NewStore(3)
	for i := int64(0); i < 5; i++ {
		if _, err := s.Append(key, candle(i, 100)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	got := s.Candles(key)
	if len(got) != 3 || got[0].Index != 2 || got[2].Index != 4 {
		t.Errorf("expected indices 2..4, got %+v", got)
	}
}

func TestStore_CandlesIsACopy(t *testing.T) {
	s := NewStore(10)
	s.Append(key, candle(1, 100))
	got := s.Candles(key)
	got[0].Close = 0
	if c, _ := s.Last(key); c.Close != 100 {
		t.Error("caller mutated the stored series")
	}
	if s.Candles(model.SeriesKey{Symbol: "x", TF: 1}) != nil {
		t.Error("unknown key should return nil")
	}
}

func TestStore_Load(t *testing.T) {
	s := NewStore(10)
	bad := candle(2, 100)
	bad.Low = 200
	rejected := s.Load(key, []model.Candle{candle(1, 100), bad, candle(3, 100), candle(3, 101), candle(4, 100)})
	if rejected != 2 {
		t.Errorf("expected 2 rejected, got %d", rejected)
	}
	if s.Len(key) != 3 {
		t.Errorf("expected 3 kept, got %d", s.Len(key))
	}
}

func TestStore_ConcurrentKeys(t *testing.T) {
	s := NewStore(100)
	var wg sync.WaitGroup
	for k := 0; k < 4; k++ {
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			key := model.SeriesKey{Symbol: "NSE:" + strconv.Itoa(k), TF: 60}
			for i := int64(0); i < 200; i++ {
				if _, err := s.Append(key, candle(i, 100)); err != nil {
					t.Errorf("append: %v", err)
					return
				}
				s.Candles(key)
			}
		}(k)
	}
	wg.Wait()
	if len(s.Keys()) != 4 {
		t.Errorf("expected 4 keys, got %d", len(s.Keys()))
	}
}
