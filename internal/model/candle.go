package model

import (
	"encoding/json"
	"math"
)

// Candle is a confirmed OHLC bar at a fixed position of a (symbol, TF) series.
// Index is strictly increasing along the series but may skip values when the
// feed has temporal gaps. Time is the bucket start in unix seconds.
type Candle struct {
	Index int64   `json:"index"`
	Time  int64   `json:"time"`
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

// Valid reports whether the candle satisfies the OHLC sanity invariant:
// high >= max(open, close, low) and low <= min(open, close, high).
func (c *Candle) Valid() bool {
	for _, v := range [4]float64{c.Open, c.High, c.Low, c.Close} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	if c.High < c.Open || c.High < c.Close || c.High < c.Low {
		return false
	}
	if c.Low > c.Open || c.Low > c.Close {
		return false
	}
	return true
}

// BodyTop returns max(open, close).
func (c *Candle) BodyTop() float64 { return math.Max(c.Open, c.Close) }

// BodyBottom returns min(open, close).
func (c *Candle) BodyBottom() float64 { return math.Min(c.Open, c.Close) }

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}

// PositionOf returns the slice position of the candle with the given index,
// or -1 when the index is not present. candles must be ordered by Index.
func PositionOf(candles []Candle, index int64) int {
	lo, hi := 0, len(candles)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if candles[mid].Index < index {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(candles) && candles[lo].Index == index {
		return lo
	}
	return -1
}

// PositionAfter returns the position of the first candle whose Index is
// strictly greater than index (len(candles) when there is none).
func PositionAfter(candles []Candle, index int64) int {
	lo, hi := 0, len(candles)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if candles[mid].Index <= index {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}
