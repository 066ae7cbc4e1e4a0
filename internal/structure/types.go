// Package structure derives layered market-structure signals from a
// confirmed candle sequence: swings, break-of-structure events, equal
// high/low levels with lifecycle tracking, and setups from broken levels.
//
// Every stage is a resumable fold over candles keyed by candle index, so a
// full rebuild over a sequence and any number of incremental passes over
// prefixes of the same sequence end in identical state.
//
// Nothing in this package is safe for concurrent use; callers serialise
// access per (symbol, TF) key.
package structure

import "marketstructure/internal/model"

// SwingType is the side of a swing.
type SwingType string

const (
	SwingHigh SwingType = "HIGH"
	SwingLow  SwingType = "LOW"
)

// Opposite returns the other swing type.
func (t SwingType) Opposite() SwingType {
	if t == SwingHigh {
		return SwingLow
	}
	return SwingHigh
}

// SwingDirection labels a swing relative to the previous swing of its type.
type SwingDirection string

const (
	DirFirst SwingDirection = "FIRST"
	DirHH    SwingDirection = "HH"
	DirLH    SwingDirection = "LH"
	DirHL    SwingDirection = "HL"
	DirLL    SwingDirection = "LL"
)

// BreakKind is the strength class of a breakout.
type BreakKind string

const (
	BreakWick      BreakKind = "WICK"
	BreakClose     BreakKind = "CLOSE"
	BreakSustained BreakKind = "SUSTAINED"
)

// Rank maps the kind onto 1..3 (0 for the unset kind).
func (k BreakKind) Rank() int {
	switch k {
	case BreakWick:
		return 1
	case BreakClose:
		return 2
	case BreakSustained:
		return 3
	}
	return 0
}

// BreakDirection is the direction price moved through a broken swing.
type BreakDirection string

const (
	Bullish BreakDirection = "BULLISH"
	Bearish BreakDirection = "BEARISH"
)

// LevelType distinguishes equal-high from equal-low zones.
type LevelType string

const (
	LevelEQH LevelType = "EQH"
	LevelEQL LevelType = "EQL"
)

// LevelStatus is the lifecycle state of a level. Transitions only move
// forward: ACTIVE -> SWEPT -> BROKEN or ACTIVE -> BROKEN.
type LevelStatus string

const (
	StatusActive LevelStatus = "ACTIVE"
	StatusSwept  LevelStatus = "SWEPT"
	StatusBroken LevelStatus = "BROKEN"
)

func (s LevelStatus) order() int {
	switch s {
	case StatusActive:
		return 0
	case StatusSwept:
		return 1
	case StatusBroken:
		return 2
	}
	return -1
}

// CandleRef points at one candle and the price of interest on it.
type CandleRef struct {
	Index int64   `json:"index"`
	Time  int64   `json:"time"`
	Price float64 `json:"price"`
}

func refOf(c *model.Candle, price float64) *CandleRef {
	return &CandleRef{Index: c.Index, Time: c.Time, Price: price}
}

// Extreme is a wick extreme recorded at a candle index.
type Extreme struct {
	Depth float64 `json:"depth"`
	Index int64   `json:"index"`
}

// BiasSnapshot is a point-in-time tag of the prevailing breakout as of a
// candle index. It is never updated after being attached to a level.
type BiasSnapshot struct {
	Direction         BreakDirection `json:"direction"`
	IsCharacterChange bool           `json:"is_character_change"`
	StrengthRank      int            `json:"strength_rank"`
	Kind              BreakKind      `json:"kind"`
	SwingIndex        int64          `json:"swing_index"`
	AsOfIndex         int64          `json:"as_of_index"`
}
