package structure

import (
	"math"

	"marketstructure/internal/model"
)

// Setup is derived from a broken level: the pullback after the break and the
// impulse extreme that preceded it. It has no identity of its own.
type Setup struct {
	Level            Level          `json:"level"`
	Direction        BreakDirection `json:"direction"`
	PostBreakExtreme CandleRef      `json:"post_break_extreme"`
	ImpulseExtreme   CandleRef      `json:"impulse_extreme"`
	// Retracement is the pullback depth as a fraction of the impulse leg
	// measured from the V-shape.
	Retracement float64 `json:"retracement"`
}

// DeriveSetup builds the setup of one broken level. It returns false for
// levels that are not BROKEN, whose break candle is gone, or that have no
// candle after the break yet.
func DeriveSetup(l *Level, candles []model.Candle, window int) (Setup, bool) {
	if l.Status != StatusBroken || l.BrokenBy == nil {
		return Setup{}, false
	}
	if window <= 0 {
		window = DefaultSetupWindow
	}
	bp := model.PositionOf(candles, l.BrokenBy.CandleIndex)
	if bp < 0 || bp+1 >= len(candles) {
		return Setup{}, false
	}
	eqh := l.Type == LevelEQH

	var pull *model.Candle
	end := bp + window
	if end >= len(candles) {
		end = len(candles) - 1
	}
	for pos := bp + 1; pos <= end; pos++ {
		c := &candles[pos]
		if !c.Valid() {
			continue
		}
		if pull == nil || (eqh && c.Low < pull.Low) || (!eqh && c.High > pull.High) {
			pull = c
		}
	}
	if pull == nil {
		return Setup{}, false
	}

	var imp *model.Candle
	start := model.PositionAfter(candles, l.InterveningVShape.Index-1)
	pp := model.PositionOf(candles, pull.Index)
	for pos := start; pos <= pp; pos++ {
		c := &candles[pos]
		if !c.Valid() {
			continue
		}
		if imp == nil || (eqh && c.High > imp.High) || (!eqh && c.Low < imp.Low) {
			imp = c
		}
	}
	if imp == nil {
		return Setup{}, false
	}

	s := Setup{Level: l.Clone(), Direction: l.Direction()}
	if eqh {
		s.PostBreakExtreme = *refOf(pull, pull.Low)
		s.ImpulseExtreme = *refOf(imp, imp.High)
	} else {
		s.PostBreakExtreme = *refOf(pull, pull.High)
		s.ImpulseExtreme = *refOf(imp, imp.Low)
	}
	leg := math.Abs(s.ImpulseExtreme.Price - l.InterveningVShape.Depth)
	if leg > 0 {
		s.Retracement = math.Abs(s.ImpulseExtreme.Price-s.PostBreakExtreme.Price) / leg
	}
	return s, true
}

// DeriveSetups returns the setups of every broken level, in level order.
func DeriveSetups(levels []*Level, candles []model.Candle, window int) []Setup {
	var out []Setup
	for _, l := range levels {
		if s, ok := DeriveSetup(l, candles, window); ok {
			out = append(out, s)
		}
	}
	return out
}
