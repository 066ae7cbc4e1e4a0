package structure

import (
	"math"

	"marketstructure/internal/model"
)

// LevelID is the pair identity of a level.
type LevelID struct {
	First  int64     `json:"first"`
	Second int64     `json:"second"`
	Type   LevelType `json:"type"`
}

// BrokenBy describes the close that broke a level and how well the break
// held afterwards.
type BrokenBy struct {
	CandleIndex int64     `json:"candle_index"`
	Time        int64     `json:"time"`
	ClosePrice  float64   `json:"close_price"`
	BosKind     BreakKind `json:"bos_kind"` // CLOSE or SUSTAINED

	// WindowSeen counts candles checked for sustained confirmation.
	WindowSeen  int        `json:"window_seen"`
	SustainedBy *CandleRef `json:"sustained_by,omitempty"`
}

// SweptBy is the first wick that breached the zone without closing beyond it.
type SweptBy struct {
	CandleIndex int64   `json:"candle_index"`
	Price       float64 `json:"price"`
}

// Level is an equal-high or equal-low zone formed by two same-type swings
// and tracked through ACTIVE, SWEPT and BROKEN.
type Level struct {
	Type        LevelType `json:"type"`
	ZoneTop     float64   `json:"zone_top"`
	ZoneBottom  float64   `json:"zone_bottom"`
	FirstSwing  Swing     `json:"first_swing"`
	SecondSwing Swing     `json:"second_swing"`

	InterveningVShape Extreme `json:"intervening_vshape"`

	Status                 LevelStatus `json:"status"`
	BrokenBy               *BrokenBy   `json:"broken_by,omitempty"`
	SweptBy                *SweptBy    `json:"swept_by,omitempty"`
	PreBreakAdverseExtreme *Extreme    `json:"pre_break_adverse,omitempty"`
	LastScannedIndex       int64       `json:"last_scanned_index"`

	// Bias is tagged once at creation; StatusBias at the latest status change.
	Bias       *BiasSnapshot `json:"bias,omitempty"`
	StatusBias *BiasSnapshot `json:"status_bias,omitempty"`

	Confidence   float64 `json:"confidence"`
	CreatedIndex int64   `json:"created_index"`
	CreatedAt    int64   `json:"created_at"`
}

// ID returns the pair identity of l.
func (l *Level) ID() LevelID {
	return LevelID{First: l.FirstSwing.Index, Second: l.SecondSwing.Index, Type: l.Type}
}

// Direction returns the direction a break of the level goes.
func (l *Level) Direction() BreakDirection {
	if l.Type == LevelEQH {
		return Bullish
	}
	return Bearish
}

// LevelConfidence scores a status, with a bonus for a sustained break.
func LevelConfidence(status LevelStatus, bos BreakKind) float64 {
	var c float64
	switch status {
	case StatusActive:
		c = 1.0
	case StatusSwept:
		c = 0.5
	case StatusBroken:
		c = 0.2
	}
	if bos == BreakSustained {
		c += 0.3
	}
	return math.Min(c, 1.0)
}

func (l *Level) refreshConfidence() {
	var bos BreakKind
	if l.BrokenBy != nil {
		bos = l.BrokenBy.BosKind
	}
	l.Confidence = LevelConfidence(l.Status, bos)
}

func levelTypeOf(t SwingType) LevelType {
	if t == SwingHigh {
		return LevelEQH
	}
	return LevelEQL
}

// IsCandidate reports whether second lies inside first's body-to-wick band.
func IsCandidate(first, second *Swing) bool {
	if first.Type != second.Type || second.Index <= first.Index {
		return false
	}
	if first.Type == SwingHigh {
		return first.KeyPrice <= second.Price && second.Price <= first.Price
	}
	return first.Price <= second.Price && second.Price <= first.KeyPrice
}

// BuildLevel validates a candidate pair against the candles between the two
// swings and the opposite swings found so far. swings must be in candle
// order. It returns false when the pair does not form a level or the first
// swing's candle is no longer available.
func BuildLevel(first, second Swing, candles []model.Candle, swings []Swing) (*Level, bool) {
	if !IsCandidate(&first, &second) {
		return nil, false
	}
	p1 := model.PositionOf(candles, first.Index)
	p2 := model.PositionOf(candles, second.Index)
	if p1 < 0 || p2 < 0 {
		return nil, false
	}

	l := &Level{
		Type:        levelTypeOf(first.Type),
		FirstSwing:  first,
		SecondSwing: second,
		Status:      StatusActive,
	}
	if l.Type == LevelEQH {
		l.ZoneTop, l.ZoneBottom = first.Price, first.KeyPrice
	} else {
		l.ZoneTop, l.ZoneBottom = first.KeyPrice, first.Price
	}

	var (
		vshape Extreme
		found  bool
	)
	for pos := p1 + 1; pos < p2; pos++ {
		c := &candles[pos]
		if !c.Valid() {
			continue
		}
		if l.Type == LevelEQH {
			if c.High >= l.ZoneBottom {
				return nil, false
			}
			if !found || c.Low < vshape.Depth {
				vshape, found = Extreme{Depth: c.Low, Index: c.Index}, true
			}
		} else {
			if c.Low <= l.ZoneTop {
				return nil, false
			}
			if !found || c.High > vshape.Depth {
				vshape, found = Extreme{Depth: c.High, Index: c.Index}, true
			}
		}
	}
	if !found || !hasSwingBetween(swings, first.Type.Opposite(), first.Index, second.Index) {
		return nil, false
	}
	l.InterveningVShape = vshape
	l.CreatedIndex, l.CreatedAt = second.ConfirmedIndex, second.ConfirmedAt
	l.LastScannedIndex = second.Index
	l.refreshConfidence()
	return l, true
}

// levelStep is what one status pass did to a level.
type levelStep struct {
	from, to    LevelStatus
	bosUpgraded bool
}

func (s levelStep) statusChanged() bool { return s.from != s.to }

// sustainOpen reports whether a broken level can still upgrade its BOS kind.
func (l *Level) sustainOpen(window int) bool {
	b := l.BrokenBy
	return b != nil && b.BosKind == BreakClose && b.WindowSeen < window
}

// terminal reports whether no future candle can change the level.
func (l *Level) terminal(window int) bool {
	return l.Status == StatusBroken && !l.sustainOpen(window)
}

// advance resumes status evaluation from the candle after LastScannedIndex.
// bias resolves the prevailing breakout as of a candle index.
func (l *Level) advance(candles []model.Candle, window int, bias func(int64) *BiasSnapshot) levelStep {
	step := levelStep{from: l.Status, to: l.Status}
	if len(candles) == 0 {
		return step
	}
	last := candles[len(candles)-1].Index
	if l.terminal(window) {
		if last > l.LastScannedIndex {
			l.LastScannedIndex = last
		}
		return step
	}

	for pos := model.PositionAfter(candles, l.LastScannedIndex); pos < len(candles); pos++ {
		c := &candles[pos]
		l.LastScannedIndex = c.Index
		if !c.Valid() {
			continue
		}
		if l.Status != StatusBroken {
			l.trackAdverse(c)
			if l.closedBeyond(c.Close) {
				l.Status = StatusBroken
				l.BrokenBy = &BrokenBy{
					CandleIndex: c.Index,
					Time:        c.Time,
					ClosePrice:  c.Close,
					BosKind:     BreakClose,
				}
				l.StatusBias = bias(c.Index)
				continue
			}
			if l.Status == StatusActive {
				if wick, ok := l.wickBeyond(c); ok {
					l.Status = StatusSwept
					l.SweptBy = &SweptBy{CandleIndex: c.Index, Price: wick}
					l.StatusBias = bias(c.Index)
				}
			}
			continue
		}

		b := l.BrokenBy
		b.WindowSeen++
		if l.beyondBreak(c.Close) {
			b.BosKind = BreakSustained
			b.SustainedBy = refOf(c, c.Close)
			step.bosUpgraded = true
		}
		if l.terminal(window) {
			l.LastScannedIndex = last
			break
		}
	}
	step.to = l.Status
	l.refreshConfidence()
	return step
}

func (l *Level) trackAdverse(c *model.Candle) {
	if l.Type == LevelEQH {
		if l.PreBreakAdverseExtreme == nil || c.Low < l.PreBreakAdverseExtreme.Depth {
			l.PreBreakAdverseExtreme = &Extreme{Depth: c.Low, Index: c.Index}
		}
		return
	}
	if l.PreBreakAdverseExtreme == nil || c.High > l.PreBreakAdverseExtreme.Depth {
		l.PreBreakAdverseExtreme = &Extreme{Depth: c.High, Index: c.Index}
	}
}

func (l *Level) closedBeyond(close float64) bool {
	if l.Type == LevelEQH {
		return close > l.ZoneTop
	}
	return close < l.ZoneBottom
}

func (l *Level) wickBeyond(c *model.Candle) (float64, bool) {
	if l.Type == LevelEQH {
		return c.High, c.High > l.ZoneTop
	}
	return c.Low, c.Low < l.ZoneBottom
}

func (l *Level) beyondBreak(close float64) bool {
	if l.Type == LevelEQH {
		return close > l.BrokenBy.ClosePrice
	}
	return close < l.BrokenBy.ClosePrice
}

// Clone returns a deep copy of l.
func (l *Level) Clone() Level {
	out := *l
	if l.BrokenBy != nil {
		b := *l.BrokenBy
		if b.SustainedBy != nil {
			r := *b.SustainedBy
			b.SustainedBy = &r
		}
		out.BrokenBy = &b
	}
	if l.SweptBy != nil {
		s := *l.SweptBy
		out.SweptBy = &s
	}
	if l.PreBreakAdverseExtreme != nil {
		e := *l.PreBreakAdverseExtreme
		out.PreBreakAdverseExtreme = &e
	}
	if l.Bias != nil {
		b := *l.Bias
		out.Bias = &b
	}
	if l.StatusBias != nil {
		b := *l.StatusBias
		out.StatusBias = &b
	}
	return out
}
