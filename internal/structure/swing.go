package structure

import "marketstructure/internal/model"

// Swing is a local extreme confirmed by Strength candles on each side.
// Only Direction is assigned after the extreme itself is known, and it is
// fixed at creation.
type Swing struct {
	Type      SwingType      `json:"type"`
	Price     float64        `json:"price"`     // wick extreme
	KeyPrice  float64        `json:"key_price"` // body extreme
	Index     int64          `json:"index"`
	Time      int64          `json:"time"`
	Strength  int            `json:"strength"`
	Direction SwingDirection `json:"direction"`

	// ConfirmedIndex is the candle that completed the look-around window,
	// the earliest point at which the swing is known.
	ConfirmedIndex int64 `json:"confirmed_index"`
	ConfirmedAt    int64 `json:"confirmed_at"`
}

// SwingID identifies a swing by candle index and type.
type SwingID struct {
	Index int64     `json:"index"`
	Type  SwingType `json:"type"`
}

// ID returns the identity of s.
func (s *Swing) ID() SwingID { return SwingID{Index: s.Index, Type: s.Type} }

// IsCounterTrend reports whether the swing went against its type's trend
// (a lower high or a higher low). Breaking such a swing is a change of
// character.
func (s *Swing) IsCounterTrend() bool {
	return (s.Type == SwingHigh && s.Direction == DirLH) ||
		(s.Type == SwingLow && s.Direction == DirHL)
}

// isSwingAt reports whether candles[pos] is strictly the most extreme of its
// [pos-k, pos+k] window. Malformed candles cannot be centres and void any
// window they sit in.
func isSwingAt(candles []model.Candle, pos, k int, typ SwingType) bool {
	if pos-k < 0 || pos+k >= len(candles) {
		return false
	}
	centre := &candles[pos]
	if !centre.Valid() {
		return false
	}
	for j := pos - k; j <= pos+k; j++ {
		if j == pos {
			continue
		}
		c := &candles[j]
		if !c.Valid() {
			return false
		}
		if typ == SwingHigh && c.High >= centre.High {
			return false
		}
		if typ == SwingLow && c.Low <= centre.Low {
			return false
		}
	}
	return true
}

func newSwing(candles []model.Candle, pos int, typ SwingType, k int) Swing {
	c := &candles[pos]
	conf := &candles[pos+k]
	s := Swing{
		Type:           typ,
		Index:          c.Index,
		Time:           c.Time,
		Strength:       k,
		ConfirmedIndex: conf.Index,
		ConfirmedAt:    conf.Time,
	}
	if typ == SwingHigh {
		s.Price = c.High
		s.KeyPrice = c.BodyTop()
	} else {
		s.Price = c.Low
		s.KeyPrice = c.BodyBottom()
	}
	return s
}

// DirectionMemo remembers the last swing price of each type. It outlives
// the swings themselves once they are pruned.
type DirectionMemo struct {
	LastHigh float64 `json:"last_high"`
	LastLow  float64 `json:"last_low"`
	HasHigh  bool    `json:"has_high"`
	HasLow   bool    `json:"has_low"`
}

func (d *DirectionMemo) assign(s *Swing) {
	switch s.Type {
	case SwingHigh:
		switch {
		case !d.HasHigh:
			s.Direction = DirFirst
		case s.Price > d.LastHigh:
			s.Direction = DirHH
		default:
			s.Direction = DirLH
		}
		d.LastHigh, d.HasHigh = s.Price, true
	case SwingLow:
		switch {
		case !d.HasLow:
			s.Direction = DirFirst
		case s.Price < d.LastLow:
			s.Direction = DirLL
		default:
			s.Direction = DirHL
		}
		d.LastLow, d.HasLow = s.Price, true
	}
}

// memoOf rebuilds the memo from swings in candle order.
func memoOf(swings []Swing) DirectionMemo {
	var d DirectionMemo
	for i := range swings {
		s := &swings[i]
		if s.Type == SwingHigh {
			d.LastHigh, d.HasHigh = s.Price, true
		} else {
			d.LastLow, d.HasLow = s.Price, true
		}
	}
	return d
}

// DetectSwings scans the whole sequence and returns every swing in candle
// order, with directions rebuilt from scratch. A candle that is both a high
// and a low swing yields the HIGH first.
func DetectSwings(candles []model.Candle, strength int) []Swing {
	k := strength
	if k < 1 {
		k = 1
	}
	var (
		out []Swing
		dir DirectionMemo
	)
	for pos := k; pos < len(candles)-k; pos++ {
		for _, typ := range [2]SwingType{SwingHigh, SwingLow} {
			if !isSwingAt(candles, pos, k, typ) {
				continue
			}
			s := newSwing(candles, pos, typ, k)
			dir.assign(&s)
			out = append(out, s)
		}
	}
	return out
}

// SwingDetector is the incremental form of DetectSwings. Each Advance call
// checks only the centre positions whose full window became available since
// the previous call; with one appended candle that is exactly position n-k-1.
type SwingDetector struct {
	strength int
	swings   []Swing
	seen     map[SwingID]struct{}
	dir      DirectionMemo

	// lastCentre is the candle index of the last centre checked.
	lastCentre int64
	checked    bool
}

// NewSwingDetector creates an empty detector.
func NewSwingDetector(strength int) *SwingDetector {
	if strength < 1 {
		strength = 1
	}
	return &SwingDetector{
		strength: strength,
		seen:     make(map[SwingID]struct{}),
	}
}

// Advance checks the newly completed centres and returns the swings it
// appended.
func (d *SwingDetector) Advance(candles []model.Candle) []Swing {
	k := d.strength
	start := k
	if d.checked {
		if p := model.PositionAfter(candles, d.lastCentre); p > start {
			start = p
		}
	}
	end := len(candles) - k - 1

	var added []Swing
	for pos := start; pos <= end; pos++ {
		for _, typ := range [2]SwingType{SwingHigh, SwingLow} {
			if !isSwingAt(candles, pos, k, typ) {
				continue
			}
			s := newSwing(candles, pos, typ, k)
			if _, dup := d.seen[s.ID()]; dup {
				continue
			}
			d.dir.assign(&s)
			d.seen[s.ID()] = struct{}{}
			d.swings = append(d.swings, s)
			added = append(added, s)
		}
		d.lastCentre = candles[pos].Index
		d.checked = true
	}
	return added
}

// Swings returns the detected swings in candle order. The slice is owned by
// the detector.
func (d *SwingDetector) Swings() []Swing { return d.swings }

// Strength returns the look-around strength.
func (d *SwingDetector) Strength() int { return d.strength }

// Cursor returns the last checked centre index and whether any centre has
// been checked.
func (d *SwingDetector) Cursor() (int64, bool) { return d.lastCentre, d.checked }

// Direction returns the direction memo.
func (d *SwingDetector) Direction() DirectionMemo { return d.dir }

// load replaces the detector state with swings found by a full pass or read
// from a snapshot. A nil memo is rebuilt from swings.
func (d *SwingDetector) load(swings []Swing, lastCentre int64, checked bool, dir *DirectionMemo) {
	d.swings = append([]Swing(nil), swings...)
	d.seen = make(map[SwingID]struct{}, len(swings))
	for i := range d.swings {
		d.seen[d.swings[i].ID()] = struct{}{}
	}
	if dir != nil {
		d.dir = *dir
	} else {
		d.dir = memoOf(d.swings)
	}
	d.lastCentre, d.checked = lastCentre, checked
}

// evictBefore drops the swings whose candle index is below floor and
// returns them. The cursor and direction memo are kept.
func (d *SwingDetector) evictBefore(floor int64) []Swing {
	n := 0
	for n < len(d.swings) && d.swings[n].Index < floor {
		n++
	}
	if n == 0 {
		return nil
	}
	evicted := append([]Swing(nil), d.swings[:n]...)
	for i := range evicted {
		delete(d.seen, evicted[i].ID())
	}
	d.swings = append([]Swing(nil), d.swings[n:]...)
	return evicted
}

// hasSwingBetween reports whether a swing of type typ lies strictly between
// candle indices lo and hi. swings must be in candle order.
func hasSwingBetween(swings []Swing, typ SwingType, lo, hi int64) bool {
	for i := range swings {
		s := &swings[i]
		if s.Index <= lo {
			continue
		}
		if s.Index >= hi {
			break
		}
		if s.Type == typ {
			return true
		}
	}
	return false
}
