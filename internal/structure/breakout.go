package structure

import (
	"math"

	"marketstructure/internal/model"
)

// Breakout records how strongly price broke past a swing. StrengthRank only
// ever increases over the life of the record.
type Breakout struct {
	Swing               Swing          `json:"swing"`
	Kind                BreakKind      `json:"kind"`
	StrengthRank        int            `json:"strength_rank"`
	IsCharacterChange   bool           `json:"is_character_change"`
	BreakingCandleIndex int64          `json:"breaking_candle_index"`
	BrokenBy            float64        `json:"broken_by,omitempty"` // confirming close
	WickCandle          CandleRef      `json:"wick_candle"`
	ConfirmingCandles   []CandleRef    `json:"confirming_candles,omitempty"`
	Direction           BreakDirection `json:"direction"`
	Confidence          float64        `json:"confidence"`
}

// BreakoutConfidence is rank/3 plus 0.2 for a change of character, capped at 1.
func BreakoutConfidence(rank int, choch bool) float64 {
	c := float64(rank) / 3
	if choch {
		c += 0.2
	}
	return math.Min(c, 1.0)
}

// ScanState is the resumable forward scan for one swing. It consumes each
// candle after the swing exactly once, so the outcome depends only on the
// candles seen and not on how they were batched.
type ScanState struct {
	Swing     Swing      `json:"swing"`
	LastIndex int64      `json:"last_index"`
	Wick      *CandleRef `json:"wick,omitempty"`
	Close     *CandleRef `json:"close,omitempty"`
	Sustain   *CandleRef `json:"sustain,omitempty"`
	// WindowSeen counts candles consumed after the confirming close.
	WindowSeen int  `json:"window_seen"`
	Done       bool `json:"done"`
}

func newScan(s Swing) *ScanState {
	return &ScanState{Swing: s, LastIndex: s.Index}
}

func (st *ScanState) direction() BreakDirection {
	if st.Swing.Type == SwingHigh {
		return Bullish
	}
	return Bearish
}

// beyond reports whether p is past ref in the breaking direction.
func (st *ScanState) beyond(p, ref float64) bool {
	if st.Swing.Type == SwingHigh {
		return p > ref
	}
	return p < ref
}

// Kind returns the current classification, empty when nothing broke yet.
func (st *ScanState) Kind() BreakKind {
	switch {
	case st.Sustain != nil:
		return BreakSustained
	case st.Close != nil:
		return BreakClose
	case st.Wick != nil:
		return BreakWick
	}
	return ""
}

// rankAt returns the rank the scan had once candle asOf was consumed.
func (st *ScanState) rankAt(asOf int64) int {
	switch {
	case st.Sustain != nil && st.Sustain.Index <= asOf:
		return 3
	case st.Close != nil && st.Close.Index <= asOf:
		return 2
	case st.Wick != nil && st.Wick.Index <= asOf:
		return 1
	}
	return 0
}

// advance consumes the candles after LastIndex. It reports whether the
// classification moved forward.
func (st *ScanState) advance(candles []model.Candle, window int) bool {
	if st.Done {
		return false
	}
	before := st.Kind()
	price := st.Swing.Price
	for pos := model.PositionAfter(candles, st.LastIndex); pos < len(candles); pos++ {
		c := &candles[pos]
		st.LastIndex = c.Index
		if !c.Valid() {
			continue
		}
		if st.Close == nil {
			if st.Wick == nil {
				wick := c.High
				if st.Swing.Type == SwingLow {
					wick = c.Low
				}
				if st.beyond(wick, price) {
					st.Wick = refOf(c, wick)
				}
			}
			if st.beyond(c.Close, price) {
				st.Close = refOf(c, c.Close)
			}
			continue
		}
		st.WindowSeen++
		if st.beyond(c.Close, st.Close.Price) {
			st.Sustain = refOf(c, c.Close)
			st.Done = true
			break
		}
		if st.WindowSeen >= window {
			st.Done = true
			break
		}
	}
	return st.Kind().Rank() > before.Rank()
}

// fill writes the scan outcome into b. Swing identity fields are only set
// when b is new.
func (st *ScanState) fill(b *Breakout) {
	kind := st.Kind()
	if b.Kind == "" {
		b.Swing = st.Swing
		b.Direction = st.direction()
		b.IsCharacterChange = st.Swing.IsCounterTrend()
	}
	b.Kind = kind
	b.StrengthRank = kind.Rank()
	if st.Wick != nil {
		b.WickCandle = *st.Wick
		b.BreakingCandleIndex = st.Wick.Index
	}
	b.ConfirmingCandles = b.ConfirmingCandles[:0]
	if st.Close != nil {
		b.BreakingCandleIndex = st.Close.Index
		b.BrokenBy = st.Close.Price
		b.ConfirmingCandles = append(b.ConfirmingCandles, *st.Close)
	}
	if st.Sustain != nil {
		b.ConfirmingCandles = append(b.ConfirmingCandles, *st.Sustain)
	}
	b.Confidence = BreakoutConfidence(b.StrengthRank, b.IsCharacterChange)
}

// ClassifyBreakout runs the full classification of one swing over candles.
// ok is false when price never crossed the swing.
func ClassifyBreakout(s Swing, candles []model.Candle, window int) (Breakout, bool) {
	if window <= 0 {
		window = DefaultSustainWindow
	}
	st := newScan(s)
	st.advance(candles, window)
	if st.Kind() == "" {
		return Breakout{}, false
	}
	var b Breakout
	st.fill(&b)
	return b, true
}

// BreakoutChange is one new or upgraded breakout produced by a pass.
type BreakoutChange struct {
	Breakout Breakout
	FromRank int // 0 for a new breakout
}

// BreakoutBook holds one scan per swing and the breakout records derived
// from them. A record exists once its swing has at least a wick break;
// absence of a record is the NONE state.
type BreakoutBook struct {
	window  int
	scans   []*ScanState
	byID    map[SwingID]*ScanState
	pending []*ScanState
	records map[SwingID]*Breakout
}

// NewBreakoutBook creates an empty book.
func NewBreakoutBook(window int) *BreakoutBook {
	if window <= 0 {
		window = DefaultSustainWindow
	}
	return &BreakoutBook{
		window:  window,
		byID:    make(map[SwingID]*ScanState),
		records: make(map[SwingID]*Breakout),
	}
}

// Track starts scanning a swing. Already tracked swings are ignored.
func (bb *BreakoutBook) Track(s Swing) {
	if _, ok := bb.byID[s.ID()]; ok {
		return
	}
	st := newScan(s)
	bb.scans = append(bb.scans, st)
	bb.byID[s.ID()] = st
	bb.pending = append(bb.pending, st)
}

// Advance moves every unfinished scan over the available candles. Records
// with rank below SUSTAINED are re-evaluated on every call; an upgrade only
// rewrites the close and breaking-candle fields of the existing record.
func (bb *BreakoutBook) Advance(candles []model.Candle) []BreakoutChange {
	var changes []BreakoutChange
	keep := bb.pending[:0]
	for _, st := range bb.pending {
		if st.advance(candles, bb.window) {
			id := st.Swing.ID()
			rec, ok := bb.records[id]
			from := 0
			if !ok {
				rec = &Breakout{}
				bb.records[id] = rec
			} else {
				from = rec.StrengthRank
			}
			if st.Kind().Rank() > rec.StrengthRank {
				st.fill(rec)
				changes = append(changes, BreakoutChange{Breakout: cloneBreakout(rec), FromRank: from})
			}
		}
		if !st.Done {
			keep = append(keep, st)
		}
	}
	for i := len(keep); i < len(bb.pending); i++ {
		bb.pending[i] = nil
	}
	bb.pending = keep
	return changes
}

// Breakouts returns copies of all records in swing order.
func (bb *BreakoutBook) Breakouts() []Breakout {
	out := make([]Breakout, 0, len(bb.records))
	for _, st := range bb.scans {
		if rec, ok := bb.records[st.Swing.ID()]; ok {
			out = append(out, cloneBreakout(rec))
		}
	}
	return out
}

// Get returns the record for a swing.
func (bb *BreakoutBook) Get(id SwingID) (Breakout, bool) {
	rec, ok := bb.records[id]
	if !ok {
		return Breakout{}, false
	}
	return cloneBreakout(rec), true
}

// Len returns the number of records.
func (bb *BreakoutBook) Len() int { return len(bb.records) }

// Prevailing returns the breakout whose first break is the latest one at or
// before candle asOf, with the rank it had at that point. Only swings
// confirmed by asOf take part. Ties go to the more recent swing, then to
// the HIGH swing.
func (bb *BreakoutBook) Prevailing(asOf int64) *BiasSnapshot {
	var best *ScanState
	for _, st := range bb.scans {
		if st.Wick == nil || st.Wick.Index > asOf || st.Swing.ConfirmedIndex > asOf {
			continue
		}
		if best == nil || laterBreak(st, best) {
			best = st
		}
	}
	if best == nil {
		return nil
	}
	rank := best.rankAt(asOf)
	kind := BreakWick
	switch rank {
	case 2:
		kind = BreakClose
	case 3:
		kind = BreakSustained
	}
	return &BiasSnapshot{
		Direction:         best.direction(),
		IsCharacterChange: best.Swing.IsCounterTrend(),
		StrengthRank:      rank,
		Kind:              kind,
		SwingIndex:        best.Swing.Index,
		AsOfIndex:         asOf,
	}
}

func laterBreak(a, b *ScanState) bool {
	if a.Wick.Index != b.Wick.Index {
		return a.Wick.Index > b.Wick.Index
	}
	if a.Swing.Index != b.Swing.Index {
		return a.Swing.Index > b.Swing.Index
	}
	return a.Swing.Type == SwingHigh && b.Swing.Type == SwingLow
}

// Scans returns copies of all scan states in swing order, for snapshots.
func (bb *BreakoutBook) Scans() []ScanState {
	out := make([]ScanState, len(bb.scans))
	for i, st := range bb.scans {
		out[i] = cloneScan(st)
	}
	return out
}

// lastEvent is the newest candle index the scan refers to.
func (st *ScanState) lastEvent() int64 {
	last := st.Swing.Index
	for _, ref := range [3]*CandleRef{st.Wick, st.Close, st.Sustain} {
		if ref != nil && ref.Index > last {
			last = ref.Index
		}
	}
	return last
}

// evictBefore drops every scan whose swing and break candles all lie below
// floor, together with its record. It returns the dropped records.
func (bb *BreakoutBook) evictBefore(floor int64) []Breakout {
	var evicted []Breakout
	keep := bb.scans[:0]
	for _, st := range bb.scans {
		if st.lastEvent() >= floor {
			keep = append(keep, st)
			continue
		}
		id := st.Swing.ID()
		if rec, ok := bb.records[id]; ok {
			evicted = append(evicted, cloneBreakout(rec))
			delete(bb.records, id)
		}
		delete(bb.byID, id)
	}
	if len(keep) == len(bb.scans) {
		return nil
	}
	for i := len(keep); i < len(bb.scans); i++ {
		bb.scans[i] = nil
	}
	bb.scans = keep

	pending := bb.pending[:0]
	for _, st := range bb.pending {
		if _, ok := bb.byID[st.Swing.ID()]; ok {
			pending = append(pending, st)
		}
	}
	for i := len(pending); i < len(bb.pending); i++ {
		bb.pending[i] = nil
	}
	bb.pending = pending
	return evicted
}

// loadScans rebuilds the book from persisted scan states. Records are
// derived from the scans.
func (bb *BreakoutBook) loadScans(scans []ScanState) {
	bb.scans = make([]*ScanState, 0, len(scans))
	bb.pending = nil
	bb.byID = make(map[SwingID]*ScanState, len(scans))
	bb.records = make(map[SwingID]*Breakout)
	for i := range scans {
		st := cloneScan(&scans[i])
		bb.scans = append(bb.scans, &st)
		bb.byID[st.Swing.ID()] = &st
		if !st.Done {
			bb.pending = append(bb.pending, &st)
		}
		if st.Kind() != "" {
			rec := &Breakout{}
			st.fill(rec)
			bb.records[st.Swing.ID()] = rec
		}
	}
}

func cloneBreakout(b *Breakout) Breakout {
	out := *b
	out.ConfirmingCandles = append([]CandleRef(nil), b.ConfirmingCandles...)
	return out
}

func cloneScan(st *ScanState) ScanState {
	out := *st
	if st.Wick != nil {
		w := *st.Wick
		out.Wick = &w
	}
	if st.Close != nil {
		c := *st.Close
		out.Close = &c
	}
	if st.Sustain != nil {
		s := *st.Sustain
		out.Sustain = &s
	}
	return out
}
