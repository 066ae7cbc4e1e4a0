package structure

import "marketstructure/internal/model"

// LevelTransition is a status change of one level during a pass.
type LevelTransition struct {
	Level Level
	From  LevelStatus
	To    LevelStatus
}

// Changes is everything a pass added or moved forward.
type Changes struct {
	Swings      []Swing
	Breakouts   []BreakoutChange
	Levels      []Level // created, as of creation
	Transitions []LevelTransition
	BosUpgrades []Level // CLOSE -> SUSTAINED after the break
	Evicted     []Level

	// Pruned once their candles left the front of the series.
	EvictedSwings    []Swing
	EvictedBreakouts []Breakout
}

// Empty reports whether the pass changed nothing.
func (c *Changes) Empty() bool {
	return len(c.Swings) == 0 && len(c.Breakouts) == 0 && len(c.Levels) == 0 &&
		len(c.Transitions) == 0 && len(c.BosUpgrades) == 0 && len(c.Evicted) == 0 &&
		len(c.EvictedSwings) == 0 && len(c.EvictedBreakouts) == 0
}

// Pipeline runs the four stages for one (symbol, TF) key.
type Pipeline struct {
	cfg      Config
	detector *SwingDetector
	book     *BreakoutBook
	levels   *LevelStore
}

// NewPipeline creates an empty pipeline. cfg is normalised.
func NewPipeline(cfg Config) *Pipeline {
	p := &Pipeline{cfg: cfg.Normalize()}
	p.reset()
	return p
}

func (p *Pipeline) reset() {
	p.detector = NewSwingDetector(p.cfg.Strength)
	p.book = NewBreakoutBook(p.cfg.SustainWindow)
	p.levels = NewLevelStore(p.cfg.MaxLevels, p.cfg.maxAgeSeconds())
}

// Config returns the normalised configuration.
func (p *Pipeline) Config() Config { return p.cfg }

// Rebuild discards all state and runs a full pass over candles.
func (p *Pipeline) Rebuild(candles []model.Candle) Changes {
	p.reset()
	k := p.cfg.Strength
	swings := DetectSwings(candles, k)
	if last := len(candles) - k - 1; last >= k {
		p.detector.load(swings, candles[last].Index, true, nil)
	} else {
		p.detector.load(swings, 0, false, nil)
	}
	return p.run(swings, candles)
}

// Advance runs an incremental pass. candles must extend the sequence the
// pipeline has already seen; any number of candles may have been appended.
func (p *Pipeline) Advance(candles []model.Candle) Changes {
	return p.run(p.detector.Advance(candles), candles)
}

// Sweep re-evaluates pending breakout and level confirmations without
// looking for new swings.
func (p *Pipeline) Sweep(candles []model.Candle) Changes {
	return p.run(nil, candles)
}

func (p *Pipeline) run(added []Swing, candles []model.Candle) Changes {
	ch := Changes{Swings: added}
	for _, s := range added {
		p.book.Track(s)
	}
	ch.Breakouts = p.book.Advance(candles)
	for _, s := range added {
		p.pairLevels(s, candles, &ch)
	}
	p.advanceLevels(candles, &ch)
	p.prune(candles, &ch)
	return ch
}

// prune drops swings whose candle is older than the first candle held, and
// breakout scans once their swing and break candles are all older. Levels
// keep their own copies of both swings and are bounded by the level store.
func (p *Pipeline) prune(candles []model.Candle, ch *Changes) {
	if len(candles) == 0 {
		return
	}
	floor := candles[0].Index
	ch.EvictedSwings = p.detector.evictBefore(floor)
	ch.EvictedBreakouts = p.book.evictBefore(floor)
}

// pairLevels tries every earlier same-type swing as the first swing of a
// level whose second swing is s.
func (p *Pipeline) pairLevels(second Swing, candles []model.Candle, ch *Changes) {
	swings := p.detector.Swings()
	typ := levelTypeOf(second.Type)
	for i := range swings {
		first := swings[i]
		if first.Index >= second.Index {
			break
		}
		if first.Type != second.Type {
			continue
		}
		if p.levels.Has(LevelID{First: first.Index, Second: second.Index, Type: typ}) {
			continue
		}
		l, ok := BuildLevel(first, second, candles, swings)
		if !ok {
			continue
		}
		l.Bias = p.book.Prevailing(l.CreatedIndex)
		ch.Levels = append(ch.Levels, l.Clone())
		for _, e := range p.levels.Insert(l) {
			ch.Evicted = append(ch.Evicted, e.Clone())
		}
	}
}

func (p *Pipeline) advanceLevels(candles []model.Candle, ch *Changes) {
	moved := false
	for _, l := range p.levels.All() {
		step := l.advance(candles, p.cfg.SustainWindow, p.book.Prevailing)
		if step.statusChanged() {
			moved = true
			ch.Transitions = append(ch.Transitions, LevelTransition{Level: l.Clone(), From: step.from, To: step.to})
		}
		if step.bosUpgraded {
			ch.BosUpgrades = append(ch.BosUpgrades, l.Clone())
		}
	}
	if moved {
		p.levels.refreshLatestActive()
	}
}

// Swings returns the detected swings in candle order. Read-only.
func (p *Pipeline) Swings() []Swing { return p.detector.Swings() }

// Breakouts returns copies of the breakout records in swing order.
func (p *Pipeline) Breakouts() []Breakout { return p.book.Breakouts() }

// Prevailing returns the bias as of candle index asOf.
func (p *Pipeline) Prevailing(asOf int64) *BiasSnapshot { return p.book.Prevailing(asOf) }

// Levels returns the stored levels in creation order. Read-only.
func (p *Pipeline) Levels() []*Level { return p.levels.All() }

// LatestLevel returns the newest level.
func (p *Pipeline) LatestLevel() *Level { return p.levels.Latest() }

// LatestActiveLevel returns the newest ACTIVE level.
func (p *Pipeline) LatestActiveLevel() *Level { return p.levels.LatestActive() }

// Setups derives setups from the currently broken levels.
func (p *Pipeline) Setups(candles []model.Candle) []Setup {
	return DeriveSetups(p.levels.All(), candles, p.cfg.SetupWindow)
}

// State is the persisted form of a pipeline. Breakout records are derived
// from the scans and the duplicate set from the levels.
type State struct {
	Swings     []Swing        `json:"swings"`
	LastCentre int64          `json:"last_centre"`
	Checked    bool           `json:"checked"`
	Direction  *DirectionMemo `json:"direction,omitempty"`
	Scans      []ScanState    `json:"scans"`
	Levels     []Level        `json:"levels"`
}

// State exports a deep copy of the pipeline state.
func (p *Pipeline) State() State {
	st := State{
		Swings: append([]Swing(nil), p.detector.Swings()...),
		Scans:  p.book.Scans(),
	}
	st.LastCentre, st.Checked = p.detector.Cursor()
	dir := p.detector.Direction()
	st.Direction = &dir
	for _, l := range p.levels.All() {
		st.Levels = append(st.Levels, l.Clone())
	}
	return st
}

// Load replaces the pipeline state with st.
func (p *Pipeline) Load(st State) {
	p.reset()
	p.detector.load(st.Swings, st.LastCentre, st.Checked, st.Direction)
	scans := st.Scans
	if len(scans) == 0 && len(st.Swings) > 0 {
		scans = make([]ScanState, len(st.Swings))
		for i, s := range st.Swings {
			scans[i] = *newScan(s)
		}
	}
	p.book.loadScans(scans)
	p.levels.load(st.Levels)
}
