// Package engine owns one structure pipeline per (symbol, TF) key and
// serialises every mutation and read of a key behind that key's FIFO lock.
// Different keys never wait on each other.
package engine

import (
	"log/slog"
	"sort"
	"sync"

	"marketstructure/internal/model"
	"marketstructure/internal/structure"
)

type keyState struct {
	p       *structure.Pipeline
	summary Summary
}

// Engine is the explicit owner of all per-key structure state.
type Engine struct {
	cfg   structure.Config
	locks KeyLocks

	mu   sync.RWMutex // guards keys; per-key state is guarded by locks
	keys map[model.SeriesKey]*keyState

	observer Observer
	log      *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithObserver sets the event receiver.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// New creates an engine. Invalid config values are clamped.
func New(cfg structure.Config, opts ...Option) *Engine {
	e := &Engine{
		cfg:  cfg.Normalize(),
		keys: make(map[model.SeriesKey]*keyState),
		log:  slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	e.log = e.log.With(slog.String("component", "engine"))
	if cfg.Strength < 1 {
		e.log.Warn("strength clamped", slog.Int("requested", cfg.Strength), slog.Int("used", e.cfg.Strength))
	}
	return e
}

// Config returns the normalised pipeline configuration.
func (e *Engine) Config() structure.Config { return e.cfg }

func (e *Engine) state(key model.SeriesKey) *keyState {
	e.mu.RLock()
	ks := e.keys[key]
	e.mu.RUnlock()
	return ks
}

func (e *Engine) stateOrCreate(key model.SeriesKey) *keyState {
	if ks := e.state(key); ks != nil {
		return ks
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	ks, ok := e.keys[key]
	if !ok {
		ks = &keyState{p: structure.NewPipeline(e.cfg)}
		e.keys[key] = ks
	}
	return ks
}

// emit runs under the key's lock so events of one key reach the observer
// in mutation order.
func (e *Engine) emit(events []Event) {
	if e.observer == nil {
		return
	}
	for _, ev := range events {
		e.observer.OnEvent(ev)
	}
}

func lastIndex(candles []model.Candle) int64 {
	if len(candles) == 0 {
		return 0
	}
	return candles[len(candles)-1].Index
}

// Detect runs a full detection over candles, replacing the key's state.
// With fewer candles than the configured strength needs, nothing changes
// and an empty result is returned.
func (e *Engine) Detect(key model.SeriesKey, candles []model.Candle) structure.Changes {
	if len(candles) < e.cfg.MinCandles() {
		e.log.Warn("insufficient data for detection",
			slog.String("key", key.String()),
			slog.Int("candles", len(candles)),
			slog.Int("required", e.cfg.MinCandles()))
		return structure.Changes{}
	}
	return e.rebuild(key, candles)
}

// Redetect discards the key's state and rebuilds it from candles, even when
// candles is too short to hold a swing.
func (e *Engine) Redetect(key model.SeriesKey, candles []model.Candle) structure.Changes {
	if len(candles) < e.cfg.MinCandles() {
		e.log.Warn("redetect with insufficient data; state cleared",
			slog.String("key", key.String()),
			slog.Int("candles", len(candles)))
	}
	return e.rebuild(key, candles)
}

func (e *Engine) rebuild(key model.SeriesKey, candles []model.Candle) structure.Changes {
	ks := e.stateOrCreate(key)
	release := e.locks.Acquire(key)
	ch := ks.p.Rebuild(candles)
	ks.summary = recount(ks.p, lastIndex(candles))
	sum := ks.summary
	levels := len(ks.p.Levels())
	e.emit([]Event{{Kind: EventRebuilt, Key: key, Summary: &sum}})
	release()

	e.log.Info("full detection",
		slog.String("key", key.String()),
		slog.Int("candles", len(candles)),
		slog.Int("swings", len(ch.Swings)),
		slog.Int("breakouts", len(ch.Breakouts)),
		slog.Int("levels", levels))
	return ch
}

// Update runs an incremental pass for newly appended candles. A key seen for
// the first time starts from empty state, which yields the same result as a
// full detection.
func (e *Engine) Update(key model.SeriesKey, candles []model.Candle) structure.Changes {
	ks := e.stateOrCreate(key)
	release := e.locks.Acquire(key)
	ch := ks.p.Advance(candles)
	ks.summary.apply(&ch)
	ks.summary.LastIndex = lastIndex(candles)
	if !ch.Empty() {
		e.emit(eventsFor(key, &ch))
	}
	release()
	return ch
}

// UpgradeSweep re-evaluates pending breakout and level confirmations for a
// key without looking for new swings. Keys with no swings yet are skipped.
func (e *Engine) UpgradeSweep(key model.SeriesKey, candles []model.Candle) structure.Changes {
	ks := e.state(key)
	if ks == nil {
		e.log.Debug("upgrade sweep before detection", slog.String("key", key.String()))
		return structure.Changes{}
	}
	release := e.locks.Acquire(key)
	if len(ks.p.Swings()) == 0 {
		release()
		e.log.Debug("upgrade sweep with no swings", slog.String("key", key.String()))
		return structure.Changes{}
	}
	ch := ks.p.Sweep(candles)
	ks.summary.apply(&ch)
	if !ch.Empty() {
		e.emit(eventsFor(key, &ch))
	}
	release()
	return ch
}

// Keys returns every key with state, sorted by TF then symbol.
func (e *Engine) Keys() []model.SeriesKey {
	e.mu.RLock()
	out := make([]model.SeriesKey, 0, len(e.keys))
	for k := range e.keys {
		out = append(out, k)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].TF != out[j].TF {
			return out[i].TF < out[j].TF
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// read runs fn under the key's lock. It reports false for unknown keys.
func (e *Engine) read(key model.SeriesKey, fn func(ks *keyState)) bool {
	ks := e.state(key)
	if ks == nil {
		return false
	}
	release := e.locks.Acquire(key)
	defer release()
	fn(ks)
	return true
}

// Swings returns the key's swings matching f. Unknown keys yield an empty list.
func (e *Engine) Swings(key model.SeriesKey, f SwingFilter) []structure.Swing {
	out := []structure.Swing{}
	e.read(key, func(ks *keyState) { out = f.apply(ks.p.Swings()) })
	return out
}

// Breakouts returns the key's breakouts matching f.
func (e *Engine) Breakouts(key model.SeriesKey, f BreakoutFilter) []structure.Breakout {
	out := []structure.Breakout{}
	e.read(key, func(ks *keyState) {
		for _, b := range ks.p.Breakouts() {
			if f.match(&b) {
				out = append(out, b)
			}
		}
	})
	return out
}

// Levels returns copies of the key's levels matching f, oldest first.
func (e *Engine) Levels(key model.SeriesKey, f LevelFilter) []structure.Level {
	out := []structure.Level{}
	e.read(key, func(ks *keyState) {
		for _, l := range ks.p.Levels() {
			if f.match(l) {
				out = append(out, l.Clone())
			}
		}
	})
	return out
}

// LatestLevel returns the newest level of the key.
func (e *Engine) LatestLevel(key model.SeriesKey) (structure.Level, bool) {
	var (
		out structure.Level
		ok  bool
	)
	e.read(key, func(ks *keyState) {
		if l := ks.p.LatestLevel(); l != nil {
			out, ok = l.Clone(), true
		}
	})
	return out, ok
}

// LatestActiveLevel returns the newest ACTIVE level of the key.
func (e *Engine) LatestActiveLevel(key model.SeriesKey) (structure.Level, bool) {
	var (
		out structure.Level
		ok  bool
	)
	e.read(key, func(ks *keyState) {
		if l := ks.p.LatestActiveLevel(); l != nil {
			out, ok = l.Clone(), true
		}
	})
	return out, ok
}

// Setups derives setups for the key's broken levels over candles.
func (e *Engine) Setups(key model.SeriesKey, candles []model.Candle) []structure.Setup {
	out := []structure.Setup{}
	e.read(key, func(ks *keyState) {
		if s := ks.p.Setups(candles); s != nil {
			out = s
		}
	})
	return out
}

// Summary returns the key's counters.
func (e *Engine) Summary(key model.SeriesKey) Summary {
	var out Summary
	e.read(key, func(ks *keyState) { out = ks.summary })
	return out
}

// Bias returns the prevailing breakout as of candle index asOf.
func (e *Engine) Bias(key model.SeriesKey, asOf int64) *structure.BiasSnapshot {
	var out *structure.BiasSnapshot
	e.read(key, func(ks *keyState) { out = ks.p.Prevailing(asOf) })
	return out
}
