package structure

import (
	"math"
	"reflect"
	"testing"
	"time"

	"marketstructure/internal/model"
)

func assertSameState(t *testing.T, label string, got, want *Pipeline) {
	t.Helper()
	if !reflect.DeepEqual(got.Swings(), want.Swings()) {
		t.Fatalf("%s: swings differ (%d vs %d)", label, len(got.Swings()), len(want.Swings()))
	}
	if !reflect.DeepEqual(got.Breakouts(), want.Breakouts()) {
		t.Fatalf("%s: breakouts differ (%d vs %d)", label, len(got.Breakouts()), len(want.Breakouts()))
	}
	gs, ws := got.State(), want.State()
	if len(gs.Levels) != len(ws.Levels) {
		t.Fatalf("%s: level count %d vs %d", label, len(gs.Levels), len(ws.Levels))
	}
	for i := range gs.Levels {
		if !reflect.DeepEqual(gs.Levels[i], ws.Levels[i]) {
			t.Fatalf("%s: level %d differs:\n got %+v\nwant %+v", label, i, gs.Levels[i], ws.Levels[i])
		}
	}
	if !reflect.DeepEqual(gs, ws) {
		t.Fatalf("%s: exported state differs", label)
	}
}

func TestPipeline_FullAndIncrementalAgree(t *testing.T) {
	configs := []Config{
		{Strength: 1},
		{Strength: 2},
		{Strength: 3, SustainWindow: 4},
		{Strength: 1, MaxLevels: 5},
		{Strength: 1, MaxAge: 90 * time.Minute},
	}
	for seed := int64(1); seed <= 4; seed++ {
		candles := randomWalk(seed, 500)
		for _, cfg := range configs {
			full := NewPipeline(cfg)
			full.Rebuild(candles)

			inc := NewPipeline(cfg)
			for i := 1; i <= len(candles); i++ {
				inc.Advance(candles[:i])
			}
			assertSameState(t, "one at a time", inc, full)

			// Sparse calls: several candles land between passes.
			sparse := NewPipeline(cfg)
			for i := 7; i < len(candles); i += 7 {
				sparse.Advance(candles[:i])
			}
			sparse.Advance(candles)
			assertSameState(t, "sparse", sparse, full)
		}
	}
}

func TestPipeline_FindsLevels(t *testing.T) {
	found := false
	for seed := int64(1); seed <= 4 && !found; seed++ {
		p := NewPipeline(Config{Strength: 1})
		p.Rebuild(randomWalk(seed, 500))
		found = len(p.Levels()) > 0
	}
	if !found {
		t.Fatal("random walks produced no levels; equivalence test would be vacuous")
	}
}

func TestPipeline_Invariants(t *testing.T) {
	candles := randomWalk(7, 600)
	cfg := Config{Strength: 1, MaxLevels: 20, MaxAge: 4 * time.Hour}
	p := NewPipeline(cfg)
	status := make(map[LevelID]LevelStatus)

	for i := 1; i <= len(candles); i++ {
		ch := p.Advance(candles[:i])
		if p.levels.Len() > 20 {
			t.Fatalf("candle %d: %d levels exceeds max", i, p.levels.Len())
		}
		for _, e := range ch.Evicted {
			delete(status, e.ID())
		}

		ids := make(map[LevelID]bool)
		var newest int64
		for _, l := range p.Levels() {
			if l.ZoneTop < l.ZoneBottom {
				t.Fatalf("candle %d: zone inverted %+v", i, l.ID())
			}
			if ids[l.ID()] {
				t.Fatalf("candle %d: duplicate level %+v", i, l.ID())
			}
			ids[l.ID()] = true
			if prev, ok := status[l.ID()]; ok && l.Status.order() < prev.order() {
				t.Fatalf("candle %d: level %+v went %s -> %s", i, l.ID(), prev, l.Status)
			}
			status[l.ID()] = l.Status
			if l.CreatedAt > newest {
				newest = l.CreatedAt
			}
		}
		for _, l := range p.Levels() {
			if newest-l.CreatedAt > int64(4*time.Hour/time.Second) {
				t.Fatalf("candle %d: level %+v older than max age", i, l.ID())
			}
		}
	}
}

func TestPipeline_StateRoundTrip(t *testing.T) {
	candles := randomWalk(13, 400)
	cfg := Config{Strength: 2}

	ref := NewPipeline(cfg)
	ref.Rebuild(candles)

	a := NewPipeline(cfg)
	a.Rebuild(candles[:250])
	b := NewPipeline(cfg)
	b.Load(a.State())

	for i := 251; i <= len(candles); i++ {
		b.Advance(candles[:i])
	}
	assertSameState(t, "restored", b, ref)
}

// stripDirection clears the fields that depend on swings older than the
// retained candles.
func stripDirection(swings []Swing) []Swing {
	out := make([]Swing, len(swings))
	for i, s := range swings {
		s.Direction = ""
		out[i] = s
	}
	return out
}

func TestPipeline_PrunedSeries(t *testing.T) {
	const held = 200
	candles := randomWalk(17, 3000)
	cfg := Config{Strength: 2}
	k := cfg.Strength

	p := NewPipeline(cfg)
	var restored *Pipeline
	for i := 1; i <= len(candles); i++ {
		window := candles[max(0, i-held):i]
		p.Advance(window)
		if restored != nil {
			restored.Advance(window)
		}
		if i == 1700 {
			restored = NewPipeline(cfg)
			restored.Load(p.State())
		}

		floor := window[0].Index
		if n := len(p.Swings()); n > held {
			t.Fatalf("candle %d: %d swings held for %d candles", i, n, held)
		}
		for _, s := range p.Swings() {
			if s.Index < floor {
				t.Fatalf("candle %d: swing %d older than first candle %d", i, s.Index, floor)
			}
		}
		scans := p.book.Scans()
		if len(scans) > 2*held {
			t.Fatalf("candle %d: %d scans held", i, len(scans))
		}
		for j := range scans {
			if scans[j].lastEvent() < floor {
				t.Fatalf("candle %d: scan for swing %d outlived its candles", i, scans[j].Swing.Index)
			}
		}
	}

	window := candles[len(candles)-held:]

	// Swings with a full look-around window inside the held candles are
	// exactly what a fresh detection over those candles finds.
	var inner []Swing
	for _, s := range p.Swings() {
		if s.Index >= window[k].Index {
			inner = append(inner, s)
		}
	}
	fresh := NewPipeline(cfg)
	fresh.Rebuild(window)
	if !reflect.DeepEqual(stripDirection(inner), stripDirection(fresh.Swings())) {
		t.Fatalf("held swings differ from a rebuild over the held candles (%d vs %d)", len(inner), len(fresh.Swings()))
	}

	// Breakouts of held swings match a fresh classification.
	for _, s := range p.Swings() {
		got, gotOK := p.book.Get(s.ID())
		want, wantOK := ClassifyBreakout(s, window, p.cfg.SustainWindow)
		if gotOK != wantOK {
			t.Fatalf("swing %d: breakout present %v, fresh %v", s.Index, gotOK, wantOK)
		}
		if gotOK && (got.Kind != want.Kind || got.BreakingCandleIndex != want.BreakingCandleIndex || got.BrokenBy != want.BrokenBy) {
			t.Fatalf("swing %d: breakout %s@%d, fresh %s@%d", s.Index, got.Kind, got.BreakingCandleIndex, want.Kind, want.BreakingCandleIndex)
		}
	}

	// A pipeline restored mid-stream ends in the same state.
	assertSameState(t, "restored on a pruned series", restored, p)
}

func TestPipeline_SweepUpgradesWithoutNewSwings(t *testing.T) {
	candles := levelFixture(t)
	p := NewPipeline(Config{Strength: 1})
	p.Advance(candles[:9])

	ch := p.Sweep(candles[:10])
	if len(ch.Swings) != 0 {
		t.Errorf("sweep must not detect swings, got %d", len(ch.Swings))
	}
	if len(ch.BosUpgrades) != 1 {
		t.Errorf("expected the level BOS to upgrade during the sweep, got %d", len(ch.BosUpgrades))
	}
}

func TestPipeline_InsufficientData(t *testing.T) {
	p := NewPipeline(Config{Strength: 3})
	ch := p.Rebuild(randomWalk(1, 6))
	if !ch.Empty() || len(p.Swings()) != 0 {
		t.Errorf("6 candles cannot hold a strength 3 swing, got %+v", ch)
	}
	if (Config{Strength: 3}).MinCandles() != 7 {
		t.Error("min candles for strength 3 should be 7")
	}
}

func TestDeriveSetup(t *testing.T) {
	candles := levelFixture(t)
	p := NewPipeline(Config{Strength: 1})
	p.Rebuild(candles)

	setups := p.Setups(candles)
	if len(setups) != 1 {
		t.Fatalf("expected one setup, got %d", len(setups))
	}
	s := setups[0]
	if s.PostBreakExtreme.Index != 10 || s.PostBreakExtreme.Price != 99 {
		t.Errorf("expected pullback low 99 at 10, got %+v", s.PostBreakExtreme)
	}
	if s.ImpulseExtreme.Index != 9 || s.ImpulseExtreme.Price != 104 {
		t.Errorf("expected impulse high 104 at 9, got %+v", s.ImpulseExtreme)
	}
	if math.Abs(s.Retracement-5.0/14) > 1e-9 {
		t.Errorf("expected retracement 5/14, got %.4f", s.Retracement)
	}
	if s.Direction != Bullish {
		t.Errorf("expected BULLISH, got %s", s.Direction)
	}

	// Pure: deriving again gives the same result and leaves the level alone.
	if again := p.Setups(candles); !reflect.DeepEqual(again, setups) {
		t.Error("setups are not reproducible")
	}
}

func TestDeriveSetup_NotBrokenOrNoFollowThrough(t *testing.T) {
	candles := levelFixture(t)

	p := NewPipeline(Config{Strength: 1})
	p.Rebuild(candles[:8])
	if got := p.Setups(candles[:8]); len(got) != 0 {
		t.Errorf("swept level must not produce a setup, got %d", len(got))
	}

	p.Rebuild(candles[:9])
	if got := p.Setups(candles[:9]); len(got) != 0 {
		t.Errorf("no candle after the break yet, got %d setups", len(got))
	}

	l := p.Levels()[0].Clone()
	if _, ok := DeriveSetup(&l, []model.Candle{candles[10]}, 0); ok {
		t.Error("pruned break candle must not produce a setup")
	}
}

func TestConfig_Normalize(t *testing.T) {
	c := Config{Strength: -2, SustainWindow: 0, SetupWindow: -1, MaxLevels: 0, MaxAge: -time.Second}.Normalize()
	want := Config{Strength: 1, SustainWindow: DefaultSustainWindow, SetupWindow: DefaultSetupWindow, MaxLevels: DefaultMaxLevels}
	if c != want {
		t.Errorf("got %+v, want %+v", c, want)
	}
}
