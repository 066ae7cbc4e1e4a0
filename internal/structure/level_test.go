package structure

import (
	"math"
	"testing"
)

func buildFixtureLevel(t *testing.T, upto int) (*Pipeline, *Level) {
	t.Helper()
	candles := levelFixture(t)[:upto]
	p := NewPipeline(Config{Strength: 1})
	p.Rebuild(candles)
	if len(p.Levels()) != 1 {
		t.Fatalf("expected exactly one level over %d candles, got %d", upto, len(p.Levels()))
	}
	return p, p.Levels()[0]
}

func TestBuildLevel_EQH(t *testing.T) {
	_, l := buildFixtureLevel(t, 7)

	if l.Type != LevelEQH {
		t.Errorf("expected EQH, got %s", l.Type)
	}
	if l.ZoneTop != 100 || l.ZoneBottom != 98 {
		t.Errorf("expected zone [98, 100], got [%.1f, %.1f]", l.ZoneBottom, l.ZoneTop)
	}
	if l.FirstSwing.Index != 1 || l.SecondSwing.Index != 5 {
		t.Errorf("expected swings 1 and 5, got %d and %d", l.FirstSwing.Index, l.SecondSwing.Index)
	}
	if l.InterveningVShape.Depth != 90 || l.InterveningVShape.Index != 3 {
		t.Errorf("expected V-shape 90 at 3, got %+v", l.InterveningVShape)
	}
	if l.Status != StatusActive || l.Confidence != 1.0 {
		t.Errorf("expected ACTIVE with confidence 1.0, got %s %.2f", l.Status, l.Confidence)
	}
	if l.CreatedIndex != 6 || l.LastScannedIndex != 6 {
		t.Errorf("expected creation and scan at 6, got %d / %d", l.CreatedIndex, l.LastScannedIndex)
	}
	if l.Bias != nil {
		t.Errorf("nothing broke before candle 6, got bias %+v", l.Bias)
	}
	if l.PreBreakAdverseExtreme == nil || l.PreBreakAdverseExtreme.Depth != 93 {
		t.Errorf("expected adverse low 93, got %+v", l.PreBreakAdverseExtreme)
	}
}

func TestBuildLevel_Rejections(t *testing.T) {
	candles := levelFixture(t)[:7]
	swings := DetectSwings(candles, 1)
	first := swingAt(t, swings, 1, SwingHigh)
	second := swingAt(t, swings, 5, SwingHigh)

	t.Run("zone breached between swings", func(t *testing.T) {
		bad := append(candles[:0:0], candles...)
		bad[4].High = 98
		if _, ok := BuildLevel(first, second, bad, swings); ok {
			t.Error("a high reaching the zone bottom must invalidate the level")
		}
	})

	t.Run("no opposite swing between", func(t *testing.T) {
		var highs []Swing
		for _, s := range swings {
			if s.Type == SwingHigh {
				highs = append(highs, s)
			}
		}
		if _, ok := BuildLevel(first, second, candles, highs); ok {
			t.Error("a level needs an opposite swing between its swings")
		}
	})

	t.Run("outside band", func(t *testing.T) {
		s := second
		s.Price = 97.5
		if _, ok := BuildLevel(first, s, candles, swings); ok {
			t.Error("second swing below the first body must not pair")
		}
	})

	t.Run("first swing pruned", func(t *testing.T) {
		if _, ok := BuildLevel(first, second, candles[2:], swings); ok {
			t.Error("pruned first swing must not form a level")
		}
	})
}

func TestLevel_SweptThenBrokenThenSustained(t *testing.T) {
	candles := levelFixture(t)
	p := NewPipeline(Config{Strength: 1})

	var statuses []LevelStatus
	var upgrades int
	for i := 1; i <= len(candles); i++ {
		ch := p.Advance(candles[:i])
		for _, tr := range ch.Transitions {
			statuses = append(statuses, tr.To)
			if tr.From.order() >= tr.To.order() {
				t.Errorf("status moved backwards %s -> %s", tr.From, tr.To)
			}
		}
		upgrades += len(ch.BosUpgrades)
	}

	if len(statuses) != 2 || statuses[0] != StatusSwept || statuses[1] != StatusBroken {
		t.Fatalf("expected SWEPT then BROKEN, got %v", statuses)
	}
	if upgrades != 1 {
		t.Errorf("expected one BOS upgrade, got %d", upgrades)
	}

	l := p.Levels()[0]
	if l.SweptBy == nil || l.SweptBy.CandleIndex != 7 || l.SweptBy.Price != 100.5 {
		t.Errorf("expected sweep at 7 by 100.5, got %+v", l.SweptBy)
	}
	if l.BrokenBy == nil || l.BrokenBy.CandleIndex != 8 || l.BrokenBy.ClosePrice != 101.5 {
		t.Fatalf("expected break at 8 closing 101.5, got %+v", l.BrokenBy)
	}
	if l.BrokenBy.BosKind != BreakSustained || l.BrokenBy.SustainedBy.Index != 9 {
		t.Errorf("expected SUSTAINED at 9, got %+v", l.BrokenBy)
	}
	if math.Abs(l.Confidence-0.5) > 1e-9 {
		t.Errorf("expected confidence 0.5, got %.2f", l.Confidence)
	}
	if l.StatusBias == nil || l.StatusBias.AsOfIndex != 8 || l.StatusBias.StrengthRank != 2 {
		t.Errorf("expected status bias as of 8 with rank 2, got %+v", l.StatusBias)
	}
	if l.LastScannedIndex != 10 {
		t.Errorf("expected last scanned 10, got %d", l.LastScannedIndex)
	}
	if p.LatestActiveLevel() != nil {
		t.Error("the only level is broken; latest active must be nil")
	}
	if p.LatestLevel() != l {
		t.Error("latest level should be the broken one")
	}
}

func TestLevelConfidence(t *testing.T) {
	cases := []struct {
		status LevelStatus
		bos    BreakKind
		want   float64
	}{
		{StatusActive, "", 1.0},
		{StatusSwept, "", 0.5},
		{StatusBroken, BreakClose, 0.2},
		{StatusBroken, BreakSustained, 0.5},
	}
	for _, c := range cases {
		if got := LevelConfidence(c.status, c.bos); math.Abs(got-c.want) > 1e-9 {
			t.Errorf("%s/%s: got %.2f, want %.2f", c.status, c.bos, got, c.want)
		}
	}
}

func TestLevelStore_CountEviction(t *testing.T) {
	s := NewLevelStore(3, 0)
	var evicted []*Level
	for i := int64(0); i < 5; i++ {
		l := &Level{
			Type:        LevelEQH,
			FirstSwing:  Swing{Index: i},
			SecondSwing: Swing{Index: i + 10},
			Status:      StatusActive,
			CreatedAt:   i * 60,
		}
		evicted = append(evicted, s.Insert(l)...)
		if s.Len() > 3 {
			t.Fatalf("store holds %d levels, max 3", s.Len())
		}
	}
	if len(evicted) != 2 {
		t.Fatalf("expected 2 evictions, got %d", len(evicted))
	}
	if s.Has(evicted[0].ID()) || s.Has(evicted[1].ID()) {
		t.Error("evicted levels must leave the identity set")
	}
	if s.Latest().FirstSwing.Index != 4 || s.LatestActive().FirstSwing.Index != 4 {
		t.Error("latest lookups should point at the newest level")
	}
}

func TestLevelStore_AgeEviction(t *testing.T) {
	s := NewLevelStore(100, 100)
	for i, at := range []int64{0, 50, 200} {
		s.Insert(&Level{
			Type:        LevelEQL,
			FirstSwing:  Swing{Index: int64(i)},
			SecondSwing: Swing{Index: int64(i) + 5},
			Status:      StatusActive,
			CreatedAt:   at,
		})
	}
	if s.Len() != 1 {
		t.Fatalf("expected only the newest level to survive, got %d", s.Len())
	}
	if s.Has(LevelID{First: 0, Second: 5, Type: LevelEQL}) {
		t.Error("aged level still in identity set")
	}
}

func TestLevelStore_RejectsDuplicates(t *testing.T) {
	s := NewLevelStore(10, 0)
	l := &Level{Type: LevelEQH, FirstSwing: Swing{Index: 1}, SecondSwing: Swing{Index: 4}}
	s.Insert(l)
	s.Insert(&Level{Type: LevelEQH, FirstSwing: Swing{Index: 1}, SecondSwing: Swing{Index: 4}})
	if s.Len() != 1 {
		t.Errorf("duplicate pair inserted, len %d", s.Len())
	}
}
