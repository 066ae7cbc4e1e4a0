package structure

import (
	"math"
	"testing"
)

// A HIGH swing at 100 followed by closes at 95, 101, 99 and 103.
func breakoutFixture(t *testing.T) []bar {
	t.Helper()
	return []bar{
		{88, 90, 87, 89},
		{95, 100, 94, 98},
		{96, 96.5, 94, 95},
		{95, 101.5, 94.5, 101},
		{100, 100.5, 98, 99},
		{99, 104, 98.5, 103},
	}
}

func swingAt(t *testing.T, swings []Swing, index int64, typ SwingType) Swing {
	t.Helper()
	for _, s := range swings {
		if s.Index == index && s.Type == typ {
			return s
		}
	}
	t.Fatalf("no %s swing at %d in %+v", typ, index, swings)
	return Swing{}
}

func TestClassifyBreakout_CloseThenSustained(t *testing.T) {
	candles := makeCandles(t, breakoutFixture(t))
	swing := swingAt(t, DetectSwings(candles, 1), 1, SwingHigh)

	b, ok := ClassifyBreakout(swing, candles[:4], DefaultSustainWindow)
	if !ok {
		t.Fatal("expected a breakout after the close at 101")
	}
	if b.Kind != BreakClose || b.StrengthRank != 2 {
		t.Errorf("expected CLOSE rank 2, got %s rank %d", b.Kind, b.StrengthRank)
	}
	if b.BrokenBy != 101 || b.BreakingCandleIndex != 3 {
		t.Errorf("expected brokenBy=101 at candle 3, got %.1f at %d", b.BrokenBy, b.BreakingCandleIndex)
	}

	b, _ = ClassifyBreakout(swing, candles, DefaultSustainWindow)
	if b.Kind != BreakSustained || b.StrengthRank != 3 {
		t.Fatalf("expected SUSTAINED, got %s", b.Kind)
	}
	if len(b.ConfirmingCandles) != 2 || b.ConfirmingCandles[1].Price != 103 {
		t.Errorf("expected confirming closes 101 and 103, got %+v", b.ConfirmingCandles)
	}
	if b.Direction != Bullish {
		t.Errorf("expected BULLISH, got %s", b.Direction)
	}
	if b.IsCharacterChange {
		t.Error("a FIRST swing is not counter-trend")
	}
	if math.Abs(b.Confidence-1.0) > 1e-9 {
		t.Errorf("expected confidence 1.0, got %.3f", b.Confidence)
	}
}

func TestClassifyBreakout_WickOnly(t *testing.T) {
	candles := makeCandles(t, append(breakoutFixture(t)[:3], bar{95, 100.5, 94, 96}))
	swing := swingAt(t, DetectSwings(candles, 1), 1, SwingHigh)

	b, ok := ClassifyBreakout(swing, candles, DefaultSustainWindow)
	if !ok || b.Kind != BreakWick {
		t.Fatalf("expected WICK, got %+v ok=%v", b, ok)
	}
	if b.BreakingCandleIndex != 3 || len(b.ConfirmingCandles) != 0 {
		t.Errorf("wick breakout should point at the wick candle only, got %+v", b)
	}
	if math.Abs(b.Confidence-1.0/3) > 1e-9 {
		t.Errorf("expected confidence 1/3, got %.3f", b.Confidence)
	}
}

func TestClassifyBreakout_WindowExhausted(t *testing.T) {
	bars := breakoutFixture(t)[:4]
	bars = append(bars, bar{100, 100.5, 98, 99}, bar{99, 100.5, 98, 100}, bar{100, 105, 99, 104})
	candles := makeCandles(t, bars)
	swing := swingAt(t, DetectSwings(candles, 1), 1, SwingHigh)

	b, _ := ClassifyBreakout(swing, candles, 2)
	if b.Kind != BreakClose {
		t.Errorf("close at 104 is outside a 2 candle window, expected CLOSE, got %s", b.Kind)
	}
	b, _ = ClassifyBreakout(swing, candles, 3)
	if b.Kind != BreakSustained {
		t.Errorf("expected SUSTAINED with a 3 candle window, got %s", b.Kind)
	}
}

func TestBreakoutBook_RankNeverDecreases(t *testing.T) {
	candles := randomWalk(21, 400)
	d := NewSwingDetector(2)
	book := NewBreakoutBook(DefaultSustainWindow)
	ranks := make(map[SwingID]int)

	for i := 1; i <= len(candles); i++ {
		for _, s := range d.Advance(candles[:i]) {
			book.Track(s)
		}
		for _, c := range book.Advance(candles[:i]) {
			id := c.Breakout.Swing.ID()
			if c.Breakout.StrengthRank <= ranks[id] {
				t.Fatalf("candle %d: rank of %+v went %d -> %d", i, id, ranks[id], c.Breakout.StrengthRank)
			}
			if c.FromRank != ranks[id] {
				t.Errorf("candle %d: change reported from %d, stored %d", i, c.FromRank, ranks[id])
			}
			ranks[id] = c.Breakout.StrengthRank
		}
		for _, b := range book.Breakouts() {
			if b.StrengthRank < ranks[b.Swing.ID()] {
				t.Fatalf("candle %d: stored rank regressed for %+v", i, b.Swing.ID())
			}
		}
	}
	if book.Len() == 0 {
		t.Fatal("expected breakouts in a 400 candle walk")
	}
}

func TestBreakoutBook_CharacterChange(t *testing.T) {
	candles := levelFixture(t)
	d := NewSwingDetector(1)
	book := NewBreakoutBook(DefaultSustainWindow)
	for _, s := range d.Advance(candles) {
		book.Track(s)
	}
	book.Advance(candles)

	b, ok := book.Get(SwingID{Index: 5, Type: SwingHigh})
	if !ok {
		t.Fatal("expected a breakout of the lower high at 99")
	}
	if b.Swing.Direction != DirLH || !b.IsCharacterChange {
		t.Errorf("breaking an LH swing is a change of character, got %+v", b)
	}
	if math.Abs(b.Confidence-1.0) > 1e-9 {
		t.Errorf("expected capped confidence 1.0, got %.3f", b.Confidence)
	}
}

func TestBreakoutBook_Prevailing(t *testing.T) {
	candles := levelFixture(t)
	d := NewSwingDetector(1)
	book := NewBreakoutBook(DefaultSustainWindow)
	for _, s := range d.Advance(candles) {
		book.Track(s)
	}
	book.Advance(candles)

	if got := book.Prevailing(6); got != nil {
		t.Errorf("nothing broke by candle 6, got %+v", got)
	}
	at7 := book.Prevailing(7)
	if at7 == nil || at7.SwingIndex != 5 || at7.StrengthRank != 1 {
		t.Fatalf("expected wick break of swing 5 at candle 7, got %+v", at7)
	}
	at8 := book.Prevailing(8)
	if at8 == nil || at8.StrengthRank != 2 || at8.Kind != BreakClose || at8.Direction != Bullish {
		t.Errorf("expected CLOSE bullish as of 8, got %+v", at8)
	}
	if at9 := book.Prevailing(9); at9 == nil || at9.Kind != BreakSustained {
		t.Errorf("expected SUSTAINED as of 9, got %+v", at9)
	}
}
