package structure

import (
	"math"
	"math/rand"
	"testing"

	"marketstructure/internal/model"
)

// bar is open, high, low, close.
type bar [4]float64

func makeCandles(t *testing.T, bars []bar) []model.Candle {
	t.Helper()
	out := make([]model.Candle, len(bars))
	for i, b := range bars {
		out[i] = model.Candle{
			Index: int64(i),
			Time:  1_700_000_000 + int64(i)*60,
			Open:  b[0],
			High:  b[1],
			Low:   b[2],
			Close: b[3],
		}
		if !out[i].Valid() {
			t.Fatalf("fixture bar %d is malformed: %v", i, b)
		}
	}
	return out
}

// randomWalk builds a deterministic series on a 0.5 grid so equal highs and
// lows show up often. Every third step skips an index to exercise gaps.
func randomWalk(seed int64, n int) []model.Candle {
	r := rand.New(rand.NewSource(seed))
	out := make([]model.Candle, 0, n)
	price := 100.0
	idx := int64(0)
	for i := 0; i < n; i++ {
		open := price
		close := math.Round((open+(r.Float64()-0.5)*4)*2) / 2
		high := math.Max(open, close) + float64(r.Intn(3))*0.5
		low := math.Min(open, close) - float64(r.Intn(3))*0.5
		out = append(out, model.Candle{
			Index: idx,
			Time:  1_700_000_000 + idx*60,
			Open:  open,
			High:  high,
			Low:   low,
			Close: close,
		})
		price = close
		idx++
		if i%3 == 2 {
			idx++
		}
	}
	return out
}

// levelFixture is two HIGH swings at 100 (body 98) and 99 with a LOW swing
// between them, followed by a sweep, a close above 100 and a sustained close.
func levelFixture(t *testing.T) []model.Candle {
	t.Helper()
	return makeCandles(t, []bar{
		{91, 95, 90, 94},      // 0
		{97, 100, 96, 98},     // 1 HIGH 100, body 98
		{96, 97, 93, 94},      // 2
		{94, 95, 90, 91},      // 3 LOW 90
		{92, 96, 92, 95},      // 4
		{95, 99, 94, 96},      // 5 HIGH 99
		{96, 97, 93, 94},      // 6 level confirmed
		{95, 100.5, 94, 97},   // 7 sweep
		{97, 102, 96, 101.5},  // 8 close above 100
		{101, 104, 100, 103},  // 9 sustained
		{103, 103.5, 99, 100}, // 10 pullback
	})
}
