package engine

import (
	"math"
	"math/rand"
	"reflect"
	"sync"
	"testing"
	"time"

	"marketstructure/internal/model"
	"marketstructure/internal/structure"
)

var testKey = model.SeriesKey{Symbol: "NSE:2885", TF: 60}

func walk(seed int64, n int) []model.Candle {
	r := rand.New(rand.NewSource(seed))
	out := make([]model.Candle, 0, n)
	price := 100.0
	for i := 0; i < n; i++ {
		open := price
		close := math.Round((open+(r.Float64()-0.5)*4)*2) / 2
		out = append(out, model.Candle{
			Index: int64(i),
			Time:  1_700_000_000 + int64(i)*60,
			Open:  open,
			High:  math.Max(open, close) + float64(r.Intn(3))*0.5,
			Low:   math.Min(open, close) - float64(r.Intn(3))*0.5,
			Close: close,
		})
		price = close
	}
	return out
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) OnEvent(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func TestEngine_UnknownKeyIsEmpty(t *testing.T) {
	e := New(structure.DefaultConfig())
	unknown := model.SeriesKey{Symbol: "NSE:1", TF: 300}

	if got := e.Swings(unknown, SwingFilter{}); got == nil || len(got) != 0 {
		t.Errorf("expected empty non-nil swings, got %v", got)
	}
	if got := e.Breakouts(unknown, BreakoutFilter{}); got == nil || len(got) != 0 {
		t.Errorf("expected empty breakouts, got %v", got)
	}
	if got := e.Levels(unknown, LevelFilter{}); got == nil || len(got) != 0 {
		t.Errorf("expected empty levels, got %v", got)
	}
	if got := e.Setups(unknown, nil); got == nil || len(got) != 0 {
		t.Errorf("expected empty setups, got %v", got)
	}
	if _, ok := e.LatestLevel(unknown); ok {
		t.Error("unknown key has no latest level")
	}
	if s := e.Summary(unknown); s != (Summary{}) {
		t.Errorf("expected zero summary, got %+v", s)
	}
	if ch := e.UpgradeSweep(unknown, walk(1, 50)); !ch.Empty() {
		t.Error("sweep on unknown key must be a no-op")
	}
	if len(e.Keys()) != 0 {
		t.Errorf("queries must not create keys, got %v", e.Keys())
	}
}

func TestEngine_InsufficientData(t *testing.T) {
	e := New(structure.Config{Strength: 3})
	if ch := e.Detect(testKey, walk(1, 5)); !ch.Empty() {
		t.Errorf("expected empty result, got %+v", ch)
	}
	if len(e.Keys()) != 0 {
		t.Error("insufficient detect must not create state")
	}
}

func TestEngine_InvalidStrengthClamped(t *testing.T) {
	e := New(structure.Config{Strength: -4})
	if e.Config().Strength != 1 {
		t.Errorf("expected strength 1, got %d", e.Config().Strength)
	}
}

func TestEngine_UpdateMatchesDetect(t *testing.T) {
	candles := walk(3, 400)
	full := New(structure.Config{Strength: 1})
	full.Detect(testKey, candles)

	rec := &recorder{}
	inc := New(structure.Config{Strength: 1}, WithObserver(rec))
	for i := 1; i <= len(candles); i++ {
		inc.Update(testKey, candles[:i])
	}

	if !reflect.DeepEqual(inc.Swings(testKey, SwingFilter{}), full.Swings(testKey, SwingFilter{})) {
		t.Fatal("swings differ")
	}
	if !reflect.DeepEqual(inc.Breakouts(testKey, BreakoutFilter{}), full.Breakouts(testKey, BreakoutFilter{})) {
		t.Fatal("breakouts differ")
	}
	if !reflect.DeepEqual(inc.Levels(testKey, LevelFilter{}), full.Levels(testKey, LevelFilter{})) {
		t.Fatal("levels differ")
	}

	is, fs := inc.Summary(testKey), full.Summary(testKey)
	is.Evicted, fs.Evicted = 0, 0
	if is != fs {
		t.Errorf("incremental counters drifted:\n inc %+v\nfull %+v", is, fs)
	}
	if rec.count(EventSwing) != is.SwingHighs+is.SwingLows {
		t.Errorf("expected one swing event per swing, got %d", rec.count(EventSwing))
	}
	if rec.count(EventLevelCreated) == 0 {
		t.Error("expected level events")
	}
}

func TestEngine_Filters(t *testing.T) {
	e := New(structure.Config{Strength: 1})
	e.Detect(testKey, walk(5, 400))

	for _, s := range e.Swings(testKey, SwingFilter{Type: structure.SwingLow}) {
		if s.Type != structure.SwingLow {
			t.Fatalf("type filter leaked %s", s.Type)
		}
	}
	latest := e.Swings(testKey, SwingFilter{Latest: true})
	if len(latest) != 2 || latest[0].Type == latest[1].Type {
		t.Fatalf("expected the latest high and low, got %+v", latest)
	}
	all := e.Swings(testKey, SwingFilter{})
	if last := all[len(all)-1]; latest[1] != last {
		t.Errorf("latest swings should end with the newest swing %+v, got %+v", last, latest[1])
	}

	yes := true
	for _, b := range e.Breakouts(testKey, BreakoutFilter{CharacterChange: &yes, MinStrength: 2}) {
		if !b.IsCharacterChange || b.StrengthRank < 2 {
			t.Fatalf("filter leaked %+v", b)
		}
	}
	for _, b := range e.Breakouts(testKey, BreakoutFilter{Direction: structure.Bearish}) {
		if b.Swing.Type != structure.SwingLow {
			t.Fatalf("bearish breakout of a %s swing", b.Swing.Type)
		}
	}

	sum := e.Summary(testKey)
	broken := e.Levels(testKey, LevelFilter{Status: structure.StatusBroken})
	if len(broken) != sum.LevelsBroken {
		t.Errorf("summary says %d broken, filter found %d", sum.LevelsBroken, len(broken))
	}
	if l, ok := e.LatestActiveLevel(testKey); ok && l.Status != structure.StatusActive {
		t.Errorf("latest active level is %s", l.Status)
	}
}

func TestEngine_RedetectDiscardsState(t *testing.T) {
	e := New(structure.Config{Strength: 1})
	e.Detect(testKey, walk(7, 300))
	if len(e.Swings(testKey, SwingFilter{})) == 0 {
		t.Fatal("expected swings")
	}
	e.Redetect(testKey, walk(7, 2))
	if n := len(e.Swings(testKey, SwingFilter{})); n != 0 {
		t.Errorf("redetect over 2 candles should clear swings, got %d", n)
	}
}

func TestEngine_ConcurrentKeys(t *testing.T) {
	e := New(structure.Config{Strength: 2})
	candles := walk(9, 200)
	keys := []model.SeriesKey{
		{Symbol: "NSE:1", TF: 60},
		{Symbol: "NSE:2", TF: 60},
		{Symbol: "NSE:1", TF: 300},
	}

	var wg sync.WaitGroup
	for _, k := range keys {
		k := k
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 1; i <= len(candles); i++ {
				e.Update(k, candles[:i])
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				e.Levels(k, LevelFilter{})
				e.Summary(k)
			}
		}()
	}
	wg.Wait()

	ref := New(structure.Config{Strength: 2})
	ref.Detect(keys[0], candles)
	for _, k := range keys {
		if !reflect.DeepEqual(e.Levels(k, LevelFilter{}), ref.Levels(keys[0], LevelFilter{})) {
			t.Errorf("%s: concurrent updates diverged from a full run", k)
		}
	}
}

func TestKeyLocks_FIFO(t *testing.T) {
	var locks KeyLocks
	release := locks.Acquire(testKey)

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := locks.Acquire(testKey)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			r()
		}(i)
		// let waiter i take its ticket before the next one arrives
		waitForTickets(t, &locks, uint64(i+2))
	}
	release()
	wg.Wait()

	for i, got := range order {
		if got != i {
			t.Fatalf("lock not FIFO: %v", order)
		}
	}
}

func waitForTickets(t *testing.T, locks *KeyLocks, n uint64) {
	t.Helper()
	m := locks.get(testKey)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		issued := m.next
		m.mu.Unlock()
		if issued >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("ticket %d never issued", n)
}

func TestKeyLocks_IndependentKeys(t *testing.T) {
	var locks KeyLocks
	release := locks.Acquire(testKey)
	defer release()

	done := make(chan struct{})
	go func() {
		r := locks.Acquire(model.SeriesKey{Symbol: "NSE:other", TF: 60})
		r()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("a held key blocked another key")
	}
}

func TestEngine_PrunedSeriesCounters(t *testing.T) {
	const held = 150
	candles := walk(11, 1500)
	e := New(structure.Config{Strength: 1})
	for i := 1; i <= len(candles); i++ {
		e.Update(testKey, candles[max(0, i-held):i])
	}

	swings := e.Swings(testKey, SwingFilter{})
	if len(swings) > held {
		t.Fatalf("%d swings held for %d candles", len(swings), held)
	}
	floor := candles[len(candles)-held].Index
	if swings[0].Index < floor {
		t.Errorf("swing %d survived below the first held candle %d", swings[0].Index, floor)
	}

	var want Summary
	e.read(testKey, func(ks *keyState) { want = recount(ks.p, ks.summary.LastIndex) })
	got := e.Summary(testKey)
	got.Evicted = 0
	if got != want {
		t.Errorf("counters drifted from the held state:\n got %+v\nwant %+v", got, want)
	}
}

func TestEngine_EventsFollowMutationOrder(t *testing.T) {
	candles := walk(6, 600)
	rec := &recorder{}
	e := New(structure.Config{Strength: 1}, WithObserver(rec))

	var wg sync.WaitGroup
	for w := 0; w < 3; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 1; i <= len(candles); i++ {
				e.Update(testKey, candles[:i])
				if i%25 == 0 {
					e.UpgradeSweep(testKey, candles[:i])
				}
			}
		}()
	}
	wg.Wait()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	var prev *structure.Swing
	n := 0
	for _, ev := range rec.events {
		if ev.Kind != EventSwing {
			continue
		}
		n++
		if prev != nil && (ev.Swing.Index < prev.Index ||
			(ev.Swing.Index == prev.Index && ev.Swing.Type == prev.Type)) {
			t.Fatalf("swing event %d/%s delivered after %d/%s", ev.Swing.Index, ev.Swing.Type, prev.Index, prev.Type)
		}
		prev = ev.Swing
	}
	if want := len(e.Swings(testKey, SwingFilter{})); n != want {
		t.Errorf("expected %d swing events, got %d", want, n)
	}
}
