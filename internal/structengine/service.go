// Package structengine runs the market structure engine as a service: it
// restores per-key state, backfills candle history, consumes live TF
// candles from Redis and serves the results over HTTP and websockets.
package structengine

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"marketstructure/internal/api"
	"marketstructure/internal/bus"
	"marketstructure/internal/engine"
	"marketstructure/internal/metrics"
	"marketstructure/internal/model"
	"marketstructure/internal/notification"
	"marketstructure/internal/series"
	redisstore "marketstructure/internal/store/redis"
	sqlitestore "marketstructure/internal/store/sqlite"
)

// Service is the top-level orchestrator for the structure engine.
// It wires all dependencies, manages lifecycle, and coordinates goroutines.
type Service struct {
	cfg Config
	log *slog.Logger

	engine  *engine.Engine
	candles *series.Store
	prom    *metrics.Metrics
	health  *metrics.HealthStatus
	fanout  *bus.FanOut
	hub     *api.Hub
	notify  notification.Notifier

	redisReader *redisstore.Reader
	redisWriter *redisstore.Writer
	breaker     *redisstore.CircuitBreaker
	sqlReader   *sqlitestore.Reader
	sqlWriter   *sqlitestore.Writer

	streams    []string
	tfCandleCh chan model.TFCandle
	snapCh     chan model.SeriesKey

	mu    sync.Mutex
	dirty map[model.SeriesKey]bool // changed since the last durable checkpoint
}

// newService builds everything that does not talk to Redis or SQLite.
func newService(cfg Config, reg prometheus.Registerer) *Service {
	svc := &Service{
		cfg:        cfg,
		log:        slog.Default().With(slog.String("component", "structengine")),
		candles:    series.NewStore(cfg.MaxCandles),
		prom:       metrics.NewMetrics(reg),
		health:     metrics.NewHealthStatus(),
		fanout:     bus.New(cfg.EventBuffer),
		hub:        api.NewHub(),
		tfCandleCh: make(chan model.TFCandle, 5000),
		snapCh:     make(chan model.SeriesKey, cfg.SnapshotQueue),
		dirty:      make(map[model.SeriesKey]bool),
	}
	svc.health.SetTFs(cfg.EnabledTFs)

	svc.fanout.OnDrop = func(idx int) {
		label := "input"
		if idx >= 0 {
			label = strconv.Itoa(idx)
		}
		svc.prom.FanoutDropsTotal.WithLabelValues(label).Inc()
	}
	svc.hub.OnClientCount = func(n int) {
		svc.prom.WSClients.Set(float64(n))
	}
	svc.notify = &countingNotifier{next: buildNotifier(cfg), m: svc.prom}

	observer := engine.ObserverFunc(func(ev engine.Event) {
		svc.prom.EventsTotal.WithLabelValues(string(ev.Kind)).Inc()
		svc.fanout.OnEvent(ev)
	})
	svc.engine = engine.New(cfg.Structure, engine.WithObserver(observer), engine.WithLogger(slog.Default()))
	return svc
}

// New creates a new Service from the given Config.
// It connects to Redis and opens SQLite; SQLite failures are not fatal.
func New(cfg Config) (*Service, error) {
	svc := newService(cfg, nil)

	rcfg := redisstore.Config{
		Addr:          cfg.RedisAddr,
		Password:      cfg.RedisPassword,
		DB:            cfg.RedisDB,
		ConsumerGroup: cfg.ConsumerGroup,
		ConsumerName:  cfg.ConsumerName,
	}
	var err error
	svc.redisReader, err = redisstore.NewReader(rcfg)
	if err != nil {
		return nil, err
	}
	svc.redisWriter, err = redisstore.NewWriter(rcfg, cfg.SnapshotTTL)
	if err != nil {
		svc.redisReader.Close()
		return nil, err
	}
	svc.health.SetRedisConnected(true)

	svc.breaker = redisstore.NewCircuitBreaker(5, 10*time.Second)
	svc.breaker.OnStateChange = func(from, to redisstore.State) {
		svc.prom.RedisCircuitState.Set(float64(to))
		if to == redisstore.StateOpen {
			svc.prom.RedisCircuitTrips.Inc()
		}
	}

	if dir := filepath.Dir(cfg.SQLitePath); dir != "" {
		os.MkdirAll(dir, 0o755)
	}
	svc.sqlWriter, err = sqlitestore.NewWriter(cfg.SQLitePath, cfg.SnapshotKeep)
	if err != nil {
		log.Printf("[structengine] WARNING: sqlite writer init failed: %v (snapshots kept in Redis only)", err)
		svc.sqlWriter = nil
	}
	svc.sqlReader, err = sqlitestore.NewReader(cfg.SQLitePath)
	if err != nil {
		log.Printf("[structengine] WARNING: sqlite reader init failed: %v (continuing without SQLite backfill)", err)
		svc.sqlReader = nil
	}
	svc.health.SetSQLiteOK(svc.sqlWriter != nil)

	return svc, nil
}

// Run starts all subsystems and blocks until ctx is cancelled.
func (svc *Service) Run(ctx context.Context) error {
	cfg := svc.cfg
	log.Println("[structengine] starting Market Structure Engine...")

	svc.streams = svc.buildStreams(ctx)
	log.Printf("[structengine] consuming from %d streams: %v", len(svc.streams), svc.streams)

	// The group must exist before the backfill replay so candles landing
	// in between are delivered to the consumer; duplicates are rejected
	// by the series ordering check.
	if len(svc.streams) > 0 {
		if err := svc.redisReader.EnsureGroup(ctx, svc.streams); err != nil {
			log.Printf("[structengine] WARNING: consumer group setup: %v", err)
		}
	}

	svc.restoreAndBackfill(ctx)

	// Subscribers attach before the fan-out starts delivering.
	publisher := redisstore.NewBufferedPublisher(ctx, svc.redisWriter, svc.breaker, cfg.RedisBufferMax)
	publisher.OnBuffer = func(n int) { svc.prom.RedisBufferedEvents.Add(float64(n)) }
	publisher.OnDrop = func(n int) { svc.prom.RedisBufferDrops.Add(float64(n)) }
	go publisher.Run(ctx, svc.fanout.Subscribe())
	go svc.hub.Run(ctx, svc.fanout.Subscribe())
	go notification.Dispatch(ctx, svc.fanout.Subscribe(), svc.notify, 10*time.Second)
	go svc.fanout.Run(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		svc.snapshotWorker(ctx)
	}()
	go svc.processLoop(ctx)
	go svc.checkpointLoop(ctx)
	go svc.sweepLoop(ctx)

	if len(svc.streams) > 0 {
		if err := svc.redisReader.RecoverPending(ctx, svc.streams, svc.tfCandleCh); err != nil {
			log.Printf("[structengine] pending recovery error: %v", err)
		}
	}
	svc.startConsumer(ctx)

	svc.health.StartLivenessChecker(ctx, svc.redisReader.Client(), svc.sqlDB(), 10*time.Second)
	srv := svc.startHTTP()
	var metricsSrv *metrics.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = metrics.NewServer(cfg.MetricsAddr, svc.health)
		metricsSrv.Start()
	}

	log.Printf("[structengine] all systems running: %d keys, TFs %v, strength %d, checkpoint every %ds",
		len(svc.engine.Keys()), cfg.EnabledTFs, svc.engine.Config().Strength, cfg.SnapshotIntervalS)

	<-ctx.Done()

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Printf("[structengine] HTTP shutdown: %v", err)
	}
	if metricsSrv != nil {
		if err := metricsSrv.Stop(shutCtx); err != nil {
			log.Printf("[structengine] metrics shutdown: %v", err)
		}
	}
	wg.Wait()
	svc.shutdown(shutCtx)
	return nil
}

func (svc *Service) sqlDB() *sql.DB {
	if svc.sqlWriter == nil {
		return nil
	}
	return svc.sqlWriter.DB()
}

// shutdown saves a final snapshot of every key and closes connections.
func (svc *Service) shutdown(ctx context.Context) {
	log.Println("[structengine] shutdown signal received, saving final snapshots...")
	n := svc.checkpoint(ctx, true)
	log.Printf("[structengine] final snapshots saved for %d keys", n)

	if svc.sqlReader != nil {
		svc.sqlReader.Close()
	}
	if svc.sqlWriter != nil {
		svc.sqlWriter.Close()
	}
	svc.redisWriter.Close()
	svc.redisReader.Close()
	log.Println("[structengine] shutdown complete.")
}

// buildStreams returns the candle streams to consume. Configured symbols
// get their streams named directly (the group setup creates missing ones);
// otherwise existing streams of the enabled TFs are discovered.
func (svc *Service) buildStreams(ctx context.Context) []string {
	var streams []string
	if len(svc.cfg.SubscribeTokenKeys) > 0 {
		for _, tf := range svc.cfg.EnabledTFs {
			for _, sym := range svc.cfg.SubscribeTokenKeys {
				streams = append(streams, redisstore.CandleStream(model.SeriesKey{Symbol: sym, TF: tf}))
			}
		}
		return streams
	}
	streams, err := svc.redisReader.DiscoverStreams(ctx, svc.cfg.EnabledTFs, nil)
	if err != nil {
		log.Printf("[structengine] stream discovery: %v", err)
	}
	return streams
}

// seriesKeys lists every key to warm up: one per stream plus any key with
// candle history in SQLite.
func (svc *Service) seriesKeys() []model.SeriesKey {
	seen := make(map[model.SeriesKey]bool)
	var keys []model.SeriesKey
	add := func(k model.SeriesKey) {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for _, s := range svc.streams {
		if k, ok := redisstore.KeyOfStream(s); ok {
			add(k)
		}
	}
	if svc.sqlReader != nil && len(svc.cfg.SubscribeTokenKeys) == 0 {
		stored, err := svc.sqlReader.Series(svc.cfg.EnabledTFs)
		if err != nil {
			log.Printf("[structengine] sqlite series listing: %v", err)
		}
		for _, k := range stored {
			add(k)
		}
	}
	return keys
}

// restoreAndBackfill brings every key up to date before live consumption.
func (svc *Service) restoreAndBackfill(ctx context.Context) {
	keys := svc.seriesKeys()
	total := 0
	for _, key := range keys {
		if ctx.Err() != nil {
			return
		}
		restored := svc.restoreKey(ctx, key)
		candles := svc.history(ctx, key)
		if rejected := svc.candles.Load(key, candles); rejected > 0 {
			svc.prom.CandlesRejected.WithLabelValues("backfill").Add(float64(rejected))
			log.Printf("[structengine] %s: %d backfill candles rejected", key, rejected)
		}
		loaded := svc.candles.Candles(key)
		total += len(loaded)

		start := time.Now()
		if restored {
			svc.engine.Update(key, loaded)
			svc.prom.DetectDuration.WithLabelValues("incremental").Observe(time.Since(start).Seconds())
		} else {
			svc.engine.Detect(key, loaded)
			svc.prom.DetectDuration.WithLabelValues("full").Observe(time.Since(start).Seconds())
		}
		svc.markDirty(key)
	}
	svc.updateGauges()
	log.Printf("[structengine] backfilled %d candles across %d keys", total, len(keys))
}

// restoreKey installs the newest snapshot of key from Redis, then SQLite.
// It reports whether state was restored.
func (svc *Service) restoreKey(ctx context.Context, key model.SeriesKey) bool {
	snap, err := svc.redisReader.LoadSnapshot(ctx, key)
	source := "redis"
	if err != nil {
		log.Printf("[structengine] %s: redis snapshot read error: %v", key, err)
	}
	if snap == nil && svc.sqlReader != nil {
		source = "sqlite"
		snap, err = svc.sqlReader.LatestSnapshot(key)
		if err != nil {
			log.Printf("[structengine] %s: sqlite snapshot read error: %v", key, err)
		}
	}
	if snap == nil {
		svc.prom.RestoresTotal.WithLabelValues("cold").Inc()
		return false
	}
	if err := svc.engine.Restore(snap); err != nil {
		log.Printf("[structengine] %s: %v; running full detection", key, err)
		svc.prom.RestoresTotal.WithLabelValues("cold").Inc()
		return false
	}
	svc.prom.RestoresTotal.WithLabelValues(source).Inc()
	return true
}

// history loads key's candles: the newest rows from SQLite, then whatever
// the Redis stream holds after them.
func (svc *Service) history(ctx context.Context, key model.SeriesKey) []model.Candle {
	var (
		out    []model.Candle
		lastTS int64
	)
	if svc.sqlReader != nil {
		rows, err := svc.sqlReader.ReadTFCandles(key, 0, svc.cfg.BackfillLimit)
		if err != nil {
			log.Printf("[structengine] %s: sqlite backfill: %v", key, err)
		}
		for i := range rows {
			out = append(out, rows[i].ToCandle())
		}
		if len(rows) > 0 {
			lastTS = rows[len(rows)-1].TS.Unix()
		}
	}
	replayed, err := svc.redisReader.Replay(ctx, redisstore.CandleStream(key), lastTS)
	if err != nil {
		log.Printf("[structengine] %s: redis replay: %v", key, err)
	}
	for i := range replayed {
		out = append(out, replayed[i].ToCandle())
	}
	return out
}

// updateGauges refreshes the key and level gauges from the engine summaries.
func (svc *Service) updateGauges() {
	keys := svc.engine.Keys()
	svc.prom.KeysTracked.Set(float64(len(keys)))
	svc.health.SetKeys(len(keys))

	var active, swept, broken int
	for _, k := range keys {
		s := svc.engine.Summary(k)
		active += s.LevelsActive
		swept += s.LevelsSwept
		broken += s.LevelsBroken
	}
	svc.prom.LevelsByStatus.WithLabelValues("ACTIVE").Set(float64(active))
	svc.prom.LevelsByStatus.WithLabelValues("SWEPT").Set(float64(swept))
	svc.prom.LevelsByStatus.WithLabelValues("BROKEN").Set(float64(broken))
}
