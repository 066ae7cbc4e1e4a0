package structengine

import (
	"context"
	"log"
	"time"

	"marketstructure/internal/engine"
	"marketstructure/internal/model"
)

// enqueueSnapshot asks the snapshot worker to persist key. It never blocks
// the detection path: with a full queue the request is dropped and the key
// waits for the next checkpoint.
func (svc *Service) enqueueSnapshot(key model.SeriesKey) {
	svc.markDirty(key)
	select {
	case svc.snapCh <- key:
	default:
		svc.prom.SnapshotQueueDrop.Inc()
		log.Printf("[structengine] WARNING: snapshot queue full, %s deferred to next checkpoint", key)
	}
}

func (svc *Service) markDirty(key model.SeriesKey) {
	svc.mu.Lock()
	svc.dirty[key] = true
	svc.mu.Unlock()
}

// takeDirty returns the keys to checkpoint and clears the dirty set. With
// all set, every known key is returned.
func (svc *Service) takeDirty(all bool) []model.SeriesKey {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	var keys []model.SeriesKey
	if all {
		keys = svc.engine.Keys()
	} else {
		for k := range svc.dirty {
			keys = append(keys, k)
		}
	}
	svc.dirty = make(map[model.SeriesKey]bool)
	return keys
}

// snapshotWorker writes queued keys to Redis until ctx is cancelled.
func (svc *Service) snapshotWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case key := <-svc.snapCh:
			snap, ok := svc.engine.Snapshot(key, time.Now().Unix())
			if !ok {
				continue
			}
			svc.saveRedis(ctx, snap)
		}
	}
}

// checkpointLoop periodically saves changed keys to Redis and SQLite.
func (svc *Service) checkpointLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(svc.cfg.SnapshotIntervalS) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := svc.checkpoint(ctx, false); n > 0 {
				log.Printf("[structengine] checkpoint saved (%d keys)", n)
			}
		}
	}
}

// checkpoint saves the dirty keys, or every key when all is set, to both
// stores. It returns the number of keys snapshotted.
func (svc *Service) checkpoint(ctx context.Context, all bool) int {
	n := 0
	now := time.Now().Unix()
	for _, key := range svc.takeDirty(all) {
		snap, ok := svc.engine.Snapshot(key, now)
		if !ok {
			continue
		}
		svc.saveRedis(ctx, snap)
		svc.saveSQLite(snap)
		n++
	}
	return n
}

func (svc *Service) saveRedis(ctx context.Context, snap *engine.KeySnapshot) {
	if svc.redisWriter == nil {
		return
	}
	err := svc.breaker.Execute(func() error {
		return svc.redisWriter.SaveSnapshot(ctx, snap)
	})
	if err != nil {
		svc.prom.SnapshotSaves.WithLabelValues("redis", "error").Inc()
		log.Printf("[structengine] redis snapshot %s: %v", snap.Key, err)
		// keep it for the next checkpoint
		svc.markDirty(snap.Key)
		return
	}
	svc.prom.SnapshotSaves.WithLabelValues("redis", "ok").Inc()
}

func (svc *Service) saveSQLite(snap *engine.KeySnapshot) {
	if svc.sqlWriter == nil {
		return
	}
	if err := svc.sqlWriter.SaveSnapshot(snap); err != nil {
		svc.prom.SnapshotSaves.WithLabelValues("sqlite", "error").Inc()
		svc.health.SetSQLiteOK(false)
		log.Printf("[structengine] sqlite snapshot %s: %v", snap.Key, err)
		return
	}
	svc.prom.SnapshotSaves.WithLabelValues("sqlite", "ok").Inc()
}

// sweepLoop re-evaluates pending confirmations of every key on a ticker and
// refreshes the gauges.
func (svc *Service) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(svc.cfg.SweepIntervalS) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			svc.sweep()
		}
	}
}

// sweep runs one upgrade pass over all keys and returns how many changed.
func (svc *Service) sweep() int {
	changed := 0
	for _, key := range svc.engine.Keys() {
		start := time.Now()
		ch := svc.engine.UpgradeSweep(key, svc.candles.Candles(key))
		svc.prom.DetectDuration.WithLabelValues("sweep").Observe(time.Since(start).Seconds())
		if !ch.Empty() {
			changed++
			svc.enqueueSnapshot(key)
		}
	}
	svc.updateGauges()
	return changed
}
