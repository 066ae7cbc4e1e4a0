package structengine

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"strconv"
	"time"

	"marketstructure/internal/logger"
	"marketstructure/internal/model"
	"marketstructure/internal/series"
)

// startConsumer starts the Redis stream XREADGROUP consumer in a goroutine.
func (svc *Service) startConsumer(ctx context.Context) {
	if len(svc.streams) == 0 {
		log.Println("[structengine] WARNING: no candle streams to consume")
		svc.health.SetConsumerOK(false)
		return
	}
	svc.health.SetConsumerOK(true)
	go func() {
		err := svc.redisReader.Consume(ctx, svc.streams, svc.tfCandleCh)
		if err != nil && ctx.Err() == nil {
			log.Printf("[structengine] consumer error: %v", err)
			svc.health.SetConsumerOK(false)
		}
	}()
}

// processLoop consumes TF candles from the channel until ctx is done.
func (svc *Service) processLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case tfc, ok := <-svc.tfCandleCh:
			if !ok {
				return
			}
			svc.ingest(ctx, tfc)
		}
	}
}

// ingest appends one confirmed candle to its series and advances the key's
// structure. Malformed and out-of-order candles are counted and skipped.
// It reports whether the candle was accepted.
func (svc *Service) ingest(ctx context.Context, tfc model.TFCandle) bool {
	if tfc.Forming {
		return false
	}
	key := tfc.SeriesKey()
	c := tfc.ToCandle()
	ctx = logger.WithTraceID(ctx, logger.CandleTraceID(key.String(), tfc.TS))

	if _, err := svc.candles.Append(key, c); err != nil {
		reason := "malformed"
		if errors.Is(err, series.ErrOutOfOrder) {
			reason = "out_of_order"
		}
		svc.prom.CandlesRejected.WithLabelValues(reason).Inc()
		svc.log.Debug("candle rejected",
			append(logger.Attrs(ctx), slog.String("reason", reason), slog.String("err", err.Error()))...)
		return false
	}
	svc.prom.CandlesIngested.WithLabelValues(strconv.Itoa(tfc.TF)).Inc()
	svc.health.SetLastCandleTime(time.Now())

	start := time.Now()
	ch := svc.engine.Update(key, svc.candles.Candles(key))
	elapsed := time.Since(start)
	svc.prom.DetectDuration.WithLabelValues("incremental").Observe(elapsed.Seconds())

	if !ch.Empty() {
		svc.log.Debug("structure changed",
			append(logger.Attrs(ctx),
				slog.Int("swings", len(ch.Swings)),
				slog.Int("breakouts", len(ch.Breakouts)),
				slog.Int("levels", len(ch.Levels)),
				slog.Int("transitions", len(ch.Transitions)),
				slog.Duration("took", elapsed))...)
		svc.enqueueSnapshot(key)
	}
	return true
}
