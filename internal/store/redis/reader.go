package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"marketstructure/internal/engine"
	"marketstructure/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const replayPage = 1000

// Config configures a Redis connection.
type Config struct {
	Addr          string
	Password      string
	DB            int
	ConsumerGroup string // e.g. "structengine"
	ConsumerName  string // unique per process, e.g. hostname
}

func connect(cfg Config) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// Reader consumes confirmed TF candles from the candle streams through a
// consumer group and loads structure snapshots.
type Reader struct {
	client   *goredis.Client
	group    string
	consumer string
}

// NewReader connects and pings the server.
func NewReader(cfg Config) (*Reader, error) {
	client, err := connect(cfg)
	if err != nil {
		return nil, err
	}
	group := cfg.ConsumerGroup
	if group == "" {
		group = "structengine"
	}
	consumer := cfg.ConsumerName
	if consumer == "" {
		consumer = "worker-1"
	}
	log.Printf("[redis-reader] connected to %s (group=%s, consumer=%s)", cfg.Addr, group, consumer)
	return &Reader{client: client, group: group, consumer: consumer}, nil
}

// Client returns the underlying client for health checks.
func (r *Reader) Client() *goredis.Client { return r.client }

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// EnsureGroup creates the consumer group on every stream, starting at new
// messages. Existing groups are left alone.
func (r *Reader) EnsureGroup(ctx context.Context, streams []string) error {
	for _, s := range streams {
		err := r.client.XGroupCreateMkStream(ctx, s, r.group, "$").Err()
		if err != nil && !isBusyGroup(err) {
			return fmt.Errorf("xgroup create %s: %w", s, err)
		}
	}
	return nil
}

// decodeTFCandle parses the "data" field of a candle stream entry.
func decodeTFCandle(values map[string]interface{}) (model.TFCandle, error) {
	var tfc model.TFCandle
	data, ok := values["data"].(string)
	if !ok {
		return tfc, errors.New("stream entry without data field")
	}
	if err := json.Unmarshal([]byte(data), &tfc); err != nil {
		return tfc, fmt.Errorf("unmarshal TF candle: %w", err)
	}
	if tfc.TF <= 0 || tfc.Token == "" {
		return tfc, fmt.Errorf("TF candle missing tf or token: %s", data)
	}
	return tfc, nil
}

// deliver decodes and forwards one entry, acking it afterwards. Bad entries
// are acked too so they are not redelivered forever.
func (r *Reader) deliver(ctx context.Context, stream string, msg goredis.XMessage, out chan<- model.TFCandle) error {
	tfc, err := decodeTFCandle(msg.Values)
	if err != nil {
		log.Printf("[redis-reader] %s %s: %v", stream, msg.ID, err)
		r.client.XAck(ctx, stream, r.group, msg.ID)
		return nil
	}
	if tfc.Forming {
		r.client.XAck(ctx, stream, r.group, msg.ID)
		return nil
	}
	select {
	case out <- tfc:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.client.XAck(ctx, stream, r.group, msg.ID)
	return nil
}

// Consume blocks on XREADGROUP and sends confirmed candles to out until ctx
// is cancelled.
func (r *Reader) Consume(ctx context.Context, streams []string, out chan<- model.TFCandle) error {
	args := make([]string, len(streams)*2)
	for i, s := range streams {
		args[i] = s
		args[len(streams)+i] = ">"
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := r.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    r.group,
			Consumer: r.consumer,
			Streams:  args,
			Count:    100,
			Block:    2 * time.Second,
		}).Result()
		if err != nil {
			if err == goredis.Nil || ctx.Err() != nil {
				continue
			}
			log.Printf("[redis-reader] xreadgroup: %v", err)
			time.Sleep(500 * time.Millisecond)
			continue
		}
		for _, st := range res {
			for _, msg := range st.Messages {
				if err := r.deliver(ctx, st.Stream, msg, out); err != nil {
					return err
				}
			}
		}
	}
}

// RecoverPending re-delivers entries this consumer read but never acked
// before a restart.
func (r *Reader) RecoverPending(ctx context.Context, streams []string, out chan<- model.TFCandle) error {
	for _, s := range streams {
		for {
			res, err := r.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
				Group:    r.group,
				Consumer: r.consumer,
				Streams:  []string{s, "0"},
				Count:    100,
			}).Result()
			if err != nil {
				if err != goredis.Nil {
					log.Printf("[redis-reader] pending %s: %v", s, err)
				}
				break
			}
			if len(res) == 0 || len(res[0].Messages) == 0 {
				break
			}
			for _, msg := range res[0].Messages {
				if err := r.deliver(ctx, s, msg, out); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Replay reads every confirmed candle of stream whose bucket starts after
// afterTS (unix seconds), in stream order. It is used to backfill a series
// after a restore; it does not touch the consumer group.
func (r *Reader) Replay(ctx context.Context, stream string, afterTS int64) ([]model.TFCandle, error) {
	var out []model.TFCandle
	start := "-"
	for {
		msgs, err := r.client.XRangeN(ctx, stream, start, "+", replayPage).Result()
		if err != nil {
			return out, fmt.Errorf("xrange %s: %w", stream, err)
		}
		for _, msg := range msgs {
			tfc, err := decodeTFCandle(msg.Values)
			if err != nil || tfc.Forming || tfc.TS.Unix() <= afterTS {
				continue
			}
			out = append(out, tfc)
		}
		if len(msgs) < replayPage {
			return out, nil
		}
		start = "(" + msgs[len(msgs)-1].ID
	}
}

// DiscoverStreams lists the candle streams of the given timeframes. With no
// symbols it scans for every stream of those timeframes.
func (r *Reader) DiscoverStreams(ctx context.Context, tfs []int, symbols []string) ([]string, error) {
	var streams []string
	for _, tf := range tfs {
		if len(symbols) > 0 {
			for _, sym := range symbols {
				s := CandleStream(model.SeriesKey{Symbol: sym, TF: tf})
				n, err := r.client.Exists(ctx, s).Result()
				if err != nil {
					return streams, fmt.Errorf("exists %s: %w", s, err)
				}
				if n > 0 {
					streams = append(streams, s)
				}
			}
			continue
		}
		iter := r.client.Scan(ctx, 0, candlePrefix+strconv.Itoa(tf)+"s:*", 200).Iterator()
		for iter.Next(ctx) {
			s := iter.Val()
			// skip "candle:{tf}s:latest:..." keys
			if strings.Contains(s, ":latest:") {
				continue
			}
			streams = append(streams, s)
		}
		if err := iter.Err(); err != nil {
			return streams, fmt.Errorf("scan tf %d: %w", tf, err)
		}
	}
	return streams, nil
}

// LoadSnapshot returns key's stored snapshot, or nil when there is none.
func (r *Reader) LoadSnapshot(ctx context.Context, key model.SeriesKey) (*engine.KeySnapshot, error) {
	data, err := r.client.Get(ctx, SnapshotKey(key)).Bytes()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get snapshot %s: %w", key, err)
	}
	return engine.DecodeSnapshot(data)
}

// Close closes the client.
func (r *Reader) Close() error {
	return r.client.Close()
}
