package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"marketstructure/internal/engine"

	goredis "github.com/go-redis/redis/v8"
)

const (
	eventStreamMaxLen  = 1000
	defaultSnapshotTTL = 24 * time.Hour
)

// Writer publishes structure events and stores snapshots.
type Writer struct {
	client      *goredis.Client
	snapshotTTL time.Duration
}

// NewWriter connects and pings the server. Snapshots are kept for
// snapshotTTL (24h when zero); SQLite holds the durable copy.
func NewWriter(cfg Config, snapshotTTL time.Duration) (*Writer, error) {
	client, err := connect(cfg)
	if err != nil {
		return nil, err
	}
	if snapshotTTL <= 0 {
		snapshotTTL = defaultSnapshotTTL
	}
	log.Printf("[redis] writer connected to %s", cfg.Addr)
	return &Writer{client: client, snapshotTTL: snapshotTTL}, nil
}

// PublishEvents writes a batch of events in one pipeline: each event is
// appended to its key's capped event stream and published on its channel.
// Rebuilt events also refresh the cached summary.
func (w *Writer) PublishEvents(ctx context.Context, events []engine.Event) error {
	if len(events) == 0 {
		return nil
	}
	pipe := w.client.Pipeline()
	for i := range events {
		ev := &events[i]
		data := string(ev.JSON())
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: EventStream(ev.Key),
			MaxLen: eventStreamMaxLen,
			Approx: true,
			Values: map[string]interface{}{"data": data},
		})
		pipe.Publish(ctx, EventChannel(ev.Key), data)
		if ev.Summary != nil {
			b, _ := json.Marshal(ev.Summary)
			pipe.Set(ctx, SummaryKey(ev.Key), string(b), 0)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis event pipeline (%d events): %w", len(events), err)
	}
	return nil
}

// SaveSnapshot stores snap under its key with the writer's TTL.
func (w *Writer) SaveSnapshot(ctx context.Context, snap *engine.KeySnapshot) error {
	data, err := snap.Encode()
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", snap.Key, err)
	}
	if err := w.client.Set(ctx, SnapshotKey(snap.Key), data, w.snapshotTTL).Err(); err != nil {
		return fmt.Errorf("redis set snapshot %s: %w", snap.Key, err)
	}
	return nil
}

// Close closes the client.
func (w *Writer) Close() error {
	return w.client.Close()
}
