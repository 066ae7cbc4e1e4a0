package redis

import "marketstructure/internal/model"

// Key layout shared with the candle producer and dashboard consumers.
const (
	candlePrefix   = "candle:"
	snapshotPrefix = "struct:snapshot:"
	eventsPrefix   = "struct:events:"
	summaryPrefix  = "struct:summary:"
	channelPrefix  = "pub:struct:"
)

// CandleStream returns the TF candle stream of key: "candle:{tf}s:{exchange}:{token}".
func CandleStream(key model.SeriesKey) string { return candlePrefix + key.String() }

// SnapshotKey returns where key's structure snapshot is stored.
func SnapshotKey(key model.SeriesKey) string { return snapshotPrefix + key.String() }

// EventStream returns the capped stream holding key's recent structure events.
func EventStream(key model.SeriesKey) string { return eventsPrefix + key.String() }

// SummaryKey returns where key's latest summary is cached.
func SummaryKey(key model.SeriesKey) string { return summaryPrefix + key.String() }

// EventChannel returns the PubSub channel for key's structure events.
func EventChannel(key model.SeriesKey) string { return channelPrefix + key.String() }

// KeyOfStream parses a candle stream name back into its series key.
func KeyOfStream(stream string) (model.SeriesKey, bool) {
	if len(stream) <= len(candlePrefix) || stream[:len(candlePrefix)] != candlePrefix {
		return model.SeriesKey{}, false
	}
	k, err := model.ParseSeriesKey(stream[len(candlePrefix):])
	return k, err == nil
}
