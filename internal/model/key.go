package model

import (
	"fmt"
	"strconv"
	"strings"
)

// SeriesKey identifies one (symbol, granularity) pipeline.
// Symbol uses the "exchange:token" form of the candle streams.
type SeriesKey struct {
	Symbol string `json:"symbol"`
	TF     int    `json:"tf"` // seconds
}

// String returns "{TF}s:{symbol}", the suffix used by stream and channel names.
func (k SeriesKey) String() string {
	return strconv.Itoa(k.TF) + "s:" + k.Symbol
}

// ParseSeriesKey is the inverse of SeriesKey.String.
func ParseSeriesKey(s string) (SeriesKey, error) {
	tfPart, symbol, ok := strings.Cut(s, "s:")
	if !ok || symbol == "" {
		return SeriesKey{}, fmt.Errorf("invalid series key %q", s)
	}
	tf, err := strconv.Atoi(tfPart)
	if err != nil || tf <= 0 {
		return SeriesKey{}, fmt.Errorf("invalid series key %q: bad tf", s)
	}
	return SeriesKey{Symbol: symbol, TF: tf}, nil
}
