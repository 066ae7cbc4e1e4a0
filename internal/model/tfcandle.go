package model

import (
	"encoding/json"
	"strconv"
	"time"
)

// TFCandle is a resampled OHLC candle as published on the candle streams.
// TF is the timeframe duration in seconds (e.g., 60 = 1 minute).
// All prices are in paise (int64) to avoid floating-point drift on the wire.
type TFCandle struct {
	Token    string    `json:"token"`
	Exchange string    `json:"exchange"`
	TF       int       `json:"tf"`      // timeframe in seconds
	TS       time.Time `json:"ts"`      // bucket start time (UTC, TF-aligned)
	Open     int64     `json:"open"`    // paise
	High     int64     `json:"high"`    // paise
	Low      int64     `json:"low"`     // paise
	Close    int64     `json:"close"`   // paise
	Volume   int64     `json:"volume"`  // cumulative quantity
	Count    int       `json:"count"`   // number of 1s candles merged
	Forming  bool      `json:"forming"` // true if bucket is still open
}

// Key returns "exchange:token".
func (c *TFCandle) Key() string {
	return c.Exchange + ":" + c.Token
}

// SeriesKey returns the (symbol, TF) pipeline key this candle belongs to.
func (c *TFCandle) SeriesKey() SeriesKey {
	return SeriesKey{Symbol: c.Key(), TF: c.TF}
}

// StreamKey returns the Redis stream key: "candle:{TF}s:{exchange}:{token}".
func (c *TFCandle) StreamKey() string {
	return "candle:" + strconv.Itoa(c.TF) + "s:" + c.Exchange + ":" + c.Token
}

// ToCandle converts the stream candle into a pipeline candle. Prices move
// from paise to rupees and Index becomes the bucket ordinal TS/TF, which is
// strictly increasing and keeps gaps when buckets are missing.
func (c *TFCandle) ToCandle() Candle {
	tf := int64(c.TF)
	if tf <= 0 {
		tf = 1
	}
	ts := c.TS.Unix()
	return Candle{
		Index: ts / tf,
		Time:  ts,
		Open:  float64(c.Open) / 100,
		High:  float64(c.High) / 100,
		Low:   float64(c.Low) / 100,
		Close: float64(c.Close) / 100,
	}
}

// JSON returns the JSON-encoded TF candle.
func (c *TFCandle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}
