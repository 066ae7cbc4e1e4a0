package sqlite

import (
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"marketstructure/internal/engine"
	"marketstructure/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Reader provides read-only access for candle backfill and snapshot restore.
type Reader struct {
	db *sql.DB
}

// NewReader opens a read connection.
func NewReader(path string) (*Reader, error) {
	db, err := open(path)
	if err != nil {
		return nil, fmt.Errorf("sqlite open reader: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)

	log.Printf("[sqlite-reader] opened %s", path)
	return &Reader{db: db}, nil
}

// ReadTFCandles returns the last limit candles of key with a bucket start
// after afterTS, oldest first. limit <= 0 means no limit.
func (r *Reader) ReadTFCandles(key model.SeriesKey, afterTS int64, limit int) ([]model.TFCandle, error) {
	exchange, token := splitSymbol(key.Symbol)
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.Query(`
		SELECT token, exchange, tf, ts, open, high, low, close, volume, count FROM (
			SELECT token, exchange, tf, ts, open, high, low, close, volume, count
			FROM candles_tf
			WHERE exchange = ? AND token = ? AND tf = ? AND ts > ?
			ORDER BY ts DESC
			LIMIT ?
		) ORDER BY ts ASC
	`, exchange, token, key.TF, afterTS, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query candles_tf %s: %w", key, err)
	}
	defer rows.Close()

	var out []model.TFCandle
	for rows.Next() {
		var (
			c             model.TFCandle
			ts            int64
			volume, count sql.NullInt64
		)
		if err := rows.Scan(&c.Token, &c.Exchange, &c.TF, &ts, &c.Open, &c.High, &c.Low, &c.Close, &volume, &count); err != nil {
			return nil, fmt.Errorf("sqlite scan candles_tf: %w", err)
		}
		c.TS = time.Unix(ts, 0).UTC()
		c.Volume, c.Count = volume.Int64, int(count.Int64)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Series lists the (symbol, TF) keys with candles for the given timeframes.
func (r *Reader) Series(tfs []int) ([]model.SeriesKey, error) {
	var out []model.SeriesKey
	for _, tf := range tfs {
		rows, err := r.db.Query(`SELECT DISTINCT exchange, token FROM candles_tf WHERE tf = ? ORDER BY exchange, token`, tf)
		if err != nil {
			return nil, fmt.Errorf("sqlite list series tf %d: %w", tf, err)
		}
		for rows.Next() {
			var exchange, token string
			if err := rows.Scan(&exchange, &token); err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, model.SeriesKey{Symbol: exchange + ":" + token, TF: tf})
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// LatestSnapshot loads key's newest snapshot, migrating older schema
// versions. It returns nil when there is none.
func (r *Reader) LatestSnapshot(key model.SeriesKey) (*engine.KeySnapshot, error) {
	var data string
	err := r.db.QueryRow(`
		SELECT data FROM structure_snapshots
		WHERE series = ?
		ORDER BY id DESC
		LIMIT 1
	`, key.String()).Scan(&data)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlite read snapshot %s: %w", key, err)
	}
	return engine.DecodeSnapshot([]byte(data))
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.db.Close()
}

// splitSymbol splits "exchange:token"; a bare token has no exchange.
func splitSymbol(symbol string) (exchange, token string) {
	if ex, tok, ok := strings.Cut(symbol, ":"); ok {
		return ex, tok
	}
	return "", symbol
}
