package sqlite

import (
	"database/sql"
	"fmt"
	"log"

	"marketstructure/internal/engine"

	_ "github.com/mattn/go-sqlite3"
)

const defaultKeepSnapshots = 10

// Writer persists structure snapshots. It is the durable copy behind the
// Redis snapshot keys.
type Writer struct {
	db   *sql.DB
	keep int
}

// DB returns the underlying sql.DB for health checks.
func (w *Writer) DB() *sql.DB { return w.db }

func open(path string) (*sql.DB, error) {
	return sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
}

// NewWriter opens the database in WAL mode and creates the schema. keep is
// the number of snapshots retained per key (10 when zero).
func NewWriter(path string, keep int) (*Writer, error) {
	db, err := open(path)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	if keep <= 0 {
		keep = defaultKeepSnapshots
	}
	log.Printf("[sqlite] opened database at %s", path)
	return &Writer{db: db, keep: keep}, nil
}

// createSchema creates the snapshot table and, when this process is the
// first to open the file, the candle table the candle producer writes.
func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS candles_tf (
			token      TEXT    NOT NULL,
			exchange   TEXT    NOT NULL,
			tf         INTEGER NOT NULL,
			ts         INTEGER NOT NULL,
			open       INTEGER NOT NULL,
			high       INTEGER NOT NULL,
			low        INTEGER NOT NULL,
			close      INTEGER NOT NULL,
			volume     INTEGER,
			count      INTEGER,
			PRIMARY KEY (exchange, token, tf, ts)
		);

		CREATE TABLE IF NOT EXISTS structure_snapshots (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			series     TEXT    NOT NULL,
			version    INTEGER NOT NULL,
			saved_at   INTEGER NOT NULL,
			data       TEXT    NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_structure_snapshots_series
			ON structure_snapshots (series, id);
	`)
	return err
}

// SaveSnapshot appends snap and prunes the key's older snapshots down to
// the retention count, in one transaction.
func (w *Writer) SaveSnapshot(snap *engine.KeySnapshot) error {
	data, err := snap.Encode()
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", snap.Key, err)
	}
	series := snap.Key.String()

	tx, err := w.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO structure_snapshots (series, version, saved_at, data) VALUES (?, ?, ?, ?)`,
		series, snap.Version, snap.SavedAt, string(data),
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlite insert snapshot %s: %w", series, err)
	}
	if _, err := tx.Exec(`
		DELETE FROM structure_snapshots
		WHERE series = ? AND id NOT IN (
			SELECT id FROM structure_snapshots WHERE series = ? ORDER BY id DESC LIMIT ?
		)`, series, series, w.keep,
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlite prune snapshots %s: %w", series, err)
	}
	return tx.Commit()
}

// Close closes the database.
func (w *Writer) Close() error {
	return w.db.Close()
}
