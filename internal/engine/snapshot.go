package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"marketstructure/internal/model"
	"marketstructure/internal/structure"
)

// SnapshotVersion is the schema version written by Snapshot.
const SnapshotVersion = 2

// ErrUnknownVersion is returned for snapshots newer than this build.
var ErrUnknownVersion = errors.New("engine: unknown snapshot version")

// KeySnapshot is the persisted state of one key. Breakout records and the
// level identity set are derived from it on restore.
type KeySnapshot struct {
	Version int              `json:"version"`
	Key     model.SeriesKey  `json:"key"`
	Config  structure.Config `json:"config"`
	SavedAt int64            `json:"saved_at"` // unix seconds

	State   structure.State `json:"state"`
	Summary Summary         `json:"summary"`
}

// snapshotV1 is the first schema: swings with a resume count, full breakout
// records and levels without adverse extremes, sweep info or status bias.
type snapshotV1 struct {
	Version    int                  `json:"version"`
	Key        model.SeriesKey      `json:"key"`
	Config     structure.Config     `json:"config"`
	SavedAt    int64                `json:"saved_at"`
	Swings     []structure.Swing    `json:"swings"`
	SwingCount int                  `json:"swing_count"`
	Breakouts  []structure.Breakout `json:"breakouts"`
	Levels     []structure.Level    `json:"levels"`
}

// Snapshot captures the key's state. It returns false for unknown keys.
func (e *Engine) Snapshot(key model.SeriesKey, savedAt int64) (*KeySnapshot, bool) {
	var snap *KeySnapshot
	ok := e.read(key, func(ks *keyState) {
		snap = &KeySnapshot{
			Version: SnapshotVersion,
			Key:     key,
			Config:  ks.p.Config(),
			SavedAt: savedAt,
			State:   ks.p.State(),
			Summary: ks.summary,
		}
	})
	return snap, ok
}

// Restore installs a snapshot as the key's state, replacing what is there.
// A snapshot taken with a different strength cannot be resumed and is
// rejected so the caller falls back to a full detection.
func (e *Engine) Restore(snap *KeySnapshot) error {
	if snap == nil {
		return errors.New("engine: nil snapshot")
	}
	if snap.Config.Normalize().Strength != e.cfg.Strength {
		return fmt.Errorf("engine: snapshot for %s has strength %d, engine uses %d",
			snap.Key, snap.Config.Strength, e.cfg.Strength)
	}
	ks := e.stateOrCreate(snap.Key)
	release := e.locks.Acquire(snap.Key)
	ks.p.Load(snap.State)
	ks.summary = recount(ks.p, snap.Summary.LastIndex)
	ks.summary.Evicted = snap.Summary.Evicted
	release()

	e.log.Info("restored from snapshot",
		slog.String("key", snap.Key.String()),
		slog.Int("version", snap.Version),
		slog.Int("swings", len(snap.State.Swings)),
		slog.Int("levels", len(snap.State.Levels)))
	return nil
}

// Encode returns the JSON form of the snapshot.
func (s *KeySnapshot) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// DecodeSnapshot parses any known schema version into the current one.
// Fields absent from older records get neutral defaults.
func DecodeSnapshot(data []byte) (*KeySnapshot, error) {
	var head struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode snapshot header: %w", err)
	}
	switch {
	case head.Version <= 1:
		var v1 snapshotV1
		if err := json.Unmarshal(data, &v1); err != nil {
			return nil, fmt.Errorf("decode v1 snapshot: %w", err)
		}
		snap := migrateV1(v1)
		return &snap, nil
	case head.Version == SnapshotVersion:
		var snap KeySnapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("decode v%d snapshot: %w", head.Version, err)
		}
		snap.Config = snap.Config.Normalize()
		return &snap, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, head.Version)
}

// migrateV1 converts a v1 record without touching its input.
func migrateV1(v1 snapshotV1) KeySnapshot {
	snap := KeySnapshot{
		Version: SnapshotVersion,
		Key:     v1.Key,
		Config:  v1.Config.Normalize(),
		SavedAt: v1.SavedAt,
	}
	if v1.Config.Strength == 0 && len(v1.Swings) > 0 {
		snap.Config.Strength = v1.Swings[0].Strength
	}

	swings := make([]structure.Swing, len(v1.Swings))
	copy(swings, v1.Swings)
	var lastCentre int64
	for i := range swings {
		s := &swings[i]
		if s.ConfirmedIndex == 0 {
			s.ConfirmedIndex, s.ConfirmedAt = s.Index, s.Time
		}
		if s.Index > lastCentre {
			lastCentre = s.Index
		}
	}
	snap.State.Swings = swings
	snap.State.LastCentre = lastCentre
	snap.State.Checked = v1.SwingCount > 0 || len(swings) > 0

	byID := make(map[structure.SwingID]*structure.Breakout, len(v1.Breakouts))
	for i := range v1.Breakouts {
		b := &v1.Breakouts[i]
		byID[b.Swing.ID()] = b
	}
	snap.State.Scans = make([]structure.ScanState, 0, len(swings))
	for _, s := range swings {
		snap.State.Scans = append(snap.State.Scans, scanFromV1(s, byID[s.ID()]))
	}

	snap.State.Levels = make([]structure.Level, 0, len(v1.Levels))
	for i := range v1.Levels {
		l := v1.Levels[i].Clone()
		if l.LastScannedIndex == 0 {
			l.LastScannedIndex = l.SecondSwing.Index
			if l.BrokenBy != nil {
				l.LastScannedIndex = l.BrokenBy.CandleIndex
				l.BrokenBy.WindowSeen = 0
			}
		}
		if l.CreatedIndex == 0 {
			l.CreatedIndex, l.CreatedAt = l.SecondSwing.Index, l.SecondSwing.Time
		}
		var bos structure.BreakKind
		if l.BrokenBy != nil {
			bos = l.BrokenBy.BosKind
		}
		l.Confidence = structure.LevelConfidence(l.Status, bos)
		snap.State.Levels = append(snap.State.Levels, l)
	}
	return snap
}

// scanFromV1 reconstructs a resumable scan from a stored breakout record.
// Without a record the swing is rescanned from its own candle.
func scanFromV1(s structure.Swing, b *structure.Breakout) structure.ScanState {
	st := structure.ScanState{Swing: s, LastIndex: s.Index}
	if b == nil {
		return st
	}
	w := b.WickCandle
	if w.Index == 0 && b.Kind == structure.BreakWick {
		w = structure.CandleRef{Index: b.BreakingCandleIndex}
	}
	st.Wick = &w
	st.LastIndex = w.Index
	if len(b.ConfirmingCandles) > 0 {
		c := b.ConfirmingCandles[0]
		st.Close = &c
		st.LastIndex = c.Index
	}
	if len(b.ConfirmingCandles) > 1 {
		sus := b.ConfirmingCandles[1]
		st.Sustain = &sus
		st.LastIndex = sus.Index
		st.Done = true
	}
	return st
}
