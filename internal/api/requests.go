package api

import (
	"marketstructure/internal/engine"
	"marketstructure/internal/model"
	"marketstructure/internal/structure"
)

// SeriesQuery selects one (symbol, TF) key. It is embedded by every
// per-key query.
type SeriesQuery struct {
	Symbol string `query:"symbol" json:"symbol" validate:"required"`
	TF     int    `query:"tf" json:"tf" default:"60" validate:"gt=0"`
}

func (q SeriesQuery) key() model.SeriesKey {
	return model.SeriesKey{Symbol: q.Symbol, TF: q.TF}
}

type swingsQuery struct {
	SeriesQuery
	Type   string `query:"type" validate:"omitempty,oneof=HIGH LOW"`
	Latest bool   `query:"latest"`
}

func (q swingsQuery) filter() engine.SwingFilter {
	return engine.SwingFilter{Type: structure.SwingType(q.Type), Latest: q.Latest}
}

type breakoutsQuery struct {
	SeriesQuery
	Kind        string `query:"kind" validate:"omitempty,oneof=WICK CLOSE SUSTAINED"`
	Direction   string `query:"direction" validate:"omitempty,oneof=BULLISH BEARISH"`
	CHoCH       *bool  `query:"choch"`
	MinStrength int    `query:"min_strength" validate:"gte=0,lte=3"`
}

func (q breakoutsQuery) filter() engine.BreakoutFilter {
	return engine.BreakoutFilter{
		Kind:            structure.BreakKind(q.Kind),
		Direction:       structure.BreakDirection(q.Direction),
		CharacterChange: q.CHoCH,
		MinStrength:     q.MinStrength,
	}
}

type levelsQuery struct {
	SeriesQuery
	Type   string `query:"type" validate:"omitempty,oneof=EQH EQL"`
	Status string `query:"status" validate:"omitempty,oneof=ACTIVE SWEPT BROKEN"`
}

func (q levelsQuery) filter() engine.LevelFilter {
	return engine.LevelFilter{Type: structure.LevelType(q.Type), Status: structure.LevelStatus(q.Status)}
}

type latestLevelQuery struct {
	SeriesQuery
	Active bool `query:"active"`
}

type biasQuery struct {
	SeriesQuery
	AsOf int64 `query:"as_of" validate:"gte=0"`
}

// redetectRequest is the JSON body of POST /api/redetect.
type redetectRequest struct {
	Symbol string `json:"symbol" validate:"required"`
	TF     int    `json:"tf" default:"60" validate:"gt=0"`
}
