package engine

import "marketstructure/internal/structure"

// SwingFilter selects swings. Zero value matches everything.
type SwingFilter struct {
	Type   structure.SwingType
	Latest bool // only the newest swing of each matching type
}

func (f SwingFilter) apply(swings []structure.Swing) []structure.Swing {
	out := make([]structure.Swing, 0, len(swings))
	if f.Latest {
		var hi, lo *structure.Swing
		for i := range swings {
			if swings[i].Type == structure.SwingHigh {
				hi = &swings[i]
			} else {
				lo = &swings[i]
			}
		}
		// keep candle order between the two
		for _, s := range []*structure.Swing{hi, lo} {
			if s != nil && (f.Type == "" || s.Type == f.Type) {
				out = append(out, *s)
			}
		}
		if len(out) == 2 && out[1].Index < out[0].Index {
			out[0], out[1] = out[1], out[0]
		}
		return out
	}
	for _, s := range swings {
		if f.Type == "" || s.Type == f.Type {
			out = append(out, s)
		}
	}
	return out
}

// BreakoutFilter selects breakouts. Zero value matches everything.
type BreakoutFilter struct {
	Kind            structure.BreakKind
	Direction       structure.BreakDirection
	CharacterChange *bool
	MinStrength     int
}

func (f BreakoutFilter) match(b *structure.Breakout) bool {
	if f.Kind != "" && b.Kind != f.Kind {
		return false
	}
	if f.Direction != "" && b.Direction != f.Direction {
		return false
	}
	if f.CharacterChange != nil && b.IsCharacterChange != *f.CharacterChange {
		return false
	}
	return b.StrengthRank >= f.MinStrength
}

// LevelFilter selects levels. Zero value matches everything.
type LevelFilter struct {
	Type   structure.LevelType
	Status structure.LevelStatus
}

func (f LevelFilter) match(l *structure.Level) bool {
	if f.Type != "" && l.Type != f.Type {
		return false
	}
	return f.Status == "" || l.Status == f.Status
}
