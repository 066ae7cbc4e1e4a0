package engine

import "marketstructure/internal/structure"

// Summary holds per-key aggregate counts. It is maintained at the call sites
// that mutate a pipeline and recounted only after a full rebuild or restore.
type Summary struct {
	SwingHighs int `json:"swing_highs"`
	SwingLows  int `json:"swing_lows"`

	BreakoutsWick      int `json:"breakouts_wick"`
	BreakoutsClose     int `json:"breakouts_close"`
	BreakoutsSustained int `json:"breakouts_sustained"`
	CharacterChanges   int `json:"character_changes"`

	LevelsEQH    int `json:"levels_eqh"`
	LevelsEQL    int `json:"levels_eql"`
	LevelsActive int `json:"levels_active"`
	LevelsSwept  int `json:"levels_swept"`
	LevelsBroken int `json:"levels_broken"`
	Sustained    int `json:"levels_sustained"`

	// Evicted counts every level dropped from the store since the last
	// rebuild. Pruned swings and breakouts are only subtracted.
	Evicted int `json:"evicted"`

	LastIndex int64 `json:"last_index"`
}

func (s *Summary) addSwing(sw *structure.Swing, d int) {
	if sw.Type == structure.SwingHigh {
		s.SwingHighs += d
	} else {
		s.SwingLows += d
	}
}

func (s *Summary) addKind(k structure.BreakKind, d int) {
	switch k {
	case structure.BreakWick:
		s.BreakoutsWick += d
	case structure.BreakClose:
		s.BreakoutsClose += d
	case structure.BreakSustained:
		s.BreakoutsSustained += d
	}
}

func (s *Summary) addStatus(st structure.LevelStatus, d int) {
	switch st {
	case structure.StatusActive:
		s.LevelsActive += d
	case structure.StatusSwept:
		s.LevelsSwept += d
	case structure.StatusBroken:
		s.LevelsBroken += d
	}
}

func (s *Summary) addLevel(l *structure.Level, d int) {
	if l.Type == structure.LevelEQH {
		s.LevelsEQH += d
	} else {
		s.LevelsEQL += d
	}
	s.addStatus(l.Status, d)
	if l.BrokenBy != nil && l.BrokenBy.BosKind == structure.BreakSustained {
		s.Sustained += d
	}
}

// apply folds one change set into the counters.
func (s *Summary) apply(ch *structure.Changes) {
	for i := range ch.Swings {
		s.addSwing(&ch.Swings[i], 1)
	}
	for _, c := range ch.Breakouts {
		if c.FromRank == 0 {
			if c.Breakout.IsCharacterChange {
				s.CharacterChanges++
			}
		} else {
			s.addKind(kindOfRank(c.FromRank), -1)
		}
		s.addKind(c.Breakout.Kind, 1)
	}
	for i := range ch.Levels {
		s.addLevel(&ch.Levels[i], 1)
	}
	for i := range ch.Evicted {
		s.addLevel(&ch.Evicted[i], -1)
		s.Evicted++
	}
	for _, tr := range ch.Transitions {
		s.addStatus(tr.From, -1)
		s.addStatus(tr.To, 1)
	}
	s.Sustained += len(ch.BosUpgrades)
	for i := range ch.EvictedSwings {
		s.addSwing(&ch.EvictedSwings[i], -1)
	}
	for i := range ch.EvictedBreakouts {
		b := &ch.EvictedBreakouts[i]
		s.addKind(b.Kind, -1)
		if b.IsCharacterChange {
			s.CharacterChanges--
		}
	}
}

// recount rebuilds the counters from a pipeline's current contents.
func recount(p *structure.Pipeline, lastIndex int64) Summary {
	s := Summary{LastIndex: lastIndex}
	for _, sw := range p.Swings() {
		sw := sw
		s.addSwing(&sw, 1)
	}
	for _, b := range p.Breakouts() {
		s.addKind(b.Kind, 1)
		if b.IsCharacterChange {
			s.CharacterChanges++
		}
	}
	for _, l := range p.Levels() {
		s.addLevel(l, 1)
	}
	return s
}
