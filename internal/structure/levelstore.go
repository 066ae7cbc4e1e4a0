package structure

// LevelStore keeps the levels of one key in creation order together with the
// pair-identity set used to reject duplicates. Both are trimmed in the same
// call that inserts past a bound.
type LevelStore struct {
	maxLevels int
	maxAge    int64 // seconds, 0 disables

	levels []*Level
	ids    map[LevelID]*Level

	latestActive *Level
}

// NewLevelStore creates a store bounded by maxLevels entries and maxAge
// seconds of candle time.
func NewLevelStore(maxLevels int, maxAge int64) *LevelStore {
	if maxLevels <= 0 {
		maxLevels = DefaultMaxLevels
	}
	if maxAge < 0 {
		maxAge = 0
	}
	return &LevelStore{
		maxLevels: maxLevels,
		maxAge:    maxAge,
		ids:       make(map[LevelID]*Level),
	}
}

// Has reports whether a level with this identity is stored.
func (s *LevelStore) Has(id LevelID) bool {
	_, ok := s.ids[id]
	return ok
}

// Insert appends l and evicts what no longer fits. Evicted levels are
// returned oldest first; l itself may be among them when MaxAge is tiny.
func (s *LevelStore) Insert(l *Level) []*Level {
	id := l.ID()
	if _, dup := s.ids[id]; dup {
		return nil
	}
	s.levels = append(s.levels, l)
	s.ids[id] = l
	if l.Status == StatusActive {
		s.latestActive = l
	}

	drop := 0
	if over := len(s.levels) - s.maxLevels; over > 0 {
		drop = over
	}
	if s.maxAge > 0 {
		cutoff := l.CreatedAt - s.maxAge
		for drop < len(s.levels) && s.levels[drop].CreatedAt < cutoff {
			drop++
		}
	}
	if drop == 0 {
		return nil
	}
	evicted := make([]*Level, drop)
	copy(evicted, s.levels[:drop])
	for _, e := range evicted {
		delete(s.ids, e.ID())
	}
	n := copy(s.levels, s.levels[drop:])
	for i := n; i < len(s.levels); i++ {
		s.levels[i] = nil
	}
	s.levels = s.levels[:n]
	s.refreshLatestActive()
	return evicted
}

// refreshLatestActive recomputes the newest ACTIVE level. It runs at the
// mutation sites so lookups stay O(1).
func (s *LevelStore) refreshLatestActive() {
	s.latestActive = nil
	for i := len(s.levels) - 1; i >= 0; i-- {
		if s.levels[i].Status == StatusActive {
			s.latestActive = s.levels[i]
			return
		}
	}
}

// Latest returns the most recently created level.
func (s *LevelStore) Latest() *Level {
	if len(s.levels) == 0 {
		return nil
	}
	return s.levels[len(s.levels)-1]
}

// LatestActive returns the most recently created level still ACTIVE.
func (s *LevelStore) LatestActive() *Level { return s.latestActive }

// Get returns the level with this identity.
func (s *LevelStore) Get(id LevelID) (*Level, bool) {
	l, ok := s.ids[id]
	return l, ok
}

// Len returns the number of stored levels.
func (s *LevelStore) Len() int { return len(s.levels) }

// All returns the stored levels in creation order. The slice and the levels
// are owned by the store.
func (s *LevelStore) All() []*Level { return s.levels }

// load replaces the contents without applying eviction.
func (s *LevelStore) load(levels []Level) {
	s.levels = make([]*Level, 0, len(levels))
	s.ids = make(map[LevelID]*Level, len(levels))
	for i := range levels {
		l := levels[i].Clone()
		if _, dup := s.ids[l.ID()]; dup {
			continue
		}
		s.levels = append(s.levels, &l)
		s.ids[l.ID()] = &l
	}
	s.refreshLatestActive()
}
