package engine

import (
	"encoding/json"

	"marketstructure/internal/model"
	"marketstructure/internal/structure"
)

// EventKind names what changed.
type EventKind string

const (
	EventSwing           EventKind = "swing"
	EventBreakout        EventKind = "breakout"
	EventBreakoutUpgrade EventKind = "breakout_upgrade"
	EventLevelCreated    EventKind = "level_created"
	EventLevelStatus     EventKind = "level_status"
	EventLevelBOSUpgrade EventKind = "level_bos_upgrade"
	EventLevelEvicted    EventKind = "level_evicted"
	EventRebuilt         EventKind = "rebuilt"
)

// Event is one notification about a key's structure.
type Event struct {
	Kind     EventKind           `json:"kind"`
	Key      model.SeriesKey     `json:"key"`
	Swing    *structure.Swing    `json:"swing,omitempty"`
	Breakout *structure.Breakout `json:"breakout,omitempty"`
	Level    *structure.Level    `json:"level,omitempty"`
	From     string              `json:"from,omitempty"`
	To       string              `json:"to,omitempty"`
	Summary  *Summary            `json:"summary,omitempty"`
}

// JSON returns the JSON-encoded event (ignoring errors for hot-path usage).
func (e *Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Observer receives engine events. OnEvent is called on the detection path
// while the key's lock is held; implementations must not block or call back
// into the engine for the same key.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// eventsFor flattens a change set into events in pipeline order.
func eventsFor(key model.SeriesKey, ch *structure.Changes) []Event {
	var out []Event
	for i := range ch.Swings {
		s := ch.Swings[i]
		out = append(out, Event{Kind: EventSwing, Key: key, Swing: &s})
	}
	for i := range ch.Breakouts {
		c := ch.Breakouts[i]
		b := c.Breakout
		ev := Event{Kind: EventBreakout, Key: key, Breakout: &b, To: string(b.Kind)}
		if c.FromRank > 0 {
			ev.Kind = EventBreakoutUpgrade
			ev.From = string(kindOfRank(c.FromRank))
		}
		out = append(out, ev)
	}
	for i := range ch.Levels {
		l := ch.Levels[i]
		out = append(out, Event{Kind: EventLevelCreated, Key: key, Level: &l, To: string(l.Status)})
	}
	for i := range ch.Evicted {
		l := ch.Evicted[i]
		out = append(out, Event{Kind: EventLevelEvicted, Key: key, Level: &l})
	}
	for i := range ch.Transitions {
		tr := ch.Transitions[i]
		l := tr.Level
		out = append(out, Event{Kind: EventLevelStatus, Key: key, Level: &l, From: string(tr.From), To: string(tr.To)})
	}
	for i := range ch.BosUpgrades {
		l := ch.BosUpgrades[i]
		out = append(out, Event{Kind: EventLevelBOSUpgrade, Key: key, Level: &l,
			From: string(structure.BreakClose), To: string(structure.BreakSustained)})
	}
	return out
}

func kindOfRank(rank int) structure.BreakKind {
	switch rank {
	case 1:
		return structure.BreakWick
	case 2:
		return structure.BreakClose
	case 3:
		return structure.BreakSustained
	}
	return ""
}
