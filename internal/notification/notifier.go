// Package notification delivers structure alerts (broken levels, changes of
// character, sustained breaks) to external channels.
package notification

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"marketstructure/internal/engine"
	"marketstructure/internal/structure"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level   AlertLevel       `json:"level"`
	Key     string           `json:"key"`
	Kind    engine.EventKind `json:"kind"`
	Title   string           `json:"title"`
	Message string           `json:"message"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier logs alerts instead of delivering them.
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	log.Printf("[notify] [%s] %s %s: %s", alert.Level, alert.Key, alert.Title, alert.Message)
	return nil
}

// Multi sends every alert to all notifiers and joins their errors.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AlertFor maps an engine event to an alert. Only broken levels, sustained
// level breaks and change-of-character breakouts confirmed by a close are
// worth an alert.
func AlertFor(ev engine.Event) (Alert, bool) {
	a := Alert{Key: ev.Key.String(), Kind: ev.Kind}
	switch ev.Kind {
	case engine.EventLevelStatus:
		l := ev.Level
		if l == nil || l.Status != structure.StatusBroken || l.BrokenBy == nil {
			return Alert{}, false
		}
		a.Level = AlertWarning
		a.Title = fmt.Sprintf("%s broken", l.Type)
		a.Message = fmt.Sprintf("zone %.2f-%.2f closed through at %.2f (candle %d)",
			l.ZoneBottom, l.ZoneTop, l.BrokenBy.ClosePrice, l.BrokenBy.CandleIndex)
	case engine.EventLevelBOSUpgrade:
		l := ev.Level
		if l == nil || l.BrokenBy == nil {
			return Alert{}, false
		}
		a.Level = AlertInfo
		a.Title = fmt.Sprintf("%s break sustained", l.Type)
		a.Message = fmt.Sprintf("zone %.2f-%.2f, break close %.2f confirmed",
			l.ZoneBottom, l.ZoneTop, l.BrokenBy.ClosePrice)
	case engine.EventBreakout, engine.EventBreakoutUpgrade:
		b := ev.Breakout
		if b == nil || !b.IsCharacterChange || b.StrengthRank < 2 {
			return Alert{}, false
		}
		// upgrades past CLOSE were already announced
		if ev.Kind == engine.EventBreakoutUpgrade && ev.From != string(structure.BreakWick) {
			return Alert{}, false
		}
		a.Level = AlertCritical
		a.Title = fmt.Sprintf("%s change of character", b.Direction)
		a.Message = fmt.Sprintf("%s %s swing at %.2f broken by close %.2f",
			b.Swing.Direction, b.Swing.Type, b.Swing.Price, b.BrokenBy)
	default:
		return Alert{}, false
	}
	return a, true
}

// Dispatch sends alerts for events read from ch until ctx is done or ch is
// closed. Each send gets its own timeout; failures are logged and dropped.
func Dispatch(ctx context.Context, ch <-chan engine.Event, n Notifier, timeout time.Duration) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			alert, ok := AlertFor(ev)
			if !ok {
				continue
			}
			sendCtx, cancel := context.WithTimeout(ctx, timeout)
			if err := n.Send(sendCtx, alert); err != nil {
				log.Printf("[notify] delivery failed for %s: %v", alert.Key, err)
			}
			cancel()
		}
	}
}
