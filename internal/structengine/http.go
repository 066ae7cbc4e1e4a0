package structengine

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"time"

	"marketstructure/internal/api"
	"marketstructure/internal/metrics"
	"marketstructure/internal/model"
	"marketstructure/internal/notification"
)

// handler builds the REST, websocket, health and metrics routes.
func (svc *Service) handler() http.Handler {
	s := &api.Server{
		Engine:  svc.engine,
		Candles: svc.candles,
		Hub:     svc.hub,
		Health:  svc.health,
		Metrics: svc.prom,
		Log:     slog.Default(),
		OnRedetect: func(key model.SeriesKey) {
			svc.enqueueSnapshot(key)
		},
	}
	return s.Routes()
}

// startHTTP launches the HTTP server in a goroutine.
func (svc *Service) startHTTP() *http.Server {
	srv := &http.Server{
		Addr:              svc.cfg.HTTPAddr,
		Handler:           svc.handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("[structengine] HTTP server on %s (/api/*, /ws, /healthz, /metrics)", svc.cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[structengine] HTTP server error: %v", err)
		}
	}()
	return srv
}

// buildNotifier always logs alerts and adds the webhook and Telegram
// channels that are configured.
func buildNotifier(cfg Config) notification.Notifier {
	multi := notification.Multi{notification.NewLogNotifier()}
	if cfg.WebhookURL != "" {
		multi = append(multi, notification.NewWebhookNotifier(cfg.WebhookURL))
	}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		multi = append(multi, notification.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID))
	}
	return multi
}

// countingNotifier records delivery results.
type countingNotifier struct {
	next notification.Notifier
	m    *metrics.Metrics
}

func (c *countingNotifier) Send(ctx context.Context, alert notification.Alert) error {
	err := c.next.Send(ctx, alert)
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.m.NotificationsTotal.WithLabelValues(result).Inc()
	return err
}
