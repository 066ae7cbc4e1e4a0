// Package api serves the structure engine's REST queries and its websocket
// event stream.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"marketstructure/internal/engine"
	"marketstructure/internal/metrics"
	"marketstructure/internal/model"
	"marketstructure/internal/structure"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CandleSource supplies the current candle sequence of a key.
type CandleSource interface {
	Candles(key model.SeriesKey) []model.Candle
}

// Server holds the handlers' dependencies.
type Server struct {
	Engine  *engine.Engine
	Candles CandleSource
	Hub     *Hub                  // nil disables /ws
	Health  *metrics.HealthStatus // nil disables /healthz
	Metrics *metrics.Metrics      // nil disables request timing and /metrics
	Log     *slog.Logger

	// OnRedetect runs after a successful POST /api/redetect, e.g. to
	// persist the rebuilt state.
	OnRedetect func(key model.SeriesKey)
}

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

// Routes returns the HTTP handler with every endpoint registered.
func (s *Server) Routes() http.Handler {
	if s.Log == nil {
		s.Log = slog.Default()
	}
	s.Log = s.Log.With(slog.String("component", "api"))

	mux := http.NewServeMux()
	s.handle(mux, "/api/keys", s.keys)
	s.handle(mux, "/api/swings", s.swings)
	s.handle(mux, "/api/breakouts", s.breakouts)
	s.handle(mux, "/api/levels", s.levels)
	s.handle(mux, "/api/levels/latest", s.latestLevel)
	s.handle(mux, "/api/setups", s.setups)
	s.handle(mux, "/api/summary", s.summary)
	s.handle(mux, "/api/bias", s.bias)
	s.handle(mux, "/api/redetect", s.redetect)
	if s.Hub != nil {
		mux.HandleFunc("/ws", s.Hub.ServeWS)
	}
	if s.Health != nil {
		mux.Handle("/healthz", s.Health)
	}
	if s.Metrics != nil {
		mux.Handle("/metrics", promhttp.Handler())
	}
	return mux
}

func (s *Server) handle(mux *http.ServeMux, route string, h http.HandlerFunc) {
	mux.HandleFunc(route, func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		start := time.Now()
		h(w, r)
		if s.Metrics != nil {
			s.Metrics.APIRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	})
}

type errorBody struct {
	Error   string            `json:"error"`
	Details []ValidationError `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter, errs []ValidationError) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request", Details: errs})
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed"})
	return false
}

type keyInfo struct {
	Key    string `json:"key"`
	Symbol string `json:"symbol"`
	TF     int    `json:"tf"`
}

func (s *Server) keys(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	keys := s.Engine.Keys()
	out := make([]keyInfo, len(keys))
	for i, k := range keys {
		out[i] = keyInfo{Key: k.String(), Symbol: k.Symbol, TF: k.TF}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) swings(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	var q swingsQuery
	if errs := bindAndValidate(w, r, &q); errs != nil {
		badRequest(w, errs)
		return
	}
	writeJSON(w, http.StatusOK, s.Engine.Swings(q.key(), q.filter()))
}

func (s *Server) breakouts(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	var q breakoutsQuery
	if errs := bindAndValidate(w, r, &q); errs != nil {
		badRequest(w, errs)
		return
	}
	writeJSON(w, http.StatusOK, s.Engine.Breakouts(q.key(), q.filter()))
}

func (s *Server) levels(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	var q levelsQuery
	if errs := bindAndValidate(w, r, &q); errs != nil {
		badRequest(w, errs)
		return
	}
	writeJSON(w, http.StatusOK, s.Engine.Levels(q.key(), q.filter()))
}

type latestLevelBody struct {
	Key   string           `json:"key"`
	Level *structure.Level `json:"level"`
}

func (s *Server) latestLevel(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	var q latestLevelQuery
	if errs := bindAndValidate(w, r, &q); errs != nil {
		badRequest(w, errs)
		return
	}
	var (
		l  structure.Level
		ok bool
	)
	if q.Active {
		l, ok = s.Engine.LatestActiveLevel(q.key())
	} else {
		l, ok = s.Engine.LatestLevel(q.key())
	}
	body := latestLevelBody{Key: q.key().String()}
	if ok {
		body.Level = &l
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) setups(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	var q SeriesQuery
	if errs := bindAndValidate(w, r, &q); errs != nil {
		badRequest(w, errs)
		return
	}
	writeJSON(w, http.StatusOK, s.Engine.Setups(q.key(), s.Candles.Candles(q.key())))
}

func (s *Server) summary(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	var q SeriesQuery
	if errs := bindAndValidate(w, r, &q); errs != nil {
		badRequest(w, errs)
		return
	}
	writeJSON(w, http.StatusOK, s.Engine.Summary(q.key()))
}

type biasBody struct {
	Key  string                  `json:"key"`
	AsOf int64                   `json:"as_of"`
	Bias *structure.BiasSnapshot `json:"bias"`
}

// bias reports the prevailing breakout as of a candle index; without
// as_of it uses the key's newest candle.
func (s *Server) bias(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	var q biasQuery
	if errs := bindAndValidate(w, r, &q); errs != nil {
		badRequest(w, errs)
		return
	}
	asOf := q.AsOf
	if asOf == 0 {
		asOf = s.Engine.Summary(q.key()).LastIndex
	}
	writeJSON(w, http.StatusOK, biasBody{Key: q.key().String(), AsOf: asOf, Bias: s.Engine.Bias(q.key(), asOf)})
}

func (s *Server) redetect(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req redetectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, []ValidationError{{Code: "ERR_PARSE", Message: "invalid JSON: " + err.Error()}})
		return
	}
	if errs := finish(r.Context(), &req); errs != nil {
		badRequest(w, errs)
		return
	}
	key := model.SeriesKey{Symbol: req.Symbol, TF: req.TF}
	candles := s.Candles.Candles(key)
	if len(candles) == 0 {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no candles for " + key.String()})
		return
	}
	start := time.Now()
	s.Engine.Redetect(key, candles)
	if s.OnRedetect != nil {
		s.OnRedetect(key)
	}
	s.Log.Info("redetect requested",
		slog.String("key", key.String()),
		slog.Int("candles", len(candles)),
		slog.Duration("took", time.Since(start)))
	writeJSON(w, http.StatusOK, s.Engine.Summary(key))
}
