// Package server exposes the ingest HTTP surface: lifecycle events in,
// watcher signals in, aggregate totals and operational stats out.
//
// DESIGN: Each request is one invocation in the event-driven model: one
// event batch or one signal, bounded by the server's deadlines. Responses are
// chosen so an at-least-once delivery mechanism does the right thing: 2xx
// acknowledges, 5xx triggers redelivery, and redelivery is always safe.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/qubitops/costguard/internal/aggregator"
	"github.com/qubitops/costguard/internal/config"
	"github.com/qubitops/costguard/internal/enforcer"
	"github.com/qubitops/costguard/internal/metrics"
	"github.com/qubitops/costguard/internal/pipeline"
	"github.com/qubitops/costguard/internal/pricing"
	"github.com/qubitops/costguard/internal/watcher"
)

// maxBodySize bounds ingest request bodies (4MB).
const maxBodySize = 4 * 1024 * 1024

// Server handles the ingest endpoints.
type Server struct {
	pipeline   *pipeline.Pipeline
	aggregator *aggregator.Aggregator
	controller *enforcer.Controller
	counters   *metrics.Counters
}

// New creates the ingest server.
func New(p *pipeline.Pipeline, agg *aggregator.Aggregator, ctrl *enforcer.Controller, counters *metrics.Counters) *Server {
	return &Server{
		pipeline:   p,
		aggregator: agg,
		controller: ctrl,
		counters:   counters,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/events", s.handleEvents)
	mux.HandleFunc("POST /v1/signals", s.handleSignals)
	mux.HandleFunc("GET /v1/aggregates", s.handleAggregates)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// ListenAndServe runs the server until the listener fails.
func (s *Server) ListenAndServe(cfg config.ServerConfig) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout.Std(),
		WriteTimeout: cfg.WriteTimeout.Std(),
	}
	log.Info().Str("addr", srv.Addr).Msg("server: listening")
	return srv.ListenAndServe()
}

type eventBatchResponse struct {
	Processed  int `json:"processed"`
	Recorded   int `json:"recorded"`
	Duplicates int `json:"duplicates"`
	Ignored    int `json:"ignored"`
	Failed     int `json:"failed"`
}

// handleEvents ingests one event or an array of events. Any failed event
// makes the whole batch a 500 so the delivery mechanism redelivers it;
// already-processed events in the batch then no-op on the ledger conflict.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		return
	}

	var events [][]byte
	parsed := gjson.ParseBytes(body)
	if parsed.IsArray() {
		for _, item := range parsed.Array() {
			events = append(events, []byte(item.Raw))
		}
	} else {
		events = append(events, body)
	}

	var resp eventBatchResponse
	for _, raw := range events {
		resp.Processed++
		outcome, perr := s.pipeline.ProcessEvent(r.Context(), raw)
		switch outcome {
		case pipeline.OutcomeRecorded:
			resp.Recorded++
		case pipeline.OutcomeDuplicate:
			resp.Duplicates++
		case pipeline.OutcomeIgnored:
			resp.Ignored++
		case pipeline.OutcomeFailed:
			resp.Failed++
			log.Warn().Err(perr).Msg("server: event left unprocessed")
		}
	}

	status := http.StatusOK
	if resp.Failed > 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, resp)
}

// handleSignals ingests one watcher signal.
func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		return
	}

	var sig watcher.Signal
	if err := json.Unmarshal(body, &sig); err != nil {
		http.Error(w, "invalid signal payload", http.StatusBadRequest)
		return
	}
	if sig.WatcherID == "" {
		http.Error(w, "watcherId is required", http.StatusBadRequest)
		return
	}

	if err := s.controller.HandleSignal(r.Context(), sig); err != nil {
		if errors.Is(err, enforcer.ErrActionFailed) {
			// Intended state is recorded; reconciliation converges later.
			// Surface the failure for operator visibility.
			writeJSON(w, http.StatusBadGateway, map[string]string{
				"status": "accepted",
				"error":  err.Error(),
			})
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}

type aggregateResponse struct {
	Bin           string    `json:"bin"`
	TotalCostUSD  float64   `json:"total_cost_usd"`
	TaskCount     int64     `json:"task_count"`
	LastUpdatedAt time.Time `json:"last_updated_at,omitzero"`
}

// handleAggregates reads totals for a bin, e.g. ?bin=ALL or ?bin=2026-08.
func (s *Server) handleAggregates(w http.ResponseWriter, r *http.Request) {
	bin := r.URL.Query().Get("bin")
	if bin == "" {
		bin = aggregator.AllTimeBin
	}

	totals, err := s.aggregator.Totals(r.Context(), bin)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, aggregateResponse{
		Bin:           totals.Bin,
		TotalCostUSD:  pricing.USD(totals.TotalCostNano),
		TaskCount:     totals.TaskCount,
		LastUpdatedAt: totals.LastUpdatedAt,
	})
}

type statsResponse struct {
	Uptime        string           `json:"uptime"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	StartedAt     string           `json:"started_at"`
	Counters      map[string]int64 `json:"counters"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	uptime := time.Since(s.counters.StartedAt())
	writeJSON(w, http.StatusOK, statsResponse{
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: int64(uptime.Seconds()),
		StartedAt:     s.counters.StartedAt().Format(time.RFC3339),
		Counters:      s.counters.Stats(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body := http.MaxBytesReader(w, r.Body, maxBodySize)
	defer func() { _ = body.Close() }()

	buf, err := io.ReadAll(body)
	if err != nil {
		http.Error(w, "request body too large or unreadable", http.StatusBadRequest)
		return nil, err
	}
	if len(buf) == 0 {
		http.Error(w, "empty body", http.StatusBadRequest)
		return nil, errors.New("empty body")
	}
	return buf, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("server: response encoding failed")
	}
}
