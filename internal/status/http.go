// Package status exposes the scheduled aggregator's liveness and run history
// over HTTP and the standard gRPC health service.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/stuartshay/device-aggregator/internal/ledger"
)

// Checker is a dependency whose reachability decides /healthz.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status  string            `json:"status"`
	Service string            `json:"service"`
	Uptime  string            `json:"uptime"`
	Checks  map[string]string `json:"checks"`
	Runs    map[string]int    `json:"runs,omitempty"`
}

// RunsResponse is the body of GET /runs.
type RunsResponse struct {
	Runs   []*ledger.Run `json:"runs"`
	Count  int           `json:"count"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

const (
	defaultLimit = 20
	maxLimit     = 500
	checkTimeout = 3 * time.Second
)

// Handler serves the HTTP status API.
type Handler struct {
	service string
	ledger  ledger.Store
	checks  map[string]Checker
	started time.Time
}

// NewHandler builds a Handler. checks maps a dependency name to its probe.
func NewHandler(service string, store ledger.Store, checks map[string]Checker) *Handler {
	return &Handler{
		service: service,
		ledger:  store,
		checks:  checks,
		started: time.Now(),
	}
}

// Router returns a mux.Router with every status route registered.
func (h *Handler) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", h.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/runs", h.handleListRuns).Methods(http.MethodGet)
	router.HandleFunc("/runs/{id}", h.handleGetRun).Methods(http.MethodGet)
	return router
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	resp := HealthResponse{
		Status:  "healthy",
		Service: h.service,
		Uptime:  time.Since(h.started).Round(time.Second).String(),
		Checks:  make(map[string]string, len(h.checks)),
	}
	code := http.StatusOK

	for name, check := range h.checks {
		if err := check.HealthCheck(ctx); err != nil {
			log.Warn().Err(err).Str("dependency", name).Msg("Health check failed")
			resp.Checks[name] = err.Error()
			resp.Status = "unhealthy"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}

	if stats, err := h.ledger.Stats(ctx); err == nil {
		resp.Runs = stats
	}

	respondJSON(w, code, resp)
}

func (h *Handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, err := intParam(q.Get("limit"), defaultLimit)
	if err != nil || limit < 0 {
		respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	if limit == 0 || limit > maxLimit {
		limit = maxLimit
	}

	offset, err := intParam(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		respondError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	status := ledger.Status(q.Get("status"))
	switch status {
	case "", ledger.StatusRunning, ledger.StatusCompleted, ledger.StatusFailed:
	default:
		respondError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(string(status)))
		return
	}

	runs, err := h.ledger.List(r.Context(), status, limit, offset)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list runs")
		respondError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	respondJSON(w, http.StatusOK, RunsResponse{
		Runs:   runs,
		Count:  len(runs),
		Limit:  limit,
		Offset: offset,
	})
}

func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	run, err := h.ledger.Get(r.Context(), id)
	if errors.Is(err, ledger.ErrNotFound) {
		respondError(w, http.StatusNotFound, "run not found: "+id)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("run_id", id).Msg("Failed to read run")
		respondError(w, http.StatusInternalServerError, "failed to read run")
		return
	}

	respondJSON(w, http.StatusOK, run)
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}
