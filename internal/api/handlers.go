// Package api exposes the retention report endpoint and the request tracking middleware.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/coder/quartz"
	"go.uber.org/zap"

	"example.com/retention/internal/auth"
	"example.com/retention/internal/domain"
	"example.com/retention/internal/retention"
)

const (
	defaultCohortLength = 7
	maxCohortCount      = 52
)

// DefaultPeriods are the retention boundaries reported when the caller names none.
var DefaultPeriods = []int{7, 30}

// Handler serves retention reports.
type Handler struct {
	engine *retention.CohortEngine
	clock  quartz.Clock
	logger *zap.Logger
}

// NewHandler builds a Handler.
func NewHandler(engine *retention.CohortEngine, clock quartz.Clock, logger *zap.Logger) *Handler {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{engine: engine, clock: clock, logger: logger}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/retention/cohorts", h.cohorts)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// CohortsResponse is the body of GET /v1/retention/cohorts.
type CohortsResponse struct {
	Length  int                       `json:"length"`
	Periods []int                     `json:"periods"`
	Cohorts []retention.CohortSummary `json:"cohorts"`
}

func (h *Handler) cohorts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeRetentionRead) {
		writeError(w, http.StatusForbidden, "forbidden", "scope retention:read required")
		return
	}

	query := r.URL.Query()
	end := civil.DateOf(h.clock.Now().In(h.engine.Location()))
	if raw := query.Get("end"); raw != "" {
		parsed, err := civil.ParseDate(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_failed", "end must be YYYY-MM-DD")
			return
		}
		end = parsed
	}

	length, err := intParam(query.Get("length"), defaultCohortLength)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "length must be an integer")
		return
	}
	count, err := intParam(query.Get("count"), 1)
	if err != nil || count < 1 {
		writeError(w, http.StatusBadRequest, "validation_failed", "count must be a positive integer")
		return
	}
	count = min(count, maxCohortCount)

	periods := DefaultPeriods
	if raw := query.Get("periods"); raw != "" {
		periods, err = intList(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_failed", "periods must be a comma separated list of integers")
			return
		}
	}

	seq, err := h.engine.Cohorts(end, length, periods)
	if err != nil {
		h.fail(w, err)
		return
	}

	resp := CohortsResponse{Length: length, Cohorts: make([]retention.CohortSummary, 0, count)}
	resp.Periods, _ = retention.Normalize(periods)
	for cohort := range seq {
		summary, err := retention.Summarize(r.Context(), cohort)
		if err != nil {
			h.fail(w, err)
			return
		}
		resp.Cohorts = append(resp.Cohorts, summary)
		if len(resp.Cohorts) == count {
			break
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, domain.ErrValidation) {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}
	h.logger.Error("build retention report", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "server_error", "unable to build report")
}

func intParam(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func intList(raw string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		value, err := strconv.Atoi(part)
		if err != nil {
			return nil, err
		}
		out = append(out, value)
	}
	return out, nil
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
