package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/phrazzld/focusqueue/internal/api/shared"
	"github.com/phrazzld/focusqueue/internal/breaker"
	"github.com/phrazzld/focusqueue/internal/queue"
	"github.com/phrazzld/focusqueue/internal/resource"
	"github.com/phrazzld/focusqueue/internal/worker"
)

// PoolStatser reports worker pool counters. *worker.Pool satisfies it.
type PoolStatser interface {
	Stats() worker.Stats
}

// BreakerMetricser reports circuit breaker metrics. *breaker.Breaker
// satisfies it.
type BreakerMetricser interface {
	Metrics() breaker.Metrics
}

// ResourceStatuser reports the latest host sample and recent alerts.
// *resource.Controller satisfies it.
type ResourceStatuser interface {
	LastUsage() (resource.Usage, time.Time)
	AlertHistory(limit int) []resource.Alert
}

// StatsResponse aggregates every subsystem's view for GET /api/stats.
type StatsResponse struct {
	Queue     queue.Stats     `json:"queue"`
	Workers   worker.Stats    `json:"workers"`
	Breaker   breaker.Metrics `json:"breaker"`
	Resources ResourceSummary `json:"resources"`
}

// ResourceSummary is the resources section of StatsResponse.
type ResourceSummary struct {
	Usage        resource.Usage   `json:"usage"`
	SampledAt    *time.Time       `json:"sampled_at,omitempty"`
	RecentAlerts []resource.Alert `json:"recent_alerts"`
}

// StatsHandler exposes the observability surface.
type StatsHandler struct {
	store     queue.Store
	pool      PoolStatser
	breaker   BreakerMetricser
	resources ResourceStatuser
	logger    *slog.Logger
}

// NewStatsHandler creates the stats/health handler.
func NewStatsHandler(
	store queue.Store,
	pool PoolStatser,
	brk BreakerMetricser,
	resources ResourceStatuser,
	logger *slog.Logger,
) *StatsHandler {
	return &StatsHandler{
		store:     store,
		pool:      pool,
		breaker:   brk,
		resources: resources,
		logger:    logger.With("component", "stats_handler"),
	}
}

// recentAlertLimit bounds the alerts included in a stats response.
const recentAlertLimit = 10

// Stats handles GET /api/stats.
func (h *StatsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	queueStats, err := h.store.Stats(r.Context())
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusInternalServerError,
			"Failed to read queue statistics", err)
		return
	}

	resp := StatsResponse{
		Queue:   queueStats,
		Workers: h.pool.Stats(),
		Breaker: h.breaker.Metrics(),
	}

	usage, sampledAt := h.resources.LastUsage()
	resp.Resources = ResourceSummary{
		Usage:        usage,
		RecentAlerts: h.resources.AlertHistory(recentAlertLimit),
	}
	if !sampledAt.IsZero() {
		resp.Resources.SampledAt = &sampledAt
	}
	if resp.Resources.RecentAlerts == nil {
		resp.Resources.RecentAlerts = []resource.Alert{}
	}

	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}

// Health handles GET /api/health. The process serving the request at all
// means the core loops are wired, so this only verifies store reachability.
func (h *StatsHandler) Health(w http.ResponseWriter, r *http.Request) {
	if _, err := h.store.Stats(r.Context()); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusServiceUnavailable,
			"Store unavailable", err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, HealthResponse{Status: "ok"})
}
