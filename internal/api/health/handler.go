package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"litellm-exporter/internal/services/aggregation"
	"litellm-exporter/pkg/logger"
)

// Checker reports reachability of a store
type Checker interface {
	Health(ctx context.Context) error
}

// Component is one store probed by the handler. A failing Required component makes
// the service unhealthy; any other failure only degrades it.
type Component struct {
	Name     string
	Checker  Checker
	Required bool
}

// EngineState exposes aggregation progress
type EngineState interface {
	State() aggregation.State
}

// CheckpointState exposes the checkpoint manager mode
type CheckpointState interface {
	Enabled() bool
	Degraded() bool
}

// Handler provides health check endpoints
type Handler struct {
	log         *logger.Logger
	components  []Component
	engine      EngineState
	checkpoints CheckpointState
	startTime   time.Time
	serviceName string
	version     string
}

// New creates a new health check handler. Components with a nil Checker are skipped.
func New(
	log *logger.Logger,
	components []Component,
	engine EngineState,
	checkpoints CheckpointState,
	serviceName string,
	version string,
) *Handler {
	active := make([]Component, 0, len(components))
	for _, c := range components {
		if c.Checker != nil {
			active = append(active, c)
		}
	}

	return &Handler{
		log:         log,
		components:  active,
		engine:      engine,
		checkpoints: checkpoints,
		startTime:   time.Now(),
		serviceName: serviceName,
		version:     version,
	}
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status     string                     `json:"status"` // "healthy", "degraded", "unhealthy"
	Service    string                     `json:"service"`
	Version    string                     `json:"version"`
	Uptime     string                     `json:"uptime"`
	Timestamp  string                     `json:"timestamp"`
	Checks     map[string]ComponentHealth `json:"checks"`
	Exporter   *ExporterStatus            `json:"exporter,omitempty"`
	Checkpoint *CheckpointStatus          `json:"checkpoint,omitempty"`
}

// ComponentHealth represents health of a single component
type ComponentHealth struct {
	Status       string `json:"status"`
	ResponseTime string `json:"response_time,omitempty"`
	Error        string `json:"error,omitempty"`
}

// ExporterStatus summarizes the aggregation engine
type ExporterStatus struct {
	Started     bool   `json:"started"`
	Mode        string `json:"startup_mode,omitempty"`
	Watermark   string `json:"watermark,omitempty"`
	LastCycleAt string `json:"last_cycle_at,omitempty"`
	LastError   string `json:"last_error,omitempty"`
}

// CheckpointStatus summarizes the checkpoint manager
type CheckpointStatus struct {
	Enabled  bool `json:"enabled"`
	Degraded bool `json:"degraded"`
}

// HandleLiveness returns 200 OK if service is running
func (h *Handler) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// HandleReadiness reports ready once startup finished and the required stores answer
func (h *Handler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks, requiredOK, _ := h.runChecks(ctx)
	status := h.baseStatus(checks)

	ready := requiredOK
	if h.engine != nil && !h.engine.State().Started {
		ready = false
	}

	statusCode := http.StatusOK
	if !ready {
		status.Status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
		h.log.Warnw("Readiness check failed", "checks", checks)
	}

	writeJSON(w, statusCode, status)
}

// HandleHealth returns detailed health status (includes all checks)
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	checks, requiredOK, allOK := h.runChecks(ctx)
	status := h.baseStatus(checks)

	degraded := !allOK
	if status.Checkpoint != nil && status.Checkpoint.Enabled && status.Checkpoint.Degraded {
		degraded = true
	}

	statusCode := http.StatusOK
	switch {
	case !requiredOK:
		status.Status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	case degraded:
		// still 200 for degraded
		status.Status = "degraded"
	}

	writeJSON(w, statusCode, status)
}

func (h *Handler) runChecks(ctx context.Context) (checks map[string]ComponentHealth, requiredOK, allOK bool) {
	checks = make(map[string]ComponentHealth, len(h.components))
	requiredOK, allOK = true, true

	for _, c := range h.components {
		result := h.check(ctx, c)
		checks[c.Name] = result
		if result.Status != "healthy" {
			allOK = false
			if c.Required {
				requiredOK = false
			}
		}
	}
	return checks, requiredOK, allOK
}

func (h *Handler) check(ctx context.Context, c Component) ComponentHealth {
	start := time.Now()
	err := c.Checker.Health(ctx)
	elapsed := time.Since(start)

	if err != nil {
		h.log.Warnw("Health check failed", "component", c.Name, "error", err, "elapsed", elapsed)
		return ComponentHealth{
			Status:       "unhealthy",
			ResponseTime: elapsed.String(),
			Error:        err.Error(),
		}
	}

	return ComponentHealth{
		Status:       "healthy",
		ResponseTime: elapsed.String(),
	}
}

func (h *Handler) baseStatus(checks map[string]ComponentHealth) HealthStatus {
	status := HealthStatus{
		Status:    "healthy",
		Service:   h.serviceName,
		Version:   h.version,
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Timestamp: time.Now().Format(time.RFC3339),
		Checks:    checks,
	}

	if h.engine != nil {
		st := h.engine.State()
		exp := &ExporterStatus{Started: st.Started, Mode: string(st.Mode)}
		if !st.Watermark.IsZero() {
			exp.Watermark = st.Watermark.UTC().Format(time.RFC3339)
		}
		if !st.LastCycleAt.IsZero() {
			exp.LastCycleAt = st.LastCycleAt.UTC().Format(time.RFC3339)
		}
		if st.LastError != nil {
			exp.LastError = st.LastError.Error()
		}
		status.Exporter = exp
	}
	if h.checkpoints != nil {
		status.Checkpoint = &CheckpointStatus{
			Enabled:  h.checkpoints.Enabled(),
			Degraded: h.checkpoints.Degraded(),
		}
	}
	return status
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}
