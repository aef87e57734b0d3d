package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Pinger is satisfied by *pgxpool.Pool. InMemory and Bolt repository
// backends have nothing to ping — NewChecker accepts a nil Pinger for those
// and Readiness reports them as always up.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CheckResult represents the health of a single dependency.
type CheckResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HealthResult is the top-level health response.
type HealthResult struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Checker verifies that all dependencies are reachable.
type Checker struct {
	db     Pinger
	logger *slog.Logger
	gauge  *prometheus.GaugeVec
}

// NewChecker creates a health checker and registers its Prometheus gauge.
func NewChecker(db Pinger, logger *slog.Logger, reg prometheus.Registerer) *Checker {
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "schedulon",
		Name:      "health_check_up",
		Help:      "Whether a dependency is reachable. 1 = up, 0 = down.",
	}, []string{"dependency"})
	reg.MustRegister(gauge)

	return &Checker{
		db:     db,
		logger: logger.With("component", "health"),
		gauge:  gauge,
	}
}

// Liveness returns a simple "up" response if the process is running.
func (c *Checker) Liveness(_ context.Context) HealthResult {
	return HealthResult{Status: "up"}
}

// Readiness pings every dependency and reports per-check status.
func (c *Checker) Readiness(ctx context.Context) HealthResult {
	checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	result := HealthResult{
		Status: "up",
		Checks: make(map[string]CheckResult),
	}

	if c.db == nil {
		result.Checks["repository"] = CheckResult{Status: "up"}
		c.gauge.WithLabelValues("repository").Set(1)
		return result
	}

	if err := c.db.Ping(checkCtx); err != nil {
		c.logger.Warn("repository health check failed", "error", err)
		result.Status = "down"
		result.Checks["repository"] = CheckResult{Status: "down", Error: err.Error()}
		c.gauge.WithLabelValues("repository").Set(0)
	} else {
		result.Checks["repository"] = CheckResult{Status: "up"}
		c.gauge.WithLabelValues("repository").Set(1)
	}

	return result
}

// RegisterRoutes mounts /healthz/live and /healthz/ready on mux, so a single
// process can expose health checks alongside its metrics without standing up
// a second server.
func (c *Checker) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz/live", func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, c.Liveness(r.Context()))
	})
	mux.HandleFunc("/healthz/ready", func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, c.Readiness(r.Context()))
	})
}

func writeHealth(w http.ResponseWriter, result HealthResult) {
	w.Header().Set("Content-Type", "application/json")
	if result.Status != "up" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(result)
}
