// Package metrics implements the engine's counter sink, backed by
// Prometheus, plus the process-level collectors and the /metrics server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// EventKind names the observable outcomes of the scheduling lifecycle.
type EventKind string

const (
	EventScheduled        EventKind = "scheduled"
	EventPolled           EventKind = "polled"
	EventTransmitted      EventKind = "transmitted"
	EventMarkedDone       EventKind = "marked_done"
	EventAdvancedPeriodic EventKind = "advanced_periodic"
	EventRescheduled      EventKind = "rescheduled"
)

// Event is one counted outcome: which lifecycle step, and whether it succeeded.
type Event struct {
	Kind EventKind
	OK   bool
}

// Metrics is a fire-and-forget counter sink. Implementations must never fail
// the caller and must be safe for concurrent use.
type Metrics interface {
	Count(event Event)
}

// Prometheus is the production Metrics implementation.
type Prometheus struct {
	events *prometheus.CounterVec
}

// NewPrometheus builds a Metrics sink and registers its collector on reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "schedulon",
		Name:      "engine_events_total",
		Help:      "Total scheduling-engine events, by kind and outcome.",
	}, []string{"kind", "ok"})
	reg.MustRegister(events)
	return &Prometheus{events: events}
}

func (p *Prometheus) Count(event Event) {
	ok := "false"
	if event.OK {
		ok = "true"
	}
	p.events.WithLabelValues(string(event.Kind), ok).Inc()
}

var (
	// EngineTickDuration times one full poll-filter-reconcile tick.
	EngineTickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "schedulon",
		Name:      "engine_tick_duration_seconds",
		Help:      "Duration of one scheduling-engine poll tick.",
		Buckets:   prometheus.DefBuckets,
	})

	// EngineScheduledInFlight counts schedules currently claimed (Doing).
	EngineScheduledInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "schedulon",
		Name:      "engine_schedules_in_flight",
		Help:      "Number of schedules currently claimed by this engine instance.",
	})

	// SweeperRescuedTotal counts stuck Doing claims reset by the sweeper.
	SweeperRescuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "schedulon",
		Name:      "sweeper_rescued_total",
		Help:      "Total stuck claims reset back to Scheduled by the sweeper.",
	})

	// HTTPRequestsTotal counts admin API requests.
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "schedulon",
		Name:      "http_requests_total",
		Help:      "Total admin API requests.",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration times admin API requests.
	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "schedulon",
		Name:      "http_request_duration_seconds",
		Help:      "Duration of admin API requests.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

// Register registers the package-level collectors on the default registry.
// Call once at boot.
func Register() {
	prometheus.MustRegister(
		EngineTickDuration,
		EngineScheduledInFlight,
		SweeperRescuedTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
}

// NewMux builds the /metrics mux. Callers that also want health endpoints on
// the same listener (see health.Checker.RegisterRoutes) mount them onto this
// mux before wrapping it in a server.
func NewMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// NewServer exposes /metrics on its own listener.
func NewServer(addr string) *http.Server {
	return &http.Server{Addr: addr, Handler: NewMux()}
}
