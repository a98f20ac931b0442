package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Orchestrator metrics
var (
	MachinesByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentcloud_machines_by_state",
			Help: "Number of machine records per lifecycle state",
		},
		[]string{"state"},
	)

	ProvisionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentcloud_provision_duration_seconds",
			Help:    "Time for a provider create call",
			Buckets: []float64{0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 120.0},
		},
		[]string{"provider", "status"},
	)

	ReadinessProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcloud_readiness_probes_total",
			Help: "Readiness probe outcomes",
		},
		[]string{"status"},
	)

	SetupPushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcloud_setup_pushes_total",
			Help: "Setup push outcomes (pushed, skipped, failed)",
		},
		[]string{"result"},
	)

	OutboxEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcloud_outbox_events_total",
			Help: "Outbox dispatch outcomes per event name",
		},
		[]string{"name", "result"},
	)

	OutboxPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentcloud_outbox_pending",
			Help: "Pending outbox events at last poll",
		},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcloud_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentcloud_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	AuthFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcloud_auth_failures_total",
			Help: "Rejected requests per failure reason",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(
		MachinesByState,
		ProvisionDuration,
		ReadinessProbesTotal,
		SetupPushesTotal,
		OutboxEventsTotal,
		OutboxPending,
		HTTPRequestsTotal,
		HTTPRequestDuration,
		AuthFailuresTotal,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// EchoMiddleware returns Echo middleware that instruments HTTP requests.
func EchoMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}

			HTTPRequestsTotal.WithLabelValues(
				c.Request().Method,
				c.Path(),
				strconv.Itoa(status),
			).Inc()
			HTTPRequestDuration.WithLabelValues(
				c.Request().Method,
				c.Path(),
			).Observe(duration.Seconds())

			return err
		}
	}
}
