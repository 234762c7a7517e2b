// Package telemetry exposes Prometheus instrumentation for the proxy's
// moving parts: the notification pump, in-flight requests, and backend
// restarts. Everything is optional; components treat a nil *Metrics as
// "telemetry disabled".
package telemetry

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"pkt.systems/pslog"
)

// Metrics bundles the proxy's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	RequestsInflight prometheus.Gauge
	PumpDepth        *prometheus.GaugeVec
	PumpPeak         *prometheus.GaugeVec
	PumpDropped      prometheus.Counter
	BackendRestarts  *prometheus.CounterVec
	BackendExits     *prometheus.CounterVec
}

// New creates the collector set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RequestsInflight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "loom_requests_inflight",
			Help: "Requests awaiting a backend response.",
		}),
		PumpDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "loom_pump_depth",
			Help: "Current notification pump depth per lane.",
		}, []string{"lane"}),
		PumpPeak: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "loom_pump_peak_depth",
			Help: "Peak notification pump depth per lane.",
		}, []string{"lane"}),
		PumpDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "loom_pump_dropped_total",
			Help: "Regular-lane notifications evicted by backpressure.",
		}),
		BackendRestarts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_backend_restarts_total",
			Help: "Backend subprocess restarts.",
		}, []string{"backend"}),
		BackendExits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_backend_exits_total",
			Help: "Backend subprocess exits, expected or not.",
		}, []string{"backend"}),
	}
}

// Serve starts a debug HTTP listener exposing /metrics. It returns the
// bound listener so callers can report the effective address; the server
// shuts down when the listener is closed.
func (m *Metrics) Serve(addr string, logger pslog.Logger) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed && !errors.Is(err, net.ErrClosed) {
			logger.Warn("telemetry.metrics.serve_error", "error", err)
		}
	}()

	logger.Info("telemetry.metrics.enabled", "listen", ln.Addr().String())
	return ln, nil
}
