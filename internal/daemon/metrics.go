package daemon

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// daemonMetrics are the counters and gauges this server exposes over
// /metrics, grounded on marmos91-dittofs's promauto-per-instance pattern
// (pkg/metrics/prometheus). Unlike dittofs, metrics here are never nil:
// the daemon always registers its own private registry rather than gating
// behind a global enable flag, since a HyperDex server has no equivalent of
// dittofs's optional telemetry subsystem.
type daemonMetrics struct {
	registry *prometheus.Registry

	clientOps *prometheus.CounterVec
	chainOps  *prometheus.CounterVec
	khDepth   prometheus.Gauge
}

func newDaemonMetrics() *daemonMetrics {
	reg := prometheus.NewRegistry()
	return &daemonMetrics{
		registry: reg,
		clientOps: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "hyperdex_client_ops_total",
			Help: "Client-originated operations handled, by RESP type and outcome.",
		}, []string{"op", "outcome"}),
		chainOps: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "hyperdex_chain_ops_total",
			Help: "Chain messages handled, by kind.",
		}, []string{"kind"}),
		khDepth: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "hyperdex_keyholder_queue_depth",
			Help: "Approximate count of live in-memory keyholders across all owned regions.",
		}),
	}
}

// serveMetrics runs an HTTP server exposing /metrics and /health; it is the
// only HTTP server in this codebase.
func (d *Daemon) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.HandlerFor(d.metrics.registry, promhttp.HandlerOpts{}))

	s := &http.Server{
		Addr:              d.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
