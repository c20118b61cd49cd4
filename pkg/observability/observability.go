package observability

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ExportsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exports_accepted_total",
		Help: "The total number of export requests accepted and published",
	})

	ExportsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exports_processed_total",
		Help: "The total number of processed export jobs",
	}, []string{"outcome"}) // outcome: delivered, retried, dead_lettered

	ExportDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "export_duration_seconds",
		Help:    "Duration of export job processing.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})
)

// NewLogger creates a new structured logger.
func NewLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}

// StartMetricsServer runs an HTTP server to expose Prometheus metrics.
func StartMetricsServer(addr string) {
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("metrics server failed", "error", err)
		}
	}()
}
