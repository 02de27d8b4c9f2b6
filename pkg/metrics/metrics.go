package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Batch metrics
	BatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logocheck_batches_total",
			Help: "Total number of batches by terminal status",
		},
		[]string{"status"},
	)

	BatchesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "logocheck_batches_active",
			Help: "Number of batches currently in a non-terminal state",
		},
	)

	ResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logocheck_results_total",
			Help: "Total number of per-image results by outcome",
		},
		[]string{"outcome"},
	)

	// Detector metrics
	DetectorRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logocheck_detector_requests_total",
			Help: "Total detector calls by result classification",
		},
		[]string{"result"},
	)

	DetectorRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "logocheck_detector_retries_total",
			Help: "Total detector retry attempts",
		},
	)

	// Progress hub metrics
	WSClientsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "logocheck_ws_clients_connected",
			Help: "Number of connected progress clients",
		},
	)

	WSClientsPruned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "logocheck_ws_clients_pruned_total",
			Help: "Total progress clients dropped as stale or backed up",
		},
	)

	// Maintenance metrics
	CleanupBatchesRemoved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "logocheck_cleanup_batches_removed_total",
			Help: "Total expired batches removed by maintenance",
		},
	)

	CleanupTempFilesRemoved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "logocheck_cleanup_temp_files_removed_total",
			Help: "Total temp upload files removed by maintenance",
		},
	)
)

func init() {
	prometheus.MustRegister(
		BatchesTotal,
		BatchesActive,
		ResultsTotal,
		DetectorRequestsTotal,
		DetectorRetries,
		WSClientsConnected,
		WSClientsPruned,
		CleanupBatchesRemoved,
		CleanupTempFilesRemoved,
	)
}

// Handler returns the HTTP handler for the /metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}
