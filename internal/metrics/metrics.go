// Package metrics holds the Prometheus collectors for the sync engine.
// Collectors register on the default registry; the daemon exposes them on
// /metrics when METRICS_ADDR is set.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SyncsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_gitsync_syncs_total",
		Help: "Completed syncs by pre-sync status",
	}, []string{"status"})

	SyncErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vault_gitsync_sync_errors_total",
		Help: "Syncs that returned an error",
	})

	SyncDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vault_gitsync_sync_duration_seconds",
		Help:    "Wall time of a sync call",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	FileOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_gitsync_file_ops_total",
		Help: "Local file mutations by status",
	}, []string{"status"})

	BlobsUploadedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vault_gitsync_blobs_uploaded_total",
		Help: "Encrypted blobs created on the remote",
	})

	BytesUploadedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vault_gitsync_bytes_uploaded_total",
		Help: "Plaintext bytes pushed to the remote",
	})

	CommitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vault_gitsync_commits_total",
		Help: "Commits pushed to the remote branch",
	})

	ConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_gitsync_conflicts_total",
		Help: "Clashes whose sides differed, by presentation strategy",
	}, []string{"strategy"})

	DecryptDegradedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_gitsync_decrypt_degraded_total",
		Help: "Remote values that did not decrypt, by outcome",
	}, []string{"outcome"})

	BlobCacheRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_gitsync_blob_cache_requests_total",
		Help: "Blob cache lookups by result",
	}, []string{"result"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
