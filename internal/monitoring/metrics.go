package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheLookupsTotal tracks cache lookups by tier (memory, store) and result (hit, miss, error)
	CacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hachimi_cache_lookups_total",
			Help: "Total number of song cache lookups",
		},
		[]string{"tier", "result"},
	)

	// CacheMigrationsTotal counts entries moved from a display id key to the canonical id key
	CacheMigrationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hachimi_cache_migrations_total",
			Help: "Total number of cache entries migrated to the canonical key",
		},
	)

	// CacheInvalidationsTotal counts entries dropped because their remote URLs changed
	CacheInvalidationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hachimi_cache_invalidations_total",
			Help: "Total number of cache entries invalidated by a metadata refresh",
		},
	)

	// CacheSizeBytes tracks the durable cache footprint
	CacheSizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hachimi_cache_size_bytes",
			Help: "Bytes held by the durable song cache",
		},
	)

	// DownloadBytesTotal tracks total bytes downloaded
	DownloadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hachimi_download_bytes_total",
			Help: "Total bytes downloaded",
		},
	)

	// DownloadDuration tracks download duration in seconds by kind (audio, cover)
	DownloadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hachimi_download_duration_seconds",
			Help:    "Download duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"kind"},
	)

	// PlayAttemptsTotal tracks play attempts by result (success, failure, cancelled)
	PlayAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hachimi_play_attempts_total",
			Help: "Total number of play attempts",
		},
		[]string{"result"},
	)

	// PlayRetriesTotal counts backoff waits between play attempts
	PlayRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hachimi_play_retries_total",
			Help: "Total number of play retries",
		},
	)

	// QueueSize tracks current queue size
	QueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hachimi_queue_size",
			Help: "Current queue size",
		},
	)

	// APIRequestsTotal tracks API requests by endpoint and status
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hachimi_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"endpoint", "status"},
	)

	// APIRequestDuration tracks API request duration
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hachimi_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// ErrorsTotal tracks errors by type
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hachimi_errors_total",
			Help: "Total number of errors",
		},
		[]string{"type"},
	)
)

// RecordCacheLookup records a cache lookup outcome
func RecordCacheLookup(tier, result string) {
	CacheLookupsTotal.WithLabelValues(tier, result).Inc()
}

// RecordCacheMigration records a legacy key migration
func RecordCacheMigration() {
	CacheMigrationsTotal.Inc()
}

// RecordCacheInvalidation records a URL-change invalidation
func RecordCacheInvalidation() {
	CacheInvalidationsTotal.Inc()
}

// UpdateCacheSize updates the cache size metric
func UpdateCacheSize(bytes int64) {
	CacheSizeBytes.Set(float64(bytes))
}

// RecordDownload records a completed transfer
func RecordDownload(kind string, duration time.Duration, bytes int64) {
	DownloadDuration.WithLabelValues(kind).Observe(duration.Seconds())
	DownloadBytesTotal.Add(float64(bytes))
}

// RecordPlayAttempt records the outcome of a single play attempt
func RecordPlayAttempt(result string) {
	PlayAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordPlayRetry records a backoff wait
func RecordPlayRetry() {
	PlayRetriesTotal.Inc()
}

// UpdateQueueSize updates the queue size metric
func UpdateQueueSize(size int) {
	QueueSize.Set(float64(size))
}

// RecordAPIRequest records an API request
func RecordAPIRequest(endpoint string, status string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(endpoint, status).Inc()
	APIRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordError records an error
func RecordError(errorType string) {
	ErrorsTotal.WithLabelValues(errorType).Inc()
}
