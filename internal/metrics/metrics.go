package metrics

import "github.com/prometheus/client_golang/prometheus"

// Cache lookup results
const (
	ResultHit     = "hit"
	ResultMiss    = "miss"
	ResultStale   = "stale"
	ResultExpired = "expired"
	ResultError   = "error"
)

var (
	CacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shelvd_cache_lookups_total",
		Help: "Cache lookups by cache (content, image) and result.",
	}, []string{"cache", "result"})

	CacheWriteFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shelvd_cache_write_failures_total",
		Help: "Write-through failures that were logged and ignored.",
	}, []string{"cache"})

	Downloads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shelvd_downloads_total",
		Help: "Network downloads issued on cache misses.",
	}, []string{"cache"})

	ProgressWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shelvd_progress_writes_total",
		Help: "Remote progress writes by trigger (debounce, flush) and outcome.",
	}, []string{"trigger", "outcome"})

	ProgressWriteSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "shelvd_progress_write_seconds",
		Help:    "Latency of remote progress writes.",
		Buckets: prometheus.DefBuckets,
	})

	Relocations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shelvd_relocations_total",
		Help: "Relocation events accepted by progress sync.",
	})

	// Server side (progressd)
	ProgressRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shelvd_progressd_requests_total",
		Help: "Requests served by the progress store by method and status.",
	}, []string{"method", "status"})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		CacheLookups, CacheWriteFailures, Downloads,
		ProgressWrites, ProgressWriteSeconds, Relocations,
		ProgressRequests,
	)
}
