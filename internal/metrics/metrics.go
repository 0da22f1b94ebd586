package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SyncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qman_sync_runs_total",
		Help: "Attribution sync passes by outcome.",
	}, []string{"status"})

	SyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "qman_sync_duration_seconds",
		Help:    "Wall time of an attribution sync pass.",
		Buckets: prometheus.DefBuckets,
	})

	Attributions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qman_attributions_total",
		Help: "Ownership records written, by object kind.",
	}, []string{"kind"})

	EnforcementRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qman_enforcement_runs_total",
		Help: "Quota enforcement passes by outcome.",
	}, []string{"status"})

	ContainersRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qman_containers_removed_total",
		Help: "Containers removed by quota enforcement.",
	})

	QuotaExceeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qman_quota_exceeded_total",
		Help: "Users found over their docker quota.",
	})

	CacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qman_cache_requests_total",
		Help: "Listing cache lookups, by cache name and hit/miss result.",
	}, []string{"cache", "result"})

	CallbackPosts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qman_callback_posts_total",
		Help: "Event batches posted to the coordinator, by outcome.",
	}, []string{"status"})
)
