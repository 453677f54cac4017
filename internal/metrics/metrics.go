// Package metrics provides Prometheus metrics for the fcsd server.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the Prometheus registry for all fcsd metrics.
var Registry = prometheus.NewRegistry()

var (
	initOnce sync.Once
	shared   *ServerMetrics
)

// ServerMetrics holds all Prometheus metrics for the fcsd server.
type ServerMetrics struct {
	// Upload session counters
	SessionsStarted prometheus.Counter
	SessionsAborted prometheus.Counter
	ChunksReceived  prometheus.Counter
	ChunkBytes      prometheus.Counter

	// Finalization outcomes (labeled by result)
	FinalizeTotal *prometheus.CounterVec // labels: outcome (completed, failed)

	// Statistics jobs
	StatisticsJobs     prometheus.Counter
	StatisticsCacheHit prometheus.Counter

	// Sweeper counters
	SessionsExpired prometheus.Counter
	OrphansRemoved  prometheus.Counter

	// Gauges
	ActiveSessions prometheus.Gauge

	// Latency histograms
	ChunkWriteSeconds prometheus.Histogram
	FinalizeSeconds   prometheus.Histogram
}

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// InitMetrics initializes all server metrics. Registration on the
// shared registry happens once; later calls return the same instance.
func InitMetrics() *ServerMetrics {
	initOnce.Do(func() { shared = newServerMetrics() })
	return shared
}

func newServerMetrics() *ServerMetrics {
	m := &ServerMetrics{
		SessionsStarted: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name: "fcsd_upload_sessions_started_total",
			Help: "Total upload sessions initialized",
		}),
		SessionsAborted: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name: "fcsd_upload_sessions_aborted_total",
			Help: "Total upload sessions aborted by clients",
		}),
		ChunksReceived: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name: "fcsd_upload_chunks_received_total",
			Help: "Total chunks accepted and written",
		}),
		ChunkBytes: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name: "fcsd_upload_chunk_bytes_total",
			Help: "Total chunk bytes accepted and written",
		}),

		FinalizeTotal: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name: "fcsd_upload_finalize_total",
			Help: "Finalization outcomes",
		}, []string{"outcome"}),

		StatisticsJobs: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name: "fcsd_statistics_jobs_total",
			Help: "Total statistics jobs submitted",
		}),
		StatisticsCacheHit: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name: "fcsd_statistics_cache_hits_total",
			Help: "Statistics submissions answered from the cache",
		}),

		SessionsExpired: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name: "fcsd_upload_sessions_expired_total",
			Help: "Upload sessions reclaimed by the expiry sweeper",
		}),
		OrphansRemoved: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name: "fcsd_orphan_files_removed_total",
			Help: "Orphaned temp files removed by the sweeper",
		}),

		ActiveSessions: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name: "fcsd_upload_sessions_active",
			Help: "Upload sessions currently pending or processing",
		}),

		ChunkWriteSeconds: promauto.With(Registry).NewHistogram(prometheus.HistogramOpts{
			Name:    "fcsd_chunk_write_seconds",
			Help:    "Latency of chunk writes to disk",
			Buckets: prometheus.DefBuckets,
		}),
		FinalizeSeconds: promauto.With(Registry).NewHistogram(prometheus.HistogramOpts{
			Name:    "fcsd_finalize_seconds",
			Help:    "Latency of upload finalization, including parsing",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
	}

	return m
}
