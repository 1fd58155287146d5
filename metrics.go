package usagesync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SyncMetrics holds the engine's Prometheus collectors. All collectors are
// registered on the supplied registerer; pass prometheus.DefaultRegisterer
// for process-global metrics or a fresh registry in tests.
type SyncMetrics struct {
	SyncCycles       *prometheus.CounterVec
	RecordsSynced    prometheus.Counter
	RecordsDeduped   prometheus.Counter
	RecordsDropped   prometheus.Counter
	ConflictsTotal   *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
	QueueFailed      prometheus.Gauge
	SyncDuration     prometheus.Histogram
	RemoteErrors     *prometheus.CounterVec
	WatchSubscribers prometheus.Gauge
}

// NewSyncMetrics creates and registers the engine metrics.
func NewSyncMetrics(reg prometheus.Registerer) *SyncMetrics {
	m := &SyncMetrics{
		SyncCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "usagesync",
			Name:      "sync_cycles_total",
			Help:      "Sync cycles by outcome (success, offline, error).",
		}, []string{"outcome"}),
		RecordsSynced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "usagesync",
			Name:      "records_synced_total",
			Help:      "Unique usage records written to the remote store.",
		}),
		RecordsDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "usagesync",
			Name:      "records_deduped_total",
			Help:      "Records skipped as duplicates.",
		}),
		RecordsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "usagesync",
			Name:      "records_dropped_total",
			Help:      "Records dropped for lacking any usable identifier.",
		}),
		ConflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "usagesync",
			Name:      "conflicts_total",
			Help:      "Detected conflicts by resolution (merged, local, remote, escalated).",
		}, []string{"resolution"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "usagesync",
			Name:      "offline_queue_depth",
			Help:      "Operations pending replay in the offline queue.",
		}),
		QueueFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "usagesync",
			Name:      "offline_queue_failed",
			Help:      "Operations that exhausted their retries.",
		}),
		SyncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "usagesync",
			Name:      "sync_duration_seconds",
			Help:      "Duration of sync cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		RemoteErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "usagesync",
			Name:      "remote_errors_total",
			Help:      "Remote store errors by classification.",
		}, []string{"kind"}),
		WatchSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "usagesync",
			Name:      "watch_subscribers",
			Help:      "Active watch subscriptions.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.SyncCycles,
			m.RecordsSynced,
			m.RecordsDeduped,
			m.RecordsDropped,
			m.ConflictsTotal,
			m.QueueDepth,
			m.QueueFailed,
			m.SyncDuration,
			m.RemoteErrors,
			m.WatchSubscribers,
		)
	}
	return m
}

func (m *SyncMetrics) observeError(err error) {
	if m == nil || err == nil {
		return
	}
	m.RemoteErrors.WithLabelValues(ClassifyError(err).String()).Inc()
}
