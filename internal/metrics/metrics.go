package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "supportchat"

type Metrics struct {
	Streams         *prometheus.CounterVec
	UpstreamErrors  *prometheus.CounterVec
	ContentDeltas   prometheus.Counter
	SkippedChunks   prometheus.Counter
	PersistFailures prometheus.Counter
	OutboxEnqueued  prometheus.Counter
	OutboxProcessed prometheus.Counter
	OutboxFailed    prometheus.Counter
	RelayDuration   *prometheus.HistogramVec
}

var (
	once   sync.Once
	global *Metrics
)

// Global returns the process-wide metrics registered with the default
// prometheus registry.
func Global() *Metrics {
	once.Do(func() {
		global = New()
		prometheus.MustRegister(global.Collectors()...)
	})
	return global
}

// New builds an unregistered set, useful in tests.
func New() *Metrics {
	return &Metrics{
		Streams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_total",
			Help:      "Streaming sessions by outcome",
		}, []string{"outcome"}),
		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Upstream relay failures by kind",
		}, []string{"kind"}),
		ContentDeltas: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "content_deltas_total",
			Help:      "Content deltas forwarded to clients",
		}),
		SkippedChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_chunks_total",
			Help:      "Malformed upstream stream chunks that were skipped",
		}),
		PersistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "Assistant messages that could not be saved inline",
		}),
		OutboxEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_enqueued_total",
			Help:      "Save jobs enqueued to the redis outbox",
		}),
		OutboxProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_processed_total",
			Help:      "Save jobs applied by the outbox worker",
		}),
		OutboxFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_failed_total",
			Help:      "Save job attempts that failed",
		}),
		RelayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relay_duration_seconds",
			Help:      "Wall time of upstream relay calls",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"mode"}),
	}
}

func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Streams,
		m.UpstreamErrors,
		m.ContentDeltas,
		m.SkippedChunks,
		m.PersistFailures,
		m.OutboxEnqueued,
		m.OutboxProcessed,
		m.OutboxFailed,
		m.RelayDuration,
	}
}
