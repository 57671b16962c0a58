package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the engine's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	commitsTotal *prometheus.CounterVec
	keysWritten  prometheus.Counter
	bytesWritten prometheus.Counter
	groupSize    prometheus.Histogram

	flushesTotal      prometheus.Counter
	flushedBytes      prometheus.Counter
	compactionsTotal  *prometheus.CounterVec
	compactionOutputs prometheus.Counter

	publishedSequence prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		commitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "commitdb",
			Name:      "commits_total",
			Help:      "Write commits, split by whether the caller finished its own write or a group peer did.",
		}, []string{"done_by"}),
		keysWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "commitdb",
			Name:      "keys_written_total",
			Help:      "Keys applied to the memtable.",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "commitdb",
			Name:      "bytes_written_total",
			Help:      "Serialized batch bytes committed.",
		}),
		groupSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "commitdb",
			Name:      "commit_group_size",
			Help:      "Writers per commit group.",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
		}),
		flushesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "commitdb",
			Name:      "memtable_flushes_total",
			Help:      "Memtable rotations flushed to tables.",
		}),
		flushedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "commitdb",
			Name:      "memtable_flushed_bytes_total",
			Help:      "Approximate bytes flushed out of rotated memtables.",
		}),
		compactionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "commitdb",
			Name:      "compactions_total",
			Help:      "Compaction runs by terminal state.",
		}, []string{"state"}),
		compactionOutputs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "commitdb",
			Name:      "compaction_outputs_total",
			Help:      "Tables produced by compactions.",
		}),
		publishedSequence: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "commitdb",
			Name:      "published_sequence",
			Help:      "Newest sequence number visible to readers.",
		}),
	}

	m.registry.MustRegister(
		m.commitsTotal,
		m.keysWritten,
		m.bytesWritten,
		m.groupSize,
		m.flushesTotal,
		m.flushedBytes,
		m.compactionsTotal,
		m.compactionOutputs,
		m.publishedSequence,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// CommitDone implements the commit pipeline's stats hook.
func (m *Metrics) CommitDone(bySelf bool, groupSize int, keys uint64, bytes int64) {
	doneBy := "other"
	if bySelf {
		doneBy = "self"
	}
	m.commitsTotal.WithLabelValues(doneBy).Inc()
	m.keysWritten.Add(float64(keys))
	m.bytesWritten.Add(float64(bytes))
	if groupSize > 0 {
		m.groupSize.Observe(float64(groupSize))
	}
}

func (m *Metrics) FlushDone(bytes int64) {
	m.flushesTotal.Inc()
	m.flushedBytes.Add(float64(bytes))
}

func (m *Metrics) CompactionDone(state string, outputs int) {
	m.compactionsTotal.WithLabelValues(state).Inc()
	m.compactionOutputs.Add(float64(outputs))
}

func (m *Metrics) SetPublishedSequence(seq uint64) {
	m.publishedSequence.Set(float64(seq))
}
