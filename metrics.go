package streamindex

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics are the index collectors. They are registered on
// Options.Registerer, or a private registry when that is nil.
type metrics struct {
	lookups          *prometheus.CounterVec
	stagedEntries    prometheus.Gauge
	flushes          prometheus.Counter
	flushedEntries   prometheus.Counter
	merges           *prometheus.CounterVec
	mergeFailures    prometheus.Counter
	mergeDuration    prometheus.Histogram
	tablesPerLevel   *prometheus.GaugeVec
	checkpoints      *prometheus.GaugeVec
	pendingReclaims  prometheus.Gauge
	garbageCollected prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &metrics{
		lookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "streamindex_lookups_total",
				Help: "Point lookups by result",
			},
			[]string{"result"},
		),
		stagedEntries: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "streamindex_staged_entries",
				Help: "Entries held in memtables waiting to be flushed",
			},
		),
		flushes: f.NewCounter(
			prometheus.CounterOpts{
				Name: "streamindex_flushes_total",
				Help: "Memtables written out as level 0 tables",
			},
		),
		flushedEntries: f.NewCounter(
			prometheus.CounterOpts{
				Name: "streamindex_flushed_entries_total",
				Help: "Entries written by memtable flushes",
			},
		),
		merges: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "streamindex_merges_total",
				Help: "Completed merges by source level",
			},
			[]string{"level"},
		),
		mergeFailures: f.NewCounter(
			prometheus.CounterOpts{
				Name: "streamindex_merge_failures_total",
				Help: "Merges that failed and left the map unchanged",
			},
		),
		mergeDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "streamindex_merge_duration_seconds",
				Help:    "Time to write one merge output",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
			},
		),
		tablesPerLevel: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "streamindex_tables",
				Help: "Tables per level in the published map",
			},
			[]string{"level"},
		),
		checkpoints: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "streamindex_checkpoint_position",
				Help: "Published checkpoint watermarks",
			},
			[]string{"kind"},
		),
		pendingReclaims: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "streamindex_pending_reclaims",
				Help: "Retired tables waiting for readers to exit",
			},
		),
		garbageCollected: f.NewCounter(
			prometheus.CounterOpts{
				Name: "streamindex_orphans_removed_total",
				Help: "Unreferenced files removed by CollectGarbage",
			},
		),
	}
}

func (mt *metrics) observeMap(m *IndexMap) {
	for i, level := range m.levels {
		mt.tablesPerLevel.WithLabelValues(strconv.Itoa(i)).Set(float64(len(level)))
	}
	mt.checkpoints.WithLabelValues("prepare").Set(float64(m.checkpoints.Prepare))
	mt.checkpoints.WithLabelValues("commit").Set(float64(m.checkpoints.Commit))
}

func (mt *metrics) observeMerges(results []MergeResult) {
	for _, r := range results {
		mt.merges.WithLabelValues(strconv.Itoa(r.Level)).Inc()
		mt.mergeDuration.Observe(r.Duration.Seconds())
	}
}
