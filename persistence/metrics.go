package persistence

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metricsSet is the small collection of Prometheus instruments the
// PersistenceManager and Snapshotter keep updated. It mirrors the state
// the manager already tracks (dirty_count, last_save_time, save outcomes) so
// the metrics are a projection of the state machine rather than a second
// bookkeeping system.
type metricsSet struct {
	dirtyCount   prometheus.Gauge
	lastSaveUnix prometheus.Gauge
	savesTotal   *prometheus.CounterVec
	saveDuration prometheus.Histogram
}

func newMetricsSet(reg prometheus.Registerer) *metricsSet {
	m := &metricsSet{
		dirtyCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "redikv_dirty_count",
			Help: "Mutating commands observed since the last successful save.",
		}),
		lastSaveUnix: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "redikv_last_save_timestamp_seconds",
			Help: "Unix time of the last successful save, 0 if none has completed.",
		}),
		savesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "redikv_saves_total",
			Help: "Completed save attempts, partitioned by result.",
		}, []string{"result"}),
		saveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "redikv_save_duration_seconds",
			Help:    "Wall-clock duration of a full save (sync or background).",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.dirtyCount, m.lastSaveUnix, m.savesTotal, m.saveDuration)
	}
	return m
}

func (m *metricsSet) observeSave(ok bool, seconds float64) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.savesTotal.WithLabelValues(result).Inc()
	m.saveDuration.Observe(seconds)
}
