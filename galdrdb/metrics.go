package galdrdb

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds one database instance's Prometheus collectors. Each DB
// owns a private registry rather than registering onto the global
// default one, since an embedding process may open more than one
// GaldrDb instance (tests in particular open dozens) and the default
// registry panics on a duplicate collector name.
type Metrics struct {
	Registry *prometheus.Registry

	CommitsTotal   prometheus.Counter
	ConflictsTotal prometheus.Counter
	RollbacksTotal prometheus.Counter

	VacuumRuns              prometheus.Counter
	VacuumVersionsCollected prometheus.Counter

	CheckpointRuns prometheus.Counter

	CacheHitRatio prometheus.Gauge
}

// NewMetrics builds a fresh, independently registered Metrics instance.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		CommitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "galdrdb_commits_total",
			Help: "Total number of committed transactions.",
		}),
		ConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "galdrdb_write_conflicts_total",
			Help: "Total number of transactions that failed with a write conflict.",
		}),
		RollbacksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "galdrdb_rollbacks_total",
			Help: "Total number of explicitly rolled back transactions.",
		}),
		VacuumRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "galdrdb_vacuum_runs_total",
			Help: "Total number of vacuum passes.",
		}),
		VacuumVersionsCollected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "galdrdb_vacuum_versions_collected_total",
			Help: "Total number of document versions reclaimed by vacuum.",
		}),
		CheckpointRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "galdrdb_checkpoint_runs_total",
			Help: "Total number of WAL checkpoints performed.",
		}),
		CacheHitRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "galdrdb_page_cache_hit_ratio",
			Help: "Most recently observed page cache hit ratio.",
		}),
	}
	reg.MustRegister(
		m.CommitsTotal,
		m.ConflictsTotal,
		m.RollbacksTotal,
		m.VacuumRuns,
		m.VacuumVersionsCollected,
		m.CheckpointRuns,
		m.CacheHitRatio,
	)
	return m
}
