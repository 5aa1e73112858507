package metrics

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// PoolStats is the part of [pgxpool.Stat] the collector reports.
type PoolStats interface {
	AcquiredConns() int32
	IdleConns() int32
	TotalConns() int32
	MaxConns() int32
	ConstructingConns() int32
	AcquireCount() int64
	EmptyAcquireCount() int64
	CanceledAcquireCount() int64
	AcquireDuration() time.Duration
}

type poolGauge struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(PoolStats) float64
}

type poolCollector struct {
	stat   func() PoolStats
	gauges []poolGauge
}

// RegisterPool exports live connection statistics of the flag store's pool
// on every scrape.
func (m *Metrics) RegisterPool(pool *pgxpool.Pool) {
	RegisterPoolMetrics(m.Registry, pool)
}

// RegisterPoolMetrics registers pool statistics with reg.
func RegisterPoolMetrics(reg prometheus.Registerer, pool *pgxpool.Pool) {
	registerPoolStats(reg, func() PoolStats { return pool.Stat() })
}

func registerPoolStats(reg prometheus.Registerer, stat func() PoolStats) {
	gauge := func(name, help string, kind prometheus.ValueType, value func(PoolStats) float64) poolGauge {
		return poolGauge{desc: prometheus.NewDesc(name, help, nil, nil), kind: kind, value: value}
	}
	reg.MustRegister(&poolCollector{
		stat: stat,
		gauges: []poolGauge{
			gauge("expz_db_pool_acquired", "Number of currently acquired database connections.", prometheus.GaugeValue,
				func(s PoolStats) float64 { return float64(s.AcquiredConns()) }),
			gauge("expz_db_pool_idle", "Number of idle database connections in the pool.", prometheus.GaugeValue,
				func(s PoolStats) float64 { return float64(s.IdleConns()) }),
			gauge("expz_db_pool_total", "Total number of database connections in the pool.", prometheus.GaugeValue,
				func(s PoolStats) float64 { return float64(s.TotalConns()) }),
			gauge("expz_db_pool_max", "Maximum number of database connections allowed in the pool.", prometheus.GaugeValue,
				func(s PoolStats) float64 { return float64(s.MaxConns()) }),
			gauge("expz_db_pool_constructing", "Number of connections being established.", prometheus.GaugeValue,
				func(s PoolStats) float64 { return float64(s.ConstructingConns()) }),
			gauge("expz_db_pool_acquires_total", "Successful connection acquires.", prometheus.CounterValue,
				func(s PoolStats) float64 { return float64(s.AcquireCount()) }),
			gauge("expz_db_pool_empty_acquires_total", "Acquires that waited because the pool was empty.", prometheus.CounterValue,
				func(s PoolStats) float64 { return float64(s.EmptyAcquireCount()) }),
			gauge("expz_db_pool_canceled_acquires_total", "Acquires canceled by their context.", prometheus.CounterValue,
				func(s PoolStats) float64 { return float64(s.CanceledAcquireCount()) }),
			gauge("expz_db_pool_acquire_seconds_total", "Total time spent acquiring connections.", prometheus.CounterValue,
				func(s PoolStats) float64 { return s.AcquireDuration().Seconds() }),
		},
	})
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, g := range c.gauges {
		ch <- g.desc
	}
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	stat := c.stat()
	for _, g := range c.gauges {
		ch <- prometheus.MustNewConstMetric(g.desc, g.kind, g.value(stat))
	}
}
