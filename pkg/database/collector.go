package database

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PoolCollector exports pgxpool statistics labelled by application name
type PoolCollector struct {
	db *PostgresDB

	total    *prometheus.Desc
	idle     *prometheus.Desc
	acquired *prometheus.Desc
	max      *prometheus.Desc
	waits    *prometheus.Desc
	waitTime *prometheus.Desc
}

// NewPoolCollector describes the pool of db under the ticketing_db_pool prefix
func NewPoolCollector(db *PostgresDB) *PoolCollector {
	labels := prometheus.Labels{"application": db.config.ApplicationName}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("ticketing_db_pool_"+name, help, nil, labels)
	}
	return &PoolCollector{
		db:       db,
		total:    desc("connections", "Open connections in the pool"),
		idle:     desc("idle_connections", "Idle connections in the pool"),
		acquired: desc("acquired_connections", "Connections currently checked out"),
		max:      desc("max_connections", "Configured pool size"),
		waits:    desc("empty_acquire_total", "Acquires that waited for a free connection"),
		waitTime: desc("acquire_wait_seconds_total", "Time spent waiting for a free connection"),
	}
}

// Describe implements prometheus.Collector
func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.total
	ch <- c.idle
	ch <- c.acquired
	ch <- c.max
	ch <- c.waits
	ch <- c.waitTime
}

// Collect implements prometheus.Collector
func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.db.Stats()
	ch <- prometheus.MustNewConstMetric(c.total, prometheus.GaugeValue, float64(s.TotalConns()))
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(s.IdleConns()))
	ch <- prometheus.MustNewConstMetric(c.acquired, prometheus.GaugeValue, float64(s.AcquiredConns()))
	ch <- prometheus.MustNewConstMetric(c.max, prometheus.GaugeValue, float64(s.MaxConns()))
	ch <- prometheus.MustNewConstMetric(c.waits, prometheus.CounterValue, float64(s.EmptyAcquireCount()))
	ch <- prometheus.MustNewConstMetric(c.waitTime, prometheus.CounterValue, s.EmptyAcquireWaitTime().Seconds())
}
