package storage

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports the engine's pebble internals (compaction debt,
// memtables, WAL) to prometheus. Register one per open engine.
type Collector struct {
	engine *Engine
	descs  []pebbleDesc
}

type pebbleDesc struct {
	desc *prometheus.Desc
	kind prometheus.ValueType
	read func(*pebble.Metrics) float64
}

func NewCollector(e *Engine) *Collector {
	d := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("meridian_storage_"+name, help, nil, nil)
	}
	return &Collector{
		engine: e,
		descs: []pebbleDesc{
			{d("compaction_count_total", "Compactions performed"),
				prometheus.CounterValue,
				func(m *pebble.Metrics) float64 { return float64(m.Compact.Count) }},
			{d("compaction_estimated_debt_bytes", "Bytes left to compact to reach a stable state"),
				prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.Compact.EstimatedDebt) }},
			{d("compaction_in_progress_bytes", "Bytes being compacted right now"),
				prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.Compact.InProgressBytes) }},
			{d("memtable_size_bytes", "Current memtable size"),
				prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.MemTable.Size) }},
			{d("memtable_count", "Live memtables"),
				prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.MemTable.Count) }},
			{d("wal_files", "Live WAL files"),
				prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.WAL.Files) }},
			{d("wal_size_bytes", "Live WAL data"),
				prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.WAL.Size) }},
			{d("wal_bytes_written_total", "Physical bytes written to the WAL"),
				prometheus.CounterValue,
				func(m *pebble.Metrics) float64 { return float64(m.WAL.BytesWritten) }},
		},
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, pd := range c.descs {
		ch <- pd.desc
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	m := c.engine.db.Metrics()
	for _, pd := range c.descs {
		ch <- prometheus.MustNewConstMetric(pd.desc, pd.kind, pd.read(m))
	}
}
