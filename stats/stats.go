// Package stats exposes MemPool statistics both as Prometheus metrics
// and as a JSON snapshot (jsoniter); it keeps no connection statistics.
package stats

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/inc-run/inc/memsys"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// PoolCollector adapts a memsys.Pool's Stat snapshot to Prometheus.
type PoolCollector struct {
	pool *memsys.Pool

	allocated       *prometheus.Desc
	accumulated     *prometheus.Desc
	imported        *prometheus.Desc
	exported        *prometheus.Desc
	allocatedBytes  *prometheus.Desc
	tooLargeForPool *prometheus.Desc
	poolFull        *prometheus.Desc
}

func NewPoolCollector(name string, pool *memsys.Pool) *PoolCollector {
	labels := prometheus.Labels{"pool": name}
	mk := func(metric, help string) *prometheus.Desc {
		return prometheus.NewDesc("inc_mempool_"+metric, help, nil, labels)
	}
	return &PoolCollector{
		pool:            pool,
		allocated:       mk("allocated", "Blocks currently allocated from the pool."),
		accumulated:     mk("accumulated_total", "Blocks ever allocated from the pool."),
		imported:        mk("imported_total", "Blocks ever imported from a peer."),
		exported:        mk("exported_total", "Blocks ever exported to a peer."),
		allocatedBytes:  mk("allocated_bytes", "Bytes currently allocated from the pool."),
		tooLargeForPool: mk("too_large_for_pool_total", "Allocation requests that exceeded the slot size."),
		poolFull:        mk("pool_full_total", "Allocation requests that found no free slot."),
	}
}

func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.allocated
	ch <- c.accumulated
	ch <- c.imported
	ch <- c.exported
	ch <- c.allocatedBytes
	ch <- c.tooLargeForPool
	ch <- c.poolFull
}

func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.pool.Stat()
	ch <- prometheus.MustNewConstMetric(c.allocated, prometheus.GaugeValue, float64(snap.Allocated))
	ch <- prometheus.MustNewConstMetric(c.accumulated, prometheus.CounterValue, float64(snap.Accumulated))
	ch <- prometheus.MustNewConstMetric(c.imported, prometheus.CounterValue, float64(snap.Imported))
	ch <- prometheus.MustNewConstMetric(c.exported, prometheus.CounterValue, float64(snap.Exported))
	ch <- prometheus.MustNewConstMetric(c.allocatedBytes, prometheus.GaugeValue, float64(snap.AllocatedSize))
	ch <- prometheus.MustNewConstMetric(c.tooLargeForPool, prometheus.CounterValue, float64(snap.TooLargeForPool))
	ch <- prometheus.MustNewConstMetric(c.poolFull, prometheus.CounterValue, float64(snap.PoolFull))
}

// Snapshot is the JSON-friendly rendering of one pool's stats.
type Snapshot struct {
	Allocated       int64 `json:"allocated"`
	Accumulated     int64 `json:"accumulated"`
	Imported        int64 `json:"imported"`
	Exported        int64 `json:"exported"`
	AllocatedBytes  int64 `json:"allocated_bytes"`
	TooLargeForPool int64 `json:"too_large_for_pool"`
	PoolFull        int64 `json:"pool_full"`
}

func SnapshotFrom(pool *memsys.Pool) Snapshot {
	s := pool.Stat()
	return Snapshot{
		Allocated:       s.Allocated,
		Accumulated:     s.Accumulated,
		Imported:        s.Imported,
		Exported:        s.Exported,
		AllocatedBytes:  s.AllocatedSize,
		TooLargeForPool: s.TooLargeForPool,
		PoolFull:        s.PoolFull,
	}
}

// MarshalJSON renders a Snapshot using the module's configured
// jsoniter codec rather than encoding/json.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	type alias Snapshot
	return json.Marshal(alias(s))
}
