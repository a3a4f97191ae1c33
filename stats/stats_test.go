package stats_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/inc-run/inc/memsys"
	"github.com/inc-run/inc/shm"
	"github.com/inc-run/inc/stats"
)

func newTestPool(t *testing.T) *memsys.Pool {
	t.Helper()
	p, err := memsys.NewPool(memsys.Config{Kind: shm.Private, SegmentSize: 4096 * 4, SlotSize: 4096})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(func() { p.Segment().Detach() })
	return p
}

func TestPoolCollectorReportsAllocatedCount(t *testing.T) {
	p := newTestPool(t)
	b := memsys.New4Pool(p, 16, 1, 0, memsys.OptDefault)
	defer b.Unref()

	c := stats.NewPoolCollector("test", p)
	ch := make(chan prometheus.Metric, 16)
	c.Collect(ch)
	close(ch)

	found := false
	for m := range ch {
		var d dto.Metric
		if err := m.Write(&d); err != nil {
			t.Fatalf("Write: %v", err)
		}
		if d.Gauge != nil && d.Gauge.GetValue() == 1 {
			found = true
		}
	}
	if !found {
		t.Fatal("expected one of the collected metrics to report 1 allocated block")
	}
}

func TestSnapshotFromMatchesPoolStat(t *testing.T) {
	p := newTestPool(t)
	b := memsys.New4Pool(p, 16, 1, 0, memsys.OptDefault)
	defer b.Unref()

	snap := stats.SnapshotFrom(p)
	if snap.Allocated != 1 {
		t.Fatalf("Allocated = %d, want 1", snap.Allocated)
	}
	if snap.AllocatedBytes != 16 {
		t.Fatalf("AllocatedBytes = %d, want 16", snap.AllocatedBytes)
	}
}

func TestSnapshotMarshalJSON(t *testing.T) {
	p := newTestPool(t)
	snap := stats.SnapshotFrom(p)
	data, err := snap.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected non-empty JSON output")
	}
}
