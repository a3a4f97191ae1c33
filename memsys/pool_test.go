package memsys_test

import (
	"testing"

	"github.com/inc-run/inc/memsys"
	"github.com/inc-run/inc/shm"
)

func newTestPool(t *testing.T, slotSize, segSize int) *memsys.Pool {
	t.Helper()
	p, err := memsys.NewPool(memsys.Config{
		Kind:        shm.Private,
		SegmentSize: segSize,
		SlotSize:    slotSize,
	})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(func() { p.Segment().Detach() })
	return p
}

func TestNewPoolPartitionsSlots(t *testing.T) {
	p := newTestPool(t, 4096, 4096*8)
	if p.SlotCount() != 8 {
		t.Fatalf("SlotCount() = %d, want 8", p.SlotCount())
	}
	if !p.IsGlobal() {
		t.Fatal("a pool created with PerClient=false must be global")
	}
}

func TestPoolAllocateExhaustsAndFreesSlot(t *testing.T) {
	p := newTestPool(t, 64, 64*2)

	b1 := memsys.New4Pool(p, 32, 1, 0, memsys.OptDefault)
	if b1 == nil {
		t.Fatal("expected first allocation to succeed")
	}
	b2 := memsys.New4Pool(p, 32, 1, 0, memsys.OptDefault)
	if b2 == nil {
		t.Fatal("expected second allocation to succeed")
	}
	if b3 := memsys.New4Pool(p, 32, 1, 0, memsys.OptDefault); b3 != nil {
		t.Fatal("expected pool to be exhausted after two slots")
	}
	if snap := p.Stat(); snap.PoolFull == 0 {
		t.Fatal("expected PoolFull counter to record the exhausted attempt")
	}

	b1.Unref()
	b3 := memsys.New4Pool(p, 32, 1, 0, memsys.OptDefault)
	if b3 == nil {
		t.Fatal("expected a slot to become available after Unref")
	}
	b3.Unref()
	b2.Unref()
}

func TestNewOneFallsBackToHeapWhenPoolFull(t *testing.T) {
	p := newTestPool(t, 64, 64)
	held := memsys.New4Pool(p, 32, 1, 0, memsys.OptDefault)
	if held == nil {
		t.Fatal("expected the only slot to be allocatable")
	}
	defer held.Unref()

	b := memsys.NewOne(p, 32, 1, 0, memsys.OptDefault)
	if b == nil {
		t.Fatal("NewOne must fall back to a heap allocation when the pool is full")
	}
	if b.Kind() != memsys.KindAppended {
		t.Fatalf("Kind() = %v, want KindAppended", b.Kind())
	}
	b.Unref()
}

func TestNew4PoolTooLargeForSlot(t *testing.T) {
	p := newTestPool(t, 64, 64*2)
	if b := memsys.New4Pool(p, 128, 1, 0, memsys.OptDefault); b != nil {
		t.Fatal("expected nil for a request exceeding the slot size")
	}
	if snap := p.Stat(); snap.TooLargeForPool == 0 {
		t.Fatal("expected TooLargeForPool counter to record the oversized request")
	}
}
