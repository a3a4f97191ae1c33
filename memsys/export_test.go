package memsys_test

import (
	"testing"

	"github.com/inc-run/inc/memsys"
	"github.com/inc-run/inc/shm"
)

func newPosixPool(t *testing.T, slotSize, segSize int) *memsys.Pool {
	t.Helper()
	p, err := memsys.NewPool(memsys.Config{
		Kind:        shm.Posix,
		SegmentSize: segSize,
		SlotSize:    slotSize,
	})
	if err != nil {
		t.Skipf("posix shm unavailable in this sandbox: %v", err)
	}
	t.Cleanup(func() { p.Segment().Detach() })
	return p
}

func TestExportPutThenReleaseUnpinsBlock(t *testing.T) {
	p := newPosixPool(t, 4096, 4096*4)
	exp := memsys.NewExport(p, nil, nil)

	b := memsys.New4Pool(p, 16, 1, 0, memsys.OptDefault)
	d := b.Acquire()
	copy(d.Bytes(), []byte("payload"))
	d.Release()

	before := p.Stat().Allocated
	id, name, segLen, offset, size, _, err := exp.Put(b)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if name != p.Segment().Name() || segLen != p.Segment().Size() {
		t.Fatalf("descriptor does not name the pool's own segment")
	}
	if size != 16 {
		t.Fatalf("size = %d, want 16", size)
	}
	_ = offset

	b.Unref() // caller's own reference; the export's copy keeps the slot alive
	if p.Stat().Allocated != before {
		t.Fatal("export's pinned reference should keep the slot allocated")
	}

	if err := exp.ProcessRelease(id); err != nil {
		t.Fatalf("ProcessRelease: %v", err)
	}
	if p.Stat().Allocated != before-1 {
		t.Fatalf("Allocated = %d, want %d after ProcessRelease", p.Stat().Allocated, before-1)
	}
}

func TestExportSharedFanoutOneSlotManyReferences(t *testing.T) {
	p := newPosixPool(t, 4096, 4096*4)
	exp := memsys.NewExport(p, nil, nil)

	b := memsys.New4Pool(p, 16, 1, 0, memsys.OptDefault)
	before := p.Stat().Allocated

	const nRecipients = 3
	ids := make([]uint32, nRecipients)
	for i := range ids {
		id, _, _, _, _, _, err := exp.Put(b)
		if err != nil {
			t.Fatalf("Put #%d: %v", i, err)
		}
		ids[i] = id
	}
	b.Unref()

	if p.Stat().Allocated != before {
		t.Fatalf("fanout to %d recipients must not allocate extra slots; Allocated = %d, want %d",
			nRecipients, p.Stat().Allocated, before)
	}

	for i, id := range ids {
		if err := exp.ProcessRelease(id); err != nil {
			t.Fatalf("ProcessRelease #%d: %v", i, err)
		}
		if i < nRecipients-1 && p.Stat().Allocated != before {
			t.Fatal("slot freed before the last recipient released its reference")
		}
	}
	if p.Stat().Allocated != before-1 {
		t.Fatalf("Allocated = %d, want %d after every recipient released", p.Stat().Allocated, before-1)
	}
}

func TestImportGetRoundTrip(t *testing.T) {
	p := newPosixPool(t, 4096, 4096*4)
	exp := memsys.NewExport(p, nil, nil)

	b := memsys.New4Pool(p, 16, 1, 0, memsys.OptDefault)
	d := b.Acquire()
	copy(d.Bytes(), []byte("round-trip-data!"))
	d.Release()

	id, name, segLen, offset, size, writable, err := exp.Put(b)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	b.Unref()

	im := memsys.NewImport(nil, nil, nil)
	imported, err := im.Get(id, p.Segment().ID(), name, segLen, offset, size, writable)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer imported.Unref()

	got := imported.Acquire()
	defer got.Release()
	if string(got.Bytes()) != "round-trip-data!" {
		t.Fatalf("imported bytes = %q, want %q", got.Bytes(), "round-trip-data!")
	}

	if err := exp.ProcessRelease(id); err != nil {
		t.Fatalf("ProcessRelease: %v", err)
	}
}

// TestImportRevokeAllLocalPreservesAcquiredData covers the
// disconnect-time revoke path: once the connection that sourced an
// import dies, RevokeAllLocal must convert every still-held block to a
// private copy so a reader already holding its bytes keeps seeing the
// same data rather than racing the segment's detach/reuse.
func TestImportRevokeAllLocalPreservesAcquiredData(t *testing.T) {
	p := newPosixPool(t, 4096, 4096*4)
	exp := memsys.NewExport(p, nil, nil)

	b := memsys.New4Pool(p, 16, 1, 0, memsys.OptDefault)
	d := b.Acquire()
	copy(d.Bytes(), []byte("revoke-me-please"))
	d.Release()

	id, name, segLen, offset, size, writable, err := exp.Put(b)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	b.Unref()

	im := memsys.NewImport(nil, nil, nil)
	imported, err := im.Get(id, p.Segment().ID(), name, segLen, offset, size, writable)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	got := imported.Acquire()

	im.RevokeAllLocal()

	want := "revoke-me-please"
	if string(got.Bytes()) != want {
		t.Fatalf("bytes after revoke = %q, want %q (existing reader should see a consistent snapshot)", got.Bytes(), want)
	}
	got.Release()
	imported.Unref()

	if err := im.ProcessRevoke(id); err == nil {
		t.Fatal("ProcessRevoke should fail once RevokeAllLocal already dropped the mapping")
	}

	if err := exp.ProcessRelease(id); err != nil {
		t.Fatalf("ProcessRelease: %v", err)
	}
}
