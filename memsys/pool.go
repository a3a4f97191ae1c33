package memsys

import (
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/inc-run/inc/cmn/cos"
	"github.com/inc-run/inc/cmn/debug"
	"github.com/inc-run/inc/shm"
)

// slot is one fixed-size partition of the pool's shm segment.
type slot struct {
	idx int32
}

// node is a Treiber-stack cell; the free list is lock-free (CAS
// push/pop).
type node struct {
	s    *slot
	next atomic.Pointer[node]
}

type freeStack struct {
	head atomic.Pointer[node]
}

func (fs *freeStack) push(s *slot) {
	n := &node{s: s}
	for {
		old := fs.head.Load()
		n.next.Store(old)
		if fs.head.CompareAndSwap(old, n) {
			return
		}
	}
}

func (fs *freeStack) pop() (*slot, bool) {
	for {
		old := fs.head.Load()
		if old == nil {
			return nil, false
		}
		next := old.next.Load()
		if fs.head.CompareAndSwap(old, next) {
			return old.s, true
		}
	}
}

// Stat mirrors a Pool's allocation counters, updated without a lock;
// take these as approximate under concurrent load.
type Stat struct {
	nAllocated      atomic.Int64
	nAccumulated    atomic.Int64
	nImported       atomic.Int64
	nExported       atomic.Int64
	allocatedSize   atomic.Int64
	accumulatedSize atomic.Int64
	importedSize    atomic.Int64
	exportedSize    atomic.Int64

	nTooLargeForPool atomic.Int64
	nPoolFull        atomic.Int64

	nAllocatedByType   [kindMax]atomic.Int64
	nAccumulatedByType [kindMax]atomic.Int64
}

// Snapshot is an immutable copy of Stat for reporting (stats package,
// JSON/Prometheus export).
type Snapshot struct {
	Allocated, Accumulated, Imported, Exported     int64
	AllocatedSize, AccumulatedSize                 int64
	ImportedSize, ExportedSize                     int64
	TooLargeForPool, PoolFull                      int64
	AllocatedByType, AccumulatedByType             [kindMax]int64
}

func (s *Stat) Snapshot() Snapshot {
	var out Snapshot
	out.Allocated = s.nAllocated.Load()
	out.Accumulated = s.nAccumulated.Load()
	out.Imported = s.nImported.Load()
	out.Exported = s.nExported.Load()
	out.AllocatedSize = s.allocatedSize.Load()
	out.AccumulatedSize = s.accumulatedSize.Load()
	out.ImportedSize = s.importedSize.Load()
	out.ExportedSize = s.exportedSize.Load()
	out.TooLargeForPool = s.nTooLargeForPool.Load()
	out.PoolFull = s.nPoolFull.Load()
	for i := range s.nAllocatedByType {
		out.AllocatedByType[i] = s.nAllocatedByType[i].Load()
		out.AccumulatedByType[i] = s.nAccumulatedByType[i].Load()
	}
	return out
}

// Config configures a Pool's backing segment.
type Config struct {
	Kind           shm.Kind
	SegmentSize    int
	SlotSize       int
	PerClient      bool
	RemoteWritable bool
	Mode           uint32 // posix permission bits
}

// Pool is a fixed-size-slot allocator over one shm.Segment.
type Pool struct {
	segment   *shm.Segment
	slotSize  int
	slotCount int32
	free      freeStack
	nInit     atomic.Int32

	global         bool
	remoteWritable bool

	stats Stat
}

// NewPool partitions a freshly created segment into N fixed-size slots.
func NewPool(cfg Config) (*Pool, error) {
	if cfg.SlotSize <= 0 || cfg.SegmentSize <= 0 {
		return nil, cos.NewErrINC(cos.InvalidArgs, "pool: slot/segment size must be positive")
	}
	mode := os.FileMode(cfg.Mode)
	if mode == 0 {
		mode = 0o600
	}
	seg, err := shm.Create(cfg.Kind, cfg.SegmentSize, mode)
	if err != nil {
		return nil, err
	}
	n := cfg.SegmentSize / cfg.SlotSize
	if n == 0 {
		seg.Detach()
		return nil, cos.NewErrINC(cos.InvalidArgs, "pool: segment smaller than one slot")
	}
	p := &Pool{
		segment:        seg,
		slotSize:       cfg.SlotSize,
		slotCount:      int32(n),
		global:         !cfg.PerClient,
		remoteWritable: cfg.RemoteWritable,
	}
	for i := int32(0); i < p.slotCount; i++ {
		p.free.push(&slot{idx: i})
	}
	return p, nil
}

func (p *Pool) BlockSizeMax() int      { return p.slotSize }
func (p *Pool) IsGlobal() bool         { return p.global }
func (p *Pool) IsPerClient() bool      { return !p.global }
func (p *Pool) IsRemoteWritable() bool { return p.remoteWritable }
func (p *Pool) SetRemoteWritable(v bool) { p.remoteWritable = v }
func (p *Pool) Stat() Snapshot         { return p.stats.Snapshot() }
func (p *Pool) Segment() *shm.Segment  { return p.segment }
func (p *Pool) SlotCount() int32       { return p.slotCount }

func (p *Pool) allocateSlot() (*slot, bool) {
	s, ok := p.free.pop()
	if ok {
		p.nInit.Add(1)
	}
	return s, ok
}

func (p *Pool) freeSlot(s *slot) { p.free.push(s) }

func (p *Pool) slotData(s *slot) []byte {
	off := int(s.idx) * p.slotSize
	return p.segment.Data()[off : off+p.slotSize]
}

// slotIdx (below) is O(1) arithmetic on the segment's base pointer,
// recovering a slot index from a block's bytes without storing a
// back-reference pointer in every block; Export.Put uses ptrOffset
// directly to find a block's segment offset.
// ptrOffset returns the byte offset of sub's first element within base,
// or -1 if sub does not point inside base's backing array.
func ptrOffset(base, sub []byte) int {
	if len(base) == 0 || len(sub) == 0 {
		return -1
	}
	bp := uintptr(unsafe.Pointer(&base[0]))
	sp := uintptr(unsafe.Pointer(&sub[0]))
	if sp < bp {
		return -1
	}
	off := int(sp - bp)
	if off >= len(base) {
		return -1
	}
	return off
}

func (p *Pool) slotIdx(ptr []byte) (int32, bool) {
	base := p.segment.Data()
	if len(base) == 0 || len(ptr) == 0 {
		return 0, false
	}
	boff := ptrOffset(base, ptr)
	if boff < 0 || boff >= len(base) {
		return 0, false
	}
	return int32(boff / p.slotSize), true
}

func (p *Pool) statAdd(b *Block) {
	p.stats.nAllocated.Add(1)
	p.stats.nAccumulated.Add(1)
	p.stats.allocatedSize.Add(int64(b.length))
	p.stats.accumulatedSize.Add(int64(b.length))
	p.stats.nAllocatedByType[b.kind].Add(1)
	p.stats.nAccumulatedByType[b.kind].Add(1)
}

func (p *Pool) statRemove(b *Block) {
	p.stats.nAllocated.Add(-1)
	p.stats.allocatedSize.Add(-int64(b.length))
	p.stats.nAllocatedByType[b.kind].Add(-1)
}

// Vacuum is a best-effort hint that the pool may release any OS-level
// resources it can without breaking invariants; for a fixed slot table
// backed by one segment there is nothing to give back mid-life, so this
// releases nothing and issues no Punch, not even on free slots.
func (p *Pool) Vacuum() {
	// no-op: slots are fixed-size and pre-partitioned.
	debug.Assert(p.slotCount >= 0)
}
