package memsys

import (
	"sync"

	"github.com/inc-run/inc/cmn/cos"
	"github.com/inc-run/inc/cmn/debug"
)

// exportSlotsMax bounds the number of blocks a single Export can have
// in flight to one peer at a time; a Put beyond this returns a
// cos.QueueFull error so the caller backs off.
const exportSlotsMax = 128

// ExportRevokeCb is the revoke callback NewExport accepts. Export
// stores it but never invokes it; no code path pulls a previously
// exported block back through it.
type ExportRevokeCb func(exp *Export, blockID uint32, userdata any)

type exportSlot struct {
	inUse bool
	block *Block
}

// Export hands out blockIDs for outbound zero-copy transfers: Put
// pins a reference and assigns a stable local id; ProcessRelease
// drops it once the peer ACKs receipt (or disconnects).
type Export struct {
	mu        sync.Mutex
	pool      *Pool
	baseIdx   uint32
	nInit     uint32
	free      []uint32
	slots     [exportSlotsMax]exportSlot
	revokeCb  ExportRevokeCb
	userdata  any
}

func NewExport(pool *Pool, cb ExportRevokeCb, userdata any) *Export {
	return &Export{pool: pool, revokeCb: cb, userdata: userdata}
}

// Put pins block and returns a blockID plus the wire descriptor needed
// for the peer to Import it: segment name/length, offset, size.
func (e *Export) Put(b *Block) (blockID uint32, segName string, segLen, offset, size int, writable bool, err error) {
	if b.pool == nil || b.pool.segment == nil {
		return 0, "", 0, 0, 0, false, cos.NewErrINC(cos.InvalidArgs, "export: block has no shm-backed pool")
	}

	copyBlock := e.sharedCopy(b)

	e.mu.Lock()
	idx, ok := e.acquireSlotLocked()
	if !ok {
		e.mu.Unlock()
		copyBlock.Unref()
		return 0, "", 0, 0, 0, false, cos.NewErrINC(cos.QueueFull, "export: %d in-flight blocks already pinned", exportSlotsMax)
	}
	e.slots[idx].block = copyBlock
	e.mu.Unlock()

	seg := copyBlock.pool.segment
	data := copyBlock.Acquire()
	defer data.Release()
	segOff := ptrOffset(seg.Data(), data.Bytes())
	debug.Assert(segOff >= 0, "export: block not backed by its pool's segment")

	if e.pool != nil {
		e.pool.stats.nExported.Add(1)
		e.pool.stats.exportedSize.Add(int64(copyBlock.Length()))
	}
	return e.baseIdx + idx, seg.Name(), seg.Size(), segOff, copyBlock.Length(), !copyBlock.IsReadOnly(), nil
}

func (e *Export) acquireSlotLocked() (uint32, bool) {
	if len(e.free) > 0 {
		idx := e.free[len(e.free)-1]
		e.free = e.free[:len(e.free)-1]
		e.slots[idx].inUse = true
		return idx, true
	}
	if e.nInit >= exportSlotsMax {
		return 0, false
	}
	idx := e.nInit
	e.nInit++
	e.slots[idx].inUse = true
	return idx, true
}

// ProcessRelease is invoked on receiving the peer's ACK for blockID
// (or on peer disconnect, to force-release every slot it held): it
// unrefs the pinned copy and returns the slot to the free list.
func (e *Export) ProcessRelease(blockID uint32) error {
	if blockID < e.baseIdx {
		return cos.NewErrINC(cos.InvalidArgs, "export: blockID %d below base", blockID)
	}
	idx := blockID - e.baseIdx
	e.mu.Lock()
	if idx >= exportSlotsMax || !e.slots[idx].inUse {
		e.mu.Unlock()
		return cos.NewErrINC(cos.InvalidArgs, "export: blockID %d not in use", blockID)
	}
	b := e.slots[idx].block
	e.slots[idx].block = nil
	e.slots[idx].inUse = false
	e.free = append(e.free, idx)
	e.mu.Unlock()

	if b != nil {
		b.Unref()
	}
	return nil
}

// sharedCopy returns a block with b's bytes that can be safely handed
// to a remote reader: pool-backed blocks are ref'd directly and alias
// b's bytes (the pool segment is already shm); anything else is copied once
// into the pool so its bytes live in shared memory at all.
func (e *Export) sharedCopy(b *Block) *Block {
	if b.kind == KindPool || b.kind == KindPoolExternal {
		return b.Ref()
	}
	pool := e.pool
	if pool == nil {
		pool = b.pool
	}
	nb := New4Pool(pool, b.Length(), 1, 0, OptDefault)
	if nb == nil {
		nb = NewOne(pool, b.Length(), 1, 0, OptDefault)
	}
	src := b.Acquire()
	defer src.Release()
	dst := nb.Acquire()
	copy(dst.Bytes(), src.Bytes())
	dst.Release()
	return nb
}
