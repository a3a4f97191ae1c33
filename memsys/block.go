package memsys

import (
	"sync/atomic"

	"github.com/inc-run/inc/cmn/debug"
)

// Block is a reference-counted, variable-length buffer. Application
// code never touches .buf directly: all access goes through Acquire(),
// whose returned Data keeps nAcquired accurate so a concurrent
// Reallocate/Free never races a reader.
type Block struct {
	pool     *Pool // strong back-reference; pools never track individual blocks
	kind     Kind
	options  Options
	readOnly bool
	silence  bool

	length   int
	capacity int

	buf       atomic.Pointer[[]byte]
	refcount  atomic.Int32
	nAcquired atomic.Int32
	pleaseSig atomic.Int32

	slot *slot // non-nil for KindPool/KindPoolExternal

	user struct {
		freeCb FreeCb
		ctx    any
	}
	imported struct {
		id      uint32
		segment *ImportSegment
	}
}

// Data is the scoped-acquisition wrapper: it increments the owning
// Block's nAcquired on construction, and the caller must call Release
// exactly once per Acquire/Dup to balance it. Go has no copy
// constructors, so a plain `d2 := d` does NOT bump the counter; use
// Dup() for that.
type Data struct {
	block *Block
	bytes []byte
}

func (b *Block) Acquire() Data {
	b.nAcquired.Add(1)
	p := b.buf.Load()
	var bytes []byte
	if p != nil {
		bytes = (*p)[:b.length]
	}
	return Data{block: b, bytes: bytes}
}

// Dup explicitly re-acquires, matching the "copy increments" contract.
func (d Data) Dup() Data {
	d.block.nAcquired.Add(1)
	return d
}

func (d Data) Bytes() []byte { return d.bytes }

func (d Data) Release() {
	if d.block == nil {
		return
	}
	n := d.block.nAcquired.Add(-1)
	debug.Assert(n >= 0, "over-release of MemBlock.Data")
}

func newBlock(pool *Pool, kind Kind, options Options, data []byte, length, capacity int) *Block {
	b := &Block{pool: pool, kind: kind, options: options, length: length, capacity: capacity}
	b.buf.Store(&data)
	b.refcount.Store(1)
	return b
}

// NewOne allocates count*elementSize bytes, trying the pool path first
// and falling back to an APPENDED (heap) allocation when the request
// exceeds the pool's per-block maximum. When the pool path is taken,
// `options` is silently dropped; callers that need options honored
// must force the malloc path instead.
func NewOne(pool *Pool, elementCount, elementSize int, align int, options Options) *Block {
	size := elementCount * elementSize
	if pool != nil && size <= pool.BlockSizeMax() {
		if b := New4Pool(pool, elementCount, elementSize, align, OptDefault); b != nil {
			return b
		}
		// pool was full; fall through to a heap allocation rather than fail
	}
	data := make([]byte, size, alignedCap(size, options))
	b := newBlock(pool, KindAppended, options, data, size, cap(data))
	if pool != nil {
		pool.statAdd(b)
	}
	return b
}

func alignedCap(size int, options Options) int {
	if options&OptGrowsForward != 0 || options&OptGrowsBackwards != 0 {
		return size * 2
	}
	return size
}

// New4Pool allocates strictly from the pool; returns nil if no free
// slot is available (pool exhausted).
func New4Pool(pool *Pool, elementCount, elementSize int, _ int, options Options) *Block {
	if pool == nil {
		return nil
	}
	size := elementCount * elementSize
	if size > pool.BlockSizeMax() {
		pool.stats.nTooLargeForPool.Add(1)
		return nil
	}
	sl, ok := pool.allocateSlot()
	if !ok {
		pool.stats.nPoolFull.Add(1)
		return nil
	}
	full := pool.slotData(sl)
	data := full[:size]
	b := newBlock(pool, KindPool, options, data, size, len(full))
	b.slot = sl
	pool.statAdd(b)
	return b
}

// New4User wraps caller-owned memory; freeCb runs exactly once, on the
// last deref.
func New4User(pool *Pool, data []byte, freeCb FreeCb, ctx any, readOnly bool) *Block {
	b := newBlock(pool, KindUser, OptDefault, data, len(data), len(data))
	b.readOnly = readOnly
	b.user.freeCb = freeCb
	b.user.ctx = ctx
	if pool != nil {
		pool.statAdd(b)
	}
	return b
}

// New4Fixed wraps memory the block does not own; the caller must keep
// it alive for at least as long as the block (and every acquired Data)
// lives.
func New4Fixed(pool *Pool, data []byte, readOnly bool) *Block {
	b := newBlock(pool, KindFixed, OptDefault, data, len(data), len(data))
	b.readOnly = readOnly
	if pool != nil {
		pool.statAdd(b)
	}
	return b
}

// Reallocate grows/shrinks an APPENDED block in place conceptually
// (Go's GC means this allocates a new backing array); legal only when
// the block has no acquired references.
func Reallocate(b *Block, elementCount, elementSize int, options Options) *Block {
	if b.kind != KindAppended {
		return nil
	}
	if b.nAcquired.Load() != 0 {
		return nil
	}
	newSize := elementCount * elementSize
	oldCap := b.DetachCapacity(newSize)
	if oldCap < newSize {
		oldCap = newSize
	}
	old := b.buf.Load()
	data := make([]byte, newSize, alignedCap(oldCap, options|b.options))
	if old != nil {
		copy(data, *old)
	}
	b.buf.Store(&data)
	b.length = newSize
	b.capacity = cap(data)
	b.options |= options
	return b
}

//
// accessors
//

func (b *Block) Kind() Kind              { return b.kind }
func (b *Block) Length() int             { return b.length }
func (b *Block) Capacity() int           { return b.capacity }
func (b *Block) Options() Options        { return b.options }
func (b *Block) SetOptions(o Options)    { b.options |= o }
func (b *Block) ClearOptions(o Options)  { b.options &^= o }
func (b *Block) IsSilence() bool         { return b.silence }
func (b *Block) SetSilence(v bool)       { b.silence = v }
func (b *Block) Pool() *Pool             { return b.pool }
func (b *Block) IsOurs() bool            { return b.kind != KindImported }
func (b *Block) RefIsOne() bool          { return b.refcount.Load() == 1 }
func (b *Block) IsShared() bool          { return b.refcount.Load() != 1 }
func (b *Block) IsReadOnly() bool        { return b.readOnly || b.refcount.Load() > 1 }
func (b *Block) NeedsDetach() bool       { return b.IsReadOnly() }

func (b *Block) DetachCapacity(newSize int) int {
	if b.options&OptCapacityReserved != 0 && newSize <= b.capacity {
		return b.capacity
	}
	return newSize
}

func (b *Block) DetachOptions() Options {
	if b.options&OptCapacityReserved != 0 {
		return OptCapacityReserved
	}
	return OptDefault
}

// Ref increments the refcount (e.g. MemExport.Put keeping a strong
// reference alongside the caller's own).
func (b *Block) Ref() *Block {
	b.refcount.Add(1)
	return b
}

// Unref decrements the refcount; on reaching zero, frees the
// underlying storage (releasing the pool slot, invoking the user
// free-callback, or simply dropping the Go slice) exactly once.
func (b *Block) Unref() {
	if b.refcount.Add(-1) > 0 {
		return
	}
	b.doFree()
}

func (b *Block) doFree() {
	switch b.kind {
	case KindPool, KindPoolExternal:
		if b.pool != nil && b.slot != nil {
			b.pool.freeSlot(b.slot)
			b.pool.statRemove(b)
		}
		// a revoked import (makeLocal) still holds its remote segment
		if b.imported.segment != nil {
			b.imported.segment.release()
		}
	case KindUser:
		if b.user.freeCb != nil {
			b.user.freeCb(*b.buf.Load(), b.user.ctx)
		}
		if b.pool != nil {
			b.pool.statRemove(b)
		}
	case KindImported:
		if b.imported.segment != nil {
			b.imported.segment.release()
		}
	default:
		if b.pool != nil {
			b.pool.statRemove(b)
		}
	}
	b.buf.Store(nil)
}

// makeLocal copies the imported bytes into a local pool block and
// atomically swaps this block's data pointer to point at the copy,
// marking it read-only. Existing holders of an already-acquired Data
// keep their (now-orphaned but still valid) slice; new Acquire calls
// see the local copy.
func (b *Block) makeLocal(pool *Pool) {
	debug.Assert(b.kind == KindImported)
	old := b.buf.Load()
	var copied []byte
	if old != nil {
		copied = append([]byte(nil), (*old)[:b.length]...)
	}
	if pool != nil {
		if sl, ok := pool.allocateSlot(); ok {
			dst := pool.slotData(sl)[:b.length]
			copy(dst, copied)
			b.buf.Store(&dst)
			b.slot = sl
			b.kind = KindPoolExternal
			b.readOnly = true
			return
		}
	}
	b.buf.Store(&copied)
	b.readOnly = true
}
