package memsys

import (
	"fmt"
	"sync"

	"github.com/inc-run/inc/cmn/cos"
	"github.com/inc-run/inc/shm"
)

// ImportReleaseCb is the release callback NewImport accepts. Import
// stores it but never invokes it: an imported block reaching refcount
// zero locally does not call it, and the exporting peer is not told
// through it that the slot is free.
type ImportReleaseCb func(imp *Import, blockID uint32, userdata any)

// ImportSegment is one attached remote shm.Segment, reference-counted
// by the blocks importing from it.
type ImportSegment struct {
	mu      sync.Mutex
	segment *shm.Segment
	nActive int
	trash   bool
}

func (s *ImportSegment) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nActive--
	if s.nActive > 0 || !s.trash {
		return
	}
	s.segment.Detach()
}

// Import receives blocks exported by a remote peer over one
// Connection, mapping blockID -> *Block and shmID -> *ImportSegment so
// a repeated import of the same segment reuses the mapping.
type Import struct {
	mu         sync.Mutex
	pool       *Pool
	segments   map[uint32]*ImportSegment
	blocks     map[uint32]*Block
	releaseCb  ImportReleaseCb
	userdata   any
}

func NewImport(pool *Pool, cb ImportReleaseCb, userdata any) *Import {
	return &Import{
		pool:      pool,
		segments:  make(map[uint32]*ImportSegment),
		blocks:    make(map[uint32]*Block),
		releaseCb: cb,
		userdata:  userdata,
	}
}

// AttachSegment attaches (or returns the already-attached) segment
// named by shmID, per the wire descriptor {name, length, writable}.
func (im *Import) AttachSegment(shmID uint32, name string, length int, writable bool) (*ImportSegment, error) {
	im.mu.Lock()
	defer im.mu.Unlock()
	if seg, ok := im.segments[shmID]; ok {
		return seg, nil
	}
	s, err := shm.Attach(name, length, writable)
	if err != nil {
		return nil, err
	}
	seg := &ImportSegment{segment: s}
	im.segments[shmID] = seg
	return seg, nil
}

// Get materializes a local *Block aliasing bytes [offset:offset+size)
// of the named remote segment, importing it on first reference.
func (im *Import) Get(blockID, shmID uint32, segName string, segLen int, offset, size int, writable bool) (*Block, error) {
	im.mu.Lock()
	if b, ok := im.blocks[blockID]; ok {
		im.mu.Unlock()
		return b.Ref(), nil
	}
	im.mu.Unlock()

	seg, err := im.AttachSegment(shmID, segName, segLen, writable)
	if err != nil {
		return nil, err
	}
	data := seg.segment.Data()
	if offset < 0 || size < 0 || offset+size > len(data) {
		return nil, cos.NewErrINC(cos.InvalidMessage, "import: block %d range [%d:%d) outside segment of %d bytes",
			blockID, offset, offset+size, len(data))
	}
	b := newBlock(im.pool, KindImported, OptDefault, data[offset:offset+size], size, size)
	b.readOnly = !writable
	b.imported.id = blockID
	b.imported.segment = seg

	im.mu.Lock()
	seg.mu.Lock()
	seg.nActive++
	seg.mu.Unlock()
	im.blocks[blockID] = b
	im.mu.Unlock()

	if im.pool != nil {
		im.pool.stats.nImported.Add(1)
		im.pool.stats.importedSize.Add(int64(size))
	}
	return b, nil
}

// ProcessRevoke is called when the exporting peer signals blockID is
// gone (client disconnected, slot recycled); it drops the local
// mapping and marks the block's segment for detach once the last
// local holder releases it.
func (im *Import) ProcessRevoke(blockID uint32) error {
	im.mu.Lock()
	b, ok := im.blocks[blockID]
	if ok {
		delete(im.blocks, blockID)
	}
	im.mu.Unlock()
	if !ok {
		return cos.NewErrINC(cos.InvalidArgs, "import: revoke of unknown block %d", blockID)
	}
	if b.imported.segment != nil {
		b.imported.segment.mu.Lock()
		b.imported.segment.trash = true
		b.imported.segment.mu.Unlock()
	}
	b.makeLocal(im.pool)
	return nil
}

// Forget drops blockID from the import map without touching the block
// or its segment refcount. Use it once a caller has already Unref'd
// its own reference and consumed the block's bytes (e.g. a broadcast
// payload copied out and released synchronously): there is nothing
// left to revoke later, and without this the map would keep one stale
// entry per import forever.
func (im *Import) Forget(blockID uint32) {
	im.mu.Lock()
	delete(im.blocks, blockID)
	im.mu.Unlock()
}

// RevokeAllLocal calls ProcessRevoke for every block currently tracked
// by im. Call this when the connection that sourced those imports goes
// away (disconnect, failed reconnect): the remote segments behind them
// stop being valid, but a block already Acquire()'d by a caller must
// keep returning the same bytes rather than reading through a mapping
// that is about to be detached or reused by the next connection.
func (im *Import) RevokeAllLocal() {
	im.mu.Lock()
	ids := make([]uint32, 0, len(im.blocks))
	for id := range im.blocks {
		ids = append(ids, id)
	}
	im.mu.Unlock()
	for _, id := range ids {
		_ = im.ProcessRevoke(id)
	}
}

func (im *Import) String() string {
	im.mu.Lock()
	defer im.mu.Unlock()
	return fmt.Sprintf("import(segments=%d blocks=%d)", len(im.segments), len(im.blocks))
}
