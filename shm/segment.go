// Package shm implements the primitive memory-mapped region (Component
// A, "ShareMem"): a page-aligned span backed either by private
// anonymous memory or by a named POSIX shared-memory object, usable by
// memsys to back a MemPool.
package shm

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/karrick/godirwalk"
	"github.com/teris-io/shortid"
	"golang.org/x/sys/unix"

	"github.com/inc-run/inc/cmn/cos"
	"github.com/inc-run/inc/cmn/debug"
	"github.com/inc-run/inc/cmn/nlog"
)

// Kind is the segment's backing store.
type Kind int

const (
	Private Kind = iota // anonymous, process-local mmap
	Posix               // named POSIX shm object, importable by peers
)

func (k Kind) String() string {
	if k == Posix {
		return "posix"
	}
	return "private"
}

const namePrefix = "inc"

var (
	pageSize   = os.Getpagesize()
	nextShmID  atomic.Uint32 // the only legitimate process-wide counter
	segmentDir = "/dev/shm"
)

// Segment is one mmap'd region: either PRIVATE (id==0) or POSIX_SHARED
// (a positive, per-process-unique id, bound to name <prefix>-<id>-<shortid>).
type Segment struct {
	data   []byte
	kind   Kind
	id     uint32
	name   string
	mode   os.FileMode
	file   *os.File // nil for Private
	owner  bool
	closed atomic.Bool
}

// roundUp rounds size up to a multiple of the OS page size.
func roundUp(size int) int {
	if size <= 0 {
		size = pageSize
	}
	return (size + pageSize - 1) / pageSize * pageSize
}

// Create allocates a page-aligned region of at least size bytes. For
// Posix segments a per-process-unique positive id is assigned and a
// <prefix>-<id>-<shortid> object is opened O_CREAT|O_RDWR under
// /dev/shm; mode governs its permission bits.
func Create(kind Kind, size int, mode os.FileMode) (*Segment, error) {
	length := roundUp(size)
	s := &Segment{kind: kind, mode: mode}

	switch kind {
	case Private:
		data, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
		if err != nil {
			return nil, fmt.Errorf("shm: private mmap(%d): %w", length, err)
		}
		s.data = data
	case Posix:
		id := nextShmID.Add(1)
		suffix := "seg"
		if sg, err := shortid.New(1, "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ-_", uint64(id)); err == nil {
			if v, err := sg.Generate(); err == nil {
				suffix = v
			}
		}
		name := fmt.Sprintf("%s-%d-%s", namePrefix, id, suffix)
		path := filepath.Join(segmentDir, name)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_EXCL, mode)
		if err != nil {
			return nil, fmt.Errorf("shm: open %s: %w", path, err)
		}
		if err := f.Truncate(int64(length)); err != nil {
			f.Close()
			os.Remove(path)
			return nil, fmt.Errorf("shm: ftruncate %s: %w", path, err)
		}
		data, err := unix.Mmap(int(f.Fd()), 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			f.Close()
			os.Remove(path)
			return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
		}
		s.data, s.file, s.id, s.name, s.owner = data, f, id, name, true
	default:
		return nil, cos.NewErrINC(cos.InvalidArgs, "unknown shm kind %v", kind)
	}
	debug.Assert(len(s.data)%pageSize == 0)
	return s, nil
}

// Attach opens (but does not own/unlink) an existing POSIX segment by
// name, for a peer importing a block descriptor that names it.
func Attach(name string, length int, writable bool) (*Segment, error) {
	path := filepath.Join(segmentDir, name)
	flag := os.O_RDONLY
	prot := unix.PROT_READ
	if writable {
		flag = os.O_RDWR
		prot |= unix.PROT_WRITE
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("shm: attach %s: %w", path, err)
	}
	length = roundUp(length)
	data, err := unix.Mmap(int(f.Fd()), 0, length, prot, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: attach mmap %s: %w", path, err)
	}
	return &Segment{data: data, kind: Posix, name: name, file: f, owner: false}, nil
}

func (s *Segment) Data() []byte  { return s.data }
func (s *Segment) Size() int     { return len(s.data) }
func (s *Segment) ID() uint32    { return s.id }
func (s *Segment) Name() string  { return s.name }
func (s *Segment) Kind() Kind    { return s.kind }
func (s *Segment) IsOwner() bool { return s.owner }

// Punch is a best-effort MADV_DONTNEED-equivalent; on non-Linux
// platforms (and whenever madvise fails) it is a silent no-op.
func (s *Segment) Punch(offset, length int) error {
	if offset < 0 || length <= 0 || offset+length > len(s.data) {
		return cos.NewErrINC(cos.InvalidArgs, "punch out of range")
	}
	_ = unix.Madvise(s.data[offset:offset+length], unix.MADV_DONTNEED)
	return nil
}

// Detach munmaps the region; returns -1 on an already-detached
// segment. The destructor-equivalent (caller must invoke Detach) is
// idempotent in logging but not in return value, matching §4.A.
func (s *Segment) Detach() int {
	if !s.closed.CompareAndSwap(false, true) {
		return -1
	}
	if s.data != nil {
		if err := unix.Munmap(s.data); err != nil {
			nlog.Warningf("shm: munmap %s: %v", s.name, err)
		}
		s.data = nil
	}
	if s.file != nil {
		s.file.Close()
		if s.owner {
			os.Remove(filepath.Join(segmentDir, s.name))
		}
	}
	return 0
}

// SweepOrphans walks /dev/shm for inc-owned segments left behind by a
// crashed owner and removes those whose prefix matches. Best-effort:
// this process cannot know about other processes' mappings and does
// not check for active readers, so the only guard is a grace period
// the caller supplies via minAge, expressed in seconds of mtime
// staleness (0 removes every match regardless of age).
func SweepOrphans(minAgeSeconds int64) (removed int, err error) {
	opts := &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				return nil
			}
			base := filepath.Base(path)
			if len(base) <= len(namePrefix)+1 || base[:len(namePrefix)+1] != namePrefix+"-" {
				return nil
			}
			fi, statErr := os.Stat(path)
			if statErr != nil {
				return nil //nolint:nilerr // best-effort sweep
			}
			if minAgeSeconds > 0 {
				if mtimeAgeSeconds(fi) < minAgeSeconds {
					return nil
				}
			}
			if rmErr := os.Remove(path); rmErr == nil {
				removed++
			}
			return nil
		},
	}
	if walkErr := godirwalk.Walk(segmentDir, opts); walkErr != nil {
		return removed, walkErr
	}
	return removed, nil
}
