package server

import (
	"path/filepath"
	"testing"

	"github.com/inc-run/inc/memsys"
	"github.com/inc-run/inc/shm"
)

func TestMaxConnsBoundsConcurrentAccepts(t *testing.T) {
	sock := "unix://" + filepath.Join(t.TempDir(), "inc.sock")
	cfg := Config{
		URL:      sock,
		Pool:     memsys.Config{Kind: shm.Private, SegmentSize: 4096 * 8, SlotSize: 4096},
		MaxConns: 1,
	}
	srv, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer srv.Close()
	if srv.conns == nil {
		t.Fatal("expected a non-nil semaphore when MaxConns > 0")
	}
	if !srv.conns.TryAcquire(1) {
		t.Fatal("expected to acquire the single permit")
	}
	if srv.conns.TryAcquire(1) {
		t.Fatal("expected a second acquire to fail while the first permit is held")
	}
	srv.conns.Release(1)
	if !srv.conns.TryAcquire(1) {
		t.Fatal("expected to acquire again after Release")
	}
	srv.conns.Release(1)
}

func TestNoMaxConnsMeansUnbounded(t *testing.T) {
	sock := "unix://" + filepath.Join(t.TempDir(), "inc.sock")
	cfg := Config{
		URL:  sock,
		Pool: memsys.Config{Kind: shm.Private, SegmentSize: 4096 * 8, SlotSize: 4096},
	}
	srv, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer srv.Close()
	if srv.conns != nil {
		t.Fatal("expected a nil semaphore when MaxConns is unset")
	}
}
