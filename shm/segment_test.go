package shm_test

import (
	"os"
	"testing"

	"github.com/inc-run/inc/shm"
)

func TestCreatePrivate(t *testing.T) {
	seg, err := shm.Create(shm.Private, 4096, 0o600)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer seg.Detach()

	if seg.Size() < 4096 {
		t.Fatalf("Size() = %d, want >= 4096", seg.Size())
	}
	if seg.Kind() != shm.Private {
		t.Fatalf("Kind() = %v, want Private", seg.Kind())
	}
	if !seg.IsOwner() {
		t.Fatal("a freshly created segment must be its own owner")
	}
}

func TestCreatePosixRoundTrip(t *testing.T) {
	seg, err := shm.Create(shm.Posix, 4096, 0o600)
	if err != nil {
		t.Skipf("posix shm unavailable in this sandbox: %v", err)
	}
	defer seg.Detach()

	if seg.ID() == 0 {
		t.Fatal("posix segment must be assigned a nonzero id")
	}
	copy(seg.Data(), []byte("hello"))

	peer, err := shm.Attach(seg.Name(), seg.Size(), false)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer peer.Detach()

	if string(peer.Data()[:5]) != "hello" {
		t.Fatalf("attached segment sees %q, want %q", peer.Data()[:5], "hello")
	}
}

func TestDetachIdempotent(t *testing.T) {
	seg, err := shm.Create(shm.Private, 4096, 0o600)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rc := seg.Detach(); rc != 0 {
		t.Fatalf("first Detach() = %d, want 0", rc)
	}
	if rc := seg.Detach(); rc != -1 {
		t.Fatalf("second Detach() = %d, want -1", rc)
	}
}

func TestSweepOrphansRemovesStaleOnly(t *testing.T) {
	seg, err := shm.Create(shm.Posix, 4096, 0o600)
	if err != nil {
		t.Skipf("posix shm unavailable in this sandbox: %v", err)
	}
	name := seg.Name()
	seg.Detach() // unlinks it; recreate the bare file below to simulate an orphan

	path := "/dev/shm/" + name
	f, err := os.Create(path)
	if err != nil {
		t.Skipf("cannot write to /dev/shm in this sandbox: %v", err)
	}
	f.Close()
	defer os.Remove(path)

	removed, err := shm.SweepOrphans(0)
	if err != nil {
		t.Fatalf("SweepOrphans: %v", err)
	}
	if removed == 0 {
		t.Fatal("expected SweepOrphans to remove the simulated orphan")
	}
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		t.Fatal("orphan file should have been removed")
	}
}
