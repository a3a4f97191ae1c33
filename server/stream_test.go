package server_test

import (
	"testing"

	"github.com/inc-run/inc/server"
)

func TestDetachDuringAttachShortCircuits(t *testing.T) {
	ctx := server.NewContext(server.ContextConfig{}) // never connected
	s := server.NewStream("s1", ctx)

	_ = s.Attach(server.ModeWrite) // requestChannel fails (no connection), but state is already ATTACHING
	if s.State() != server.StreamAttaching {
		t.Fatalf("State() = %v, want ATTACHING", s.State())
	}

	s.Detach()
	if s.State() != server.StreamDetached {
		t.Fatalf("State() = %v, want DETACHED after detach-during-attach", s.State())
	}
	if s.ChannelID() != 0 {
		t.Fatalf("ChannelID() = %d, want 0 after short-circuit detach", s.ChannelID())
	}
}

func TestAttachTwiceIsRejected(t *testing.T) {
	ctx := server.NewContext(server.ContextConfig{})
	s := server.NewStream("s1", ctx)
	_ = s.Attach(server.ModeRead)
	if err := s.Attach(server.ModeRead); err == nil {
		t.Fatal("expected Attach on an already-attaching stream to fail")
	}
}

func TestDetachOnDetachedStreamIsNoop(t *testing.T) {
	ctx := server.NewContext(server.ContextConfig{})
	s := server.NewStream("s1", ctx)
	s.Detach() // never attached
	if s.State() != server.StreamDetached {
		t.Fatalf("State() = %v, want DETACHED", s.State())
	}
}

func TestStreamModeBits(t *testing.T) {
	m := server.ModeRead | server.ModeWrite
	if !m.CanRead() || !m.CanWrite() {
		t.Fatal("combined mode should report both CanRead and CanWrite")
	}
	if server.ModeRead.CanWrite() {
		t.Fatal("a read-only mode must not report CanWrite")
	}
}

func TestWriteOnUnattachedStreamFails(t *testing.T) {
	ctx := server.NewContext(server.ContextConfig{})
	s := server.NewStream("s1", ctx)
	if _, err := s.Write([]byte("x")); err == nil {
		t.Fatal("expected Write on a detached stream to fail")
	}
}
