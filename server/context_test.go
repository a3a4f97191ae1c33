package server_test

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/inc-run/inc/memsys"
	"github.com/inc-run/inc/server"
	"github.com/inc-run/inc/shm"
)

type recordingHandler struct {
	mu      sync.Mutex
	clients []*server.Client
}

func (h *recordingHandler) ClientConnected(c *server.Client) {
	h.mu.Lock()
	h.clients = append(h.clients, c)
	h.mu.Unlock()
}
func (h *recordingHandler) ClientDisconnected(*server.Client) {}

func (h *recordingHandler) nth(i int, timeout time.Duration) *server.Client {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		if i < len(h.clients) {
			c := h.clients[i]
			h.mu.Unlock()
			return c
		}
		h.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}

func startTestServer(t *testing.T, posixPool bool) (*server.Server, string, *recordingHandler) {
	t.Helper()
	sock := "unix://" + filepath.Join(t.TempDir(), "inc.sock")
	cfg := server.Config{URL: sock[len("unix://"):]}
	cfg.URL = sock

	poolCfg := memsys.Config{Kind: shm.Private, SegmentSize: 4096 * 8, SlotSize: 4096}
	if posixPool {
		poolCfg.Kind = shm.Posix
	}
	cfg.Pool = poolCfg

	h := &recordingHandler{}
	srv, err := server.New(cfg, h)
	if err != nil {
		if posixPool {
			t.Skipf("posix shm unavailable in this sandbox: %v", err)
		}
		t.Fatalf("server.New: %v", err)
	}
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })
	return srv, sock, h
}

func dialTestContext(t *testing.T, url string, pool *memsys.Pool) *server.Context {
	t.Helper()
	ctx := server.NewContext(server.ContextConfig{URL: url, Pool: pool})
	if err := ctx.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(ctx.Stop)
	return ctx
}

func waitState(t *testing.T, s *server.Stream, want server.StreamState, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("stream never reached state %v, stuck at %v", want, s.State())
}

func TestStreamAttachAssignsChannel(t *testing.T) {
	_, sock, _ := startTestServer(t, false)
	ctx := dialTestContext(t, sock, nil)

	s := server.NewStream("out", ctx)
	if err := s.Attach(server.ModeWrite); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	waitState(t, s, server.StreamAttached, 2*time.Second)
	if s.ChannelID() == 0 {
		t.Fatal("expected a nonzero server-allocated channel id")
	}
	if !s.CanWrite() {
		t.Fatal("an attached write-mode stream must report CanWrite")
	}
}

func TestStreamDetachReleasesChannel(t *testing.T) {
	_, sock, _ := startTestServer(t, false)
	ctx := dialTestContext(t, sock, nil)

	s := server.NewStream("out", ctx)
	if err := s.Attach(server.ModeWrite); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	waitState(t, s, server.StreamAttached, 2*time.Second)

	s.Detach()
	waitState(t, s, server.StreamDetached, 2*time.Second)
	if s.ChannelID() != 0 {
		t.Fatalf("ChannelID() = %d, want 0 after Detach completes", s.ChannelID())
	}
}

func TestBroadcastDeliversSharedBlockToReader(t *testing.T) {
	srv, sock, h := startTestServer(t, true)

	writerCtx := dialTestContext(t, sock, nil)
	wStream := server.NewStream("feed", writerCtx)
	if err := wStream.Attach(server.ModeWrite); err != nil {
		t.Fatalf("writer Attach: %v", err)
	}
	waitState(t, wStream, server.StreamAttached, 2*time.Second)

	readerCtx := dialTestContext(t, sock, srv.Pool())
	rStream := server.NewStream("feed", readerCtx)
	received := make(chan []byte, 1)
	rStream.OnReady(func() {
		if chunk := rStream.Read(); chunk != nil {
			received <- chunk
		}
	})
	if err := rStream.Attach(server.ModeRead); err != nil {
		t.Fatalf("reader Attach: %v", err)
	}
	waitState(t, rStream, server.StreamAttached, 2*time.Second)

	readerClient := h.nth(1, 2*time.Second)
	if readerClient == nil {
		t.Fatal("server never observed the reader's connection")
	}

	b := server.NewBroadcaster(srv, 8)
	if err := b.Fanout([]server.BroadcastTarget{{Client: readerClient, Channel: rStream.ChannelID()}}, []byte("shared-payload")); err != nil {
		t.Fatalf("Fanout: %v", err)
	}

	select {
	case chunk := <-received:
		if string(chunk) != "shared-payload" {
			t.Fatalf("received %q, want %q", chunk, "shared-payload")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the broadcast chunk")
	}
}
