package server

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/inc-run/inc/cmn/cos"
	"github.com/inc-run/inc/conn"
	"github.com/inc-run/inc/memsys"
	"github.com/inc-run/inc/proto"
	"github.com/inc-run/inc/shm"
)

// countBinaryFrames reads the peer end of a net.Pipe in a goroutine,
// counting frames read off it so the test can observe exactly how many BINARY_DATA messages the
// Broadcaster actually wrote without needing a full Context/Stream.
func countBinaryFrames(t *testing.T, peer net.Conn, n int) *int32 {
	t.Helper()
	var got int32
	go func() {
		p := proto.NewParser()
		buf := make([]byte, 4096)
		for int(atomic.LoadInt32(&got)) < n {
			nr, err := peer.Read(buf)
			if nr > 0 {
				msgs, _ := p.Feed(buf[:nr])
				for _, m := range msgs {
					if m.Header.Type == proto.TypeBinaryData {
						atomic.AddInt32(&got, 1)
					}
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return &got
}

func newTestClient(t *testing.T, pool *memsys.Pool) (*Client, net.Conn) {
	t.Helper()
	local, peer := net.Pipe()
	c := conn.New(local, conn.RoleServerSide, nil)
	c.Start()
	t.Cleanup(c.Close)
	return &Client{conn: c, pool: pool, channels: make(map[uint32]StreamMode)}, peer
}

func TestBroadcasterWindowCapsInflightPerClient(t *testing.T) {
	p, err := memsys.NewPool(memsys.Config{Kind: shm.Private, SegmentSize: 4096 * 16, SlotSize: 4096})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer p.Segment().Detach()

	srv := &Server{pool: p, export: memsys.NewExport(p, nil, nil), clients: make(map[uint64]*Client)}
	cl, peer := newTestClient(t, p)
	defer peer.Close()
	srv.clients[cl.conn.ID] = cl

	b := NewBroadcaster(srv, 3)
	const total = 10
	got := countBinaryFrames(t, peer, total)

	for i := 0; i < total; i++ {
		if err := b.Send(cl, 1, []byte("x")); err != nil {
			t.Fatalf("Send #%d: %v", i, err)
		}
	}

	time.Sleep(100 * time.Millisecond)
	if n := atomic.LoadInt32(got); n != 3 {
		t.Fatalf("frames written immediately = %d, want exactly the window size 3", n)
	}

	// Credit the window with one ACK per queued packet (total-3); each
	// ACK should release exactly one queued packet.
	for i := 0; i < total-3; i++ {
		b.onAck(cl.conn.ID, 1)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && atomic.LoadInt32(got) < total {
		time.Sleep(10 * time.Millisecond)
	}
	if n := atomic.LoadInt32(got); n != total {
		t.Fatalf("total frames delivered = %d, want %d once every packet is ACKed", n, total)
	}
}

// TestBroadcastFingerprintMatchesPayload covers the integrity-check
// scenario: a receiver recomputes the same 64-bit fingerprint the
// server stamped onto the ShmDescriptor, so corruption in transit or
// in the shared segment is detectable before the payload is trusted.
func TestBroadcastFingerprintMatchesPayload(t *testing.T) {
	p, err := memsys.NewPool(memsys.Config{Kind: shm.Private, SegmentSize: 4096 * 16, SlotSize: 4096})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer p.Segment().Detach()

	srv := &Server{pool: p, export: memsys.NewExport(p, nil, nil), clients: make(map[uint64]*Client)}
	cl, peer := newTestClient(t, p)
	defer peer.Close()
	srv.clients[cl.conn.ID] = cl

	b := NewBroadcaster(srv, 1)
	data := []byte("the quick brown fox jumps over the lazy dog, repeatedly, for good measure")
	want := cos.Fingerprint64(data)

	descCh := make(chan proto.ShmDescriptor, 1)
	go func() {
		parser := proto.NewParser()
		buf := make([]byte, 4096)
		for {
			n, err := peer.Read(buf)
			if n > 0 {
				msgs, _ := parser.Feed(buf[:n])
				for _, m := range msgs {
					if m.Header.Type == proto.TypeBinaryData {
						if desc, ok := proto.DecodeShmDescriptor(m.Payload); ok {
							descCh <- desc
							return
						}
					}
				}
			}
			if err != nil {
				return
			}
		}
	}()

	if err := b.Send(cl, 1, data); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case desc := <-descCh:
		if desc.Fingerprint != want {
			t.Fatalf("fingerprint = %d, want %d (cos.Fingerprint64 of the broadcast payload)", desc.Fingerprint, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the BINARY_DATA frame")
	}
}
