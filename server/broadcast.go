package server

import (
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/inc-run/inc/cmn/cos"
	"github.com/inc-run/inc/memsys"
	"github.com/inc-run/inc/proto"
)

// fanoutConcurrency bounds how many of a Fanout's per-target sends run
// at once; a broadcast to many clients shouldn't block on the
// slowest one before starting the next.
const fanoutConcurrency = 8

// Broadcaster fans one filled MemBlock out to many clients without
// per-receiver copies: it acquires a single block from the server's
// pool, exports one reference per client, and tracks a per-(client,
// channel) inflight window so a slow receiver cannot be driven past
// its configured cap.
type Broadcaster struct {
	srv               *Server
	inflightPerClient int

	mu       sync.Mutex
	inflight map[key]int
	pending  map[key][][]byte
}

type key struct {
	connID  uint64
	channel uint32
}

// NewBroadcaster attaches a Broadcaster to srv and registers it so
// inbound ACKs (TypeEvent carrying a blockID) credit its window.
func NewBroadcaster(srv *Server, inflightPerClient int) *Broadcaster {
	b := &Broadcaster{
		srv:               srv,
		inflightPerClient: inflightPerClient,
		inflight:          make(map[key]int),
		pending:           make(map[key][][]byte),
	}
	srv.broadcaster = b
	return b
}

// Send queues data for delivery to client on channel; if the client's
// inflight window is saturated, it is held until a matching ACK
// arrives.
func (b *Broadcaster) Send(client *Client, channel uint32, data []byte) error {
	k := key{client.conn.ID, channel}
	b.mu.Lock()
	if b.inflight[k] >= b.inflightPerClient {
		b.pending[k] = append(b.pending[k], data)
		b.mu.Unlock()
		return nil
	}
	b.inflight[k]++
	b.mu.Unlock()
	if err := b.sendOne(client, channel, data); err != nil {
		b.mu.Lock()
		b.inflight[k]--
		b.mu.Unlock()
		return err
	}
	return nil
}

// Fanout acquires one shared block, fills it with data, and Sends a
// reference to every (client, channel) pair. No per-receiver copy
// beyond the initial fill.
func (b *Broadcaster) Fanout(targets []BroadcastTarget, data []byte) error {
	if b.srv.pool == nil {
		return cos.NewErrINC(cos.InvalidState, "broadcast requires a shared (non per-client) pool")
	}
	blk := memsys.New4Pool(b.srv.pool, len(data), 1, 0, memsys.OptDefault)
	if blk == nil {
		blk = memsys.NewOne(b.srv.pool, len(data), 1, 0, memsys.OptDefault)
	}
	d := blk.Acquire()
	copy(d.Bytes(), data)
	d.Release()

	var eg errgroup.Group
	eg.SetLimit(fanoutConcurrency)
	for _, t := range targets {
		t := t
		eg.Go(func() error {
			return b.sendBlock(t.Client, t.Channel, blk)
		})
	}
	err := eg.Wait()
	blk.Unref() // drop the Fanout-local reference; each export holds its own
	return err
}

// BroadcastTarget names one (client, channel) recipient of a Fanout.
type BroadcastTarget struct {
	Client  *Client
	Channel uint32
}

func (b *Broadcaster) sendOne(client *Client, channel uint32, data []byte) error {
	if b.srv.pool == nil {
		return cos.NewErrINC(cos.InvalidState, "broadcast requires a shared (non per-client) pool")
	}
	blk := memsys.New4Pool(b.srv.pool, len(data), 1, 0, memsys.OptDefault)
	if blk == nil {
		blk = memsys.NewOne(b.srv.pool, len(data), 1, 0, memsys.OptDefault)
	}
	d := blk.Acquire()
	copy(d.Bytes(), data)
	d.Release()
	err := b.sendBlock(client, channel, blk)
	blk.Unref()
	return err
}

func (b *Broadcaster) sendBlock(client *Client, channel uint32, blk *memsys.Block) error {
	d := blk.Acquire()
	fingerprint := cos.Fingerprint64(d.Bytes())
	d.Release()

	blockID, segName, segLen, offset, size, writable, err := b.srv.export.Put(blk)
	if err != nil {
		return err
	}
	desc := proto.ShmDescriptor{
		ShmID:       b.srv.pool.Segment().ID(),
		BlockID:     blockID,
		SegName:     segName,
		SegLen:      uint32(segLen),
		Offset:      uint32(offset),
		Size:        uint32(size),
		Writable:    writable,
		Fingerprint: fingerprint,
	}
	m := proto.Message{Header: proto.Header{
		Type: proto.TypeBinaryData, SeqNum: client.conn.NextSeq(), ChannelID: channel, Flags: proto.FlagSHMData,
	}, Payload: proto.EncodeShmDescriptor(desc)}
	return client.conn.Send(m)
}

// onAck is invoked by Server.handleEvent when a client's ACK carries a
// nonzero blockID: it credits the window and dispatches one pending
// packet if any is queued.
func (b *Broadcaster) onAck(connID uint64, channel uint32) {
	k := key{connID, channel}
	b.mu.Lock()
	if b.inflight[k] > 0 {
		b.inflight[k]--
	}
	var next []byte
	if q := b.pending[k]; len(q) > 0 {
		next = q[0]
		b.pending[k] = q[1:]
	}
	credit := b.inflight[k] < b.inflightPerClient
	b.mu.Unlock()
	if next == nil || !credit {
		return
	}

	b.srv.mu.Lock()
	var client *Client
	for _, c := range b.srv.clients {
		if c.conn.ID == connID {
			client = c
			break
		}
	}
	b.srv.mu.Unlock()
	if client == nil {
		return
	}
	b.mu.Lock()
	b.inflight[k]++
	b.mu.Unlock()
	if err := b.sendOne(client, channel, next); err != nil {
		b.mu.Lock()
		b.inflight[k]--
		b.mu.Unlock()
	}
}
