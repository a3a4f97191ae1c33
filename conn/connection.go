// Package conn implements per-peer sessions (Component F): the
// Connection state machine, handshake/auth, an outstanding-operation
// table keyed by (sequence number, reply type) with a deadline sweep,
// and the dial helpers for the accepted transport URL schemes.
package conn

import (
	"container/heap"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/inc-run/inc/cmn/cos"
	"github.com/inc-run/inc/cmn/nlog"
	"github.com/inc-run/inc/hk"
	"github.com/inc-run/inc/proto"
)

// Role distinguishes the two sides of a Connection.
type Role int

const (
	RoleClient Role = iota
	RoleServerSide
)

// State is the Connection's lifecycle state.
type State int32

const (
	StateUnconnected State = iota
	StateConnecting
	StateHandshake
	StateAuth
	StateReady
	StateClosing
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "UNCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateHandshake:
		return "HANDSHAKE"
	case StateAuth:
		return "AUTH"
	case StateReady:
		return "READY"
	case StateClosing:
		return "CLOSING"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

var nextConnID atomic.Uint64

// deadlineSweepTick is how often each Connection checks its opHeap for
// expired Operations; independent of OperationTimeout so a caller's
// shorter, explicit deadline is still swept promptly.
const deadlineSweepTick = 250 * time.Millisecond

// MessageHandler processes an inbound application message (anything
// past handshake/auth/ping-pong, which Connection handles itself).
type MessageHandler func(c *Connection, m proto.Message)

// Connection wraps one net.Conn plus the framing state needed to
// drive it: a reader goroutine feeds proto.Parser, and Send drains
// proto.Writer synchronously on the caller's goroutine under mu; state
// is kept in an atomic and either side reports errors through fail.
type Connection struct {
	ID   uint64
	Role Role

	// PeerCaps holds the capability bits the peer advertised during
	// HANDSHAKE; zero if the peer's payload didn't decode (a peer that
	// predates capability exchange).
	PeerCaps CapabilityBits

	nc      net.Conn
	state   atomic.Int32
	seq     atomic.Uint32
	onMsg   MessageHandler
	onState func(State)

	hkName string
	mu     sync.Mutex
	ops    map[opKey]*Operation
	opHeap opHeap

	writer   *proto.Writer
	closeCh  chan struct{}
	closeOne sync.Once
}

// opKey composes a sequence number with the reply type an Operation is
// waiting on, so a seq reused after 32-bit wraparound collides only
// with an outstanding Operation expecting the same kind of reply.
type opKey struct {
	seq uint32
	typ proto.Type
}

type opHeap []*Operation

func (h opHeap) Len() int           { return len(h) }
func (h opHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }
func (h opHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *opHeap) Push(x any)        { op := x.(*Operation); op.index = len(*h); *h = append(*h, op) }
func (h *opHeap) Pop() any {
	old := *h
	n := len(old)
	op := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return op
}

// New wraps an already-established net.Conn. The caller drives the
// handshake/auth steps (Client/Accept below) before calling Start.
func New(nc net.Conn, role Role, onMsg MessageHandler) *Connection {
	c := &Connection{
		ID:      nextConnID.Add(1),
		Role:    role,
		nc:      nc,
		onMsg:   onMsg,
		ops:     make(map[opKey]*Operation),
		writer:  proto.NewWriter(),
		closeCh: make(chan struct{}),
	}
	c.state.Store(int32(StateUnconnected))
	c.hkName = "conn-deadline-sweep-" + itoa(c.ID)
	return c
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

func (c *Connection) State() State    { return State(c.state.Load()) }
func (c *Connection) setState(s State) {
	c.state.Store(int32(s))
	if c.onState != nil {
		c.onState(s)
	}
}

// OnStateChange installs a callback invoked on every state transition
// (used by Context to drive its own CONNECTING mask during reconnect).
func (c *Connection) OnStateChange(f func(State)) { c.onState = f }

// Start launches the reader/writer goroutines and the per-connection
// deadline sweep; call once the Connection has reached READY (or, for
// the server side, immediately after accept).
func (c *Connection) Start() {
	c.setState(StateReady)
	go c.readLoop()
	hk.Default.Reg(c.hkName, c.sweepDeadlines, deadlineSweepTick)
}

func (c *Connection) readLoop() {
	p := proto.NewParser()
	buf := make([]byte, 64*1024)
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			msgs, perr := p.Feed(buf[:n])
			for _, m := range msgs {
				c.dispatch(m)
			}
			if perr != nil {
				c.fail(perr)
				return
			}
		}
		if err != nil {
			if cos.IsRetriableConnErr(err) {
				c.fail(cos.NewErrINC(cos.ConnectionFailed, "%v", err))
			} else {
				c.fail(cos.NewErrINC(cos.Disconnected, "%v", err))
			}
			return
		}
	}
}

func (c *Connection) dispatch(m proto.Message) {
	if err := m.Decompress(); err != nil {
		nlog.Warningf("conn %d: %v", c.ID, err)
		return
	}
	switch m.Header.Type {
	case proto.TypePing:
		c.Send(proto.Message{Header: proto.Header{Type: proto.TypePong, SeqNum: m.Header.SeqNum}})
		return
	case proto.TypePong:
		return
	}
	if op, ok := c.takeOp(m.Header.SeqNum, m.Header.Type); ok {
		op.complete(m.Payload, nil)
		return
	}
	if c.onMsg != nil {
		c.onMsg(c, m)
	}
}

// NextSeq returns the next non-zero sequence number (0 is reserved).
func (c *Connection) NextSeq() uint32 {
	for {
		s := c.seq.Add(1)
		if s != 0 {
			return s
		}
	}
}

// Send enqueues m and drains the send queue to the socket before
// returning; returns ErrQueueFull synchronously if the send queue is at
// capacity.
func (c *Connection) Send(m proto.Message) error {
	if c.State() == StateFailed || c.State() == StateClosing {
		return cos.NewErrINC(cos.InvalidState, "connection %d is %s", c.ID, c.State())
	}
	c.mu.Lock()
	err := c.writer.Enqueue(m)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.flush()
	return nil
}

func (c *Connection) flush() {
	c.mu.Lock()
	err := c.writer.Drain(c.nc)
	c.mu.Unlock()
	if err != nil {
		c.fail(err)
	}
}

// Call sends m and tracks an Operation for its reply, defaulting the
// deadline to OperationTimeout when deadline is the zero Time.
func (c *Connection) Call(m proto.Message, deadline time.Time, cb CompletionFunc, ctx any) (*Operation, error) {
	if deadline.IsZero() {
		deadline = time.Now().Add(OperationTimeout)
	}
	op := newOperation(c, m.Header.SeqNum, m.Header.Type, deadline, cb, ctx)
	key := opKey{op.Seq, op.replyType}
	c.mu.Lock()
	c.ops[key] = op
	heap.Push(&c.opHeap, op)
	c.mu.Unlock()

	if err := c.Send(m); err != nil {
		c.mu.Lock()
		delete(c.ops, key)
		if op.index >= 0 && op.index < len(c.opHeap) {
			heap.Remove(&c.opHeap, op.index)
		}
		c.mu.Unlock()
		return nil, err
	}
	return op, nil
}

func (c *Connection) takeOp(seq uint32, typ proto.Type) (*Operation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := opKey{seq, typ}
	op, ok := c.ops[key]
	if !ok {
		return nil, false
	}
	delete(c.ops, key)
	if op.index >= 0 && op.index < len(c.opHeap) && c.opHeap[op.index] == op {
		heap.Remove(&c.opHeap, op.index)
	}
	return op, true
}

func (c *Connection) forgetOp(seq uint32, typ proto.Type) {
	c.mu.Lock()
	delete(c.ops, opKey{seq, typ})
	c.mu.Unlock()
}

// sweepDeadlines is registered with the process housekeeper; it moves
// every Operation past its deadline to TIMEOUT.
func (c *Connection) sweepDeadlines() time.Duration {
	now := time.Now()
	var expired []*Operation
	c.mu.Lock()
	for len(c.opHeap) > 0 && !c.opHeap[0].deadline.After(now) {
		op := heap.Pop(&c.opHeap).(*Operation)
		delete(c.ops, opKey{op.Seq, op.replyType})
		expired = append(expired, op)
	}
	c.mu.Unlock()
	for _, op := range expired {
		op.expire()
	}
	if c.State() == StateFailed || c.State() == StateClosing {
		return 0
	}
	return deadlineSweepTick
}

// fail transitions the connection to FAILED, failing every
// outstanding operation and closing the transport.
func (c *Connection) fail(err error) {
	if c.State() == StateFailed {
		return
	}
	c.setState(StateFailed)
	nlog.Warningf("conn %d: failed: %v", c.ID, err)
	c.mu.Lock()
	ops := make([]*Operation, 0, len(c.ops))
	for _, op := range c.ops {
		ops = append(ops, op)
	}
	c.ops = make(map[opKey]*Operation)
	c.opHeap = nil
	c.writer = proto.NewWriter()
	c.mu.Unlock()
	for _, op := range ops {
		op.complete(nil, err)
	}
	c.Close()
}

// Close tears down the connection and its deadline sweep; idempotent.
func (c *Connection) Close() {
	c.closeOne.Do(func() {
		if c.State() != StateFailed {
			c.setState(StateClosing)
		}
		hk.Default.Unreg(c.hkName)
		_ = c.nc.Close()
		close(c.closeCh)
	})
}
