package server

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/inc-run/inc/cmn/cos"
	"github.com/inc-run/inc/cmn/nlog"
	"github.com/inc-run/inc/conn"
	"github.com/inc-run/inc/memsys"
	"github.com/inc-run/inc/proto"
	"github.com/inc-run/inc/wire"
)

// ContextConfig holds a session's dial target, auth token, and
// reconnect policy.
type ContextConfig struct {
	URL                  string
	Auth                 *conn.AuthConfig
	AutoReconnect        bool
	ReconnectIntervalMs  int
	MaxReconnectAttempts int

	// Pool/Import back a Context that expects SHM_DATA broadcast
	// frames; nil disables zero-copy import and such frames are
	// dropped with a logged warning.
	Pool *memsys.Pool
}

// ContextState masks the underlying Connection state machine so
// reconnect attempts are externally visible only as CONNECTING.
type ContextState int

const (
	CtxUnconnected ContextState = iota
	CtxConnecting
	CtxReady
	CtxFailed
)

func (s ContextState) String() string {
	switch s {
	case CtxUnconnected:
		return "UNCONNECTED"
	case CtxConnecting:
		return "CONNECTING"
	case CtxReady:
		return "READY"
	case CtxFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Context is the client-side session driver: it owns one Connection
// at a time, transparently reconnecting and re-attaching streams in
// creation order.
type Context struct {
	cfg ContextConfig

	mu       sync.Mutex
	c        *conn.Connection
	state    ContextState
	attempts int
	streams  []*Stream
	onState  func(ContextState)
	stopped  bool
	importer *memsys.Import
}

func NewContext(cfg ContextConfig) *Context {
	ctx := &Context{cfg: cfg, state: CtxUnconnected}
	if cfg.Pool != nil {
		ctx.importer = memsys.NewImport(cfg.Pool, nil, nil)
	}
	return ctx
}

func (ctx *Context) OnStateChange(f func(ContextState)) { ctx.mu.Lock(); ctx.onState = f; ctx.mu.Unlock() }
func (ctx *Context) State() ContextState                { ctx.mu.Lock(); defer ctx.mu.Unlock(); return ctx.state }

func (ctx *Context) setState(s ContextState) {
	ctx.mu.Lock()
	ctx.state = s
	cb := ctx.onState
	ctx.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

func (ctx *Context) addStream(s *Stream) {
	ctx.mu.Lock()
	ctx.streams = append(ctx.streams, s)
	ctx.mu.Unlock()
}

// Connect dials the configured URL and performs the handshake; on
// failure it returns the error to the caller and, if AutoReconnect is
// set, also schedules a retry.
func (ctx *Context) Connect() error {
	ctx.setState(CtxConnecting)
	return ctx.dialOnce()
}

func (ctx *Context) dialOnce() error {
	nc, err := conn.Dial(ctx.cfg.URL)
	if err != nil {
		ctx.onConnectFailed(err)
		return err
	}
	c, err := conn.Client(nc, ctx.cfg.Auth, CapShmPosix, ctx.onMessage)
	if err != nil {
		ctx.onConnectFailed(err)
		return err
	}
	c.OnStateChange(func(s conn.State) {
		if s == conn.StateFailed {
			ctx.onConnFailed()
		}
	})
	ctx.mu.Lock()
	ctx.c = c
	ctx.attempts = 0
	ctx.mu.Unlock()
	ctx.setState(CtxReady)
	ctx.reattachAll()
	return nil
}

func (ctx *Context) onConnectFailed(err error) {
	nlog.Warningf("context: connect %s failed: %v", ctx.cfg.URL, err)
	ctx.maybeReconnect()
}

func (ctx *Context) onConnFailed() {
	ctx.mu.Lock()
	for _, s := range ctx.streams {
		s.onContextFailed()
	}
	importer := ctx.importer
	ctx.mu.Unlock()
	// The connection that sourced every block this importer holds just
	// died; its shm segments get detached or recycled by the next
	// reconnect. Revoke them now so any reader still holding an
	// already-acquired Data keeps a consistent local snapshot instead
	// of racing that recycle.
	if importer != nil {
		importer.RevokeAllLocal()
	}
	ctx.maybeReconnect()
}

func (ctx *Context) maybeReconnect() {
	ctx.mu.Lock()
	if ctx.stopped {
		ctx.mu.Unlock()
		return
	}
	ctx.attempts++
	attempt := ctx.attempts
	max := ctx.cfg.MaxReconnectAttempts
	auto := ctx.cfg.AutoReconnect
	interval := time.Duration(ctx.cfg.ReconnectIntervalMs) * time.Millisecond
	ctx.mu.Unlock()

	if !auto || (max > 0 && attempt > max) {
		ctx.setState(CtxFailed)
		ctx.mu.Lock()
		for _, s := range ctx.streams {
			s.onContextFailed()
		}
		ctx.mu.Unlock()
		return
	}
	ctx.setState(CtxConnecting)
	time.AfterFunc(interval, func() {
		ctx.mu.Lock()
		stopped := ctx.stopped
		ctx.mu.Unlock()
		if !stopped {
			ctx.dialOnce()
		}
	})
}

func (ctx *Context) reattachAll() {
	ctx.mu.Lock()
	streams := append([]*Stream(nil), ctx.streams...)
	ctx.mu.Unlock()
	for _, s := range streams {
		if st := s.State(); st == StreamAttached || st == StreamAttaching || st == StreamError {
			mode := s.Mode()
			s.mu.Lock()
			s.state = StreamDetached
			s.channel = 0
			s.mu.Unlock()
			s.Attach(mode)
		}
	}
}

// Stop disables reconnect and closes the underlying connection.
func (ctx *Context) Stop() {
	ctx.mu.Lock()
	ctx.stopped = true
	c := ctx.c
	ctx.mu.Unlock()
	if c != nil {
		c.Close()
	}
}

func (ctx *Context) connection() *conn.Connection {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	return ctx.c
}

// requestChannel sends STREAM_OPEN and wires the server's reply into
// the Stream's attach completion.
func (ctx *Context) requestChannel(s *Stream, mode StreamMode) error {
	c := ctx.connection()
	if c == nil || c.State() != conn.StateReady {
		return cos.NewErrINC(cos.ConnectionFailed, "context not ready")
	}
	m := proto.Message{Header: proto.Header{
		Type: proto.TypeStreamOpen, SeqNum: c.NextSeq(),
	}, Payload: []byte{byte(mode)}}

	_, err := c.Call(m, time.Time{}, func(op *conn.Operation) {
		if op.State() != conn.OpDone {
			s.onAttachFailed(op.Err())
			return
		}
		chID, ok := decodeChannelID(op.Result())
		if !ok {
			s.onAttachFailed(cos.NewErrINC(cos.InvalidMessage, "invalid channel allocation result"))
			return
		}
		s.onAttached(chID)
	}, nil)
	return err
}

func (ctx *Context) releaseChannel(s *Stream, channel uint32) {
	c := ctx.connection()
	if c == nil {
		s.onDetached()
		return
	}
	var payload [4]byte
	binary.LittleEndian.PutUint32(payload[:], channel)
	m := proto.Message{Header: proto.Header{
		Type: proto.TypeStreamClose, SeqNum: c.NextSeq(), ChannelID: channel,
	}, Payload: payload[:]}

	_, err := c.Call(m, time.Time{}, func(op *conn.Operation) {
		s.onDetached()
	}, nil)
	if err != nil {
		s.onDetached()
	}
}

func (ctx *Context) sendBinaryData(channel uint32, data []byte) (*conn.Operation, error) {
	c := ctx.connection()
	if c == nil {
		return nil, cos.NewErrINC(cos.ConnectionFailed, "no connection")
	}
	m := proto.Message{Header: proto.Header{
		Type: proto.TypeBinaryData, SeqNum: c.NextSeq(), ChannelID: channel,
	}, Payload: data}
	return c.Call(m, time.Time{}, nil, nil)
}

// ackData acknowledges receipt of seq on channel, crediting the
// sender's inflight window; blockID is nonzero only for a SHM_DATA
// broadcast frame, letting the server's MemExport release its slot.
// n is negative to signal that the local import of blockID failed:
// the server still releases its export slot; Server.handleEvent does
// not read n, so the failure is not surfaced on the sending side.
func (ctx *Context) ackData(channel, seq uint32, n int, blockID uint32) {
	c := ctx.connection()
	if c == nil {
		return
	}
	t := wire.New()
	t.PutUint32(uint32(n))
	t.PutUint32(blockID)
	_ = c.Send(proto.Message{Header: proto.Header{
		Type: proto.TypeEvent, SeqNum: seq, ChannelID: channel,
	}, Payload: t.Bytes()})
}

// onMessage dispatches BINARY_DATA frames to the matching Stream by
// channel id; everything else (METHOD_REPLY etc.) is already consumed
// by Connection's own Operation tracking.
func (ctx *Context) onMessage(c *conn.Connection, m proto.Message) {
	if m.Header.Type != proto.TypeBinaryData {
		return
	}
	ctx.mu.Lock()
	var target *Stream
	for _, s := range ctx.streams {
		if s.ChannelID() == m.Header.ChannelID {
			target = s
			break
		}
	}
	ctx.mu.Unlock()
	if target == nil {
		return
	}

	payload := m.Payload
	blockID := uint32(0)
	if m.Header.Flags&proto.FlagSHMData != 0 {
		desc, ok := proto.DecodeShmDescriptor(m.Payload)
		if !ok {
			nlog.Warningf("context: malformed shm descriptor on channel %d", m.Header.ChannelID)
			return
		}
		if ctx.importer == nil {
			nlog.Warningf("context: shm broadcast received but no pool configured")
			return
		}
		blk, err := ctx.importer.Get(desc.BlockID, desc.ShmID, desc.SegName, int(desc.SegLen), int(desc.Offset), int(desc.Size), desc.Writable)
		if err != nil {
			nlog.Warningf("context: import block %d: %v", desc.BlockID, err)
			// Still ack with the real blockID so the server's export
			// slot is released; n=-1 marks the import as failed rather
			// than crediting a byte count nobody received.
			ctx.ackData(m.Header.ChannelID, m.Header.SeqNum, -1, desc.BlockID)
			target.onImportFailed(cos.NewErrINC(cos.InvalidMessage, "import block %d: %v", desc.BlockID, err))
			return
		}
		data := blk.Acquire()
		payload = append([]byte(nil), data.Bytes()...)
		fp := cos.Fingerprint64(payload)
		data.Release()
		blk.Unref()
		// The payload above is now this import's only copy of the
		// data; drop the bookkeeping entry so a later disconnect's
		// RevokeAllLocal doesn't trip over a block that is already
		// freed.
		ctx.importer.Forget(desc.BlockID)
		blockID = desc.BlockID
		if fp != desc.Fingerprint {
			nlog.Warningf("context: fingerprint mismatch on block %d", desc.BlockID)
			ctx.ackData(m.Header.ChannelID, m.Header.SeqNum, -1, blockID)
			target.onImportFailed(cos.NewErrINC(cos.InvalidMessage, "fingerprint mismatch on block %d", desc.BlockID))
			return
		}
	}
	target.onBinaryData(m.Header.SeqNum, payload, blockID)
}
