// Package server implements Component G: Server (accepts connections,
// owns a MemPool), Context (client-side session driver with
// auto-reconnect), and Stream (a named channel with attach/detach and
// ACK-based flow control), plus binary broadcast with shared-block
// fan-out.
package server

import (
	"encoding/binary"
	"sync"

	"github.com/inc-run/inc/cmn/cos"
	"github.com/inc-run/inc/conn"
)

// StreamMode is the channel direction: read, write, or both.
type StreamMode int

const (
	ModeRead StreamMode = 1 << iota
	ModeWrite
)

func (m StreamMode) CanRead() bool  { return m&ModeRead != 0 }
func (m StreamMode) CanWrite() bool { return m&ModeWrite != 0 }

// StreamState is a Stream's attach/detach lifecycle.
type StreamState int

const (
	StreamDetached StreamState = iota
	StreamAttaching
	StreamAttached
	StreamDetaching
	StreamError
)

func (s StreamState) String() string {
	switch s {
	case StreamDetached:
		return "DETACHED"
	case StreamAttaching:
		return "ATTACHING"
	case StreamAttached:
		return "ATTACHED"
	case StreamDetaching:
		return "DETACHING"
	case StreamError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Stream is a named sub-flow within a Context's connection.
type Stream struct {
	name    string
	ctx     *Context
	mu      sync.Mutex
	state   StreamState
	mode    StreamMode
	channel uint32

	recvQueue  [][]byte
	onReady    func()
	onError    func(error)
}

// NewStream creates a detached Stream bound to ctx; call Attach to
// request a channel from the server.
func NewStream(name string, ctx *Context) *Stream {
	s := &Stream{name: name, ctx: ctx, state: StreamDetached}
	ctx.addStream(s)
	return s
}

func (s *Stream) OnReady(f func())       { s.mu.Lock(); s.onReady = f; s.mu.Unlock() }
func (s *Stream) OnError(f func(error))  { s.mu.Lock(); s.onError = f; s.mu.Unlock() }
func (s *Stream) State() StreamState     { s.mu.Lock(); defer s.mu.Unlock(); return s.state }
func (s *Stream) Mode() StreamMode       { s.mu.Lock(); defer s.mu.Unlock(); return s.mode }
func (s *Stream) ChannelID() uint32      { s.mu.Lock(); defer s.mu.Unlock(); return s.channel }
func (s *Stream) CanWrite() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StreamAttached && s.mode.CanWrite()
}

func (s *Stream) setState(st StreamState) { s.mu.Lock(); s.state = st; s.mu.Unlock() }

// Attach requests a server-allocated channel id in the given mode;
// returns immediately, transitioning to ATTACHING. Completion arrives
// asynchronously via the Context's connection.
func (s *Stream) Attach(mode StreamMode) error {
	s.mu.Lock()
	if s.state != StreamDetached {
		s.mu.Unlock()
		return cos.NewErrINC(cos.InvalidState, "stream %q already attached/attaching", s.name)
	}
	s.mode = mode
	s.state = StreamAttaching
	s.mu.Unlock()
	return s.ctx.requestChannel(s, mode)
}

// Detach releases an attached channel; a detach called mid-ATTACHING
// short-circuits straight to DETACHED without waiting for the pending
// channel request to resolve.
func (s *Stream) Detach() {
	s.mu.Lock()
	switch s.state {
	case StreamDetached, StreamDetaching:
		s.mu.Unlock()
		return
	case StreamAttaching:
		s.channel = 0
		s.state = StreamDetached
		s.mu.Unlock()
		return
	}
	ch := s.channel
	s.state = StreamDetaching
	s.recvQueue = nil
	s.mu.Unlock()

	if ch == 0 {
		s.setState(StreamDetached)
		return
	}
	s.ctx.releaseChannel(s, ch)
}

func (s *Stream) onAttached(channel uint32) {
	s.mu.Lock()
	if s.state != StreamAttaching {
		s.mu.Unlock()
		return
	}
	s.channel = channel
	s.state = StreamAttached
	cb := s.onReady
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (s *Stream) onAttachFailed(err error) {
	s.mu.Lock()
	if s.state != StreamAttaching {
		s.mu.Unlock()
		return
	}
	s.state = StreamError
	cb := s.onError
	s.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

func (s *Stream) onDetached() {
	s.mu.Lock()
	s.state = StreamDetached
	s.channel = 0
	s.mu.Unlock()
}

func (s *Stream) onContextFailed() {
	s.mu.Lock()
	if s.state == StreamDetached {
		s.mu.Unlock()
		return
	}
	s.recvQueue = nil
	s.channel = 0
	s.state = StreamError
	cb := s.onError
	s.mu.Unlock()
	if cb != nil {
		cb(cos.NewErrINC(cos.Disconnected, "context disconnected"))
	}
}

// onImportFailed notifies the stream's error callback of one failed
// SHM_DATA import. Unlike onAttachFailed/onContextFailed it leaves the
// stream's state untouched: a single bad broadcast frame doesn't mean
// the stream itself is broken.
func (s *Stream) onImportFailed(err error) {
	s.mu.Lock()
	cb := s.onError
	s.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

// onBinaryData is fed by Context for every BINARY_DATA frame on this
// stream's channel; blockID is nonzero for a SHM_DATA broadcast frame
// and must be echoed back so the sender can release its export slot.
func (s *Stream) onBinaryData(seq uint32, data []byte, blockID uint32) {
	s.mu.Lock()
	s.recvQueue = append(s.recvQueue, data)
	cb := s.onReady
	s.mu.Unlock()
	// credit the sender so the per-client inflight window advances
	s.ctx.ackData(s.channel, seq, len(data), blockID)
	if cb != nil {
		cb()
	}
}

// Read pops the oldest queued chunk, or nil if none is available.
func (s *Stream) Read() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.recvQueue) == 0 {
		return nil
	}
	d := s.recvQueue[0]
	s.recvQueue = s.recvQueue[1:]
	return d
}

// Peek returns the oldest queued chunk without removing it.
func (s *Stream) Peek() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.recvQueue) == 0 {
		return nil
	}
	return s.recvQueue[0]
}

// ChunksAvailable reports the number of queued, unread chunks.
func (s *Stream) ChunksAvailable() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recvQueue)
}

// Write sends data on this stream's channel as a BINARY_DATA message
// and returns the tracking Operation for the server's ACK.
func (s *Stream) Write(data []byte) (*conn.Operation, error) {
	if !s.CanWrite() {
		return nil, cos.NewErrINC(cos.InvalidState, "stream %q not writable", s.name)
	}
	return s.ctx.sendBinaryData(s.ChannelID(), data)
}

// decodeChannelID parses the METHOD_REPLY payload of a channel
// request: a single little-endian u32 channel id, matching
// proto.Header's own encoding.
func decodeChannelID(payload []byte) (uint32, bool) {
	if len(payload) < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(payload), true
}
