package server

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/inc-run/inc/cmn/nlog"
	"github.com/inc-run/inc/conn"
	"github.com/inc-run/inc/memsys"
	"github.com/inc-run/inc/proto"
	"github.com/inc-run/inc/wire"
)

// Config configures the Server's listener, pool, and auth policy.
type Config struct {
	URL       string
	Auth      *conn.AuthConfig
	Pool      memsys.Config
	PerClient bool

	// MaxConns bounds the number of accepted connections undergoing
	// handshake setup concurrently; 0 means unbounded. A slow or
	// stalled handshake then backs up new accepts instead of spawning
	// an unbounded number of goroutines.
	MaxConns int64
}

// ClientHandler receives lifecycle notifications for accepted
// clients.
type ClientHandler interface {
	ClientConnected(c *Client)
	ClientDisconnected(c *Client)
}

// BinaryDataHandler is an optional extension of ClientHandler: if the
// handler passed to New implements it, Server delivers every inbound
// BINARY_DATA payload to it before acking the sender.
type BinaryDataHandler interface {
	HandleBinaryData(c *Client, channel uint32, data []byte)
}

// Client is the server-side counterpart of one accepted Connection:
// its own channel table and, if PerClient pools are configured, its
// own MemPool.
type Client struct {
	srv      *Server
	conn     *conn.Connection
	pool     *memsys.Pool
	nextChan atomic.Uint32

	mu       sync.Mutex
	channels map[uint32]StreamMode
}

func (c *Client) Connection() *conn.Connection { return c.conn }
func (c *Client) Pool() *memsys.Pool            { return c.pool }

// Server accepts connections on one listener, owns a (possibly
// global) MemPool, and dispatches STREAM_OPEN/STREAM_CLOSE/BINARY_DATA
// from each accepted Client.
type Server struct {
	cfg         Config
	ln          net.Listener
	pool        *memsys.Pool
	export      *memsys.Export
	handler     ClientHandler
	broadcaster *Broadcaster
	conns       *semaphore.Weighted

	mu      sync.Mutex
	clients map[uint64]*Client
	closed  bool
}

func New(cfg Config, handler ClientHandler) (*Server, error) {
	var pool *memsys.Pool
	if !cfg.PerClient {
		p, err := memsys.NewPool(cfg.Pool)
		if err != nil {
			return nil, err
		}
		pool = p
	}
	ln, err := conn.Listen(cfg.URL)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:     cfg,
		ln:      ln,
		pool:    pool,
		handler: handler,
		clients: make(map[uint64]*Client),
	}
	if cfg.MaxConns > 0 {
		s.conns = semaphore.NewWeighted(cfg.MaxConns)
	}
	if pool != nil {
		s.export = memsys.NewExport(pool, nil, nil)
	}
	return s, nil
}

// Serve blocks, accepting connections until Close is called.
func (s *Server) Serve() error {
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		if s.conns != nil {
			if err := s.conns.Acquire(context.Background(), 1); err != nil {
				nc.Close()
				continue
			}
		}
		go s.handleAccept(nc)
	}
}

func (s *Server) handleAccept(nc net.Conn) {
	if s.conns != nil {
		defer s.conns.Release(1)
	}
	cl := &Client{channels: make(map[uint32]StreamMode)}
	cl.pool = s.pool
	if s.cfg.PerClient {
		p, err := memsys.NewPool(s.cfg.Pool)
		if err != nil {
			nlog.Warningf("server: per-client pool: %v", err)
			nc.Close()
			return
		}
		cl.pool = p
	}

	c, err := conn.Accept(nc, s.cfg.Auth, func(cn *conn.Connection, m proto.Message) {
		s.dispatch(cl, m)
	})
	if err != nil {
		nlog.Warningf("server: accept handshake: %v", err)
		return
	}
	cl.conn = c
	cl.srv = s

	s.mu.Lock()
	s.clients[c.ID] = cl
	s.mu.Unlock()

	c.OnStateChange(func(st conn.State) {
		if st == conn.StateFailed {
			s.mu.Lock()
			delete(s.clients, c.ID)
			s.mu.Unlock()
			if s.handler != nil {
				s.handler.ClientDisconnected(cl)
			}
		}
	})

	if s.handler != nil {
		s.handler.ClientConnected(cl)
	}
}

func (s *Server) dispatch(cl *Client, m proto.Message) {
	switch m.Header.Type {
	case proto.TypeStreamOpen:
		s.handleStreamOpen(cl, m)
	case proto.TypeStreamClose:
		s.handleStreamClose(cl, m)
	case proto.TypeEvent:
		s.handleEvent(cl, m)
	case proto.TypeBinaryData:
		s.handleBinaryData(cl, m)
	case proto.TypeMethodCall:
		// application-level RPC is out of this component's scope;
		// echo the payload back so a bare echo client still works.
		_ = cl.conn.Send(proto.Message{Header: proto.Header{
			Type: proto.TypeMethodReply, SeqNum: m.Header.SeqNum,
		}, Payload: m.Payload})
	}
}

func (s *Server) handleStreamOpen(cl *Client, m proto.Message) {
	mode := StreamMode(0)
	if len(m.Payload) > 0 {
		mode = StreamMode(m.Payload[0])
	}
	chID := cl.nextChan.Add(1)
	cl.mu.Lock()
	cl.channels[chID] = mode
	cl.mu.Unlock()

	var result [4]byte
	le32(result[:], chID)
	_ = cl.conn.Send(proto.Message{Header: proto.Header{
		Type: proto.TypeMethodReply, SeqNum: m.Header.SeqNum,
	}, Payload: result[:]})
}

func (s *Server) handleStreamClose(cl *Client, m proto.Message) {
	chID := uint32(0)
	if len(m.Payload) >= 4 {
		chID = le32get(m.Payload)
	}
	cl.mu.Lock()
	delete(cl.channels, chID)
	cl.mu.Unlock()

	_ = cl.conn.Send(proto.Message{Header: proto.Header{
		Type: proto.TypeMethodReply, SeqNum: m.Header.SeqNum,
	}})
}

// handleBinaryData handles an inbound BINARY_DATA frame from a client
// that opened its channel in write mode: it hands the payload to the
// server's handler (if one implements BinaryDataHandler) and acks the
// sender so its Write Operation completes instead of timing out.
func (s *Server) handleBinaryData(cl *Client, m proto.Message) {
	cl.mu.Lock()
	mode, ok := cl.channels[m.Header.ChannelID]
	cl.mu.Unlock()
	if !ok || !mode.CanWrite() {
		nlog.Warningf("server: BINARY_DATA on channel %d: not open for write", m.Header.ChannelID)
		_ = cl.conn.Send(proto.Message{Header: proto.Header{
			Type: proto.TypeMethodReply, SeqNum: m.Header.SeqNum,
		}})
		return
	}
	if bh, ok := s.handler.(BinaryDataHandler); ok {
		bh.HandleBinaryData(cl, m.Header.ChannelID, m.Payload)
	}
	_ = cl.conn.Send(proto.Message{Header: proto.Header{
		Type: proto.TypeMethodReply, SeqNum: m.Header.SeqNum,
	}})
}

func (s *Server) handleEvent(cl *Client, m proto.Message) {
	t := wire.FromBytes(m.Payload)
	_, _ = t.GetUint32() // byte count credited by the caller's flow control
	blockID, ok := t.GetUint32()
	if !ok || blockID == 0 || s.export == nil {
		return
	}
	if err := s.export.ProcessRelease(blockID); err != nil {
		nlog.Warningf("server: release block %d: %v", blockID, err)
	}
	if s.broadcaster != nil {
		s.broadcaster.onAck(cl.conn.ID, m.Header.ChannelID)
	}
}

// Close stops accepting new connections and closes every live client.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.conn.Close()
	}
	return s.ln.Close()
}

func (s *Server) Pool() *memsys.Pool { return s.pool }

func le32(dst []byte, v uint32) {
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v >> 16)
	dst[3] = byte(v >> 24)
}

func le32get(src []byte) uint32 {
	return uint32(src[0]) | uint32(src[1])<<8 | uint32(src[2])<<16 | uint32(src[3])<<24
}
