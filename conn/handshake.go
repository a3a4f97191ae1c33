package conn

import (
	"net"
	"time"

	"github.com/inc-run/inc/cmn/cos"
	"github.com/inc-run/inc/proto"
	"github.com/inc-run/inc/wire"
)

const (
	protocolVersion uint8 = 1
	payloadVersion  uint8 = 1
)

// CapabilityBits is exchanged during HANDSHAKE: capability bits such
// as the peer's supported shm backing types.
type CapabilityBits uint32

const CapShmPosix CapabilityBits = 1 << 0

// Client drives the client-side UNCONNECTED -> CONNECTING -> HANDSHAKE
// -> AUTH -> READY sequence over an already-dialed net.Conn.
func Client(nc net.Conn, auth *AuthConfig, caps CapabilityBits, onMsg MessageHandler) (*Connection, error) {
	c := New(nc, RoleClient, onMsg)
	c.setState(StateConnecting)
	c.setState(StateHandshake)

	hs := proto.Message{Header: proto.Header{
		Type: proto.TypeHandshake, SeqNum: c.NextSeq(), DTS: proto.DeadlineForever,
	}, Payload: encodeHandshakePayload(caps)}

	ackPayload, err := writeAndExpect(nc, hs, proto.TypeHandshakeAck)
	if err != nil {
		c.setState(StateFailed)
		return nil, err
	}
	if srvProtoVer, _, srvCaps, ok := decodeHandshakePayload(ackPayload); ok {
		if srvProtoVer != protocolVersion {
			c.setState(StateFailed)
			return nil, cos.NewErrINC(cos.ProtocolError, "server protocol version %d incompatible with client %d", srvProtoVer, protocolVersion)
		}
		c.PeerCaps = srvCaps
	}

	if auth != nil && len(auth.Secret) > 0 {
		c.setState(StateAuth)
		tok, err := IssueToken(auth.Secret, "client", time.Minute)
		if err != nil {
			c.setState(StateFailed)
			return nil, err
		}
		am := proto.Message{Header: proto.Header{Type: proto.TypeAuth, SeqNum: c.NextSeq()}, Payload: tok}
		if _, err := writeAndExpect(nc, am, proto.TypeAuthAck); err != nil {
			c.setState(StateFailed)
			return nil, err
		}
	}

	c.Start()
	return c, nil
}

// Accept drives the server side of the same handshake over a freshly
// accepted net.Conn, optionally requiring and verifying an AUTH token.
func Accept(nc net.Conn, auth *AuthConfig, onMsg MessageHandler) (*Connection, error) {
	c := New(nc, RoleServerSide, onMsg)
	c.setState(StateHandshake)

	hdr, payload, err := readOne(nc)
	if err != nil || hdr.Type != proto.TypeHandshake {
		c.setState(StateFailed)
		return nil, cos.NewErrINC(cos.ProtocolError, "expected HANDSHAKE")
	}
	if peerProtoVer, _, peerCaps, ok := decodeHandshakePayload(payload); ok {
		if peerProtoVer != protocolVersion {
			c.setState(StateFailed)
			return nil, cos.NewErrINC(cos.ProtocolError, "client protocol version %d incompatible with server %d", peerProtoVer, protocolVersion)
		}
		c.PeerCaps = peerCaps
	}
	ack := proto.Message{Header: proto.Header{Type: proto.TypeHandshakeAck, SeqNum: hdr.SeqNum}, Payload: encodeHandshakePayload(CapShmPosix)}
	if err := writeOnly(nc, ack); err != nil {
		c.setState(StateFailed)
		return nil, err
	}

	if auth != nil && len(auth.Secret) > 0 {
		c.setState(StateAuth)
		ahdr, apayload, err := readOne(nc)
		if err != nil || ahdr.Type != proto.TypeAuth {
			c.setState(StateFailed)
			return nil, cos.NewErrINC(cos.ProtocolError, "expected AUTH")
		}
		if _, err := VerifyToken(auth.Secret, apayload); err != nil {
			c.setState(StateFailed)
			return nil, err
		}
		aack := proto.Message{Header: proto.Header{Type: proto.TypeAuthAck, SeqNum: ahdr.SeqNum}}
		if err := writeOnly(nc, aack); err != nil {
			c.setState(StateFailed)
			return nil, err
		}
	}

	c.Start()
	return c, nil
}

func writeOnly(nc net.Conn, m proto.Message) error {
	_, err := nc.Write(m.Encode())
	if err != nil {
		return cos.NewErrINC(cos.WriteFailed, "%v", err)
	}
	return nil
}

func writeAndExpect(nc net.Conn, m proto.Message, want proto.Type) ([]byte, error) {
	if err := writeOnly(nc, m); err != nil {
		return nil, err
	}
	hdr, payload, err := readOne(nc)
	if err != nil {
		return nil, err
	}
	if hdr.Type != want {
		return nil, cos.NewErrINC(cos.ProtocolError, "expected %s, got %s", want, hdr.Type)
	}
	return payload, nil
}

// encodeHandshakePayload serializes protocolVersion, payloadVersion, and
// caps as the HANDSHAKE/HANDSHAKE_ACK payload.
func encodeHandshakePayload(caps CapabilityBits) []byte {
	t := wire.New()
	t.PutUint8(protocolVersion)
	t.PutUint8(payloadVersion)
	t.PutUint32(uint32(caps))
	return t.Bytes()
}

// decodeHandshakePayload parses a payload written by
// encodeHandshakePayload; ok is false if payload is short or absent,
// which a caller treats as a peer that predates capability exchange
// rather than a hard failure.
func decodeHandshakePayload(payload []byte) (protoVer, payloadVer uint8, caps CapabilityBits, ok bool) {
	t := wire.FromBytes(payload)
	if protoVer, ok = t.GetUint8(); !ok {
		return
	}
	if payloadVer, ok = t.GetUint8(); !ok {
		return
	}
	var c uint32
	if c, ok = t.GetUint32(); !ok {
		return
	}
	caps = CapabilityBits(c)
	return
}

// readOne blocks for exactly one framed message, used only during the
// handshake/auth prelude before the steady-state read loop takes over.
func readOne(nc net.Conn) (proto.Header, []byte, error) {
	p := proto.NewParser()
	buf := make([]byte, 4096)
	for {
		n, err := nc.Read(buf)
		if n > 0 {
			msgs, perr := p.Feed(buf[:n])
			if perr != nil {
				return proto.Header{}, nil, perr
			}
			if len(msgs) > 0 {
				return msgs[0].Header, msgs[0].Payload, nil
			}
		}
		if err != nil {
			return proto.Header{}, nil, cos.NewErrINC(cos.ConnectionFailed, "%v", err)
		}
	}
}
