package proto_test

import (
	"bytes"
	"testing"

	"github.com/inc-run/inc/proto"
)

func encode(t *testing.T, typ proto.Type, payload []byte) []byte {
	t.Helper()
	m := proto.Message{Header: proto.Header{Type: typ, SeqNum: 1}, Payload: payload}
	return m.Encode()
}

func TestParserSingleMessageWholeRead(t *testing.T) {
	raw := encode(t, proto.TypePing, nil)
	p := proto.NewParser()
	msgs, err := p.Feed(raw)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Header.Type != proto.TypePing {
		t.Fatalf("msgs = %+v, want one PING", msgs)
	}
}

func TestParserOneByteAtATime(t *testing.T) {
	raw := encode(t, proto.TypeBinaryData, []byte("hello, inc"))
	p := proto.NewParser()
	var got []proto.Message
	for _, b := range raw {
		msgs, err := p.Feed([]byte{b})
		if err != nil {
			t.Fatalf("Feed: %v", err)
		}
		got = append(got, msgs...)
	}
	if len(got) != 1 {
		t.Fatalf("len(got) = %d, want 1", len(got))
	}
	if !bytes.Equal(got[0].Payload, []byte("hello, inc")) {
		t.Fatalf("Payload = %q, want %q", got[0].Payload, "hello, inc")
	}
}

func TestParserMultipleMessagesInOneFeed(t *testing.T) {
	raw := append(encode(t, proto.TypePing, nil), encode(t, proto.TypePong, nil)...)
	p := proto.NewParser()
	msgs, err := p.Feed(raw)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Header.Type != proto.TypePing || msgs[1].Header.Type != proto.TypePong {
		t.Fatalf("msgs = %+v, want [PING PONG]", msgs)
	}
}

func TestParserSplitAcrossHeaderBoundary(t *testing.T) {
	raw := encode(t, proto.TypeEvent, []byte("xyz"))
	p := proto.NewParser()
	first, err := p.Feed(raw[:10])
	if err != nil {
		t.Fatalf("Feed first half: %v", err)
	}
	if len(first) != 0 {
		t.Fatalf("expected no complete message before the header finishes, got %+v", first)
	}
	second, err := p.Feed(raw[10:])
	if err != nil {
		t.Fatalf("Feed second half: %v", err)
	}
	if len(second) != 1 || !bytes.Equal(second[0].Payload, []byte("xyz")) {
		t.Fatalf("second = %+v, want one EVENT with payload xyz", second)
	}
}

func TestParserRejectsBadMagic(t *testing.T) {
	raw := encode(t, proto.TypePing, nil)
	raw[0] ^= 0xff
	p := proto.NewParser()
	if _, err := p.Feed(raw); err != proto.ErrBadMagic {
		t.Fatalf("err = %v, want ErrBadMagic", err)
	}
}

func TestParserRejectsOversizedInlinePayload(t *testing.T) {
	h := proto.Header{Type: proto.TypeBinaryData, Length: proto.MaxMessageSize + 1}
	buf := make([]byte, proto.HeaderSize)
	h.Marshal(buf)
	p := proto.NewParser()
	if _, err := p.Feed(buf); err != proto.ErrTooLarge {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}
}
