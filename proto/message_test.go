package proto_test

import (
	"bytes"
	"testing"

	"github.com/inc-run/inc/proto"
)

func TestWriterCompressesLargeRepetitivePayload(t *testing.T) {
	w := proto.NewWriter()
	payload := bytes.Repeat([]byte("abcdefgh"), 128) // 1024 bytes, highly compressible
	m := proto.Message{Header: proto.Header{Type: proto.TypeBinaryData}, Payload: payload}
	if err := w.Enqueue(m); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	var dst bytes.Buffer
	if err := w.Drain(&dst); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	p := proto.NewParser()
	msgs, err := p.Feed(dst.Bytes())
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	got := msgs[0]
	if got.Header.Flags&proto.FlagCompressed == 0 {
		t.Fatalf("Flags = %v, want FlagCompressed set for a %d-byte repetitive payload", got.Header.Flags, len(payload))
	}
	if len(got.Payload) >= len(payload) {
		t.Fatalf("compressed wire payload is %d bytes, want smaller than the original %d", len(got.Payload), len(payload))
	}

	if err := got.Decompress(); err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Fatal("Decompress did not reconstruct the original payload")
	}
}

func TestWriterLeavesSmallPayloadUncompressed(t *testing.T) {
	w := proto.NewWriter()
	payload := []byte("short")
	m := proto.Message{Header: proto.Header{Type: proto.TypeBinaryData}, Payload: payload}
	if err := w.Enqueue(m); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	var dst bytes.Buffer
	if err := w.Drain(&dst); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	p := proto.NewParser()
	msgs, err := p.Feed(dst.Bytes())
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if msgs[0].Header.Flags&proto.FlagCompressed != 0 {
		t.Fatal("a short payload should not be compressed")
	}
	if !bytes.Equal(msgs[0].Payload, payload) {
		t.Fatal("uncompressed payload should pass through unchanged")
	}
}

func TestMessageDecompressRejectsMalformedPayload(t *testing.T) {
	m := proto.Message{Header: proto.Header{Flags: proto.FlagCompressed}, Payload: []byte{1, 2}}
	if err := m.Decompress(); err == nil {
		t.Fatal("expected an error decompressing a too-short payload")
	}
}
