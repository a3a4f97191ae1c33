package proto

import (
	"io"

	"github.com/inc-run/inc/cmn/cos"
)

// SendQueueMax is the outbound FIFO cap; the 101st enqueue fails with
// QUEUE_FULL.
const SendQueueMax = 100

// ErrQueueFull is returned by Writer.Enqueue when the queue is at
// SendQueueMax.
var ErrQueueFull = cos.NewErrINC(cos.QueueFull, "send queue full (%d messages)", SendQueueMax)

// ErrWriteFailed wraps a transport write failure; the caller must
// clear the queue and transition the owning connection to FAILED.
var ErrWriteFailed = cos.NewErrINC(cos.WriteFailed, "transport write failed")

// Writer serializes Messages into a capped FIFO and drains them to an
// io.Writer, preserving the current message and its byte offset
// across partial writes.
type Writer struct {
	queue  [][]byte
	offset int // bytes of queue[0] already written
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer { return &Writer{} }

// Len reports the number of whole messages still queued (including
// one in partial flight).
func (w *Writer) Len() int { return len(w.queue) }

// Enqueue serializes m and appends it to the queue, or fails
// synchronously with ErrQueueFull.
func (w *Writer) Enqueue(m Message) error {
	if len(w.queue) >= SendQueueMax {
		return ErrQueueFull
	}
	if err := m.Validate(); err != nil {
		return err
	}
	m.compress()
	w.queue = append(w.queue, m.Encode())
	return nil
}

// Drain attempts to write as much of the queue as dst accepts without
// blocking; it stops at the first short write (EAGAIN-equivalent,
// signalled by the io.Writer returning n < len(buf) with err == nil)
// and preserves position for the next call. Any write error triggers
// ErrWriteFailed and clears the queue; the caller must fail the
// connection.
func (w *Writer) Drain(dst io.Writer) error {
	for len(w.queue) > 0 {
		cur := w.queue[0][w.offset:]
		n, err := dst.Write(cur)
		if err != nil {
			w.queue = nil
			w.offset = 0
			return ErrWriteFailed
		}
		w.offset += n
		if w.offset < len(w.queue[0]) {
			// transport accepted a partial message; remaining bytes
			// are sent on the next readiness signal.
			return nil
		}
		w.queue = w.queue[1:]
		w.offset = 0
	}
	return nil
}
