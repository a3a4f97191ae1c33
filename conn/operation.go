package conn

import (
	"sync/atomic"
	"time"

	"github.com/inc-run/inc/cmn/cos"
	"github.com/inc-run/inc/proto"
)

// OpState is an Operation's lifecycle state.
type OpState int32

const (
	OpPending OpState = iota
	OpDone
	OpFailed
	OpTimeout
	OpCancelled
)

func (s OpState) String() string {
	switch s {
	case OpPending:
		return "PENDING"
	case OpDone:
		return "DONE"
	case OpFailed:
		return "FAILED"
	case OpTimeout:
		return "TIMEOUT"
	case OpCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// OperationTimeout is the default deadline for operations that don't
// specify one explicitly.
const OperationTimeout = 5 * time.Second

// CompletionFunc is invoked exactly once when an Operation leaves
// OpPending, carrying the operation so the callback can read its
// final state/result/error.
type CompletionFunc func(op *Operation)

// replyTypeFor returns the message Type that completes a request of
// reqType. Every request this package tracks via Call is completed by
// an unsolicited TypeMethodReply carrying the same SeqNum (STREAM_OPEN,
// STREAM_CLOSE, BINARY_DATA, and METHOD_CALL all ack this way); keeping
// this as an explicit function rather than a constant gives a single
// place to extend if a future request type acks with something else.
func replyTypeFor(reqType proto.Type) proto.Type {
	return proto.TypeMethodReply
}

// Operation is a future for one outgoing request, keyed on its owning
// Connection by (sequence number, expected reply type) so a sequence
// number reused after wraparound cannot be completed by a reply meant
// for an unrelated request type.
type Operation struct {
	Seq       uint32
	Type      proto.Type
	replyType proto.Type
	deadline  time.Time
	state     atomic.Int32
	result    []byte
	err       error
	cb        CompletionFunc
	ctx       any
	conn      *Connection
	index     int // heap index, owned by the deadline wheel
}

func newOperation(conn *Connection, seq uint32, typ proto.Type, deadline time.Time, cb CompletionFunc, ctx any) *Operation {
	op := &Operation{Seq: seq, Type: typ, replyType: replyTypeFor(typ), deadline: deadline, cb: cb, ctx: ctx, conn: conn}
	op.state.Store(int32(OpPending))
	return op
}

func (op *Operation) State() OpState { return OpState(op.state.Load()) }
func (op *Operation) Result() []byte { return op.result }
func (op *Operation) Err() error     { return op.err }
func (op *Operation) Ctx() any       { return op.ctx }
func (op *Operation) Deadline() time.Time { return op.deadline }

// Cancel transitions a PENDING operation to CANCELLED; idempotent.
func (op *Operation) Cancel() {
	if op.state.CompareAndSwap(int32(OpPending), int32(OpCancelled)) {
		op.fire()
	}
}

func (op *Operation) complete(result []byte, err error) {
	target := OpDone
	if err != nil {
		target = OpFailed
	}
	if op.state.CompareAndSwap(int32(OpPending), int32(target)) {
		op.result = result
		op.err = err
		op.fire()
	}
}

func (op *Operation) expire() {
	if op.state.CompareAndSwap(int32(OpPending), int32(OpTimeout)) {
		op.err = cos.NewErrINC(cos.Timeout, "operation %d timed out", op.Seq)
		op.fire()
	}
}

func (op *Operation) fire() {
	if op.conn != nil {
		op.conn.forgetOp(op.Seq, op.replyType)
	}
	if op.cb != nil {
		op.cb(op)
	}
}
