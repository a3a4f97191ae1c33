// Package cos provides common low-level types and utilities shared by
// every inc package: error classification, exit helpers, and ID
// generation.
package cos

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"sync"
	ratomic "sync/atomic"
	"syscall"

	pkgerrors "github.com/pkg/errors"

	"github.com/inc-run/inc/cmn/debug"
	"github.com/inc-run/inc/cmn/nlog"
)

// ErrCode enumerates the error taxonomy signalled on connection and
// operation failures.
type ErrCode int

const (
	OK ErrCode = iota
	InvalidState
	InvalidArgs
	InvalidMessage
	ConnectionFailed
	Disconnected
	ProtocolError
	MessageTooLarge
	QueueFull
	WriteFailed
	Timeout
)

func (c ErrCode) String() string {
	switch c {
	case OK:
		return "OK"
	case InvalidState:
		return "INVALID_STATE"
	case InvalidArgs:
		return "INVALID_ARGS"
	case InvalidMessage:
		return "INVALID_MESSAGE"
	case ConnectionFailed:
		return "CONNECTION_FAILED"
	case Disconnected:
		return "DISCONNECTED"
	case ProtocolError:
		return "PROTOCOL_ERROR"
	case MessageTooLarge:
		return "MESSAGE_TOO_LARGE"
	case QueueFull:
		return "QUEUE_FULL"
	case WriteFailed:
		return "WRITE_FAILED"
	case Timeout:
		return "TIMEOUT"
	default:
		return fmt.Sprintf("ErrCode(%d)", int(c))
	}
}

// ErrINC carries one of the taxonomy codes above plus free-form
// context, wrapped (via github.com/pkg/errors) at the boundary where it
// crosses from transport into an application-visible callback.
type ErrINC struct {
	Code ErrCode
	msg  string
}

func NewErrINC(code ErrCode, format string, a ...any) *ErrINC {
	return &ErrINC{Code: code, msg: fmt.Sprintf(format, a...)}
}

func (e *ErrINC) Error() string {
	if e.msg == "" {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.msg
}

func WrapINC(code ErrCode, err error) error {
	if err == nil {
		return nil
	}
	return pkgerrors.Wrap(&ErrINC{Code: code, msg: err.Error()}, "inc")
}

func AsErrINC(err error) (*ErrINC, bool) {
	var e *ErrINC
	ok := errors.As(err, &e)
	return e, ok
}

type (
	ErrNotFound struct{ what string }
	ErrSignal   struct{ signal syscall.Signal }
	Errs        struct {
		errs []error
		cnt  int64
		mu   sync.Mutex
	}
)

func NewErrNotFound(format string, a ...any) *ErrNotFound {
	return &ErrNotFound{fmt.Sprintf(format, a...)}
}

func (e *ErrNotFound) Error() string { return e.what + " does not exist" }

func IsErrNotFound(err error) bool {
	_, ok := err.(*ErrNotFound)
	return ok
}

// Errs is a bounded, deduplicating error collector.
const maxErrs = 4

func (e *Errs) Add(err error) {
	debug.Assert(err != nil)
	e.mu.Lock()
	for _, added := range e.errs {
		if added.Error() == err.Error() {
			e.mu.Unlock()
			return
		}
	}
	if len(e.errs) < maxErrs {
		e.errs = append(e.errs, err)
		ratomic.StoreInt64(&e.cnt, int64(len(e.errs)))
	}
	e.mu.Unlock()
}

func (e *Errs) Cnt() int { return int(ratomic.LoadInt64(&e.cnt)) }

func (e *Errs) JoinErr() (cnt int, err error) {
	if cnt = e.Cnt(); cnt > 0 {
		e.mu.Lock()
		err = errors.Join(e.errs...)
		e.mu.Unlock()
	}
	return
}

func (e *Errs) Error() (s string) {
	cnt := e.Cnt()
	if cnt == 0 {
		return
	}
	e.mu.Lock()
	var err error
	if cnt = len(e.errs); cnt > 0 {
		err = e.errs[0]
	}
	e.mu.Unlock()
	if err == nil {
		return
	}
	if cnt > 1 {
		err = fmt.Errorf("%v (and %d more errors)", err, cnt-1)
	}
	return err.Error()
}

//
// retriable/classifiable syscall errors (tcp/unix/udp transports)
//

func UnwrapSyscallErr(err error) error {
	if syscallErr, ok := err.(*os.SyscallError); ok {
		return syscallErr.Unwrap()
	}
	return nil
}

func IsErrSyscallTimeout(err error) bool {
	syscallErr, ok := err.(*os.SyscallError)
	return ok && syscallErr.Timeout()
}

func IsErrConnectionNotAvail(err error) bool { return errors.Is(err, syscall.EADDRNOTAVAIL) }
func IsErrConnectionRefused(err error) bool  { return errors.Is(err, syscall.ECONNREFUSED) }
func IsErrConnectionReset(err error) bool    { return errors.Is(err, syscall.ECONNRESET) }
func IsErrBrokenPipe(err error) bool         { return errors.Is(err, syscall.EPIPE) }

func IsRetriableConnErr(err error) bool {
	return IsErrConnectionRefused(err) || IsErrConnectionReset(err) || IsErrBrokenPipe(err)
}

func IsErrOOS(err error) bool { return errors.Is(err, syscall.ENOSPC) }

func IsErrDNSLookup(err error) bool {
	_, ok := err.(*net.DNSError)
	return ok
}

//
// ErrSignal
//

func (e *ErrSignal) ExitCode() int               { return 128 + int(e.signal) }
func NewSignalError(s syscall.Signal) *ErrSignal { return &ErrSignal{signal: s} }
func (e *ErrSignal) Error() string               { return fmt.Sprintf("signal %d", e.signal) }

//
// abnormal termination
//

const fatalPrefix = "FATAL ERROR: "

func Exitf(f string, a ...any) {
	_exit(fmt.Sprintf(fatalPrefix+f, a...))
}

func ExitLogf(f string, a ...any) {
	msg := fmt.Sprintf(fatalPrefix+f, a...)
	if flag.Parsed() {
		nlog.ErrorDepth(1, msg+"\n")
		nlog.Flush(true)
	}
	_exit(msg)
}

func _exit(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
