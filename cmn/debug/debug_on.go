//go:build debug

// Package debug provides build-tag gated invariant checks: a no-op in
// release builds, active assertions with `-tags debug`.
package debug

import (
	"fmt"
	"sync"

	"github.com/inc-run/inc/cmn/nlog"
)

func ON() bool { return true }

func Infof(format string, a ...any) { nlog.InfoDepth(1, fmt.Sprintf(format, a...)) }

func Func(f func()) { f() }

func Assert(cond bool, a ...any) {
	if !cond {
		panic(fmt.Sprintln(append([]any{"assertion failed:"}, a...)...))
	}
}

func AssertFunc(f func() bool, a ...any) { Assert(f(), a...) }

func AssertNoErr(err error) {
	if err != nil {
		panic("assertion failed: " + err.Error())
	}
}

func Assertf(cond bool, format string, a ...any) {
	if !cond {
		panic("assertion failed: " + fmt.Sprintf(format, a...))
	}
}

func AssertMutexLocked(m *sync.Mutex) {
	if m.TryLock() {
		m.Unlock()
		panic("mutex not locked")
	}
}

func AssertRWMutexLocked(m *sync.RWMutex) {
	if m.TryLock() {
		m.Unlock()
		panic("rwmutex not locked")
	}
}

func AssertRWMutexRLocked(m *sync.RWMutex) {
	if m.TryRLock() {
		m.RUnlock()
		panic("rwmutex not (r)locked")
	}
}
