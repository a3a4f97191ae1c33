// Package nlog is the process-wide logger: buffered, timestamped,
// severity-split (INFO/WARNING/ERROR) output with size-based rotation.
package nlog

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/inc-run/inc/cmn/mono"
)

type severity int

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

var sevChar = [...]byte{'I', 'W', 'E'}
var sevText = [...]string{"INFO", "WARNING", "ERROR"}

type nlog struct {
	mw      sync.Mutex
	buf     strings.Builder
	file    *os.File
	written int64
	last    atomic.Int64
	oob     atomic.Bool
	sev     severity
}

var (
	nlogs        [3]*nlog
	logDir       string
	aisrole      string
	title        string
	toStderr     bool
	alsoToStderr bool
	host, _      = os.Hostname()
	pid          = os.Getpid()

	onceInitFiles sync.Once
)

// MaxSize is the per-file rotation threshold.
var MaxSize int64 = 4 * 1024 * 1024

func initFiles() {
	for i := range nlogs {
		nlogs[i] = &nlog{sev: severity(i)}
	}
}

func sname() string {
	if aisrole != "" {
		return aisrole
	}
	return "inc"
}

func logfname(tag string, t time.Time) string {
	return fmt.Sprintf("%s.%s.%s.%02d%02d-%02d%02d%02d.%d.log",
		sname(), host, tag, t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), pid)
}

func (n *nlog) ensureFile() {
	if n.file != nil || logDir == "" {
		return
	}
	name := logfname(sevText[n.sev], time.Now())
	f, err := os.OpenFile(filepath.Join(logDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err == nil {
		n.file = f
	}
}

func (n *nlog) since(now int64) time.Duration { return time.Duration(now - n.last.Load()) }

func (n *nlog) write(line string) {
	n.mw.Lock()
	defer n.mw.Unlock()

	n.ensureFile()
	if n.file != nil {
		nn, _ := n.file.WriteString(line)
		n.written += int64(nn)
		n.last.Store(mono.NanoTime())
		if n.written >= MaxSize {
			n.file.Close()
			n.file = nil
			n.written = 0
		}
	} else {
		n.oob.Store(true)
	}
}

func formatLine(sev severity, depth int, format string, args ...any) string {
	var b strings.Builder
	b.WriteByte(sevChar[sev])
	b.WriteByte(' ')
	b.WriteString(time.Now().Format("15:04:05.000000"))
	b.WriteByte(' ')
	if _, fn, ln, ok := runtime.Caller(3 + depth); ok {
		if idx := strings.LastIndexByte(fn, filepath.Separator); idx >= 0 {
			fn = fn[idx+1:]
		}
		b.WriteString(fn)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(ln))
		b.WriteByte(' ')
	}
	if format == "" {
		fmt.Fprintln(&b, args...)
	} else {
		fmt.Fprintf(&b, format, args...)
		if !strings.HasSuffix(b.String(), "\n") {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func log(sev severity, depth int, format string, args ...any) {
	onceInitFiles.Do(initFiles)
	line := formatLine(sev, depth, format, args...)
	if toStderr || alsoToStderr || sev >= sevWarn {
		os.Stderr.WriteString(line)
	}
	if !toStderr {
		nlogs[sevInfo].write(line)
		if sev >= sevWarn {
			nlogs[sevErr].write(line)
		}
	}
}
