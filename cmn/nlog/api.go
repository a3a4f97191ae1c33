// Package nlog is the process-wide logger: buffered, timestamped,
// severity-split (INFO/WARNING/ERROR) output with size-based rotation.
package nlog

import (
	"flag"
	"time"

	"github.com/inc-run/inc/cmn/mono"
)

func InitFlags(flset *flag.FlagSet) {
	flset.BoolVar(&toStderr, "logtostderr", false, "log to standard error instead of files")
	flset.BoolVar(&alsoToStderr, "alsologtostderr", false, "log to standard error as well as files")
}

func InfoDepth(depth int, args ...any)    { log(sevInfo, depth, "", args...) }
func Infoln(args ...any)                  { log(sevInfo, 0, "", args...) }
func Infof(format string, args ...any)    { log(sevInfo, 0, format, args...) }
func Warningln(args ...any)               { log(sevWarn, 0, "", args...) }
func Warningf(format string, args ...any) { log(sevWarn, 0, format, args...) }
func ErrorDepth(depth int, args ...any)   { log(sevErr, depth, "", args...) }
func Errorln(args ...any)                 { log(sevErr, 0, "", args...) }
func Errorf(format string, args ...any)   { log(sevErr, 0, format, args...) }

func SetLogDirRole(dir, role string) { logDir, aisrole = dir, role }
func SetTitle(s string)              { title = s }

func InfoLogName() string { return sname() + ".INFO" }
func ErrLogName() string  { return sname() + ".ERROR" }

// Flush forces pending buffered lines to disk; exit[0]==true additionally
// closes the underlying files (called once, on clean process shutdown).
func Flush(exit ...bool) {
	ex := len(exit) > 0 && exit[0]
	for _, sev := range []severity{sevInfo, sevErr} {
		n := nlogs[sev]
		n.mw.Lock()
		if n.file != nil {
			n.file.Sync()
			if ex {
				n.file.Close()
				n.file = nil
			}
		}
		n.mw.Unlock()
	}
	_ = title
}

// Since returns how long ago either log stream last wrote a line.
func Since() (d time.Duration) {
	now := mono.NanoTime()
	a, b := nlogs[sevInfo].since(now), nlogs[sevErr].since(now)
	if a > b {
		return a
	}
	return b
}

// OOB reports whether a log line was dropped because its destination
// file could not be opened (out-of-band condition the caller should
// surface, e.g. via stats).
func OOB() bool {
	return nlogs[sevInfo].oob.Load() || nlogs[sevErr].oob.Load()
}
