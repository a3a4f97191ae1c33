//go:build !mono

// Package mono provides a low-level nanosecond clock reading, used by
// nlog.Since and to seed cos.GenUUID. Only the `mono`-tagged build reads
// the runtime's monotonic clock.
package mono

import "time"

// NanoTime returns time.Now().UnixNano(): wall-clock nanoseconds since
// the Unix epoch. This reading is not monotonic; the `mono`-tagged
// build links runtime.nanotime instead.
func NanoTime() int64 { return time.Now().UnixNano() }
