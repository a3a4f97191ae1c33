//go:build mono

// Package mono provides a low-level nanosecond clock reading, used by
// nlog.Since and to seed cos.GenUUID. Only the `mono`-tagged build reads
// the runtime's monotonic clock.
package mono

import (
	_ "unsafe" // for go:linkname
)

// https://golang.org/pkg/runtime/?m=all#nanotime
//
//go:linkname NanoTime runtime.nanotime
func NanoTime() int64
