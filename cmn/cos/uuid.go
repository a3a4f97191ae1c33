// Package cos provides common low-level types and utilities shared by
// every inc package: error classification, exit helpers, and ID
// generation.
package cos

import (
	"sync/atomic"

	"github.com/OneOfOne/xxhash"
	"github.com/teris-io/shortid"

	"github.com/inc-run/inc/cmn/mono"
)

// Alphabet for generating short IDs, same shape as shortid.DEFAULT_ABC.
const uuidABC = "-5nZJDft6LuzsjGNpPwY7rQa39vehq4i1cV2FROo8yHSlC0BUEdWbIxMmTgKXAk_"

const (
	LenShortID = 9 // as per https://github.com/teris-io/shortid#id-length
	tooLongID  = 32
)

var (
	sid  *shortid.Shortid
	rtie atomic.Uint32
)

func InitShortID(seed uint64) {
	sid = shortid.MustNew(4 /*worker*/, uuidABC, seed)
}

// GenUUID returns a process-unique short ID. Connection IDs do not use
// it (they are a numeric counter), and shm generates its segment name
// suffixes with shortid directly.
func GenUUID() (uuid string) {
	if sid == nil {
		InitShortID(uint64(mono.NanoTime()))
	}
	var h, t string
	uuid = sid.MustGenerate()
	if !isAlpha(uuid[0]) {
		tie := int(rtie.Add(1))
		h = string(rune('A' + tie%26))
	}
	c := uuid[len(uuid)-1]
	if c == '-' || c == '_' {
		tie := int(rtie.Add(1))
		t = string(rune('a' + tie%26))
	}
	return h + uuid + t
}

// Fingerprint64 is the 64-bit checksum used to verify broadcast payload
// integrity end to end (see the binary-broadcast test scenario).
func Fingerprint64(b []byte) uint64 { return xxhash.Checksum64(b) }

func IsValidUUID(uuid string) bool {
	return len(uuid) >= LenShortID && IsAlphaNice(uuid)
}

func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// IsAlphaNice: letters and numbers w/ '-' and '_' permitted, neither as
// first nor last character.
func IsAlphaNice(s string) bool {
	l := len(s)
	if l > tooLongID || l == 0 {
		return false
	}
	for i := range l {
		c := s[i]
		if isAlpha(c) || (c >= '0' && c <= '9') {
			continue
		}
		if c != '-' && c != '_' {
			return false
		}
		if i == 0 || i == l-1 {
			return false
		}
	}
	return true
}

// 3-letter tie breaker (fast), used to disambiguate IDs generated
// within the same shortid tick.
func GenTie() string {
	tie := rtie.Add(1)
	b0 := uuidABC[tie&0x3f]
	b1 := uuidABC[-tie&0x3f]
	b2 := uuidABC[(tie>>2)&0x3f]
	return string([]byte{b0, b1, b2})
}
