// Package idgen generates the compact identifiers that correlate one
// session's log lines and metrics. IDs sort roughly by creation time.
package idgen

import (
	"crypto/rand"
	"encoding/base32"
	"strings"
	"sync/atomic"
	"time"
)

// base32Encoding is base32 without padding; 10 input bytes encode to
// exactly 16 characters.
var base32Encoding = base32.NewEncoding("ABCDEFGHIJKLMNOPQRSTUVWXYZ234567").WithPadding(base32.NoPadding)

// sequence is an atomically incremented counter to ensure uniqueness
// within one second.
var sequence uint32

// New generates a 16-character lowercase identifier:
//   - 4 bytes: timestamp (seconds since epoch, truncated)
//   - 2 bytes: atomically incremented sequence number
//   - 4 bytes: random data
func New() string {
	id := make([]byte, 10)

	timestamp := uint32(time.Now().Unix())
	id[0] = byte(timestamp >> 24)
	id[1] = byte(timestamp >> 16)
	id[2] = byte(timestamp >> 8)
	id[3] = byte(timestamp)

	seq := atomic.AddUint32(&sequence, 1)
	id[4] = byte(seq >> 8)
	id[5] = byte(seq)

	if _, err := rand.Read(id[6:]); err != nil {
		// Fall back to clock bits if the random source fails.
		now := time.Now().UnixNano()
		id[6] = byte(now >> 24)
		id[7] = byte(now >> 16)
		id[8] = byte(now >> 8)
		id[9] = byte(now)
	}

	return strings.ToLower(base32Encoding.EncodeToString(id))
}
