package helpers

import (
	"encoding/hex"

	"lukechampine.com/blake3"
)

// HashContent returns the BLAKE3 digest of a raw message as a
// 64-character hex string. Content hashes key the on-disk store and
// deduplicate messages that reappear under a new unique-id.
func HashContent(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ValidContentHash validates that a content hash contains only hex
// digits and is the expected length for BLAKE3 hashes (64 characters).
// Store paths are derived from hashes, so anything else is rejected
// before it reaches the filesystem.
func ValidContentHash(hash string) bool {
	if len(hash) != 64 {
		return false
	}
	for _, r := range hash {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')) {
			return false
		}
	}
	return true
}
