package helpers

import (
	"unicode/utf8"
)

// SanitizeForLog makes an arbitrary protocol line safe to put in a log:
// NULL bytes and invalid UTF-8 sequences are dropped, other control
// characters are replaced with '.', and the result is truncated to max
// runes. Server output is untrusted; terminal escape sequences must
// never reach a log viewer.
func SanitizeForLog(s string, max int) string {
	buf := make([]rune, 0, len(s))
	for i, r := range s {
		if r == '\x00' {
			continue
		}
		if r == utf8.RuneError {
			_, size := utf8.DecodeRuneInString(s[i:])
			if size == 1 {
				continue // skip invalid byte
			}
		}
		if r < 0x20 || r == 0x7f {
			r = '.'
		}
		buf = append(buf, r)
	}
	if max > 0 && len(buf) > max {
		return string(buf[:max]) + "..."
	}
	return string(buf)
}
