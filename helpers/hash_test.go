package helpers

import (
	"testing"
)

func TestHashContent(t *testing.T) {
	// Known BLAKE3 vector for empty input.
	empty := HashContent(nil)
	if empty != "af1349b9f5f9a1a6a0404dee36dcc9499bcb25c9adc112b7cc9a93cae41f3262" {
		t.Errorf("HashContent(nil) = %s", empty)
	}

	h1 := HashContent([]byte("Subject: hi\r\n\r\nbody\r\n"))
	if len(h1) != 64 {
		t.Errorf("hash length = %d, want 64", len(h1))
	}
	if !ValidContentHash(h1) {
		t.Errorf("hash %s fails its own validation", h1)
	}

	h2 := HashContent([]byte("Subject: hi\r\n\r\nbody!\r\n"))
	if h1 == h2 {
		t.Error("different content produced the same hash")
	}
	if again := HashContent([]byte("Subject: hi\r\n\r\nbody\r\n")); again != h1 {
		t.Error("hashing is not deterministic")
	}
}

func TestValidContentHash(t *testing.T) {
	tests := []struct {
		name string
		hash string
		want bool
	}{
		{"valid lowercase", "b3a8e0e1f9ab1bfe3a36f231f676f7e08a43ac7f0b6a53873b52444d67707d01", true},
		{"valid uppercase", "B3A8E0E1F9AB1BFE3A36F231F676F7E08A43AC7F0B6A53873B52444D67707D01", true},
		{"invalid length short", "b3a8e0e1f9ab1bfe3a36f231f676f7e0", false},
		{"invalid length long", "b3a8e0e1f9ab1bfe3a36f231f676f7e08a43ac7f0b6a53873b52444d67707d01aa", false},
		{"invalid character", "g3a8e0e1f9ab1bfe3a36f231f676f7e08a43ac7f0b6a53873b52444d67707d01", false},
		{"empty string", "", false},
		{"contains space", "b3a8e0e1f9ab1bfe3a36f231f676f7e0 8a43ac7f0b6a53873b52444d67707d01", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidContentHash(tt.hash); got != tt.want {
				t.Errorf("ValidContentHash(%q) = %v, want %v", tt.hash, got, tt.want)
			}
		})
	}
}
