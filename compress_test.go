// Compression round-trip tests for the optional save-stream wrapper.
//
// CompressSaves wraps an already bit-exact packed payload with zstd. A
// compression bug here has two failure modes: silent corruption (the
// decompressed bytes differ from the packed payload that was handed in)
// or a crash during decompression (invalid zstd frame). Either would
// make a saved volume unreadable. These tests verify every byte survives
// the round trip for a range of payload shapes.
package uds

import (
	"bytes"
	"testing"
)

func TestCompressSaveStreamRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"single byte", []byte{0x42}},
		{"binary data", []byte{0x00, 0x01, 0xff, 0xfe, 0x80, 0x7f}},
		{"repetitive", bytes.Repeat([]byte{0xAB}, 4096)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := compressSaveStream(tt.data)
			decoded, err := decompressSaveStream(encoded)
			if err != nil {
				t.Fatalf("decompressSaveStream: %v", err)
			}
			if !bytes.Equal(decoded, tt.data) {
				t.Errorf("round trip failed: got %v, want %v", decoded, tt.data)
			}
		})
	}
}

// TestCompressSaveStreamReducesSize verifies that a packed stream full of
// repeated list headers (the common case for a freshly initialised,
// mostly-empty volume index) compresses smaller than it started.
func TestCompressSaveStreamReducesSize(t *testing.T) {
	data := bytes.Repeat([]byte("list-header-padding-"), 1000)
	encoded := compressSaveStream(data)
	if len(encoded) >= len(data) {
		t.Errorf("compression did not reduce size: encoded %d >= original %d", len(encoded), len(data))
	}
}

func TestDecompressSaveStreamCorrupt(t *testing.T) {
	if _, err := decompressSaveStream([]byte{0x01, 0x02, 0x03}); err == nil {
		t.Error("decompressSaveStream(garbage) = nil error, want error")
	}
}
