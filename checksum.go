// Checksum trailer for saved streams (spec.md §1: "magic/checksum
// headers"). Grounded on the teacher's hash.go AlgBlake2b option — here
// blake2b-256 seals an entire save stream rather than hashing a label.
package uds

import "golang.org/x/crypto/blake2b"

const checksumSize = 32

// checksum256 returns the blake2b-256 digest of data.
func checksum256(data []byte) [checksumSize]byte {
	return blake2b.Sum256(data)
}

// appendChecksum appends the blake2b-256 checksum of data to data itself,
// for a save stream that must detect bit-rot or truncation beyond what the
// guard list already catches.
func appendChecksum(data []byte) []byte {
	sum := checksum256(data)
	return append(data, sum[:]...)
}

// splitChecksum separates a trailing checksum from data and verifies it.
// Returns the payload without the trailer.
func splitChecksum(data []byte) ([]byte, error) {
	if len(data) < checksumSize {
		return nil, ErrCorruptData
	}
	payload := data[:len(data)-checksumSize]
	want := data[len(data)-checksumSize:]
	got := checksum256(payload)
	for i := range got {
		if got[i] != want[i] {
			return nil, ErrCorruptData
		}
	}
	return payload, nil
}
