package uds

import (
	"encoding/binary"
	"hash/fnv"

	"github.com/zeebo/xxh3"
)

// NameSize is the width of a record name in bytes (spec.md §3: "160-bit
// opaque fingerprint").
const NameSize = 20

// RecordName is an opaque 160-bit content fingerprint. The index never
// interprets its bytes beyond the fixed extraction ranges defined below;
// callers are responsible for the fingerprint's meaning.
type RecordName [NameSize]byte

// sampleByteOffset is the name's last byte; the sample/hook test reads it
// and the byte before it (spec.md §3: "sample bits (hook test)"). Using
// the trailing bytes keeps them disjoint from the leading NameBytes used
// for address/list extraction.
const sampleByteOffset = NameSize - 1

// extractBytes returns the leading nameBytes (<=8) of name as a uint64,
// big-endian, matching spec.md §4.2's "B = extract_volume_index_bytes(name)".
func extractBytes(name RecordName, nameBytes int) uint64 {
	if nameBytes > 8 {
		nameBytes = 8
	}
	var buf [8]byte
	copy(buf[8-nameBytes:], name[:nameBytes])
	return binary.BigEndian.Uint64(buf[:])
}

// extractAddress returns the address-within-list bits (spec.md §4.2:
// "address = B & address_mask").
func extractAddress(name RecordName, nameBytes int, addressBits uint) uint64 {
	b := extractBytes(name, nameBytes)
	mask := (uint64(1) << addressBits) - 1
	return b & mask
}

// extractListNumber returns the delta-list number (spec.md §4.2:
// "list_number = (B >> address_bits) mod num_delta_lists").
func extractListNumber(name RecordName, nameBytes int, addressBits uint, numLists int) int {
	b := extractBytes(name, nameBytes)
	return int((b >> addressBits) % uint64(numLists))
}

// extractSampling returns the name's last two bytes, read big-endian, for
// the hook/sample test (spec.md
// §3/§GLOSSARY: "a record name whose sampling bytes satisfy mod
// sparse_sample_rate == 0").
func extractSampling(name RecordName) uint32 {
	return uint32(name[sampleByteOffset]) | uint32(name[sampleByteOffset-1])<<8
}

// isSample reports whether name is a hook/sample under rate (0 disables
// sparse indexing entirely, per spec.md §3).
func isSample(name RecordName, rate int) bool {
	if rate <= 0 {
		return false
	}
	return extractSampling(name)%uint32(rate) == 0
}

// NameFromContent derives a RecordName from arbitrary content. This is a
// convenience for tests and demos that want to turn real bytes into a
// name; the index itself always treats RecordName as opaque (spec.md §3).
// It mirrors the teacher's multi-algorithm hash.go: xxh3 supplies the
// high-entropy lanes, FNV-1a folds in a cheap second opinion so the two
// halves of the name are not derived from the same algorithm.
func NameFromContent(data []byte) RecordName {
	var n RecordName

	h := xxh3.Hash128(data)
	binary.BigEndian.PutUint64(n[0:8], h.Hi)
	binary.BigEndian.PutUint64(n[8:16], h.Lo)

	f := fnv.New32a()
	f.Write(data)
	binary.BigEndian.PutUint32(n[16:20], f.Sum32())

	return n
}
