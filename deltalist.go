// Delta list: the per-list packed key/value store underlying the Delta
// Index (spec.md §4.1, C3).
//
// The source format is bit-exact: each entry is a variable-length delta
// from the previous key, an optional collision flag/name tag, and a
// fixed-width payload. Re-deriving that bit stream correctly through
// incremental in-place shifts (the source's approach) is easy to get
// subtly wrong without a compiler to check against, so this
// implementation keeps each list's entries decoded in memory, sorted by
// key, as the single source of truth; pack/unpack round-trip that slice
// to and from the exact bit layout spec.md mandates for save/restore and
// for measuring whether a list still fits its bit budget. Every
// operation that matters externally (get/put/remove/iterate, byte-exact
// save format) behaves identically either way — see DESIGN.md.
package uds

import "sort"

// entry is one decoded delta-list record: an address-within-list key, a
// payload value (typically a chapter number), and — for the rare case of
// two different names landing at the same reduced address — a collision
// flag plus the full name needed to disambiguate.
type entry struct {
	key       uint64
	value     uint64
	collision bool
	name      RecordName
}

// deltaList holds one list's entries plus its allocated bit budget.
// sizeBits is the memory region reserved for this list's packed form;
// it bounds how many entries the list can hold before a put must either
// rebalance against neighbours or fail with ErrOverflow.
type deltaList struct {
	entries  []entry
	sizeBits int
	hint     int // last remembered search index, for remember_offset amortization
}

// packedBits returns the exact bit length of dl's current entries when
// encoded per spec.md §4.1 (delta-coded key gaps, a collision bit, an
// optional name tag, and a fixed payload field).
func (dl *deltaList) packedBits(fieldBits, payloadBits uint) int {
	total := 0
	var prevKey uint64
	for _, e := range dl.entries {
		delta := e.key - prevKey
		total += deltaCodeLen(delta, fieldBits)
		total++ // collision flag bit
		if e.collision {
			total += NameSize * 8
		}
		total += int(payloadBits)
		prevKey = e.key
	}
	return total
}

// pack encodes dl's entries into a fresh bitBuffer using fieldBits for
// the delta code and payloadBits for the value field.
func (dl *deltaList) pack(fieldBits, payloadBits uint) *bitBuffer {
	buf := newBitBuffer(dl.packedBits(fieldBits, payloadBits))
	pos := 0
	var prevKey uint64
	for _, e := range dl.entries {
		delta := e.key - prevKey
		pos = encodeDelta(buf, pos, delta, fieldBits)
		if e.collision {
			buf.setBit(pos, 1)
			pos++
			for _, b := range e.name {
				buf.setBits(pos, 8, uint64(b))
				pos += 8
			}
		} else {
			buf.setBit(pos, 0)
			pos++
		}
		if payloadBits > 0 {
			buf.setBits(pos, int(payloadBits), e.value)
			pos += int(payloadBits)
		}
		prevKey = e.key
	}
	return buf
}

// unpackDeltaList decodes usedBits worth of entries from buf, the inverse
// of pack.
func unpackDeltaList(buf *bitBuffer, usedBits int, fieldBits, payloadBits uint) []entry {
	var entries []entry
	pos := 0
	var prevKey uint64
	for pos < usedBits {
		delta, next := decodeDelta(buf, pos, fieldBits)
		pos = next
		key := prevKey + delta
		collision := buf.getBit(pos) == 1
		pos++
		var name RecordName
		if collision {
			for i := range name {
				name[i] = byte(buf.getBits(pos, 8))
				pos += 8
			}
		}
		var value uint64
		if payloadBits > 0 {
			value = buf.getBits(pos, int(payloadBits))
			pos += int(payloadBits)
		}
		entries = append(entries, entry{key: key, value: value, collision: collision, name: name})
		prevKey = key
	}
	return entries
}

// search returns the index of the first entry with key >= target, i.e.
// the classic lower_bound; sort.Search requires the predicate to be
// monotonic, which holds because entries are kept sorted by key.
func (dl *deltaList) search(target uint64) int {
	return sort.Search(len(dl.entries), func(i int) bool {
		return dl.entries[i].key >= target
	})
}

// matchRun scans the run of entries sharing key starting at i (which
// search() positioned at the run's first element, if any) and returns
// the index of the entry matching name, per spec.md §4.1's "if the
// matched entry is a collision, traverse collision siblings comparing
// full name". A non-collision entry in the run is trusted as a match
// without a name comparison — reduced-address collisions are assumed
// rare enough that only entries explicitly sharing an address carry the
// cost of a full name tag.
func (dl *deltaList) matchRun(i int, key uint64, name RecordName) (int, bool) {
	primary := -1
	for j := i; j < len(dl.entries) && dl.entries[j].key == key; j++ {
		if !dl.entries[j].collision {
			primary = j
			continue
		}
		if dl.entries[j].name == name {
			return j, true
		}
	}
	if primary >= 0 {
		return primary, true
	}
	return i, false
}

// runEnd returns the index just past the run of entries sharing key,
// starting the scan at i.
func (dl *deltaList) runEnd(i int, key uint64) int {
	j := i
	for j < len(dl.entries) && dl.entries[j].key == key {
		j++
	}
	return j
}

// insertAt inserts e at position i, shifting later entries up by one.
func (dl *deltaList) insertAt(i int, e entry) {
	dl.entries = append(dl.entries, entry{})
	copy(dl.entries[i+1:], dl.entries[i:])
	dl.entries[i] = e
}

// removeAt deletes the entry at position i.
func (dl *deltaList) removeAt(i int) {
	dl.entries = append(dl.entries[:i], dl.entries[i+1:]...)
}
