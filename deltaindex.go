// Delta Index (spec.md §4.1, C3): a packed, sorted key→value store split
// across list_count delta lists, partitioned into zones for concurrent
// access. See deltalist.go for the per-list packing and deltalist.go's
// header comment for why entries are kept decoded in memory between
// save/restore round trips.
package uds

import (
	"sort"
	"time"
)

// Cursor positions an operation within one delta list. AtEnd means no
// entry matched the search key; Index is then the sorted insertion
// point. A cursor is invalidated by any put/remove/rebalance on its
// list other than the operation it was handed to — callers that need to
// keep iterating call NextEntry rather than reusing a stale cursor
// across mutations.
type Cursor struct {
	Zone  int
	List  int
	Index int
	AtEnd bool
}

// deltaListSaveInfo is the fixed 8-byte per-list header spec.md §4.1
// streams ahead of each list's packed bytes, plus a final guard
// instance (tag dlsTagGuard, index guardIndex) that finish_restoring
// verifies before accepting the stream.
type deltaListSaveInfo struct {
	tag       byte
	bitOffset byte // number of valid bits in the final partial byte (0 = byte fully used)
	byteCount uint16
	index     uint32
}

const (
	dlsTagNormal byte   = 0x01
	dlsTagGuard  byte   = 0xFF
	guardIndex   uint32 = 0xFFFFFFFF
)

func (h deltaListSaveInfo) encode() []byte {
	b := make([]byte, 8)
	b[0] = h.tag
	b[1] = h.bitOffset
	putUint16LE(b[2:4], h.byteCount)
	putUint32LE(b[4:8], h.index)
	return b
}

func decodeDeltaListSaveInfo(b []byte) deltaListSaveInfo {
	return deltaListSaveInfo{
		tag:       b[0],
		bitOffset: b[1],
		byteCount: getUint16LE(b[2:4]),
		index:     getUint32LE(b[4:8]),
	}
}

// DeltaZoneStats reports per-zone rebalance/overflow counters (spec.md
// §4.1: "rebalance time/count are exposed via stats").
type DeltaZoneStats struct {
	RebalanceCount int64
	RebalanceTime  time.Duration
	OverflowCount  int64
}

// deltaZone owns a disjoint subset of the index's delta lists — the
// unit of memory budget and of concurrent access (spec.md §3: "Z
// zones... each owns a disjoint partition of delta lists").
type deltaZone struct {
	lists      map[int]*deltaList
	memoryBits int
	stats      DeltaZoneStats

	// firstList/numLists are the zone's contiguous list range (spec.md:49
	// "each zone owns a contiguous range of lists"; spec.md:222's
	// first_list/num_lists on-disk header fields).
	firstList int
	numLists  int
}

// zoneForList returns the zone owning list under a contiguous-range
// partition of listCount lists across zones zones (spec.md:49): the
// first listCount%zones zones get one extra list each, so every zone's
// lists form one contiguous [firstListOfZone, firstListOfZone+numLists)
// range rather than being interleaved by list%zones.
func zoneForList(list, listCount, zones int) int {
	if zones <= 1 {
		return 0
	}
	base := listCount / zones
	rem := listCount % zones
	boundary := rem * (base + 1)
	if list < boundary {
		return list / (base + 1)
	}
	return rem + (list-boundary)/base
}

// firstListOfZone returns the first list number owned by zone under the
// same partition zoneForList uses.
func firstListOfZone(zone, listCount, zones int) int {
	if zones <= 1 {
		return 0
	}
	base := listCount / zones
	rem := listCount % zones
	if zone < rem {
		return zone * (base + 1)
	}
	return rem*(base+1) + (zone-rem)*base
}

// numListsInZone returns how many lists zone owns under the same
// partition zoneForList uses.
func numListsInZone(zone, listCount, zones int) int {
	if zones <= 1 {
		return listCount
	}
	base := listCount / zones
	rem := listCount % zones
	if zone < rem {
		return base + 1
	}
	return base
}

// DeltaIndex is the mutable, multi-zone Delta Index described by
// spec.md §4.1.
type DeltaIndex struct {
	zones      []*deltaZone
	listCount  int
	fieldBits  uint
	payloadBits uint
	meanDelta  uint64
}

// NewDeltaIndex initializes a Delta Index (spec.md's "initialize"):
// zones partitions, listCount delta lists, meanDelta sizes the
// variable-length code, payloadBits is the fixed value-field width, and
// memoryBits is the total bit budget divided evenly across lists.
func NewDeltaIndex(zones, listCount int, meanDelta uint64, payloadBits uint, memoryBits int) *DeltaIndex {
	if zones < 1 {
		zones = 1
	}
	if listCount < zones {
		listCount = zones
	}
	idx := &DeltaIndex{
		zones:       make([]*deltaZone, zones),
		listCount:   listCount,
		fieldBits:   deltaFieldBits(meanDelta),
		payloadBits: payloadBits,
		meanDelta:   meanDelta,
	}
	perList := memoryBits / listCount
	for z := range idx.zones {
		idx.zones[z] = &deltaZone{
			lists:     make(map[int]*deltaList),
			firstList: firstListOfZone(z, listCount, zones),
			numLists:  numListsInZone(z, listCount, zones),
		}
	}
	for list := 0; list < listCount; list++ {
		z := zoneForList(list, listCount, zones)
		idx.zones[z].lists[list] = &deltaList{sizeBits: perList}
		idx.zones[z].memoryBits += perList
	}
	return idx
}

func (idx *DeltaIndex) zoneOf(list int) int {
	return zoneForList(list, idx.listCount, len(idx.zones))
}

// FirstList returns the first list number zone owns (spec.md:222's
// first_list header field).
func (idx *DeltaIndex) FirstList(zone int) int { return idx.zones[zone].firstList }

// NumLists returns how many lists zone owns (spec.md:222's num_lists
// header field).
func (idx *DeltaIndex) NumLists(zone int) int { return idx.zones[zone].numLists }

func (idx *DeltaIndex) listFor(list int) *deltaList {
	return idx.zones[idx.zoneOf(list)].lists[list]
}

// GetEntry positions a cursor at the entry matching (key, name) in
// list, per spec.md §4.1: "position an entry cursor at the first entry
// with key >= arg; if the matched entry is a collision, traverse
// collision siblings comparing full name".
func (idx *DeltaIndex) GetEntry(list int, key uint64, name RecordName) Cursor {
	dl := idx.listFor(list)
	i := dl.search(key)
	c := Cursor{Zone: idx.zoneOf(list), List: list, Index: i, AtEnd: true}
	if i >= len(dl.entries) || dl.entries[i].key != key {
		return c
	}
	if j, ok := dl.matchRun(i, key, name); ok {
		c.Index = j
		c.AtEnd = false
		return c
	}
	c.Index = dl.runEnd(i, key)
	return c
}

// PutEntry inserts a new entry at cursor. When the cursor's position
// already holds an entry with the same key, the new entry is recorded as
// a collision carrying name, and a name must be supplied, since that is
// exactly the case the collision tag exists to disambiguate. When the key
// is not yet occupied the entry is a plain one and a supplied name is not
// stored.
func (idx *DeltaIndex) PutEntry(c Cursor, key, value uint64, name *RecordName) error {
	dl := idx.listFor(c.List)
	collision := c.Index < len(dl.entries) && dl.entries[c.Index].key == key
	if collision && name == nil {
		return wrap(KindInvalidArgument, errInvalidf("put_entry: key %d already occupied in list %d, name required", key, c.List))
	}
	e := entry{key: key, value: value, collision: collision}
	if collision {
		e.name = *name
	}
	dl.insertAt(c.Index, e)

	if dl.packedBits(idx.fieldBits, idx.payloadBits) <= dl.sizeBits {
		return nil
	}
	zone := idx.zones[c.Zone]
	if err := idx.rebalance(zone); err != nil {
		dl.removeAt(c.Index)
		zone.stats.OverflowCount++
		return wrap(KindOverflow, ErrOverflow)
	}
	if dl.packedBits(idx.fieldBits, idx.payloadBits) > dl.sizeBits {
		dl.removeAt(c.Index)
		zone.stats.OverflowCount++
		return wrap(KindOverflow, ErrOverflow)
	}
	return nil
}

// rebalance redistributes a zone's fixed memory budget across its lists
// in proportion to each list's current packed size (spec.md §4.1:
// "redistribute free space among neighbouring lists... move_bits each
// list's data to its new start"). Redistributing sizes is sufficient
// here since each list's packed bytes are produced fresh by pack() —
// there is no persistent shared buffer whose offsets need moveBits to
// preserve. The Chapter Writer's chapter index is built through this
// same path, so moveBits in bits.go has no caller.
func (idx *DeltaIndex) rebalance(zone *deltaZone) error {
	start := time.Now()
	defer func() {
		zone.stats.RebalanceCount++
		zone.stats.RebalanceTime += time.Since(start)
	}()

	total := 0
	used := make(map[int]int, len(zone.lists))
	for list, dl := range zone.lists {
		u := dl.packedBits(idx.fieldBits, idx.payloadBits)
		used[list] = u
		total += u
	}
	if total > zone.memoryBits {
		return ErrOverflow
	}
	if total == 0 {
		share := zone.memoryBits / len(zone.lists)
		for _, dl := range zone.lists {
			dl.sizeBits = share
		}
		return nil
	}
	for list, dl := range zone.lists {
		dl.sizeBits = int(int64(zone.memoryBits) * int64(used[list]) / int64(total))
	}
	return nil
}

// RemoveEntry deletes the entry at cursor.
func (idx *DeltaIndex) RemoveEntry(c Cursor) error {
	if c.AtEnd {
		return wrap(KindInvalidArgument, ErrBadCursor)
	}
	dl := idx.listFor(c.List)
	if c.Index >= len(dl.entries) {
		return wrap(KindInvalidArgument, ErrBadCursor)
	}
	dl.removeAt(c.Index)
	return nil
}

// SetEntryValue updates the payload at cursor without changing its key.
func (idx *DeltaIndex) SetEntryValue(c Cursor, value uint64) error {
	if c.AtEnd {
		return wrap(KindInvalidArgument, ErrBadCursor)
	}
	dl := idx.listFor(c.List)
	if c.Index >= len(dl.entries) {
		return wrap(KindInvalidArgument, ErrBadCursor)
	}
	dl.entries[c.Index].value = value
	return nil
}

// StartSearch returns a cursor at the head of list, honoring any
// previously remembered offset (spec.md §4.1: "remembering an offset
// lets the next search resume near where the previous one found a
// key").
func (idx *DeltaIndex) StartSearch(list int) Cursor {
	dl := idx.listFor(list)
	idxPos := dl.hint
	if idxPos > len(dl.entries) {
		idxPos = 0
	}
	return Cursor{Zone: idx.zoneOf(list), List: list, Index: idxPos, AtEnd: idxPos >= len(dl.entries)}
}

// NextEntry advances the cursor to the following entry in its list.
func (idx *DeltaIndex) NextEntry(c Cursor) Cursor {
	dl := idx.listFor(c.List)
	n := c.Index + 1
	return Cursor{Zone: c.Zone, List: c.List, Index: n, AtEnd: n >= len(dl.entries)}
}

// RememberOffset records cursor's position as the starting point for
// the list's next StartSearch.
func (idx *DeltaIndex) RememberOffset(c Cursor) {
	idx.listFor(c.List).hint = c.Index
}

// ListsInZone returns the sorted list numbers owned by zone.
func (idx *DeltaIndex) ListsInZone(zone int) []int {
	z := idx.zones[zone]
	lists := make([]int, 0, len(z.lists))
	for list := range z.lists {
		lists = append(lists, list)
	}
	sort.Ints(lists)
	return lists
}

// ZoneUsedBits returns the sum of packed bit length across every list
// zone owns, used by the Volume Index's early-flush policy (spec.md
// §4.2: "if a zone's total used bits exceeds max_zone_bits").
func (idx *DeltaIndex) ZoneUsedBits(zone int) int {
	total := 0
	for _, dl := range idx.zones[zone].lists {
		total += dl.packedBits(idx.fieldBits, idx.payloadBits)
	}
	return total
}

// EntryCount reports the number of entries across idx's zones, and how
// many of those are collision-tagged (spec.md §4.8 Statistics: "record
// and collision counts").
func (idx *DeltaIndex) EntryCount() (total, collisions int64) {
	for _, z := range idx.zones {
		for _, dl := range z.lists {
			total += int64(len(dl.entries))
			for _, e := range dl.entries {
				if e.collision {
					collisions++
				}
			}
		}
	}
	return total, collisions
}

// ZoneCount returns the number of zones the index was initialized with.
func (idx *DeltaIndex) ZoneCount() int { return len(idx.zones) }

// ListCount returns the total number of delta lists across all zones.
func (idx *DeltaIndex) ListCount() int { return idx.listCount }

// Stats aggregates rebalance/overflow counters across all zones.
func (idx *DeltaIndex) Stats() DeltaZoneStats {
	var out DeltaZoneStats
	for _, z := range idx.zones {
		out.RebalanceCount += z.stats.RebalanceCount
		out.RebalanceTime += z.stats.RebalanceTime
		out.OverflowCount += z.stats.OverflowCount
	}
	return out
}

// StartSaving streams zone's lists to w as a sequence of
// deltaListSaveInfo headers each followed by the list's packed bytes,
// terminated by a guard header (spec.md §4.1: "a trailing guard list
// that must be verified on restore").
func (idx *DeltaIndex) StartSaving(zone int, w *BlockWriter) error {
	z := idx.zones[zone]
	lists := make([]int, 0, len(z.lists))
	for list := range z.lists {
		lists = append(lists, list)
	}
	sort.Ints(lists)

	for _, list := range lists {
		dl := z.lists[list]
		buf := dl.pack(idx.fieldBits, idx.payloadBits)
		usedBits := dl.packedBits(idx.fieldBits, idx.payloadBits)
		byteCount := (usedBits + 7) / 8
		bitOffset := byte(usedBits % 8)
		h := deltaListSaveInfo{tag: dlsTagNormal, bitOffset: bitOffset, byteCount: uint16(byteCount), index: uint32(list)}
		if _, err := w.Write(h.encode()); err != nil {
			return err
		}
		if _, err := w.Write(buf.data[:byteCount]); err != nil {
			return err
		}
	}
	guard := deltaListSaveInfo{tag: dlsTagGuard, index: guardIndex}
	_, err := w.Write(guard.encode())
	return err
}

// FinishSaving flushes the writer used by StartSaving.
func (idx *DeltaIndex) FinishSaving(w *BlockWriter) error {
	return w.Flush()
}

// StartRestoring reads zone's lists back from r, replacing its current
// contents, and verifies the trailing guard header. A missing or
// malformed guard is reported as ErrCorruptData — the stream may be
// truncated or from an incompatible layout.
func (idx *DeltaIndex) StartRestoring(zone int, r *BlockReader) error {
	z := idx.zones[zone]
	restored := make(map[int]*deltaList, len(z.lists))

	for {
		hb := make([]byte, 8)
		if _, err := r.Read(hb); err != nil {
			return wrap(KindCorruptData, ErrCorruptData)
		}
		h := decodeDeltaListSaveInfo(hb)
		if h.tag == dlsTagGuard {
			if h.index != guardIndex {
				return wrap(KindCorruptData, ErrCorruptData)
			}
			break
		}
		if h.tag != dlsTagNormal {
			return wrap(KindCorruptData, ErrCorruptData)
		}
		payload := make([]byte, h.byteCount)
		if _, err := r.Read(payload); err != nil {
			return wrap(KindCorruptData, ErrCorruptData)
		}
		usedBits := int(h.byteCount) * 8
		if h.bitOffset != 0 {
			usedBits = usedBits - 8 + int(h.bitOffset)
		}
		buf := &bitBuffer{data: payload}
		entries := unpackDeltaList(buf, usedBits, idx.fieldBits, idx.payloadBits)

		old, ok := z.lists[int(h.index)]
		sizeBits := 0
		if ok {
			sizeBits = old.sizeBits
		}
		restored[int(h.index)] = &deltaList{entries: entries, sizeBits: sizeBits}
	}

	z.lists = restored
	return nil
}

// FinishRestoring is a no-op placeholder matching StartSaving/
// FinishSaving's symmetry; BlockReader has no buffered state to flush.
func (idx *DeltaIndex) FinishRestoring(r *BlockReader) error {
	return nil
}
