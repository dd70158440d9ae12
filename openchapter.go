// Open Chapter (spec.md §4.3, C5): the in-memory record store for the
// chapter currently being written to. One instance exists per zone; the
// Chapter Writer (C6) later collates every zone's open chapter into a
// single closed chapter.
//
// Grounded on the teacher's insert-or-append record lifecycle (db.go/
// set.go: look the key up, update in place if present and live, else
// append) and its save-to-temp-then-rename staging discipline
// (repair.go), adapted here to an in-memory hash table with on-disk
// ALBOC/02.00 framing instead of folio's append-log file format.
package uds

import "fmt"

// MetadataSize is the fixed width of a record's payload (spec.md §4.3:
// "name + metadata records"). This stands in for whatever a caller
// associates with a name — a block address in the source system — kept
// fixed-width so open-chapter records pack densely.
const MetadataSize = 16

// Metadata is the opaque fixed-size payload stored alongside a name.
type Metadata [MetadataSize]byte

type openChapterRecord struct {
	name     RecordName
	metadata Metadata
}

// openChapterZone is one zone's open-addressed record table (spec.md
// §4.3): quadratic probing over a power-of-two slot table, with a
// separate deleted-flag array overlaying the 1-based record array so
// that removing a record never disturbs the probe sequence of records
// inserted after it.
type openChapterZone struct {
	records  []openChapterRecord // records[0] unused; 1-based to let slot value 0 mean "empty"
	deleted  []bool              // deleted[i] parallels records[i]
	slots    []int               // slot -> 1-based record index, or 0
	slotMask int
	capacity int
	size     int
	deletionCount int
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func newOpenChapterZone(capacity int) *openChapterZone {
	if capacity < 1 {
		capacity = 1
	}
	slotCount := nextPow2(capacity * 2)
	return &openChapterZone{
		records:  make([]openChapterRecord, 1, capacity+1),
		deleted:  make([]bool, 1, capacity+1),
		slots:    make([]int, slotCount),
		slotMask: slotCount - 1,
		capacity: capacity,
	}
}

func openChapterHash(name RecordName) uint64 {
	return extractBytes(name, 8)
}

// probe returns the slot index at step i of name's quadratic probe
// sequence.
func (z *openChapterZone) probe(name RecordName, i int) int {
	h := openChapterHash(name)
	return int((h + uint64(i*(i+1)/2)) & uint64(z.slotMask))
}

// find returns the record number occupying the slot matching name (live
// or deleted), and whether that record is a live match.
func (z *openChapterZone) find(name RecordName) (recNum int, live bool) {
	for i := 0; i <= z.slotMask; i++ {
		idx := z.probe(name, i)
		rec := z.slots[idx]
		if rec == 0 {
			return 0, false
		}
		if z.records[rec].name == name {
			return rec, !z.deleted[rec]
		}
	}
	return 0, false
}

// Search reports whether name has a live entry, and its metadata.
func (z *openChapterZone) Search(name RecordName) (bool, Metadata) {
	rec, live := z.find(name)
	if !live {
		return false, Metadata{}
	}
	return true, z.records[rec].metadata
}

// Put inserts name with metadata, or updates it in place if a live
// entry already exists. Returns the zone's remaining capacity, or 0
// without inserting if the zone is already full (spec.md §4.3).
func (z *openChapterZone) Put(name RecordName, metadata Metadata) int {
	if rec, live := z.find(name); rec != 0 {
		if live {
			z.records[rec].metadata = metadata
			return z.capacity - z.size
		}
		// A deleted record occupies name's probe slot; since slots are
		// never rewritten on delete, the cheapest correct fix is to
		// revive it in place rather than re-probe past it.
		z.records[rec].metadata = metadata
		z.deleted[rec] = false
		z.deletionCount--
		return z.capacity - z.size
	}
	if z.size == z.capacity {
		return 0
	}
	for i := 0; i <= z.slotMask; i++ {
		idx := z.probe(name, i)
		if z.slots[idx] == 0 {
			z.size++
			z.records = append(z.records, openChapterRecord{name: name, metadata: metadata})
			z.deleted = append(z.deleted, false)
			z.slots[idx] = z.size
			return z.capacity - z.size
		}
	}
	// Unreachable: slotMask+1 >= 2*capacity guarantees an empty slot
	// whenever size < capacity.
	return 0
}

// Remove marks name's entry deleted, if present.
func (z *openChapterZone) Remove(name RecordName) {
	rec, live := z.find(name)
	if rec == 0 || !live {
		return
	}
	z.deleted[rec] = true
	z.deletionCount++
}

// Remaining returns the zone's unused capacity.
func (z *openChapterZone) Remaining() int { return z.capacity - z.size }

const (
	openChapterMagic   = "ALBOC"
	openChapterVersion = "02.00"
)

// saveOpenChapters writes every zone's live records to w, interleaved
// by zone (spec.md §4.3: "visiting zones 0..Z, then i++"), preceded by
// the ALBOC/02.00 header and a little-endian record count.
func saveOpenChapters(w *BlockWriter, zones []*openChapterZone) error {
	if _, err := w.Write([]byte(openChapterMagic)); err != nil {
		return err
	}
	if _, err := w.Write([]byte(openChapterVersion)); err != nil {
		return err
	}

	count := uint32(0)
	maxLen := 0
	for _, z := range zones {
		for i := 1; i <= z.size; i++ {
			if !z.deleted[i] {
				count++
			}
		}
		if len(z.records) > maxLen {
			maxLen = len(z.records)
		}
	}
	var cb [4]byte
	putUint32LE(cb[:], count)
	if _, err := w.Write(cb[:]); err != nil {
		return err
	}

	for i := 1; i < maxLen; i++ {
		for _, z := range zones {
			if i > z.size || z.deleted[i] {
				continue
			}
			rec := z.records[i]
			if _, err := w.Write(rec.name[:]); err != nil {
				return err
			}
			if _, err := w.Write(rec.metadata[:]); err != nil {
				return err
			}
		}
	}
	return nil
}

// loadOpenChapters reads a saved open-chapter stream back, dispatching
// each record to its zone via zoneOf (spec.md §4.3: "dispatch records
// to zones by get_volume_index_zone(name)"). A zone stops accepting
// records once its remaining capacity drops to <=1, to avoid filling it
// exactly — which would otherwise trigger an immediate spurious close
// the moment the zone resumes normal operation.
func loadOpenChapters(r *BlockReader, zones []*openChapterZone, zoneOf func(RecordName) int) error {
	magic := make([]byte, len(openChapterMagic))
	if _, err := r.Read(magic); err != nil {
		return wrap(KindCorruptData, ErrCorruptData)
	}
	if string(magic) != openChapterMagic {
		return wrap(KindCorruptData, fmt.Errorf("open chapter magic %q", magic))
	}
	version := make([]byte, len(openChapterVersion))
	if _, err := r.Read(version); err != nil {
		return wrap(KindCorruptData, ErrCorruptData)
	}
	if string(version) != openChapterVersion {
		return wrap(KindCorruptData, fmt.Errorf("open chapter version %q", version))
	}
	cb := make([]byte, 4)
	if _, err := r.Read(cb); err != nil {
		return wrap(KindCorruptData, ErrCorruptData)
	}
	count := getUint32LE(cb)

	for i := uint32(0); i < count; i++ {
		var name RecordName
		if _, err := r.Read(name[:]); err != nil {
			return wrap(KindCorruptData, ErrCorruptData)
		}
		var meta Metadata
		if _, err := r.Read(meta[:]); err != nil {
			return wrap(KindCorruptData, ErrCorruptData)
		}
		z := zones[zoneOf(name)]
		if z.Remaining() <= 1 {
			continue
		}
		z.Put(name, meta)
	}
	return nil
}
