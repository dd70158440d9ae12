// Volume Index (spec.md §4.2, C4): routes a record name to the virtual
// chapter that last saw it, via two Delta Index subindexes — a dense
// one covering every non-hook name, and (when sparse indexing is
// enabled) a hook subindex covering sampled names across every
// chapter, dense and sparse alike.
package uds

import (
	"fmt"
	"sync"
)

// Record is the result of a Volume Index lookup, or the argument to a
// mutation (spec.md §4.2).
type Record struct {
	Name           RecordName
	IsFound        bool
	IsCollision    bool
	VirtualChapter uint64
}

// volumeIndexZoneState tracks one zone's sliding chapter window and
// early-flush bookkeeping (spec.md §4.2).
type volumeIndexZoneState struct {
	virtualChapterLow  uint64
	virtualChapterHigh uint64
	earlyFlushes       int64
}

// subIndex is one half of the Volume Index's two-subindex layout: a
// Delta Index plus the per-list lazy-flush watermarks and per-zone
// chapter windows spec.md §4.2 describes. The hook subindex additionally
// uses hookMu to serialize concurrent access (spec.md: "under the
// zone's hook mutex if sampled").
type subIndex struct {
	delta             *DeltaIndex
	flushChapter      []uint64 // indexed by list number
	zones             []volumeIndexZoneState
	hookMu            []sync.Mutex
	chaptersPerVolume uint64
	chapterRing       uint64 // 1 << ChapterBits: the modulus the stored payload wraps at
	maxZoneBits       int
}

func newSubIndex(cfg Config, capacityRecords int) *subIndex {
	perEntryBits := int(deltaFieldBits(cfg.MeanDelta)) + 8 + int(cfg.ChapterBits)
	if capacityRecords < 1 {
		capacityRecords = 1
	}
	memoryBits := capacityRecords * perEntryBits
	s := &subIndex{
		delta:             NewDeltaIndex(cfg.Zones, cfg.NumDeltaLists, cfg.MeanDelta, cfg.ChapterBits, memoryBits),
		flushChapter:      make([]uint64, cfg.NumDeltaLists),
		zones:             make([]volumeIndexZoneState, cfg.Zones),
		hookMu:            make([]sync.Mutex, cfg.Zones),
		chaptersPerVolume: uint64(cfg.ChaptersPerVolume),
		chapterRing:       uint64(1) << cfg.ChapterBits,
		maxZoneBits:       memoryBits / cfg.Zones,
	}
	return s
}

// liftToVirtual converts a stored payload — the low ChapterBits bits of
// the virtual chapter number it was written with — back to the unique
// virtual chapter congruent to it at or below high (spec.md §4.2:
// "lifts the chapter to virtual"). This only has a unique answer while
// the chapter window (width chaptersPerVolume) is narrower than one
// full wrap of ring = 1<<ChapterBits; ChapterBits defaults wide enough
// (23 bits, an 8M-chapter ring) that no realistic chaptersPerVolume
// collides with it.
func liftToVirtual(stored, high, ring uint64) uint64 {
	base := high - (high % ring)
	candidate := base + stored
	if candidate > high {
		candidate -= ring
	}
	return candidate
}

// lazyFlush removes every entry in list whose lifted virtual chapter
// falls below the zone's virtualChapterLow, per spec.md §4.2's "Lazy
// LRU": flushing is deferred until something actually searches the
// list, rather than eagerly walking every list when the window slides.
func (s *subIndex) lazyFlush(list, zone int) {
	low := s.zones[zone].virtualChapterLow
	if s.flushChapter[list] >= low {
		return
	}
	dl := s.delta.listFor(list)
	high := s.zones[zone].virtualChapterHigh
	i := 0
	for i < len(dl.entries) {
		virt := liftToVirtual(dl.entries[i].value, high, s.chapterRing)
		if virt < low {
			dl.removeAt(i)
			continue
		}
		i++
	}
	s.flushChapter[list] = low
}

// maybeEarlyFlush raises virtualChapterLow ahead of schedule when the
// zone's used bits exceed its budget (spec.md §4.2 "Early flush").
func (s *subIndex) maybeEarlyFlush(zone int) {
	used := s.delta.ZoneUsedBits(zone)
	if used <= s.maxZoneBits {
		return
	}
	zs := &s.zones[zone]
	chapterZoneBits := s.maxZoneBits / int(s.chaptersPerVolume)
	if chapterZoneBits < 1 {
		chapterZoneBits = 1
	}
	expire := 1 + (used-s.maxZoneBits)/chapterZoneBits
	newLow := zs.virtualChapterLow + uint64(expire)
	if newLow > zs.virtualChapterHigh {
		newLow = zs.virtualChapterHigh
	}
	zs.virtualChapterLow = newLow
	zs.earlyFlushes++
}

// VolumeIndex is the two-level index described by spec.md §4.2.
type VolumeIndex struct {
	cfg    Config
	dense  *subIndex
	sparse *subIndex // nil unless cfg.sparse()
}

// NewVolumeIndex builds a Volume Index from cfg (already defaulted via
// Config.withDefaults).
func NewVolumeIndex(cfg Config) *VolumeIndex {
	hookRPC, nonHookRPC := 0, cfg.RecordsPerChapter
	if cfg.sparse() {
		hookRPC = cfg.RecordsPerChapter / cfg.SparseSampleRate
		nonHookRPC = cfg.RecordsPerChapter - hookRPC
	}

	denseChapters := cfg.ChaptersPerVolume - cfg.SparseChaptersPerVolume
	vi := &VolumeIndex{
		cfg:   cfg,
		dense: newSubIndex(cfg, nonHookRPC*denseChapters),
	}
	if cfg.sparse() {
		vi.sparse = newSubIndex(cfg, hookRPC*cfg.ChaptersPerVolume)
	}
	return vi
}

func (vi *VolumeIndex) subFor(name RecordName) (*subIndex, bool) {
	if vi.sparse != nil && isSample(name, vi.cfg.SparseSampleRate) {
		return vi.sparse, true
	}
	return vi.dense, false
}

func (vi *VolumeIndex) locate(name RecordName) (list int, address uint64) {
	list = extractListNumber(name, vi.cfg.NameBytes, vi.cfg.AddressBits, vi.cfg.NumDeltaLists)
	address = extractAddress(name, vi.cfg.NameBytes, vi.cfg.AddressBits)
	return
}

// GetRecord resolves name to its last-known virtual chapter, if any.
func (vi *VolumeIndex) GetRecord(name RecordName) Record {
	sub, hook := vi.subFor(name)
	list, address := vi.locate(name)
	zone := sub.delta.zoneOf(list)

	if hook {
		sub.hookMu[zone].Lock()
		defer sub.hookMu[zone].Unlock()
	}

	sub.lazyFlush(list, zone)
	c := sub.delta.GetEntry(list, address, name)
	rec := Record{Name: name}
	if c.AtEnd {
		return rec
	}
	dl := sub.delta.listFor(list)
	e := dl.entries[c.Index]
	rec.IsFound = true
	rec.IsCollision = e.collision
	zs := sub.zones[zone]
	rec.VirtualChapter = liftToVirtual(e.value, zs.virtualChapterHigh, sub.chapterRing)
	return rec
}

// PutRecord inserts or updates name's chapter mapping to virtualChapter.
// Overflow is non-fatal: the entry is dropped and a rate-limited warning
// is logged (spec.md §4.2: "on OVERFLOW logs rate-limited and returns
// success-with-drop").
func (vi *VolumeIndex) PutRecord(name RecordName, virtualChapter uint64, logger *rateLimiter) error {
	sub, hook := vi.subFor(name)
	list, address := vi.locate(name)
	zone := sub.delta.zoneOf(list)

	if hook {
		sub.hookMu[zone].Lock()
		defer sub.hookMu[zone].Unlock()
	}

	zs := sub.zones[zone]
	if virtualChapter < zs.virtualChapterLow || virtualChapter > zs.virtualChapterHigh {
		return wrap(KindInvalidArgument, ErrInvalidChapter)
	}

	sub.lazyFlush(list, zone)
	c := sub.delta.GetEntry(list, address, name)
	stored := virtualChapter % sub.chapterRing

	var namePtr *RecordName
	if !c.AtEnd {
		namePtr = &name
	}
	if err := sub.delta.PutEntry(c, address, stored, namePtr); err != nil {
		if kind, ok := ErrKind(err); ok && kind == KindOverflow {
			if logger != nil {
				logger.warnf(fmt.Sprintf("volume-index-overflow-list-%d", list), "volume index list %d overflowed, dropping entry", list)
			}
			return nil
		}
		return err
	}
	sub.maybeEarlyFlush(zone)
	return nil
}

// SetRecordChapter updates name's chapter mapping in place.
func (vi *VolumeIndex) SetRecordChapter(name RecordName, virtualChapter uint64) error {
	sub, hook := vi.subFor(name)
	list, address := vi.locate(name)
	zone := sub.delta.zoneOf(list)
	if hook {
		sub.hookMu[zone].Lock()
		defer sub.hookMu[zone].Unlock()
	}
	sub.lazyFlush(list, zone)
	c := sub.delta.GetEntry(list, address, name)
	if c.AtEnd {
		return wrap(KindInvalidArgument, ErrNotFound)
	}
	return sub.delta.SetEntryValue(c, virtualChapter%sub.chapterRing)
}

// RemoveRecord deletes name's entry, if present.
func (vi *VolumeIndex) RemoveRecord(name RecordName) error {
	sub, hook := vi.subFor(name)
	list, address := vi.locate(name)
	zone := sub.delta.zoneOf(list)
	if hook {
		sub.hookMu[zone].Lock()
		defer sub.hookMu[zone].Unlock()
	}
	sub.lazyFlush(list, zone)
	c := sub.delta.GetEntry(list, address, name)
	if c.AtEnd {
		return nil
	}
	return sub.delta.RemoveEntry(c)
}

// SetZoneOpenChapter slides zone's chapter window so the newest chapter
// is vc (spec.md §4.2: "updates low/high watermarks; under hook mutex
// for the hook subindex").
func (vi *VolumeIndex) SetZoneOpenChapter(zone int, vc uint64) {
	low := uint64(0)
	if vc+1 > vi.dense.chaptersPerVolume {
		low = vc + 1 - vi.dense.chaptersPerVolume
	}
	vi.dense.zones[zone].virtualChapterHigh = vc
	vi.dense.zones[zone].virtualChapterLow = low

	if vi.sparse != nil {
		vi.sparse.hookMu[zone].Lock()
		vi.sparse.zones[zone].virtualChapterHigh = vc
		vi.sparse.zones[zone].virtualChapterLow = low
		vi.sparse.hookMu[zone].Unlock()
	}
}

// LookupName is a read-only coherency check consulting only the hook
// subindex (spec.md §4.2: "used by sparse cache coherency"). It reports
// ok=false if sparse indexing is disabled or name has no hook entry.
func (vi *VolumeIndex) LookupName(name RecordName) (virtualChapter uint64, ok bool) {
	if vi.sparse == nil {
		return 0, false
	}
	list, address := vi.locate(name)
	zone := vi.sparse.delta.zoneOf(list)
	vi.sparse.hookMu[zone].Lock()
	defer vi.sparse.hookMu[zone].Unlock()

	vi.sparse.lazyFlush(list, zone)
	c := vi.sparse.delta.GetEntry(list, address, name)
	if c.AtEnd {
		return 0, false
	}
	dl := vi.sparse.delta.listFor(list)
	zs := vi.sparse.zones[zone]
	vc := liftToVirtual(dl.entries[c.Index].value, zs.virtualChapterHigh, vi.sparse.chapterRing)
	return vc, true
}

const (
	mi5Magic = "MI5-0005"
	mi6Magic = "MI6-0001"
)

// save streams one zone of s to w, per spec.md §4.2/§6: an
// MI5-0005 header carrying the zone's chapter window and its
// first_list/num_lists contiguous range, the per-list flush_chapter
// array, then the delta index payload. (The header omits spec.md §6's
// separate volume-nonce field; see DESIGN.md's Open Question decisions
// for the single controller-level nonce kept in the volume header.)
func (s *subIndex) save(zone int, w *BlockWriter) error {
	if _, err := w.Write([]byte(mi5Magic)); err != nil {
		return err
	}
	var hdr [24]byte
	putUint64LE(hdr[0:8], s.zones[zone].virtualChapterLow)
	putUint64LE(hdr[8:16], s.zones[zone].virtualChapterHigh)
	putUint32LE(hdr[16:20], uint32(s.delta.FirstList(zone)))
	putUint32LE(hdr[20:24], uint32(s.delta.NumLists(zone)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	for _, list := range s.delta.ListsInZone(zone) {
		var fb [8]byte
		putUint64LE(fb[:], s.flushChapter[list])
		if _, err := w.Write(fb[:]); err != nil {
			return err
		}
	}
	return s.delta.StartSaving(zone, w)
}

func (s *subIndex) load(zone int, r *BlockReader) error {
	magic := make([]byte, len(mi5Magic))
	if _, err := r.Read(magic); err != nil {
		return wrap(KindCorruptData, ErrCorruptData)
	}
	if string(magic) != mi5Magic {
		return wrap(KindCorruptData, ErrCorruptData)
	}
	hdr := make([]byte, 24)
	if _, err := r.Read(hdr); err != nil {
		return wrap(KindCorruptData, ErrCorruptData)
	}
	s.zones[zone].virtualChapterLow = getUint64LE(hdr[0:8])
	s.zones[zone].virtualChapterHigh = getUint64LE(hdr[8:16])
	firstList := int(getUint32LE(hdr[16:20]))
	numLists := int(getUint32LE(hdr[20:24]))
	if firstList != s.delta.FirstList(zone) || numLists != s.delta.NumLists(zone) {
		return wrap(KindCorruptData, ErrCorruptData)
	}

	for _, list := range s.delta.ListsInZone(zone) {
		fb := make([]byte, 8)
		if _, err := r.Read(fb); err != nil {
			return wrap(KindCorruptData, ErrCorruptData)
		}
		s.flushChapter[list] = getUint64LE(fb)
	}
	return s.delta.StartRestoring(zone, r)
}

// Save persists zone's state for both subindexes. The hook subindex, if
// present, is wrapped in an MI6-0001 outer framing that also records
// sparse_sample_rate (spec.md §4.2).
func (vi *VolumeIndex) Save(zone int, w *BlockWriter) error {
	if vi.sparse != nil {
		if _, err := w.Write([]byte(mi6Magic)); err != nil {
			return err
		}
		var rate [4]byte
		putUint32LE(rate[:], uint32(vi.cfg.SparseSampleRate))
		if _, err := w.Write(rate[:]); err != nil {
			return err
		}
		if err := vi.sparse.save(zone, w); err != nil {
			return err
		}
	}
	return vi.dense.save(zone, w)
}

// Load restores zone's state for both subindexes, validating the
// MI6-0001/MI5-0005 magics and the sparse sample rate (spec.md §4.2:
// "CORRUPT_DATA if magic differs... or sparse sample rate disagrees").
func (vi *VolumeIndex) Load(zone int, r *BlockReader) error {
	if vi.sparse != nil {
		magic := make([]byte, len(mi6Magic))
		if _, err := r.Read(magic); err != nil {
			return wrap(KindCorruptData, ErrCorruptData)
		}
		if string(magic) != mi6Magic {
			return wrap(KindCorruptData, ErrCorruptData)
		}
		rate := make([]byte, 4)
		if _, err := r.Read(rate); err != nil {
			return wrap(KindCorruptData, ErrCorruptData)
		}
		if int(getUint32LE(rate)) != vi.cfg.SparseSampleRate {
			return wrap(KindCorruptData, ErrCorruptData)
		}
		if err := vi.sparse.load(zone, r); err != nil {
			return err
		}
	}
	return vi.dense.load(zone, r)
}

// ZoneWindow reports zone's current chapter window (spec.md §4.2). All
// zones agree once ValidateChapterRangeAcrossZones has passed.
func (vi *VolumeIndex) ZoneWindow(zone int) (low, high uint64) {
	zs := vi.dense.zones[zone]
	return zs.virtualChapterLow, zs.virtualChapterHigh
}

// DenseStats and SparseStats expose each subindex's aggregated Delta
// Index counters (spec.md §4.8: "Statistics combine the volume index's
// rebalance/overflow counters..."). SparseStats is the zero value when
// sparse indexing is disabled.
func (vi *VolumeIndex) DenseStats() DeltaZoneStats { return vi.dense.delta.Stats() }

func (vi *VolumeIndex) SparseStats() DeltaZoneStats {
	if vi.sparse == nil {
		return DeltaZoneStats{}
	}
	return vi.sparse.delta.Stats()
}

// DenseEntryCount and SparseEntryCount report the live record/collision
// counts each subindex currently holds.
func (vi *VolumeIndex) DenseEntryCount() (total, collisions int64) {
	return vi.dense.delta.EntryCount()
}

func (vi *VolumeIndex) SparseEntryCount() (total, collisions int64) {
	if vi.sparse == nil {
		return 0, 0
	}
	return vi.sparse.delta.EntryCount()
}

// TotalEarlyFlushes sums the early-flush counter across every zone of
// both subindexes (spec.md §4.8 Statistics: "early flushes").
func (vi *VolumeIndex) TotalEarlyFlushes() int64 {
	var total int64
	for _, zs := range vi.dense.zones {
		total += zs.earlyFlushes
	}
	if vi.sparse != nil {
		for _, zs := range vi.sparse.zones {
			total += zs.earlyFlushes
		}
	}
	return total
}

// ValidateChapterRangeAcrossZones reports ErrCorruptData if the loaded
// zones disagree on their chapter window (spec.md §4.2: "chapter range
// differs across zones").
func (vi *VolumeIndex) ValidateChapterRangeAcrossZones() error {
	sub := vi.dense
	if len(sub.zones) == 0 {
		return nil
	}
	want := sub.zones[0]
	for _, zs := range sub.zones[1:] {
		if zs.virtualChapterLow != want.virtualChapterLow || zs.virtualChapterHigh != want.virtualChapterHigh {
			return wrap(KindCorruptData, ErrCorruptData)
		}
	}
	return nil
}
