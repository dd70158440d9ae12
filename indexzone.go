// Index Zone (spec.md §4.5, C7): per-zone glue. Owns the zone's open
// chapter, hands closed chapters to the Chapter Writer (C6), tracks its
// own oldest/newest watermarks, and propagates cache-coherency messages
// to its peer zones.
//
// Grounded on the teacher's pattern of every file's methods closing over
// a shared *DB (db.go): here every Index Zone method closes over the
// shared *VolumeIndex and *ChapterWriter the whole Index owns, with the
// zone's own id distinguishing its slice of that shared state.
package uds

import "sync"

// sparseCacheUpdater is the narrow slice of the Sparse Cache (C8) an
// Index Zone needs for HandleSparseCacheBarrier. *SparseCache implements
// it; tests can substitute a fake.
type sparseCacheUpdater interface {
	Update(virtualChapter uint64) error
}

// chapterCloseCoordinator tracks, across every zone sharing an Index,
// which zone is first to report a given virtual chapter closed (spec.md
// §4.5: "if first zone in a multi-zone index to close closed, send
// ANNOUNCE_CHAPTER_CLOSED to peers").
type chapterCloseCoordinator struct {
	mu      sync.Mutex
	closers map[uint64]int
	zones   int
}

func newChapterCloseCoordinator(zones int) *chapterCloseCoordinator {
	return &chapterCloseCoordinator{closers: make(map[uint64]int), zones: zones}
}

// recordClose registers this call as one zone's report that vc closed
// and returns whether it was the first such report. Bookkeeping for vc
// is dropped once every zone has reported it.
func (c *chapterCloseCoordinator) recordClose(vc uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.closers[vc] + 1
	c.closers[vc] = n
	first := n == 1
	if n >= c.zones {
		delete(c.closers, vc)
	}
	return first
}

// IndexZone is one zone's view of the Index (spec.md §4.5).
type IndexZone struct {
	mu sync.Mutex

	id     int
	cfg    Config
	vi     *VolumeIndex
	writer *ChapterWriter
	cache  sparseCacheUpdater
	coord  *chapterCloseCoordinator
	peers  []*IndexZone

	open           *openChapterZone
	writingChapter *openChapterZone // the chapter most recently handed to C6, kept until the zone's next OpenNextChapter
	newest         uint64
	oldest         uint64
}

func newOpenChapterForZone(cfg Config) *openChapterZone {
	perZone := cfg.RecordsPerChapter / cfg.Zones
	if perZone < 1 {
		perZone = 1
	}
	return newOpenChapterZone(perZone)
}

// NewIndexZone constructs zone id of a Z-zone Index. SetPeers must be
// called once every zone exists and before any request is processed.
func NewIndexZone(id int, cfg Config, vi *VolumeIndex, writer *ChapterWriter, cache sparseCacheUpdater, coord *chapterCloseCoordinator) *IndexZone {
	return &IndexZone{
		id:     id,
		cfg:    cfg,
		vi:     vi,
		writer: writer,
		cache:  cache,
		coord:  coord,
		open:   newOpenChapterForZone(cfg),
	}
}

// SetPeers records the Index's other zones, used to fan out
// ANNOUNCE_CHAPTER_CLOSED. peers must not include the zone itself.
func (z *IndexZone) SetPeers(peers []*IndexZone) {
	z.mu.Lock()
	z.peers = peers
	z.mu.Unlock()
}

// OpenChapter returns the zone's current open (writable) chapter.
func (z *IndexZone) OpenChapter() *openChapterZone {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.open
}

// Newest and Oldest report the zone's own chapter window.
func (z *IndexZone) Newest() uint64 {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.newest
}

func (z *IndexZone) Oldest() uint64 {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.oldest
}

// OpenNextChapter closes the zone's open chapter and opens a fresh one
// (spec.md §4.5): swap open/writing, wait for the writer to have
// drained any previous handoff, advance newest, repoint the volume
// index's watermark, hand the closed chapter to the writer, and — if
// this zone is first among its peers to close this chapter number —
// announce it so skew control can fire on the others.
func (z *IndexZone) OpenNextChapter() error {
	if err := z.writer.WaitZoneIdle(z.id); err != nil {
		return err
	}

	z.mu.Lock()
	z.writingChapter = nil // the handoff WaitZoneIdle just waited on has drained
	writing := z.open
	closed := z.newest
	z.newest++
	z.open = newOpenChapterForZone(z.cfg)
	z.writingChapter = writing
	newest := z.newest
	cpv := uint64(z.cfg.ChaptersPerVolume)
	if newest+1 > cpv {
		z.oldest = newest + 1 - cpv
	}
	peers := z.peers
	z.mu.Unlock()

	z.vi.SetZoneOpenChapter(z.id, newest)
	z.writer.Deposit(z.id, writing, closed)

	if z.coord != nil && z.coord.recordClose(closed) {
		for _, p := range peers {
			p.HandleChapterClosed(closed)
		}
	}
	return nil
}

// HandleChapterClosed implements skew control (spec.md §4.5): a zone
// still holding the chapter that just closed elsewhere opens its own
// next chapter immediately, rather than waiting to fill naturally.
func (z *IndexZone) HandleChapterClosed(vc uint64) {
	z.mu.Lock()
	newest := z.newest
	z.mu.Unlock()
	if newest == vc {
		// Best effort: a failure here surfaces the next time this
		// zone's own put_open_chapter path calls OpenNextChapter and
		// checks the returned error.
		_ = z.OpenNextChapter()
	}
}

// restoreWatermark sets the zone's chapter window directly, bypassing
// the normal open/close handoff. Used only by the Index Controller while
// restoring state from a load or rebuild, before any request is
// processed (spec.md §4.8).
func (z *IndexZone) restoreWatermark(newest uint64) {
	z.mu.Lock()
	z.newest = newest
	cpv := uint64(z.cfg.ChaptersPerVolume)
	if newest+1 > cpv {
		z.oldest = newest + 1 - cpv
	}
	z.mu.Unlock()
}

// restoreOpenChapter replaces the zone's open chapter with oc, recovered
// from a saved-open-chapter stream (spec.md §4.8 LOAD).
func (z *IndexZone) restoreOpenChapter(oc *openChapterZone) {
	z.mu.Lock()
	z.open = oc
	z.mu.Unlock()
}

// SearchWriting looks for name in the chapter most recently handed to
// the writer, which stays referenced until the zone's next
// OpenNextChapter whether or not the writer has finished with it. Per the spec's
// documented (conservative) behavior, a writing chapter is only
// searched once it is full — reading a writing chapter while it might
// still be mutated races with the writer, and the spec preserves that
// restriction rather than resolving it.
func (z *IndexZone) SearchWriting(name RecordName) (bool, Metadata) {
	z.mu.Lock()
	wc := z.writingChapter
	z.mu.Unlock()
	if wc == nil || wc.size != wc.capacity {
		return false, Metadata{}
	}
	return wc.Search(name)
}

// RemoveOpenChapter clears name's entry from the open chapter, if
// present (spec.md §4.7 DELETE: "if in open chapter, clear flag").
func (z *IndexZone) RemoveOpenChapter(name RecordName) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.open.Remove(name)
}

// HandleSparseCacheBarrier updates the sparse cache to contain vc
// (spec.md §4.5); a no-op if sparse indexing is disabled.
func (z *IndexZone) HandleSparseCacheBarrier(vc uint64) error {
	if z.cache == nil {
		return nil
	}
	return z.cache.Update(vc)
}

// PutOpenChapter inserts name/metadata into the zone's open chapter,
// opening the next chapter automatically once it fills (spec.md §4.7:
// "On put_open_chapter returning 0 remaining, the zone calls
// open_next_chapter()").
func (z *IndexZone) PutOpenChapter(name RecordName, metadata Metadata) error {
	z.mu.Lock()
	remaining := z.open.Put(name, metadata)
	z.mu.Unlock()
	if remaining == 0 {
		return z.OpenNextChapter()
	}
	return nil
}
