// Chapter Writer (spec.md §4.4, C6): a single background goroutine that
// collates every zone's full open chapter into one closed chapter —
// record pages plus a freshly built chapter index — and writes it to
// the volume.
//
// Grounded on the teacher's db.go condvar-guarded single-writer loop
// (db.cond = sync.NewCond(&sync.Mutex{})) for the wait/broadcast shape,
// and repair.go's "build the whole new thing, then swap" discipline for
// why nothing touches the volume until collation is complete.
package uds

import "sync"

// ChapterStorage is where the Chapter Writer hands off a finished
// chapter. Concrete volume-file I/O belongs to the Index Controller
// (C10), which wires BlockWriter/BlockReader at the right file offsets;
// the writer itself only needs to know it can deposit bytes somewhere.
type ChapterStorage interface {
	// WriteChapter persists virtualChapter's collated records plus its
	// chapter index (written via indexSaver against a BlockWriter over
	// the chapter's region of the volume).
	WriteChapter(virtualChapter uint64, records []openChapterRecord, indexSaver func(w *BlockWriter) error) error

	// DiscardSavedOpenChapter removes any on-disk saved-open-chapter
	// checkpoint, since the chapter it describes is about to close for
	// good (spec.md §4.4 step 2).
	DiscardSavedOpenChapter() error
}

// ChapterWriterConfig configures chapter-index construction; it mirrors
// the fields of Config that the collation and page-addressing logic
// need without the writer owning the whole Config.
type ChapterWriterConfig struct {
	Zones             int
	RecordsPerChapter int
	RecordsPerPage    int
	ChaptersPerVolume int
	NumDeltaLists     int
	NameBytes         int
	AddressBits       uint
	MeanDelta         uint64
	PageNumberBits    uint
}

// ChapterWriter runs the single background collation/write loop
// described by spec.md §4.4.
type ChapterWriter struct {
	mu   sync.Mutex
	cond *sync.Cond

	cfg     ChapterWriterConfig
	storage ChapterStorage

	deposited    []*openChapterZone
	pendingZone  []bool
	pendingVC    uint64
	zonesToWrite int

	newest, oldest uint64
	haveChapters   bool

	stop   bool
	result error
	done   chan struct{}
}

// NewChapterWriter starts the background writer loop and returns
// immediately.
func NewChapterWriter(cfg ChapterWriterConfig, storage ChapterStorage) *ChapterWriter {
	cw := &ChapterWriter{
		cfg:         cfg,
		storage:     storage,
		deposited:   make([]*openChapterZone, cfg.Zones),
		pendingZone: make([]bool, cfg.Zones),
		done:        make(chan struct{}),
	}
	cw.cond = sync.NewCond(&cw.mu)
	go cw.run()
	return cw
}

// Deposit hands zone's full writing chapter to the writer. virtualChapter
// is the chapter number every zone agrees is closing; callers from
// different zones race to call Deposit but must agree on virtualChapter
// (the Index Zone / request pipeline barrier guarantees this).
func (cw *ChapterWriter) Deposit(zone int, chapter *openChapterZone, virtualChapter uint64) {
	cw.mu.Lock()
	cw.deposited[zone] = chapter
	cw.pendingZone[zone] = true
	cw.pendingVC = virtualChapter
	cw.zonesToWrite++
	cw.cond.Broadcast()
	cw.mu.Unlock()
}

// WaitIdle blocks until the writer has no pending or in-flight chapter,
// returning the result of the most recently completed write (spec.md
// §5: "Callers of save suspend until zones_to_write == 0").
func (cw *ChapterWriter) WaitIdle() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	for cw.zonesToWrite > 0 {
		cw.cond.Wait()
	}
	return cw.result
}

// WaitZoneIdle blocks until zone's own previous handoff, if any, has
// been drained by a completed write (spec.md §4.5: "block on C6 until
// the previous handoff is drained"). Unlike WaitIdle this does not wait
// on other zones, so a zone reacting to a peer's skew-control
// notification never blocks behind that peer's own still-in-flight
// round.
func (cw *ChapterWriter) WaitZoneIdle(zone int) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	for cw.pendingZone[zone] {
		cw.cond.Wait()
	}
	return cw.result
}

// Newest and Oldest report the writer's current chapter window.
func (cw *ChapterWriter) Newest() (uint64, bool) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.newest, cw.haveChapters
}

func (cw *ChapterWriter) Oldest() (uint64, bool) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.oldest, cw.haveChapters
}

// restoreWatermark sets the writer's reported chapter window directly,
// without having written anything — used by the Index Controller after
// a load or rebuild (spec.md §4.8).
func (cw *ChapterWriter) restoreWatermark(vc uint64) {
	cw.mu.Lock()
	cw.newest = vc
	cw.haveChapters = true
	cpv := uint64(cw.cfg.ChaptersPerVolume)
	if vc+1 > cpv {
		cw.oldest = vc + 1 - cpv
	}
	cw.mu.Unlock()
}

// Stop requests the background loop exit once any in-flight write
// completes, and waits for it to do so.
func (cw *ChapterWriter) Stop() {
	cw.mu.Lock()
	cw.stop = true
	cw.cond.Broadcast()
	cw.mu.Unlock()
	<-cw.done
}

func (cw *ChapterWriter) run() {
	defer close(cw.done)
	cw.mu.Lock()
	for {
		for cw.zonesToWrite < cw.cfg.Zones && !(cw.stop && cw.zonesToWrite == 0) {
			cw.cond.Wait()
		}
		if cw.stop && cw.zonesToWrite == 0 {
			cw.mu.Unlock()
			return
		}

		chapters := make([]*openChapterZone, len(cw.deposited))
		copy(chapters, cw.deposited)
		vc := cw.pendingVC
		cw.mu.Unlock()

		err := cw.writeOne(vc, chapters)

		cw.mu.Lock()
		cw.zonesToWrite = 0
		cw.deposited = make([]*openChapterZone, cw.cfg.Zones)
		cw.pendingZone = make([]bool, cw.cfg.Zones)
		cw.result = err
		if err == nil {
			cw.newest = vc
			cw.haveChapters = true
			cpv := uint64(cw.cfg.ChaptersPerVolume)
			if vc+1 > cpv {
				cw.oldest = vc + 1 - cpv
			}
		}
		cw.cond.Broadcast()
	}
}

func (cw *ChapterWriter) writeOne(vc uint64, chapters []*openChapterZone) error {
	if err := cw.storage.DiscardSavedOpenChapter(); err != nil {
		return err
	}

	collated, fill := cw.collate(chapters)
	chapterIndex := cw.buildChapterIndex(collated)
	_ = fill

	return cw.storage.WriteChapter(vc, collated, func(w *BlockWriter) error {
		if err := chapterIndex.StartSaving(0, w); err != nil {
			return err
		}
		return chapterIndex.FinishSaving(w)
	})
}

// collate assembles the records_per_chapter output slots per spec.md
// §4.4: output position r comes from zone r%Z, record index 1+r/Z,
// substituted with a fill record when that slot is empty or deleted.
func (cw *ChapterWriter) collate(chapters []*openChapterZone) ([]openChapterRecord, openChapterRecord) {
	Z := len(chapters)
	out := make([]openChapterRecord, cw.cfg.RecordsPerChapter)

	var fill openChapterRecord
	for _, zc := range chapters {
		if zc != nil && zc.size == zc.capacity && zc.size > 0 {
			i := zc.size
			for i > 0 && zc.deleted[i] {
				i--
			}
			if i > 0 {
				fill = zc.records[i]
			}
			break
		}
	}

	for r := 0; r < cw.cfg.RecordsPerChapter; r++ {
		zc := chapters[r%Z]
		idx := 1 + r/Z
		if zc != nil && idx <= zc.size && !zc.deleted[idx] {
			out[r] = zc.records[idx]
		} else {
			out[r] = fill
		}
	}
	return out, fill
}

// buildChapterIndex encodes collated's names into a fresh single-zone
// Delta Index keyed the same way the Volume Index keys names, with the
// record's page number as payload (spec.md §4.4: "insert its name with
// page_number = r / records_per_page into the open_chapter_index").
func (cw *ChapterWriter) buildChapterIndex(collated []openChapterRecord) *DeltaIndex {
	perEntryBits := int(deltaFieldBits(cw.cfg.MeanDelta)) + 8 + int(cw.cfg.PageNumberBits)
	memoryBits := len(collated) * perEntryBits
	if memoryBits < perEntryBits {
		memoryBits = perEntryBits
	}
	idx := NewDeltaIndex(1, cw.cfg.NumDeltaLists, cw.cfg.MeanDelta, cw.cfg.PageNumberBits, memoryBits)

	for r, rec := range collated {
		list := extractListNumber(rec.name, cw.cfg.NameBytes, cw.cfg.AddressBits, cw.cfg.NumDeltaLists)
		address := extractAddress(rec.name, cw.cfg.NameBytes, cw.cfg.AddressBits)
		page := uint64(r / cw.cfg.RecordsPerPage)

		c := idx.GetEntry(list, address, rec.name)
		var namePtr *RecordName
		if !c.AtEnd {
			n := rec.name
			namePtr = &n
		}
		// Best effort: the chapter index is sized for exactly
		// records_per_chapter entries, so overflow here would indicate
		// a sizing bug rather than a runtime condition callers need to
		// react to.
		_ = idx.PutEntry(c, address, page, namePtr)
	}
	return idx
}
