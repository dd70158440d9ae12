// Index Controller (spec.md §4.8, C10): owns the volume file, wires
// every other component together, and implements the three interface
// seams C6/C8/C9 leave for it — ChapterStorage, SparseChapterSource, and
// RecordPageSource — by reading and writing a fixed-layout volume file
// (volume.go).
//
// Grounded on the teacher's top-level DB lifecycle (db.go: Open/Close
// owning every subordinate component, repair.go's rebuild-from-data
// discipline) generalized from a single log file to this package's
// volume-file ring-of-chapters layout.
package uds

import (
	"errors"
	"os"
	"sync"
	"time"
)

// CreateMode selects how Open establishes a volume's initial state
// (spec.md §4.8).
type CreateMode int

const (
	// CreateNew discards any existing file content and starts empty.
	CreateNew CreateMode = iota
	// LoadOrRebuild attempts to restore the saved state; on any error
	// other than a missing file it falls back to rebuilding from the
	// volume's closed chapters.
	LoadOrRebuild
	// NoRebuild requires a clean saved state and fails rather than
	// rebuilding (spec.md §4.8: "fails fast rather than silently
	// rebuilding").
	NoRebuild
)

type controllerState int

const (
	stateInit controllerState = iota
	stateReady
	// stateRebuilding is held by a controller returned from Open while
	// its background rebuild goroutine (runRebuild) is still replaying
	// chapters. Submit refuses requests in this state; Suspend can
	// still interrupt the rebuild from here.
	stateRebuilding
	stateSuspending
	stateSuspended
	// stateBroken is entered when a rebuild fails for a reason other
	// than suspension (e.g. corrupt data); the stored rebuildErr is
	// returned to every subsequent caller.
	stateBroken
	stateFreeing
)

// IndexController is the top-level object described by spec.md §4.8: it
// owns the volume file and every component (Volume Index, Chapter
// Writer, Index Zones, Sparse Cache, Request Pipeline) built on top of
// it.
type IndexController struct {
	cfg    Config
	file   *os.File
	layout *volumeLayout
	nonce  uint64

	fl *fileLock

	vi       *VolumeIndex
	writer   *ChapterWriter
	zones    []*IndexZone
	cache    *SparseCache
	pipeline *Pipeline

	mu           sync.Mutex
	cond         *sync.Cond
	state        controllerState
	haveChapters bool
	lastSave     uint64

	// rebuildDone is closed once a background rebuild (see runRebuild)
	// finishes, successfully or not; rebuildErr holds its result. Both
	// are nil/unset for a controller that didn't need a rebuild.
	rebuildDone chan struct{}
	rebuildErr  error

	pendingWatermark    uint64
	pendingOpenChapters []*openChapterZone

	// rebuildHook, when set, is called by rebuild's replay loop once per
	// chapter slot considered, after any replay for that slot completes.
	// It exists only so tests can deterministically pause a background
	// rebuild to exercise Suspend instead of racing against wall-clock
	// sleeps (the same seam net/http's testHookDialChannel uses).
	rebuildHook func(vc uint64)
}

const volumeMagic = "UDS-VOL1"

// Open establishes an Index Controller backed by the volume file at
// path, per mode.
func Open(path string, cfg Config, mode CreateMode) (*IndexController, error) {
	return openController(path, cfg, mode, nil)
}

// openController is Open's implementation, taking an optional rebuild
// test hook (see IndexController.rebuildHook).
func openController(path string, cfg Config, mode CreateMode, rebuildHook func(vc uint64)) (*IndexController, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	layout := newVolumeLayout(cfg)

	ic := &IndexController{cfg: cfg, layout: layout, state: stateInit, rebuildHook: rebuildHook}
	ic.cond = sync.NewCond(&ic.mu)
	ic.vi = NewVolumeIndex(cfg)

	needsRebuild := false

	switch mode {
	case CreateNew:
		f, err := os.Create(path)
		if err != nil {
			return nil, err
		}
		if err := f.Truncate(layout.totalSize()); err != nil {
			f.Close()
			return nil, err
		}
		ic.file = f
		ic.nonce = newNonce()
		if err := ic.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}

	case LoadOrRebuild:
		f, err := os.OpenFile(path, os.O_RDWR, 0o644)
		if os.IsNotExist(err) {
			if f, err = os.Create(path); err != nil {
				return nil, err
			}
			if err := f.Truncate(layout.totalSize()); err != nil {
				f.Close()
				return nil, err
			}
			ic.file = f
			ic.nonce = newNonce()
			if err := ic.writeHeader(); err != nil {
				f.Close()
				return nil, err
			}
			break
		}
		if err != nil {
			return nil, err
		}
		ic.file = f
		if err := ic.loadHeader(); err != nil {
			needsRebuild = true
		} else if err := ic.loadState(); err != nil {
			ic.vi = NewVolumeIndex(cfg) // discard any partial restore before rebuilding
			needsRebuild = true
		}

	case NoRebuild:
		f, err := os.OpenFile(path, os.O_RDWR, 0o644)
		if err != nil {
			return nil, wrap(KindCorruptData, ErrNotSavedCleanly)
		}
		ic.file = f
		if err := ic.loadHeader(); err != nil {
			f.Close()
			return nil, wrap(KindCorruptData, ErrNotSavedCleanly)
		}
		if err := ic.loadState(); err != nil {
			f.Close()
			return nil, wrap(KindCorruptData, ErrNotSavedCleanly)
		}
	}

	ic.fl = &fileLock{}
	ic.fl.setFile(ic.file)
	if err := ic.fl.Lock(LockExclusive); err != nil {
		ic.file.Close()
		return nil, wrap(KindBusy, err)
	}

	if needsRebuild {
		// wireComponents builds zones/writer/pipeline atop the still-
		// empty vi; Submit refuses requests until the rebuild goroutine
		// applies its replayed state (applyPendingRebuildState), so
		// nothing else touches vi concurrently with rebuild()'s writes.
		ic.state = stateRebuilding
		ic.rebuildDone = make(chan struct{})
		ic.wireComponents()
		go ic.runRebuild()
		return ic, nil
	}

	ic.wireComponents()
	ic.state = stateReady
	return ic, nil
}

// runRebuild drives a background rebuild for a controller Open already
// returned in stateRebuilding, so Suspend has a live controller to call
// (spec.md §4.8 state machine: rebuild must be interruptible between
// chapters, which requires a caller able to reach Suspend while it runs).
func (ic *IndexController) runRebuild() {
	err := ic.rebuild()
	ic.applyPendingRebuildState()

	ic.mu.Lock()
	ic.rebuildErr = err
	switch {
	case err == nil:
		switch ic.state {
		case stateRebuilding:
			ic.state = stateReady
		case stateSuspending:
			// Suspend raced in after the replay loop's last
			// checkSuspend but before rebuild returned: honor the
			// request and land suspended, with the full rebuild
			// (not a partial one) as the resulting state.
			ic.state = stateSuspended
		}
	case errors.Is(err, ErrBusy):
		// checkSuspend already moved state to stateSuspended; Resume
		// takes it to stateReady with whatever partial state was
		// replayed.
	default:
		ic.state = stateBroken
	}
	close(ic.rebuildDone)
	ic.cond.Broadcast()
	ic.mu.Unlock()
}

// WaitRebuild blocks until a background rebuild started by Open
// finishes, returning its result: nil on success, ErrBusy if Suspend
// interrupted it, otherwise the error that stopped it. It returns
// immediately for a controller that didn't need a rebuild.
func (ic *IndexController) WaitRebuild() error {
	ic.mu.Lock()
	done := ic.rebuildDone
	ic.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.rebuildErr
}

func (ic *IndexController) chapterWriterConfig() ChapterWriterConfig {
	return ChapterWriterConfig{
		Zones:             ic.cfg.Zones,
		RecordsPerChapter: ic.cfg.RecordsPerChapter,
		RecordsPerPage:    ic.cfg.RecordsPerPage,
		ChaptersPerVolume: ic.cfg.ChaptersPerVolume,
		NumDeltaLists:     ic.cfg.NumDeltaLists,
		NameBytes:         ic.cfg.NameBytes,
		AddressBits:       ic.cfg.AddressBits,
		MeanDelta:         ic.cfg.MeanDelta,
		PageNumberBits:    bitsNeeded(ic.cfg.RecordsPerChapter / max1(ic.cfg.RecordsPerPage)),
	}
}

// wireComponents builds the Chapter Writer, Index Zones, Sparse Cache,
// and Request Pipeline atop vi, applying any watermark/open-chapter
// state a load or rebuild recovered.
func (ic *IndexController) wireComponents() {
	ic.writer = NewChapterWriter(ic.chapterWriterConfig(), &controllerStorage{ic: ic})

	if ic.cfg.sparse() {
		ic.cache = NewSparseCache(ic.cfg, ic, 4)
	}

	coord := newChapterCloseCoordinator(ic.cfg.Zones)
	ic.zones = make([]*IndexZone, ic.cfg.Zones)
	for i := range ic.zones {
		var updater sparseCacheUpdater
		if ic.cache != nil {
			updater = ic.cache
		}
		ic.zones[i] = NewIndexZone(i, ic.cfg, ic.vi, ic.writer, updater, coord)
	}
	for i, z := range ic.zones {
		peers := make([]*IndexZone, 0, ic.cfg.Zones-1)
		for j, other := range ic.zones {
			if j != i {
				peers = append(peers, other)
			}
		}
		z.SetPeers(peers)
	}

	var rps RecordPageSource = ic
	ic.pipeline = NewPipeline(ic.cfg, ic.vi, ic.zones, ic.cache, rps)

	ic.applyPendingRebuildState()
}

// applyPendingRebuildState pushes a watermark/open-chapter set recovered
// by loadState or rebuild into the already-constructed zones and writer.
// Called once from wireComponents for a synchronous load, and again by
// runRebuild once a background rebuild finishes (successfully or by
// Suspend) against the zones wireComponents already built empty.
func (ic *IndexController) applyPendingRebuildState() {
	if ic.pendingWatermark > 0 {
		for _, z := range ic.zones {
			z.restoreWatermark(ic.pendingWatermark)
		}
		ic.writer.restoreWatermark(ic.pendingWatermark - 1)
	}
	if ic.pendingOpenChapters != nil {
		for i, z := range ic.zones {
			z.restoreOpenChapter(ic.pendingOpenChapters[i])
		}
	}
}

// writeHeader persists the volume's magic, nonce, and last-save marker.
func (ic *IndexController) writeHeader() error {
	buf := make([]byte, ic.layout.headerSize)
	copy(buf[0:8], volumeMagic)
	putUint64LE(buf[8:16], ic.nonce)
	if ic.haveChapters {
		buf[16] = 1
	}
	putUint64LE(buf[17:25], ic.lastSave)
	_, err := ic.file.WriteAt(buf, 0)
	return err
}

func (ic *IndexController) loadHeader() error {
	buf := make([]byte, ic.layout.headerSize)
	if _, err := ic.file.ReadAt(buf, 0); err != nil {
		return wrap(KindCorruptData, ErrCorruptData)
	}
	if string(buf[0:8]) != volumeMagic {
		return wrap(KindCorruptData, ErrCorruptData)
	}
	ic.nonce = getUint64LE(buf[8:16])
	ic.haveChapters = buf[16] == 1
	ic.lastSave = getUint64LE(buf[17:25])
	return nil
}

// loadState restores the Volume Index and saved open chapter from disk
// (spec.md §4.8 LOAD).
func (ic *IndexController) loadState() error {
	for zone := 0; zone < ic.cfg.Zones; zone++ {
		off := ic.layout.zoneOffset(zone)
		zone := zone
		err := loadFramed(ic.file, off, ic.layout.zoneRegionSize, ic.cfg.PageSize, ic.cfg.CompressSaves, func(r *BlockReader) error {
			return ic.vi.Load(zone, r)
		})
		if err != nil {
			return err
		}
	}
	if err := ic.vi.ValidateChapterRangeAcrossZones(); err != nil {
		return err
	}

	opens := make([]*openChapterZone, ic.cfg.Zones)
	for i := range opens {
		opens[i] = newOpenChapterForZone(ic.cfg)
	}
	zoneOf := func(name RecordName) int {
		list := extractListNumber(name, ic.cfg.NameBytes, ic.cfg.AddressBits, ic.cfg.NumDeltaLists)
		return zoneForList(list, ic.cfg.NumDeltaLists, ic.cfg.Zones)
	}
	err := loadFramed(ic.file, ic.layout.openChapterBase, ic.layout.openChapterSize, ic.cfg.PageSize, ic.cfg.CompressSaves, func(r *BlockReader) error {
		return loadOpenChapters(r, opens, zoneOf)
	})
	if err != nil {
		return err
	}

	_, high := ic.vi.ZoneWindow(0)
	ic.pendingWatermark = high
	ic.pendingOpenChapters = opens
	return nil
}

// scanChapters reads every ring slot's leading virtual-chapter tag,
// ignoring slots that have never been written (spec.md §4.8 rebuild:
// "for each chapter slot, read its tag").
func (ic *IndexController) scanChapters() (occupied map[uint64]bool, err error) {
	occupied = make(map[uint64]bool)
	for slot := 0; slot < ic.cfg.ChaptersPerVolume; slot++ {
		off := ic.layout.chaptersBase + int64(slot)*ic.layout.chapterSlotSize
		n, rerr := readFrameLength(ic.file, off)
		if rerr != nil || n == 0 {
			continue
		}
		vc, _, rerr := ic.readChapterAt(off, ic.layout.chapterSlotSize)
		if rerr != nil {
			continue
		}
		occupied[vc] = true
	}
	return occupied, nil
}

// rebuild re-derives the Volume Index's state by replaying every closed
// chapter still present on disk (spec.md §4.8: "scan chapter slots,
// determine the window, replay each record"). A chapter whose vc falls
// in the trailing sparse window contributes only its sample names,
// matching how those entries were originally routed through
// VolumeIndex.PutRecord.
func (ic *IndexController) rebuild() error {
	occupied, err := ic.scanChapters()
	if err != nil {
		return err
	}
	if len(occupied) == 0 {
		return nil
	}

	var minVC, maxVC uint64
	first := true
	for vc := range occupied {
		if first || vc < minVC {
			minVC = vc
		}
		if first || vc > maxVC {
			maxVC = vc
		}
		first = false
	}
	cpv := uint64(ic.cfg.ChaptersPerVolume)
	if maxVC-minVC+1 > cpv {
		return wrap(KindCorruptData, ErrCorruptData)
	}
	newest := maxVC + 1

	for zone := 0; zone < ic.cfg.Zones; zone++ {
		ic.vi.SetZoneOpenChapter(zone, newest)
	}
	low, _ := ic.vi.ZoneWindow(0)

	// Set the watermark as soon as the window is known, not only after a
	// full replay: a rebuild interrupted by Suspend still leaves whatever
	// chapters were replayed before the interruption addressable through a
	// consistent watermark, rather than losing them to pendingWatermark
	// staying 0.
	ic.pendingWatermark = newest

	logger := newRateLimiter(ic.cfg.Logger, time.Minute)
	for vc := low; vc < newest; vc++ {
		if ic.checkSuspend() {
			return wrap(KindBusy, ErrBusy)
		}
		if occupied[vc] {
			if err := ic.replayChapter(vc, newest, logger); err != nil {
				return err
			}
		}
		if ic.rebuildHook != nil {
			ic.rebuildHook(vc)
		}
	}

	ic.haveChapters = true
	ic.lastSave = maxVC
	return nil
}

func (ic *IndexController) replayChapter(vc, newest uint64, logger *rateLimiter) error {
	records, err := ic.readChapterRecords(vc)
	if err != nil {
		return err
	}
	sparse := chapterIsSparse(vc, newest-1, ic.cfg.SparseChaptersPerVolume)
	for _, rec := range records {
		if sparse && !isSample(rec.name, ic.cfg.SparseSampleRate) {
			continue
		}
		if err := ic.vi.PutRecord(rec.name, vc, logger); err != nil {
			if kind, ok := ErrKind(err); ok && kind == KindInvalidArgument {
				continue
			}
			return err
		}
	}
	return nil
}

// checkSuspend is the rebuild loop's suspend checkpoint: on observing
// stateSuspending it commits stateSuspended and wakes any goroutine
// blocked in Suspend, then reports whether the rebuild should stop. It
// is the only place a stateSuspending -> stateSuspended transition is
// made, which is what lets Suspend block until the rebuild has actually
// stopped instead of merely flipping a flag.
func (ic *IndexController) checkSuspend() bool {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if ic.state == stateSuspending {
		ic.state = stateSuspended
		ic.cond.Broadcast()
	}
	return ic.state == stateSuspended
}

// rebuildSuspended is a non-mutating query of the same condition
// checkSuspend commits, for callers that only want to observe current
// suspension state without participating in the handshake.
func (ic *IndexController) rebuildSuspended() bool {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.state == stateSuspending || ic.state == stateSuspended
}

// readChapterAt decodes the virtual-chapter tag and record payload at
// off without assuming which chapter it holds.
func (ic *IndexController) readChapterAt(off, regionSize int64) (uint64, []openChapterRecord, error) {
	var vc uint64
	var records []openChapterRecord
	err := loadFramed(ic.file, off, regionSize, ic.cfg.PageSize, ic.cfg.CompressSaves, func(r *BlockReader) error {
		vcBuf := make([]byte, 8)
		if _, err := r.Read(vcBuf); err != nil {
			return wrap(KindCorruptData, ErrCorruptData)
		}
		vc = getUint64LE(vcBuf)
		records = make([]openChapterRecord, ic.cfg.RecordsPerChapter)
		for i := range records {
			if _, err := r.Read(records[i].name[:]); err != nil {
				return wrap(KindCorruptData, ErrCorruptData)
			}
			if _, err := r.Read(records[i].metadata[:]); err != nil {
				return wrap(KindCorruptData, ErrCorruptData)
			}
		}
		return nil
	})
	return vc, records, err
}

// readChapterRecords reads vc's record payload from its ring slot,
// failing if the slot's own tag disagrees (the slot may since have been
// overwritten by a newer chapter at the same ring position).
func (ic *IndexController) readChapterRecords(vc uint64) ([]openChapterRecord, error) {
	off := ic.layout.chapterOffset(vc)
	gotVC, records, err := ic.readChapterAt(off, ic.layout.chapterSlotSize)
	if err != nil {
		return nil, err
	}
	if gotVC != vc {
		return nil, wrap(KindCorruptData, ErrCorruptData)
	}
	return records, nil
}

// controllerStorage adapts IndexController to the Chapter Writer's
// ChapterStorage interface (spec.md §4.4).
type controllerStorage struct {
	ic *IndexController
}

func (s *controllerStorage) WriteChapter(vc uint64, records []openChapterRecord, indexSaver func(w *BlockWriter) error) error {
	ic := s.ic
	off := ic.layout.chapterOffset(vc)
	return saveFramed(ic.file, off, ic.layout.chapterSlotSize, ic.cfg.PageSize, ic.cfg.CompressSaves, func(w *BlockWriter) error {
		var vcBuf [8]byte
		putUint64LE(vcBuf[:], vc)
		if _, err := w.Write(vcBuf[:]); err != nil {
			return err
		}
		for _, rec := range records {
			if _, err := w.Write(rec.name[:]); err != nil {
				return err
			}
			if _, err := w.Write(rec.metadata[:]); err != nil {
				return err
			}
		}
		return indexSaver(w)
	})
}

func (s *controllerStorage) DiscardSavedOpenChapter() error {
	ic := s.ic
	return saveFramed(ic.file, ic.layout.openChapterBase, ic.layout.openChapterSize, ic.cfg.PageSize, ic.cfg.CompressSaves, func(w *BlockWriter) error {
		return saveOpenChapters(w, nil)
	})
}

// LoadSparseChapter implements SparseChapterSource (spec.md §4.6) by
// re-reading the chapter's record pages and rebuilding its chapter
// index in memory via the Chapter Writer's own builder, rather than
// restoring the persisted chapter-index bytes — the records on disk are
// already the ground truth, and ChapterWriter.buildChapterIndex is the
// single place that logic lives (see chapterwriter_test.go for the same
// bare-value reuse pattern).
func (ic *IndexController) LoadSparseChapter(vc uint64) (*DeltaIndex, []RecordName, error) {
	records, err := ic.readChapterRecords(vc)
	if err != nil {
		return nil, nil, err
	}
	cw := &ChapterWriter{cfg: ic.chapterWriterConfig()}
	idx := cw.buildChapterIndex(records)
	names := make([]RecordName, len(records))
	for i, r := range records {
		names[i] = r.name
	}
	return idx, names, nil
}

// Confirm implements RecordPageSource (spec.md §4.7 RECORD_PAGE_LOOKUP)
// by re-reading the chapter's record page and checking for an exact
// name match, resolving the ambiguity the Volume Index's collision flag
// alone could not.
func (ic *IndexController) Confirm(name RecordName, vc uint64) (bool, error) {
	records, err := ic.readChapterRecords(vc)
	if err != nil {
		return false, err
	}
	for _, r := range records {
		if r.name == name {
			return true, nil
		}
	}
	return false, nil
}

// Submit enqueues req for asynchronous execution (spec.md §4.8/§6).
func (ic *IndexController) Submit(req *Request) error {
	ic.mu.Lock()
	state := ic.state
	rebuildErr := ic.rebuildErr
	ic.mu.Unlock()
	switch state {
	case stateFreeing:
		return ErrClosed
	case stateBroken:
		return rebuildErr
	case stateRebuilding, stateSuspending, stateSuspended:
		return wrap(KindBusy, ErrBusy)
	}
	ic.pipeline.Submit(req)
	return nil
}

// Suspend pauses a controller at its next safe point (spec.md §4.8 state
// machine: READY/REBUILDING -> SUSPENDING -> SUSPENDED). From READY it
// takes effect immediately; from REBUILDING it blocks until the
// background rebuild goroutine's checkSuspend call actually observes the
// request and stops replaying, so Suspend only returns once the rebuild
// has genuinely halted rather than merely flagging an intent it might
// race.
func (ic *IndexController) Suspend() {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	switch ic.state {
	case stateRebuilding:
		ic.state = stateSuspending
		for ic.state == stateSuspending {
			ic.cond.Wait()
		}
	case stateReady:
		ic.state = stateSuspended
	}
}

// Resume returns a suspended controller to READY. A rebuild interrupted
// by Suspend does not restart; whatever chapters it had replayed before
// stopping, and the watermark rebuild set up front, stand as the
// controller's state going forward.
func (ic *IndexController) Resume() {
	ic.mu.Lock()
	if ic.state == stateSuspended {
		ic.state = stateReady
	}
	ic.cond.Broadcast()
	ic.mu.Unlock()
}

// Save persists the Volume Index and the open chapters, waiting for any
// in-flight chapter write to drain first (spec.md §4.8 SAVE: "callers of
// save suspend until zones_to_write == 0").
func (ic *IndexController) Save() error {
	if err := ic.writer.WaitIdle(); err != nil {
		return err
	}

	ic.mu.Lock()
	defer ic.mu.Unlock()

	for zone := 0; zone < ic.cfg.Zones; zone++ {
		off := ic.layout.zoneOffset(zone)
		zone := zone
		err := saveFramed(ic.file, off, ic.layout.zoneRegionSize, ic.cfg.PageSize, ic.cfg.CompressSaves, func(w *BlockWriter) error {
			return ic.vi.Save(zone, w)
		})
		if err != nil {
			return err
		}
	}

	opens := make([]*openChapterZone, len(ic.zones))
	for i, z := range ic.zones {
		opens[i] = z.OpenChapter()
	}
	err := saveFramed(ic.file, ic.layout.openChapterBase, ic.layout.openChapterSize, ic.cfg.PageSize, ic.cfg.CompressSaves, func(w *BlockWriter) error {
		return saveOpenChapters(w, opens)
	})
	if err != nil {
		return err
	}

	if newest, haveChapters := ic.writer.Newest(); haveChapters {
		ic.haveChapters = true
		ic.lastSave = newest
	}
	return ic.writeHeader()
}

// Close stops the pipeline and writer, saves final state, and closes
// the volume file (spec.md §4.8: FREEING).
func (ic *IndexController) Close() error {
	// Drain any background rebuild first: it still owns vi exclusively
	// (Submit refuses requests until it's done), and racing its writes
	// with Save()/pipeline.Stop() below would corrupt state.
	ic.WaitRebuild()

	ic.mu.Lock()
	if ic.state == stateFreeing {
		ic.mu.Unlock()
		return ErrClosed
	}
	ic.state = stateFreeing
	ic.mu.Unlock()

	ic.pipeline.Stop()
	err := ic.Save()
	ic.writer.Stop()
	ic.fl.setFile(nil)
	if cerr := ic.file.Close(); err == nil {
		err = cerr
	}
	return err
}
