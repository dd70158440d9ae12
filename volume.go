// Volume file layout and stream framing (spec.md §6, C10): where on disk
// each component's state lives, and the length-prefixed, optionally
// zstd-wrapped envelope every independent stream is written through.
//
// Grounded on blockio.go's page-aligned BlockWriter/BlockReader for the
// actual I/O, and on compress.go's "encode speed over ratio" zstd
// wrapping (see compress.go's header) for CompressSaves.
package uds

import (
	"crypto/rand"
	"os"
)

// newNonce returns a fresh random volume nonce, stamped in the volume
// header at create time. loadHeader reads it back without comparing it
// against anything, so it does not detect a stale or foreign file.
func newNonce() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return getUint64LE(b[:])
}

// volumeLayout computes fixed byte offsets and region sizes for a
// volume file from its Config, so every region's position is derivable
// without a separate on-disk table of offsets (only a ring slot's own
// leading virtual-chapter tag distinguishes what it currently holds).
type volumeLayout struct {
	cfg Config

	headerSize int64

	zoneRegionBase int64
	zoneRegionSize int64

	openChapterBase int64
	openChapterSize int64

	chaptersBase    int64
	chapterSlotSize int64
}

func roundUpInt64(n, align int64) int64 {
	if align <= 0 {
		return n
	}
	if rem := n % align; rem != 0 {
		n += align - rem
	}
	return n
}

// newVolumeLayout sizes every region generously relative to cfg's
// in-memory budgets, leaving slack for framing overhead and — when
// CompressSaves is set — for a compressed stream to occasionally be no
// smaller than its input. This is a deliberately simple fixed-slot
// layout rather than a packed/compacted file format; see DESIGN.md for
// why that tradeoff fits a learning implementation.
func newVolumeLayout(cfg Config) *volumeLayout {
	page := int64(cfg.PageSize)
	if page <= 0 {
		page = defaultPageSize
	}

	headerSize := roundUpInt64(64, page)

	hookRPC, nonHookRPC := 0, cfg.RecordsPerChapter
	if cfg.sparse() {
		hookRPC = cfg.RecordsPerChapter / cfg.SparseSampleRate
		nonHookRPC = cfg.RecordsPerChapter - hookRPC
	}
	denseChapters := cfg.ChaptersPerVolume - cfg.SparseChaptersPerVolume
	perEntryBits := int(deltaFieldBits(cfg.MeanDelta)) + 8 + int(cfg.ChapterBits)

	denseBitsPerZone := (nonHookRPC * denseChapters * perEntryBits) / cfg.Zones
	sparseBitsPerZone := 0
	if cfg.sparse() {
		sparseBitsPerZone = (hookRPC * cfg.ChaptersPerVolume * perEntryBits) / cfg.Zones
	}
	// x2 for framing/compression slack plus a fixed constant for the
	// per-list save headers and guard record.
	zoneRegionSize := roundUpInt64(int64((denseBitsPerZone+sparseBitsPerZone)/8+4096)*2, page)

	openChapterSize := roundUpInt64(int64(cfg.RecordsPerChapter*(NameSize+MetadataSize)+64)*2, page)

	pageNumberBits := bitsNeeded(cfg.RecordsPerChapter / max1(cfg.RecordsPerPage))
	chapterIndexPerEntryBits := int(deltaFieldBits(cfg.MeanDelta)) + 8 + int(pageNumberBits)
	chapterIndexSize := int64(cfg.RecordsPerChapter*chapterIndexPerEntryBits)/8 + 256
	recordsRegionSize := int64(cfg.RecordsPerChapter * (NameSize + MetadataSize))
	chapterSlotSize := roundUpInt64((8+recordsRegionSize+chapterIndexSize+64)*2, page)

	l := &volumeLayout{
		cfg:             cfg,
		headerSize:      headerSize,
		zoneRegionSize:  zoneRegionSize,
		openChapterSize: openChapterSize,
		chapterSlotSize: chapterSlotSize,
	}
	l.zoneRegionBase = headerSize
	l.openChapterBase = l.zoneRegionBase + zoneRegionSize*int64(cfg.Zones)
	l.chaptersBase = l.openChapterBase + openChapterSize
	return l
}

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

func (l *volumeLayout) totalSize() int64 {
	return l.chaptersBase + l.chapterSlotSize*int64(l.cfg.ChaptersPerVolume)
}

func (l *volumeLayout) zoneOffset(zone int) int64 {
	return l.zoneRegionBase + int64(zone)*l.zoneRegionSize
}

func (l *volumeLayout) chapterOffset(vc uint64) int64 {
	slot := vc % uint64(l.cfg.ChaptersPerVolume)
	return l.chaptersBase + int64(slot)*l.chapterSlotSize
}

// saveFramed runs fn against a *BlockWriter backed by a scratch temp
// file, then writes the result — optionally zstd-compressed — as a
// length-prefixed blob at base within f. Routing every independent
// stream through a temp file lets CompressSaves wrap a bit-exact,
// already-complete payload rather than a streaming one (compress.go's
// encoder has no notion of "this block's size is still growing").
func saveFramed(f *os.File, base, regionSize int64, pageSize int, compress bool, fn func(w *BlockWriter) error) error {
	tmp, err := os.CreateTemp("", "uds-save-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	w := NewBlockWriter(tmp, 0, pageSize)
	if err := fn(w); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}

	raw := make([]byte, w.Offset())
	if _, err := tmp.ReadAt(raw, 0); err != nil {
		return err
	}

	payload := raw
	if compress {
		payload = compressSaveStream(raw)
	}
	payload = appendChecksum(payload)
	if int64(len(payload))+8 > regionSize {
		return wrap(KindOverflow, errInvalidf("save stream of %d bytes does not fit its %d-byte region", len(payload), regionSize))
	}

	out := NewBlockWriter(f, base, pageSize)
	var lenBuf [8]byte
	putUint64LE(lenBuf[:], uint64(len(payload)))
	if _, err := out.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := out.Write(payload); err != nil {
		return err
	}
	return out.Flush()
}

// readFrameLength peeks at a region's length prefix without decoding
// its payload, used to cheaply tell an occupied ring slot from one that
// has never been written.
func readFrameLength(f *os.File, base int64) (uint64, error) {
	lb := make([]byte, 8)
	if _, err := f.ReadAt(lb, base); err != nil {
		return 0, err
	}
	return getUint64LE(lb), nil
}

// loadFramed is saveFramed's inverse: it reads the length-prefixed blob
// at base, decompresses it if needed, stages it in a scratch temp file,
// and runs fn against a *BlockReader over that file.
func loadFramed(f *os.File, base, regionSize int64, pageSize int, compress bool, fn func(r *BlockReader) error) error {
	n, err := readFrameLength(f, base)
	if err != nil {
		return wrap(KindCorruptData, ErrCorruptData)
	}
	if int64(n)+8 > regionSize {
		return wrap(KindCorruptData, ErrCorruptData)
	}

	framed := make([]byte, n)
	if _, err := f.ReadAt(framed, base+8); err != nil {
		return wrap(KindCorruptData, ErrCorruptData)
	}
	payload, err := splitChecksum(framed)
	if err != nil {
		return wrap(KindCorruptData, err)
	}

	raw := payload
	if compress {
		raw, err = decompressSaveStream(payload)
		if err != nil {
			return wrap(KindCorruptData, err)
		}
	}

	tmp, err := os.CreateTemp("", "uds-load-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()
	if _, err := tmp.Write(raw); err != nil {
		return err
	}

	r := NewBlockReader(tmp, 0, int64(len(raw)))
	return fn(r)
}
