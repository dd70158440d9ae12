// Chapter Writer tests: collation (fill-record substitution, zone
// interleaving), the wait-for-all-zones barrier, and chapter-index page
// numbering (spec.md §4.4).
package uds

import (
	"os"
	"testing"
)

type fakeChapterStorage struct {
	discardCalls int
	written      []uint64
	lastRecords  []openChapterRecord
	lastSaver    func(w *BlockWriter) error
	writeErr     error
}

func (f *fakeChapterStorage) DiscardSavedOpenChapter() error {
	f.discardCalls++
	return nil
}

func (f *fakeChapterStorage) WriteChapter(vc uint64, records []openChapterRecord, saver func(w *BlockWriter) error) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, vc)
	f.lastRecords = records
	f.lastSaver = saver
	return nil
}

func testChapterWriterConfig() ChapterWriterConfig {
	return ChapterWriterConfig{
		Zones:             2,
		RecordsPerChapter: 8,
		RecordsPerPage:    4,
		ChaptersPerVolume: 10,
		NumDeltaLists:     4,
		NameBytes:         8,
		AddressBits:       20,
		MeanDelta:         64,
		PageNumberBits:    8,
	}
}

func TestChapterWriterDepositTriggersWrite(t *testing.T) {
	storage := &fakeChapterStorage{}
	cw := NewChapterWriter(testChapterWriterConfig(), storage)
	defer cw.Stop()

	z0 := newOpenChapterZone(4)
	z0.Put(nameWithFirstByte(1), Metadata{1})
	z1 := newOpenChapterZone(4)
	z1.Put(nameWithFirstByte(2), Metadata{2})

	cw.Deposit(0, z0, 7)
	cw.Deposit(1, z1, 7)

	if err := cw.WaitIdle(); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}

	if len(storage.written) != 1 || storage.written[0] != 7 {
		t.Fatalf("written = %v, want [7]", storage.written)
	}
	if storage.discardCalls != 1 {
		t.Errorf("discardCalls = %d, want 1", storage.discardCalls)
	}

	newest, ok := cw.Newest()
	if !ok || newest != 7 {
		t.Errorf("Newest() = %d, %v, want 7, true", newest, ok)
	}
}

func TestChapterWriterCollateFillsEmptySlots(t *testing.T) {
	cfg := testChapterWriterConfig()
	cfg.Zones = 2
	cfg.RecordsPerChapter = 4
	cw := &ChapterWriter{cfg: cfg}

	// Zone 0 ran to capacity (2/2): its last record is the fill record.
	z0 := newOpenChapterZone(2)
	z0.Put(nameWithFirstByte(10), Metadata{0xAA})
	z0.Put(nameWithFirstByte(11), Metadata{0xBB})

	// Zone 1 has capacity for 2 but only holds 1 live record.
	z1 := newOpenChapterZone(2)
	z1.Put(nameWithFirstByte(20), Metadata{0xCC})

	collated, fill := cw.collate([]*openChapterZone{z0, z1})

	if fill.metadata != (Metadata{0xBB}) {
		t.Fatalf("fill record metadata = %v, want the full zone's last record", fill.metadata)
	}
	if len(collated) != cfg.RecordsPerChapter {
		t.Fatalf("collated length = %d, want %d", len(collated), cfg.RecordsPerChapter)
	}

	// r=0 -> zone0[1], r=1 -> zone1[1], r=2 -> zone0[2], r=3 -> zone1[2] (missing, filled)
	if collated[0].metadata != (Metadata{0xAA}) {
		t.Errorf("collated[0] = %v, want zone0 record 1", collated[0].metadata)
	}
	if collated[1].metadata != (Metadata{0xCC}) {
		t.Errorf("collated[1] = %v, want zone1 record 1", collated[1].metadata)
	}
	if collated[2].metadata != (Metadata{0xBB}) {
		t.Errorf("collated[2] = %v, want zone0 record 2", collated[2].metadata)
	}
	if collated[3] != fill {
		t.Errorf("collated[3] = %v, want fill record %v", collated[3], fill)
	}
}

func TestChapterWriterBuildChapterIndexPageNumbers(t *testing.T) {
	cfg := testChapterWriterConfig()
	cw := &ChapterWriter{cfg: cfg}

	collated := make([]openChapterRecord, cfg.RecordsPerChapter)
	for i := range collated {
		// Byte 7 lies inside the address bits, so each record gets its
		// own key instead of a collision entry on a shared address.
		var n RecordName
		n[7] = byte(i + 1)
		collated[i] = openChapterRecord{name: n}
	}

	idx := cw.buildChapterIndex(collated)
	for r, rec := range collated {
		list := extractListNumber(rec.name, cfg.NameBytes, cfg.AddressBits, cfg.NumDeltaLists)
		address := extractAddress(rec.name, cfg.NameBytes, cfg.AddressBits)
		c := idx.GetEntry(list, address, rec.name)
		if c.AtEnd {
			t.Fatalf("record %d not found in chapter index", r)
		}
		dl := idx.listFor(list)
		wantPage := uint64(r / cfg.RecordsPerPage)
		if dl.entries[c.Index].value != wantPage {
			t.Errorf("record %d page = %d, want %d", r, dl.entries[c.Index].value, wantPage)
		}
	}
}

func TestChapterWriterStopWithoutDeposits(t *testing.T) {
	storage := &fakeChapterStorage{}
	cw := NewChapterWriter(testChapterWriterConfig(), storage)
	cw.Stop()

	if len(storage.written) != 0 {
		t.Errorf("written = %v, want none", storage.written)
	}
}

func TestChapterWriterWriteChapterUsesIndexSaver(t *testing.T) {
	storage := &fakeChapterStorage{}
	cw := NewChapterWriter(testChapterWriterConfig(), storage)
	defer cw.Stop()

	z0 := newOpenChapterZone(4)
	z0.Put(nameWithFirstByte(1), Metadata{1})
	z1 := newOpenChapterZone(4)
	z1.Put(nameWithFirstByte(2), Metadata{2})
	cw.Deposit(0, z0, 0)
	cw.Deposit(1, z1, 0)
	if err := cw.WaitIdle(); err != nil {
		t.Fatal(err)
	}

	f, err := os.CreateTemp(t.TempDir(), "chapterwriter-index")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	w := NewBlockWriter(f, 0, 4096)
	if err := storage.lastSaver(w); err != nil {
		t.Fatalf("indexSaver: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}
	if w.Offset() == 0 {
		t.Error("indexSaver wrote nothing")
	}
}
