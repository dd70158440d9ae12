// Volume Index tests: routing, chapter-window validation, lazy flush,
// the sparse/hook subindex, and save/load round trips (spec.md §4.2).
package uds

import (
	"os"
	"testing"
)

func testVolumeConfig(t *testing.T, sparse bool) Config {
	t.Helper()
	cfg := Config{
		Zones:             1,
		NumDeltaLists:     8,
		RecordsPerChapter: 1000,
		ChaptersPerVolume: 10,
		MeanDelta:         64,
		AddressBits:       20,
		ChapterBits:       8,
		NameBytes:         8,
	}
	if sparse {
		cfg.SparseChaptersPerVolume = 4
		cfg.SparseSampleRate = 2
	}
	cfg, err := cfg.withDefaults()
	if err != nil {
		t.Fatalf("withDefaults: %v", err)
	}
	return cfg
}

func sampleName(b byte) RecordName {
	var n RecordName
	n[18] = 0
	n[19] = b
	return n
}

func TestVolumeIndexPutGetDense(t *testing.T) {
	cfg := testVolumeConfig(t, false)
	vi := NewVolumeIndex(cfg)
	vi.SetZoneOpenChapter(0, 5)

	name := sampleName(7)
	if err := vi.PutRecord(name, 5, nil); err != nil {
		t.Fatalf("PutRecord: %v", err)
	}

	rec := vi.GetRecord(name)
	if !rec.IsFound {
		t.Fatal("record not found after PutRecord")
	}
	if rec.VirtualChapter != 5 {
		t.Errorf("VirtualChapter = %d, want 5", rec.VirtualChapter)
	}
}

func TestVolumeIndexChapterOutOfRange(t *testing.T) {
	cfg := testVolumeConfig(t, false)
	vi := NewVolumeIndex(cfg)
	vi.SetZoneOpenChapter(0, 5) // window becomes roughly [0,5]

	name := sampleName(7)
	err := vi.PutRecord(name, 999, nil)
	if err == nil {
		t.Fatal("expected ErrInvalidChapter for an out-of-window virtual chapter")
	}
	if kind, ok := ErrKind(err); !ok || kind != KindInvalidArgument {
		t.Errorf("ErrKind = %v, %v", kind, ok)
	}
}

func TestVolumeIndexLazyFlushExpiresStaleEntries(t *testing.T) {
	cfg := testVolumeConfig(t, false)
	vi := NewVolumeIndex(cfg)
	vi.SetZoneOpenChapter(0, 0)

	name := sampleName(7)
	if err := vi.PutRecord(name, 0, nil); err != nil {
		t.Fatalf("PutRecord: %v", err)
	}
	if rec := vi.GetRecord(name); !rec.IsFound {
		t.Fatal("record should be found while chapter 0 is still in the window")
	}

	// Slide the window far enough that chapter 0 falls out of
	// [low, high] entirely.
	vi.SetZoneOpenChapter(0, uint64(cfg.ChaptersPerVolume*3))

	rec := vi.GetRecord(name)
	if rec.IsFound {
		t.Error("stale entry should have been lazily flushed once its chapter aged out")
	}
}

func TestVolumeIndexSetAndRemoveRecord(t *testing.T) {
	cfg := testVolumeConfig(t, false)
	vi := NewVolumeIndex(cfg)
	vi.SetZoneOpenChapter(0, 5)

	name := sampleName(9)
	if err := vi.PutRecord(name, 3, nil); err != nil {
		t.Fatal(err)
	}
	if err := vi.SetRecordChapter(name, 5); err != nil {
		t.Fatalf("SetRecordChapter: %v", err)
	}
	if rec := vi.GetRecord(name); rec.VirtualChapter != 5 {
		t.Errorf("VirtualChapter after SetRecordChapter = %d, want 5", rec.VirtualChapter)
	}

	if err := vi.RemoveRecord(name); err != nil {
		t.Fatalf("RemoveRecord: %v", err)
	}
	if rec := vi.GetRecord(name); rec.IsFound {
		t.Error("record still found after RemoveRecord")
	}
}

func TestVolumeIndexSparseLookupName(t *testing.T) {
	cfg := testVolumeConfig(t, true)
	vi := NewVolumeIndex(cfg)
	vi.SetZoneOpenChapter(0, 5)

	hook := sampleName(0) // extractSampling == 0, always a sample
	if !isSample(hook, cfg.SparseSampleRate) {
		t.Fatal("test fixture name is not actually a sample; fix sampleName()")
	}
	nonHook := sampleName(1)
	if isSample(nonHook, cfg.SparseSampleRate) {
		t.Fatal("test fixture non-sample name is actually a sample; fix sampleName()")
	}

	if err := vi.PutRecord(hook, 5, nil); err != nil {
		t.Fatalf("PutRecord(hook): %v", err)
	}
	if err := vi.PutRecord(nonHook, 5, nil); err != nil {
		t.Fatalf("PutRecord(nonHook): %v", err)
	}

	if vc, ok := vi.LookupName(hook); !ok || vc != 5 {
		t.Errorf("LookupName(hook) = %d, %v, want 5, true", vc, ok)
	}
	if _, ok := vi.LookupName(nonHook); ok {
		t.Error("LookupName should only ever consult the hook subindex")
	}
}

func TestVolumeIndexSaveLoadRoundTrip(t *testing.T) {
	cfg := testVolumeConfig(t, true)
	vi := NewVolumeIndex(cfg)
	vi.SetZoneOpenChapter(0, 5)

	names := []RecordName{sampleName(0), sampleName(1), sampleName(2)}
	for i, n := range names {
		if err := vi.PutRecord(n, uint64(i%6), nil); err != nil {
			t.Fatalf("PutRecord: %v", err)
		}
	}

	f, err := os.CreateTemp(t.TempDir(), "volumeindex-save")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	w := NewBlockWriter(f, 0, 4096)
	if err := vi.Save(0, w); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	fi, err := f.Stat()
	if err != nil {
		t.Fatal(err)
	}

	vi2 := NewVolumeIndex(cfg)
	r := NewBlockReader(f, 0, fi.Size())
	if err := vi2.Load(0, r); err != nil {
		t.Fatalf("Load: %v", err)
	}

	for i, n := range names {
		want := vi.GetRecord(n)
		got := vi2.GetRecord(n)
		if got.IsFound != want.IsFound || got.VirtualChapter != want.VirtualChapter {
			t.Errorf("record %d: got %+v, want %+v", i, got, want)
		}
	}
}

func TestVolumeIndexLoadRejectsSampleRateMismatch(t *testing.T) {
	cfg := testVolumeConfig(t, true)
	vi := NewVolumeIndex(cfg)
	vi.SetZoneOpenChapter(0, 5)
	if err := vi.PutRecord(sampleName(0), 5, nil); err != nil {
		t.Fatal(err)
	}

	f, err := os.CreateTemp(t.TempDir(), "volumeindex-mismatch")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	w := NewBlockWriter(f, 0, 4096)
	if err := vi.Save(0, w); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}

	cfg2 := cfg
	cfg2.SparseSampleRate = 4
	vi2 := NewVolumeIndex(cfg2)
	fi, _ := f.Stat()
	r := NewBlockReader(f, 0, fi.Size())
	err = vi2.Load(0, r)
	if err == nil {
		t.Fatal("expected CorruptData on sparse_sample_rate mismatch")
	}
	if kind, ok := ErrKind(err); !ok || kind != KindCorruptData {
		t.Errorf("ErrKind = %v, %v, want KindCorruptData", kind, ok)
	}
}
