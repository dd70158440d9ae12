// Delta Index tests covering the properties spec.md §4.1/§8 call out:
// ordered lookup, collision disambiguation by name, overflow reporting,
// and bit-exact save/restore via the guard list.
package uds

import (
	"os"
	"testing"
)

func newTestDeltaIndex(t *testing.T) *DeltaIndex {
	t.Helper()
	return NewDeltaIndex(2, 8, 64, 23, 1<<16)
}

func TestDeltaIndexPutGetRoundTrip(t *testing.T) {
	idx := newTestDeltaIndex(t)

	c := idx.GetEntry(3, 100, RecordName{})
	if !c.AtEnd {
		t.Fatal("GetEntry on empty list should report AtEnd")
	}
	if err := idx.PutEntry(c, 100, 42, nil); err != nil {
		t.Fatalf("PutEntry: %v", err)
	}

	c = idx.GetEntry(3, 100, RecordName{})
	if c.AtEnd {
		t.Fatal("GetEntry did not find the entry just inserted")
	}
	dl := idx.listFor(3)
	if dl.entries[c.Index].value != 42 {
		t.Errorf("value = %d, want 42", dl.entries[c.Index].value)
	}
}

func TestDeltaIndexCollisionDisambiguation(t *testing.T) {
	idx := newTestDeltaIndex(t)

	nameA := RecordName{0xAA}
	nameB := RecordName{0xBB}

	c := idx.GetEntry(1, 50, nameA)
	if err := idx.PutEntry(c, 50, 1, nil); err != nil {
		t.Fatalf("put primary: %v", err)
	}

	c = idx.GetEntry(1, 50, nameB)
	if c.AtEnd {
		t.Fatal("GetEntry for second name should still match the (untagged) primary, not report AtEnd")
	}
	if err := idx.PutEntry(c, 50, 2, &nameB); err != nil {
		t.Fatalf("put collision: %v", err)
	}

	cA := idx.GetEntry(1, 50, nameA)
	if cA.AtEnd {
		t.Fatal("lookup by nameA should still resolve to the primary entry")
	}
	dl := idx.listFor(1)
	if dl.entries[cA.Index].value != 1 {
		t.Errorf("nameA resolved to value %d, want 1 (primary)", dl.entries[cA.Index].value)
	}

	cB := idx.GetEntry(1, 50, nameB)
	if cB.AtEnd {
		t.Fatal("lookup by nameB should resolve to the tagged collision entry")
	}
	if dl.entries[cB.Index].value != 2 {
		t.Errorf("nameB resolved to value %d, want 2 (collision)", dl.entries[cB.Index].value)
	}
}

func TestDeltaIndexRemoveAndSetValue(t *testing.T) {
	idx := newTestDeltaIndex(t)

	c := idx.GetEntry(0, 10, RecordName{})
	if err := idx.PutEntry(c, 10, 1, nil); err != nil {
		t.Fatal(err)
	}

	c = idx.GetEntry(0, 10, RecordName{})
	if err := idx.SetEntryValue(c, 99); err != nil {
		t.Fatalf("SetEntryValue: %v", err)
	}
	dl := idx.listFor(0)
	if dl.entries[c.Index].value != 99 {
		t.Errorf("value after SetEntryValue = %d, want 99", dl.entries[c.Index].value)
	}

	if err := idx.RemoveEntry(c); err != nil {
		t.Fatalf("RemoveEntry: %v", err)
	}
	if c2 := idx.GetEntry(0, 10, RecordName{}); !c2.AtEnd {
		t.Error("entry still found after RemoveEntry")
	}
}

func TestDeltaIndexIterationOrder(t *testing.T) {
	idx := newTestDeltaIndex(t)
	keys := []uint64{300, 100, 200}
	for _, k := range keys {
		c := idx.GetEntry(5, k, RecordName{})
		if err := idx.PutEntry(c, k, k, nil); err != nil {
			t.Fatal(err)
		}
	}

	var got []uint64
	c := idx.StartSearch(5)
	for !c.AtEnd {
		dl := idx.listFor(5)
		got = append(got, dl.entries[c.Index].key)
		c = idx.NextEntry(c)
	}
	want := []uint64{100, 200, 300}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestDeltaIndexOverflow(t *testing.T) {
	idx := NewDeltaIndex(1, 1, 64, 23, 64) // tiny budget, one list

	var err error
	for i := uint64(0); i < 200; i++ {
		c := idx.GetEntry(0, i*8, RecordName{})
		err = idx.PutEntry(c, i*8, i, nil)
		if err != nil {
			break
		}
	}
	if err == nil {
		t.Fatal("expected eventual ErrOverflow with a tiny memory budget")
	}
	if kind, ok := ErrKind(err); !ok || kind != KindOverflow {
		t.Errorf("ErrKind = %v, %v, want KindOverflow", kind, ok)
	}
}

func TestDeltaIndexSaveRestoreRoundTrip(t *testing.T) {
	idx := NewDeltaIndex(1, 4, 64, 23, 1<<14)
	for i, k := range []uint64{1, 2, 50, 4000} {
		c := idx.GetEntry(i%4, k, RecordName{})
		if err := idx.PutEntry(c, k, k*10, nil); err != nil {
			t.Fatalf("PutEntry: %v", err)
		}
	}

	f, err := os.CreateTemp(t.TempDir(), "deltaindex-save")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	w := NewBlockWriter(f, 0, 4096)
	if err := idx.StartSaving(0, w); err != nil {
		t.Fatalf("StartSaving: %v", err)
	}
	if err := idx.FinishSaving(w); err != nil {
		t.Fatalf("FinishSaving: %v", err)
	}

	fi, err := f.Stat()
	if err != nil {
		t.Fatal(err)
	}

	restored := NewDeltaIndex(1, 4, 64, 23, 1<<14)
	r := NewBlockReader(f, 0, fi.Size())
	if err := restored.StartRestoring(0, r); err != nil {
		t.Fatalf("StartRestoring: %v", err)
	}

	for list := 0; list < 4; list++ {
		orig := idx.listFor(list).entries
		got := restored.listFor(list).entries
		if len(orig) != len(got) {
			t.Fatalf("list %d: %d entries restored, want %d", list, len(got), len(orig))
		}
		for i := range orig {
			if orig[i].key != got[i].key || orig[i].value != got[i].value {
				t.Errorf("list %d entry %d: got {%d,%d}, want {%d,%d}",
					list, i, got[i].key, got[i].value, orig[i].key, orig[i].value)
			}
		}
	}
}

func TestDeltaIndexRestoreRejectsTruncatedStream(t *testing.T) {
	idx := NewDeltaIndex(1, 1, 64, 23, 1<<10)

	f, err := os.CreateTemp(t.TempDir(), "deltaindex-truncated")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	// A handful of junk bytes: not even one full 8-byte header, let
	// alone a guard footer.
	if _, err := f.Write([]byte{0x01, 0x02, 0x03}); err != nil {
		t.Fatal(err)
	}

	r := NewBlockReader(f, 0, 3)
	if err := idx.StartRestoring(0, r); err == nil {
		t.Fatal("StartRestoring on a truncated stream should fail")
	} else if kind, ok := ErrKind(err); !ok || kind != KindCorruptData {
		t.Errorf("ErrKind = %v, %v, want KindCorruptData", kind, ok)
	}
}

func TestPackUnpackSingleList(t *testing.T) {
	dl := &deltaList{entries: []entry{
		{key: 5, value: 1},
		{key: 9, value: 2},
		{key: 9, value: 3, collision: true, name: RecordName{0x01}},
		{key: 500, value: 4},
	}}
	fieldBits := deltaFieldBits(64)
	buf := dl.pack(fieldBits, 23)
	usedBits := dl.packedBits(fieldBits, 23)

	got := unpackDeltaList(buf, usedBits, fieldBits, 23)
	if len(got) != len(dl.entries) {
		t.Fatalf("got %d entries, want %d", len(got), len(dl.entries))
	}
	for i, e := range dl.entries {
		if got[i].key != e.key || got[i].value != e.value || got[i].collision != e.collision {
			t.Errorf("entry %d: got %+v, want %+v", i, got[i], e)
		}
		if e.collision && got[i].name != e.name {
			t.Errorf("entry %d: name mismatch got %v want %v", i, got[i].name, e.name)
		}
	}
}
