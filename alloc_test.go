package ntdb

import (
	"sort"
	"testing"

	"github.com/cznic/sortutil"
)

func newTestAllocator() *allocator {
	locks := newCtxLocks(newLockTable(-1, noopLockBackend{}))
	// Reserve the header region, as a real database file does, so the
	// first free-table record never lands at offset 0 (which reads as
	// "no free table").
	f := NewMemFiler()
	if err := f.Truncate(headerSize); err != nil {
		panic(err)
	}
	return newAllocator(f, &Header{}, locks)
}

func TestAllocRoundTripsKeyAndData(t *testing.T) {
	a := newTestAllocator()
	key := []byte("some-key")
	data := []byte("some-value")
	off, extraPad, err := a.Alloc(usedHeaderSize + int64(len(key)) + int64(len(data)))
	if err != nil {
		t.Fatal(err)
	}
	if err := a.writeUsedRecord(off, magicUsed, key, data, extraPad); err != nil {
		t.Fatal(err)
	}
	h, gotKey, gotData, err := a.readUsedKeyData(off)
	if err != nil {
		t.Fatal(err)
	}
	if string(gotKey) != string(key) || string(gotData) != string(data) {
		t.Fatalf("got key=%q data=%q, want key=%q data=%q", gotKey, gotData, key, data)
	}
	if h.TotalLen() != usedHeaderSize+int64(len(key))+int64(len(data))+int64(extraPad) {
		t.Fatalf("TotalLen mismatch: %d", h.TotalLen())
	}
}

// A small allocation whose best-fit slack is too small to split into its own
// free record must fold that slack into the used record's own ExtraPad,
// rather than leaving it as unaccounted bytes between records.
func TestAllocSlackBecomesExtraPad(t *testing.T) {
	a := newTestAllocator()
	off, extraPad, err := a.Alloc(usedHeaderSize + 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.writeUsedRecord(off, magicUsed, nil, []byte{1}, extraPad); err != nil {
		t.Fatal(err)
	}
	h, _, err := a.readUsedRecord(off)
	if err != nil {
		t.Fatal(err)
	}
	if h.ExtraPad != extraPad {
		t.Fatalf("ExtraPad not persisted: wrote %d, read %d", extraPad, h.ExtraPad)
	}

	// A second allocation must not overlap the first record's true end,
	// i.e. off+h.TotalLen().
	off2, extraPad2, err := a.Alloc(usedHeaderSize + 1)
	if err != nil {
		t.Fatal(err)
	}
	if off2 < off+h.TotalLen() {
		t.Fatalf("second allocation at %d overlaps first record ending at %d", off2, off+h.TotalLen())
	}
	if err := a.writeUsedRecord(off2, magicUsed, nil, []byte{2}, extraPad2); err != nil {
		t.Fatal(err)
	}
}

func TestAllocFreeThenReuse(t *testing.T) {
	a := newTestAllocator()
	off, extraPad, err := a.Alloc(usedHeaderSize + 64)
	if err != nil {
		t.Fatal(err)
	}
	data := make([]byte, 64)
	if err := a.writeUsedRecord(off, magicUsed, nil, data, extraPad); err != nil {
		t.Fatal(err)
	}
	h, _, err := a.readUsedRecord(off)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Free(off, h.TotalLen(), true); err != nil {
		t.Fatal(err)
	}

	off2, extraPad2, err := a.Alloc(usedHeaderSize + 64)
	if err != nil {
		t.Fatal(err)
	}
	if off2 != off {
		t.Fatalf("expected the freed record to be reused at %d, got %d", off, off2)
	}
	if err := a.writeUsedRecord(off2, magicUsed, nil, data, extraPad2); err != nil {
		t.Fatal(err)
	}
}

// Every offset linked into a free-table bucket chain must be distinct: two
// free records can never alias the same physical range. Collected via
// sortutil.Int64Slice for a stable, order-independent comparison, the same
// way falloc_test.go's stableRef sorts block addresses before comparing.
func TestFreeBucketChainOffsetsAreDistinct(t *testing.T) {
	a := newTestAllocator()
	var offs []int64
	for i := 0; i < 8; i++ {
		off, extraPad, err := a.Alloc(usedHeaderSize + int64(16*(i+1)))
		if err != nil {
			t.Fatal(err)
		}
		if err := a.writeUsedRecord(off, magicUsed, nil, make([]byte, 16*(i+1)), extraPad); err != nil {
			t.Fatal(err)
		}
		offs = append(offs, off)
	}
	for _, off := range offs {
		h, _, err := a.readUsedRecord(off)
		if err != nil {
			t.Fatal(err)
		}
		if err := a.Free(off, h.TotalLen(), true); err != nil {
			t.Fatal(err)
		}
	}

	t_, err := a.currentFTable()
	if err != nil {
		t.Fatal(err)
	}
	var seen sortutil.Int64Slice
	for b := 0; b < freeBuckets; b++ {
		for off := t_.bucketHead(b); off != 0; {
			fh, err := a.readFreeRecord(off)
			if err != nil {
				t.Fatal(err)
			}
			seen = append(seen, off)
			off = int64(fh.Next)
		}
	}
	sort.Sort(seen)
	for i := 1; i < len(seen); i++ {
		if seen[i] == seen[i-1] {
			t.Fatalf("free-table bucket chains contain a duplicate offset %d", seen[i])
		}
	}
}

func TestAllocGrowsFileWhenNoFreeSpace(t *testing.T) {
	a := newTestAllocator()
	before := a.filer.Size()
	off, _, err := a.Alloc(usedHeaderSize + 1024)
	if err != nil {
		t.Fatal(err)
	}
	if off < before {
		t.Fatalf("allocation at %d reused space below the prior EOF %d with nothing freed", off, before)
	}
	if a.filer.Size() <= before {
		t.Fatalf("file did not grow: before=%d after=%d", before, a.filer.Size())
	}
}
