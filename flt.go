package ntdb

// size_to_bucket (spec §4.3): FREE_BUCKETS = 56 size-class buckets indexed
// by log2(length), arranged so bucket b holds lengths roughly in
// [2^(b+minShift), 2^(b+minShift+1)). Generalizes lldb/flt.go's FLTPowersOf2
// canned table (a fixed power-of-two FLT) into the on-disk, chained
// free-table record format spec §3 describes.
const bucketMinShift = 4 // smallest bucket covers [16, 32) bytes

func sizeToBucket(length uint64) int {
	if length < 1<<bucketMinShift {
		return 0
	}
	b := 0
	for v := length >> bucketMinShift; v > 1; v >>= 1 {
		b++
	}
	if b >= freeBuckets {
		b = freeBuckets - 1
	}
	return b
}

// fTable is a live, read-through view of one on-disk free-table record
// (spec §3's FTABLE record: {next, bucket[FREE_BUCKETS]}).
type fTable struct {
	off int64
	rec ftableRecord
}

func loadFTable(a *allocator, off int64) (*fTable, error) {
	hdr, payload, err := a.readUsedRecord(off)
	if err != nil {
		return nil, err
	}
	if hdr.Magic != magicFTable {
		return nil, newErr(Corrupt, "loadFTable", a.filer.Name(), nil)
	}
	return &fTable{off: off, rec: *decodeFTableRecord(payload)}, nil
}

func (t *fTable) store(a *allocator) error {
	return a.rewriteUsedPayload(t.off, magicFTable, encodeFTableRecord(&t.rec))
}

func (t *fTable) bucketHead(b int) int64 { return int64(t.rec.Buckets[b]) }

func (t *fTable) setBucketHead(a *allocator, b int, off int64) error {
	t.rec.Buckets[b] = uint64(off)
	return t.store(a)
}
