package ntdb

import (
	"bytes"
	"sort"
	"testing"

	"github.com/cznic/sortutil"
)

func TestCheckReportsUsedRecordsAndVisitsEveryKey(t *testing.T) {
	db, err := Open("", FlagInternal, 0, Attributes{})
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	want := map[string]string{"a": "1", "b": "2", "c": "3"}
	for k, v := range want {
		if err := db.Store([]byte(k), []byte(v), ModeInsert); err != nil {
			t.Fatal(err)
		}
	}

	seen := map[string]string{}
	stats, err := db.Check(func(key, value []byte) error {
		seen[string(key)] = string(value)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(stats.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", stats.Warnings)
	}
	if stats.UsedRecords != int64(len(want)) {
		t.Fatalf("UsedRecords=%d, want %d", stats.UsedRecords, len(want))
	}
	for k, v := range want {
		if seen[k] != v {
			t.Fatalf("check predicate missed or mismatched key %q: got %q, want %q", k, seen[k], v)
		}
	}
}

func TestCheckToleratesNilPredicate(t *testing.T) {
	db, err := Open("", FlagInternal, 0, Attributes{})
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if err := db.Store([]byte("k"), []byte("v"), ModeInsert); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Check(nil); err != nil {
		t.Fatal(err)
	}
}

func TestCheckSeesFreeRecordsAfterDelete(t *testing.T) {
	db, err := Open("", FlagInternal, 0, Attributes{})
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	for i := 0; i < 5; i++ {
		if err := db.Store([]byte{byte(i)}, bytes.Repeat([]byte{1}, 64), ModeInsert); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 3; i++ {
		if err := db.Delete([]byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	stats, err := db.Check(nil)
	if err != nil {
		t.Fatal(err)
	}
	if stats.UsedRecords != 2 {
		t.Fatalf("UsedRecords=%d, want 2", stats.UsedRecords)
	}
	if stats.FreeRecords == 0 {
		t.Fatal("expected at least one free record after deleting")
	}
}

// Check's predicate must eventually visit every surviving int-keyed record
// regardless of the hash table's internal bucket order; collecting the
// visited keys and sorting them with sortutil.Int64Slice (the same
// collect-then-sort idiom falloc_test.go uses for block addresses) gives an
// order-independent comparison against the expected key set.
func TestCheckVisitsEveryIntKeyRegardlessOfBucketOrder(t *testing.T) {
	db, err := Open("", FlagInternal, 0, Attributes{})
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	const n = 20
	for i := 0; i < n; i++ {
		k := []byte{byte(i), byte(i >> 8)}
		if err := db.Store(k, nil, ModeInsert); err != nil {
			t.Fatal(err)
		}
	}

	var got sortutil.Int64Slice
	_, err = db.Check(func(key, value []byte) error {
		got = append(got, int64(key[0])|int64(key[1])<<8)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	sort.Sort(got)
	if len(got) != n {
		t.Fatalf("visited %d keys, want %d", len(got), n)
	}
	for i, v := range got {
		if v != int64(i) {
			t.Fatalf("sorted visited keys = %v, want 0..%d", got, n-1)
		}
	}
}
