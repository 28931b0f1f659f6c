package ntdb

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestMemFilerReadWriteAt(t *testing.T) {
	f := NewMemFiler()
	const max = 5 * memPgSize
	var want [max]byte
	rng := rand.New(rand.NewSource(42))
	for sz := 0; sz < max; sz += 2053 {
		for i := range want[:sz] {
			want[i] = byte(rng.Int())
		}
		if _, err := f.WriteAt(want[:sz], 0); err != nil {
			t.Fatal(err)
		}
		got := make([]byte, sz)
		if _, err := f.ReadAt(got, 0); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, want[:sz]) {
			t.Fatalf("size %d: round trip mismatch", sz)
		}
	}
}

func TestMemFilerReadPastEOFReturnsZero(t *testing.T) {
	f := NewMemFiler()
	if _, err := f.WriteAt([]byte("hello"), 0); err != nil {
		t.Fatal(err)
	}
	b := make([]byte, 10)
	n, err := f.ReadAt(b, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Fatalf("got n=%d, want 5", n)
	}
}

func TestMemFilerTruncateReleasesPages(t *testing.T) {
	f := NewMemFiler()
	if _, err := f.WriteAt([]byte{1}, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteAt([]byte{2}, memPgSize); err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteAt([]byte{3}, 2*memPgSize); err != nil {
		t.Fatal(err)
	}
	if g, e := len(f.m), 3; g != e {
		t.Fatalf("pages=%d, want %d", g, e)
	}

	if err := f.Truncate(memPgSize + 1); err != nil {
		t.Fatal(err)
	}
	if g, e := len(f.m), 2; g != e {
		t.Fatalf("pages=%d, want %d", g, e)
	}

	if err := f.Truncate(0); err != nil {
		t.Fatal(err)
	}
	if g, e := len(f.m), 0; g != e {
		t.Fatalf("pages=%d, want %d", g, e)
	}
	if f.Size() != 0 {
		t.Fatalf("size=%d, want 0", f.Size())
	}
}

func TestMemFilerTruncateNegativeIsEINVAL(t *testing.T) {
	f := NewMemFiler()
	err := f.Truncate(-1)
	if e, ok := err.(*Error); !ok || e.Kind != EINVAL {
		t.Fatalf("expected EINVAL, got %v", err)
	}
}

func TestMemFilerPunchHoleZeroesRange(t *testing.T) {
	f := NewMemFiler()
	buf := bytes.Repeat([]byte{0xAA}, 3*memPgSize)
	if _, err := f.WriteAt(buf, 0); err != nil {
		t.Fatal(err)
	}
	if err := f.PunchHole(memPgSize, memPgSize); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, memPgSize)
	if _, err := f.ReadAt(got, memPgSize); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, make([]byte, memPgSize)) {
		t.Fatal("punched hole did not read back as zero")
	}
}

func TestMemFilerDirectAlwaysFails(t *testing.T) {
	f := NewMemFiler()
	if _, ok := f.Direct(0, 1, false); ok {
		t.Fatal("expected Direct to fail for MemFiler")
	}
}
