package ntdb

import (
	"fmt"

	"github.com/cznic/mathutil"
)

// pages sized the same as the teacher's MemFiler (lldb/memfiler.go): a
// simple page map gives O(1) sparse growth without ever allocating the
// whole logical size up front.
const (
	memPgBits = 12
	memPgSize = 1 << memPgBits
	memPgMask = memPgSize - 1
)

var _ Filer = (*MemFiler)(nil)

// MemFiler is an in-memory Filer, used for internal (memory-only) databases
// and by tests. It never has a real mapping, so Direct always reports false.
type MemFiler struct {
	m    map[int64]*[memPgSize]byte
	size int64
}

// NewMemFiler returns a new, empty MemFiler.
func NewMemFiler() *MemFiler {
	return &MemFiler{m: map[int64]*[memPgSize]byte{}}
}

func (f *MemFiler) Name() string { return fmt.Sprintf("%p.memfiler", f) }
func (f *MemFiler) Size() int64  { return f.size }

func (f *MemFiler) Truncate(size int64) error {
	if size < 0 {
		return newErr(EINVAL, "MemFiler.Truncate", f.Name(), nil)
	}
	if size < f.size {
		first := size >> memPgBits
		if size&memPgMask != 0 {
			first++
		}
		last := f.size >> memPgBits
		for pg := first; pg <= last; pg++ {
			delete(f.m, pg)
		}
	}
	f.size = size
	return nil
}

var zeroMemPage [memPgSize]byte

func (f *MemFiler) ReadAt(b []byte, off int64) (int, error) {
	if off < 0 {
		return 0, newErr(EINVAL, "MemFiler.ReadAt", f.Name(), nil)
	}
	avail := f.size - off
	if avail <= 0 {
		return 0, nil
	}
	pgI := off >> memPgBits
	pgO := int(off & memPgMask)
	rem := len(b)
	var eof bool
	if int64(rem) >= avail {
		rem = int(avail)
		eof = true
	}
	n := 0
	for rem != 0 {
		pg := f.m[pgI]
		if pg == nil {
			pg = &zeroMemPage
		}
		nc := copy(b[n:n+mathutil.Min(rem, memPgSize-pgO)], pg[pgO:])
		n += nc
		rem -= nc
		pgI++
		pgO = 0
	}
	if eof {
		return n, nil
	}
	return n, nil
}

func (f *MemFiler) WriteAt(b []byte, off int64) (int, error) {
	if off < 0 {
		return 0, newErr(EINVAL, "MemFiler.WriteAt", f.Name(), nil)
	}
	pgI := off >> memPgBits
	pgO := int(off & memPgMask)
	n := 0
	for n < len(b) {
		pg := f.m[pgI]
		if pg == nil {
			pg = &[memPgSize]byte{}
			f.m[pgI] = pg
		}
		nc := copy(pg[pgO:], b[n:])
		n += nc
		pgI++
		pgO = 0
	}
	if end := off + int64(len(b)); end > f.size {
		f.size = end
	}
	return n, nil
}

// Direct never succeeds for MemFiler: it has no real mapping to borrow a
// slice from.
func (f *MemFiler) Direct(off, length int64, write bool) ([]byte, bool) { return nil, false }
func (f *MemFiler) ReleaseDirect(b []byte)                              {}

func (f *MemFiler) PunchHole(off, size int64) error {
	if off < 0 || size < 0 || off+size > f.size {
		return newErr(EINVAL, "MemFiler.PunchHole", f.Name(), nil)
	}
	first := off >> memPgBits
	if off&memPgMask != 0 {
		first++
	}
	end := off + size - 1
	last := end >> memPgBits
	if (end+1)&memPgMask != 0 {
		last--
	}
	if limit := f.size >> memPgBits; last > limit {
		last = limit
	}
	for pg := first; pg <= last; pg++ {
		delete(f.m, pg)
	}
	return nil
}

func (f *MemFiler) Sync() error  { return nil }
func (f *MemFiler) Close() error { return nil }
