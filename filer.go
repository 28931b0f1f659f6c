package ntdb

import (
	"encoding/binary"
)

// Filer is a []byte-like model of the backing storage, directly grounded on
// lldb.Filer: a file is not sequentially accessible, ReadAt/WriteAt are
// always addressed by offset, and a Filer is not safe for concurrent access
// on its own — callers serialize access via the lock layer.
type Filer interface {
	// Name is the backing name, e.g. the path, or "" for an in-memory Filer.
	Name() string

	// Size returns the current size in bytes.
	Size() int64

	// Truncate grows or shrinks the backing storage to exactly size bytes.
	Truncate(size int64) error

	// ReadAt and WriteAt behave like os.File's methods of the same name.
	ReadAt(b []byte, off int64) (int, error)
	WriteAt(b []byte, off int64) (int, error)

	// Direct returns a pointer into a live memory mapping covering
	// [off, off+len), or (nil, false) if no mapping backs this range
	// (callers fall back to ReadAt/WriteAt). A non-nil borrow must be
	// released via ReleaseDirect.
	Direct(off, length int64, write bool) ([]byte, bool)

	// ReleaseDirect releases a borrow obtained from Direct.
	ReleaseDirect(b []byte)

	// PunchHole deallocates space in [off, off+size) without changing
	// Size; implementations may treat it as a no-op.
	PunchHole(off, size int64) error

	// Sync flushes any buffered or mapped writes to stable storage.
	Sync() error

	// Close releases the Filer's resources.
	Close() error
}

// byteOrderSelector is the method table selector: native little-endian, or
// byte-swapped ("converted"), per spec §4.1/§6. NTDB always encodes on disk
// in little-endian; "converted" mode means big-endian, matching the
// teacher's native/converted split in spirit even though lldb itself has no
// analogous endian switch (lldb is host-endian atoms only) — this part is
// grounded directly on spec §4.1/§6 instead.
type byteOrderSelector struct {
	order     binary.ByteOrder
	converted bool
}

func nativeOrder() byteOrderSelector  { return byteOrderSelector{binary.LittleEndian, false} }
func convertedOrder() byteOrderSelector { return byteOrderSelector{binary.BigEndian, true} }

func (s byteOrderSelector) readUint64(b []byte) uint64 { return s.order.Uint64(b) }
func (s byteOrderSelector) putUint64(b []byte, v uint64) { s.order.PutUint64(b, v) }

// oob reports whether [off, off+length) is out of bounds of size.
func oob(off, length, size int64) bool {
	if off < 0 || length < 0 {
		return true
	}
	end := off + length
	if end < off { // overflow
		return true
	}
	return end > size
}
