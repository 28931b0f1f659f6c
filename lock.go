package ntdb

import (
	"os"
	"sync"

	"github.com/cznic/mathutil"
	"golang.org/x/sys/unix"
)

// Lock intents (spec §4.2), each mapped to a fixed byte-range offset in the
// file so that advisory POSIX locks — which have no notion of a "named"
// lock — can stand in for them.
type lockIntent int

const (
	lockOpen lockIntent = iota
	lockExpansion
	lockTransaction
	lockAllRecord
	// lockHashBase stands for the per-bucket ranges; their actual byte
	// offsets come from hashBucketOffset(b) and freeBucketOffset(i).
	lockHashBase
)

const (
	reservedLockRegion = 4096 // bytes reserved at a fixed, well-known offset for lock ranges
	lockRangeLen       = 1
)

// lockMode is shared or exclusive.
type lockMode int

const (
	lockShared lockMode = iota
	lockExclusive
)

// LockBackend performs the actual byte-range lock/unlock syscalls. It is
// pluggable per spec §9 design notes ("File locking is pluggable... the
// backend only needs to perform lock/unlock"). The default implementation
// uses golang.org/x/sys/unix.FcntlFlock, grounded on the byte-range lock
// usage in other_examples/7fc738be_Giulio2002-gdbx__lock.go.go.
type LockBackend interface {
	Lock(fd int, mode lockMode, off, length int64, wait bool) error
	Unlock(fd int, off, length int64) error
}

var _ LockBackend = fcntlBackend{}

type fcntlBackend struct{}

func (fcntlBackend) Lock(fd int, mode lockMode, off, length int64, wait bool) error {
	typ := int16(unix.F_RDLCK)
	if mode == lockExclusive {
		typ = unix.F_WRLCK
	}
	flock := unix.Flock_t{Type: typ, Whence: int16(os.SEEK_SET), Start: off, Len: length}
	cmd := unix.F_SETLK
	if wait {
		cmd = unix.F_SETLKW
	}
	for {
		err := unix.FcntlFlock(uintptr(fd), cmd, &flock)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

func (fcntlBackend) Unlock(fd int, off, length int64) error {
	flock := unix.Flock_t{Type: unix.F_UNLCK, Whence: int16(os.SEEK_SET), Start: off, Len: length}
	return unix.FcntlFlock(uintptr(fd), unix.F_SETLK, &flock)
}

// lockRecord tracks one reserved byte-range's in-process nesting, so that
// re-entrant acquisition by the same context succeeds without a kernel
// call (POSIX locks do not nest, per spec §4.2).
type lockRecord struct {
	mode  lockMode
	count int
}

// lockTable is shared by reference across sibling contexts opening the
// same file (it lives on the *fileHandle), exactly as spec §3 describes
// "outstanding lock records" belonging to the file handle, not the
// context.
type lockTable struct {
	mu      sync.Mutex
	fd      int
	backend LockBackend
	records map[int64]*lockRecord

	// pid is cached when the table is created; a later mismatch means
	// this process forked and must not trust locks it believes it holds
	// (spec §5, §9).
	pid int
}

func newLockTable(fd int, backend LockBackend) *lockTable {
	if backend == nil {
		backend = fcntlBackend{}
	}
	return &lockTable{fd: fd, backend: backend, records: map[int64]*lockRecord{}, pid: os.Getpid()}
}

func (t *lockTable) checkFork() error {
	if os.Getpid() != t.pid {
		return newErr(Lock, "checkFork", "", nil)
	}
	return nil
}

// acquire takes the lock for offset off in the given mode, nesting against
// any count already held by this process for that offset. wait selects
// blocking vs. EAGAIN-on-contention.
func (t *lockTable) acquire(off int64, mode lockMode, wait bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkFork(); err != nil {
		return err
	}

	rec := t.records[off]
	if rec != nil && rec.count > 0 {
		if rec.mode == lockExclusive || mode == lockShared {
			rec.count++
			return nil
		}
		// Held shared, want exclusive: must actually upgrade via the
		// kernel (see upgrade for the all-record lock's specific path).
	}
	if err := t.backend.Lock(t.fd, mode, off, lockRangeLen, wait); err != nil {
		return newErr(Lock, "lock", "", err)
	}
	if rec == nil {
		rec = &lockRecord{}
		t.records[off] = rec
	}
	rec.mode = mode
	rec.count++
	return nil
}

func (t *lockTable) release(off int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.records[off]
	if rec == nil || rec.count == 0 {
		return newErr(EINVAL, "unlock", "", nil)
	}
	rec.count--
	if rec.count == 0 {
		if err := t.backend.Unlock(t.fd, off, lockRangeLen); err != nil {
			return newErr(Lock, "unlock", "", err)
		}
		delete(t.records, off)
	}
	return nil
}

func hashBucketOffset(b uint64) int64 {
	return reservedLockRegion + int64(b)
}

func freeBucketOffset(i int) int64 {
	return reservedLockRegion + 1<<32 + int64(i)
}

const (
	offOpen       = 0
	offExpansion  = 8
	offTransaction = 16
	offAllRecord  = 24
)

// Lock ordering (must never be violated, spec §4.2):
//   1. at most one hash-bucket lock at a time per context, except while
//      holding the all-record lock.
//   2. a free-bucket lock may be acquired while holding a hash-bucket
//      lock, never the reverse.
//   3. the expansion lock may be acquired while holding any of the above;
//      the open lock only while holding the all-record lock during commit.
//
// ctxLocks tracks the per-context obligation to respect that order; it is
// intentionally simple (a held-count per class) rather than a full graph,
// since the rule set is static.
type ctxLocks struct {
	table *lockTable

	hashHeld int // offsets of hash-bucket locks currently held, by count
	hashBucket uint64 // bucket of the held hash lock(s) outside the all-record lock
	freeHeld int
	allRecordHeld bool
	allRecordMode lockMode
}

func newCtxLocks(t *lockTable) *ctxLocks { return &ctxLocks{table: t} }

func (c *ctxLocks) lockHashBucket(b uint64, mode lockMode) error {
	if c.hashHeld > 0 && !c.allRecordHeld && b != c.hashBucket {
		return newErr(EINVAL, "lockHashBucket", "", nil)
	}
	if err := c.table.acquire(hashBucketOffset(b), mode, true); err != nil {
		return err
	}
	if c.hashHeld == 0 {
		c.hashBucket = b
	}
	c.hashHeld++
	return nil
}

func (c *ctxLocks) unlockHashBucket(b uint64) error {
	c.hashHeld--
	return c.table.release(hashBucketOffset(b))
}

func (c *ctxLocks) lockFreeBucket(i int, mode lockMode) error {
	if err := c.table.acquire(freeBucketOffset(i), mode, true); err != nil {
		return err
	}
	c.freeHeld++
	return nil
}

func (c *ctxLocks) unlockFreeBucket(i int) error {
	c.freeHeld--
	return c.table.release(freeBucketOffset(i))
}

func (c *ctxLocks) lockExpansion(mode lockMode) error {
	return c.table.acquire(offExpansion, mode, true)
}

func (c *ctxLocks) unlockExpansion() error {
	return c.table.release(offExpansion)
}

func (c *ctxLocks) lockOpen() error {
	if !c.allRecordHeld {
		return newErr(EINVAL, "lockOpen", "", nil)
	}
	return c.table.acquire(offOpen, lockExclusive, true)
}

func (c *ctxLocks) unlockOpen() error {
	return c.table.release(offOpen)
}

func (c *ctxLocks) lockTransaction() error {
	return c.table.acquire(offTransaction, lockExclusive, true)
}

func (c *ctxLocks) unlockTransaction() error {
	return c.table.release(offTransaction)
}

// lockAllRecordGradual acquires the all-record lock by doubling the
// range it attempts to cover, to avoid starving a large request behind a
// stream of small per-bucket locks (spec §4.2 "gradual doubling"). It
// degenerates, for our fixed reserved lock region, to acquiring the whole
// [0, reservedLockRegion*2) span in growing chunks, then the actual
// remainder; mathutil.Min bounds each step.
func (c *ctxLocks) lockAllRecord(mode lockMode) error {
	if c.allRecordHeld {
		if c.allRecordMode == lockExclusive || mode == lockShared {
			return nil
		}
		return c.upgradeAllRecord()
	}
	span := int64(reservedLockRegion + (1 << 32) + 4096)
	step := int64(4096)
	var acquired int64
	for acquired < span {
		take := mathutil.MinInt64(step, span-acquired)
		if err := c.table.acquire(acquired, mode, true); err != nil {
			return err
		}
		acquired += take
		step *= 2
	}
	c.allRecordHeld = true
	c.allRecordMode = mode
	return nil
}

func (c *ctxLocks) upgradeAllRecord() error {
	if err := c.table.acquire(0, lockExclusive, true); err != nil {
		return err
	}
	c.allRecordMode = lockExclusive
	return nil
}

func (c *ctxLocks) unlockAllRecord() error {
	if !c.allRecordHeld {
		return newErr(EINVAL, "unlockAllRecord", "", nil)
	}
	c.allRecordHeld = false
	return c.table.release(0)
}
