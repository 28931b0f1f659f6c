package ntdb

import (
	"encoding/binary"
	"fmt"
	"os"
)

// OpenFlags mirror spec §6's open flags.
type OpenFlags uint32

const (
	FlagInternal OpenFlags = 1 << iota // memory-only, no backing file
	FlagNoMmap
	FlagNoLock
	FlagNoSync // skip fsyncs, for throwaway/test databases
	FlagConvert
	FlagSeqnum // bump Seqnum on every write
	FlagAllowNesting
	FlagReadOnly
)

// StoreMode selects Store's insert/replace/modify semantics (spec §6).
type StoreMode int

const (
	ModeInsert  StoreMode = iota // fail with Exists if the key is present
	ModeReplace                  // overwrite unconditionally
	ModeModify                   // fail with NoExist if the key is absent
)

// Attributes amend Open the way dbm.Options amends dbm's Create/Open
// (grounded on dbm/options.go's Options/check/acidFiler wiring style),
// generalized to this engine's hash-function plugin and size tunables.
type Attributes struct {
	Hash         HashFunc // defaults to jenkinsHashStable
	Seed         uint32
	HashBits     uint64 // defaults to 13 (8192 slots); only meaningful on create
	GrowthFactor int64  // allocator expansion multiplier; defaults to 8
	MaxGrowth    int64  // absolute cap per expansion; defaults to 256MiB
	Log          LogFunc
	LockBackend  LockBackend
}

func (a Attributes) withDefaults() Attributes {
	if a.Hash == nil {
		a.Hash = jenkinsHashStable
	}
	if a.HashBits == 0 {
		a.HashBits = defaultHashBits
	}
	if a.GrowthFactor == 0 {
		a.GrowthFactor = defaultGrowthFactor
	}
	if a.MaxGrowth == 0 {
		a.MaxGrowth = defaultMaxGrowth
	}
	return a
}

// context is the in-memory per-open handle (spec §3's "Context"): it holds
// flags, hash function/seed, allocator, log callback, lock bookkeeping, the
// cached header, open transaction (if any), and the capability list.
// Generalizes dbm.DB's "bkl" (big kernel lock) pattern into the spec's
// finer-grained hash/free-bucket locking, keeping dbm's enter/leave-style
// bookkeeping discipline for the handful of whole-database operations that
// still need it (Check, WipeAll, Repack, transactions).
type context struct {
	name     string
	flags    OpenFlags
	readOnly bool
	allowNesting bool
	attrs    Attributes

	fh    *fileHandle
	raw   Filer // the real backing Filer (== fh.filer), bypassing any transaction
	filer Filer // the transactional view: redirects through tx's page buffer while one is active
	locks *ctxLocks

	header    *Header
	allocator *allocator // operates through the transactional filer view
	// rawAllocator shares the same header but writes straight to the real
	// backing Filer; the recovery record's own durability writes (spec
	// §4.5) must land on disk immediately, not sit buffered in an
	// in-flight transaction's page map.
	rawAllocator *allocator
	hash         *hashIndex
	caps         *capabilities

	tx          *transaction
	pendingSize int64
	txEOF       uint64

	log LogFunc
}

func (c *context) rawFiler() Filer { return c.raw }

// txFiler is the Filer the allocator, hash index, and capability list see:
// while a transaction is active it redirects reads/writes through the
// transaction's copy-on-write page buffer and defers growth until commit
// (spec §4.5); otherwise every call passes straight through to the real
// backing Filer.
type txFiler struct{ ctx *context }

func (f txFiler) Name() string { return f.ctx.raw.Name() }

func (f txFiler) Size() int64 {
	if f.ctx.tx.state != txIdle && f.ctx.pendingSize > f.ctx.raw.Size() {
		return f.ctx.pendingSize
	}
	return f.ctx.raw.Size()
}

func (f txFiler) Truncate(size int64) error {
	if f.ctx.tx.state != txIdle {
		if size > f.ctx.pendingSize {
			f.ctx.pendingSize = size
		}
		return nil
	}
	return f.ctx.raw.Truncate(size)
}

func (f txFiler) ReadAt(b []byte, off int64) (int, error) {
	if f.ctx.tx.state != txIdle {
		return f.ctx.tx.read(b, off)
	}
	return f.ctx.raw.ReadAt(b, off)
}

func (f txFiler) WriteAt(b []byte, off int64) (int, error) {
	if f.ctx.tx.state != txIdle {
		return f.ctx.tx.write(b, off)
	}
	return f.ctx.raw.WriteAt(b, off)
}

// Direct is never surfaced through the transactional view: a transaction
// must see every byte flow through read/write so it can track dirty pages.
// Sync/Close pass straight through (commit/cancel own the real filer's Sync
// directly); PunchHole passes through only outside an active transaction
// and is a no-op inside one, so buffered frees never reach the real file.
func (f txFiler) Direct(off, length int64, write bool) ([]byte, bool) { return nil, false }
func (f txFiler) ReleaseDirect(b []byte)                              {}
func (f txFiler) PunchHole(off, size int64) error {
	if f.ctx.tx.state != txIdle {
		return nil
	}
	return f.ctx.raw.PunchHole(off, size)
}
func (f txFiler) Sync() error                                         { return f.ctx.raw.Sync() }
func (f txFiler) Close() error                                        { return f.ctx.raw.Close() }

func (c *context) logf(sev Severity, err error) {
	if c.log != nil && err != nil {
		c.log(sev, err)
	}
}

// Open opens (or creates) a database (spec §6's open(name, flags,
// open_flags, mode, attributes)). An empty name with FlagInternal set
// creates a memory-only database backed by a MemFiler.
func Open(name string, flags OpenFlags, mode os.FileMode, attrs Attributes) (*context, error) {
	attrs = attrs.withDefaults()
	readOnly := flags&FlagReadOnly != 0

	if flags&FlagInternal != 0 {
		return openOnFiler(NewMemFiler(), name, flags, attrs, true)
	}

	exists := true
	if _, err := os.Stat(name); os.IsNotExist(err) {
		exists = false
	}

	openFlags := os.O_RDWR
	if readOnly {
		openFlags = os.O_RDONLY
	}
	if !exists {
		if readOnly {
			return nil, newErr(NoExist, "Open", name, nil)
		}
		openFlags |= os.O_CREATE | os.O_EXCL
	}

	f, err := os.OpenFile(name, openFlags, mode)
	if err != nil {
		return nil, newErr(IO, "Open", name, err)
	}

	fi, statErr := f.Stat()
	if statErr != nil {
		f.Close()
		return nil, newErr(IO, "Open", name, statErr)
	}
	key, hasKey := keyOf(fi)

	construct := func() (*fileHandle, error) {
		mf, err := NewMmapFiler(f, flags&FlagNoMmap != 0)
		if err != nil {
			f.Close()
			return nil, err
		}
		lt := newLockTable(int(f.Fd()), attrs.LockBackend)
		return &fileHandle{filer: mf, locks: lt}, nil
	}

	var fh *fileHandle
	if hasKey {
		fh, err = registryOpen(key, construct)
	} else {
		fh, err = construct()
	}
	if err != nil {
		return nil, err
	}

	ctx, err := newContextOnHandle(fh, name, flags, attrs, !exists)
	if err != nil {
		if hasKey {
			registryClose(fh)
		}
		return nil, err
	}
	return ctx, nil
}

// openOnFiler is the memory-only path: no registry, no fileHandle sharing,
// since an internal database is never reopened by another process.
func openOnFiler(filer Filer, name string, flags OpenFlags, attrs Attributes, fresh bool) (*context, error) {
	fh := &fileHandle{filer: filer, locks: newLockTable(-1, noopLockBackend{})}
	return newContextOnHandle(fh, name, flags, attrs, fresh)
}

// noopLockBackend is used for memory-only databases, which have no fd to
// take POSIX locks against; in-process nesting bookkeeping in ctxLocks is
// still exercised, only the kernel call is skipped.
type noopLockBackend struct{}

func (noopLockBackend) Lock(fd int, mode lockMode, off, length int64, wait bool) error   { return nil }
func (noopLockBackend) Unlock(fd int, off, length int64) error                            { return nil }

func newContextOnHandle(fh *fileHandle, name string, flags OpenFlags, attrs Attributes, fresh bool) (*context, error) {
	locks := newCtxLocks(fh.locks)
	c := &context{
		name:         name,
		flags:        flags,
		readOnly:     flags&FlagReadOnly != 0,
		allowNesting: flags&FlagAllowNesting != 0,
		attrs:        attrs,
		fh:           fh,
		raw:          fh.filer,
		locks:        locks,
		log:          attrs.Log,
	}
	c.filer = txFiler{ctx: c}
	c.tx = newTransaction(c)

	if err := locks.lockOpenInit(); err != nil {
		return nil, err
	}
	defer locks.unlockOpenInit()

	if fresh {
		if err := c.initFresh(); err != nil {
			return nil, err
		}
	} else {
		if err := c.loadExisting(); err != nil {
			return nil, err
		}
	}

	c.allocator = newAllocator(c.filer, c.header, c.locks)
	c.allocator.growthFactor = attrs.GrowthFactor
	c.allocator.maxGrowth = attrs.MaxGrowth
	c.allocator.persistHeader = c.writeHeader
	c.rawAllocator = newAllocator(c.raw, c.header, c.locks)
	c.rawAllocator.growthFactor = attrs.GrowthFactor
	c.rawAllocator.maxGrowth = attrs.MaxGrowth
	c.rawAllocator.persistHeader = c.writeHeaderRaw
	c.hash = newHashIndex(c.allocator, c.locks, c.header, attrs.Hash)

	caps, err := loadCapabilities(c.allocator, c.header.CapabilityHead)
	if err != nil {
		return nil, err
	}
	c.caps = caps
	if _, err := caps.check(c.readOnly); err != nil {
		return nil, err
	}

	if !fresh {
		if err := replayRecovery(c); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// lockOpenInit/unlockOpenInit bracket the brief open-lock hold spec §4.2
// describes ("held briefly during open... to race-free the initialise if
// empty hook"). This predates the all-record lock existing on ctxLocks
// (which normally gates the open lock during commit), so it bypasses that
// check via a dedicated unconditional acquire.
func (c *ctxLocks) lockOpenInit() error {
	return c.table.acquire(offOpen, lockExclusive, true)
}
func (c *ctxLocks) unlockOpenInit() error { return c.table.release(offOpen) }

func (c *context) initFresh() error {
	h := &Header{
		Version:  formatVersion,
		HashBits: c.attrs.HashBits,
		HashSeed: uint64(c.attrs.Seed),
	}
	h.HashTest = uint64(c.attrs.Hash(knownMagic, c.attrs.Seed))
	c.header = h

	tableSlots := uint64(1) << h.HashBits
	tableBytes := tableSlots * 8
	total := headerSize + usedHeaderSize + int64(tableBytes)
	total = (total + PageSize - 1) &^ (PageSize - 1)
	if err := c.filer.Truncate(total); err != nil {
		return err
	}

	keyBits, _ := chooseKeyLenBits(0, tableBytes)
	th := &usedHeader{Magic: magicHashTbl, KeyLenBits: keyBits, DataLen: tableBytes}
	buf := append(encodeHeaderPlaceholder(), encodeUsedHeader(th)...)
	buf = append(buf, make([]byte, tableBytes)...)
	if _, err := c.filer.WriteAt(buf, 0); err != nil {
		return newErr(IO, "initFresh", c.name, err)
	}
	return c.writeHeader()
}

// encodeHeaderPlaceholder reserves headerSize bytes; the real header is
// written by writeHeader once FreeTableOffset etc. are known.
func encodeHeaderPlaceholder() []byte { return make([]byte, headerSize) }

func (c *context) writeHeader() error {
	buf := encodeHeader(c.header, nativeOrder().order)
	_, err := c.filer.WriteAt(buf, 0)
	if err != nil {
		return newErr(IO, "writeHeader", c.name, err)
	}
	return nil
}

// writeHeaderRaw writes the header straight to the backing filer, bypassing
// the active transaction's page buffer. Used by rawAllocator and by the
// recovery-record bookkeeping in xact.go, whose durability writes must not
// go through the buffer they are meant to make crash-safe.
func (c *context) writeHeaderRaw() error {
	buf := encodeHeader(c.header, nativeOrder().order)
	if _, err := c.raw.WriteAt(buf, 0); err != nil {
		return newErr(IO, "writeHeader", c.name, err)
	}
	return nil
}

func (c *context) loadExisting() error {
	buf := make([]byte, headerSize)
	if _, err := c.filer.ReadAt(buf, 0); err != nil {
		return newErr(IO, "loadExisting", c.name, err)
	}
	h, _, err := decodeHeader(buf)
	if err != nil {
		return err
	}
	if h.Version != formatVersion {
		return newErr(Corrupt, "loadExisting", c.name, nil)
	}
	if h.FeaturesUsed&^h.FeaturesOffered != 0 {
		return newErr(Corrupt, "loadExisting", c.name, nil)
	}
	test := uint64(c.attrs.Hash(knownMagic, uint32(h.HashSeed)))
	if test != h.HashTest {
		return newErr(Corrupt, "loadExisting", c.name, nil)
	}
	c.header = h
	return nil
}

// --- per-record operations (spec §6) ---------------------------------------

// Store inserts, replaces, or modifies key's value per mode.
func (c *context) Store(key, value []byte, mode StoreMode) error {
	if c.readOnly {
		return newErr(RDONLY, "Store", c.name, nil)
	}
	info, err := c.hash.findAndLock(key, lockExclusive)
	if err != nil {
		return err
	}
	defer c.hash.unlock(info)

	if info.found {
		if mode == ModeInsert {
			return newErr(Exists, "Store", c.name, nil)
		}
		if err := c.freeRecord(info.foundOff); err != nil {
			return err
		}
	} else if mode == ModeModify {
		return newErr(NoExist, "Store", c.name, nil)
	}

	need := usedHeaderSize + int64(len(key)) + int64(len(value))
	off, extraPad, err := c.allocator.Alloc(need)
	if err != nil {
		return err
	}
	if err := c.allocator.writeUsedRecord(off, magicUsed, key, value, extraPad); err != nil {
		return err
	}
	if err := c.hash.addToHash(info, off); err != nil {
		return err
	}
	c.bumpSeqnum()
	return nil
}

func (c *context) freeRecord(off int64) error {
	h, _, err := c.allocator.readUsedRecord(off)
	if err != nil {
		return err
	}
	return c.allocator.Free(off, h.TotalLen(), true)
}

// Fetch returns key's value, or a NoExist error.
func (c *context) Fetch(key []byte) ([]byte, error) {
	info, err := c.hash.findAndLock(key, lockShared)
	if err != nil {
		return nil, err
	}
	defer c.hash.unlock(info)
	if !info.found {
		return nil, newErr(NoExist, "Fetch", c.name, nil)
	}
	_, _, data, err := c.allocator.readUsedKeyData(info.foundOff)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Exists reports whether key is present.
func (c *context) Exists(key []byte) (bool, error) {
	info, err := c.hash.findAndLock(key, lockShared)
	if err != nil {
		return false, err
	}
	defer c.hash.unlock(info)
	return info.found, nil
}

// Delete removes key, or returns NoExist if absent.
func (c *context) Delete(key []byte) error {
	if c.readOnly {
		return newErr(RDONLY, "Delete", c.name, nil)
	}
	info, err := c.hash.findAndLock(key, lockExclusive)
	if err != nil {
		return err
	}
	defer c.hash.unlock(info)
	if !info.found {
		return newErr(NoExist, "Delete", c.name, nil)
	}
	if err := c.freeRecord(info.foundOff); err != nil {
		return err
	}
	if err := c.hash.deleteSlot(info); err != nil {
		return err
	}
	c.bumpSeqnum()
	return nil
}

// Append concatenates suffix onto key's existing value in place when the
// record's padding allows, otherwise by reallocating (spec §6, scenario 3).
func (c *context) Append(key, suffix []byte) error {
	if c.readOnly {
		return newErr(RDONLY, "Append", c.name, nil)
	}
	info, err := c.hash.findAndLock(key, lockExclusive)
	if err != nil {
		return err
	}
	defer c.hash.unlock(info)
	if !info.found {
		return newErr(NoExist, "Append", c.name, nil)
	}

	h, k, data, err := c.allocator.readUsedKeyData(info.foundOff)
	if err != nil {
		return err
	}
	newData := make([]byte, 0, len(data)+len(suffix))
	newData = append(newData, data...)
	newData = append(newData, suffix...)

	if uint64(len(suffix)) <= uint64(h.ExtraPad) {
		return c.fixupKeyedHeader(info.foundOff, k, newData, h.ExtraPad-uint32(len(suffix)))
	}

	if err := c.freeRecord(info.foundOff); err != nil {
		return err
	}
	need := usedHeaderSize + int64(len(k)) + int64(len(newData))
	off, extraPad, err := c.allocator.Alloc(need)
	if err != nil {
		return err
	}
	if err := c.allocator.writeUsedRecord(off, magicUsed, k, newData, extraPad); err != nil {
		return err
	}
	info.found = true // addToHash's "replace in place" path
	if err := c.hash.addToHash(info, off); err != nil {
		return err
	}
	c.bumpSeqnum()
	return nil
}

func appendKeyData(key, data []byte) []byte {
	buf := make([]byte, 0, len(key)+len(data))
	buf = append(buf, key...)
	buf = append(buf, data...)
	return buf
}

func (c *context) fixupKeyedHeader(off int64, key, data []byte, extraPad uint32) error {
	keyBits, ok := chooseKeyLenBits(uint64(len(key)), uint64(len(data)))
	if !ok {
		return newErr(EINVAL, "Append", c.name, nil)
	}
	h := &usedHeader{Magic: magicUsed, KeyLenBits: keyBits, ExtraPad: extraPad, DataLen: uint64(len(data)), KeyLen: uint64(len(key))}
	buf := append(encodeUsedHeader(h), appendKeyData(key, data)...)
	_, err := c.filer.WriteAt(buf, off)
	if err != nil {
		return newErr(IO, "Append", c.name, err)
	}
	c.bumpSeqnum()
	return nil
}

// ParseRecord hands pred the key and value read from key's record (a copy,
// not a view into the mapping) with the record's hash-bucket lock held and
// the context temporarily read-only, per spec §6.
func (c *context) ParseRecord(key []byte, pred func(key, value []byte) error) error {
	info, err := c.hash.findAndLock(key, lockShared)
	if err != nil {
		return err
	}
	defer c.hash.unlock(info)
	if !info.found {
		return newErr(NoExist, "ParseRecord", c.name, nil)
	}
	_, k, data, err := c.allocator.readUsedKeyData(info.foundOff)
	if err != nil {
		return err
	}
	prev := c.readOnly
	c.readOnly = true
	defer func() { c.readOnly = prev }()
	return pred(k, data)
}

func (c *context) bumpSeqnum() {
	if c.flags&FlagSeqnum != 0 {
		c.header.Seqnum++
		c.writeHeader()
	}
}

// --- bulk operations (spec §6) ----------------------------------------------

// Traverse visits every record exactly once (absent concurrent writers),
// per spec §4.4's traversal guarantees.
func (c *context) Traverse(pred func(key, value []byte) error) error {
	n := int64(c.hash.tableSize())
	for b := int64(0); b < n; b++ {
		if err := c.traverseBucket(uint64(b), pred); err != nil {
			return err
		}
	}
	return nil
}

func (c *context) traverseBucket(b uint64, pred func(key, value []byte) error) error {
	if err := c.locks.lockHashBucket(b, lockShared); err != nil {
		return err
	}
	slot, err := c.hash.readSlot(c.hash.slotOffset(b))
	c.locks.unlockHashBucket(b)
	if err != nil {
		return err
	}
	if slot == 0 {
		return nil
	}
	if !isChainSlot(slot) {
		off, _ := decodeDirectSlot(slot)
		_, k, v, err := c.allocator.readUsedKeyData(int64(off))
		if err != nil {
			return err
		}
		return pred(k, v)
	}
	chainOff := int64(decodeChainSlot(slot))
	_, payload, err := c.allocator.readUsedRecord(chainOff)
	if err != nil {
		return err
	}
	for i := 0; i*8 < len(payload); i++ {
		v := binary.LittleEndian.Uint64(payload[i*8 : i*8+8])
		if v == 0 {
			continue
		}
		off, _ := decodeDirectSlot(v)
		_, k, val, err := c.allocator.readUsedKeyData(int64(off))
		if err != nil {
			return err
		}
		if err := pred(k, val); err != nil {
			return err
		}
	}
	return nil
}

// scanBucketFirst returns the first record in bucket b in the same top-slot-
// then-chain-payload order traverseBucket walks, or ok=false if b is empty.
func (c *context) scanBucketFirst(b uint64) (key, value []byte, ok bool, err error) {
	if err := c.locks.lockHashBucket(b, lockShared); err != nil {
		return nil, nil, false, err
	}
	defer c.locks.unlockHashBucket(b)

	slot, err := c.hash.readSlot(c.hash.slotOffset(b))
	if err != nil {
		return nil, nil, false, err
	}
	if slot == 0 {
		return nil, nil, false, nil
	}
	if !isChainSlot(slot) {
		off, _ := decodeDirectSlot(slot)
		_, k, v, err := c.allocator.readUsedKeyData(int64(off))
		if err != nil {
			return nil, nil, false, err
		}
		return k, v, true, nil
	}
	chainOff := int64(decodeChainSlot(slot))
	_, payload, err := c.allocator.readUsedRecord(chainOff)
	if err != nil {
		return nil, nil, false, err
	}
	for i := 0; i*8 < len(payload); i++ {
		v := binary.LittleEndian.Uint64(payload[i*8 : i*8+8])
		if v == 0 {
			continue
		}
		off, _ := decodeDirectSlot(v)
		_, k, val, err := c.allocator.readUsedKeyData(int64(off))
		if err != nil {
			return nil, nil, false, err
		}
		return k, val, true, nil
	}
	return nil, nil, false, nil
}

// FirstKey returns the first key/value pair in traversal order, for callers
// that want to walk the database one record at a time rather than via a
// Traverse callback (spec §6's firstkey/nextkey cursor pair).
func (c *context) FirstKey() (key, value []byte, err error) {
	n := c.hash.tableSize()
	for b := uint64(0); b < n; b++ {
		k, v, ok, err := c.scanBucketFirst(b)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			return k, v, nil
		}
	}
	return nil, nil, newErr(NoExist, "FirstKey", c.name, nil)
}

// NextKey returns the record that follows key in traversal order, or
// NoExist once key was the last record. key must currently exist; like
// traverse, the ordering guarantee only holds absent concurrent writers.
func (c *context) NextKey(key []byte) (nextKey, nextValue []byte, err error) {
	info, err := c.hash.findAndLock(key, lockShared)
	if err != nil {
		return nil, nil, err
	}
	if !info.found {
		c.hash.unlock(info)
		return nil, nil, newErr(NoExist, "NextKey", c.name, nil)
	}

	if !info.atTop {
		_, payload, err := c.allocator.readUsedRecord(info.chainOff)
		if err != nil {
			c.hash.unlock(info)
			return nil, nil, err
		}
		for i := info.chainIdx + 1; i*8 < len(payload); i++ {
			v := binary.LittleEndian.Uint64(payload[i*8 : i*8+8])
			if v == 0 {
				continue
			}
			off, _ := decodeDirectSlot(v)
			_, k, val, err := c.allocator.readUsedKeyData(int64(off))
			c.hash.unlock(info)
			if err != nil {
				return nil, nil, err
			}
			return k, val, nil
		}
	}
	bucket := info.bucket
	c.hash.unlock(info)

	n := c.hash.tableSize()
	for b := bucket + 1; b < n; b++ {
		k, v, ok, err := c.scanBucketFirst(b)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			return k, v, nil
		}
	}
	return nil, nil, newErr(NoExist, "NextKey", c.name, nil)
}

// WipeAll deletes every record atomically, under the all-record lock.
func (c *context) WipeAll() error {
	if c.readOnly {
		return newErr(RDONLY, "WipeAll", c.name, nil)
	}
	if err := c.locks.lockAllRecord(lockExclusive); err != nil {
		return err
	}
	defer c.locks.unlockAllRecord()

	var keys [][]byte
	err := c.Traverse(func(k, _ []byte) error {
		kc := make([]byte, len(k))
		copy(kc, k)
		keys = append(keys, kc)
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := c.Delete(k); err != nil && !IsNoExist(err) {
			return err
		}
	}
	return nil
}

// Repack rewrites the database into a fresh layout (built in an in-memory
// scratch database) and writes that layout back into the SAME backing file
// and handle under a transaction (spec §6), rather than building a second
// on-disk file and renaming it over the first: this context's `c.raw`/
// `c.fh.filer` (and any registry-sharing sibling) must keep operating on
// the same inode afterwards, so the new bytes land through `c.filer`
// exactly like any other write, with the usual recovery-record protection
// against a crash mid-repack. Grounded on ccan/ntdb's own repack path,
// which rewrites through the same `tdb_context`/fd it was opened on.
func (c *context) Repack() error {
	if c.readOnly {
		return newErr(RDONLY, "Repack", c.name, nil)
	}
	if err := c.locks.lockAllRecord(lockExclusive); err != nil {
		return err
	}
	defer c.locks.unlockAllRecord()

	scratch, err := openOnFiler(NewMemFiler(), c.name+".repack-scratch", FlagNoLock, c.attrs, true)
	if err != nil {
		return err
	}
	defer scratch.Close()

	err = c.Traverse(func(k, v []byte) error {
		kc, vc := append([]byte(nil), k...), append([]byte(nil), v...)
		return scratch.Store(kc, vc, ModeInsert)
	})
	if err != nil {
		return err
	}

	newSize := scratch.raw.Size()
	buf := make([]byte, newSize)
	if _, err := scratch.raw.ReadAt(buf, 0); err != nil {
		return newErr(IO, "Repack", c.name, err)
	}

	prevSeqnum := c.header.Seqnum

	if err := c.TransactionStart(); err != nil {
		return err
	}
	if _, err := c.filer.WriteAt(buf, 0); err != nil {
		c.TransactionCancel()
		return newErr(IO, "Repack", c.name, err)
	}
	if err := c.TransactionCommit(); err != nil {
		return err
	}

	// The scratch database's own header (Version, HashBits, FreeTableOffset,
	// RecoveryOffset, CapabilityHead, ...) now lives at offset 0 of the real
	// file; refresh the shared *Header in place so allocator/hash/locks see
	// it, but keep this database's own sequence number moving forward rather
	// than resetting it to the scratch database's.
	fresh := decodeHeaderOrder(buf[:headerSize], nativeOrder().order)
	*c.header = *fresh
	if c.flags&FlagSeqnum != 0 {
		c.header.Seqnum = prevSeqnum + 1
		if err := c.writeHeader(); err != nil {
			return err
		}
	}

	// The new layout is never larger than the live file (it holds the same
	// live records with no dead space); shrink the backing file to match
	// now that the transaction durably committed its contents.
	if newSize < c.raw.Size() {
		if err := c.raw.Truncate(newSize); err != nil {
			return newErr(IO, "Repack", c.name, err)
		}
		if err := c.raw.Sync(); err != nil {
			return newErr(IO, "Repack", c.name, err)
		}
	}
	return nil
}

// --- locking helpers (spec §6) ----------------------------------------------

func (c *context) ChainLock(key []byte) error {
	info, err := c.hash.findAndLock(key, lockExclusive)
	if err != nil {
		return err
	}
	_ = info
	return nil
}

func (c *context) ChainUnlock(key []byte) error {
	h := c.attrs.Hash(key, uint32(c.header.HashSeed))
	bucket := uint64(h) & (c.hash.tableSize() - 1)
	return c.locks.unlockHashBucket(bucket)
}

func (c *context) ChainLockShared(key []byte) error {
	_, err := c.hash.findAndLock(key, lockShared)
	return err
}

func (c *context) LockAll() error   { return c.locks.lockAllRecord(lockExclusive) }
func (c *context) UnlockAll() error { return c.locks.unlockAllRecord() }

// --- transactions (spec §6) -------------------------------------------------

func (c *context) TransactionStart() error {
	c.txEOF = uint64(c.filer.Size())
	c.pendingSize = c.filer.Size()
	return c.tx.start()
}

func (c *context) TransactionPrepareCommit() (bool, error) { return c.tx.prepare() }
func (c *context) TransactionCommit() error                { return c.tx.commit() }
func (c *context) TransactionCancel() error                { return c.tx.cancel() }

// --- introspection (spec §6) ------------------------------------------------

func (c *context) Name() string { return c.name }

// Fd returns the underlying file descriptor, or -1 for a memory-only
// database.
func (c *context) Fd() int { return c.locks.table.fd }

func (c *context) GetSeqnum() uint64  { return c.header.Seqnum }
func (c *context) GetFlags() OpenFlags { return c.flags }

func (c *context) AddFlag(f OpenFlags) error {
	c.flags |= f
	return nil
}

func (c *context) RemoveFlag(f OpenFlags) error {
	if f == FlagReadOnly && c.readOnly {
		return newErr(EINVAL, "RemoveFlag", c.name, nil)
	}
	c.flags &^= f
	return nil
}

// Summary renders a structural report of the database (spec §6), grounded
// on ccan/ntdb/summary.c's ntdb_summary: a record-kind breakdown of the
// whole file, not just the open-time header fields. flags is reserved for
// future verbosity levels (ccan's NTDB_SUMMARY_HISTOGRAMS has no analogue
// here).
func (c *context) Summary(flags int) string {
	st, err := c.computeSummary()
	if err != nil {
		return fmt.Sprintf("%s: error computing summary: %v", c.name, err)
	}
	return fmt.Sprintf("%s\nhash_bits=%d seqnum=%d\n", c.name, c.header.HashBits, c.header.Seqnum) + st.String()
}

// Close releases the context's resources, unmapping and closing the
// backing file once the last sibling context sharing it has closed.
func (c *context) Close() error {
	if c.fh.key != (devIno{}) {
		return registryClose(c.fh)
	}
	return c.fh.filer.Close()
}
