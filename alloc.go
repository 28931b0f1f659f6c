package ntdb

// allocator implements the segregated free-space allocator of spec §4.3.
// It generalizes lldb/falloc.go's alloc/free2/leftNfo atom-addressed scheme
// to the spec's byte-offset, size-class free-table records.
type allocator struct {
	filer         Filer
	locks         *ctxLocks
	header        *Header // shared with the owning context; FreeTableOffset kept current here
	growthFactor  int64   // multiplies the requested size on expansion
	maxGrowth     int64   // absolute cap per expansion, in bytes
	punchHoles    bool    // punch the interior of large coalesced free records
	persistHeader func() error // durably writes header through the filer this allocator is wired to
}

const (
	defaultGrowthFactor = 8
	defaultMaxGrowth    = 256 << 20
	punchThreshold      = 1 << 16 // only bother punching records at least this large
)

func newAllocator(filer Filer, header *Header, locks *ctxLocks) *allocator {
	return &allocator{
		filer:         filer,
		header:        header,
		locks:         locks,
		growthFactor:  defaultGrowthFactor,
		maxGrowth:     defaultMaxGrowth,
		punchHoles:    true,
		persistHeader: func() error { return nil },
	}
}

// readUsedRecord reads the header and the concatenated key+data+padding
// bytes of the used record at off.
func (a *allocator) readUsedRecord(off int64) (*usedHeader, []byte, error) {
	hbuf := make([]byte, usedHeaderSize)
	if _, err := a.filer.ReadAt(hbuf, off); err != nil {
		return nil, nil, newErr(IO, "readUsedRecord", a.filer.Name(), err)
	}
	h := decodeUsedHeader(hbuf)
	rest := int64(h.KeyLen + h.DataLen + uint64(h.ExtraPad))
	buf := make([]byte, rest)
	if rest > 0 {
		if _, err := a.filer.ReadAt(buf, off+usedHeaderSize); err != nil {
			return nil, nil, newErr(IO, "readUsedRecord", a.filer.Name(), err)
		}
	}
	return h, buf, nil
}

// readUsedKeyData splits out the key and data portions for a record whose
// key length is known, skipping any trailing padding.
func (a *allocator) readUsedKeyData(off int64) (h *usedHeader, key, data []byte, err error) {
	h, rest, err := a.readUsedRecord(off)
	if err != nil {
		return nil, nil, nil, err
	}
	key = rest[:h.KeyLen]
	data = rest[h.KeyLen : h.KeyLen+h.DataLen]
	return h, key, data, nil
}

// writeUsedRecord writes a brand new used record at off with the given
// magic, key and data, followed by extraPad zero bytes of padding (used
// by the hash layer to pre-reserve chain growth room).
func (a *allocator) writeUsedRecord(off int64, magic uint16, key, data []byte, extraPad uint32) error {
	keyBits, ok := chooseKeyLenBits(uint64(len(key)), uint64(len(data)))
	if !ok {
		return newErr(EINVAL, "writeUsedRecord", a.filer.Name(), nil)
	}
	h := &usedHeader{Magic: magic, KeyLenBits: keyBits, ExtraPad: extraPad, DataLen: uint64(len(data)), KeyLen: uint64(len(key))}
	buf := make([]byte, 0, usedHeaderSize+len(key)+len(data)+int(extraPad))
	buf = append(buf, encodeUsedHeader(h)...)
	buf = append(buf, key...)
	buf = append(buf, data...)
	buf = append(buf, make([]byte, extraPad)...)
	_, err := a.filer.WriteAt(buf, off)
	if err != nil {
		return newErr(IO, "writeUsedRecord", a.filer.Name(), err)
	}
	return nil
}

// rewriteUsedPayload overwrites a no-key record's header and data in
// place with no padding; the record keeps its total size only when data
// is as long as the old data plus padding (as for the ftable and
// hash-table records, which are allocated once at a fixed size and
// updated repeatedly).
func (a *allocator) rewriteUsedPayload(off int64, magic uint16, data []byte) error {
	return a.rewriteUsedPayloadPad(off, magic, data, 0)
}

// rewriteUsedPayloadPad is rewriteUsedPayload plus an explicit trailing
// padding length, used by the hash layer when growing a chain record into
// previously reserved padding bytes.
func (a *allocator) rewriteUsedPayloadPad(off int64, magic uint16, data []byte, extraPad uint32) error {
	keyBits, ok := chooseKeyLenBits(0, uint64(len(data)))
	if !ok {
		return newErr(EINVAL, "rewriteUsedPayload", a.filer.Name(), nil)
	}
	h := &usedHeader{Magic: magic, KeyLenBits: keyBits, DataLen: uint64(len(data)), ExtraPad: extraPad}
	buf := append(encodeUsedHeader(h), data...)
	if _, err := a.filer.WriteAt(buf, off); err != nil {
		return newErr(IO, "rewriteUsedPayload", a.filer.Name(), err)
	}
	return nil
}

func (a *allocator) readFreeRecord(off int64) (*freeHeader, error) {
	buf := make([]byte, freeHeaderSize)
	if _, err := a.filer.ReadAt(buf, off); err != nil {
		return nil, newErr(IO, "readFreeRecord", a.filer.Name(), err)
	}
	fh, ok := decodeFreeHeader(buf)
	if !ok {
		return nil, newErr(Corrupt, "readFreeRecord", a.filer.Name(), nil)
	}
	return fh, nil
}

func recordSize(fh *freeHeader) int64 { return freeHeaderSize + int64(fh.Length) }

func (a *allocator) writeFreeRecord(off int64, fh *freeHeader) error {
	if _, err := a.filer.WriteAt(encodeFreeHeader(fh), off); err != nil {
		return newErr(IO, "writeFreeRecord", a.filer.Name(), err)
	}
	size := recordSize(fh)
	if _, err := a.filer.WriteAt(encodeTailer(uint64(size)), off+size-freeTailerSize); err != nil {
		return newErr(IO, "writeFreeRecord", a.filer.Name(), err)
	}
	if a.punchHoles && size-minFreeRecordSize >= punchThreshold {
		a.filer.PunchHole(off+freeHeaderSize, size-minFreeRecordSize)
	}
	return nil
}

func (a *allocator) readTailer(recordEnd int64) (uint64, error) {
	buf := make([]byte, freeTailerSize)
	if _, err := a.filer.ReadAt(buf, recordEnd-freeTailerSize); err != nil {
		return 0, newErr(IO, "readTailer", a.filer.Name(), err)
	}
	return decodeTailer(buf), nil
}

// --- free-table chain walk -------------------------------------------------

func (a *allocator) currentFTable() (*fTable, error) {
	if a.header.FreeTableOffset == 0 {
		return nil, nil
	}
	return loadFTable(a, int64(a.header.FreeTableOffset))
}

// unlinkFree removes the free record at off (whose header is fh, belonging
// to ftable t, bucket b) from its doubly-linked bucket list.
func (a *allocator) unlinkFree(t *fTable, b int, off int64, fh *freeHeader) error {
	if err := a.locks.lockFreeBucket(b, lockExclusive); err != nil {
		return err
	}
	defer a.locks.unlockFreeBucket(b)

	if fh.Prev == 0 {
		if err := t.setBucketHead(a, b, int64(fh.Next)); err != nil {
			return err
		}
	} else {
		prevFh, err := a.readFreeRecord(int64(fh.Prev))
		if err != nil {
			return err
		}
		prevFh.Next = fh.Next
		if err := a.writeFreeRecord(int64(fh.Prev), prevFh); err != nil {
			return err
		}
	}
	if fh.Next != 0 {
		nextFh, err := a.readFreeRecord(int64(fh.Next))
		if err != nil {
			return err
		}
		nextFh.Prev = fh.Prev
		if err := a.writeFreeRecord(int64(fh.Next), nextFh); err != nil {
			return err
		}
	}
	return nil
}

// linkFree inserts a free record at the head of ftable t's bucket b.
func (a *allocator) linkFree(t *fTable, b int, off int64, fh *freeHeader) error {
	if err := a.locks.lockFreeBucket(b, lockExclusive); err != nil {
		return err
	}
	defer a.locks.unlockFreeBucket(b)

	oldHead := t.bucketHead(b)
	fh.FIndex = uint8(b)
	fh.Prev = 0
	fh.Next = uint64(oldHead)
	if err := a.writeFreeRecord(off, fh); err != nil {
		return err
	}
	if oldHead != 0 {
		headFh, err := a.readFreeRecord(oldHead)
		if err != nil {
			return err
		}
		headFh.Prev = uint64(off)
		if err := a.writeFreeRecord(oldHead, headFh); err != nil {
			return err
		}
	}
	return t.setBucketHead(a, b, off)
}

// --- allocation -------------------------------------------------------------

// Alloc reserves space for a used record needing `need` bytes (spec §4.3:
// sizeof(used_header)+keylen+datalen, rounded here to 8 and to at least
// minFreeRecordSize) and returns its offset plus all the slack reserved
// beyond `need`: the rounding, and any split remainder too small to carve
// into its own free record (together under 2*minFreeRecordSize bytes).
// The caller folds that slack into the used record's own extra_padding
// field so it is neither lost to fragmentation nor mistaken for a
// neighbouring record by coalesce, and so a later in-place Append has
// somewhere to grow into (spec §4.3, §6).
func (a *allocator) Alloc(need int64) (int64, uint32, error) {
	req := need
	need = (need + 7) &^ 7
	if need < minFreeRecordSize {
		need = minFreeRecordSize
	}
	round := uint32(need - req)

	t, err := a.currentFTable()
	if err != nil {
		return 0, 0, err
	}
	if t != nil {
		off, extraPad, ok, err := a.bestFit(t, need)
		if err != nil {
			return 0, 0, err
		}
		if ok {
			return off, extraPad + round, nil
		}
	}
	off, extraPad, err := a.expandAndAlloc(t, need)
	return off, extraPad + round, err
}

const bestFitSlack = 4 // bounded search: examine at most this many candidates per bucket

func (a *allocator) bestFit(t *fTable, need int64) (int64, uint32, bool, error) {
	startBucket := sizeToBucket(uint64(need))
	for b := startBucket; b < freeBuckets; b++ {
		if err := a.locks.lockFreeBucket(b, lockShared); err != nil {
			return 0, 0, false, err
		}
		head := t.bucketHead(b)
		a.locks.unlockFreeBucket(b)
		if head == 0 {
			continue
		}

		var best int64
		var bestFh *freeHeader
		cur := head
		for i := 0; cur != 0 && i < bestFitSlack; i++ {
			fh, err := a.readFreeRecord(cur)
			if err != nil {
				return 0, 0, false, err
			}
			if recordSize(fh) >= need && (bestFh == nil || recordSize(fh) < recordSize(bestFh)) {
				best, bestFh = cur, fh
			}
			cur = int64(fh.Next)
		}
		if bestFh == nil {
			continue
		}
		if err := a.unlinkFree(t, b, best, bestFh); err != nil {
			return 0, 0, false, err
		}
		off, extraPad, err := a.splitAndUse(best, bestFh, need, t)
		return off, extraPad, true, err
	}
	return 0, 0, false, nil
}

func (a *allocator) splitAndUse(off int64, fh *freeHeader, need int64, t *fTable) (int64, uint32, error) {
	total := recordSize(fh)
	remainder := total - need
	if remainder >= minFreeRecordSize {
		tailOff := off + need
		tailFh := &freeHeader{Length: uint64(remainder - freeHeaderSize)}
		b := sizeToBucket(uint64(remainder))
		if err := a.linkFree(t, b, tailOff, tailFh); err != nil {
			return 0, 0, err
		}
		return off, 0, nil
	}
	return off, uint32(remainder), nil
}

func (a *allocator) expandAndAlloc(t *fTable, need int64) (int64, uint32, error) {
	if err := a.locks.lockExpansion(lockExclusive); err != nil {
		return 0, 0, err
	}
	defer a.locks.unlockExpansion()

	curSize := a.filer.Size()
	ftableBytes := int64(0)
	if t == nil {
		ftableBytes = usedHeaderSize + int64(ftableRecordSize())
	}

	grow := (need + ftableBytes) * a.growthFactor
	if grow > a.maxGrowth {
		grow = a.maxGrowth
	}
	if grow < need+ftableBytes {
		grow = need + ftableBytes
	}
	addend := (grow + PageSize - 1) &^ (PageSize - 1)
	newSize := curSize + addend
	if err := a.filer.Truncate(newSize); err != nil {
		return 0, 0, err
	}

	cursor := curSize
	if t == nil {
		var err error
		t, err = a.createFTable(cursor)
		if err != nil {
			return 0, 0, err
		}
		cursor += ftableBytes
	}

	usedOff := cursor
	cursor += need
	remainder := curSize + addend - cursor
	if remainder >= minFreeRecordSize {
		tailFh := &freeHeader{Length: uint64(remainder - freeHeaderSize)}
		b := sizeToBucket(uint64(remainder))
		if err := a.linkFree(t, b, cursor, tailFh); err != nil {
			return 0, 0, err
		}
		return usedOff, 0, nil
	}
	return usedOff, uint32(remainder), nil
}

// createFTable allocates and initializes the very first free-table record,
// used lazily the first time the database needs one. The caller must have
// already ensured off..off+ftableBytes is backed by the file.
func (a *allocator) createFTable(off int64) (*fTable, error) {
	t := &fTable{off: off}
	if err := a.writeUsedRecord(off, magicFTable, nil, encodeFTableRecord(&t.rec), 0); err != nil {
		return nil, err
	}
	a.header.FreeTableOffset = uint64(off)
	if err := a.persistHeader(); err != nil {
		return nil, err
	}
	return t, nil
}

// --- deallocation -----------------------------------------------------------

// Free returns the record at (off, length) — a physical byte range, not
// including any header reinterpretation — to the free pool, attempting
// physical coalescing with its neighbours when coalesceOK is set (spec
// §4.3's add_free_record).
func (a *allocator) Free(off, length int64, coalesceOK bool) error {
	t, err := a.currentFTable()
	if err != nil {
		return err
	}
	if t == nil {
		// The free-table record is itself permanent (never freed), so by
		// the time anything is freed, Alloc must already have created one.
		return newErr(Corrupt, "Free", a.filer.Name(), nil)
	}

	fh := &freeHeader{Length: uint64(length - freeHeaderSize)}
	finalOff := off
	finalLen := length

	if coalesceOK {
		finalOff, finalLen = a.coalesce(t, off, length)
	}

	fh.Length = uint64(finalLen - freeHeaderSize)
	b := sizeToBucket(uint64(finalLen))
	return a.linkFree(t, b, finalOff, fh)
}

// coalesce attempts to merge the candidate free range with its physically
// adjacent neighbours: forward by decoding a free record straight after
// the range, and backward via the preceding tailer (spec §4.3). Each
// neighbour is pulled out of its own bucket under its own free-bucket
// lock, which is taken blocking; a neighbour is left alone only when it
// cannot be decoded as a free record, locked, or unlinked.
func (a *allocator) coalesce(t *fTable, off, length int64) (int64, int64) {
	// Forward neighbour.
	if nb, nfh, ok := a.tryNeighbour(t, off+length); ok {
		length += recordSize(nfh)
		_ = nb
	}
	// Backward neighbour, found via its tailer just before off.
	if off >= freeTailerSize {
		if sz, err := a.readTailer(off); err == nil && sz > 0 && sz <= uint64(off) {
			prevOff := off - int64(sz)
			if fh, err := a.readFreeRecord(prevOff); err == nil && recordSize(fh) == int64(sz) {
				b := sizeToBucket(uint64(recordSize(fh)))
				if a.locks.lockFreeBucket(b, lockExclusive) == nil {
					a.locks.unlockFreeBucket(b)
					if a.unlinkFree(t, b, prevOff, fh) == nil {
						length += recordSize(fh)
						off = prevOff
					}
				}
			}
		}
	}
	return off, length
}

func (a *allocator) tryNeighbour(t *fTable, off int64) (int64, *freeHeader, bool) {
	if off+freeHeaderSize > a.filer.Size() {
		return 0, nil, false
	}
	fh, err := a.readFreeRecord(off)
	if err != nil {
		return 0, nil, false
	}
	b := sizeToBucket(uint64(recordSize(fh)))
	if a.locks.lockFreeBucket(b, lockExclusive) != nil {
		return 0, nil, false
	}
	a.locks.unlockFreeBucket(b)
	if a.unlinkFree(t, b, off, fh) != nil {
		return 0, nil, false
	}
	return off, fh, true
}
