package ntdb

import (
	"encoding/binary"
	"sort"
)

// Transaction state machine (spec §4.5):
//
//	IDLE --start--> ACTIVE --prepare--> PREPARED --commit--> IDLE
//	                  |                    |
//	                  +-- cancel ----------+--> IDLE
//
// Generalizes lldb/xact.go's RollbackFiler (a dirty-page bitmap over an
// inner Filer, with BeginUpdate/EndUpdate/Rollback nesting and a checkpoint
// callback) into the spec's on-disk recovery-record format: instead of
// keeping a separate WAL file, the pre-images of changed byte ranges are
// written into a recovery record inside the same file (spec §3, §4.5),
// completing the sketch left unfinished in lldb/2pc.go.
type txState int

const (
	txIdle txState = iota
	txActive
	txPrepared
)

const txPageSize = 4096 // page granularity for the copy-on-write buffer

type dirtyPage struct {
	data []byte
}

// transaction buffers page-granular overwrites in memory and, on commit,
// durably records their pre-images before applying them.
type transaction struct {
	ctx    *context
	state  txState
	pages  map[int64]*dirtyPage // page index -> owned buffer
	nested int                  // nesting count, only meaningful if ctx.allowNesting
	poisoned bool
}

func newTransaction(ctx *context) *transaction {
	return &transaction{ctx: ctx, pages: map[int64]*dirtyPage{}}
}

func pageIndex(off int64) int64    { return off / txPageSize }
func pageOffset(idx int64) int64   { return idx * txPageSize }

// read/write are the transactional IO method table (spec §4.5): reads
// and writes are redirected through the page buffer, copying on first
// write.
func (t *transaction) read(b []byte, off int64) (int, error) {
	n := 0
	for n < len(b) {
		idx := pageIndex(off + int64(n))
		pageOff := int(off+int64(n)) - int(pageOffset(idx))
		take := txPageSize - pageOff
		if take > len(b)-n {
			take = len(b) - n
		}
		pg, ok := t.pages[idx]
		if !ok {
			// Fall through to the real file for unmodified pages.
			m, err := t.ctx.rawFiler().ReadAt(b[n:n+take], off+int64(n))
			n += m
			if err != nil {
				return n, err
			}
			continue
		}
		copy(b[n:n+take], pg.data[pageOff:pageOff+take])
		n += take
	}
	return n, nil
}

func (t *transaction) write(b []byte, off int64) (int, error) {
	n := 0
	for n < len(b) {
		idx := pageIndex(off + int64(n))
		pageOff := int(off+int64(n)) - int(pageOffset(idx))
		take := txPageSize - pageOff
		if take > len(b)-n {
			take = len(b) - n
		}
		pg, ok := t.pages[idx]
		if !ok {
			pg = &dirtyPage{data: make([]byte, txPageSize)}
			// Copy-on-first-write: seed with the current on-disk
			// contents of the page (zero past EOF, which is fine: the
			// allocator never reads past what it itself wrote).
			t.ctx.rawFiler().ReadAt(pg.data, pageOffset(idx))
			t.pages[idx] = pg
		}
		copy(pg.data[pageOff:pageOff+take], b[n:n+take])
		n += take
	}
	return n, nil
}

// start begins a new transaction, or counts a nested one if allowed.
func (t *transaction) start() error {
	if t.state != txIdle {
		if !t.ctx.allowNesting {
			return newErr(EINVAL, "TransactionStart", "", nil)
		}
		t.nested++
		return nil
	}
	t.state = txActive
	t.pages = map[int64]*dirtyPage{}
	t.poisoned = false
	return nil
}

func (t *transaction) poison() { t.poisoned = true }

// diff computes (offset, length, old_bytes) triples covering every modified
// byte, one per changed page (see diffRun), by diffing each buffered page
// against its on-disk contents (spec §4.5 step 3). Pages are visited in offset order so
// the recovery payload is deterministic.
func (t *transaction) diff() ([]recoveryTriple, error) {
	idxs := make([]int64, 0, len(t.pages))
	for idx := range t.pages {
		idxs = append(idxs, idx)
	}
	sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })

	var triples []recoveryTriple
	for _, idx := range idxs {
		pg := t.pages[idx]
		old := make([]byte, txPageSize)
		t.ctx.rawFiler().ReadAt(old, pageOffset(idx))
		if run, ok := diffRun(old, pg.data); ok {
			triples = append(triples, recoveryTriple{
				Offset:  uint64(pageOffset(idx) + int64(run.start)),
				Length:  uint64(run.length),
				OldData: old[run.start : run.start+run.length],
			})
		}
	}
	return triples, nil
}

type byteRun struct {
	start, length int
}

// diffRun finds the single contiguous span covering every differing byte
// between old and new, applying a minimum-match heuristic (spec §4.5) that
// avoids emitting dozens of tiny runs for scattered single-byte changes by
// just covering the whole span from the first to the last differing byte.
func diffRun(old, new []byte) (byteRun, bool) {
	first, last := -1, -1
	for i := range old {
		if old[i] != new[i] {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	if first < 0 {
		return byteRun{}, false
	}
	return byteRun{start: first, length: last - first + 1}, true
}

// prepare implements spec §4.5's Prepare: upgrade locks, build and durably
// write the recovery record, flip it VALID. Returns whether a durability
// barrier was actually written (false when the diff was empty, per the
// spec §9 open-question note that this is "safe but may surprise callers").
func (t *transaction) prepare() (wroteBarrier bool, err error) {
	if t.state == txPrepared {
		return false, nil
	}
	if t.poisoned {
		return false, newErr(EINVAL, "TransactionPrepareCommit", "", nil)
	}

	if err := t.ctx.locks.lockAllRecord(lockExclusive); err != nil {
		return false, err
	}
	if err := t.ctx.locks.lockOpen(); err != nil {
		t.ctx.locks.unlockAllRecord()
		return false, err
	}

	triples, err := t.diff()
	if err != nil {
		return false, t.failAndUnlock(err)
	}
	if len(triples) == 0 {
		t.state = txPrepared
		return false, nil
	}

	eof := t.ctx.txEOF
	if err := t.writeRecovery(recoveryInvalid, triples, eof); err != nil {
		return false, t.failAndUnlock(err)
	}
	if err := t.ctx.rawFiler().Sync(); err != nil {
		return false, t.failAndUnlock(err)
	}
	if err := t.flipRecoveryMagic(recoveryValid); err != nil {
		return false, t.failAndUnlock(err)
	}
	if err := t.ctx.rawFiler().Sync(); err != nil {
		return false, t.failAndUnlock(err)
	}

	t.state = txPrepared
	return true, nil
}

func (t *transaction) failAndUnlock(cause error) error {
	t.poison()
	t.ctx.locks.unlockOpen()
	t.ctx.locks.unlockAllRecord()
	return cause
}

// writeRecovery locates or allocates a recovery area and writes its fixed
// header plus payload triples (spec §4.5 step 4-5).
func (t *transaction) writeRecovery(magic uint64, triples []recoveryTriple, eof uint64) error {
	payload := make([]byte, 0, 64*len(triples))
	for _, tr := range triples {
		payload = append(payload, encodeRecoveryTriple(tr)...)
	}
	need := recoveryHeaderSize + len(payload)

	off := int64(t.ctx.header.RecoveryOffset)
	var capacity int64
	if off != 0 {
		c, err := t.readRecoveryCapacity(off)
		if err != nil {
			return err
		}
		capacity = c
		if capacity < int64(need) {
			if err := t.freeOldRecovery(off); err != nil {
				return err
			}
			off = 0
		}
	}
	if off == 0 {
		// Create the area at EOF, past any growth the transaction has
		// buffered, rounded up to a whole page.
		off = t.ctx.rawFiler().Size()
		if t.ctx.pendingSize > off {
			off = t.ctx.pendingSize
		}
		end := (off + usedHeaderSize + int64(need) + PageSize - 1) &^ (PageSize - 1)
		if err := t.ctx.rawFiler().Truncate(end); err != nil {
			return err
		}
		capacity = end - off - usedHeaderSize
		t.ctx.header.RecoveryOffset = uint64(off)
		// Persist the new recovery pointer to the on-disk header now, via
		// raw, so a crash between here and the VALID flip still lets a
		// reopen find and replay this record (spec §4.5 step 1).
		if err := t.ctx.writeHeaderRaw(); err != nil {
			return err
		}
	}

	rh := &recoveryHeader{Magic: magic, MaxLen: uint64(need - recoveryHeaderSize), Len: uint64(len(payload)), EOF: eof}
	body := append(encodeRecoveryHeader(rh), payload...)
	return t.ctx.rawAllocator.rewriteUsedPayloadPad(off, magicUsed, body, uint32(capacity-int64(len(body))))
}

// readRecoveryCapacity returns how many payload bytes (data plus padding)
// the recovery record at off can hold.
func (t *transaction) readRecoveryCapacity(off int64) (int64, error) {
	_, payload, err := t.ctx.rawAllocator.readUsedRecord(off)
	if err != nil {
		return 0, err
	}
	return int64(len(payload)), nil
}

func (t *transaction) freeOldRecovery(off int64) error {
	h, _, err := t.ctx.rawAllocator.readUsedRecord(off)
	if err != nil {
		return err
	}
	return t.ctx.rawAllocator.Free(off, h.TotalLen(), true)
}

func (t *transaction) flipRecoveryMagic(magic uint64) error {
	off := int64(t.ctx.header.RecoveryOffset)
	_, payload, err := t.ctx.rawAllocator.readUsedRecord(off)
	if err != nil {
		return err
	}
	copy(payload[0:8], encodeRecoveryHeader(&recoveryHeader{Magic: magic})[0:8])
	return t.ctx.rawAllocator.rewriteUsedPayload(off, magicUsed, payload)
}

// commit implements spec §4.5's Commit.
func (t *transaction) commit() error {
	if t.nested > 0 {
		t.nested--
		return nil
	}
	if t.state != txPrepared {
		if _, err := t.prepare(); err != nil {
			return err
		}
	}

	idxs := make([]int64, 0, len(t.pages))
	for idx := range t.pages {
		idxs = append(idxs, idx)
	}
	sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })

	if sz := t.ctx.rawFiler().Size(); t.ctx.pendingSize > sz {
		if err := t.ctx.rawFiler().Truncate(t.ctx.pendingSize); err != nil {
			return t.recoverAndFail(err)
		}
	}

	for _, idx := range idxs {
		pg := t.pages[idx]
		if _, err := t.ctx.rawFiler().WriteAt(pg.data, pageOffset(idx)); err != nil {
			return t.recoverAndFail(err)
		}
	}
	if err := t.ctx.rawFiler().Sync(); err != nil {
		return t.recoverAndFail(err)
	}

	if t.ctx.header.RecoveryOffset != 0 {
		if err := t.flipRecoveryMagic(recoveryInvalid); err != nil {
			return err
		}
		if err := t.ctx.rawFiler().Sync(); err != nil {
			return err
		}
		// Keep the header's own on-disk copy (in particular RecoveryOffset)
		// durably in sync at the transaction boundary.
		if err := t.ctx.writeHeaderRaw(); err != nil {
			return err
		}
	}

	t.teardown()
	return nil
}

func (t *transaction) recoverAndFail(cause error) error {
	replayRecovery(t.ctx)
	t.teardown()
	return cause
}

// cancel implements spec §4.5's Cancel.
func (t *transaction) cancel() error {
	if t.nested > 0 {
		t.nested--
		t.poison() // inner cancel poisons the outer, per spec §4.5
		return nil
	}
	if t.ctx.header.RecoveryOffset != 0 && t.state == txPrepared {
		t.flipRecoveryMagic(recoveryInvalid)
	}
	// Drop the transaction's in-memory header changes (e.g. a free table
	// created in the buffer) by reloading the header from the real file.
	buf := make([]byte, headerSize)
	if _, err := t.ctx.rawFiler().ReadAt(buf, 0); err == nil {
		if h, _, err := decodeHeader(buf); err == nil {
			*t.ctx.header = *h
		}
	}
	t.teardown()
	return nil
}

func (t *transaction) teardown() {
	t.ctx.locks.unlockOpen()
	t.ctx.locks.unlockAllRecord()
	t.state = txIdle
	t.pages = map[int64]*dirtyPage{}
	t.poisoned = false
}

// replayRecovery implements spec §4.5's on-open recovery replay: read the
// recovery record, and if its magic is VALID, rewrite every triple's
// old_bytes back to its offset, then invalidate.
func replayRecovery(ctx *context) error {
	if ctx.header.RecoveryOffset == 0 {
		return nil
	}
	if ctx.readOnly {
		return newErr(RDONLY, "replayRecovery", ctx.name, nil)
	}
	off := int64(ctx.header.RecoveryOffset)
	_, payload, err := ctx.rawAllocator.readUsedRecord(off)
	if err != nil {
		return err
	}
	if len(payload) < recoveryHeaderSize {
		return nil
	}
	rh := decodeRecoveryHeader(payload)
	if rh.Magic != recoveryValid {
		return nil
	}
	if ctx.readOnly {
		return newErr(RDONLY, "replayRecovery", ctx.name, nil)
	}

	body := payload[recoveryHeaderSize : recoveryHeaderSize+int(rh.Len)]
	pos := 0
	for pos < len(body) {
		o := binary.LittleEndian.Uint64(body[pos : pos+8])
		l := binary.LittleEndian.Uint64(body[pos+8 : pos+16])
		old := body[pos+16 : pos+16+int(l)]
		if _, err := ctx.filer.WriteAt(old, int64(o)); err != nil {
			return newErr(IO, "replayRecovery", ctx.name, err)
		}
		pos += 16 + int(l)
	}
	if err := ctx.filer.Sync(); err != nil {
		return newErr(IO, "replayRecovery", ctx.name, err)
	}

	if int64(rh.EOF) < ctx.filer.Size() {
		ctx.header.RecoveryOffset = 0
	}
	rh.Magic = recoveryInvalid
	copy(payload, encodeRecoveryHeader(rh)) // keep the padding: same total size
	if err := ctx.rawAllocator.rewriteUsedPayload(off, magicUsed, payload); err != nil {
		return err
	}
	return ctx.filer.Sync()
}
