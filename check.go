package ntdb

import "encoding/binary"

// check.go implements spec §4.6, generalizing lldb/falloc.go's Verify (a
// linear scan that classifies every block, then cross-validates the free
// lists against a bitmap scratchpad) from atom-addressed blocks to the
// spec's byte-offset records and its hash table/chain structure.

// CheckStats summarizes a successful Check, mirroring the style of
// lldb.AllocStats.
type CheckStats struct {
	UsedRecords int64
	FreeRecords int64
	DeadBytes   int64
	Warnings    []string
}

// RecordPredicate is invoked once per decoded (key, value) pair during
// Check, spec §4.6 step 5.
type RecordPredicate func(key, value []byte) error

// Check walks the whole database under a shared all-record lock plus the
// expansion lock and validates every invariant in spec §4.6. pred may be
// nil.
func (c *context) Check(pred RecordPredicate) (*CheckStats, error) {
	if err := c.locks.lockAllRecord(lockShared); err != nil {
		return nil, err
	}
	defer c.locks.unlockAllRecord()
	if err := c.locks.lockExpansion(lockShared); err != nil {
		return nil, err
	}
	defer c.locks.unlockExpansion()

	stats := &CheckStats{}

	noCheck, err := c.caps.check(true)
	if err != nil {
		return nil, err
	}
	if noCheck {
		stats.Warnings = append(stats.Warnings, "a NOCHECK capability is present; check cannot fully validate this database")
		return stats, nil
	}

	size := c.filer.Size()
	used := map[int64]bool{}
	free := map[int64]bool{}

	off := int64(headerSize)
	for off < size {
		deadBefore := stats.DeadBytes
		n, isFree, err := c.classify(off, size, stats)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			break
		}
		if isFree {
			free[off] = false // seen=false until walked below
		} else if stats.DeadBytes == deadBefore {
			used[off] = false
		}
		off += n
	}

	if err := c.walkFreeTables(free, stats); err != nil {
		return nil, err
	}
	for _, seen := range free {
		if !seen {
			return nil, newErr(Corrupt, "Check", c.name, nil)
		}
	}

	if err := c.walkHash(used, pred, stats); err != nil {
		return nil, err
	}
	// Every used-set offset except free-tables, capabilities, the recovery
	// record, and the hash-table record itself must have been visited.
	ftOff := int64(c.header.FreeTableOffset)
	recOff := int64(c.header.RecoveryOffset)
	for off, seen := range used {
		if seen || off == ftOff || off == c.hash.tableOff || (recOff != 0 && off == recOff) {
			continue
		}
		if c.isCapabilityOffset(off) {
			continue
		}
		return nil, newErr(Corrupt, "Check", c.name, nil)
	}

	return stats, nil
}

func (c *context) isCapabilityOffset(off int64) bool {
	for _, it := range c.caps.items {
		if it.off == off {
			return true
		}
	}
	return false
}

// classify reads the record at off and returns its total length and
// whether it is free. Dead space (spec §4.6 step 2: runs of 0x00 or the
// fill byte) is consumed one byte at a time: each such byte yields a
// length of 1 and is counted in DeadBytes.
func (c *context) classify(off, size int64, stats *CheckStats) (int64, bool, error) {
	peek := make([]byte, 1)
	if _, err := c.filer.ReadAt(peek, off); err != nil {
		return 0, false, newErr(IO, "Check", c.name, err)
	}
	if peek[0] == magicFree {
		// A free record's first byte is its magic (0xFE); the full magic
		// word is validated by readFreeRecord.
		fh, err := c.allocator.readFreeRecord(off)
		if err != nil {
			return 0, false, err
		}
		n := recordSize(fh)
		if off+n > size {
			return 0, false, newErr(Corrupt, "Check", c.name, nil)
		}
		stats.FreeRecords++
		return n, true, nil
	}
	if peek[0] == 0x00 || peek[0] == fillByte {
		stats.DeadBytes++
		return 1, false, nil
	}

	h, _, err := c.allocator.readUsedRecord(off)
	if err != nil {
		return 0, false, err
	}
	if c.header.RecoveryOffset != 0 && off == int64(c.header.RecoveryOffset) {
		n := h.TotalLen()
		if off+n > size {
			return 0, false, newErr(Corrupt, "Check", c.name, nil)
		}
		return n, false, nil
	}
	switch h.Magic {
	case magicUsed, magicHashTbl, magicChain, magicFTable, magicCap:
		n := h.TotalLen()
		if off+n > size {
			return 0, false, newErr(Corrupt, "Check", c.name, nil)
		}
		if h.Magic == magicUsed {
			stats.UsedRecords++
		}
		return n, false, nil
	}
	return 0, false, newErr(Corrupt, "Check", c.name, nil)
}

func (c *context) walkFreeTables(free map[int64]bool, stats *CheckStats) error {
	off := int64(c.header.FreeTableOffset)
	for off != 0 {
		t, err := loadFTable(c.allocator, off)
		if err != nil {
			return err
		}
		for b, head := range t.rec.Buckets {
			cur := int64(head)
			for cur != 0 {
				fh, err := c.allocator.readFreeRecord(cur)
				if err != nil {
					return err
				}
				if int(fh.FIndex) != b {
					return newErr(Corrupt, "Check", c.name, nil)
				}
				if _, ok := free[cur]; !ok {
					return newErr(Corrupt, "Check", c.name, nil)
				}
				free[cur] = true
				cur = int64(fh.Next)
			}
		}
		off = int64(t.rec.Next)
	}
	return nil
}

func (c *context) walkHash(used map[int64]bool, pred RecordPredicate, stats *CheckStats) error {
	n := int64(c.hash.tableSize())
	for b := int64(0); b < n; b++ {
		slotOff := c.hash.slotOffset(uint64(b))
		slot, err := c.hash.readSlot(slotOff)
		if err != nil {
			return err
		}
		if slot == 0 {
			continue
		}
		if !isChainSlot(slot) {
			recOff, extra := decodeDirectSlot(slot)
			if err := c.checkUsedSlot(int64(recOff), uint64(b), extra, used, pred); err != nil {
				return err
			}
			continue
		}
		chainOff := int64(decodeChainSlot(slot))
		if _, ok := used[chainOff]; !ok {
			return newErr(Corrupt, "Check", c.name, nil)
		}
		used[chainOff] = true
		_, payload, err := c.allocator.readUsedRecord(chainOff)
		if err != nil {
			return err
		}
		for i := 0; i*8 < len(payload); i++ {
			v := binary.LittleEndian.Uint64(payload[i*8 : i*8+8])
			if v == 0 {
				continue
			}
			recOff, extra := decodeDirectSlot(v)
			if err := c.checkUsedSlot(int64(recOff), uint64(b), extra, used, pred); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *context) checkUsedSlot(off int64, bucket uint64, extra uint8, used map[int64]bool, pred RecordPredicate) error {
	if _, ok := used[off]; !ok {
		return newErr(Corrupt, "Check", c.name, nil)
	}
	used[off] = true
	h, key, data, err := c.allocator.readUsedKeyData(off)
	if err != nil {
		return err
	}
	if h.Magic != magicUsed {
		return newErr(Corrupt, "Check", c.name, nil)
	}
	want := c.hash.hashFn(key, uint32(c.header.HashSeed))
	wantBucket := uint64(want) & (c.hash.tableSize() - 1)
	wantExtra := uint8(want >> c.header.HashBits)
	if wantBucket != bucket || wantExtra != extra {
		return newErr(Corrupt, "Check", c.name, nil)
	}
	if pred != nil {
		if err := pred(key, data); err != nil {
			return err
		}
	}
	return nil
}
