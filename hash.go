package ntdb

import "encoding/binary"

// hashInfo ("hash cursor", spec §3) carries the state produced by a lookup
// so a subsequent insert can reuse it without recomputing the hash or
// re-walking the chain.
type hashInfo struct {
	hash     uint32
	bucket   uint64 // top-level bucket index
	atTop    bool   // cursor currently addresses the top-level slot
	slotOff  int64  // offset of the slot word that was examined (top table or chain payload)
	chainOff int64  // offset of the chain record, if the cursor descended into one
	chainIdx int    // index within the chain payload, if atTop is false
	found    bool
	foundOff int64 // offset of the matching used record, if found
	insertAt int64 // slot offset to write into on insert (== slotOff or the first empty chain slot)
}

type hashIndex struct {
	a        *allocator
	locks    *ctxLocks
	header   *Header
	hashFn   HashFunc
	tableOff int64 // fixed, immediately after the header
}

func newHashIndex(a *allocator, locks *ctxLocks, header *Header, hashFn HashFunc) *hashIndex {
	return &hashIndex{a: a, locks: locks, header: header, hashFn: hashFn, tableOff: headerSize}
}

func (x *hashIndex) tableSize() uint64 { return uint64(1) << x.header.HashBits }

func (x *hashIndex) slotOffset(bucket uint64) int64 {
	return x.tableOff + usedHeaderSize + int64(bucket)*8
}

func (x *hashIndex) readSlot(off int64) (uint64, error) {
	buf := make([]byte, 8)
	if _, err := x.a.filer.ReadAt(buf, off); err != nil {
		return 0, newErr(IO, "readSlot", x.a.filer.Name(), err)
	}
	return binary.LittleEndian.Uint64(buf), nil
}

func (x *hashIndex) writeSlot(off int64, v uint64) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	if _, err := x.a.filer.WriteAt(buf, off); err != nil {
		return newErr(IO, "writeSlot", x.a.filer.Name(), err)
	}
	return nil
}

// findAndLock implements spec §4.4's find_and_lock: it hashes key, takes
// the hash-bucket lock in mode, and walks the top-level slot and, if
// present, its chain, comparing extra bits before ever reading a used
// record's key bytes.
func (x *hashIndex) findAndLock(key []byte, mode lockMode) (*hashInfo, error) {
	h := x.hashFn(key, uint32(x.header.HashSeed))
	bucket := uint64(h) & (x.tableSize() - 1)
	extra := uint8(h >> x.header.HashBits)

	if err := x.locks.lockHashBucket(bucket, mode); err != nil {
		return nil, err
	}

	info := &hashInfo{hash: h, bucket: bucket, atTop: true, slotOff: x.slotOffset(bucket)}

	slot, err := x.readSlot(info.slotOff)
	if err != nil {
		x.locks.unlockHashBucket(bucket)
		return nil, err
	}
	if slot == 0 {
		info.insertAt = info.slotOff
		return info, nil
	}
	if !isChainSlot(slot) {
		slotOff, slotExtra := decodeDirectSlot(slot)
		if slotExtra != extra {
			info.insertAt = info.slotOff
			return info, nil
		}
		match, err := x.keyMatches(int64(slotOff), key)
		if err != nil {
			x.locks.unlockHashBucket(bucket)
			return nil, err
		}
		if match {
			info.found = true
			info.foundOff = int64(slotOff)
			return info, nil
		}
		info.insertAt = info.slotOff
		return info, nil
	}

	chainOff := int64(decodeChainSlot(slot))
	info.atTop = false
	info.chainOff = chainOff
	return x.scanChain(info, key, extra)
}

func (x *hashIndex) scanChain(info *hashInfo, key []byte, extra uint8) (*hashInfo, error) {
	chdr, payload, err := x.a.readUsedRecord(info.chainOff)
	if err != nil {
		return nil, err
	}
	if chdr.Magic != magicChain {
		return nil, newErr(Corrupt, "scanChain", x.a.filer.Name(), nil)
	}
	payload = payload[:chdr.DataLen] // slots only; padding is growth room
	n := len(payload) / 8
	firstEmpty := -1
	for i := 0; i < n; i++ {
		v := binary.LittleEndian.Uint64(payload[i*8 : i*8+8])
		if v == 0 {
			if firstEmpty < 0 {
				firstEmpty = i
			}
			continue
		}
		slotOff, slotExtra := decodeDirectSlot(v)
		if slotExtra != extra {
			continue
		}
		match, err := x.keyMatches(int64(slotOff), key)
		if err != nil {
			return nil, err
		}
		if match {
			info.found = true
			info.foundOff = int64(slotOff)
			info.chainIdx = i
			return info, nil
		}
	}
	if firstEmpty < 0 {
		firstEmpty = n // append
	}
	info.chainIdx = firstEmpty
	info.insertAt = info.chainOff + usedHeaderSize + int64(firstEmpty)*8
	return info, nil
}

func (x *hashIndex) keyMatches(off int64, key []byte) (bool, error) {
	h, rkey, _, err := x.a.readUsedKeyData(off)
	if err != nil {
		return false, err
	}
	if h.Magic != magicUsed {
		return false, newErr(Corrupt, "keyMatches", x.a.filer.Name(), nil)
	}
	if len(rkey) != len(key) {
		return false, nil
	}
	for i := range key {
		if rkey[i] != key[i] {
			return false, nil
		}
	}
	return true, nil
}

func (x *hashIndex) unlock(info *hashInfo) { x.locks.unlockHashBucket(info.bucket) }

// addToHash implements spec §4.4's add_to_hash, writing newOff into the
// position the preceding findAndLock cursor identified, promoting a direct
// slot collision into a new 2-slot chain, or growing/reallocating an
// existing chain as needed.
func (x *hashIndex) addToHash(info *hashInfo, newOff int64) error {
	extra := uint8(info.hash >> x.header.HashBits)
	newSlot := encodeDirectSlot(uint64(newOff), extra)

	if info.atTop {
		existing, err := x.readSlot(info.slotOff)
		if err != nil {
			return err
		}
		switch {
		case existing == 0:
			// Empty slot.
			return x.writeSlot(info.slotOff, newSlot)
		case info.found:
			// Same key being replaced in place (offset may be unchanged
			// or may have moved, e.g. on realloc).
			return x.writeSlot(info.slotOff, newSlot)
		default:
			// Direct-slot collision at top level: promote to a 2-slot chain.
			return x.promoteToChain(info.bucket, existing, newSlot)
		}
	}

	// Inside a chain.
	chdr, payload, err := x.a.readUsedRecord(info.chainOff)
	if err != nil {
		return err
	}
	payload = payload[:chdr.DataLen] // slots only; padding is growth room
	n := len(payload) / 8
	if info.chainIdx < n {
		binary.LittleEndian.PutUint64(payload[info.chainIdx*8:info.chainIdx*8+8], newSlot)
		if _, err := x.a.filer.WriteAt(payload, info.chainOff+usedHeaderSize); err != nil {
			return newErr(IO, "addToHash", x.a.filer.Name(), err)
		}
		return nil
	}
	// Need room for one more slot: grow in place if padding allows,
	// otherwise reallocate.
	if chdr.ExtraPad >= 8 {
		return x.growChainInPlace(info.chainOff, chdr, payload, newSlot)
	}
	return x.reallocChain(info.bucket, info.chainOff, chdr, payload, newSlot)
}

func (x *hashIndex) growChainInPlace(chainOff int64, chdr *usedHeader, payload []byte, newSlot uint64) error {
	newPayload := append(payload, make([]byte, 8)...)
	binary.LittleEndian.PutUint64(newPayload[len(payload):len(payload)+8], newSlot)
	return x.a.rewriteUsedPayloadPad(chainOff, magicChain, newPayload, chdr.ExtraPad-8)
}

func (x *hashIndex) reallocChain(bucket uint64, oldOff int64, chdr *usedHeader, payload []byte, newSlot uint64) error {
	n := len(payload)/8 + 1
	newPayload := make([]byte, n*8)
	copy(newPayload, payload)
	binary.LittleEndian.PutUint64(newPayload[(n-1)*8:n*8], newSlot)

	newOff, extraPad, err := x.a.Alloc(usedHeaderSize + int64(len(newPayload)))
	if err != nil {
		return err
	}
	if err := x.a.writeUsedRecord(newOff, magicChain, nil, newPayload, extraPad); err != nil {
		return err
	}
	if err := x.writeSlot(x.slotOffset(bucket), encodeChainSlot(uint64(newOff))); err != nil {
		return err
	}
	return x.a.Free(oldOff, chdr.TotalLen(), true)
}

func (x *hashIndex) promoteToChain(bucket uint64, existingSlot, newSlot uint64) error {
	payload := make([]byte, 16)
	binary.LittleEndian.PutUint64(payload[0:8], existingSlot)
	binary.LittleEndian.PutUint64(payload[8:16], newSlot)
	off, extraPad, err := x.a.Alloc(usedHeaderSize + 16)
	if err != nil {
		return err
	}
	if err := x.a.writeUsedRecord(off, magicChain, nil, payload, extraPad); err != nil {
		return err
	}
	return x.writeSlot(x.slotOffset(bucket), encodeChainSlot(uint64(off)))
}

// deleteSlot implements deletion: write 0 into the slot found by a prior
// findAndLock. Chains are never shrunk, per spec §4.4, to keep concurrent
// traversal stable.
func (x *hashIndex) deleteSlot(info *hashInfo) error {
	if info.atTop {
		return x.writeSlot(info.slotOff, 0)
	}
	return x.writeSlot(info.chainOff+usedHeaderSize+int64(info.chainIdx)*8, 0)
}

