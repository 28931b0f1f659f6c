package ntdb

import "encoding/binary"

// Record magics (spec §3). Values are arbitrary but distinct; USED/HTABLE/
// CHAIN/FTABLE/CAP all share the "used record" header shape, FREE has its
// own. RECOVERY reuses the used-record shape too (magicUsed), carrying its
// own recoveryHeader as the payload; recoveryValid/recoveryInvalid is that
// payload's validity flag, not a separate top-level magic.
const (
	magicUsed    uint16 = 0x5544 // "UD" - plain used record (a value)
	magicHashTbl uint16 = 0x4854 // "HT" - top level hash table
	magicChain   uint16 = 0x4348 // "CH"
	magicFTable  uint16 = 0x4654 // "FT"
	magicCap     uint16 = 0x4341 // "CA"
	magicFree    uint8  = 0xFE

	recoveryInvalid uint64 = 0
	recoveryValid   uint64 = 1

	// ftableNone marks a free record as transiently not on any bucket
	// list during coalescing.
	ftableNone uint8 = 0xFF

	usedHeaderSize = 16 // two 64-bit words
	freeHeaderSize = 24 // magic_and_prev, ftidx_and_len, next
	freeTailerSize = 8
	// minFreeRecordSize is the smallest a free record may be: header +
	// tailer. Any used record's total size must be at least this, so it
	// can always be turned into a free record in place (spec §3).
	minFreeRecordSize = freeHeaderSize + freeTailerSize
)

// usedHeader is the decoded form of the two-word used-record header.
type usedHeader struct {
	Magic       uint16
	KeyLenBits  uint8 // key length occupies KeyLenBits*2 bits of word2
	ExtraPad    uint32
	DataLen     uint64
	KeyLen      uint64
}

// TotalLen is sizeof(header) + key_len + data_len + extra_padding.
func (h *usedHeader) TotalLen() int64 {
	return usedHeaderSize + int64(h.KeyLen) + int64(h.DataLen) + int64(h.ExtraPad)
}

// chooseKeyLenBits picks the smallest key_len_bits (a 5-bit field; values
// 1..28 are tried) such that keyLen fits in KeyLenBits*2 bits and the
// remaining 64-KeyLenBits*2 bits are still enough for dataLen. It reports
// false when no value fits; it never panics.
func chooseKeyLenBits(keyLen, dataLen uint64) (uint8, bool) {
	for b := uint8(1); b <= 28; b++ {
		keyBits := uint(b) * 2
		if keyBits >= 64 {
			break
		}
		if keyLen>>keyBits != 0 {
			continue
		}
		dataBits := 64 - keyBits
		if dataBits < 64 && dataLen>>dataBits != 0 {
			continue
		}
		return b, true
	}
	return 0, false
}

func encodeUsedHeader(h *usedHeader) []byte {
	buf := make([]byte, usedHeaderSize)
	w1 := uint64(h.Magic) | uint64(h.KeyLenBits)<<16 | uint64(h.ExtraPad)<<21
	keyBits := uint(h.KeyLenBits) * 2
	w2 := h.DataLen<<keyBits | h.KeyLen
	binary.LittleEndian.PutUint64(buf[0:8], w1)
	binary.LittleEndian.PutUint64(buf[8:16], w2)
	return buf
}

func decodeUsedHeader(buf []byte) *usedHeader {
	w1 := binary.LittleEndian.Uint64(buf[0:8])
	w2 := binary.LittleEndian.Uint64(buf[8:16])
	magic := uint16(w1 & 0xFFFF)
	keyLenBits := uint8((w1 >> 16) & 0x1F)
	extraPad := uint32((w1 >> 21) & 0xFFFFFFFF)
	keyBits := uint(keyLenBits) * 2
	var keyMask uint64
	if keyBits < 64 {
		keyMask = (uint64(1) << keyBits) - 1
	} else {
		keyMask = ^uint64(0)
	}
	keyLen := w2 & keyMask
	var dataLen uint64
	if keyBits < 64 {
		dataLen = w2 >> keyBits
	}
	return &usedHeader{
		Magic:      magic,
		KeyLenBits: keyLenBits,
		ExtraPad:   extraPad,
		DataLen:    dataLen,
		KeyLen:     keyLen,
	}
}

// freeHeader is the decoded form of a free record's header (3 words) plus
// its trailing tailer (length, repeated).
type freeHeader struct {
	Prev   uint64 // 56 bits
	FIndex uint8
	Length uint64 // 56 bits, not including header
	Next   uint64
}

func encodeFreeHeader(h *freeHeader) []byte {
	buf := make([]byte, freeHeaderSize)
	w1 := uint64(magicFree) | (h.Prev&((1<<56)-1))<<8
	w2 := uint64(h.FIndex) | (h.Length&((1<<56)-1))<<8
	binary.LittleEndian.PutUint64(buf[0:8], w1)
	binary.LittleEndian.PutUint64(buf[8:16], w2)
	binary.LittleEndian.PutUint64(buf[16:24], h.Next)
	return buf
}

func decodeFreeHeader(buf []byte) (*freeHeader, bool) {
	w1 := binary.LittleEndian.Uint64(buf[0:8])
	w2 := binary.LittleEndian.Uint64(buf[8:16])
	next := binary.LittleEndian.Uint64(buf[16:24])
	if uint8(w1&0xFF) != magicFree {
		return nil, false
	}
	return &freeHeader{
		Prev:   (w1 >> 8) & ((1 << 56) - 1),
		FIndex: uint8(w2 & 0xFF),
		Length: (w2 >> 8) & ((1 << 56) - 1),
		Next:   next,
	}, true
}

func encodeTailer(length uint64) []byte {
	buf := make([]byte, freeTailerSize)
	binary.LittleEndian.PutUint64(buf, length)
	return buf
}

func decodeTailer(buf []byte) uint64 {
	return binary.LittleEndian.Uint64(buf)
}

// recoveryHeader is the fixed portion of a recovery record (spec §3, §4.5).
type recoveryHeader struct {
	Magic  uint64
	MaxLen uint64
	Len    uint64
	EOF    uint64
}

const recoveryHeaderSize = 32

func encodeRecoveryHeader(h *recoveryHeader) []byte {
	buf := make([]byte, recoveryHeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.Magic)
	binary.LittleEndian.PutUint64(buf[8:16], h.MaxLen)
	binary.LittleEndian.PutUint64(buf[16:24], h.Len)
	binary.LittleEndian.PutUint64(buf[24:32], h.EOF)
	return buf
}

func decodeRecoveryHeader(buf []byte) *recoveryHeader {
	return &recoveryHeader{
		Magic:  binary.LittleEndian.Uint64(buf[0:8]),
		MaxLen: binary.LittleEndian.Uint64(buf[8:16]),
		Len:    binary.LittleEndian.Uint64(buf[16:24]),
		EOF:    binary.LittleEndian.Uint64(buf[24:32]),
	}
}

// recoveryTriple is one (offset, length, old_bytes) entry in a recovery
// record's payload.
type recoveryTriple struct {
	Offset  uint64
	Length  uint64
	OldData []byte
}

func encodeRecoveryTriple(t recoveryTriple) []byte {
	buf := make([]byte, 16+len(t.OldData))
	binary.LittleEndian.PutUint64(buf[0:8], t.Offset)
	binary.LittleEndian.PutUint64(buf[8:16], t.Length)
	copy(buf[16:], t.OldData)
	return buf
}

// ftableRecord is the decoded payload of a free-table record (spec §3).
const freeBuckets = 56 // FREE_BUCKETS = 64 - 8

type ftableRecord struct {
	Next    uint64
	Buckets [freeBuckets]uint64
}

func ftableRecordSize() int { return 8 + freeBuckets*8 }

func encodeFTableRecord(r *ftableRecord) []byte {
	buf := make([]byte, ftableRecordSize())
	binary.LittleEndian.PutUint64(buf[0:8], r.Next)
	for i, b := range r.Buckets {
		binary.LittleEndian.PutUint64(buf[8+i*8:16+i*8], b)
	}
	return buf
}

func decodeFTableRecord(buf []byte) *ftableRecord {
	r := &ftableRecord{Next: binary.LittleEndian.Uint64(buf[0:8])}
	for i := range r.Buckets {
		r.Buckets[i] = binary.LittleEndian.Uint64(buf[8+i*8 : 16+i*8])
	}
	return r
}

// capability record type flags (top 3 bits of the 64-bit type field).
const (
	capNoOpen  uint64 = 1 << 63
	capNoWrite uint64 = 1 << 62
	capNoCheck uint64 = 1 << 61
)

type capRecord struct {
	Type uint64
	Next uint64
}

func encodeCapRecord(c *capRecord) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], c.Type)
	binary.LittleEndian.PutUint64(buf[8:16], c.Next)
	return buf
}

func decodeCapRecord(buf []byte) *capRecord {
	return &capRecord{
		Type: binary.LittleEndian.Uint64(buf[0:8]),
		Next: binary.LittleEndian.Uint64(buf[8:16]),
	}
}

// Hash slot encoding (spec §4.4): bit 0 is the chain bit; if clear, bits
// [1:56) are the used-record offset and the top 8 bits [56:64) are extra
// hash bits; if set, bits [1:64) are the chain-record offset.
const chainBit uint64 = 1

func encodeDirectSlot(off uint64, extra uint8) uint64 {
	return (off << 1) | (uint64(extra) << 56)
}

func decodeDirectSlot(slot uint64) (off uint64, extra uint8) {
	off = (slot >> 1) & ((1 << 55) - 1)
	extra = uint8(slot >> 56)
	return
}

func encodeChainSlot(off uint64) uint64 {
	return (off << 1) | chainBit
}

func decodeChainSlot(slot uint64) uint64 {
	return (slot >> 1)
}

func isChainSlot(slot uint64) bool { return slot&chainBit != 0 }
