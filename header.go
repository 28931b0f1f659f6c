package ntdb

import (
	"bytes"
	"encoding/binary"
)

// On-disk layout constants (spec §3, §6).
const (
	// PageSize is the minimum allocation unit; the file size is always a
	// non-zero multiple of it.
	PageSize = 16384

	// magic is written literally, never endian-converted.
	magicString = "NTDB file\n"
	magicLen    = 64

	// formatVersion is the only version this implementation understands.
	formatVersion uint64 = 1

	// fillByte defeats sparse-file surprises on ENOSPC and marks dead
	// space at EOF for the checker.
	fillByte = 0x43

	// steal is the number of extra hash bits packed into the top byte of
	// a hash-slot offset; it bounds the addressable file size to 2^56.
	steal = 8

	// defaultHashBits yields 2^13 = 8192 top-level slots.
	defaultHashBits = 13

	headerSize = 256 // fixed size, well within one page, rest reserved
)

// Header mirrors the on-disk file header at offset 0 (spec §3).
type Header struct {
	Version         uint64
	HashBits        uint64
	HashTest        uint64
	HashSeed        uint64
	FreeTableOffset uint64
	RecoveryOffset  uint64
	FeaturesUsed    uint64
	FeaturesOffered uint64
	Seqnum          uint64
	CapabilityHead  uint64
}

// encodeHeader writes h into a headerSize-byte buffer in the given byte
// order. The magic is always written literally, regardless of order.
func encodeHeader(h *Header, order binary.ByteOrder) []byte {
	buf := make([]byte, headerSize)
	copy(buf[0:magicLen], paddedMagic())
	off := magicLen
	for _, v := range []uint64{
		h.Version, h.HashBits, h.HashTest, h.HashSeed,
		h.FreeTableOffset, h.RecoveryOffset, h.FeaturesUsed,
		h.FeaturesOffered, h.Seqnum, h.CapabilityHead,
	} {
		order.PutUint64(buf[off:off+8], v)
		off += 8
	}
	return buf
}

// decodeHeader parses a headerSize-byte buffer. It returns the detected
// byte order (by checking which order makes Version == formatVersion) and
// the decoded header, or an error if neither order produces a known
// version or the magic does not match.
func decodeHeader(buf []byte) (*Header, binary.ByteOrder, error) {
	if len(buf) < headerSize {
		return nil, nil, newErr(Corrupt, "decodeHeader", "", nil)
	}
	if !bytes.Equal(buf[0:magicLen], paddedMagic()) {
		return nil, nil, newErr(Corrupt, "decodeHeader", "", nil)
	}
	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		h := decodeHeaderOrder(buf, order)
		if h.Version == formatVersion {
			return h, order, nil
		}
	}
	return nil, nil, newErr(Corrupt, "decodeHeader", "", nil)
}

func decodeHeaderOrder(buf []byte, order binary.ByteOrder) *Header {
	off := magicLen
	next := func() uint64 {
		v := order.Uint64(buf[off : off+8])
		off += 8
		return v
	}
	return &Header{
		Version:         next(),
		HashBits:        next(),
		HashTest:        next(),
		HashSeed:        next(),
		FreeTableOffset: next(),
		RecoveryOffset:  next(),
		FeaturesUsed:    next(),
		FeaturesOffered: next(),
		Seqnum:          next(),
		CapabilityHead:  next(),
	}
}

func paddedMagic() []byte {
	b := make([]byte, magicLen)
	copy(b, magicString)
	return b
}
