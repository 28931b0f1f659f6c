package ntdb

import "github.com/cespare/xxhash/v2"

// hashplugins.go wires in the pack's other hash-shaped dependency,
// github.com/cespare/xxhash/v2, as a second ready-made HashFunc alongside
// the mandatory default. Spec §6 explicitly allows "any other function
// may be plugged in via attribute", provided the header's hash_test field
// is recomputed for it; this is that extension point.

// XXHash64Seeded adapts cespare/xxhash's streaming 64-bit hash into the
// 32-bit HashFunc shape the engine requires, folding the upper and lower
// halves together. cespare/xxhash/v2 has no seed parameter of its own, so
// the seed is folded in by hashing it as a 4-byte little-endian prefix
// ahead of data. It is offered as an alternative to the default Jenkins
// hash_stable for callers who prefer a faster, more thoroughly vetted
// general-purpose hash and do not need bit-for-bit compatibility with the
// spec's own reference hash.
func XXHash64Seeded(data []byte, seed uint32) uint32 {
	d := xxhash.New()
	var seedBuf [4]byte
	seedBuf[0] = byte(seed)
	seedBuf[1] = byte(seed >> 8)
	seedBuf[2] = byte(seed >> 16)
	seedBuf[3] = byte(seed >> 24)
	d.Write(seedBuf[:])
	d.Write(data)
	sum := d.Sum64()
	return uint32(sum) ^ uint32(sum>>32)
}
