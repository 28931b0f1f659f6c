package ntdb

import (
	"encoding/binary"
	"fmt"
)

// summary.go renders Summary's human-readable report, grounded on
// ccan/ntdb/summary.c's summarize()/ntdb_summary(): a single linear scan
// over every on-disk record, tallying size distributions per record kind.
// The terminal histograms summary.c renders via ccan/tally are dropped —
// nothing in this pack provides that rendering, and the plain min/avg/max
// counters carry the same information for a library API.

// tally accumulates count/min/max/sum for a size distribution.
type tally struct {
	count, min, max, sum int64
}

func (t *tally) add(v int64) {
	if t.count == 0 || v < t.min {
		t.min = v
	}
	if t.count == 0 || v > t.max {
		t.max = v
	}
	t.sum += v
	t.count++
}

func (t *tally) avg() int64 {
	if t.count == 0 {
		return 0
	}
	return t.sum / t.count
}

// summaryStats mirrors the fields of summary.c's SUMMARY_FORMAT.
type summaryStats struct {
	fileSize                                      int64
	keys, data, padding, free, uncoalesced, chains tally
	usedRecords, freeRecords, ftableRecords        int64
	hashRecords, capRecords                        int64
	hashUsed, hashSlots                            uint64
	capabilities                                   []string
}

// computeSummary walks every record the way Check's classify does, but
// tallies size distributions instead of cross-validating structure. It
// trusts the file is well-formed; run Check first if that matters.
func (c *context) computeSummary() (*summaryStats, error) {
	if err := c.locks.lockAllRecord(lockShared); err != nil {
		return nil, err
	}
	defer c.locks.unlockAllRecord()
	if err := c.locks.lockExpansion(lockShared); err != nil {
		return nil, err
	}
	defer c.locks.unlockExpansion()

	st := &summaryStats{fileSize: c.filer.Size(), hashSlots: c.hash.tableSize()}
	size := st.fileSize

	var run int64
	off := int64(headerSize)
	for off < size {
		peek := make([]byte, 1)
		if _, err := c.filer.ReadAt(peek, off); err != nil {
			return nil, newErr(IO, "Summary", c.name, err)
		}
		if peek[0] == magicFree {
			if fh, err := c.allocator.readFreeRecord(off); err == nil {
				n := recordSize(fh)
				st.free.add(n - freeHeaderSize)
				st.freeRecords++
				run++
				off += n
				continue
			}
		}
		if peek[0] == 0x00 || peek[0] == fillByte {
			if run > 1 {
				st.uncoalesced.add(run)
			}
			run = 0
			off++
			continue
		}
		if run > 1 {
			st.uncoalesced.add(run)
		}
		run = 0

		h, payload, err := c.allocator.readUsedRecord(off)
		if err != nil {
			return nil, err
		}
		switch h.Magic {
		case magicUsed:
			st.usedRecords++
			st.keys.add(int64(h.KeyLen))
			st.data.add(int64(h.DataLen))
			st.padding.add(int64(h.ExtraPad))
		case magicHashTbl:
			st.hashRecords++
			st.hashUsed = countNonzeroSlots(payload)
			st.padding.add(int64(h.ExtraPad))
		case magicChain:
			st.chains.add(int64(len(payload) / 8))
			st.padding.add(int64(h.ExtraPad))
		case magicFTable:
			st.ftableRecords++
			st.padding.add(int64(h.ExtraPad))
		case magicCap:
			st.capRecords++
			st.capabilities = append(st.capabilities, capabilityLabel(payload))
		}
		off += h.TotalLen()
	}
	if run > 1 {
		st.uncoalesced.add(run)
	}
	return st, nil
}

func countNonzeroSlots(payload []byte) uint64 {
	var n uint64
	for i := 0; i*8 < len(payload); i++ {
		if binary.LittleEndian.Uint64(payload[i*8:i*8+8]) != 0 {
			n++
		}
	}
	return n
}

func capabilityLabel(payload []byte) string {
	if len(payload) < 16 {
		return "?"
	}
	rec := decodeCapRecord(payload)
	id := rec.Type &^ capFlagMask
	switch {
	case rec.Type&capNoOpen != 0:
		return fmt.Sprintf("%#x (unopenable)", id)
	case rec.Type&capNoWrite != 0 && rec.Type&capNoCheck != 0:
		return fmt.Sprintf("%#x (uncheckable,read-only)", id)
	case rec.Type&capNoWrite != 0:
		return fmt.Sprintf("%#x (read-only)", id)
	case rec.Type&capNoCheck != 0:
		return fmt.Sprintf("%#x (uncheckable)", id)
	default:
		return fmt.Sprintf("%#x", id)
	}
}

// String renders the stats the way summary.c's SUMMARY_FORMAT does.
func (s *summaryStats) String() string {
	out := fmt.Sprintf(
		"Size of file/data: %d/%d\n"+
			"Number of records: %d\n"+
			"Smallest/average/largest keys: %d/%d/%d\n"+
			"Smallest/average/largest data: %d/%d/%d\n"+
			"Smallest/average/largest padding: %d/%d/%d\n"+
			"Number of free records: %d\n"+
			"Smallest/average/largest free records: %d/%d/%d\n"+
			"Number of uncoalesced runs: %d\n"+
			"Smallest/average/largest uncoalesced runs: %d/%d/%d\n"+
			"Toplevel hash used: %d of %d\n"+
			"Number of hash chains: %d\n"+
			"Smallest/average/largest hash chains: %d/%d/%d\n",
		s.fileSize, s.keys.sum+s.data.sum,
		s.usedRecords,
		s.keys.min, s.keys.avg(), s.keys.max,
		s.data.min, s.data.avg(), s.data.max,
		s.padding.min, s.padding.avg(), s.padding.max,
		s.freeRecords,
		s.free.min, s.free.avg(), s.free.max,
		s.uncoalesced.count,
		s.uncoalesced.min, s.uncoalesced.avg(), s.uncoalesced.max,
		s.hashUsed, s.hashSlots,
		s.chains.count,
		s.chains.min, s.chains.avg(), s.chains.max,
	)
	for _, c := range s.capabilities {
		out += fmt.Sprintf("Capability %s\n", c)
	}
	return out
}
