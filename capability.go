package ntdb

// Capability flags, packed into the top 3 bits of a capability record's
// type field (spec §3). Capabilities with none of these bits set are
// unknown extensions and are ignored. Repack does not carry any capability
// record into the file it rewrites.
const (
	capFlagMask = capNoOpen | capNoWrite | capNoCheck
)

// capabilities holds the decoded, in-order list of capability records
// walked from the header's capability_head on open.
type capabilities struct {
	items []capItem
}

type capItem struct {
	off  int64
	rec  capRecord
}

// loadCapabilities walks the singly-linked capability list starting at
// head (spec §3's Capability record, §9's "open-ended extension
// mechanism").
func loadCapabilities(a *allocator, head uint64) (*capabilities, error) {
	c := &capabilities{}
	off := int64(head)
	for off != 0 {
		hdr, payload, err := a.readUsedRecord(off)
		if err != nil {
			return nil, err
		}
		if hdr.Magic != magicCap {
			return nil, newErr(Corrupt, "loadCapabilities", a.filer.Name(), nil)
		}
		rec := *decodeCapRecord(payload)
		c.items = append(c.items, capItem{off: off, rec: rec})
		off = int64(rec.Next)
	}
	return c, nil
}

// check evaluates the open-time gate: refuse to open at all (NOOPEN),
// refuse read-write (NOWRITE), or force a "can't fully check" mode
// (NOCHECK), per spec §3/§9.
func (c *capabilities) check(readOnly bool) (noCheck bool, err error) {
	for _, it := range c.items {
		t := it.rec.Type
		if t&capFlagMask == 0 {
			continue // unknown capability, no flags: ignored
		}
		if t&capNoOpen != 0 {
			return false, newErr(EINVAL, "open", "", nil)
		}
		if t&capNoWrite != 0 && !readOnly {
			return false, newErr(EINVAL, "open", "", nil)
		}
		if t&capNoCheck != 0 {
			noCheck = true
		}
	}
	return noCheck, nil
}
