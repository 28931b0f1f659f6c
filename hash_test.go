package ntdb

import "testing"

func TestDirectSlotEncodingRoundTrips(t *testing.T) {
	cases := []struct {
		off   uint64
		extra uint8
	}{
		{0, 0},
		{1, 0xFF},
		{1 << 40, 0x2A},
	}
	for _, c := range cases {
		slot := encodeDirectSlot(c.off, c.extra)
		if isChainSlot(slot) {
			t.Fatalf("direct slot for off=%d misencoded as a chain slot", c.off)
		}
		gotOff, gotExtra := decodeDirectSlot(slot)
		if gotOff != c.off || gotExtra != c.extra {
			t.Fatalf("off=%d extra=%d: got off=%d extra=%d", c.off, c.extra, gotOff, gotExtra)
		}
	}
}

func TestChainSlotEncodingRoundTrips(t *testing.T) {
	off := uint64(12345)
	slot := encodeChainSlot(off)
	if !isChainSlot(slot) {
		t.Fatal("chain slot not recognized as such")
	}
	if got := decodeChainSlot(slot); got != off {
		t.Fatalf("got %d, want %d", got, off)
	}
}

// A chain grows by reallocChain while its ExtraPad has no room for another
// 8-byte slot and by growChainInPlace once a reallocation leaves it enough
// padding; with 12 keys in one bucket both paths run, and every key must
// still be found and Check must pass.
func TestChainGrowsByReallocationAndInPlace(t *testing.T) {
	const n = 12
	constHash := func(data []byte, seed uint32) uint32 { return 7 }
	db, err := Open("", FlagInternal, 0, Attributes{Hash: constHash})
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	for i := 0; i < n; i++ {
		k := []byte{byte(i)}
		if err := db.Store(k, []byte{byte(i)}, ModeInsert); err != nil {
			t.Fatalf("store %d: %v", i, err)
		}
	}
	for i := 0; i < n; i++ {
		k := []byte{byte(i)}
		got, err := db.Fetch(k)
		if err != nil {
			t.Fatalf("fetch %d: %v", i, err)
		}
		if len(got) != 1 || got[0] != byte(i) {
			t.Fatalf("fetch %d: got %v", i, got)
		}
	}
	if _, err := db.Check(nil); err != nil {
		t.Fatalf("check: %v", err)
	}
}
