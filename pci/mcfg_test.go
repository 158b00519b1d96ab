package pci

import (
	"encoding/binary"
	"testing"
)

// buildMCFG assembles a synthetic MCFG table (44-byte header, ignored here
// except for the length field at offset 4, followed by one 16-byte
// allocation structure per alloc) the way a firmware table would lay it
// out in memory.
func buildMCFG(allocs []McfgAlloc) []byte {
	table := make([]byte, mcfgHeaderLen+len(allocs)*mcfgAllocLen)
	binary.LittleEndian.PutUint32(table[4:8], uint32(len(table)))

	for i, a := range allocs {
		off := mcfgHeaderLen + i*mcfgAllocLen
		entry := table[off : off+mcfgAllocLen]
		binary.LittleEndian.PutUint64(entry[0:8], a.BaseAddr)
		binary.LittleEndian.PutUint16(entry[8:10], a.SegGroupNum)
		entry[10] = a.StartBus
		entry[11] = a.EndBus
	}

	return table
}

func TestParseMCFGRoundTrip(t *testing.T) {
	want := []McfgAlloc{
		{BaseAddr: 0xe0000000, SegGroupNum: 0, StartBus: 0, EndBus: 255},
		{BaseAddr: 0xf0000000, SegGroupNum: 1, StartBus: 0, EndBus: 63},
	}

	got, err := ParseMCFG(buildMCFG(want))
	if err != nil {
		t.Fatalf("ParseMCFG: %v", err)
	}

	if len(got) != len(want) {
		t.Fatalf("got %d allocations, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("allocation %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

// TestParseMCFGFieldsNotAliased pins down §9's documented source bug
// class: SegGroupNum, StartBus and EndBus must each come from their own
// byte range, not from whichever offset a copy-pasted line happens to
// reuse. A single allocation with three distinct non-zero values in those
// fields catches an aliasing regression immediately.
func TestParseMCFGFieldsNotAliased(t *testing.T) {
	alloc := McfgAlloc{BaseAddr: 0x1, SegGroupNum: 0x2233, StartBus: 0x44, EndBus: 0x55}

	got, err := ParseMCFG(buildMCFG([]McfgAlloc{alloc}))
	if err != nil {
		t.Fatalf("ParseMCFG: %v", err)
	}
	if got[0].SegGroupNum != 0x2233 {
		t.Fatalf("SegGroupNum = %#x, want %#x", got[0].SegGroupNum, 0x2233)
	}
	if got[0].StartBus != 0x44 {
		t.Fatalf("StartBus = %#x, want %#x", got[0].StartBus, 0x44)
	}
	if got[0].EndBus != 0x55 {
		t.Fatalf("EndBus = %#x, want %#x", got[0].EndBus, 0x55)
	}
}

func TestParseMCFGRejectsTruncatedHeader(t *testing.T) {
	if _, err := ParseMCFG(make([]byte, 10)); err == nil {
		t.Fatalf("ParseMCFG() on a truncated header succeeded, want error")
	}
}

func TestParseMCFGRejectsMisalignedBody(t *testing.T) {
	table := buildMCFG([]McfgAlloc{{BaseAddr: 1}})
	// Truncate the table length to split the one allocation structure
	// in half, producing a body that is not a multiple of mcfgAllocLen.
	binary.LittleEndian.PutUint32(table[4:8], uint32(mcfgHeaderLen+8))

	if _, err := ParseMCFG(table[:mcfgHeaderLen+8]); err == nil {
		t.Fatalf("ParseMCFG() on a misaligned allocation region succeeded, want error")
	}
}

func TestParseMCFGNoAllocations(t *testing.T) {
	got, err := ParseMCFG(buildMCFG(nil))
	if err != nil {
		t.Fatalf("ParseMCFG: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d allocations, want 0", len(got))
	}
}
