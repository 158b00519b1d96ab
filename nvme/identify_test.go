package nvme

import (
	"encoding/binary"
	"testing"
)

func TestParseIdentifyController(t *testing.T) {
	buf := make([]byte, 4096)
	binary.LittleEndian.PutUint16(buf[0:], 0x1af4)
	binary.LittleEndian.PutUint16(buf[2:], 0x1af4)
	copy(buf[4:24], []byte("SN00000001"))
	copy(buf[24:64], []byte("Virtual NVMe Drive"))
	copy(buf[64:72], []byte("1.0"))
	binary.LittleEndian.PutUint32(buf[516:], 4)

	got := parseIdentifyController(buf)

	if got.VendorID != 0x1af4 {
		t.Errorf("VendorID = %#x, want 0x1af4", got.VendorID)
	}
	if got.SerialNumber != "SN00000001" {
		t.Errorf("SerialNumber = %q, want %q", got.SerialNumber, "SN00000001")
	}
	if got.ModelNumber != "Virtual NVMe Drive" {
		t.Errorf("ModelNumber = %q, want %q", got.ModelNumber, "Virtual NVMe Drive")
	}
	if got.Firmware != "1.0" {
		t.Errorf("Firmware = %q, want %q", got.Firmware, "1.0")
	}
	if got.NumNamespaces != 4 {
		t.Errorf("NumNamespaces = %d, want 4", got.NumNamespaces)
	}
}

func TestParseIdentifyNamespaceBlockSize(t *testing.T) {
	buf := make([]byte, 4096)
	binary.LittleEndian.PutUint64(buf[0:], 1<<20) // NSZE
	binary.LittleEndian.PutUint64(buf[8:], 1<<20) // NCAP
	buf[25] = 1                                   // NLBAF = 1 -> 2 formats
	buf[26] = 1                                   // FLBAS = format 1

	// format 0: 512-byte blocks
	binary.LittleEndian.PutUint16(buf[128:], 0)
	buf[130] = 9 // 2^9 = 512

	// format 1: 4096-byte blocks
	binary.LittleEndian.PutUint16(buf[132:], 0)
	buf[134] = 12 // 2^12 = 4096

	ns := parseIdentifyNamespace(buf)

	if ns.Size != 1<<20 {
		t.Errorf("Size = %d, want %d", ns.Size, 1<<20)
	}
	if ns.Formats != 2 {
		t.Fatalf("Formats = %d, want 2", ns.Formats)
	}
	if ns.Formatted != 1 {
		t.Errorf("Formatted = %d, want 1", ns.Formatted)
	}
	if got := ns.BlockSize(); got != 4096 {
		t.Errorf("BlockSize() = %d, want 4096", got)
	}
}

func TestIdentifyNamespaceBlockSizeFallsBackToDefault(t *testing.T) {
	ns := IdentifyNamespace{Formatted: 3} // no LBAFormat entries at all
	if got := ns.BlockSize(); got != 512 {
		t.Errorf("BlockSize() = %d, want 512", got)
	}
}

func TestTrimAscii(t *testing.T) {
	cases := []struct {
		in   []byte
		want string
	}{
		{[]byte("hello   "), "hello"},
		{[]byte{'a', 0, 0, 0}, "a"},
		{[]byte("    "), ""},
		{[]byte("exact"), "exact"},
	}
	for _, c := range cases {
		if got := trimAscii(c.in); got != c.want {
			t.Errorf("trimAscii(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
