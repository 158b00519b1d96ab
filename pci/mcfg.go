package pci

import (
	"encoding/binary"
	"fmt"
)

// mcfgHeaderLen is the ACPI SDT header (36 bytes) plus the MCFG table's own
// 8-byte reserved field preceding the first allocation structure.
const mcfgHeaderLen = 44

// mcfgAllocLen is the size of one MCFG "Configuration Space Base Address
// Allocation Structure" (PCI Firmware Specification §4.1.2).
const mcfgAllocLen = 16

// ParseMCFG decodes the raw bytes of a firmware-provided MCFG ACPI table
// (§4.2: "parse the firmware-provided configuration table (MCFG) to find
// {base_addr, segment, start_bus, end_bus} windows") into the allocation
// entries NewBroker consumes. data is the full table including its
// standard ACPI SDT header; only the header's length field is trusted, the
// rest (signature, checksum) is the firmware/ACPI layer's concern (§1
// "external collaborators").
//
// Each allocation structure is decoded as the PCI Firmware Specification
// lays it out — {BaseAddress u64, PciSegmentGroup u16, StartBus u8, EndBus
// u8, Reserved u32}. §9's open question about the source's
// `len_bytes = type_bytes` copy-paste typo concerns a different ACPI table
// (DMAR, out of this repository's scope per §1) but names the same class
// of mistake this parser must avoid: every field below is sliced from its
// own distinct byte range (SegGroupNum at [8:10], StartBus at [10], EndBus
// at [11]) rather than two fields being read from the same offset.
func ParseMCFG(data []byte) ([]McfgAlloc, error) {
	if len(data) < mcfgHeaderLen {
		return nil, fmt.Errorf("pci: MCFG table too short: %d bytes", len(data))
	}

	tableLen := binary.LittleEndian.Uint32(data[4:8])
	if int(tableLen) > len(data) {
		return nil, fmt.Errorf("pci: MCFG table length %d exceeds buffer of %d bytes", tableLen, len(data))
	}
	data = data[:tableLen]

	body := data[mcfgHeaderLen:]
	if len(body)%mcfgAllocLen != 0 {
		return nil, fmt.Errorf("pci: MCFG allocation region is %d bytes, not a multiple of %d", len(body), mcfgAllocLen)
	}

	var allocs []McfgAlloc
	for off := 0; off+mcfgAllocLen <= len(body); off += mcfgAllocLen {
		entry := body[off : off+mcfgAllocLen]
		allocs = append(allocs, McfgAlloc{
			BaseAddr:    binary.LittleEndian.Uint64(entry[0:8]),
			SegGroupNum: binary.LittleEndian.Uint16(entry[8:10]),
			StartBus:    entry[10],
			EndBus:      entry[11],
		})
	}

	return allocs, nil
}
