package pci

// Capability IDs (PCI Code and ID Assignment Specification, revision 1.11).
// Names carried verbatim from the teacher's soc/intel/pci/capability.go.
const (
	CapNull           = 0x00
	CapPower          = 0x01
	CapAGP            = 0x02
	CapVPD            = 0x03
	CapSlotID         = 0x04
	CapMSI            = 0x05
	CapHotSwap        = 0x06
	CapPCIX           = 0x07
	CapHyperTransport = 0x08
	CapVendorSpecific = 0x09
	CapDebug          = 0x0a
	CapCompactPCI     = 0x0b
	CapHotPlug        = 0x0c
	CapBridge         = 0x0d
	CapAGP8x          = 0x0e
	CapSecure         = 0x0f
	CapPCIe           = 0x10
	CapMSIX           = 0x11
	CapSATA           = 0x12
	CapAF             = 0x13
	CapEA             = 0x14
)

// Capability is the common header of a capability-list entry plus its
// config-space offset, kept (not just iterated) so the broker can answer
// RequestFeatures/FeatureInfo without re-walking config space.
type Capability struct {
	ID     uint8
	Next   uint8
	Offset uint16
}

// walkCapabilities iterates the function's capability linked list starting
// at the header's capability pointer, grounded on
// soc/intel/pci/capability.go's Capabilities iterator.
func (f *Function) walkCapabilities() []Capability {
	if f.read32(offCommandStatus)>>16&(1<<4) == 0 {
		// Capabilities List bit (status register bit 4) clear: no list.
		return nil
	}

	var caps []Capability

	ptrOff := uint16(offCapPointer0)
	off := uint8(f.read32(ptrOff)) & 0xfc

	seen := make(map[uint8]bool)

	for off != 0 && !seen[off] {
		seen[off] = true

		val := f.read32(uint16(off))
		caps = append(caps, Capability{
			ID:     uint8(val),
			Next:   uint8(val >> 8),
			Offset: uint16(off),
		})

		off = uint8(val>>8) & 0xfc
	}

	return caps
}

// findCapability returns the first capability of the given ID, if present.
func (f *Function) findCapability(id uint8) (Capability, bool) {
	for _, c := range f.Capabilities {
		if c.ID == id {
			return c, true
		}
	}
	return Capability{}, false
}
