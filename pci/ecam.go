package pci

import (
	"fmt"

	"github.com/redox-os/drivers-sub001/internal/memory"
)

// EcamAccessor is a ConfigAccessor backed by a memory-mapped Enhanced
// Configuration Access Mechanism window (§4.2 option (a), preferred over
// both the device-tree and legacy fallbacks). Each segment group gets its
// own window, mapped uncacheable over [startBus, endBus]; a function's
// configuration space starts at (bus-startBus)<<20 | device<<15 |
// function<<12 within it, per the PCI Express base specification.
//
// Grounded on the teacher's soc/intel/pci package, which assumes a single
// fixed ECAM window; generalized here to a per-segment table built by the
// broker from the platform's MCFG table.
type EcamAccessor struct {
	startBus uint8
	endBus   uint8
	mapping  *memory.PhysMapping
}

// NewEcamAccessor maps the ECAM window described by an MCFG allocation
// entry: physBase is the 64-bit base address, startBus/endBus the bus
// range it covers.
func NewEcamAccessor(physBase uint64, startBus, endBus uint8) (*EcamAccessor, error) {
	nBuses := uint(endBus) - uint(startBus) + 1
	length := nBuses << 20 // 1 MiB per bus (32 devices * 8 functions * 4 KiB)

	m, err := memory.Physmap(physBase, length, memory.RW, memory.Uncacheable)
	if err != nil {
		return nil, fmt.Errorf("pci: mapping ecam window %#x..%#x: %w", startBus, endBus, err)
	}

	return &EcamAccessor{startBus: startBus, endBus: endBus, mapping: m}, nil
}

func (e *EcamAccessor) offsetFor(addr Address, off uint16) (uint, error) {
	if addr.Bus < e.startBus || addr.Bus > e.endBus {
		return 0, fmt.Errorf("pci: bus %d outside ecam window [%d,%d]", addr.Bus, e.startBus, e.endBus)
	}
	busRel := uint(addr.Bus - e.startBus)
	return busRel<<20 | uint(addr.Device)<<15 | uint(addr.Function)<<12 | uint(off), nil
}

func (e *EcamAccessor) Read32(addr Address, off uint16) uint32 {
	o, err := e.offsetFor(addr, off)
	if err != nil {
		return 0xffffffff
	}
	cell := memory.NewCell32(e.mapping.Bytes(), o)
	return cell.Read()
}

func (e *EcamAccessor) Write32(addr Address, off uint16, val uint32) {
	o, err := e.offsetFor(addr, off)
	if err != nil {
		return
	}
	cell := memory.NewCell32(e.mapping.Bytes(), o)
	cell.Write(val)
}

func (e *EcamAccessor) Close() error {
	return e.mapping.Close()
}
