package aml

import (
	"log"
	"time"

	"github.com/redox-os/drivers-sub001/pci"
)

// Handler bundles the physical-memory page cache with the non-memory
// bridge operations an AML interpreter needs (§4.8, §4.10 "AML non-AML
// bridge functions"): port I/O, PCI config access, timing and mutex
// primitives.
type Handler struct {
	Pages *PageCache
	io    pci.PortIO

	epoch time.Time
}

// NewHandler returns a Handler with a fresh, empty page cache and its
// boot-relative clock epoch captured at construction time.
func NewHandler() *Handler {
	return &Handler{Pages: NewPageCache(), epoch: time.Now()}
}

// InU8/OutU8/InU16/OutU16/InU32/OutU32 bridge the AML IN/OUT opcodes to
// x86 port I/O (§4.10). On non-amd64 builds pci.PortIO returns
// ErrPortIOUnsupported for every call: where the original's non-x86 stub
// logs and returns zero, this repository surfaces an explicit error
// instead of a silently wrong zero read.
func (h *Handler) InU8(port uint16) (uint8, error) { return h.io.In8(port) }
func (h *Handler) OutU8(port uint16, val uint8) error {
	return h.io.Out8(port, val)
}
func (h *Handler) InU16(port uint16) (uint16, error) { return h.io.In16(port) }
func (h *Handler) OutU16(port uint16, val uint16) error {
	return h.io.Out16(port, val)
}
func (h *Handler) InU32(port uint16) (uint32, error) { return h.io.In32(port) }
func (h *Handler) OutU32(port uint16, val uint32) error {
	return h.io.Out32(port, val)
}

// ReadPciU8/16/32 and WritePciU8/16/32 bridge AML's PCI config access
// opcodes. The source stubs this (§9 "Open questions": "PCI config access
// (currently stub-logged)") and this implementation preserves that
// behavior exactly rather than inventing real config-space semantics for
// it: every call is logged and reads return zero.
func (h *Handler) ReadPciU8(addr pci.Address, off uint16) uint8 {
	log.Printf("aml: stub pci config read u8 %s@%#x", addr, off)
	return 0
}

func (h *Handler) ReadPciU16(addr pci.Address, off uint16) uint16 {
	log.Printf("aml: stub pci config read u16 %s@%#x", addr, off)
	return 0
}

func (h *Handler) ReadPciU32(addr pci.Address, off uint16) uint32 {
	log.Printf("aml: stub pci config read u32 %s@%#x", addr, off)
	return 0
}

func (h *Handler) WritePciU8(addr pci.Address, off uint16, val uint8) {
	log.Printf("aml: stub pci config write u8 %s@%#x = %#x", addr, off, val)
}

func (h *Handler) WritePciU16(addr pci.Address, off uint16, val uint16) {
	log.Printf("aml: stub pci config write u16 %s@%#x = %#x", addr, off, val)
}

func (h *Handler) WritePciU32(addr pci.Address, off uint16, val uint32) {
	log.Printf("aml: stub pci config write u32 %s@%#x = %#x", addr, off, val)
}

// NanosSinceBoot returns nanoseconds elapsed since the Handler was
// constructed, standing in for the original's CLOCK_MONOTONIC read
// (§4.10).
func (h *Handler) NanosSinceBoot() uint64 {
	return uint64(time.Since(h.epoch).Nanoseconds())
}

// Stall busy-waits for microseconds, never yielding the OS thread — the
// same spin-wait discipline the teacher's kvm/gvnic reg.WaitFor uses for
// sub-millisecond hardware waits, and what the original's stall() does
// with std::hint::spin_loop (§4.10).
func (h *Handler) Stall(microseconds uint64) {
	deadline := time.Now().Add(time.Duration(microseconds) * time.Microsecond)
	for time.Now().Before(deadline) {
	}
}

// Sleep cooperatively yields the calling goroutine for milliseconds
// (§4.10).
func (h *Handler) Sleep(milliseconds uint64) {
	time.Sleep(time.Duration(milliseconds) * time.Millisecond)
}
