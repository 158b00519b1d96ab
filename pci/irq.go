package pci

import (
	"encoding/binary"
	"fmt"
)

// IRQFile is the opaque interrupt-vector handle returned by interrupt
// negotiation (§4.3, §6): reading it yields an 8-byte little-endian count
// of pending interrupts since the last read; writing back the same value
// acknowledges delivery (meaningful only for level-triggered INTx#).
//
// Grounded on original_source/pcid/src/driver_interface/mod.rs's irq
// handle contract and generalized here behind an interface so MSI/MSI-X
// vectors (backed by the kernel's event queue, no acknowledgement needed)
// and INTx# (backed by a real level-triggered irq file) share one type at
// the call site.
type IRQFile interface {
	// ReadCount blocks until at least one interrupt has occurred since the
	// last read and returns the cumulative count.
	ReadCount() (uint64, error)
	// Acknowledge echoes count back to the kernel, deasserting a
	// level-triggered line. It is a no-op for edge-triggered MSI/MSI-X.
	Acknowledge(count uint64) error
	Close() error

	// Read and Write give package reactor and package xhci's IRQ-driven
	// loops the raw 8-byte-counter io.ReadWriter view they drive their
	// mask/drain/unmask bracket off, without either package importing
	// pci. Read is ReadCount with the count written into p rather than
	// returned; Write is Acknowledge with the count parsed from p.
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

// irqFile wraps a file-like descriptor (the kernel's per-vector irq
// scheme file, §6) with the 8-byte counter read/write framing.
type irqFile struct {
	rw interface {
		Read([]byte) (int, error)
		Write([]byte) (int, error)
		Close() error
	}
	levelTriggered bool
}

func (f *irqFile) ReadCount() (uint64, error) {
	var buf [8]byte
	if _, err := f.rw.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("pci: irq file read: %w", err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (f *irqFile) Acknowledge(count uint64) error {
	if !f.levelTriggered {
		return nil
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], count)
	if _, err := f.rw.Write(buf[:]); err != nil {
		return fmt.Errorf("pci: irq file ack: %w", err)
	}
	return nil
}

func (f *irqFile) Close() error { return f.rw.Close() }

func (f *irqFile) Read(p []byte) (int, error) {
	count, err := f.ReadCount()
	if err != nil {
		return 0, err
	}
	binary.LittleEndian.PutUint64(p[:8], count)
	return 8, nil
}

func (f *irqFile) Write(p []byte) (int, error) {
	if err := f.Acknowledge(binary.LittleEndian.Uint64(p[:8])); err != nil {
		return 0, err
	}
	return 8, nil
}

// IRQFD is the narrow capability NewIRQFile needs from its caller: a
// kernel-opened irq scheme file descriptor. Implemented by *os.File in
// production; tests supply an in-memory stand-in.
type IRQFD interface {
	Read([]byte) (int, error)
	Write([]byte) (int, error)
	Close() error
}

// NewIRQFile wraps fd as an IRQFile. levelTriggered selects whether
// Acknowledge performs the write-back (true only for INTx#, §4.3).
func NewIRQFile(fd IRQFD, levelTriggered bool) IRQFile {
	return &irqFile{rw: fd, levelTriggered: levelTriggered}
}

// InterruptMethod names which delivery mechanism a negotiation settled on.
type InterruptMethod int

const (
	MethodMsiX InterruptMethod = iota
	MethodMsi
	MethodIntx
)

func (m InterruptMethod) String() string {
	switch m {
	case MethodMsiX:
		return "msi-x"
	case MethodMsi:
		return "msi"
	case MethodIntx:
		return "intx"
	default:
		return "unknown"
	}
}

// VectorAllocator opens the kernel irq scheme file backing one allocated
// MSI/MSI-X vector or, for INTx#, the function's legacy_interrupt_line.
// Named interface per spec.md §1's "external collaborators"; the broker
// process supplies the real implementation, tests a fake one.
type VectorAllocator interface {
	// AllocateMsiVector reserves one MSI/MSI-X vector targeting the
	// bootstrap CPU and returns its irq file plus the {address, data} pair
	// to program into the capability/table entry.
	AllocateMsiVector() (irq IRQFD, address uint64, data uint32, err error)
	// OpenLegacyIrq opens the irq scheme file for a legacy INTx# line.
	OpenLegacyIrq(line uint8) (IRQFD, error)
}

// Negotiate implements §4.3's fixed preference order against a function
// already returned by a broker Scan: MSI-X, then MSI, then INTx#. On
// success it has fully enabled the chosen mechanism on fn (mirroring
// EnableFeature's "disable the other mechanism first" invariant) and
// returns the irq handle the caller should read from its event loop.
//
// Grounded on spec.md §4.3 and original_source's driver_handler.rs
// EnableFeature handlers (disable-then-enable-the-other-one), generalized
// into the single ordered decision a daemon's startup sequence (§4.9 step
// 3) makes once.
func Negotiate(fn *Function, va VectorAllocator, msixTable []byte) (IRQFile, InterruptMethod, error) {
	if _, ok := fn.findCapability(CapMSIX); ok {
		irq, addr, data, err := va.AllocateMsiVector()
		if err != nil {
			return nil, 0, fmt.Errorf("pci: allocating msi-x vector: %w", err)
		}
		if err := ProgramMsixEntry(msixTable, 0, MsixEntry{Address: addr, Data: data, Masked: false}); err != nil {
			return nil, 0, fmt.Errorf("pci: programming msi-x table: %w", err)
		}
		if err := fn.EnableFeature(FeatureMsiX); err != nil {
			return nil, 0, fmt.Errorf("pci: enabling msi-x: %w", err)
		}
		return NewIRQFile(irq, false), MethodMsiX, nil
	}

	if _, ok := fn.findCapability(CapMSI); ok {
		irq, addr, data, err := va.AllocateMsiVector()
		if err != nil {
			return nil, 0, fmt.Errorf("pci: allocating msi vector: %w", err)
		}
		msgData := uint16(data)
		msgAddr := addr
		if err := fn.SetMsiFeatureInfo(MsiSetFeatureInfo{MessageAddress: &msgAddr, MessageData: &msgData}); err != nil {
			return nil, 0, fmt.Errorf("pci: programming msi message: %w", err)
		}
		if err := fn.EnableFeature(FeatureMsi); err != nil {
			return nil, 0, fmt.Errorf("pci: enabling msi: %w", err)
		}
		return NewIRQFile(irq, false), MethodMsi, nil
	}

	if fn.LegacyInterruptLine == nil {
		return nil, 0, fmt.Errorf("pci: function %s has no MSI, MSI-X or legacy interrupt line", fn.Addr)
	}

	irq, err := va.OpenLegacyIrq(fn.LegacyInterruptLine.Irq)
	if err != nil {
		return nil, 0, fmt.Errorf("pci: opening legacy irq line %d: %w", fn.LegacyInterruptLine.Irq, err)
	}
	return NewIRQFile(irq, true), MethodIntx, nil
}

// NegotiateClient is Negotiate's subdriver-side counterpart: a driver
// process has only a ClientHandle (the broker owns the *Function), so it
// walks the same MSI-X/MSI/INTx# preference order over FetchAllFeatures/
// FeatureInfo/EnableFeature/SetFeatureInfo instead of touching fn directly
// (§4.9 step 3). mapMsixTable is invoked with the MSI-X capability's
// {TableBar, TableOff} once MSI-X is the chosen mechanism, so the caller
// can map that BAR (it alone knows how its driver process maps BARs,
// §4.9 step 2) and hand back the table's byte window for entry 0 to be
// programmed into.
func NegotiateClient(h *ClientHandle, va VectorAllocator, mapMsixTable func(info MsixInfo) ([]byte, error)) (IRQFile, InterruptMethod, error) {
	features, err := h.FetchAllFeatures()
	if err != nil {
		return nil, 0, fmt.Errorf("pci: requesting features: %w", err)
	}

	hasFeature := func(want Feature) bool {
		for _, f := range features {
			if f == want {
				return true
			}
		}
		return false
	}

	if hasFeature(FeatureMsiX) {
		infoAny, err := h.FeatureInfo(FeatureMsiX)
		if err != nil {
			return nil, 0, fmt.Errorf("pci: msi-x feature info: %w", err)
		}
		info, ok := infoAny.(MsixInfo)
		if !ok {
			return nil, 0, fmt.Errorf("pci: msi-x feature info: unexpected type %T", infoAny)
		}

		irq, addr, data, err := va.AllocateMsiVector()
		if err != nil {
			return nil, 0, fmt.Errorf("pci: allocating msi-x vector: %w", err)
		}

		table, err := mapMsixTable(info)
		if err != nil {
			return nil, 0, fmt.Errorf("pci: mapping msi-x table: %w", err)
		}
		if err := ProgramMsixEntry(table, 0, MsixEntry{Address: addr, Data: data, Masked: false}); err != nil {
			return nil, 0, fmt.Errorf("pci: programming msi-x table: %w", err)
		}

		if err := h.EnableFeature(FeatureMsiX); err != nil {
			return nil, 0, fmt.Errorf("pci: enabling msi-x: %w", err)
		}
		return NewIRQFile(irq, false), MethodMsiX, nil
	}

	if hasFeature(FeatureMsi) {
		irq, addr, data, err := va.AllocateMsiVector()
		if err != nil {
			return nil, 0, fmt.Errorf("pci: allocating msi vector: %w", err)
		}

		msgData := uint16(data)
		msgAddr := addr
		if err := h.SetFeatureInfo(SetFeatureRequest{
			Feature: FeatureMsi,
			Msi:     MsiSetFeatureInfo{MessageAddress: &msgAddr, MessageData: &msgData},
		}); err != nil {
			return nil, 0, fmt.Errorf("pci: programming msi message: %w", err)
		}
		if err := h.EnableFeature(FeatureMsi); err != nil {
			return nil, 0, fmt.Errorf("pci: enabling msi: %w", err)
		}
		return NewIRQFile(irq, false), MethodMsi, nil
	}

	cfg := h.Config()
	if cfg.LegacyIrq == nil {
		return nil, 0, fmt.Errorf("pci: function %s has no MSI, MSI-X or legacy interrupt line", cfg.Addr)
	}

	irq, err := va.OpenLegacyIrq(cfg.LegacyIrq.Irq)
	if err != nil {
		return nil, 0, fmt.Errorf("pci: opening legacy irq line %d: %w", cfg.LegacyIrq.Irq, err)
	}
	return NewIRQFile(irq, true), MethodIntx, nil
}
