// Package daemon implements the fixed startup/run shape every driver
// process in this repository follows (§4.9):
//
//  1. parse argv, connect the PCI function channel named by
//     PCID_CLIENT_CHANNEL;
//  2. map BARs, allocate DMA structures, configure the device;
//  3. negotiate an interrupt delivery method;
//  4. open the driver's scheme socket;
//  5. signal readiness to the parent process;
//  6. run the event loop until the scheme closes;
//  7. deinitialize and exit.
//
// Grounded on the teacher's example/example.go (independent subsystems
// fanned out over goroutines and joined on first error/completion) and
// cmd/tamago/main.go's plain positional-argument CLI handling, generalized
// to the sequence and environment contract of SPEC_FULL.md §4.9/§6.
package daemon

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/redox-os/drivers-sub001/internal/memory"
	"github.com/redox-os/drivers-sub001/pci"
)

// ChannelEnvVar is the environment variable the parent broker process sets
// to the pre-opened PCI function channel file descriptor (§6).
const ChannelEnvVar = "PCID_CLIENT_CHANNEL"

// ReadyEnvVar, if set, names a file descriptor a daemon writes a single
// byte to once startup has completed successfully (step 5). Not every
// spawning parent wires one; Signal is a no-op when it is unset.
const ReadyEnvVar = "PCID_CLIENT_READY_FD"

// Args is the parsed positional command line every daemon in this
// repository takes: the PCI channel's scheme name (for logging; the
// channel fd itself always arrives via ChannelEnvVar) and the scheme name
// this daemon will expose its own disks/devices under (§4.9 step 1).
type Args struct {
	PciChannel string
	SchemeName string
}

// ParseArgs validates the fixed two-positional-argument shape of every
// daemon's command line (§4.9 step 1, §6).
func ParseArgs(argv []string) (Args, error) {
	if len(argv) != 2 {
		return Args{}, fmt.Errorf("daemon: usage: %s <pci-channel> <scheme-name>", os.Args[0])
	}
	return Args{PciChannel: argv[0], SchemeName: argv[1]}, nil
}

// ConnectPCI opens the channel fd named by ChannelEnvVar and performs the
// RequestConfig handshake (§4.9 step 1, §6).
func ConnectPCI() (*pci.ClientHandle, error) {
	fdStr := os.Getenv(ChannelEnvVar)
	if fdStr == "" {
		return nil, fmt.Errorf("daemon: %s not set", ChannelEnvVar)
	}

	fd, err := strconv.Atoi(fdStr)
	if err != nil {
		return nil, fmt.Errorf("daemon: parsing %s=%q: %w", ChannelEnvVar, fdStr, err)
	}

	channel := os.NewFile(uintptr(fd), "pci-channel")
	if channel == nil {
		return nil, fmt.Errorf("daemon: invalid channel fd %d", fd)
	}

	handle, err := pci.ConnectClient(channel)
	if err != nil {
		return nil, fmt.Errorf("daemon: connecting pci channel: %w", err)
	}
	return handle, nil
}

// MapBar maps bar's physical window as a DMA-capable pool (§4.9 step 2,
// §4.1). Only Memory32/Memory64 BARs are mappable; a PortIO or None BAR
// is a configuration error for every device this repository's daemons
// drive, since all of them are MMIO-register devices.
func MapBar(bar pci.Bar, memType memory.MemType) (*memory.PhysMapping, *memory.Pool, error) {
	var base uint64
	var size uint64

	switch bar.Kind {
	case pci.BarMemory32, pci.BarMemory64:
		base, size = bar.Addr, bar.Size
	default:
		return nil, nil, fmt.Errorf("daemon: bar is not memory-mapped: %s", bar)
	}

	mapping, err := memory.Physmap(base, uint(size), memory.RW, memType)
	if err != nil {
		return nil, nil, fmt.Errorf("daemon: mapping bar at %#x: %w", base, err)
	}

	return mapping, memory.NewPool(mapping), nil
}

// Signal performs step 5: tell the parent this daemon finished
// initialization and is ready to service its scheme. Grounded on
// original_source/pcid/src/driver_handler.rs's ready handshake, which the
// kernel daemon model performs over a dedicated descriptor rather than a
// signal; a missing ReadyEnvVar means the parent did not ask for one (e.g.
// interactive/manual invocation) and Signal is a silent no-op.
func Signal() {
	fdStr := os.Getenv(ReadyEnvVar)
	if fdStr == "" {
		return
	}

	fd, err := strconv.Atoi(fdStr)
	if err != nil {
		log.Printf("daemon: invalid %s=%q, skipping ready signal", ReadyEnvVar, fdStr)
		return
	}

	f := os.NewFile(uintptr(fd), "ready")
	if f == nil {
		return
	}
	defer f.Close()

	if _, err := f.Write([]byte{1}); err != nil {
		log.Printf("daemon: writing ready signal: %v", err)
	}
}

// Fatal logs a diagnostic and exits with a non-zero status (§6 "Exit
// codes: non-zero = initialization failure").
func Fatal(format string, args ...any) {
	log.Printf(format, args...)
	os.Exit(1)
}

// schemeVectorAllocator implements pci.VectorAllocator by opening the
// kernel's irq scheme (§6 "IRQ file"), a named external collaborator per
// §1. MSI/MSI-X vector allocation is modeled as opening the next
// sequential "/scheme/irq/<n>" path and deriving a message address/data
// pair that targets the bootstrap CPU, mirroring the fixed-APIC-ID
// addressing original_source's apic module performs; the exact vector/CPU
// routing scheme is the kernel's to assign and is out of scope here (§1).
type schemeVectorAllocator struct {
	next int
}

func (a *schemeVectorAllocator) AllocateMsiVector() (irq pci.IRQFD, address uint64, data uint32, err error) {
	path := fmt.Sprintf("/scheme/irq/%d", a.next)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("daemon: opening %s: %w", path, err)
	}

	vector := uint32(0x20 + a.next) // below the first 32 vectors are reserved for exceptions
	a.next++

	const msiBaseAddress = 0xfee00000 // fixed destination mode, bootstrap CPU (APIC id 0)
	return f, msiBaseAddress, vector, nil
}

func (a *schemeVectorAllocator) OpenLegacyIrq(line uint8) (pci.IRQFD, error) {
	path := fmt.Sprintf("/scheme/irq/%d", line)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("daemon: opening %s: %w", path, err)
	}
	return f, nil
}

// NewVectorAllocator returns the production pci.VectorAllocator every
// daemon in this repository negotiates interrupts through (§4.9 step 3).
func NewVectorAllocator() pci.VectorAllocator {
	return &schemeVectorAllocator{}
}
