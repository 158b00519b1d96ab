package xhci

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/redox-os/drivers-sub001/internal/memory"
)

// Capability register offsets, relative to BAR0 (xHCI 1.2 §5.3).
const (
	capCAPLENGTH  = 0x00
	capHCIVERSION = 0x02
	capHCSPARAMS1 = 0x04
	capHCCPARAMS1 = 0x10
	capDBOFF      = 0x14
	capRTSOFF     = 0x18
)

// Operational register offsets, relative to opBase = BAR0[CAPLENGTH:].
const (
	opUSBCMD  = 0x00
	opUSBSTS  = 0x04
	opCONFIG  = 0x38
	opDCBAAP  = 0x30
	opCRCR    = 0x18
)

// USBCMD bits.
const (
	usbcmdRunStop = 1 << 0
	usbcmdHCReset = 1 << 1
	usbcmdINTE    = 1 << 2
)

// USBSTS bits.
const (
	usbstsHCHalted = 1 << 0
	usbstsCNR      = 1 << 11 // Controller Not Ready
)

// Interrupter register offsets, relative to runtimeBase + 0x20 + 32*n.
const (
	irIMAN  = 0x00
	irIMOD  = 0x04
	irERSTSZ = 0x08
	irERSTBA = 0x10
	irERDP  = 0x18
)

const imanInterruptPending = 1 << 0
const imanInterruptEnable = 1 << 1

// CRCR bits.
const (
	crcrRCS = 1 << 0 // ring cycle state, mirrors the command ring's initial cycle
	crcrCS  = 1 << 2 // command stop
	crcrCA  = 1 << 3 // command abort
	crcrCRR = 1 << 3 // command ring running (read-only, same bit position on read)
)

// ResetTimeout bounds CNR clearing after an HC reset (§8 scenario 1:
// "ensure CNR clears within 100ms").
var ResetTimeout = 100 * time.Millisecond

// Controller owns the mapped BAR0 register windows (capability, operational,
// runtime, doorbell) and the command/event rings.
type Controller struct {
	bar0 []byte
	pool *memory.Pool

	capLen    uint32
	rtsOff    uint32
	dbOff     uint32
	hccParams uint32
	maxSlots  uint8

	opBase      []byte
	runtimeBase []byte
	doorbells   []byte

	cmdRing *Ring
	evtRing *EventRing

	slots map[uint8]*Slot

	*reactorState

	maskVector   func()
	unmaskVector func()
}

// StartReactor wires irqFile as the controller's IRQ source (§4.6 "IRQ
// reactor (xHCI-specific)"). Call once, after Reset, before spawning Run
// on its own goroutine (§4.9 step 6).
func (c *Controller) StartReactor(irqFile io.ReadWriter, intx bool) {
	c.initReactor(irqFile, intx)
}

// New wraps an already-mapped BAR0 window and decodes the capability
// register block (CAPLENGTH, RTSOFF, DBOFF, HCCPARAMS1, HCSPARAMS1.MaxSlots
// — §4.6 "Capability / operational / runtime / doorbell regions").
func New(bar0 []byte, pool *memory.Pool) *Controller {
	c := &Controller{
		bar0:  bar0,
		pool:  pool,
		slots: make(map[uint8]*Slot),
	}

	capLenVer := binary.LittleEndian.Uint32(bar0[capCAPLENGTH:])
	c.capLen = capLenVer & 0xff

	hcsparams1 := binary.LittleEndian.Uint32(bar0[capHCSPARAMS1:])
	c.maxSlots = uint8(hcsparams1)

	c.hccParams = binary.LittleEndian.Uint32(bar0[capHCCPARAMS1:])
	c.rtsOff = binary.LittleEndian.Uint32(bar0[capRTSOFF:]) &^ 0x1f
	c.dbOff = binary.LittleEndian.Uint32(bar0[capDBOFF:]) &^ 0x3

	c.opBase = bar0[c.capLen:]
	c.runtimeBase = bar0[c.rtsOff:]
	c.doorbells = bar0[c.dbOff:]

	return c
}

// MaxSlots returns HCSPARAMS1.MaxSlots, the value programmed into
// CONFIG.MaxSlotsEn during Reset (§8 scenario 1).
func (c *Controller) MaxSlots() uint8 { return c.maxSlots }

// Context64 reports HCCPARAMS1's 64-byte-context-size bit.
func (c *Controller) Context64() bool { return c.hccParams&(1<<2) != 0 }

func (c *Controller) usbcmd() uint32    { return binary.LittleEndian.Uint32(c.opBase[opUSBCMD:]) }
func (c *Controller) setUsbcmd(v uint32) { binary.LittleEndian.PutUint32(c.opBase[opUSBCMD:], v) }
func (c *Controller) usbsts() uint32    { return binary.LittleEndian.Uint32(c.opBase[opUSBSTS:]) }

// Reset performs the host-controller reset sequence of §8 scenario 1:
// stop the controller, issue HCReset, wait for CNR to clear, program
// CONFIG.MaxSlotsEn, DCBAAP, and CRCR with the command ring's base address
// and initial cycle state, then run.
func (c *Controller) Reset(dcbaap *memory.Dma[byte], cmdRingEntries, eventRingEntries uint) error {
	c.setUsbcmd(c.usbcmd() &^ usbcmdRunStop)

	c.setUsbcmd(c.usbcmd() | usbcmdHCReset)

	deadline := time.Now().Add(ResetTimeout)
	for c.usbsts()&usbstsCNR != 0 {
		if time.Now().After(deadline) {
			return fmt.Errorf("xhci: controller not ready after reset (CNR did not clear within %s)", ResetTimeout)
		}
		time.Sleep(time.Millisecond)
	}

	binary.LittleEndian.PutUint32(c.opBase[opCONFIG:], uint32(c.maxSlots))
	binary.LittleEndian.PutUint64(c.opBase[opDCBAAP:], dcbaap.PhysAddr())

	cmdRing, err := NewRing(c.pool, cmdRingEntries)
	if err != nil {
		return fmt.Errorf("xhci: command ring alloc: %w", err)
	}
	c.cmdRing = cmdRing

	crcr := cmdRing.PhysAddr() | crcrRCS // initial cycle state = 1 (Ring.cycle starts true)
	binary.LittleEndian.PutUint64(c.opBase[opCRCR:], crcr)

	evtRing, err := NewEventRing(c.pool, eventRingEntries)
	if err != nil {
		return fmt.Errorf("xhci: event ring alloc: %w", err)
	}
	c.evtRing = evtRing

	ir0 := c.interrupter(0)
	binary.LittleEndian.PutUint32(ir0[irERSTSZ:], uint32(evtRing.ERSTSize()))
	binary.LittleEndian.PutUint64(ir0[irERSTBA:], evtRing.ERSTPhysAddr())
	binary.LittleEndian.PutUint64(ir0[irERDP:], evtRing.ERDP())
	binary.LittleEndian.PutUint32(ir0[irIMAN:], imanInterruptEnable)

	c.setUsbcmd(c.usbcmd() | usbcmdRunStop | usbcmdINTE)

	return nil
}

func (c *Controller) interrupter(n int) []byte {
	return c.runtimeBase[0x20+32*n:]
}

// ringDoorbellHC rings the host controller doorbell (index 0, target 0),
// notifying the HC of new command-ring entries.
func (c *Controller) ringDoorbellHC() {
	binary.LittleEndian.PutUint32(c.doorbells[0:], 0)
}

// ringDoorbellSlot rings slot n's doorbell with the given endpoint DCI
// target, notifying the HC of new transfer-ring entries (§4.6 "Doorbell
// register" analogue of kvm/virtio.PCI's per-index doorbell multiplier).
func (c *Controller) ringDoorbellSlot(slot uint8, target uint8) {
	off := uint32(slot) * 4
	binary.LittleEndian.PutUint32(c.doorbells[off:], uint32(target))
}

// MaskVector/UnmaskVector bracket each event-ring drain in react (§4.6 "IRQ
// reactor"). SetMaskFuncs supplies the functions they call; when none are
// set (cmd/xhcid sets none) both are no-ops.
func (c *Controller) SetMaskFuncs(mask, unmask func()) {
	c.maskVector = mask
	c.unmaskVector = unmask
}

func (c *Controller) MaskVector() {
	if c.maskVector != nil {
		c.maskVector()
	}
}

func (c *Controller) UnmaskVector() {
	if c.unmaskVector != nil {
		c.unmaskVector()
	}
}

// Slot returns (creating if necessary) the tracked state machine for a
// device slot.
func (c *Controller) Slot(id uint8) *Slot {
	s, ok := c.slots[id]
	if !ok {
		s = NewSlot()
		c.slots[id] = s
	}
	return s
}
