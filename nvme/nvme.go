// Package nvme implements the NVMe host-controller protocol engine: the
// admin/IO submission and completion queue pairs, the SQE/CQE wire layout,
// namespace discovery, and the IRQ-driven completion path that rides the
// shared reactor (§4.7).
//
// Grounded directly on the teacher's kvm/gvnic/admin.go (opcode/status
// command-slot push, doorbell ring, wait-for-counter) and
// kvm/gvnic/queue.go (DMA-region-backed descriptor ring allocation passed
// to the device via a command), generalized from one in-flight admin
// command to a full SQE/CQE pair with a phase bit. Exact field layouts are
// cross-checked against original_source/storage/nvmed/src/nvme/cq_reactor.rs
// and the pack's dswarbrick-go-nvme reference.
package nvme

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/redox-os/drivers-sub001/internal/memory"
)

// Controller register offsets (NVMe Base Specification, §3.1).
const (
	regCAP   = 0x00 // controller capabilities
	regVS    = 0x08 // version
	regINTMS = 0x0c // interrupt mask set
	regINTMC = 0x10 // interrupt mask clear
	regCC    = 0x14 // controller configuration
	regCSTS  = 0x1c // controller status
	regAQA   = 0x24 // admin queue attributes
	regASQ   = 0x28 // admin submission queue base address
	regACQ   = 0x30 // admin completion queue base address

	doorbellBase = 0x1000
)

// CC (Controller Configuration) bits.
const (
	ccEnable      = 1 << 0
	ccIOSQESShift = 16
	ccIOCQESShift = 20
)

// CSTS (Controller Status) bits.
const (
	cstsReady = 1 << 0
	cstsFatal = 1 << 1
)

// InitTimeout bounds CSTS.RDY transitions during enable/disable, matching
// the CAP.TO field's intent (§8 scenario 1's 100ms xHCI analogue, applied
// here to NVMe's CC.EN/CSTS.RDY handshake).
var InitTimeout = 2 * time.Second

// Controller owns the mapped BAR0 register window and the admin queue
// pair; IO queue pairs are added after Identify via AddIOQueuePair.
type Controller struct {
	regs []byte
	pool *memory.Pool

	dstrd uint32 // doorbell stride in bytes, 4 << CAP.DSTRD

	admin *QueuePair
	io    map[uint16]*QueuePair // keyed by queue id

	nextQid uint16

	maskVector   func()
	unmaskVector func()
}

// New wraps an already-mapped BAR0 register window. pool backs every DMA
// allocation the controller makes (queues, identify buffers, data buffers).
func New(bar0 []byte, pool *memory.Pool) *Controller {
	return &Controller{
		regs:  bar0,
		pool:  pool,
		io:    make(map[uint16]*QueuePair),
	}
}

func (c *Controller) cap() uint64  { return binary.LittleEndian.Uint64(c.regs[regCAP:]) }
func (c *Controller) cc() uint32   { return binary.LittleEndian.Uint32(c.regs[regCC:]) }
func (c *Controller) setCC(v uint32) {
	binary.LittleEndian.PutUint32(c.regs[regCC:], v)
}
func (c *Controller) csts() uint32 { return binary.LittleEndian.Uint32(c.regs[regCSTS:]) }

// doorbellSQ and doorbellCQ return the SQ-tail and CQ-head doorbell
// registers for queue id,
// at stride (4 << DSTRD) as dictated by CAP.DSTRD (§4.7 "Queues").
func (c *Controller) doorbellSQ(qid uint16) []byte {
	off := doorbellBase + uint32(qid)*2*c.dstrd
	return c.regs[off:]
}
func (c *Controller) doorbellCQ(qid uint16) []byte {
	off := doorbellBase + (uint32(qid)*2+1)*c.dstrd
	return c.regs[off:]
}

// Reset disables the controller (CC.EN=0) and waits for CSTS.RDY to clear,
// then programs the admin queue pair and enables (CC.EN=1), waiting for
// CSTS.RDY to set. Grounded on the CC.EN/CSTS.RDY handshake of NVMe §3.5.1,
// rendered in the same deadline-poll style as the teacher's reg.WaitFor.
func (c *Controller) Reset(adminSQEntries, adminCQEntries int) error {
	capVal := c.cap()
	c.dstrd = 4 << ((capVal >> 32) & 0xf)
	mpsmin := uint32((capVal >> 48) & 0xf)

	if c.cc()&ccEnable != 0 {
		c.setCC(c.cc() &^ ccEnable)
		if !c.waitCSTS(false) {
			return fmt.Errorf("nvme: timed out waiting for CSTS.RDY to clear")
		}
	}

	admin, err := newQueuePair(c.pool, 0, adminSQEntries, adminCQEntries, sqeSize, cqeSize)
	if err != nil {
		return fmt.Errorf("nvme: allocating admin queue pair: %w", err)
	}
	c.admin = admin
	c.bindAdminDoorbells()

	aqa := uint32(adminSQEntries-1) | uint32(adminCQEntries-1)<<16
	binary.LittleEndian.PutUint32(c.regs[regAQA:], aqa)
	binary.LittleEndian.PutUint64(c.regs[regASQ:], admin.sq.phys)
	binary.LittleEndian.PutUint64(c.regs[regACQ:], admin.cq.phys)

	cc := uint32(mpsmin) << 7 // CC.MPS = CAP.MPSMIN (smallest supported page size)
	cc |= 6 << ccIOSQESShift  // 2^6 = 64 bytes
	cc |= 4 << ccIOCQESShift  // 2^4 = 16 bytes
	cc |= ccEnable
	c.setCC(cc)

	if !c.waitCSTS(true) {
		return fmt.Errorf("nvme: timed out waiting for CSTS.RDY to set")
	}
	if c.csts()&cstsFatal != 0 {
		return fmt.Errorf("nvme: controller fatal status after enable")
	}

	return nil
}

func (c *Controller) waitCSTS(ready bool) bool {
	deadline := time.Now().Add(InitTimeout)
	for {
		rdy := c.csts()&cstsReady != 0
		if rdy == ready {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}

// MaskVector and UnmaskVector implement reactor.Hardware (§4.7 "Interrupt
// coalescing": mask before draining the CQ, unmask after). The default
// behavior sets/clears this controller's own INTMS/INTMC mask bit 0
// (always valid, regardless of which interrupt mechanism was negotiated);
// a daemon that negotiated MSI-X may prefer masking at the table entry
// instead (§4.3) and can override both via SetMaskFuncs.
func (c *Controller) MaskVector() {
	if c.maskVector != nil {
		c.maskVector()
		return
	}
	binary.LittleEndian.PutUint32(c.regs[regINTMS:], 1)
}

func (c *Controller) UnmaskVector() {
	if c.unmaskVector != nil {
		c.unmaskVector()
		return
	}
	binary.LittleEndian.PutUint32(c.regs[regINTMC:], 1)
}

// SetMaskFuncs wires the mask/unmask operations used by MaskVector and
// UnmaskVector. Called once during daemon startup after interrupt
// negotiation (§4.9 step 3).
func (c *Controller) SetMaskFuncs(mask, unmask func()) {
	c.maskVector = mask
	c.unmaskVector = unmask
}
