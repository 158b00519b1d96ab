package nvme

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/redox-os/drivers-sub001/internal/memory"
)

const (
	sqeSize = 64
	cqeSize = 16
)

// Admin opcodes (NVMe Base Specification §5.1/5.2).
const (
	OpDeleteIOSQ = 0x00
	OpCreateIOSQ = 0x01
	OpDeleteIOCQ = 0x04
	OpCreateIOCQ = 0x05
	OpIdentify   = 0x06
)

// NVM command set opcodes.
const (
	OpWrite = 0x01
	OpRead  = 0x02
)

// SQE is the 64-byte Submission Queue Entry (§3 "Ring (C6/C7)").
type SQE struct {
	Opcode uint8
	Flags  uint8
	CID    uint16
	NSID   uint32
	_      [8]byte // reserved (CDW2/3)
	MPTR   uint64
	PRP1   uint64
	PRP2   uint64
	CDW10  uint32
	CDW11  uint32
	CDW12  uint32
	CDW13  uint32
	CDW14  uint32
	CDW15  uint32
}

func (s SQE) encode() [sqeSize]byte {
	var b [sqeSize]byte
	b[0] = s.Opcode
	b[1] = s.Flags
	binary.LittleEndian.PutUint16(b[2:], s.CID)
	binary.LittleEndian.PutUint32(b[4:], s.NSID)
	binary.LittleEndian.PutUint64(b[16:], s.MPTR)
	binary.LittleEndian.PutUint64(b[24:], s.PRP1)
	binary.LittleEndian.PutUint64(b[32:], s.PRP2)
	binary.LittleEndian.PutUint32(b[40:], s.CDW10)
	binary.LittleEndian.PutUint32(b[44:], s.CDW11)
	binary.LittleEndian.PutUint32(b[48:], s.CDW12)
	binary.LittleEndian.PutUint32(b[52:], s.CDW13)
	binary.LittleEndian.PutUint32(b[56:], s.CDW14)
	binary.LittleEndian.PutUint32(b[60:], s.CDW15)
	return b
}

// CQE is the 16-byte Completion Queue Entry.
type CQE struct {
	DW0    uint32
	SQHead uint16
	SQID   uint16
	CID    uint16
	Status uint16 // includes the phase bit at bit 0
}

func decodeCQE(b []byte) CQE {
	return CQE{
		DW0:    binary.LittleEndian.Uint32(b[0:]),
		SQHead: binary.LittleEndian.Uint16(b[8:]),
		SQID:   binary.LittleEndian.Uint16(b[10:]),
		CID:    binary.LittleEndian.Uint16(b[12:]),
		Status: binary.LittleEndian.Uint16(b[14:]),
	}
}

// Phase reports the CQE's phase tag (bit 0 of the status word).
func (c CQE) Phase() bool { return c.Status&1 != 0 }

// StatusCode is the completion status field (bits 1-15 of the status word,
// DNR and M included, uninterpreted), 0 meaning success.
func (c CQE) StatusCode() uint16 { return (c.Status >> 1) & 0x7fff }

// ring is one power-of-two-sized, cycle/phase-bit-tagged DMA ring (§3
// "Ring"). entrySize is 64 for an SQ, 16 for a CQ.
type ring struct {
	dma       *memory.Dma[byte]
	phys      uint64
	entrySize uint
	count     uint

	head  uint
	tail  uint
	phase bool // current expected phase (CQ) / cycle (SQ) — generation flips each wrap
}

func newRing(pool *memory.Pool, count int, entrySize uint) (*ring, error) {
	dma, err := memory.ZeroedDmaSlice[byte](pool, count*int(entrySize))
	if err != nil {
		return nil, err
	}
	return &ring{
		dma:       dma,
		phys:      dma.PhysAddr(),
		entrySize: entrySize,
		count:     uint(count),
		phase:     true, // CQ phase bit starts 1 per NVMe §4.6
	}, nil
}

func (r *ring) slot(idx uint) []byte {
	off := idx * r.entrySize
	return r.dma.Bytes()[off : off+r.entrySize]
}

// full reports whether the SQ has no free slot (§8 "ring is full when
// advancing would overtake").
func (r *ring) full() bool {
	return (r.tail+1)%r.count == r.head
}

// QueuePair is one SQ/CQ pair sharing a queue id.
type QueuePair struct {
	id uint16
	sq *ring
	cq *ring

	sqDoorbell []byte
	cqDoorbell []byte

	mu sync.Mutex
}

func newQueuePair(pool *memory.Pool, id uint16, sqEntries, cqEntries int, sqEntrySize, cqEntrySize uint) (*QueuePair, error) {
	sq, err := newRing(pool, sqEntries, sqEntrySize)
	if err != nil {
		return nil, err
	}
	cq, err := newRing(pool, cqEntries, cqEntrySize)
	if err != nil {
		return nil, err
	}
	return &QueuePair{id: id, sq: sq, cq: cq}, nil
}

// bindDoorbells attaches the queue pair's MMIO doorbells once BAR0 and DSTRD are
// known (admin queue doorbells are fixed at offset 0x1000/0x1000+dstrd).
func (c *Controller) bindDoorbells(qp *QueuePair) {
	qp.sqDoorbell = c.doorbellSQ(qp.id)
	qp.cqDoorbell = c.doorbellCQ(qp.id)
}

// adminSubmitSync writes sqe to the admin SQ, rings the doorbell, and
// blocks (busy-polling the CQ phase bit) for the matching completion. Used
// only during bring-up (Identify, Create I/O CQ/SQ) before the reactor is
// running — §4.7 "Namespace discovery" happens synchronously, ahead of
// any task the reactor would otherwise drive.
func (c *Controller) adminSubmitSync(build func(cid uint16) SQE) (CQE, error) {
	qp := c.admin

	qp.mu.Lock()
	defer qp.mu.Unlock()

	if qp.sq.full() {
		return CQE{}, fmt.Errorf("nvme: admin submission queue full")
	}

	cid := uint16(qp.sq.tail)
	sqe := build(cid)
	copy(qp.sq.slot(qp.sq.tail), sqe.encode()[:])

	qp.sq.tail = (qp.sq.tail + 1) % qp.sq.count
	binary.LittleEndian.PutUint32(qp.sqDoorbell, uint32(qp.sq.tail))

	for {
		entry := qp.cq.slot(qp.cq.head)
		cqe := decodeCQE(entry)
		if cqe.Phase() != qp.cq.phase {
			continue
		}
		qp.cq.head = (qp.cq.head + 1) % qp.cq.count
		if qp.cq.head == 0 {
			qp.cq.phase = !qp.cq.phase
		}
		binary.LittleEndian.PutUint32(qp.cqDoorbell, uint32(qp.cq.head))
		qp.sq.head = uint(cqe.SQHead) % qp.sq.count

		if cqe.CID != cid {
			// Not ours: admin bring-up is strictly sequential, so this
			// should not happen; consume it and keep looking for the real
			// completion rather than returning someone else's result.
			continue
		}

		if cqe.StatusCode() != 0 {
			return cqe, fmt.Errorf("nvme: admin command 0x%02x failed, status=%#x", sqe.Opcode, cqe.StatusCode())
		}
		return cqe, nil
	}
}

// TrySubmit implements reactor.Hardware: it writes sqe at the SQ tail if a
// slot is free and rings the doorbell, or reports ok=false so the reactor
// parks the caller on a submission-wake request (§4.4 PendingSubmission).
func (c *Controller) TrySubmit(sqId uint16, build func(uint16) SQE) (cqId uint16, cmdId uint16, ok bool) {
	qp, exists := c.queuePair(sqId)
	if !exists {
		return 0, 0, false
	}

	qp.mu.Lock()
	defer qp.mu.Unlock()

	if qp.sq.full() {
		return 0, 0, false
	}

	cid := uint16(qp.sq.tail)
	sqe := build(cid)
	copy(qp.sq.slot(qp.sq.tail), sqe.encode()[:])

	qp.sq.tail = (qp.sq.tail + 1) % qp.sq.count
	binary.LittleEndian.PutUint32(qp.sqDoorbell, uint32(qp.sq.tail))

	return sqId, cid, true
}

// PollCqes implements reactor.Hardware: it drains every completion ready
// on every completion queue (§4.7 submission flow step 3), advancing each
// CQ's head and flipping its phase on wrap, then rings the CQ head
// doorbell once per queue after draining.
func (c *Controller) PollCqes(handle func(cqId, cmdId uint16, cqe CQE)) {
	for qid, qp := range c.io {
		c.drainCq(qid, qp, handle)
	}
	if c.admin != nil {
		c.drainCq(0, c.admin, handle)
	}
}

func (c *Controller) drainCq(qid uint16, qp *QueuePair, handle func(cqId, cmdId uint16, cqe CQE)) {
	qp.mu.Lock()
	defer qp.mu.Unlock()

	drained := false
	for {
		entry := qp.cq.slot(qp.cq.head)
		cqe := decodeCQE(entry)
		if cqe.Phase() != qp.cq.phase {
			break
		}

		qp.cq.head = (qp.cq.head + 1) % qp.cq.count
		if qp.cq.head == 0 {
			qp.cq.phase = !qp.cq.phase
		}
		qp.sq.head = uint(cqe.SQHead) % qp.sq.count
		drained = true

		handle(qid, cqe.CID, cqe)
	}

	if drained {
		binary.LittleEndian.PutUint32(qp.cqDoorbell, uint32(qp.cq.head))
	}
}

// SqForCq implements reactor.Hardware: this controller only ever pairs a
// submission queue with the completion queue of the same id (§4.7
// "Queues"), so the mapping is the identity.
func (c *Controller) SqForCq(cqId uint16) uint16 { return cqId }

func (c *Controller) queuePair(qid uint16) (*QueuePair, bool) {
	if qid == 0 {
		return c.admin, c.admin != nil
	}
	qp, ok := c.io[qid]
	return qp, ok
}

// AddIOQueuePair creates one IO submission/completion queue pair (§4.7
// "Queues": "per-core IO SQ/CQ pairs thereafter"). Must be called after
// Reset and before the reactor starts driving this controller, since it
// uses the same synchronous admin bring-up path as Identify.
func (c *Controller) AddIOQueuePair(sqEntries, cqEntries int, vector uint16) (uint16, error) {
	c.nextQid++
	qid := c.nextQid

	qp, err := newQueuePair(c.pool, qid, sqEntries, cqEntries, sqeSize, cqeSize)
	if err != nil {
		return 0, fmt.Errorf("nvme: allocating io queue pair %d: %w", qid, err)
	}
	c.bindDoorbells(qp)

	// Create I/O Completion Queue first: the SQ creation command references
	// the CQ id it will post completions to (NVMe §5.2, §5.4).
	if _, err := c.adminSubmitSync(func(cid uint16) SQE {
		return SQE{
			Opcode: OpCreateIOCQ,
			CID:    cid,
			PRP1:   qp.cq.phys,
			CDW10:  uint32(qid) | uint32(cqEntries-1)<<16,
			CDW11:  1<<0 | uint32(vector)<<16, // PC=1 (physically contiguous), IV=vector
		}
	}); err != nil {
		return 0, fmt.Errorf("nvme: create io cq %d: %w", qid, err)
	}

	if _, err := c.adminSubmitSync(func(cid uint16) SQE {
		return SQE{
			Opcode: OpCreateIOSQ,
			CID:    cid,
			PRP1:   qp.sq.phys,
			CDW10:  uint32(qid) | uint32(sqEntries-1)<<16,
			CDW11:  1<<0 | uint32(qid)<<16, // PC=1, CQID=qid (same-id pairing)
		}
	}); err != nil {
		return 0, fmt.Errorf("nvme: create io sq %d: %w", qid, err)
	}

	c.io[qid] = qp
	return qid, nil
}

// bindAdminDoorbells is invoked once from Reset after the admin queue pair
// is allocated, since DSTRD (and hence doorbell offsets) is only known
// after reading CAP.
func (c *Controller) bindAdminDoorbells() {
	c.bindDoorbells(c.admin)
}
