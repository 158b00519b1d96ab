package xhci

import (
	"encoding/binary"
	"fmt"

	"github.com/redox-os/drivers-sub001/internal/memory"
)

// erstEntrySize is one Event Ring Segment Table entry: {base address
// (8 bytes), segment size (2 bytes, low 16 bits of a 4-byte field),
// reserved}.
const erstEntrySize = 16

// EventRing is the controller-written, driver-read ring described by an
// Event Ring Segment Table (§3 "Event Ring (xHCI)", §4.6 "Event ring(s)").
// This implementation supports a single segment, sufficient for the
// illustrative host-controller daemon this package backs (§1 non-goals:
// full xHCI feature coverage).
type EventRing struct {
	segment *memory.Dma[byte]
	erst    *memory.Dma[byte]

	segPhys uint64
	count   uint

	dequeue uint
	phase   bool
}

// NewEventRing allocates one segment of count TRB slots plus its
// single-entry ERST.
func NewEventRing(pool *memory.Pool, count uint) (*EventRing, error) {
	seg, err := memory.ZeroedDmaSlice[byte](pool, int(count)*trbSize)
	if err != nil {
		return nil, fmt.Errorf("xhci: event ring segment alloc: %w", err)
	}

	erst, err := memory.ZeroedDmaSlice[byte](pool, erstEntrySize)
	if err != nil {
		return nil, fmt.Errorf("xhci: erst alloc: %w", err)
	}

	binary.LittleEndian.PutUint64(erst.Bytes()[0:], seg.PhysAddr())
	binary.LittleEndian.PutUint32(erst.Bytes()[8:], uint32(count))

	return &EventRing{
		segment: seg,
		erst:    erst,
		segPhys: seg.PhysAddr(),
		count:   count,
		phase:   true,
	}, nil
}

// ERSTPhysAddr is programmed into the interrupter's Event Ring Segment
// Table Base Address Register.
func (e *EventRing) ERSTPhysAddr() uint64 { return e.erst.PhysAddr() }

// ERSTSize is programmed into the interrupter's ERST Size register: one
// segment.
func (e *EventRing) ERSTSize() uint16 { return 1 }

func (e *EventRing) slotBytes(idx uint) []byte {
	off := idx * trbSize
	return e.segment.Bytes()[off : off+trbSize]
}

// Dequeue reads the next event TRB if its cycle bit matches the driver's
// current phase, advancing the dequeue pointer (flipping phase on segment
// wrap — §8 "Event ring ERDP at segment wrap updates the segment index as
// well as offset": with one segment, wrap is pure index wraparound).
func (e *EventRing) Dequeue() (TRB, bool) {
	trb := decodeTRB(e.slotBytes(e.dequeue))
	if trb.Cycle() != e.phase {
		return TRB{}, false
	}

	e.dequeue++
	if e.dequeue == e.count {
		e.dequeue = 0
		e.phase = !e.phase
	}

	return trb, true
}

// ERDP computes the Event Ring Dequeue Pointer value to write after
// consuming events: the physical address of the next slot to be read,
// with the Event Handler Busy bit the caller ORs in separately if needed.
func (e *EventRing) ERDP() uint64 {
	return e.segPhys + uint64(e.dequeue)*trbSize
}
