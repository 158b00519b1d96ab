package xhci

import (
	"fmt"

	"github.com/redox-os/drivers-sub001/internal/memory"
)

// Ring is a power-of-two-sized, cycle-bit-tagged contiguous TRB ring used
// for the command ring and every transfer ring (§3 "Ring", §4.6 "Rings").
// The last slot is reserved for a Link TRB pointing back to the ring's own
// start, so usable capacity is count-1 entries.
type Ring struct {
	dma   *memory.Dma[byte]
	phys  uint64
	count uint

	tail       uint
	cycle      bool // producer's current cycle bit
	generation uint // (expanded, §3) increments on every cycle flip; test-only

	outstanding uint // entries enqueued but not yet Free'd by a delivered completion
}

// NewRing allocates a ring of count TRB slots (including the reserved
// Link TRB slot) and pre-writes the Link TRB, matching the "store the ring
// as a fixed-size contiguous allocation with a stable physical address
// captured at allocation time" guidance of §9.
func NewRing(pool *memory.Pool, count uint) (*Ring, error) {
	if count < 2 {
		return nil, fmt.Errorf("xhci: ring count %d too small", count)
	}

	dma, err := memory.ZeroedDmaSlice[byte](pool, int(count)*trbSize)
	if err != nil {
		return nil, fmt.Errorf("xhci: ring alloc: %w", err)
	}

	r := &Ring{dma: dma, phys: dma.PhysAddr(), count: count, cycle: true}

	link := TRB{
		Parameter: r.phys,
		Control:   uint32(TypeLink)<<ctrlTypeShift | ctrlToggle,
	}
	link.encode(r.slotBytes(count - 1))

	return r, nil
}

func (r *Ring) slotBytes(idx uint) []byte {
	off := idx * trbSize
	return r.dma.Bytes()[off : off+trbSize]
}

// PhysAddr returns the ring's base physical address, used to program
// CRCR/the transfer-ring-dequeue-pointer fields of a device/input context.
func (r *Ring) PhysAddr() uint64 { return r.phys }

// Capacity returns the usable (non-Link-TRB) slot count.
func (r *Ring) Capacity() uint { return r.count - 1 }

// Full reports whether every usable slot is occupied by an entry whose
// completion has not yet been delivered (§8 "ring is full when advancing
// would overtake"). Rings are serviced in FIFO order by the controller, so
// Free need not be told which slot was freed.
func (r *Ring) Full() bool {
	return r.outstanding == r.count-1
}

// Free marks one previously Enqueue'd entry as consumed — its completion
// event has been delivered — freeing a slot for a future Enqueue. Without
// this, a ring's entries would never be reclaimed and Full would latch
// permanently true after its first lap.
func (r *Ring) Free() {
	if r.outstanding > 0 {
		r.outstanding--
	}
}

// NextPhysAddr returns the physical address Enqueue would assign to the
// next TRB, without writing anything. Valid only when !Full().
func (r *Ring) NextPhysAddr() uint64 {
	return r.phys + uint64(r.tail)*trbSize
}

// Enqueue writes one TRB (with Parameter/Status from trb and Control's
// cycle bit overwritten to the ring's current producer cycle) at the
// current tail, advances past it — and past the Link TRB, flipping the
// ring's cycle, if the next slot is the Link slot — and returns the
// physical address the completion event will echo back (§4.6 "Command
// Completion Event whose TRB-pointer field equals the physical address of
// the original command").
func (r *Ring) Enqueue(trb TRB) (phys uint64, ok bool) {
	if r.Full() {
		return 0, false
	}

	trb.Control = withCycle(trb.Control, r.cycle)
	phys = r.phys + uint64(r.tail)*trbSize
	trb.encode(r.slotBytes(r.tail))
	r.outstanding++

	r.tail++
	if r.tail == r.count-1 {
		// give the Link TRB the cycle bit of the lap just completed, so a
		// consumer still on that lap follows it; then wrap and flip.
		link := decodeTRB(r.slotBytes(r.count - 1))
		link.Control = withCycle(link.Control, r.cycle)
		link.encode(r.slotBytes(r.count - 1))

		r.tail = 0
		r.cycle = !r.cycle
		r.generation++
	}

	return phys, true
}
