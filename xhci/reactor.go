package xhci

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// RingID names a submission ring: the zero value is the command ring; any
// non-zero Slot names a transfer ring (optionally further scoped by
// Stream), matching §4.6 "locate the ring by {slot, endpoint, stream}
// (RingId)".
type RingID struct {
	Slot     uint8
	Endpoint uint8
	Stream   uint16
}

// CommandRing is the sentinel RingID for the command ring (slot 0 is never
// a valid device slot — slot ids are assigned starting at 1 by Enable
// Slot).
var CommandRing = RingID{}

// reactorState is the xHCI-specific IRQ reactor (§4.6 "IRQ reactor"). It
// is deliberately not built on package reactor's generic
// Hardware[SqId,CqId,...] machinery: that generic reactor assumes a 1:1
// pairing between a completion queue and the submission queue it frees
// slots on (true for NVMe's per-core SQ/CQ pairs), but xHCI has exactly
// one event ring shared by the command ring and every transfer ring, so
// "which ring did this completion free a slot on" cannot be recovered from
// the completion queue id alone — it is tracked explicitly below via
// cmdRingOf, populated at submission time.
type reactorState struct {
	mu sync.Mutex

	transferRings map[RingID]*Ring

	pendingCommands map[uint64]chan TRB // keyed by submitted TRB's physical address
	cmdRingOf       map[uint64]RingID
	awaitingSlot    map[RingID][]chan struct{}

	subscribers map[uint32][]chan TRB

	irqFile io.ReadWriter
	intx    bool
	stop    chan struct{}
}

func (c *Controller) initReactor(irqFile io.ReadWriter, intx bool) {
	c.reactorState = &reactorState{
		transferRings:   make(map[RingID]*Ring),
		pendingCommands: make(map[uint64]chan TRB),
		cmdRingOf:       make(map[uint64]RingID),
		awaitingSlot:    make(map[RingID][]chan struct{}),
		subscribers:     make(map[uint32][]chan TRB),
		irqFile:         irqFile,
		intx:            intx,
		stop:            make(chan struct{}),
	}
}

// AddTransferRing registers a newly-Configure-Endpoint'd transfer ring so
// Transfer can submit to it by RingID.
func (c *Controller) AddTransferRing(id RingID, ring *Ring) {
	c.reactorState.mu.Lock()
	defer c.reactorState.mu.Unlock()
	c.reactorState.transferRings[id] = ring
}

func (c *Controller) ringFor(id RingID) (*Ring, error) {
	if id == CommandRing {
		return c.cmdRing, nil
	}
	r, ok := c.reactorState.transferRings[id]
	if !ok {
		return nil, fmt.Errorf("xhci: no transfer ring registered for %+v", id)
	}
	return r, nil
}

// submit writes build's TRB onto id's ring and blocks the calling
// goroutine until the matching completion event arrives, retrying
// submission if the ring is momentarily full (§4.4 PendingSubmission /
// PendingCompletion, specialized for the multi-ring xHCI case).
func (c *Controller) submit(id RingID, build func(phys uint64) TRB) (TRB, error) {
	rs := c.reactorState

	for {
		rs.mu.Lock()
		ring, err := c.ringFor(id)
		if err != nil {
			rs.mu.Unlock()
			return TRB{}, err
		}

		if ring.Full() {
			retry := make(chan struct{})
			rs.awaitingSlot[id] = append(rs.awaitingSlot[id], retry)
			rs.mu.Unlock()
			<-retry
			continue
		}

		phys := ring.NextPhysAddr()
		trb := build(phys)
		actual, ok := ring.Enqueue(trb)
		if !ok {
			rs.mu.Unlock()
			continue
		}

		ch := make(chan TRB, 1)
		rs.pendingCommands[actual] = ch
		rs.cmdRingOf[actual] = id
		rs.mu.Unlock()

		if id == CommandRing {
			c.ringDoorbellHC()
		} else {
			c.ringDoorbellSlot(id.Slot, id.Endpoint)
		}

		return <-ch, nil
	}
}

// SubmitCommand enqueues one command TRB on the command ring and blocks
// for its Command Completion Event (§4.6 "each command eventually produces
// a Command Completion Event whose TRB-pointer field equals the physical
// address of the original command").
func (c *Controller) SubmitCommand(build func(phys uint64) TRB) (TRB, error) {
	return c.submit(CommandRing, build)
}

// Transfer enqueues one transfer TRB on the named endpoint's transfer ring
// and blocks for its Transfer Event.
func (c *Controller) Transfer(id RingID, build func(phys uint64) TRB) (TRB, error) {
	return c.submit(id, build)
}

// Subscribe registers interest in every future event TRB of the given
// type that is not matched to a pending command (§4.6 items 3 and 4: ring
// under/overrun fan-out, and Port Status Change / Doorbell / Host
// Controller / MFINDEX Wrap delivery).
func (c *Controller) Subscribe(eventType uint32) <-chan TRB {
	ch := make(chan TRB, 8)
	rs := c.reactorState
	rs.mu.Lock()
	rs.subscribers[eventType] = append(rs.subscribers[eventType], ch)
	rs.mu.Unlock()
	return ch
}

func (c *Controller) publish(eventType uint32, trb TRB) {
	for _, ch := range c.reactorState.subscribers[eventType] {
		select {
		case ch <- trb:
		default:
		}
	}
}

// Run drains the IRQ vector until Stop is called, dispatching each event
// TRB per §4.6's four-item IRQ reactor algorithm. Must run on its own
// goroutine; every other goroutine interacts with the controller via
// SubmitCommand/Transfer.
func (c *Controller) Run() error {
	rs := c.reactorState
	for {
		select {
		case <-rs.stop:
			return nil
		default:
		}

		if err := c.react(); err != nil {
			return err
		}
	}
}

func (c *Controller) react() error {
	rs := c.reactorState

	var buf [8]byte
	n, err := rs.irqFile.Read(buf[:])
	if err != nil {
		return err
	}
	if rs.intx && n != 0 {
		if _, err := rs.irqFile.Write(buf[:n]); err != nil {
			return err
		}
	}

	c.MaskVector()

	rs.mu.Lock()
	drained := false
	for {
		trb, ok := c.evtRing.Dequeue()
		if !ok {
			break
		}
		drained = true
		c.dispatch(trb)
	}
	if drained {
		c.writeERDP()
	}
	rs.mu.Unlock()

	c.UnmaskVector()
	return nil
}

// dispatch implements §4.6's four-item event-TRB switch. Called with
// reactorState.mu held.
func (c *Controller) dispatch(trb TRB) {
	rs := c.reactorState

	switch trb.Type() {
	case TypeCommandCompletionEvent:
		c.deliverCompletion(trb.Parameter, trb)

	case TypeTransferEvent:
		if trb.Parameter != 0 {
			c.deliverCompletion(trb.Parameter, trb)
		} else {
			// Ring Underrun / Ring Overrun / VF Event Ring Full: no source
			// pointer, fan out to every isoch/VF future (§4.6 item 3).
			c.publish(TypeTransferEvent, trb)
		}

	case TypePortStatusChangeEvent, TypeDoorbellEvent, TypeHostControllerEvent, TypeMFINDEXWrapEvent:
		c.publish(trb.Type(), trb)

	default:
		_ = rs
	}
}

func (c *Controller) deliverCompletion(phys uint64, trb TRB) {
	rs := c.reactorState

	ch, ok := rs.pendingCommands[phys]
	if !ok {
		// No waiter registered: either a cancelled (tombstoned) future or a
		// stray completion. Discard (§4.4 "Cancellation").
		return
	}
	delete(rs.pendingCommands, phys)

	ringID, ok := rs.cmdRingOf[phys]
	if ok {
		delete(rs.cmdRingOf, phys)
		if ring, err := c.ringFor(ringID); err == nil {
			ring.Free()
		}
	}

	ch <- trb

	if waiters := rs.awaitingSlot[ringID]; len(waiters) > 0 {
		close(waiters[0])
		rs.awaitingSlot[ringID] = waiters[1:]
	}
}

func (c *Controller) writeERDP() {
	ir0 := c.interrupter(0)
	binary.LittleEndian.PutUint64(ir0[irERDP:], c.evtRing.ERDP())
}

// Stop ends the next iteration of Run.
func (c *Controller) Stop() {
	close(c.reactorState.stop)
}
