package xhci

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/redox-os/drivers-sub001/internal/memory"
)

// loopbackIrq is an io.ReadWriter standing in for the IRQ file, mirroring
// the fixture package reactor and nvme test themselves with: Read blocks
// until notify.
type loopbackIrq struct {
	mu   sync.Mutex
	cond *sync.Cond
	n    int
}

func newLoopbackIrq() *loopbackIrq {
	l := &loopbackIrq{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *loopbackIrq) notify() {
	l.mu.Lock()
	l.n++
	l.cond.Broadcast()
	l.mu.Unlock()
}

func (l *loopbackIrq) Read(p []byte) (int, error) {
	l.mu.Lock()
	for l.n == 0 {
		l.cond.Wait()
	}
	l.n--
	l.mu.Unlock()
	p[0] = 1
	return 1, nil
}

func (l *loopbackIrq) Write(p []byte) (int, error) { return len(p), nil }

// newTestController builds a Controller over a zeroed BAR0 large enough for
// capability/operational/runtime/doorbell regions, with a small, fixed
// layout (CAPLENGTH=0x20, 8 device slots).
func newTestController(t *testing.T, pool *memory.Pool) *Controller {
	t.Helper()

	bar0 := make([]byte, 0x4000)
	bar0[capCAPLENGTH] = 0x20
	binary.LittleEndian.PutUint32(bar0[capHCSPARAMS1:], 8) // MaxSlots = 8
	binary.LittleEndian.PutUint32(bar0[capRTSOFF:], 0x1000)
	binary.LittleEndian.PutUint32(bar0[capDBOFF:], 0x2000)

	return New(bar0, pool)
}

// fakeHostController simulates the device side of the command ring: it
// watches for newly enqueued command TRBs and posts a matching Command
// Completion Event, round-tripping through the same event ring the
// controller's reactor dequeues from.
type fakeHostController struct {
	c *Controller

	cmdIdx uint // next command-ring slot to inspect, mirrors driver tail semantics

	evtIdx   uint
	evtCycle bool

	irq  *loopbackIrq
	stop chan struct{}
}

func newFakeHostController(c *Controller, irq *loopbackIrq) *fakeHostController {
	return &fakeHostController{c: c, evtCycle: true, irq: irq, stop: make(chan struct{})}
}

func (f *fakeHostController) run() {
	for {
		select {
		case <-f.stop:
			return
		default:
		}

		f.c.reactorState.mu.Lock()
		tail := f.c.cmdRing.tail
		f.c.reactorState.mu.Unlock()

		if tail == f.cmdIdx {
			time.Sleep(time.Millisecond)
			continue
		}

		for idx := f.cmdIdx; idx != tail; idx = f.advanceCmdIdx(idx) {
			f.c.reactorState.mu.Lock()
			trb := decodeTRB(f.c.cmdRing.slotBytes(idx))
			phys := f.c.cmdRing.PhysAddr() + uint64(idx)*trbSize
			f.c.reactorState.mu.Unlock()

			f.complete(trb, phys)
		}
		f.cmdIdx = tail

		f.irq.notify()
	}
}

func (f *fakeHostController) advanceCmdIdx(idx uint) uint {
	idx++
	if idx == f.c.cmdRing.count-1 {
		idx = 0
	}
	return idx
}

// complete posts a Command Completion Event for the command at phys. Enable
// Slot Commands are granted slot 7; everything else just succeeds.
func (f *fakeHostController) complete(trb TRB, phys uint64) {
	slotID := uint32(0)
	if trb.Type() == TypeEnableSlotCommand {
		slotID = 7
	}

	event := TRB{
		Parameter: phys,
		Status:    uint32(CompletionSuccess) << 24,
		Control:   uint32(TypeCommandCompletionEvent)<<ctrlTypeShift | slotID<<ctrlSlotShift,
	}
	if f.evtCycle {
		event.Control |= ctrlCycle
	}

	f.c.reactorState.mu.Lock()
	event.encode(f.c.evtRing.slotBytes(f.evtIdx))
	f.c.reactorState.mu.Unlock()

	f.evtIdx++
	if f.evtIdx == f.c.evtRing.count {
		f.evtIdx = 0
		f.evtCycle = !f.evtCycle
	}
}

func (f *fakeHostController) Stop() { close(f.stop) }

func TestControllerEnableSlotRoundTrip(t *testing.T) {
	pool := newTestPool(t, 1<<20)
	c := newTestController(t, pool)

	dcbaap, err := memory.ZeroedDmaSlice[byte](pool, (int(c.MaxSlots())+1)*8)
	if err != nil {
		t.Fatal(err)
	}

	if err := c.Reset(dcbaap, 4, 4); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	irq := newLoopbackIrq()
	c.StartReactor(irq, false)
	go c.Run()
	defer c.Stop()

	dev := newFakeHostController(c, irq)
	go dev.run()
	defer dev.Stop()

	slot, err := c.EnableSlot()
	if err != nil {
		t.Fatalf("EnableSlot: %v", err)
	}
	if slot.ID != 7 {
		t.Fatalf("slot.ID = %d, want 7", slot.ID)
	}
	if slot.State != SlotDefault {
		t.Fatalf("slot.State = %v, want %v", slot.State, SlotDefault)
	}
}

// TestControllerCommandRingSurvivesMoreCommandsThanCapacity exercises
// Ring.Free: with a 4-entry command ring (3 usable slots), issuing more
// commands than that sequentially must not deadlock, proving completions
// actually reclaim slots instead of the ring latching full forever.
func TestControllerCommandRingSurvivesMoreCommandsThanCapacity(t *testing.T) {
	pool := newTestPool(t, 1<<20)
	c := newTestController(t, pool)

	dcbaap, err := memory.ZeroedDmaSlice[byte](pool, (int(c.MaxSlots())+1)*8)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Reset(dcbaap, 4, 4); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	irq := newLoopbackIrq()
	c.StartReactor(irq, false)
	go c.Run()
	defer c.Stop()

	dev := newFakeHostController(c, irq)
	go dev.run()
	defer dev.Stop()

	done := make(chan error, 1)
	go func() {
		for i := 0; i < 10; i++ {
			slot, err := c.EnableSlot()
			if err != nil {
				done <- err
				return
			}
			// The fake grants slot 7 every time, so free it for the next round.
			if err := c.DisableSlot(slot); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("EnableSlot: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("10 sequential Enable/Disable Slot pairs on a 3-usable-slot ring deadlocked")
	}
}
