package xhci

import (
	"os"
	"testing"

	"github.com/redox-os/drivers-sub001/internal/memory"
)

// newTestPool stands up a Pool backed by a temp file, standing in for the
// real memory scheme, following the convention established by
// internal/memory's own tests.
func newTestPool(t *testing.T, size int) *memory.Pool {
	t.Helper()

	f, err := os.CreateTemp(t.TempDir(), "xhci-pool")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		t.Fatal(err)
	}
	f.Close()

	m, err := memory.PhysmapFile(f.Name(), 0x1000, uint(size), memory.RW)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Close() })

	return memory.NewPool(m)
}

func TestRingRejectsTooSmallCount(t *testing.T) {
	pool := newTestPool(t, 1<<16)
	if _, err := NewRing(pool, 1); err == nil {
		t.Fatal("NewRing(count=1): want error")
	}
}

func TestRingCapacityExcludesLinkSlot(t *testing.T) {
	pool := newTestPool(t, 1<<16)
	r, err := NewRing(pool, 4)
	if err != nil {
		t.Fatal(err)
	}
	if r.Capacity() != 3 {
		t.Fatalf("Capacity() = %d, want 3", r.Capacity())
	}
}

// TestRingFullAtCountMinusTwo fills slots 0..count-2 (every slot but the
// Link TRB's) and expects the ring to be full.
func TestRingFullAtCountMinusTwo(t *testing.T) {
	pool := newTestPool(t, 1<<16)
	r, err := NewRing(pool, 4)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < int(r.Capacity()); i++ {
		if r.Full() {
			t.Fatalf("Full() true after %d enqueues, want false", i)
		}
		if _, ok := r.Enqueue(TRB{Parameter: uint64(i)}); !ok {
			t.Fatalf("Enqueue %d: want ok=true", i)
		}
	}

	if !r.Full() {
		t.Fatal("Full() = false after filling the ring, want true")
	}
	if _, ok := r.Enqueue(TRB{}); ok {
		t.Fatal("Enqueue on a full ring: want ok=false")
	}
}

func TestRingEnqueueWrapsAndFlipsCycle(t *testing.T) {
	pool := newTestPool(t, 1<<16)
	r, err := NewRing(pool, 4)
	if err != nil {
		t.Fatal(err)
	}

	startCycle := r.cycle
	for i := 0; i < int(r.Capacity()); i++ {
		if _, ok := r.Enqueue(TRB{Parameter: uint64(i)}); !ok {
			t.Fatalf("Enqueue %d: want ok=true", i)
		}
	}

	if r.tail != 0 {
		t.Fatalf("tail after wrap = %d, want 0", r.tail)
	}
	if r.cycle == startCycle {
		t.Fatal("cycle did not flip across the wrap")
	}
	if r.generation != 1 {
		t.Fatalf("generation = %d, want 1", r.generation)
	}

	// The written entries must carry the cycle bit that was current at the
	// moment each was enqueued, not the post-wrap cycle.
	first := decodeTRB(r.slotBytes(0))
	if first.Cycle() != startCycle {
		t.Fatalf("slot 0 Cycle() = %v, want %v (the pre-wrap producer cycle)", first.Cycle(), startCycle)
	}

	// The Link TRB's own cycle bit must carry the lap that just ended, so a
	// consumer still on that lap follows it back to the start.
	link := decodeTRB(r.slotBytes(r.count - 1))
	if link.Cycle() != startCycle {
		t.Fatalf("link TRB Cycle() = %v, want %v (the pre-wrap producer cycle)", link.Cycle(), startCycle)
	}
}

func TestRingNextPhysAddrMatchesEnqueueReturn(t *testing.T) {
	pool := newTestPool(t, 1<<16)
	r, err := NewRing(pool, 4)
	if err != nil {
		t.Fatal(err)
	}

	want := r.NextPhysAddr()
	got, ok := r.Enqueue(TRB{Parameter: 0xdead})
	if !ok {
		t.Fatal("Enqueue: want ok=true")
	}
	if got != want {
		t.Fatalf("Enqueue phys = %#x, NextPhysAddr() beforehand was %#x", got, want)
	}
}

func TestTRBTypeAndCompletionCodeDecode(t *testing.T) {
	trb := TRB{
		Control: uint32(TypeCommandCompletionEvent)<<ctrlTypeShift | 5<<ctrlSlotShift,
		Status:  uint32(CompletionStall) << 24,
	}
	if trb.Type() != TypeCommandCompletionEvent {
		t.Errorf("Type() = %d, want %d", trb.Type(), TypeCommandCompletionEvent)
	}
	if trb.SlotID() != 5 {
		t.Errorf("SlotID() = %d, want 5", trb.SlotID())
	}
	if trb.CompletionCode() != CompletionStall {
		t.Errorf("CompletionCode() = %d, want %d", trb.CompletionCode(), CompletionStall)
	}
}
