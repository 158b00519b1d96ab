package xhci

import "testing"

func TestEventRingDequeueGatesOnPhase(t *testing.T) {
	pool := newTestPool(t, 1<<16)
	er, err := NewEventRing(pool, 4)
	if err != nil {
		t.Fatal(err)
	}

	// Freshly zeroed memory has cycle bit 0, which does not match the
	// ring's starting phase of true: nothing should be dequeued yet.
	if _, ok := er.Dequeue(); ok {
		t.Fatal("Dequeue() on an empty event ring: want ok=false")
	}

	trb := TRB{Parameter: 0x1234, Control: uint32(TypeCommandCompletionEvent)<<ctrlTypeShift | ctrlCycle}
	trb.encode(er.slotBytes(0))

	got, ok := er.Dequeue()
	if !ok {
		t.Fatal("Dequeue() after writing a matching-phase TRB: want ok=true")
	}
	if got.Parameter != 0x1234 {
		t.Fatalf("Parameter = %#x, want 0x1234", got.Parameter)
	}
	if er.dequeue != 1 {
		t.Fatalf("dequeue = %d, want 1", er.dequeue)
	}
}

func TestEventRingWrapFlipsPhase(t *testing.T) {
	pool := newTestPool(t, 1<<16)
	er, err := NewEventRing(pool, 2)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		trb := TRB{Parameter: uint64(i), Control: ctrlCycle}
		trb.encode(er.slotBytes(uint(i)))
	}

	startPhase := er.phase
	for i := 0; i < 2; i++ {
		if _, ok := er.Dequeue(); !ok {
			t.Fatalf("Dequeue() %d: want ok=true", i)
		}
	}

	if er.dequeue != 0 {
		t.Fatalf("dequeue after wrap = %d, want 0", er.dequeue)
	}
	if er.phase == startPhase {
		t.Fatal("phase did not flip across the segment wrap")
	}
}

func TestEventRingERSTPointsAtSegment(t *testing.T) {
	pool := newTestPool(t, 1<<16)
	er, err := NewEventRing(pool, 4)
	if err != nil {
		t.Fatal(err)
	}

	if er.ERSTSize() != 1 {
		t.Fatalf("ERSTSize() = %d, want 1", er.ERSTSize())
	}
	if er.ERSTPhysAddr() == 0 {
		t.Fatal("ERSTPhysAddr() is zero")
	}
}
