package nvme

import (
	"encoding/binary"
	"os"
	"testing"

	"github.com/redox-os/drivers-sub001/internal/memory"
)

// newTestPool stands up a Pool backed by a temp file, standing in for the
// real memory scheme, following the convention established by
// internal/memory's own tests.
func newTestPool(t *testing.T, size int) *memory.Pool {
	t.Helper()

	f, err := os.CreateTemp(t.TempDir(), "nvme-pool")
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

func newTestController(t *testing.T, pool *memory.Pool) *Controller {
	t.Helper()
	regs := make([]byte, 0x2000)
	return &Controller{
		regs:  regs,
		pool:  pool,
		dstrd: 4,
		io:    make(map[uint16]*QueuePair),
	}
}

func TestQueuePairTrySubmitFillsRing(t *testing.T) {
	pool := newTestPool(t, 1<<20)
	c := newTestController(t, pool)

	qp, err := newQueuePair(pool, 1, 4, 4, sqeSize, cqeSize)
	if err != nil {
		t.Fatal(err)
	}
	c.bindDoorbells(qp)
	c.io[1] = qp

	// A 4-entry ring holds 3 in flight (one slot always kept empty to
	// distinguish full from empty, per full()'s tail+1==head check).
	for i := 0; i < 3; i++ {
		if _, _, ok := c.TrySubmit(1, func(cid uint16) SQE { return SQE{Opcode: OpRead, CID: cid} }); !ok {
			t.Fatalf("TrySubmit %d: want ok=true", i)
		}
	}

	if _, _, ok := c.TrySubmit(1, func(cid uint16) SQE { return SQE{Opcode: OpRead, CID: cid} }); ok {
		t.Fatal("TrySubmit on a full ring: want ok=false")
	}
}

func TestQueuePairPollCqesDeliversMatchingCompletion(t *testing.T) {
	pool := newTestPool(t, 1<<20)
	c := newTestController(t, pool)

	qp, err := newQueuePair(pool, 1, 4, 4, sqeSize, cqeSize)
	if err != nil {
		t.Fatal(err)
	}
	c.bindDoorbells(qp)
	c.io[1] = qp

	_, cmdId, ok := c.TrySubmit(1, func(cid uint16) SQE { return SQE{Opcode: OpWrite, CID: cid} })
	if !ok {
		t.Fatal("TrySubmit: want ok=true")
	}

	// Simulate the device posting a completion: write a CQE with the
	// submitted command's id and the ring's starting phase (true).
	cqe := CQE{CID: cmdId, Status: 1} // status code 0, phase bit set
	var b [cqeSize]byte
	putCQE(b[:], cqe)
	copy(qp.cq.slot(0), b[:])

	var got []CQE
	c.PollCqes(func(cqId, gotCmdId uint16, cqe CQE) {
		if cqId != 1 {
			t.Errorf("cqId = %d, want 1", cqId)
		}
		if gotCmdId != cmdId {
			t.Errorf("cmdId = %d, want %d", gotCmdId, cmdId)
		}
		got = append(got, cqe)
	})

	if len(got) != 1 {
		t.Fatalf("PollCqes delivered %d completions, want 1", len(got))
	}
	if got[0].StatusCode() != 0 {
		t.Fatalf("StatusCode() = %#x, want 0", got[0].StatusCode())
	}
	if qp.cq.head != 1 {
		t.Fatalf("cq.head = %d, want 1", qp.cq.head)
	}
}

func TestQueuePairPollCqesStopsAtWrongPhase(t *testing.T) {
	pool := newTestPool(t, 1<<20)
	c := newTestController(t, pool)

	qp, err := newQueuePair(pool, 1, 4, 4, sqeSize, cqeSize)
	if err != nil {
		t.Fatal(err)
	}
	c.bindDoorbells(qp)
	c.io[1] = qp

	// No completion posted: the slot's phase bit is 0 (zeroed DMA memory),
	// so PollCqes must not treat it as ready (ring starts expecting phase=true).
	var calls int
	c.PollCqes(func(uint16, uint16, CQE) { calls++ })
	if calls != 0 {
		t.Fatalf("PollCqes invoked handle %d times on an empty ring, want 0", calls)
	}
}

// putCQE is the test-side mirror of decodeCQE, used to fabricate a
// device-posted completion entry.
func putCQE(b []byte, c CQE) {
	binary.LittleEndian.PutUint32(b[0:], c.DW0)
	binary.LittleEndian.PutUint16(b[8:], c.SQHead)
	binary.LittleEndian.PutUint16(b[10:], c.SQID)
	binary.LittleEndian.PutUint16(b[12:], c.CID)
	binary.LittleEndian.PutUint16(b[14:], c.Status)
}
