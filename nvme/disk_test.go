package nvme

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/redox-os/drivers-sub001/internal/memory"
	"github.com/redox-os/drivers-sub001/reactor"
)

// loopbackIrq is an io.ReadWriter standing in for the IRQ file, mirroring
// the fixture package reactor tests itself with: Read blocks until notify.
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

// decodeSQE mirrors SQE.encode's layout, for a test-side device simulator
// reading an SQE back out of a ring slot.
func decodeSQE(b []byte) SQE {
	return SQE{
		Opcode: b[0],
		Flags:  b[1],
		CID:    binary.LittleEndian.Uint16(b[2:]),
		NSID:   binary.LittleEndian.Uint32(b[4:]),
		PRP1:   binary.LittleEndian.Uint64(b[24:]),
		PRP2:   binary.LittleEndian.Uint64(b[32:]),
		CDW10:  binary.LittleEndian.Uint32(b[40:]),
		CDW11:  binary.LittleEndian.Uint32(b[44:]),
		CDW12:  binary.LittleEndian.Uint32(b[48:]),
	}
}

// fakeDevice simulates NVMe hardware servicing one IO queue pair: it polls
// the SQ tail for newly-enqueued commands, applies READ/WRITE against an
// in-memory backing store, and posts completions onto the CQ ring with the
// device-owned phase bit, notifying irq after each batch.
type fakeDevice struct {
	pool  *memory.Pool
	qp    *QueuePair
	irq   *loopbackIrq
	disk  []byte // raw backing store, blockSize-addressed
	block uint32

	lastTail uint
	cqTail   uint
	cqPhase  bool

	stop chan struct{}
}

func newFakeDevice(pool *memory.Pool, qp *QueuePair, irq *loopbackIrq, diskBlocks int, blockSize uint32) *fakeDevice {
	return &fakeDevice{
		pool:    pool,
		qp:      qp,
		irq:     irq,
		disk:    make([]byte, diskBlocks*int(blockSize)),
		block:   blockSize,
		cqPhase: true,
		stop:    make(chan struct{}),
	}
}

func (d *fakeDevice) run() {
	for {
		select {
		case <-d.stop:
			return
		default:
		}

		d.qp.mu.Lock()
		tail := d.qp.sq.tail
		d.qp.mu.Unlock()

		if tail == d.lastTail {
			time.Sleep(time.Millisecond)
			continue
		}

		for idx := d.lastTail; idx != tail; idx = (idx + 1) % d.qp.sq.count {
			d.qp.mu.Lock()
			sqe := decodeSQE(d.qp.sq.slot(idx))
			d.qp.mu.Unlock()

			d.service(sqe, uint16((idx+1)%d.qp.sq.count))
		}
		d.lastTail = tail

		d.irq.notify()
	}
}

func (d *fakeDevice) service(sqe SQE, sqHead uint16) {
	lba := uint64(sqe.CDW10) | uint64(sqe.CDW11)<<32
	numBlocks := int(sqe.CDW12) + 1
	length := numBlocks * int(d.block)
	data := d.pool.BytesAt(sqe.PRP1, uint(length))

	off := int(lba) * int(d.block)
	switch sqe.Opcode {
	case OpWrite:
		copy(d.disk[off:off+length], data)
	case OpRead:
		copy(data, d.disk[off:off+length])
	}

	cqe := CQE{CID: sqe.CID, SQHead: sqHead, Status: boolToPhase(d.cqPhase)}
	var b [cqeSize]byte
	putCQE(b[:], cqe)

	d.qp.mu.Lock()
	copy(d.qp.cq.slot(d.cqTail), b[:])
	d.cqTail = (d.cqTail + 1) % d.qp.cq.count
	if d.cqTail == 0 {
		d.cqPhase = !d.cqPhase
	}
	d.qp.mu.Unlock()
}

func boolToPhase(phase bool) uint16 {
	if phase {
		return 1
	}
	return 0
}

func (d *fakeDevice) Stop() { close(d.stop) }

func TestNamespaceWriteThenReadRoundTrip(t *testing.T) {
	pool := newTestPool(t, 1<<20)
	ctrl := newTestController(t, pool)

	ioQP, err := newQueuePair(pool, 1, 8, 8, sqeSize, cqeSize)
	if err != nil {
		t.Fatal(err)
	}
	ctrl.bindDoorbells(ioQP)
	ctrl.io[1] = ioQP

	irq := newLoopbackIrq()
	re := reactor.New[uint16, uint16, uint16, SQE, CQE](ctrl, irq, false)
	go re.Run()
	defer re.Stop()

	dev := newFakeDevice(pool, ioQP, irq, 64, 512)
	go dev.run()
	defer dev.Stop()

	ns := NewNamespace(ctrl, re, pool, 1, 1, IdentifyNamespace{
		Size:      64,
		Formatted: 0,
		LBAFormat: []LBAFormat{{LBADataSize: 9}}, // 2^9 = 512
	})

	want := make([]byte, 512)
	for i := range want {
		want[i] = byte(i)
	}

	if _, err := ns.WriteBlocks(3, want); err != nil {
		t.Fatalf("WriteBlocks: %v", err)
	}

	got := make([]byte, 512)
	if _, err := ns.ReadBlocks(3, got); err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}

	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ReadBlocks after WriteBlocks mismatch at byte %d: got %#x want %#x", i, got[i], want[i])
		}
	}
}
