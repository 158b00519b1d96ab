package memory

import (
	"container/list"
	"fmt"
	"sync"
	"unsafe"
)

// dmaBlock is a first-fit allocator block, adapted from the teacher's
// bare-metal dma.Region allocator onto a single mmap'd pool per MemType.
type dmaBlock struct {
	addr uint
	size uint
}

// Pool is a contiguous, physically-addressable region carved up by a
// first-fit allocator. One Pool backs each MemType in practice; tests may
// construct additional pools directly.
type Pool struct {
	mu sync.Mutex

	mapping  *PhysMapping
	virtBase uintptr

	freeBlocks *list.List
	usedBlocks map[uint]*dmaBlock
}

// NewPool creates an allocator pool over an already-mapped physical range.
func NewPool(m *PhysMapping) *Pool {
	p := &Pool{
		mapping:  m,
		virtBase: uintptr(unsafe.Pointer(&m.data[0])),
	}

	p.freeBlocks = list.New()
	p.freeBlocks.PushFront(&dmaBlock{addr: 0, size: m.Len()})
	p.usedBlocks = make(map[uint]*dmaBlock)

	return p
}

func (p *Pool) alloc(size uint, align uint) (*dmaBlock, error) {
	reqSize := size
	if align > 0 {
		reqSize += align
	}

	var e *list.Element
	var free *dmaBlock

	for e = p.freeBlocks.Front(); e != nil; e = e.Next() {
		b := e.Value.(*dmaBlock)
		if b.size >= reqSize {
			free = b
			break
		}
	}

	if free == nil {
		return nil, fmt.Errorf("memory: out of DMA space (wanted %d bytes)", size)
	}

	p.freeBlocks.Remove(e)

	addr := free.addr
	if align > 0 && addr%align != 0 {
		addr += align - (addr % align)
	}

	if rem := free.size - (addr - free.addr) - size; rem > 0 {
		p.insertFree(&dmaBlock{addr: addr + size, size: rem})
	}
	if lead := addr - free.addr; lead > 0 {
		p.insertFree(&dmaBlock{addr: free.addr, size: lead})
	}

	b := &dmaBlock{addr: addr, size: size}
	p.usedBlocks[addr] = b

	return b, nil
}

// insertFree keeps freeBlocks ordered by address so defrag's adjacency scan
// sees physically contiguous blocks next to each other regardless of the
// order they were freed or split in.
func (p *Pool) insertFree(b *dmaBlock) {
	for e := p.freeBlocks.Front(); e != nil; e = e.Next() {
		if e.Value.(*dmaBlock).addr > b.addr {
			p.freeBlocks.InsertBefore(b, e)
			return
		}
	}
	p.freeBlocks.PushBack(b)
}

func (p *Pool) free(addr uint) {
	b, ok := p.usedBlocks[addr]
	if !ok {
		return
	}

	delete(p.usedBlocks, addr)
	p.insertFree(b)
	p.defrag()
}

func (p *Pool) defrag() {
	var prev *dmaBlock

	for e := p.freeBlocks.Front(); e != nil; e = e.Next() {
		b := e.Value.(*dmaBlock)

		if prev != nil && prev.addr+prev.size == b.addr {
			prev.size += b.size
			defer p.freeBlocks.Remove(e)
			continue
		}

		prev = b
	}
}

func (p *Pool) slice(b *dmaBlock) []byte {
	ptr := unsafe.Add(unsafe.Pointer(p.virtBase), b.addr)
	return unsafe.Slice((*byte)(ptr), b.size)
}

// BytesAt returns the pool-backed byte slice for a physical address and
// length obtained from Dma.PhysAddr, for callers (test harnesses simulating
// the device side of a DMA transfer) that only have the physical address.
func (p *Pool) BytesAt(phys uint64, length uint) []byte {
	addr := uint(phys - p.mapping.Base())
	ptr := unsafe.Add(unsafe.Pointer(p.virtBase), addr)
	return unsafe.Slice((*byte)(ptr), length)
}

// Dma is a contiguous, physically-addressable, typed DMA buffer. Its
// physical address is stable for the buffer's lifetime; the device may
// read/write it freely during that lifetime.
type Dma[T any] struct {
	pool *Pool
	blk  *dmaBlock
	buf  []byte
}

// ZeroedDma allocates a zero-initialized DMA buffer sized for one T.
func ZeroedDma[T any](pool *Pool) (*Dma[T], error) {
	return ZeroedDmaSlice[T](pool, 1)
}

// ZeroedDmaSlice allocates a zero-initialized DMA buffer sized for n T.
func ZeroedDmaSlice[T any](pool *Pool, n int) (*Dma[T], error) {
	var zero T
	size := uint(unsafe.Sizeof(zero)) * uint(n)

	pool.mu.Lock()
	defer pool.mu.Unlock()

	blk, err := pool.alloc(size, 0)
	if err != nil {
		return nil, err
	}

	buf := pool.slice(blk)
	clear(buf)

	return &Dma[T]{pool: pool, blk: blk, buf: buf}, nil
}

// PhysAddr returns the device-visible physical address of the buffer.
func (d *Dma[T]) PhysAddr() uint64 {
	return d.pool.mapping.Base() + uint64(d.blk.addr)
}

// Bytes exposes the buffer's raw backing storage.
func (d *Dma[T]) Bytes() []byte {
	return d.buf
}

// Value reinterprets the buffer as a single *T. The caller must not retain
// the pointer past Release.
func (d *Dma[T]) Value() *T {
	return (*T)(unsafe.Pointer(&d.buf[0]))
}

// Slice reinterprets the buffer as a []T of the allocated length.
func (d *Dma[T]) Slice() []T {
	var zero T
	n := len(d.buf) / int(unsafe.Sizeof(zero))
	return unsafe.Slice((*T)(unsafe.Pointer(&d.buf[0])), n)
}

// Release frees the buffer back to its pool.
func (d *Dma[T]) Release() {
	d.pool.mu.Lock()
	defer d.pool.mu.Unlock()
	d.pool.free(d.blk.addr)
}
