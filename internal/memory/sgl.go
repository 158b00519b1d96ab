package memory

import "fmt"

// Chunk is one entry of a Scatter-Gather List: a physically contiguous run
// whose length need not equal the whole logical buffer's.
type Chunk struct {
	Phys uint64
	Len  uint
}

// Sgl is an ordered sequence of physically-discontiguous chunks whose
// virtual view, taken together, is contiguous.
type Sgl struct {
	dma    *Dma[byte]
	chunks []Chunk
}

// NewSgl allocates a minimal-chunk-count SGL covering totalBytes. Because
// the backing pool is a single mmap'd mapping, the list always holds
// exactly one chunk; there is no multi-chunk allocation path.
func NewSgl(pool *Pool, totalBytes int) (*Sgl, error) {
	buf, err := ZeroedDmaSlice[byte](pool, totalBytes)
	if err != nil {
		return nil, fmt.Errorf("memory: sgl alloc: %w", err)
	}

	return &Sgl{
		dma: buf,
		chunks: []Chunk{{
			Phys: buf.PhysAddr(),
			Len:  uint(totalBytes),
		}},
	}, nil
}

// Chunks returns the ordered (phys, len) runs making up the list.
func (s *Sgl) Chunks() []Chunk {
	return s.chunks
}

// Bytes returns the contiguous virtual view backing the list.
func (s *Sgl) Bytes() []byte {
	return s.dma.Bytes()
}

// Release frees the backing DMA allocation.
func (s *Sgl) Release() {
	s.dma.Release()
}
