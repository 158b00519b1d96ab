package nvme

import (
	"fmt"

	"github.com/redox-os/drivers-sub001/internal/memory"
	"github.com/redox-os/drivers-sub001/reactor"
)

const pageSize = 4096

// Namespace adapts one NVMe namespace to blockdev.Disk, bridging the
// asynchronous CompletionFuture path (§4.4) to the block scheme layer's
// synchronous Read/Write contract by blocking the calling goroutine on
// reactor.Submit (§4.5 "asynchronous drivers ... bridge to this by
// awaiting the completion future in a blocking adapter").
type Namespace struct {
	ctrl *Controller
	re   *reactor.Reactor[uint16, uint16, uint16, SQE, CQE]
	pool *memory.Pool

	nsid      uint32
	sqID      uint16
	blockSize uint32
	blockCnt  uint64
}

// NewNamespace builds a Namespace backed by an IO queue pair already
// created via Controller.AddIOQueuePair and driven by re.
func NewNamespace(ctrl *Controller, re *reactor.Reactor[uint16, uint16, uint16, SQE, CQE], pool *memory.Pool, sqID uint16, nsid uint32, ns IdentifyNamespace) *Namespace {
	return &Namespace{
		ctrl:      ctrl,
		re:        re,
		pool:      pool,
		nsid:      nsid,
		sqID:      sqID,
		blockSize: ns.BlockSize(),
		blockCnt:  ns.Size,
	}
}

// BlockLength implements blockdev.Disk.
func (n *Namespace) BlockLength() (uint32, error) { return n.blockSize, nil }

// Size implements blockdev.Disk: total disk size in bytes.
func (n *Namespace) Size() uint64 { return n.blockCnt * uint64(n.blockSize) }

// prpPair builds PRP1/PRP2 for a DMA buffer up to two pages; larger
// transfers would need a PRP list, which no caller in this repository's
// scope issues (§1 non-goals: "full ... feature coverage").
func (n *Namespace) prpPair(d *memory.Dma[byte]) (uint64, uint64, error) {
	phys := d.PhysAddr()
	length := len(d.Bytes())
	if length <= pageSize {
		return phys, 0, nil
	}
	if length > 2*pageSize {
		return 0, 0, fmt.Errorf("nvme: transfer of %d bytes exceeds 2-page PRP1/PRP2 limit", length)
	}
	return phys, phys - (phys % pageSize) + pageSize, nil
}

// ReadBlocks implements blockdev.Disk: reads len(buf)/blockSize blocks
// starting at startBlock into buf (§8 scenario 3).
func (n *Namespace) ReadBlocks(startBlock uint64, buf []byte) (int, error) {
	return n.rw(OpRead, startBlock, buf, false)
}

// WriteBlocks implements blockdev.Disk.
func (n *Namespace) WriteBlocks(startBlock uint64, buf []byte) (int, error) {
	return n.rw(OpWrite, startBlock, buf, true)
}

func (n *Namespace) rw(opcode uint8, startBlock uint64, buf []byte, write bool) (int, error) {
	if len(buf)%int(n.blockSize) != 0 {
		return 0, fmt.Errorf("nvme: transfer length %d is not a multiple of block size %d", len(buf), n.blockSize)
	}
	numBlocks := uint32(len(buf) / int(n.blockSize))
	if numBlocks == 0 {
		return 0, nil
	}

	d, err := memory.ZeroedDmaSlice[byte](n.pool, len(buf))
	if err != nil {
		return 0, fmt.Errorf("nvme: transfer buffer alloc: %w", err)
	}
	defer d.Release()

	if write {
		copy(d.Bytes(), buf)
	}

	prp1, prp2, err := n.prpPair(d)
	if err != nil {
		return 0, err
	}

	cqe := n.re.Submit(n.sqID, func(cid uint16) SQE {
		return SQE{
			Opcode: opcode,
			CID:    cid,
			NSID:   n.nsid,
			PRP1:   prp1,
			PRP2:   prp2,
			CDW10:  uint32(startBlock),
			CDW11:  uint32(startBlock >> 32),
			CDW12:  numBlocks - 1, // NLB is zero-based
		}
	})

	if cqe.StatusCode() != 0 {
		return 0, fmt.Errorf("nvme: %s at lba %d failed, status=%#x", opName(opcode), startBlock, cqe.StatusCode())
	}

	if !write {
		copy(buf, d.Bytes())
	}

	return len(buf), nil
}

func opName(opcode uint8) string {
	switch opcode {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	default:
		return fmt.Sprintf("opcode %#x", opcode)
	}
}
