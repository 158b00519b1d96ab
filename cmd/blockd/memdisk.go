package main

import "sync"

// memDisk is a RAM-backed blockdev.Disk used to exercise the block scheme
// layer end to end without real storage hardware — the "disk-side
// exerciser" SPEC_FULL.md §1 adds alongside cmd/nvmed and cmd/xhcid so C5
// is reachable from a main() the way the teacher's example/ package
// exercises its core packages.
type memDisk struct {
	mu        sync.Mutex
	blockSize uint32
	data      []byte
}

func newMemDisk(blockSize uint32, blockCount uint64) *memDisk {
	return &memDisk{
		blockSize: blockSize,
		data:      make([]byte, blockSize*uint32(blockCount)),
	}
}

func (d *memDisk) BlockLength() (uint32, error) { return d.blockSize, nil }

func (d *memDisk) Size() uint64 { return uint64(len(d.data)) }

func (d *memDisk) ReadBlocks(startBlock uint64, buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	off := startBlock * uint64(d.blockSize)
	if off >= uint64(len(d.data)) {
		return 0, nil
	}
	return copy(buf, d.data[off:]), nil
}

func (d *memDisk) WriteBlocks(startBlock uint64, buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	off := startBlock * uint64(d.blockSize)
	if off >= uint64(len(d.data)) {
		return 0, nil
	}
	return copy(d.data[off:], buf), nil
}
