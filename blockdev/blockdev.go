// Package blockdev implements the block-device scheme namespace shared by
// every storage protocol engine (NVMe, AHCI-class controllers): the
// "/", "/<n>" and "/<n>p<p>" path scheme, per-resource exclusive locking,
// and offset-to-LBA translation with partition-boundary clamping.
//
// Grounded on original_source/storage/ahcid/src/scheme.rs's DiskScheme and
// storage/nvmed's identical copy of the same shape; no teacher analogue
// exists (tamago is bare metal and has no scheme IPC), so the surface
// follows the teacher's general "narrow capability interface, composition
// over inheritance" style (cf. kvm/virtio.PCI wrapping a pci.Device).
package blockdev

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Disk is the narrow capability a protocol engine implements to back one
// physical or logical disk. BlockLength and Size describe the disk in its
// own native block size; Read/Write operate in units of that block size,
// exactly like original_source's Disk trait.
type Disk interface {
	BlockLength() (uint32, error)
	Size() uint64
	ReadBlocks(startBlock uint64, buf []byte) (int, error)
	WriteBlocks(startBlock uint64, buf []byte) (int, error)
}

// Partition is one entry of a disk's partition table.
type Partition struct {
	StartLba uint64
	Size     uint64 // in blocks
}

// PartitionTable is the decoded partition table of a Disk, if any.
type PartitionTable struct {
	Partitions []Partition
}

// diskEntry pairs a Disk with its optionally-present partition table.
type diskEntry struct {
	disk Disk
	pt   *PartitionTable
}

// HandleKind discriminates the Handle union (§4.5).
type HandleKind int

const (
	HandleList HandleKind = iota
	HandleDisk
	HandlePartition
)

// Handle is an open scheme resource.
type Handle struct {
	Kind        HandleKind
	ListBuf     []byte
	DiskIndex   int
	PartIndex   uint32
}

var (
	ErrNotFound = errors.New("blockdev: no such disk or partition")
	ErrBadFd    = errors.New("blockdev: invalid handle")
	ErrLocked   = errors.New("blockdev: resource already open (ENOLCK)")
	ErrOverflow = errors.New("blockdev: access beyond partition bounds")
	ErrReadOnly = errors.New("blockdev: list handle is not writable")
)

// Scheme is the per-driver daemon's namespace of disks and their
// partitions, with per-resource exclusive-open locking (§4.5, §8 "no
// overlapping write locks" invariant).
type Scheme struct {
	mu sync.Mutex

	schemeName string
	disks      []diskEntry
	handles    map[int]Handle
	nextID     int
}

// NewScheme builds a namespace over disks, pairing disks[i] with the
// already-decoded partitionTables[i] (a nil or missing entry means "no
// partition table").
func NewScheme(schemeName string, disks []Disk, partitionTables []*PartitionTable) *Scheme {
	entries := make([]diskEntry, len(disks))
	for i, d := range disks {
		var pt *PartitionTable
		if i < len(partitionTables) {
			pt = partitionTables[i]
		}
		entries[i] = diskEntry{disk: d, pt: pt}
	}

	return &Scheme{
		schemeName: schemeName,
		disks:      entries,
		handles:    make(map[int]Handle),
	}
}

// checkLocks mirrors DiskScheme::check_locks: a disk opened whole-disk
// conflicts with any other open handle on the same disk (whole or
// partition); a partition conflicts only with the same partition or a
// whole-disk open of the same disk.
func (s *Scheme) checkLocks(diskIdx int, partIdx *uint32) error {
	for _, h := range s.handles {
		switch h.Kind {
		case HandleDisk:
			if h.DiskIndex == diskIdx {
				return ErrLocked
			}
		case HandlePartition:
			if h.DiskIndex == diskIdx {
				if partIdx == nil || h.PartIndex == *partIdx {
					return ErrLocked
				}
			}
		}
	}
	return nil
}

// Open resolves path ("", "<n>", "<n>p<p>") to a new handle id, per §4.5.
func (s *Scheme) Open(path string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	trimmed := strings.Trim(path, "/")

	var h Handle

	switch {
	case trimmed == "":
		h = Handle{Kind: HandleList, ListBuf: s.renderList()}

	case strings.ContainsRune(trimmed, 'p'):
		pPos := strings.IndexByte(trimmed, 'p')
		diskStr, partStr := trimmed[:pPos], trimmed[pPos+1:]
		if partStr == "" {
			return 0, ErrNotFound
		}

		diskIdx, err := strconv.Atoi(diskStr)
		if err != nil {
			return 0, ErrNotFound
		}
		partIdx64, err := strconv.ParseUint(partStr, 10, 32)
		if err != nil {
			return 0, ErrNotFound
		}
		partIdx := uint32(partIdx64)

		if diskIdx < 0 || diskIdx >= len(s.disks) {
			return 0, ErrNotFound
		}
		entry := s.disks[diskIdx]
		if entry.pt == nil || int(partIdx) >= len(entry.pt.Partitions) {
			return 0, ErrNotFound
		}

		if err := s.checkLocks(diskIdx, &partIdx); err != nil {
			return 0, err
		}

		h = Handle{Kind: HandlePartition, DiskIndex: diskIdx, PartIndex: partIdx}

	default:
		diskIdx, err := strconv.Atoi(trimmed)
		if err != nil {
			return 0, ErrNotFound
		}
		if diskIdx < 0 || diskIdx >= len(s.disks) {
			return 0, ErrNotFound
		}

		if err := s.checkLocks(diskIdx, nil); err != nil {
			return 0, err
		}

		h = Handle{Kind: HandleDisk, DiskIndex: diskIdx}
	}

	id := s.nextID
	s.nextID++
	s.handles[id] = h
	return id, nil
}

func (s *Scheme) renderList() []byte {
	var b strings.Builder
	for i, entry := range s.disks {
		fmt.Fprintf(&b, "%d\n", i)
		if entry.pt == nil {
			continue
		}
		for p := range entry.pt.Partitions {
			fmt.Fprintf(&b, "%dp%d\n", i, p)
		}
	}
	return []byte(b.String())
}

// Size returns the byte size of the resource behind id.
func (s *Scheme) Size(id int) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.handles[id]
	if !ok {
		return 0, ErrBadFd
	}

	switch h.Kind {
	case HandleList:
		return uint64(len(h.ListBuf)), nil
	case HandleDisk:
		return s.disks[h.DiskIndex].disk.Size(), nil
	case HandlePartition:
		entry := s.disks[h.DiskIndex]
		blkLen, err := entry.disk.BlockLength()
		if err != nil {
			return 0, err
		}
		return uint64(blkLen) * entry.pt.Partitions[h.PartIndex].Size, nil
	}
	return 0, ErrBadFd
}

// Read services a read at offset (in bytes) into buf.
func (s *Scheme) Read(id int, buf []byte, offset uint64) (int, error) {
	s.mu.Lock()
	h, ok := s.handles[id]
	s.mu.Unlock()
	if !ok {
		return 0, ErrBadFd
	}

	switch h.Kind {
	case HandleList:
		if offset >= uint64(len(h.ListBuf)) {
			return 0, nil
		}
		n := copy(buf, h.ListBuf[offset:])
		return n, nil

	case HandleDisk:
		entry := s.disks[h.DiskIndex]
		blkLen, err := entry.disk.BlockLength()
		if err != nil {
			return 0, err
		}
		return entry.disk.ReadBlocks(offset/uint64(blkLen), buf)

	case HandlePartition:
		abs, err := s.translate(h, offset, uint64(len(buf)))
		if err != nil {
			return 0, err
		}
		return s.disks[h.DiskIndex].disk.ReadBlocks(abs, buf)
	}
	return 0, ErrBadFd
}

// Write services a write at offset (in bytes) from buf.
func (s *Scheme) Write(id int, buf []byte, offset uint64) (int, error) {
	s.mu.Lock()
	h, ok := s.handles[id]
	s.mu.Unlock()
	if !ok {
		return 0, ErrBadFd
	}

	switch h.Kind {
	case HandleList:
		return 0, ErrReadOnly

	case HandleDisk:
		entry := s.disks[h.DiskIndex]
		blkLen, err := entry.disk.BlockLength()
		if err != nil {
			return 0, err
		}
		return entry.disk.WriteBlocks(offset/uint64(blkLen), buf)

	case HandlePartition:
		abs, err := s.translate(h, offset, uint64(len(buf)))
		if err != nil {
			return 0, err
		}
		return s.disks[h.DiskIndex].disk.WriteBlocks(abs, buf)
	}
	return 0, ErrBadFd
}

// translate converts a partition-relative byte offset into an absolute
// block number, rejecting any access whose first block, or whose last block
// given bufLen bytes starting there, falls outside the partition (§4.5, §8
// "partition boundary" scenario).
func (s *Scheme) translate(h Handle, offset, bufLen uint64) (uint64, error) {
	entry := s.disks[h.DiskIndex]
	blkLen, err := entry.disk.BlockLength()
	if err != nil {
		return 0, err
	}

	part := entry.pt.Partitions[h.PartIndex]
	relBlock := offset / uint64(blkLen)
	numBlocks := (bufLen + uint64(blkLen) - 1) / uint64(blkLen)
	if relBlock >= part.Size || relBlock+numBlocks > part.Size {
		return 0, ErrOverflow
	}

	return part.StartLba + relBlock, nil
}

// Close releases id's lock.
func (s *Scheme) Close(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.handles[id]; !ok {
		return ErrBadFd
	}
	delete(s.handles, id)
	return nil
}

// Path renders the canonical scheme path for an open handle, matching
// DiskScheme::fpath: "<scheme>:<n>" or "<scheme>:<n>p<p>" ("<scheme>:" for
// the list handle).
func (s *Scheme) Path(id int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.handles[id]
	if !ok {
		return "", ErrBadFd
	}

	switch h.Kind {
	case HandleList:
		return s.schemeName + ":", nil
	case HandleDisk:
		return fmt.Sprintf("%s:%d", s.schemeName, h.DiskIndex), nil
	case HandlePartition:
		return fmt.Sprintf("%s:%dp%d", s.schemeName, h.DiskIndex, h.PartIndex), nil
	}
	return "", ErrBadFd
}
