package blockdev

import (
	"bytes"
	"testing"
)

// memDisk is a minimal in-memory Disk used only by this package's tests.
type memDisk struct {
	blockSize uint32
	data      []byte
}

func newMemDisk(blockSize uint32, blocks int) *memDisk {
	return &memDisk{blockSize: blockSize, data: make([]byte, blocks*int(blockSize))}
}

func (d *memDisk) BlockLength() (uint32, error) { return d.blockSize, nil }
func (d *memDisk) Size() uint64                 { return uint64(len(d.data)) }

func (d *memDisk) ReadBlocks(startBlock uint64, buf []byte) (int, error) {
	off := startBlock * uint64(d.blockSize)
	return copy(buf, d.data[off:]), nil
}

func (d *memDisk) WriteBlocks(startBlock uint64, buf []byte) (int, error) {
	off := startBlock * uint64(d.blockSize)
	return copy(d.data[off:], buf), nil
}

func TestOpenListRendersDisksAndPartitions(t *testing.T) {
	disk0 := newMemDisk(512, 64)
	disk1 := newMemDisk(512, 128)
	pt1 := &PartitionTable{Partitions: []Partition{{StartLba: 10, Size: 20}}}

	s := NewScheme("disk", []Disk{disk0, disk1}, []*PartitionTable{nil, pt1})

	id, err := s.Open("")
	if err != nil {
		t.Fatalf("Open(\"\"): %v", err)
	}

	size, err := s.Size(id)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	buf := make([]byte, size)
	n, err := s.Read(id, buf, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	want := "0\n1\n1p0\n"
	if got := string(buf[:n]); got != want {
		t.Fatalf("list contents = %q, want %q", got, want)
	}
}

func TestWriteThenReadWholeDiskRoundTrip(t *testing.T) {
	disk := newMemDisk(512, 64)
	s := NewScheme("disk", []Disk{disk}, []*PartitionTable{nil})

	id, err := s.Open("0")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	want := bytes.Repeat([]byte{0xab}, 512)
	if _, err := s.Write(id, want, 512); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got := make([]byte, 512)
	if _, err := s.Read(id, got, 512); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("Read after Write mismatch: got % x, want % x", got[:8], want[:8])
	}
}

func TestPartitionOffsetTranslationClampsToBounds(t *testing.T) {
	disk := newMemDisk(512, 64)
	pt := &PartitionTable{Partitions: []Partition{{StartLba: 10, Size: 4}}}
	s := NewScheme("disk", []Disk{disk}, []*PartitionTable{pt})

	id, err := s.Open("0p0")
	if err != nil {
		t.Fatalf("Open(0p0): %v", err)
	}

	payload := make([]byte, 512)
	if _, err := s.Write(id, payload, 0); err != nil {
		t.Fatalf("Write within partition bounds: %v", err)
	}

	// Partition is 4 blocks (2048 bytes); an access fully past that must
	// overflow rather than silently reach into the next partition/disk.
	if _, err := s.Write(id, payload, 4*512); err != ErrOverflow {
		t.Fatalf("Write past partition bound: got %v, want ErrOverflow", err)
	}
}

func TestPartitionWriteStartingInsideBoundsRejectsOverrun(t *testing.T) {
	disk := newMemDisk(512, 64)
	pt := &PartitionTable{Partitions: []Partition{{StartLba: 10, Size: 4}}}
	s := NewScheme("disk", []Disk{disk}, []*PartitionTable{pt})

	id, err := s.Open("0p0")
	if err != nil {
		t.Fatalf("Open(0p0): %v", err)
	}

	// Starting block (3) is within the 4-block partition, but a 2-block
	// buffer from there would reach block 5, past the partition's end.
	payload := make([]byte, 2*512)
	if _, err := s.Write(id, payload, 3*512); err != ErrOverflow {
		t.Fatalf("Write spilling past partition bound: got %v, want ErrOverflow", err)
	}
	if _, err := s.Read(id, payload, 3*512); err != ErrOverflow {
		t.Fatalf("Read spilling past partition bound: got %v, want ErrOverflow", err)
	}
}

func TestOpenSameDiskTwiceIsLocked(t *testing.T) {
	disk := newMemDisk(512, 64)
	s := NewScheme("disk", []Disk{disk}, []*PartitionTable{nil})

	if _, err := s.Open("0"); err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if _, err := s.Open("0"); err != ErrLocked {
		t.Fatalf("second Open(0): got %v, want ErrLocked", err)
	}
}

func TestOpenPartitionLocksOnlyThatPartition(t *testing.T) {
	disk := newMemDisk(512, 64)
	pt := &PartitionTable{Partitions: []Partition{
		{StartLba: 0, Size: 10},
		{StartLba: 10, Size: 10},
	}}
	s := NewScheme("disk", []Disk{disk}, []*PartitionTable{pt})

	if _, err := s.Open("0p0"); err != nil {
		t.Fatalf("Open(0p0): %v", err)
	}
	if _, err := s.Open("0p1"); err != nil {
		t.Fatalf("Open(0p1) should not conflict with 0p0's lock: %v", err)
	}
	if _, err := s.Open("0p0"); err != ErrLocked {
		t.Fatalf("reopening 0p0: got %v, want ErrLocked", err)
	}
	if _, err := s.Open("0"); err != ErrLocked {
		t.Fatalf("whole-disk open with a partition already open: got %v, want ErrLocked", err)
	}
}

func TestCloseReleasesLock(t *testing.T) {
	disk := newMemDisk(512, 64)
	s := NewScheme("disk", []Disk{disk}, []*PartitionTable{nil})

	id, err := s.Open("0")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Close(id); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := s.Open("0"); err != nil {
		t.Fatalf("reopening after Close: %v", err)
	}
}

func TestOpenUnknownDiskOrPartition(t *testing.T) {
	disk := newMemDisk(512, 64)
	s := NewScheme("disk", []Disk{disk}, []*PartitionTable{nil})

	if _, err := s.Open("5"); err != ErrNotFound {
		t.Fatalf("Open(5): got %v, want ErrNotFound", err)
	}
	if _, err := s.Open("0p0"); err != ErrNotFound {
		t.Fatalf("Open(0p0) on a disk with no partition table: got %v, want ErrNotFound", err)
	}
}

func TestWriteToListHandleIsReadOnly(t *testing.T) {
	disk := newMemDisk(512, 64)
	s := NewScheme("disk", []Disk{disk}, []*PartitionTable{nil})

	id, err := s.Open("")
	if err != nil {
		t.Fatalf("Open(\"\"): %v", err)
	}
	if _, err := s.Write(id, []byte{0}, 0); err != ErrReadOnly {
		t.Fatalf("Write to list handle: got %v, want ErrReadOnly", err)
	}
}

func TestPathRendersCanonicalForm(t *testing.T) {
	disk := newMemDisk(512, 64)
	pt := &PartitionTable{Partitions: []Partition{{StartLba: 0, Size: 10}}}
	s := NewScheme("disk", []Disk{disk}, []*PartitionTable{pt})

	listID, _ := s.Open("")
	diskID, _ := s.Open("0")

	if p, _ := s.Path(listID); p != "disk:" {
		t.Fatalf("list Path = %q, want %q", p, "disk:")
	}
	if p, _ := s.Path(diskID); p != "disk:0" {
		t.Fatalf("disk Path = %q, want %q", p, "disk:0")
	}
}
