package xhci

import (
	"encoding/binary"
	"fmt"
)

// BulkOnlyDisk adapts a USB Mass Storage Bulk-Only Transport device to
// blockdev.Disk (§4.5 "asynchronous drivers (NVMe, xHCI mass-storage)
// bridge to this by awaiting the completion future in a blocking
// adapter"). It implements the minimal CBW/CSW framing (SCSI READ(10)/
// WRITE(10) wrapped in a Command Block Wrapper) needed to exercise the
// bulk transfer endpoints configured by ClassDriver.
type BulkOnlyDisk struct {
	cd        *ClassDriver
	bulkIn    uint8
	bulkOut   uint8
	blockSize uint32
	blockCnt  uint64
	tag       uint32
}

// NewBulkOnlyDisk wraps cd's already-configured bulk IN/OUT endpoints.
func NewBulkOnlyDisk(cd *ClassDriver, bulkIn, bulkOut uint8, blockSize uint32, blockCount uint64) *BulkOnlyDisk {
	return &BulkOnlyDisk{cd: cd, bulkIn: bulkIn, bulkOut: bulkOut, blockSize: blockSize, blockCnt: blockCount}
}

func (d *BulkOnlyDisk) BlockLength() (uint32, error) { return d.blockSize, nil }
func (d *BulkOnlyDisk) Size() uint64                 { return d.blockCnt * uint64(d.blockSize) }

const (
	cbwSignature = 0x43425355
	cswSignature = 0x53425355
	cbwSize      = 31
	cswSize      = 13
)

func (d *BulkOnlyDisk) nextTag() uint32 {
	d.tag++
	return d.tag
}

// buildCBW frames a 10-byte SCSI command (READ(10)/WRITE(10)) into a
// 31-byte Command Block Wrapper.
func buildCBW(tag uint32, dataLen uint32, dataIn bool, cdb [10]byte) [cbwSize]byte {
	var b [cbwSize]byte
	binary.LittleEndian.PutUint32(b[0:], cbwSignature)
	binary.LittleEndian.PutUint32(b[4:], tag)
	binary.LittleEndian.PutUint32(b[8:], dataLen)
	if dataIn {
		b[12] = 0x80
	}
	b[14] = 10 // CBWCBLength
	copy(b[15:], cdb[:])
	return b
}

func scsiReadWrite10(opcode uint8, lba uint32, numBlocks uint16) [10]byte {
	var cdb [10]byte
	cdb[0] = opcode
	binary.BigEndian.PutUint32(cdb[2:], lba)
	binary.BigEndian.PutUint16(cdb[7:], numBlocks)
	return cdb
}

const (
	scsiRead10  = 0x28
	scsiWrite10 = 0x2a
)

func (d *BulkOnlyDisk) transact(lba uint64, buf []byte, write bool) (int, error) {
	numBlocks := uint16(len(buf) / int(d.blockSize))
	if numBlocks == 0 {
		return 0, nil
	}

	opcode := uint8(scsiRead10)
	if write {
		opcode = scsiWrite10
	}
	cdb := scsiReadWrite10(opcode, uint32(lba), numBlocks)

	tag := d.nextTag()
	cbw := buildCBW(tag, uint32(len(buf)), !write, cdb)

	if _, err := d.cd.TransferWrite(d.bulkOut, cbw[:]); err != nil {
		return 0, fmt.Errorf("xhci: cbw transfer: %w", err)
	}

	var n int
	var err error
	if write {
		n, err = d.cd.TransferWrite(d.bulkOut, buf)
	} else {
		n, err = d.cd.TransferRead(d.bulkIn, buf)
	}
	if err != nil {
		return 0, fmt.Errorf("xhci: data transfer: %w", err)
	}

	var csw [cswSize]byte
	if _, err := d.cd.TransferRead(d.bulkIn, csw[:]); err != nil {
		return 0, fmt.Errorf("xhci: csw transfer: %w", err)
	}
	if binary.LittleEndian.Uint32(csw[0:]) != cswSignature {
		return 0, fmt.Errorf("xhci: bad csw signature")
	}
	if csw[12] != 0 {
		return 0, fmt.Errorf("xhci: command failed, csw status %d", csw[12])
	}

	return n, nil
}

func (d *BulkOnlyDisk) ReadBlocks(startBlock uint64, buf []byte) (int, error) {
	return d.transact(startBlock, buf, false)
}

func (d *BulkOnlyDisk) WriteBlocks(startBlock uint64, buf []byte) (int, error) {
	return d.transact(startBlock, buf, true)
}
