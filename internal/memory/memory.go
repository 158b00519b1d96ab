// Package memory provides the physical memory, DMA buffer and scatter-gather
// primitives shared by every driver in this repository.
//
// It brokers access to the kernel's memory scheme, which exposes physical
// RAM through four paths distinguished by caching attribute:
//
//	/scheme/memory/physical@wb   Writeback
//	/scheme/memory/physical@uc   Uncacheable
//	/scheme/memory/physical@wc   WriteCombining
//	/scheme/memory/physical@dev  DeviceMemory
//
// mmap(fd, offset=phys, len) against one of those paths returns a virtual
// mapping with the requested attribute.
package memory

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// MemType selects the caching attribute of a physical mapping.
type MemType int

const (
	Writeback MemType = iota
	Uncacheable
	WriteCombining
	DeviceMemory
)

func (t MemType) String() string {
	switch t {
	case Writeback:
		return "wb"
	case Uncacheable:
		return "uc"
	case WriteCombining:
		return "wc"
	case DeviceMemory:
		return "dev"
	default:
		return "unknown"
	}
}

// Prot describes the protection level requested for a mapping.
type Prot struct {
	Read  bool
	Write bool
}

var (
	RO = Prot{Read: true}
	WO = Prot{Write: true}
	RW = Prot{Read: true, Write: true}
)

// ErrInvalidArg is returned for a zero base address or a protection with
// neither Read nor Write set.
var ErrInvalidArg = errors.New("memory: invalid argument")

const pageSize = 4096

func pageRound(n uint) uint {
	return (n + uint(pageSize) - 1) &^ (uint(pageSize) - 1)
}

// memScheme resolves the scheme path backing a given caching attribute.
// It is a variable, not a constant, so tests can point it at a regular file
// standing in for /scheme/memory.
var memScheme = func(t MemType) string {
	return fmt.Sprintf("/scheme/memory/physical@%s", t)
}

// PhysMapping is an owned virtual mapping of a physical memory range.
// Close unmaps it; no mapping may outlive the process.
type PhysMapping struct {
	basePhys uint64
	len      uint
	prot     Prot
	memType  MemType

	data []byte
	fd   int
}

// Physmap maps a physical range with the given protection and caching
// attribute. len is rounded up to a multiple of the page size.
func Physmap(basePhys uint64, length uint, prot Prot, memType MemType) (*PhysMapping, error) {
	m, err := PhysmapFile(memScheme(memType), basePhys, length, prot)
	if err != nil {
		return nil, err
	}
	m.memType = memType
	return m, nil
}

// PhysmapFile maps basePhys..length out of path directly, bypassing
// memScheme's caching-attribute lookup. Physmap is the production entry
// point; PhysmapFile exists so driver packages outside this one can stand up
// a Pool in tests against a plain backing file without reaching into this
// package's internals.
func PhysmapFile(path string, basePhys uint64, length uint, prot Prot) (*PhysMapping, error) {
	if basePhys == 0 {
		return nil, ErrInvalidArg
	}

	if !prot.Read && !prot.Write {
		return nil, ErrInvalidArg
	}

	length = pageRound(length)

	mode := unix.O_CLOEXEC
	switch {
	case prot.Read && prot.Write:
		mode |= unix.O_RDWR
	case prot.Read:
		mode |= unix.O_RDONLY
	case prot.Write:
		mode |= unix.O_WRONLY
	}

	fd, err := unix.Open(path, mode, 0)
	if err != nil {
		return nil, fmt.Errorf("memory: open %s: %w", path, err)
	}

	mmapProt := 0
	if prot.Read {
		mmapProt |= unix.PROT_READ
	}
	if prot.Write {
		mmapProt |= unix.PROT_WRITE
	}

	data, err := unix.Mmap(fd, int64(basePhys), int(length), mmapProt, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("memory: mmap %s@%#x: %w", path, basePhys, err)
	}

	return &PhysMapping{
		basePhys: basePhys,
		len:      length,
		prot:     prot,
		data:     data,
		fd:       fd,
	}, nil
}

// Base returns the physical base address of the mapping.
func (m *PhysMapping) Base() uint64 { return m.basePhys }

// Len returns the mapping length in bytes, always a multiple of page size.
func (m *PhysMapping) Len() uint { return m.len }

// Bytes exposes the mapped virtual range.
func (m *PhysMapping) Bytes() []byte { return m.data }

// Close unmaps the region. Drop must always succeed: Close never returns an
// error it expects the caller to act on beyond logging.
func (m *PhysMapping) Close() error {
	if m.data == nil {
		return nil
	}

	err := unix.Munmap(m.data)
	m.data = nil
	unix.Close(m.fd)

	return err
}
