// Package aml implements the physical-memory bridge an ACPI Machine
// Language interpreter needs: page-granular, width-aligned physical
// reads/writes; x86 port I/O; a stubbed PCI config access path; a
// boot-relative monotonic clock with stall/sleep; and a recursive,
// timeout-bounded mutex.
//
// None of this interprets AML itself (§1 non-goals: "ACPI AML
// interpretation" is out of scope, "the repo merely glues an AML engine to
// physical memory"). It is the Handler an external AML engine is built
// against.
//
// Grounded on original_source/acpid/src/aml_physmem.rs's AmlPageCache and
// AmlPhysMemHandler, and on the teacher's internal/reg package for the
// page-mapped-register access discipline (generalized here from a single
// always-mapped register window to an on-demand cache keyed by physical
// page).
package aml

import (
	"errors"
	"fmt"
	"sync"

	"github.com/redox-os/drivers-sub001/internal/memory"
)

const pageSize = 4096

// ErrUnaligned is returned when a read or write target is not aligned to
// the width of the access (§4.8 "width-alignment is enforced").
var ErrUnaligned = errors.New("aml: unaligned physical access")

// mappedPage owns one page-granular physical mapping, keyed by its
// page-aligned base.
type mappedPage struct {
	physPage uint64
	mapping  *memory.PhysMapping
}

// PageCache maps physical pages on first access and keeps them mapped
// until Clear is called, mirroring original_source's AmlPageCache: the
// AML interpreter re-reads the same handful of physical structures
// (tables, operation regions) repeatedly, so caching avoids a map/unmap
// round trip per access, not an eviction policy — Clear is the only way
// pages leave the cache (§4.8).
type PageCache struct {
	mu    sync.Mutex
	pages map[uint64]*mappedPage

	mapPage func(phys uint64, length uint) (*memory.PhysMapping, error)
}

// NewPageCache returns an empty cache backed by the real memory scheme.
func NewPageCache() *PageCache {
	return &PageCache{
		pages: make(map[uint64]*mappedPage),
		mapPage: func(phys uint64, length uint) (*memory.PhysMapping, error) {
			return memory.Physmap(phys, length, memory.RW, memory.Writeback)
		},
	}
}

// newPageCacheOverPath is used by tests to point page mapping at a regular
// file standing in for /scheme/memory/physical@wb.
func newPageCacheOverPath(path string) *PageCache {
	return &PageCache{
		pages: make(map[uint64]*mappedPage),
		mapPage: func(phys uint64, length uint) (*memory.PhysMapping, error) {
			return memory.PhysmapFile(path, phys, length, memory.RW)
		},
	}
}

func (c *PageCache) getPage(physTarget uint64) (*mappedPage, error) {
	physPage := physTarget &^ (pageSize - 1)

	if p, ok := c.pages[physPage]; ok {
		return p, nil
	}

	m, err := c.mapPage(physPage, pageSize)
	if err != nil {
		return nil, fmt.Errorf("aml: mapping physical page %#x: %w", physPage, err)
	}

	p := &mappedPage{physPage: physPage, mapping: m}
	c.pages[physPage] = p
	return p, nil
}

func sizedOffset(physTarget uint64, width uint64) (uint, error) {
	if physTarget&(width-1) != 0 {
		return 0, ErrUnaligned
	}
	return uint(physTarget & (pageSize - 1)), nil
}

// ReadU8/ReadU16/ReadU32/ReadU64 read a physically-addressed, width-aligned
// value, mapping the containing page on demand.
func (c *PageCache) ReadU8(phys uint64) (uint8, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	off, err := sizedOffset(phys, 1)
	if err != nil {
		return 0, err
	}
	p, err := c.getPage(phys)
	if err != nil {
		return 0, err
	}
	return p.mapping.Bytes()[off], nil
}

func (c *PageCache) ReadU16(phys uint64) (uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	off, err := sizedOffset(phys, 2)
	if err != nil {
		return 0, err
	}
	p, err := c.getPage(phys)
	if err != nil {
		return 0, err
	}
	b := p.mapping.Bytes()
	return uint16(b[off]) | uint16(b[off+1])<<8, nil
}

func (c *PageCache) ReadU32(phys uint64) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	off, err := sizedOffset(phys, 4)
	if err != nil {
		return 0, err
	}
	p, err := c.getPage(phys)
	if err != nil {
		return 0, err
	}
	b := p.mapping.Bytes()
	return uint32(b[off]) | uint32(b[off+1])<<8 | uint32(b[off+2])<<16 | uint32(b[off+3])<<24, nil
}

func (c *PageCache) ReadU64(phys uint64) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	off, err := sizedOffset(phys, 8)
	if err != nil {
		return 0, err
	}
	p, err := c.getPage(phys)
	if err != nil {
		return 0, err
	}
	b := p.mapping.Bytes()
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[off+uint(i)]) << (8 * i)
	}
	return v, nil
}

// WriteU8/WriteU16/WriteU32/WriteU64 write a physically-addressed,
// width-aligned value, mapping the containing page on demand.
func (c *PageCache) WriteU8(phys uint64, val uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	off, err := sizedOffset(phys, 1)
	if err != nil {
		return err
	}
	p, err := c.getPage(phys)
	if err != nil {
		return err
	}
	p.mapping.Bytes()[off] = val
	return nil
}

func (c *PageCache) WriteU16(phys uint64, val uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	off, err := sizedOffset(phys, 2)
	if err != nil {
		return err
	}
	p, err := c.getPage(phys)
	if err != nil {
		return err
	}
	b := p.mapping.Bytes()
	b[off] = byte(val)
	b[off+1] = byte(val >> 8)
	return nil
}

func (c *PageCache) WriteU32(phys uint64, val uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	off, err := sizedOffset(phys, 4)
	if err != nil {
		return err
	}
	p, err := c.getPage(phys)
	if err != nil {
		return err
	}
	b := p.mapping.Bytes()
	b[off] = byte(val)
	b[off+1] = byte(val >> 8)
	b[off+2] = byte(val >> 16)
	b[off+3] = byte(val >> 24)
	return nil
}

func (c *PageCache) WriteU64(phys uint64, val uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	off, err := sizedOffset(phys, 8)
	if err != nil {
		return err
	}
	p, err := c.getPage(phys)
	if err != nil {
		return err
	}
	b := p.mapping.Bytes()
	for i := 0; i < 8; i++ {
		b[off+uint(i)] = byte(val >> (8 * i))
	}
	return nil
}

// Clear unmaps every cached page (§4.8 "Drop of a cache entry unmaps;
// clear() drops all").
func (c *PageCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for phys, p := range c.pages {
		p.mapping.Close()
		delete(c.pages, phys)
	}
}
