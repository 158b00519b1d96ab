// Copyright (c) The Redox OS Developers.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build amd64

package pci

// Raw x86 port I/O, used only by the legacy 0xCF8/0xCFC configuration
// access fallback (§4.2) and by the AML physical-memory handler's IN/OUT
// bridge (§4.10). Implemented in portio_amd64.s exactly as the teacher
// splits register primitives between a Go declaration and an architecture
// assembly file (internal/reg/port_amd64.go).
//
// A process must hold the port I/O privilege (ioperm/iopl-equivalent) for
// the targeted range before these are called; acquiring that privilege is
// the caller's responsibility; nothing in this package acquires it.

func inb(port uint16) uint8
func outb(port uint16, val uint8)
func inw(port uint16) uint16
func outw(port uint16, val uint16)
func inl(port uint16) uint32
func outl(port uint16, val uint32)

// PortIO is the x86 port I/O collaborator consumed by the AML
// physical-memory handler's IN/OUT bridge (§4.10). The zero value is
// ready to use.
type PortIO struct{}

func (PortIO) In8(port uint16) (uint8, error)   { return inb(port), nil }
func (PortIO) Out8(port uint16, val uint8) error { outb(port, val); return nil }

func (PortIO) In16(port uint16) (uint16, error)   { return inw(port), nil }
func (PortIO) Out16(port uint16, val uint16) error { outw(port, val); return nil }

func (PortIO) In32(port uint16) (uint32, error)   { return inl(port), nil }
func (PortIO) Out32(port uint16, val uint32) error { outl(port, val); return nil }
