// Copyright (c) The Redox OS Developers.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build !amd64

package pci

import "errors"

// ErrPortIOUnsupported is returned by PortIO on architectures with no x86
// IN/OUT instructions, matching §4.10's "on non-x86 targets this returns a
// validation error."
var ErrPortIOUnsupported = errors.New("pci: port i/o is only available on amd64")

// PortIO is the non-amd64 stand-in for the amd64 port-I/O collaborator:
// every call fails with ErrPortIOUnsupported rather than attempting a
// privileged instruction this architecture has no equivalent of.
type PortIO struct{}

func (PortIO) In8(port uint16) (uint8, error)      { return 0, ErrPortIOUnsupported }
func (PortIO) Out8(port uint16, val uint8) error   { return ErrPortIOUnsupported }
func (PortIO) In16(port uint16) (uint16, error)    { return 0, ErrPortIOUnsupported }
func (PortIO) Out16(port uint16, val uint16) error { return ErrPortIOUnsupported }
func (PortIO) In32(port uint16) (uint32, error)    { return 0, ErrPortIOUnsupported }
func (PortIO) Out32(port uint16, val uint32) error { return ErrPortIOUnsupported }
