//go:build !amd64

package pci

import "errors"

// ErrLegacyIOUnsupported is returned by newLegacyAccessor on architectures
// with no x86 IN/OUT instructions, matching portio_other.go's
// ErrPortIOUnsupported stand-in for the amd64-only port-I/O collaborator —
// the legacy 0xCF8/0xCFC mechanism (§4.2 option (c)) is itself defined in
// terms of those same instructions and has no non-amd64 equivalent.
var ErrLegacyIOUnsupported = errors.New("pci: legacy 0xcf8/0xcfc config access is only available on amd64")

// newLegacyAccessor is the non-amd64 stand-in for legacy.go's amd64
// implementation: a broker that falls through to the last-resort §4.2
// option (c) accessor on these architectures has no working config-space
// access left, so NewBroker must fail rather than hand back an accessor
// backed by instructions this architecture has no equivalent of.
func newLegacyAccessor() (ConfigAccessor, error) {
	return nil, ErrLegacyIOUnsupported
}
