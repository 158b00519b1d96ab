package pci

import (
	"errors"
	"fmt"

	"github.com/redox-os/drivers-sub001/internal/memory"
)

// PciFeature names carried verbatim from original_source/pcid's
// driver_interface (PciFeature enum), renamed to Go idiom.
type Feature int

const (
	FeatureMsi Feature = iota
	FeatureMsiX
)

// FeatureStatus mirrors original_source's FeatureStatus enum.
type FeatureStatus int

const (
	FeatureDisabled FeatureStatus = iota
	FeatureEnabled
)

// MSI capability register layout (offsets relative to the capability
// header).
const (
	msiMessageControl = 0x02
	msiMessageAddrLo  = 0x04
)

const (
	msiCtrlEnable    = 1 << 0
	msiCtrlMmcMask   = 0x7 << 1
	msiCtrl64Bit     = 1 << 7
	msiCtrlPerVector = 1 << 8
)

// MsiInfo reports the MSI capability layout (§4.2 FeatureInfo).
type MsiInfo struct {
	MultiMessageCapable uint8 // log2 of max vectors - 1, 0b000..=0b101
	Is64Bit             bool
	PerVectorMasking    bool
}

// MsiSetFeatureInfo mirrors original_source's MsiSetFeatureInfo.
type MsiSetFeatureInfo struct {
	MultiMessageEnable *uint8
	MessageAddress     *uint64
	MessageData        *uint16 // masked by the multi-message-enable field
	MaskBits           *uint32
}

// MsixInfo reports the MSI-X capability layout (§4.2 FeatureInfo).
type MsixInfo struct {
	TableSize  int
	TableBar   int
	TableOff   uint32
	PbaBar     int
	PbaOff     uint32
}

// MsixSetFeatureInfo mirrors original_source's MsiX SetFeatureInfo arm.
type MsixSetFeatureInfo struct {
	FunctionMask *bool
}

const (
	msixMessageControl = 0x02
	msixTableOffBir    = 0x04
	msixPbaOffBir      = 0x08
)

const (
	msixCtrlEnable       = 1 << 15
	msixCtrlFunctionMask = 1 << 14
	msixCtrlTableSizeM   = 0x7ff
)

var (
	// ErrNoSuchFeature mirrors PcidServerResponseError::NonexistentFeature.
	ErrNoSuchFeature = errors.New("pci: function has no such interrupt feature")
	// ErrInvalidBitPattern mirrors PcidServerResponseError::InvalidBitPattern.
	ErrInvalidBitPattern = errors.New("pci: invalid bit pattern for feature registers")
)

// Features returns the subset of {Msi, MsiX} capabilities present on the
// function (§4.2 RequestFeatures).
func (f *Function) Features() []Feature {
	var out []Feature
	if _, ok := f.findCapability(CapMSI); ok {
		out = append(out, FeatureMsi)
	}
	if _, ok := f.findCapability(CapMSIX); ok {
		out = append(out, FeatureMsiX)
	}
	return out
}

// FeatureInfo returns the capability layout for feat (§4.2 FeatureInfo).
func (f *Function) FeatureInfo(feat Feature) (any, error) {
	switch feat {
	case FeatureMsi:
		cap, ok := f.findCapability(CapMSI)
		if !ok {
			return nil, ErrNoSuchFeature
		}
		ctrl := uint16(f.read32(uint16(cap.Offset)) >> 16)
		return MsiInfo{
			MultiMessageCapable: uint8((ctrl & msiCtrlMmcMask) >> 1),
			Is64Bit:             ctrl&msiCtrl64Bit != 0,
			PerVectorMasking:    ctrl&msiCtrlPerVector != 0,
		}, nil

	case FeatureMsiX:
		cap, ok := f.findCapability(CapMSIX)
		if !ok {
			return nil, ErrNoSuchFeature
		}
		ctrl := uint16(f.read32(uint16(cap.Offset)) >> 16)
		tbl := f.read32(uint16(cap.Offset) + 4)
		pba := f.read32(uint16(cap.Offset) + 8)

		return MsixInfo{
			TableSize: int(ctrl&msixCtrlTableSizeM) + 1,
			TableBar:  int(tbl & 0x7),
			TableOff:  tbl &^ 0x7,
			PbaBar:    int(pba & 0x7),
			PbaOff:    pba &^ 0x7,
		}, nil
	}

	return nil, ErrNoSuchFeature
}

// EnableFeature enables feat, first disabling the other mechanism — MSI and
// MSI-X cannot co-exist by hardware mandate (§4.2, §8 universal invariant:
// "the paired disable of the other mechanism completes before the enable's
// final write").
func (f *Function) EnableFeature(feat Feature) error {
	switch feat {
	case FeatureMsi:
		if err := f.disableMsix(); err != nil {
			return err
		}
		return f.enableMsi()
	case FeatureMsiX:
		if err := f.disableMsi(); err != nil {
			return err
		}
		return f.enableMsix()
	}
	return ErrNoSuchFeature
}

func (f *Function) enableMsi() error {
	cap, ok := f.findCapability(CapMSI)
	if !ok {
		return ErrNoSuchFeature
	}
	off := uint16(cap.Offset)
	ctrl := f.read32(off)
	ctrl |= msiCtrlEnable << 16
	f.write32(off, ctrl)
	return nil
}

func (f *Function) disableMsi() error {
	cap, ok := f.findCapability(CapMSI)
	if !ok {
		return nil
	}
	off := uint16(cap.Offset)
	ctrl := f.read32(off)
	ctrl &^= msiCtrlEnable << 16
	f.write32(off, ctrl)
	return nil
}

func (f *Function) disableMsix() error {
	cap, ok := f.findCapability(CapMSIX)
	if !ok {
		return nil
	}
	off := uint16(cap.Offset)
	ctrl := f.read32(off)
	ctrl &^= msixCtrlEnable << 16
	f.write32(off, ctrl)
	return nil
}

// enableMsix sets the MSI-X enable bit. The caller is expected to have
// already zero-initialized/unmasked the table entries it intends to use
// via ProgramMsixEntry.
func (f *Function) enableMsix() error {
	cap, ok := f.findCapability(CapMSIX)
	if !ok {
		return ErrNoSuchFeature
	}
	off := uint16(cap.Offset)
	ctrl := f.read32(off)
	ctrl |= msixCtrlEnable << 16
	f.write32(off, ctrl)
	return nil
}

// SetMsiFeatureInfo applies MSI register fields (§4.2 SetFeatureInfo).
func (f *Function) SetMsiFeatureInfo(info MsiSetFeatureInfo) error {
	cap, ok := f.findCapability(CapMSI)
	if !ok {
		return ErrNoSuchFeature
	}
	off := uint16(cap.Offset)

	if info.MultiMessageEnable != nil {
		if *info.MultiMessageEnable > 0b101 {
			return ErrInvalidBitPattern
		}
		ctrl := f.read32(off)
		ctrl &^= 0x7 << (16 + 4)
		ctrl |= uint32(*info.MultiMessageEnable) << (16 + 4)
		f.write32(off, ctrl)
	}

	if info.MessageAddress != nil {
		if *info.MessageAddress&0x3 != 0 {
			return ErrInvalidBitPattern
		}
		f.write32(off+msiMessageAddrLo, uint32(*info.MessageAddress))
	}

	if info.MessageData != nil {
		// message data lives after the address field(s); offset depends on
		// 64-bit addressing capability, resolved via FeatureInfo.
		fi, _ := f.FeatureInfo(FeatureMsi)
		msiInfo := fi.(MsiInfo)
		dataOff := off + msiMessageAddrLo + 4
		if msiInfo.Is64Bit {
			dataOff += 4
		}
		f.write32(dataOff, uint32(*info.MessageData))
	}

	return nil
}

// SetMsixFeatureInfo applies the MSI-X function_mask field.
func (f *Function) SetMsixFeatureInfo(info MsixSetFeatureInfo) error {
	cap, ok := f.findCapability(CapMSIX)
	if !ok {
		return ErrNoSuchFeature
	}
	off := uint16(cap.Offset)

	if info.FunctionMask != nil {
		ctrl := f.read32(off)
		if *info.FunctionMask {
			ctrl |= msixCtrlFunctionMask << 16
		} else {
			ctrl &^= msixCtrlFunctionMask << 16
		}
		f.write32(off, ctrl)
	}

	return nil
}

// MsixEntry is one programmed MSI-X table row: {address, data, mask}.
type MsixEntry struct {
	Address uint64
	Data    uint32
	Masked  bool
}

const msixEntrySize = 16

// ProgramMsixEntry zero-initializes and writes MSI-X table entry n,
// unmasking it if it is in use. Grounded on
// soc/intel/pci/msix.go:CapabilityMSIX.EnableInterrupt, generalized from a
// single hard-coded DMA region reservation into a caller-supplied MMIO
// mapping of the table BAR (§4.3 step 1).
func ProgramMsixEntry(table []byte, n int, entry MsixEntry) error {
	off := n * msixEntrySize
	if off+msixEntrySize > len(table) {
		return fmt.Errorf("pci: msix table entry %d out of range", n)
	}

	lo := memory.NewCell32(table, uint(off))
	hi := memory.NewCell32(table, uint(off+4))
	data := memory.NewCell32(table, uint(off+8))
	vec := memory.NewCell32(table, uint(off+12))

	lo.Write(uint32(entry.Address))
	hi.Write(uint32(entry.Address >> 32))
	data.Write(entry.Data)

	if entry.Masked {
		vec.Write(1)
	} else {
		vec.Write(0)
	}

	return nil
}
