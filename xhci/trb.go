// Package xhci implements the xHCI host-controller protocol engine: the
// capability/operational/runtime/doorbell register layout, the three
// cycle-bit TRB ring kinds (command, event, transfer), the slot/endpoint
// state machine, and the IRQ-driven reactor dispatch by event-TRB kind
// (§4.6).
//
// Ring and doorbell plumbing is grounded on the teacher's
// kvm/virtio/pci.go (SetQueue/QueueNotify, per-index doorbell multiplier)
// and virtio/queue/descriptor.go's descriptor-ring shape, generalized from
// a single virtqueue to the three TRB ring kinds below. TRB kinds, slot
// state transitions, and the event-dispatch switch are grounded on
// original_source/xhcid/src/xhci/trb.rs and xhcid/src/xhci/irq_reactor.rs;
// per §9's open question the IRQ-file reactor variant is primary.
package xhci

import "encoding/binary"

// TRB is the 16-byte Transfer Request Block common to all three ring
// kinds (§3 "Ring (C6/C7)").
type TRB struct {
	Parameter uint64
	Status    uint32
	Control   uint32
}

const trbSize = 16

func decodeTRB(b []byte) TRB {
	return TRB{
		Parameter: binary.LittleEndian.Uint64(b[0:]),
		Status:    binary.LittleEndian.Uint32(b[8:]),
		Control:   binary.LittleEndian.Uint32(b[12:]),
	}
}

func (t TRB) encode(b []byte) {
	binary.LittleEndian.PutUint64(b[0:], t.Parameter)
	binary.LittleEndian.PutUint32(b[8:], t.Status)
	binary.LittleEndian.PutUint32(b[12:], t.Control)
}

// Control field bits common to every TRB.
const (
	ctrlCycle    = 1 << 0
	ctrlToggle   = 1 << 1 // Link TRB's Toggle Cycle bit
	ctrlChain    = 1 << 4
	ctrlIOC      = 1 << 5 // Interrupt On Completion
	ctrlImmData  = 1 << 6
	ctrlTypeMask = 0x3f
	ctrlTypeShift = 10
	ctrlSlotShift = 24
)

// TRB Type values (xHCI 1.2 §6.4.6).
const (
	TypeNormal      = 1
	TypeSetupStage  = 2
	TypeDataStage   = 3
	TypeStatusStage = 4
	TypeLink        = 6

	TypeEnableSlotCommand        = 9
	TypeDisableSlotCommand       = 10
	TypeAddressDeviceCommand     = 11
	TypeConfigureEndpointCommand = 12
	TypeResetEndpointCommand     = 14
	TypeStopEndpointCommand      = 15
	TypeSetTRDequeuePointer      = 16

	TypeTransferEvent           = 32
	TypeCommandCompletionEvent  = 33
	TypePortStatusChangeEvent   = 34
	TypeDoorbellEvent           = 35
	TypeHostControllerEvent     = 37
	TypeDeviceNotificationEvent = 38
	TypeMFINDEXWrapEvent        = 39
)

// Completion codes (xHCI 1.2 §6.4.5). Only the ones this driver acts on
// per §4.6/§7 are named.
const (
	CompletionSuccess             = 1
	CompletionDataBufferError     = 2
	CompletionBabbleDetected      = 3
	CompletionUSBTransactionError = 4
	CompletionTRBError            = 5
	CompletionStall               = 6
	CompletionRingUnderrun        = 9
	CompletionRingOverrun         = 10
	CompletionVFEventRingFull     = 11
	CompletionCommandAbort        = 17
	CompletionContextStateError   = 19
)

// Cycle reports the TRB's cycle/phase bit.
func (t TRB) Cycle() bool { return t.Control&ctrlCycle != 0 }

// Type returns the TRB Type field (bits 10-15 of Control).
func (t TRB) Type() uint32 { return (t.Control >> ctrlTypeShift) & ctrlTypeMask }

// CompletionCode returns the completion code carried in Status bits 24-31,
// valid only for event TRBs.
func (t TRB) CompletionCode() uint8 { return uint8(t.Status >> 24) }

// SlotID returns the Slot ID carried in Control bits 24-31, valid for
// event and command TRBs that target a specific slot.
func (t TRB) SlotID() uint8 { return uint8(t.Control >> ctrlSlotShift) }

// EndpointID returns the endpoint/DCI field (bits 16-20), valid for
// Transfer Events and endpoint-targeted commands.
func (t TRB) EndpointID() uint8 { return uint8(t.Control>>16) & 0x1f }

func withCycle(control uint32, cycle bool) uint32 {
	if cycle {
		return control | ctrlCycle
	}
	return control &^ ctrlCycle
}
