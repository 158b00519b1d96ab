package xhci

import (
	"fmt"
	"sync"
)

// SlotState is the per-device slot state machine of §4.6 "Slot/endpoint
// state machine".
type SlotState int

const (
	SlotDisabled SlotState = iota
	SlotDefault             // Enabled, no USB address assigned yet
	SlotAddressedNoDMA      // Address Device(BSR=1): no DMA issued yet
	SlotAddressed           // Address Device(BSR=0): USB-level address assigned
	SlotConfigured
)

func (s SlotState) String() string {
	switch s {
	case SlotDisabled:
		return "disabled"
	case SlotDefault:
		return "default"
	case SlotAddressedNoDMA:
		return "addressed-no-dma"
	case SlotAddressed:
		return "addressed"
	case SlotConfigured:
		return "configured"
	default:
		return "unknown"
	}
}

// EndpointStatus is the per-endpoint state named in §3 "Slot/Endpoint
// state (xHCI)".
type EndpointStatus int

const (
	EndpointDisabled EndpointStatus = iota
	EndpointEnabled
	EndpointHalted
	EndpointStopped
	EndpointError
)

// Endpoint is one configured endpoint of a slot, owning its transfer ring.
// §3 invariant: "an endpoint must be Enabled before any transfer TRB is
// submitted to it", enforced by Slot.Transfer.
type Endpoint struct {
	Num          uint8
	TransferRing *Ring
	Status       EndpointStatus
}

// Slot tracks one USB device's slot and endpoint states as the command
// ring's completions advance them. Grounded fresh on §4.6's state diagram
// (no teacher analogue — tamago has no host-side xHCI driver), reusing the
// ring/cycle-bit discipline of ring.go for every endpoint's transfer ring.
type Slot struct {
	mu sync.Mutex

	ID    uint8
	State SlotState

	endpoints map[uint8]*Endpoint
}

// NewSlot starts a slot in the Disabled state; EnableSlot transitions it.
func NewSlot() *Slot {
	return &Slot{endpoints: make(map[uint8]*Endpoint)}
}

var (
	ErrBadTransition  = fmt.Errorf("xhci: invalid slot state transition")
	ErrEndpointNotSet = fmt.Errorf("xhci: endpoint not configured")
)

// EnableSlot applies the Command Completion Event for an Enable Slot
// Command (§4.6 state diagram: "Disabled --Enable Slot--> Enabled(Default)").
func (s *Slot) EnableSlot(slotID uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State != SlotDisabled {
		return ErrBadTransition
	}
	s.ID = slotID
	s.State = SlotDefault
	return nil
}

// AddressDevice applies an Address Device Command's completion. bsr
// (Block Set Address Request) selects between the two-step sequence of
// §4.6: BSR=1 moves Default -> AddressedNoDMA without issuing any DMA;
// BSR=0 moves either Default or AddressedNoDMA -> Addressed, assigning the
// USB-level address (§8 round-trip law: "Address Device(BSR=1) then
// Address Device(BSR=0) transitions Default -> Addressed").
func (s *Slot) AddressDevice(bsr bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if bsr {
		if s.State != SlotDefault {
			return ErrBadTransition
		}
		s.State = SlotAddressedNoDMA
		return nil
	}

	if s.State != SlotDefault && s.State != SlotAddressedNoDMA {
		return ErrBadTransition
	}
	s.State = SlotAddressed
	return nil
}

// ConfigureEndpoint applies a Configure Endpoint Command's completion,
// registering ring as endpoint num's transfer ring and marking it Enabled
// (§3 invariant).
func (s *Slot) ConfigureEndpoint(num uint8, ring *Ring) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State != SlotAddressed && s.State != SlotConfigured {
		return ErrBadTransition
	}

	s.endpoints[num] = &Endpoint{Num: num, TransferRing: ring, Status: EndpointEnabled}
	s.State = SlotConfigured
	return nil
}

// ResetEndpoint applies a Reset Endpoint Command's completion: any state
// moves the named endpoint to Stopped (§4.6 state diagram: "any --Reset
// Endpoint--> Stopped (per endpoint)"), used to recover from Halted after
// a Stall (§7).
func (s *Slot) ResetEndpoint(num uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ep, ok := s.endpoints[num]
	if !ok {
		return ErrEndpointNotSet
	}
	ep.Status = EndpointStopped
	return nil
}

// SetEndpointHalted marks an endpoint Halted after a Stall completion
// code is observed on its transfer ring (§4.6 "On Halted, the driver
// issues Reset Endpoint...").
func (s *Slot) SetEndpointHalted(num uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ep, ok := s.endpoints[num]; ok {
		ep.Status = EndpointHalted
	}
}

// DisableSlot applies a Disable Slot Command's completion: any state
// moves to Disabled (§4.6 state diagram).
func (s *Slot) DisableSlot() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.State = SlotDisabled
	s.endpoints = make(map[uint8]*Endpoint)
}

// Endpoint returns the named endpoint's transfer ring, or an error if it
// is not yet Enabled — the §3 invariant that callers of Transfer rely on.
func (s *Slot) Endpoint(num uint8) (*Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ep, ok := s.endpoints[num]
	if !ok || ep.Status == EndpointDisabled {
		return nil, ErrEndpointNotSet
	}
	return ep, nil
}
