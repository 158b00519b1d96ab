package xhci

import "testing"

func TestSlotEnableAddressConfigureSequence(t *testing.T) {
	s := NewSlot()

	if err := s.EnableSlot(3); err != nil {
		t.Fatalf("EnableSlot: %v", err)
	}
	if s.State != SlotDefault {
		t.Fatalf("State = %v, want %v", s.State, SlotDefault)
	}

	if err := s.AddressDevice(true); err != nil {
		t.Fatalf("AddressDevice(bsr=true): %v", err)
	}
	if s.State != SlotAddressedNoDMA {
		t.Fatalf("State = %v, want %v", s.State, SlotAddressedNoDMA)
	}

	if err := s.AddressDevice(false); err != nil {
		t.Fatalf("AddressDevice(bsr=false): %v", err)
	}
	if s.State != SlotAddressed {
		t.Fatalf("State = %v, want %v", s.State, SlotAddressed)
	}

	if err := s.ConfigureEndpoint(1, &Ring{}); err != nil {
		t.Fatalf("ConfigureEndpoint: %v", err)
	}
	if s.State != SlotConfigured {
		t.Fatalf("State = %v, want %v", s.State, SlotConfigured)
	}

	ep, err := s.Endpoint(1)
	if err != nil {
		t.Fatalf("Endpoint: %v", err)
	}
	if ep.Status != EndpointEnabled {
		t.Fatalf("Endpoint.Status = %v, want %v", ep.Status, EndpointEnabled)
	}
}

func TestSlotEnableSlotRejectsFromNonDisabled(t *testing.T) {
	s := NewSlot()
	if err := s.EnableSlot(1); err != nil {
		t.Fatal(err)
	}
	if err := s.EnableSlot(1); err != ErrBadTransition {
		t.Fatalf("second EnableSlot: got %v, want ErrBadTransition", err)
	}
}

func TestSlotAddressDeviceRejectsSkippingEnable(t *testing.T) {
	s := NewSlot()
	if err := s.AddressDevice(true); err != ErrBadTransition {
		t.Fatalf("AddressDevice before EnableSlot: got %v, want ErrBadTransition", err)
	}
}

func TestSlotConfigureEndpointRequiresAddressed(t *testing.T) {
	s := NewSlot()
	if err := s.ConfigureEndpoint(1, &Ring{}); err != ErrBadTransition {
		t.Fatalf("ConfigureEndpoint before AddressDevice: got %v, want ErrBadTransition", err)
	}
}

func TestSlotResetEndpointRequiresConfigured(t *testing.T) {
	s := NewSlot()
	if err := s.ResetEndpoint(1); err != ErrEndpointNotSet {
		t.Fatalf("ResetEndpoint on an unconfigured endpoint: got %v, want ErrEndpointNotSet", err)
	}
}

func TestSlotStallThenResetRecoversEndpoint(t *testing.T) {
	s := NewSlot()
	s.EnableSlot(1)
	s.AddressDevice(true)
	s.AddressDevice(false)
	if err := s.ConfigureEndpoint(2, &Ring{}); err != nil {
		t.Fatal(err)
	}

	s.SetEndpointHalted(2)
	ep, err := s.Endpoint(2)
	if err != nil {
		t.Fatalf("Endpoint() after a stall: %v", err)
	}
	if ep.Status != EndpointHalted {
		t.Fatalf("Status = %v, want %v", ep.Status, EndpointHalted)
	}

	if err := s.ResetEndpoint(2); err != nil {
		t.Fatalf("ResetEndpoint: %v", err)
	}
	ep, err = s.Endpoint(2)
	if err != nil {
		t.Fatalf("Endpoint after reset: %v", err)
	}
	if ep.Status != EndpointStopped {
		t.Fatalf("Status = %v, want %v", ep.Status, EndpointStopped)
	}
}

func TestSlotDisableResetsToDisabledAndClearsEndpoints(t *testing.T) {
	s := NewSlot()
	s.EnableSlot(1)
	s.AddressDevice(true)
	s.AddressDevice(false)
	s.ConfigureEndpoint(1, &Ring{})

	s.DisableSlot()

	if s.State != SlotDisabled {
		t.Fatalf("State = %v, want %v", s.State, SlotDisabled)
	}
	if _, err := s.Endpoint(1); err != ErrEndpointNotSet {
		t.Fatalf("Endpoint() after DisableSlot: got %v, want ErrEndpointNotSet", err)
	}
}
