package xhci

import "fmt"

// EnableSlot issues an Enable Slot Command and applies its completion to a
// freshly tracked Slot (§4.6 state diagram: "Disabled --Enable Slot-->
// Enabled(Default)", §8 scenario 1: "Enable slot -> receive a Command
// Completion with completion_code=1 and a slot_id > 0").
func (c *Controller) EnableSlot() (*Slot, error) {
	cc, err := c.SubmitCommand(func(phys uint64) TRB {
		return TRB{Control: uint32(TypeEnableSlotCommand) << ctrlTypeShift}
	})
	if err != nil {
		return nil, err
	}
	if cc.CompletionCode() != CompletionSuccess {
		return nil, fmt.Errorf("xhci: enable slot failed, completion code %d", cc.CompletionCode())
	}

	slotID := cc.SlotID()
	if slotID == 0 {
		return nil, fmt.Errorf("xhci: enable slot returned slot id 0")
	}

	slot := c.Slot(slotID)
	if err := slot.EnableSlot(slotID); err != nil {
		return nil, err
	}
	return slot, nil
}

// addressDeviceBSR is the Address Device Command's BSR control bit.
const addressDeviceBSR = 1 << 9

// AddressDevice issues an Address Device Command for slot against
// inputCtx, and applies the state transition in slot.AddressDevice. bsr
// selects the two-phase sequence of §4.6: the caller issues bsr=true
// first (no DMA yet), reads the default-address descriptor over endpoint
// 0, writes the real device address fields into inputCtx, then issues
// bsr=false.
func (c *Controller) AddressDevice(slot *Slot, inputCtx *InputContext, bsr bool) error {
	control := uint32(TypeAddressDeviceCommand)<<ctrlTypeShift | uint32(slot.ID)<<ctrlSlotShift
	if bsr {
		control |= addressDeviceBSR
	}

	cc, err := c.SubmitCommand(func(phys uint64) TRB {
		return TRB{Parameter: inputCtx.PhysAddr(), Control: control}
	})
	if err != nil {
		return err
	}
	if cc.CompletionCode() != CompletionSuccess {
		return fmt.Errorf("xhci: address device (bsr=%v) failed, completion code %d", bsr, cc.CompletionCode())
	}

	return slot.AddressDevice(bsr)
}

// DisableSlot issues a Disable Slot Command and applies its completion.
func (c *Controller) DisableSlot(slot *Slot) error {
	cc, err := c.SubmitCommand(func(phys uint64) TRB {
		return TRB{Control: uint32(TypeDisableSlotCommand)<<ctrlTypeShift | uint32(slot.ID)<<ctrlSlotShift}
	})
	if err != nil {
		return err
	}
	if cc.CompletionCode() != CompletionSuccess {
		return fmt.Errorf("xhci: disable slot failed, completion code %d", cc.CompletionCode())
	}

	slot.DisableSlot()
	return nil
}
