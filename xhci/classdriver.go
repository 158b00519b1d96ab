package xhci

import (
	"encoding/binary"
	"fmt"

	"github.com/redox-os/drivers-sub001/internal/memory"
)

// ClassDriver is the per-configured-interface contract the host controller
// driver exposes to USB class drivers (HID, mass-storage) — §4.6 "Class-
// driver contracts".
type ClassDriver struct {
	ctrl *Controller
	pool *memory.Pool
	slot *Slot

	interfaceNum uint8
	altSetting   uint8
}

// NewClassDriver builds the per-interface handle used by a class driver
// after Configure Endpoint has succeeded for slotID.
func NewClassDriver(ctrl *Controller, pool *memory.Pool, slotID uint8, interfaceNum, altSetting uint8) *ClassDriver {
	return &ClassDriver{
		ctrl:         ctrl,
		pool:         pool,
		slot:         ctrl.Slot(slotID),
		interfaceNum: interfaceNum,
		altSetting:   altSetting,
	}
}

// ConfigureEndpoints issues a Configure Endpoint Command for every
// endpoint of the parsed configuration descriptor's named interface/alt
// setting (§4.6 "Class-driver contracts": configure_endpoints). rings
// supplies the already-allocated transfer ring for each endpoint number —
// the same rings the caller wrote into inputCtx's Endpoint Context
// dequeue-pointer fields, so the hardware and the driver agree on which
// ring backs each endpoint once the command completes.
func (cd *ClassDriver) ConfigureEndpoints(inputCtx *memory.Dma[byte], endpointNums []uint8, rings map[uint8]*Ring) error {
	for _, num := range endpointNums {
		ring, ok := rings[num]
		if !ok {
			return fmt.Errorf("xhci: no transfer ring supplied for endpoint %d", num)
		}
		cd.ctrl.AddTransferRing(RingID{Slot: cd.slot.ID, Endpoint: num}, ring)
	}

	cc, err := cd.ctrl.SubmitCommand(func(phys uint64) TRB {
		return TRB{
			Parameter: inputCtx.PhysAddr(),
			Control:   uint32(TypeConfigureEndpointCommand)<<ctrlTypeShift | uint32(cd.slot.ID)<<ctrlSlotShift,
		}
	})
	if err != nil {
		return err
	}
	if cc.CompletionCode() != CompletionSuccess {
		return fmt.Errorf("xhci: configure endpoint failed, completion code %d", cc.CompletionCode())
	}

	for _, num := range endpointNums {
		ring, _ := cd.ctrl.ringFor(RingID{Slot: cd.slot.ID, Endpoint: num})
		if err := cd.slot.ConfigureEndpoint(num, ring); err != nil {
			return err
		}
	}

	return nil
}

// OpenEndpoint asserts the §3 invariant that num has been Configured.
func (cd *ClassDriver) OpenEndpoint(num uint8) (*Endpoint, error) {
	return cd.slot.Endpoint(num)
}

// deviceRequestType bits (USB 2.0 §9.3).
const (
	ReqTypeStandard = 0 << 5
	ReqTypeClass    = 1 << 5
	ReqTypeVendor   = 2 << 5

	RecipientDevice    = 0
	RecipientInterface = 1
	RecipientEndpoint  = 2

	DirHostToDevice = 0 << 7
	DirDeviceToHost = 1 << 7
)

// setupPacket is the 8-byte USB control Setup Stage payload.
type setupPacket struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

func (s setupPacket) encode() [8]byte {
	var b [8]byte
	b[0] = s.RequestType
	b[1] = s.Request
	binary.LittleEndian.PutUint16(b[2:], s.Value)
	binary.LittleEndian.PutUint16(b[4:], s.Index)
	binary.LittleEndian.PutUint16(b[6:], s.Length)
	return b
}

// DeviceRequest issues a 3-stage (Setup/Data/Status) control transfer on
// endpoint 0 (§4.6 "device_request(type, recipient, request, value,
// index, data)").
func (cd *ClassDriver) DeviceRequest(reqType, recipient, request uint8, value, index uint16, data []byte, hostToDevice bool) (int, error) {
	dir := DirHostToDevice
	if !hostToDevice {
		dir = DirDeviceToHost
	}

	sp := setupPacket{
		RequestType: reqType | recipient | uint8(dir),
		Request:     request,
		Value:       value,
		Index:       index,
		Length:      uint16(len(data)),
	}
	spBytes := sp.encode()

	ringID := RingID{Slot: cd.slot.ID, Endpoint: 0}

	var dataBuf *memory.Dma[byte]
	var err error
	if len(data) > 0 {
		dataBuf, err = memory.ZeroedDmaSlice[byte](cd.pool, len(data))
		if err != nil {
			return 0, fmt.Errorf("xhci: control transfer data buffer: %w", err)
		}
		defer dataBuf.Release()
		if hostToDevice {
			copy(dataBuf.Bytes(), data)
		}
	}

	setupParam := binary.LittleEndian.Uint64(spBytes[:])

	if _, err := cd.ctrl.Transfer(ringID, func(phys uint64) TRB {
		return TRB{
			Parameter: setupParam,
			Status:    uint32(len(spBytes)),
			Control:   uint32(TypeSetupStage)<<ctrlTypeShift | ctrlImmData,
		}
	}); err != nil {
		return 0, fmt.Errorf("xhci: setup stage: %w", err)
	}

	if len(data) > 0 {
		dirBit := uint32(0)
		if !hostToDevice {
			dirBit = 1 << 16
		}
		if _, err := cd.ctrl.Transfer(ringID, func(phys uint64) TRB {
			return TRB{
				Parameter: dataBuf.PhysAddr(),
				Status:    uint32(len(data)),
				Control:   uint32(TypeDataStage)<<ctrlTypeShift | dirBit,
			}
		}); err != nil {
			return 0, fmt.Errorf("xhci: data stage: %w", err)
		}
	}

	statusDirBit := uint32(1 << 16) // status stage direction opposite of data stage, device->host (IN) when no data
	if len(data) > 0 && !hostToDevice {
		statusDirBit = 0
	}
	cc, err := cd.ctrl.Transfer(ringID, func(phys uint64) TRB {
		return TRB{
			Control: uint32(TypeStatusStage)<<ctrlTypeShift | ctrlIOC | statusDirBit,
		}
	})
	if err != nil {
		return 0, fmt.Errorf("xhci: status stage: %w", err)
	}
	if err := classifyCompletion(cc); err != nil {
		return 0, err
	}

	if len(data) > 0 && !hostToDevice {
		copy(data, dataBuf.Bytes())
	}

	return len(data), nil
}

// GetDescriptor issues a standard GET_DESCRIPTOR control request (§4.6
// "get_descriptor(recipient, type, index, interface, buf)").
func (cd *ClassDriver) GetDescriptor(recipient uint8, descType, index uint8, iface uint16, buf []byte) (int, error) {
	const reqGetDescriptor = 0x06
	value := uint16(descType)<<8 | uint16(index)
	return cd.DeviceRequest(ReqTypeStandard, recipient, reqGetDescriptor, value, iface, buf, false)
}

// ClearFeature issues a standard CLEAR_FEATURE control request (§4.6
// "clear_feature(recipient, target, feature)"), used to clear ENDPOINT_HALT
// after a Stall (§7).
func (cd *ClassDriver) ClearFeature(recipient uint8, target uint16, feature uint16) error {
	const reqClearFeature = 0x01
	_, err := cd.DeviceRequest(ReqTypeStandard, recipient, reqClearFeature, feature, target, nil, true)
	return err
}

// Reset issues a Reset Endpoint Command followed by a Set TR Dequeue
// Pointer Command to resync the ring after a Halt (§4.6 "On Halted, the
// driver issues Reset Endpoint and then Set TR Dequeue Pointer").
func (cd *ClassDriver) Reset(endpoint uint8) error {
	cc, err := cd.ctrl.SubmitCommand(func(phys uint64) TRB {
		return TRB{
			Control: uint32(TypeResetEndpointCommand)<<ctrlTypeShift |
				uint32(cd.slot.ID)<<ctrlSlotShift | uint32(endpoint)<<16,
		}
	})
	if err != nil {
		return err
	}
	if cc.CompletionCode() != CompletionSuccess {
		return fmt.Errorf("xhci: reset endpoint failed, completion code %d", cc.CompletionCode())
	}

	ring, err := cd.ctrl.ringFor(RingID{Slot: cd.slot.ID, Endpoint: endpoint})
	if err != nil {
		return err
	}

	if _, err := cd.ctrl.SubmitCommand(func(phys uint64) TRB {
		return TRB{
			Parameter: ring.PhysAddr() | 1, // DCS = 1: dequeue cycle state matches a freshly-reset ring
			Control: uint32(TypeSetTRDequeuePointer)<<ctrlTypeShift |
				uint32(cd.slot.ID)<<ctrlSlotShift | uint32(endpoint)<<16,
		}
	}); err != nil {
		return err
	}

	return cd.slot.ResetEndpoint(endpoint)
}

// TransferRead/TransferWrite issue a single Normal TRB bulk/interrupt
// transfer on the named endpoint (§4.6 "transfer_read/write(buf)").
func (cd *ClassDriver) TransferRead(endpoint uint8, buf []byte) (int, error) {
	return cd.bulkTransfer(endpoint, buf, false)
}

func (cd *ClassDriver) TransferWrite(endpoint uint8, buf []byte) (int, error) {
	return cd.bulkTransfer(endpoint, buf, true)
}

func (cd *ClassDriver) bulkTransfer(endpoint uint8, buf []byte, write bool) (int, error) {
	if _, err := cd.slot.Endpoint(endpoint); err != nil {
		return 0, err
	}

	d, err := memory.ZeroedDmaSlice[byte](cd.pool, len(buf))
	if err != nil {
		return 0, fmt.Errorf("xhci: bulk transfer buffer: %w", err)
	}
	defer d.Release()

	if write {
		copy(d.Bytes(), buf)
	}

	ringID := RingID{Slot: cd.slot.ID, Endpoint: endpoint}
	cc, err := cd.ctrl.Transfer(ringID, func(phys uint64) TRB {
		return TRB{
			Parameter: d.PhysAddr(),
			Status:    uint32(len(buf)),
			Control:   uint32(TypeNormal)<<ctrlTypeShift | ctrlIOC,
		}
	})
	if err != nil {
		return 0, err
	}
	if err := classifyCompletion(cc); err != nil {
		cd.onStall(endpoint, cc)
		return 0, err
	}

	if !write {
		copy(buf, d.Bytes())
	}

	return len(buf), nil
}

func (cd *ClassDriver) onStall(endpoint uint8, cc TRB) {
	if cc.CompletionCode() == CompletionStall {
		cd.slot.SetEndpointHalted(endpoint)
	}
}

// classifyCompletion maps a completion code to the §7 error taxonomy:
// Stall is recoverable at the class driver's discretion; Babble,
// USBTransactionError, TRBError and DataBufferError are fatal for the TD.
func classifyCompletion(trb TRB) error {
	switch trb.CompletionCode() {
	case CompletionSuccess:
		return nil
	case CompletionStall:
		return fmt.Errorf("xhci: endpoint stalled")
	case CompletionBabbleDetected:
		return fmt.Errorf("xhci: babble detected")
	case CompletionUSBTransactionError:
		return fmt.Errorf("xhci: usb transaction error")
	case CompletionTRBError:
		return fmt.Errorf("xhci: trb error")
	case CompletionDataBufferError:
		return fmt.Errorf("xhci: data buffer error")
	case CompletionRingUnderrun, CompletionRingOverrun, CompletionVFEventRingFull:
		return fmt.Errorf("xhci: isoch ring over/underrun")
	default:
		return fmt.Errorf("xhci: transfer failed, completion code %d", trb.CompletionCode())
	}
}
