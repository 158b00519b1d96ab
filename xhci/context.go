package xhci

import (
	"encoding/binary"
	"fmt"

	"github.com/redox-os/drivers-sub001/internal/memory"
)

// contextSize32 is the 32-byte device/input context size used when
// HCCPARAMS1.CSZ is 0 (§4.6 "context size (32B vs 64B)"); this package
// only targets 32-byte contexts, the common case.
const contextSize32 = 32

// DeviceContextArray is the DCBAA: one physical-address slot per device
// slot (index 0 is the scratchpad buffer array pointer, unused here).
type DeviceContextArray struct {
	dma *memory.Dma[byte]
}

// NewDeviceContextArray allocates a DCBAA sized for maxSlots+1 entries
// (§4.6 "write DCBAAP").
func NewDeviceContextArray(pool *memory.Pool, maxSlots uint8) (*DeviceContextArray, error) {
	dma, err := memory.ZeroedDmaSlice[byte](pool, (int(maxSlots)+1)*8)
	if err != nil {
		return nil, fmt.Errorf("xhci: dcbaa alloc: %w", err)
	}
	return &DeviceContextArray{dma: dma}, nil
}

// PhysAddr is programmed into the operational DCBAAP register.
func (d *DeviceContextArray) PhysAddr() uint64 { return d.dma.PhysAddr() }

// Dma exposes the backing allocation, the form Controller.Reset takes it in.
func (d *DeviceContextArray) Dma() *memory.Dma[byte] { return d.dma }

// SetSlot records slotID's device context physical address in the DCBAA.
func (d *DeviceContextArray) SetSlot(slotID uint8, deviceCtx *memory.Dma[byte]) {
	binary.LittleEndian.PutUint64(d.dma.Bytes()[int(slotID)*8:], deviceCtx.PhysAddr())
}

// Slot Context and Endpoint Context field offsets within a 32-byte context
// block (xHCI 1.2 §6.2.2/6.2.3).
const (
	slotCtxRouteAndSpeed = 0x00
	slotCtxRootHubPort   = 0x04
	slotCtxState         = 0x0c

	epCtxStateMult         = 0x00
	epCtxTRDequeuePointer  = 0x08
	epCtxAvgTrbLen         = 0x10
)

// InputContext wraps an Input Context block: the Input Control Context
// (one 32-byte block of Add/Drop flags) followed by the Slot Context and
// one Endpoint Context per endpoint (§3 "Slot/Endpoint state (xHCI)").
type InputContext struct {
	dma       *memory.Dma[byte]
	ctxSize   uint
	numSlots  uint
}

// NewInputContext allocates an Input Context large enough for the Input
// Control Context, the Slot Context, and one Endpoint Context per
// endpoint number up to maxEndpoint (endpoint 0/DCI 1 always included).
func NewInputContext(pool *memory.Pool, maxEndpoint uint8) (*InputContext, error) {
	numSlots := uint(maxEndpoint) + 2 // input control + slot + endpoints 1..maxEndpoint
	dma, err := memory.ZeroedDmaSlice[byte](pool, int(numSlots)*contextSize32)
	if err != nil {
		return nil, fmt.Errorf("xhci: input context alloc: %w", err)
	}
	return &InputContext{dma: dma, ctxSize: contextSize32, numSlots: numSlots}, nil
}

func (ic *InputContext) block(n uint) []byte {
	off := n * ic.ctxSize
	return ic.dma.Bytes()[off : off+ic.ctxSize]
}

// PhysAddr is the address passed in Address Device and Configure Endpoint
// command TRBs.
func (ic *InputContext) PhysAddr() uint64 { return ic.dma.PhysAddr() }

// Dma exposes the backing allocation for callers that hand the raw block
// to a lower-level API (ClassDriver.ConfigureEndpoints takes the DMA
// block directly rather than the InputContext wrapper).
func (ic *InputContext) Dma() *memory.Dma[byte] { return ic.dma }

// SetAddFlag sets bit dci of the Input Control Context's Add Context flags
// (A0 = slot context, A1..A31 = endpoint DCIs 1..31).
func (ic *InputContext) SetAddFlag(dci uint8) {
	ctrl := ic.block(0)
	v := binary.LittleEndian.Uint32(ctrl[4:])
	v |= 1 << dci
	binary.LittleEndian.PutUint32(ctrl[4:], v)
}

// SetSlotContext writes the Slot Context's route string/speed and root hub
// port fields (context index 1, always present once A0 is set).
func (ic *InputContext) SetSlotContext(routeString uint32, speed uint8, rootHubPort uint8, contextEntries uint8) {
	slot := ic.block(1)
	binary.LittleEndian.PutUint32(slot[slotCtxRouteAndSpeed:], routeString&0xfffff|uint32(speed)<<20|uint32(contextEntries)<<27)
	slot[slotCtxRootHubPort] = rootHubPort
}

// SetEndpointContext writes endpoint DCI's Endpoint Context: its transfer
// ring dequeue pointer (with DCS=1, matching a freshly allocated ring's
// initial cycle state), endpoint type, and max packet size.
func (ic *InputContext) SetEndpointContext(dci uint8, ring *Ring, epType uint8, maxPacketSize uint16) {
	ep := ic.block(uint(dci) + 1) // +1: index 0 is input control, index 1 is slot, then endpoints
	ep[epCtxStateMult] = epType << 3
	binary.LittleEndian.PutUint64(ep[epCtxTRDequeuePointer:], ring.PhysAddr()|1)
	binary.LittleEndian.PutUint32(ep[epCtxAvgTrbLen:], uint32(maxPacketSize)<<16)
}

// NewDeviceContext allocates the (controller-written) Device Context
// block — the Slot Context plus one Endpoint Context per endpoint — that
// DeviceContextArray.SetSlot points the DCBAA entry at.
func NewDeviceContext(pool *memory.Pool, maxEndpoint uint8) (*memory.Dma[byte], error) {
	numSlots := int(maxEndpoint) + 1 // slot + endpoints 1..maxEndpoint
	dma, err := memory.ZeroedDmaSlice[byte](pool, numSlots*contextSize32)
	if err != nil {
		return nil, fmt.Errorf("xhci: device context alloc: %w", err)
	}
	return dma, nil
}
