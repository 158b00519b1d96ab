// Command xhcid is the thin representative daemon wiring the xHCI
// protocol engine (C6) to a real PCI function and the block scheme layer
// (C5): host-controller reset, the fixed Enable Slot / Address Device
// (BSR=1, then BSR=0) / Configure Endpoint sequence against the enabled
// slot's bulk endpoints, and a BulkOnlyDisk exposed over the same scheme pump nvmed
// and blockd use.
//
// Grounded on example/example.go's startup shape and
// original_source/storage/xhcid/src/main.rs's connect-channel /
// reset-controller / enumerate-port-one / open-scheme bootstrap, trimmed
// to one already-attached device rather than full hub/port enumeration
// (§1 Non-goals: multi-device hot-plug is out of scope).
package main

import (
	"log"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/redox-os/drivers-sub001/blockdev"
	"github.com/redox-os/drivers-sub001/daemon"
	"github.com/redox-os/drivers-sub001/internal/memory"
	"github.com/redox-os/drivers-sub001/pci"
	"github.com/redox-os/drivers-sub001/schemeio"
	"github.com/redox-os/drivers-sub001/xhci"
)

const (
	cmdRingEntries      = 128
	eventRingEntries    = 128
	transferRingEntries = 64

	bulkOutDCI = 2 // endpoint 1 OUT
	bulkInDCI  = 3 // endpoint 1 IN

	deviceBlockSize  = 512
	deviceBlockCount = 1 << 16 // placeholder until Read Capacity(10) is wired
)

func main() {
	args, err := daemon.ParseArgs(os.Args[1:])
	if err != nil {
		daemon.Fatal("xhcid: %v", err)
	}

	handle, err := daemon.ConnectPCI()
	if err != nil {
		daemon.Fatal("xhcid: %v", err)
	}
	defer handle.Close()

	cfg := handle.Config()
	log.Printf("xhcid: driving %s (vendor %#04x device %#04x)", cfg.Addr, cfg.FullDeviceId.VendorId, cfg.FullDeviceId.DeviceId)

	if err := handle.EnableDevice(); err != nil {
		daemon.Fatal("xhcid: enabling device: %v", err)
	}

	bar0Mapping, pool, err := daemon.MapBar(cfg.Bars[0], memory.Uncacheable)
	if err != nil {
		daemon.Fatal("xhcid: mapping bar0: %v", err)
	}
	defer bar0Mapping.Close()

	ctrl := xhci.New(bar0Mapping.Bytes(), pool)

	va := daemon.NewVectorAllocator()
	var msixMapping *memory.PhysMapping
	irqFile, method, err := pci.NegotiateClient(handle, va, func(info pci.MsixInfo) ([]byte, error) {
		m, _, err := daemon.MapBar(cfg.Bars[info.TableBar], memory.Uncacheable)
		if err != nil {
			return nil, err
		}
		msixMapping = m
		return m.Bytes()[info.TableOff:], nil
	})
	if err != nil {
		daemon.Fatal("xhcid: negotiating interrupts: %v", err)
	}
	if msixMapping != nil {
		defer msixMapping.Close()
	}
	log.Printf("xhcid: interrupt delivery: %s", method)

	dcbaa, err := xhci.NewDeviceContextArray(pool, ctrl.MaxSlots())
	if err != nil {
		daemon.Fatal("xhcid: allocating dcbaa: %v", err)
	}

	if err := ctrl.Reset(dcbaa.Dma(), cmdRingEntries, eventRingEntries); err != nil {
		daemon.Fatal("xhcid: resetting controller: %v", err)
	}

	ctrl.StartReactor(irqFile, method == pci.MethodIntx)

	var g errgroup.Group
	g.Go(ctrl.Run)

	slot, err := ctrl.EnableSlot()
	if err != nil {
		daemon.Fatal("xhcid: enable slot: %v", err)
	}
	log.Printf("xhcid: enabled slot %d", slot.ID)

	deviceCtx, err := xhci.NewDeviceContext(pool, bulkInDCI)
	if err != nil {
		daemon.Fatal("xhcid: device context alloc: %v", err)
	}
	dcbaa.SetSlot(slot.ID, deviceCtx)

	inputCtx, err := xhci.NewInputContext(pool, bulkInDCI)
	if err != nil {
		daemon.Fatal("xhcid: input context alloc: %v", err)
	}
	inputCtx.SetAddFlag(0) // A0: slot context
	inputCtx.SetSlotContext(0, 0, 1, 1)

	if err := ctrl.AddressDevice(slot, inputCtx, true); err != nil {
		daemon.Fatal("xhcid: address device (bsr=1): %v", err)
	}
	if err := ctrl.AddressDevice(slot, inputCtx, false); err != nil {
		daemon.Fatal("xhcid: address device (bsr=0): %v", err)
	}
	log.Printf("xhcid: slot %d addressed", slot.ID)

	outRing, err := xhci.NewRing(pool, transferRingEntries)
	if err != nil {
		daemon.Fatal("xhcid: bulk-out ring alloc: %v", err)
	}
	inRing, err := xhci.NewRing(pool, transferRingEntries)
	if err != nil {
		daemon.Fatal("xhcid: bulk-in ring alloc: %v", err)
	}

	inputCtx.SetAddFlag(bulkOutDCI)
	inputCtx.SetAddFlag(bulkInDCI)
	inputCtx.SetEndpointContext(bulkOutDCI, outRing, 2 /* bulk out */, 512)
	inputCtx.SetEndpointContext(bulkInDCI, inRing, 6 /* bulk in */, 512)

	cd := xhci.NewClassDriver(ctrl, pool, slot.ID, 0, 0)
	rings := map[uint8]*xhci.Ring{bulkOutDCI: outRing, bulkInDCI: inRing}
	if err := cd.ConfigureEndpoints(inputCtx.Dma(), []uint8{bulkOutDCI, bulkInDCI}, rings); err != nil {
		daemon.Fatal("xhcid: configure endpoints: %v", err)
	}
	log.Printf("xhcid: slot %d configured", slot.ID)

	disk := xhci.NewBulkOnlyDisk(cd, bulkInDCI, bulkOutDCI, deviceBlockSize, deviceBlockCount)
	scheme := blockdev.NewScheme(args.SchemeName, []blockdev.Disk{disk}, []*blockdev.PartitionTable{nil})
	schemePath := "/tmp/" + args.SchemeName + ".sock"

	daemon.Signal()

	g.Go(func() error { return schemeio.ListenAndPump(schemePath, scheme) })

	if err := g.Wait(); err != nil {
		log.Printf("xhcid: exiting: %v", err)
	}
}
