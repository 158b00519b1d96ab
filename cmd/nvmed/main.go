// Command nvmed is the thin representative daemon wiring the NVMe
// protocol engine (C7) to a real PCI function and the block scheme layer
// (C5): it is not a full-featured NVMe driver, but every step of §4.9's
// seven-step sequence runs end to end against whatever function the
// broker hands it.
//
// Grounded on example/example.go's startup shape and
// original_source/storage/nvmed/src/main.rs's connect-channel /
// init-device / open-scheme / event-loop bootstrap.
package main

import (
	"log"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/redox-os/drivers-sub001/blockdev"
	"github.com/redox-os/drivers-sub001/daemon"
	"github.com/redox-os/drivers-sub001/internal/memory"
	"github.com/redox-os/drivers-sub001/nvme"
	"github.com/redox-os/drivers-sub001/pci"
	"github.com/redox-os/drivers-sub001/reactor"
	"github.com/redox-os/drivers-sub001/schemeio"
)

const (
	adminSQEntries = 64
	adminCQEntries = 64
	ioSQEntries    = 256
	ioCQEntries    = 256
)

func main() {
	args, err := daemon.ParseArgs(os.Args[1:])
	if err != nil {
		daemon.Fatal("nvmed: %v", err)
	}

	handle, err := daemon.ConnectPCI()
	if err != nil {
		daemon.Fatal("nvmed: %v", err)
	}
	defer handle.Close()

	cfg := handle.Config()
	log.Printf("nvmed: driving %s (vendor %#04x device %#04x)", cfg.Addr, cfg.FullDeviceId.VendorId, cfg.FullDeviceId.DeviceId)

	if err := handle.EnableDevice(); err != nil {
		daemon.Fatal("nvmed: enabling device: %v", err)
	}

	bar0Mapping, pool, err := daemon.MapBar(cfg.Bars[0], memory.Uncacheable)
	if err != nil {
		daemon.Fatal("nvmed: mapping bar0: %v", err)
	}
	defer bar0Mapping.Close()

	ctrl := nvme.New(bar0Mapping.Bytes(), pool)

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
		daemon.Fatal("nvmed: negotiating interrupts: %v", err)
	}
	if msixMapping != nil {
		defer msixMapping.Close()
	}
	log.Printf("nvmed: interrupt delivery: %s", method)

	if err := ctrl.Reset(adminSQEntries, adminCQEntries); err != nil {
		daemon.Fatal("nvmed: resetting controller: %v", err)
	}

	ident, namespaces, err := ctrl.DiscoverNamespaces()
	if err != nil {
		daemon.Fatal("nvmed: discovering namespaces: %v", err)
	}
	log.Printf("nvmed: model %q serial %q, %d namespace(s)", ident.ModelNumber, ident.SerialNumber, len(namespaces))

	re := reactor.New[uint16, uint16, uint16, nvme.SQE, nvme.CQE](ctrl, irqFile, method == pci.MethodIntx)

	var disks []blockdev.Disk
	var partitionTables []*blockdev.PartitionTable
	for nsid, ns := range namespaces {
		sqID, err := ctrl.AddIOQueuePair(ioSQEntries, ioCQEntries, 0)
		if err != nil {
			daemon.Fatal("nvmed: creating io queue pair for namespace %d: %v", nsid, err)
		}
		disks = append(disks, nvme.NewNamespace(ctrl, re, pool, sqID, nsid, ns))
		partitionTables = append(partitionTables, nil) // partition parsing is out of scope here (§1); blockd exercises it
	}

	scheme := blockdev.NewScheme(args.SchemeName, disks, partitionTables)
	schemePath := "/tmp/" + args.SchemeName + ".sock"

	daemon.Signal()

	var g errgroup.Group
	g.Go(re.Run)
	g.Go(func() error { return schemeio.ListenAndPump(schemePath, scheme) })

	if err := g.Wait(); err != nil {
		log.Printf("nvmed: exiting: %v", err)
	}
}
