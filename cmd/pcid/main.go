// Command pcid is the thin representative host for the PCI broker (C2):
// it selects a ConfigAccessor by §4.2's fallback order, scans segment 0,
// and exposes each discovered function over a per-function channel named
// after Address.SchemeName, the way original_source/pcid/src/main.rs scans
// once at startup and then serves driver_interface/mod.rs's channel to
// whichever subdriver connects.
//
// It does not spawn subdriver processes (that is this repository's host
// OS's process-supervision concern, outside the core under design per
// §1); cmd/nvmed and cmd/xhcid dial the channel this daemon serves the
// same way a spawned subdriver would.
package main

import (
	"log"
	"net"
	"os"

	"github.com/redox-os/drivers-sub001/pci"
)

// mcfgPathEnvVar, if set, names a file containing the raw bytes of the
// firmware's MCFG ACPI table (§4.2 option (a)); its absence falls through
// to the legacy 0xCF8/0xCFC accessor (§4.2 option (c)). NewBroker accepts a
// device-tree ECAM window (§4.2 option (b)), but this daemon never supplies
// one: nothing in this repository parses a devicetree blob.
const mcfgPathEnvVar = "PCID_MCFG_PATH"

// socketDirEnvVar names the directory per-function channel sockets are
// created in, standing in for the kernel's scheme namespace (§6).
const socketDirEnvVar = "PCID_SOCKET_DIR"

func main() {
	var mcfg []pci.McfgAlloc
	if path := os.Getenv(mcfgPathEnvVar); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			log.Fatalf("pcid: reading %s: %v", path, err)
		}
		mcfg, err = pci.ParseMCFG(data)
		if err != nil {
			log.Fatalf("pcid: parsing MCFG table: %v", err)
		}
	}

	broker, err := pci.NewBroker(mcfg, 0, 0, 0, false)
	if err != nil {
		log.Fatalf("pcid: %v", err)
	}
	defer broker.Close()

	functions := broker.Scan(0)
	log.Printf("pcid: found %d function(s) on segment 0", len(functions))

	socketDir := os.Getenv(socketDirEnvVar)
	if socketDir == "" {
		socketDir = "/tmp"
	}

	for _, fn := range functions {
		fn := fn
		log.Printf("pcid: %s vendor %#04x device %#04x class %02x.%02x.%02x",
			fn.Addr, fn.FullDeviceId.VendorId, fn.FullDeviceId.DeviceId,
			fn.FullDeviceId.Class, fn.FullDeviceId.Subclass, fn.FullDeviceId.Interface)

		go serveFunctionChannel(broker, fn, socketDir+"/"+fn.Addr.SchemeName()+".channel")
	}

	select {}
}

// serveFunctionChannel listens on path (the SchemeName-derived stand-in
// for "pci-<seg>-<bus>--<dev>.<fn>/channel", §4.2) and runs
// pci.ServeFunction against every accepted connection — one subdriver
// process per function, per §2's data flow, though here it is one
// connection per function since this repository's daemons are plain OS
// processes dialing a socket rather than processes spawned with an
// inherited fd.
func serveFunctionChannel(broker *pci.Broker, fn *pci.Function, path string) {
	os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		log.Printf("pcid: %s: listening: %v", fn.Addr, err)
		return
	}
	defer ln.Close()

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Printf("pcid: %s: accept: %v", fn.Addr, err)
			return
		}

		go func(conn net.Conn) {
			if err := pci.ServeFunction(conn, fn, broker); err != nil {
				log.Printf("pcid: %s: channel closed: %v", fn.Addr, err)
			}
		}(conn)
	}
}
