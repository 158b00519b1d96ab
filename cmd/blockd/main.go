// Command blockd is the disk-side exerciser SPEC_FULL.md §1 adds so the
// block-device scheme layer (C5) is reachable end to end from a main()
// without real storage hardware: it serves a handful of RAM-backed disks,
// one of them carrying a demo partition table, over a Unix-domain stand-in
// for the kernel scheme socket (§6).
//
// Grounded on example/example.go's startup shape, trimmed to the one
// subsystem (the scheme pump) this exerciser drives.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/redox-os/drivers-sub001/blockdev"
	"github.com/redox-os/drivers-sub001/daemon"
	"github.com/redox-os/drivers-sub001/schemeio"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s <listen-path> <scheme-name>\n", os.Args[0])
	}
	flag.Parse()

	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(1)
	}
	listenPath := flag.Arg(0)
	schemeName := flag.Arg(1)

	disk0 := newMemDisk(512, 4096) // plain whole-disk target
	disk1 := newMemDisk(512, 8192) // carries a demo partition table

	pt1 := &blockdev.PartitionTable{
		Partitions: []blockdev.Partition{
			{StartLba: 2048, Size: 1000}, // exercises §8 scenario 4's layout
			{StartLba: 3048, Size: 4000},
		},
	}

	scheme := blockdev.NewScheme(schemeName, []blockdev.Disk{disk0, disk1}, []*blockdev.PartitionTable{nil, pt1})

	log.Printf("blockd: serving scheme %q on %s", schemeName, listenPath)
	daemon.Signal()

	if err := schemeio.ListenAndPump(listenPath, scheme); err != nil {
		daemon.Fatal("blockd: %v", err)
	}
}
