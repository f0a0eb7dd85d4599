package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/tinyrange/vmm/internal/config"
	"github.com/tinyrange/vmm/internal/disk"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mkdisk: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	sectors := flag.Uint64("sectors", 2048, "Image size in 512-byte sectors")
	quiet := flag.Bool("quiet", false, "Do not show progress")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] [path]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Create a zero-filled flat disk image (default: %s).\n\n", config.DefaultDisk)
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	path := config.DefaultDisk
	switch flag.NArg() {
	case 0:
	case 1:
		path = flag.Arg(0)
	default:
		flag.Usage()
		os.Exit(1)
	}

	var progress io.Writer = os.Stderr
	if *quiet {
		progress = nil
	}
	if err := disk.Create(path, *sectors, progress); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr)
	return nil
}
