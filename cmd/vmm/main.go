package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime/pprof"
	"strconv"
	"strings"
	"syscall"

	"github.com/tinyrange/vmm/internal/config"
	"github.com/tinyrange/vmm/internal/disk"
	"github.com/tinyrange/vmm/internal/hv/factory"
	"github.com/tinyrange/vmm/internal/hv/helpers"
	"github.com/tinyrange/vmm/internal/vmm"
	"golang.org/x/term"
)

var errUsage = errors.New("usage")

func main() {
	if err := run(); err != nil {
		if errors.Is(err, errUsage) {
			flag.Usage()
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "vmm: %v\n", err)
		os.Exit(1)
	}
}

type fixCrlf struct {
	w io.Writer
}

func (f *fixCrlf) Write(p []byte) (n int, err error) {
	return f.w.Write(bytes.ReplaceAll(p, []byte{'\n'}, []byte{'\r', '\n'}))
}

type intFlag struct {
	v   int
	set bool
}

func (f *intFlag) String() string { return strconv.Itoa(f.v) }

func (f *intFlag) Set(s string) error {
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	f.v = v
	f.set = true
	return nil
}

type uint64Flag struct {
	v   uint64
	set bool
}

func (f *uint64Flag) String() string { return strconv.FormatUint(f.v, 10) }

func (f *uint64Flag) Set(s string) error {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return err
	}
	f.v = v
	f.set = true
	return nil
}

type boolFlag struct {
	v   bool
	set bool
}

func (f *boolFlag) String() string {
	if f.v {
		return "true"
	}
	return "false"
}

func (f *boolFlag) Set(s string) error {
	v, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	f.v = v
	f.set = true
	return nil
}

func (f *boolFlag) IsBoolFlag() bool { return true }

func run() error {
	configPath := flag.String("config", "", "Configuration file (default: ./vmm.yaml when present)")
	diskPath := flag.String("disk", "", "Disk image written by the guest (default: disk.img)")
	serialPath := flag.String("serial", "", "Guest COM1 output: a file, \"stderr\" or \"none\" (default: stderr without the display)")
	var memoryFlag uint64Flag
	flag.Var(&memoryFlag, "memory", "Guest RAM in bytes, a multiple of 4096")
	var debugFlag boolFlag
	flag.Var(&debugFlag, "debug", "Enable debug logging, including every port access")
	var displayFlag boolFlag
	flag.Var(&displayFlag, "display", "Show the guest screen in the terminal (default: when stdout is a terminal)")
	var refreshFlag intFlag
	flag.Var(&refreshFlag, "refresh", "Screen refresh rate in Hz")
	writeConfig := flag.String("write-config", "", "Write the effective configuration to this path, then exit")
	cpuprofile := flag.String("cpuprofile", "", "Write CPU profile to file")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <guest.img>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Boot a flat real-mode guest image under KVM.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() > 1 {
		return errUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if flag.NArg() == 1 {
		cfg.Guest = flag.Arg(0)
	}
	if *diskPath != "" {
		cfg.Disk = *diskPath
	}
	if *serialPath != "" {
		cfg.Serial = *serialPath
	}
	if memoryFlag.set {
		cfg.Memory = memoryFlag.v
	}
	if debugFlag.set {
		cfg.Debug = debugFlag.v
	}
	if displayFlag.set {
		cfg.Display.Enabled = &displayFlag.v
	}
	if refreshFlag.set {
		cfg.Display.RefreshHz = refreshFlag.v
	}

	if *writeConfig != "" {
		return config.Write(*writeConfig, cfg)
	}

	if cfg.Guest == "" {
		return errUsage
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	displayOn := cfg.DisplayEnabled(term.IsTerminal(int(os.Stdout.Fd())))

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	var logOut io.Writer = os.Stderr
	if displayOn {
		logOut = &fixCrlf{w: os.Stderr}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: level})))

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			return fmt.Errorf("create cpu profile file: %w", err)
		}
		defer f.Close()

		if err := pprof.StartCPUProfile(f); err != nil {
			return fmt.Errorf("start cpu profile: %w", err)
		}
		defer pprof.StopCPUProfile()
	}

	image, err := helpers.LoadImageFile(cfg.Guest)
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfg.Disk); err != nil {
		slog.Warn("disk image unavailable, sector writes will be dropped", "disk", cfg.Disk, "error", err)
	}

	h, err := factory.Open()
	if err != nil {
		return fmt.Errorf("open hypervisor: %w", err)
	}
	defer h.Close()

	console, closeConsole, err := openSerial(cfg.Serial, displayOn)
	if err != nil {
		return err
	}
	defer closeConsole()

	opts := vmm.Options{
		Image:      image.Image,
		MemorySize: cfg.Memory,
		Disk:       disk.Open(cfg.Disk),
		Serial:     console,
	}
	if displayOn {
		opts.Display = &vmm.DisplayOptions{
			Out:       os.Stdout,
			In:        os.Stdin,
			RefreshHz: cfg.Display.RefreshHz,
		}
	}

	m, err := vmm.New(h, opts)
	if err != nil {
		return err
	}
	defer m.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := m.Run(ctx)

	if !displayOn {
		if screen, err := m.Screen(); err == nil {
			if text := strings.TrimRight(screen.Text(), "\n"); text != "" {
				fmt.Println(text)
			}
		}
	}

	if runErr != nil {
		return fmt.Errorf("run guest: %w", runErr)
	}
	return nil
}

// openSerial resolves where guest serial output goes. The returned writer is
// nil when COM1 should stay unclaimed.
func openSerial(target string, displayOn bool) (io.Writer, func(), error) {
	nop := func() {}
	switch target {
	case "":
		if displayOn {
			return nil, nop, nil
		}
		return os.Stderr, nop, nil
	case config.SerialStderr:
		if displayOn {
			return &fixCrlf{w: os.Stderr}, nop, nil
		}
		return os.Stderr, nop, nil
	case config.SerialNone:
		return nil, nop, nil
	}

	f, err := os.Create(target)
	if err != nil {
		return nil, nop, fmt.Errorf("create serial output: %w", err)
	}
	return f, func() { f.Close() }, nil
}
