package vga

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/muesli/cancelreader"
	"golang.org/x/term"
)

// ErrQuit is returned by Display.Run when the user asks to stop the machine.
var ErrQuit = errors.New("vga: quit requested")

const (
	keyEscape = 0x1B
	keyCtrlC  = 0x03
)

// Display mirrors the frame buffer in Source onto Out until the context is
// done or ESC or Ctrl-C is read from In.
//
// Run stops its reader of In before returning when In is a pollable file such
// as a terminal or pipe. Any other reader is read until its pending Read
// returns, so a caller owning one should close it after Run.
type Display struct {
	Source    io.ReaderAt
	Out       io.Writer
	In        io.Reader
	RefreshHz int

	grid *Grid
}

// Stats returns the statistics of the grid behind the display.
func (d *Display) Stats() GridStats {
	if d.grid == nil {
		return GridStats{}
	}
	return d.grid.Stats()
}

func (d *Display) interval() time.Duration {
	hz := d.RefreshHz
	if hz <= 0 {
		hz = 30
	}
	return time.Second / time.Duration(hz)
}

// Run presents frames until ctx is done, returning nil, or until the user
// quits, returning ErrQuit. The terminal state it changes is restored before
// it returns.
func (d *Display) Run(ctx context.Context) error {
	if d.Source == nil || d.Out == nil {
		return fmt.Errorf("vga: display needs a source and an output")
	}

	if f, ok := d.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		oldState, err := term.MakeRaw(int(f.Fd()))
		if err != nil {
			return fmt.Errorf("vga: enable raw mode: %w", err)
		}
		defer term.Restore(int(f.Fd()), oldState)
	}
	if f, ok := d.Out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		if w, h, err := term.GetSize(int(f.Fd())); err == nil && (w < Cols || h < Rows) {
			slog.Warn("vga: terminal smaller than the text screen", "cols", w, "rows", h)
		}
	}

	if _, err := io.WriteString(d.Out, ansi.SetModeAltScreenSaveCursor+ansi.HideCursor+ansi.EraseEntireScreen); err != nil {
		return fmt.Errorf("vga: enter alternate screen: %w", err)
	}
	defer io.WriteString(d.Out, ansi.ResetStyle+ansi.ShowCursor+ansi.ResetModeAltScreenSaveCursor)

	quit := make(chan struct{})
	if d.In != nil {
		keys, err := cancelreader.NewReader(d.In)
		if err != nil {
			return fmt.Errorf("vga: read keyboard: %w", err)
		}
		stopped := make(chan struct{})
		go func() {
			defer close(stopped)
			defer keys.Close()
			readKeys(keys, quit)
		}()
		defer func() {
			if keys.Cancel() {
				<-stopped
			}
		}()
	}

	d.grid = NewGrid()
	ticker := time.NewTicker(d.interval())
	defer ticker.Stop()

	for {
		if err := d.refresh(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-quit:
			return ErrQuit
		case <-ticker.C:
		}
	}
}

func (d *Display) refresh() error {
	frame, err := ReadFrame(d.Source)
	if err != nil {
		return err
	}
	d.grid.Update(&frame)
	return d.grid.Flush(d.Out)
}

// readKeys closes quit on Ctrl-C or on an ESC read on its own. An ESC that
// starts a longer read is a key sequence such as an arrow key and is ignored
// like all other input.
func readKeys(r io.Reader, quit chan<- struct{}) {
	buf := make([]byte, 64)
	for {
		n, err := r.Read(buf)
		if n == 1 && buf[0] == keyEscape {
			close(quit)
			return
		}
		for _, b := range buf[:n] {
			if b == keyCtrlC {
				close(quit)
				return
			}
		}
		if err != nil {
			return
		}
	}
}
