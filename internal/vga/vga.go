// Package vga decodes the guest's 80x25 colour text-mode frame buffer and
// mirrors it onto an ANSI terminal.
package vga

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

const (
	// Addr is the guest-physical address of the text-mode frame buffer.
	Addr = 0xB8000

	Cols      = 80
	Rows      = 25
	Pitch     = Cols * 2
	FrameSize = Rows * Pitch
)

// Color is one of the 16 text-mode palette entries.
type Color uint8

const (
	Black Color = iota
	Blue
	Green
	Cyan
	Red
	Magenta
	Brown
	LightGrey
	DarkGrey
	LightBlue
	LightGreen
	LightCyan
	LightRed
	LightMagenta
	Yellow
	White
)

var colorNames = [...]string{
	"Black", "Blue", "Green", "Cyan", "Red", "Magenta", "Brown", "LightGrey",
	"DarkGrey", "LightBlue", "LightGreen", "LightCyan", "LightRed", "LightMagenta", "Yellow", "White",
}

func (c Color) String() string {
	if int(c) < len(colorNames) {
		return colorNames[c]
	}
	return fmt.Sprintf("Color(%d)", uint8(c))
}

// RGB returns the colour the standard VGA DAC programs for c.
func (c Color) RGB() ansi.RGBColor {
	return Palette[c&0x0F]
}

// Palette is the default 16-colour VGA palette.
var Palette = [16]ansi.RGBColor{
	{R: 0x00, G: 0x00, B: 0x00},
	{R: 0x00, G: 0x00, B: 0xAA},
	{R: 0x00, G: 0xAA, B: 0x00},
	{R: 0x00, G: 0xAA, B: 0xAA},
	{R: 0xAA, G: 0x00, B: 0x00},
	{R: 0xAA, G: 0x00, B: 0xAA},
	{R: 0xAA, G: 0x55, B: 0x00},
	{R: 0xAA, G: 0xAA, B: 0xAA},
	{R: 0x55, G: 0x55, B: 0x55},
	{R: 0x55, G: 0x55, B: 0xFF},
	{R: 0x55, G: 0xFF, B: 0x55},
	{R: 0x55, G: 0xFF, B: 0xFF},
	{R: 0xFF, G: 0x55, B: 0x55},
	{R: 0xFF, G: 0x55, B: 0xFF},
	{R: 0xFF, G: 0xFF, B: 0x55},
	{R: 0xFF, G: 0xFF, B: 0xFF},
}

// Cell is one character position: the code page 437 character followed by
// its attribute byte, as laid out in guest memory. The attribute's low
// nibble selects the background colour and the high nibble the foreground.
type Cell struct {
	Char byte
	Attr byte
}

// MakeAttr packs fg and bg into an attribute byte.
func MakeAttr(fg, bg Color) byte { return byte(fg&0x0F)<<4 | byte(bg&0x0F) }

func (c Cell) Foreground() Color { return Color(c.Attr >> 4) }
func (c Cell) Background() Color { return Color(c.Attr & 0x0F) }

// Rune returns the glyph drawn for the cell.
func (c Cell) Rune() rune { return Glyph(c.Char) }

// Frame is a decoded snapshot of the whole screen.
type Frame [Rows][Cols]Cell

// DecodeFrame decodes a frame from buf, which must hold at least FrameSize
// bytes.
func DecodeFrame(buf []byte) (Frame, error) {
	var f Frame
	if len(buf) < FrameSize {
		return f, fmt.Errorf("vga: frame buffer is %d bytes, need %d", len(buf), FrameSize)
	}
	for y := 0; y < Rows; y++ {
		row := buf[y*Pitch:]
		for x := 0; x < Cols; x++ {
			f[y][x] = Cell{Char: row[x*2], Attr: row[x*2+1]}
		}
	}
	return f, nil
}

// ReadFrame reads and decodes a frame starting at offset 0 of r.
func ReadFrame(r io.ReaderAt) (Frame, error) {
	var buf [FrameSize]byte
	if _, err := r.ReadAt(buf[:], 0); err != nil {
		return Frame{}, fmt.Errorf("vga: read frame buffer: %w", err)
	}
	return DecodeFrame(buf[:])
}

// Text returns the frame's glyphs, one line per row with trailing spaces
// trimmed.
func (f *Frame) Text() string {
	var sb strings.Builder
	for y := range f {
		var line strings.Builder
		for _, c := range f[y] {
			line.WriteRune(c.Rune())
		}
		sb.WriteString(strings.TrimRight(line.String(), " "))
		sb.WriteByte('\n')
	}
	return sb.String()
}
