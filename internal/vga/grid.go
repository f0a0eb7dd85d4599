package vga

import (
	"bytes"
	"fmt"
	"io"

	"github.com/charmbracelet/x/ansi"
)

// Grid holds the last frame drawn to the terminal and tracks which cells
// changed since, so each refresh only repaints what the guest touched.
type Grid struct {
	cells Frame
	dirty [Rows][Cols]bool

	stats GridStats
}

// GridStats tracks grid update statistics.
type GridStats struct {
	TotalCells   int
	DirtyCells   int
	Updates      int
	Flushes      int
	CellsWritten int
	FullRedraws  int
}

// NewGrid returns a grid with every cell dirty, so the first Flush paints
// the whole screen.
func NewGrid() *Grid {
	g := &Grid{}
	g.MarkAllDirty()
	return g
}

// CellAt returns the cell at (x, y) as last set.
func (g *Grid) CellAt(x, y int) (Cell, bool) {
	if x < 0 || x >= Cols || y < 0 || y >= Rows {
		return Cell{}, false
	}
	return g.cells[y][x], true
}

// SetCell updates a cell and marks it dirty if it changed.
// Returns true if the cell was actually modified.
func (g *Grid) SetCell(x, y int, c Cell) bool {
	if x < 0 || x >= Cols || y < 0 || y >= Rows {
		return false
	}
	if g.cells[y][x] == c {
		return false
	}
	g.cells[y][x] = c
	g.dirty[y][x] = true
	return true
}

// Update copies f into the grid and returns how many cells changed.
func (g *Grid) Update(f *Frame) int {
	changed := 0
	for y := range f {
		for x, c := range f[y] {
			if g.SetCell(x, y, c) {
				changed++
			}
		}
	}
	g.stats.Updates++
	return changed
}

// MarkAllDirty forces the next Flush to repaint every cell.
func (g *Grid) MarkAllDirty() {
	for y := range g.dirty {
		for x := range g.dirty[y] {
			g.dirty[y][x] = true
		}
	}
	g.stats.FullRedraws++
}

// ClearDirty clears all dirty flags.
func (g *Grid) ClearDirty() {
	g.dirty = [Rows][Cols]bool{}
}

// DirtyCount returns the number of dirty cells.
func (g *Grid) DirtyCount() int {
	count := 0
	for y := range g.dirty {
		for _, d := range g.dirty[y] {
			if d {
				count++
			}
		}
	}
	return count
}

// DirtyRegion is a horizontal run of dirty cells in one row.
type DirtyRegion struct {
	X, Y  int
	Width int
}

// DirtyRegions returns the dirty cells merged into runs, top to bottom.
func (g *Grid) DirtyRegions() []DirtyRegion {
	var regions []DirtyRegion
	for y := 0; y < Rows; y++ {
		x := 0
		for x < Cols {
			if !g.dirty[y][x] {
				x++
				continue
			}
			startX := x
			for x < Cols && g.dirty[y][x] {
				x++
			}
			regions = append(regions, DirtyRegion{X: startX, Y: y, Width: x - startX})
		}
	}
	return regions
}

// Flush writes the dirty runs to w as cursor moves and coloured glyphs, then
// clears the dirty flags. Nothing is written when no cell is dirty.
func (g *Grid) Flush(w io.Writer) error {
	regions := g.DirtyRegions()
	if len(regions) == 0 {
		return nil
	}

	var buf bytes.Buffer
	lastAttr := -1
	for _, r := range regions {
		buf.WriteString(ansi.CursorPosition(r.X+1, r.Y+1))
		for x := r.X; x < r.X+r.Width; x++ {
			c := g.cells[r.Y][x]
			if int(c.Attr) != lastAttr {
				buf.WriteString(attrStyle(c.Attr))
				lastAttr = int(c.Attr)
			}
			buf.WriteRune(c.Rune())
			g.stats.CellsWritten++
		}
	}
	buf.WriteString(ansi.ResetStyle)

	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("vga: write frame: %w", err)
	}
	g.ClearDirty()
	g.stats.Flushes++
	return nil
}

// attrStyle returns the SGR sequence selecting the colours of attribute a.
func attrStyle(a byte) string {
	c := Cell{Attr: a}
	return ansi.Style{}.
		ForegroundColor(c.Foreground().RGB()).
		BackgroundColor(c.Background().RGB()).
		String()
}

// Stats returns current grid statistics.
func (g *Grid) Stats() GridStats {
	g.stats.TotalCells = Cols * Rows
	g.stats.DirtyCells = g.DirtyCount()
	return g.stats
}
