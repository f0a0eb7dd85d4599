package vga

import (
	"bytes"
	"strings"
	"testing"

	"github.com/charmbracelet/x/ansi"
)

func TestNewGridIsDirty(t *testing.T) {
	g := NewGrid()
	if got := g.DirtyCount(); got != Cols*Rows {
		t.Fatalf("DirtyCount = %d, want %d", got, Cols*Rows)
	}

	var out bytes.Buffer
	if err := g.Flush(&out); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := g.Stats().CellsWritten; got != Cols*Rows {
		t.Errorf("CellsWritten = %d, want %d", got, Cols*Rows)
	}
	if g.DirtyCount() != 0 {
		t.Errorf("DirtyCount after Flush = %d, want 0", g.DirtyCount())
	}

	out.Reset()
	if err := g.Flush(&out); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("clean grid wrote %q", out.String())
	}
}

func TestGridSetCell(t *testing.T) {
	g := NewGrid()
	g.ClearDirty()

	c := Cell{Char: 'x', Attr: MakeAttr(White, Black)}
	if !g.SetCell(4, 4, c) {
		t.Error("SetCell should report a change")
	}
	if g.SetCell(4, 4, c) {
		t.Error("SetCell with the same cell should not report a change")
	}
	if g.SetCell(Cols, 0, c) || g.SetCell(0, -1, c) {
		t.Error("SetCell out of bounds should be ignored")
	}
	if got, ok := g.CellAt(4, 4); !ok || got != c {
		t.Errorf("CellAt(4, 4) = %+v, %v", got, ok)
	}
	if _, ok := g.CellAt(-1, 0); ok {
		t.Error("CellAt out of bounds should fail")
	}
	if g.DirtyCount() != 1 {
		t.Errorf("DirtyCount = %d, want 1", g.DirtyCount())
	}
}

func TestGridDirtyRegions(t *testing.T) {
	g := NewGrid()
	g.ClearDirty()

	for _, x := range []int{1, 2, 3, 7} {
		g.SetCell(x, 0, Cell{Char: 'a'})
	}
	g.SetCell(Cols-1, 5, Cell{Char: 'b'})

	want := []DirtyRegion{
		{X: 1, Y: 0, Width: 3},
		{X: 7, Y: 0, Width: 1},
		{X: Cols - 1, Y: 5, Width: 1},
	}
	got := g.DirtyRegions()
	if len(got) != len(want) {
		t.Fatalf("DirtyRegions = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("region %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestGridUpdateFlushesChangedCells(t *testing.T) {
	g := NewGrid()
	var f Frame
	g.Update(&f)
	if err := g.Flush(&bytes.Buffer{}); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	attr := MakeAttr(Yellow, Blue)
	f[2][5] = Cell{Char: 'H', Attr: attr}
	f[2][6] = Cell{Char: 'i', Attr: attr}
	if changed := g.Update(&f); changed != 2 {
		t.Fatalf("Update changed %d cells, want 2", changed)
	}

	var out bytes.Buffer
	if err := g.Flush(&out); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	want := ansi.CursorPosition(6, 3) + "\x1b[38;2;255;255;85;48;2;0;0;170m" + "Hi" + ansi.ResetStyle
	if out.String() != want {
		t.Errorf("Flush wrote %q, want %q", out.String(), want)
	}
}

func TestGridFlushStyleChanges(t *testing.T) {
	g := NewGrid()
	var f Frame
	for x := 0; x < 4; x++ {
		f[0][x] = Cell{Char: 'a', Attr: MakeAttr(White, Black)}
	}
	f[0][4] = Cell{Char: 'b', Attr: MakeAttr(Red, Black)}
	g.Update(&f)

	var out bytes.Buffer
	if err := g.Flush(&out); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	// Cells 0-3 share a style, cell 4 switches, the rest switch back to zero.
	if n := strings.Count(out.String(), "\x1b[38;2;"); n != 3 {
		t.Errorf("style emitted %d times, want 3", n)
	}
	if !strings.HasPrefix(ansi.Strip(out.String()), "aaaab ") {
		t.Errorf("unexpected text %q", ansi.Strip(out.String())[:10])
	}
}

func TestGridMarkAllDirty(t *testing.T) {
	g := NewGrid()
	g.ClearDirty()
	g.MarkAllDirty()

	st := g.Stats()
	if st.DirtyCells != Cols*Rows || st.TotalCells != Cols*Rows {
		t.Errorf("stats = %+v", st)
	}
	if st.FullRedraws != 2 {
		t.Errorf("FullRedraws = %d, want 2", st.FullRedraws)
	}
}
