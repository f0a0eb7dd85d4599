// Package disk implements the flat sector-addressed disk image shared by the
// emulated IDE controller and the paravirtual disk.
package disk

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/schollz/progressbar/v3"
)

// SectorSize is the fixed size of one addressable disk unit.
const SectorSize = 512

// Sector is the payload of one sector write.
type Sector = [SectorSize]byte

// SectorWriter persists whole sectors.
type SectorWriter interface {
	WriteSector(idx uint32, data *Sector) error
}

// File is a host file treated as an array of sectors, sector i at byte offset
// i*SectorSize. The file is opened per write and must already exist; writes
// past the end grow it.
type File struct {
	mu   sync.Mutex
	path string
}

// Open returns a File for path. The file is not touched until the first write.
func Open(path string) *File {
	return &File{path: path}
}

func (f *File) Path() string { return f.path }

// WriteSector implements SectorWriter.
func (f *File) WriteSector(idx uint32, data *Sector) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	fh, err := os.OpenFile(f.path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("disk: open %s: %w", f.path, err)
	}

	off := int64(idx) * SectorSize
	if _, err := fh.WriteAt(data[:], off); err != nil {
		fh.Close()
		return fmt.Errorf("disk: write sector %d of %s: %w", idx, f.path, err)
	}

	if err := fh.Close(); err != nil {
		return fmt.Errorf("disk: close %s: %w", f.path, err)
	}
	return nil
}

// ReadSector reads sector idx back from the file.
func (f *File) ReadSector(idx uint32) (Sector, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var sector Sector

	fh, err := os.Open(f.path)
	if err != nil {
		return sector, fmt.Errorf("disk: open %s: %w", f.path, err)
	}
	defer fh.Close()

	if _, err := fh.ReadAt(sector[:], int64(idx)*SectorSize); err != nil {
		return sector, fmt.Errorf("disk: read sector %d of %s: %w", idx, f.path, err)
	}
	return sector, nil
}

var (
	_ SectorWriter = (*File)(nil)
)

// WriteSector writes one sector to the image at path.
func WriteSector(path string, idx uint32, data *Sector) error {
	return Open(path).WriteSector(idx, data)
}

// Create writes a zero-filled image of the given number of sectors to path,
// replacing any existing file. Progress is reported to progress when non-nil.
func Create(path string, sectors uint64, progress io.Writer) error {
	if sectors == 0 {
		return fmt.Errorf("disk: image must have at least one sector")
	}
	size := int64(sectors * SectorSize)

	fh, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("disk: create %s: %w", path, err)
	}
	defer fh.Close()

	var bar *progressbar.ProgressBar
	if progress != nil {
		bar = progressbar.NewOptions64(size,
			progressbar.OptionSetWriter(progress),
			progressbar.OptionSetDescription("creating "+path),
			progressbar.OptionShowBytes(true),
		)
	} else {
		bar = progressbar.DefaultBytesSilent(size, "creating "+path)
	}

	if _, err := io.Copy(io.MultiWriter(fh, bar), io.LimitReader(zeroReader{}, size)); err != nil {
		return fmt.Errorf("disk: fill %s: %w", path, err)
	}
	if err := bar.Finish(); err != nil {
		return fmt.Errorf("disk: finish progress: %w", err)
	}

	if err := fh.Close(); err != nil {
		return fmt.Errorf("disk: close %s: %w", path, err)
	}
	return nil
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}
