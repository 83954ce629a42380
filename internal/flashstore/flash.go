package flashstore

import (
	"fmt"
	"os"
)

// SectorSize is the erase granularity of the backing flash. The reserved
// region must be a whole number of sectors.
const SectorSize = 4096

// Flash is the raw storage port. Erase fills a sector with 0xFF, the way
// NOR flash does; reads of never-written space therefore return 0xFF.
type Flash interface {
	ReadAt(off uint32, p []byte) error
	WriteAt(off uint32, p []byte) error
	EraseSector(index uint32) error
	Size() uint32
}

// MemFlash is an in-memory Flash used by tests and host demos.
type MemFlash struct {
	data []byte
}

// NewMemFlash creates a memory flash of the given size, pre-erased.
func NewMemFlash(size uint32) *MemFlash {
	data := make([]byte, size)
	for i := range data {
		data[i] = 0xFF
	}
	return &MemFlash{data: data}
}

func (m *MemFlash) ReadAt(off uint32, p []byte) error {
	if int(off)+len(p) > len(m.data) {
		return fmt.Errorf("mem flash: read [%d,%d) out of range", off, int(off)+len(p))
	}
	copy(p, m.data[off:])
	return nil
}

func (m *MemFlash) WriteAt(off uint32, p []byte) error {
	if int(off)+len(p) > len(m.data) {
		return fmt.Errorf("mem flash: write [%d,%d) out of range", off, int(off)+len(p))
	}
	copy(m.data[off:], p)
	return nil
}

func (m *MemFlash) EraseSector(index uint32) error {
	start := index * SectorSize
	if int(start)+SectorSize > len(m.data) {
		return fmt.Errorf("mem flash: erase sector %d out of range", index)
	}
	for i := start; i < start+SectorSize; i++ {
		m.data[i] = 0xFF
	}
	return nil
}

func (m *MemFlash) Size() uint32 { return uint32(len(m.data)) }

// FileFlash persists the flash image in a regular file, used when the
// stack runs in gateway mode on a host.
type FileFlash struct {
	f    *os.File
	size uint32
}

// OpenFileFlash opens or creates a file-backed flash image of the given
// size. A newly created image is pre-erased.
func OpenFileFlash(path string, size uint32) (*FileFlash, error) {
	if size%SectorSize != 0 {
		return nil, fmt.Errorf("file flash: size %d not a multiple of %d", size, SectorSize)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("file flash: open %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("file flash: stat %s: %w", path, err)
	}
	if st.Size() < int64(size) {
		blank := make([]byte, SectorSize)
		for i := range blank {
			blank[i] = 0xFF
		}
		for off := st.Size() - st.Size()%SectorSize; off < int64(size); off += SectorSize {
			if _, err := f.WriteAt(blank, off); err != nil {
				f.Close()
				return nil, fmt.Errorf("file flash: init %s: %w", path, err)
			}
		}
	}
	return &FileFlash{f: f, size: size}, nil
}

func (ff *FileFlash) ReadAt(off uint32, p []byte) error {
	if off+uint32(len(p)) > ff.size {
		return fmt.Errorf("file flash: read [%d,%d) out of range", off, off+uint32(len(p)))
	}
	_, err := ff.f.ReadAt(p, int64(off))
	return err
}

func (ff *FileFlash) WriteAt(off uint32, p []byte) error {
	if off+uint32(len(p)) > ff.size {
		return fmt.Errorf("file flash: write [%d,%d) out of range", off, off+uint32(len(p)))
	}
	_, err := ff.f.WriteAt(p, int64(off))
	return err
}

func (ff *FileFlash) EraseSector(index uint32) error {
	start := index * SectorSize
	if start+SectorSize > ff.size {
		return fmt.Errorf("file flash: erase sector %d out of range", index)
	}
	blank := make([]byte, SectorSize)
	for i := range blank {
		blank[i] = 0xFF
	}
	_, err := ff.f.WriteAt(blank, int64(start))
	return err
}

func (ff *FileFlash) Size() uint32 { return ff.size }

// Close closes the backing file.
func (ff *FileFlash) Close() error { return ff.f.Close() }
