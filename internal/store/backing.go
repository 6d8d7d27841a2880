package store

import (
	"os"

	mmap "github.com/edsrzf/mmap-go"
)

// backing is the content buffer a Store writes into and reads from. It
// abstracts over a memory-mapped file and a plain pread/pwrite fallback so
// the rest of the package never cares which one is active.
type backing interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Sync() error
	Close() error
}

// mmapBacking backs a Store with a memory-mapped region of the file.
type mmapBacking struct {
	file *os.File
	mm   mmap.MMap
}

func newMmapBacking(f *os.File) (*mmapBacking, error) {
	mm, err := mmap.MapRegion(f, -1, mmap.RDWR, 0, 0)
	if err != nil {
		return nil, err
	}

	return &mmapBacking{file: f, mm: mm}, nil
}

func (b *mmapBacking) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, b.mm[off:off+int64(len(p))]), nil
}

func (b *mmapBacking) WriteAt(p []byte, off int64) (int, error) {
	return copy(b.mm[off:off+int64(len(p))], p), nil
}

func (b *mmapBacking) Sync() error {
	return b.mm.Flush()
}

func (b *mmapBacking) Close() error {
	if err := b.mm.Unmap(); err != nil {
		b.file.Close()
		return err
	}

	return b.file.Close()
}

// fileBacking backs a Store directly through the file descriptor's
// ReadAt/WriteAt (pread/pwrite), used when mmap is unavailable or fails.
type fileBacking struct {
	file *os.File
}

func newFileBacking(f *os.File) *fileBacking {
	return &fileBacking{file: f}
}

func (b *fileBacking) ReadAt(p []byte, off int64) (int, error) {
	return b.file.ReadAt(p, off)
}

func (b *fileBacking) WriteAt(p []byte, off int64) (int, error) {
	return b.file.WriteAt(p, off)
}

func (b *fileBacking) Sync() error {
	return b.file.Sync()
}

func (b *fileBacking) Close() error {
	return b.file.Close()
}

// openBacking opens filename, truncates it to size, and returns a backing
// buffer for it, preferring a memory mapping and falling back to direct
// pread/pwrite when mapping isn't possible.
func openBacking(filename string, size int64) (backing, error) {
	f, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}

	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, err
	}

	if size == 0 {
		return newFileBacking(f), nil
	}

	if mb, err := newMmapBacking(f); err == nil {
		return mb, nil
	}

	return newFileBacking(f), nil
}
