package flash

import (
	"fmt"
	"os"
)

// FileDevice is a read-write device backed by a region of a file.
type FileDevice struct {
	File *os.File

	// Offset is the byte offset of the region in File.
	Offset int64

	// Size is the region size in bytes. It must be a multiple of BlockSize.
	Size int64
}

// OpenFileDevice opens (creating if needed) path and sizes it to hold
// sectors blocks.
func OpenFileDevice(path string, sectors uint64) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}

	size := int64(sectors) * BlockSize

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	if info.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("flash: grow %s: %w", path, err)
		}
	}

	return &FileDevice{File: f, Size: size}, nil
}

// ReadData reads from the backing file.
func (fd *FileDevice) ReadData(start, count uint32, p []byte) error {
	off, n, err := checkRange(start, count, p, fd.Size)
	if err != nil {
		return err
	}

	_, err = fd.File.ReadAt(p[:n], fd.Offset+off)
	return err
}

// WriteData writes to the backing file.
func (fd *FileDevice) WriteData(start, count uint32, p []byte) error {
	off, n, err := checkRange(start, count, p, fd.Size)
	if err != nil {
		return err
	}

	_, err = fd.File.WriteAt(p[:n], fd.Offset+off)
	return err
}

// FlushWriteCache syncs the backing file.
func (fd *FileDevice) FlushWriteCache(uint16) error {
	return fd.File.Sync()
}

// Close closes the backing file.
func (fd *FileDevice) Close() error {
	return fd.File.Close()
}
