// Package flash describes the flash translation layer consumed by the block
// layer, and provides a few concrete backends for it.
package flash

import "errors"

// Device is one physical partition as exposed by the flash translation layer.
// Addresses and counts are in blocks of BlockSize bytes. Implementations are
// not required to be safe for concurrent use; callers serialize access.
type Device interface {

	// ReadData reads count blocks starting at block start into p.
	ReadData(start, count uint32, p []byte) error

	// WriteData writes count blocks from p starting at block start.
	WriteData(start, count uint32, p []byte) error

	// FlushWriteCache persists buffered writes. The sentinel FlushAll asks
	// the device to flush everything it has cached.
	FlushWriteCache(sentinel uint16) error
}

// Partition describes a physical partition reported by the chip.
type Partition struct {

	// Name is a human-readable label, e.g. "boot" or "rootfs".
	Name string

	// DevNum pins the logical device number. AutoDevNum requests the
	// smallest free number.
	DevNum int

	// Sectors is the partition capacity in 512-byte sectors.
	Sectors uint64

	// Dev is the backing device. It is owned by the chip, not the
	// partition's users.
	Dev Device
}

// Chip is the vendor interface to a NAND chip: its partition list and the
// out-of-band boot, secure storage and diagnostic entry points.
type Chip interface {

	// Partitions lists the chip's physical partitions in chip order.
	Partitions() []Partition

	// ReadBoot reads len(p) bytes of the boot image in slot 0 or 1.
	ReadBoot(slot int, p []byte) error

	// BurnBoot writes p as the boot image in slot 0 or 1.
	BurnBoot(slot int, p []byte) error

	// SecureRead reads len(p) bytes of secure storage item.
	SecureRead(item int, p []byte) error

	// SecureWrite stores p in secure storage item.
	SecureWrite(item int, p []byte) error

	// SecureMaxItem returns the number of secure storage items.
	SecureMaxItem() int

	// SecureItemSize returns the capacity of one secure storage item in bytes.
	SecureItemSize() int

	// DragonBoardTest runs the vendor self test.
	DragonBoardTest() error
}

const (
	BlockShift = 9
	BlockSize  = 1 << BlockShift

	// FlushAll is the FlushWriteCache sentinel meaning "flush everything".
	FlushAll = 0xffff

	// AutoDevNum asks the registry to pick a device number.
	AutoDevNum = -1

	// NumBootSlots is the number of redundant boot areas.
	NumBootSlots = 2
)

var (
	ErrOutOfRange  = errors.New("flash: access out of range")
	ErrShortBuffer = errors.New("flash: buffer shorter than block count")
	ErrBadSlot     = errors.New("flash: no such boot slot")
	ErrBadItem     = errors.New("flash: no such secure storage item")
	ErrTooLarge    = errors.New("flash: data larger than the area")
	ErrSelfTest    = errors.New("flash: self test failed")
)

// checkRange validates a block range against a device of size bytes and a
// buffer p. It returns the byte offset and length of the range.
func checkRange(start, count uint32, p []byte, size int64) (off, n int64, err error) {
	off = int64(start) * BlockSize
	n = int64(count) * BlockSize

	if int64(len(p)) < n {
		return 0, 0, ErrShortBuffer
	}

	if off+n > size {
		return 0, 0, ErrOutOfRange
	}

	return off, n, nil
}
