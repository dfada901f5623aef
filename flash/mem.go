package flash

import (
	"bytes"
	"fmt"
	"sync"
)

// MemDevice is a read-write device backed by a byte slice.
type MemDevice struct {
	Bytes []byte

	mu          sync.Mutex
	flushes     int
	lastFlushed uint16
}

// MemChip is an in-memory chip. The zero value has no partitions, no boot
// areas and no secure storage; use NewMemChip.
type MemChip struct {
	mu     sync.Mutex
	parts  []Partition
	boot   [NumBootSlots][]byte
	secure [][]byte
	itemSz int
}

// MemChipConfig describes the layout of a MemChip.
type MemChipConfig struct {

	// BootSize is the size of each boot area in bytes.
	BootSize int

	// SecureItems is the number of secure storage items.
	SecureItems int

	// SecureItemSize is the size of each secure storage item in bytes.
	SecureItemSize int
}

// NewMemDevice returns a zero-filled device of the given number of blocks.
func NewMemDevice(blocks int) *MemDevice {
	return &MemDevice{Bytes: make([]byte, blocks*BlockSize)}
}

// ReadData copies count blocks at start into p.
func (md *MemDevice) ReadData(start, count uint32, p []byte) error {
	md.mu.Lock()
	defer md.mu.Unlock()

	off, n, err := checkRange(start, count, p, int64(len(md.Bytes)))
	if err != nil {
		return err
	}

	copy(p[:n], md.Bytes[off:])
	return nil
}

// WriteData copies count blocks from p into the backing slice at start.
func (md *MemDevice) WriteData(start, count uint32, p []byte) error {
	md.mu.Lock()
	defer md.mu.Unlock()

	off, n, err := checkRange(start, count, p, int64(len(md.Bytes)))
	if err != nil {
		return err
	}

	copy(md.Bytes[off:], p[:n])
	return nil
}

// FlushWriteCache records the flush; memory has nothing to persist.
func (md *MemDevice) FlushWriteCache(sentinel uint16) error {
	md.mu.Lock()
	defer md.mu.Unlock()

	md.flushes++
	md.lastFlushed = sentinel
	return nil
}

// Flushes returns the number of FlushWriteCache calls and the last sentinel.
func (md *MemDevice) Flushes() (n int, last uint16) {
	md.mu.Lock()
	defer md.mu.Unlock()
	return md.flushes, md.lastFlushed
}

// NewMemChip returns a chip with empty boot areas and secure storage.
func NewMemChip(cfg MemChipConfig) *MemChip {
	c := &MemChip{
		secure: make([][]byte, cfg.SecureItems),
		itemSz: cfg.SecureItemSize,
	}

	for i := range c.boot {
		c.boot[i] = make([]byte, cfg.BootSize)
	}

	for i := range c.secure {
		c.secure[i] = make([]byte, cfg.SecureItemSize)
	}

	return c
}

// AddPartition appends a partition of the given size backed by a new
// MemDevice and returns the device.
func (c *MemChip) AddPartition(name string, sectors uint64) *MemDevice {
	dev := NewMemDevice(int(sectors))
	c.Attach(Partition{
		Name:    name,
		DevNum:  AutoDevNum,
		Sectors: sectors,
		Dev:     dev,
	})

	return dev
}

// Attach appends an existing partition to the chip.
func (c *MemChip) Attach(p Partition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.parts = append(c.parts, p)
}

func (c *MemChip) Partitions() []Partition {
	c.mu.Lock()
	defer c.mu.Unlock()

	parts := make([]Partition, len(c.parts))
	copy(parts, c.parts)
	return parts
}

func (c *MemChip) ReadBoot(slot int, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	area, err := c.bootArea(slot)
	if err != nil {
		return err
	}

	if len(p) > len(area) {
		return fmt.Errorf("%w: read %d > %d", ErrTooLarge, len(p), len(area))
	}

	copy(p, area)
	return nil
}

func (c *MemChip) BurnBoot(slot int, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	area, err := c.bootArea(slot)
	if err != nil {
		return err
	}

	if len(p) > len(area) {
		return fmt.Errorf("%w: burn %d > %d", ErrTooLarge, len(p), len(area))
	}

	n := copy(area, p)
	clear(area[n:])
	return nil
}

func (c *MemChip) SecureRead(item int, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if item < 0 || item >= len(c.secure) {
		return fmt.Errorf("%w: %d", ErrBadItem, item)
	}

	if len(p) > c.itemSz {
		return fmt.Errorf("%w: read %d > %d", ErrTooLarge, len(p), c.itemSz)
	}

	copy(p, c.secure[item])
	return nil
}

func (c *MemChip) SecureWrite(item int, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if item < 0 || item >= len(c.secure) {
		return fmt.Errorf("%w: %d", ErrBadItem, item)
	}

	if len(p) > c.itemSz {
		return fmt.Errorf("%w: write %d > %d", ErrTooLarge, len(p), c.itemSz)
	}

	n := copy(c.secure[item], p)
	clear(c.secure[item][n:])
	return nil
}

func (c *MemChip) SecureMaxItem() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.secure)
}

func (c *MemChip) SecureItemSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.itemSz
}

// DragonBoardTest writes a pattern to the last block of every partition,
// reads it back and restores the original contents.
func (c *MemChip) DragonBoardTest() error {
	for _, p := range c.Partitions() {
		if p.Sectors == 0 {
			continue
		}

		if err := selfTestBlock(p); err != nil {
			return fmt.Errorf("%w: partition %q: %w", ErrSelfTest, p.Name, err)
		}
	}

	return nil
}

func selfTestBlock(p Partition) error {
	var (
		blk     = uint32(p.Sectors - 1)
		saved   = make([]byte, BlockSize)
		pattern = bytes.Repeat([]byte{0x5a, 0xa5}, BlockSize/2)
		got     = make([]byte, BlockSize)
	)

	if err := p.Dev.ReadData(blk, 1, saved); err != nil {
		return err
	}

	if err := p.Dev.WriteData(blk, 1, pattern); err != nil {
		return err
	}

	readErr := p.Dev.ReadData(blk, 1, got)

	if err := p.Dev.WriteData(blk, 1, saved); err != nil {
		return err
	}

	if readErr != nil {
		return readErr
	}

	if !bytes.Equal(got, pattern) {
		return fmt.Errorf("block %d: pattern mismatch", blk)
	}

	return nil
}

func (c *MemChip) bootArea(slot int) ([]byte, error) {
	if slot < 0 || slot >= NumBootSlots {
		return nil, fmt.Errorf("%w: %d", ErrBadSlot, slot)
	}

	return c.boot[slot], nil
}
