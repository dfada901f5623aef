package nand

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/c35s/nandblk/flash"
)

// Device is a logical block device wrapping one physical partition.
// Devices are created and destroyed only by their Registry.
type Device struct {
	num     int
	name    string
	sectors uint64
	geo     Geometry

	reg  *Registry
	priv flash.Device

	// mu is held while a request is translated and dispatched.
	mu      sync.Mutex
	removed bool

	mode atomic.Uint32
}

// Geometry is a synthetic CHS geometry for legacy HDIO_GETGEO users.
// It is never used for addressing.
type Geometry struct {
	Cylinders uint16
	Heads     uint8
	Sectors   uint8
}

// AccessMode gates which requests the dispatcher accepts for a device.
// It is a pair of independent read and write permissions.
type AccessMode uint32

const (
	modeRead  = 1 << 0
	modeWrite = 1 << 1
)

const (
	Disabled  = AccessMode(0)
	ReadOnly  = AccessMode(modeRead)
	WriteOnly = AccessMode(modeWrite)
	ReadWrite = AccessMode(modeRead | modeWrite)
)

// Num returns the device number.
func (d *Device) Num() int {
	return d.num
}

// Minor returns the first minor number of the device.
func (d *Device) Minor() int {
	return d.num << d.reg.cfg.minorShift()
}

// Name returns the partition name.
func (d *Device) Name() string {
	return d.name
}

// Sectors returns the capacity in 512-byte sectors.
func (d *Device) Sectors() uint64 {
	return d.sectors
}

// Geometry returns the device's synthetic geometry.
func (d *Device) Geometry() Geometry {
	return d.geo
}

// Mode returns the current access mode.
func (d *Device) Mode() AccessMode {
	return AccessMode(d.mode.Load())
}

// SupportsDiscard reports whether discard requests reach the flash layer.
// They don't: discards are validated and completed without effect.
func (d *Device) SupportsDiscard() bool {
	return false
}

func (d *Device) String() string {
	return fmt.Sprintf("nand%d(%s)", d.num, d.name)
}

// setPerm sets or clears a permission bit.
func (d *Device) setPerm(bit AccessMode, on bool) AccessMode {
	for {
		old := d.mode.Load()
		mode := AccessMode(old) &^ bit
		if on {
			mode |= bit
		}

		if d.mode.CompareAndSwap(old, uint32(mode)) {
			return mode
		}
	}
}

// CanRead reports whether the mode permits reads.
func (m AccessMode) CanRead() bool {
	return m&modeRead != 0
}

// CanWrite reports whether the mode permits writes.
func (m AccessMode) CanWrite() bool {
	return m&modeWrite != 0
}

func (m AccessMode) String() string {
	switch m {
	case ReadWrite:
		return "read-write"

	case ReadOnly:
		return "read-only"

	case WriteOnly:
		return "write-only"

	case Disabled:
		return "disabled"

	default:
		return fmt.Sprintf("AccessMode(%d)", uint32(m))
	}
}

// chsGeometry derives a geometry covering sectors. Cylinders stay at 1024
// unless heads and sectors both saturate.
func chsGeometry(size uint64) Geometry {
	const (
		cyls    = 1024
		maxHS   = 255
		maxCyls = 65535
	)

	heads := uint64(16)

	secs := max(ceilDiv(size, cyls*heads), 1)
	if secs > maxHS {
		secs = maxHS
	}

	heads = min(max(ceilDiv(size, cyls*secs), 1), maxHS)

	c := uint64(cyls)
	if c*heads*secs < size {
		c = min(ceilDiv(size, heads*secs), maxCyls)
	}

	return Geometry{
		Cylinders: uint16(c),
		Heads:     uint8(heads),
		Sectors:   uint8(secs),
	}
}

func ceilDiv(a, b uint64) uint64 {
	return (a + b - 1) / b
}
