// Package ioctl defines the ioctl commands understood by NAND block devices,
// their argument layouts, and a handler that executes them against a
// nand.Registry.
package ioctl

import "fmt"

// Cmd is an ioctl request number.
type Cmd uint32

// Request number layout, as on amd64 and arm64.
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits
)

const sizeofLong = 8

const (
	BlkFlsBuf  Cmd = iocNone<<iocDirShift | 0x12<<iocTypeShift | 97<<iocNRShift
	HDIOGetGeo Cmd = 0x0301

	EnableWrite  Cmd = iocNone<<iocDirShift | 'V'<<iocTypeShift | 0<<iocNRShift
	DisableWrite Cmd = iocNone<<iocDirShift | 'V'<<iocTypeShift | 1<<iocNRShift
	EnableRead   Cmd = iocNone<<iocDirShift | 'V'<<iocTypeShift | 2<<iocNRShift
	DisableRead  Cmd = iocNone<<iocDirShift | 'V'<<iocTypeShift | 3<<iocNRShift

	SecBlkRead  Cmd = iocNone<<iocDirShift | 'V'<<iocTypeShift | 20<<iocNRShift
	SecBlkWrite Cmd = iocNone<<iocDirShift | 'V'<<iocTypeShift | 21<<iocNRShift
	SecBlkIoctl Cmd = iocNone<<iocDirShift | 'V'<<iocTypeShift | 22<<iocNRShift

	DragonBoardTest Cmd = iocNone<<iocDirShift | 'V'<<iocTypeShift | 55<<iocNRShift

	BlkReadBoot0 Cmd = iocWrite<<iocDirShift | sizeofLong<<iocSizeShift | 'v'<<iocTypeShift | 125<<iocNRShift
	BlkReadBoot1 Cmd = iocWrite<<iocDirShift | sizeofLong<<iocSizeShift | 'v'<<iocTypeShift | 126<<iocNRShift
	BlkBurnBoot0 Cmd = iocWrite<<iocDirShift | sizeofLong<<iocSizeShift | 'v'<<iocTypeShift | 127<<iocNRShift
	BlkBurnBoot1 Cmd = iocWrite<<iocDirShift | sizeofLong<<iocSizeShift | 'v'<<iocTypeShift | 128<<iocNRShift
)

// Cmds lists every supported command.
var Cmds = []Cmd{
	BlkFlsBuf,
	HDIOGetGeo,
	EnableWrite,
	DisableWrite,
	EnableRead,
	DisableRead,
	SecBlkRead,
	SecBlkWrite,
	SecBlkIoctl,
	DragonBoardTest,
	BlkReadBoot0,
	BlkReadBoot1,
	BlkBurnBoot0,
	BlkBurnBoot1,
}

// Dir returns the direction bits of the request number.
func (c Cmd) Dir() uint32 {
	return uint32(c) >> iocDirShift
}

// Type returns the type byte of the request number.
func (c Cmd) Type() uint8 {
	return uint8(c >> iocTypeShift)
}

// Nr returns the command number within its type.
func (c Cmd) Nr() uint8 {
	return uint8(c >> iocNRShift)
}

// Size returns the argument size encoded in the request number.
func (c Cmd) Size() uint32 {
	return uint32(c) >> iocSizeShift & (1<<iocSizeBits - 1)
}

func (c Cmd) String() string {
	switch c {
	case BlkFlsBuf:
		return "BLKFLSBUF"
	case HDIOGetGeo:
		return "HDIO_GETGEO"
	case EnableWrite:
		return "ENABLE_WRITE"
	case DisableWrite:
		return "DISABLE_WRITE"
	case EnableRead:
		return "ENABLE_READ"
	case DisableRead:
		return "DISABLE_READ"
	case SecBlkRead:
		return "SECBLK_READ"
	case SecBlkWrite:
		return "SECBLK_WRITE"
	case SecBlkIoctl:
		return "SECBLK_IOCTL"
	case DragonBoardTest:
		return "DRAGON_BOARD_TEST"
	case BlkReadBoot0:
		return "BLKREADBOOT0"
	case BlkReadBoot1:
		return "BLKREADBOOT1"
	case BlkBurnBoot0:
		return "BLKBURNBOOT0"
	case BlkBurnBoot1:
		return "BLKBURNBOOT1"
	default:
		return fmt.Sprintf("Cmd(%#x)", uint32(c))
	}
}

// ParseCmd returns the command with the given name, as printed by String.
func ParseCmd(name string) (Cmd, bool) {
	for _, c := range Cmds {
		if c.String() == name {
			return c, true
		}
	}

	return 0, false
}
