package nand

import (
	"errors"

	"github.com/c35s/nandblk/flash"
	"golang.org/x/sys/unix"
)

var (
	ErrConfig     = errors.New("nand: invalid config")
	ErrClosed     = errors.New("nand: registry is shut down")
	ErrInternal   = errors.New("nand: internal error")
	ErrExists     = errors.New("nand: device number in use")
	ErrMinorRange = errors.New("nand: device number exceeds minor range")
	ErrNoDevice   = errors.New("nand: no such device")
	ErrRange      = errors.New("nand: access beyond end of device")
	ErrInvalid    = errors.New("nand: invalid argument")
	ErrReadOnly   = errors.New("nand: device is read-only")
	ErrWriteOnly  = errors.New("nand: device is write-only")
	ErrIO         = errors.New("nand: I/O error")
	ErrBusy       = errors.New("nand: device busy")
)

// Errno maps an error returned by this package to the errno a block device
// user would see. Errors that already carry an errno keep it.
func Errno(err error) unix.Errno {
	var errno unix.Errno

	switch {
	case err == nil:
		return 0

	case errors.Is(err, ErrInvalid),
		errors.Is(err, flash.ErrBadSlot),
		errors.Is(err, flash.ErrBadItem),
		errors.Is(err, flash.ErrTooLarge):
		return unix.EINVAL

	case errors.Is(err, ErrReadOnly):
		return unix.EROFS

	case errors.Is(err, ErrWriteOnly):
		return unix.EACCES

	case errors.Is(err, ErrNoDevice):
		return unix.ENXIO

	case errors.Is(err, ErrExists), errors.Is(err, ErrBusy):
		return unix.EBUSY

	case errors.Is(err, ErrClosed):
		return unix.ENODEV

	case errors.As(err, &errno):
		return errno

	default:
		return unix.EIO
	}
}
