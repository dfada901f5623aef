package nand

import (
	"fmt"
	"log/slog"

	"github.com/c35s/nandblk/flash"
)

// begin acquires the control-plane mutex and marks the registry busy. The
// returned func undoes both and must be deferred by the caller.
func (r *Registry) begin(op string) (end func(), err error) {
	r.ops.Lock()
	r.idle.Store(false)

	end = func() {
		r.idle.Store(true)
		r.ops.Unlock()
	}

	if err := r.isUsable(); err != nil {
		end()
		return nil, err
	}

	if r.cfg.Chip == nil && op != opSetRead && op != opSetWrite && op != opFlush && op != opGeometry {
		end()
		return nil, fmt.Errorf("%w: %s: no chip configured", ErrInvalid, op)
	}

	return end, nil
}

const (
	opReadBoot    = "read boot"
	opBurnBoot    = "burn boot"
	opSecureRead  = "secure read"
	opSecureWrite = "secure write"
	opSecureCount = "secure item count"
	opSelfTest    = "self test"
	opSetRead     = "set read"
	opSetWrite    = "set write"
	opFlush       = "flush"
	opGeometry    = "get geometry"
)

// ReadBoot reads len(p) bytes of the boot image in slot 0 or 1.
func (r *Registry) ReadBoot(slot int, p []byte) error {
	end, err := r.begin(opReadBoot)
	if err != nil {
		return err
	}

	defer end()

	if err := checkBoot(slot, p); err != nil {
		return fail(opReadBoot, err, "slot", slot, "len", len(p))
	}

	if err := r.cfg.Chip.ReadBoot(slot, p); err != nil {
		return fail(opReadBoot, err, "slot", slot, "len", len(p))
	}

	return nil
}

// BurnBoot writes p as the boot image in slot 0 or 1.
func (r *Registry) BurnBoot(slot int, p []byte) error {
	end, err := r.begin(opBurnBoot)
	if err != nil {
		return err
	}

	defer end()

	if err := checkBoot(slot, p); err != nil {
		return fail(opBurnBoot, err, "slot", slot, "len", len(p))
	}

	if err := r.cfg.Chip.BurnBoot(slot, p); err != nil {
		return fail(opBurnBoot, err, "slot", slot, "len", len(p))
	}

	slog.Info("nand: burned boot image", "slot", slot, "len", len(p))
	return nil
}

// SecureRead returns n bytes of secure storage item.
func (r *Registry) SecureRead(item, n int) ([]byte, error) {
	end, err := r.begin(opSecureRead)
	if err != nil {
		return nil, err
	}

	defer end()

	if err := r.checkSecure(item, n); err != nil {
		return nil, fail(opSecureRead, err, "item", item, "len", n)
	}

	buf := make([]byte, n)
	if err := r.cfg.Chip.SecureRead(item, buf); err != nil {
		return nil, fail(opSecureRead, err, "item", item, "len", n)
	}

	return buf, nil
}

// SecureWrite stores p in secure storage item.
func (r *Registry) SecureWrite(item int, p []byte) error {
	end, err := r.begin(opSecureWrite)
	if err != nil {
		return err
	}

	defer end()

	if err := r.checkSecure(item, len(p)); err != nil {
		return fail(opSecureWrite, err, "item", item, "len", len(p))
	}

	buf := make([]byte, len(p))
	copy(buf, p)

	if err := r.cfg.Chip.SecureWrite(item, buf); err != nil {
		return fail(opSecureWrite, err, "item", item, "len", len(p))
	}

	return nil
}

// SecureItemCount returns the number of secure storage items.
func (r *Registry) SecureItemCount() (int, error) {
	end, err := r.begin(opSecureCount)
	if err != nil {
		return 0, err
	}

	defer end()

	return r.cfg.Chip.SecureMaxItem(), nil
}

// SelfTest runs the chip's diagnostic routine. The routine writes to the
// partitions, so every device is held for its duration; requests
// dispatched meanwhile see Busy.
func (r *Registry) SelfTest() error {
	end, err := r.begin(opSelfTest)
	if err != nil {
		return err
	}

	defer end()

	devs := r.Devices()
	for _, d := range devs {
		d.mu.Lock()
	}

	defer func() {
		for _, d := range devs {
			d.mu.Unlock()
		}
	}()

	if err := r.cfg.Chip.DragonBoardTest(); err != nil {
		return fail(opSelfTest, err)
	}

	return nil
}

// SetReadEnabled grants or revokes read access to a device.
func (r *Registry) SetReadEnabled(num int, on bool) (AccessMode, error) {
	return r.setPerm(opSetRead, num, ReadOnly, on)
}

// SetWriteEnabled grants or revokes write access to a device.
func (r *Registry) SetWriteEnabled(num int, on bool) (AccessMode, error) {
	return r.setPerm(opSetWrite, num, WriteOnly, on)
}

func (r *Registry) setPerm(op string, num int, bit AccessMode, on bool) (AccessMode, error) {
	end, err := r.begin(op)
	if err != nil {
		return 0, err
	}

	defer end()

	d, err := r.Device(num)
	if err != nil {
		return 0, fail(op, err, "dev", num)
	}

	mode := d.setPerm(bit, on)
	slog.Info("nand: access mode changed", "dev", num, "mode", mode)

	return mode, nil
}

// Geometry returns the synthetic geometry of a device.
func (r *Registry) Geometry(num int) (Geometry, error) {
	end, err := r.begin(opGeometry)
	if err != nil {
		return Geometry{}, err
	}

	defer end()

	d, err := r.Device(num)
	if err != nil {
		return Geometry{}, fail(opGeometry, err, "dev", num)
	}

	return d.Geometry(), nil
}

// FlushDevice flushes a device's write cache, waiting for any request in
// flight on it.
func (r *Registry) FlushDevice(num int) error {
	end, err := r.begin(opFlush)
	if err != nil {
		return err
	}

	defer end()

	d, err := r.Device(num)
	if err != nil {
		return fail(opFlush, err, "dev", num)
	}

	if err := d.Flush(); err != nil {
		return fail(opFlush, err, "dev", num)
	}

	return nil
}

func checkBoot(slot int, p []byte) error {
	if slot < 0 || slot >= flash.NumBootSlots {
		return fmt.Errorf("%w: boot slot %d", ErrInvalid, slot)
	}

	if len(p) == 0 {
		return fmt.Errorf("%w: empty boot buffer", ErrInvalid)
	}

	return nil
}

func (r *Registry) checkSecure(item, n int) error {
	if nitems := r.cfg.Chip.SecureMaxItem(); item < 0 || item >= nitems {
		return fmt.Errorf("%w: secure item %d not in [0, %d)", ErrInvalid, item, nitems)
	}

	if sz := r.cfg.Chip.SecureItemSize(); n < 0 || n > sz {
		return fmt.Errorf("%w: secure item length %d > %d", ErrInvalid, n, sz)
	}

	return nil
}

// fail logs a control-plane failure and returns err with the op name.
func fail(op string, err error, args ...any) error {
	slog.Error("nand: "+op+" failed", append(args, "err", err)...)
	return fmt.Errorf("%s: %w", op, err)
}
