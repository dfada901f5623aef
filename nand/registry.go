// Package nand implements a block-device layer over NAND flash partitions:
// a registry of logical devices, a request dispatcher, and a privileged
// control plane for boot areas and secure storage.
package nand

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/c35s/nandblk/flash"
	"go.uber.org/multierr"
)

// Config describes a new Registry.
type Config struct {

	// Chip provides the boot area, secure storage and diagnostic entry
	// points used by the control plane. It may be nil if only the
	// dispatcher is used.
	Chip flash.Chip

	// BlockShift is log2 of the logical block size in bytes.
	// If BlockShift is 0, 512-byte blocks are used.
	BlockShift int

	// MinorShift is the number of minor-number bits reserved per device.
	// If MinorShift is nil, 3 bits are reserved.
	MinorShift *int

	// MaxMinors is the minor-number budget. A device number n is only
	// accepted if n<<MinorShift doesn't exceed it. If MaxMinors is 0,
	// the budget is 256.
	MaxMinors int
}

// Registry is the authoritative list of logical devices.
type Registry struct {
	cfg Config

	// mu guards registration. The device list is read-only otherwise.
	mu     sync.Mutex
	alloc  Allocator
	devs   []*Device // ordered by device number
	closed bool
	broken bool

	// ops serializes the control plane across all devices.
	ops  sync.Mutex
	idle atomic.Bool
}

const (
	BlockShiftMin = flash.BlockShift
	BlockShiftMax = 16
)

// New creates an empty registry.
func New(cfg Config) (*Registry, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	r := &Registry{cfg: cfg}
	r.idle.Store(true)

	return r, nil
}

// Register adds a logical device for each partition. Registration is
// best-effort: a partition that can't be registered doesn't prevent the
// others, and devices already added are kept. The returned error combines
// every per-partition failure.
func (r *Registry) Register(parts []flash.Partition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.usable(); err != nil {
		return err
	}

	var errs error
	for _, p := range parts {
		d, err := r.add(p)
		if err != nil {
			slog.Error("nand: register partition failed", "name", p.Name, "err", err)
			errs = multierr.Append(errs, fmt.Errorf("partition %q: %w", p.Name, err))
			continue
		}

		slog.Info("nand: registered device",
			"dev", d.num,
			"name", d.name,
			"sectors", d.sectors,
			"minor", d.num<<r.cfg.minorShift())
	}

	return errs
}

func (r *Registry) add(p flash.Partition) (*Device, error) {
	if p.Dev == nil {
		return nil, fmt.Errorf("%w: no backing device", ErrInvalid)
	}

	if blocks := p.Sectors << flash.BlockShift >> r.cfg.BlockShift; blocks > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %d blocks overflow the flash address space", ErrInvalid, blocks)
	}

	num, err := r.alloc.Take(p.DevNum)
	if err != nil {
		return nil, err
	}

	if num<<r.cfg.minorShift() > r.cfg.MaxMinors {
		r.alloc.Release(num)
		return nil, fmt.Errorf("%w: %d<<%d > %d", ErrMinorRange, num, r.cfg.minorShift(), r.cfg.MaxMinors)
	}

	d := &Device{
		num:     num,
		name:    p.Name,
		sectors: p.Sectors,
		geo:     chsGeometry(p.Sectors),
		reg:     r,
		priv:    p.Dev,
	}

	d.mode.Store(uint32(ReadWrite))

	// keep the list ordered by device number
	i := 0
	for i < len(r.devs) && r.devs[i].num < num {
		i++
	}

	r.devs = append(r.devs, nil)
	copy(r.devs[i+1:], r.devs[i:])
	r.devs[i] = d

	return d, nil
}

// Unregister removes every device. The list must be empty afterwards; if it
// isn't, the registry is unusable and ErrInternal is returned.
func (r *Registry) Unregister() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.usable(); err != nil {
		return err
	}

	for len(r.devs) > 0 {
		d := r.devs[0]

		// wait for an in-flight request to drain
		d.mu.Lock()
		d.removed = true
		r.devs = r.devs[1:]
		r.alloc.Release(d.num)
		d.mu.Unlock()

		slog.Info("nand: unregistered device", "dev", d.num, "name", d.name)
	}

	if len(r.devs) != 0 || len(r.alloc.InUse()) != 0 {
		r.broken = true
		slog.Error("nand: device list not empty after unregister",
			"devices", len(r.devs), "numbers", r.alloc.InUse())
		return fmt.Errorf("%w: device list not empty after unregister", ErrInternal)
	}

	r.devs = nil
	return nil
}

// Shutdown unregisters every device and closes the registry. Operations
// on a closed registry fail with ErrClosed.
func (r *Registry) Shutdown() error {
	err := r.Unregister()
	if errors.Is(err, ErrClosed) {
		return err
	}

	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	// wait for a control-plane operation in progress
	r.ops.Lock()
	r.ops.Unlock()

	return err
}

// Device returns the device with the given number.
func (r *Registry) Device(num int) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.usable(); err != nil {
		return nil, err
	}

	for _, d := range r.devs {
		if d.num == num {
			return d, nil
		}
	}

	return nil, fmt.Errorf("%w: %d", ErrNoDevice, num)
}

// Devices returns the registered devices ordered by device number.
func (r *Registry) Devices() []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	devs := make([]*Device, len(r.devs))
	copy(devs, r.devs)
	return devs
}

// Idle reports whether no control-plane operation is running.
func (r *Registry) Idle() bool {
	return r.idle.Load()
}

// usable must be called with mu held.
func (r *Registry) usable() error {
	if r.closed {
		return ErrClosed
	}

	if r.broken {
		return fmt.Errorf("%w: registry is unusable", ErrInternal)
	}

	return nil
}

func (r *Registry) isUsable() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.usable()
}

func (cfg Config) validate() error {
	if cfg.BlockShift < BlockShiftMin || cfg.BlockShift > BlockShiftMax {
		return fmt.Errorf("block shift %d out of range [%d, %d]", cfg.BlockShift, BlockShiftMin, BlockShiftMax)
	}

	if cfg.minorShift() < 0 || cfg.minorShift() > 8 {
		return fmt.Errorf("minor shift %d out of range [0, 8]", cfg.minorShift())
	}

	if cfg.MaxMinors < 1 {
		return fmt.Errorf("minor budget %d < 1", cfg.MaxMinors)
	}

	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.BlockShift == 0 {
		cfg.BlockShift = flash.BlockShift
	}

	if cfg.MinorShift == nil {
		shift := 3
		cfg.MinorShift = &shift
	}

	if cfg.MaxMinors == 0 {
		cfg.MaxMinors = 256
	}

	return cfg
}

// minorShift returns the configured minor shift. It is only valid after
// withDefaults.
func (cfg Config) minorShift() int {
	return *cfg.MinorShift
}
