package config

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/c35s/nandblk/flash"
	"go.uber.org/multierr"
)

// NewChip builds the chip and its partitions. The returned release func
// closes any backing files.
func (c *ChipConfig) NewChip() (chip *flash.MemChip, release func() error, err error) {
	chip = flash.NewMemChip(c.MemChipConfig())

	var closers []io.Closer
	release = func() error {
		var errs error
		for _, cl := range closers {
			errs = multierr.Append(errs, cl.Close())
		}

		return errs
	}

	defer func() {
		if err != nil {
			err = multierr.Append(err, release())
		}
	}()

	for _, pc := range c.Partitions {
		p := flash.Partition{
			Name:    pc.Name,
			DevNum:  flash.AutoDevNum,
			Sectors: uint64(pc.Size) / flash.BlockSize,
		}

		if pc.DevNum != nil {
			p.DevNum = *pc.DevNum
		}

		switch {
		case pc.File != "":
			fd, err := flash.OpenFileDevice(pc.File, p.Sectors)
			if err != nil {
				return nil, nil, fmt.Errorf("partition %q: %w", pc.Name, err)
			}

			closers = append(closers, fd)
			p.Dev = fd

		case pc.URL != "":
			hd := &flash.HTTPDevice{URL: pc.URL}
			if p.Sectors == 0 {
				if p.Sectors, err = hd.Sectors(); err != nil {
					return nil, nil, fmt.Errorf("partition %q: %w", pc.Name, err)
				}
			}

			p.Dev = hd

		default:
			p.Dev = flash.NewMemDevice(int(p.Sectors))
		}

		slog.Debug("config: partition", "name", p.Name, "sectors", p.Sectors, "dev", fmt.Sprintf("%T", p.Dev))
		chip.Attach(p)
	}

	return chip, release, nil
}
