// Package config loads the nandd configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/bits"
	"os"
	"time"

	"github.com/c35s/nandblk/flash"
	"github.com/c35s/nandblk/nand"
	"github.com/c35s/nandblk/queue"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

var ErrConfig = errors.New("config: invalid config")

// Config is the top-level configuration.
type Config struct {
	Chip     ChipConfig     `yaml:"chip"`
	Registry RegistryConfig `yaml:"registry"`
	Queue    QueueConfig    `yaml:"queue"`
	Listen   ListenConfig   `yaml:"listen"`
	Log      LogConfig      `yaml:"log"`
}

// ChipConfig describes the emulated chip.
type ChipConfig struct {

	// BootSize is the size of each boot area.
	// If BootSize is 0, the boot areas are 1MiB.
	BootSize Size `yaml:"boot_size"`

	// SecureItems is the number of secure storage items.
	// If SecureItems is 0, there are 32.
	SecureItems int `yaml:"secure_items"`

	// SecureItemSize is the size of one secure storage item.
	// If SecureItemSize is 0, items are 4KiB.
	SecureItemSize Size `yaml:"secure_item_size"`

	// Image is a chip image to load at startup, as a path or an
	// http(s) URL. If it is a path, the chip is saved back to it at
	// shutdown. A missing file is not an error.
	Image string `yaml:"image"`

	Partitions []PartitionConfig `yaml:"partitions"`
}

// PartitionConfig describes one physical partition. A partition is backed
// by memory unless File or URL is set.
type PartitionConfig struct {
	Name string `yaml:"name"`

	// Size is the partition capacity. It may only be omitted for URL
	// partitions, whose size is then discovered.
	Size Size `yaml:"size"`

	// DevNum pins the logical device number.
	DevNum *int `yaml:"devnum"`

	// File backs the partition with a file, created if needed.
	File string `yaml:"file"`

	// URL backs the partition with a read-only HTTP resource.
	URL string `yaml:"url"`
}

// RegistryConfig configures the device registry.
type RegistryConfig struct {

	// BlockSize is the logical block size. It must be a power of two
	// between 512 and 64KiB. If BlockSize is 0, 512 is used.
	BlockSize Size `yaml:"block_size"`

	// MinorShift is the number of minor-number bits per device. If
	// MinorShift is omitted, 3 is used; 0 is a valid setting.
	MinorShift *int `yaml:"minor_shift"`
	MaxMinors  int  `yaml:"max_minors"`
}

// QueueConfig configures the request queue.
type QueueConfig struct {
	HWQueues int           `yaml:"hw_queues"`
	Depth    int           `yaml:"depth"`
	Timeout  time.Duration `yaml:"timeout"`
}

// ListenConfig says where the server listens.
type ListenConfig struct {

	// Network is "unix" or "vsock". If Network is empty, "unix" is used.
	Network string `yaml:"network"`

	// Address is the socket path for unix. If Address is empty,
	// /run/nandd.sock is used.
	Address string `yaml:"address"`

	// Port is the vsock port. If Port is 0, 1024 is used.
	Port uint32 `yaml:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level slog.Level `yaml:"level"`
}

// Size is a byte count. In YAML it is an integer or a string like "16MiB".
type Size uint64

func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	var str string
	if err := value.Decode(&str); err != nil {
		return err
	}

	n, err := humanize.ParseBytes(str)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}

	*s = Size(n)
	return nil
}

func (s Size) MarshalYAML() (any, error) {
	return humanize.IBytes(uint64(s)), nil
}

func (s Size) String() string {
	return humanize.IBytes(uint64(s))
}

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg, err := Parse(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return cfg, nil
}

// Parse parses a configuration, applies defaults and validates it.
// Unknown keys are errors.
func Parse(r io.Reader) (*Config, error) {
	var cfg Config

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	return &cfg, nil
}

// MemChipConfig returns the layout of the chip.
func (c *ChipConfig) MemChipConfig() flash.MemChipConfig {
	return flash.MemChipConfig{
		BootSize:       int(c.BootSize),
		SecureItems:    c.SecureItems,
		SecureItemSize: int(c.SecureItemSize),
	}
}

// NandConfig returns the registry configuration for chip.
func (c *RegistryConfig) NandConfig(chip flash.Chip) nand.Config {
	return nand.Config{
		Chip:       chip,
		BlockShift: bits.TrailingZeros64(uint64(c.BlockSize)),
		MinorShift: c.MinorShift,
		MaxMinors:  c.MaxMinors,
	}
}

// QueueConfig returns the queue configuration.
func (c *QueueConfig) QueueConfig() queue.Config {
	return queue.Config{
		HWQueues: c.HWQueues,
		Depth:    c.Depth,
		Timeout:  c.Timeout,
	}
}

func (cfg Config) validate() error {
	if err := cfg.Chip.validate(cfg.Registry.BlockSize); err != nil {
		return err
	}

	bs := uint64(cfg.Registry.BlockSize)
	if bs < flash.BlockSize || bs > 64<<10 || bs&(bs-1) != 0 {
		return fmt.Errorf("registry: block size %v isn't a power of two in [512B, 64KiB]", cfg.Registry.BlockSize)
	}

	if cfg.Registry.MinorShift != nil && *cfg.Registry.MinorShift < 0 || cfg.Registry.MaxMinors < 0 {
		return fmt.Errorf("registry: negative minor shift or budget")
	}

	if cfg.Queue.HWQueues < 0 || cfg.Queue.Depth < 0 || cfg.Queue.Timeout < 0 {
		return fmt.Errorf("queue: negative hw_queues, depth or timeout")
	}

	switch cfg.Listen.Network {
	case "unix", "vsock":
	default:
		return fmt.Errorf("listen: unknown network %q", cfg.Listen.Network)
	}

	return nil
}

func (c ChipConfig) validate(blockSize Size) error {
	if c.SecureItems < 0 {
		return fmt.Errorf("chip: secure item count %d < 0", c.SecureItems)
	}

	names := make(map[string]bool)
	for i, p := range c.Partitions {
		if p.Name == "" {
			return fmt.Errorf("chip: partition %d has no name", i)
		}

		if names[p.Name] {
			return fmt.Errorf("chip: duplicate partition %q", p.Name)
		}

		names[p.Name] = true

		if p.File != "" && p.URL != "" {
			return fmt.Errorf("chip: partition %q has both a file and a URL", p.Name)
		}

		if p.Size == 0 && p.URL == "" {
			return fmt.Errorf("chip: partition %q has no size", p.Name)
		}

		if blockSize != 0 && p.Size%blockSize != 0 {
			return fmt.Errorf("chip: partition %q size %v isn't a multiple of the block size %v", p.Name, p.Size, blockSize)
		}

		if p.DevNum != nil && *p.DevNum < 0 {
			return fmt.Errorf("chip: partition %q devnum %d < 0", p.Name, *p.DevNum)
		}
	}

	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.Chip.BootSize == 0 {
		cfg.Chip.BootSize = 1 << 20
	}

	if cfg.Chip.SecureItems == 0 {
		cfg.Chip.SecureItems = 32
	}

	if cfg.Chip.SecureItemSize == 0 {
		cfg.Chip.SecureItemSize = 4 << 10
	}

	if cfg.Registry.BlockSize == 0 {
		cfg.Registry.BlockSize = flash.BlockSize
	}

	if cfg.Listen.Network == "" {
		cfg.Listen.Network = "unix"
	}

	if cfg.Listen.Network == "unix" && cfg.Listen.Address == "" {
		cfg.Listen.Address = "/run/nandd.sock"
	}

	if cfg.Listen.Network == "vsock" && cfg.Listen.Port == 0 {
		cfg.Listen.Port = 1024
	}

	return cfg
}
