package flash

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/cavaliergopher/cpio"
)

// ErrImage is returned when a chip image doesn't match the chip's layout.
var ErrImage = errors.New("flash: bad chip image")

// SaveImage writes the chip's boot areas, secure storage and memory-backed
// partitions to w as a gzip-compressed cpio archive.
func (c *MemChip) SaveImage(w io.Writer) error {
	zw := gzip.NewWriter(w)
	cw := cpio.NewWriter(zw)

	c.mu.Lock()
	defer c.mu.Unlock()

	for slot, area := range c.boot {
		if err := writeEntry(cw, fmt.Sprintf("boot%d", slot), area); err != nil {
			return err
		}
	}

	for item, data := range c.secure {
		if err := writeEntry(cw, fmt.Sprintf("secure/%d", item), data); err != nil {
			return err
		}
	}

	for _, p := range c.parts {
		md, ok := p.Dev.(*MemDevice)
		if !ok {
			continue
		}

		if err := writeEntry(cw, "part/"+p.Name, md.Bytes); err != nil {
			return err
		}
	}

	if err := cw.Close(); err != nil {
		return err
	}

	return zw.Close()
}

// LoadImage restores the chip from an archive written by SaveImage. Every
// entry must fit the chip's current layout; partitions that aren't in the
// archive keep their contents.
func (c *MemChip) LoadImage(r io.Reader) error {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrImage, err)
	}

	defer zr.Close()

	cr := cpio.NewReader(zr)

	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		hdr, err := cr.Next()
		if err == io.EOF {
			return nil
		}

		if err != nil {
			return fmt.Errorf("%w: %w", ErrImage, err)
		}

		dst := c.imageEntry(hdr.Name)
		if dst == nil {
			slog.Warn("chip image: skipping unknown entry", "name", hdr.Name)
			continue
		}

		if hdr.Size != int64(len(dst)) {
			return fmt.Errorf("%w: %s: size %d != %d", ErrImage, hdr.Name, hdr.Size, len(dst))
		}

		if _, err := io.ReadFull(cr, dst); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrImage, hdr.Name, err)
		}
	}
}

// imageEntry returns the chip memory an archive entry restores, or nil.
func (c *MemChip) imageEntry(name string) []byte {
	switch {
	case name == "boot0":
		return c.boot[0]

	case name == "boot1":
		return c.boot[1]

	case strings.HasPrefix(name, "secure/"):
		item, err := strconv.Atoi(strings.TrimPrefix(name, "secure/"))
		if err != nil || item < 0 || item >= len(c.secure) {
			return nil
		}

		return c.secure[item]

	case strings.HasPrefix(name, "part/"):
		pn := strings.TrimPrefix(name, "part/")
		for _, p := range c.parts {
			if md, ok := p.Dev.(*MemDevice); ok && p.Name == pn {
				return md.Bytes
			}
		}
	}

	return nil
}

func writeEntry(cw *cpio.Writer, name string, data []byte) error {
	err := cw.WriteHeader(&cpio.Header{
		Name: name,
		Mode: 0600,
		Size: int64(len(data)),
	})

	if err != nil {
		return fmt.Errorf("chip image: %s: %w", name, err)
	}

	if _, err := cw.Write(data); err != nil {
		return fmt.Errorf("chip image: %s: %w", name, err)
	}

	return nil
}
