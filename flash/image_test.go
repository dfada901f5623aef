package flash

import (
	"bytes"
	"compress/gzip"
	"errors"
	"testing"

	"github.com/cavaliergopher/cpio"
)

func newImageChip() *MemChip {
	c := NewMemChip(MemChipConfig{
		BootSize:       1024,
		SecureItems:    4,
		SecureItemSize: 32,
	})

	c.AddPartition("boot", 4)
	c.AddPartition("data", 8)
	return c
}

func TestImageRoundTrip(t *testing.T) {
	src := newImageChip()

	if err := src.BurnBoot(0, []byte("boot zero")); err != nil {
		t.Fatal(err)
	}

	if err := src.BurnBoot(1, []byte("boot one")); err != nil {
		t.Fatal(err)
	}

	if err := src.SecureWrite(2, []byte("secret")); err != nil {
		t.Fatal(err)
	}

	parts := src.Partitions()
	copy(parts[1].Dev.(*MemDevice).Bytes[BlockSize:], "partition data")

	var buf bytes.Buffer
	if err := src.SaveImage(&buf); err != nil {
		t.Fatal(err)
	}

	dst := newImageChip()
	if err := dst.LoadImage(&buf); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, 9)
	if err := dst.ReadBoot(0, got); err != nil || string(got) != "boot zero" {
		t.Errorf("boot0 = %q, %v", got, err)
	}

	got = make([]byte, 8)
	if err := dst.ReadBoot(1, got); err != nil || string(got) != "boot one" {
		t.Errorf("boot1 = %q, %v", got, err)
	}

	got = make([]byte, 6)
	if err := dst.SecureRead(2, got); err != nil || string(got) != "secret" {
		t.Errorf("secure item 2 = %q, %v", got, err)
	}

	data := dst.Partitions()[1].Dev.(*MemDevice).Bytes
	if string(data[BlockSize:BlockSize+14]) != "partition data" {
		t.Error("partition contents weren't restored")
	}
}

func TestImageLayoutMismatch(t *testing.T) {
	var buf bytes.Buffer
	if err := newImageChip().SaveImage(&buf); err != nil {
		t.Fatal(err)
	}

	dst := NewMemChip(MemChipConfig{BootSize: 512, SecureItems: 4, SecureItemSize: 32})
	if err := dst.LoadImage(&buf); !errors.Is(err, ErrImage) {
		t.Errorf("error isn't ErrImage: %v", err)
	}
}

func TestImageSkipsUnknownEntries(t *testing.T) {
	var buf bytes.Buffer

	zw := gzip.NewWriter(&buf)
	cw := cpio.NewWriter(zw)

	if err := writeEntry(cw, "firmware.bin", []byte("ignored")); err != nil {
		t.Fatal(err)
	}

	if err := writeEntry(cw, "secure/1", []byte("0123456789abcdef0123456789abcdef")); err != nil {
		t.Fatal(err)
	}

	if err := cw.Close(); err != nil {
		t.Fatal(err)
	}

	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}

	c := newImageChip()
	if err := c.LoadImage(&buf); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, 4)
	if err := c.SecureRead(1, got); err != nil || string(got) != "0123" {
		t.Errorf("secure item 1 = %q, %v", got, err)
	}
}

func TestImageNotGzip(t *testing.T) {
	if err := newImageChip().LoadImage(bytes.NewReader([]byte("not an image"))); !errors.Is(err, ErrImage) {
		t.Errorf("error isn't ErrImage: %v", err)
	}
}
