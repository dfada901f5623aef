package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/c35s/nandblk/flash"
)

func newChip() *flash.MemChip {
	c := flash.NewMemChip(flash.MemChipConfig{BootSize: 512, SecureItems: 2, SecureItemSize: 16})
	c.AddPartition("data", 4)
	return c
}

func TestImageFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chip.img")

	// a missing image leaves the chip blank
	if err := loadImage(newChip(), path); err != nil {
		t.Fatal(err)
	}

	src := newChip()
	if err := src.BurnBoot(0, []byte("spl")); err != nil {
		t.Fatal(err)
	}

	if err := saveImage(src, path); err != nil {
		t.Fatal(err)
	}

	dst := newChip()
	if err := loadImage(dst, "file://"+path); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, 3)
	if err := dst.ReadBoot(0, got); err != nil || string(got) != "spl" {
		t.Errorf("boot0 = %q, %v", got, err)
	}
}

func TestImageURL(t *testing.T) {
	src := newChip()
	if err := src.SecureWrite(1, []byte("id")); err != nil {
		t.Fatal(err)
	}

	var img bytes.Buffer
	if err := src.SaveImage(&img); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(img.Bytes())
	}))

	defer srv.Close()

	dst := newChip()
	if err := loadImage(dst, srv.URL); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, 2)
	if err := dst.SecureRead(1, got); err != nil || string(got) != "id" {
		t.Errorf("secure item 1 = %q, %v", got, err)
	}

	// URL images aren't written back
	if err := saveImage(dst, srv.URL); err != nil {
		t.Errorf("save to URL: %v", err)
	}
}

func TestImageBadScheme(t *testing.T) {
	if err := loadImage(newChip(), "ftp://example.com/chip.img"); err == nil {
		t.Error("ftp image accepted")
	}
}
