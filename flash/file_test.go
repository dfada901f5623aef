package flash

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFileDevice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "part.img")

	fd, err := OpenFileDevice(path, 8)
	if err != nil {
		t.Fatal(err)
	}

	defer fd.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}

	if info.Size() != 8*BlockSize {
		t.Errorf("file size %d != %d", info.Size(), 8*BlockSize)
	}

	data := bytes.Repeat([]byte("nand"), BlockSize/2)
	if err := fd.WriteData(6, 2, data); err != nil {
		t.Fatal(err)
	}

	if err := fd.FlushWriteCache(FlushAll); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, len(data))
	if err := fd.ReadData(6, 2, got); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(got, data) {
		t.Error("read back different data")
	}

	if err := fd.WriteData(7, 2, data); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("error isn't ErrOutOfRange: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(raw[6*BlockSize:], data) {
		t.Error("data isn't at the expected file offset")
	}
}

func TestFileDeviceKeepsLargerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "part.img")

	if err := os.WriteFile(path, make([]byte, 16*BlockSize), 0o644); err != nil {
		t.Fatal(err)
	}

	fd, err := OpenFileDevice(path, 4)
	if err != nil {
		t.Fatal(err)
	}

	defer fd.Close()

	if fd.Size != 4*BlockSize {
		t.Errorf("device size %d != %d", fd.Size, 4*BlockSize)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}

	if info.Size() != 16*BlockSize {
		t.Errorf("file was resized to %d", info.Size())
	}
}
