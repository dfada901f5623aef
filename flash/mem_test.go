package flash

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMemDevice(t *testing.T) {
	md := NewMemDevice(4)

	data := bytes.Repeat([]byte{0xee}, 2*BlockSize)
	if err := md.WriteData(1, 2, data); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, 4*BlockSize)
	if err := md.ReadData(0, 4, got); err != nil {
		t.Fatal(err)
	}

	want := append(append(make([]byte, BlockSize), data...), make([]byte, BlockSize)...)
	if !bytes.Equal(got, want) {
		t.Error("read back different data")
	}

	if err := md.ReadData(3, 2, got); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("error isn't ErrOutOfRange: %v", err)
	}

	if err := md.WriteData(0, 2, make([]byte, BlockSize)); !errors.Is(err, ErrShortBuffer) {
		t.Errorf("error isn't ErrShortBuffer: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := md.FlushWriteCache(FlushAll); err != nil {
			t.Fatal(err)
		}
	}

	if n, last := md.Flushes(); n != 3 || last != FlushAll {
		t.Errorf("flushes = %d, %#x", n, last)
	}
}

func TestMemChipPartitions(t *testing.T) {
	c := NewMemChip(MemChipConfig{})

	c.AddPartition("boot", 8)
	c.AddPartition("rootfs", 32)

	type info struct {
		Name    string
		DevNum  int
		Sectors uint64
	}

	var got []info
	for _, p := range c.Partitions() {
		got = append(got, info{p.Name, p.DevNum, p.Sectors})
	}

	want := []info{{"boot", AutoDevNum, 8}, {"rootfs", AutoDevNum, 32}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected partitions: diff (-want +got):\n%s", diff)
	}
}

func TestMemChipBoot(t *testing.T) {
	c := NewMemChip(MemChipConfig{BootSize: 64})

	if err := c.BurnBoot(1, []byte("uboot")); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, 6)
	if err := c.ReadBoot(1, got); err != nil {
		t.Fatal(err)
	}

	if string(got) != "uboot\x00" {
		t.Errorf("boot1 = %q", got)
	}

	if err := c.ReadBoot(0, got); err != nil || !bytes.Equal(got, make([]byte, 6)) {
		t.Errorf("boot0 = %q, %v", got, err)
	}

	if err := c.BurnBoot(2, got); !errors.Is(err, ErrBadSlot) {
		t.Errorf("error isn't ErrBadSlot: %v", err)
	}

	if err := c.BurnBoot(0, make([]byte, 65)); !errors.Is(err, ErrTooLarge) {
		t.Errorf("error isn't ErrTooLarge: %v", err)
	}
}

func TestMemChipSecure(t *testing.T) {
	c := NewMemChip(MemChipConfig{SecureItems: 2, SecureItemSize: 16})

	if c.SecureMaxItem() != 2 || c.SecureItemSize() != 16 {
		t.Fatalf("layout = %d x %d", c.SecureMaxItem(), c.SecureItemSize())
	}

	if err := c.SecureWrite(1, []byte("key material")); err != nil {
		t.Fatal(err)
	}

	// a shorter write clears the tail of the item
	if err := c.SecureWrite(1, []byte("key")); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, 16)
	if err := c.SecureRead(1, got); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(append([]byte("key"), make([]byte, 13)...), got); diff != "" {
		t.Errorf("unexpected item: diff (-want +got):\n%s", diff)
	}

	if err := c.SecureRead(2, got); !errors.Is(err, ErrBadItem) {
		t.Errorf("error isn't ErrBadItem: %v", err)
	}

	if err := c.SecureWrite(0, make([]byte, 17)); !errors.Is(err, ErrTooLarge) {
		t.Errorf("error isn't ErrTooLarge: %v", err)
	}
}

type brokenDevice struct {
	*MemDevice
}

// WriteData drops the data but reports success.
func (brokenDevice) WriteData(start, count uint32, p []byte) error {
	return nil
}

func TestDragonBoardTest(t *testing.T) {
	c := NewMemChip(MemChipConfig{})

	md := c.AddPartition("data", 4)
	copy(md.Bytes[3*BlockSize:], "last block")

	c.AddPartition("empty", 0)

	if err := c.DragonBoardTest(); err != nil {
		t.Fatal(err)
	}

	if got := string(md.Bytes[3*BlockSize : 3*BlockSize+10]); got != "last block" {
		t.Errorf("last block = %q after self test", got)
	}

	c.Attach(Partition{Name: "broken", Sectors: 4, Dev: brokenDevice{NewMemDevice(4)}})

	if err := c.DragonBoardTest(); !errors.Is(err, ErrSelfTest) {
		t.Errorf("error isn't ErrSelfTest: %v", err)
	}
}
