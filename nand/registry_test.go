package nand

import (
	"errors"
	"testing"

	"github.com/c35s/nandblk/flash"
	"github.com/google/go-cmp/cmp"
)

func TestNewConfig(t *testing.T) {
	bad := []Config{
		{BlockShift: 8},
		{BlockShift: BlockShiftMax + 1},
		{MinorShift: intPtr(9)},
		{MinorShift: intPtr(-1)},
		{MaxMinors: -1},
	}

	for _, cfg := range bad {
		if _, err := New(cfg); !errors.Is(err, ErrConfig) {
			t.Errorf("%+v: error isn't ErrConfig: %v", cfg, err)
		}
	}
}

func TestRegisterThreePartitions(t *testing.T) {
	r := newTestRegistry(t, nil)

	sizes := []uint64{1000, 2000, 500}
	var parts []flash.Partition
	for i, sz := range sizes {
		parts = append(parts, part(string(rune('a'+i)), sz, flash.NewMemDevice(int(sz))))
	}

	if err := r.Register(parts); err != nil {
		t.Fatal(err)
	}

	type devInfo struct {
		Num     int
		Sectors uint64
	}

	var got []devInfo
	for _, d := range r.Devices() {
		got = append(got, devInfo{d.Num(), d.Sectors()})
	}

	want := []devInfo{{0, 1000}, {1, 2000}, {2, 500}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected devices: diff (-want +got):\n%s", diff)
	}

	geo := mustDevice(t, r, 0).Geometry()
	if geo.Cylinders != 1024 {
		t.Errorf("cylinders %d != 1024", geo.Cylinders)
	}

	if chs := uint64(geo.Cylinders) * uint64(geo.Heads) * uint64(geo.Sectors); chs < 1000 {
		t.Errorf("geometry %+v covers %d < 1000 sectors", geo, chs)
	}
}

func TestGeometryCoversDevice(t *testing.T) {
	sizes := []uint64{0, 1, 500, 1000, 1025, 2000, 16384, 16385, 1 << 20, 4177920, 1 << 26, 1 << 30}

	for _, sz := range sizes {
		geo := chsGeometry(sz)
		if geo.Heads == 0 || geo.Sectors == 0 || geo.Cylinders == 0 {
			t.Errorf("size %d: degenerate geometry %+v", sz, geo)
		}

		chs := uint64(geo.Cylinders) * uint64(geo.Heads) * uint64(geo.Sectors)
		if chs < sz && geo.Cylinders != 65535 {
			t.Errorf("size %d: geometry %+v covers only %d sectors", sz, geo, chs)
		}

		if sz <= 1024*255*255 && geo.Cylinders != 1024 {
			t.Errorf("size %d: cylinders %d != 1024", sz, geo.Cylinders)
		}
	}

	if diff := cmp.Diff(Geometry{Cylinders: 1024, Heads: 1, Sectors: 1}, chsGeometry(1000)); diff != "" {
		t.Errorf("unexpected geometry for 1000 sectors: diff (-want +got):\n%s", diff)
	}
}

func TestRegisterPinned(t *testing.T) {
	r := newTestRegistry(t, nil)

	pinned := part("pinned", 8, flash.NewMemDevice(8))
	pinned.DevNum = 1

	clash := part("clash", 8, flash.NewMemDevice(8))
	clash.DevNum = 1

	parts := []flash.Partition{
		pinned,
		part("a", 8, flash.NewMemDevice(8)),
		clash,
		part("b", 8, flash.NewMemDevice(8)),
	}

	err := r.Register(parts)
	if !errors.Is(err, ErrExists) {
		t.Fatalf("error isn't ErrExists: %v", err)
	}

	var got []string
	for _, d := range r.Devices() {
		got = append(got, d.String())
	}

	// registration continued past the clash and kept the list ordered
	want := []string{"nand0(a)", "nand1(pinned)", "nand2(b)"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected devices: diff (-want +got):\n%s", diff)
	}
}

func TestRegisterMinorBudget(t *testing.T) {
	r, err := New(Config{MinorShift: intPtr(6), MaxMinors: 256})
	if err != nil {
		t.Fatal(err)
	}

	var parts []flash.Partition
	for i := 0; i < 6; i++ {
		parts = append(parts, part("p", 8, flash.NewMemDevice(8)))
	}

	// 0, 64, 128, 192 and 256 fit; 320 doesn't
	err = r.Register(parts)
	if !errors.Is(err, ErrMinorRange) {
		t.Fatalf("error isn't ErrMinorRange: %v", err)
	}

	if n := len(r.Devices()); n != 5 {
		t.Errorf("%d devices registered, want 5", n)
	}

	if m := mustDevice(t, r, 4).Minor(); m != 256 {
		t.Errorf("minor %d != 256", m)
	}
}

func TestRegisterZeroMinorShift(t *testing.T) {
	r, err := New(Config{MinorShift: intPtr(0), MaxMinors: 2})
	if err != nil {
		t.Fatal(err)
	}

	var parts []flash.Partition
	for i := 0; i < 4; i++ {
		parts = append(parts, part("p", 8, flash.NewMemDevice(8)))
	}

	// 0, 1 and 2 fit; 3 doesn't
	if err := r.Register(parts); !errors.Is(err, ErrMinorRange) {
		t.Fatalf("error isn't ErrMinorRange: %v", err)
	}

	var minors []int
	for _, d := range r.Devices() {
		minors = append(minors, d.Minor())
	}

	if diff := cmp.Diff([]int{0, 1, 2}, minors); diff != "" {
		t.Errorf("unexpected minors: diff (-want +got):\n%s", diff)
	}
}

func TestRegisterNilDevice(t *testing.T) {
	r := newTestRegistry(t, nil)

	if err := r.Register([]flash.Partition{{Name: "nil", DevNum: flash.AutoDevNum, Sectors: 8}}); !errors.Is(err, ErrInvalid) {
		t.Errorf("error isn't ErrInvalid: %v", err)
	}

	if n := len(r.Devices()); n != 0 {
		t.Errorf("%d devices registered, want 0", n)
	}
}

func TestUnregister(t *testing.T) {
	r := newTestRegistry(t, nil)

	if err := r.Register([]flash.Partition{
		part("a", 8, flash.NewMemDevice(8)),
		part("b", 8, flash.NewMemDevice(8)),
	}); err != nil {
		t.Fatal(err)
	}

	d := mustDevice(t, r, 1)

	if err := r.Unregister(); err != nil {
		t.Fatal(err)
	}

	if n := len(r.Devices()); n != 0 {
		t.Errorf("%d devices left, want 0", n)
	}

	if _, err := r.Device(1); !errors.Is(err, ErrNoDevice) {
		t.Errorf("error isn't ErrNoDevice: %v", err)
	}

	// a stale handle can't reach the backend
	res := d.Dispatch(&Request{Op: OpRead, Segments: [][]byte{make([]byte, 512)}})
	if res.Status != Failed || !errors.Is(res.Err, ErrNoDevice) {
		t.Errorf("stale dispatch: %v %v", res.Status, res.Err)
	}

	// numbering restarts from zero
	if err := r.Register([]flash.Partition{part("c", 8, flash.NewMemDevice(8))}); err != nil {
		t.Fatal(err)
	}

	if mustDevice(t, r, 0).Name() != "c" {
		t.Error("re-registered device isn't number 0")
	}
}

func TestShutdown(t *testing.T) {
	chip := newTestChip()
	r := newTestRegistry(t, chip)

	if err := r.Register([]flash.Partition{part("a", 8, flash.NewMemDevice(8))}); err != nil {
		t.Fatal(err)
	}

	if err := r.Shutdown(); err != nil {
		t.Fatal(err)
	}

	if err := r.Register(nil); !errors.Is(err, ErrClosed) {
		t.Errorf("register: error isn't ErrClosed: %v", err)
	}

	if _, err := r.SecureItemCount(); !errors.Is(err, ErrClosed) {
		t.Errorf("secure item count: error isn't ErrClosed: %v", err)
	}

	if err := r.Shutdown(); !errors.Is(err, ErrClosed) {
		t.Errorf("second shutdown: error isn't ErrClosed: %v", err)
	}

	if !opsFree(r) || !r.Idle() {
		t.Error("control plane left locked after shutdown")
	}
}

func TestUnregisterBroken(t *testing.T) {
	r := newTestRegistry(t, nil)

	// a number reserved without a device breaks the teardown invariant
	if _, err := r.alloc.Take(5); err != nil {
		t.Fatal(err)
	}

	if err := r.Unregister(); !errors.Is(err, ErrInternal) {
		t.Fatalf("error isn't ErrInternal: %v", err)
	}

	if err := r.Register([]flash.Partition{part("a", 8, flash.NewMemDevice(8))}); !errors.Is(err, ErrInternal) {
		t.Errorf("register after internal error: %v", err)
	}
}
