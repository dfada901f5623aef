package nand

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestAllocatorMinimal(t *testing.T) {
	var a Allocator

	for want := 0; want < 5; want++ {
		got, err := a.Take(-1)
		if err != nil {
			t.Fatal(err)
		}

		if got != want {
			t.Errorf("Take(-1) = %d, want %d", got, want)
		}
	}

	a.Release(1)
	a.Release(3)

	for _, want := range []int{1, 3, 5} {
		got, err := a.Take(-1)
		if err != nil {
			t.Fatal(err)
		}

		if got != want {
			t.Errorf("Take(-1) = %d, want %d", got, want)
		}
	}

	if diff := cmp.Diff([]int{0, 1, 2, 3, 4, 5}, a.InUse()); diff != "" {
		t.Errorf("unexpected numbers in use: diff (-want +got):\n%s", diff)
	}
}

func TestAllocatorPinned(t *testing.T) {
	var a Allocator

	if n, err := a.Take(2); err != nil || n != 2 {
		t.Fatalf("Take(2) = %d, %v", n, err)
	}

	if _, err := a.Take(2); !errors.Is(err, ErrExists) {
		t.Errorf("error isn't ErrExists: %v", err)
	}

	// gaps below a pinned number are filled first
	for _, want := range []int{0, 1, 3} {
		if got, _ := a.Take(-1); got != want {
			t.Errorf("Take(-1) = %d, want %d", got, want)
		}
	}

	a.Release(7)
	if diff := cmp.Diff([]int{0, 1, 2, 3}, a.InUse()); diff != "" {
		t.Errorf("unexpected numbers in use: diff (-want +got):\n%s", diff)
	}
}

func TestAllocatorUnique(t *testing.T) {
	var a Allocator

	pins := []int{4, -1, 0, -1, 9, -1, -1, -1, -1}
	seen := make(map[int]bool)

	for _, p := range pins {
		n, err := a.Take(p)
		if err != nil {
			continue
		}

		if seen[n] {
			t.Fatalf("number %d handed out twice", n)
		}

		seen[n] = true
	}

	if diff := cmp.Diff([]int{0, 1, 2, 3, 4, 5, 6, 9}, a.InUse()); diff != "" {
		t.Errorf("unexpected numbers in use: diff (-want +got):\n%s", diff)
	}
}
