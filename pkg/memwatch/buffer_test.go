package memwatch

import (
	"errors"
	"os"
	"testing"
)

func TestAllocBytesPageAligned(t *testing.T) {
	t.Parallel()

	buf, err := AllocBytes(100)
	if err != nil {
		t.Fatalf("AllocBytes: %v", err)
	}

	defer func() { _ = FreeBytes(buf) }()

	if len(buf) != 100 {
		t.Errorf("length: want 100, got %d", len(buf))
	}

	pageSize := uintptr(os.Getpagesize())
	if baseOf(buf)%pageSize != 0 {
		t.Errorf("base %#x not page-aligned", baseOf(buf))
	}

	// The mapping is writable.
	buf[0] = 1
	buf[99] = 2
}

func TestAllocBytesInvalidSize(t *testing.T) {
	t.Parallel()

	for _, n := range []int{0, -1} {
		_, err := AllocBytes(n)
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("AllocBytes(%d): expected ErrInvalidInput, got %v", n, err)
		}
	}
}
