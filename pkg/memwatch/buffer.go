package memwatch

import (
	"fmt"
	"unsafe"

	"github.com/edsrzf/mmap-go"
)

// AllocBytes returns an n-byte anonymous mapping starting on a page
// boundary. Watched spans do not have to be page-aligned, but mapped
// buffers keep unrelated allocations off the watched pages and are the
// only memory fault-mode tracking is guaranteed to cover. Release with
// [FreeBytes].
func AllocBytes(n int) ([]byte, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: allocation size must be >= 1, got %d", ErrInvalidInput, n)
	}

	m, err := mmap.MapRegion(nil, n, mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, fmt.Errorf("map anonymous region: %w", err)
	}

	return m, nil
}

// FreeBytes unmaps a buffer returned by AllocBytes. The buffer must not
// be watched or touched afterwards.
func FreeBytes(b []byte) error {
	m := mmap.MMap(b)

	err := m.Unmap()
	if err != nil {
		return fmt.Errorf("unmap region: %w", err)
	}

	return nil
}

// baseOf returns the address of the first byte of b.
func baseOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}
