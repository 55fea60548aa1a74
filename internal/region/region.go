// Package region implements the watch registry: user-visible regions,
// the page slots that back them, and the lock-free page-base lookup used
// on the fault path.
package region

import (
	"errors"
	"sync/atomic"
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

// Error classification codes. Callers classify with errors.Is.
var (
	// ErrInvalid indicates a zero-length or wrapping span, or an overlap
	// with a live region of the same adapter.
	ErrInvalid = errors.New("memwatch: invalid input")
	// ErrOverlap is a specialization of ErrInvalid for span overlap.
	ErrOverlap = errors.New("memwatch: overlapping region")
	// ErrExhausted indicates a page-table or memory-budget cap was hit.
	ErrExhausted = errors.New("memwatch: resource exhausted")
)

// Capture modes, stored as a byte budget per event: 0 captures nothing,
// -1 captures the full region, N>0 captures the first N bytes.
const (
	CaptureNone = 0
	CaptureFull = -1
)

// Region is one user-declared watched span.
//
// Snapshot, Hash, Epoch and Seq are owned by the worker once the region
// is live; the registry only initializes them. The registry lock guards
// the rest.
type Region struct {
	ID        uint64
	Base      uintptr
	Length    int
	Label     string
	AdapterID uint32
	Capture   int

	// Metadata is the owner-supplied bag carried verbatim into events.
	Metadata map[string]string
	// MetadataRef is the opaque owner-side handle. The engine never
	// inspects it; it also pins host objects against collection for the
	// lifetime of the watch.
	MetadataRef any

	// Snapshot holds the last known contents; hash is its 64-bit content
	// hash. The two are mutually consistent at rest. The hash is atomic
	// because the polling detector compares it without the worker's
	// locks.
	Snapshot []byte
	hash     atomic.Uint64

	// Epoch counts events emitted for this region; Seq is the global
	// sequence number of the most recent one.
	Epoch uint64
	Seq   uint64

	// PollOnly marks a region whose pages could not be write-protected;
	// it is detected by polling sweeps only.
	PollOnly bool

	dead atomic.Bool
}

// Bytes returns a live view of the watched memory. The caller promised
// at Watch time that the span stays mapped until Unwatch.
func (r *Region) Bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(r.Base)), r.Length)
}

// Contains reports whether addr falls inside the region.
func (r *Region) Contains(addr uintptr) bool {
	return addr >= r.Base && addr < r.Base+uintptr(r.Length)
}

// OverlapsPage reports whether any byte of the region lies in the page
// starting at pageBase.
func (r *Region) OverlapsPage(pageBase, pageSize uintptr) bool {
	return r.Base < pageBase+pageSize && pageBase < r.Base+uintptr(r.Length)
}

// Overlaps reports whether the region intersects [base, base+length).
func (r *Region) Overlaps(base uintptr, length int) bool {
	return r.Base < base+uintptr(length) && base < r.Base+uintptr(r.Length)
}

// Pages returns the page-aligned bases of every page the region touches,
// in ascending order.
func (r *Region) Pages(pageSize uintptr) []uintptr {
	first := r.Base &^ (pageSize - 1)
	last := (r.Base + uintptr(r.Length) - 1) &^ (pageSize - 1)

	pages := make([]uintptr, 0, (last-first)/pageSize+1)
	for p := first; p <= last; p += pageSize {
		pages = append(pages, p)
	}

	return pages
}

// ContentHash returns the hash of the at-rest snapshot.
func (r *Region) ContentHash() uint64 {
	return r.hash.Load()
}

// SetContentHash records the hash of a freshly replaced snapshot.
func (r *Region) SetContentHash(h uint64) {
	r.hash.Store(h)
}

// Dead reports whether the region has been unwatched. The worker checks
// this before emitting; a dead region is skipped.
func (r *Region) Dead() bool {
	return r.dead.Load()
}

// Kill marks the region unwatched.
func (r *Region) Kill() {
	r.dead.Store(true)
}

// HashBytes is the content hash used for change detection. 64-bit
// xxHash: non-cryptographic with good avalanche, which is all change
// detection needs.
func HashBytes(b []byte) uint64 {
	return xxhash.Sum64(b)
}
