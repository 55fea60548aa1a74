package memwatch

import (
	"errors"

	"github.com/calvinalkan/memwatch/internal/region"
)

// Error classification codes.
//
// Implementations MAY wrap these errors with additional context.
// Callers MUST classify errors using errors.Is.
var (
	// ErrInvalidInput indicates a zero-length or wrapping span, a bad
	// capture mode, or an invalid config value.
	ErrInvalidInput = region.ErrInvalid
	// ErrOverlap indicates a watch overlapping a live region of the same
	// adapter without overlap-safe tracking. Also matches ErrInvalidInput.
	ErrOverlap = region.ErrOverlap
	// ErrExhausted indicates a page-table or memory-budget cap was hit.
	ErrExhausted = region.ErrExhausted

	// ErrClosed indicates use of an engine after Shutdown.
	ErrClosed = errors.New("memwatch: closed")
	// ErrActive indicates a second engine was initialized while one is
	// live. The engine is process-wide; re-init is permitted only after
	// Shutdown.
	ErrActive = errors.New("memwatch: engine already active")
	// ErrDetectorInstall indicates fault detection could not be set up
	// and the configured mode forbids the polling fallback.
	ErrDetectorInstall = errors.New("memwatch: fault detector install failed")
	// ErrProtection indicates the kernel rejected a protection change.
	ErrProtection = errors.New("memwatch: protection change failed")
	// ErrDrainTimeout indicates Shutdown gave up waiting for in-flight
	// events (typically a user callback that never returned).
	ErrDrainTimeout = errors.New("memwatch: shutdown drain timed out")
)
