package memwatch

import (
	"fmt"

	"github.com/calvinalkan/memwatch/internal/uffd"
)

// uffdGuard implements the page-protection controller over a userfaultfd
// descriptor: registration arms a span for write-protect faults, the
// WRITEPROTECT ioctl opens and closes writable windows.
//
// Mutations are serialized by the registry writer lock except Unprotect,
// which the fault path calls lock-free; the kernel serializes the ioctl
// itself and the slot's atomic state word carries the bookkeeping.
type uffdGuard struct {
	fd       *uffd.FD
	pageSize uintptr
}

func (g *uffdGuard) ProtectSpan(pageBase uintptr, length int) error {
	err := g.fd.RegisterWP(pageBase, length)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtection, err)
	}

	wpErr := g.fd.WriteProtect(pageBase, length, true)
	if wpErr != nil {
		_ = g.fd.Unregister(pageBase, length)

		return fmt.Errorf("%w: %v", ErrProtection, wpErr)
	}

	return nil
}

func (g *uffdGuard) Protect(pageBase uintptr) error {
	err := g.fd.WriteProtect(pageBase, int(g.pageSize), true)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtection, err)
	}

	return nil
}

func (g *uffdGuard) Unprotect(pageBase uintptr) error {
	// Disarming also wakes threads the kernel parked on the fault.
	err := g.fd.WriteProtect(pageBase, int(g.pageSize), false)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtection, err)
	}

	return nil
}

func (g *uffdGuard) ReleaseSpan(pageBase uintptr, length int) error {
	// Unregistering wakes any parked faulters on the span, so a plain
	// unregister is a safe teardown even mid-window.
	err := g.fd.Unregister(pageBase, length)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtection, err)
	}

	return nil
}
