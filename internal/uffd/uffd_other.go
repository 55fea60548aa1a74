//go:build !linux

// Package uffd wraps the subset of Linux userfaultfd(2) needed for
// write-protect tracking. On non-Linux platforms Open always fails and
// callers fall back to polling detection.
package uffd

import "errors"

// ErrUnsupported indicates userfaultfd write-protect mode is not available
// on this platform.
var ErrUnsupported = errors.New("uffd: write-protect mode unsupported")

// Msg is a decoded pagefault message. Never produced on this platform.
type Msg struct {
	Event    uint8
	Flags    uint64
	Address  uint64
	ThreadID uint32
}

// FD is a placeholder handle; Open never returns one here.
type FD struct{}

// Open always returns ErrUnsupported on non-Linux platforms.
func Open() (*FD, error) {
	return nil, ErrUnsupported
}

// Close is a no-op.
func (u *FD) Close() error { return nil }

// HasThreadID reports false.
func (u *FD) HasThreadID() bool { return false }

// RegisterWP always returns ErrUnsupported.
func (u *FD) RegisterWP(uintptr, int) error { return ErrUnsupported }

// Unregister always returns ErrUnsupported.
func (u *FD) Unregister(uintptr, int) error { return ErrUnsupported }

// WriteProtect always returns ErrUnsupported.
func (u *FD) WriteProtect(uintptr, int, bool) error { return ErrUnsupported }

// ReadMsg always returns ErrUnsupported.
func (u *FD) ReadMsg() (Msg, error) { return Msg{}, ErrUnsupported }
