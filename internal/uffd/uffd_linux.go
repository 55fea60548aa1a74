//go:build linux

// Package uffd wraps the subset of Linux userfaultfd(2) needed for
// write-protect tracking: fd creation, the API handshake, range
// registration, and the WRITEPROTECT ioctl that arms and disarms pages.
package uffd

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Userfaultfd ABI constants from <linux/userfaultfd.h>. The ioctl request
// numbers are _IOC-encoded against magic 0xAA and are stable kernel ABI.
const (
	uffdAPI = 0xAA

	// syscall flag: handle faults from user-mode accesses only. Required
	// on kernels with vm.unprivileged_userfaultfd=0 unless CAP_SYS_PTRACE.
	uffdUserModeOnly = 1

	ioctlAPI          = 0xc018aa3f // _IOWR(0xAA, 0x3F, struct uffdio_api)
	ioctlRegister     = 0xc020aa00 // _IOWR(0xAA, 0x00, struct uffdio_register)
	ioctlUnregister   = 0x8010aa01 // _IOR(0xAA, 0x01, struct uffdio_range)
	ioctlWake         = 0x8010aa02 // _IOR(0xAA, 0x02, struct uffdio_range)
	ioctlWriteprotect = 0xc018aa06 // _IOWR(0xAA, 0x06, struct uffdio_writeprotect)

	featurePagefaultFlagWP = 1 << 0
	featureThreadID        = 1 << 8
	featureWPUnpopulated   = 1 << 13

	registerModeWP = 1 << 1

	writeprotectModeWP = 1 << 0

	// EventPagefault is the only message kind delivered for WP-registered
	// ranges without the fork/remap/unmap features enabled.
	EventPagefault = 0x12

	// PagefaultFlagWrite and PagefaultFlagWP describe the faulting access.
	PagefaultFlagWrite = 1 << 0
	PagefaultFlagWP    = 1 << 1
)

// msgSize is sizeof(struct uffd_msg): one byte event tag, 7 bytes of
// padding, then a 24-byte union.
const msgSize = 32

// ErrUnsupported indicates userfaultfd write-protect mode is not available
// on this kernel or is administratively disabled.
var ErrUnsupported = errors.New("uffd: write-protect mode unsupported")

// Msg is a decoded pagefault message.
type Msg struct {
	Event    uint8
	Flags    uint64
	Address  uint64
	ThreadID uint32
}

type uffdioAPI struct {
	api      uint64
	features uint64
	ioctls   uint64
}

type uffdioRange struct {
	start uint64
	len   uint64
}

type uffdioRegister struct {
	rng    uffdioRange
	mode   uint64
	ioctls uint64
}

type uffdioWriteprotect struct {
	rng  uffdioRange
	mode uint64
}

// FD owns a userfaultfd descriptor negotiated for write-protect faults.
//
// ReadMsg blocks in the runtime poller, so Close from another goroutine
// unblocks a pending read. All other methods are safe for concurrent use;
// the kernel serializes the ioctls.
type FD struct {
	f        *os.File
	features uint64
}

// Open creates a userfaultfd descriptor and negotiates write-protect
// support. Returns ErrUnsupported (wrapped) when the syscall or the
// required features are unavailable.
func Open() (*FD, error) {
	flags := unix.O_CLOEXEC | unix.O_NONBLOCK | uffdUserModeOnly

	fd, _, errno := unix.Syscall(unix.SYS_USERFAULTFD, uintptr(flags), 0, 0)
	if errno == unix.EINVAL {
		// Pre-5.11 kernels reject UFFD_USER_MODE_ONLY.
		fd, _, errno = unix.Syscall(unix.SYS_USERFAULTFD, uintptr(unix.O_CLOEXEC|unix.O_NONBLOCK), 0, 0)
	}

	if errno != 0 {
		return nil, fmt.Errorf("%w: userfaultfd: %v", ErrUnsupported, errno)
	}

	f := os.NewFile(fd, "userfaultfd")

	u := &FD{f: f}

	// Ask for WP_UNPOPULATED too so never-touched pages still fault; fall
	// back to the minimal feature set on kernels that predate it.
	wanted := []uint64{
		featurePagefaultFlagWP | featureThreadID | featureWPUnpopulated,
		featurePagefaultFlagWP | featureThreadID,
		featurePagefaultFlagWP,
	}

	var lastErr error

	for _, features := range wanted {
		api := uffdioAPI{api: uffdAPI, features: features}

		err := u.ioctl(ioctlAPI, unsafe.Pointer(&api))
		if err == nil {
			u.features = features

			return u, nil
		}

		lastErr = err
	}

	_ = f.Close()

	return nil, fmt.Errorf("%w: api handshake: %v", ErrUnsupported, lastErr)
}

// Close releases the descriptor and unblocks a concurrent ReadMsg.
func (u *FD) Close() error {
	return u.f.Close()
}

// HasThreadID reports whether pagefault messages carry the faulting
// thread id.
func (u *FD) HasThreadID() bool {
	return u.features&featureThreadID != 0
}

// RegisterWP registers [start, start+length) for write-protect faults.
// The range must be page-aligned.
func (u *FD) RegisterWP(start uintptr, length int) error {
	reg := uffdioRegister{
		rng:  uffdioRange{start: uint64(start), len: uint64(length)},
		mode: registerModeWP,
	}

	err := u.ioctl(ioctlRegister, unsafe.Pointer(&reg))
	if err != nil {
		return fmt.Errorf("uffd register [%#x,+%d): %w", start, length, err)
	}

	return nil
}

// Unregister removes a previously registered range.
func (u *FD) Unregister(start uintptr, length int) error {
	rng := uffdioRange{start: uint64(start), len: uint64(length)}

	err := u.ioctl(ioctlUnregister, unsafe.Pointer(&rng))
	if err != nil {
		return fmt.Errorf("uffd unregister [%#x,+%d): %w", start, length, err)
	}

	return nil
}

// WriteProtect arms (protect=true) or disarms (protect=false) write
// protection on a registered range. Disarming wakes threads the kernel
// parked on a WP fault in that range.
func (u *FD) WriteProtect(start uintptr, length int, protect bool) error {
	wp := uffdioWriteprotect{
		rng: uffdioRange{start: uint64(start), len: uint64(length)},
	}

	if protect {
		wp.mode = writeprotectModeWP
	}

	err := u.ioctl(ioctlWriteprotect, unsafe.Pointer(&wp))
	if err != nil {
		return fmt.Errorf("uffd writeprotect [%#x,+%d) wp=%v: %w", start, length, protect, err)
	}

	return nil
}

// ReadMsg blocks until the kernel delivers the next fault message.
// Returns io.EOF-equivalent errors once the descriptor is closed.
func (u *FD) ReadMsg() (Msg, error) {
	var buf [msgSize]byte

	for {
		n, err := u.f.Read(buf[:])
		if err != nil {
			return Msg{}, err
		}

		if n < msgSize {
			return Msg{}, fmt.Errorf("uffd: short read of %d bytes: %w", n, io.ErrUnexpectedEOF)
		}

		msg := Msg{
			Event:    buf[0],
			Flags:    binary.LittleEndian.Uint64(buf[8:16]),
			Address:  binary.LittleEndian.Uint64(buf[16:24]),
			ThreadID: binary.LittleEndian.Uint32(buf[24:28]),
		}

		// Ranges are registered WP-only, so anything else is noise.
		if msg.Event != EventPagefault {
			continue
		}

		return msg, nil
	}
}

func (u *FD) ioctl(req uintptr, arg unsafe.Pointer) error {
	conn, err := u.f.SyscallConn()
	if err != nil {
		return err
	}

	var errno unix.Errno

	ctrlErr := conn.Control(func(fd uintptr) {
		_, _, errno = unix.Syscall(unix.SYS_IOCTL, fd, req, uintptr(arg))
	})
	if ctrlErr != nil {
		return ctrlErr
	}

	if errno != 0 {
		return os.NewSyscallError("ioctl", errno)
	}

	return nil
}
