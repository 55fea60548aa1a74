//go:build linux

package memwatch

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/calvinalkan/memwatch/internal/uffd"
)

// requireFaultMode skips when the kernel does not offer userfaultfd
// write-protect (old kernel, seccomp, vm.unprivileged_userfaultfd=0).
func requireFaultMode(t *testing.T) {
	t.Helper()

	fd, err := uffd.Open()
	if err != nil {
		t.Skipf("userfaultfd unavailable: %v", err)
	}

	_ = fd.Close()
}

func faultConfig() Config {
	cfg := DefaultConfig()
	cfg.Mode = ModeFault

	return cfg
}

// Scenario 1 in fault mode: the write faults, the window opens, and the
// worker delivers the same event shape as polling mode.
func TestFaultModeSmallBufferEdit(t *testing.T) {
	requireFaultMode(t)

	eng, err := Init(faultConfig())
	if err != nil {
		if errors.Is(err, ErrDetectorInstall) {
			t.Skipf("fault mode rejected at init: %v", err)
		}

		t.Fatalf("Init: %v", err)
	}

	defer func() { _ = eng.Shutdown() }()

	c := &collector{}
	eng.SetCallback(c.callback)

	buf := allocBuf(t, 4096)
	data := buf[:16]
	copy(data, "Hello, memwatch!")

	id, err := eng.WatchBytes(data, WatchOptions{
		Label:   "test_data",
		Capture: CaptureFull,
	})
	if err != nil {
		t.Fatalf("WatchBytes: %v", err)
	}

	if eng.Mode() != ModeFault {
		t.Fatalf("expected fault mode, got %s", eng.Mode())
	}

	data[0] = 'J'

	events := c.waitN(t, 1, 2*time.Second)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	ev := events[0]

	if ev.RegionID != id || ev.Size != 16 {
		t.Errorf("event identity wrong: %+v", ev)
	}

	if !bytes.HasPrefix(ev.NewValue, []byte("Jello")) {
		t.Errorf("new value: got %q", ev.NewValue)
	}

	if !bytes.HasPrefix(ev.OldValue, []byte("Hello")) {
		t.Errorf("old value: got %q", ev.OldValue)
	}
}

// The writable window re-arms: a second mutation after the first event
// faults again and is delivered as its own event.
func TestFaultModeWindowRearms(t *testing.T) {
	requireFaultMode(t)

	eng, err := Init(faultConfig())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	defer func() { _ = eng.Shutdown() }()

	c := &collector{}
	eng.SetCallback(c.callback)

	buf := allocBuf(t, 4096)

	_, err = eng.WatchBytes(buf[:64], WatchOptions{Capture: CaptureFull})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	buf[0] = 1

	if events := c.waitN(t, 1, 2*time.Second); len(events) != 1 {
		t.Fatalf("first mutation: expected 1 event, got %d", len(events))
	}

	// Wait out the window so the page is protected again.
	time.Sleep(20 * time.Millisecond)

	buf[1] = 2

	events := c.waitN(t, 2, 2*time.Second)
	if len(events) != 2 {
		t.Fatalf("second mutation: expected 2 events total, got %d", len(events))
	}

	if events[1].Seq <= events[0].Seq {
		t.Error("seq must increase across windows")
	}
}

// Rapid stores inside one writable window coalesce into one event.
func TestFaultModeCoalescing(t *testing.T) {
	requireFaultMode(t)

	cfg := faultConfig()
	cfg.WindowNS = int64(2 * time.Millisecond)

	eng, err := Init(cfg)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	defer func() { _ = eng.Shutdown() }()

	c := &collector{}
	eng.SetCallback(c.callback)

	buf := allocBuf(t, 4096)

	_, err = eng.WatchBytes(buf[:64], WatchOptions{})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	// All five stores land while the window from the first fault is
	// still open.
	for i := range 5 {
		buf[i] = byte(i + 1)
	}

	c.waitN(t, 1, 2*time.Second)

	// Allow any stragglers to surface before counting.
	time.Sleep(50 * time.Millisecond)

	if n := len(c.snapshot()); n != 1 {
		t.Errorf("expected 1 coalesced event for 5 stores, got %d", n)
	}
}

// Unwatch during fault-mode tracking restores normal write behavior.
func TestFaultModeUnwatchRestores(t *testing.T) {
	requireFaultMode(t)

	eng, err := Init(faultConfig())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	defer func() { _ = eng.Shutdown() }()

	c := &collector{}
	eng.SetCallback(c.callback)

	buf := allocBuf(t, 4096)

	id, err := eng.WatchBytes(buf[:32], WatchOptions{})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	if !eng.Unwatch(id) {
		t.Fatal("unwatch failed")
	}

	// Writes must neither fault into events nor wedge the writer.
	for i := range 32 {
		buf[i] = 0xFF
	}

	time.Sleep(50 * time.Millisecond)

	if n := len(c.snapshot()); n != 0 {
		t.Errorf("unwatched region emitted %d events", n)
	}
}
