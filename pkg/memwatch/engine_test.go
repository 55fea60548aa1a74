package memwatch

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/calvinalkan/memwatch/pkg/blobstore"
)

// The engine is process-wide (one live engine at a time), so the tests
// in this file run serially and each shuts its engine down before
// returning.

const testPollMS = 5

func pollingConfig() Config {
	cfg := DefaultConfig()
	cfg.Mode = ModePolling
	cfg.PollIntervalMS = testPollMS

	return cfg
}

// collector accumulates events from the worker goroutine.
type collector struct {
	mu     sync.Mutex
	events []ChangeEvent
}

func (c *collector) callback(ev ChangeEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.events = append(c.events, ev)
}

func (c *collector) snapshot() []ChangeEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]ChangeEvent, len(c.events))
	copy(out, c.events)

	return out
}

// waitN waits until at least n events arrived or the timeout expires.
func (c *collector) waitN(t *testing.T, n int, timeout time.Duration) []ChangeEvent {
	t.Helper()

	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if evs := c.snapshot(); len(evs) >= n {
			return evs
		}

		time.Sleep(time.Millisecond)
	}

	return c.snapshot()
}

func startEngine(t *testing.T, cfg Config) (*Engine, *collector) {
	t.Helper()

	eng, err := Init(cfg)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	t.Cleanup(func() { _ = eng.Shutdown() })

	c := &collector{}
	eng.SetCallback(c.callback)

	return eng, c
}

func allocBuf(t *testing.T, n int) []byte {
	t.Helper()

	buf, err := AllocBytes(n)
	if err != nil {
		t.Fatalf("AllocBytes(%d): %v", n, err)
	}

	t.Cleanup(func() { _ = FreeBytes(buf) })

	return buf
}

// Scenario: watch a small buffer, edit one byte, expect exactly one
// fully populated event. Polling-mode parity requires fault_ip == 0.
func TestSmallBufferEdit(t *testing.T) {
	eng, c := startEngine(t, pollingConfig())

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

	if id == 0 {
		t.Fatal("region id must be non-zero")
	}

	data[0] = 'J'

	events := c.waitN(t, 1, time.Second)
	if len(events) != 1 {
		t.Fatalf("expected exactly 1 event, got %d", len(events))
	}

	ev := events[0]

	if ev.RegionID != id {
		t.Errorf("region id: want %d, got %d", id, ev.RegionID)
	}

	if ev.Size != 16 {
		t.Errorf("size: want 16, got %d", ev.Size)
	}

	if ev.VariableName != "test_data" {
		t.Errorf("variable name: want test_data, got %q", ev.VariableName)
	}

	if !bytes.HasPrefix(ev.NewValue, []byte("Jello")) {
		t.Errorf("new value: want Jello prefix, got %q", ev.NewValue)
	}

	if !bytes.HasPrefix(ev.OldValue, []byte("Hello")) {
		t.Errorf("old value: want Hello prefix, got %q", ev.OldValue)
	}

	if ev.Where.FaultIP != 0 {
		t.Errorf("polling events must carry fault_ip=0, got %#x", ev.Where.FaultIP)
	}

	if ev.Seq == 0 {
		t.Error("seq must be non-zero")
	}

	if ev.TimestampNS == 0 {
		t.Error("timestamp must be set")
	}

	// No further events for the single write.
	time.Sleep(4 * testPollMS * time.Millisecond)

	if got := len(c.snapshot()); got != 1 {
		t.Errorf("expected no extra events, got %d total", got)
	}
}

// Scenario: eight sub-page regions sharing one page report
// independently; only the modified ones emit.
func TestIndependentRegionsSharingPage(t *testing.T) {
	eng, c := startEngine(t, pollingConfig())

	page := allocBuf(t, 4096)

	ids := make([]uint64, 8)

	for i := range ids {
		id, err := eng.WatchBytes(page[i*256:(i+1)*256], WatchOptions{
			Label:   "buffer",
			Capture: CaptureNone,
		})
		if err != nil {
			t.Fatalf("watch %d: %v", i, err)
		}

		ids[i] = id
	}

	page[0*256] = 0xAA
	page[5*256] = 0xBB

	events := c.waitN(t, 2, time.Second)
	if len(events) != 2 {
		t.Fatalf("expected exactly 2 events, got %d", len(events))
	}

	got := map[uint64]bool{events[0].RegionID: true, events[1].RegionID: true}
	if !got[ids[0]] || !got[ids[5]] {
		t.Errorf("expected events for regions %d and %d, got %v", ids[0], ids[5], got)
	}

	// Untouched buffers stay silent.
	time.Sleep(4 * testPollMS * time.Millisecond)

	if n := len(c.snapshot()); n != 2 {
		t.Errorf("expected no events for untouched buffers, got %d total", n)
	}
}

// Scenario: several rapid writes to one buffer coalesce into a single
// event.
func TestCoalescingWithinWindow(t *testing.T) {
	eng, c := startEngine(t, pollingConfig())

	buf := allocBuf(t, 4096)

	_, err := eng.WatchBytes(buf[:64], WatchOptions{Capture: CaptureFull})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	for i := range 5 {
		buf[i*7] = byte(i + 1)
	}

	events := c.waitN(t, 1, time.Second)

	// Give any spurious extra events time to surface.
	time.Sleep(4 * testPollMS * time.Millisecond)

	if n := len(c.snapshot()); n != 1 {
		t.Fatalf("expected 1 coalesced event for 5 writes, got %d", n)
	}

	if events[0].NewValue[0] != 1 {
		t.Errorf("coalesced value should reflect all writes, got % x", events[0].NewValue[:8])
	}
}

// Scenario: regions above the inline threshold emit storage keys rather
// than inline values; previews stay bounded.
func TestLargeBufferStorage(t *testing.T) {
	store, err := blobstore.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	cfg := pollingConfig()
	cfg.Store = store

	eng, c := startEngine(t, cfg)

	buf := allocBuf(t, 10*1024)

	for i := range buf {
		buf[i] = byte(i)
	}

	_, err = eng.WatchBytes(buf, WatchOptions{
		Label:   "big",
		Capture: CaptureFull,
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	buf[1000] ^= 0xFF

	events := c.waitN(t, 1, time.Second)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	ev := events[0]

	if ev.OldValue != nil || ev.NewValue != nil {
		t.Error("oversized values must not be inlined")
	}

	if ev.StorageKeyOld == "" || ev.StorageKeyNew == "" {
		t.Fatal("expected non-empty storage keys")
	}

	if len(ev.NewPreview) == 0 || len(ev.NewPreview) > 256 {
		t.Errorf("preview must be non-empty and <= 256 bytes, got %d", len(ev.NewPreview))
	}

	stored, getErr := store.Get(ev.StorageKeyNew)
	if getErr != nil {
		t.Fatalf("stored value: %v", getErr)
	}

	if !bytes.Equal(stored, buf) {
		t.Error("stored new value does not match buffer contents")
	}
}

// A write of identical bytes produces no event: the rehash matches the
// stored hash.
func TestNoopWriteEmitsNothing(t *testing.T) {
	eng, c := startEngine(t, pollingConfig())

	buf := allocBuf(t, 4096)
	buf[0] = 42

	_, err := eng.WatchBytes(buf[:16], WatchOptions{})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	buf[0] = 42 // same value

	time.Sleep(6 * testPollMS * time.Millisecond)

	if n := len(c.snapshot()); n != 0 {
		t.Errorf("no-op write should not emit, got %d events", n)
	}
}

// Ring saturation: with a blocked callback and a tiny ring, sweeps
// overflow the ring without crashing, and the engine recovers once the
// callback unblocks.
func TestRingOverflowUnderBurst(t *testing.T) {
	cfg := pollingConfig()
	cfg.RingCapacity = 8

	eng, err := Init(cfg)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	defer func() { _ = eng.Shutdown() }()

	release := make(chan struct{})

	var once sync.Once

	c := &collector{}

	eng.SetCallback(func(ev ChangeEvent) {
		// Park the worker on the first event so records pile up.
		once.Do(func() { <-release })
		c.callback(ev)
	})

	page := allocBuf(t, 4096)

	const regions = 16

	for i := range regions {
		_, watchErr := eng.WatchBytes(page[i*64:(i+1)*64], WatchOptions{})
		if watchErr != nil {
			t.Fatalf("watch %d: %v", i, watchErr)
		}
	}

	// Keep mutating so every sweep re-enqueues while the worker is
	// parked; the 8-slot ring must overflow.
	deadline := time.Now().Add(2 * time.Second)
	round := byte(1)

	for eng.Stats().DroppedEvents == 0 && time.Now().Before(deadline) {
		for i := range regions {
			page[i*64] = round
		}

		round++

		time.Sleep(testPollMS * time.Millisecond)
	}

	if eng.Stats().DroppedEvents == 0 {
		t.Fatal("expected dropped events under burst")
	}

	close(release)

	// The engine still works: a fresh region gets exactly its event.
	buf := allocBuf(t, 4096)

	freshID, err := eng.WatchBytes(buf[:32], WatchOptions{Label: "fresh"})
	if err != nil {
		t.Fatalf("fresh watch: %v", err)
	}

	// Let the backlog flush before mutating the fresh region.
	eng.CheckNow()
	prev := len(c.snapshot())

	buf[0] = 0xEE

	events := c.waitN(t, prev+1, 2*time.Second)

	fresh := 0

	for _, ev := range events {
		if ev.RegionID == freshID {
			fresh++
		}
	}

	if fresh != 1 {
		t.Errorf("expected exactly 1 event for the fresh region, got %d", fresh)
	}
}

// Seq values are strictly increasing and gap-free across events.
func TestSeqGapFree(t *testing.T) {
	eng, c := startEngine(t, pollingConfig())

	buf := allocBuf(t, 4096)

	_, err := eng.WatchBytes(buf[:32], WatchOptions{})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	const writes = 5

	for i := range writes {
		buf[0] = byte(i + 1)

		// Separate polls so each write is its own event.
		eng.CheckNow()
	}

	events := c.waitN(t, writes, 2*time.Second)
	if len(events) != writes {
		t.Fatalf("expected %d events, got %d", writes, len(events))
	}

	for i, ev := range events {
		if ev.Seq != uint64(i+1) {
			t.Errorf("event %d: seq %d not gap-free", i, ev.Seq)
		}

		if i > 0 && events[i].TimestampNS < events[i-1].TimestampNS {
			t.Error("timestamps must be non-decreasing")
		}
	}
}

func TestUnwatchSemantics(t *testing.T) {
	eng, c := startEngine(t, pollingConfig())

	if eng.Unwatch(9999) {
		t.Error("unwatch of unknown id must return false")
	}

	buf := allocBuf(t, 4096)

	id, err := eng.WatchBytes(buf[:16], WatchOptions{})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	if !eng.Unwatch(id) {
		t.Error("unwatch of live region must return true")
	}

	if eng.Unwatch(id) {
		t.Error("second unwatch must return false")
	}

	// No events after unwatch.
	buf[0] = 0x99

	time.Sleep(6 * testPollMS * time.Millisecond)

	if n := len(c.snapshot()); n != 0 {
		t.Errorf("unwatched region emitted %d events", n)
	}
}

func TestWatchValidationErrors(t *testing.T) {
	eng, _ := startEngine(t, pollingConfig())

	_, err := eng.Watch(0, 16, WatchOptions{})
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("nil base: expected ErrInvalidInput, got %v", err)
	}

	buf := allocBuf(t, 4096)

	_, err = eng.Watch(baseOf(buf), 0, WatchOptions{})
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("zero length: expected ErrInvalidInput, got %v", err)
	}

	_, err = eng.WatchBytes(nil, WatchOptions{})
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("nil buffer: expected ErrInvalidInput, got %v", err)
	}
}

func TestDoubleShutdownAndReinit(t *testing.T) {
	eng, err := Init(pollingConfig())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	if shutErr := eng.Shutdown(); shutErr != nil {
		t.Fatalf("Shutdown: %v", shutErr)
	}

	// Double shutdown is a no-op.
	if shutErr := eng.Shutdown(); shutErr != nil {
		t.Errorf("second Shutdown: %v", shutErr)
	}

	// Re-init after shutdown is permitted.
	eng2, err := Init(pollingConfig())
	if err != nil {
		t.Fatalf("re-Init: %v", err)
	}

	defer func() { _ = eng2.Shutdown() }()

	// A second concurrent engine is not.
	_, err = Init(pollingConfig())
	if !errors.Is(err, ErrActive) {
		t.Errorf("expected ErrActive, got %v", err)
	}
}

func TestWatchAfterShutdownFails(t *testing.T) {
	eng, err := Init(pollingConfig())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	if shutErr := eng.Shutdown(); shutErr != nil {
		t.Fatalf("Shutdown: %v", shutErr)
	}

	buf := make([]byte, 16)

	_, err = eng.WatchBytes(buf, WatchOptions{})
	if !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestStatsSurface(t *testing.T) {
	eng, c := startEngine(t, pollingConfig())

	buf := allocBuf(t, 4096)

	_, err := eng.WatchBytes(buf[:128], WatchOptions{})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	st := eng.Stats()

	if st.NumTrackedRegions != 1 {
		t.Errorf("regions: want 1, got %d", st.NumTrackedRegions)
	}

	if st.NumTrackedPages != 1 {
		t.Errorf("pages: want 1, got %d", st.NumTrackedPages)
	}

	if st.Mode != string(ModePolling) {
		t.Errorf("mode: want polling, got %s", st.Mode)
	}

	if st.RingCapacity != DefaultRingCapacity {
		t.Errorf("ring capacity: want %d, got %d", DefaultRingCapacity, st.RingCapacity)
	}

	if st.NativeMemoryBytes <= 0 {
		t.Error("native memory accounting missing")
	}

	buf[0] = 1

	c.waitN(t, 1, time.Second)

	if got := eng.Stats().EventsEmitted; got != 1 {
		t.Errorf("events emitted: want 1, got %d", got)
	}
}

// A panicking callback is contained: counted, logged, and the worker
// keeps delivering.
func TestCallbackPanicContained(t *testing.T) {
	eng, err := Init(pollingConfig())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	defer func() { _ = eng.Shutdown() }()

	c := &collector{}
	first := true

	eng.SetCallback(func(ev ChangeEvent) {
		if first {
			first = false
			panic("user bug")
		}

		c.callback(ev)
	})

	buf := allocBuf(t, 4096)

	_, err = eng.WatchBytes(buf[:16], WatchOptions{})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	buf[0] = 1

	eng.CheckNow()

	buf[0] = 2

	events := c.waitN(t, 1, time.Second)
	if len(events) != 1 {
		t.Fatalf("worker should survive a panicking callback, got %d events", len(events))
	}

	if got := eng.Stats().CallbackErrors; got != 1 {
		t.Errorf("callback errors: want 1, got %d", got)
	}
}

// Metadata and resolver output are carried into events.
func TestMetadataAndResolver(t *testing.T) {
	eng, c := startEngine(t, pollingConfig())

	eng.SetResolver(7, func(faultIP uintptr, adapterID uint32) Where {
		return Where{File: "main.py", Function: "update", Line: 42}
	})

	buf := allocBuf(t, 4096)

	_, err := eng.WatchBytes(buf[:16], WatchOptions{
		AdapterID: 7,
		Metadata:  map[string]string{"type": "bytearray"},
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	buf[3] = 9

	events := c.waitN(t, 1, time.Second)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	ev := events[0]

	if ev.Metadata["type"] != "bytearray" {
		t.Errorf("metadata not carried: %v", ev.Metadata)
	}

	if ev.Where.File != "main.py" || ev.Where.Line != 42 {
		t.Errorf("resolver output missing: %+v", ev.Where)
	}

	if ev.Where.FaultIP != 0 {
		t.Errorf("resolver must not fabricate fault_ip, got %#x", ev.Where.FaultIP)
	}
}

// Boundary: 1-byte regions at the very end of a page and the start of
// the next page detect independently; no cross-page bleed.
func TestPageBoundaryRegions(t *testing.T) {
	eng, c := startEngine(t, pollingConfig())

	buf := allocBuf(t, 2*4096)

	pageSize := 4096

	lastID, err := eng.WatchBytes(buf[pageSize-1:pageSize], WatchOptions{Label: "last"})
	if err != nil {
		t.Fatalf("watch last byte: %v", err)
	}

	firstID, err := eng.WatchBytes(buf[pageSize:pageSize+1], WatchOptions{Label: "first"})
	if err != nil {
		t.Fatalf("watch first byte: %v", err)
	}

	buf[pageSize-1] = 1

	events := c.waitN(t, 1, time.Second)
	if len(events) != 1 || events[0].RegionID != lastID {
		t.Fatalf("expected 1 event for the page-end region, got %+v", events)
	}

	buf[pageSize] = 2

	events = c.waitN(t, 2, time.Second)
	if len(events) != 2 || events[1].RegionID != firstID {
		t.Fatalf("expected a second event for the next-page region, got %+v", events)
	}
}
