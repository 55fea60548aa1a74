// Package memwatch observes user-designated byte ranges in the process's
// address space and emits a change event whenever a watched range is
// modified, without instrumenting store sites.
//
// On Linux the engine write-protects the pages backing each watched
// region through userfaultfd(2): the first store to a protected page is
// parked by the kernel, recorded, and released by opening a bounded
// writable window; a background worker then diffs the region against its
// snapshot, invokes the user callback, and re-protects the page.
// Platforms without fault support fall back to periodic checksum
// polling with identical event semantics (and a zero fault address).
//
// Typical use:
//
//	eng, err := memwatch.Init(memwatch.DefaultConfig())
//	if err != nil {
//		// ...
//	}
//	defer eng.Shutdown()
//
//	buf, _ := memwatch.AllocBytes(4096)
//	copy(buf, "Hello, memwatch!")
//
//	eng.SetCallback(func(ev memwatch.ChangeEvent) {
//		fmt.Printf("%s changed, event seq=%d\n", ev.VariableName, ev.Seq)
//	})
//
//	id, _ := eng.WatchBytes(buf[:16], memwatch.WatchOptions{
//		Label:   "greeting",
//		Capture: memwatch.CaptureFull,
//	})
//
//	buf[0] = 'J' // delivers one ChangeEvent
//	_ = eng.Unwatch(id)
//
// The engine is process-wide: exactly one may be live at a time, and
// callbacks run on its worker goroutine. Mutating threads are only ever
// paused for the fault delivery itself, never for callback execution.
package memwatch
