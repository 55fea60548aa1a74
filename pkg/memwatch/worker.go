package memwatch

import (
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/calvinalkan/memwatch/internal/region"
	"github.com/calvinalkan/memwatch/internal/ring"
	"github.com/calvinalkan/memwatch/pkg/blobstore"
)

// workerLoop is the single consumer of the fault-record ring. It
// rehashes candidate regions, diffs against snapshots, builds events,
// invokes the user callback, and closes writable windows.
func (e *Engine) workerLoop() error {
	batch := make([]ring.Record, 0, 256)

	for {
		batch = e.ring.Drain(batch[:0])

		if len(batch) == 0 {
			if !e.ring.Wait(e.stop) {
				// Stopping: one final drain so Shutdown's bounded wait
				// actually flushed something.
				batch = e.ring.Drain(batch[:0])
				e.processBatch(batch)

				return nil
			}

			continue
		}

		e.processBatch(batch)
	}
}

// processBatch coalesces the batch per page and processes pages in
// enqueue order of their first record. Records for the same page that
// piled up while its window was open collapse into a single pass, which
// yields one event per actually-modified region.
func (e *Engine) processBatch(batch []ring.Record) {
	if len(batch) == 0 {
		return
	}

	e.procMu.Lock()
	defer e.procMu.Unlock()

	var (
		order []uintptr
		seen  = make(map[uintptr]ring.Record, len(batch))
	)

	for _, rec := range batch {
		if _, ok := seen[rec.PageBase]; ok {
			continue
		}

		seen[rec.PageBase] = rec
		order = append(order, rec.PageBase)
	}

	for _, pageBase := range order {
		e.processPage(seen[pageBase])
	}
}

// processPage emits events for every modified region on the record's
// page, then closes the writable window. Per-region events go out in
// ascending region base order.
func (e *Engine) processPage(rec ring.Record) {
	// Let the window stay open for its configured minimum before
	// reading, so stores racing right behind the fault are folded into
	// this event instead of leaking past the re-protect.
	if !rec.Synthetic {
		e.holdWindow(rec)
	}

	regions := e.reg.RegionsOnPage(rec.PageBase)

	for _, r := range regions {
		if r.Dead() {
			continue
		}

		e.emitIfChanged(r, rec)
	}

	e.closeWindow(rec.PageBase)
}

// emitIfChanged rehashes the region's current contents and, when the
// hash differs from the snapshot's, builds and delivers a change event,
// then replaces the snapshot. A hash match means another region on the
// same page was the real writer (or a no-op write); skipped silently.
func (e *Engine) emitIfChanged(r *region.Region, rec ring.Record) {
	cur := slices.Clone(r.Bytes())

	h := region.HashBytes(cur)
	if h == r.ContentHash() {
		return
	}

	old := r.Snapshot
	offset := region.FirstDiff(old, cur)

	ev := ChangeEvent{
		Seq:          e.seq.Add(1),
		TimestampNS:  e.nextTimestamp(),
		AdapterID:    r.AdapterID,
		RegionID:     r.ID,
		VariableName: r.Label,
		Where:        Where{FaultIP: rec.FaultIP},
		Size:         r.Length,
		OldPreview:   slices.Clone(region.Preview(old, offset, e.cfg.DefaultPreviewBytes)),
		NewPreview:   slices.Clone(region.Preview(cur, offset, e.cfg.DefaultPreviewBytes)),
		Metadata:     r.Metadata,
	}

	e.attachValues(&ev, r, old, cur)

	if res := e.resolverFor(r.AdapterID); res != nil {
		where := res(rec.FaultIP, r.AdapterID)
		where.FaultIP = rec.FaultIP
		ev.Where = where
	}

	e.deliver(ev)

	r.Snapshot = cur
	r.SetContentHash(h)
	r.Epoch++
	r.Seq = ev.Seq

	e.eventsEmitted.Add(1)
}

// attachValues applies the region's capture mode: small regions embed
// old/new values inline, larger ones are persisted to the value store
// and referenced by storage keys. Without a store, oversized values are
// dropped and only previews remain.
func (e *Engine) attachValues(ev *ChangeEvent, r *region.Region, old, cur []byte) {
	if r.Capture == region.CaptureNone {
		return
	}

	oldVal := region.CaptureSlice(old, r.Capture)
	newVal := region.CaptureSlice(cur, r.Capture)

	if r.Length <= e.cfg.InlineThresholdBytes {
		ev.OldValue = slices.Clone(oldVal)
		ev.NewValue = slices.Clone(newVal)

		return
	}

	if e.store == nil {
		return
	}

	ev.StorageKeyOld = e.persist(r.ID, oldVal)
	ev.StorageKeyNew = e.persist(r.ID, newVal)
}

// persist writes one value to the store, returning its key or "" on
// failure.
func (e *Engine) persist(regionID uint64, val []byte) string {
	key := blobstore.NewKey()

	err := e.store.Put(key, val)
	if err != nil {
		e.storeErrors.Add(1)
		e.log.Warn("value store put failed",
			zap.Uint64("region_id", regionID),
			zap.Error(err))

		return ""
	}

	return key
}

// deliver invokes the user callback, if any. Worker-context errors are
// counted and logged; they never crash the worker.
func (e *Engine) deliver(ev ChangeEvent) {
	box, _ := e.callback.Load().(callbackBox)
	if box.fn == nil {
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			e.callbackErrors.Add(1)
			e.log.Error("user callback panicked",
				zap.Uint64("seq", ev.Seq),
				zap.Uint64("region_id", ev.RegionID),
				zap.Any("panic", rec))
		}
	}()

	box.fn(ev)
}

// holdWindow keeps the writable window open until the configured minimum
// has elapsed since the fault, so rapid successive stores coalesce. A
// single hold lasts at most 10ms.
func (e *Engine) holdWindow(rec ring.Record) {
	if e.cfg.WindowNS <= 0 {
		return
	}

	remaining := rec.TimeNS + e.cfg.WindowNS - time.Now().UnixNano()

	const maxHold = int64(10 * time.Millisecond)
	if remaining > maxHold {
		remaining = maxHold
	}

	if remaining > 0 {
		time.Sleep(time.Duration(remaining))
	}
}

// closeWindow re-protects the page if it still backs live regions.
// Serialized with watch/unwatch through the registry lock.
func (e *Engine) closeWindow(pageBase uintptr) {
	err := e.reg.CloseWindow(pageBase)
	if err != nil {
		e.log.Warn("re-protect failed; page left unprotected",
			zap.Uintptr("page_base", pageBase),
			zap.Error(err))
	}
}

// nextTimestamp returns a wall-clock nanosecond timestamp that never
// runs backwards from the callback's point of view. procMu context.
func (e *Engine) nextTimestamp() int64 {
	now := time.Now().UnixNano()
	if now < e.lastTS {
		now = e.lastTS
	}

	e.lastTS = now

	return now
}
