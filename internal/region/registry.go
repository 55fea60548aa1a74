package region

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
)

// Protector applies and removes write protection on page-aligned spans.
// The engine supplies a userfaultfd-backed implementation in fault mode
// and a no-op in polling mode.
type Protector interface {
	// ProtectSpan registers and arms write protection on a page-aligned
	// span that newly requires it (protect count 0 -> 1 on every page).
	ProtectSpan(pageBase uintptr, length int) error
	// Protect re-arms a single page after a writable window closes.
	Protect(pageBase uintptr) error
	// Unprotect disarms a single page (opens a window).
	Unprotect(pageBase uintptr) error
	// ReleaseSpan tears down registration for pages no region needs.
	ReleaseSpan(pageBase uintptr, length int) error
}

// NopProtector satisfies Protector without touching protection; used in
// polling mode and by tests.
type NopProtector struct{}

// ProtectSpan is a no-op.
func (NopProtector) ProtectSpan(uintptr, int) error { return nil }

// Protect is a no-op.
func (NopProtector) Protect(uintptr) error { return nil }

// Unprotect is a no-op.
func (NopProtector) Unprotect(uintptr) error { return nil }

// ReleaseSpan is a no-op.
func (NopProtector) ReleaseSpan(uintptr, int) error { return nil }

// Config bounds a registry.
type Config struct {
	PageSize uintptr
	// MaxPages caps live page slots; 0 means unlimited.
	MaxPages int
	// MaxMemory caps snapshot bytes held by the registry; 0 means
	// unlimited.
	MaxMemory int64
	// TableCapacity is the initial page-table capacity (power of two).
	TableCapacity int
}

// Registry owns the region table and the page-slot table (two tables
// plus ids; neither owns the other). Watch and Unwatch take the writer
// lock; the fault path reads only through the lock-free page table.
type Registry struct {
	mu sync.RWMutex

	cfg  Config
	prot Protector

	table   *Table
	regions map[uint64]*Region

	nextID   atomic.Uint64
	memBytes int64
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, prot Protector) *Registry {
	if cfg.TableCapacity == 0 {
		cfg.TableCapacity = 1024
	}

	return &Registry{
		cfg:     cfg,
		prot:    prot,
		table:   NewTable(cfg.TableCapacity),
		regions: make(map[uint64]*Region),
	}
}

// WatchSpec carries the caller-supplied fields of a new watch.
type WatchSpec struct {
	Base        uintptr
	Length      int
	AdapterID   uint32
	Label       string
	Capture     int
	Metadata    map[string]string
	MetadataRef any
	// OverlapSafe permits the span to overlap live regions of the same
	// adapter.
	OverlapSafe bool
}

// Watch validates the spec, snapshots the initial contents, joins every
// intersecting page slot (creating slots as needed), and requests write
// protection on pages whose protect count transitions from 0 to 1.
//
// A protection failure does not fail the watch: the region is retained,
// marked PollOnly, and the error is returned alongside it so the caller
// can surface a diagnostic.
func (g *Registry) Watch(spec WatchSpec) (*Region, error) {
	if spec.Length < 1 {
		return nil, fmt.Errorf("%w: length must be >= 1, got %d", ErrInvalid, spec.Length)
	}

	if spec.Base == 0 {
		return nil, fmt.Errorf("%w: nil base address", ErrInvalid)
	}

	if uint64(spec.Base) > math.MaxUint64-uint64(spec.Length) {
		return nil, fmt.Errorf("%w: span wraps the address space", ErrInvalid)
	}

	if spec.Capture < CaptureFull {
		return nil, fmt.Errorf("%w: capture mode %d", ErrInvalid, spec.Capture)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if !spec.OverlapSafe {
		for _, other := range g.regions {
			if other.AdapterID == spec.AdapterID && other.Overlaps(spec.Base, spec.Length) {
				return nil, fmt.Errorf("%w: [%#x,+%d) overlaps region %d: %w",
					ErrOverlap, spec.Base, spec.Length, other.ID, ErrInvalid)
			}
		}
	}

	if g.cfg.MaxMemory > 0 && g.memBytes+int64(spec.Length) > g.cfg.MaxMemory {
		return nil, fmt.Errorf("%w: memory budget %d bytes", ErrExhausted, g.cfg.MaxMemory)
	}

	r := &Region{
		ID:          g.nextID.Add(1),
		Base:        spec.Base,
		Length:      spec.Length,
		Label:       spec.Label,
		AdapterID:   spec.AdapterID,
		Capture:     spec.Capture,
		Metadata:    spec.Metadata,
		MetadataRef: spec.MetadataRef,
	}

	pages := r.Pages(g.cfg.PageSize)

	newPages := 0

	for _, p := range pages {
		if g.table.Lookup(p) == nil {
			newPages++
		}
	}

	if g.cfg.MaxPages > 0 && g.table.Len()+newPages > g.cfg.MaxPages {
		return nil, fmt.Errorf("%w: page table cap %d", ErrExhausted, g.cfg.MaxPages)
	}

	// Capture initial contents before protection goes up.
	r.Snapshot = slices.Clone(r.Bytes())
	r.SetContentHash(HashBytes(r.Snapshot))

	// Join page slots and collect pages newly requiring protection.
	var toProtect []uintptr

	for _, p := range pages {
		s := g.table.Lookup(p)
		if s == nil {
			s = newSlot(p)
			g.table.Insert(s)
		}

		s.ProtectCount++
		if s.ProtectCount == 1 {
			toProtect = append(toProtect, p)
		}

		g.publishSlotRegions(s, r, false)
	}

	g.regions[r.ID] = r
	g.memBytes += int64(r.Length)

	var protErr error

	for _, span := range contiguousSpans(toProtect, g.cfg.PageSize) {
		err := g.prot.ProtectSpan(span.base, span.length)
		if err != nil {
			protErr = err
			r.PollOnly = true

			continue
		}

		for p := span.base; p < span.base+uintptr(span.length); p += g.cfg.PageSize {
			if s := g.table.Lookup(p); s != nil {
				s.SetState(StateProtected)
			}
		}
	}

	return r, protErr
}

// Unwatch removes the region from every intersecting page slot. A slot
// whose protect count drops to 0 has its protection removed and is
// freed. Returns false for unknown ids; idempotent under concurrent
// attempts.
func (g *Registry) Unwatch(id uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.regions[id]
	if !ok {
		return false
	}

	r.Kill()
	delete(g.regions, id)
	g.memBytes -= int64(r.Length)

	var toRelease []uintptr

	for _, p := range r.Pages(g.cfg.PageSize) {
		s := g.table.Lookup(p)
		if s == nil {
			continue
		}

		s.ProtectCount--
		g.publishSlotRegions(s, r, true)

		if s.ProtectCount <= 0 {
			toRelease = append(toRelease, p)
			s.SetState(StateUnprotected)
			g.table.Delete(p)
		}
	}

	for _, span := range contiguousSpans(toRelease, g.cfg.PageSize) {
		_ = g.prot.ReleaseSpan(span.base, span.length)
	}

	return true
}

// Region returns the live region with the given id, or nil.
func (g *Registry) Region(id uint64) *Region {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return g.regions[id]
}

// FindRegions locates the page slot covering address, then filters its
// region list to regions covering the exact byte. Worst-case linear in
// regions per page; the expected count per page is small.
func (g *Registry) FindRegions(address uintptr) []uint64 {
	pageBase := address &^ (g.cfg.PageSize - 1)

	s := g.table.Lookup(pageBase)
	if s == nil {
		return nil
	}

	ids := s.Regions()

	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []uint64

	for _, id := range ids {
		if r, ok := g.regions[id]; ok && r.Contains(address) {
			out = append(out, id)
		}
	}

	return out
}

// Slot returns the live page slot for pageBase, or nil. Lock-free; safe
// from the fault path.
func (g *Registry) Slot(pageBase uintptr) *Slot {
	return g.table.Lookup(pageBase)
}

// RegionsOnPage resolves the slot's region list to live regions, ordered
// by ascending base address.
func (g *Registry) RegionsOnPage(pageBase uintptr) []*Region {
	s := g.table.Lookup(pageBase)
	if s == nil {
		return nil
	}

	ids := s.Regions()

	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*Region, 0, len(ids))

	for _, id := range ids {
		if r, ok := g.regions[id]; ok && !r.Dead() {
			out = append(out, r)
		}
	}

	return out
}

// All returns every live region ordered by id. Used by the polling
// detector's sweep.
func (g *Registry) All() []*Region {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*Region, 0, len(g.regions))
	for _, r := range g.regions {
		out = append(out, r)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// Count returns the number of live regions.
func (g *Registry) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return len(g.regions)
}

// Pages returns the number of live page slots.
func (g *Registry) Pages() int {
	return g.table.Len()
}

// MemBytes returns snapshot bytes currently held.
func (g *Registry) MemBytes() int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return g.memBytes
}

// PageSize returns the configured page size.
func (g *Registry) PageSize() uintptr {
	return g.cfg.PageSize
}

// CloseWindow re-arms protection on a page after the worker finishes
// its events, if the slot still exists and still requires protection.
// Tolerates the slot disappearing mid-processing (concurrent unwatch).
func (g *Registry) CloseWindow(pageBase uintptr) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := g.table.Lookup(pageBase)
	if s == nil || s.ProtectCount <= 0 {
		return nil
	}

	err := g.prot.Protect(pageBase)
	if err != nil {
		return err
	}

	s.SetState(StateProtected)

	return nil
}

// Close removes protection from every page and drops all regions.
func (g *Registry) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	var pages []uintptr

	g.table.ForEach(func(s *Slot) {
		pages = append(pages, s.PageBase)
		s.SetState(StateUnprotected)
	})

	slices.Sort(pages)

	for _, span := range contiguousSpans(pages, g.cfg.PageSize) {
		_ = g.prot.ReleaseSpan(span.base, span.length)
	}

	for _, r := range g.regions {
		r.Kill()
	}

	g.regions = make(map[uint64]*Region)
	g.table = NewTable(g.cfg.TableCapacity)
	g.memBytes = 0
}

// publishSlotRegions rebuilds a slot's region id list, ordered by
// ascending region base so byte-level containment checks walk memory in
// order. Registry-lock context only.
func (g *Registry) publishSlotRegions(s *Slot, changed *Region, removing bool) {
	type entry struct {
		id   uint64
		base uintptr
	}

	var entries []entry

	for _, id := range s.Regions() {
		if id == changed.ID {
			continue
		}

		if r, ok := g.regions[id]; ok {
			entries = append(entries, entry{id: id, base: r.Base})
		}
	}

	if !removing {
		entries = append(entries, entry{id: changed.ID, base: changed.Base})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].base != entries[j].base {
			return entries[i].base < entries[j].base
		}

		return entries[i].id < entries[j].id
	})

	ids := make([]uint64, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}

	s.publishRegions(ids)
}

type span struct {
	base   uintptr
	length int
}

// contiguousSpans merges an ascending page list into maximal runs so the
// protector sees one syscall per run.
func contiguousSpans(pages []uintptr, pageSize uintptr) []span {
	if len(pages) == 0 {
		return nil
	}

	spans := []span{{base: pages[0], length: int(pageSize)}}

	for _, p := range pages[1:] {
		last := &spans[len(spans)-1]
		if p == last.base+uintptr(last.length) {
			last.length += int(pageSize)
		} else {
			spans = append(spans, span{base: p, length: int(pageSize)})
		}
	}

	return spans
}
