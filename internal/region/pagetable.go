package region

import (
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"
)

// Page slot states.
const (
	StateUnprotected int32 = iota
	StateProtected
	StateWindowOpen
)

// Slot is the engine's bookkeeping for one hardware page that currently
// backs at least one live region.
//
// ProtectCount and the region list are guarded by the registry writer
// lock. The region id list is additionally published through an atomic
// pointer so the fault path can read it without taking that lock. State
// transitions go through the atomic state word.
type Slot struct {
	PageBase uintptr

	// ProtectCount is the number of live regions requiring this page to
	// be write-protected. Registry-lock guarded.
	ProtectCount int

	state   atomic.Int32
	dead    atomic.Bool
	regions atomic.Pointer[[]uint64]
}

func newSlot(pageBase uintptr) *Slot {
	s := &Slot{PageBase: pageBase}
	empty := []uint64{}
	s.regions.Store(&empty)

	return s
}

// State returns the current protection state.
func (s *Slot) State() int32 {
	return s.state.Load()
}

// SetState stores the protection state.
func (s *Slot) SetState(v int32) {
	s.state.Store(v)
}

// Regions returns the published region id list, ordered by ascending
// region base. Safe to call from the fault path; the returned slice is
// immutable.
func (s *Slot) Regions() []uint64 {
	return *s.regions.Load()
}

// Dead reports whether the slot was removed from the registry.
func (s *Slot) Dead() bool {
	return s.dead.Load()
}

// publishRegions swaps in a new immutable region id list. Registry-lock
// context only.
func (s *Slot) publishRegions(ids []uint64) {
	s.regions.Store(&ids)
}

// table is one immutable-capacity generation of the open-addressed page
// table. Buckets hold published slot pointers; a dead slot acts as a
// tombstone so probe chains stay intact. Structural rewrites build a new
// generation and publish it wholesale.
type table struct {
	mask    uint64
	buckets []atomic.Pointer[Slot]
	// used marks occupied buckets (live or tombstone) for iteration and
	// load accounting. Mutated only under the registry writer lock.
	used  *bitset.BitSet
	live  int
	tombs int
}

func newTable(capacity int) *table {
	return &table{
		mask:    uint64(capacity - 1),
		buckets: make([]atomic.Pointer[Slot], capacity),
		used:    bitset.New(uint(capacity)),
	}
}

// hashPage mixes the page base; Fibonacci multiplicative hashing is
// plenty for page-aligned keys.
func hashPage(pageBase uintptr) uint64 {
	return uint64(pageBase) * 0x9E3779B97F4A7C15
}

// Table is the pageBase → slot map. Lookup is lock-free and safe from
// the fault path; all mutation happens under the registry writer lock,
// which publishes a consistent generation via the atomic pointer.
type Table struct {
	p atomic.Pointer[table]
}

// NewTable creates a table with the given initial power-of-two capacity.
func NewTable(capacity int) *Table {
	t := &Table{}
	t.p.Store(newTable(capacity))

	return t
}

// Lookup returns the live slot for pageBase, or nil. Lock-free.
func (t *Table) Lookup(pageBase uintptr) *Slot {
	tab := t.p.Load()
	h := hashPage(pageBase)

	for i := uint64(0); i <= tab.mask; i++ {
		s := tab.buckets[(h+i)&tab.mask].Load()
		if s == nil {
			return nil
		}

		if s.PageBase == pageBase {
			if s.Dead() {
				return nil
			}

			return s
		}
	}

	return nil
}

// Insert adds a slot. Registry-lock context only. Grows the table when
// occupancy (live plus tombstones) would exceed half capacity.
func (t *Table) Insert(s *Slot) {
	tab := t.p.Load()

	if uint64(tab.live+tab.tombs+1)*2 > tab.mask+1 {
		tab = t.rebuild(tab, 2)
	}

	h := hashPage(s.PageBase)

	for i := uint64(0); i <= tab.mask; i++ {
		idx := (h + i) & tab.mask
		cur := tab.buckets[idx].Load()

		if cur == nil {
			tab.buckets[idx].Store(s)
			tab.used.Set(uint(idx))
			tab.live++

			return
		}

		if cur.Dead() && cur.PageBase == s.PageBase {
			// Reuse the tombstone of the same key to keep probes short.
			tab.buckets[idx].Store(s)
			tab.live++
			tab.tombs--

			return
		}
	}
}

// Delete marks the slot for pageBase dead, leaving a tombstone in the
// probe chain. Registry-lock context only.
func (t *Table) Delete(pageBase uintptr) {
	tab := t.p.Load()
	h := hashPage(pageBase)

	for i := uint64(0); i <= tab.mask; i++ {
		idx := (h + i) & tab.mask

		s := tab.buckets[idx].Load()
		if s == nil {
			return
		}

		if s.PageBase == pageBase && !s.Dead() {
			s.dead.Store(true)
			tab.live--
			tab.tombs++

			// Compact once tombstones dominate.
			if tab.tombs > int(tab.mask+1)/4 {
				t.rebuild(tab, 1)
			}

			return
		}
	}
}

// Len returns the number of live slots.
func (t *Table) Len() int {
	return t.p.Load().live
}

// ForEach calls fn for every live slot. Registry-lock context only.
func (t *Table) ForEach(fn func(*Slot)) {
	tab := t.p.Load()

	for idx, ok := tab.used.NextSet(0); ok; idx, ok = tab.used.NextSet(idx + 1) {
		s := tab.buckets[idx].Load()
		if s != nil && !s.Dead() {
			fn(s)
		}
	}
}

// rebuild copies live slots into a fresh generation scaled by growth and
// publishes it. Concurrent lock-free readers keep using the old
// generation, which remains internally consistent.
func (t *Table) rebuild(old *table, growth int) *table {
	capacity := int(old.mask+1) * growth

	const minCapacity = 16
	for capacity < minCapacity || capacity < old.live*4 {
		capacity *= 2
	}

	fresh := newTable(capacity)

	for idx, ok := old.used.NextSet(0); ok; idx, ok = old.used.NextSet(idx + 1) {
		s := old.buckets[idx].Load()
		if s == nil || s.Dead() {
			continue
		}

		h := hashPage(s.PageBase)
		for i := uint64(0); i <= fresh.mask; i++ {
			j := (h + i) & fresh.mask
			if fresh.buckets[j].Load() == nil {
				fresh.buckets[j].Store(s)
				fresh.used.Set(uint(j))
				fresh.live++

				break
			}
		}
	}

	t.p.Store(fresh)

	return fresh
}
