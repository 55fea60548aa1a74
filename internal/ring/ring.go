// Package ring implements the bounded multi-producer single-consumer
// queue of fault records between the fault path and the worker.
//
// Enqueue is wait-free and allocation-free: producers claim a cell with a
// CAS on the write index and publish it through the cell's sequence
// number. When the ring is full the new record is dropped and counted;
// producers never block. Records are stored by value.
package ring

import (
	"errors"
	"fmt"
	"math/bits"
	"sync/atomic"
)

// MaxCandidates bounds the region ids a producer can attach to a record.
// The worker re-derives the authoritative list from the page slot, so
// truncation here is harmless.
const MaxCandidates = 4

// ErrCapacity indicates a requested capacity that is not a power of two.
var ErrCapacity = errors.New("ring: capacity must be a power of two >= 2")

// Record is the fixed-size fault record enqueued on the fault path.
type Record struct {
	PageBase  uintptr
	FaultAddr uintptr
	FaultIP   uintptr
	TimeNS    int64
	ThreadID  uint32
	// NumCandidates counts the valid prefix of Candidates.
	NumCandidates int32
	Candidates    [MaxCandidates]uint64
	// Synthetic marks records produced by the polling detector rather
	// than a hardware fault.
	Synthetic bool
}

type cell struct {
	seq atomic.Uint64
	rec Record
}

// Ring is the bounded MPSC queue. The consumer side (TryDequeue, Drain)
// must be used from a single goroutine; producers may call TryEnqueue
// concurrently.
type Ring struct {
	_ [0]func() // makes Ring non-comparable

	mask  uint64
	cells []cell

	enq     atomic.Uint64
	deq     atomic.Uint64 // consumer-owned; atomic only for Used()
	dropped atomic.Uint64

	// notify carries at most one pending wakeup for the consumer.
	notify chan struct{}
}

// New creates a ring with the given power-of-two capacity.
func New(capacity int) (*Ring, error) {
	if capacity < 2 || bits.OnesCount(uint(capacity)) != 1 {
		return nil, fmt.Errorf("%w: got %d", ErrCapacity, capacity)
	}

	r := &Ring{
		mask:   uint64(capacity - 1),
		cells:  make([]cell, capacity),
		notify: make(chan struct{}, 1),
	}

	for i := range r.cells {
		r.cells[i].seq.Store(uint64(i))
	}

	return r, nil
}

// TryEnqueue appends rec in FIFO order. Returns false and bumps the
// dropped counter when the ring is full.
func (r *Ring) TryEnqueue(rec Record) bool {
	pos := r.enq.Load()

	for {
		c := &r.cells[pos&r.mask]
		seq := c.seq.Load()

		switch diff := int64(seq) - int64(pos); {
		case diff == 0:
			if r.enq.CompareAndSwap(pos, pos+1) {
				c.rec = rec
				c.seq.Store(pos + 1)
				r.wake()

				return true
			}

			pos = r.enq.Load()
		case diff < 0:
			// The cell one lap behind has not been consumed: full.
			r.dropped.Add(1)

			return false
		default:
			// Lost a race; another producer advanced past us.
			pos = r.enq.Load()
		}
	}
}

// TryDequeue pops the oldest record. Single consumer only.
func (r *Ring) TryDequeue() (Record, bool) {
	pos := r.deq.Load()
	c := &r.cells[pos&r.mask]

	seq := c.seq.Load()
	if int64(seq)-int64(pos+1) < 0 {
		return Record{}, false
	}

	rec := c.rec
	c.seq.Store(pos + uint64(len(r.cells)))
	r.deq.Store(pos + 1)

	return rec, true
}

// Drain appends every currently available record to dst and returns the
// extended slice. Single consumer only.
func (r *Ring) Drain(dst []Record) []Record {
	for {
		rec, ok := r.TryDequeue()
		if !ok {
			return dst
		}

		dst = append(dst, rec)
	}
}

// Wait blocks until a producer signals a new record or stop is closed.
// Returns false when stopped. A true return does not guarantee a record
// is still present; callers must re-check with TryDequeue.
func (r *Ring) Wait(stop <-chan struct{}) bool {
	select {
	case <-r.notify:
		return true
	case <-stop:
		return false
	}
}

// Used returns the approximate number of queued records.
func (r *Ring) Used() int {
	used := int64(r.enq.Load()) - int64(r.deq.Load())
	if used < 0 {
		used = 0
	}

	if used > int64(len(r.cells)) {
		used = int64(len(r.cells))
	}

	return int(used)
}

// Capacity returns the fixed capacity.
func (r *Ring) Capacity() int {
	return len(r.cells)
}

// Dropped returns the number of records rejected because the ring was
// full.
func (r *Ring) Dropped() uint64 {
	return r.dropped.Load()
}

func (r *Ring) wake() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}
