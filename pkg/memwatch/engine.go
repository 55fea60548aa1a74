package memwatch

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/calvinalkan/memwatch/internal/region"
	"github.com/calvinalkan/memwatch/internal/ring"
	"github.com/calvinalkan/memwatch/internal/uffd"
	"github.com/calvinalkan/memwatch/pkg/blobstore"
)

// engineActive enforces one live engine per process. Fault detection is
// process-wide state, so a second engine would fight the first over the
// same pages. Re-init after Shutdown is permitted.
var engineActive atomic.Bool

// callbackBox wraps a Callback for atomic.Value storage (which rejects
// bare nil interfaces).
type callbackBox struct {
	fn Callback
}

// Engine is the process-wide memory mutation watcher.
//
// Watch, Unwatch, SetCallback, SetResolver, CheckNow and Stats are safe
// for concurrent use. The engine must be obtained via [Init]; the zero
// value is not usable.
type Engine struct {
	_ [0]func() // makes Engine non-comparable

	cfg      Config
	log      *zap.Logger
	store    blobstore.Store
	mode     Mode
	pageSize uintptr

	reg  *region.Registry
	ring *ring.Ring
	fd   *uffd.FD // nil in polling mode
	// prot is the same protector the registry uses; the fault path
	// calls its Unprotect without the registry lock.
	prot region.Protector

	callback atomic.Value // callbackBox

	resolverMu sync.RWMutex
	resolvers  map[uint32]Resolver

	seq            atomic.Uint64
	eventsEmitted  atomic.Uint64
	callbackErrors atomic.Uint64
	storeErrors    atomic.Uint64

	// procMu serializes batch processing against Unwatch's in-flight
	// wait and CheckNow.
	procMu sync.Mutex
	// lastTS keeps callback-visible timestamps monotone. procMu guarded.
	lastTS int64

	stop   chan struct{}
	grp    *errgroup.Group
	closed atomic.Bool
}

// Init creates the engine: it starts the worker and the poller and, in
// fault mode, installs the fault detector. Exactly one engine may be
// live per process.
func Init(cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()

	err := validateConfig(cfg)
	if err != nil {
		return nil, err
	}

	if !engineActive.CompareAndSwap(false, true) {
		return nil, ErrActive
	}

	ok := false

	defer func() {
		if !ok {
			engineActive.Store(false)
		}
	}()

	mode := cfg.Mode
	if cfg.NoMprotect {
		mode = ModePolling
	}

	var fd *uffd.FD

	if mode == ModeAuto || mode == ModeFault {
		fd, err = uffd.Open()

		switch {
		case err == nil:
			mode = ModeFault
		case mode == ModeFault:
			return nil, fmt.Errorf("%w: %v", ErrDetectorInstall, err)
		default:
			cfg.Logger.Info("fault detection unavailable, falling back to polling",
				zap.Error(err))

			mode = ModePolling
		}
	}

	pageSize := uintptr(os.Getpagesize())

	var prot region.Protector = region.NopProtector{}
	if mode == ModeFault {
		prot = &uffdGuard{fd: fd, pageSize: pageSize}
	}

	rg, err := ring.New(cfg.RingCapacity)
	if err != nil {
		if fd != nil {
			_ = fd.Close()
		}

		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	e := &Engine{
		cfg:      cfg,
		log:      cfg.Logger,
		store:    cfg.Store,
		mode:     mode,
		pageSize: pageSize,
		ring:     rg,
		fd:       fd,
		prot:     prot,
		reg: region.NewRegistry(region.Config{
			PageSize:  pageSize,
			MaxPages:  cfg.MaxTrackedPages,
			MaxMemory: cfg.MaxMemoryBytes,
		}, prot),
		resolvers: make(map[uint32]Resolver),
		stop:      make(chan struct{}),
		grp:       &errgroup.Group{},
	}

	e.callback.Store(callbackBox{})

	e.grp.Go(e.workerLoop)

	if mode == ModeFault {
		e.grp.Go(e.faultLoop)
	}

	// The poller runs in fault mode too, scanning only regions that were
	// downgraded after a failed protection change.
	e.grp.Go(e.pollLoop)

	e.log.Info("memwatch engine started",
		zap.String("mode", string(mode)),
		zap.Int("ring_capacity", cfg.RingCapacity))

	ok = true

	return e, nil
}

// Shutdown stops the worker cleanly: it drains pending events bounded by
// the configured drain timeout, removes protection from all pages, and
// frees resources. Idempotent.
func (e *Engine) Shutdown() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	// Let the worker catch up with the backlog before stopping it.
	deadline := time.Now().Add(e.cfg.DrainTimeout())
	for e.ring.Used() > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	close(e.stop)

	if e.fd != nil {
		// Unblocks the fault reader's pending read.
		_ = e.fd.Close()
	}

	done := make(chan error, 1)
	go func() { done <- e.grp.Wait() }()

	var err error

	select {
	case err = <-done:
	case <-time.After(e.cfg.DrainTimeout() + 5*time.Second):
		// A user callback that never returns is the only way here.
		e.log.Error("shutdown drain timed out; abandoning worker")

		err = ErrDrainTimeout
	}

	e.reg.Close()
	engineActive.Store(false)

	e.log.Info("memwatch engine stopped")

	return err
}

// Watch registers [base, base+length) for mutation tracking and returns
// the new region id. The span must stay valid until Unwatch; callers
// watching host-runtime objects must pin them (see
// [WatchOptions.MetadataRef]).
func (e *Engine) Watch(base uintptr, length int, opts WatchOptions) (uint64, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}

	r, err := e.reg.Watch(region.WatchSpec{
		Base:        base,
		Length:      length,
		AdapterID:   opts.AdapterID,
		Label:       opts.Label,
		Capture:     int(opts.Capture),
		Metadata:    opts.Metadata,
		MetadataRef: opts.MetadataRef,
		OverlapSafe: opts.OverlapSafe,
	})
	if r == nil {
		return 0, err
	}

	if err != nil {
		// Protection failed: the region is live but downgraded to
		// polling detection. Surfaced once, here.
		e.log.Warn("write protection failed; region downgraded to polling",
			zap.Uint64("region_id", r.ID),
			zap.String("label", opts.Label),
			zap.Error(err))
	}

	return r.ID, nil
}

// WatchBytes watches the memory backing buf. The slice header is the
// address extraction the language bindings normally perform; the caller
// keeps buf alive until Unwatch.
func (e *Engine) WatchBytes(buf []byte, opts WatchOptions) (uint64, error) {
	if len(buf) == 0 {
		return 0, fmt.Errorf("%w: empty buffer", ErrInvalidInput)
	}

	return e.Watch(baseOf(buf), len(buf), opts)
}

// Unwatch stops tracking a region. It returns false for unknown ids and
// waits for any in-flight event for the region to complete, so no
// callback for it runs after Unwatch returns.
func (e *Engine) Unwatch(id uint64) bool {
	found := e.reg.Unwatch(id)

	// Barrier: the worker holds procMu for the whole batch, so once we
	// acquire it any event that raced with the removal has finished.
	e.procMu.Lock()
	e.procMu.Unlock() //nolint:staticcheck // empty critical section is the barrier

	return found
}

// SetCallback installs fn as the change-event receiver. Passing nil
// removes the callback; events are still detected and counted.
func (e *Engine) SetCallback(fn Callback) {
	e.callback.Store(callbackBox{fn: fn})
}

// SetResolver registers a source-location resolver for one adapter id.
// Passing nil removes it.
func (e *Engine) SetResolver(adapterID uint32, fn Resolver) {
	e.resolverMu.Lock()
	defer e.resolverMu.Unlock()

	if fn == nil {
		delete(e.resolvers, adapterID)

		return
	}

	e.resolvers[adapterID] = fn
}

// CheckNow performs one synchronous detection sweep across every live
// region, regardless of mode, and waits for the resulting events to be
// delivered. The original polling entry point for callers that want
// deterministic checks.
func (e *Engine) CheckNow() {
	if e.closed.Load() {
		return
	}

	e.sweep(true)

	// Wait for the worker to consume what the sweep enqueued.
	deadline := time.Now().Add(time.Second)
	for e.ring.Used() > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	e.procMu.Lock()
	e.procMu.Unlock() //nolint:staticcheck // barrier: wait out the active batch
}

// Stats returns a snapshot of engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		NumTrackedRegions: e.reg.Count(),
		NumTrackedPages:   e.reg.Pages(),
		RingCapacity:      e.ring.Capacity(),
		RingUsed:          e.ring.Used(),
		DroppedEvents:     e.ring.Dropped(),
		EventsEmitted:     e.eventsEmitted.Load(),
		CallbackErrors:    e.callbackErrors.Load(),
		StoreErrors:       e.storeErrors.Load(),
		NativeMemoryBytes: e.reg.MemBytes() + int64(e.ring.Capacity())*int64(unsafe.Sizeof(ring.Record{})),
		Mode:              string(e.mode),
	}
}

// Mode returns the resolved detection mode.
func (e *Engine) Mode() Mode {
	return e.mode
}

func (e *Engine) resolverFor(adapterID uint32) Resolver {
	e.resolverMu.RLock()
	defer e.resolverMu.RUnlock()

	return e.resolvers[adapterID]
}
