package memwatch

import (
	"errors"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/calvinalkan/memwatch/internal/region"
	"github.com/calvinalkan/memwatch/internal/ring"
	"github.com/calvinalkan/memwatch/internal/uffd"
)

// faultLoop is the fault-mode detector: it reads pagefault messages from
// the userfaultfd descriptor, records them, and opens the writable
// window so the parked writer resumes.
//
// This path must never block on the registry lock and never allocate per
// fault: the page lookup is lock-free and records are enqueued by value.
func (e *Engine) faultLoop() error {
	for {
		msg, err := e.fd.ReadMsg()
		if err != nil {
			select {
			case <-e.stop:
				return nil
			default:
			}

			if errors.Is(err, os.ErrClosed) || errors.Is(err, io.EOF) {
				return nil
			}

			e.log.Error("fault reader failed", zap.Error(err))

			return err
		}

		e.handleFault(msg)
	}
}

func (e *Engine) handleFault(msg uffd.Msg) {
	addr := uintptr(msg.Address)
	pageBase := addr &^ (e.pageSize - 1)

	slot := e.reg.Slot(pageBase)
	if slot == nil {
		// Only registered ranges produce messages, so this is an
		// unwatch racing the fault. Disarm so the writer resumes; if
		// the page was already unregistered the kernel woke it and the
		// ioctl's failure is harmless.
		_ = e.prot.Unprotect(pageBase)

		return
	}

	rec := ring.Record{
		PageBase:  pageBase,
		FaultAddr: addr,
		FaultIP:   0, // not delivered by userfaultfd
		TimeNS:    time.Now().UnixNano(),
		ThreadID:  msg.ThreadID,
	}

	for _, id := range slot.Regions() {
		if rec.NumCandidates == ring.MaxCandidates {
			break
		}

		rec.Candidates[rec.NumCandidates] = id
		rec.NumCandidates++
	}

	// Full ring: the drop is counted inside; the window still opens so
	// the writer is never wedged.
	e.ring.TryEnqueue(rec)

	slot.SetState(region.StateWindowOpen)

	unprotErr := e.prot.Unprotect(pageBase)
	if unprotErr != nil {
		e.log.Error("window open failed; writer may be parked",
			zap.Uintptr("page_base", pageBase),
			zap.Error(unprotErr))
	}
}

// pollLoop is the polling detector. In polling mode it is the sole
// change source; in fault mode it covers only regions downgraded after
// a failed protection change.
func (e *Engine) pollLoop() error {
	ticker := time.NewTicker(e.cfg.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return nil
		case <-ticker.C:
			e.sweep(false)
		}
	}
}

// sweep hashes live regions and enqueues a synthetic fault record for
// each changed one. With all set, every region is scanned regardless of
// mode (CheckNow); otherwise fault mode scans only poll-downgraded
// regions.
func (e *Engine) sweep(all bool) {
	now := time.Now().UnixNano()

	for _, r := range e.reg.All() {
		if r.Dead() {
			continue
		}

		if !all && e.mode == ModeFault && !r.PollOnly {
			continue
		}

		if region.HashBytes(r.Bytes()) == r.ContentHash() {
			continue
		}

		rec := ring.Record{
			PageBase:      r.Base &^ (e.pageSize - 1),
			FaultAddr:     r.Base,
			TimeNS:        now,
			NumCandidates: 1,
			Synthetic:     true,
		}
		rec.Candidates[0] = r.ID

		e.ring.TryEnqueue(rec)
	}
}
