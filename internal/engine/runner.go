package engine

import (
	"sync"
	"time"

	"outreach/internal/domain"
)

// runner is the control state of one campaign. mu serializes loop steps with
// control operations and is held across a send, so an operation that takes
// it observes no attempt in flight. pmu guards only the progress counters so
// reads never wait on a send.
type runner struct {
	id string

	mu sync.Mutex
	// gen is bumped whenever pending continuations must die; a continuation
	// only runs if the generation it captured is still current.
	gen        uint64
	cancelNext func() bool
	retries    map[int]*retryTimer
	// idle: running, nothing pending, waiting on automatic retries.
	idle             bool
	lastBatchPauseAt int

	pmu  sync.Mutex
	prog domain.Progress
}

type retryTimer struct {
	at     time.Time
	cancel func() bool
}

func newRunner(id string) *runner {
	return &runner{id: id, retries: make(map[int]*retryTimer)}
}

// invalidate kills the pending continuation, if any, and reports whether
// there was one.
func (r *runner) invalidate() bool {
	r.gen++
	had := r.cancelNext != nil
	if had {
		r.cancelNext()
		r.cancelNext = nil
	}
	return had
}

// cancelRetries drops scheduled automatic retries for the given ledger
// indexes, or all of them when idxs is nil.
func (r *runner) cancelRetries(idxs []int) {
	if idxs == nil {
		for idx, t := range r.retries {
			t.cancel()
			delete(r.retries, idx)
		}
		return
	}
	for _, idx := range idxs {
		if t, ok := r.retries[idx]; ok {
			t.cancel()
			delete(r.retries, idx)
		}
	}
}

// begin resets the ephemeral progress for a fresh run.
func (r *runner) begin() {
	r.idle = false
	r.lastBatchPauseAt = 0
	r.pmu.Lock()
	r.prog = domain.Progress{Active: true}
	r.pmu.Unlock()
}

func (r *runner) finish() {
	r.idle = false
	r.pmu.Lock()
	r.prog = domain.Progress{}
	r.pmu.Unlock()
}

func (r *runner) setPause(reason string, until *time.Time) {
	r.pmu.Lock()
	r.prog.PauseReason = reason
	r.prog.PauseUntil = until
	if reason != "" {
		r.prog.NextSendAt = nil
	}
	r.pmu.Unlock()
}

func (r *runner) record(success bool) {
	r.pmu.Lock()
	defer r.pmu.Unlock()
	r.prog.Processed++
	if success {
		r.prog.Succeeded++
	} else {
		r.prog.Failed++
	}
}

func (r *runner) setNext(at *time.Time) {
	r.pmu.Lock()
	r.prog.NextSendAt = at
	r.pmu.Unlock()
}

func (r *runner) active() bool {
	r.pmu.Lock()
	defer r.pmu.Unlock()
	return r.prog.Active
}

func (r *runner) processed() int {
	r.pmu.Lock()
	defer r.pmu.Unlock()
	return r.prog.Processed
}

func (r *runner) snapshot() domain.Progress {
	r.pmu.Lock()
	defer r.pmu.Unlock()
	return r.prog
}
