// Package scheduler runs delayed continuations from a single min-heap of
// wake-ups serviced by one loop goroutine.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

type task struct {
	at    time.Time
	seq   uint64
	fn    func()
	index int
}

type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *taskHeap) Push(x any) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Heap schedules callbacks at wall-clock times. Due callbacks run on their
// own goroutine so a slow callback never delays other wake-ups.
type Heap struct {
	mu    sync.Mutex
	tasks taskHeap
	seq   uint64
	wake  chan struct{}
	wg    sync.WaitGroup

	Now func() time.Time
}

func New() *Heap {
	return &Heap{wake: make(chan struct{}, 1), Now: time.Now}
}

// Schedule registers fn to run at `at`. The returned func cancels it and
// reports whether the callback was still pending.
func (h *Heap) Schedule(at time.Time, fn func()) func() bool {
	h.mu.Lock()
	h.seq++
	t := &task{at: at, seq: h.seq, fn: fn}
	heap.Push(&h.tasks, t)
	top := h.tasks[0] == t
	h.mu.Unlock()

	if top {
		h.notify()
	}
	return func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		if t.index < 0 {
			return false
		}
		heap.Remove(&h.tasks, t.index)
		return true
	}
}

func (h *Heap) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.tasks)
}

func (h *Heap) notify() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// Run services the heap until ctx is cancelled, then waits for callbacks
// already started.
func (h *Heap) Run(ctx context.Context) error {
	defer h.wg.Wait()
	for {
		h.mu.Lock()
		now := h.Now()
		var due []*task
		for len(h.tasks) > 0 && !h.tasks[0].at.After(now) {
			due = append(due, heap.Pop(&h.tasks).(*task))
		}
		wait := time.Duration(-1)
		if len(h.tasks) > 0 {
			wait = h.tasks[0].at.Sub(now)
		}
		h.mu.Unlock()

		for _, t := range due {
			h.wg.Add(1)
			go func(fn func()) {
				defer h.wg.Done()
				fn()
			}(t.fn)
		}

		var timerC <-chan time.Time
		var timer *time.Timer
		if wait >= 0 {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case <-h.wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}
