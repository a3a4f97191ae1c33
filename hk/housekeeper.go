// Package hk provides a mechanism for registering periodic cleanup
// functions invoked at their own, independently adjustable intervals
// (deadline sweeps, orphaned shm segment reclaim).
package hk

import (
	"container/heap"
	"sync"
	"time"

	"github.com/inc-run/inc/cmn/debug"
	"github.com/inc-run/inc/cmn/nlog"
)

// Func runs one housekeeping pass and returns the delay until its next
// run; returning <= 0 unregisters it.
type Func func() time.Duration

const dfltTick = 500 * time.Millisecond

type job struct {
	name  string
	f     Func
	due   time.Time
	index int
}

type jobHeap []*job

func (h jobHeap) Len() int            { return len(h) }
func (h jobHeap) Less(i, j int) bool  { return h[i].due.Before(h[j].due) }
func (h jobHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *jobHeap) Push(x any)         { j := x.(*job); j.index = len(*h); *h = append(*h, j) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return j
}

type ctrl struct {
	j      *job
	remove string
}

// Housekeeper owns a ticking goroutine that runs each registered job
// no earlier than its due time.
type Housekeeper struct {
	mu      sync.Mutex
	byName  map[string]*job
	heap    jobHeap
	ctrlCh  chan ctrl
	stopCh  chan struct{}
	started chan struct{}
	once    sync.Once
}

// Default is the process-wide housekeeper started by cmd/incd.
var Default = New()

func New() *Housekeeper {
	return &Housekeeper{
		byName:  make(map[string]*job),
		ctrlCh:  make(chan ctrl, 16),
		stopCh:  make(chan struct{}),
		started: make(chan struct{}),
	}
}

// Reg schedules f to run after the given initial delay, then again
// after whatever delay f itself returns.
func (h *Housekeeper) Reg(name string, f Func, initial time.Duration) {
	j := &job{name: name, f: f, due: time.Now().Add(initial)}
	h.ctrlCh <- ctrl{j: j}
}

// Unreg cancels a previously registered job by name; a no-op if it
// already unregistered itself.
func (h *Housekeeper) Unreg(name string) {
	h.ctrlCh <- ctrl{remove: name}
}

// Run drives the ticking loop; call it in its own goroutine. It
// returns when Stop is called.
func (h *Housekeeper) Run() {
	t := time.NewTicker(dfltTick)
	defer t.Stop()
	h.once.Do(func() { close(h.started) })
	for {
		select {
		case <-t.C:
			h.fire()
		case c, ok := <-h.ctrlCh:
			if !ok {
				return
			}
			h.mu.Lock()
			if c.remove != "" {
				if j, ok := h.byName[c.remove]; ok {
					heap.Remove(&h.heap, j.index)
					delete(h.byName, c.remove)
				}
			} else {
				debug.Assert(h.byName[c.j.name] == nil, "duplicate hk registration: "+c.j.name)
				h.byName[c.j.name] = c.j
				heap.Push(&h.heap, c.j)
			}
			h.mu.Unlock()
		case <-h.stopCh:
			return
		}
	}
}

func (h *Housekeeper) fire() {
	now := time.Now()
	h.mu.Lock()
	var due []*job
	for len(h.heap) > 0 && !h.heap[0].due.After(now) {
		j := heap.Pop(&h.heap).(*job)
		due = append(due, j)
	}
	h.mu.Unlock()

	for _, j := range due {
		next := j.f()
		if next <= 0 {
			h.mu.Lock()
			delete(h.byName, j.name)
			h.mu.Unlock()
			continue
		}
		j.due = time.Now().Add(next)
		h.mu.Lock()
		heap.Push(&h.heap, j)
		h.mu.Unlock()
	}
}

// WaitStarted blocks until Run's ticker goroutine is live, for tests.
func (h *Housekeeper) WaitStarted() { <-h.started }

// Stop terminates the Run loop.
func (h *Housekeeper) Stop() {
	nlog.Infof("hk: stopping")
	close(h.stopCh)
}
