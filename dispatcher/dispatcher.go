// Package dispatcher implements spec.md §5's single-threaded consensus
// dispatcher: one goroutine draining a priority queue of tasks, giving
// Log/Acceptor/Proposer/CatchUp/SnapshotMaintainer/Recovery the
// single-writer affinity the protocol assumes. Tasks can be scheduled for
// immediate execution or after a delay, and a delayed task can be canceled
// before it fires (spec.md §4.6's "resend timeout must be cancelable if a
// response arrives first").
//
// Unlike storage/batchstore, this does not reuse gods: the teacher's own
// go.mod has no ordered-queue dependency for this, and a priority queue of
// (fireAt, task) pairs is exactly what container/heap is for — pulling in
// an external container here would just be a second, redundant way of doing
// what the standard library already expresses directly.
package dispatcher

import (
	"container/heap"
	"sync"
	"time"
)

// Task is a unit of work run exclusively on the dispatcher goroutine.
type Task func()

// Handle cancels a scheduled task if it has not yet fired.
type Handle struct {
	item *item
	d    *Dispatcher
}

func (h Handle) Cancel() {
	h.d.cancel(h.item)
}

type item struct {
	fireAt   time.Time
	task     Task
	canceled bool
	index    int
}

type taskHeap []*item

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].fireAt.Before(h[j].fireAt) }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *taskHeap) Push(x interface{}) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Dispatcher runs Tasks one at a time, in fireAt order, on its own
// goroutine.
type Dispatcher struct {
	mu       sync.Mutex
	heap     taskHeap
	wake     chan struct{}
	stop     chan struct{}
	stopped  bool
	immediate chan Task
}

func New() *Dispatcher {
	d := &Dispatcher{
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		immediate: make(chan Task, 256),
	}
	go d.run()
	return d
}

// Post schedules task to run as soon as the dispatcher is free, after
// whatever is already queued.
func (d *Dispatcher) Post(task Task) {
	select {
	case d.immediate <- task:
	case <-d.stop:
	}
}

// PostAfter schedules task to run after delay, returning a Handle that can
// cancel it.
func (d *Dispatcher) PostAfter(delay time.Duration, task Task) Handle {
	d.mu.Lock()
	it := &item{fireAt: time.Now().Add(delay), task: task}
	heap.Push(&d.heap, it)
	d.mu.Unlock()
	d.nudge()
	return Handle{item: it, d: d}
}

func (d *Dispatcher) cancel(it *item) {
	d.mu.Lock()
	it.canceled = true
	d.mu.Unlock()
}

func (d *Dispatcher) nudge() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()
	close(d.stop)
}

func (d *Dispatcher) run() {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	for {
		d.mu.Lock()
		for d.heap.Len() > 0 && d.heap[0].canceled {
			heap.Pop(&d.heap)
		}
		var wait <-chan time.Time
		if d.heap.Len() > 0 {
			timer.Reset(time.Until(d.heap[0].fireAt))
			wait = timer.C
		}
		d.mu.Unlock()

		select {
		case <-d.stop:
			return
		case task := <-d.immediate:
			task()
		case <-d.wake:
		case <-wait:
			d.mu.Lock()
			var due []Task
			now := time.Now()
			for d.heap.Len() > 0 && !d.heap[0].fireAt.After(now) {
				it := heap.Pop(&d.heap).(*item)
				if !it.canceled {
					due = append(due, it.task)
				}
			}
			d.mu.Unlock()
			for _, t := range due {
				t()
			}
		}
		if wait != nil && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
}
