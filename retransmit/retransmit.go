// Package retransmit implements the ActiveRetransmitter spec.md §4.3/§4.6/
// §4.8 share across Proposer (Prepare retries), CatchUp (query
// resends) and Recovery (Recovery broadcast retries): a per-message retry
// task that keeps resending to a set of destinations until each acks or the
// task is stopped.
//
// There is no retransmission helper in the retrieved Go corpus (the teacher
// re-derives ad hoc timer/channel retry loops inline wherever EPaxos needs
// one); this package is grounded instead on
// original_source/lsr/paxos/recovery/ViewSSRecovery.java's retransmission of
// its Recovery message on a fixed period until every peer has answered,
// generalized into one reusable Go type so Proposer/CatchUp/Recovery share
// it rather than each re-deriving a timer loop.
package retransmit

import (
	"sync"
	"time"
)

// Sender dispatches one retransmission attempt to dest.
type Sender func(dest int32)

// Task retries Sender against every destination in dests on interval until
// Ack is called for each (or Stop ends it early).
type Task struct {
	mu       sync.Mutex
	pending  map[int32]struct{}
	send     Sender
	interval time.Duration
	timer    *time.Timer
	done     chan struct{}
	stopped  bool
}

// Start begins a retransmission task: send is invoked once immediately for
// every destination in dests, then again every interval for whichever
// destinations have not yet been acked.
func Start(dests []int32, interval time.Duration, send Sender) *Task {
	t := &Task{
		pending:  make(map[int32]struct{}, len(dests)),
		send:     send,
		interval: interval,
		done:     make(chan struct{}),
	}
	for _, d := range dests {
		t.pending[d] = struct{}{}
	}
	t.fire()
	t.timer = time.AfterFunc(interval, t.onTimer)
	return t
}

func (t *Task) fire() {
	t.mu.Lock()
	dests := make([]int32, 0, len(t.pending))
	for d := range t.pending {
		dests = append(dests, d)
	}
	t.mu.Unlock()
	for _, d := range dests {
		t.send(d)
	}
}

func (t *Task) onTimer() {
	t.mu.Lock()
	if t.stopped || len(t.pending) == 0 {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	t.fire()
	t.mu.Lock()
	if !t.stopped {
		t.timer.Reset(t.interval)
	}
	t.mu.Unlock()
}

// Ack records dest as having replied, excluding it from future retries.
// Once every destination has acked the task stops itself.
func (t *Task) Ack(dest int32) {
	t.mu.Lock()
	delete(t.pending, dest)
	empty := len(t.pending) == 0
	t.mu.Unlock()
	if empty {
		t.Stop()
	}
}

// StopDest excludes a single destination without acking the rest; it
// behaves exactly like Ack(dest).
func (t *Task) StopDest(dest int32) { t.Ack(dest) }

// Stop cancels the task outright.
func (t *Task) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.mu.Unlock()
	t.timer.Stop()
	close(t.done)
}

// Done reports whether the task has been stopped (all-acked or canceled).
func (t *Task) Done() <-chan struct{} { return t.done }
