// Package proposer implements the leader role of spec.md §4.3: the
// Inactive/Preparing/Prepared view-level state machine, PrepareOK quorum
// collection with highest-view vote adoption, window-bounded pipelined
// Propose, and self-accept.
//
// The three-state naming (here Inactive/Preparing/Prepared) follows the
// teacher's twophase/proposer.PBK status vocabulary
// (NOT_BEGUN/BACKING_OFF/PROPOSING/CLOSED), collapsed to the subset this
// spec's simpler leader-based model needs: there is no fast path and no
// per-instance ballot competition here, just one proposer that either owns
// the current view or doesn't.
package proposer

import (
	"sync"
	"time"

	"github.com/dziurwa/paxosrepl/acceptor"
	"github.com/dziurwa/paxosrepl/batching"
	"github.com/dziurwa/paxosrepl/batchstore"
	"github.com/dziurwa/paxosrepl/dlog"
	"github.com/dziurwa/paxosrepl/paxosproto"
	"github.com/dziurwa/paxosrepl/quorum"
	"github.com/dziurwa/paxosrepl/retransmit"
	"github.com/dziurwa/paxosrepl/storage"
)

type Status int

const (
	Inactive Status = iota
	Preparing
	Prepared
)

// outbound abstracts the transport: send one enveloped message to a single
// peer. Tests can fake it trivially; the replica wires it to the real
// transport's per-peer send.
type outbound func(dest int32, env *paxosproto.Envelope)

// RetransmitInterval is how often an outstanding Prepare is resent to a
// peer that hasn't yet replied. It is a package-level variable; the replica
// does not derive it from config.Config's RetransmitTimeout, so it keeps
// this default unless set directly (as the tests do).
var RetransmitInterval = 1000 * time.Millisecond

type inFlight struct {
	ids    []batchstore.ID // batch ids packed into this instance's value, for requeue on preemption
	accept *quorum.Tally
}

type Proposer struct {
	mu sync.Mutex

	replicaID int32
	n         int
	majority  int
	window    int

	log    *storage.Log
	acc    *acceptor.Acceptor
	stable storage.StableStorage
	batch  *batching.Manager
	send   outbound

	status Status
	view   int32

	prepareQuorum *quorum.Tally
	prepareTask   *retransmit.Task
	votes         map[int64]*storage.ConsensusInstance // highest-view vote seen per instance during current Prepare

	open map[int64]*inFlight // instances this leader has proposed but not yet seen decided

	peers []int32 // current cluster peers, for view-change reassert broadcasts

	onPrepared  []func() // one-shot continuations queued while Preparing/Inactive
	onPreempted func(higherView int32)
}

// OnPreempted registers a callback fired whenever Preempted actually demotes
// this proposer to Inactive, so the replica can forget pending client
// proxies and redirect them elsewhere.
func (p *Proposer) OnPreempted(fn func(higherView int32)) { p.onPreempted = fn }

func New(replicaID int32, n, majority, window int, log *storage.Log, acc *acceptor.Acceptor, stable storage.StableStorage, batch *batching.Manager, send outbound) *Proposer {
	return &Proposer{
		replicaID: replicaID,
		n:         n,
		majority:  majority,
		window:    window,
		log:       log,
		acc:       acc,
		stable:    stable,
		batch:     batch,
		send:      send,
		status:    Inactive,
		open:      make(map[int64]*inFlight),
	}
}

func (p *Proposer) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Proposer) View() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.view
}

// PrepareNextView starts a view change: pick the smallest view > current
// promisedView that this replica leads (spec.md §3 leaderOf(view) = view mod
// N), broadcast Prepare, and collect PrepareOK from a majority.
func (p *Proposer) PrepareNextView(peers []int32) {
	p.mu.Lock()
	if p.status == Preparing {
		p.mu.Unlock()
		return
	}
	base := p.acc.PromisedView()
	view := base + 1
	for quorum.LeaderOf(int64(view), p.n) != p.replicaID {
		view++
	}
	p.status = Preparing
	p.view = view
	p.prepareQuorum = quorum.NewTally(p.majority)
	p.votes = make(map[int64]*storage.ConsensusInstance)
	p.peers = peers
	p.mu.Unlock()

	dlog.ReplicaPrintf(p.replicaID, "preparing view %d", view)

	p.prepareQuorum.Add(p.replicaID) // leader counts its own promise
	p.prepareTask = retransmit.Start(peers, RetransmitInterval, func(dest int32) {
		p.send(dest, &paxosproto.Envelope{Type: paxosproto.TypePrepare, View: view, Body: &paxosproto.Prepare{}})
	})
}

// HandlePrepareOK folds a peer's reported undecided entries into the vote
// set, adopting the highest-view vote per instance (spec.md §4.3), and
// advances Preparing -> Prepared once a majority have replied.
func (p *Proposer) HandlePrepareOK(from int32, view int32, instances []paxosproto.WireInstance) {
	p.mu.Lock()
	if p.status != Preparing || view != p.view {
		p.mu.Unlock()
		return
	}
	for _, w := range instances {
		ci := storage.FromWire(w)
		cur, ok := p.votes[ci.ID]
		if !ok || ci.View > cur.View {
			p.votes[ci.ID] = ci
		}
	}
	crossed := p.prepareQuorum.Add(from)
	p.mu.Unlock()
	if !crossed {
		return
	}
	// becomePrepared broadcasts and may call finishDecided, which re-locks
	// p.mu; it must run with the lock already released, the same discipline
	// Propose uses for its own self-accept and broadcast below.
	p.becomePrepared()
}

type reassertedInstance struct {
	id    int64
	value []byte
	fl    *inFlight
}

// becomePrepared reasserts every instance the Prepare quorum left unresolved
// between firstUncommitted and the highest id any member reported, adopting
// the highest-view vote per instance (spec.md §4.3). Instances nobody
// reported get an explicit no-op so the log never keeps a permanent hole.
// Each reasserted instance is driven through the ordinary Propose/Accept
// path — registered in p.open with its own accept Tally, self-accepted, and
// broadcast to peers — exactly like a fresh Propose, so the rest of the
// cluster actually learns about it instead of only this replica's log.
func (p *Proposer) becomePrepared() {
	p.mu.Lock()
	if p.prepareTask != nil {
		p.prepareTask.Stop()
	}
	p.status = Prepared
	view := p.view
	peers := p.peers

	maxID := p.log.GetFirstUncommitted() - 1
	for id := range p.votes {
		if id > maxID {
			maxID = id
		}
	}

	var toPropose []reassertedInstance
	for id := p.log.GetFirstUncommitted(); id <= maxID; id++ {
		if existing, ok := p.log.GetInstance(id); ok && existing.State == storage.Decided {
			continue
		}
		value := batchstore.EncodeValue(nil)
		if ci, ok := p.votes[id]; ok {
			value = ci.Value
		}
		if err := p.log.Put(id, view, value); err != nil {
			dlog.ReplicaPrintf(p.replicaID, "view change reasserting instance %d: %v", id, err)
			continue
		}
		fl := &inFlight{accept: quorum.NewTally(p.majority)}
		p.open[id] = fl
		toPropose = append(toPropose, reassertedInstance{id: id, value: value, fl: fl})
	}

	cbs := p.onPrepared
	p.onPrepared = nil
	p.mu.Unlock()

	dlog.ReplicaPrintf(p.replicaID, "view %d prepared, reasserting %d instance(s)", view, len(toPropose))

	for _, r := range toPropose {
		if crossed := r.fl.accept.Add(p.replicaID); crossed {
			p.finishDecided(r.id, view, r.value)
		}
		for _, dest := range peers {
			p.send(dest, &paxosproto.Envelope{Type: paxosproto.TypePropose, View: view, Body: &paxosproto.Propose{ID: int32(r.id), Value: r.value}})
		}
	}

	go func() {
		for _, cb := range cbs {
			cb()
		}
	}()
}

// ExecuteOnPrepared runs cb once this replica becomes leader of a view, or
// immediately if it already is one (spec.md §4.3 "queued client batches
// must wait for a Prepared view before they can be proposed").
func (p *Proposer) ExecuteOnPrepared(cb func()) {
	p.mu.Lock()
	if p.status == Prepared {
		p.mu.Unlock()
		cb()
		return
	}
	p.onPrepared = append(p.onPrepared, cb)
	p.mu.Unlock()
}

// WindowHasRoom reports whether fewer than `window` proposed-but-undecided
// instances are outstanding (spec.md §4.3 pipelining bound).
func (p *Proposer) WindowHasRoom() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.open) < p.window
}

// Propose allocates the next instance, self-accepts, and sends Propose to
// peers (spec.md §4.3); the matching Accept broadcast is done by the caller
// (replica.tryProposeNext). ids names the batches packed into value, for
// Requeue on preemption.
func (p *Proposer) Propose(peers []int32, value []byte, ids []batchstore.ID) (int64, bool) {
	p.mu.Lock()
	if p.status != Prepared || len(p.open) >= p.window {
		p.mu.Unlock()
		return 0, false
	}
	view := p.view
	id := p.log.Append(view, value)
	fl := &inFlight{ids: ids, accept: quorum.NewTally(p.majority)}
	p.open[id] = fl
	p.mu.Unlock()

	// Self-accept: the leader's own vote counts toward the Accept quorum.
	if crossed := fl.accept.Add(p.replicaID); crossed {
		p.finishDecided(id, view, value)
	}

	for _, dest := range peers {
		p.send(dest, &paxosproto.Envelope{Type: paxosproto.TypePropose, View: view, Body: &paxosproto.Propose{ID: int32(id), Value: value}})
	}
	return id, true
}

// HandleAccept records a peer's vote for instance id at view, finishing the
// instance once a majority (including self) have voted.
func (p *Proposer) HandleAccept(from int32, view int32, id int64) {
	p.mu.Lock()
	fl, ok := p.open[id]
	if !ok || view != p.view {
		p.mu.Unlock()
		return
	}
	crossed := fl.accept.Add(from)
	p.mu.Unlock()
	if !crossed {
		return
	}
	ci, ok := p.log.GetInstance(id)
	if !ok {
		return
	}
	p.finishDecided(id, ci.View, ci.Value)
}

func (p *Proposer) finishDecided(id int64, view int32, value []byte) {
	if err := p.log.SetDecided(id, view, value); err != nil {
		dlog.ReplicaPrintf(p.replicaID, "finishing instance %d: %v", id, err)
		return
	}
	p.mu.Lock()
	delete(p.open, id)
	p.mu.Unlock()
}

// Preempted reports a higher view observed from a peer (Nack or a Propose
// at a higher view); it demotes this proposer to Inactive and requeues any
// batches it had packed into still-open instances.
func (p *Proposer) Preempted(higherView int32) {
	p.mu.Lock()
	if higherView <= p.view {
		p.mu.Unlock()
		return
	}
	dlog.ReplicaPrintf(p.replicaID, "preempted: observed view %d > our view %d", higherView, p.view)
	p.status = Inactive
	if p.prepareTask != nil {
		p.prepareTask.Stop()
	}
	var toRequeue []batchstore.ID
	for id, fl := range p.open {
		toRequeue = append(toRequeue, fl.ids...)
		delete(p.open, id)
	}
	p.mu.Unlock()
	if len(toRequeue) > 0 {
		p.batch.Requeue(toRequeue)
	}
	if p.onPreempted != nil {
		p.onPreempted(higherView)
	}
}
