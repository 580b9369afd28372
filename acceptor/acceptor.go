// Package acceptor implements the follower role of spec.md §4.2: Promise
// and Accept handling over the shared Log, plus a per-instance Accept
// quorum that marks an instance DECIDED once a majority have voted.
//
// Acceptor is dispatcher-exclusive (spec.md §5): every method here runs on
// the consensus dispatcher goroutine, the same affinity the teacher's
// acceptor.standard type assumes by construction (it is only ever driven
// from twophase/replica.go's single select loop).
package acceptor

import (
	"fmt"

	"github.com/dziurwa/paxosrepl/dlog"
	"github.com/dziurwa/paxosrepl/quorum"
	"github.com/dziurwa/paxosrepl/storage"
)

// DecisionObserver is notified once per instance, exactly when it first
// transitions to DECIDED, so the replica-apply dispatcher can schedule
// delivery (spec.md §5 "ordering guarantees").
type DecisionObserver func(id int64, view int32, value []byte)

type Acceptor struct {
	replicaID int32
	majority  int
	log       *storage.Log
	stable    storage.StableStorage

	promisedView int32
	accepts      map[int64]*quorum.Tally

	onDecided DecisionObserver
}

func New(replicaID int32, majority int, log *storage.Log, stable storage.StableStorage) (*Acceptor, error) {
	view, err := stable.LoadView()
	if err != nil {
		return nil, fmt.Errorf("acceptor: load persisted view: %w", err)
	}
	return &Acceptor{
		replicaID:    replicaID,
		majority:     majority,
		log:          log,
		stable:       stable,
		promisedView: view,
		accepts:      make(map[int64]*quorum.Tally),
	}, nil
}

func (a *Acceptor) OnDecided(obs DecisionObserver) { a.onDecided = obs }

func (a *Acceptor) PromisedView() int32 { return a.promisedView }

// PrepareResult is what the caller (the message-dispatch glue) needs to
// build a reply: either PrepareOK with the acceptor's undecided entries, or
// a Nack naming the higher promised view.
type PrepareResult struct {
	OK              bool
	View            int32
	UndecidedEntries []*storage.ConsensusInstance
}

// HandlePrepare implements spec.md §4.2's Prepare rule.
func (a *Acceptor) HandlePrepare(view int32) (PrepareResult, error) {
	if view < a.promisedView {
		return PrepareResult{OK: false, View: a.promisedView}, nil
	}
	if view > a.promisedView {
		if err := a.stable.PersistView(view); err != nil {
			return PrepareResult{}, fmt.Errorf("acceptor: persist view: %w", err)
		}
		a.promisedView = view
	}
	return PrepareResult{OK: true, View: a.promisedView, UndecidedEntries: a.undecidedEntries()}, nil
}

func (a *Acceptor) undecidedEntries() []*storage.ConsensusInstance {
	var out []*storage.ConsensusInstance
	for _, id := range a.log.UndecidedIDs() {
		if ci, ok := a.log.GetInstance(id); ok && ci.State != storage.Unknown {
			out = append(out, ci)
		}
	}
	return out
}

// ProposeResult tells the caller whether to send an Accept back, and at
// which view (a Propose at a higher view also raises promisedView, per
// spec.md §4.2).
type ProposeResult struct {
	Accepted bool
	View     int32
}

// HandlePropose implements spec.md §4.2's Propose rule.
func (a *Acceptor) HandlePropose(view int32, id int64, value []byte) (ProposeResult, error) {
	if view < a.promisedView {
		return ProposeResult{Accepted: false}, nil
	}
	if view > a.promisedView {
		if err := a.stable.PersistView(view); err != nil {
			return ProposeResult{}, fmt.Errorf("acceptor: persist view: %w", err)
		}
		a.promisedView = view
	}
	if err := a.log.Put(id, view, value); err != nil {
		return ProposeResult{}, err
	}
	return ProposeResult{Accepted: true, View: view}, nil
}

// HandleAccept implements spec.md §4.2's Accept rule: credit the instance,
// and once a majority have accepted, mark it DECIDED and notify the
// observer exactly once.
func (a *Acceptor) HandleAccept(view int32, id int64, senderID int32) error {
	ci, ok := a.log.GetInstance(id)
	if !ok || ci.State == storage.Unknown {
		// An Accept for an instance we never saw a Propose for: the
		// sender is ahead of us (or we missed the Propose). Ignore; catch-up
		// will eventually fill the gap.
		dlog.ReplicaPrintf(a.replicaID, "accept for unknown instance %d from %d, ignoring", id, senderID)
		return nil
	}
	if ci.View != view {
		// Stale accept from an earlier or later view than our current
		// record; spec.md §7 StaleMessage — silently dropped.
		return nil
	}

	tally, ok := a.accepts[id]
	if !ok {
		tally = quorum.NewTally(a.majority)
		a.accepts[id] = tally
	}
	crossed := tally.Add(senderID)
	if !crossed {
		return nil
	}

	if err := a.log.SetDecided(id, ci.View, ci.Value); err != nil {
		return err
	}
	delete(a.accepts, id)
	if a.onDecided != nil {
		a.onDecided(id, ci.View, ci.Value)
	}
	return nil
}
