package proposer

import (
	"testing"
	"time"

	"github.com/dziurwa/paxosrepl/acceptor"
	"github.com/dziurwa/paxosrepl/batching"
	"github.com/dziurwa/paxosrepl/batchstore"
	"github.com/dziurwa/paxosrepl/paxosproto"
	"github.com/dziurwa/paxosrepl/storage"
)

// fakeSent records every envelope sent, keyed by destination.
type fakeSent struct {
	envs []sentEnv
}

type sentEnv struct {
	dest int32
	env  *paxosproto.Envelope
}

func (f *fakeSent) send(dest int32, env *paxosproto.Envelope) {
	f.envs = append(f.envs, sentEnv{dest, env})
}

func newTestProposer(t *testing.T, replicaID int32, n, majority, window int) (*Proposer, *fakeSent, *storage.Log) {
	t.Helper()
	RetransmitInterval = time.Hour // tests drive the protocol manually, never via retry
	log := storage.NewLog()
	acc, err := acceptor.New(replicaID, majority, log, storage.NewMemoryStableStorage())
	if err != nil {
		t.Fatalf("acceptor.New: %v", err)
	}
	batchMgr := batching.NewManager(batchstore.New(), 64)
	sent := &fakeSent{}
	p := New(replicaID, n, majority, window, log, acc, storage.NewMemoryStableStorage(), batchMgr, sent.send)
	return p, sent, log
}

func TestPrepareNextViewPicksOwnedView(t *testing.T) {
	p, sent, _ := newTestProposer(t, 1, 3, 2, 2)
	p.PrepareNextView([]int32{0, 2})

	if p.Status() != Preparing {
		t.Fatalf("Status() = %v, want Preparing", p.Status())
	}
	if p.View() != 1 {
		t.Fatalf("View() = %d, want 1 (leaderOf(1,3) == replica 1)", p.View())
	}
	if len(sent.envs) != 2 {
		t.Fatalf("expected a Prepare broadcast to both peers, got %d sends", len(sent.envs))
	}
}

func TestHandlePrepareOKReachesPrepared(t *testing.T) {
	p, _, _ := newTestProposer(t, 1, 3, 2, 2)
	p.PrepareNextView([]int32{0, 2})
	view := p.View()

	p.HandlePrepareOK(0, view, nil)
	if p.Status() != Prepared {
		t.Fatalf("a single PrepareOK should already satisfy majority 2 (leader + 1 peer)")
	}
}

func TestHandlePrepareOKIgnoresStaleView(t *testing.T) {
	p, _, _ := newTestProposer(t, 1, 3, 2, 2)
	p.PrepareNextView([]int32{0, 2})
	view := p.View()

	p.HandlePrepareOK(0, view-1, nil)
	if p.Status() == Prepared {
		t.Fatal("a PrepareOK at a stale view must not advance status")
	}
}

func TestProposeFailsWhenNotPrepared(t *testing.T) {
	p, _, _ := newTestProposer(t, 1, 3, 2, 2)
	if _, ok := p.Propose([]int32{0, 2}, []byte("v"), nil); ok {
		t.Fatal("Propose must fail before the proposer is Prepared")
	}
}

func TestProposeAndHandleAcceptDecides(t *testing.T) {
	p, sent, log := newTestProposer(t, 1, 3, 2, 2)
	p.PrepareNextView([]int32{0, 2})
	p.HandlePrepareOK(0, p.View(), nil)
	if p.Status() != Prepared {
		t.Fatal("setup: expected Prepared")
	}

	id, ok := p.Propose([]int32{0, 2}, []byte("hello"), nil)
	if !ok {
		t.Fatal("Propose should succeed once Prepared")
	}
	if len(sent.envs) == 0 {
		t.Fatal("Propose should broadcast to peers")
	}

	// Leader's own self-accept inside Propose only counts once; a second
	// distinct peer vote should cross majority 2.
	p.HandleAccept(2, p.View(), id)

	ci, ok := log.GetInstance(id)
	if !ok || ci.State != storage.Decided {
		t.Fatalf("instance %d should be decided after majority, got %+v", id, ci)
	}
}

func TestWindowHasRoomRespectsWindowSize(t *testing.T) {
	p, _, _ := newTestProposer(t, 1, 3, 2, 1)
	p.PrepareNextView([]int32{0, 2})
	p.HandlePrepareOK(0, p.View(), nil)

	if !p.WindowHasRoom() {
		t.Fatal("window should have room before any Propose")
	}
	if _, ok := p.Propose([]int32{0, 2}, []byte("v1"), nil); !ok {
		t.Fatal("first Propose should succeed")
	}
	if p.WindowHasRoom() {
		t.Fatal("window of size 1 should be full after one open instance")
	}
	if _, ok := p.Propose([]int32{0, 2}, []byte("v2"), nil); ok {
		t.Fatal("Propose should refuse once the window is full")
	}
}

func TestPreemptedDemotesToInactiveAndFiresHook(t *testing.T) {
	p, _, _ := newTestProposer(t, 1, 3, 2, 2)
	p.PrepareNextView([]int32{0, 2})
	p.HandlePrepareOK(0, p.View(), nil)

	var gotView int32 = -1
	p.OnPreempted(func(higherView int32) { gotView = higherView })

	target := p.View() + 5
	p.Preempted(target)
	if p.Status() != Inactive {
		t.Fatalf("Status() = %v, want Inactive after preemption", p.Status())
	}
	if gotView != target {
		t.Fatalf("OnPreempted fired with view %d, want %d", gotView, target)
	}
}

// TestBecomePreparedReassertsAdoptedVotesAndNoOpFillsGaps exercises spec.md
// §4.3's view-change value-recovery end to end: an adopted vote for a
// far-ahead instance must be both adopted into our own log AND broadcast as
// a real Propose so peers can form an Accept quorum (scenario S4), and every
// gap instance nobody reported must get an explicit no-op so the log never
// keeps a permanent hole.
func TestBecomePreparedReassertsAdoptedVotesAndNoOpFillsGaps(t *testing.T) {
	p, sent, log := newTestProposer(t, 1, 3, 2, 8)
	p.PrepareNextView([]int32{0, 2})

	wire := paxosproto.WireInstance{ID: 5, View: 0, State: paxosproto.InstanceState(storage.Known), Value: []byte("adopted")}
	p.HandlePrepareOK(0, p.View(), []paxosproto.WireInstance{wire})

	if p.Status() != Prepared {
		t.Fatal("setup: expected Prepared")
	}

	ci, ok := log.GetInstance(5)
	if !ok || ci.View != p.View() || string(ci.Value) != "adopted" {
		t.Fatalf("instance 5 = %+v, want adopted value at view %d", ci, p.View())
	}

	for id := int64(0); id < 5; id++ {
		gap, ok := log.GetInstance(id)
		if !ok || !batchstore.IsNoop(gap.Value) {
			t.Fatalf("gap instance %d = %+v, want a no-op fill", id, gap)
		}
	}

	proposed := map[int64]bool{}
	for _, s := range sent.envs {
		if pr, ok := s.env.Body.(*paxosproto.Propose); ok {
			proposed[int64(pr.ID)] = true
		}
	}
	for id := int64(0); id <= 5; id++ {
		if !proposed[id] {
			t.Fatalf("instance %d was never broadcast as a Propose, so no peer can ever form an Accept quorum for it", id)
		}
	}

	// id 5 finishes deciding once a second Accept (the leader already
	// self-accepted) arrives from a peer.
	p.HandleAccept(2, p.View(), 5)
	ci, _ = log.GetInstance(5)
	if ci.State != storage.Decided {
		t.Fatalf("instance 5 should be decided after majority, got %+v", ci)
	}
}

func TestPreemptedIgnoresLowerOrEqualView(t *testing.T) {
	p, _, _ := newTestProposer(t, 1, 3, 2, 2)
	p.PrepareNextView([]int32{0, 2})
	p.HandlePrepareOK(0, p.View(), nil)

	p.Preempted(p.View())
	if p.Status() != Prepared {
		t.Fatal("Preempted at the current view must be a no-op")
	}
}
