// Package recovery implements spec.md §4.8's startup view recovery: a
// replica broadcasts Recovery, retransmitting until a majority answer; once
// a majority are in, if the answer from the current view's leader is
// known, recovery concludes with a catch-up to that leader's reported next
// instance id, otherwise the view is bumped and recovery restarts.
//
// Grounded directly on
// original_source/lsr/paxos/recovery/ViewSSRecovery.java's
// RecoveryAnswerListener: majority-cardinality trigger, "drop answers from
// lower views", "adopt the leader-of-view's answer once seen",
// "re-broadcast at the new view if no leader answer yet". There is no Go
// analog for this startup handshake anywhere in the retrieved pack, so the
// Go idiom (callback-driven, retransmit.Task-backed) is new, built in the
// same goroutine-plus-channel style the rest of this module uses.
package recovery

import (
	"time"

	"github.com/dziurwa/paxosrepl/dlog"
	"github.com/dziurwa/paxosrepl/paxosproto"
	"github.com/dziurwa/paxosrepl/quorum"
	"github.com/dziurwa/paxosrepl/retransmit"
)

// RetransmitInterval is how often an un-acked Recovery broadcast is resent.
// It is a package-level variable; the replica does not derive it from
// config.Config's RetransmitTimeout, so it keeps this default unless set
// directly (as the tests do).
var RetransmitInterval = 1000 * time.Millisecond

// Sender dispatches a Recovery message to dest at the given view.
type Sender func(dest int32, view int32)

// OnFinished is called once recovery concludes, with the next instance id
// to catch up to before normal operation resumes.
type OnFinished func(nextID int64)

type Manager struct {
	replicaID int32
	n         int
	majority  int
	send      Sender
	onDone    OnFinished

	view           int32
	received       map[int32]struct{}
	task           *retransmit.Task
	leaderAnswer   *paxosproto.RecoveryAnswer
	finished       bool
}

func New(replicaID int32, n, majority int, send Sender, onDone OnFinished) *Manager {
	return &Manager{replicaID: replicaID, n: n, majority: majority, send: send, onDone: onDone}
}

// Start broadcasts Recovery at startingView to every peer and begins
// collecting RecoveryAnswers. Skipped entirely by the caller when
// startingView==0 (spec.md §4.8 "a fresh replica ... skips recovery").
func (m *Manager) Start(peers []int32, startingView int32) {
	m.view = startingView
	m.received = make(map[int32]struct{})
	m.leaderAnswer = nil
	dlog.ReplicaPrintf(m.replicaID, "recovery: broadcasting Recovery at view %d", m.view)
	m.task = retransmit.Start(peers, RetransmitInterval, func(dest int32) {
		m.send(dest, m.view)
	})
}

// CurrentView reports the view this manager is currently collecting
// RecoveryAnswers for, so the caller can re-Start after an onDone(-1)
// restart signal.
func (m *Manager) CurrentView() int32 { return m.view }

// HandleAnswer processes one RecoveryAnswer. Answers naming a view lower
// than the one we're currently recovering at are dropped.
func (m *Manager) HandleAnswer(from int32, answer *paxosproto.RecoveryAnswer) {
	if m.finished || answer.View < m.view {
		return
	}
	if m.task != nil {
		m.task.Ack(from)
	}
	m.received[from] = struct{}{}

	if answer.View > m.view {
		m.view = answer.View
		m.leaderAnswer = nil
	}
	if quorum.LeaderOf(int64(m.view), m.n) == from {
		ans := *answer
		m.leaderAnswer = &ans
	}

	if len(m.received) < m.majority {
		return
	}
	m.onMajority()
}

func (m *Manager) onMajority() {
	if m.task != nil {
		m.task.Stop()
		m.task = nil
	}
	if m.leaderAnswer == nil {
		dlog.ReplicaPrintf(m.replicaID, "recovery: majority reached at view %d but no leader answer yet, re-broadcasting", m.view)
		m.view++
		m.received = make(map[int32]struct{})
		// Caller re-invokes Start via the dispatcher with the new view and
		// the same peer set; recovery itself doesn't know the peer list
		// once started, so it signals restart through onDone with a
		// negative id the replica interprets as "bump and retry".
		m.onDone(-1)
		return
	}
	m.finished = true
	dlog.ReplicaPrintf(m.replicaID, "recovery: finished, catching up to instance %d", m.leaderAnswer.NextID)
	m.onDone(m.leaderAnswer.NextID)
}

// HandleRecoveryRequest builds the answer to a peer's Recovery broadcast —
// the counterpart of JPaxos's ViewRecoveryRequestHandler: this replica's
// current view and the log's next-to-allocate instance id. It applies no
// condition of its own; the replica answers every Recovery it receives.
func HandleRecoveryRequest(currentView int32, nextID int64) *paxosproto.RecoveryAnswer {
	return &paxosproto.RecoveryAnswer{View: currentView, NextID: nextID}
}
