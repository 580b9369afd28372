// Package catchup implements spec.md §4.6's CatchUp: Normal and Snapshot
// modes, a per-peer rating vector driving peer selection, and an
// EWMA-adapted resend timeout for outstanding queries.
//
// Ratings and the adaptive timeout are grounded on spec.md §4.6 directly;
// the resend-timeout EWMA reuses mathextra.EwmaAdd exactly as the teacher's
// own adaptive-threshold code does, and outstanding-query retry uses the
// shared retransmit.Task rather than a bespoke timer loop.
package catchup

import (
	"time"

	"github.com/dziurwa/paxosrepl/dlog"
	"github.com/dziurwa/paxosrepl/mathextra"
	"github.com/dziurwa/paxosrepl/paxosproto"
	"github.com/dziurwa/paxosrepl/retransmit"
	"github.com/dziurwa/paxosrepl/storage"
)

const (
	ewmaWeight          = 0.2 // spec.md §4.6 alpha
	ratingOnTimeout     = -1.0
	ratingPenaltyEmpty  = 5.0 // empty + non-periodic: R = max(0, R-5)
	ratingBonusFragment = 2.0 // non-empty: R += 2*|fragment|
	ratingBonusSnapshot = 5.0
	defaultTimeout      = 500 * time.Millisecond
	minResendTimeout    = 50 * time.Millisecond // CATCHUP_MIN_RESEND_TIMEOUT
	gapRangeThreshold   = 64                    // beyond this many missing ids, send a range instead of an id list
)

// Sender dispatches one enveloped message to dest.
type Sender func(dest int32, env *paxosproto.Envelope)

// RestoreSnapshot installs a received snapshot into the replica's log and
// state machine.
type RestoreSnapshot func(snapshotBytes []byte)

// Mode is the two catch-up modes of spec.md §4.6.
type Mode int

const (
	ModeNormal Mode = iota
	ModeSnapshot
)

func (mo Mode) String() string {
	if mo == ModeSnapshot {
		return "snapshot"
	}
	return "normal"
}

type Manager struct {
	replicaID int32
	n         int
	log       *storage.Log
	stable    storage.StableStorage
	send      Sender
	restore   RestoreSnapshot

	ratings  []float64
	timeouts []float64 // per-peer EWMA resend timeout estimate, milliseconds

	mode                     Mode
	preferredSnapshotReplica int32 // valid only while mode == ModeSnapshot
	askLeaderNext            bool  // set when a peer told us it has nothing

	outstanding *retransmit.Task
	requestTime int64
	peer        int32
}

func New(replicaID int32, n int, log *storage.Log, stable storage.StableStorage, send Sender, restore RestoreSnapshot) *Manager {
	m := &Manager{
		replicaID:                replicaID,
		n:                        n,
		log:                      log,
		stable:                   stable,
		send:                     send,
		restore:                  restore,
		ratings:                  make([]float64, n),
		timeouts:                 make([]float64, n),
		preferredSnapshotReplica: -1,
	}
	for i := range m.timeouts {
		m.timeouts[i] = float64(defaultTimeout.Milliseconds())
	}
	return m
}

// selectPeer returns the peer with the highest rating, excluding self and
// leader (leader is handled separately by the askLeader paths), falling
// back to leader itself if every candidate's rating is negative (spec.md
// §4.6 "if the chosen rating is negative, target the leader and reset all
// non-leader ratings to 0").
func (m *Manager) selectPeer(leader int32) int32 {
	best := int32(-1)
	var bestRating float64
	for i, r := range m.ratings {
		id := int32(i)
		if id == m.replicaID || id == leader {
			continue
		}
		if best < 0 || r > bestRating {
			bestRating = r
			best = id
		}
	}
	if best < 0 || bestRating < 0 {
		for i := range m.ratings {
			if int32(i) != leader {
				m.ratings[i] = 0
			}
		}
		return leader
	}
	return best
}

// CheckCatchUp builds and sends a CatchUpQuery if this replica has any
// undecided gap, periodic=true marking this as a routine liveness sweep
// rather than a gap-triggered one.
func (m *Manager) CheckCatchUp(periodic bool, askLeader bool, leader int32) {
	undecided := m.log.UndecidedIDs()
	if len(undecided) == 0 && !periodic {
		return
	}

	var peer int32
	switch {
	case m.mode == ModeSnapshot:
		peer = m.preferredSnapshotReplica
	case askLeader || m.askLeaderNext:
		m.askLeaderNext = false
		peer = leader
	default:
		peer = m.selectPeer(leader)
	}

	query := &paxosproto.CatchUpQuery{Periodic: periodic}
	if len(undecided) > gapRangeThreshold {
		query.Ranges = []paxosproto.IDRange{{Lo: int32(undecided[0]), Hi: int32(undecided[len(undecided)-1]) + 1}}
	} else {
		ids := make([]int32, len(undecided))
		for i, id := range undecided {
			ids[i] = int32(id)
		}
		query.IDs = ids
	}
	query.SnapshotReq = m.mode == ModeSnapshot || (len(undecided) > 0 && m.log.GetFirstUncommitted() < m.log.GetFirstSnapshotID())

	// "Rating is decremented by the number of instances requested on send"
	// (spec.md §4.6).
	if int(peer) < len(m.ratings) {
		m.ratings[peer] -= float64(len(undecided))
	}

	m.peer = peer
	m.requestTime = time.Now().UnixNano()
	timeout := time.Duration(m.timeouts[peer]) * time.Millisecond
	dlog.ReplicaPrintf(m.replicaID, "catchup: querying peer %d for %d undecided instances (timeout %v, mode %s)", peer, len(undecided), timeout, m.mode)

	m.outstanding = retransmit.Start([]int32{peer}, timeout, func(dest int32) {
		m.send(dest, &paxosproto.Envelope{SentTime: m.requestTime, Body: query, Type: paxosproto.TypeCatchUpQuery})
	})
}

// lowestRequestedID returns the smallest instance id query asks about, used
// to decide whether the requester has fallen below our snapshot boundary.
func lowestRequestedID(query *paxosproto.CatchUpQuery) (int64, bool) {
	lowest := int64(-1)
	consider := func(id int64) {
		if lowest < 0 || id < lowest {
			lowest = id
		}
	}
	for _, id := range query.IDs {
		consider(int64(id))
	}
	for _, rg := range query.Ranges {
		consider(int64(rg.Lo))
	}
	return lowest, lowest >= 0
}

// HandleQuery answers a peer's CatchUpQuery from this replica's own log
// (server side of catch-up).
func (m *Manager) HandleQuery(from int32, query *paxosproto.CatchUpQuery) {
	if lowest, ok := lowestRequestedID(query); ok && lowest < m.log.GetFirstSnapshotID() {
		// The requester's lowest-wanted instance was already truncated into
		// a snapshot: nothing in our log can answer it (spec.md §4.6 "reply
		// with an empty response bearing snapshotOnly=true").
		m.send(from, &paxosproto.Envelope{Type: paxosproto.TypeCatchUpResponse, Body: &paxosproto.CatchUpResponse{
			Periodic:     query.Periodic,
			SnapshotOnly: true,
			LastPart:     true,
		}})
		return
	}

	var instances []paxosproto.WireInstance
	add := func(id int64) {
		ci, ok := m.log.GetInstance(id)
		if ok && ci.State == storage.Decided {
			instances = append(instances, ci.ToWire())
		}
	}
	for _, id := range query.IDs {
		add(int64(id))
	}
	for _, rg := range query.Ranges {
		for id := rg.Lo; id < rg.Hi; id++ {
			add(int64(id))
		}
	}
	resp := &paxosproto.CatchUpResponse{Periodic: query.Periodic, LastPart: true, Instances: instances}
	m.send(from, &paxosproto.Envelope{Type: paxosproto.TypeCatchUpResponse, Body: resp})

	if query.SnapshotReq {
		m.sendSnapshot(from)
	}
}

func (m *Manager) sendSnapshot(to int32) {
	snap, err := m.stable.LoadSnapshot()
	if err != nil || snap == nil {
		return
	}
	wireBytes, err := storage.EncodeSnapshotBytes(snap)
	if err != nil {
		return
	}
	m.send(to, &paxosproto.Envelope{Type: paxosproto.TypeCatchUpSnapshot, Body: &paxosproto.CatchUpSnapshot{SnapshotBytes: wireBytes}})
}

// HandleResponse ingests a peer's reply, updates its rating and adaptive
// timeout, and resolves (or keeps open, if LastPart is false) the
// outstanding query (spec.md §4.6).
func (m *Manager) HandleResponse(from int32, sentTime int64, resp *paxosproto.CatchUpResponse) {
	if resp.SnapshotOnly {
		m.mode = ModeSnapshot
		for i, r := range m.ratings {
			if r > 0 {
				m.ratings[i] = 0
			}
		}
		m.preferredSnapshotReplica = from
		m.ackOutstanding(from)
		return
	}

	if len(resp.Instances) == 0 {
		if !resp.Periodic {
			if int(from) < len(m.ratings) {
				m.ratings[from] -= ratingPenaltyEmpty
				if m.ratings[from] < 0 {
					m.ratings[from] = 0
				}
			}
			m.askLeaderNext = true
		}
		m.ackOutstanding(from)
		return
	}

	for _, w := range resp.Instances {
		ci := storage.FromWire(w)
		if existing, ok := m.log.GetInstance(ci.ID); ok && existing.State == storage.Decided {
			continue
		}
		if ci.ID < m.log.GetFirstSnapshotID() {
			continue // already truncated locally too; only a snapshot can help
		}
		_ = m.log.SetDecided(ci.ID, ci.View, ci.Value)
	}

	if int(from) < len(m.ratings) {
		m.ratings[from] += ratingBonusFragment * float64(len(resp.Instances))
	}
	if sentTime > 0 && int(from) < len(m.timeouts) {
		processingMs := float64(time.Now().UnixNano()-sentTime) / 1e6
		updated := mathextra.EwmaAdd(m.timeouts[from], ewmaWeight, 3*processingMs)
		if updated < float64(minResendTimeout.Milliseconds()) {
			updated = float64(minResendTimeout.Milliseconds())
		}
		m.timeouts[from] = updated
	}

	if resp.LastPart {
		m.ackOutstanding(from)
	}
}

// HandleSnapshot installs a received snapshot wholesale and falls back to
// Normal catch-up for whatever remains between the snapshot boundary and
// nextId (spec.md §4.6, scenario S5).
func (m *Manager) HandleSnapshot(from int32, sentTime int64, snap *paxosproto.CatchUpSnapshot) {
	m.restore(snap.SnapshotBytes)
	if int(from) < len(m.ratings) {
		m.ratings[from] += ratingBonusSnapshot
	}
	m.mode = ModeNormal
	m.preferredSnapshotReplica = -1
	m.ackOutstanding(from)
}

func (m *Manager) ackOutstanding(from int32) {
	if m.outstanding != nil {
		m.outstanding.Ack(from)
	}
}

// Timeout penalizes peer's rating (an EWMA step toward ratingOnTimeout) so
// selectPeer avoids it next time. Nothing in this package calls it: an
// outstanding query's retransmit.Task keeps resending until it is acked or
// stopped.
func (m *Manager) Timeout(peer int32) {
	if int(peer) >= len(m.ratings) {
		return
	}
	m.ratings[peer] = mathextra.EwmaAdd(m.ratings[peer], ewmaWeight, ratingOnTimeout)
}
