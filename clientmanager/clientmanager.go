// Package clientmanager implements spec.md §4.5's ClientRequestManager: at
// most once semantics via a lastReplies cache, a pendingClientProxies map
// from outstanding request to the callback that answers the client, and a
// bounded semaphore enforcing MAX_PENDING_REQUESTS back-pressure.
//
// pendingClientProxies is written from whichever selector goroutine accepts
// a client connection and removed from the single replica-apply dispatcher
// goroutine once a batch executes (spec.md §5): Manager's mutex is what
// makes that safe, the same role the teacher's genericsmr.Replica gives its
// own proxy-tracking maps guarded by a channel-serialized apply loop — here
// made explicit with a mutex since two genuinely different goroutine
// populations touch the map.
package clientmanager

import (
	"fmt"
	"sync"

	"github.com/dziurwa/paxosrepl/batchstore"
	"github.com/dziurwa/paxosrepl/paxosproto"
	"github.com/dziurwa/paxosrepl/storage"
)

// ReplyFunc delivers a ClientReply back to whichever connection is holding
// the client open.
type ReplyFunc func(paxosproto.ClientReply)

const DefaultMaxPending = 1024

type Manager struct {
	mu      sync.Mutex
	cache   map[int64]storage.Reply
	pending map[batchstore.RequestID]ReplyFunc
	sem     chan struct{}
}

func New(maxPending int, seed map[int64]storage.Reply) *Manager {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	if seed == nil {
		seed = make(map[int64]storage.Reply)
	}
	return &Manager{
		cache:   seed,
		pending: make(map[batchstore.RequestID]ReplyFunc),
		sem:     make(chan struct{}, maxPending),
	}
}

// Submit admits a freshly-received client request. If it duplicates the
// client's last executed request, the cached reply is delivered immediately
// and admitted is false (the caller must not forward it into a batch). If
// back-pressure rejects it (MAX_PENDING_REQUESTS outstanding), admitted is
// false and reply gets a Busy status. Otherwise the request is registered
// pending and admitted is true: the caller should hand it to the batcher.
func (m *Manager) Submit(req batchstore.Request, reply ReplyFunc) (admitted bool) {
	m.mu.Lock()
	if cached, ok := m.cache[req.RequestID.ClientID]; ok && req.RequestID.Seq <= cached.Seq {
		m.mu.Unlock()
		if req.RequestID.Seq == cached.Seq {
			reply(paxosproto.ClientReply{Status: paxosproto.StatusOK, Payload: cached.Payload})
		} else {
			// Seq < cached.Seq: a stale duplicate of a request older than
			// the one we have a cached answer for (spec.md §4.5 ClientError
			// "Request too old").
			reply(paxosproto.ClientReply{
				Status:  paxosproto.StatusNack,
				Payload: []byte(fmt.Sprintf("Request too old: seq %d, already executed through seq %d", req.RequestID.Seq, cached.Seq)),
			})
		}
		return false
	}
	select {
	case m.sem <- struct{}{}:
	default:
		m.mu.Unlock()
		reply(paxosproto.ClientReply{Status: paxosproto.StatusBusy})
		return false
	}
	m.pending[req.RequestID] = reply
	m.mu.Unlock()
	return true
}

// Executed is called once, from the replica-apply dispatcher, after a
// decided batch's command for requestID has run against the state machine.
// It updates the at-most-once cache and answers whichever proxy is still
// waiting (none, if the client already disconnected and nobody registered
// a ReplyFunc for a forwarded batch originating elsewhere).
func (m *Manager) Executed(requestID batchstore.RequestID, payload []byte) {
	m.mu.Lock()
	m.cache[requestID.ClientID] = storage.Reply{ClientID: requestID.ClientID, Seq: requestID.Seq, Payload: payload}
	reply, ok := m.pending[requestID]
	if ok {
		delete(m.pending, requestID)
	}
	m.mu.Unlock()
	if ok {
		select {
		case <-m.sem:
		default:
		}
		reply(paxosproto.ClientReply{Status: paxosproto.StatusOK, Payload: payload})
	}
}

// Snapshot returns a copy of the at-most-once cache, for
// storage.StableStorage.PersistSnapshot (spec.md §4.7).
func (m *Manager) Snapshot() map[int64]storage.Reply {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64]storage.Reply, len(m.cache))
	for k, v := range m.cache {
		out[k] = v
	}
	return out
}

// Forget drops every pending proxy, replying Redirect to each with
// leaderPayload (the ASCII decimal id of the replica to retry against,
// clientproto.go's convention) — used when this replica loses leadership
// mid-request and the client should retry elsewhere (spec.md §4.5).
func (m *Manager) Forget(leaderPayload []byte) {
	m.mu.Lock()
	pending := m.pending
	m.pending = make(map[batchstore.RequestID]ReplyFunc)
	for range pending {
		select {
		case <-m.sem:
		default:
		}
	}
	m.mu.Unlock()
	for _, reply := range pending {
		reply(paxosproto.ClientReply{Status: paxosproto.StatusRedirect, Payload: leaderPayload})
	}
}
