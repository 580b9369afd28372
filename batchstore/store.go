// Package batchstore implements ClientBatch, ClientBatchID, ClientRequest
// and the ClientBatchStore of spec.md §3/§4.4: the shared map of client
// batches, tracked across three disjoint sets (present, waitedFor,
// instanceless). The store is mutated from both selector threads (batch
// arrival) and the dispatcher (instance reference, decision), so every
// method takes a lock — matching spec.md §5's "ClientBatchStore ... must be
// internally synchronized".
//
// waitedFor/instanceless use gods' ordered treeset (a teacher go.mod
// dependency never exercised in the retrieved subset) so CatchUp and the
// Proposer's batch builder can iterate ids in a stable order when deciding
// what to request or flush next.
package batchstore

import (
	"sync"

	"github.com/emirpasic/gods/sets/treeset"
	godsutils "github.com/emirpasic/gods/utils"
)

// ID names a forwarded client batch: (proposerReplicaId, sequenceNumber).
type ID struct {
	Proposer int32
	Seq      int32
}

func compareIDs(a, b interface{}) int {
	ia, ib := a.(ID), b.(ID)
	if ia.Proposer != ib.Proposer {
		return int(ia.Proposer) - int(ib.Proposer)
	}
	return int(ia.Seq) - int(ib.Seq)
}

// RequestID names a single client command: (clientId, seqNumber).
type RequestID struct {
	ClientID int64
	Seq      int32
}

// Request is a single client-submitted command.
type Request struct {
	RequestID RequestID
	Payload   []byte
}

// Batch is an ordered list of Requests, and whether this replica produced
// it locally (proposerReplicaId == this replica) or received it over
// ForwardClientBatch — the isLocal bit this spec supplements from
// original_source/lsr/paxos/storage/ClientBatchStore.java so a replica
// never re-forwards a batch it merely relayed.
type Batch struct {
	ID       ID
	Requests []Request
	IsLocal  bool
}

// Store holds the three disjoint sets spec.md §3 names: present (batch
// payload known), waitedFor (referenced by a consensus value but not yet
// present), instanceless (present but not yet referenced by any instance).
type Store struct {
	mu           sync.Mutex
	present      map[ID]*Batch
	waitedFor    *treeset.Set
	instanceless *treeset.Set
}

func New() *Store {
	return &Store{
		present:      make(map[ID]*Batch),
		waitedFor:    treeset.NewWith(godsutils.Comparator(compareIDs)),
		instanceless: treeset.NewWith(godsutils.Comparator(compareIDs)),
	}
}

// Put installs a freshly built or received batch as present. If it was
// being waited for, the wait is resolved; otherwise it starts instanceless
// until some consensus value references it.
func (s *Store) Put(b *Batch) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.present[b.ID] = b
	if s.waitedFor.Contains(b.ID) {
		s.waitedFor.Remove(b.ID)
	} else {
		s.instanceless.Add(b.ID)
	}
}

// Get returns the batch for id and whether it is present.
func (s *Store) Get(id ID) (*Batch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.present[id]
	return b, ok
}

// MarkReferenced removes id from instanceless (a consensus value now names
// it) or, if it was not yet present, adds it to waitedFor so CatchUp knows
// to go fetch it.
func (s *Store) MarkReferenced(id ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, present := s.present[id]; present {
		s.instanceless.Remove(id)
		return
	}
	s.waitedFor.Add(id)
}

// TakeInstanceless returns up to max instanceless batch ids in ascending
// (proposer, seq) order, for the proposer batch builder to pack into the
// next consensus value (spec.md §4.4b).
func (s *Store) TakeInstanceless(max int) []ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	values := s.instanceless.Values()
	n := max
	if n > len(values) {
		n = len(values)
	}
	out := make([]ID, n)
	for i := 0; i < n; i++ {
		out[i] = values[i].(ID)
	}
	return out
}

// IsWaitedFor reports whether id is currently outstanding.
func (s *Store) IsWaitedFor(id ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waitedFor.Contains(id)
}

// WaitedForIDs returns every id currently outstanding, ascending.
func (s *Store) WaitedForIDs() []ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	values := s.waitedFor.Values()
	out := make([]ID, len(values))
	for i, v := range values {
		out[i] = v.(ID)
	}
	return out
}
