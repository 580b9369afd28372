package batching

import (
	"github.com/dziurwa/paxosrepl/batchstore"
)

// Manager is the proposer-side half of spec.md §4.4b: it packs
// batchstore.IDs from the store's instanceless set into the opaque value of
// the next consensus instance, and requeues them if that instance's value
// is preempted by a higher view before being decided (the teacher's
// SimpleBatchManager.LearnOfBallot requeuing rule, generalized away from
// EPaxos's per-instance ballot bookkeeping since this spec has one active
// proposal per instance, not competing fast/slow paths).
type Manager struct {
	store        *batchstore.Store
	maxBatchIDs  int
}

func NewManager(store *batchstore.Store, maxBatchIDs int) *Manager {
	return &Manager{store: store, maxBatchIDs: maxBatchIDs}
}

// PackNext builds the opaque value for the next instance to propose from
// whatever client batches are currently instanceless, referencing them so
// they won't be packed again until requeued. Returns (nil, nil, false) if
// there is nothing to propose.
func (m *Manager) PackNext() (value []byte, ids []batchstore.ID, ok bool) {
	ids = m.store.TakeInstanceless(m.maxBatchIDs)
	if len(ids) == 0 {
		return nil, nil, false
	}
	for _, id := range ids {
		m.store.MarkReferenced(id)
	}
	return batchstore.EncodeValue(ids), ids, true
}

// Requeue marks every id in ids instanceless again, so the next PackNext
// call can pick them up — used when a value this replica proposed is
// preempted by a higher view before reaching a decision.
func (m *Manager) Requeue(ids []batchstore.ID) {
	for _, id := range ids {
		if b, present := m.store.Get(id); present {
			m.store.Put(b) // re-adds to instanceless since it's no longer waitedFor
		}
	}
}
