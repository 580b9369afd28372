// Package batching implements the first of spec.md §4.4's two batching
// layers: the per-replica ClientRequestBatcher that groups incoming client
// requests into a ClientBatch, size- or time-bounded, and assigns each one
// the next ClientBatchID = (thisReplicaId, seq).
//
// The goroutine loop below is a direct generalization of the teacher's
// batching.StartBatching select loop (batch-or-timeout-or-nudge), adapted
// from its genericsmr.Propose/ProposalBatch vocabulary to this spec's
// batchstore.Request/batchstore.Batch.
package batching

import (
	"time"

	"github.com/dziurwa/paxosrepl/batchstore"
	"github.com/dziurwa/paxosrepl/dlog"
)

// Builder assembles batchstore.Batch values out of a stream of incoming
// client requests.
type Builder struct {
	replicaID  int32
	maxBytes   int
	maxDelay   time.Duration
	in         <-chan batchstore.Request
	out        chan<- *batchstore.Batch
	nudge      <-chan chan *batchstore.Batch
	store      *batchstore.Store

	cur     []batchstore.Request
	curSize int
	nextSeq int32
	timer   *time.Timer
}

// NewBuilder constructs a Builder. in delivers freshly-submitted client
// requests (from clientmanager); out receives completed batches for the
// replica to forward to peers; nudge lets the proposer force out a
// partially-filled batch when it has room in its pipelining window and
// nothing else to propose (spec.md §4.4 "the proposer may request a
// partial batch rather than block").
func NewBuilder(replicaID int32, maxBytes int, maxDelay time.Duration, in <-chan batchstore.Request, out chan<- *batchstore.Batch, nudge <-chan chan *batchstore.Batch, store *batchstore.Store) *Builder {
	return &Builder{
		replicaID: replicaID,
		maxBytes:  maxBytes,
		maxDelay:  maxDelay,
		in:        in,
		out:       out,
		nudge:     nudge,
		store:     store,
		timer:     time.NewTimer(maxDelay),
	}
}

// Run drives the batcher until in is closed. Intended to run on its own
// goroutine (spec.md §5 "batch builder ... is not dispatcher-exclusive").
func (b *Builder) Run() {
	for {
		select {
		case req, ok := <-b.in:
			if !ok {
				return
			}
			b.add(req)
			if b.curSize < b.maxBytes {
				continue
			}
			b.flush()

		case <-b.timer.C:
			if len(b.cur) == 0 {
				b.resetTimer()
				continue
			}
			b.flush()

		case reply := <-b.nudge:
			if len(b.cur) == 0 {
				reply <- nil
				continue
			}
			reply <- b.take()
			b.startNext()
		}
	}
}

func (b *Builder) add(req batchstore.Request) {
	b.cur = append(b.cur, req)
	b.curSize += len(req.Payload) + 16
}

func (b *Builder) resetTimer() {
	b.timer.Reset(b.maxDelay)
}

func (b *Builder) flush() {
	batch := b.take()
	dlog.ReplicaPrintf(b.replicaID, "assembled client batch %d (%d requests, %d bytes)", batch.ID.Seq, len(batch.Requests), b.curSize)
	b.startNext()
	b.out <- batch
}

func (b *Builder) take() *batchstore.Batch {
	batch := &batchstore.Batch{
		ID:       batchstore.ID{Proposer: b.replicaID, Seq: b.nextSeq},
		Requests: b.cur,
		IsLocal:  true,
	}
	b.store.Put(batch)
	return batch
}

func (b *Builder) startNext() {
	b.cur = nil
	b.curSize = 0
	b.nextSeq++
	b.resetTimer()
}
