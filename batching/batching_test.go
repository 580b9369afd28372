package batching

import (
	"testing"
	"time"

	"github.com/dziurwa/paxosrepl/batchstore"
)

func TestBuilderFlushesOnMaxBytes(t *testing.T) {
	in := make(chan batchstore.Request)
	out := make(chan *batchstore.Batch, 1)
	nudge := make(chan chan *batchstore.Batch)
	store := batchstore.New()

	b := NewBuilder(1, 8, time.Hour, in, out, nudge, store)
	go b.Run()

	in <- batchstore.Request{RequestID: batchstore.RequestID{ClientID: 1, Seq: 1}, Payload: []byte("01234567")}

	select {
	case batch := <-out:
		if len(batch.Requests) != 1 {
			t.Fatalf("flushed batch has %d requests, want 1", len(batch.Requests))
		}
		if batch.ID.Proposer != 1 || batch.ID.Seq != 0 {
			t.Fatalf("batch.ID = %+v, want {Proposer:1 Seq:0}", batch.ID)
		}
		if !batch.IsLocal {
			t.Fatal("a batch this replica built itself must be IsLocal")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the size-triggered flush")
	}
}

func TestBuilderFlushesOnTimer(t *testing.T) {
	in := make(chan batchstore.Request)
	out := make(chan *batchstore.Batch, 1)
	nudge := make(chan chan *batchstore.Batch)
	store := batchstore.New()

	b := NewBuilder(1, 1<<20, 10*time.Millisecond, in, out, nudge, store)
	go b.Run()

	in <- batchstore.Request{RequestID: batchstore.RequestID{ClientID: 1, Seq: 1}, Payload: []byte("x")}

	select {
	case batch := <-out:
		if len(batch.Requests) != 1 {
			t.Fatalf("flushed batch has %d requests, want 1", len(batch.Requests))
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the delay-triggered flush")
	}
}

func TestBuilderNudgeReturnsNilWhenEmpty(t *testing.T) {
	in := make(chan batchstore.Request)
	out := make(chan *batchstore.Batch, 1)
	nudge := make(chan chan *batchstore.Batch)
	store := batchstore.New()

	b := NewBuilder(1, 1<<20, time.Hour, in, out, nudge, store)
	go b.Run()

	reply := make(chan *batchstore.Batch)
	nudge <- reply
	select {
	case batch := <-reply:
		if batch != nil {
			t.Fatal("nudging an empty builder should reply nil")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for nudge reply")
	}
}

func TestBuilderNudgeFlushesPartialBatch(t *testing.T) {
	in := make(chan batchstore.Request)
	out := make(chan *batchstore.Batch, 1)
	nudge := make(chan chan *batchstore.Batch)
	store := batchstore.New()

	b := NewBuilder(1, 1<<20, time.Hour, in, out, nudge, store)
	go b.Run()

	in <- batchstore.Request{RequestID: batchstore.RequestID{ClientID: 1, Seq: 1}, Payload: []byte("x")}

	reply := make(chan *batchstore.Batch)
	nudge <- reply
	select {
	case batch := <-reply:
		if batch == nil || len(batch.Requests) != 1 {
			t.Fatalf("got %+v, want a one-request batch", batch)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for nudge reply")
	}
}
