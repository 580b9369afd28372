package batchstore

import "testing"

func TestPutResolvesOutstandingWait(t *testing.T) {
	s := New()
	id := ID{Proposer: 1, Seq: 1}
	s.MarkReferenced(id)
	if !s.IsWaitedFor(id) {
		t.Fatal("referencing an absent batch should mark it waitedFor")
	}

	s.Put(&Batch{ID: id})
	if s.IsWaitedFor(id) {
		t.Fatal("Put should resolve the wait")
	}
	if _, ok := s.Get(id); !ok {
		t.Fatal("Get should report the batch present after Put")
	}
}

func TestPutWithoutPriorReferenceBecomesInstanceless(t *testing.T) {
	s := New()
	id := ID{Proposer: 2, Seq: 3}
	s.Put(&Batch{ID: id})

	ids := s.TakeInstanceless(10)
	if len(ids) != 1 || ids[0] != id {
		t.Fatalf("TakeInstanceless = %v, want [%v]", ids, id)
	}
}

func TestMarkReferencedOnPresentBatchClearsInstanceless(t *testing.T) {
	s := New()
	id := ID{Proposer: 1, Seq: 1}
	s.Put(&Batch{ID: id})
	s.MarkReferenced(id)

	if ids := s.TakeInstanceless(10); len(ids) != 0 {
		t.Fatalf("TakeInstanceless = %v, want none once referenced", ids)
	}
}

func TestTakeInstancelessRespectsMaxAndOrder(t *testing.T) {
	s := New()
	s.Put(&Batch{ID: ID{Proposer: 2, Seq: 1}})
	s.Put(&Batch{ID: ID{Proposer: 1, Seq: 5}})
	s.Put(&Batch{ID: ID{Proposer: 1, Seq: 1}})

	ids := s.TakeInstanceless(2)
	if len(ids) != 2 {
		t.Fatalf("got %d ids, want 2", len(ids))
	}
	want := []ID{{Proposer: 1, Seq: 1}, {Proposer: 1, Seq: 5}}
	for i, id := range want {
		if ids[i] != id {
			t.Fatalf("ids[%d] = %v, want %v (ascending proposer,seq order)", i, ids[i], id)
		}
	}
}

func TestWaitedForIDsListsOutstandingOnly(t *testing.T) {
	s := New()
	a := ID{Proposer: 1, Seq: 1}
	b := ID{Proposer: 1, Seq: 2}
	s.MarkReferenced(a)
	s.MarkReferenced(b)
	s.Put(&Batch{ID: a})

	ids := s.WaitedForIDs()
	if len(ids) != 1 || ids[0] != b {
		t.Fatalf("WaitedForIDs = %v, want [%v]", ids, b)
	}
}

func TestGetMissingBatchReportsAbsent(t *testing.T) {
	s := New()
	if _, ok := s.Get(ID{Proposer: 9, Seq: 9}); ok {
		t.Fatal("Get on an unknown id should report absent")
	}
}

func TestEncodeDecodeValueRoundTrips(t *testing.T) {
	ids := []ID{{Proposer: 1, Seq: 2}, {Proposer: 3, Seq: 4}}
	encoded := EncodeValue(ids)

	decoded, err := DecodeValue(encoded)
	if err != nil {
		t.Fatalf("DecodeValue: %v", err)
	}
	if len(decoded) != len(ids) {
		t.Fatalf("decoded %d ids, want %d", len(decoded), len(ids))
	}
	for i := range ids {
		if decoded[i] != ids[i] {
			t.Fatalf("decoded[%d] = %v, want %v", i, decoded[i], ids[i])
		}
	}
}

func TestEncodeEmptyValueIsNoop(t *testing.T) {
	encoded := EncodeValue(nil)
	if !IsNoop(encoded) {
		t.Fatal("an empty id list should round-trip as IsNoop")
	}
}

func TestDecodeValueRejectsTruncatedInput(t *testing.T) {
	if _, err := DecodeValue([]byte{1, 0, 0, 0}); err == nil {
		t.Fatal("a length claiming one id with no id bytes should fail to decode")
	}
}
