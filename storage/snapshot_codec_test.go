package storage

import "testing"

func TestSnapshotBytesRoundTrip(t *testing.T) {
	want := &Snapshot{
		NextInstanceID: 9,
		LastReplies:    map[int64]Reply{5: {ClientID: 5, Seq: 2, Payload: []byte("ok")}},
		Value:          []byte("kv-state"),
	}

	encoded, err := EncodeSnapshotBytes(want)
	if err != nil {
		t.Fatalf("EncodeSnapshotBytes: %v", err)
	}
	got, err := DecodeSnapshotBytes(encoded)
	if err != nil {
		t.Fatalf("DecodeSnapshotBytes: %v", err)
	}
	if got.NextInstanceID != want.NextInstanceID || string(got.Value) != string(want.Value) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	reply, ok := got.LastReplies[5]
	if !ok || reply.Seq != 2 || string(reply.Payload) != "ok" {
		t.Fatalf("LastReplies[5] = %+v, ok=%v", reply, ok)
	}
}

func TestSnapshotBytesRoundTripsEmptySnapshot(t *testing.T) {
	encoded, err := EncodeSnapshotBytes(&Snapshot{})
	if err != nil {
		t.Fatalf("EncodeSnapshotBytes: %v", err)
	}
	got, err := DecodeSnapshotBytes(encoded)
	if err != nil {
		t.Fatalf("DecodeSnapshotBytes: %v", err)
	}
	if got.NextInstanceID != 0 || len(got.LastReplies) != 0 || len(got.Value) != 0 {
		t.Fatalf("got %+v, want an all-zero snapshot", got)
	}
}

func TestDecodeSnapshotBytesRejectsTruncatedInput(t *testing.T) {
	if _, err := DecodeSnapshotBytes([]byte{1, 2, 3}); err == nil {
		t.Fatal("a truncated snapshot payload should fail to decode")
	}
}
