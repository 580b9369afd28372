package statemachine

import "testing"

func TestExecuteSetThenGet(t *testing.T) {
	k := NewKVStore()
	if reply := k.Execute([]byte("SET a 1")); string(reply) != "1!" {
		t.Fatalf("SET reply = %q, want \"1!\"", reply)
	}
	if reply := k.Execute([]byte("GET a")); string(reply) != "1" {
		t.Fatalf("GET reply = %q, want \"1\"", reply)
	}
}

func TestExecuteGetMissingKeyReturnsEmpty(t *testing.T) {
	k := NewKVStore()
	if reply := k.Execute([]byte("GET missing")); len(reply) != 0 {
		t.Fatalf("GET on a missing key = %q, want empty", reply)
	}
}

func TestExecuteMalformedSetReturnsErr(t *testing.T) {
	k := NewKVStore()
	if reply := k.Execute([]byte("SET onlykey")); string(reply) != "ERR" {
		t.Fatalf("malformed SET reply = %q, want ERR", reply)
	}
}

func TestExecuteArbitraryCommandEchoesWithBang(t *testing.T) {
	k := NewKVStore()
	if reply := k.Execute([]byte("A")); string(reply) != "A!" {
		t.Fatalf("Execute(A) = %q, want \"A!\"", reply)
	}
}

func TestSnapshotRestoreRoundTrips(t *testing.T) {
	k := NewKVStore()
	k.Execute([]byte("SET a 1"))
	k.Execute([]byte("SET b 2"))
	snap := k.Snapshot()

	k2 := NewKVStore()
	k2.Restore(snap)

	if reply := k2.Execute([]byte("GET a")); string(reply) != "1" {
		t.Fatalf("restored GET a = %q, want \"1\"", reply)
	}
	if reply := k2.Execute([]byte("GET b")); string(reply) != "2" {
		t.Fatalf("restored GET b = %q, want \"2\"", reply)
	}
}

func TestRestoreReplacesPriorState(t *testing.T) {
	k := NewKVStore()
	k.Execute([]byte("SET stale value"))
	k.Restore([]byte{})

	if reply := k.Execute([]byte("GET stale")); len(reply) != 0 {
		t.Fatalf("Restore([]) should wipe prior state, got %q for GET stale", reply)
	}
}
