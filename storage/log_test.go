package storage

import "testing"

func TestAppendAllocatesSequentialIDs(t *testing.T) {
	l := NewLog()
	id0 := l.Append(0, []byte("a"))
	id1 := l.Append(0, []byte("b"))
	if id0 != 0 || id1 != 1 {
		t.Fatalf("got ids %d, %d, want 0, 1", id0, id1)
	}
	if l.GetNextID() != 2 {
		t.Fatalf("GetNextID() = %d, want 2", l.GetNextID())
	}
}

func TestPutRefusesToOverwriteDecidedWithDifferentValue(t *testing.T) {
	l := NewLog()
	l.Append(0, []byte("v1"))
	if err := l.SetDecided(0, 0, []byte("v1")); err != nil {
		t.Fatalf("SetDecided: %v", err)
	}

	if err := l.Put(0, 0, []byte("v2")); err == nil {
		t.Fatal("overwriting a decided instance with a different value must fail")
	}
	if err := l.Put(0, 0, []byte("v1")); err != nil {
		t.Fatalf("re-asserting the same decided value should be a no-op, got %v", err)
	}
}

func TestSetDecidedRejectsConflictingRedecision(t *testing.T) {
	l := NewLog()
	l.Append(1, []byte("v1"))
	if err := l.SetDecided(0, 1, []byte("v1")); err != nil {
		t.Fatalf("SetDecided: %v", err)
	}
	if err := l.SetDecided(0, 2, []byte("v2")); err == nil {
		t.Fatal("deciding the same instance at a different view/value must fail")
	}
}

func TestAdvanceFirstUncommittedStopsAtFirstGap(t *testing.T) {
	l := NewLog()
	l.Append(0, []byte("a"))
	l.Append(0, []byte("b"))
	l.Append(0, []byte("c"))
	if err := l.SetDecided(0, 0, []byte("a")); err != nil {
		t.Fatal(err)
	}
	if err := l.SetDecided(2, 0, []byte("c")); err != nil {
		t.Fatal(err)
	}

	if got := l.GetFirstUncommitted(); got != 1 {
		t.Fatalf("GetFirstUncommitted() = %d, want 1 (instance 1 is still undecided)", got)
	}

	if err := l.SetDecided(1, 0, []byte("b")); err != nil {
		t.Fatal(err)
	}
	if got := l.GetFirstUncommitted(); got != 3 {
		t.Fatalf("GetFirstUncommitted() = %d, want 3 after filling the gap", got)
	}
}

func TestUndecidedIDsListsGapsAndTrailingKnown(t *testing.T) {
	l := NewLog()
	l.Append(0, []byte("a"))
	l.Append(0, []byte("b"))
	l.Append(0, []byte("c"))
	if err := l.SetDecided(0, 0, []byte("a")); err != nil {
		t.Fatal(err)
	}

	ids := l.UndecidedIDs()
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 2 {
		t.Fatalf("UndecidedIDs() = %v, want [1 2]", ids)
	}
}

func TestTruncateBelowRemovesOldEntriesAndTracksSnapshotBoundary(t *testing.T) {
	l := NewLog()
	l.Append(0, []byte("a"))
	l.Append(0, []byte("b"))
	l.Append(0, []byte("c"))

	l.TruncateBelow(2)

	if _, ok := l.GetInstance(0); ok {
		t.Fatal("instance 0 should have been truncated")
	}
	if _, ok := l.GetInstance(1); ok {
		t.Fatal("instance 1 should have been truncated")
	}
	if _, ok := l.GetInstance(2); !ok {
		t.Fatal("instance 2 is at the boundary and should be retained")
	}
	if l.GetFirstSnapshotID() != 2 {
		t.Fatalf("GetFirstSnapshotID() = %d, want 2", l.GetFirstSnapshotID())
	}
}

func TestByteSizeBetweenSumsOnlyTheGivenRange(t *testing.T) {
	l := NewLog()
	l.Append(0, []byte("aaaa"))  // 4 bytes, id 0
	l.Append(0, []byte("bb"))    // 2 bytes, id 1
	l.Append(0, []byte("cccccc")) // 6 bytes, id 2

	if got := l.ByteSizeBetween(0, 2); got != 6 {
		t.Fatalf("ByteSizeBetween(0,2) = %d, want 6", got)
	}
	if got := l.ByteSizeBetween(1, 3); got != 8 {
		t.Fatalf("ByteSizeBetween(1,3) = %d, want 8", got)
	}
}

func TestOnSizeChangedFiresOnMutation(t *testing.T) {
	l := NewLog()
	var sizes []int64
	l.OnSizeChanged(func(newSize int64) { sizes = append(sizes, newSize) })

	l.Append(0, []byte("abcd"))
	if len(sizes) != 1 || sizes[0] != 4 {
		t.Fatalf("sizes = %v, want [4] after appending a 4-byte value", sizes)
	}
}

func TestGetOrCreateInsertsUnknownPlaceholder(t *testing.T) {
	l := NewLog()
	ci := l.GetOrCreate(5)
	if ci.State != Unknown {
		t.Fatalf("GetOrCreate on an unseen id should yield Unknown, got %v", ci.State)
	}
	if l.GetNextID() != 6 {
		t.Fatalf("GetNextID() = %d, want 6 after creating a placeholder at id 5", l.GetNextID())
	}
	same := l.GetOrCreate(5)
	if same != ci {
		t.Fatal("a second GetOrCreate for the same id should return the same instance")
	}
}
