package storage

import (
	"path/filepath"
	"testing"
)

func TestMemoryStableStorageRoundTripsViewAndSnapshot(t *testing.T) {
	s := NewMemoryStableStorage()

	if v, err := s.LoadView(); err != nil || v != 0 {
		t.Fatalf("LoadView() on a fresh store = %d, %v, want 0, nil", v, err)
	}
	if err := s.PersistView(7); err != nil {
		t.Fatalf("PersistView: %v", err)
	}
	if v, err := s.LoadView(); err != nil || v != 7 {
		t.Fatalf("LoadView() = %d, %v, want 7, nil", v, err)
	}

	if snap, err := s.LoadSnapshot(); err != nil || snap != nil {
		t.Fatalf("LoadSnapshot() on a fresh store = %+v, %v, want nil, nil", snap, err)
	}
	want := &Snapshot{NextInstanceID: 3, Value: []byte("v")}
	if err := s.PersistSnapshot(want); err != nil {
		t.Fatalf("PersistSnapshot: %v", err)
	}
	got, err := s.LoadSnapshot()
	if err != nil || got != want {
		t.Fatalf("LoadSnapshot() = %+v, %v, want the exact persisted pointer", got, err)
	}
}

func TestFileStableStorageViewSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s1, err := NewFileStableStorage(dir)
	if err != nil {
		t.Fatalf("NewFileStableStorage: %v", err)
	}
	if err := s1.PersistView(42); err != nil {
		t.Fatalf("PersistView: %v", err)
	}

	s2, err := NewFileStableStorage(dir)
	if err != nil {
		t.Fatalf("NewFileStableStorage (reopen): %v", err)
	}
	v, err := s2.LoadView()
	if err != nil || v != 42 {
		t.Fatalf("LoadView() on reopen = %d, %v, want 42, nil", v, err)
	}
}

func TestFileStableStorageLoadViewDefaultsToZero(t *testing.T) {
	s, err := NewFileStableStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStableStorage: %v", err)
	}
	v, err := s.LoadView()
	if err != nil || v != 0 {
		t.Fatalf("LoadView() with no sync.view written = %d, %v, want 0, nil", v, err)
	}
}

func TestFileStableStorageSnapshotPicksHighestNextInstanceID(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStableStorage(dir)
	if err != nil {
		t.Fatalf("NewFileStableStorage: %v", err)
	}

	if err := s.PersistSnapshot(&Snapshot{NextInstanceID: 5, Value: []byte("old")}); err != nil {
		t.Fatalf("PersistSnapshot: %v", err)
	}
	if err := s.PersistSnapshot(&Snapshot{NextInstanceID: 12, Value: []byte("new")}); err != nil {
		t.Fatalf("PersistSnapshot: %v", err)
	}

	got, err := s.LoadSnapshot()
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if got.NextInstanceID != 12 || string(got.Value) != "new" {
		t.Fatalf("got %+v, want the higher-numbered snapshot (12, \"new\")", got)
	}
}

func TestFileStableStorageSnapshotRoundTripsLastReplies(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStableStorage(dir)
	if err != nil {
		t.Fatalf("NewFileStableStorage: %v", err)
	}

	want := &Snapshot{
		NextInstanceID: 1,
		LastReplies:    map[int64]Reply{1: {ClientID: 1, Seq: 3, Payload: []byte("ok")}},
		Value:          []byte("state"),
	}
	if err := s.PersistSnapshot(want); err != nil {
		t.Fatalf("PersistSnapshot: %v", err)
	}

	got, err := s.LoadSnapshot()
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if got.NextInstanceID != want.NextInstanceID || string(got.Value) != string(want.Value) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	reply, ok := got.LastReplies[1]
	if !ok || reply.Seq != 3 || string(reply.Payload) != "ok" {
		t.Fatalf("LastReplies[1] = %+v, ok=%v, want Seq:3 Payload:ok", reply, ok)
	}
}

func TestFileStableStorageLeavesNoTempFileAfterPersist(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStableStorage(dir)
	if err != nil {
		t.Fatalf("NewFileStableStorage: %v", err)
	}
	if err := s.PersistView(1); err != nil {
		t.Fatalf("PersistView: %v", err)
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("found leftover temp files %v after PersistView", matches)
	}
}
