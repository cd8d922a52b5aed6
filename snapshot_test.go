package tstore

import "testing"

func TestSnapshotContainerPinAndRelease(t *testing.T) {
	sc := NewSnapshotContainer[int]()
	fm := newTestFileMetadata(1, 10, 10, 0)
	fm.refCount.Store(1)

	if !sc.TryAddFileMetadata(42, fm) {
		t.Fatal("expected pin to succeed on a live FileMetadata")
	}
	if sc.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", sc.Len())
	}
	ev := &EvictedVersion[int]{Key: 7, Version: NewMemoryItem(Inserted, 1, []byte("v"))}
	sc.Add(42, "7", ev)
	got, ok := sc.Get(42, "7")
	if !ok || got != ev {
		t.Fatalf("Get(42, \"7\") = %v, %v, want %v, true", got, ok, ev)
	}

	if err := sc.RemoveAsync(42); err != nil {
		t.Fatalf("RemoveAsync: %v", err)
	}
	if sc.Len() != 0 {
		t.Fatalf("Len() after RemoveAsync = %d, want 0", sc.Len())
	}
	if fm.refCount.Load() != 1 {
		t.Fatalf("expected FileMetadata refcount back to its pre-pin 1, got %d", fm.refCount.Load())
	}
}

func TestSnapshotContainerGetOrAddIsLazy(t *testing.T) {
	sc := NewSnapshotContainer[int]()
	if sc.Len() != 0 {
		t.Fatal("expected empty container before any GetOrAdd")
	}
	sc.GetOrAdd(1)
	if sc.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 after GetOrAdd", sc.Len())
	}
}
