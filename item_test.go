package tstore

import "testing"

func TestNewDiskItemOffsetRange(t *testing.T) {
	vi := NewDiskItem(Inserted, 1, 7, 12345, 10, 999, nil)
	if vi.Offset() != 12345 {
		t.Fatalf("offset = %d, want 12345", vi.Offset())
	}
	if vi.InMemory() {
		t.Fatal("expected not in memory without a value buffer")
	}
}

func TestNewDiskItemOffsetOverflowPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for out-of-range offset")
		}
	}()
	NewDiskItem(Inserted, 1, 7, maxOffset+1, 10, 999, nil)
}

func TestVersionedItemSweepClearsInMemoryOnce(t *testing.T) {
	vi := NewDiskItem(Inserted, 1, 7, 0, 5, 111, []byte("hello"))
	if !vi.InMemory() {
		t.Fatal("expected in memory after construction with a value")
	}
	vi.MarkInUse()
	if freed, evicted := vi.Sweep(); evicted || freed != 0 {
		t.Fatalf("expected first sweep to only clear inUse, got freed=%d evicted=%v", freed, evicted)
	}
	if !vi.InMemory() {
		t.Fatal("expected value to remain resident after a single sweep pass")
	}
	freed, evicted := vi.Sweep()
	if !evicted || freed != 5 {
		t.Fatalf("expected second sweep to evict 5 bytes, got freed=%d evicted=%v", freed, evicted)
	}
	if vi.InMemory() {
		t.Fatal("expected value buffer dropped after eviction")
	}
	if _, ok := vi.Value(); ok {
		t.Fatal("expected Value() to report absent after eviction")
	}
}

func TestVersionedItemSweepNeverEvictsMemoryOnlyItem(t *testing.T) {
	vi := NewMemoryItem(Inserted, 1, []byte("hi"))
	if freed, evicted := vi.Sweep(); evicted || freed != 0 {
		t.Fatalf("memory-only item (fileID 0) must never be evicted by sweep, got freed=%d evicted=%v", freed, evicted)
	}
}
