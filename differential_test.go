package tstore

import "testing"

func intCmp(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func TestDifferentialAddKeepsTwoVersionsDeep(t *testing.T) {
	d := NewDifferential[int](intCmp)
	v1 := NewMemoryItem(Inserted, 1, []byte("a"))
	v2 := NewMemoryItem(Updated, 2, []byte("b"))
	v3 := NewMemoryItem(Updated, 3, []byte("c"))

	if evicted, ok := d.Add(5, v1); evicted != nil || !ok {
		t.Fatalf("first add: evicted=%v ok=%v", evicted, ok)
	}
	if evicted, ok := d.Add(5, v2); evicted != nil || !ok {
		t.Fatalf("second add: evicted=%v ok=%v", evicted, ok)
	}
	evicted, ok := d.Add(5, v3)
	if !ok || evicted != v1 {
		t.Fatalf("third add should evict the oldest version, got evicted=%v ok=%v", evicted, ok)
	}

	if got := d.Read(5, 3); got != v3 {
		t.Fatalf("Read(visibility=3) = %v, want v3", got)
	}
	if got := d.Read(5, 2); got != v2 {
		t.Fatalf("Read(visibility=2) = %v, want v2 (current not yet visible)", got)
	}
	if got := d.Read(5, 0); got != nil {
		t.Fatalf("Read(visibility=0) = %v, want nil", got)
	}
}

func TestDifferentialAddRejectsOlderLSN(t *testing.T) {
	d := NewDifferential[int](intCmp)
	d.Add(1, NewMemoryItem(Inserted, 5, []byte("a")))
	if _, ok := d.Add(1, NewMemoryItem(Updated, 4, []byte("b"))); ok {
		t.Fatal("expected add with lower LSN than current to be rejected")
	}
}

func TestDifferentialUndoRevertsToPrevious(t *testing.T) {
	d := NewDifferential[int](intCmp)
	v1 := NewMemoryItem(Inserted, 1, []byte("a"))
	v2 := NewMemoryItem(Updated, 2, []byte("b"))
	d.Add(1, v1)
	d.Add(1, v2)
	d.Undo(1, 2)
	if got := d.Read(1, 99); got != v1 {
		t.Fatalf("after undo, Read = %v, want v1", got)
	}
}

func TestDifferentialKeysAtLSN(t *testing.T) {
	d := NewDifferential[int](intCmp)
	d.Add(1, NewMemoryItem(Inserted, 10, []byte("a")))
	d.Add(2, NewMemoryItem(Inserted, 10, []byte("b")))
	d.Add(3, NewMemoryItem(Inserted, 11, []byte("c")))
	keys := d.KeysAtLSN(10)
	if len(keys) != 2 {
		t.Fatalf("KeysAtLSN(10) = %v, want 2 keys", keys)
	}
}
