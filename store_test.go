package tstore

import (
	"context"
	"encoding/binary"
	"io"
	"testing"

	"github.com/gholt/tstore/replicator"
)

// stringSerializer is the Serializer[string] every store_test.go scenario
// uses; values round-trip as their raw bytes.
type stringSerializer struct{}

func (stringSerializer) Write(v string, w io.Writer) (int, error) { return io.WriteString(w, v) }

func (stringSerializer) Read(r io.Reader) (string, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func encodeIntKey(k int) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(k))
	return b
}

func decodeIntKey(b []byte) (int, error) {
	return int(binary.BigEndian.Uint64(b)), nil
}

// newTestStore builds an opened, primary-role Store[int,string] rooted at
// a fresh temp directory, ready for Add/Update/Remove/Commit.
func newTestStore(t *testing.T, opts ...func(*Config)) *Store[int, string] {
	t.Helper()
	dir := t.TempDir()
	st := NewStore[int, string](dir, intCmp, encodeIntKey, decodeIntKey, stringSerializer{}, replicator.NewFake(), opts...)
	ctx := context.Background()
	if err := st.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := st.ChangeRoleAsync(ctx, true); err != nil {
		t.Fatalf("ChangeRoleAsync: %v", err)
	}
	return st
}

// mustCommit stages fn's writes in a fresh ReadCommitted transaction and
// commits them, failing the test on any error. The transaction is anchored
// at the highest possible visibility LSN so Add/Update/Remove's existence
// checks see every version committed so far, not just what the write
// itself stages.
func mustCommit(t *testing.T, ctx context.Context, st *Store[int, string], fn func(tx *StoreTransaction[int, string])) {
	t.Helper()
	tx, err := st.BeginTransaction(ctx, ReadCommitted, ^uint64(0))
	if err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	fn(tx)
	if err := st.Commit(ctx, tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

// TestStoreAddGetRoundTrip covers spec section 8's Add/Get round-trip
// scenario: a committed insert is visible to a later read-committed read,
// and a second Add of the same key is rejected.
func TestStoreAddGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	mustCommit(t, ctx, st, func(tx *StoreTransaction[int, string]) {
		if err := st.Add(ctx, tx, 1, "hello"); err != nil {
			t.Fatalf("Add: %v", err)
		}
	})

	readTx, err := st.BeginTransaction(ctx, ReadCommitted, ^uint64(0))
	if err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	val, found, err := st.Get(ctx, readTx, 1, ReadModeDefault)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found || val != "hello" {
		t.Fatalf("Get(1) = %q, %v, want %q, true", val, found, "hello")
	}

	tx2, err := st.BeginTransaction(ctx, ReadCommitted, ^uint64(0))
	if err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	if err := st.Add(ctx, tx2, 1, "again"); err != ErrAlreadyExists {
		t.Fatalf("second Add(1) = %v, want ErrAlreadyExists", err)
	}

	if _, found, _ := st.Get(ctx, readTx, 2, ReadModeDefault); found {
		t.Fatal("Get(2) found a value for a key that was never written")
	}
	tx3, err := st.BeginTransaction(ctx, ReadCommitted, ^uint64(0))
	if err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	if err := st.Update(ctx, tx3, 2, "x"); err != ErrNotFound {
		t.Fatalf("Update on missing key = %v, want ErrNotFound", err)
	}
	if err := st.Remove(ctx, tx3, 2); err != ErrNotFound {
		t.Fatalf("Remove on missing key = %v, want ErrNotFound", err)
	}
}

// TestStoreUpdateConditionalVersionMismatch exercises the conditional form
// of Update: it must fail with ErrVersionMismatch when the caller's
// expected LSN is stale, and succeed when it matches the live version.
func TestStoreUpdateConditionalVersionMismatch(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	mustCommit(t, ctx, st, func(tx *StoreTransaction[int, string]) {
		if err := st.Add(ctx, tx, 9, "v1"); err != nil {
			t.Fatalf("Add: %v", err)
		}
	})

	tx, err := st.BeginTransaction(ctx, ReadCommitted, ^uint64(0))
	if err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	if err := st.Update(ctx, tx, 9, "v2", 999); err != ErrVersionMismatch {
		t.Fatalf("conditional Update with wrong expectedLsn = %v, want ErrVersionMismatch", err)
	}
	if err := st.Update(ctx, tx, 9, "v2", 1); err != nil {
		t.Fatalf("conditional Update with correct expectedLsn: %v", err)
	}
	if err := st.Commit(ctx, tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	readTx, _ := st.BeginTransaction(ctx, ReadCommitted, ^uint64(0))
	val, found, err := st.Get(ctx, readTx, 9, ReadModeDefault)
	if err != nil || !found || val != "v2" {
		t.Fatalf("Get(9) = %q, %v, %v, want v2, true, nil", val, found, err)
	}
}

// TestStoreSnapshotPreservesPriorVersion covers spec section 8's
// snapshot-preserves-prior-version scenario: a reader registered at the
// LSN when a key's first version was live must still be able to read that
// version after two later writes evict it from the live differential.
func TestStoreSnapshotPreservesPriorVersion(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	mustCommit(t, ctx, st, func(tx *StoreTransaction[int, string]) {
		if err := st.Add(ctx, tx, 7, "v1"); err != nil {
			t.Fatalf("Add: %v", err)
		}
	})

	// Register a snapshot reader anchored at LSN 1, right when "v1" was the
	// key's only version; this is the visibility LSN the eviction below
	// must route "v1" back to.
	if _, err := st.BeginTransaction(ctx, Snapshot, 1); err != nil {
		t.Fatalf("BeginTransaction(Snapshot): %v", err)
	}

	mustCommit(t, ctx, st, func(tx *StoreTransaction[int, string]) {
		if err := st.Update(ctx, tx, 7, "v2"); err != nil {
			t.Fatalf("Update: %v", err)
		}
	})
	mustCommit(t, ctx, st, func(tx *StoreTransaction[int, string]) {
		// This third write is what forces "v1" out of the differential's
		// two-deep slot.
		if err := st.Update(ctx, tx, 7, "v3"); err != nil {
			t.Fatalf("Update: %v", err)
		}
	})

	readTx, err := st.BeginTransaction(ctx, ReadCommitted, 1)
	if err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	val, found, err := st.Get(ctx, readTx, 7, ReadModeDefault)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found || val != "v1" {
		t.Fatalf("Get(7) at visibilityLSN=1 = %q, %v, want v1, true", val, found)
	}

	// A reader anchored at the latest state still sees "v3".
	latestTx, _ := st.BeginTransaction(ctx, ReadCommitted, ^uint64(0))
	val, found, err = st.Get(ctx, latestTx, 7, ReadModeDefault)
	if err != nil || !found || val != "v3" {
		t.Fatalf("Get(7) at latest = %q, %v, %v, want v3, true, nil", val, found, err)
	}
}

// TestStoreCheckpointThenRecovery covers spec section 8's
// checkpoint-then-recovery scenario: data survives PrepareCheckpointAsync
// /PerformCheckpointAsync/CompleteCheckpointAsync, a fresh Store opened
// against the same directory recovers it from disk without ever touching
// the original in-memory state.
func TestStoreCheckpointThenRecovery(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	st := NewStore[int, string](dir, intCmp, encodeIntKey, decodeIntKey, stringSerializer{}, replicator.NewFake())
	if err := st.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := st.ChangeRoleAsync(ctx, true); err != nil {
		t.Fatalf("ChangeRoleAsync: %v", err)
	}
	mustCommit(t, ctx, st, func(tx *StoreTransaction[int, string]) {
		if err := st.Add(ctx, tx, 3, "durable"); err != nil {
			t.Fatalf("Add: %v", err)
		}
	})

	if _, err := st.PrepareCheckpointAsync(ctx); err != nil {
		t.Fatalf("PrepareCheckpointAsync: %v", err)
	}
	if err := st.PerformCheckpointAsync(ctx); err != nil {
		t.Fatalf("PerformCheckpointAsync: %v", err)
	}
	if err := st.CompleteCheckpointAsync(ctx); err != nil {
		t.Fatalf("CompleteCheckpointAsync: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	recovered := NewStore[int, string](dir, intCmp, encodeIntKey, decodeIntKey, stringSerializer{}, replicator.NewFake())
	if err := recovered.Open(ctx); err != nil {
		t.Fatalf("Open (recovery): %v", err)
	}
	readTx, err := recovered.BeginTransaction(ctx, ReadCommitted, ^uint64(0))
	if err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	val, found, err := recovered.Get(ctx, readTx, 3, ReadModeDefault)
	if err != nil {
		t.Fatalf("Get after recovery: %v", err)
	}
	if !found || val != "durable" {
		t.Fatalf("Get(3) after recovery = %q, %v, want durable, true", val, found)
	}
}

// TestStoreConsolidationTriggersMerge covers spec section 8's
// consolidation-triggers-merge scenario: once enough on-disk files
// accumulate, PerformCheckpointAsync's merge-threshold check runs a real
// disk-level merge and records it in Stats(debug).
func TestStoreConsolidationTriggersMerge(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t, OptMergePolicy(MergeOnFileCount), OptFileCountMergeThreshold(1))

	for key, value := range map[int]string{1: "a", 2: "b", 3: "c"} {
		mustCommit(t, ctx, st, func(tx *StoreTransaction[int, string]) {
			if err := st.Add(ctx, tx, key, value); err != nil {
				t.Fatalf("Add(%d): %v", key, err)
			}
		})
		if _, err := st.PrepareCheckpointAsync(ctx); err != nil {
			t.Fatalf("PrepareCheckpointAsync: %v", err)
		}
		if err := st.PerformCheckpointAsync(ctx); err != nil {
			t.Fatalf("PerformCheckpointAsync: %v", err)
		}
	}

	stats := st.Stats(true)
	lastMerge, ok := stats["lastMerge"]
	if !ok {
		t.Fatalf("Stats(true) = %v, want a lastMerge entry once 3 files exceed the threshold of 1", stats)
	}
	info := lastMerge.(map[string]any)
	if len(info["deletedFileIDs"].([]uint32)) != 2 {
		t.Fatalf("lastMerge.deletedFileIDs = %v, want 2 superseded files", info["deletedFileIDs"])
	}

	// All three keys remain readable after the merge folded their files
	// together.
	readTx, _ := st.BeginTransaction(ctx, ReadCommitted, ^uint64(0))
	for key, want := range map[int]string{1: "a", 2: "b", 3: "c"} {
		val, found, err := st.Get(ctx, readTx, key, ReadModeDefault)
		if err != nil || !found || val != want {
			t.Fatalf("Get(%d) after merge = %q, %v, %v, want %q, true, nil", key, val, found, err, want)
		}
	}
}

// TestStoreDeleteTombstoneElision covers spec section 8's
// delete-tombstone-elision scenario: once a key is removed and checkpointed,
// it is gone from both the live read path and the consolidated component a
// subsequent checkpoint/merge would fold together, never resurrected from
// an older file's stale entry.
func TestStoreDeleteTombstoneElision(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	mustCommit(t, ctx, st, func(tx *StoreTransaction[int, string]) {
		if err := st.Add(ctx, tx, 5, "v1"); err != nil {
			t.Fatalf("Add: %v", err)
		}
	})
	if _, err := st.PrepareCheckpointAsync(ctx); err != nil {
		t.Fatalf("PrepareCheckpointAsync: %v", err)
	}
	if err := st.PerformCheckpointAsync(ctx); err != nil {
		t.Fatalf("PerformCheckpointAsync: %v", err)
	}

	mustCommit(t, ctx, st, func(tx *StoreTransaction[int, string]) {
		if err := st.Remove(ctx, tx, 5); err != nil {
			t.Fatalf("Remove: %v", err)
		}
	})
	if _, err := st.PrepareCheckpointAsync(ctx); err != nil {
		t.Fatalf("PrepareCheckpointAsync: %v", err)
	}
	if err := st.PerformCheckpointAsync(ctx); err != nil {
		t.Fatalf("PerformCheckpointAsync: %v", err)
	}

	readTx, _ := st.BeginTransaction(ctx, ReadCommitted, ^uint64(0))
	if _, found, err := st.Get(ctx, readTx, 5, ReadModeDefault); err != nil || found {
		t.Fatalf("Get(5) after delete+checkpoint = found=%v err=%v, want not found", found, err)
	}
	if _, found := st.agg.Load().Consolidated.Get(5); found {
		t.Fatal("consolidated component still holds an entry for a deleted, checkpointed key")
	}

	tx, err := st.BeginTransaction(ctx, ReadCommitted, ^uint64(0))
	if err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	if err := st.Add(ctx, tx, 5, "v2"); err != nil {
		t.Fatalf("re-Add after delete: %v", err)
	}
	if err := st.Commit(ctx, tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	readTx2, _ := st.BeginTransaction(ctx, ReadCommitted, ^uint64(0))
	val, found, err := st.Get(ctx, readTx2, 5, ReadModeDefault)
	if err != nil || !found || val != "v2" {
		t.Fatalf("Get(5) after re-Add = %q, %v, %v, want v2, true, nil", val, found, err)
	}
}

// TestStoreSweepThenRead covers spec section 8's sweep-then-read scenario:
// SweepManager evicts a resident, not-recently-used value buffer from a
// disk-backed item, and a subsequent Get still succeeds by falling through
// to the checkpoint file.
func TestStoreSweepThenRead(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	st := NewStore[int, string](dir, intCmp, encodeIntKey, decodeIntKey, stringSerializer{}, replicator.NewFake())
	if err := st.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := st.ChangeRoleAsync(ctx, true); err != nil {
		t.Fatalf("ChangeRoleAsync: %v", err)
	}
	mustCommit(t, ctx, st, func(tx *StoreTransaction[int, string]) {
		if err := st.Add(ctx, tx, 11, "swept"); err != nil {
			t.Fatalf("Add: %v", err)
		}
	})
	if _, err := st.PrepareCheckpointAsync(ctx); err != nil {
		t.Fatalf("PrepareCheckpointAsync: %v", err)
	}
	if err := st.PerformCheckpointAsync(ctx); err != nil {
		t.Fatalf("PerformCheckpointAsync: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	recovered := NewStore[int, string](dir, intCmp, encodeIntKey, decodeIntKey, stringSerializer{}, replicator.NewFake())
	if err := recovered.Open(ctx); err != nil {
		t.Fatalf("Open (recovery): %v", err)
	}

	readTx, _ := recovered.BeginTransaction(ctx, ReadCommitted, ^uint64(0))
	val, found, err := recovered.Get(ctx, readTx, 11, ReadModeCacheResult)
	if err != nil || !found || val != "swept" {
		t.Fatalf("Get(11) caching: %q, %v, %v, want swept, true, nil", val, found, err)
	}
	item, ok := recovered.agg.Load().Consolidated.Get(11)
	if !ok || !item.InMemory() {
		t.Fatalf("expected item(11) resident after a cache-result read, InMemory=%v ok=%v", item.InMemory(), ok)
	}

	// First pass only clears the in-use bit that the read just set; second
	// pass evicts since nothing touched the item in between.
	recovered.RunSweep()
	if !item.InMemory() {
		t.Fatal("item evicted on the first sweep pass despite having just been read")
	}
	if _, evicted := recovered.RunSweep(); evicted == 0 {
		t.Fatal("expected the second sweep pass to evict the unused resident buffer")
	}
	if item.InMemory() {
		t.Fatal("item still resident after two sweep passes")
	}

	readTx2, _ := recovered.BeginTransaction(ctx, ReadCommitted, ^uint64(0))
	val, found, err = recovered.Get(ctx, readTx2, 11, ReadModeDefault)
	if err != nil {
		t.Fatalf("Get after sweep: %v", err)
	}
	if !found || val != "swept" {
		t.Fatalf("Get(11) after sweep = %q, %v, want swept, true (fell through to disk)", val, found)
	}
}
