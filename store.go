package tstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/gholt/brimtext"

	"github.com/gholt/tstore/checkpointfile"
	"github.com/gholt/tstore/replicator"
)

// EncodeKeyFunc turns a key into the bytes a checkpoint file stores for
// it; the inverse of DecodeKeyFunc. Supplied by the caller, since Store
// never interprets key bytes itself (kv.go's Comparer/Serializer split).
type EncodeKeyFunc[K any] func(K) []byte

// Store is the façade spec section 4 describes: Add/Get/Update/Remove,
// enumeration, checkpoint lifecycle, replicator apply callbacks, and the
// copy protocol entry points, composed from the lower-level components
// built up across the other files in this package.
type Store[K comparable, V any] struct {
	cfg  *Config
	cmp  func(a, b K) int
	dir  string
	repl replicator.Replicator

	encodeKey EncodeKeyFunc[K]
	decodeKey DecodeKeyFunc[K]
	ser       Serializer[V]

	agg       *aggregatedHolder[K]
	snapshots *SnapshotContainer[K]
	metadata  *MetadataTable
	prime     *primeLock

	mergeHelper  *MergeHelper
	consolidator *ConsolidationManager[K]
	merger       *FileMerger
	sweeper      *SweepManager[K]

	nextFileID atomic.Uint32
	role       atomic.Int32 // 0=none,1=primary,2=secondary

	// lastMergeInfo records the outcome of the most recently completed
	// disk-level merge, for Stats(debug) and tests; nil until the first
	// merge runs.
	lastMergeInfo atomic.Pointer[PostMergeMetadataTableInformation]

	mu      sync.Mutex
	current *Differential[K]
	opened  bool
}

const (
	roleNone int32 = iota
	rolePrimary
	roleSecondary
)

// NewStore constructs a Store rooted at dir. The caller's comparer orders
// keys across every index in the engine; encodeKey/decodeKey convert
// between K and the bytes a checkpoint file persists; ser (de)serializes
// V for value storage. opts customize Config (see OptXxx functions).
func NewStore[K comparable, V any](
	dir string,
	cmp func(a, b K) int,
	encodeKey EncodeKeyFunc[K],
	decodeKey DecodeKeyFunc[K],
	ser Serializer[V],
	repl replicator.Replicator,
	opts ...func(*Config),
) *Store[K, V] {
	cfg := resolveConfig(opts...)
	snaps := NewSnapshotContainer[K]()
	return &Store[K, V]{
		cfg:          cfg,
		cmp:          cmp,
		dir:          dir,
		repl:         repl,
		encodeKey:    encodeKey,
		decodeKey:    decodeKey,
		ser:          ser,
		agg:          newAggregatedHolder[K](cmp),
		snapshots:    snaps,
		metadata:     NewMetadataTable(dir),
		prime:        &primeLock{},
		mergeHelper:  NewMergeHelper(cfg),
		consolidator: NewConsolidationManager[K](cmp, snaps),
		merger:       NewFileMerger(dir),
		sweeper:      NewSweepManager[K](),
	}
}

// Open recovers existing on-disk state (if any) and readies the store for
// applies (spec section 4.11).
func (s *Store[K, V]) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	mt, err := RecoverMetadataTable(s.dir)
	if err != nil {
		return err
	}
	s.metadata = mt
	files := mt.All()
	if len(files) > 0 {
		result, err := Recover[K](s.cmp, files, s.decodeKey, s.cfg.shouldLoadValuesOnRecovery)
		if err != nil {
			return fmt.Errorf("tstore: recovery failed: %w", err)
		}
		s.agg = newAggregatedHolder[K](s.cmp)
		s.agg.agg.Consolidated = result.Consolidated
		s.nextFileID.Store(result.MaxFileID + 1)
	} else {
		s.nextFileID.Store(1)
	}
	s.opened = true
	return nil
}

// RecoverCheckpointAsync re-runs Open's recovery path, used after a
// failed checkpoint leaves the in-memory state suspect.
func (s *Store[K, V]) RecoverCheckpointAsync(ctx context.Context) error {
	s.mu.Lock()
	s.opened = false
	s.mu.Unlock()
	return s.Open(ctx)
}

// ChangeRoleAsync transitions the store between primary/secondary/none,
// gating which OnApply contexts are legal (spec section 4.1).
func (s *Store[K, V]) ChangeRoleAsync(ctx context.Context, primary bool) error {
	if primary {
		s.role.Store(rolePrimary)
	} else {
		s.role.Store(roleSecondary)
	}
	return nil
}

// Close releases every open checkpoint file handle.
func (s *Store[K, V]) Close() error {
	var first error
	for _, fm := range s.metadata.All() {
		if err := fm.closeFiles(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// RemoveStateAsync deletes every on-disk file belonging to this store,
// used when a replica is being torn down entirely.
func (s *Store[K, V]) RemoveStateAsync(ctx context.Context) error {
	for _, fm := range s.metadata.All() {
		fm.MarkCanBeDeleted()
		fm.ReleaseRef()
	}
	os.Remove(filepath.Join(s.dir, metadataCurrentName))
	os.Remove(filepath.Join(s.dir, metadataNextName))
	return nil
}

// BeginTransaction starts a StoreTransaction anchored at the current
// consolidated+deltas view (spec section 4.6).
func (s *Store[K, V]) BeginTransaction(ctx context.Context, isolation IsolationLevel, visibilityLSN uint64) (*StoreTransaction[K, V], error) {
	if isolation == Snapshot {
		if err := s.repl.RegisterAsync(ctx, visibilityLSN); err != nil {
			return nil, err
		}
		// Registering the component here, even empty, is what lets a later
		// eviction (handleEviction/AddToRange) know a reader anchored at
		// visibilityLSN exists and needs to be offered superseded versions.
		s.snapshots.GetOrAdd(visibilityLSN)
	}
	tx := NewStoreTransaction[K, V](isolation, visibilityLSN, s.prime)
	if isolation == Snapshot {
		tx.markSnapshotRegistered()
	}
	return tx, nil
}

// EndTransaction releases a Snapshot transaction's registration once the
// caller is done reading at its visibility LSN (spec section 4.7).
func (s *Store[K, V]) EndTransaction(ctx context.Context, tx *StoreTransaction[K, V]) error {
	if tx.hasSnapshotRegistration() {
		if err := s.repl.UnRegister(ctx, tx.VisibilityLSN()); err != nil {
			return err
		}
		return s.snapshots.RemoveAsync(tx.VisibilityLSN())
	}
	return nil
}

// Commit flushes tx's write-set to the current differential: for each
// staged key, in stage order, the replicator assigns a commit LSN via
// ApplyAsync and the write is installed through OnApply (spec section 4.6:
// "the write-set is flushed to the current differential via apply"). Only
// legal while this store holds the primary role; a secondary's writes
// arrive through OnApply directly from its own replicator, never through
// Commit (spec section 7's InvalidState: "write on secondary").
func (s *Store[K, V]) Commit(ctx context.Context, tx *StoreTransaction[K, V]) error {
	if s.role.Load() != rolePrimary {
		return ErrInvalidState
	}
	if err := s.prime.AcquireWrite(ctx); err != nil {
		return err
	}
	defer s.prime.ReleaseWrite()

	for _, key := range tx.Keys() {
		kind, value, ok := tx.WriteSetLookup(key)
		if !ok {
			continue
		}
		var valBytes []byte
		if kind != Deleted {
			buf, err := serializeValue(s.ser, value)
			if err != nil {
				return err
			}
			valBytes = buf
		}
		op := replicator.OperationData{Key: s.encodeKey(key), Value: valBytes, Kind: uint8(kind)}
		lsn, err := s.repl.ApplyAsync(ctx, op, replicator.PrimaryRedo)
		if err != nil {
			return err
		}
		if err := s.OnApply(ctx, key, value, kind, lsn, replicator.PrimaryRedo); err != nil {
			return err
		}
	}
	tx.Abort()
	return s.repl.Unlock(ctx, tx.VisibilityLSN())
}

// Add stages an insert in tx's write-set, failing with ErrAlreadyExists if
// the key is currently visible.
func (s *Store[K, V]) Add(ctx context.Context, tx *StoreTransaction[K, V], key K, value V) error {
	if _, found, err := s.Get(ctx, tx, key, ReadModeDefault); err == nil && found {
		return ErrAlreadyExists
	}
	tx.Stage(key, Inserted, value, tx.VisibilityLSN())
	return nil
}

// Update stages an update in tx's write-set, failing with ErrNotFound if no
// live version of key is visible. An optional expectedLsn makes this a
// conditional update: it fails with ErrVersionMismatch unless the live
// version's LSN equals expectedLsn[0] (spec section 4.1).
func (s *Store[K, V]) Update(ctx context.Context, tx *StoreTransaction[K, V], key K, value V, expectedLsn ...uint64) error {
	lsn, found, stagedOnly := s.currentLSN(tx, key)
	if !found {
		return ErrNotFound
	}
	if len(expectedLsn) > 0 && !stagedOnly && lsn != expectedLsn[0] {
		return ErrVersionMismatch
	}
	tx.Stage(key, Updated, value, tx.VisibilityLSN())
	return nil
}

// Remove stages a delete in tx's write-set, subject to the same
// not-found/version-mismatch rules as Update (spec section 4.1).
func (s *Store[K, V]) Remove(ctx context.Context, tx *StoreTransaction[K, V], key K, expectedLsn ...uint64) error {
	var zero V
	lsn, found, stagedOnly := s.currentLSN(tx, key)
	if !found {
		return ErrNotFound
	}
	if len(expectedLsn) > 0 && !stagedOnly && lsn != expectedLsn[0] {
		return ErrVersionMismatch
	}
	tx.Stage(key, Deleted, zero, tx.VisibilityLSN())
	return nil
}

// currentLSN reports the LSN of the version of key currently visible to tx,
// without materializing its value. stagedOnly is true when the only live
// version visible is one tx itself staged this transaction (read-your-writes),
// in which case there is no committed LSN yet to check expectedLsn against.
func (s *Store[K, V]) currentLSN(tx *StoreTransaction[K, V], key K) (lsn uint64, found bool, stagedOnly bool) {
	agg := s.agg.Load()
	item := s.resolveItem(agg, key, tx.VisibilityLSN())
	if item == nil {
		if ev, ok := s.snapshots.Get(tx.VisibilityLSN(), string(s.encodeKey(key))); ok {
			item = ev.Version
		}
	}
	if item != nil && item.Kind() != Deleted {
		return item.LSN(), true, false
	}
	if kind, _, ok := tx.WriteSetLookup(key); ok && kind != Deleted {
		return 0, true, true
	}
	return 0, false, false
}

// Get implements the read cascade of spec section 4.1: write-set, latest
// differential (+ previous), each sealed delta newest-to-oldest,
// consolidated, then the snapshot container, finally falling through to
// disk when the resolved item has a FileID.
func (s *Store[K, V]) Get(ctx context.Context, tx *StoreTransaction[K, V], key K, readMode ReadMode) (V, bool, error) {
	var zero V
	if kind, val, ok := tx.WriteSetLookup(key); ok {
		if kind == Deleted {
			return zero, false, nil
		}
		return val, true, nil
	}

	agg := s.agg.Load()
	item := s.resolveItem(agg, key, tx.VisibilityLSN())
	if item == nil {
		if ev, ok := s.snapshots.Get(tx.VisibilityLSN(), string(s.encodeKey(key))); ok {
			item = ev.Version
		}
	}
	if item == nil || item.Kind() == Deleted {
		return zero, false, nil
	}
	return s.materialize(item, readMode)
}

// resolveItem walks spec section 4.1's read cascade steps 2-4: the current
// (still-unsealed) differential first, since that's where OnApply installs
// every write until the next checkpoint seals it, then each sealed delta
// newest-to-oldest, then consolidated.
func (s *Store[K, V]) resolveItem(agg *Aggregated[K], key K, visibilityLSN uint64) *VersionedItem {
	s.mu.Lock()
	current := s.current
	s.mu.Unlock()
	if current != nil {
		if item := current.Read(key, visibilityLSN); item != nil {
			return item
		}
	}
	for i := len(agg.Deltas) - 1; i >= 0; i-- {
		if item := agg.Deltas[i].Read(key, visibilityLSN); item != nil {
			return item
		}
	}
	if item, ok := agg.Consolidated.Get(key); ok {
		return item
	}
	return nil
}

// ContainsKey is Get(ReadModeDefault) reduced to existence; like Get it
// materializes the value, reading it from disk when it is not resident.
func (s *Store[K, V]) ContainsKey(ctx context.Context, tx *StoreTransaction[K, V], key K) (bool, error) {
	_, found, err := s.Get(ctx, tx, key, ReadModeDefault)
	return found, err
}

func (s *Store[K, V]) materialize(item *VersionedItem, readMode ReadMode) (V, bool, error) {
	var zero V
	if buf, ok := item.Value(); ok {
		item.MarkInUse()
		v, err := s.ser.Read(bytes.NewReader(buf))
		if err != nil {
			return zero, false, err
		}
		return v, true, nil
	}
	fm, ok := s.metadata.Get(item.FileID())
	if !ok {
		return zero, false, fmt.Errorf("tstore: missing metadata for fileID %d: %w", item.FileID(), ErrCorruptedData)
	}
	buf, err := fm.ReadValue(item.Offset(), item.ValueSize(), item.ValueChecksum())
	if err != nil {
		return zero, false, err
	}
	if readMode == ReadModeCacheResult {
		item.CacheValue(buf)
	}
	v, err := s.ser.Read(bytes.NewReader(buf))
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// CreateEnumerator returns keys in [firstKey, lastKey] ascending, reading
// the consolidated component (callers needing a fully merged live view
// should consolidate first; this mirrors the teacher's preference for
// simple index-backed range scans over a merged-on-the-fly iterator).
func (s *Store[K, V]) CreateEnumerator(ctx context.Context, firstKey, lastKey *K, inclusive bool, fn func(K) bool) {
	agg := s.agg.Load()
	agg.Consolidated.Range(firstKey, lastKey, inclusive, func(k K, item *VersionedItem) bool {
		if item.Kind() == Deleted {
			return true
		}
		return fn(k)
	})
}

// OnApply installs a replicated operation into the current differential,
// per spec section 4.1's contract for each ApplyContext.
func (s *Store[K, V]) OnApply(ctx context.Context, key K, value V, kind ItemKind, lsn uint64, applyCtx replicator.ApplyContext) error {
	writer := s.writableDifferential()

	if applyCtx == replicator.SecondaryFalseProgress {
		writer.Undo(key, lsn)
		return nil
	}

	var item *VersionedItem
	if kind == Deleted {
		item = NewMemoryItem(Deleted, lsn, nil)
	} else {
		buf, err := serializeValue(s.ser, value)
		if err != nil {
			return err
		}
		item = NewMemoryItem(kind, lsn, buf)
	}
	evicted, _ := writer.Add(key, item)
	if evicted != nil {
		s.handleEviction(key, evicted, lsn)
	}
	return nil
}

// writableDifferential returns the current (unsealed) differential that
// new applies should target; Store keeps at most one such differential,
// created lazily by the first apply after Open or after
// PrepareCheckpointAsync sealed the previous one.
func (s *Store[K, V]) writableDifferential() *Differential[K] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		s.current = NewDifferential[K](s.cmp)
	}
	return s.current
}

// handleEviction offers a version the differential just dropped to every
// registered snapshot reader that might still need it: readers anchored at
// a visibilityLSN in [evicted.LSN(), newLSN) would, before this eviction,
// have seen evicted as their answer; afterward only the SnapshotContainer
// can still supply it (spec section 4.7). newLSN is the LSN of the write
// that caused the eviction, used as a safe (if slightly wide) upper bound:
// any visibilityLSN the live differential can still answer correctly for
// never reaches the container, so over-registering a wider range is
// harmless.
func (s *Store[K, V]) handleEviction(key K, evicted *VersionedItem, newLSN uint64) {
	if s.repl.TryRemoveVersion(evicted.LSN()) {
		return
	}
	s.snapshots.AddToRange(evicted.LSN(), newLSN, string(s.encodeKey(key)), &EvictedVersion[K]{Key: key, Version: evicted})
}

// PrepareCheckpointAsync seals the current differential so new applies
// land in a fresh one, returning the sealed generation's snapshot.
func (s *Store[K, V]) PrepareCheckpointAsync(ctx context.Context) (*Aggregated[K], error) {
	if err := s.prime.AcquireWrite(ctx); err != nil {
		return nil, err
	}
	defer s.prime.ReleaseWrite()

	s.mu.Lock()
	sealing := s.current
	s.current = nil
	s.mu.Unlock()
	if sealing == nil {
		return s.agg.Load(), nil
	}
	before, _ := s.agg.SealCurrent(sealing, s.cmp)
	return before, nil
}

// PerformCheckpointAsync does nothing until at least
// numberOfDeltasToBeConsolidated sealed deltas have accumulated. Then it
// consolidates them with the prior consolidated component, writes the
// whole consolidated set to a new checkpoint file pair, runs a file merge
// if MergeHelper recommends one, installs the new consolidated component
// and persists the metadata table (spec section 4.3).
func (s *Store[K, V]) PerformCheckpointAsync(ctx context.Context) error {
	agg := s.agg.Load()
	if len(agg.Deltas) < s.cfg.numberOfDeltasToBeConsolidated {
		return nil
	}

	var superseded []*VersionedItem
	newConsolidated := s.consolidator.Consolidate(agg, func(item *VersionedItem) {
		superseded = append(superseded, item)
	}, nil)
	for _, item := range superseded {
		if fm, ok := s.metadata.Get(item.FileID()); ok {
			fm.DecrementValid()
		}
	}

	fileID := s.nextFileID.Add(1)
	newFM, err := s.writeConsolidatedToDisk(newConsolidated, fileID)
	if err != nil {
		return err
	}
	s.metadata.Put(newFM)

	if fileIDs, ok := s.mergeHelper.ShouldMerge(s.metadata.All()); ok {
		info, err := s.runMerge(fileIDs, newConsolidated)
		if err != nil {
			return err
		}
		s.lastMergeInfo.Store(info)
	}

	s.agg.SwapConsolidated(newConsolidated, agg.nextIndex)
	return s.metadata.Persist()
}

// writeConsolidatedToDisk writes c's entire live key set to a fresh
// checkpoint file pair and rebinds each entry to a NewDiskItem pointing at
// that file, with its just-written bytes kept resident. Without this
// rebind, items installed by OnApply would stay memory-only (FileID 0)
// forever: never decrementable by a later merge's onSuperseded bookkeeping
// (store.go's metadata.Get(0) would never match a real file) and never
// eligible for SweepManager's disk-fallthrough eviction (VersionedItem.Sweep
// requires FileID() > 0). Every checkpoint rewrites the whole consolidated
// set into one new file, so this rebind is exactly spec section 4.3's
// "writes the consolidated component to a new file" contract, not an
// incremental touch-up.
func (s *Store[K, V]) writeConsolidatedToDisk(c *Consolidated[K], fileID uint32) (*FileMetadata, error) {
	fm := NewFileMetadata(s.dir, fileID, int64(fileID))
	kfp, err := os.Create(fm.KeyPath())
	if err != nil {
		return nil, err
	}
	vfp, err := os.Create(fm.ValuePath())
	if err != nil {
		kfp.Close()
		return nil, err
	}
	kw := checkpointfile.NewKeyFileWriter(kfp)
	vw := checkpointfile.NewValueFileWriter(vfp)
	var total, valid, deleted int64
	type rebind struct {
		key  K
		item *VersionedItem
	}
	var rebinds []rebind
	c.Range(nil, nil, true, func(k K, item *VersionedItem) bool {
		keyBytes := s.encodeKey(k)
		if item.Kind() == Deleted {
			kw.Append(checkpointfile.KeyEntry{
				Key: keyBytes, Kind: checkpointfile.Deleted, LSN: int64(item.LSN()),
				LogicalTimestamp: int64(item.LSN()),
			})
			total++
			deleted++
			return true
		}
		buf, ok := item.Value()
		if !ok {
			if fm2, ok2 := s.metadata.Get(item.FileID()); ok2 {
				if b, err := fm2.ReadValue(item.Offset(), item.ValueSize(), item.ValueChecksum()); err == nil {
					buf = b
				}
			}
		}
		offset, _ := vw.Append(buf)
		checksum := checksumValue(buf)
		kw.Append(checkpointfile.KeyEntry{
			Key: keyBytes, Kind: toFileKind(item.Kind()), LSN: int64(item.LSN()),
			ValueOffset: offset, ValueChecksum: checksum, ValueSize: uint32(len(buf)),
		})
		rebinds = append(rebinds, rebind{
			key:  k,
			item: NewDiskItem(item.Kind(), item.LSN(), fileID, offset, uint32(len(buf)), checksum, buf),
		})
		total++
		valid++
		return true
	})
	if err := kw.Close(fileID); err != nil {
		return nil, err
	}
	if err := vw.Close(fileID); err != nil {
		return nil, err
	}
	kfp.Close()
	vfp.Close()
	for _, r := range rebinds {
		c.Put(r.key, r.item)
	}
	fm.SetCounts(total, valid, deleted)
	return fm, nil
}

func toFileKind(k ItemKind) checkpointfile.Kind {
	switch k {
	case Inserted:
		return checkpointfile.Inserted
	case Updated:
		return checkpointfile.Updated
	default:
		return checkpointfile.Deleted
	}
}

func (s *Store[K, V]) runMerge(fileIDs []uint32, consolidated *Consolidated[K]) (*PostMergeMetadataTableInformation, error) {
	var files []*FileMetadata
	for _, id := range fileIDs {
		if fm, ok := s.metadata.Get(id); ok {
			files = append(files, fm)
		}
	}
	if len(files) < 2 {
		return nil, nil
	}
	lookup := func(keyBytes []byte) (present, isDeleted bool, value []byte, inMemory bool) {
		key, err := s.decodeKey(keyBytes)
		if err != nil {
			return false, false, nil, false
		}
		item, ok := consolidated.Get(key)
		if !ok {
			return false, false, nil, false
		}
		if item.Kind() == Deleted {
			return true, true, nil, false
		}
		buf, inMem := item.Value()
		return true, false, buf, inMem
	}
	newFileID := s.nextFileID.Add(1)
	// hasOlderSurvivor=false keeps every surviving delete rather than
	// risk dropping one still needed by a file this merge didn't touch;
	// conservative relative to spec section 4.8 step 3's exact rule, but
	// never loses a required tombstone.
	mergedFM, err := s.merger.Merge(files, newFileID, lookup, 0, false)
	if err != nil {
		return nil, err
	}
	info := &PostMergeMetadataTableInformation{NewFile: mergedFM}
	for _, fm := range files {
		fm.MarkCanBeDeleted()
		info.DeletedFileIDs = append(info.DeletedFileIDs, fm.FileID)
		s.metadata.Remove(fm.FileID)
		fm.ReleaseRef()
	}
	s.metadata.Put(mergedFM)
	return info, nil
}

// CompleteCheckpointAsync persists the metadata table, finalizing the
// checkpoint started by PrepareCheckpointAsync/PerformCheckpointAsync.
func (s *Store[K, V]) CompleteCheckpointAsync(ctx context.Context) error {
	return s.metadata.Persist()
}

// BackupCheckpointAsync copies the persisted metadata table and every
// currently-tracked checkpoint file into destDir for an external backup.
func (s *Store[K, V]) BackupCheckpointAsync(ctx context.Context, destDir string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}
	if err := copyFileTo(filepath.Join(s.dir, metadataCurrentName), filepath.Join(destDir, metadataCurrentName)); err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, fm := range s.metadata.All() {
		if err := copyFileTo(fm.KeyPath(), filepath.Join(destDir, filepath.Base(fm.KeyPath()))); err != nil {
			return err
		}
		if err := copyFileTo(fm.ValuePath(), filepath.Join(destDir, filepath.Base(fm.ValuePath()))); err != nil {
			return err
		}
	}
	return nil
}

// RestoreCheckpointAsync replaces this store's directory contents with a
// prior BackupCheckpointAsync output and re-runs recovery.
func (s *Store[K, V]) RestoreCheckpointAsync(ctx context.Context, srcDir string) error {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := copyFileTo(filepath.Join(srcDir, e.Name()), filepath.Join(s.dir, e.Name())); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.opened = false
	s.mu.Unlock()
	return s.Open(ctx)
}

// RunSweep drives one clock-hand eviction pass over the live state (spec
// section 4.10).
func (s *Store[K, V]) RunSweep() (freedBytes int64, evicted int64) {
	return s.sweeper.Run(s.agg.Load())
}

// Stats reports point-in-time counters; when debug is true it also
// includes per-file and per-snapshot detail.
func (s *Store[K, V]) Stats(debug bool) map[string]any {
	agg := s.agg.Load()
	out := map[string]any{
		"consolidatedKeys":  agg.Consolidated.Len(),
		"consolidatedBytes": agg.Consolidated.ByteSize(),
		"sealedDeltas":      len(agg.Deltas),
		"files":             len(s.metadata.All()),
		"openSnapshots":     s.snapshots.Len(),
	}
	if debug {
		var files []map[string]any
		for _, fm := range s.metadata.All() {
			files = append(files, map[string]any{
				"fileID":  fm.FileID,
				"total":   fm.TotalEntries(),
				"valid":   fm.ValidEntries(),
				"deleted": fm.DeletedEntries(),
			})
		}
		out["fileDetail"] = files
		if info := s.lastMergeInfo.Load(); info != nil {
			out["lastMerge"] = map[string]any{
				"deletedFileIDs": info.DeletedFileIDs,
				"newFileID":      info.NewFile.FileID,
			}
		}
	}
	return out
}

// FormatStats renders Stats(false)'s top-level counters as an aligned
// text table, in the style of the teacher's own debug-stats formatting.
func (s *Store[K, V]) FormatStats() string {
	stats := s.Stats(false)
	rows := [][]string{
		{"consolidatedKeys", fmt.Sprintf("%v", stats["consolidatedKeys"])},
		{"consolidatedBytes", fmt.Sprintf("%v", stats["consolidatedBytes"])},
		{"sealedDeltas", fmt.Sprintf("%v", stats["sealedDeltas"])},
		{"files", fmt.Sprintf("%v", stats["files"])},
		{"openSnapshots", fmt.Sprintf("%v", stats["openSnapshots"])},
	}
	return brimtext.Align(rows, nil)
}

func serializeValue[V any](ser Serializer[V], v V) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := ser.Write(v, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func copyFileTo(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
