package tstore

import "sync"

// IsolationLevel selects how a StoreTransaction's reads are anchored, per
// spec section 4.6.
type IsolationLevel int

const (
	// ReadRepeatable re-reads of the same key within the transaction
	// observe the same value, anchored at the transaction's start LSN.
	ReadRepeatable IsolationLevel = iota
	// Snapshot anchors every read at the visibility LSN captured when the
	// transaction began, registering with the SnapshotContainer so
	// evicted versions it still needs stay reachable.
	Snapshot
	// ReadCommitted anchors every read at the visibility LSN passed to
	// BeginTransaction, like ReadRepeatable; versions committed after that
	// LSN are not observed.
	ReadCommitted
)

// writeSetEntry is one key's staged write, coalescing repeated writes to
// the same key within a transaction (spec section 4.6: "duplicate writes
// on the same key coalesce").
type writeSetEntry[V any] struct {
	firstVersionKind ItemKind
	createLSN        uint64
	latestKind       ItemKind
	latestValue      V
}

// StoreTransaction stages writes before they are applied to the current
// differential, and anchors reads at a visibility LSN according to its
// isolation level (spec section 4.6).
type StoreTransaction[K comparable, V any] struct {
	isolation     IsolationLevel
	visibilityLSN uint64

	mu       sync.Mutex
	order    []K
	writeSet map[K]*writeSetEntry[V]

	prime        *primeLock
	heldRead     bool
	heldWrite    bool
	snapshotKept bool
}

// NewStoreTransaction begins a transaction anchored at visibilityLSN under
// the given isolation level, sharing the store's prime lock.
func NewStoreTransaction[K comparable, V any](isolation IsolationLevel, visibilityLSN uint64, prime *primeLock) *StoreTransaction[K, V] {
	return &StoreTransaction[K, V]{
		isolation:     isolation,
		visibilityLSN: visibilityLSN,
		writeSet:      make(map[K]*writeSetEntry[V]),
		prime:         prime,
	}
}

// Isolation reports the transaction's isolation level.
func (tx *StoreTransaction[K, V]) Isolation() IsolationLevel { return tx.isolation }

// VisibilityLSN reports the LSN this transaction's reads are anchored to.
func (tx *StoreTransaction[K, V]) VisibilityLSN() uint64 { return tx.visibilityLSN }

// Stage records a write to key within this transaction's write-set. kind
// is the operation being staged (Inserted/Updated/Deleted); repeated
// stages of the same key keep the original firstVersionKind but replace
// latestValue, per spec section 4.6.
func (tx *StoreTransaction[K, V]) Stage(key K, kind ItemKind, value V, lsn uint64) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	e, ok := tx.writeSet[key]
	if !ok {
		e = &writeSetEntry[V]{firstVersionKind: kind, createLSN: lsn}
		tx.writeSet[key] = e
		tx.order = append(tx.order, key)
	}
	e.latestKind = kind
	e.latestValue = value
}

// WriteSetLookup returns the staged write for key, if this transaction has
// one, supporting the read path's "read-your-writes" step (spec section
// 4.1 step 1).
func (tx *StoreTransaction[K, V]) WriteSetLookup(key K) (kind ItemKind, value V, ok bool) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	e, ok := tx.writeSet[key]
	if !ok {
		var zero V
		return 0, zero, false
	}
	return e.latestKind, e.latestValue, true
}

// Keys returns every key staged in this transaction's write-set, in the
// order first written, for the commit path to apply in sequence.
func (tx *StoreTransaction[K, V]) Keys() []K {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return append([]K(nil), tx.order...)
}

// Entry returns the staged entry for key. Commit does not call it; it
// reads each staged write through WriteSetLookup.
func (tx *StoreTransaction[K, V]) Entry(key K) (*writeSetEntry[V], bool) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	e, ok := tx.writeSet[key]
	return e, ok
}

// markSnapshotRegistered records that this transaction registered itself
// with the SnapshotContainer, so Store.EndTransaction knows to release it.
func (tx *StoreTransaction[K, V]) markSnapshotRegistered() {
	tx.mu.Lock()
	tx.snapshotKept = true
	tx.mu.Unlock()
}

func (tx *StoreTransaction[K, V]) hasSnapshotRegistration() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.snapshotKept
}

// Abort drops the write-set; nothing was ever applied to the differential
// so there is no undo to perform (spec section 4.6).
func (tx *StoreTransaction[K, V]) Abort() {
	tx.mu.Lock()
	tx.writeSet = nil
	tx.order = nil
	tx.mu.Unlock()
}
