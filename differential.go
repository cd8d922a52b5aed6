package tstore

import (
	"sync"

	"github.com/gholt/tstore/locindex"
)

// DifferentialVersions holds at most the latest and one prior version of a
// key since the last seal, per spec section 3.
type DifferentialVersions struct {
	Current  *VersionedItem
	Previous *VersionedItem
}

// EvictedVersion is reported by Differential.Add when a third arrival
// forces the previous-previous version out; the caller (normally the
// consolidation manager) decides whether it must be preserved in the
// snapshot container.
type EvictedVersion[K any] struct {
	Key     K
	Version *VersionedItem
}

// Differential is the writer-side in-memory component: a sorted K ->
// DifferentialVersions map plus an LSN index so apply/commit callbacks can
// scan "everything written at LSN L" without walking the whole map.
type Differential[K any] struct {
	idx *locindex.Index[K, *DifferentialVersions]

	mu      sync.RWMutex
	byLSN   map[uint64]map[any]K
	sealed  bool
	sealIdx int
}

// NewDifferential creates an empty differential component ordered by cmp.
func NewDifferential[K any](cmp func(a, b K) int) *Differential[K] {
	return &Differential[K]{
		idx:   locindex.New[K, *DifferentialVersions](cmp),
		byLSN: make(map[uint64]map[any]K),
	}
}

// Add installs item for key, enforcing spec section 4.2's ordering
// contract: the new item's LSN must be >= the current version's LSN. An
// equal LSN is only legal when both are deletes (idempotent re-apply from
// a replicator replay). Returns the version evicted out of the two-deep
// slot, if any.
func (d *Differential[K]) Add(key K, item *VersionedItem) (evicted *VersionedItem, ok bool) {
	existing, _ := d.idx.Get(key)
	if existing == nil {
		d.idx.Set(key, &DifferentialVersions{Current: item})
		d.indexLSN(key, item.LSN())
		return nil, true
	}
	cur := existing.Current
	if item.LSN() < cur.LSN() {
		return nil, false
	}
	if item.LSN() == cur.LSN() {
		if item.Kind() != Deleted || cur.Kind() != Deleted {
			return nil, false
		}
		existing.Current = item
		d.indexLSN(key, item.LSN())
		return nil, true
	}
	evicted = existing.Previous
	existing.Previous = cur
	existing.Current = item
	d.indexLSN(key, item.LSN())
	return evicted, true
}

// Undo reverts a false-progress apply: if the current version's LSN
// matches lsn, current becomes previous and previous is cleared; otherwise
// it is a no-op (the spec asserts previous.LSN != lsn in that case).
func (d *Differential[K]) Undo(key K, lsn uint64) {
	existing, ok := d.idx.Get(key)
	if !ok || existing.Current == nil || existing.Current.LSN() != lsn {
		return
	}
	existing.Current = existing.Previous
	existing.Previous = nil
}

// Read returns the version visible at visibilityLSN, per spec section 4.2:
// current if its LSN is within the horizon, else previous if present and
// within the horizon, else nil.
func (d *Differential[K]) Read(key K, visibilityLSN uint64) *VersionedItem {
	existing, ok := d.idx.Get(key)
	if !ok {
		return nil
	}
	if existing.Current != nil && existing.Current.LSN() <= visibilityLSN {
		return existing.Current
	}
	if existing.Previous != nil && existing.Previous.LSN() <= visibilityLSN {
		return existing.Previous
	}
	return nil
}

// Range walks keys in [lo, hi] ascending, calling fn with each key's
// two-deep version set.
func (d *Differential[K]) Range(lo, hi *K, inclusive bool, fn func(K, *DifferentialVersions) bool) {
	d.idx.Range(lo, hi, inclusive, fn)
}

// Len returns the number of distinct keys held.
func (d *Differential[K]) Len() int64 { return d.idx.Len() }

// KeysAtLSN returns every key written at exactly lsn, supporting apply and
// commit callbacks that need to act on "everything this transaction
// wrote."
func (d *Differential[K]) KeysAtLSN(lsn uint64) []K {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m := d.byLSN[lsn]
	keys := make([]K, 0, len(m))
	for _, k := range m {
		keys = append(keys, k)
	}
	return keys
}

func (d *Differential[K]) indexLSN(key K, lsn uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m := d.byLSN[lsn]
	if m == nil {
		m = make(map[any]K)
		d.byLSN[lsn] = m
	}
	m[any(key)] = key
}

// Seal marks the differential read-only and assigns it an index in the
// aggregated component's delta list (spec section 3, AggregatedStoreComponent).
func (d *Differential[K]) Seal(index int) {
	d.mu.Lock()
	d.sealed = true
	d.sealIdx = index
	d.mu.Unlock()
}

func (d *Differential[K]) SealIndex() (int, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sealIdx, d.sealed
}
