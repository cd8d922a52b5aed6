package tstore

import "container/heap"

// ConsolidationManager folds sealed differential states into the
// consolidated component once enough have accumulated, per spec section
// 4.3. It is parameterized the same way Store is: by the key comparator
// that orders every index in the engine.
type ConsolidationManager[K any] struct {
	cmp   func(a, b K) int
	snaps *SnapshotContainer[K]
}

// NewConsolidationManager binds a manager to cmp and the snapshot
// container new deltas must consult before discarding evicted versions.
func NewConsolidationManager[K any](cmp func(a, b K) int, snaps *SnapshotContainer[K]) *ConsolidationManager[K] {
	return &ConsolidationManager[K]{cmp: cmp, snaps: snaps}
}

// consolidationCandidate is one live head of a merge source: either a
// sealed delta (newer wins ties) or the prior consolidated state (always
// loses ties, being the oldest source).
type consolidationCandidate[K any] struct {
	key       K
	item      *VersionedItem
	fromDelta bool
	rank      int // higher rank = newer source, used to break key+LSN ties
}

type mergeHeap[K any] struct {
	items []consolidationCandidate[K]
	less  func(a, b K) int
}

func (h *mergeHeap[K]) Len() int { return len(h.items) }
func (h *mergeHeap[K]) Less(i, j int) bool {
	c := h.less(h.items[i].key, h.items[j].key)
	if c != 0 {
		return c < 0
	}
	if h.items[i].item.LSN() != h.items[j].item.LSN() {
		return h.items[i].item.LSN() > h.items[j].item.LSN()
	}
	return h.items[i].rank > h.items[j].rank
}
func (h *mergeHeap[K]) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *mergeHeap[K]) Push(x any)    { h.items = append(h.items, x.(consolidationCandidate[K])) }
func (h *mergeHeap[K]) Pop() any {
	n := len(h.items)
	x := h.items[n-1]
	h.items = h.items[:n-1]
	return x
}

// source is one enumerable input to the consolidation merge: either a
// sealed Differential (iterated via its Current version per key) or the
// prior Consolidated component.
type source[K any] struct {
	keys []K
	get  func(K) (*VersionedItem, bool)
	pos  int
	rank int
}

func (s *source[K]) peek() (K, *VersionedItem, bool) {
	for s.pos < len(s.keys) {
		k := s.keys[s.pos]
		item, ok := s.get(k)
		if ok {
			return k, item, true
		}
		s.pos++
	}
	var zero K
	return zero, nil, false
}

func (s *source[K]) advance() { s.pos++ }

// Consolidate runs one full pass: merges every sealed delta in agg.Deltas
// (newest first) with the prior consolidated state, producing a fresh
// Consolidated component. Only each delta's newest version of a key is
// read. Superseded versions and deletes are dropped; the on-disk-backed
// ones decrement their file's valid-entry count via onSuperseded. onEvicted
// is not called, so no dropped version is kept for an active snapshot.
func (cm *ConsolidationManager[K]) Consolidate(
	agg *Aggregated[K],
	onSuperseded func(item *VersionedItem),
	onEvicted func(key K, item *VersionedItem),
) *Consolidated[K] {
	newConsolidated := NewConsolidated[K](cm.cmp)

	var sources []*source[K]
	// newest deltas get the highest rank so equal-key-equal-LSN ties favor
	// them over the older consolidated source, matching spec section 4.3
	// step 3's "newest wins" tiebreak extended to same-LSN duplicates.
	rank := len(agg.Deltas) + 1
	for i := len(agg.Deltas) - 1; i >= 0; i-- {
		d := agg.Deltas[i]
		keys := make([]K, 0, d.Len())
		d.Range(nil, nil, true, func(k K, _ *DifferentialVersions) bool {
			keys = append(keys, k)
			return true
		})
		sources = append(sources, &source[K]{
			keys: keys,
			get: func(k K) (*VersionedItem, bool) {
				v := d.Read(k, ^uint64(0))
				return v, v != nil
			},
			rank: rank,
		})
		rank--
	}
	{
		keys := make([]K, 0, agg.Consolidated.Len())
		agg.Consolidated.Range(nil, nil, true, func(k K, _ *VersionedItem) bool {
			keys = append(keys, k)
			return true
		})
		sources = append(sources, &source[K]{
			keys: keys,
			get:  func(k K) (*VersionedItem, bool) { return agg.Consolidated.Get(k) },
			rank: 0,
		})
	}

	h := &mergeHeap[K]{less: cm.cmp}
	for _, s := range sources {
		if k, item, ok := s.peek(); ok {
			h.Push(consolidationCandidate[K]{key: k, item: item, rank: s.rank})
		}
	}
	heap.Init(h)

	srcByRank := make(map[int]*source[K], len(sources))
	for _, s := range sources {
		srcByRank[s.rank] = s
	}

	var lastKey *K
	for h.Len() > 0 {
		top := heap.Pop(h).(consolidationCandidate[K])
		s := srcByRank[top.rank]
		s.advance()
		if k, item, ok := s.peek(); ok {
			heap.Push(h, consolidationCandidate[K]{key: k, item: item, rank: s.rank})
		}

		if lastKey != nil && cm.cmp(*lastKey, top.key) == 0 {
			// A duplicate of the key we already emitted the winner for;
			// this entry is superseded.
			if top.item.FileID() > 0 {
				onSuperseded(top.item)
			}
			continue
		}
		k := top.key
		lastKey = &k

		if top.item.Kind() == Deleted {
			if top.item.FileID() > 0 {
				onSuperseded(top.item)
			}
			continue
		}
		newConsolidated.Put(top.key, top.item)
	}
	return newConsolidated
}
