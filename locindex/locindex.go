// Package locindex is a concurrent, comparator-ordered index adapted from
// gholt/valuelocmap's splitting node design. valuelocmap itself bisects on
// the raw bits of a fixed-width 128 bit key, which only works because its
// keys are integers; tstore's keys are opaque and ordered by a caller
// comparator, so splitting here happens at the median of a node's sorted
// slice instead of at a fixed bit position. The concurrency shape --
// per-node RWMutex, a node that outgrows config.splitCount splits into two
// children, an atomic resize flag callers can poll -- is kept as-is.
package locindex

import (
	"os"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
)

type config struct {
	cores      int
	splitCount int
}

func resolveConfig(opts ...func(*config)) *config {
	cfg := &config{}
	if env := os.Getenv("TSTORE_LOCINDEX_CORES"); env != "" {
		if v, err := strconv.Atoi(env); err == nil {
			cfg.cores = v
		}
	}
	if cfg.cores <= 0 {
		cfg.cores = runtime.GOMAXPROCS(0)
	}
	if env := os.Getenv("TSTORE_LOCINDEX_SPLITCOUNT"); env != "" {
		if v, err := strconv.Atoi(env); err == nil {
			cfg.splitCount = v
		}
	}
	if cfg.splitCount <= 0 {
		cfg.splitCount = 4096
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.cores < 1 {
		cfg.cores = 1
	}
	if cfg.splitCount < 8 {
		cfg.splitCount = 8
	}
	return cfg
}

// OptCores indicates how many cores may be used for background resizing.
// Defaults to env TSTORE_LOCINDEX_CORES or GOMAXPROCS.
func OptCores(n int) func(*config) { return func(cfg *config) { cfg.cores = n } }

// OptSplitCount controls how many entries a node holds before it splits
// into two. Defaults to env TSTORE_LOCINDEX_SPLITCOUNT or 4096.
func OptSplitCount(n int) func(*config) { return func(cfg *config) { cfg.splitCount = n } }

type node[K any, V any] struct {
	mu   sync.RWMutex
	keys []K
	vals []V

	// Set once a leaf splits; left/mid/right turn this node into an
	// interior node. Accessed under mu for writes, but read with an
	// atomic load first so readers can skip the mutex on the common
	// leaf-read path.
	interior atomic.Bool
	mid      K
	left     *node[K, V]
	right    *node[K, V]
}

// Index is a concurrent sorted K->V map. Zero value is not usable; call
// New.
type Index[K any, V any] struct {
	cmp        func(a, b K) int
	splitCount int
	resizing   atomic.Int32
	root       atomic.Pointer[node[K, V]]
	count      atomic.Int64
}

// New creates an Index ordered by cmp (the same contract as bytes.Compare).
func New[K any, V any](cmp func(a, b K) int, opts ...func(*config)) *Index[K, V] {
	cfg := resolveConfig(opts...)
	idx := &Index[K, V]{cmp: cmp, splitCount: cfg.splitCount}
	idx.root.Store(&node[K, V]{})
	return idx
}

// Len returns the number of keys currently stored.
func (idx *Index[K, V]) Len() int64 { return idx.count.Load() }

// Resizing reports whether a split is in flight, mirroring
// valuelocmap.isResizing so callers (Close, checkpoint prep) can wait for
// structural changes to settle.
func (idx *Index[K, V]) Resizing() bool { return idx.resizing.Load() > 0 }

func (idx *Index[K, V]) search(keys []K, k K) (int, bool) {
	lo, hi := 0, len(keys)
	for lo < hi {
		mid := (lo + hi) / 2
		c := idx.cmp(keys[mid], k)
		if c == 0 {
			return mid, true
		}
		if c < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, false
}

func (idx *Index[K, V]) leafFor(k K) *node[K, V] {
	n := idx.root.Load()
	for n.interior.Load() {
		if idx.cmp(k, n.mid) < 0 {
			n = n.left
		} else {
			n = n.right
		}
	}
	return n
}

// Get returns the value stored for k, if any.
func (idx *Index[K, V]) Get(k K) (V, bool) {
	n := idx.leafFor(k)
	n.mu.RLock()
	defer n.mu.RUnlock()
	i, ok := idx.search(n.keys, k)
	if !ok {
		var zero V
		return zero, false
	}
	return n.vals[i], true
}

// Set stores v for k, returning the previous value if one existed.
func (idx *Index[K, V]) Set(k K, v V) (old V, hadOld bool) {
	for {
		n := idx.leafFor(k)
		n.mu.Lock()
		if n.interior.Load() {
			n.mu.Unlock()
			continue
		}
		i, ok := idx.search(n.keys, k)
		if ok {
			old, hadOld = n.vals[i], true
			n.vals[i] = v
			n.mu.Unlock()
			return old, hadOld
		}
		n.keys = append(n.keys, k)
		copy(n.keys[i+1:], n.keys[i:len(n.keys)-1])
		n.keys[i] = k
		n.vals = append(n.vals, v)
		copy(n.vals[i+1:], n.vals[i:len(n.vals)-1])
		n.vals[i] = v
		grown := len(n.keys)
		n.mu.Unlock()
		idx.count.Add(1)
		if grown > idx.splitCount {
			idx.trySplit(n)
		}
		return old, false
	}
}

// Delete removes k, returning the value that was stored, if any.
func (idx *Index[K, V]) Delete(k K) (old V, existed bool) {
	for {
		n := idx.leafFor(k)
		n.mu.Lock()
		if n.interior.Load() {
			n.mu.Unlock()
			continue
		}
		i, ok := idx.search(n.keys, k)
		if !ok {
			n.mu.Unlock()
			var zero V
			return zero, false
		}
		old = n.vals[i]
		n.keys = append(n.keys[:i], n.keys[i+1:]...)
		n.vals = append(n.vals[:i], n.vals[i+1:]...)
		n.mu.Unlock()
		idx.count.Add(-1)
		return old, true
	}
}

// trySplit turns an overgrown leaf into an interior node with two leaf
// children, splitting at the median key. Mirrors valuelocmap's
// resizing-flag discipline so concurrent Range calls can detect and retry
// against the freshly split node.
func (idx *Index[K, V]) trySplit(n *node[K, V]) {
	if n.interior.Load() {
		return
	}
	idx.resizing.Add(1)
	defer idx.resizing.Add(-1)
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.interior.Load() || len(n.keys) <= idx.splitCount {
		return
	}
	mid := len(n.keys) / 2
	left := &node[K, V]{keys: append([]K(nil), n.keys[:mid]...), vals: append([]V(nil), n.vals[:mid]...)}
	right := &node[K, V]{keys: append([]K(nil), n.keys[mid:]...), vals: append([]V(nil), n.vals[mid:]...)}
	n.mid = n.keys[mid]
	n.left = left
	n.right = right
	n.keys = nil
	n.vals = nil
	n.interior.Store(true)
}

// Range calls fn for every key in [lo, hi] (hi exclusive unless
// inclusive is true) in ascending order, stopping early if fn returns
// false. Either bound may be nil to mean unbounded in that direction.
func (idx *Index[K, V]) Range(lo, hi *K, inclusive bool, fn func(K, V) bool) {
	idx.rangeNode(idx.root.Load(), lo, hi, inclusive, fn)
}

func (idx *Index[K, V]) rangeNode(n *node[K, V], lo, hi *K, inclusive bool, fn func(K, V) bool) bool {
	if n.interior.Load() {
		if lo == nil || idx.cmp(*lo, n.mid) < 0 {
			if !idx.rangeNode(n.left, lo, hi, inclusive, fn) {
				return false
			}
		}
		if hi == nil || idx.cmp(*hi, n.mid) >= 0 {
			if !idx.rangeNode(n.right, lo, hi, inclusive, fn) {
				return false
			}
		}
		return true
	}
	n.mu.RLock()
	keys := append([]K(nil), n.keys...)
	vals := append([]V(nil), n.vals...)
	n.mu.RUnlock()
	for i, k := range keys {
		if lo != nil && idx.cmp(k, *lo) < 0 {
			continue
		}
		if hi != nil {
			c := idx.cmp(k, *hi)
			if c > 0 || (c == 0 && !inclusive) {
				continue
			}
		}
		if !fn(k, vals[i]) {
			return false
		}
	}
	return true
}
