package tstore

import (
	"sync/atomic"

	"github.com/gholt/tstore/locindex"
)

// Consolidated is the read-side fast path: a sorted K -> VersionedItem map
// holding the latest non-deleted committed version as of the last
// successful consolidation (spec section 3).
type Consolidated[K any] struct {
	idx       *locindex.Index[K, *VersionedItem]
	byteSize  atomic.Int64
}

// NewConsolidated creates an empty consolidated component ordered by cmp.
func NewConsolidated[K any](cmp func(a, b K) int) *Consolidated[K] {
	return &Consolidated[K]{idx: locindex.New[K, *VersionedItem](cmp)}
}

// Get returns the consolidated version for key, if any.
func (c *Consolidated[K]) Get(key K) (*VersionedItem, bool) {
	return c.idx.Get(key)
}

// Put installs item for key, tracking the approximate in-memory byte
// delta (reported by ByteSize).
func (c *Consolidated[K]) Put(key K, item *VersionedItem) {
	old, had := c.idx.Set(key, item)
	if had {
		c.byteSize.Add(int64(item.ValueSize()) - int64(old.ValueSize()))
	} else {
		c.byteSize.Add(int64(item.ValueSize()))
	}
}

// Delete removes key entirely (used only by merge/recovery bookkeeping;
// ordinary deletes are represented as a Deleted-kind VersionedItem that
// Consolidate elides rather than inserts).
func (c *Consolidated[K]) Delete(key K) {
	old, had := c.idx.Delete(key)
	if had {
		c.byteSize.Add(-int64(old.ValueSize()))
	}
}

// Range walks keys in [lo, hi] ascending.
func (c *Consolidated[K]) Range(lo, hi *K, inclusive bool, fn func(K, *VersionedItem) bool) {
	c.idx.Range(lo, hi, inclusive, fn)
}

// Len returns the number of live keys.
func (c *Consolidated[K]) Len() int64 { return c.idx.Len() }

// ByteSize returns the approximate resident value bytes tracked across all
// entries.
func (c *Consolidated[K]) ByteSize() int64 { return c.byteSize.Load() }

// noteByteSizeDelta adjusts the tracked resident-byte counter without
// touching the index itself, used by SweepManager after it evicts a
// value buffer out from under an otherwise-unchanged VersionedItem.
func (c *Consolidated[K]) noteByteSizeDelta(delta int64) { c.byteSize.Add(delta) }
