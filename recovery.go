package tstore

import (
	"container/heap"

	"golang.org/x/sync/errgroup"

	"github.com/gholt/tstore/checkpointfile"
)

// RecoveryResult summarizes a recovery pass (spec section 4.11): the
// merged key set plus the counters needed to resume LSN/fileID allocation.
type RecoveryResult[K any] struct {
	Consolidated     *Consolidated[K]
	TotalKeyCount    int64
	TotalKeySize     int64
	MaxFileID        uint32
	MaxLogicalTS     int64
}

// DecodeKeyFunc turns the raw bytes a checkpoint file stored for a key
// back into K; supplied by the caller, since this package never
// interprets key bytes itself (mirrors Serializer on the value side).
type DecodeKeyFunc[K any] func([]byte) (K, error)

type recoverySource struct {
	entries []checkpointfile.KeyEntry
	pos     int
	fileID  uint32
}

func (s *recoverySource) peek() (checkpointfile.KeyEntry, bool) {
	if s.pos >= len(s.entries) {
		return checkpointfile.KeyEntry{}, false
	}
	return s.entries[s.pos], true
}

type recoveryHeapItem struct {
	entry    checkpointfile.KeyEntry
	srcIndex int
}

type recoveryHeap struct {
	items []recoveryHeapItem
}

func (h *recoveryHeap) Len() int { return len(h.items) }
func (h *recoveryHeap) Less(i, j int) bool {
	a, b := h.items[i].entry.Key, h.items[j].entry.Key
	c := compareBytes(a, b)
	if c != 0 {
		return c < 0
	}
	return h.items[i].entry.LSN > h.items[j].entry.LSN
}
func (h *recoveryHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *recoveryHeap) Push(x any)    { h.items = append(h.items, x.(recoveryHeapItem)) }
func (h *recoveryHeap) Pop() any {
	n := len(h.items)
	x := h.items[n-1]
	h.items = h.items[:n-1]
	return x
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// Recover builds a RecoveryStoreComponent by k-way merging the key
// enumerators of every checkpoint file in the metadata table, keeping the
// highest-LSN version per key (spec section 4.11). Values are loaded from
// disk lazily unless loadValues is true, in which case every live entry's
// bytes are read and cached on its VersionedItem immediately.
func Recover[K any](
	cmp func(a, b K) int,
	files []*FileMetadata,
	decodeKey DecodeKeyFunc[K],
	loadValues bool,
) (*RecoveryResult[K], error) {
	result := &RecoveryResult[K]{Consolidated: NewConsolidated[K](cmp)}

	// Every file's key stream is independent until the merge below, so
	// opening and enumerating each one is fanned out through errgroup
	// rather than read sequentially.
	sources := make([]*recoverySource, len(files))
	var eg errgroup.Group
	for i, fm := range files {
		i, fm := i, fm
		eg.Go(func() error {
			kr, _, err := fm.OpenReaders()
			if err != nil {
				return err
			}
			var entries []checkpointfile.KeyEntry
			if err := kr.Enumerate(func(e checkpointfile.KeyEntry) error {
				entries = append(entries, e)
				return nil
			}); err != nil {
				return err
			}
			sources[i] = &recoverySource{entries: entries, fileID: fm.FileID}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	for _, fm := range files {
		if fm.FileID > result.MaxFileID {
			result.MaxFileID = fm.FileID
		}
		if fm.LogicalTimeStamp > result.MaxLogicalTS {
			result.MaxLogicalTS = fm.LogicalTimeStamp
		}
	}

	h := &recoveryHeap{}
	for i, s := range sources {
		if e, ok := s.peek(); ok {
			heap.Push(h, recoveryHeapItem{entry: e, srcIndex: i})
		}
	}

	var lastKeyBytes []byte
	haveLast := false
	for h.Len() > 0 {
		top := heap.Pop(h).(recoveryHeapItem)
		s := sources[top.srcIndex]
		s.pos++
		if e, ok := s.peek(); ok {
			heap.Push(h, recoveryHeapItem{entry: e, srcIndex: top.srcIndex})
		}

		if haveLast && compareBytes(lastKeyBytes, top.entry.Key) == 0 {
			continue // a lower-LSN or losing-file duplicate of the key just emitted
		}
		lastKeyBytes = top.entry.Key
		haveLast = true

		if top.entry.Kind == checkpointfile.Deleted {
			continue
		}
		key, err := decodeKey(top.entry.Key)
		if err != nil {
			return nil, err
		}
		var value []byte
		if loadValues {
			fm := files[0]
			for _, cand := range files {
				if cand.FileID == sources[top.srcIndex].fileID {
					fm = cand
					break
				}
			}
			value, err = fm.ReadValue(top.entry.ValueOffset, top.entry.ValueSize, top.entry.ValueChecksum)
			if err != nil {
				return nil, err
			}
		}
		item := NewDiskItem(
			itemKindFromFile(top.entry.Kind),
			uint64(top.entry.LSN),
			sources[top.srcIndex].fileID,
			top.entry.ValueOffset,
			top.entry.ValueSize,
			top.entry.ValueChecksum,
			value,
		)
		result.Consolidated.Put(key, item)
		result.TotalKeyCount++
		result.TotalKeySize += int64(len(top.entry.Key))
	}
	return result, nil
}

func itemKindFromFile(k checkpointfile.Kind) ItemKind {
	switch k {
	case checkpointfile.Inserted:
		return Inserted
	case checkpointfile.Updated:
		return Updated
	default:
		return Deleted
	}
}
