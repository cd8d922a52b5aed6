package tstore

import (
	"container/heap"
	"os"

	"github.com/gholt/tstore/checkpointfile"
)

// PostMergeMetadataTableInformation is the result of a disk-level merge:
// the set of files it rendered obsolete and, if it emitted output, the new
// FileMetadata the consolidation manager should install (spec section 4.8
// step 5).
type PostMergeMetadataTableInformation struct {
	DeletedFileIDs []uint32
	NewFile        *FileMetadata
}

// FileMerger performs the disk-level k-way merge of a set of selected
// checkpoint files (spec section 4.8): for each key across those files,
// keep the live-in-memory winner's value (if any) and drop obsolete
// deletes, writing one new key/value checkpoint file pair.
type FileMerger struct {
	dir string
}

// NewFileMerger roots output checkpoint files at dir.
func NewFileMerger(dir string) *FileMerger { return &FileMerger{dir: dir} }

type mergeFileSource struct {
	entries []checkpointfile.KeyEntry
	pos     int
	valR    *checkpointfile.ValueFileReader
	fileID  uint32
}

func (s *mergeFileSource) peek() (checkpointfile.KeyEntry, bool) {
	if s.pos >= len(s.entries) {
		return checkpointfile.KeyEntry{}, false
	}
	return s.entries[s.pos], true
}

type fileMergeHeapItem struct {
	entry    checkpointfile.KeyEntry
	srcIndex int
}

type fileMergeHeap struct {
	items []fileMergeHeapItem
	keyOf func([]byte) any
	cmp   func(a, b any) int
}

func (h *fileMergeHeap) Len() int { return len(h.items) }
func (h *fileMergeHeap) Less(i, j int) bool {
	c := h.cmp(h.keyOf(h.items[i].entry.Key), h.keyOf(h.items[j].entry.Key))
	if c != 0 {
		return c < 0
	}
	return h.items[i].entry.LSN > h.items[j].entry.LSN
}
func (h *fileMergeHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *fileMergeHeap) Push(x any)    { h.items = append(h.items, x.(fileMergeHeapItem)) }
func (h *fileMergeHeap) Pop() any {
	n := len(h.items)
	x := h.items[n-1]
	h.items = h.items[:n-1]
	return x
}

// ValueLookup resolves the live bytes for a key that is still present in
// the newly consolidated map, as the merge needs to decide whether a
// surviving delete is truly obsolete or must still be emitted (spec
// section 4.8 step 3).
type ValueLookup func(keyBytes []byte) (present bool, isDeleted bool, value []byte, inMemory bool)

// Merge reads every selected file's key stream, resolves winners by
// bytewise key order with LSN tiebreak, consults lookup for the
// surviving (post-consolidation) value, and writes one new key/value
// checkpoint file pair. oldestSurvivingTimestamp reports the minimum
// logicalTimeStamp among files NOT selected for this merge, used to
// decide whether an obsolete-looking delete must still be retained
// (spec section 4.8 step 3).
func (fmg *FileMerger) Merge(
	files []*FileMetadata,
	newFileID uint32,
	lookup ValueLookup,
	oldestSurvivingTimestamp int64,
	hasOlderSurvivor bool,
) (*FileMetadata, error) {
	sources := make([]*mergeFileSource, 0, len(files))
	for _, fm := range files {
		kr, vr, err := fm.OpenReaders()
		if err != nil {
			return nil, err
		}
		var entries []checkpointfile.KeyEntry
		if err := kr.Enumerate(func(e checkpointfile.KeyEntry) error {
			entries = append(entries, e)
			return nil
		}); err != nil {
			return nil, err
		}
		sources = append(sources, &mergeFileSource{entries: entries, valR: vr, fileID: fm.FileID})
	}

	newFM := NewFileMetadata(fmg.dir, newFileID, 0)
	kfp, err := os.Create(newFM.KeyPath())
	if err != nil {
		return nil, err
	}
	vfp, err := os.Create(newFM.ValuePath())
	if err != nil {
		kfp.Close()
		return nil, err
	}
	kw := checkpointfile.NewKeyFileWriter(kfp)
	vw := checkpointfile.NewValueFileWriter(vfp)

	h := &fileMergeHeap{
		keyOf: func(b []byte) any { return string(b) },
		cmp: func(a, b any) int {
			as, bs := a.(string), b.(string)
			switch {
			case as < bs:
				return -1
			case as > bs:
				return 1
			default:
				return 0
			}
		},
	}
	for i, s := range sources {
		if e, ok := s.peek(); ok {
			h.Push(fileMergeHeapItem{entry: e, srcIndex: i})
		}
	}
	heap.Init(h)

	var total, valid, deleted int64
	var lastKey []byte
	haveLast := false

	for h.Len() > 0 {
		top := heap.Pop(h).(fileMergeHeapItem)
		src := sources[top.srcIndex]
		src.pos++
		if e, ok := src.peek(); ok {
			heap.Push(h, fileMergeHeapItem{entry: e, srcIndex: top.srcIndex})
		}

		if haveLast && bytesEqual(lastKey, top.entry.Key) {
			continue // superseded duplicate from an older or losing source
		}
		lastKey = top.entry.Key
		haveLast = true

		present, isDeleted, liveValue, inMemory := lookup(top.entry.Key)
		if !present {
			if top.entry.Kind != checkpointfile.Deleted {
				continue // consolidated dropped it; nothing to re-emit
			}
			if hasOlderSurvivor && top.entry.LogicalTimestamp < oldestSurvivingTimestamp {
				continue // obsolete delete: no older file can still need it
			}
			if err := kw.Append(top.entry); err != nil {
				return nil, err
			}
			total++
			deleted++
			continue
		}
		if isDeleted {
			if err := kw.Append(top.entry); err != nil {
				return nil, err
			}
			total++
			deleted++
			continue
		}
		value := liveValue
		if !inMemory {
			v, err := src.valR.ReadAt(top.entry.ValueOffset, top.entry.ValueSize)
			if err != nil {
				return nil, err
			}
			value = v
		}
		offset, err := vw.Append(value)
		if err != nil {
			return nil, err
		}
		e := top.entry
		e.ValueOffset = offset
		e.ValueChecksum = checksumValue(value)
		e.ValueSize = uint32(len(value))
		if err := kw.Append(e); err != nil {
			return nil, err
		}
		total++
		valid++
	}

	if err := kw.Close(newFileID); err != nil {
		return nil, err
	}
	if err := vw.Close(newFileID); err != nil {
		return nil, err
	}
	if err := kfp.Close(); err != nil {
		return nil, err
	}
	if err := vfp.Close(); err != nil {
		return nil, err
	}
	newFM.SetCounts(total, valid, deleted)
	return newFM, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
