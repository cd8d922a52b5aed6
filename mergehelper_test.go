package tstore

import "testing"

func newTestFileMetadata(id uint32, total, valid, deleted int64) *FileMetadata {
	fm := &FileMetadata{FileID: id, LogicalTimeStamp: int64(id)}
	fm.SetCounts(total, valid, deleted)
	return fm
}

func TestMergeHelperInvalidEntriesThreshold(t *testing.T) {
	cfg := resolveConfig(OptMergePolicy(MergeOnInvalidEntries), OptPercentageOfInvalidEntriesPerFile(0.5))
	mh := NewMergeHelper(cfg)
	files := []*FileMetadata{
		newTestFileMetadata(1, 100, 40, 0), // 60% invalid
		newTestFileMetadata(2, 100, 30, 0), // 70% invalid
	}
	ids, ok := mh.ShouldMerge(files)
	if !ok {
		t.Fatal("expected merge recommendation")
	}
	if len(ids) != 2 {
		t.Fatalf("expected both files over threshold selected, got %v", ids)
	}
}

func TestMergeHelperNoPolicyTriggered(t *testing.T) {
	cfg := resolveConfig(OptMergePolicy(MergeOnDeletedEntries), OptPercentageOfDeletedEntriesPerFile(0.9))
	mh := NewMergeHelper(cfg)
	files := []*FileMetadata{
		newTestFileMetadata(1, 100, 90, 5),
		newTestFileMetadata(2, 100, 95, 2),
	}
	if _, ok := mh.ShouldMerge(files); ok {
		t.Fatal("expected no merge recommendation below threshold")
	}
}

func TestMergeHelperFileCountThreshold(t *testing.T) {
	cfg := resolveConfig(OptMergePolicy(MergeOnFileCount), OptFileCountMergeThreshold(2))
	mh := NewMergeHelper(cfg)
	files := []*FileMetadata{
		newTestFileMetadata(1, 10, 10, 0),
		newTestFileMetadata(2, 10, 10, 0),
		newTestFileMetadata(3, 10, 10, 0),
	}
	ids, ok := mh.ShouldMerge(files)
	if !ok || len(ids) != 1 {
		t.Fatalf("expected exactly one excess file selected, got %v ok=%v", ids, ok)
	}
	if ids[0] != 1 {
		t.Fatalf("expected the oldest file (lowest LogicalTimeStamp) selected, got %d", ids[0])
	}
}
