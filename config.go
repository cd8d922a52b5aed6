package tstore

import (
	"os"
	"runtime"
	"strconv"
)

// MergePolicy is a bitset of which merge triggers are active, following the
// teacher's preference for small integer flag sets over a slice of enums
// (package.go's request-type bytes).
type MergePolicy uint8

const (
	MergeOnFileCount MergePolicy = 1 << iota
	MergeOnInvalidEntries
	MergeOnDeletedEntries
	MergeOnSizeOnDisk

	MergeAll = MergeOnFileCount | MergeOnInvalidEntries | MergeOnDeletedEntries | MergeOnSizeOnDisk
)

// ReadMode controls whether a disk-backed read also installs its result
// into the in-memory cache (spec section 4.1's read path Note).
type ReadMode int

const (
	ReadModeDefault ReadMode = iota
	ReadModeCacheResult
)

// Config bundles every tunable described by spec section 4.2's merge
// policies and section 4.10's sweep behavior, resolved the way the
// teacher's valuelocmap config resolves: env var defaults, overridden by
// functional options (resolveConfig/Opt* below).
type Config struct {
	cores int

	numberOfDeltasToBeConsolidated int

	mergePolicy                 MergePolicy
	fileCountMergeThreshold     int
	percentInvalidEntriesPerFile float64
	numberOfInvalidEntries      int64
	percentDeletedEntriesPerFile float64
	sizeOnDiskThresholdBytes    int64

	enableBackgroundConsolidation bool
	shouldLoadValuesOnRecovery    bool
	readMode                      ReadMode

	sweepInterval int // seconds between sweep passes; 0 disables
}

func resolveConfig(opts ...func(*Config)) *Config {
	cfg := &Config{}
	if env := os.Getenv("TSTORE_CORES"); env != "" {
		if v, err := strconv.Atoi(env); err == nil {
			cfg.cores = v
		}
	}
	if cfg.cores <= 0 {
		cfg.cores = runtime.GOMAXPROCS(0)
	}
	cfg.numberOfDeltasToBeConsolidated = 1
	cfg.mergePolicy = MergeAll
	cfg.fileCountMergeThreshold = 16
	cfg.percentInvalidEntriesPerFile = 0.5
	cfg.numberOfInvalidEntries = 100000
	cfg.percentDeletedEntriesPerFile = 0.5
	cfg.sizeOnDiskThresholdBytes = 512 * 1024 * 1024
	cfg.enableBackgroundConsolidation = true
	cfg.shouldLoadValuesOnRecovery = false
	cfg.readMode = ReadModeDefault
	cfg.sweepInterval = 30

	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.cores < 1 {
		cfg.cores = 1
	}
	if cfg.numberOfDeltasToBeConsolidated < 1 {
		cfg.numberOfDeltasToBeConsolidated = 1
	}
	return cfg
}

// OptCores records a core count in the Config. Defaults to env
// TSTORE_CORES or GOMAXPROCS. The store does not read it: consolidation,
// merge and sweep run on the calling goroutine.
func OptCores(n int) func(*Config) {
	return func(cfg *Config) { cfg.cores = n }
}

// OptNumberOfDeltasToBeConsolidated sets how many sealed differential
// states accumulate before ConsolidationManager folds them into the
// consolidated component (spec section 4.3).
func OptNumberOfDeltasToBeConsolidated(n int) func(*Config) {
	return func(cfg *Config) { cfg.numberOfDeltasToBeConsolidated = n }
}

// OptMergePolicy selects which of MergeHelper's policies are evaluated.
func OptMergePolicy(p MergePolicy) func(*Config) {
	return func(cfg *Config) { cfg.mergePolicy = p }
}

// OptFileCountMergeThreshold sets the file count above which
// MergeOnFileCount recommends a merge.
func OptFileCountMergeThreshold(n int) func(*Config) {
	return func(cfg *Config) { cfg.fileCountMergeThreshold = n }
}

// OptPercentageOfInvalidEntriesPerFile sets the fraction of a file's
// entries that, if superseded, marks the file merge-eligible.
func OptPercentageOfInvalidEntriesPerFile(f float64) func(*Config) {
	return func(cfg *Config) { cfg.percentInvalidEntriesPerFile = f }
}

// OptNumberOfInvalidEntries sets the absolute invalid-entry count that
// triggers MergeOnInvalidEntries regardless of percentage.
func OptNumberOfInvalidEntries(n int64) func(*Config) {
	return func(cfg *Config) { cfg.numberOfInvalidEntries = n }
}

// OptPercentageOfDeletedEntriesPerFile sets the fraction of deleted
// entries that triggers MergeOnDeletedEntries.
func OptPercentageOfDeletedEntriesPerFile(f float64) func(*Config) {
	return func(cfg *Config) { cfg.percentDeletedEntriesPerFile = f }
}

// OptSizeOnDiskThreshold sets the total on-disk byte threshold that
// triggers MergeOnSizeOnDisk.
func OptSizeOnDiskThreshold(n int64) func(*Config) {
	return func(cfg *Config) { cfg.sizeOnDiskThresholdBytes = n }
}

// OptEnableBackgroundConsolidation records the flag in the Config. The
// store does not read it and has no background consolidation/merge loop:
// consolidation and merge always run synchronously inside
// PerformCheckpointAsync, whatever the flag's value.
func OptEnableBackgroundConsolidation(b bool) func(*Config) {
	return func(cfg *Config) { cfg.enableBackgroundConsolidation = b }
}

// OptShouldLoadValuesOnRecovery controls whether recovery eagerly loads
// every value into memory or defers to first read (spec section 6).
func OptShouldLoadValuesOnRecovery(b bool) func(*Config) {
	return func(cfg *Config) { cfg.shouldLoadValuesOnRecovery = b }
}

// OptReadMode records a ReadMode in the Config. The store does not read
// it: whether a disk read is cached back into the in-memory item is
// decided by the readMode argument of each Get call.
func OptReadMode(m ReadMode) func(*Config) {
	return func(cfg *Config) { cfg.readMode = m }
}

// OptSweepIntervalSeconds records a sweep period in the Config. The store
// does not read it and runs no background sweep loop; a sweep pass runs
// only when RunSweep is called.
func OptSweepIntervalSeconds(n int) func(*Config) {
	return func(cfg *Config) { cfg.sweepInterval = n }
}
