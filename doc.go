// Package tstore provides a transactional, versioned, log-structured,
// sorted key/value store meant to sit behind a transactional replicator.
//
// A Store keeps the most recent one or two versions of every key in an
// in-memory differential component, seals that component at each
// checkpoint into an aggregated list of deltas, consolidates those deltas
// into a single in-memory consolidated component, and checkpoints the
// consolidated component to a block-aligned, checksummed pair of on-disk
// files (keys in one file, values in the other). Consolidation runs inside
// PerformCheckpointAsync once enough sealed deltas have accumulated and,
// once merge-policy thresholds are crossed, merges on-disk files together
// to reclaim space.
//
// The store does not replicate data itself. It is driven by an external
// transactional replicator that assigns a monotonically increasing LSN
// (log/version sequence number) to every write and calls OnApply as writes
// are ordered and committed; see the replicator package for the contract
// the store expects of its caller.
//
// Keys and values are opaque to the store: callers supply a comparison
// function for
// ordering and a Serializer pair for turning each type to and from bytes.
package tstore
