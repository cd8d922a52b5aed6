// Package replicator defines the consumer-side contract a log replicator
// must satisfy to drive a tstore.Store: assigning commit LSNs, replaying
// operations during recovery, and signaling when a snapshot's last reader
// has gone away. tstore never imports a concrete replicator; callers wire
// one of their own, or the fake one in this package for tests.
package replicator

import "context"

// ApplyContext distinguishes why the store is being asked to apply an
// operation, per spec section 4.1's OnApply contract.
type ApplyContext int

const (
	PrimaryRedo ApplyContext = iota
	SecondaryRedo
	RecoveryRedo
	SecondaryFalseProgress
)

// OperationData is one logged write: the key/value bytes a replicator
// persisted to its log and is now replaying or redoing.
type OperationData struct {
	Key   []byte
	Value []byte
	Kind  uint8 // mirrors tstore.ItemKind without importing it
	LSN   uint64
}

// Replicator is the contract a tstore.Store depends on to obtain commit
// LSNs and to be notified when snapshot readers complete (spec sections
// 4.1, 4.6, 4.7).
type Replicator interface {
	// ApplyAsync assigns (or, for RecoveryRedo, replays) the LSN an
	// operation should commit at.
	ApplyAsync(ctx context.Context, op OperationData, applyCtx ApplyContext) (lsn uint64, err error)
	// Unlock releases any replicator-side lock taken for a transaction
	// once the store has finished applying its write-set.
	Unlock(ctx context.Context, visibilityLSN uint64) error
	// RegisterAsync records that a snapshot reader is active at
	// visibilityLSN, so the store knows to keep its SnapshotContainer
	// entry alive.
	RegisterAsync(ctx context.Context, visibilityLSN uint64) error
	// UnRegister signals the last reader at visibilityLSN has completed;
	// the store responds by calling SnapshotContainer.RemoveAsync.
	UnRegister(ctx context.Context, visibilityLSN uint64) error
	// TryRemoveVersion asks whether a superseded version, identified by
	// its own LSN (supersededLSN), can be physically dropped, or whether
	// some registered snapshot still requires it.
	TryRemoveVersion(supersededLSN uint64) bool
}
