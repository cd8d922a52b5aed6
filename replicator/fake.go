package replicator

import (
	"context"
	"sync"
	"sync/atomic"
)

// Fake is an in-process Replicator suitable for exercising a tstore.Store
// in tests without a real log: ApplyAsync hands out monotonically
// increasing LSNs and records every registered snapshot so TryRemoveVersion
// can answer honestly.
type Fake struct {
	lsn       atomic.Uint64
	mu        sync.Mutex
	snapshots map[uint64]int
}

// NewFake returns a Fake replicator with its LSN clock starting at 0.
func NewFake() *Fake {
	return &Fake{snapshots: make(map[uint64]int)}
}

func (f *Fake) ApplyAsync(_ context.Context, _ OperationData, applyCtx ApplyContext) (uint64, error) {
	if applyCtx == RecoveryRedo {
		return f.lsn.Load(), nil
	}
	return f.lsn.Add(1), nil
}

func (f *Fake) Unlock(context.Context, uint64) error { return nil }

func (f *Fake) RegisterAsync(_ context.Context, visibilityLSN uint64) error {
	f.mu.Lock()
	f.snapshots[visibilityLSN]++
	f.mu.Unlock()
	return nil
}

func (f *Fake) UnRegister(_ context.Context, visibilityLSN uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snapshots[visibilityLSN] > 0 {
		f.snapshots[visibilityLSN]--
	}
	return nil
}

func (f *Fake) TryRemoveVersion(supersededLSN uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for lsn, count := range f.snapshots {
		if count > 0 && lsn >= supersededLSN {
			return false
		}
	}
	return true
}
