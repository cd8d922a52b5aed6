package tstore

import (
	"context"
	"sync"
	"time"
)

// primeLock is the store-wide reader/writer lock spec section 5 calls the
// "prime" lock: Commit and PrepareCheckpointAsync take it exclusive;
// no store path takes it shared (AcquireRead has no caller). It is a thin
// context-aware wrapper
// around sync.RWMutex, polling TryLock/TryRLock so acquisition can honor a
// caller's timeout or cancellation the way the teacher's channel-based
// workers honor a done channel.
type primeLock struct {
	mu sync.RWMutex
}

const primeLockPollInterval = time.Millisecond

func (p *primeLock) AcquireRead(ctx context.Context) error {
	for {
		if p.mu.TryRLock() {
			return nil
		}
		select {
		case <-ctx.Done():
			if ctx.Err() == context.Canceled {
				return ErrCancelled
			}
			return ErrTimeout
		case <-time.After(primeLockPollInterval):
		}
	}
}

func (p *primeLock) ReleaseRead() { p.mu.RUnlock() }

func (p *primeLock) AcquireWrite(ctx context.Context) error {
	for {
		if p.mu.TryLock() {
			return nil
		}
		select {
		case <-ctx.Done():
			if ctx.Err() == context.Canceled {
				return ErrCancelled
			}
			return ErrTimeout
		case <-time.After(primeLockPollInterval):
		}
	}
}

func (p *primeLock) ReleaseWrite() { p.mu.Unlock() }
