package session

import (
	"context"
	"fmt"

	"github.com/dmelnik/ada/internal/store"
)

// LiveJobs answers whether a session currently owns any live background job.
// Satisfied by the jobs registry.
type LiveJobs interface {
	Has(ownerID string) bool
}

// LockManager guards per-session mutual exclusion and message idempotency.
// The lock flag itself lives in the durable store; acquisition is a single
// conditional write there, so this manager holds no lock state of its own.
type LockManager struct {
	store store.Store
	jobs  LiveJobs
}

func NewLockManager(st store.Store, jobs LiveJobs) *LockManager {
	return &LockManager{store: st, jobs: jobs}
}

// TryAcquire marks the session locked iff it was unlocked. A false return is
// the expected "session busy" outcome, not an error, and is never retried
// here.
func (m *LockManager) TryAcquire(ctx context.Context, sessionID string) (bool, error) {
	if err := m.store.CreateSessionIfAbsent(ctx, sessionID); err != nil {
		return false, fmt.Errorf("ensure session: %w", err)
	}
	return m.store.TryAcquireLock(ctx, sessionID)
}

// Release unconditionally clears the lock. Callers invoke it from deferred
// paths so no failure inside job execution can leave a session locked.
func (m *LockManager) Release(ctx context.Context, sessionID string) error {
	return m.store.SetLock(ctx, sessionID, false)
}

// ClearStaleLock clears a set lock that has no live owning job. Recovers
// sessions orphaned by a crash or restart that wiped the in-memory registry.
func (m *LockManager) ClearStaleLock(ctx context.Context, sessionID string) error {
	locked, err := m.store.GetLock(ctx, sessionID)
	if err != nil {
		return err
	}
	if !locked {
		return nil
	}
	if m.jobs != nil && m.jobs.Has(sessionID) {
		return nil
	}
	return m.store.SetLock(ctx, sessionID, false)
}

// MessageExists reports whether a message with this request id was already
// durably appended to the session.
func (m *LockManager) MessageExists(ctx context.Context, sessionID, requestID string) (bool, error) {
	return m.store.MessageExists(ctx, sessionID, requestID)
}
