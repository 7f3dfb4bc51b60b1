package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrJobNotFound = errors.New("job not found")

// Work is the body of a background job. It must honor ctx cancellation at
// its suspension points (model calls, store calls); cancellation is
// cooperative and only takes effect when the work observes ctx.
type Work func(ctx context.Context) (any, error)

// Observer runs exactly once after a job reaches a terminal status.
type Observer func(Job)

type entry struct {
	job    *Job
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry tracks every asynchronous unit of work with a status lifecycle
// and a cancellation handle. In-memory only: jobs vanish on restart, which
// is why stale session locks are cleared against registry liveness.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	timeout time.Duration
}

// NewRegistry creates a registry whose jobs run under the given default
// timeout (0 means no deadline beyond explicit cancellation).
func NewRegistry(timeout time.Duration) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		timeout: timeout,
	}
}

// Register schedules work on its own goroutine and returns a running Job
// snapshot immediately. onDone, when non-nil, fires exactly once with the
// terminal snapshot, on every path including panic inside work.
//
// The registry does not enforce one job per owner; callers check Has before
// registering a second one.
func (r *Registry) Register(ownerID string, kind Kind, work Work, onDone Observer) Job {
	now := time.Now().UTC()
	job := &Job{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Kind:      kind,
		Status:    StatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}

	ctx := context.Background()
	var cancel context.CancelFunc
	if r.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	e := &entry{job: job, cancel: cancel, done: make(chan struct{})}
	r.mu.Lock()
	r.entries[job.ID] = e
	r.mu.Unlock()

	go r.run(ctx, cancel, e, work, onDone)

	return *job
}

func (r *Registry) run(ctx context.Context, cancel context.CancelFunc, e *entry, work Work, onDone Observer) {
	defer cancel()

	var (
		result any
		err    error
	)
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("job panicked: %v", rec)
			}
		}()
		result, err = work(ctx)
	}()

	final := r.finalize(e, ctx, result, err)
	// The observer runs before done is closed so that waiters observe its
	// side effects (lock release, completion events) as already applied.
	if onDone != nil {
		onDone(final)
	}
	close(e.done)
}

// finalize performs the exactly-once terminal transition.
func (r *Registry) finalize(e *entry, ctx context.Context, result any, err error) Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	j := e.job
	if j.Terminal() {
		return *j
	}
	now := time.Now().UTC()
	j.UpdatedAt = now

	switch {
	case err == nil && j.Status != StatusCanceling:
		j.Status = StatusCompleted
		j.Result = result
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded),
		errors.Is(ctx.Err(), context.Canceled), j.Status == StatusCanceling:
		j.Status = StatusCanceled
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			j.Status = StatusFailed
			j.Error = "timed out"
		}
	default:
		j.Status = StatusFailed
		j.Error = err.Error()
	}
	return *j
}

// Get returns a non-blocking snapshot of the job.
func (r *Registry) Get(jobID string) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[jobID]
	if !ok {
		return Job{}, false
	}
	return *e.job, true
}

// Cancel requests cooperative cancellation. Returns false when the job is
// unknown or already terminal; calling it twice is idempotent.
func (r *Registry) Cancel(jobID string) bool {
	r.mu.Lock()
	e, ok := r.entries[jobID]
	if !ok || e.job.Terminal() {
		r.mu.Unlock()
		return false
	}
	if e.job.Status != StatusCanceling {
		e.job.Status = StatusCanceling
		e.job.UpdatedAt = time.Now().UTC()
	}
	cancel := e.cancel
	r.mu.Unlock()

	cancel()
	return true
}

// Has reports whether the owner currently has any live (non-terminal) job.
func (r *Registry) Has(ownerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.job.OwnerID == ownerID && !e.job.Terminal() {
			return true
		}
	}
	return false
}

// HasKind reports whether the owner has a live job of the given kind.
func (r *Registry) HasKind(ownerID string, kind Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.job.OwnerID == ownerID && e.job.Kind == kind && !e.job.Terminal() {
			return true
		}
	}
	return false
}

// Wait blocks until the job finishes or ctx expires, then returns the
// latest snapshot.
func (r *Registry) Wait(ctx context.Context, jobID string) (Job, error) {
	r.mu.RLock()
	e, ok := r.entries[jobID]
	r.mu.RUnlock()
	if !ok {
		return Job{}, ErrJobNotFound
	}
	select {
	case <-e.done:
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return *e.job, nil
}

// Reap removes a terminal job from the registry. Returns false when the job
// is unknown or still live.
func (r *Registry) Reap(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[jobID]
	if !ok || !e.job.Terminal() {
		return false
	}
	delete(r.entries, jobID)
	return true
}

// StartJanitor periodically reaps terminal jobs older than retention.
func (r *Registry) StartJanitor(ctx context.Context, interval, retention time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.reapAged(retention)
			}
		}
	}()
}

func (r *Registry) reapAged(retention time.Duration) {
	cutoff := time.Now().UTC().Add(-retention)
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.entries {
		if e.job.Terminal() && e.job.UpdatedAt.Before(cutoff) {
			delete(r.entries, id)
		}
	}
}
