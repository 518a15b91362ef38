package orchestrator

import (
	"context"
	"sync"

	"github.com/xobi667/xiaobaibai/internal/domain"
)

// ProgressTracker serializes per-sub-step progress updates from concurrent
// workers onto a single registry write path, keeping completed+failed
// monotonic.
type ProgressTracker struct {
	mu        sync.Mutex
	registry  domain.JobRegistry
	jobID     string
	completed int
	failed    int
}

func NewProgressTracker(registry domain.JobRegistry, jobID string) *ProgressTracker {
	return &ProgressTracker{registry: registry, jobID: jobID}
}

// Success records one completed sub-step and flushes the counters.
func (t *ProgressTracker) Success(ctx context.Context) {
	t.mu.Lock()
	t.completed++
	completed, failed := t.completed, t.failed
	t.mu.Unlock()
	_ = t.registry.UpdateProgress(ctx, t.jobID, completed, failed)
}

// Failure records one failed sub-step and flushes the counters.
func (t *ProgressTracker) Failure(ctx context.Context) {
	t.mu.Lock()
	t.failed++
	completed, failed := t.completed, t.failed
	t.mu.Unlock()
	_ = t.registry.UpdateProgress(ctx, t.jobID, completed, failed)
}

// Counts returns the current counters.
func (t *ProgressTracker) Counts() (completed, failed int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed, t.failed
}
