package domain

import "context"

// JobRegistry is the durable record of job identity, status and progress.
// It is mutated only by the orchestrator and read by status-polling
// collaborators. All methods must be safe to call from a background worker
// goroutine distinct from the goroutine that created the job.
type JobRegistry interface {
	// Create inserts a PENDING job and returns its id.
	Create(ctx context.Context, kind JobKind, scope string) (string, error)

	// TransitionToRunning moves a PENDING job to RUNNING.
	TransitionToRunning(ctx context.Context, jobID string) error

	// SetTotal records the number of sub-steps before any progress updates.
	SetTotal(ctx context.Context, jobID string, total int) error

	// UpdateProgress records accumulated sub-step counters. Counters are
	// absolute, monotonically non-decreasing, and completed+failed never
	// exceeds the recorded total.
	UpdateProgress(ctx context.Context, jobID string, completed, failed int) error

	// TransitionToTerminal moves a job into COMPLETED or FAILED and stamps
	// the completion time. A job already in a terminal state is left
	// untouched and ErrTerminalState is returned.
	TransitionToTerminal(ctx context.Context, jobID string, success bool, errMsg string) error

	// GetByID fetches a job snapshot.
	GetByID(ctx context.Context, jobID string) (*Job, error)
}
