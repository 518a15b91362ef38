package repo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xobi667/xiaobaibai/internal/domain"
)

// JobRegistryMemory is a mutex-guarded in-memory domain.JobRegistry for
// tests and for running the service without a database.
type JobRegistryMemory struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
}

func NewJobRegistryMemory() *JobRegistryMemory {
	return &JobRegistryMemory{jobs: map[string]*domain.Job{}}
}

func (r *JobRegistryMemory) Create(_ context.Context, kind domain.JobKind, scope string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := uuid.NewString()
	r.jobs[id] = &domain.Job{
		ID:        id,
		Scope:     scope,
		Kind:      kind,
		Status:    domain.JobStatusPending,
		CreatedAt: time.Now(),
	}
	return id, nil
}

func (r *JobRegistryMemory) TransitionToRunning(_ context.Context, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, err := r.get(jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return domain.ErrTerminalState
	}
	if job.Status != domain.JobStatusPending {
		return fmt.Errorf("repo: job %s in unexpected status %s", jobID, job.Status)
	}
	job.Status = domain.JobStatusRunning
	return nil
}

func (r *JobRegistryMemory) SetTotal(_ context.Context, jobID string, total int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, err := r.get(jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return domain.ErrTerminalState
	}
	job.Progress.Total = total
	return nil
}

func (r *JobRegistryMemory) UpdateProgress(_ context.Context, jobID string, completed, failed int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, err := r.get(jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return domain.ErrTerminalState
	}
	if completed > job.Progress.Completed {
		job.Progress.Completed = completed
	}
	if failed > job.Progress.Failed {
		job.Progress.Failed = failed
	}
	return nil
}

func (r *JobRegistryMemory) TransitionToTerminal(_ context.Context, jobID string, success bool, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, err := r.get(jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return domain.ErrTerminalState
	}
	if success {
		job.Status = domain.JobStatusCompleted
	} else {
		job.Status = domain.JobStatusFailed
	}
	job.Error = errMsg
	now := time.Now()
	job.CompletedAt = &now
	return nil
}

func (r *JobRegistryMemory) GetByID(_ context.Context, jobID string) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, err := r.get(jobID)
	if err != nil {
		return nil, err
	}
	copied := *job
	if job.CompletedAt != nil {
		at := *job.CompletedAt
		copied.CompletedAt = &at
	}
	return &copied, nil
}

func (r *JobRegistryMemory) get(jobID string) (*domain.Job, error) {
	job, ok := r.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return job, nil
}
