package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/xobi667/xiaobaibai/internal/domain"
	"github.com/xobi667/xiaobaibai/internal/infra"
	"github.com/xobi667/xiaobaibai/internal/sqlinline"
)

// JobRegistryPG implements domain.JobRegistry on PostgreSQL. State machine
// guards live in the SQL itself, so concurrent writers cannot move a job out
// of a terminal state or regress its counters.
type JobRegistryPG struct {
	sql infra.SQLExecutor
}

// NewJobRegistry creates a registry backed by PostgreSQL.
func NewJobRegistry(sql infra.SQLExecutor) *JobRegistryPG {
	return &JobRegistryPG{sql: sql}
}

// EnsureSchema creates the jobs table when it does not exist yet.
func (r *JobRegistryPG) EnsureSchema(ctx context.Context) error {
	if _, err := r.sql.Exec(ctx, sqlinline.QCreateJobsTable); err != nil {
		return fmt.Errorf("repo: ensure jobs table: %w", err)
	}
	return nil
}

func (r *JobRegistryPG) Create(ctx context.Context, kind domain.JobKind, scope string) (string, error) {
	id := uuid.NewString()
	if _, err := r.sql.Exec(ctx, sqlinline.QInsertJob, id, scope, kind, domain.JobStatusPending); err != nil {
		return "", fmt.Errorf("repo: create job: %w", err)
	}
	return id, nil
}

func (r *JobRegistryPG) TransitionToRunning(ctx context.Context, jobID string) error {
	tag, err := r.sql.Exec(ctx, sqlinline.QMarkJobRunning, jobID, domain.JobStatusRunning, domain.JobStatusPending)
	if err != nil {
		return fmt.Errorf("repo: transition to running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.guardFailure(ctx, jobID)
	}
	return nil
}

func (r *JobRegistryPG) SetTotal(ctx context.Context, jobID string, total int) error {
	tag, err := r.sql.Exec(ctx, sqlinline.QSetJobTotal, jobID, total, domain.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("repo: set total: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.guardFailure(ctx, jobID)
	}
	return nil
}

func (r *JobRegistryPG) UpdateProgress(ctx context.Context, jobID string, completed, failed int) error {
	// greatest() keeps the counters monotonic even if an out-of-order flush
	// slips through.
	tag, err := r.sql.Exec(ctx, sqlinline.QUpdateJobProgress, jobID, completed, failed, domain.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("repo: update progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.guardFailure(ctx, jobID)
	}
	return nil
}

func (r *JobRegistryPG) TransitionToTerminal(ctx context.Context, jobID string, success bool, errMsg string) error {
	status := domain.JobStatusFailed
	if success {
		status = domain.JobStatusCompleted
	}
	tag, err := r.sql.Exec(ctx, sqlinline.QMarkJobTerminal, jobID, status, errMsg,
		domain.JobStatusPending, domain.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("repo: transition to terminal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.guardFailure(ctx, jobID)
	}
	return nil
}

func (r *JobRegistryPG) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	row := r.sql.QueryRow(ctx, sqlinline.QGetJob, jobID)
	var job domain.Job
	if err := row.Scan(
		&job.ID,
		&job.Scope,
		&job.Kind,
		&job.Status,
		&job.Progress.Total,
		&job.Progress.Completed,
		&job.Progress.Failed,
		&job.Error,
		&job.CreatedAt,
		&job.CompletedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("repo: get job: %w", err)
	}
	return &job, nil
}

// guardFailure distinguishes a missing job from one the SQL guard refused to
// move because it is already terminal.
func (r *JobRegistryPG) guardFailure(ctx context.Context, jobID string) error {
	job, err := r.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return domain.ErrTerminalState
	}
	return fmt.Errorf("repo: job %s in unexpected status %s", jobID, job.Status)
}
