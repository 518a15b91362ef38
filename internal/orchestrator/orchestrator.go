// Package orchestrator runs job bodies on bounded per-family worker pools,
// guaranteeing at most one active execution per job id and that every
// started job reaches a terminal registry state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xobi667/xiaobaibai/internal/domain"
	"github.com/xobi667/xiaobaibai/internal/infra"
)

// finalizeTimeout bounds the registry write that records a terminal state
// once the job context itself is no longer usable.
const finalizeTimeout = 10 * time.Second

// ConfigSource supplies the current configuration snapshot. Pool sizes are
// read at submission, so a live *infra.Store makes resizes take effect for
// subsequently submitted work.
type ConfigSource interface {
	Snapshot() infra.Snapshot
}

// Options configures an Orchestrator.
type Options struct {
	Registry domain.JobRegistry
	Config   ConfigSource
	Logger   *zerolog.Logger
}

// Orchestrator admits jobs synchronously and executes their bodies
// asynchronously on the family pool.
type Orchestrator struct {
	registry domain.JobRegistry
	config   ConfigSource
	logger   zerolog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	active   map[string]struct{}
	limiters map[domain.KindFamily]*limiter
	closed   bool

	wg sync.WaitGroup
}

func New(opts Options) *Orchestrator {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	snap := opts.Config.Snapshot()
	return &Orchestrator{
		registry: opts.Registry,
		config:   opts.Config,
		logger:   logger,
		baseCtx:  ctx,
		cancel:   cancel,
		active:   map[string]struct{}{},
		limiters: map[domain.KindFamily]*limiter{
			domain.FamilyImage: newLimiter(snap.Workers(string(domain.FamilyImage))),
			domain.FamilyText:  newLimiter(snap.Workers(string(domain.FamilyText))),
		},
	}
}

// Submit admits a job for execution. Admission is synchronous: by the time
// Submit returns nil the job is tracked and will reach a terminal state; on
// error the job has already been marked FAILED and will never run. dispose,
// when non-nil, is called exactly once, either after the work body returns
// or on any path where the body never executes.
func (o *Orchestrator) Submit(jobID string, kind domain.JobKind, work func(ctx context.Context) error, dispose func()) error {
	family := kind.Family()

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		o.failSynchronously(jobID, "orchestrator is shutting down")
		runDispose(dispose)
		return fmt.Errorf("orchestrator: submit %s: %w", jobID, domain.ErrShuttingDown)
	}
	if _, dup := o.active[jobID]; dup {
		o.mu.Unlock()
		// A duplicate id means a caller resubmitted a live job. That is a
		// bug upstream, never a condition to absorb quietly.
		o.logger.Error().Str("job_id", jobID).Str("kind", string(kind)).
			Msg("orchestrator: duplicate submission for active job")
		runDispose(dispose)
		return fmt.Errorf("orchestrator: submit %s: %w", jobID, domain.ErrDuplicateJob)
	}
	o.active[jobID] = struct{}{}
	lim := o.limiters[family]
	// Registering with the group must happen under the admission lock:
	// Shutdown sets closed under the same lock, so its Wait can never
	// observe a zero counter while an accepted job is still starting.
	o.wg.Add(1)
	o.mu.Unlock()

	// The snapshot at submission decides the pool size this job sees.
	lim.SetLimit(o.config.Snapshot().Workers(string(family)))

	go o.run(jobID, kind, lim, work, dispose)
	return nil
}

func (o *Orchestrator) run(jobID string, kind domain.JobKind, lim *limiter, work func(ctx context.Context) error, dispose func()) {
	defer o.wg.Done()
	defer func() {
		o.mu.Lock()
		delete(o.active, jobID)
		o.mu.Unlock()
	}()
	defer runDispose(dispose)

	if err := lim.Acquire(o.baseCtx); err != nil {
		o.finalize(jobID, false, "canceled before execution started")
		return
	}
	defer lim.Release()

	if err := o.registry.TransitionToRunning(o.baseCtx, jobID); err != nil {
		o.logger.Error().Err(err).Str("job_id", jobID).Msg("orchestrator: transition to running failed")
		o.finalize(jobID, false, "could not start job")
		return
	}

	start := time.Now()
	err := o.runGuarded(jobID, work)
	elapsed := time.Since(start)

	if err != nil {
		o.logger.Warn().Err(err).Str("job_id", jobID).Str("kind", string(kind)).
			Dur("elapsed", elapsed).Msg("orchestrator: job failed")
		o.finalize(jobID, false, summarize(err))
		return
	}
	o.logger.Info().Str("job_id", jobID).Str("kind", string(kind)).
		Dur("elapsed", elapsed).Msg("orchestrator: job completed")
	o.finalize(jobID, true, "")
}

// runGuarded executes the body and converts a panic into an error so the
// finalize path always runs.
func (o *Orchestrator) runGuarded(jobID string, work func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error().Str("job_id", jobID).Any("panic", r).
				Msg("orchestrator: job body panicked")
			err = fmt.Errorf("internal error: %v", r)
		}
	}()
	return work(o.baseCtx)
}

// finalize records the terminal state with a context detached from job
// cancellation, so a shutdown still leaves the registry consistent.
func (o *Orchestrator) finalize(jobID string, success bool, errMsg string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(o.baseCtx), finalizeTimeout)
	defer cancel()
	err := o.registry.TransitionToTerminal(ctx, jobID, success, errMsg)
	if err != nil && !errors.Is(err, domain.ErrTerminalState) {
		o.logger.Error().Err(err).Str("job_id", jobID).Bool("success", success).
			Msg("orchestrator: terminal transition failed")
	}
}

func runDispose(dispose func()) {
	if dispose != nil {
		dispose()
	}
}

func (o *Orchestrator) failSynchronously(jobID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	if err := o.registry.TransitionToTerminal(ctx, jobID, false, reason); err != nil {
		o.logger.Error().Err(err).Str("job_id", jobID).Msg("orchestrator: rejection finalize failed")
	}
}

// Shutdown stops admitting work and waits for in-flight jobs until ctx
// expires. Jobs still running at the deadline keep their cancellation signal
// and finalize on their own.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.cancel()
		return nil
	case <-ctx.Done():
		o.cancel()
		return fmt.Errorf("orchestrator: shutdown: %w", ctx.Err())
	}
}

// summarize reduces an error to the single line stored as the job error.
func summarize(err error) string {
	msg := strings.TrimSpace(err.Error())
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return msg
}
