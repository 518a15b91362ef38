package jobs

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/xobi667/xiaobaibai/internal/domain"
	"github.com/xobi667/xiaobaibai/internal/orchestrator"
	"github.com/xobi667/xiaobaibai/internal/strategy"
)

// ImagesSpec describes one batch image-generation job.
type ImagesSpec struct {
	JobID       string
	Scope       string
	Pages       []Page
	AspectRatio string
	Resolution  string
	Model       string
}

// Images returns the work body for a batch image job. Page sub-steps run
// concurrently on an inner pool sized from the image-family worker count; a
// failed page never cancels its siblings.
func (r *Runner) Images(spec ImagesSpec) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if len(spec.Pages) == 0 {
			return errors.New("no pages to generate")
		}
		if err := r.registry.SetTotal(ctx, spec.JobID, len(spec.Pages)); err != nil {
			return err
		}
		tracker := orchestrator.NewProgressTracker(r.registry, spec.JobID)

		var mu sync.Mutex
		var lastErr error

		g := new(errgroup.Group)
		g.SetLimit(r.config.Snapshot().Workers(string(domain.FamilyImage)))
		for i, page := range spec.Pages {
			g.Go(func() error {
				name := page.name(i)
				err := r.generatePage(ctx, spec, name, page.Prompt)
				if err != nil {
					r.logger.Warn().Err(err).Str("job_id", spec.JobID).Str("page", name).
						Msg("jobs: page generation failed")
					mu.Lock()
					lastErr = err
					mu.Unlock()
					tracker.Failure(ctx)
					return nil
				}
				tracker.Success(ctx)
				return nil
			})
		}
		_ = g.Wait()

		return finishBatch(tracker, lastErr)
	}
}

func (r *Runner) generatePage(ctx context.Context, spec ImagesSpec, name, prompt string) error {
	result, err := r.engine.GenerateImage(ctx, strategy.Request{
		Prompt:      prompt,
		AspectRatio: spec.AspectRatio,
		Resolution:  spec.Resolution,
		Model:       spec.Model,
	})
	if err != nil {
		return err
	}
	key := assetKey(spec.Scope, spec.JobID, name, "png")
	if _, err := r.store.Write(ctx, key, result.Image); err != nil {
		return err
	}
	r.logger.Info().Str("job_id", spec.JobID).Str("key", key).Int("attempts", result.Attempts).
		Msg("jobs: page image stored")
	return nil
}
