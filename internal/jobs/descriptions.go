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

// descriptionSystemPrompt frames the model as product marketing copywriter.
const descriptionSystemPrompt = "You write concise, benefit-led product descriptions for e-commerce listings. Respond with the description text only."

// DescriptionsSpec describes a batch text-generation job.
type DescriptionsSpec struct {
	JobID string
	Scope string
	Pages []Page
	Model string
}

// Descriptions returns the work body for a batch description job, one text
// per page with the same partial-success policy as image batches.
func (r *Runner) Descriptions(spec DescriptionsSpec) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if len(spec.Pages) == 0 {
			return errors.New("no pages to describe")
		}
		if err := r.registry.SetTotal(ctx, spec.JobID, len(spec.Pages)); err != nil {
			return err
		}
		tracker := orchestrator.NewProgressTracker(r.registry, spec.JobID)

		var mu sync.Mutex
		var lastErr error

		g := new(errgroup.Group)
		g.SetLimit(r.config.Snapshot().Workers(string(domain.FamilyText)))
		for i, page := range spec.Pages {
			g.Go(func() error {
				name := page.name(i)
				err := r.describePage(ctx, spec, name, page.Prompt)
				if err != nil {
					r.logger.Warn().Err(err).Str("job_id", spec.JobID).Str("page", name).
						Msg("jobs: description generation failed")
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

func (r *Runner) describePage(ctx context.Context, spec DescriptionsSpec, name, prompt string) error {
	result, err := r.engine.GenerateText(ctx, strategy.TextRequest{
		Prompt: prompt,
		System: descriptionSystemPrompt,
		Model:  spec.Model,
	})
	if err != nil {
		return err
	}
	key := assetKey(spec.Scope, spec.JobID, name, "txt")
	if _, err := r.store.Write(ctx, key, []byte(result.Text)); err != nil {
		return err
	}
	return nil
}
