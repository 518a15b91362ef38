package jobs

import (
	"context"

	"github.com/xobi667/xiaobaibai/internal/orchestrator"
	"github.com/xobi667/xiaobaibai/internal/strategy"
	"github.com/xobi667/xiaobaibai/internal/workspace"
)

// MaterialSpec describes a single-poster job built from a primary product
// reference and optional auxiliary references.
type MaterialSpec struct {
	JobID          string
	Scope          string
	Prompt         string
	PrimaryRef     string
	AuxRefs        []string
	AspectRatio    string
	Resolution     string
	Model          string
	ReplaceSubject bool
}

// Material returns the work body for a material job together with a dispose
// hook that removes the staged workspace. The hook belongs to the submission,
// not the body: it must run even when the body never executes, so the
// scratch directory cannot leak on a rejected or never-started job.
func (r *Runner) Material(spec MaterialSpec, ws *workspace.Workspace) (func(ctx context.Context) error, func()) {
	dispose := func() {
		if err := ws.Cleanup(); err != nil {
			r.logger.Warn().Err(err).Str("job_id", spec.JobID).Msg("jobs: workspace cleanup failed")
		}
	}
	work := func(ctx context.Context) error {
		if err := r.registry.SetTotal(ctx, spec.JobID, 1); err != nil {
			return err
		}
		tracker := orchestrator.NewProgressTracker(r.registry, spec.JobID)

		req := strategy.Request{
			Prompt:         spec.Prompt,
			AspectRatio:    spec.AspectRatio,
			Resolution:     spec.Resolution,
			Model:          spec.Model,
			ReplaceSubject: spec.ReplaceSubject,
		}
		if spec.PrimaryRef != "" {
			ref, err := referenceFromWorkspace(ws, spec.PrimaryRef)
			if err != nil {
				tracker.Failure(ctx)
				return err
			}
			req.PrimaryRef = ref
		}
		for _, name := range spec.AuxRefs {
			ref, err := referenceFromWorkspace(ws, name)
			if err != nil {
				tracker.Failure(ctx)
				return err
			}
			req.AuxRefs = append(req.AuxRefs, *ref)
		}

		result, err := r.engine.GenerateImage(ctx, req)
		if err != nil {
			tracker.Failure(ctx)
			return err
		}
		key := assetKey(spec.Scope, spec.JobID, "material", "png")
		if _, err := r.store.Write(ctx, key, result.Image); err != nil {
			tracker.Failure(ctx)
			return err
		}
		tracker.Success(ctx)
		r.logger.Info().Str("job_id", spec.JobID).Str("key", key).Int("attempts", result.Attempts).
			Msg("jobs: material image stored")
		return nil
	}
	return work, dispose
}
