// Package jobs holds the bodies of the generation jobs: the code that runs
// inside the orchestrator worker, drives the strategy engine, and persists
// results.
package jobs

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/xobi667/xiaobaibai/internal/domain"
	"github.com/xobi667/xiaobaibai/internal/infra"
	"github.com/xobi667/xiaobaibai/internal/orchestrator"
	"github.com/xobi667/xiaobaibai/internal/strategy"
	"github.com/xobi667/xiaobaibai/internal/workspace"
)

// Engine is the slice of the strategy engine the job bodies need.
type Engine interface {
	GenerateImage(ctx context.Context, req strategy.Request) (*strategy.Result, error)
	GenerateText(ctx context.Context, req strategy.TextRequest) (*strategy.Result, error)
}

// AssetStore persists generated results.
type AssetStore interface {
	Write(ctx context.Context, key string, data []byte) (string, error)
}

// ConfigSource supplies the snapshot that sizes the inner sub-step pool.
type ConfigSource interface {
	Snapshot() infra.Snapshot
}

// Options configures a Runner.
type Options struct {
	Engine   Engine
	Store    AssetStore
	Registry domain.JobRegistry
	Config   ConfigSource
	Logger   *zerolog.Logger
}

// Runner builds work functions for the orchestrator.
type Runner struct {
	engine   Engine
	store    AssetStore
	registry domain.JobRegistry
	config   ConfigSource
	logger   zerolog.Logger
}

func NewRunner(opts Options) *Runner {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Runner{
		engine:   opts.Engine,
		store:    opts.Store,
		registry: opts.Registry,
		config:   opts.Config,
		logger:   logger,
	}
}

// Page is one sub-step of a batch job.
type Page struct {
	Name   string
	Prompt string
}

func (p Page) name(index int) string {
	if p.Name != "" {
		return p.Name
	}
	return fmt.Sprintf("page-%02d", index+1)
}

func assetKey(scope, jobID, name, ext string) string {
	if scope == "" {
		scope = domain.ScopeGlobal
	}
	return fmt.Sprintf("%s/%s/%s.%s", scope, jobID, name, ext)
}

// finishBatch applies the partial-success policy: a batch job completes when
// at least one sub-step succeeded and fails only when all of them did.
func finishBatch(tracker *orchestrator.ProgressTracker, lastErr error) error {
	completed, failed := tracker.Counts()
	if completed > 0 {
		return nil
	}
	if lastErr != nil {
		return lastErr
	}
	if failed > 0 {
		return fmt.Errorf("all %d sub-steps failed", failed)
	}
	return nil
}

func referenceFromWorkspace(ws *workspace.Workspace, name string) (*strategy.Reference, error) {
	data, err := ws.Read(name)
	if err != nil {
		return nil, err
	}
	return &strategy.Reference{Data: data, MIME: http.DetectContentType(data)}, nil
}
