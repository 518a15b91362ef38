// Package handlers implements the thin HTTP surface over the job
// orchestrator: create a job, poll a job. Everything else lives behind the
// orchestrator and the strategy engine.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/xobi667/xiaobaibai/internal/domain"
	"github.com/xobi667/xiaobaibai/internal/infra"
	"github.com/xobi667/xiaobaibai/internal/jobs"
	"github.com/xobi667/xiaobaibai/internal/workspace"
)

// Submitter is the orchestrator surface the handlers need. The dispose hook
// runs exactly once whether or not the work body ever executes.
type Submitter interface {
	Submit(jobID string, kind domain.JobKind, work func(ctx context.Context) error, dispose func()) error
}

// AssetReader lists and reads stored job assets for downloads.
type AssetReader interface {
	List(ctx context.Context, prefix string) ([]string, error)
	Read(ctx context.Context, key string) ([]byte, error)
}

type App struct {
	Registry   domain.JobRegistry
	Submitter  Submitter
	Runner     *jobs.Runner
	Workspaces *workspace.Manager
	Assets     AssetReader
	Settings   *infra.Store
	Logger     zerolog.Logger
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, msg string) {
	a.json(w, code, map[string]string{"error": msg})
}

func (a *App) Health(w http.ResponseWriter, _ *http.Request) {
	a.json(w, http.StatusOK, map[string]string{"status": "ok"})
}
