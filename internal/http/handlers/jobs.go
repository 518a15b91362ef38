package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xobi667/xiaobaibai/internal/domain"
	"github.com/xobi667/xiaobaibai/internal/jobs"
	"github.com/xobi667/xiaobaibai/internal/workspace"
)

type pageReq struct {
	Name   string `json:"name"`
	Prompt string `json:"prompt"`
}

type referenceReq struct {
	Name string `json:"name"`
	Data string `json:"data_base64"`
}

type createJobReq struct {
	Kind           string         `json:"kind"`
	Model          string         `json:"model"`
	AspectRatio    string         `json:"aspect_ratio"`
	Resolution     string         `json:"resolution"`
	Prompt         string         `json:"prompt"`
	Pages          []pageReq      `json:"pages"`
	ReplaceSubject bool           `json:"replace_subject"`
	References     []referenceReq `json:"references"`
}

type jobResp struct {
	ID          string     `json:"id"`
	Scope       string     `json:"scope"`
	Kind        string     `json:"kind"`
	Status      string     `json:"status"`
	Progress    progress   `json:"progress"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type progress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

func toJobResp(job *domain.Job) jobResp {
	return jobResp{
		ID:     job.ID,
		Scope:  job.Scope,
		Kind:   string(job.Kind),
		Status: string(job.Status),
		Progress: progress{
			Total:     job.Progress.Total,
			Completed: job.Progress.Completed,
			Failed:    job.Progress.Failed,
		},
		Error:       job.Error,
		CreatedAt:   job.CreatedAt,
		CompletedAt: job.CompletedAt,
	}
}

// CreateJob accepts a generation job for a project, records it as PENDING
// and submits it. A submission rejection is reported in this response; the
// job record is already FAILED by then.
func (a *App) CreateJob(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "projectID")
	if scope == "" {
		scope = domain.ScopeGlobal
	}

	var req createJobReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	kind := domain.JobKind(req.Kind)
	switch kind {
	case domain.JobKindGenerateMaterial, domain.JobKindGenerateImages, domain.JobKindGenerateDescriptions:
	default:
		a.error(w, http.StatusBadRequest, fmt.Sprintf("unknown job kind %q", req.Kind))
		return
	}
	if err := validateCreateReq(kind, req); err != nil {
		a.error(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	jobID, err := a.Registry.Create(ctx, kind, scope)
	if err != nil {
		a.Logger.Error().Err(err).Msg("http: create job record failed")
		a.error(w, http.StatusInternalServerError, "could not create job")
		return
	}

	work, dispose, err := a.buildWork(jobID, scope, kind, req)
	if err != nil {
		a.failBeforeSubmit(ctx, jobID, err)
		a.error(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := a.Submitter.Submit(jobID, kind, work, dispose); err != nil {
		job, getErr := a.Registry.GetByID(ctx, jobID)
		if getErr != nil {
			a.error(w, http.StatusServiceUnavailable, "job rejected")
			return
		}
		a.json(w, http.StatusServiceUnavailable, toJobResp(job))
		return
	}

	job, err := a.Registry.GetByID(ctx, jobID)
	if err != nil {
		a.error(w, http.StatusInternalServerError, "job submitted but not readable")
		return
	}
	a.json(w, http.StatusAccepted, toJobResp(job))
}

// GetJob returns the current status, progress and error of a job.
func (a *App) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.Registry.GetByID(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "job not found")
			return
		}
		a.Logger.Error().Err(err).Msg("http: get job failed")
		a.error(w, http.StatusInternalServerError, "could not read job")
		return
	}
	a.json(w, http.StatusOK, toJobResp(job))
}

func validateCreateReq(kind domain.JobKind, req createJobReq) error {
	if req.Model == "" {
		return errors.New("model is required")
	}
	switch kind {
	case domain.JobKindGenerateMaterial:
		if req.Prompt == "" {
			return errors.New("prompt is required for material jobs")
		}
	default:
		if len(req.Pages) == 0 {
			return errors.New("pages are required for batch jobs")
		}
		for _, p := range req.Pages {
			if p.Prompt == "" {
				return errors.New("every page needs a prompt")
			}
		}
	}
	return nil
}

func (a *App) buildWork(jobID, scope string, kind domain.JobKind, req createJobReq) (func(ctx context.Context) error, func(), error) {
	switch kind {
	case domain.JobKindGenerateImages:
		return a.Runner.Images(jobs.ImagesSpec{
			JobID:       jobID,
			Scope:       scope,
			Pages:       toPages(req.Pages),
			AspectRatio: req.AspectRatio,
			Resolution:  req.Resolution,
			Model:       req.Model,
		}), nil, nil

	case domain.JobKindGenerateDescriptions:
		return a.Runner.Descriptions(jobs.DescriptionsSpec{
			JobID: jobID,
			Scope: scope,
			Pages: toPages(req.Pages),
			Model: req.Model,
		}), nil, nil

	case domain.JobKindGenerateMaterial:
		ws, spec, err := a.stageMaterial(jobID, scope, req)
		if err != nil {
			return nil, nil, err
		}
		work, dispose := a.Runner.Material(spec, ws)
		return work, dispose, nil
	}
	return nil, nil, fmt.Errorf("unknown job kind %q", kind)
}

// stageMaterial decodes the uploaded references into a fresh workspace. On
// error the workspace is already removed.
func (a *App) stageMaterial(jobID, scope string, req createJobReq) (*workspace.Workspace, jobs.MaterialSpec, error) {
	spec := jobs.MaterialSpec{
		JobID:          jobID,
		Scope:          scope,
		Prompt:         req.Prompt,
		AspectRatio:    req.AspectRatio,
		Resolution:     req.Resolution,
		Model:          req.Model,
		ReplaceSubject: req.ReplaceSubject,
	}
	ws, err := a.Workspaces.Allocate(jobID)
	if err != nil {
		return nil, spec, fmt.Errorf("allocate workspace: %w", err)
	}
	for i, ref := range req.References {
		data, err := base64.StdEncoding.DecodeString(ref.Data)
		if err != nil {
			_ = ws.Cleanup()
			return nil, spec, fmt.Errorf("reference %d is not valid base64", i)
		}
		name := ref.Name
		if name == "" {
			name = fmt.Sprintf("ref-%d", i)
		}
		if _, err := ws.Stage(name, data); err != nil {
			_ = ws.Cleanup()
			return nil, spec, fmt.Errorf("stage reference %q: %w", name, err)
		}
		if i == 0 {
			spec.PrimaryRef = name
		} else {
			spec.AuxRefs = append(spec.AuxRefs, name)
		}
	}
	return ws, spec, nil
}

func (a *App) failBeforeSubmit(ctx context.Context, jobID string, cause error) {
	if err := a.Registry.TransitionToTerminal(ctx, jobID, false, cause.Error()); err != nil {
		a.Logger.Error().Err(err).Str("job_id", jobID).Msg("http: could not fail unstartable job")
	}
}

func toPages(in []pageReq) []jobs.Page {
	out := make([]jobs.Page, 0, len(in))
	for _, p := range in {
		out = append(out, jobs.Page{Name: p.Name, Prompt: p.Prompt})
	}
	return out
}
