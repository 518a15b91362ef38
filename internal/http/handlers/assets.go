package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"path"

	"github.com/go-chi/chi/v5"

	"github.com/xobi667/xiaobaibai/internal/domain"
	ziputil "github.com/xobi667/xiaobaibai/pkg/zip"
)

// DownloadAssets streams every asset a job produced as a single zip archive.
// Partial results of a FAILED batch are downloadable too.
func (a *App) DownloadAssets(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := chi.URLParam(r, "jobID")

	job, err := a.Registry.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "job not found")
			return
		}
		a.Logger.Error().Err(err).Msg("http: get job failed")
		a.error(w, http.StatusInternalServerError, "could not read job")
		return
	}
	if !job.Status.Terminal() {
		a.error(w, http.StatusConflict, "job is still running")
		return
	}

	keys, err := a.Assets.List(ctx, job.Scope+"/"+job.ID)
	if err != nil {
		a.Logger.Error().Err(err).Str("job_id", jobID).Msg("http: list assets failed")
		a.error(w, http.StatusInternalServerError, "could not list assets")
		return
	}
	if len(keys) == 0 {
		a.error(w, http.StatusNotFound, "job produced no assets")
		return
	}

	archive := make([]ziputil.Asset, 0, len(keys))
	for _, key := range keys {
		data, err := a.Assets.Read(ctx, key)
		if err != nil {
			a.Logger.Error().Err(err).Str("key", key).Msg("http: read asset failed")
			a.error(w, http.StatusInternalServerError, "could not read assets")
			return
		}
		archive = append(archive, ziputil.Asset{Filename: path.Base(key), Data: data})
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", jobID+".zip"))
	_, _ = w.Write(ziputil.ArchiveAssets(archive))
}
