package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/xobi667/xiaobaibai/internal/infra"
)

// settingsResp exposes the runtime-mutable configuration. Credentials never
// leave the process.
type settingsResp struct {
	Version      uint64 `json:"version"`
	ImageModel   string `json:"image_model"`
	TextModel    string `json:"text_model"`
	ImageWorkers int    `json:"image_workers"`
	TextWorkers  int    `json:"text_workers"`
}

type updateSettingsReq struct {
	ImageWorkers *int `json:"image_workers"`
	TextWorkers  *int `json:"text_workers"`
}

func toSettingsResp(snap infra.Snapshot) settingsResp {
	return settingsResp{
		Version:      snap.Version,
		ImageModel:   snap.ImageModel,
		TextModel:    snap.TextModel,
		ImageWorkers: snap.ImageWorkers,
		TextWorkers:  snap.TextWorkers,
	}
}

// GetSettings returns the current configuration version and values.
func (a *App) GetSettings(w http.ResponseWriter, _ *http.Request) {
	a.json(w, http.StatusOK, toSettingsResp(a.Settings.Snapshot()))
}

// UpdateSettings changes worker pool sizes at runtime. The new sizes apply
// to jobs submitted after the update; in-flight jobs keep the snapshot they
// were submitted with.
func (a *App) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req updateSettingsReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := validateSettingsReq(req); err != nil {
		a.error(w, http.StatusBadRequest, err.Error())
		return
	}
	snap := a.Settings.Update(func(next *infra.Snapshot) {
		if req.ImageWorkers != nil {
			next.ImageWorkers = *req.ImageWorkers
		}
		if req.TextWorkers != nil {
			next.TextWorkers = *req.TextWorkers
		}
	})
	a.Logger.Info().Uint64("version", snap.Version).
		Int("image_workers", snap.ImageWorkers).Int("text_workers", snap.TextWorkers).
		Msg("http: settings updated")
	a.json(w, http.StatusOK, toSettingsResp(snap))
}

func validateSettingsReq(req updateSettingsReq) error {
	for name, v := range map[string]*int{"image_workers": req.ImageWorkers, "text_workers": req.TextWorkers} {
		if v != nil && *v < 1 {
			return fmt.Errorf("%s must be at least 1", name)
		}
	}
	return nil
}
