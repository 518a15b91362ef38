package handlers_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/xobi667/xiaobaibai/internal/http/handlers"
)

func decodeSettings(t *testing.T, rec *httptest.ResponseRecorder) handlers.SettingsResp {
	t.Helper()
	var resp handlers.SettingsResp
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode settings response: %v", err)
	}
	return resp
}

func TestGetSettingsReturnsCurrentSnapshot(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodGet, "/v1/settings", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeSettings(t, rec)
	if resp.Version != 1 || resp.ImageWorkers != 2 || resp.TextWorkers != 2 {
		t.Fatalf("settings = %+v", resp)
	}
	if resp.ImageModel != "gemini-3-pro-image-preview" {
		t.Fatalf("image model = %q", resp.ImageModel)
	}
}

func TestUpdateSettingsBumpsVersionAndAppliesToNewSubmissions(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodPut, "/v1/settings", map[string]any{
		"image_workers": 5,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	resp := decodeSettings(t, rec)
	if resp.Version != 2 || resp.ImageWorkers != 5 {
		t.Fatalf("settings after update = %+v", resp)
	}
	// Untouched fields keep their values.
	if resp.TextWorkers != 2 {
		t.Fatalf("text workers = %d, want 2", resp.TextWorkers)
	}
	// The store the orchestrator reads at submission sees the new value.
	if got := e.app.Settings.Snapshot().Workers("image"); got != 5 {
		t.Fatalf("snapshot image workers = %d, want 5", got)
	}
}

func TestUpdateSettingsRejectsNonPositiveWorkers(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodPut, "/v1/settings", map[string]any{"text_workers": 0})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if got := e.app.Settings.Snapshot().Version; got != 1 {
		t.Fatalf("version = %d, rejected update must not publish", got)
	}
}
