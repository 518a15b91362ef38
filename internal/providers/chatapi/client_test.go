package chatapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/xobi667/xiaobaibai/internal/providers/apierr"
)

func TestCompleteBuildsMultimodalPayload(t *testing.T) {
	transport := &captureTransport{responses: map[string]responseStub{}}
	client := newTestClient(t, transport)

	transport.setJSONResponse("/v1/chat/completions", http.StatusOK, map[string]any{
		"choices": []any{
			map[string]any{"message": map[string]any{"content": "done"}},
		},
	})

	refData := []byte{0xde, 0xad, 0xbe, 0xef}
	msg, err := client.Complete(context.Background(), Request{
		Model:      "gemini-3-pro-image-preview",
		System:     "aspect_ratio=16:9;resolution=2K",
		Prompt:     "render the poster",
		References: []Reference{{Data: refData, MIME: "image/png"}},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if msg.Text != "done" {
		t.Fatalf("text = %q, want done", msg.Text)
	}

	var sent map[string]any
	if err := json.Unmarshal(transport.lastBody, &sent); err != nil {
		t.Fatalf("decode request payload: %v", err)
	}
	messages := sent["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("messages = %d, want system+user", len(messages))
	}
	system := messages[0].(map[string]any)
	if system["role"] != "system" || system["content"] != "aspect_ratio=16:9;resolution=2K" {
		t.Fatalf("unexpected system message: %v", system)
	}
	user := messages[1].(map[string]any)
	content := user["content"].([]any)
	if len(content) != 2 {
		t.Fatalf("content parts = %d, want image+text", len(content))
	}
	imagePart := content[0].(map[string]any)
	if imagePart["type"] != "image_url" {
		t.Fatalf("first part type = %v, want image_url (references precede text)", imagePart["type"])
	}
	url := imagePart["image_url"].(map[string]any)["url"].(string)
	wantPrefix := "data:image/png;base64,"
	if !strings.HasPrefix(url, wantPrefix) {
		t.Fatalf("image url = %q, want data uri", url)
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(url, wantPrefix))
	if err != nil || !bytes.Equal(decoded, refData) {
		t.Fatalf("reference bytes mismatch: %v %v", decoded, err)
	}
	textPart := content[1].(map[string]any)
	if textPart["type"] != "text" || textPart["text"] != "render the poster" {
		t.Fatalf("unexpected text part: %v", textPart)
	}
}

func TestCompleteDecodesInlineImages(t *testing.T) {
	transport := &captureTransport{responses: map[string]responseStub{}}
	client := newTestClient(t, transport)

	imageBytes := []byte{0x89, 'P', 'N', 'G'}
	transport.setJSONResponse("/v1/chat/completions", http.StatusOK, map[string]any{
		"choices": []any{
			map[string]any{"message": map[string]any{
				"multi_mod_content": []any{
					map[string]any{"text": "here you go"},
					map[string]any{"inline_data": map[string]any{
						"mime_type": "image/png",
						"data":      base64.StdEncoding.EncodeToString(imageBytes),
					}},
				},
			}},
		},
	})

	msg, err := client.Complete(context.Background(), Request{Model: "m", Prompt: "p"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if len(msg.InlineImages) != 1 || !bytes.Equal(msg.InlineImages[0], imageBytes) {
		t.Fatalf("inline images = %v", msg.InlineImages)
	}
}

func TestCompleteDecodesContentParts(t *testing.T) {
	transport := &captureTransport{responses: map[string]responseStub{}}
	client := newTestClient(t, transport)

	transport.setJSONResponse("/v1/chat/completions", http.StatusOK, map[string]any{
		"choices": []any{
			map[string]any{"message": map[string]any{
				"content": []any{
					map[string]any{"type": "text", "text": "caption"},
					map[string]any{"type": "image_url", "image_url": map[string]any{"url": "data:image/png;base64,AAAA"}},
				},
			}},
		},
	})

	msg, err := client.Complete(context.Background(), Request{Model: "m", Prompt: "p"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if len(msg.Parts) != 2 {
		t.Fatalf("parts = %d, want 2", len(msg.Parts))
	}
	if msg.Parts[0].Text != "caption" || msg.Parts[1].ImageURL != "data:image/png;base64,AAAA" {
		t.Fatalf("unexpected parts: %+v", msg.Parts)
	}
}

func TestCompleteSurfacesAPIError(t *testing.T) {
	transport := &captureTransport{responses: map[string]responseStub{}}
	client := newTestClient(t, transport)

	transport.setJSONResponse("/v1/chat/completions", http.StatusServiceUnavailable, map[string]any{
		"error": map[string]any{"message": "No available channels for model gemini-3-pro"},
	})

	_, err := client.Complete(context.Background(), Request{Model: "gemini-3-pro", Prompt: "p"})
	apiErr, ok := apierr.From(err)
	if !ok {
		t.Fatalf("expected *apierr.Error, got %v", err)
	}
	if apiErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", apiErr.StatusCode)
	}
	if !strings.Contains(apiErr.Message, "No available channels") {
		t.Fatalf("message = %q", apiErr.Message)
	}
}

func newTestClient(t *testing.T, transport http.RoundTripper) *Client {
	t.Helper()
	client, err := NewClient(Options{
		APIKey:     "test",
		BaseURL:    "https://proxy.example.com/v1",
		HTTPClient: &http.Client{Transport: transport},
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

type responseStub struct {
	status int
	body   []byte
}

func (s responseStub) toResponse() *http.Response {
	return &http.Response{
		StatusCode: s.status,
		Header:     http.Header{},
		Body:       io.NopCloser(bytes.NewReader(s.body)),
	}
}

type captureTransport struct {
	responses map[string]responseStub
	lastBody  []byte
}

func (c *captureTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method == http.MethodPost {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		req.Body.Close()
		c.lastBody = body
		if stub, ok := c.responses[req.URL.Path]; ok {
			return stub.toResponse(), nil
		}
	}
	if req.Method == http.MethodGet {
		if stub, ok := c.responses[req.URL.String()]; ok {
			return stub.toResponse(), nil
		}
	}
	return responseStub{status: http.StatusNotFound, body: []byte("not stubbed")}.toResponse(), nil
}

func (c *captureTransport) setJSONResponse(path string, status int, payload map[string]any) {
	body, _ := json.Marshal(payload)
	c.responses[path] = responseStub{status: status, body: body}
}
