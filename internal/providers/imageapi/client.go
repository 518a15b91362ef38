// Package imageapi speaks the structured generation protocol: one request
// carrying a prompt and a target size, one response carrying inline image
// bytes or a fetchable URL. Reference images are not representable in this
// protocol.
package imageapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/xobi667/xiaobaibai/internal/providers/apierr"
)

// ErrMissingAPIKey indicates that the client was configured without credentials.
var ErrMissingAPIKey = errors.New("imageapi: api key is required")

// Options configures the structured-generation client.
type Options struct {
	APIKey           string
	BaseURL          string
	HTTPClient       *http.Client
	Logger           *zerolog.Logger
	RequestTimeout   time.Duration
	TransportRetries int
}

// Client performs HTTP calls against an OpenAI-compatible images endpoint.
// It is pure transport: no prompt mutation, no status-based retries. HTTP
// failures surface as *apierr.Error for the caller to classify; only raw
// connection failures are retried here.
type Client struct {
	apiKey           string
	baseURL          string
	httpClient       *http.Client
	logger           zerolog.Logger
	transportRetries int
}

// Request captures one structured generation call.
type Request struct {
	Model  string
	Prompt string
	Size   string
}

// Payload is the undecoded result of a successful call: inline bytes or a
// URL requiring a secondary fetch, never both.
type Payload struct {
	Data []byte
	URL  string
}

type generationRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	N      int    `json:"n"`
	Size   string `json:"size"`
}

type generationResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
		B64     string `json:"b64"`
		Base64  string `json:"base64"`
		URL     string `json:"url"`
	} `json:"data"`
}

// NewClient constructs a client with sane defaults and injected dependencies.
func NewClient(opts Options) (*Client, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 180 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	retries := opts.TransportRetries
	if retries < 0 {
		retries = 0
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Client{
		apiKey:           strings.TrimSpace(opts.APIKey),
		baseURL:          baseURL,
		httpClient:       httpClient,
		logger:           logger,
		transportRetries: retries,
	}, nil
}

// HasCredentials reports whether the client can perform remote calls.
func (c *Client) HasCredentials() bool {
	return c.apiKey != ""
}

// Generate invokes the images endpoint once and returns the undecoded payload.
func (c *Client) Generate(ctx context.Context, req Request) (*Payload, error) {
	if !c.HasCredentials() {
		return nil, ErrMissingAPIKey
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, errors.New("imageapi: prompt is required")
	}
	payload := generationRequest{
		Model:  req.Model,
		Prompt: prompt,
		N:      1,
		Size:   req.Size,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("imageapi: encode request: %w", err)
	}

	resp, raw, err := c.post(ctx, c.baseURL+"/images/generations", body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 300 {
		return nil, &apierr.Error{
			StatusCode: resp.StatusCode,
			Message:    apierr.MessageFromBody(raw),
			RetryAfter: apierr.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var decoded generationResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("imageapi: decode response: %w", err)
	}
	if len(decoded.Data) == 0 {
		return nil, errors.New("imageapi: response carried no data items")
	}
	first := decoded.Data[0]
	if b64 := firstNonEmpty(first.B64JSON, first.B64, first.Base64); b64 != "" {
		data, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("imageapi: decode inline image: %w", err)
		}
		return &Payload{Data: data}, nil
	}
	if u := strings.TrimSpace(first.URL); u != "" {
		return &Payload{URL: u}, nil
	}
	return nil, errors.New("imageapi: response carried neither b64_json nor url")
}

// Fetch downloads image bytes from a URL returned by the provider.
func (c *Client) Fetch(ctx context.Context, imageURL string) ([]byte, error) {
	parsed, err := url.Parse(strings.TrimSpace(imageURL))
	if err != nil || parsed.Scheme == "" {
		return nil, fmt.Errorf("imageapi: invalid image url: %s", imageURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("imageapi: build download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("imageapi: download image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, &apierr.Error{StatusCode: resp.StatusCode, Message: "image download failed"}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("imageapi: read image: %w", err)
	}
	return data, nil
}

// post sends the request, retrying only raw connection failures. HTTP error
// statuses are never retried here; they bubble up for classification.
func (c *Client) post(ctx context.Context, endpoint string, body []byte) (*http.Response, []byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.transportRetries; attempt++ {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, nil, fmt.Errorf("imageapi: build request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			c.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("imageapi: transport error")
			continue
		}
		raw, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("imageapi: read response: %w", err)
		}
		return resp, raw, nil
	}
	return nil, nil, fmt.Errorf("imageapi: http request: %w", lastErr)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
