// Package chatapi speaks the conversational multimodal protocol: a chat-style
// request interleaving prompt text with inline reference images, answered by
// a chat completion whose message may embed image data in several encodings.
package chatapi

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
var ErrMissingAPIKey = errors.New("chatapi: api key is required")

// Options configures the conversational client.
type Options struct {
	APIKey           string
	BaseURL          string
	HTTPClient       *http.Client
	Logger           *zerolog.Logger
	RequestTimeout   time.Duration
	TransportRetries int
}

// Client performs HTTP calls against an OpenAI-compatible chat completions
// endpoint. Like its structured sibling it is pure transport; HTTP error
// statuses surface as *apierr.Error and only connection failures are retried.
type Client struct {
	apiKey           string
	baseURL          string
	httpClient       *http.Client
	logger           zerolog.Logger
	transportRetries int
}

// Reference is one inline reference image attached to the user message.
type Reference struct {
	Data []byte
	MIME string
}

// Request captures one conversational generation call.
type Request struct {
	Model      string
	System     string
	Prompt     string
	References []Reference
	MaxTokens  int
}

// Message is the decoded assistant message. Content arrives either as a
// plain string, as a list of typed parts, or as proxy-specific multimodal
// parts; all three shapes are preserved for the caller to scan.
type Message struct {
	Text         string
	Parts        []Part
	InlineImages [][]byte
}

// Part is one element of an array-shaped message content.
type Part struct {
	Type     string
	Text     string
	ImageURL string
}

type wireContent struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type completionRequest struct {
	Model     string        `json:"model"`
	Messages  []wireMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content         json.RawMessage `json:"content"`
			MultiModContent []struct {
				Text       string `json:"text"`
				InlineData *struct {
					MIMEType string `json:"mime_type"`
					Data     string `json:"data"`
				} `json:"inline_data"`
			} `json:"multi_mod_content"`
		} `json:"message"`
	} `json:"choices"`
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

// Complete invokes the chat completions endpoint once and returns the
// decoded assistant message.
func (c *Client) Complete(ctx context.Context, req Request) (*Message, error) {
	if !c.HasCredentials() {
		return nil, ErrMissingAPIKey
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, errors.New("chatapi: prompt is required")
	}

	content := make([]wireContent, 0, len(req.References)+1)
	for _, ref := range req.References {
		mime := ref.MIME
		if mime == "" {
			mime = "image/jpeg"
		}
		encoded := base64.StdEncoding.EncodeToString(ref.Data)
		part := wireContent{Type: "image_url"}
		part.ImageURL = &struct {
			URL string `json:"url"`
		}{URL: fmt.Sprintf("data:%s;base64,%s", mime, encoded)}
		content = append(content, part)
	}
	content = append(content, wireContent{Type: "text", Text: prompt})

	messages := make([]wireMessage, 0, 2)
	if system := strings.TrimSpace(req.System); system != "" {
		messages = append(messages, wireMessage{Role: "system", Content: system})
	}
	messages = append(messages, wireMessage{Role: "user", Content: content})

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	body, err := json.Marshal(completionRequest{
		Model:     req.Model,
		Messages:  messages,
		MaxTokens: maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("chatapi: encode request: %w", err)
	}

	resp, raw, err := c.post(ctx, c.baseURL+"/chat/completions", body)
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

	var decoded completionResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("chatapi: decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return nil, errors.New("chatapi: response carried no choices")
	}
	return decodeMessage(decoded), nil
}

func decodeMessage(decoded completionResponse) *Message {
	wire := decoded.Choices[0].Message
	msg := &Message{}

	for _, part := range wire.MultiModContent {
		if part.InlineData != nil && part.InlineData.Data != "" {
			if data, err := base64.StdEncoding.DecodeString(part.InlineData.Data); err == nil {
				msg.InlineImages = append(msg.InlineImages, data)
			}
		}
	}

	if len(wire.Content) > 0 {
		var text string
		if err := json.Unmarshal(wire.Content, &text); err == nil {
			msg.Text = text
			return msg
		}
		var parts []wireContent
		if err := json.Unmarshal(wire.Content, &parts); err == nil {
			for _, p := range parts {
				out := Part{Type: p.Type, Text: p.Text}
				if p.ImageURL != nil {
					out.ImageURL = p.ImageURL.URL
				}
				msg.Parts = append(msg.Parts, out)
			}
		}
	}
	return msg
}

// Fetch downloads image bytes from a URL found inside a completion.
func (c *Client) Fetch(ctx context.Context, imageURL string) ([]byte, error) {
	parsed, err := url.Parse(strings.TrimSpace(imageURL))
	if err != nil || parsed.Scheme == "" {
		return nil, fmt.Errorf("chatapi: invalid image url: %s", imageURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("chatapi: build download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chatapi: download image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, &apierr.Error{StatusCode: resp.StatusCode, Message: "image download failed"}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("chatapi: read image: %w", err)
	}
	return data, nil
}

func (c *Client) post(ctx context.Context, endpoint string, body []byte) (*http.Response, []byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.transportRetries; attempt++ {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, nil, fmt.Errorf("chatapi: build request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			c.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("chatapi: transport error")
			continue
		}
		raw, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("chatapi: read response: %w", err)
		}
		return resp, raw, nil
	}
	return nil, nil, fmt.Errorf("chatapi: http request: %w", lastErr)
}
