package strategy

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/xobi667/xiaobaibai/internal/providers/apierr"
	"github.com/xobi667/xiaobaibai/internal/providers/chatapi"
	"github.com/xobi667/xiaobaibai/internal/providers/imageapi"
)

func validPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// structuredStep scripts one Generate call of the fake structured client.
type structuredStep struct {
	payload *imageapi.Payload
	err     error
}

type fakeStructured struct {
	steps   []structuredStep
	calls   int
	prompts []string
	fetches map[string][]byte
}

func (f *fakeStructured) Generate(_ context.Context, req imageapi.Request) (*imageapi.Payload, error) {
	f.prompts = append(f.prompts, req.Prompt)
	if f.calls >= len(f.steps) {
		return nil, errors.New("fake structured: script exhausted")
	}
	step := f.steps[f.calls]
	f.calls++
	return step.payload, step.err
}

func (f *fakeStructured) Fetch(_ context.Context, url string) ([]byte, error) {
	if data, ok := f.fetches[url]; ok {
		return data, nil
	}
	return nil, errors.New("fake structured: unknown url")
}

type chatStep struct {
	msg *chatapi.Message
	err error
}

type fakeConversational struct {
	steps    []chatStep
	calls    int
	requests []chatapi.Request
	fetches  map[string][]byte
}

func (f *fakeConversational) Complete(_ context.Context, req chatapi.Request) (*chatapi.Message, error) {
	f.requests = append(f.requests, req)
	if f.calls >= len(f.steps) {
		return nil, errors.New("fake conversational: script exhausted")
	}
	step := f.steps[f.calls]
	f.calls++
	return step.msg, step.err
}

func (f *fakeConversational) Fetch(_ context.Context, url string) ([]byte, error) {
	if data, ok := f.fetches[url]; ok {
		return data, nil
	}
	return nil, errors.New("fake conversational: unknown url")
}

type sleepRecorder struct {
	waits []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) {
	s.waits = append(s.waits, d)
}

func newTestEngine(structured *fakeStructured, conversational *fakeConversational, sleeps *sleepRecorder) *Engine {
	return NewEngine(Options{
		Structured:     structured,
		Conversational: conversational,
		Retries:        2,
		Sleep:          sleeps.sleep,
	})
}

func apiError(status int, message string) error {
	return &apierr.Error{StatusCode: status, Message: message}
}

// Transient no-channel failures on the structured protocol retry in place
// and succeed without switching prompt variants.
func TestStructuredRetriesTransientThenSucceeds(t *testing.T) {
	img := validPNG(t)
	structured := &fakeStructured{steps: []structuredStep{
		{err: apiError(http.StatusServiceUnavailable, "no available channels")},
		{err: apiError(http.StatusServiceUnavailable, "no available channels")},
		{payload: &imageapi.Payload{Data: img}},
	}}
	sleeps := &sleepRecorder{}
	engine := newTestEngine(structured, &fakeConversational{}, sleeps)

	result, err := engine.GenerateImage(context.Background(), Request{
		Prompt:      "poster of a red kettle",
		AspectRatio: "1:1",
		Model:       "gpt-image-1",
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !bytes.Equal(result.Image, img) {
		t.Fatalf("unexpected image bytes")
	}
	if result.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", result.Attempts)
	}
	if structured.calls != 3 {
		t.Fatalf("structured calls = %d, want 3", structured.calls)
	}
	// Exponential backoff between the failed attempts: 2s then 4s.
	if len(sleeps.waits) != 2 || sleeps.waits[0] != 2*time.Second || sleeps.waits[1] != 4*time.Second {
		t.Fatalf("waits = %v", sleeps.waits)
	}
}

// Connection-level failures never carry an HTTP status, but they still
// retry on the full attempt budget with a 20s-capped exponential backoff.
func TestTransportErrorsRetryWithCappedBackoff(t *testing.T) {
	img := validPNG(t)
	transportErr := &url.Error{
		Op:  "Post",
		URL: "https://api.example.com/v1/images/generations",
		Err: errors.New("connect: connection refused"),
	}
	structured := &fakeStructured{steps: []structuredStep{
		{err: transportErr},
		{err: transportErr},
		{err: transportErr},
		{err: transportErr},
		{err: transportErr},
		{payload: &imageapi.Payload{Data: img}},
	}}
	sleeps := &sleepRecorder{}
	engine := NewEngine(Options{
		Structured:     structured,
		Conversational: &fakeConversational{},
		Retries:        5,
		Sleep:          sleeps.sleep,
	})

	result, err := engine.GenerateImage(context.Background(), Request{
		Prompt:      "poster of a red kettle",
		AspectRatio: "1:1",
		Model:       "gpt-image-1",
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if result.Attempts != 6 {
		t.Fatalf("attempts = %d, want 6", result.Attempts)
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 20 * time.Second}
	if len(sleeps.waits) != len(want) {
		t.Fatalf("waits = %v, want %v", sleeps.waits, want)
	}
	for i := range want {
		if sleeps.waits[i] != want[i] {
			t.Fatalf("wait[%d] = %v, want %v", i, sleeps.waits[i], want[i])
		}
	}
}

// A canceled context surfaces immediately; it is not a backend fault to
// retry through.
func TestTransportCancellationDoesNotRetry(t *testing.T) {
	structured := &fakeStructured{steps: []structuredStep{
		{err: &url.Error{Op: "Post", URL: "https://api.example.com", Err: context.Canceled}},
	}}
	sleeps := &sleepRecorder{}
	engine := newTestEngine(structured, &fakeConversational{}, sleeps)

	_, err := engine.GenerateImage(context.Background(), Request{Prompt: "p", AspectRatio: "1:1", Model: "gpt-image-1"})
	if err == nil {
		t.Fatalf("expected error")
	}
	var classified *ClassifiedError
	if !errors.As(err, &classified) || classified.Class != ClassUnclassified {
		t.Fatalf("class = %v, want UNCLASSIFIED", err)
	}
	if structured.calls != 1 || len(sleeps.waits) != 0 {
		t.Fatalf("calls = %d waits = %v, want a single attempt", structured.calls, sleeps.waits)
	}
}

func TestStructuredHonorsRetryAfterHint(t *testing.T) {
	img := validPNG(t)
	structured := &fakeStructured{steps: []structuredStep{
		{err: &apierr.Error{StatusCode: http.StatusTooManyRequests, Message: "slow down", RetryAfter: 7 * time.Second}},
		{payload: &imageapi.Payload{Data: img}},
	}}
	sleeps := &sleepRecorder{}
	engine := newTestEngine(structured, &fakeConversational{}, sleeps)

	if _, err := engine.GenerateImage(context.Background(), Request{Prompt: "p", AspectRatio: "1:1", Model: "gpt-image-1"}); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(sleeps.waits) != 1 || sleeps.waits[0] != 7*time.Second {
		t.Fatalf("waits = %v, want server hint", sleeps.waits)
	}
}

// A content rejection abandons the current prompt variant without further
// retries; the sanitized variant starts with a fresh attempt budget.
func TestContentRejectionSwitchesPromptVariant(t *testing.T) {
	img := validPNG(t)
	structured := &fakeStructured{steps: []structuredStep{
		{err: apiError(http.StatusInternalServerError, "prompt contains non-pictorial vocabulary")},
		{err: apiError(http.StatusServiceUnavailable, "upstream hiccup")},
		{err: apiError(http.StatusServiceUnavailable, "upstream hiccup")},
		{err: apiError(http.StatusServiceUnavailable, "upstream hiccup")},
		{err: apiError(http.StatusServiceUnavailable, "upstream hiccup")},
		{payload: &imageapi.Payload{Data: img}},
	}}
	sleeps := &sleepRecorder{}
	engine := newTestEngine(structured, &fakeConversational{}, sleeps)

	prompt := "You are a designer.\nA ceramic mug on a wooden desk"
	result, err := engine.GenerateImage(context.Background(), Request{
		Prompt:      prompt,
		AspectRatio: "1:1",
		Model:       "gpt-image-1",
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if result == nil || len(result.Image) == 0 {
		t.Fatalf("expected image result")
	}
	if structured.prompts[0] != prompt {
		t.Fatalf("first variant should be the original prompt, got %q", structured.prompts[0])
	}
	// The sanitized variant drops the persona line and gets its own full
	// budget of five attempts.
	want := "A ceramic mug on a wooden desk"
	for i := 1; i < len(structured.prompts); i++ {
		if structured.prompts[i] != want {
			t.Fatalf("variant 2 prompt[%d] = %q, want %q", i, structured.prompts[i], want)
		}
	}
	if structured.calls != 6 {
		t.Fatalf("calls = %d, want 1 rejection + 5 fresh attempts", structured.calls)
	}
}

func TestStrictModelGetsShortFallbackVariant(t *testing.T) {
	img := validPNG(t)
	structured := &fakeStructured{steps: []structuredStep{
		{err: apiError(http.StatusInternalServerError, "content has been flagged")},
		{payload: &imageapi.Payload{Data: img}},
	}}
	engine := newTestEngine(structured, &fakeConversational{}, &sleepRecorder{})

	prompt := "lots of rules\n<page_description>Blue enamel teapot pouring tea</page_description>"
	if _, err := engine.GenerateImage(context.Background(), Request{
		Prompt:      prompt,
		AspectRatio: "3:4",
		Model:       "doubao-seedream-4-0",
	}); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(structured.prompts) != 2 {
		t.Fatalf("prompts = %d, want 2", len(structured.prompts))
	}
	second := structured.prompts[1]
	if !strings.Contains(second, "aspect ratio 3:4") || !strings.Contains(second, "Blue enamel teapot pouring tea") {
		t.Fatalf("short fallback prompt = %q", second)
	}
}

// Conversational NO_CHANNEL falls back once to the structured protocol with
// reference images dropped.
func TestConversationalNoChannelFallsBackToStructured(t *testing.T) {
	img := validPNG(t)
	conversational := &fakeConversational{steps: []chatStep{
		{err: apiError(http.StatusServiceUnavailable, "No available channels for model gemini-3-pro-image-preview")},
	}}
	structured := &fakeStructured{steps: []structuredStep{
		{payload: &imageapi.Payload{Data: img}},
	}}
	engine := newTestEngine(structured, conversational, &sleepRecorder{})

	result, err := engine.GenerateImage(context.Background(), Request{
		Prompt:      "poster",
		AspectRatio: "16:9",
		Model:       "gemini-3-pro-image-preview",
		PrimaryRef:  &Reference{Data: []byte{1, 2, 3}, MIME: "image/png"},
		AuxRefs:     []Reference{{Data: []byte{4, 5, 6}, MIME: "image/png"}},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !bytes.Equal(result.Image, img) {
		t.Fatalf("unexpected image bytes")
	}
	if conversational.calls != 1 || structured.calls != 1 {
		t.Fatalf("calls = %d conversational / %d structured, want 1/1", conversational.calls, structured.calls)
	}
	// Both the failed conversational call and the structured success count.
	if result.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", result.Attempts)
	}
	// The conversational request carried both references, primary first.
	if refs := conversational.requests[0].References; len(refs) != 2 {
		t.Fatalf("conversational references = %d, want 2", len(refs))
	}
}

func TestConversationalFatalDoesNotFallBack(t *testing.T) {
	conversational := &fakeConversational{steps: []chatStep{
		{err: apiError(http.StatusUnauthorized, "invalid key")},
	}}
	structured := &fakeStructured{}
	engine := newTestEngine(structured, conversational, &sleepRecorder{})

	_, err := engine.GenerateImage(context.Background(), Request{Prompt: "p", AspectRatio: "1:1", Model: "gemini-3-pro-image-preview"})
	var classified *ClassifiedError
	if !errors.As(err, &classified) || classified.Class != ClassFatal {
		t.Fatalf("expected fatal classification, got %v", err)
	}
	if classified.Hint == "" {
		t.Fatalf("expected hint for 401")
	}
	if structured.calls != 0 {
		t.Fatalf("structured protocol should not be attempted")
	}
}

// Undecodable bytes behind HTTP 200 are fatal for the attempt but the next
// prompt variant still runs.
func TestUndecodablePayloadAdvancesToNextVariant(t *testing.T) {
	img := validPNG(t)
	structured := &fakeStructured{steps: []structuredStep{
		{payload: &imageapi.Payload{Data: []byte("not an image")}},
		{payload: &imageapi.Payload{Data: img}},
	}}
	sleeps := &sleepRecorder{}
	engine := newTestEngine(structured, &fakeConversational{}, sleeps)

	result, err := engine.GenerateImage(context.Background(), Request{
		Prompt:      "You are a bot.\nA leather backpack on a bench",
		AspectRatio: "1:1",
		Model:       "gpt-image-1",
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !bytes.Equal(result.Image, img) {
		t.Fatalf("unexpected image bytes")
	}
	if structured.calls != 2 {
		t.Fatalf("calls = %d, want 2", structured.calls)
	}
	if len(sleeps.waits) != 0 {
		t.Fatalf("undecodable payload must not trigger backoff, waits = %v", sleeps.waits)
	}
}

func TestUndecodablePayloadSurfacesWhenNoVariantLeft(t *testing.T) {
	structured := &fakeStructured{steps: []structuredStep{
		{payload: &imageapi.Payload{Data: []byte("junk")}},
	}}
	engine := newTestEngine(structured, &fakeConversational{}, &sleepRecorder{})

	// A prompt that sanitizes to itself leaves a single variant.
	_, err := engine.GenerateImage(context.Background(), Request{Prompt: "plain poster", AspectRatio: "1:1", Model: "gpt-image-1"})
	var classified *ClassifiedError
	if !errors.As(err, &classified) || classified.Class != ClassFatal {
		t.Fatalf("expected fatal classification, got %v", err)
	}
}

func TestStructuredFetchesURLPayload(t *testing.T) {
	img := validPNG(t)
	structured := &fakeStructured{
		steps:   []structuredStep{{payload: &imageapi.Payload{URL: "https://cdn.example.com/out.png"}}},
		fetches: map[string][]byte{"https://cdn.example.com/out.png": img},
	}
	engine := newTestEngine(structured, &fakeConversational{}, &sleepRecorder{})

	result, err := engine.GenerateImage(context.Background(), Request{Prompt: "p", AspectRatio: "1:1", Model: "dall-e-3"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !bytes.Equal(result.Image, img) {
		t.Fatalf("unexpected image bytes")
	}
}

func TestExtractImagePriorityOrder(t *testing.T) {
	img := validPNG(t)
	fetches := map[string][]byte{"https://cdn.example.com/a.png": img}
	fetch := func(_ context.Context, url string) ([]byte, error) {
		if data, ok := fetches[url]; ok {
			return data, nil
		}
		return nil, errors.New("unknown url")
	}
	logger := zerolog.Nop()

	// Inline data wins over everything else.
	msg := &chatapi.Message{
		InlineImages: [][]byte{img},
		Text:         "![x](https://cdn.example.com/a.png)",
	}
	data, err := extractImage(context.Background(), msg, fetch, logger)
	if err != nil || !bytes.Equal(data, img) {
		t.Fatalf("inline extraction failed: %v", err)
	}

	// Markdown link requires a secondary fetch.
	msg = &chatapi.Message{Text: "here: ![poster](https://cdn.example.com/a.png)"}
	data, err = extractImage(context.Background(), msg, fetch, logger)
	if err != nil || !bytes.Equal(data, img) {
		t.Fatalf("markdown extraction failed: %v", err)
	}

	// Bare URL is the last resort.
	msg = &chatapi.Message{Text: "see https://cdn.example.com/a.png for the result"}
	data, err = extractImage(context.Background(), msg, fetch, logger)
	if err != nil || !bytes.Equal(data, img) {
		t.Fatalf("bare url extraction failed: %v", err)
	}

	// Nothing extractable.
	msg = &chatapi.Message{Text: "sorry, I cannot help with that"}
	if _, err := extractImage(context.Background(), msg, fetch, logger); err == nil {
		t.Fatalf("expected extraction failure")
	}
}

func TestGenerateTextRetriesThenSucceeds(t *testing.T) {
	conversational := &fakeConversational{steps: []chatStep{
		{err: apiError(http.StatusInternalServerError, "internal error")},
		{msg: &chatapi.Message{Text: "A sturdy thermos for daily commutes."}},
	}}
	sleeps := &sleepRecorder{}
	engine := newTestEngine(&fakeStructured{}, conversational, sleeps)

	result, err := engine.GenerateText(context.Background(), TextRequest{Prompt: "describe", Model: "gemini-2.5-flash"})
	if err != nil {
		t.Fatalf("generate text: %v", err)
	}
	if result.Text != "A sturdy thermos for daily commutes." {
		t.Fatalf("text = %q", result.Text)
	}
	if result.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", result.Attempts)
	}
	if len(sleeps.waits) != 1 {
		t.Fatalf("waits = %v", sleeps.waits)
	}
}

func TestAttemptBudgetFloor(t *testing.T) {
	e := NewEngine(Options{Retries: 0})
	if got := e.attemptBudget(); got != 5 {
		t.Fatalf("budget = %d, want floor of 5", got)
	}
	e = NewEngine(Options{Retries: 9})
	if got := e.attemptBudget(); got != 10 {
		t.Fatalf("budget = %d, want retries+1", got)
	}
}

func TestSizeForAspectRatio(t *testing.T) {
	cases := map[string]string{
		"1:1":     "1024x1024",
		"16:9":    "1792x1024",
		"3:4":     "1024x1792",
		"garbage": "1024x1024",
		"":        "1024x1024",
		"0:4":     "1024x1024",
	}
	for in, want := range cases {
		if got := sizeForAspectRatio(in); got != want {
			t.Fatalf("sizeForAspectRatio(%q) = %q, want %q", in, got, want)
		}
	}
}
