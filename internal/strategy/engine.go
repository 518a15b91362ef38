// Package strategy decides how a generation request is executed: which
// backend protocol to use, how failures are classified, and how retries,
// prompt variants and protocol fallbacks are sequenced to produce a single
// best-effort image or text result.
package strategy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"net"
	"net/url"
	"strings"
	"time"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/rs/zerolog"

	"github.com/xobi667/xiaobaibai/internal/backoff"
	"github.com/xobi667/xiaobaibai/internal/providers/apierr"
	"github.com/xobi667/xiaobaibai/internal/providers/chatapi"
	"github.com/xobi667/xiaobaibai/internal/providers/imageapi"
)

const minAttemptBudget = 5

// StructuredClient is the transport for the structured generation protocol.
type StructuredClient interface {
	Generate(ctx context.Context, req imageapi.Request) (*imageapi.Payload, error)
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// ConversationalClient is the transport for the multimodal chat protocol.
type ConversationalClient interface {
	Complete(ctx context.Context, req chatapi.Request) (*chatapi.Message, error)
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Reference is one reference image supplied with a request.
type Reference struct {
	Data []byte
	MIME string
}

// Request describes one image generation. It lives for a single engine call
// and is never persisted.
type Request struct {
	Prompt         string
	PrimaryRef     *Reference
	AuxRefs        []Reference
	AspectRatio    string
	Resolution     string
	ReplaceSubject bool
	Model          string
}

// TextRequest describes one text generation via the conversational protocol.
type TextRequest struct {
	Prompt string
	System string
	Model  string
}

// Result is the outcome of a successful engine call.
type Result struct {
	Image    []byte
	Text     string
	Attempts int
}

// ClassifiedError wraps a backend failure with its handling class and a
// user-facing hint. Job bodies record Summary() as the job error message, so
// callers never see raw provider text or stack traces.
type ClassifiedError struct {
	Class Class
	Hint  string
	Err   error
}

func (e *ClassifiedError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s (%s): %v", e.Class, e.Hint, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Summary returns a single-line human-readable failure message.
func (e *ClassifiedError) Summary() string {
	msg := strings.SplitN(e.Error(), "\n", 2)[0]
	return msg
}

// Options configures an Engine.
type Options struct {
	Structured     StructuredClient
	Conversational ConversationalClient
	Routes         []Route
	Retries        int
	Logger         *zerolog.Logger
	// Sleep is injectable for tests; defaults to a context-aware sleep.
	Sleep func(ctx context.Context, d time.Duration)
}

// Engine sequences attempts against the backend clients. It never blocks
// longer than the bounded attempt budget times the backoff cap.
type Engine struct {
	structured     StructuredClient
	conversational ConversationalClient
	routes         []Route
	retries        int
	logger         zerolog.Logger
	sleep          func(ctx context.Context, d time.Duration)

	throttleDelay  backoff.Strategy
	transportDelay backoff.Strategy
}

// NewEngine constructs an engine with the default routing table and backoff.
func NewEngine(opts Options) *Engine {
	routes := opts.Routes
	if routes == nil {
		routes = DefaultRoutes
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = func(ctx context.Context, d time.Duration) {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
			case <-timer.C:
			}
		}
	}
	return &Engine{
		structured:     opts.Structured,
		conversational: opts.Conversational,
		routes:         routes,
		retries:        opts.Retries,
		logger:         logger,
		sleep:          sleep,
		throttleDelay:  backoff.NewExponential(2*time.Second, 30*time.Second),
		transportDelay: backoff.NewExponential(2*time.Second, 20*time.Second),
	}
}

// GenerateImage produces one validated image for the request, routing by
// model, retrying transient failures, cycling prompt variants on content
// rejection, and falling back across protocols once when the conversational
// channel is unavailable.
func (e *Engine) GenerateImage(ctx context.Context, req Request) (*Result, error) {
	protocol := ResolveProtocol(e.routes, req.Model)

	if protocol == ProtocolStructured {
		if refCount := req.referenceCount(); refCount > 0 {
			e.logger.Warn().
				Str("model", req.Model).
				Int("references", refCount).
				Msg("strategy: structured protocol drops reference images")
		}
		return e.generateStructured(ctx, req)
	}

	result, err := e.generateConversational(ctx, req)
	if err == nil {
		return result, nil
	}
	var classified *ClassifiedError
	if errors.As(err, &classified) && classified.Class == ClassNoChannel {
		e.logger.Warn().
			Str("model", req.Model).
			Int("references", req.referenceCount()).
			Msg("strategy: no conversational channel, falling back to structured protocol without references")
		fallbackResult, fallbackErr := e.generateStructured(ctx, req)
		if fallbackErr != nil {
			return nil, fallbackErr
		}
		// The failed conversational call still counts as an attempt.
		fallbackResult.Attempts++
		return fallbackResult, nil
	}
	return nil, err
}

// GenerateText produces a text result via the conversational protocol, with
// the same retry discipline for throttling and transient failures.
func (e *Engine) GenerateText(ctx context.Context, req TextRequest) (*Result, error) {
	maxAttempts := e.attemptBudget()
	var lastErr error
	attempts := 0

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts++
		msg, err := e.conversational.Complete(ctx, chatapi.Request{
			Model:  req.Model,
			System: req.System,
			Prompt: req.Prompt,
		})
		if err == nil {
			text := messageText(msg)
			if text == "" {
				return nil, e.classifyLocal(errors.New("completion carried no text"))
			}
			return &Result{Text: text, Attempts: attempts}, nil
		}
		classified := e.classifyError(err)
		lastErr = classified
		if !classified.Class.Retryable() || attempt >= maxAttempts {
			break
		}
		e.waitBeforeRetry(ctx, classified, attempt, maxAttempts)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (e *Engine) generateStructured(ctx context.Context, req Request) (*Result, error) {
	size := sizeForAspectRatio(req.AspectRatio)
	variants := e.promptVariants(req)
	attempts := 0
	var lastErr error

	for _, variant := range variants {
		payload, tried, err := e.attemptLoop(ctx, req.Model, variant, size)
		attempts += tried
		if err != nil {
			var classified *ClassifiedError
			if errors.As(err, &classified) && classified.Class == ClassContentRejected {
				// A confirmed rejection means this phrasing will never pass;
				// the next variant starts with a fresh attempt budget.
				e.logger.Warn().
					Str("model", req.Model).
					Msg("strategy: prompt rejected as non-pictorial, trying next variant")
				lastErr = err
				continue
			}
			return nil, err
		}

		data, err := e.materializeStructured(ctx, payload)
		if err != nil {
			// Undecodable payloads are fatal for this attempt but later
			// variants may still produce a usable image.
			lastErr = err
			e.logger.Warn().Err(err).Str("model", req.Model).Msg("strategy: discarding undecodable image payload")
			continue
		}
		return &Result{Image: data, Attempts: attempts}, nil
	}

	if lastErr == nil {
		lastErr = e.classifyLocal(errors.New("no usable prompt variant"))
	}
	return nil, lastErr
}

// attemptLoop runs the bounded retry loop for one prompt variant against the
// structured protocol. It returns the number of attempts consumed.
func (e *Engine) attemptLoop(ctx context.Context, model, prompt, size string) (*imageapi.Payload, int, error) {
	maxAttempts := e.attemptBudget()
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		payload, err := e.structured.Generate(ctx, imageapi.Request{
			Model:  model,
			Prompt: prompt,
			Size:   size,
		})
		if err == nil {
			return payload, attempt, nil
		}

		classified := e.classifyError(err)
		lastErr = classified

		if classified.Class == ClassContentRejected {
			// Not transient: retrying the same prompt cannot help.
			return nil, attempt, classified
		}
		if !classified.Class.Retryable() {
			return nil, attempt, classified
		}
		if attempt >= maxAttempts {
			return nil, attempt, classified
		}

		e.waitBeforeRetry(ctx, classified, attempt, maxAttempts)
		if ctx.Err() != nil {
			return nil, attempt, ctx.Err()
		}
	}
	return nil, maxAttempts, lastErr
}

func (e *Engine) generateConversational(ctx context.Context, req Request) (*Result, error) {
	references := make([]chatapi.Reference, 0, req.referenceCount())
	if req.PrimaryRef != nil {
		references = append(references, chatapi.Reference{Data: req.PrimaryRef.Data, MIME: req.PrimaryRef.MIME})
	}
	for _, ref := range req.AuxRefs {
		references = append(references, chatapi.Reference{Data: ref.Data, MIME: ref.MIME})
	}

	prompt := req.Prompt
	if req.ReplaceSubject && len(references) > 1 {
		prompt = replaceSubjectPreamble + "\n" + prompt
	}

	msg, err := e.conversational.Complete(ctx, chatapi.Request{
		Model:      req.Model,
		System:     fmt.Sprintf("aspect_ratio=%s;resolution=%s", req.AspectRatio, req.Resolution),
		Prompt:     prompt,
		References: references,
	})
	if err != nil {
		return nil, e.classifyError(err)
	}

	data, err := extractImage(ctx, msg, e.conversational.Fetch, e.logger)
	if err != nil {
		return nil, &ClassifiedError{Class: ClassFatal, Err: err}
	}
	return &Result{Image: data, Attempts: 1}, nil
}

// replaceSubjectPreamble instructs the model to swap the subject of the
// primary reference with the content implied by the auxiliary references.
const replaceSubjectPreamble = "Replace the main subject of the first reference image with the subject shown in the remaining reference images, keeping composition and lighting."

// promptVariants returns the ordered prompt variants for the structured
// protocol: the original, a short pictorial fallback for strict providers,
// then the sanitized original. Empty variants are skipped and duplicates
// collapse.
func (e *Engine) promptVariants(req Request) []string {
	candidates := []string{strings.TrimSpace(req.Prompt)}
	if StrictPromptModel(req.Model) {
		candidates = append(candidates, BuildShortFallbackPrompt(req.Prompt, req.AspectRatio))
	}
	candidates = append(candidates, SanitizePrompt(req.Prompt, sanitizedPromptMaxChars))

	variants := make([]string, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	for _, candidate := range candidates {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		if _, dup := seen[candidate]; dup {
			continue
		}
		seen[candidate] = struct{}{}
		variants = append(variants, candidate)
	}
	return variants
}

// materializeStructured turns a payload into validated image bytes, fetching
// the URL form when the provider did not inline the data.
func (e *Engine) materializeStructured(ctx context.Context, payload *imageapi.Payload) ([]byte, error) {
	data := payload.Data
	if len(data) == 0 && payload.URL != "" {
		fetched, err := e.structured.Fetch(ctx, payload.URL)
		if err != nil {
			return nil, &ClassifiedError{Class: ClassFatal, Err: fmt.Errorf("fetch generated image: %w", err)}
		}
		data = fetched
	}
	if err := validateImage(data); err != nil {
		return nil, &ClassifiedError{Class: ClassFatal, Err: err}
	}
	return data, nil
}

func (e *Engine) waitBeforeRetry(ctx context.Context, classified *ClassifiedError, attempt, maxAttempts int) {
	wait := time.Duration(0)
	if apiErr, ok := apierr.From(classified.Err); ok {
		wait = apiErr.RetryAfter
	} else if isTransportError(classified.Err) {
		wait = e.transportDelay.Delay(attempt)
	}
	if wait <= 0 {
		wait = e.throttleDelay.Delay(attempt)
	}
	e.logger.Warn().
		Str("class", classified.Class.String()).
		Dur("wait", wait).
		Int("attempt", attempt).
		Int("max_attempts", maxAttempts).
		Msg("strategy: retrying after backoff")
	e.sleep(ctx, wait)
}

func (e *Engine) attemptBudget() int {
	if budget := e.retries + 1; budget > minAttemptBudget {
		return budget
	}
	return minAttemptBudget
}

func (e *Engine) classifyError(err error) *ClassifiedError {
	if apiErr, ok := apierr.From(err); ok {
		class := Classify(apiErr.StatusCode, apiErr.Message)
		return &ClassifiedError{Class: class, Hint: Hint(class, apiErr.StatusCode), Err: err}
	}
	if isTransportError(err) {
		return &ClassifiedError{Class: ClassTransient, Hint: "backend unreachable", Err: err}
	}
	return &ClassifiedError{Class: ClassUnclassified, Err: err}
}

// isTransportError reports a connection-level failure that never produced an
// HTTP status. Those retry on the full attempt budget like any 5xx. Context
// cancellation is the caller's signal, not a backend fault, and stays
// unclassified.
func isTransportError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func (e *Engine) classifyLocal(err error) *ClassifiedError {
	return &ClassifiedError{Class: ClassUnclassified, Err: err}
}

// validateImage confirms the bytes decode as a real image before they are
// considered a success.
func validateImage(data []byte) error {
	if len(data) == 0 {
		return errors.New("empty image payload")
	}
	if _, _, err := image.DecodeConfig(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("undecodable image payload: %w", err)
	}
	return nil
}

// sizeForAspectRatio maps an aspect ratio onto the limited size set most
// OpenAI-compatible proxies accept, keeping only the orientation correct and
// relying on downstream resizing for exact dimensions.
func sizeForAspectRatio(aspectRatio string) string {
	raw := strings.TrimSpace(aspectRatio)
	parts := strings.SplitN(raw, ":", 2)
	if len(parts) != 2 {
		return "1024x1024"
	}
	w := parseRatioPart(parts[0])
	h := parseRatioPart(parts[1])
	if w <= 0 || h <= 0 {
		return "1024x1024"
	}
	switch {
	case w == h:
		return "1024x1024"
	case w > h:
		return "1792x1024"
	default:
		return "1024x1792"
	}
}

func parseRatioPart(s string) float64 {
	var v float64
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%g", &v); err != nil {
		return 0
	}
	return v
}

func messageText(msg *chatapi.Message) string {
	if text := strings.TrimSpace(msg.Text); text != "" {
		return text
	}
	var parts []string
	for _, part := range msg.Parts {
		if text := strings.TrimSpace(part.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n")
}

func (r Request) referenceCount() int {
	count := len(r.AuxRefs)
	if r.PrimaryRef != nil {
		count++
	}
	return count
}
