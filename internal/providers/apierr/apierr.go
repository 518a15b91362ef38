// Package apierr carries the HTTP status and provider message of a failed
// backend call so callers can classify it without re-parsing response bodies.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Error is returned by backend clients whenever the provider answered with a
// non-success HTTP status. Providers behind proxies do not emit uniform error
// codes, so Message keeps the raw text for substring classification.
type Error struct {
	StatusCode int
	Message    string
	// RetryAfter is the server-provided retry hint, zero when absent.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("provider returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("provider returned HTTP %d: %s", e.StatusCode, e.Message)
}

// From extracts an *Error from err, if any.
func From(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

type envelope struct {
	Error   json.RawMessage `json:"error"`
	Message string          `json:"message"`
	Msg     string          `json:"msg"`
	Detail  string          `json:"detail"`
}

type detail struct {
	MessageZH string `json:"message_zh"`
	Message   string `json:"message"`
	Msg       string `json:"msg"`
	Detail    string `json:"detail"`
}

// MessageFromBody digs the human-readable message out of a provider error
// body. Proxies disagree on the field name, so several are tried in order.
func MessageFromBody(raw []byte) string {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return strings.TrimSpace(string(raw))
	}
	if len(env.Error) > 0 {
		var d detail
		if err := json.Unmarshal(env.Error, &d); err == nil {
			if msg := firstNonEmpty(d.MessageZH, d.Message, d.Msg, d.Detail); msg != "" {
				return msg
			}
		}
		var plain string
		if err := json.Unmarshal(env.Error, &plain); err == nil && plain != "" {
			return plain
		}
		return strings.TrimSpace(string(env.Error))
	}
	return firstNonEmpty(env.Message, env.Msg, env.Detail)
}

// ParseRetryAfter interprets a Retry-After header as a delay in seconds.
func ParseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.ParseFloat(header, 64); err == nil && seconds > 0 {
		return time.Duration(seconds * float64(time.Second))
	}
	return 0
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
