package strategy

import (
	"net/http"
	"strings"
)

// Class is the handling strategy assigned to a failed backend call. Providers
// sit behind proxies with non-uniform error bodies, so classification is
// substring-based against the raw message; nothing outside this file inspects
// provider error text.
type Class int

const (
	ClassUnclassified Class = iota
	ClassRateLimited
	ClassNoChannel
	ClassContentRejected
	ClassTransient
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassRateLimited:
		return "RATE_LIMITED"
	case ClassNoChannel:
		return "NO_CHANNEL"
	case ClassContentRejected:
		return "CONTENT_REJECTED"
	case ClassTransient:
		return "TRANSIENT"
	case ClassFatal:
		return "FATAL"
	default:
		return "UNCLASSIFIED"
	}
}

// Retryable reports whether an attempt with the same prompt may be retried.
func (c Class) Retryable() bool {
	return c == ClassRateLimited || c == ClassNoChannel || c == ClassTransient
}

// Classify maps an HTTP status and provider error message onto a Class.
// It is pure: the same inputs always yield the same class.
func Classify(status int, message string) Class {
	msg := strings.ToLower(message)
	switch {
	case status == http.StatusTooManyRequests:
		return ClassRateLimited
	case looksLikeNoChannel(msg):
		return ClassNoChannel
	case looksLikeContentRejected(msg):
		return ClassContentRejected
	case status >= 500:
		return ClassTransient
	case status >= 400:
		return ClassFatal
	default:
		return ClassUnclassified
	}
}

func looksLikeNoChannel(lowerMsg string) bool {
	return strings.Contains(lowerMsg, "no available channels") ||
		strings.Contains(lowerMsg, "no available channel")
}

func looksLikeContentRejected(lowerMsg string) bool {
	if strings.Contains(lowerMsg, "non-pictorial vocabulary") {
		return true
	}
	if strings.Contains(lowerMsg, "content has been flagged") {
		return true
	}
	if strings.Contains(lowerMsg, "flagged") && strings.Contains(lowerMsg, "content") {
		return true
	}
	if strings.Contains(lowerMsg, "policy") && strings.Contains(lowerMsg, "content") {
		return true
	}
	return false
}

// Hint returns a short user-facing explanation for a classified failure.
// Empty when there is nothing more helpful than the provider message.
func Hint(class Class, status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "invalid or missing API key"
	case http.StatusForbidden:
		return "the key or group lacks access to this model"
	case http.StatusNotFound:
		return "this provider may not support the images endpoint"
	}
	switch class {
	case ClassRateLimited:
		return "rate limited; wait 10-30 seconds and retry, or lower batch concurrency"
	case ClassNoChannel:
		return "no available channel for this model; check provider group permissions or switch models"
	case ClassContentRejected:
		return "prompt judged non-pictorial or flagged; simplify it to a plain visual description"
	}
	return ""
}
