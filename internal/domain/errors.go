package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidPrompt   = errors.New("invalid prompt")
	ErrProviderFailure = errors.New("provider failure")
	ErrDuplicateJob    = errors.New("duplicate job submission")
	ErrTerminalState   = errors.New("job already in terminal state")
	ErrShuttingDown    = errors.New("orchestrator shutting down")
)
