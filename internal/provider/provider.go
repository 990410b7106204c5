package provider

import (
	"context"
	"fmt"
)

// Provider is the backend-neutral interface every AI provider implements.
type Provider interface {
	// Kind identifies the backend.
	Kind() Kind

	// Initialize validates configuration and prepares the backend.
	Initialize(ctx context.Context) error

	// Initialized reports whether Initialize has succeeded.
	Initialized() bool

	// HealthCheck probes the backend and returns status details.
	HealthCheck(ctx context.Context) map[string]interface{}

	// ListModels returns the models the backend can serve.
	ListModels(ctx context.Context) ([]string, error)

	// Execute runs a task to completion.
	Execute(ctx context.Context, task *Task) (*Response, error)

	// Stream runs a task and emits output chunks as they arrive. The
	// channel is closed after the terminal chunk.
	Stream(ctx context.Context, task *Task) (<-chan StreamChunk, error)

	// Cancel stops a running task. Returns false when the task is not
	// active on this provider.
	Cancel(ctx context.Context, taskID string) bool

	// Cleanup releases backend resources.
	Cleanup(ctx context.Context) error

	// RequiredConfigKeys names the configuration this backend needs.
	RequiredConfigKeys() []string

	// ConfigSchema describes the configuration fields.
	ConfigSchema() map[string]interface{}
}

// UnknownProviderError is returned when a kind has no registered provider.
type UnknownProviderError struct {
	Kind Kind
}

func (e *UnknownProviderError) Error() string {
	return fmt.Sprintf("no provider registered for kind %q", e.Kind)
}

// NotInitializedError is returned when a provider is used before a
// successful Initialize.
type NotInitializedError struct {
	Kind Kind
}

func (e *NotInitializedError) Error() string {
	return fmt.Sprintf("provider %q is not initialized", e.Kind)
}
