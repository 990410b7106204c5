// Package provider defines the AI provider abstraction: a common interface
// over CLI-subprocess backends (Claude Code, Gemini Code) and HTTP backends
// (Ollama, OpenAI, Gemini), plus the registry that dispatches tasks.
package provider

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies a provider backend.
type Kind string

const (
	KindClaudeCode Kind = "claude_code"
	KindGeminiCode Kind = "gemini_code"
	KindOllama     Kind = "ollama"
	KindOpenAI     Kind = "openai_gpt"
	KindGemini     Kind = "gemini"
)

// ParseKind validates a provider kind string.
func ParseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case KindClaudeCode, KindGeminiCode, KindOllama, KindOpenAI, KindGemini:
		return Kind(s), true
	}
	return "", false
}

// TaskStatus tracks a dispatched task through its lifetime.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

const defaultTaskTimeoutSec = 300

// Task timeout clamp bounds in seconds. Vars rather than consts so tests
// can drive the timeout path without a 30s floor.
var (
	minTaskTimeoutSec = 30
	maxTaskTimeoutSec = 3600
)

// Task is one unit of work dispatched to a provider.
type Task struct {
	ID          string     `json:"task_id"`
	Provider    Kind       `json:"provider"`
	Prompt      string     `json:"prompt"`
	Model       string     `json:"model,omitempty"`
	MaxTokens   int        `json:"max_tokens,omitempty"`
	Temperature float64    `json:"temperature,omitempty"`
	Timeout     int        `json:"timeout"` // seconds
	Status      TaskStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
}

// NewTask builds a pending task with a fresh id. The timeout is in seconds;
// zero selects the default, and the result is clamped to [30, 3600].
func NewTask(kind Kind, prompt, model string, maxTokens int, temperature float64, timeoutSec int) *Task {
	if timeoutSec == 0 {
		timeoutSec = defaultTaskTimeoutSec
	}
	if timeoutSec < minTaskTimeoutSec {
		timeoutSec = minTaskTimeoutSec
	}
	if timeoutSec > maxTaskTimeoutSec {
		timeoutSec = maxTaskTimeoutSec
	}
	return &Task{
		ID:          uuid.New().String(),
		Provider:    kind,
		Prompt:      prompt,
		Model:       model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		Timeout:     timeoutSec,
		Status:      TaskPending,
		CreatedAt:   time.Now().UTC(),
	}
}

// TimeoutDuration returns the task's wall-clock ceiling.
func (t *Task) TimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// Response is the final result of an executed task.
type Response struct {
	TaskID       string        `json:"task_id"`
	Provider     Kind          `json:"provider"`
	Model        string        `json:"model,omitempty"`
	Content      string        `json:"content"`
	TokensUsed   int           `json:"tokens_used,omitempty"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Duration     time.Duration `json:"-"`
	DurationMS   int64         `json:"duration_ms"`
}

// StreamChunk is one piece of streamed output. Err is set on the synthetic
// terminal chunk emitted when streaming fails mid-flight.
type StreamChunk struct {
	Content string
	Done    bool
	Err     error
}
