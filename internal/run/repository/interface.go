// Package repository records task run history. It is an audit log of
// executions, not durable agent state: agents themselves live only in
// memory.
package repository

import (
	"context"
	"errors"
	"time"
)

// Run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
	RunStatusTimeout   = "timeout"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

// Run is one recorded task execution.
type Run struct {
	ID         string    `json:"id"`
	AgentID    string    `json:"agent_id"`
	Provider   string    `json:"provider"`
	Prompt     string    `json:"prompt"` // excerpt, not the full prompt
	Status     string    `json:"status"`
	ExitCode   int       `json:"exit_code"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Repository stores run records.
type Repository interface {
	Create(ctx context.Context, run *Run) error
	Finish(ctx context.Context, id, status string, exitCode int) error
	Get(ctx context.Context, id string) (*Run, error)
	ListByAgent(ctx context.Context, agentID string) ([]*Run, error)
	List(ctx context.Context, limit int) ([]*Run, error)
	Close() error
}
