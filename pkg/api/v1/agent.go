// Package v1 defines the wire-level types shared between the agent manager
// core and its HTTP transport.
package v1

import (
	"encoding/json"
	"time"
)

// AgentStatus represents the lifecycle state of a managed agent.
type AgentStatus string

const (
	AgentStatusCreated  AgentStatus = "created"
	AgentStatusRunning  AgentStatus = "running"
	AgentStatusIdle     AgentStatus = "idle"
	AgentStatusError    AgentStatus = "error"
	AgentStatusDisposed AgentStatus = "disposed"
)

// EventType identifies the kind of event flowing from an agent to its
// subscribers.
type EventType string

const (
	EventToolCall     EventType = "tool_call"
	EventEdit         EventType = "edit"
	EventLog          EventType = "log"
	EventStatusChange EventType = "status_change"
	EventTaskStart    EventType = "task_start"
	EventTaskComplete EventType = "task_complete"
	EventError        EventType = "error"
)

// AgentEvent is the envelope delivered on an agent's event queue.
// Payload is type-dependent but always JSON-encodable.
type AgentEvent struct {
	Type      EventType              `json:"event_type"`
	Timestamp string                 `json:"timestamp"`
	AgentID   string                 `json:"agent_id"`
	RunID     string                 `json:"run_id,omitempty"`
	Payload   map[string]interface{} `json:"payload"`
}

// NewAgentEvent builds an event stamped with the current time in ISO-8601.
func NewAgentEvent(eventType EventType, agentID, runID string, payload map[string]interface{}) AgentEvent {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return AgentEvent{
		Type:      eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		AgentID:   agentID,
		RunID:     runID,
		Payload:   payload,
	}
}

// SSEID returns the event id used on the SSE wire: "<agent_id>-<timestamp>".
func (e AgentEvent) SSEID() string {
	return e.AgentID + "-" + e.Timestamp
}

// DataJSON returns the whole event serialised for the SSE data field.
func (e AgentEvent) DataJSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// AgentConfig is the immutable configuration an agent is created with.
type AgentConfig struct {
	WorkspacePath string   `json:"workspace_path"`
	Model         string   `json:"model"`
	AllowedTools  []string `json:"allowed_tools"`
	Timeout       int      `json:"timeout"`     // seconds, clamped to [30, 3600]
	MaxTokens     int      `json:"max_tokens"`  // clamped to [100, 32000]
	Temperature   float64  `json:"temperature"` // clamped to [0.0, 1.0]
}

// TaskOptions are per-run overrides merged over the agent config.
// Nil pointer fields mean "inherit from the agent config".
type TaskOptions struct {
	Tools         []string `json:"tools,omitempty"`
	Timeout       *int     `json:"timeout,omitempty"`
	MaxTokens     *int     `json:"max_tokens,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	ResumeSession bool     `json:"resume_session"`
}

// MergeWithConfig resolves the effective options for a run.
func (o TaskOptions) MergeWithConfig(cfg AgentConfig) TaskOptions {
	merged := TaskOptions{ResumeSession: o.ResumeSession}

	if len(o.Tools) > 0 {
		merged.Tools = o.Tools
	} else {
		merged.Tools = cfg.AllowedTools
	}

	timeout := cfg.Timeout
	if o.Timeout != nil {
		timeout = *o.Timeout
	}
	merged.Timeout = &timeout

	maxTokens := cfg.MaxTokens
	if o.MaxTokens != nil {
		maxTokens = *o.MaxTokens
	}
	merged.MaxTokens = &maxTokens

	temperature := cfg.Temperature
	if o.Temperature != nil {
		temperature = *o.Temperature
	}
	merged.Temperature = &temperature

	return merged
}

// AgentInfo is the read-only view of an agent returned by status endpoints.
type AgentInfo struct {
	AgentID      string      `json:"agent_id"`
	Config       AgentConfig `json:"config"`
	Status       AgentStatus `json:"status"`
	CreatedAt    string      `json:"created_at"`
	LastActivity string      `json:"last_activity,omitempty"`
	CurrentRunID string      `json:"current_run_id,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
	SandboxPath  string      `json:"sandbox_path,omitempty"`
}

// SandboxStats describes the on-disk footprint of an agent sandbox.
type SandboxStats struct {
	Path         string    `json:"path"`
	SizeBytes    int64     `json:"size_bytes"`
	FileCount    int       `json:"file_count"`
	CreatedTime  time.Time `json:"created_time"`
	ModifiedTime time.Time `json:"modified_time"`
	Mode         string    `json:"mode"`
}
