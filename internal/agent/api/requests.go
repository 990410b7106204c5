// Package api provides the HTTP handlers for the agent manager.
package api

import (
	v1 "github.com/scripton/scripton/pkg/api/v1"
)

// CreateAgentRequest for creating an agent.
type CreateAgentRequest struct {
	Model        string   `json:"model"`
	AllowedTools []string `json:"allowed_tools"`
	Timeout      int      `json:"timeout"`     // seconds, clamped to [30, 3600]
	MaxTokens    int      `json:"max_tokens"`  // clamped to [100, 32000]
	Temperature  float64  `json:"temperature"` // clamped to [0.0, 1.0]
}

// ToAgentConfig converts the request to the internal configuration.
func (r *CreateAgentRequest) ToAgentConfig() v1.AgentConfig {
	return v1.AgentConfig{
		Model:        r.Model,
		AllowedTools: r.AllowedTools,
		Timeout:      r.Timeout,
		MaxTokens:    r.MaxTokens,
		Temperature:  r.Temperature,
	}
}

// TaskRequest for running a task on an agent.
type TaskRequest struct {
	Prompt        string   `json:"prompt" binding:"required"`
	Tools         []string `json:"tools,omitempty"`
	Timeout       *int     `json:"timeout,omitempty"`
	MaxTokens     *int     `json:"max_tokens,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	ResumeSession *bool    `json:"resume_session,omitempty"`
}

// ToTaskOptions converts the request to task options. ResumeSession
// defaults to true when omitted.
func (r *TaskRequest) ToTaskOptions() v1.TaskOptions {
	resume := true
	if r.ResumeSession != nil {
		resume = *r.ResumeSession
	}
	return v1.TaskOptions{
		Tools:         r.Tools,
		Timeout:       r.Timeout,
		MaxTokens:     r.MaxTokens,
		Temperature:   r.Temperature,
		ResumeSession: resume,
	}
}

// CreateAgentResponse for agent creation.
type CreateAgentResponse struct {
	AgentID string `json:"agent_id"`
}

// TaskResponse for task execution.
type TaskResponse struct {
	RunID   string `json:"run_id"`
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
}

// AgentResponse for agent status.
type AgentResponse struct {
	AgentID       string           `json:"agent_id"`
	Status        string           `json:"status"`
	CreatedAt     string           `json:"created_at"`
	WorkspacePath string           `json:"workspace_path"`
	Model         string           `json:"model"`
	AllowedTools  []string         `json:"allowed_tools"`
	LastActivity  string           `json:"last_activity,omitempty"`
	CurrentRunID  string           `json:"current_run_id,omitempty"`
	ErrorMessage  string           `json:"error_message,omitempty"`
	Sandbox       *v1.SandboxStats `json:"sandbox,omitempty"`
}

// AgentsListResponse for listing agents.
type AgentsListResponse struct {
	Agents []AgentResponse `json:"agents"`
	Total  int             `json:"total"`
}

func agentToResponse(info v1.AgentInfo) AgentResponse {
	return AgentResponse{
		AgentID:       info.AgentID,
		Status:        string(info.Status),
		CreatedAt:     info.CreatedAt,
		WorkspacePath: info.Config.WorkspacePath,
		Model:         info.Config.Model,
		AllowedTools:  info.Config.AllowedTools,
		LastActivity:  info.LastActivity,
		CurrentRunID:  info.CurrentRunID,
		ErrorMessage:  info.ErrorMessage,
	}
}
