// Package api provides the HTTP handlers for the AI provider registry.
package api

// RegisterProviderRequest registers a provider backend.
type RegisterProviderRequest struct {
	Provider string                 `json:"provider" binding:"required"`
	Config   map[string]interface{} `json:"config,omitempty"`
}

// AITaskRequest dispatches a task to a provider.
type AITaskRequest struct {
	Prompt      string  `json:"prompt" binding:"required"`
	Provider    string  `json:"provider" binding:"required"`
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	Timeout     int     `json:"timeout,omitempty"` // seconds
	Stream      bool    `json:"stream,omitempty"`
}

// AITaskResponse is the non-streaming task result.
type AITaskResponse struct {
	TaskID       string `json:"task_id"`
	Status       string `json:"status"`
	Provider     string `json:"provider"`
	Model        string `json:"model,omitempty"`
	Content      string `json:"content"`
	TokensUsed   int    `json:"tokens_used,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	DurationMS   int64  `json:"duration_ms"`
}
