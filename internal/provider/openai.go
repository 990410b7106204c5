package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scripton/scripton/internal/agent/credentials"
	"github.com/scripton/scripton/internal/common/logger"
)

// OpenAIProvider talks to the OpenAI chat completions API. Streaming
// responses arrive as SSE lines prefixed "data: " and terminated by the
// [DONE] sentinel.
type OpenAIProvider struct {
	baseURL string
	creds   *credentials.Manager
	client  *http.Client
	logger  *logger.Logger

	mu          sync.Mutex
	initialized bool
	cancels     map[string]context.CancelFunc
}

// NewOpenAIProvider builds an OpenAI provider. The API key is resolved
// through the credentials manager at request time.
func NewOpenAIProvider(baseURL string, creds *credentials.Manager, log *logger.Logger) *OpenAIProvider {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
		client:  &http.Client{Timeout: 120 * time.Second},
		logger:  log,
		cancels: make(map[string]context.CancelFunc),
	}
}

func (p *OpenAIProvider) Kind() Kind { return KindOpenAI }

func (p *OpenAIProvider) apiKey(ctx context.Context) string {
	return p.creds.GetValue(ctx, "OPENAI_API_KEY")
}

// Initialize verifies an API key is available.
func (p *OpenAIProvider) Initialize(ctx context.Context) error {
	if p.apiKey(ctx) == "" {
		return fmt.Errorf("OPENAI_API_KEY is not set")
	}
	p.mu.Lock()
	p.initialized = true
	p.mu.Unlock()
	p.logger.Info("openai provider initialized", zap.String("url", p.baseURL))
	return nil
}

func (p *OpenAIProvider) Initialized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialized
}

// HealthCheck lists models under a short deadline.
func (p *OpenAIProvider) HealthCheck(ctx context.Context) map[string]interface{} {
	models, err := p.ListModels(ctx)
	if err != nil {
		return map[string]interface{}{
			"healthy": false,
			"kind":    string(KindOpenAI),
			"error":   err.Error(),
		}
	}
	return map[string]interface{}{
		"healthy":     true,
		"kind":        string(KindOpenAI),
		"model_count": len(models),
	}
}

// ListModels queries /models.
func (p *OpenAIProvider) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey(ctx))

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openai returned status %d", resp.StatusCode)
	}

	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode models: %w", err)
	}
	models := make([]string, 0, len(body.Data))
	for _, m := range body.Data {
		models = append(models, m.ID)
	}
	return models, nil
}

type openAIChatRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func (p *OpenAIProvider) doChat(ctx context.Context, task *Task, stream bool) (io.ReadCloser, error) {
	body := openAIChatRequest{
		Model:       task.Model,
		Messages:    []openAIMessage{{Role: "user", Content: task.Prompt}},
		MaxTokens:   task.MaxTokens,
		Temperature: task.Temperature,
		Stream:      stream,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey(ctx))

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		return nil, fmt.Errorf("openai returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return resp.Body, nil
}

// Execute runs a non-streaming chat completion.
func (p *OpenAIProvider) Execute(ctx context.Context, task *Task) (*Response, error) {
	if !p.Initialized() {
		return nil, &NotInitializedError{Kind: KindOpenAI}
	}

	ctx, cancel := context.WithCancel(ctx)
	p.trackCancel(task.ID, cancel)
	defer p.untrackCancel(task.ID)

	body, err := p.doChat(ctx, task, false)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var chat openAIChatResponse
	if err := json.NewDecoder(body).Decode(&chat); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices")
	}
	return &Response{
		Model:        task.Model,
		Content:      chat.Choices[0].Message.Content,
		TokensUsed:   chat.Usage.TotalTokens,
		FinishReason: chat.Choices[0].FinishReason,
	}, nil
}

// Stream runs a streaming chat completion and forwards each delta.
func (p *OpenAIProvider) Stream(ctx context.Context, task *Task) (<-chan StreamChunk, error) {
	if !p.Initialized() {
		return nil, &NotInitializedError{Kind: KindOpenAI}
	}

	ctx, cancel := context.WithCancel(ctx)
	p.trackCancel(task.ID, cancel)

	body, err := p.doChat(ctx, task, true)
	if err != nil {
		p.untrackCancel(task.ID)
		return nil, err
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		defer p.untrackCancel(task.ID)
		defer body.Close()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				out <- StreamChunk{Done: true}
				return
			}

			var chunk openAIStreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}
			select {
			case out <- StreamChunk{Content: chunk.Choices[0].Delta.Content}:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			out <- StreamChunk{Done: true, Err: fmt.Errorf("stream read failed: %w", err)}
			return
		}
		out <- StreamChunk{Done: true}
	}()
	return out, nil
}

// Cancel aborts the in-flight request for the task.
func (p *OpenAIProvider) Cancel(ctx context.Context, taskID string) bool {
	p.mu.Lock()
	cancel, ok := p.cancels[taskID]
	delete(p.cancels, taskID)
	p.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// Cleanup aborts every in-flight request.
func (p *OpenAIProvider) Cleanup(ctx context.Context) error {
	p.mu.Lock()
	for _, cancel := range p.cancels {
		cancel()
	}
	p.cancels = make(map[string]context.CancelFunc)
	p.initialized = false
	p.mu.Unlock()
	return nil
}

func (p *OpenAIProvider) RequiredConfigKeys() []string {
	return []string{"OPENAI_API_KEY"}
}

func (p *OpenAIProvider) ConfigSchema() map[string]interface{} {
	return map[string]interface{}{
		"OPENAI_API_KEY": map[string]interface{}{
			"type":        "string",
			"description": "OpenAI API key, resolved from the environment",
			"secret":      true,
		},
		"base_url": map[string]interface{}{
			"type":        "string",
			"description": "API base URL",
			"default":     "https://api.openai.com/v1",
		},
	}
}

func (p *OpenAIProvider) trackCancel(taskID string, cancel context.CancelFunc) {
	p.mu.Lock()
	p.cancels[taskID] = cancel
	p.mu.Unlock()
}

func (p *OpenAIProvider) untrackCancel(taskID string) {
	p.mu.Lock()
	if cancel, ok := p.cancels[taskID]; ok {
		delete(p.cancels, taskID)
		cancel()
	}
	p.mu.Unlock()
}
