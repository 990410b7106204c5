package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scripton/scripton/internal/common/logger"
)

// OllamaProvider talks to a local Ollama server over HTTP. Generation
// responses stream as newline-delimited JSON objects with a done flag.
type OllamaProvider struct {
	baseURL string
	client  *http.Client
	logger  *logger.Logger

	mu          sync.Mutex
	initialized bool
	cancels     map[string]context.CancelFunc
}

// NewOllamaProvider builds an Ollama provider for the given base URL.
func NewOllamaProvider(baseURL string, log *logger.Logger) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 300 * time.Second},
		logger:  log,
		cancels: make(map[string]context.CancelFunc),
	}
}

func (p *OllamaProvider) Kind() Kind { return KindOllama }

// Initialize checks the server is reachable.
func (p *OllamaProvider) Initialize(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama server unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama server returned status %d", resp.StatusCode)
	}

	p.mu.Lock()
	p.initialized = true
	p.mu.Unlock()
	p.logger.Info("ollama provider initialized", zap.String("url", p.baseURL))
	return nil
}

func (p *OllamaProvider) Initialized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialized
}

// HealthCheck probes /api/tags and reports model count.
func (p *OllamaProvider) HealthCheck(ctx context.Context) map[string]interface{} {
	models, err := p.ListModels(ctx)
	if err != nil {
		return map[string]interface{}{
			"healthy": false,
			"kind":    string(KindOllama),
			"error":   err.Error(),
		}
	}
	return map[string]interface{}{
		"healthy":     true,
		"kind":        string(KindOllama),
		"model_count": len(models),
	}
}

// ListModels returns the locally pulled models.
func (p *OllamaProvider) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama returned status %d", resp.StatusCode)
	}

	var body struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode models: %w", err)
	}
	names := make([]string, 0, len(body.Models))
	for _, m := range body.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

type ollamaGenerateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Response  string `json:"response"`
	Done      bool   `json:"done"`
	EvalCount int    `json:"eval_count"`
}

func (p *OllamaProvider) buildRequest(task *Task, stream bool) *ollamaGenerateRequest {
	options := map[string]interface{}{}
	if task.Temperature > 0 {
		options["temperature"] = task.Temperature
	}
	if task.MaxTokens > 0 {
		options["num_predict"] = task.MaxTokens
	}
	return &ollamaGenerateRequest{
		Model:   task.Model,
		Prompt:  task.Prompt,
		Stream:  stream,
		Options: options,
	}
}

func (p *OllamaProvider) post(ctx context.Context, reqBody *ollamaGenerateRequest) (*http.Response, error) {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("ollama returned status %d", resp.StatusCode)
	}
	return resp, nil
}

// Execute runs a non-streaming generation.
func (p *OllamaProvider) Execute(ctx context.Context, task *Task) (*Response, error) {
	if !p.Initialized() {
		return nil, &NotInitializedError{Kind: KindOllama}
	}

	ctx, cancel := context.WithCancel(ctx)
	p.trackCancel(task.ID, cancel)
	defer p.untrackCancel(task.ID)

	resp, err := p.post(ctx, p.buildRequest(task, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &Response{
		Model:        task.Model,
		Content:      body.Response,
		TokensUsed:   body.EvalCount,
		FinishReason: "stop",
	}, nil
}

// Stream runs a streaming generation, forwarding each JSON line's text.
func (p *OllamaProvider) Stream(ctx context.Context, task *Task) (<-chan StreamChunk, error) {
	if !p.Initialized() {
		return nil, &NotInitializedError{Kind: KindOllama}
	}

	ctx, cancel := context.WithCancel(ctx)
	p.trackCancel(task.ID, cancel)

	resp, err := p.post(ctx, p.buildRequest(task, true))
	if err != nil {
		p.untrackCancel(task.ID)
		return nil, err
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		defer p.untrackCancel(task.ID)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			var chunk ollamaGenerateResponse
			if err := json.Unmarshal(scanner.Bytes(), &chunk); err != nil {
				continue
			}
			if chunk.Response != "" {
				select {
				case out <- StreamChunk{Content: chunk.Response}:
				case <-ctx.Done():
					return
				}
			}
			if chunk.Done {
				out <- StreamChunk{Done: true}
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
func (p *OllamaProvider) Cancel(ctx context.Context, taskID string) bool {
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
func (p *OllamaProvider) Cleanup(ctx context.Context) error {
	p.mu.Lock()
	for _, cancel := range p.cancels {
		cancel()
	}
	p.cancels = make(map[string]context.CancelFunc)
	p.initialized = false
	p.mu.Unlock()
	return nil
}

func (p *OllamaProvider) RequiredConfigKeys() []string {
	return []string{"base_url"}
}

func (p *OllamaProvider) ConfigSchema() map[string]interface{} {
	return map[string]interface{}{
		"base_url": map[string]interface{}{
			"type":        "string",
			"description": "Ollama server URL",
			"default":     "http://localhost:11434",
		},
	}
}

func (p *OllamaProvider) trackCancel(taskID string, cancel context.CancelFunc) {
	p.mu.Lock()
	p.cancels[taskID] = cancel
	p.mu.Unlock()
}

func (p *OllamaProvider) untrackCancel(taskID string) {
	p.mu.Lock()
	if cancel, ok := p.cancels[taskID]; ok {
		delete(p.cancels, taskID)
		cancel()
	}
	p.mu.Unlock()
}
