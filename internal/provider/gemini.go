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

// GeminiProvider talks to the Google Generative Language API. Streaming
// uses :streamGenerateContent with alt=sse.
type GeminiProvider struct {
	baseURL string
	creds   *credentials.Manager
	client  *http.Client
	logger  *logger.Logger

	mu          sync.Mutex
	initialized bool
	cancels     map[string]context.CancelFunc
}

// NewGeminiProvider builds a Gemini API provider.
func NewGeminiProvider(baseURL string, creds *credentials.Manager, log *logger.Logger) *GeminiProvider {
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	return &GeminiProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
		client:  &http.Client{Timeout: 120 * time.Second},
		logger:  log,
		cancels: make(map[string]context.CancelFunc),
	}
}

func (p *GeminiProvider) Kind() Kind { return KindGemini }

func (p *GeminiProvider) apiKey(ctx context.Context) string {
	if key := p.creds.GetValue(ctx, "GEMINI_API_KEY"); key != "" {
		return key
	}
	return p.creds.GetValue(ctx, "GOOGLE_API_KEY")
}

// Initialize verifies an API key is available.
func (p *GeminiProvider) Initialize(ctx context.Context) error {
	if p.apiKey(ctx) == "" {
		return fmt.Errorf("GEMINI_API_KEY is not set")
	}
	p.mu.Lock()
	p.initialized = true
	p.mu.Unlock()
	p.logger.Info("gemini provider initialized", zap.String("url", p.baseURL))
	return nil
}

func (p *GeminiProvider) Initialized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialized
}

// HealthCheck lists models under a short deadline.
func (p *GeminiProvider) HealthCheck(ctx context.Context) map[string]interface{} {
	models, err := p.ListModels(ctx)
	if err != nil {
		return map[string]interface{}{
			"healthy": false,
			"kind":    string(KindGemini),
			"error":   err.Error(),
		}
	}
	return map[string]interface{}{
		"healthy":     true,
		"kind":        string(KindGemini),
		"model_count": len(models),
	}
}

// ListModels queries /models.
func (p *GeminiProvider) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	url := fmt.Sprintf("%s/models?key=%s", p.baseURL, p.apiKey(ctx))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gemini returned status %d", resp.StatusCode)
	}

	var body struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode models: %w", err)
	}
	models := make([]string, 0, len(body.Models))
	for _, m := range body.Models {
		models = append(models, strings.TrimPrefix(m.Name, "models/"))
	}
	return models, nil
}

type geminiRequest struct {
	Contents         []geminiContent  `json:"contents"`
	GenerationConfig *geminiGenConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		TotalTokenCount int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func (p *GeminiProvider) doGenerate(ctx context.Context, task *Task, stream bool) (io.ReadCloser, error) {
	body := geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{{Text: task.Prompt}}}},
		GenerationConfig: &geminiGenConfig{
			MaxOutputTokens: task.MaxTokens,
			Temperature:     task.Temperature,
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	method := "generateContent"
	suffix := ""
	if stream {
		method = "streamGenerateContent"
		suffix = "&alt=sse"
	}
	url := fmt.Sprintf("%s/models/%s:%s?key=%s%s", p.baseURL, task.Model, method, p.apiKey(ctx), suffix)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gemini request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		return nil, fmt.Errorf("gemini returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return resp.Body, nil
}

// Execute runs a non-streaming generation.
func (p *GeminiProvider) Execute(ctx context.Context, task *Task) (*Response, error) {
	if !p.Initialized() {
		return nil, &NotInitializedError{Kind: KindGemini}
	}

	ctx, cancel := context.WithCancel(ctx)
	p.trackCancel(task.ID, cancel)
	defer p.untrackCancel(task.ID)

	body, err := p.doGenerate(ctx, task, false)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var gen geminiResponse
	if err := json.NewDecoder(body).Decode(&gen); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(gen.Candidates) == 0 {
		return nil, fmt.Errorf("gemini returned no candidates")
	}

	var sb strings.Builder
	for _, part := range gen.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	return &Response{
		Model:        task.Model,
		Content:      sb.String(),
		TokensUsed:   gen.UsageMetadata.TotalTokenCount,
		FinishReason: strings.ToLower(gen.Candidates[0].FinishReason),
	}, nil
}

// Stream runs a streaming generation over SSE.
func (p *GeminiProvider) Stream(ctx context.Context, task *Task) (<-chan StreamChunk, error) {
	if !p.Initialized() {
		return nil, &NotInitializedError{Kind: KindGemini}
	}

	ctx, cancel := context.WithCancel(ctx)
	p.trackCancel(task.ID, cancel)

	body, err := p.doGenerate(ctx, task, true)
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

			var chunk geminiResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			if len(chunk.Candidates) == 0 {
				continue
			}
			var sb strings.Builder
			for _, part := range chunk.Candidates[0].Content.Parts {
				sb.WriteString(part.Text)
			}
			if sb.Len() > 0 {
				select {
				case out <- StreamChunk{Content: sb.String()}:
				case <-ctx.Done():
					return
				}
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
func (p *GeminiProvider) Cancel(ctx context.Context, taskID string) bool {
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
func (p *GeminiProvider) Cleanup(ctx context.Context) error {
	p.mu.Lock()
	for _, cancel := range p.cancels {
		cancel()
	}
	p.cancels = make(map[string]context.CancelFunc)
	p.initialized = false
	p.mu.Unlock()
	return nil
}

func (p *GeminiProvider) RequiredConfigKeys() []string {
	return []string{"GEMINI_API_KEY"}
}

func (p *GeminiProvider) ConfigSchema() map[string]interface{} {
	return map[string]interface{}{
		"GEMINI_API_KEY": map[string]interface{}{
			"type":        "string",
			"description": "Gemini API key, resolved from the environment",
			"secret":      true,
		},
		"base_url": map[string]interface{}{
			"type":        "string",
			"description": "API base URL",
			"default":     "https://generativelanguage.googleapis.com/v1beta",
		},
	}
}

func (p *GeminiProvider) trackCancel(taskID string, cancel context.CancelFunc) {
	p.mu.Lock()
	p.cancels[taskID] = cancel
	p.mu.Unlock()
}

func (p *GeminiProvider) untrackCancel(taskID string) {
	p.mu.Lock()
	if cancel, ok := p.cancels[taskID]; ok {
		delete(p.cancels, taskID)
		cancel()
	}
	p.mu.Unlock()
}
