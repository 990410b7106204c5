package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/scripton/scripton/internal/common/logger"
)

const cliTerminateGrace = 5 * time.Second

// CLIProvider runs tasks through a local coding-agent CLI in headless
// mode. It backs both the Claude Code and Gemini Code kinds.
type CLIProvider struct {
	kind   Kind
	binary string
	models []string
	logger *logger.Logger

	mu          sync.Mutex
	initialized bool
	active      map[string]*cliProc
}

// cliProc pairs a running subprocess with a channel closed once Wait has
// returned. Cancel waits on the channel instead of touching cmd state the
// waiting goroutine still owns.
type cliProc struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// NewClaudeCodeProvider builds the Claude Code CLI provider.
func NewClaudeCodeProvider(binary string, log *logger.Logger) *CLIProvider {
	if binary == "" {
		binary = "claude"
	}
	return &CLIProvider{
		kind:   KindClaudeCode,
		binary: binary,
		models: []string{"claude-sonnet-4-5", "claude-opus-4-1", "claude-haiku-4-5"},
		logger: log,
		active: make(map[string]*cliProc),
	}
}

// NewGeminiCodeProvider builds the Gemini CLI provider.
func NewGeminiCodeProvider(binary string, log *logger.Logger) *CLIProvider {
	if binary == "" {
		binary = "gemini"
	}
	return &CLIProvider{
		kind:   KindGeminiCode,
		binary: binary,
		models: []string{"gemini-2.5-pro", "gemini-2.5-flash"},
		logger: log,
		active: make(map[string]*cliProc),
	}
}

func (p *CLIProvider) Kind() Kind { return p.kind }

// Initialize verifies the CLI binary is on PATH.
func (p *CLIProvider) Initialize(ctx context.Context) error {
	path, err := exec.LookPath(p.binary)
	if err != nil {
		return fmt.Errorf("%s binary not found: %w", p.binary, err)
	}
	p.mu.Lock()
	p.initialized = true
	p.mu.Unlock()
	p.logger.Info("CLI provider initialized",
		zap.String("kind", string(p.kind)),
		zap.String("binary", path))
	return nil
}

func (p *CLIProvider) Initialized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialized
}

// HealthCheck runs the CLI with --version under a short deadline.
func (p *CLIProvider) HealthCheck(ctx context.Context) map[string]interface{} {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, p.binary, "--version").Output()
	if err != nil {
		return map[string]interface{}{
			"healthy": false,
			"kind":    string(p.kind),
			"error":   err.Error(),
		}
	}
	return map[string]interface{}{
		"healthy": true,
		"kind":    string(p.kind),
		"version": strings.TrimSpace(string(out)),
	}
}

// ListModels returns the models the CLI is known to serve.
func (p *CLIProvider) ListModels(ctx context.Context) ([]string, error) {
	models := make([]string, len(p.models))
	copy(models, p.models)
	return models, nil
}

// buildArgs assembles the headless invocation for a task.
func (p *CLIProvider) buildArgs(task *Task) []string {
	args := []string{"-p", task.Prompt, "--output-format", "stream-json", "--verbose"}
	if task.Model != "" {
		args = append(args, "--model", task.Model)
	}
	return args
}

// Execute runs the CLI to completion and returns the concatenated text
// output.
func (p *CLIProvider) Execute(ctx context.Context, task *Task) (*Response, error) {
	if !p.Initialized() {
		return nil, &NotInitializedError{Kind: p.kind}
	}

	cmd := exec.CommandContext(ctx, p.binary, p.buildArgs(task)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	proc := p.track(task.ID, cmd)
	defer p.untrack(task.ID)
	defer close(proc.done)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", p.binary, err)
	}
	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("%s exited: %w: %s", p.binary, err, truncateOutput(stderr.String()))
	}

	content, tokens := parseStreamJSONOutput(stdout.String())
	return &Response{
		Model:        task.Model,
		Content:      content,
		TokensUsed:   tokens,
		FinishReason: "stop",
	}, nil
}

// Stream runs the CLI and forwards each text chunk as it is printed.
func (p *CLIProvider) Stream(ctx context.Context, task *Task) (<-chan StreamChunk, error) {
	if !p.Initialized() {
		return nil, &NotInitializedError{Kind: p.kind}
	}

	cmd := exec.CommandContext(ctx, p.binary, p.buildArgs(task)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", p.binary, err)
	}
	proc := p.track(task.ID, cmd)

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		defer p.untrack(task.ID)
		defer close(proc.done)

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
		for scanner.Scan() {
			text := extractLineText(scanner.Text())
			if text == "" {
				continue
			}
			select {
			case out <- StreamChunk{Content: text}:
			case <-ctx.Done():
				_ = cmd.Process.Kill()
				_ = cmd.Wait()
				return
			}
		}

		if err := cmd.Wait(); err != nil {
			out <- StreamChunk{Done: true, Err: fmt.Errorf("%s exited: %w", p.binary, err)}
			return
		}
		out <- StreamChunk{Done: true}
	}()
	return out, nil
}

// Cancel terminates the task's subprocess: SIGTERM, grace, SIGKILL.
func (p *CLIProvider) Cancel(ctx context.Context, taskID string) bool {
	p.mu.Lock()
	proc, ok := p.active[taskID]
	p.mu.Unlock()
	if !ok || proc.cmd.Process == nil {
		return false
	}

	_ = proc.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-proc.done:
	case <-time.After(cliTerminateGrace):
		_ = proc.cmd.Process.Kill()
	case <-ctx.Done():
		_ = proc.cmd.Process.Kill()
	}
	return true
}

// Cleanup kills any still-active subprocesses.
func (p *CLIProvider) Cleanup(ctx context.Context) error {
	p.mu.Lock()
	procs := make([]*cliProc, 0, len(p.active))
	for _, proc := range p.active {
		procs = append(procs, proc)
	}
	p.active = make(map[string]*cliProc)
	p.initialized = false
	p.mu.Unlock()

	for _, proc := range procs {
		if proc.cmd.Process != nil {
			_ = proc.cmd.Process.Kill()
		}
	}
	return nil
}

func (p *CLIProvider) RequiredConfigKeys() []string {
	return []string{"binary"}
}

func (p *CLIProvider) ConfigSchema() map[string]interface{} {
	return map[string]interface{}{
		"binary": map[string]interface{}{
			"type":        "string",
			"description": "Path to the CLI binary",
			"default":     p.binary,
		},
	}
}

func (p *CLIProvider) track(taskID string, cmd *exec.Cmd) *cliProc {
	proc := &cliProc{cmd: cmd, done: make(chan struct{})}
	p.mu.Lock()
	p.active[taskID] = proc
	p.mu.Unlock()
	return proc
}

func (p *CLIProvider) untrack(taskID string) {
	p.mu.Lock()
	delete(p.active, taskID)
	p.mu.Unlock()
}

// parseStreamJSONOutput extracts the assistant text and token usage from
// stream-json lines. Non-JSON lines are carried through verbatim.
func parseStreamJSONOutput(output string) (string, int) {
	var sb strings.Builder
	tokens := 0
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var data map[string]interface{}
		if err := json.Unmarshal([]byte(line), &data); err != nil {
			sb.WriteString(line)
			sb.WriteString("\n")
			continue
		}
		if text := extractMessageText(data); text != "" {
			sb.WriteString(text)
		}
		if usage, ok := data["usage"].(map[string]interface{}); ok {
			if out, ok := usage["output_tokens"].(float64); ok {
				tokens += int(out)
			}
		}
	}
	return strings.TrimSpace(sb.String()), tokens
}

// extractLineText returns the streamable text of one stream-json line.
func extractLineText(line string) string {
	line = strings.TrimSpace(line)
	if line == "" {
		return ""
	}
	var data map[string]interface{}
	if err := json.Unmarshal([]byte(line), &data); err != nil {
		return line
	}
	return extractMessageText(data)
}

// extractMessageText pulls text content out of an assistant or result
// message.
func extractMessageText(data map[string]interface{}) string {
	if result, ok := data["result"].(string); ok {
		return result
	}
	msg, ok := data["message"].(map[string]interface{})
	if !ok {
		return ""
	}
	blocks, ok := msg["content"].([]interface{})
	if !ok {
		return ""
	}
	var sb strings.Builder
	for _, b := range blocks {
		block, ok := b.(map[string]interface{})
		if !ok {
			continue
		}
		if block["type"] == "text" {
			if text, ok := block["text"].(string); ok {
				sb.WriteString(text)
			}
		}
	}
	return sb.String()
}

func truncateOutput(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 500 {
		return s[:500]
	}
	return s
}
