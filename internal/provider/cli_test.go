package provider

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func TestParseStreamJSONOutput(t *testing.T) {
	output := strings.Join([]string{
		`{"type":"system","subtype":"init"}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"Hello "},{"type":"text","text":"world"}]}}`,
		`{"type":"result","result":"","usage":{"output_tokens":42}}`,
	}, "\n")

	content, tokens := parseStreamJSONOutput(output)
	if content != "Hello world" {
		t.Errorf("content = %q, want %q", content, "Hello world")
	}
	if tokens != 42 {
		t.Errorf("tokens = %d, want 42", tokens)
	}
}

func TestParseStreamJSONOutputCarriesPlainLines(t *testing.T) {
	content, tokens := parseStreamJSONOutput("not json at all\n")
	if content != "not json at all" {
		t.Errorf("content = %q", content)
	}
	if tokens != 0 {
		t.Errorf("tokens = %d, want 0", tokens)
	}
}

func TestExtractLineText(t *testing.T) {
	cases := []struct {
		line string
		want string
	}{
		{`{"type":"assistant","message":{"content":[{"type":"text","text":"hi"}]}}`, "hi"},
		{`{"result":"final answer"}`, "final answer"},
		{`{"type":"system"}`, ""},
		{"plain log line", "plain log line"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := extractLineText(tc.line); got != tc.want {
			t.Errorf("extractLineText(%q) = %q, want %q", tc.line, got, tc.want)
		}
	}
}

func TestCLIBuildArgs(t *testing.T) {
	p := NewClaudeCodeProvider("claude", newTestLogger())
	task := NewTask(KindClaudeCode, "fix the bug", "claude-sonnet-4-5", 0, 0, 0)

	args := p.buildArgs(task)
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "-p fix the bug") {
		t.Errorf("prompt missing from args: %v", args)
	}
	if !strings.Contains(joined, "--output-format stream-json") {
		t.Errorf("stream-json missing from args: %v", args)
	}
	if !strings.Contains(joined, "--model claude-sonnet-4-5") {
		t.Errorf("model missing from args: %v", args)
	}
}

func TestCLICancelUnknownTask(t *testing.T) {
	p := NewClaudeCodeProvider("claude", newTestLogger())
	if p.Cancel(context.Background(), "no-such-task") {
		t.Error("cancel of unknown task returned true")
	}
}

func TestCLICancelActiveTask(t *testing.T) {
	p := NewClaudeCodeProvider("claude", newTestLogger())

	cmd := exec.Command("sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	proc := p.track("task-1", cmd)
	defer p.untrack("task-1")
	go func() {
		_ = cmd.Wait()
		close(proc.done)
	}()

	start := time.Now()
	if !p.Cancel(context.Background(), "task-1") {
		t.Fatal("cancel of active task returned false")
	}
	select {
	case <-proc.done:
	case <-time.After(2 * time.Second):
		t.Fatal("process not reaped after cancel")
	}
	if elapsed := time.Since(start); elapsed >= cliTerminateGrace {
		t.Errorf("cancel blocked for %s, want the reap to end the wait", elapsed)
	}
}

func TestCLIExecuteBeforeInitialize(t *testing.T) {
	p := NewGeminiCodeProvider("gemini", newTestLogger())
	task := NewTask(KindGeminiCode, "hi", "", 0, 0, 0)

	if _, err := p.Execute(context.Background(), task); err == nil {
		t.Error("Execute before Initialize succeeded")
	}
	if _, err := p.Stream(context.Background(), task); err == nil {
		t.Error("Stream before Initialize succeeded")
	}
}
