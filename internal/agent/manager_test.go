package agent

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/scripton/scripton/internal/common/config"
	apperrors "github.com/scripton/scripton/internal/common/errors"
	"github.com/scripton/scripton/internal/common/logger"
	"github.com/scripton/scripton/internal/events/bus"
	"github.com/scripton/scripton/internal/run/repository"
	"github.com/scripton/scripton/internal/sandbox"
	"github.com/scripton/scripton/internal/security"
	v1 "github.com/scripton/scripton/pkg/api/v1"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	return log
}

// writeScript creates an executable shell script for use as the agent
// binary in tests.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("writing test script: %v", err)
	}
	return path
}

func newTestManager(t *testing.T, maxAgents int, binary string) *Manager {
	t.Helper()
	log := newTestLogger()

	sandboxes, err := sandbox.NewManager(t.TempDir(), nil, 1024, 24*time.Hour, log)
	if err != nil {
		t.Fatalf("creating sandbox manager: %v", err)
	}

	policy := security.NewPolicy(config.SecurityConfig{
		AllowedTools:        []string{"Read", "Write", "Bash"},
		ForbiddenPaths:      []string{"/etc"},
		MaxConcurrentAgents: maxAgents,
	}, log)

	m := NewManager(
		sandboxes,
		policy,
		bus.NewMemoryEventBus(log),
		repository.NewMemoryRepository(),
		config.AgentConfig{
			DefaultModel:       "test-model",
			DefaultTimeout:     60,
			DefaultMaxTokens:   1000,
			SweepInterval:      300,
			EventQueueCapacity: 256,
		},
		config.ProvidersConfig{ClaudeBinary: binary},
		log,
	)
	t.Cleanup(func() {
		m.Stop(context.Background())
	})
	return m
}

// collectRunEvents drains the stream until the run's terminal event or the
// deadline, returning every event seen.
func collectRunEvents(t *testing.T, m *Manager, agentID string, deadline time.Duration) []v1.AgentEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	events, err := m.StreamEvents(ctx, agentID)
	if err != nil {
		t.Fatalf("StreamEvents: %v", err)
	}

	var got []v1.AgentEvent
	for ev := range events {
		got = append(got, ev)
		if ev.Type == v1.EventTaskComplete || ev.Type == v1.EventError {
			return got
		}
	}
	t.Fatalf("stream ended without a terminal event, saw %d events", len(got))
	return nil
}

func TestCreateAgentAndGetStatus(t *testing.T) {
	m := newTestManager(t, 5, "/bin/echo")

	id, err := m.CreateAgent(context.Background(), v1.AgentConfig{Model: "m-a"})
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	info, err := m.GetStatus(id)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if info.Status != v1.AgentStatusCreated {
		t.Errorf("status = %s, want %s", info.Status, v1.AgentStatusCreated)
	}
	if info.SandboxPath == "" {
		t.Error("sandbox path not set")
	}
	if _, err := os.Stat(info.SandboxPath); err != nil {
		t.Errorf("sandbox directory missing: %v", err)
	}
}

func TestCreateAgentCeiling(t *testing.T) {
	m := newTestManager(t, 2, "/bin/echo")
	ctx := context.Background()

	first, err := m.CreateAgent(ctx, v1.AgentConfig{})
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := m.CreateAgent(ctx, v1.AgentConfig{}); err != nil {
		t.Fatalf("second create: %v", err)
	}

	_, err = m.CreateAgent(ctx, v1.AgentConfig{})
	if !apperrors.IsCapacityExceeded(err) {
		t.Fatalf("third create: expected CapacityExceeded, got %v", err)
	}

	// Disposing one frees a slot.
	if err := m.DisposeAgent(ctx, first); err != nil {
		t.Fatalf("DisposeAgent: %v", err)
	}
	if _, err := m.CreateAgent(ctx, v1.AgentConfig{}); err != nil {
		t.Errorf("create after dispose: %v", err)
	}
}

func TestCreateAgentDeniedTool(t *testing.T) {
	m := newTestManager(t, 5, "/bin/echo")

	_, err := m.CreateAgent(context.Background(), v1.AgentConfig{
		AllowedTools: []string{"Read", "DeleteEverything"},
	})
	if !apperrors.IsPolicyDenied(err) {
		t.Fatalf("expected PolicyDenied, got %v", err)
	}
	if m.Count() != 0 {
		t.Errorf("denied create left an agent behind, Count() = %d", m.Count())
	}
}

func TestRunTaskHappyPath(t *testing.T) {
	m := newTestManager(t, 5, "/bin/echo")
	ctx := context.Background()

	id, err := m.CreateAgent(ctx, v1.AgentConfig{Model: "m-a"})
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	runID, err := m.RunTask(ctx, id, "say hi", v1.TaskOptions{})
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if runID == "" {
		t.Fatal("empty run id")
	}

	events := collectRunEvents(t, m, id, 10*time.Second)

	// TaskStart must precede every other event of the run; the terminal
	// event is last.
	sawStart := false
	for _, ev := range events {
		if ev.RunID != runID {
			continue
		}
		if ev.Type == v1.EventTaskStart {
			sawStart = true
			continue
		}
		if !sawStart {
			t.Fatalf("event %s for run before TaskStart", ev.Type)
		}
	}
	last := events[len(events)-1]
	if last.Type != v1.EventTaskComplete {
		t.Fatalf("terminal event = %s, want %s", last.Type, v1.EventTaskComplete)
	}
	if rc, ok := last.Payload["return_code"].(int); ok && rc != 0 {
		t.Errorf("return_code = %d, want 0", rc)
	}

	info, _ := m.GetStatus(id)
	if info.Status != v1.AgentStatusIdle {
		t.Errorf("status after success = %s, want %s", info.Status, v1.AgentStatusIdle)
	}
	if info.CurrentRunID != "" {
		t.Errorf("current run id not cleared: %s", info.CurrentRunID)
	}
}

func TestRunTaskFailure(t *testing.T) {
	binary := writeScript(t, "echo boom\nexit 3")
	m := newTestManager(t, 5, binary)
	ctx := context.Background()

	id, _ := m.CreateAgent(ctx, v1.AgentConfig{})
	if _, err := m.RunTask(ctx, id, "do work", v1.TaskOptions{}); err != nil {
		t.Fatalf("RunTask: %v", err)
	}

	events := collectRunEvents(t, m, id, 10*time.Second)
	last := events[len(events)-1]
	if last.Type != v1.EventError {
		t.Fatalf("terminal event = %s, want %s", last.Type, v1.EventError)
	}

	info, _ := m.GetStatus(id)
	if info.Status != v1.AgentStatusError {
		t.Errorf("status after failure = %s, want %s", info.Status, v1.AgentStatusError)
	}
	if info.ErrorMessage == "" {
		t.Error("error message not recorded")
	}
}

func TestRunTaskPolicyDeniedCommand(t *testing.T) {
	m := newTestManager(t, 5, "/bin/echo")
	ctx := context.Background()

	id, _ := m.CreateAgent(ctx, v1.AgentConfig{})
	_, err := m.RunTask(ctx, id, "sudo rm -rf /", v1.TaskOptions{})
	if !apperrors.IsPolicyDenied(err) {
		t.Fatalf("expected PolicyDenied, got %v", err)
	}

	// No subprocess was spawned; the agent is untouched.
	info, _ := m.GetStatus(id)
	if info.Status == v1.AgentStatusRunning {
		t.Error("agent running after denied task")
	}
	if info.CurrentRunID != "" {
		t.Errorf("run id set after denied task: %s", info.CurrentRunID)
	}
}

func TestRunTaskWhileRunning(t *testing.T) {
	binary := writeScript(t, "exec sleep 60")
	m := newTestManager(t, 5, binary)
	ctx := context.Background()

	id, _ := m.CreateAgent(ctx, v1.AgentConfig{})
	runID, err := m.RunTask(ctx, id, "long task", v1.TaskOptions{})
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}

	if _, err := m.RunTask(ctx, id, "second task", v1.TaskOptions{}); err == nil {
		t.Error("second RunTask on a running agent succeeded")
	}

	if _, err := m.CancelTask(ctx, id, runID); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
}

func TestRunTaskSingleWinner(t *testing.T) {
	binary := writeScript(t, "exec sleep 60")
	m := newTestManager(t, 5, binary)
	ctx := context.Background()

	id, _ := m.CreateAgent(ctx, v1.AgentConfig{})

	// Race several RunTask calls on one idle agent. Exactly one may reserve
	// the run; the rest must fail with a conflict, never spawn a process.
	const attempts = 8
	var wg sync.WaitGroup
	runIDs := make([]string, attempts)
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			runIDs[i], errs[i] = m.RunTask(ctx, id, "long task", v1.TaskOptions{})
		}(i)
	}
	wg.Wait()

	winner := ""
	for i := 0; i < attempts; i++ {
		if errs[i] == nil {
			if winner != "" {
				t.Fatalf("two RunTask calls succeeded: %s and %s", winner, runIDs[i])
			}
			winner = runIDs[i]
			continue
		}
		if !apperrors.IsConflict(errs[i]) {
			t.Errorf("losing RunTask error = %v, want conflict", errs[i])
		}
	}
	if winner == "" {
		t.Fatal("no RunTask call succeeded")
	}

	if _, err := m.CancelTask(ctx, id, winner); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
}

func TestRunTaskTimeout(t *testing.T) {
	savedMin := minTimeoutSec
	minTimeoutSec = 0
	t.Cleanup(func() { minTimeoutSec = savedMin })

	binary := writeScript(t, "exec sleep 60")
	m := newTestManager(t, 5, binary)
	ctx := context.Background()

	id, _ := m.CreateAgent(ctx, v1.AgentConfig{})
	timeout := 1
	runID, err := m.RunTask(ctx, id, "slow task", v1.TaskOptions{Timeout: &timeout})
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}

	events := collectRunEvents(t, m, id, 15*time.Second)
	last := events[len(events)-1]
	if last.Type != v1.EventError {
		t.Fatalf("terminal event = %s, want %s", last.Type, v1.EventError)
	}
	if last.RunID != runID {
		t.Errorf("terminal event run id = %s, want %s", last.RunID, runID)
	}
	if reason, _ := last.Payload["reason"].(string); reason != "timeout" {
		t.Errorf("reason = %q, want %q", reason, "timeout")
	}

	info, _ := m.GetStatus(id)
	if info.Status != v1.AgentStatusError {
		t.Errorf("status after timeout = %s, want %s", info.Status, v1.AgentStatusError)
	}
	if info.CurrentRunID != "" {
		t.Errorf("current run id not cleared: %s", info.CurrentRunID)
	}
}

func TestCancelTask(t *testing.T) {
	binary := writeScript(t, "exec sleep 60")
	m := newTestManager(t, 5, binary)
	ctx := context.Background()

	id, _ := m.CreateAgent(ctx, v1.AgentConfig{})
	runID, err := m.RunTask(ctx, id, "long task", v1.TaskOptions{})
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	start := time.Now()
	cancelled, err := m.CancelTask(ctx, id, runID)
	if err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	if !cancelled {
		t.Fatal("CancelTask returned false for a running task")
	}
	if elapsed := time.Since(start); elapsed > 6*time.Second {
		t.Errorf("cancellation took %v, want under 6s", elapsed)
	}

	info, _ := m.GetStatus(id)
	if info.Status != v1.AgentStatusIdle {
		t.Errorf("status after cancel = %s, want %s", info.Status, v1.AgentStatusIdle)
	}

	// A second cancel finds no such run.
	cancelled, err = m.CancelTask(ctx, id, runID)
	if cancelled {
		t.Error("second CancelTask returned true")
	}
	if err == nil {
		t.Error("second CancelTask returned no error for a stale run id")
	}
}

func TestCancelRacesNaturalCompletion(t *testing.T) {
	m := newTestManager(t, 5, "/bin/echo")
	ctx := context.Background()

	id, _ := m.CreateAgent(ctx, v1.AgentConfig{})

	streamCtx, stopStream := context.WithCancel(context.Background())
	defer stopStream()
	events, err := m.StreamEvents(streamCtx, id)
	if err != nil {
		t.Fatalf("StreamEvents: %v", err)
	}
	collected := make(chan []v1.AgentEvent, 1)
	go func() {
		var got []v1.AgentEvent
		for ev := range events {
			got = append(got, ev)
		}
		collected <- got
	}()

	// Repeatedly race a cancel against a task that finishes on its own.
	// Whichever side wins, the run must reach exactly one terminal outcome.
	for i := 0; i < 10; i++ {
		runID, err := m.RunTask(ctx, id, "quick task", v1.TaskOptions{})
		if err != nil {
			t.Fatalf("RunTask %d: %v", i, err)
		}

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.CancelTask(ctx, id, runID)
		}()

		deadline := time.Now().Add(5 * time.Second)
		for {
			info, _ := m.GetStatus(id)
			if info.Status != v1.AgentStatusRunning && info.CurrentRunID == "" {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("run %d never reached a terminal state", i)
			}
			time.Sleep(5 * time.Millisecond)
		}
		wg.Wait()
	}

	// Let the trailing terminal events land on the queue before closing.
	time.Sleep(500 * time.Millisecond)
	stopStream()
	got := <-collected

	terminals := map[string]int{}
	for _, ev := range got {
		if ev.RunID == "" {
			continue
		}
		switch {
		case ev.Type == v1.EventTaskComplete || ev.Type == v1.EventError:
			terminals[ev.RunID]++
		case ev.Type == v1.EventStatusChange:
			if msg, _ := ev.Payload["message"].(string); msg == "Task cancelled" {
				terminals[ev.RunID]++
			}
		}
	}
	for runID, n := range terminals {
		if n > 1 {
			t.Errorf("run %s reached %d terminal outcomes, want 1", runID, n)
		}
	}
}

func TestCancelUnknownAgent(t *testing.T) {
	m := newTestManager(t, 5, "/bin/echo")
	_, err := m.CancelTask(context.Background(), "no-such-agent", "run")
	if !apperrors.IsNotFound(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestDisposeAgentRemovesSandbox(t *testing.T) {
	m := newTestManager(t, 5, "/bin/echo")
	ctx := context.Background()

	id, _ := m.CreateAgent(ctx, v1.AgentConfig{})
	info, _ := m.GetStatus(id)

	if err := m.DisposeAgent(ctx, id); err != nil {
		t.Fatalf("DisposeAgent: %v", err)
	}

	if _, err := os.Stat(info.SandboxPath); !os.IsNotExist(err) {
		t.Errorf("sandbox still on disk after dispose: %v", err)
	}
	if _, err := m.GetStatus(id); !apperrors.IsNotFound(err) {
		t.Errorf("GetStatus after dispose: expected NotFound, got %v", err)
	}

	// A second dispose is a clean NotFound, never a crash.
	if err := m.DisposeAgent(ctx, id); !apperrors.IsNotFound(err) {
		t.Errorf("second DisposeAgent: expected NotFound, got %v", err)
	}
}

func TestDisposeUnknownAgent(t *testing.T) {
	m := newTestManager(t, 5, "/bin/echo")
	err := m.DisposeAgent(context.Background(), "no-such-agent")
	if !apperrors.IsNotFound(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestListAgents(t *testing.T) {
	m := newTestManager(t, 5, "/bin/echo")
	ctx := context.Background()

	if got := len(m.ListAgents()); got != 0 {
		t.Fatalf("expected empty pool, got %d agents", got)
	}
	a, _ := m.CreateAgent(ctx, v1.AgentConfig{})
	b, _ := m.CreateAgent(ctx, v1.AgentConfig{})

	infos := m.ListAgents()
	if len(infos) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(infos))
	}
	seen := map[string]bool{}
	for _, info := range infos {
		seen[info.AgentID] = true
	}
	if !seen[a] || !seen[b] {
		t.Errorf("listing missing agents: %v", seen)
	}
}

func TestClampConfig(t *testing.T) {
	m := newTestManager(t, 5, "/bin/echo")

	cfg := v1.AgentConfig{Timeout: 5, MaxTokens: 50, Temperature: 2.5}
	m.clampConfig(&cfg)
	if cfg.Timeout != 30 {
		t.Errorf("timeout clamped to %d, want 30", cfg.Timeout)
	}
	if cfg.MaxTokens != 100 {
		t.Errorf("max tokens clamped to %d, want 100", cfg.MaxTokens)
	}
	if cfg.Temperature != 1 {
		t.Errorf("temperature clamped to %v, want 1", cfg.Temperature)
	}

	cfg = v1.AgentConfig{Timeout: 7200, MaxTokens: 64000, Temperature: -0.5}
	m.clampConfig(&cfg)
	if cfg.Timeout != 3600 {
		t.Errorf("timeout clamped to %d, want 3600", cfg.Timeout)
	}
	if cfg.MaxTokens != 32000 {
		t.Errorf("max tokens clamped to %d, want 32000", cfg.MaxTokens)
	}
	if cfg.Temperature != 0 {
		t.Errorf("temperature clamped to %v, want 0", cfg.Temperature)
	}
	if cfg.Model != "test-model" {
		t.Errorf("default model not applied: %q", cfg.Model)
	}
}

func TestSweepFlagsZombie(t *testing.T) {
	m := newTestManager(t, 5, "/bin/echo")
	ctx := context.Background()

	id, _ := m.CreateAgent(ctx, v1.AgentConfig{})
	if _, err := m.RunTask(ctx, id, "quick task", v1.TaskOptions{}); err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	collectRunEvents(t, m, id, 10*time.Second)

	// Fake the zombie condition: the process has exited but the state
	// still says Running.
	m.mu.Lock()
	inst := m.agents[id]
	inst.status = v1.AgentStatusRunning
	m.mu.Unlock()

	m.sweep()

	info, _ := m.GetStatus(id)
	if info.Status != v1.AgentStatusError {
		t.Errorf("zombie not flagged: status = %s", info.Status)
	}
	if info.ErrorMessage != "Process terminated unexpectedly" {
		t.Errorf("zombie reason = %q", info.ErrorMessage)
	}
}
