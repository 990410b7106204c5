// Package agent implements the agent lifecycle manager: a bounded pool of
// CLI-backed agents, each with a sandbox, a state machine, and a bounded
// event queue consumed by the streaming transports.
package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scripton/scripton/internal/common/config"
	apperrors "github.com/scripton/scripton/internal/common/errors"
	"github.com/scripton/scripton/internal/common/logger"
	"github.com/scripton/scripton/internal/events/bus"
	"github.com/scripton/scripton/internal/run/repository"
	"github.com/scripton/scripton/internal/sandbox"
	"github.com/scripton/scripton/internal/security"
	v1 "github.com/scripton/scripton/pkg/api/v1"
)

const (
	// terminateGrace is how long a cancelled process gets after SIGTERM
	// before SIGKILL.
	terminateGrace = 5 * time.Second

	promptExcerptLen = 100
)

// Task timeout clamp bounds in seconds. Vars rather than consts so tests
// can drive the timeout path without a 30s floor.
var (
	minTimeoutSec = 30
	maxTimeoutSec = 3600
)

// instance holds the runtime state of one managed agent.
type instance struct {
	id           string
	config       v1.AgentConfig
	sandboxPath  string
	status       v1.AgentStatus
	createdAt    time.Time
	lastActivity time.Time
	currentRunID string
	errorMessage string
	queue        *eventQueue

	cmd       *exec.Cmd
	procDone  chan struct{} // closed by the monitor when the process exits
	cancelled bool
	timedOut  bool
}

func (i *instance) touch() {
	i.lastActivity = time.Now().UTC()
}

func (i *instance) info() v1.AgentInfo {
	info := v1.AgentInfo{
		AgentID:      i.id,
		Config:       i.config,
		Status:       i.status,
		CreatedAt:    i.createdAt.Format(time.RFC3339Nano),
		CurrentRunID: i.currentRunID,
		ErrorMessage: i.errorMessage,
		SandboxPath:  i.sandboxPath,
	}
	if !i.lastActivity.IsZero() {
		info.LastActivity = i.lastActivity.Format(time.RFC3339Nano)
	}
	return info
}

// Manager owns the agent pool. All exported methods are safe for
// concurrent use.
type Manager struct {
	mu     sync.RWMutex
	agents map[string]*instance

	sandboxes *sandbox.Manager
	policy    *security.Policy
	bus       bus.EventBus
	runs      repository.Repository
	agentCfg  config.AgentConfig
	providers config.ProvidersConfig
	logger    *logger.Logger

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewManager creates an agent manager. Start must be called to run the
// background sweeper.
func NewManager(
	sandboxes *sandbox.Manager,
	policy *security.Policy,
	eventBus bus.EventBus,
	runs repository.Repository,
	agentCfg config.AgentConfig,
	providers config.ProvidersConfig,
	log *logger.Logger,
) *Manager {
	return &Manager{
		agents:    make(map[string]*instance),
		sandboxes: sandboxes,
		policy:    policy,
		bus:       eventBus,
		runs:      runs,
		agentCfg:  agentCfg,
		providers: providers,
		logger:    log,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the background sweeper.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.sweepLoop()
}

// Stop halts the sweeper and disposes all agents. Disposal runs before
// the final wait: it cancels any running task, which is what lets that
// task's monitor finish.
func (m *Manager) Stop(ctx context.Context) {
	m.stopped.Do(func() {
		close(m.stopCh)
	})

	m.mu.RLock()
	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.DisposeAgent(ctx, id); err != nil {
			m.logger.Error("dispose during shutdown failed",
				zap.String("agent_id", id),
				zap.Error(err))
		}
	}

	m.wg.Wait()
	m.logger.Info("agent manager stopped")
}

// clampConfig normalises the numeric fields of an agent configuration.
func (m *Manager) clampConfig(cfg *v1.AgentConfig) {
	if cfg.Timeout == 0 {
		cfg.Timeout = m.agentCfg.DefaultTimeout
	}
	cfg.Timeout = clampInt(cfg.Timeout, minTimeoutSec, maxTimeoutSec)

	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = m.agentCfg.DefaultMaxTokens
	}
	cfg.MaxTokens = clampInt(cfg.MaxTokens, 100, 32000)

	if cfg.Temperature < 0 {
		cfg.Temperature = 0
	}
	if cfg.Temperature > 1 {
		cfg.Temperature = 1
	}
	if cfg.Model == "" {
		cfg.Model = m.agentCfg.DefaultModel
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// CreateAgent provisions a sandbox and registers a new agent in the pool.
// The sandbox is rolled back when registration fails partway.
func (m *Manager) CreateAgent(ctx context.Context, cfg v1.AgentConfig) (string, error) {
	m.mu.Lock()
	if len(m.agents) >= m.policy.MaxConcurrentAgents() {
		limit := m.policy.MaxConcurrentAgents()
		m.mu.Unlock()
		return "", apperrors.CapacityExceeded(
			fmt.Sprintf("maximum concurrent agents limit reached (%d)", limit))
	}
	m.mu.Unlock()

	m.clampConfig(&cfg)

	for _, tool := range cfg.AllowedTools {
		if !m.policy.AllowTool(tool, "pending") {
			return "", apperrors.PolicyDenied(fmt.Sprintf("tool '%s' is not permitted", tool))
		}
	}

	agentID := uuid.New().String()

	sandboxPath, err := m.sandboxes.Create(agentID)
	if err != nil {
		return "", apperrors.InternalError("agent creation failed", err)
	}
	cfg.WorkspacePath = sandboxPath

	inst := &instance{
		id:          agentID,
		config:      cfg,
		sandboxPath: sandboxPath,
		status:      v1.AgentStatusCreated,
		createdAt:   time.Now().UTC(),
		queue:       newEventQueue(m.agentCfg.EventQueueCapacity),
	}

	m.mu.Lock()
	// Re-check the ceiling: another create may have won the race.
	if len(m.agents) >= m.policy.MaxConcurrentAgents() {
		limit := m.policy.MaxConcurrentAgents()
		m.mu.Unlock()
		m.sandboxes.Cleanup(agentID)
		return "", apperrors.CapacityExceeded(
			fmt.Sprintf("maximum concurrent agents limit reached (%d)", limit))
	}
	m.agents[agentID] = inst
	m.mu.Unlock()

	m.emit(inst, v1.EventStatusChange, "", map[string]interface{}{
		"status":  string(v1.AgentStatusCreated),
		"message": "Agent created",
	})
	m.publish(ctx, bus.SubjectAgentCreated, map[string]interface{}{
		"agent_id": agentID,
		"model":    cfg.Model,
	})

	m.logger.Info("created agent",
		zap.String("agent_id", agentID),
		zap.String("sandbox", sandboxPath))
	return agentID, nil
}

// RunTask starts a task subprocess for the agent and returns the run id.
func (m *Manager) RunTask(ctx context.Context, agentID, prompt string, opts v1.TaskOptions) (string, error) {
	m.mu.RLock()
	inst, ok := m.agents[agentID]
	if !ok {
		m.mu.RUnlock()
		return "", apperrors.NotFound("agent", agentID)
	}
	if inst.status == v1.AgentStatusRunning {
		m.mu.RUnlock()
		return "", apperrors.Conflict(fmt.Sprintf("agent %s is already running a task", agentID))
	}
	m.mu.RUnlock()

	merged := opts.MergeWithConfig(inst.config)
	for _, tool := range merged.Tools {
		if !m.policy.AllowTool(tool, agentID) {
			return "", apperrors.PolicyDenied(fmt.Sprintf("tool '%s' is not permitted", tool))
		}
	}
	if !m.policy.AllowCommand(prompt, agentID) {
		return "", apperrors.PolicyDenied("prompt contains a forbidden command pattern")
	}
	if !m.policy.ResourceUsageOK(agentID) {
		return "", apperrors.PolicyDenied("agent resource usage exceeds limits")
	}
	if !m.sandboxes.EnforceQuota(agentID) {
		return "", apperrors.PolicyDenied("sandbox storage quota exceeded")
	}

	runID := uuid.New().String()
	timeout := clampInt(*merged.Timeout, minTimeoutSec, maxTimeoutSec)

	cmd := m.buildCommand(inst, prompt, merged)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", apperrors.InternalError("task execution failed", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", apperrors.InternalError("task execution failed", err)
	}

	// Reserve the run before starting the process: once the status flips to
	// Running under the lock, no concurrent RunTask can pass the check above
	// and spawn a second subprocess for this agent.
	m.mu.Lock()
	if _, alive := m.agents[agentID]; !alive {
		m.mu.Unlock()
		return "", apperrors.NotFound("agent", agentID)
	}
	if inst.status == v1.AgentStatusRunning {
		m.mu.Unlock()
		return "", apperrors.Conflict(fmt.Sprintf("agent %s is already running a task", agentID))
	}
	inst.cmd = cmd
	inst.status = v1.AgentStatusRunning
	inst.currentRunID = runID
	inst.cancelled = false
	inst.timedOut = false
	inst.procDone = make(chan struct{})
	done := inst.procDone
	inst.touch()
	m.mu.Unlock()

	if err := cmd.Start(); err != nil {
		m.mu.Lock()
		inst.status = v1.AgentStatusError
		inst.errorMessage = err.Error()
		inst.currentRunID = ""
		inst.cmd = nil
		m.mu.Unlock()
		close(done)
		return "", apperrors.BackendFailure("failed to start agent process", err)
	}

	if m.runs != nil {
		record := &repository.Run{
			ID:        runID,
			AgentID:   agentID,
			Provider:  "claude_code",
			Prompt:    excerpt(prompt),
			Status:    repository.RunStatusRunning,
			StartedAt: time.Now().UTC(),
		}
		if err := m.runs.Create(ctx, record); err != nil {
			m.logger.Warn("failed to record run", zap.String("run_id", runID), zap.Error(err))
		}
	}

	// TaskStart goes onto the queue before the monitor starts reading
	// output, so no content event of the run can precede it.
	m.emit(inst, v1.EventTaskStart, runID, map[string]interface{}{
		"run_id": runID,
		"prompt": excerpt(prompt),
	})
	m.publish(ctx, bus.SubjectAgentTaskStarted, map[string]interface{}{
		"agent_id": agentID,
		"run_id":   runID,
	})

	m.wg.Add(1)
	go m.monitor(inst, runID, stdout, stderr)
	m.wg.Add(1)
	go m.enforceTimeout(inst, runID, time.Duration(timeout)*time.Second)

	m.logger.Info("started task",
		zap.String("agent_id", agentID),
		zap.String("run_id", runID))
	return runID, nil
}

// buildCommand assembles the CLI invocation for a task.
func (m *Manager) buildCommand(inst *instance, prompt string, opts v1.TaskOptions) *exec.Cmd {
	args := []string{
		"-p", prompt,
		"--output-format", "stream-json",
		"--verbose",
	}
	if inst.config.Model != "" {
		args = append(args, "--model", inst.config.Model)
	}
	if len(opts.Tools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.Tools, ","))
	}
	if opts.ResumeSession {
		sessionFile := filepath.Join(inst.sandboxPath, inst.id+".session")
		args = append(args, "--resume", sessionFile)
	}

	cmd := exec.Command(m.providers.ClaudeBinary, args...)
	cmd.Dir = filepath.Join(inst.sandboxPath, "workspace")
	cmd.Env = append(os.Environ(), "SCRIPTON_AGENT_ID="+inst.id)
	return cmd
}

// enforceTimeout terminates the process when the run outlives its deadline.
func (m *Manager) enforceTimeout(inst *instance, runID string, timeout time.Duration) {
	defer m.wg.Done()

	m.mu.RLock()
	done := inst.procDone
	m.mu.RUnlock()

	select {
	case <-done:
	case <-m.stopCh:
	case <-time.After(timeout):
		m.mu.Lock()
		stillRunning := inst.currentRunID == runID && inst.status == v1.AgentStatusRunning
		if stillRunning {
			inst.timedOut = true
		}
		cmd := inst.cmd
		m.mu.Unlock()

		if stillRunning && cmd != nil && cmd.Process != nil {
			m.logger.Warn("task timed out",
				zap.String("agent_id", inst.id),
				zap.String("run_id", runID),
				zap.Duration("timeout", timeout))
			m.terminate(cmd, done)
		}
	}
}

// terminate sends SIGTERM, waits the grace period, then SIGKILL.
func (m *Manager) terminate(cmd *exec.Cmd, done chan struct{}) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(terminateGrace):
		_ = cmd.Process.Kill()
	}
}

// CancelTask cancels a running task. Cancelling a run that is no longer
// current returns NotFound; cancelling an idle agent is a no-op false.
func (m *Manager) CancelTask(ctx context.Context, agentID, runID string) (bool, error) {
	m.mu.Lock()
	inst, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return false, apperrors.NotFound("agent", agentID)
	}
	if inst.currentRunID != runID {
		m.mu.Unlock()
		return false, apperrors.NotFound("run", runID)
	}
	if inst.status != v1.AgentStatusRunning || inst.cmd == nil {
		m.mu.Unlock()
		return false, nil
	}
	inst.cancelled = true
	cmd := inst.cmd
	done := inst.procDone
	m.mu.Unlock()

	m.terminate(cmd, done)
	<-done

	m.mu.Lock()
	if inst.currentRunID == runID {
		inst.status = v1.AgentStatusIdle
		inst.currentRunID = ""
		inst.touch()
	}
	m.mu.Unlock()

	if m.runs != nil {
		_ = m.runs.Finish(ctx, runID, repository.RunStatusCancelled, -1)
	}

	m.emit(inst, v1.EventStatusChange, runID, map[string]interface{}{
		"status":  string(v1.AgentStatusIdle),
		"message": "Task cancelled",
	})

	m.logger.Info("cancelled task",
		zap.String("agent_id", agentID),
		zap.String("run_id", runID))
	return true, nil
}

// GetStatus returns the read-only view of an agent.
func (m *Manager) GetStatus(agentID string) (v1.AgentInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.agents[agentID]
	if !ok {
		return v1.AgentInfo{}, apperrors.NotFound("agent", agentID)
	}
	return inst.info(), nil
}

// ListAgents returns views of every agent in the pool.
func (m *Manager) ListAgents() []v1.AgentInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	infos := make([]v1.AgentInfo, 0, len(m.agents))
	for _, inst := range m.agents {
		infos = append(infos, inst.info())
	}
	return infos
}

// SandboxStats returns the on-disk footprint of the agent's sandbox.
func (m *Manager) SandboxStats(agentID string) (*v1.SandboxStats, error) {
	m.mu.RLock()
	_, ok := m.agents[agentID]
	m.mu.RUnlock()
	if !ok {
		return nil, apperrors.NotFound("agent", agentID)
	}
	stats, err := m.sandboxes.Stats(agentID)
	if err != nil {
		return nil, apperrors.InternalError("failed to read sandbox stats", err)
	}
	return stats, nil
}

// StreamEvents returns a channel of the agent's events. The channel closes
// when the context is done, the agent is disposed, or the manager stops.
func (m *Manager) StreamEvents(ctx context.Context, agentID string) (<-chan v1.AgentEvent, error) {
	m.mu.RLock()
	inst, ok := m.agents[agentID]
	m.mu.RUnlock()
	if !ok {
		return nil, apperrors.NotFound("agent", agentID)
	}

	out := make(chan v1.AgentEvent)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			default:
			}

			m.mu.RLock()
			_, alive := m.agents[agentID]
			m.mu.RUnlock()
			if !alive {
				return
			}

			ev, ok := inst.queue.Pop(time.Second)
			if !ok {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			}
		}
	}()
	return out, nil
}

// DisposeAgent cancels any running task, removes the sandbox, and drops
// the agent from the pool.
func (m *Manager) DisposeAgent(ctx context.Context, agentID string) error {
	m.mu.RLock()
	inst, ok := m.agents[agentID]
	var runID string
	if ok {
		runID = inst.currentRunID
	}
	m.mu.RUnlock()
	if !ok {
		return apperrors.NotFound("agent", agentID)
	}

	if runID != "" {
		if _, err := m.CancelTask(ctx, agentID, runID); err != nil {
			m.logger.Warn("cancel during dispose failed",
				zap.String("agent_id", agentID),
				zap.Error(err))
		}
	}

	m.sandboxes.Cleanup(agentID)

	m.mu.Lock()
	delete(m.agents, agentID)
	m.mu.Unlock()

	inst.status = v1.AgentStatusDisposed
	m.emit(inst, v1.EventStatusChange, "", map[string]interface{}{
		"status":  string(v1.AgentStatusDisposed),
		"message": "Agent disposed",
	})
	inst.queue.Close()

	m.publish(ctx, bus.SubjectAgentDisposed, map[string]interface{}{
		"agent_id": agentID,
	})

	m.logger.Info("disposed agent", zap.String("agent_id", agentID))
	return nil
}

// Count returns the number of agents in the pool.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.agents)
}

// sweepLoop runs the zombie and orphan sweeps on the configured interval.
func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.agentCfg.SweepIntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep reaps orphaned sandboxes and flags zombie agents whose process has
// exited without the monitor updating the state.
func (m *Manager) sweep() {
	if cleaned := m.sandboxes.SweepOrphans(); cleaned > 0 {
		m.logger.Info("cleaned orphaned sandboxes", zap.Int("count", cleaned))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, inst := range m.agents {
		if inst.status != v1.AgentStatusRunning || inst.procDone == nil || inst.cancelled {
			continue
		}
		// procDone is closed once the monitor has reaped the process; a
		// Running agent whose channel is closed lost its monitor transition.
		select {
		case <-inst.procDone:
		default:
			continue
		}
		m.logger.Warn("found zombie agent", zap.String("agent_id", id))
		inst.status = v1.AgentStatusError
		inst.errorMessage = "Process terminated unexpectedly"
		inst.currentRunID = ""
	}
}

// emit pushes an event onto the agent queue.
func (m *Manager) emit(inst *instance, eventType v1.EventType, runID string, payload map[string]interface{}) {
	inst.queue.Push(v1.NewAgentEvent(eventType, inst.id, runID, payload))
}

// publish broadcasts a lifecycle transition on the event bus.
func (m *Manager) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if m.bus == nil {
		return
	}
	event := bus.NewEvent(subject, "agent-manager", data)
	if err := m.bus.Publish(ctx, subject, event); err != nil {
		m.logger.Warn("event bus publish failed",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

func excerpt(prompt string) string {
	if len(prompt) > promptExcerptLen {
		return prompt[:promptExcerptLen] + "..."
	}
	return prompt
}
