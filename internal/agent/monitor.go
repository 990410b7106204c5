package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/scripton/scripton/internal/events/bus"
	"github.com/scripton/scripton/internal/run/repository"
	v1 "github.com/scripton/scripton/pkg/api/v1"
)

// stdout lines can carry large tool results; match the scanner buffer to
// what the CLI is known to emit.
const maxScanTokenSize = 10 * 1024 * 1024

var knownEventTypes = map[string]v1.EventType{
	string(v1.EventToolCall):     v1.EventToolCall,
	string(v1.EventEdit):         v1.EventEdit,
	string(v1.EventLog):          v1.EventLog,
	string(v1.EventStatusChange): v1.EventStatusChange,
	string(v1.EventTaskStart):    v1.EventTaskStart,
	string(v1.EventTaskComplete): v1.EventTaskComplete,
	string(v1.EventError):        v1.EventError,
}

// monitor consumes the task subprocess output, translates it into agent
// events, and drives the Running -> Idle/Error transition on exit.
func (m *Manager) monitor(inst *instance, runID string, stdout, stderr io.ReadCloser) {
	defer m.wg.Done()

	stderrCh := make(chan string, 1)
	go func() {
		data, _ := io.ReadAll(stderr)
		stderrCh <- string(data)
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxScanTokenSize)
	for scanner.Scan() {
		m.processOutputLine(inst, runID, strings.TrimSpace(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		m.logger.Error("error reading process output",
			zap.String("agent_id", inst.id),
			zap.Error(err))
	}

	err := inst.cmd.Wait()
	exitCode := 0
	if err != nil {
		exitCode = inst.cmd.ProcessState.ExitCode()
	}

	if stderrOut := <-stderrCh; strings.TrimSpace(stderrOut) != "" {
		m.logger.Warn("agent stderr",
			zap.String("agent_id", inst.id),
			zap.String("stderr", truncate(stderrOut, 2000)))
	}

	// The cancel decision and the terminal transition happen in one critical
	// section: either CancelTask set the flag while the run was still
	// current, or the state leaves Running here and a late cancel sees a
	// stale run id.
	m.mu.Lock()
	cancelled := inst.cancelled
	timedOut := inst.timedOut
	done := inst.procDone
	var errMsg string
	if !cancelled {
		switch {
		case timedOut:
			inst.status = v1.AgentStatusError
			errMsg = "task exceeded its timeout"
		case exitCode == 0:
			inst.status = v1.AgentStatusIdle
		default:
			inst.status = v1.AgentStatusError
			errMsg = fmt.Sprintf("process exited with code %d", exitCode)
		}
		inst.errorMessage = errMsg
		inst.currentRunID = ""
		inst.touch()
	}
	m.mu.Unlock()

	close(done)

	if cancelled {
		// CancelTask owns the Idle transition and the cancellation event.
		return
	}

	ctx := context.Background()

	switch {
	case timedOut:
		m.emit(inst, v1.EventError, runID, map[string]interface{}{
			"run_id": runID,
			"reason": "timeout",
			"error":  errMsg,
		})
		if m.runs != nil {
			_ = m.runs.Finish(ctx, runID, repository.RunStatusTimeout, exitCode)
		}
		m.publish(ctx, bus.SubjectAgentFailed, map[string]interface{}{
			"agent_id": inst.id,
			"run_id":   runID,
			"reason":   "timeout",
		})

	case exitCode == 0:
		m.emit(inst, v1.EventTaskComplete, runID, map[string]interface{}{
			"run_id":      runID,
			"return_code": exitCode,
		})
		if m.runs != nil {
			_ = m.runs.Finish(ctx, runID, repository.RunStatusCompleted, exitCode)
		}
		m.publish(ctx, bus.SubjectAgentTaskCompleted, map[string]interface{}{
			"agent_id": inst.id,
			"run_id":   runID,
		})

	default:
		m.emit(inst, v1.EventError, runID, map[string]interface{}{
			"run_id":      runID,
			"return_code": exitCode,
			"error":       errMsg,
		})
		if m.runs != nil {
			_ = m.runs.Finish(ctx, runID, repository.RunStatusFailed, exitCode)
		}
		m.publish(ctx, bus.SubjectAgentFailed, map[string]interface{}{
			"agent_id": inst.id,
			"run_id":   runID,
			"reason":   errMsg,
		})
	}

	m.logger.Info("task finished",
		zap.String("agent_id", inst.id),
		zap.String("run_id", runID),
		zap.Int("exit_code", exitCode))
}

// processOutputLine turns one stdout line into an agent event. JSON lines
// with a recognised type keep it; everything else becomes a Log event.
func (m *Manager) processOutputLine(inst *instance, runID, line string) {
	if line == "" {
		return
	}

	var data map[string]interface{}
	if err := json.Unmarshal([]byte(line), &data); err != nil {
		m.emit(inst, v1.EventLog, runID, map[string]interface{}{"message": line})
		return
	}

	eventType := v1.EventLog
	if t, ok := data["type"].(string); ok {
		if known, ok := knownEventTypes[t]; ok {
			eventType = known
		}
	}
	m.emit(inst, eventType, runID, data)

	m.mu.Lock()
	inst.touch()
	m.mu.Unlock()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
