package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/scripton/scripton/internal/agent"
	apperrors "github.com/scripton/scripton/internal/common/errors"
	"github.com/scripton/scripton/internal/common/logger"
	"github.com/scripton/scripton/internal/run/repository"
	"github.com/scripton/scripton/internal/security"
)

// Handler contains the HTTP handlers for the agent manager API.
type Handler struct {
	manager *agent.Manager
	policy  *security.Policy
	runs    repository.Repository
	logger  *logger.Logger
}

// NewHandler creates a new API handler.
func NewHandler(m *agent.Manager, policy *security.Policy, runs repository.Repository, log *logger.Logger) *Handler {
	return &Handler{
		manager: m,
		policy:  policy,
		runs:    runs,
		logger:  log.WithFields(zap.String("component", "agent-api")),
	}
}

// respondError writes an AppError as JSON, wrapping unknown errors as
// internal.
func respondError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		appErr = apperrors.InternalError("internal server error", err)
	}
	c.JSON(appErr.HTTPStatus, appErr)
}

// CreateAgent creates a new agent.
// POST /api/v1/agents
func (h *Handler) CreateAgent(c *gin.Context) {
	var req CreateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	agentID, err := h.manager.CreateAgent(c.Request.Context(), req.ToAgentConfig())
	if err != nil {
		h.logger.Error("failed to create agent", zap.Error(err))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, CreateAgentResponse{AgentID: agentID})
}

// ListAgents lists all active agents.
// GET /api/v1/agents
func (h *Handler) ListAgents(c *gin.Context) {
	infos := h.manager.ListAgents()
	agents := make([]AgentResponse, 0, len(infos))
	for _, info := range infos {
		agents = append(agents, agentToResponse(info))
	}
	c.JSON(http.StatusOK, AgentsListResponse{Agents: agents, Total: len(agents)})
}

// Health reports the agents subsystem health.
// GET /api/v1/agents/health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "healthy",
		"agents_count": h.manager.Count(),
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	})
}

// GetAgent returns an agent's status, including sandbox stats when
// available.
// GET /api/v1/agents/:agentId
func (h *Handler) GetAgent(c *gin.Context) {
	agentID := c.Param("agentId")

	info, err := h.manager.GetStatus(agentID)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := agentToResponse(info)
	if stats, err := h.manager.SandboxStats(agentID); err == nil {
		resp.Sandbox = stats
	}
	c.JSON(http.StatusOK, resp)
}

// RunTask starts a task on an agent.
// POST /api/v1/agents/:agentId/tasks
func (h *Handler) RunTask(c *gin.Context) {
	agentID := c.Param("agentId")

	var req TaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	runID, err := h.manager.RunTask(c.Request.Context(), agentID, req.Prompt, req.ToTaskOptions())
	if err != nil {
		h.logger.Error("failed to run task",
			zap.String("agent_id", agentID),
			zap.Error(err))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, TaskResponse{RunID: runID, AgentID: agentID, Status: "running"})
}

// StreamEvents streams agent events over SSE. Each event carries an id of
// the form "<agent_id>-<timestamp>".
// GET /api/v1/agents/:agentId/events
func (h *Handler) StreamEvents(c *gin.Context) {
	agentID := c.Param("agentId")

	events, err := h.manager.StreamEvents(c.Request.Context(), agentID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		ev, ok := <-events
		if !ok {
			return false
		}
		if err := sse.Encode(w, sse.Event{
			Id:    ev.SSEID(),
			Event: string(ev.Type),
			Data:  ev.DataJSON(),
		}); err != nil {
			h.logger.Warn("event stream write failed",
				zap.String("agent_id", agentID),
				zap.Error(err))
			return false
		}
		return true
	})
}

// CancelTask cancels a running task.
// POST /api/v1/agents/:agentId/cancel/:runId
func (h *Handler) CancelTask(c *gin.Context) {
	agentID := c.Param("agentId")
	runID := c.Param("runId")

	cancelled, err := h.manager.CancelTask(c.Request.Context(), agentID, runID)
	if err != nil {
		respondError(c, err)
		return
	}

	status := "cancelled"
	if !cancelled {
		status = "not_running"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   status,
		"agent_id": agentID,
		"run_id":   runID,
	})
}

// DisposeAgent disposes an agent and its sandbox.
// DELETE /api/v1/agents/:agentId
func (h *Handler) DisposeAgent(c *gin.Context) {
	agentID := c.Param("agentId")

	if err := h.manager.DisposeAgent(c.Request.Context(), agentID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "disposed", "agent_id": agentID})
}

// ListRuns returns the recorded runs for an agent, newest first.
// GET /api/v1/agents/:agentId/runs
func (h *Handler) ListRuns(c *gin.Context) {
	agentID := c.Param("agentId")

	if _, err := h.manager.GetStatus(agentID); err != nil {
		respondError(c, err)
		return
	}

	runs, err := h.runs.ListByAgent(c.Request.Context(), agentID)
	if err != nil {
		respondError(c, apperrors.InternalError("failed to list runs", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "total": len(runs)})
}

// SecurityReport summarises the active security policy.
// GET /api/v1/security/report
func (h *Handler) SecurityReport(c *gin.Context) {
	c.JSON(http.StatusOK, h.policy.Report())
}
