package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/scripton/scripton/internal/common/errors"
	"github.com/scripton/scripton/internal/common/logger"
	"github.com/scripton/scripton/internal/provider"
)

// Handler contains the HTTP handlers for the AI provider API.
type Handler struct {
	registry *provider.Registry
	factory  *provider.Factory
	logger   *logger.Logger
}

// NewHandler creates a new provider API handler.
func NewHandler(registry *provider.Registry, factory *provider.Factory, log *logger.Logger) *Handler {
	return &Handler{
		registry: registry,
		factory:  factory,
		logger:   log.WithFields(zap.String("component", "provider-api")),
	}
}

// respondError maps provider errors onto the API error envelope.
func respondError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	switch {
	case errors.As(err, &appErr):
	default:
		var unknown *provider.UnknownProviderError
		var uninit *provider.NotInitializedError
		switch {
		case errors.As(err, &unknown):
			appErr = apperrors.NotFound("provider", string(unknown.Kind))
		case errors.As(err, &uninit):
			appErr = apperrors.Conflict(uninit.Error())
		default:
			appErr = apperrors.InternalError("internal server error", err)
		}
	}
	c.JSON(appErr.HTTPStatus, appErr)
}

func parseKindParam(c *gin.Context) (provider.Kind, bool) {
	kind, ok := provider.ParseKind(c.Param("kind"))
	if !ok {
		respondError(c, apperrors.BadRequest("unknown provider kind: "+c.Param("kind")))
		return "", false
	}
	return kind, true
}

// ListProviders lists all registered providers with their status.
// GET /api/v1/ai-providers
func (h *Handler) ListProviders(c *gin.Context) {
	info := h.registry.ProvidersInfo(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"providers": info,
		"total":     len(info),
	})
}

// RegisterProvider constructs, registers and initializes a provider.
// POST /api/v1/ai-providers/register
func (h *Handler) RegisterProvider(c *gin.Context) {
	var req RegisterProviderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	kind, ok := provider.ParseKind(req.Provider)
	if !ok {
		respondError(c, apperrors.BadRequest("unknown provider kind: "+req.Provider))
		return
	}

	p, err := h.factory.New(kind, req.Config)
	if err != nil {
		respondError(c, err)
		return
	}
	h.registry.Register(p)

	initErr := p.Initialize(c.Request.Context())
	resp := gin.H{
		"provider":    string(kind),
		"registered":  true,
		"initialized": initErr == nil,
	}
	if initErr != nil {
		h.logger.Warn("provider registered but failed to initialize",
			zap.String("kind", string(kind)),
			zap.Error(initErr))
		resp["error"] = initErr.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// UnregisterProvider removes a provider.
// DELETE /api/v1/ai-providers/:kind
func (h *Handler) UnregisterProvider(c *gin.Context) {
	kind, ok := parseKindParam(c)
	if !ok {
		return
	}
	if err := h.registry.Unregister(c.Request.Context(), kind); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"provider": string(kind), "registered": false})
}

// ProviderStatus returns the health of one provider.
// GET /api/v1/ai-providers/:kind/status
func (h *Handler) ProviderStatus(c *gin.Context) {
	kind, ok := parseKindParam(c)
	if !ok {
		return
	}
	p, err := h.registry.Get(kind)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p.HealthCheck(c.Request.Context()))
}

// ProviderModels lists the models a provider can serve.
// GET /api/v1/ai-providers/:kind/models
func (h *Handler) ProviderModels(c *gin.Context) {
	kind, ok := parseKindParam(c)
	if !ok {
		return
	}
	p, err := h.registry.Get(kind)
	if err != nil {
		respondError(c, err)
		return
	}
	models, err := p.ListModels(c.Request.Context())
	if err != nil {
		respondError(c, apperrors.BackendFailure("failed to list models", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"provider": string(kind),
		"models":   models,
	})
}

// ExecuteTask dispatches a task. With stream=true the response is a raw
// SSE-style stream of "data: <chunk>" lines terminated by "data: [DONE]".
// POST /api/v1/ai-providers/tasks
func (h *Handler) ExecuteTask(c *gin.Context) {
	var req AITaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	kind, ok := provider.ParseKind(req.Provider)
	if !ok {
		respondError(c, apperrors.BadRequest("unknown provider kind: "+req.Provider))
		return
	}

	task := provider.NewTask(kind, req.Prompt, req.Model, req.MaxTokens, req.Temperature, req.Timeout)

	if req.Stream {
		h.streamTask(c, task)
		return
	}

	resp, err := h.registry.ExecuteTask(c.Request.Context(), task)
	if err != nil {
		h.logger.Error("task execution failed",
			zap.String("task_id", task.ID),
			zap.String("provider", string(kind)),
			zap.Error(err))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, AITaskResponse{
		TaskID:       resp.TaskID,
		Status:       string(task.Status),
		Provider:     string(resp.Provider),
		Model:        resp.Model,
		Content:      resp.Content,
		TokensUsed:   resp.TokensUsed,
		FinishReason: resp.FinishReason,
		DurationMS:   resp.DurationMS,
	})
}

func (h *Handler) streamTask(c *gin.Context, task *provider.Task) {
	chunks, err := h.registry.StreamTask(c.Request.Context(), task)
	if err != nil {
		respondError(c, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Task-ID", task.ID)

	c.Stream(func(w io.Writer) bool {
		chunk, ok := <-chunks
		if !ok {
			fmt.Fprint(w, "data: [DONE]\n\n")
			return false
		}
		if chunk.Err != nil {
			fmt.Fprintf(w, "data: {\"error\": %q}\n\n", chunk.Err.Error())
			return true
		}
		if chunk.Content != "" {
			fmt.Fprintf(w, "data: %s\n\n", chunk.Content)
		}
		return true
	})
}

// CancelTask cancels an active task.
// DELETE /api/v1/ai-providers/tasks/:taskId
func (h *Handler) CancelTask(c *gin.Context) {
	taskID := c.Param("taskId")
	if h.registry.CancelTask(c.Request.Context(), taskID) {
		c.JSON(http.StatusOK, gin.H{"task_id": taskID, "status": "cancelled"})
		return
	}
	respondError(c, apperrors.NotFound("task", taskID))
}

// ActiveTasks lists the tasks currently in flight.
// GET /api/v1/ai-providers/tasks
func (h *Handler) ActiveTasks(c *gin.Context) {
	tasks := h.registry.ActiveTasks()
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "total": len(tasks)})
}

// HealthCheckAll probes every registered provider.
// POST /api/v1/ai-providers/health-check
func (h *Handler) HealthCheckAll(c *gin.Context) {
	c.JSON(http.StatusOK, h.registry.HealthCheckAll(c.Request.Context()))
}

// InitializeAll initializes every registered provider, reporting the
// per-kind outcome.
// POST /api/v1/ai-providers/initialize-all
func (h *Handler) InitializeAll(c *gin.Context) {
	results := h.registry.InitializeAll(c.Request.Context())
	out := make(map[string]interface{}, len(results))
	for kind, err := range results {
		if err != nil {
			out[string(kind)] = gin.H{"initialized": false, "error": err.Error()}
		} else {
			out[string(kind)] = gin.H{"initialized": true}
		}
	}
	c.JSON(http.StatusOK, out)
}
