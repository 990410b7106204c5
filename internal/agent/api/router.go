package api

import (
	"github.com/gin-gonic/gin"

	"github.com/scripton/scripton/internal/agent"
	"github.com/scripton/scripton/internal/common/logger"
	"github.com/scripton/scripton/internal/run/repository"
	"github.com/scripton/scripton/internal/security"
)

// SetupRoutes configures the agent manager API routes.
// router should be the /api/v1 group.
func SetupRoutes(
	router *gin.RouterGroup,
	m *agent.Manager,
	policy *security.Policy,
	runs repository.Repository,
	log *logger.Logger,
) {
	handler := NewHandler(m, policy, runs, log)

	agents := router.Group("/agents")
	{
		agents.POST("", handler.CreateAgent)
		agents.GET("", handler.ListAgents)

		// Registered before /:agentId so the static segment wins.
		agents.GET("/health", handler.Health)

		agents.GET("/:agentId", handler.GetAgent)
		agents.DELETE("/:agentId", handler.DisposeAgent)
		agents.POST("/:agentId/tasks", handler.RunTask)
		agents.GET("/:agentId/events", handler.StreamEvents)
		agents.POST("/:agentId/cancel/:runId", handler.CancelTask)
		agents.GET("/:agentId/runs", handler.ListRuns)
	}

	router.GET("/security/report", handler.SecurityReport)
}
