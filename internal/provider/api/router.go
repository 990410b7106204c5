package api

import (
	"github.com/gin-gonic/gin"

	"github.com/scripton/scripton/internal/common/logger"
	"github.com/scripton/scripton/internal/provider"
)

// SetupRoutes configures the AI provider API routes.
// router should be the /api/v1 group.
func SetupRoutes(
	router *gin.RouterGroup,
	registry *provider.Registry,
	factory *provider.Factory,
	log *logger.Logger,
) {
	handler := NewHandler(registry, factory, log)

	providers := router.Group("/ai-providers")
	{
		providers.GET("", handler.ListProviders)
		providers.POST("/register", handler.RegisterProvider)
		providers.POST("/health-check", handler.HealthCheckAll)
		providers.POST("/initialize-all", handler.InitializeAll)

		providers.GET("/tasks", handler.ActiveTasks)
		providers.POST("/tasks", handler.ExecuteTask)
		providers.DELETE("/tasks/:taskId", handler.CancelTask)

		providers.DELETE("/:kind", handler.UnregisterProvider)
		providers.GET("/:kind/status", handler.ProviderStatus)
		providers.GET("/:kind/models", handler.ProviderModels)
	}
}
