package api

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"backupflow/backend/internal/auth"
)

// RegisterHandlers mounts the health and metrics endpoints on e and the
// authenticated API under /api/v1.
func RegisterHandlers(e *echo.Echo, s *Server, authz *auth.Auth) {
	e.GET("/health", s.HandleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	g := e.Group("/api/v1", authz.RequireAuth)
	read := auth.RequireScope(auth.ScopeRead)
	write := auth.RequireScope(auth.ScopeWrite)

	g.POST("/pipelines/validate", s.ValidatePipeline, read)
	g.PUT("/pipelines", s.PutPipeline, write)
	g.GET("/pipelines", s.ListPipelines, read)
	g.GET("/pipelines/:id", s.GetPipeline, read)
	g.POST("/pipelines/:id/executions", s.StartExecution, write)
	g.GET("/pipelines/:id/executions", s.ListExecutions, read)

	g.GET("/executions/:id", s.GetExecution, read)
	g.POST("/executions/:id/cancel", s.CancelExecution, write)
	g.GET("/executions/:id/meta", s.GetExecutionMeta, read)

	g.GET("/schedules", s.ListSchedules, read)
	g.GET("/notification-policies", s.ListNotificationPolicies, read)
	g.PUT("/:kind/:id/active", s.SetActive, write)
}
