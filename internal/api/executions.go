package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// GetExecution (GET /api/v1/executions/:id)
func (s *Server) GetExecution(c echo.Context) error {
	exec, err := s.svc.GetExecutionStatus(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, exec)
}

// CancelExecution requests cancellation and returns the current record
// (POST /api/v1/executions/:id/cancel)
func (s *Server) CancelExecution(c echo.Context) error {
	exec, err := s.svc.CancelExecution(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, exec)
}

// GetExecutionMeta returns the lineage document of a finished execution
// (GET /api/v1/executions/:id/meta)
func (s *Server) GetExecutionMeta(c echo.Context) error {
	doc, err := s.svc.ExecutionMeta(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, doc)
}
