package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"backupflow/backend/internal/problems"
	"backupflow/backend/pkg/models"
)

// ValidationResult describes an accepted definition.
type ValidationResult struct {
	Valid        bool     `json:"valid"`
	StartingStep string   `json:"starting_step"`
	Order        []string `json:"order"`
	Terminal     []string `json:"terminal"`
}

func bindPipeline(c echo.Context) (*models.Pipeline, error) {
	var p models.Pipeline
	if err := c.Bind(&p); err != nil {
		return nil, problems.Wrap(problems.InvalidDefinition, err, "invalid request body")
	}
	return &p, nil
}

// ValidatePipeline checks a definition without storing it
// (POST /api/v1/pipelines/validate)
func (s *Server) ValidatePipeline(c echo.Context) error {
	p, err := bindPipeline(c)
	if err != nil {
		return err
	}
	g, err := s.svc.ValidatePipeline(c.Request().Context(), p)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ValidationResult{
		Valid:        true,
		StartingStep: g.Start,
		Order:        g.Order,
		Terminal:     g.Terminal(),
	})
}

// PutPipeline creates or replaces a pipeline
// (PUT /api/v1/pipelines)
func (s *Server) PutPipeline(c echo.Context) error {
	p, err := bindPipeline(c)
	if err != nil {
		return err
	}
	view, err := s.svc.SavePipeline(c.Request().Context(), p)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

// ListPipelines returns every pipeline with its metadata
// (GET /api/v1/pipelines)
func (s *Server) ListPipelines(c echo.Context) error {
	views, err := s.svc.ListPipelines(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, views)
}

// GetPipeline (GET /api/v1/pipelines/:id)
func (s *Server) GetPipeline(c echo.Context) error {
	view, err := s.svc.GetPipeline(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

// StartExecution starts a run of a stored pipeline and answers before it
// finishes
// (POST /api/v1/pipelines/:id/executions)
func (s *Server) StartExecution(c echo.Context) error {
	exec, err := s.svc.StartExecution(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderLocation, "/api/v1/executions/"+exec.ID)
	return c.JSON(http.StatusAccepted, exec)
}

// ListExecutions (GET /api/v1/pipelines/:id/executions)
func (s *Server) ListExecutions(c echo.Context) error {
	execs, err := s.svc.ListExecutions(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, execs)
}
