// Package api contains the HTTP handlers for the backup pipeline service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"backupflow/backend/internal/metadata"
	"backupflow/backend/internal/problems"
	"backupflow/backend/internal/repository"
	"backupflow/backend/internal/services"
	"backupflow/backend/pkg/models"
)

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

const problemContentType = "application/problem+json"

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the dependencies for the API handlers.
type Server struct {
	svc    *services.PipelineService
	db     Pinger
	logger Logger
}

// NewServer creates a new Server.
func NewServer(svc *services.PipelineService, db Pinger, logger Logger) *Server {
	return &Server{svc: svc, db: db, logger: logger}
}

// Version is reported by the health endpoint.
var Version = "dev"

// HandleHealth reports liveness and database reachability
// (GET /health)
func (s *Server) HandleHealth(c echo.Context) error {
	status := models.HealthStatus{
		Status:    "ok",
		Service:   "backupflow",
		Version:   Version,
		Timestamp: time.Now().UTC(),
		Checks:    map[string]string{"database": "ok"},
	}
	code := http.StatusOK
	if err := s.db.Ping(c.Request().Context()); err != nil {
		s.logger.Error("health check failed", "error", err)
		status.Status = "degraded"
		status.Checks["database"] = "unreachable"
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// ErrorHandler renders every handler error as an RFC 7807 problem document.
func ErrorHandler(logger Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		problem := toProblem(err)
		problem.Instance = c.Request().URL.Path
		if problem.Status >= http.StatusInternalServerError {
			logger.Error("request failed", "method", c.Request().Method, "path", c.Path(), "error", err)
		}
		if werr := writeProblem(c, problem); werr != nil {
			logger.Error("failed to write problem response", "error", werr)
		}
	}
}

func toProblem(err error) models.ProblemDetails {
	if _, ok := problems.KindOf(err); ok {
		return problems.ToDetails(err)
	}

	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		p := plainProblem(he.Code)
		if msg, ok := he.Message.(string); ok && msg != http.StatusText(he.Code) {
			p.Detail = msg
		}
		return p
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, metadata.ErrUnknownKind):
		p := plainProblem(http.StatusNotFound)
		p.Detail = err.Error()
		return p
	default:
		return problems.ToDetails(err)
	}
}

func plainProblem(status int) models.ProblemDetails {
	return models.ProblemDetails{
		Type:   "about:blank",
		Title:  http.StatusText(status),
		Status: status,
	}
}

// writeProblem writes an RFC 7807 Problem Details JSON error response
func writeProblem(c echo.Context, p models.ProblemDetails) error {
	if c.Request().Method == http.MethodHead {
		return c.NoContent(p.Status)
	}
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return c.Blob(p.Status, problemContentType, body)
}
