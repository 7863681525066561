package api

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"backupflow/backend/internal/metadata"
	"backupflow/backend/pkg/models"
)

// pathKinds maps the collection segment of a toggle route to its kind.
var pathKinds = map[string]models.EntityKind{
	"pipelines":             models.KindPipeline,
	"schedules":             models.KindSchedule,
	"notification-policies": models.KindNotificationPolicy,
}

// ActiveRequest is the body of a toggle.
type ActiveRequest struct {
	Active *bool `json:"active"`
}

// ListSchedules (GET /api/v1/schedules)
func (s *Server) ListSchedules(c echo.Context) error {
	views, err := s.svc.ListSchedules(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, views)
}

// ListNotificationPolicies (GET /api/v1/notification-policies)
func (s *Server) ListNotificationPolicies(c echo.Context) error {
	views, err := s.svc.ListNotificationPolicies(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, views)
}

// SetActive toggles the active flag of a pipeline, schedule or policy
// (PUT /api/v1/:kind/:id/active)
func (s *Server) SetActive(c echo.Context) error {
	kind, ok := pathKinds[c.Param("kind")]
	if !ok {
		return fmt.Errorf("%w: %q", metadata.ErrUnknownKind, c.Param("kind"))
	}
	var req ActiveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if req.Active == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "active is required")
	}

	m, err := s.svc.SetActive(c.Request().Context(), kind, c.Param("id"), *req.Active)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, m)
}
