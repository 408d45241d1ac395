package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// listNotificationsHandler handles GET /notifications.
func (s *Server) listNotificationsHandler(c *echo.Context) error {
	items, err := s.notifications.List(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, items)
}

// dismissNotificationHandler handles DELETE /notifications/:id.
func (s *Server) dismissNotificationHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return badRequest("id", "notification id is required")
	}

	if err := s.notifications.Dismiss(c.Request().Context(), id); err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, &DismissalResponse{Dismissed: 1})
}

// dismissAllNotificationsHandler handles DELETE /notifications.
func (s *Server) dismissAllNotificationsHandler(c *echo.Context) error {
	count, err := s.notifications.DismissAll(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, &DismissalResponse{Dismissed: count})
}
