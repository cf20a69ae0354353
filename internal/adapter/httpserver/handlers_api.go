package httpserver

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/maddy1092/ottu-ws/internal/domain"
	apperrors "github.com/maddy1092/ottu-ws/internal/platform/errors"
)

const maxEventBody = "128K"

type broadcastResponse struct {
	Targets []domain.Target `json:"targets"`
	Count   int             `json:"count"`
}

func (s *Server) registerAPIRoutes() {
	s.echo.POST("/api/events", s.handleEvent, middleware.BodyLimit(maxEventBody))
}

// handleEvent accepts a backend envelope over HTTP and broadcasts it exactly
// like one received on a socket.
func (s *Server) handleEvent(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) {
			return httpErr
		}
		return apperrors.ValidationError("failed to read request body")
	}
	if len(body) == 0 {
		return apperrors.ValidationError("empty request body")
	}

	targets, err := s.broadcaster.Broadcast(c.Request().Context(), body)
	if err != nil {
		return err
	}
	if targets == nil {
		targets = []domain.Target{}
	}

	if err := c.JSON(http.StatusOK, broadcastResponse{Targets: targets, Count: len(targets)}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}
