package httpserver

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/sectorpulse/internal/domain"
	apperrors "github.com/pscheid92/sectorpulse/internal/platform/errors"
)

type locationRequest struct {
	Location string `json:"location"`
}

type teamRequest struct {
	Team string `json:"team"`
}

// registerInternalRoutes exposes the producer API used by game services.
func (s *Server) registerInternalRoutes() {
	g := s.echo.Group("/api/v1/internal", s.requireAdmin)
	g.POST("/events", s.handleEmitEvent)
	g.POST("/players/:identity/location", s.handleMovePlayer)
	g.POST("/players/:identity/team", s.handleChangeTeam)
}

func (s *Server) handleEmitEvent(c echo.Context) error {
	var event domain.DomainEvent
	if err := c.Bind(&event); err != nil {
		return apperrors.ValidationError("invalid request body")
	}

	result, err := s.deps.Router.Emit(c.Request().Context(), event)
	if err != nil {
		return err
	}

	if err := c.JSON(http.StatusAccepted, result); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleMovePlayer(c echo.Context) error {
	var req locationRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}

	identity := identityParam(c)
	if err := s.deps.Router.MovePlayer(c.Request().Context(), identity, req.Location); err != nil {
		return err
	}

	if err := c.JSON(http.StatusOK, map[string]string{"status": "ok", "identity": string(identity), "location": req.Location}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleChangeTeam(c echo.Context) error {
	var req teamRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}

	identity := identityParam(c)
	if err := s.deps.Router.ChangeTeam(c.Request().Context(), identity, req.Team); err != nil {
		return err
	}

	if err := c.JSON(http.StatusOK, map[string]string{"status": "ok", "identity": string(identity), "team": req.Team}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

// identityParam accepts both "user:42" and a bare player id.
func identityParam(c echo.Context) domain.Identity {
	raw := c.Param("identity")
	if strings.Contains(raw, ":") {
		return domain.Identity(raw)
	}
	return domain.UserIdentity(raw)
}
