package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/sectorpulse/internal/admission"
	"github.com/pscheid92/sectorpulse/internal/broadcast"
	"github.com/pscheid92/sectorpulse/internal/broker"
	"github.com/pscheid92/sectorpulse/internal/domain"
	apperrors "github.com/pscheid92/sectorpulse/internal/platform/errors"
	"github.com/pscheid92/sectorpulse/internal/router"
)

const maxBroadcastLength = 2000

// StatsResponse is the admin connection-statistics snapshot.
type StatsResponse struct {
	InstanceID  string                `json:"instance_id"`
	Timestamp   time.Time             `json:"timestamp"`
	Registry    broadcast.Stats       `json:"registry"`
	Router      router.Stats          `json:"router"`
	Broker      broker.Stats          `json:"broker"`
	Admission   admission.Stats       `json:"admission"`
	Messages    admission.Stats       `json:"messages"`
	Connections ConnectionLimitStats  `json:"connections"`
	Instances   []broker.InstanceInfo `json:"instances,omitempty"`
}

type ConnectionLimitStats struct {
	Current   int64 `json:"current"`
	Max       int64 `json:"max"`
	UniqueIPs int   `json:"unique_ips"`
}

type broadcastRequest struct {
	TargetType string `json:"target_type"`
	TargetID   string `json:"target_id"`
	Message    string `json:"message"`
	Priority   string `json:"priority"`
}

func (s *Server) registerAdminRoutes() {
	g := s.echo.Group("/api/v1/admin/ws", s.requireAdmin)
	g.GET("/stats", s.handleStats)
	g.GET("/locations/:id/players", s.handleLocationPlayers)
	g.GET("/teams/:id/players", s.handleTeamPlayers)
	g.GET("/players/:identity/channels", s.handlePlayerChannels)
	g.POST("/broadcast", s.handleBroadcast)
}

// handleStats collapses concurrent requests into one snapshot.
func (s *Server) handleStats(c echo.Context) error {
	ctx := c.Request().Context()

	v, err, _ := s.statsGroup.Do("stats", func() (any, error) {
		return s.collectStats(ctx)
	})
	if err != nil {
		return apperrors.InternalError("failed to collect stats", err)
	}

	if err := c.JSON(http.StatusOK, v); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) collectStats(ctx context.Context) (StatsResponse, error) {
	limits := s.deps.Limits
	resp := StatsResponse{
		InstanceID: s.config.InstanceID,
		Timestamp:  s.deps.Clock.Now().UTC(),
		Registry:   s.deps.Registry.Stats(),
		Router:     s.deps.Router.Stats(),
		Broker:     s.deps.Broker.Stats(),
		Admission:  s.deps.Admission.Stats(),
		Messages:   s.deps.Messages.Stats(),
		Connections: ConnectionLimitStats{
			Current:   limits.Global().Current(),
			Max:       limits.Global().Max(),
			UniqueIPs: limits.PerIP().UniqueIPs(),
		},
	}

	if s.deps.Instances != nil {
		instances, err := s.deps.Instances.ActiveInstances(ctx)
		if err != nil {
			return StatsResponse{}, fmt.Errorf("failed to list instances: %w", err)
		}
		resp.Instances = instances
	}
	return resp, nil
}

func (s *Server) handleLocationPlayers(c echo.Context) error {
	return s.writePlayers(c, "location", domain.LocationGroup(c.Param("id")))
}

func (s *Server) handleTeamPlayers(c echo.Context) error {
	return s.writePlayers(c, "team", domain.TeamGroup(c.Param("id")))
}

func (s *Server) writePlayers(c echo.Context, kind string, group domain.GroupKey) error {
	if group.ID() == "" {
		return apperrors.ValidationError(kind + " id is required")
	}

	players := s.deps.Router.Players(group)
	response := map[string]any{
		kind:      group.ID(),
		"players": players,
		"count":   len(players),
	}
	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

// handlePlayerChannels lists the broker channels held on this instance for one identity.
func (s *Server) handlePlayerChannels(c echo.Context) error {
	identity := identityParam(c)
	channels := s.deps.Broker.IdentityChannels(identity)
	if channels == nil {
		channels = []string{}
	}

	response := map[string]any{
		"identity": identity,
		"channels": channels,
	}
	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleBroadcast(c echo.Context) error {
	var req broadcastRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}
	if req.Message == "" {
		return apperrors.ValidationError("message is required")
	}
	if len(req.Message) > maxBroadcastLength {
		return apperrors.ValidationError("message is too long").WithContext("max_length", maxBroadcastLength)
	}

	scope, err := domain.ScopeGroup(req.TargetType, req.TargetID)
	if err != nil {
		return apperrors.ValidationError(err.Error())
	}

	sender := "admin"
	if profile, ok := c.Get(profileContextKey).(domain.Profile); ok && profile.Username != "" {
		sender = profile.Username
	}

	result, err := s.deps.Router.AdminBroadcast(c.Request().Context(), scope, req.Message, req.Priority, sender)
	if err != nil {
		return err
	}

	response := map[string]any{
		"status":    "sent",
		"scope":     scope,
		"delivered": result.Delivered,
		"receivers": result.Receivers,
		"degraded":  result.Degraded,
	}
	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}
