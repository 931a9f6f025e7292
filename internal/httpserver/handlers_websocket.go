package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/sectorpulse/internal/auth"
	"github.com/pscheid92/sectorpulse/internal/broadcast"
	"github.com/pscheid92/sectorpulse/internal/domain"
	"github.com/pscheid92/sectorpulse/internal/metrics"
	apperrors "github.com/pscheid92/sectorpulse/internal/platform/errors"
)

const (
	maxInboundMessageSize = 64 * 1024
	closeWriteTimeout     = time.Second
)

func (s *Server) registerWebSocketRoutes() {
	s.echo.GET("/ws/connect", s.handlePlayerSocket)
	s.echo.GET("/ws/admin", s.handleAdminSocket)
}

func (s *Server) handlePlayerSocket(c echo.Context) error { return s.serveSocket(c, false) }

func (s *Server) handleAdminSocket(c echo.Context) error { return s.serveSocket(c, true) }

// serveSocket upgrades the request, authenticates the credential and runs the
// read loop until the socket closes. Authentication failures close the socket
// with the close code of the failure reason.
func (s *Server) serveSocket(c echo.Context, admin bool) error {
	ip := c.RealIP()
	if ok, reason := s.deps.Limits.Acquire(ip); !ok {
		metrics.WebSocketConnectionsRejected.WithLabelValues(string(reason)).Inc()
		metrics.WebSocketConnectionsTotal.WithLabelValues("rejected").Inc()
		return apperrors.RateLimitedError("too many connections", nil).WithContext("reason", string(reason))
	}
	defer s.deps.Limits.Release(ip)

	credential := auth.CredentialFromRequest(c.Request())

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		metrics.WebSocketConnectionsTotal.WithLabelValues("error").Inc()
		slog.DebugContext(c.Request().Context(), "WebSocket upgrade failed", "remote_addr", ip, "error", err)
		return nil
	}
	conn.SetReadLimit(maxInboundMessageSize)

	ctx := c.Request().Context()
	profile, err := s.authenticate(ctx, credential, admin)
	if err != nil {
		code, reason := closeCodeFor(err)
		metrics.WebSocketConnectionsTotal.WithLabelValues("auth_failed").Inc()
		slog.WarnContext(ctx, "WebSocket authentication failed", "reason", reason, "remote_addr", ip, "admin", admin)
		closeSocket(conn, code, reason)
		return nil
	}

	connection, err := s.deps.Router.Open(ctx, conn, profile, admin)
	if err != nil {
		metrics.WebSocketConnectionsTotal.WithLabelValues("error").Inc()
		slog.ErrorContext(ctx, "Failed to open connection", "identity", profile.Identity, "error", err)
		closeSocket(conn, broadcast.CloseConnectionError, "registration failed")
		return nil
	}
	metrics.WebSocketConnectionsTotal.WithLabelValues("success").Inc()
	slog.InfoContext(ctx, "WebSocket connected", "identity", profile.Identity, "connection_id", connection.ID, "admin", admin)

	defer func() {
		s.deps.Router.Close(ctx, connection.ID)
		s.deps.Frames.Release(profile.Identity)
		slog.InfoContext(ctx, "WebSocket disconnected", "identity", profile.Identity, "connection_id", connection.ID)
	}()

	s.readLoop(ctx, conn, connection, profile.Identity)
	return nil
}

func (s *Server) authenticate(ctx context.Context, credential string, admin bool) (domain.Profile, error) {
	profile, err := s.deps.Resolver.Resolve(ctx, credential)
	if err != nil {
		return domain.Profile{}, err
	}
	if admin {
		if err := auth.RequireAdmin(profile); err != nil {
			return domain.Profile{}, err
		}
	}
	return profile, nil
}

// readLoop feeds inbound frames to the router until the socket fails or closes.
// Frames over the per-connection rate are dropped.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, connection broadcast.Connection, identity domain.Identity) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.DebugContext(ctx, "WebSocket read failed", "connection_id", connection.ID, "error", err)
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		if !s.deps.Frames.Allow(identity) {
			metrics.WebSocketFramesThrottled.Inc()
			continue
		}
		s.deps.Router.HandleInbound(ctx, connection.ID, data)
	}
}

func closeCodeFor(err error) (int, string) {
	var authErr *domain.AuthError
	if errors.As(err, &authErr) {
		return broadcast.CloseCodeFor(authErr.Reason), string(authErr.Reason)
	}
	return broadcast.CloseConnectionError, "connection error"
}

func closeSocket(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
	_ = conn.Close()
}
