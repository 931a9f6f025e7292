package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/sectorpulse/internal/admission"
	"github.com/pscheid92/sectorpulse/internal/auth"
	"github.com/pscheid92/sectorpulse/internal/broadcast"
	"github.com/pscheid92/sectorpulse/internal/broker"
	"github.com/pscheid92/sectorpulse/internal/domain"
	"github.com/pscheid92/sectorpulse/internal/platform/config"
	"github.com/pscheid92/sectorpulse/internal/router"
	"golang.org/x/sync/singleflight"
)

type eventRouter interface {
	Open(ctx context.Context, conn broadcast.Conn, profile domain.Profile, admin bool) (broadcast.Connection, error)
	Close(ctx context.Context, id uuid.UUID)
	HandleInbound(ctx context.Context, id uuid.UUID, data []byte)
	Emit(ctx context.Context, event domain.DomainEvent) (router.EmitResult, error)
	AdminBroadcast(ctx context.Context, scope domain.GroupKey, message, priority, sender string) (router.EmitResult, error)
	MovePlayer(ctx context.Context, identity domain.Identity, location string) error
	ChangeTeam(ctx context.Context, identity domain.Identity, team string) error
	Players(group domain.GroupKey) []router.PlayerInfo
	Stats() router.Stats
}

type registryStats interface {
	Stats() broadcast.Stats
}

type brokerStats interface {
	Stats() broker.Stats
	IdentityChannels(identity domain.Identity) []string
}

type instanceLister interface {
	ActiveInstances(ctx context.Context) ([]broker.InstanceInfo, error)
}

// Dependencies are the collaborators the HTTP surface serves.
type Dependencies struct {
	Router    eventRouter
	Registry  registryStats
	Broker    brokerStats
	Instances instanceLister // optional
	Resolver  auth.Resolver

	Admission *admission.Controller
	Messages  *admission.Controller
	Limits    *admission.ConnectionLimits
	Frames    *admission.MessageLimiter

	Clock        clockwork.Clock
	HealthChecks []HealthCheck
}

type Server struct {
	echo   *echo.Echo
	config *config.Config
	deps   Dependencies

	upgrader   websocket.Upgrader
	statsGroup singleflight.Group
	startTime  time.Time
}

func NewServer(cfg *config.Config, deps Dependencies) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:   e,
		config: cfg,
		deps:   deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     NewCheckOrigin(cfg.Origins(), cfg.AppEnv == "development"),
		},
		startTime: deps.Clock.Now(),
	}

	srv.registerRoutes()

	return srv
}

// Handler exposes the echo instance, mainly for tests.
func (s *Server) Handler() *echo.Echo { return s.echo }

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}
