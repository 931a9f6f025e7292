package router

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/sectorpulse/internal/admission"
	"github.com/pscheid92/sectorpulse/internal/broadcast"
	"github.com/pscheid92/sectorpulse/internal/broker"
	"github.com/pscheid92/sectorpulse/internal/domain"
)

// Registry is the subset of the connection registry the router drives.
type Registry interface {
	Connect(conn broadcast.Conn, identity domain.Identity, groups []domain.GroupKey, opts broadcast.ConnectOptions) (broadcast.Connection, error)
	Disconnect(id uuid.UUID, code int, reason string) error
	SetOnDisconnect(fn func(broadcast.Connection))
	Touch(id uuid.UUID)
	UpdateLocation(id uuid.UUID, group domain.GroupKey) (domain.GroupKey, error)
	UpdateTeam(id uuid.UUID, group domain.GroupKey) (domain.GroupKey, error)
	Send(id uuid.UUID, env domain.Envelope) bool
	SendToConnection(identity domain.Identity, env domain.Envelope) bool
	BroadcastToGroup(group domain.GroupKey, env domain.Envelope, exclude ...domain.Identity) int
	Members(group domain.GroupKey) []broadcast.Connection
	ConnectionsOf(identity domain.Identity) []broadcast.Connection
}

// Broker is the subset of the broker bridge the router drives.
type Broker interface {
	Publish(ctx context.Context, channel string, env domain.Envelope) (int64, error)
	Subscribe(ctx context.Context, identity domain.Identity, channels []string, onMessage broker.Handler) (*broker.Subscription, error)
	UnsubscribeIdentity(identity domain.Identity)
}

// Options configures the broker channels the instance listens on.
type Options struct {
	InstanceID   string
	TradingTypes []string
	AITypes      []string
}

type session struct {
	profile domain.Profile
	markets map[string]*broker.Subscription
}

// Router dispatches inbound messages and fans out domain events.
type Router struct {
	registry Registry
	broker   Broker
	messages *admission.Controller
	clock    clockwork.Clock
	opts     Options
	handlers map[string]HandlerFunc

	mu          sync.Mutex
	sessions    map[uuid.UUID]*session
	instanceSub *broker.Subscription
	stopping    atomic.Bool
}

// New creates a router and installs its cleanup as the registry disconnect hook.
// messages throttles inbound messages per class; see admission.MessageRules.
func New(registry Registry, b Broker, messages *admission.Controller, clock clockwork.Clock, opts Options) *Router {
	r := &Router{
		registry: registry,
		broker:   b,
		messages: messages,
		clock:    clock,
		opts:     opts,
		sessions: make(map[uuid.UUID]*session),
	}
	r.handlers = r.builtinHandlers()
	registry.SetOnDisconnect(r.handleDisconnect)
	return r
}

// Handle registers or replaces the handler for an inbound message type.
func (r *Router) Handle(msgType string, h HandlerFunc) {
	r.handlers[msgType] = h
}

// InstanceChannels returns the channels every instance listens on.
func (r *Router) InstanceChannels() []string {
	channels := []string{broker.SystemChannel}
	for _, t := range r.opts.TradingTypes {
		channels = append(channels, broker.TradingChannel(t))
	}
	for _, s := range r.opts.AITypes {
		channels = append(channels, broker.AIChannel(s))
	}
	return channels
}

// Start subscribes this instance to the system, trading and AI channels.
// A broker outage is logged; the subscription becomes live once it reconnects.
func (r *Router) Start(ctx context.Context) error {
	identity := domain.InstanceIdentity(r.opts.InstanceID)
	sub, err := r.broker.Subscribe(ctx, identity, r.InstanceChannels(), r.handleRemote)
	if sub == nil {
		return fmt.Errorf("failed to subscribe instance channels: %w", err)
	}
	if err != nil {
		slog.WarnContext(ctx, "Instance subscription degraded", "error", err)
	}

	r.mu.Lock()
	r.instanceSub = sub
	r.mu.Unlock()
	slog.InfoContext(ctx, "Router started", "instance_id", r.opts.InstanceID, "channels", len(sub.Channels()))
	return nil
}

// Stop drops the instance subscription. Disconnects after Stop no longer
// announce departures.
func (r *Router) Stop() {
	r.stopping.Store(true)
	r.mu.Lock()
	sub := r.instanceSub
	r.instanceSub = nil
	r.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

// handleRemote delivers envelopes published by other instances to local connections.
func (r *Router) handleRemote(channel string, env domain.Envelope) {
	if env.Origin == r.opts.InstanceID {
		return
	}
	kind, _, err := broker.ParseChannel(channel)
	if err != nil || kind == domain.EventKindMarket {
		slog.Warn("Ignoring remote event on unexpected channel", "channel", channel, "type", env.Type, "error", err)
		return
	}
	delivered := r.deliverLocal(env)
	slog.Debug("Delivered remote event", "channel", channel, "kind", kind, "type", env.Type, "origin", env.Origin, "delivered", delivered)
}

// profileOf returns a copy of the session profile.
func (r *Router) profileOf(id uuid.UUID) (domain.Profile, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return domain.Profile{}, false
	}
	return s.profile, true
}

// PlayerInfo describes a locally connected player.
type PlayerInfo struct {
	Identity     domain.Identity `json:"identity"`
	PlayerID     string          `json:"player_id"`
	Username     string          `json:"username"`
	ConnectionID uuid.UUID       `json:"connection_id"`
	Admin        bool            `json:"admin"`
}

// Players lists the locally connected players in group.
func (r *Router) Players(group domain.GroupKey) []PlayerInfo {
	members := r.registry.Members(group)

	r.mu.Lock()
	defer r.mu.Unlock()
	players := make([]PlayerInfo, 0, len(members))
	for _, c := range members {
		info := PlayerInfo{Identity: c.Identity, ConnectionID: c.ID, Admin: c.Admin}
		if s, ok := r.sessions[c.ID]; ok {
			info.PlayerID = s.profile.PlayerID
			info.Username = s.profile.Username
		}
		players = append(players, info)
	}
	return players
}

// Stats describes the router's local state.
type Stats struct {
	Sessions         int      `json:"sessions"`
	MarketSessions   int      `json:"market_sessions"`
	InstanceChannels []string `json:"instance_channels"`
}

func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := Stats{Sessions: len(r.sessions)}
	for _, s := range r.sessions {
		if len(s.markets) > 0 {
			stats.MarketSessions++
		}
	}
	if r.instanceSub != nil {
		stats.InstanceChannels = r.instanceSub.Channels()
	}
	return stats
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
