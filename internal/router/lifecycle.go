package router

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/pscheid92/sectorpulse/internal/broadcast"
	"github.com/pscheid92/sectorpulse/internal/broker"
	"github.com/pscheid92/sectorpulse/internal/domain"
)

// Open registers an authenticated socket and announces the player at their location.
// The connection_established snapshot is always the first message on the socket.
// admin marks a connection from the admin endpoint.
func (r *Router) Open(ctx context.Context, conn broadcast.Conn, profile domain.Profile, admin bool) (broadcast.Connection, error) {
	groups := profile.Groups()
	if !admin {
		groups = withoutGroup(groups, domain.AdminGroup)
	}

	snapshot := domain.NewEnvelope(domain.TypeConnectionEstablished, r.clock.Now(), map[string]any{
		"identity":    string(profile.Identity),
		"player_id":   profile.PlayerID,
		"username":    profile.Username,
		"location":    profile.Location,
		"team":        profile.Team,
		"resources":   profile.Resources,
		"admin":       admin,
		"instance_id": r.opts.InstanceID,
		"rate_limits": r.messages.Rules().Rules(),
	})

	// The session exists before the connection is visible so a disconnect in
	// between always finds and removes it.
	id := uuid.New()
	s := &session{profile: profile, markets: make(map[string]*broker.Subscription)}
	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	c, err := r.registry.Connect(conn, profile.Identity, groups, broadcast.ConnectOptions{ID: id, Admin: admin, Initial: &snapshot})
	if err != nil {
		r.mu.Lock()
		delete(r.sessions, id)
		r.mu.Unlock()
		return broadcast.Connection{}, fmt.Errorf("failed to register connection: %w", err)
	}

	r.mu.Lock()
	_, live := r.sessions[id]
	r.mu.Unlock()
	if !live {
		return c, nil
	}

	if !admin && profile.Location != "" {
		r.announce(ctx, domain.TypePlayerEnteredLocation, domain.LocationGroup(profile.Location), profile)
	}
	return c, nil
}

// Close disconnects id normally. Cleanup runs in the registry disconnect hook.
func (r *Router) Close(ctx context.Context, id uuid.UUID) {
	if err := r.registry.Disconnect(id, broadcast.CloseNormal, "connection closed"); err != nil {
		slog.WarnContext(ctx, "Disconnect failed", "connection_id", id, "error", err)
	}
}

// handleDisconnect is the registry hook; it runs once per connection whatever the cause.
func (r *Router) handleDisconnect(c broadcast.Connection) {
	r.mu.Lock()
	s, ok := r.sessions[c.ID]
	delete(r.sessions, c.ID)
	r.mu.Unlock()

	if ok {
		for _, sub := range s.markets {
			sub.Close()
		}
	}
	if len(r.registry.ConnectionsOf(c.Identity)) == 0 {
		r.broker.UnsubscribeIdentity(c.Identity)
	}

	if !ok || c.Admin || r.stopping.Load() {
		return
	}
	for _, g := range c.Groups {
		if g.Kind() == domain.GroupKindLocation {
			r.announce(context.Background(), domain.TypePlayerLeftLocation, g, s.profile)
		}
	}
}

// MovePlayer moves every player connection of identity to location and tells
// both the old and the new location.
func (r *Router) MovePlayer(ctx context.Context, identity domain.Identity, location string) error {
	if location == "" {
		return fmt.Errorf("%w: location is required", domain.ErrMalformedMessage)
	}
	target := domain.LocationGroup(location)

	conns := r.playerConnections(identity)
	if len(conns) == 0 {
		return fmt.Errorf("%w: %s", domain.ErrConnectionNotFound, identity)
	}

	for _, c := range conns {
		previous, err := r.registry.UpdateLocation(c.ID, target)
		if err != nil {
			return fmt.Errorf("failed to move %s: %w", identity, err)
		}
		profile, ok := r.updateProfile(c.ID, func(p *domain.Profile) { p.Location = location })
		if !ok {
			continue
		}
		if previous == target {
			continue
		}
		if previous != "" {
			r.announce(ctx, domain.TypePlayerLeftLocation, previous, profile)
		}
		r.announce(ctx, domain.TypePlayerEnteredLocation, target, profile)

		others := r.othersIn(target, identity)
		r.registry.Send(c.ID, domain.NewEnvelope(domain.TypeLocationEntered, r.clock.Now(), map[string]any{
			"location":          location,
			"previous_location": previous.ID(),
			"players":           others,
		}))
	}
	return nil
}

// ChangeTeam moves every player connection of identity to team. An empty team
// leaves the current one.
func (r *Router) ChangeTeam(ctx context.Context, identity domain.Identity, team string) error {
	var target domain.GroupKey
	if team != "" {
		target = domain.TeamGroup(team)
	}

	conns := r.playerConnections(identity)
	if len(conns) == 0 {
		return fmt.Errorf("%w: %s", domain.ErrConnectionNotFound, identity)
	}

	for _, c := range conns {
		previous, err := r.registry.UpdateTeam(c.ID, target)
		if err != nil {
			return fmt.Errorf("failed to change team of %s: %w", identity, err)
		}
		if _, ok := r.updateProfile(c.ID, func(p *domain.Profile) { p.Team = team }); !ok {
			continue
		}
		r.registry.Send(c.ID, domain.NewEnvelope(domain.TypeTeamChanged, r.clock.Now(), map[string]any{
			"team":          team,
			"previous_team": previous.ID(),
		}))
	}
	slog.DebugContext(ctx, "Player changed team", "identity", identity, "team", team)
	return nil
}

// announce emits a presence event to group on behalf of profile, excluding the player.
func (r *Router) announce(ctx context.Context, msgType string, group domain.GroupKey, profile domain.Profile) {
	_, err := r.Emit(ctx, domain.DomainEvent{
		Kind:  domain.EventKindSystem,
		Type:  msgType,
		Scope: group,
		Payload: map[string]any{
			keySender:   string(profile.Identity),
			"player_id": profile.PlayerID,
			"username":  profile.Username,
			"location":  group.ID(),
		},
	})
	if err != nil {
		slog.WarnContext(ctx, "Failed to announce presence", "type", msgType, "group", group, "error", err)
	}
}

func (r *Router) playerConnections(identity domain.Identity) []broadcast.Connection {
	var out []broadcast.Connection
	for _, c := range r.registry.ConnectionsOf(identity) {
		if !c.Admin {
			out = append(out, c)
		}
	}
	return out
}

func (r *Router) updateProfile(id uuid.UUID, update func(*domain.Profile)) (domain.Profile, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return domain.Profile{}, false
	}
	update(&s.profile)
	return s.profile, true
}

// othersIn lists the non-admin players in group other than identity.
func (r *Router) othersIn(group domain.GroupKey, identity domain.Identity) []PlayerInfo {
	var out []PlayerInfo
	for _, p := range r.Players(group) {
		if p.Admin || p.Identity == identity {
			continue
		}
		out = append(out, p)
	}
	if out == nil {
		out = []PlayerInfo{}
	}
	return out
}

func withoutGroup(groups []domain.GroupKey, drop domain.GroupKey) []domain.GroupKey {
	out := groups[:0]
	for _, g := range groups {
		if g != drop {
			out = append(out, g)
		}
	}
	return out
}
