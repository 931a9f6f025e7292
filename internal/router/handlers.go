package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pscheid92/sectorpulse/internal/admission"
	"github.com/pscheid92/sectorpulse/internal/broker"
	"github.com/pscheid92/sectorpulse/internal/domain"
	"github.com/pscheid92/sectorpulse/internal/metrics"
)

// Error codes sent in error replies.
const (
	CodeMalformedMessage = "malformed_message"
	CodeUnknownType      = "unknown_type"
	CodeRateLimited      = "rate_limited"
	CodeHandlerError     = "handler_error"
)

// Inbound message types.
const (
	MsgHeartbeat              = "heartbeat"
	MsgChatMessage            = "chat_message"
	MsgRequestLocationPlayers = "request_location_players"
	MsgRequestTeamPlayers     = "request_team_players"
	MsgMarketSubscribe        = "market_subscribe"
	MsgMarketUnsubscribe      = "market_unsubscribe"
)

const (
	maxChatLength        = 500
	maxMarketsPerRequest = 50
)

// Request is one admitted inbound message.
type Request struct {
	ConnID  uuid.UUID
	Profile domain.Profile
	Message domain.Envelope
}

// HandlerFunc handles one inbound message type. Returning an error wrapping
// domain.ErrMalformedMessage answers malformed_message, any other error handler_error.
type HandlerFunc func(ctx context.Context, req Request) error

func (r *Router) builtinHandlers() map[string]HandlerFunc {
	return map[string]HandlerFunc{
		MsgHeartbeat:              r.handleHeartbeat,
		MsgChatMessage:            r.handleChat,
		MsgRequestLocationPlayers: r.handleLocationPlayers,
		MsgRequestTeamPlayers:     r.handleTeamPlayers,
		MsgMarketSubscribe:        r.handleMarketSubscribe,
		MsgMarketUnsubscribe:      r.handleMarketUnsubscribe,
	}
}

// MessageClass maps an inbound message type to its admission pseudo-path.
func MessageClass(msgType string) string {
	switch {
	case strings.HasPrefix(msgType, "market_"), strings.HasPrefix(msgType, "trade_"), strings.HasPrefix(msgType, "trading_"):
		return admission.MessageClassTrading
	case strings.HasPrefix(msgType, "ai_"), msgType == "aria_chat":
		return admission.MessageClassAI
	default:
		return admission.MessageClassGeneral
	}
}

// HandleInbound processes one raw frame from connection id. Failures are
// answered on the same connection; the connection stays open.
func (r *Router) HandleInbound(ctx context.Context, id uuid.UUID, data []byte) {
	r.registry.Touch(id)

	profile, ok := r.profileOf(id)
	if !ok {
		return
	}

	var msg domain.Envelope
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.DebugContext(ctx, "Malformed inbound message", "connection_id", id, "error", err)
		metrics.RouterInboundMessages.WithLabelValues("invalid", "malformed").Inc()
		r.replyError(id, CodeMalformedMessage, "message must be a JSON object with a type", "", nil)
		return
	}

	handler, known := r.handlers[msg.Type]
	label := msg.Type
	if !known {
		label = "unknown"
	}

	decision := r.messages.Admit(profile.Identity, MessageClass(msg.Type), r.clock.Now())
	if !decision.Allowed {
		slog.DebugContext(ctx, "Inbound message rate limited", "connection_id", id, "type", msg.Type, "error", decision.Err())
		metrics.RouterInboundMessages.WithLabelValues(label, "rate_limited").Inc()
		r.replyError(id, CodeRateLimited, "rate limit exceeded", msg.Type, map[string]any{
			"retry_after": admission.RetrySeconds(decision.RetryAfter),
		})
		return
	}

	if !known {
		metrics.RouterInboundMessages.WithLabelValues(label, "unknown").Inc()
		err := fmt.Errorf("%w %q", domain.ErrUnknownMessageType, msg.Type)
		slog.DebugContext(ctx, "Unknown inbound message", "connection_id", id, "error", err)
		r.replyError(id, CodeUnknownType, err.Error(), msg.Type, nil)
		return
	}

	err := handler(ctx, Request{ConnID: id, Profile: profile, Message: msg})
	switch {
	case err == nil:
		metrics.RouterInboundMessages.WithLabelValues(label, "ok").Inc()
	case errors.Is(err, domain.ErrMalformedMessage):
		metrics.RouterInboundMessages.WithLabelValues(label, "malformed").Inc()
		r.replyError(id, CodeMalformedMessage, err.Error(), msg.Type, nil)
	default:
		slog.WarnContext(ctx, "Message handler failed", "connection_id", id, "type", msg.Type, "error", err)
		metrics.RouterInboundMessages.WithLabelValues(label, "error").Inc()
		r.replyError(id, CodeHandlerError, "failed to process message", msg.Type, nil)
	}
}

func (r *Router) reply(id uuid.UUID, msgType string, payload map[string]any) {
	r.registry.Send(id, domain.NewEnvelope(msgType, r.clock.Now(), payload))
}

func (r *Router) replyError(id uuid.UUID, code, message, requestType string, extra map[string]any) {
	payload := map[string]any{"code": code, "message": message}
	if requestType != "" {
		payload["request_type"] = requestType
	}
	for k, v := range extra {
		payload[k] = v
	}
	r.reply(id, domain.TypeError, payload)
}

func (r *Router) handleHeartbeat(_ context.Context, req Request) error {
	r.reply(req.ConnID, "heartbeat_ack", map[string]any{"server_time": r.clock.Now().UTC().Unix()})
	return nil
}

func (r *Router) handleChat(ctx context.Context, req Request) error {
	text := strings.TrimSpace(req.Message.String("message"))
	if text == "" {
		return fmt.Errorf("%w: message is required", domain.ErrMalformedMessage)
	}
	if utf8.RuneCountInString(text) > maxChatLength {
		return fmt.Errorf("%w: message exceeds %d characters", domain.ErrMalformedMessage, maxChatLength)
	}

	targetType := req.Message.String("target_type")
	var scope domain.GroupKey
	switch targetType {
	case "", string(domain.GroupKindGlobal):
		targetType = string(domain.GroupKindGlobal)
		scope = domain.GlobalGroup
	case string(domain.GroupKindLocation):
		if req.Profile.Location == "" {
			return fmt.Errorf("%w: not at a location", domain.ErrMalformedMessage)
		}
		scope = domain.LocationGroup(req.Profile.Location)
	case string(domain.GroupKindTeam):
		if req.Profile.Team == "" {
			return fmt.Errorf("%w: not in a team", domain.ErrMalformedMessage)
		}
		scope = domain.TeamGroup(req.Profile.Team)
	default:
		return fmt.Errorf("%w: unknown target_type %q", domain.ErrMalformedMessage, targetType)
	}

	_, err := r.Emit(ctx, domain.DomainEvent{
		Kind:  domain.EventKindSystem,
		Type:  domain.TypeChatMessage,
		Scope: scope,
		Payload: map[string]any{
			keySender:     string(req.Profile.Identity),
			"player_id":   req.Profile.PlayerID,
			"username":    req.Profile.Username,
			"message":     text,
			"target_type": targetType,
		},
	})
	return err
}

func (r *Router) handleLocationPlayers(_ context.Context, req Request) error {
	location := req.Profile.Location
	players := []PlayerInfo{}
	if location != "" {
		players = r.othersIn(domain.LocationGroup(location), req.Profile.Identity)
	}
	r.reply(req.ConnID, "location_players", map[string]any{"location": location, "players": players})
	return nil
}

func (r *Router) handleTeamPlayers(_ context.Context, req Request) error {
	team := req.Profile.Team
	players := []PlayerInfo{}
	if team != "" {
		players = r.othersIn(domain.TeamGroup(team), req.Profile.Identity)
	}
	r.reply(req.ConnID, "team_players", map[string]any{"team": team, "players": players})
	return nil
}

func (r *Router) handleMarketSubscribe(ctx context.Context, req Request) error {
	commodities, err := commoditiesOf(req.Message, true)
	if err != nil {
		return err
	}

	connID := req.ConnID
	deliver := func(_ string, env domain.Envelope) {
		r.registry.Send(connID, env)
	}

	for _, commodity := range commodities {
		if r.hasMarket(connID, commodity) {
			continue
		}

		sub, err := r.broker.Subscribe(ctx, req.Profile.Identity, []string{broker.MarketChannel(commodity)}, deliver)
		if sub == nil {
			return fmt.Errorf("failed to subscribe to %s: %w", commodity, err)
		}
		if err != nil {
			slog.WarnContext(ctx, "Market subscription degraded", "commodity", commodity, "error", err)
		}
		if !r.trackMarket(connID, commodity, sub) {
			sub.Close()
		}
	}

	r.reply(connID, "market_subscribed", map[string]any{"commodities": r.markets(connID)})
	return nil
}

func (r *Router) handleMarketUnsubscribe(_ context.Context, req Request) error {
	commodities, err := commoditiesOf(req.Message, false)
	if err != nil {
		return err
	}

	r.mu.Lock()
	s, ok := r.sessions[req.ConnID]
	var closed []*broker.Subscription
	removed := []string{}
	if ok {
		if len(commodities) == 0 {
			commodities = sortedKeys(s.markets)
		}
		for _, c := range commodities {
			if sub, found := s.markets[c]; found {
				closed = append(closed, sub)
				removed = append(removed, c)
				delete(s.markets, c)
			}
		}
	}
	r.mu.Unlock()

	for _, sub := range closed {
		sub.Close()
	}
	r.reply(req.ConnID, "market_unsubscribed", map[string]any{"commodities": removed})
	return nil
}

// trackMarket stores sub on the session. It reports false when the session is
// gone or already tracks the commodity.
func (r *Router) trackMarket(id uuid.UUID, commodity string, sub *broker.Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	if _, exists := s.markets[commodity]; exists {
		return false
	}
	s.markets[commodity] = sub
	return true
}

func (r *Router) hasMarket(id uuid.UUID, commodity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	_, exists := s.markets[commodity]
	return exists
}

func (r *Router) markets(id uuid.UUID) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return []string{}
	}
	return sortedKeys(s.markets)
}

func commoditiesOf(msg domain.Envelope, required bool) ([]string, error) {
	raw, _ := msg.Get("commodities")
	list, ok := raw.([]any)
	if raw != nil && !ok {
		return nil, fmt.Errorf("%w: commodities must be a list", domain.ErrMalformedMessage)
	}
	if required && len(list) == 0 {
		return nil, fmt.Errorf("%w: commodities is required", domain.ErrMalformedMessage)
	}
	if len(list) > maxMarketsPerRequest {
		return nil, fmt.Errorf("%w: at most %d commodities per request", domain.ErrMalformedMessage, maxMarketsPerRequest)
	}

	out := make([]string, 0, len(list))
	for _, v := range list {
		c, ok := v.(string)
		if !ok || strings.TrimSpace(c) == "" {
			return nil, fmt.Errorf("%w: commodities must be non-empty strings", domain.ErrMalformedMessage)
		}
		out = append(out, strings.TrimSpace(c))
	}
	return out, nil
}
