package router

import (
	"context"
	"fmt"
	"log/slog"
	"maps"

	"github.com/pscheid92/sectorpulse/internal/broker"
	"github.com/pscheid92/sectorpulse/internal/domain"
	"github.com/pscheid92/sectorpulse/internal/metrics"
)

// Payload keys the router adds to event envelopes so every instance can route them.
const (
	keyScope     = "scope"
	keyRecipient = "recipient"
	keySender    = "sender"
)

// EmitResult reports how an event was fanned out.
type EmitResult struct {
	Channel   string `json:"channel"`
	Receivers int64  `json:"receivers"`
	Delivered int    `json:"delivered"`
	Degraded  bool   `json:"degraded"`
}

// Emit publishes event on its broker channel and delivers it to local connections.
// Market events are delivered only through the broker to their subscribers. A
// broker failure marks the result degraded; local delivery still happens.
func (r *Router) Emit(ctx context.Context, event domain.DomainEvent) (EmitResult, error) {
	if err := event.Validate(); err != nil {
		return EmitResult{}, fmt.Errorf("%w: %w", domain.ErrMalformedMessage, err)
	}
	channel, err := broker.ChannelFor(event)
	if err != nil {
		return EmitResult{}, fmt.Errorf("%w: %w", domain.ErrMalformedMessage, err)
	}

	env := r.envelopeFor(event)
	result := EmitResult{Channel: channel}

	receivers, err := r.broker.Publish(ctx, channel, env)
	if err != nil {
		result.Degraded = true
		slog.WarnContext(ctx, "Event publish failed, delivering locally only", "channel", channel, "type", event.Type, "error", err)
	}
	result.Receivers = receivers

	if event.Kind != domain.EventKindMarket {
		result.Delivered = r.deliverLocal(env)
	}

	metrics.RouterEventsEmitted.WithLabelValues(string(event.Kind)).Inc()
	return result, nil
}

func (r *Router) envelopeFor(event domain.DomainEvent) domain.Envelope {
	payload := maps.Clone(event.Payload)
	if payload == nil {
		payload = make(map[string]any, 2)
	}
	if event.Scope != "" {
		payload[keyScope] = string(event.Scope)
	}
	if event.Recipient != "" {
		payload[keyRecipient] = string(event.Recipient)
	}

	env := domain.NewEnvelope(event.Type, r.clock.Now(), payload)
	env.Origin = r.opts.InstanceID
	return env
}

// deliverLocal hands env to the local connections it addresses and returns the
// number of accepting connections. A recipient makes it a unicast, otherwise
// the scope group (default global) receives it, minus the sender.
func (r *Router) deliverLocal(env domain.Envelope) int {
	if recipient := env.String(keyRecipient); recipient != "" {
		if r.registry.SendToConnection(domain.Identity(recipient), env) {
			return 1
		}
		return 0
	}

	group := domain.GlobalGroup
	if scope := env.String(keyScope); scope != "" {
		parsed, err := domain.ParseGroupKey(scope)
		if err != nil {
			slog.Warn("Dropping event with invalid scope", "type", env.Type, "scope", scope)
			return 0
		}
		group = parsed
	}

	var exclude []domain.Identity
	if sender := env.String(keySender); sender != "" {
		exclude = append(exclude, domain.Identity(sender))
	}
	return r.registry.BroadcastToGroup(group, env, exclude...)
}

// Notify sends a notification to every connection of identity, on any instance.
func (r *Router) Notify(ctx context.Context, identity domain.Identity, title, message string, data map[string]any) (EmitResult, error) {
	payload := map[string]any{"title": title, "message": message}
	if len(data) > 0 {
		payload["data"] = data
	}
	return r.Emit(ctx, domain.DomainEvent{
		Kind:      domain.EventKindSystem,
		Type:      domain.TypeNotification,
		Recipient: identity,
		Payload:   payload,
	})
}

// AdminBroadcast sends an operator message to scope.
func (r *Router) AdminBroadcast(ctx context.Context, scope domain.GroupKey, message, priority, sender string) (EmitResult, error) {
	if message == "" {
		return EmitResult{}, fmt.Errorf("%w: message is required", domain.ErrMalformedMessage)
	}
	if priority == "" {
		priority = "normal"
	}
	return r.Emit(ctx, domain.DomainEvent{
		Kind:  domain.EventKindSystem,
		Type:  domain.TypeAdminBroadcast,
		Scope: scope,
		Payload: map[string]any{
			"message":  message,
			"priority": priority,
			"from":     sender,
		},
	})
}

// MarketTick publishes a price update to the subscribers of commodity.
func (r *Router) MarketTick(ctx context.Context, commodity string, payload map[string]any) (EmitResult, error) {
	payload = maps.Clone(payload)
	if payload == nil {
		payload = make(map[string]any, 1)
	}
	payload["commodity"] = commodity
	return r.Emit(ctx, domain.DomainEvent{
		Kind:    domain.EventKindMarket,
		Type:    domain.TypeMarketUpdate,
		Key:     commodity,
		Payload: payload,
	})
}

// TradeCompleted notifies recipient of a completed trade.
func (r *Router) TradeCompleted(ctx context.Context, recipient domain.Identity, payload map[string]any) (EmitResult, error) {
	return r.Emit(ctx, domain.DomainEvent{
		Kind:      domain.EventKindTrading,
		Type:      domain.TypeTradeCompleted,
		Key:       domain.TypeTradeCompleted,
		Recipient: recipient,
		Payload:   payload,
	})
}

// CombatEvent is delivered to everyone at location.
func (r *Router) CombatEvent(ctx context.Context, location string, payload map[string]any) (EmitResult, error) {
	return r.Emit(ctx, domain.DomainEvent{
		Kind:    domain.EventKindSystem,
		Type:    domain.TypeCombatEvent,
		Scope:   domain.LocationGroup(location),
		Payload: payload,
	})
}

// AISignal publishes a signal of signalType to scope, or to everyone when scope is empty.
func (r *Router) AISignal(ctx context.Context, signalType string, scope domain.GroupKey, payload map[string]any) (EmitResult, error) {
	payload = maps.Clone(payload)
	if payload == nil {
		payload = make(map[string]any, 1)
	}
	payload["signal_type"] = signalType
	return r.Emit(ctx, domain.DomainEvent{
		Kind:    domain.EventKindAI,
		Type:    domain.TypeAISignal,
		Key:     signalType,
		Scope:   scope,
		Payload: payload,
	})
}
