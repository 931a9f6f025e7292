package broker

import (
	"fmt"
	"strings"

	"github.com/pscheid92/sectorpulse/internal/domain"
)

const (
	marketPrefix  = "market:"
	tradingPrefix = "trading:"
	aiPrefix      = "ai:"

	// SystemChannel carries global system broadcasts.
	SystemChannel = "system:broadcast"
)

func MarketChannel(commodity string) string { return marketPrefix + commodity }

func TradingChannel(eventType string) string { return tradingPrefix + eventType }

func AIChannel(signalType string) string { return aiPrefix + signalType }

// ChannelFor maps a domain event to its broker channel.
func ChannelFor(event domain.DomainEvent) (string, error) {
	switch event.Kind {
	case domain.EventKindMarket:
		return keyed(MarketChannel, event)
	case domain.EventKindTrading:
		return keyed(TradingChannel, event)
	case domain.EventKindAI:
		return keyed(AIChannel, event)
	case domain.EventKindSystem:
		return SystemChannel, nil
	default:
		return "", fmt.Errorf("no channel for event kind %q", event.Kind)
	}
}

func keyed(channel func(string) string, event domain.DomainEvent) (string, error) {
	if event.Key == "" {
		return "", fmt.Errorf("%s event %q has no key", event.Kind, event.Type)
	}
	return channel(event.Key), nil
}

// ParseChannel returns the event kind and key encoded in a channel name.
func ParseChannel(name string) (domain.EventKind, string, error) {
	if name == SystemChannel {
		return domain.EventKindSystem, "", nil
	}
	for prefix, kind := range map[string]domain.EventKind{
		marketPrefix:  domain.EventKindMarket,
		tradingPrefix: domain.EventKindTrading,
		aiPrefix:      domain.EventKindAI,
	} {
		if key, ok := strings.CutPrefix(name, prefix); ok && key != "" {
			return kind, key, nil
		}
	}
	return "", "", fmt.Errorf("unknown channel %q", name)
}
