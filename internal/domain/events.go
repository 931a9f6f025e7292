package domain

import "fmt"

// EventKind selects the broker channel family of a DomainEvent.
type EventKind string

const (
	EventKindMarket  EventKind = "market"
	EventKindTrading EventKind = "trading"
	EventKindAI      EventKind = "ai"
	EventKindSystem  EventKind = "system"
)

// Outbound message types.
const (
	TypeError                 = "error"
	TypeNotification          = "notification"
	TypeTradeCompleted        = "trade_completed"
	TypeCombatEvent           = "combat_event"
	TypeAdminBroadcast        = "admin_broadcast"
	TypeMarketUpdate          = "market_update"
	TypeTradingEvent          = "trading_event"
	TypeAISignal              = "ai_signal"
	TypeSystemMessage         = "system_message"
	TypeConnectionEstablished = "connection_established"
	TypePlayerEnteredLocation = "player_entered_location"
	TypePlayerLeftLocation    = "player_left_location"
	TypeLocationEntered       = "location_entered"
	TypeTeamChanged           = "team_changed"
	TypeChatMessage           = "chat_message"
)

// DomainEvent is produced by business logic and fanned out by the router.
//
// Key is the commodity, trading event type or AI signal type for the
// corresponding kinds. Scope selects the local group for delivery and
// Recipient, when set, turns the event into a unicast.
type DomainEvent struct {
	Kind      EventKind      `json:"kind"`
	Type      string         `json:"type"`
	Key       string         `json:"key,omitempty"`
	Scope     GroupKey       `json:"scope,omitempty"`
	Recipient Identity       `json:"recipient,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

func (e DomainEvent) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("event type is required")
	}
	switch e.Kind {
	case EventKindMarket, EventKindTrading, EventKindAI:
		if e.Key == "" {
			return fmt.Errorf("event key is required for %s events", e.Kind)
		}
	case EventKindSystem:
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if e.Scope != "" {
		if _, err := ParseGroupKey(string(e.Scope)); err != nil {
			return err
		}
	}
	return nil
}
