package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/sectorpulse/internal/domain"
	"github.com/pscheid92/sectorpulse/internal/metrics"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultPublishTimeout = 2 * time.Second
	subscribeTimeout      = 2 * time.Second
	receiveTimeout        = 30 * time.Second
	reconnectMaxInterval  = 10 * time.Second
)

// Handler receives every envelope published on a subscribed channel.
type Handler func(channel string, env domain.Envelope)

type channelState struct {
	subscribers  map[domain.Identity]int
	handlers     map[uint64]Handler
	createdAt    time.Time
	lastActivity time.Time
	messageCount int64
}

// Subscription is one logical subscription covering a set of channels.
type Subscription struct {
	id        uint64
	identity  domain.Identity
	channels  []string
	bridge    *Bridge
	closeOnce sync.Once
}

func (s *Subscription) Channels() []string { return slices.Clone(s.channels) }

func (s *Subscription) Identity() domain.Identity { return s.identity }

// Close removes this subscription. The broker subscription of a channel is torn
// down once no tracked subscriber remains.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.bridge.release(s)
	})
}

// ChannelStats describes one tracked channel.
type ChannelStats struct {
	Subscribers  int       `json:"subscribers"`
	Handlers     int       `json:"handlers"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	MessageCount int64     `json:"message_count"`
}

// Stats is the observability snapshot of the bridge.
type Stats struct {
	Connected       bool                    `json:"connected"`
	Published       int64                   `json:"published"`
	Received        int64                   `json:"received"`
	PublishFailures int64                   `json:"publish_failures"`
	ActiveChannels  int                     `json:"active_channels"`
	Channels        map[string]ChannelStats `json:"channels"`
}

// Bridge publishes envelopes to the broker and fans broker messages out to
// local subscription handlers.
type Bridge struct {
	rdb            *goredis.Client
	pubsub         *goredis.PubSub
	clock          clockwork.Clock
	publishTimeout time.Duration

	// subMu orders reference-count changes together with the SUBSCRIBE or
	// UNSUBSCRIBE they cause, so the broker sees them in map order.
	subMu sync.Mutex

	mu            sync.RWMutex
	channels      map[string]*channelState
	subscriptions map[uint64]*Subscription
	nextID        uint64

	published       atomic.Int64
	received        atomic.Int64
	publishFailures atomic.Int64
	connected       atomic.Bool
}

// NewBridge creates a bridge on rdb. Run must be started to receive messages.
func NewBridge(rdb *goredis.Client, clock clockwork.Clock, publishTimeout time.Duration) *Bridge {
	if publishTimeout <= 0 {
		publishTimeout = defaultPublishTimeout
	}
	return &Bridge{
		rdb:            rdb,
		pubsub:         rdb.Subscribe(context.Background()),
		clock:          clock,
		publishTimeout: publishTimeout,
		channels:       make(map[string]*channelState),
		subscriptions:  make(map[uint64]*Subscription),
	}
}

// Publish serializes env and publishes it on channel. It returns the number of
// broker subscribers that received it; zero subscribers is not an error.
func (b *Bridge) Publish(ctx context.Context, channel string, env domain.Envelope) (int64, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.publishTimeout)
	defer cancel()

	receivers, err := b.rdb.Publish(ctx, channel, data).Result()
	if err != nil {
		b.publishFailures.Add(1)
		metrics.BrokerPublishedTotal.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("%w: publish to %s: %w", domain.ErrBrokerUnavailable, channel, err)
	}

	b.published.Add(1)
	metrics.BrokerPublishedTotal.WithLabelValues("success").Inc()
	return receivers, nil
}

// Subscribe registers onMessage for every listed channel on behalf of identity.
// Channels nobody tracked before are subscribed on the broker. When the broker is
// unreachable the subscription is still tracked and returned together with an
// error wrapping domain.ErrBrokerUnavailable; go-redis subscribes it on reconnect.
func (b *Bridge) Subscribe(ctx context.Context, identity domain.Identity, channels []string, onMessage Handler) (*Subscription, error) {
	if len(channels) == 0 {
		return nil, errors.New("subscribe needs at least one channel")
	}
	if onMessage == nil {
		return nil, errors.New("subscribe needs a handler")
	}

	b.subMu.Lock()
	defer b.subMu.Unlock()

	now := b.clock.Now()
	b.mu.Lock()
	b.nextID++
	sub := &Subscription{id: b.nextID, identity: identity, channels: dedupe(channels), bridge: b}

	var fresh []string
	for _, ch := range sub.channels {
		state, ok := b.channels[ch]
		if !ok {
			state = &channelState{
				subscribers:  make(map[domain.Identity]int),
				handlers:     make(map[uint64]Handler),
				createdAt:    now,
				lastActivity: now,
			}
			b.channels[ch] = state
			fresh = append(fresh, ch)
		}
		state.subscribers[identity]++
		state.handlers[sub.id] = onMessage
	}
	b.subscriptions[sub.id] = sub
	active := len(b.channels)
	b.mu.Unlock()

	metrics.BrokerActiveChannels.Set(float64(active))

	if len(fresh) == 0 {
		return sub, nil
	}

	subCtx, cancel := context.WithTimeout(ctx, subscribeTimeout)
	defer cancel()
	if err := b.pubsub.Subscribe(subCtx, fresh...); err != nil {
		slog.Warn("Broker subscribe failed, will retry on reconnect", "channels", fresh, "error", err)
		return sub, fmt.Errorf("%w: subscribe %v: %w", domain.ErrBrokerUnavailable, fresh, err)
	}
	slog.Debug("Subscribed to broker channels", "identity", identity, "channels", fresh)
	return sub, nil
}

// UnsubscribeIdentity closes every subscription held by identity.
func (b *Bridge) UnsubscribeIdentity(identity domain.Identity) {
	b.mu.RLock()
	var subs []*Subscription
	for _, sub := range b.subscriptions {
		if sub.identity == identity {
			subs = append(subs, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.Close()
	}
}

func (b *Bridge) release(sub *Subscription) {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	b.mu.Lock()
	delete(b.subscriptions, sub.id)
	var emptied []string
	for _, ch := range sub.channels {
		state, ok := b.channels[ch]
		if !ok {
			continue
		}
		delete(state.handlers, sub.id)
		if state.subscribers[sub.identity]--; state.subscribers[sub.identity] <= 0 {
			delete(state.subscribers, sub.identity)
		}
		if len(state.subscribers) == 0 {
			delete(b.channels, ch)
			emptied = append(emptied, ch)
		}
	}
	active := len(b.channels)
	b.mu.Unlock()

	metrics.BrokerActiveChannels.Set(float64(active))

	if len(emptied) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
	defer cancel()
	if err := b.pubsub.Unsubscribe(ctx, emptied...); err != nil {
		slog.Warn("Broker unsubscribe failed", "channels", emptied, "error", err)
		return
	}
	slog.Debug("Unsubscribed from broker channels", "channels", emptied)
}

// Subscribers returns the identities tracked on channel.
func (b *Bridge) Subscribers(channel string) []domain.Identity {
	b.mu.RLock()
	defer b.mu.RUnlock()
	state, ok := b.channels[channel]
	if !ok {
		return nil
	}
	ids := slices.Collect(maps.Keys(state.subscribers))
	slices.Sort(ids)
	return ids
}

// IdentityChannels returns the channels identity is subscribed to.
func (b *Bridge) IdentityChannels(identity domain.Identity) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []string
	for name, state := range b.channels {
		if _, ok := state.subscribers[identity]; ok {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

func (b *Bridge) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := Stats{
		Connected:       b.connected.Load(),
		Published:       b.published.Load(),
		Received:        b.received.Load(),
		PublishFailures: b.publishFailures.Load(),
		ActiveChannels:  len(b.channels),
		Channels:        make(map[string]ChannelStats, len(b.channels)),
	}
	for name, state := range b.channels {
		stats.Channels[name] = ChannelStats{
			Subscribers:  len(state.subscribers),
			Handlers:     len(state.handlers),
			CreatedAt:    state.createdAt,
			LastActivity: state.lastActivity,
			MessageCount: state.messageCount,
		}
	}
	return stats
}

// Connected reports whether the receive loop currently holds a live subscription.
func (b *Bridge) Connected() bool { return b.connected.Load() }

// Run receives broker messages until ctx is cancelled. Receive errors mark the
// subscription inactive and back off exponentially; go-redis reconnects and
// resubscribes every tracked channel on the next receive.
func (b *Bridge) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = b.pubsub.Close()
	})
	defer stop()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = reconnectMaxInterval

	for {
		msg, err := b.pubsub.ReceiveTimeout(ctx, receiveTimeout)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, goredis.ErrClosed) {
				b.setConnected(false)
				return nil
			}
			if isTimeout(err) {
				if pingErr := b.pubsub.Ping(ctx); pingErr == nil {
					continue
				}
			}

			b.setConnected(false)
			metrics.PubSubReconnectionsTotal.Inc()
			wait := bo.NextBackOff()
			slog.Warn("Broker subscription lost, reconnecting", "error", err, "backoff", wait)

			select {
			case <-b.clock.After(wait):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		switch m := msg.(type) {
		case *goredis.Subscription:
			b.setConnected(true)
			bo.Reset()
		case *goredis.Message:
			b.setConnected(true)
			bo.Reset()
			b.dispatch(m.Channel, m.Payload)
		case *goredis.Pong:
		default:
			slog.Debug("Ignoring broker message", "type", fmt.Sprintf("%T", msg))
		}
	}
}

func (b *Bridge) setConnected(connected bool) {
	b.connected.Store(connected)
	if connected {
		metrics.PubSubSubscriptionActive.Set(1)
	} else {
		metrics.PubSubSubscriptionActive.Set(0)
	}
}

func (b *Bridge) dispatch(channel, payload string) {
	start := b.clock.Now()
	b.received.Add(1)
	metrics.BrokerReceivedTotal.Inc()

	var env domain.Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		metrics.BrokerDecodeErrors.Inc()
		slog.Warn("Dropping undecodable broker message", "channel", channel, "error", err)
		return
	}

	b.mu.Lock()
	state, ok := b.channels[channel]
	var handlers []Handler
	if ok {
		state.lastActivity = start
		state.messageCount++
		handlers = slices.Collect(maps.Values(state.handlers))
	}
	b.mu.Unlock()

	for _, h := range handlers {
		invoke(h, channel, env)
	}
	metrics.PubSubMessageLatency.Observe(b.clock.Since(start).Seconds())
}

// invoke runs h with panic recovery.
func invoke(h Handler, channel string, env domain.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			metrics.BrokerHandlerPanics.Inc()
			slog.Error("Broker handler panic recovered", "channel", channel, "type", env.Type, "panic", r)
		}
	}()
	h(channel, env)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func dedupe(channels []string) []string {
	out := slices.Clone(channels)
	slices.Sort(out)
	return slices.Compact(out)
}
