package router

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/sectorpulse/internal/admission"
	"github.com/pscheid92/sectorpulse/internal/broadcast"
	"github.com/pscheid92/sectorpulse/internal/broker"
	"github.com/pscheid92/sectorpulse/internal/domain"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

// fakeConn decodes every text frame written by the registry.
type fakeConn struct {
	mu       sync.Mutex
	messages []map[string]any
	closed   bool
}

func (c *fakeConn) WriteMessage(kind int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if kind != websocket.TextMessage {
		return nil
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	c.messages = append(c.messages, msg)
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error   { return nil }
func (c *fakeConn) SetPongHandler(func(string) error) {}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) ofType(msgType string) []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]any
	for _, m := range c.messages {
		if m["type"] == msgType {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeConn) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.messages))
	for _, m := range c.messages {
		out = append(out, m["type"].(string))
	}
	return out
}

// waitFor blocks until a message of msgType arrived and returns the latest one.
func (c *fakeConn) waitFor(t *testing.T, msgType string) map[string]any {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.ofType(msgType)) > 0 }, waitTimeout, 5*time.Millisecond,
		"no %s message, got %v", msgType, c.types())
	msgs := c.ofType(msgType)
	return msgs[len(msgs)-1]
}

// waitForCount blocks until exactly n messages of msgType arrived.
func (c *fakeConn) waitForCount(t *testing.T, msgType string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.ofType(msgType)) == n }, waitTimeout, 5*time.Millisecond,
		"want %d %s messages, got %v", n, msgType, c.types())
}

type harness struct {
	router   *Router
	registry *broadcast.Registry
	bridge   *broker.Bridge
	rdb      *goredis.Client
}

func newHarness(t *testing.T, mr *miniredis.Miniredis, instanceID string, rules *admission.RuleSet) *harness {
	t.Helper()
	clock := clockwork.NewRealClock()

	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	bridge := broker.NewBridge(rdb, clock, 500*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bridge.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	registry := broadcast.NewRegistry(clock, nil)
	t.Cleanup(registry.Stop)

	if rules == nil {
		rules = admission.MessageRules()
	}
	messages := admission.NewController("messages", rules, clock, time.Hour, admission.WithPerRuleState())

	r := New(registry, bridge, messages, clock, Options{
		InstanceID:   instanceID,
		TradingTypes: []string{domain.TypeTradeCompleted},
		AITypes:      []string{"market_prediction"},
	})
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(r.Stop)

	return &harness{router: r, registry: registry, bridge: bridge, rdb: rdb}
}

func setup(t *testing.T) (*harness, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	h := newHarness(t, mr, "instance-a", nil)
	waitForNumSub(t, h.rdb, broker.SystemChannel, 1)
	return h, mr
}

func waitForNumSub(t *testing.T, rdb *goredis.Client, channel string, want int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		counts, err := rdb.PubSubNumSub(context.Background(), channel).Result()
		return err == nil && counts[channel] == want
	}, waitTimeout, 10*time.Millisecond)
}

func player(id, location, team string) domain.Profile {
	return domain.Profile{
		Identity:  domain.UserIdentity(id),
		PlayerID:  id,
		Username:  "pilot-" + id,
		Location:  location,
		Team:      team,
		Resources: map[string]int{"credits": 100},
	}
}

// open connects profile and waits for the connection_established snapshot.
func (h *harness) open(t *testing.T, profile domain.Profile) (*fakeConn, broadcast.Connection) {
	t.Helper()
	conn := &fakeConn{}
	c, err := h.router.Open(context.Background(), conn, profile, false)
	require.NoError(t, err)
	conn.waitFor(t, domain.TypeConnectionEstablished)
	return conn, c
}

func (h *harness) send(t *testing.T, c broadcast.Connection, msg map[string]any) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	h.router.HandleInbound(context.Background(), c.ID, data)
}
