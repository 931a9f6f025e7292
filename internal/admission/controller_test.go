package admission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/sectorpulse/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const p1 = domain.Identity("user:p1")

func newTestController(t *testing.T, rule Rule) (*Controller, *clockwork.FakeClock) {
	t.Helper()
	rules := NewRuleSet(rule)
	clock := clockwork.NewFakeClock()
	return NewController("test", rules, clock, time.Hour), clock
}

func TestAdmit_FiveThenDenied(t *testing.T) {
	ctrl, clock := newTestController(t, Rule{Requests: 5, Window: 60 * time.Second})
	now := clock.Now()

	for i := range 5 {
		d := ctrl.Admit(p1, "/api/thing", now)
		require.True(t, d.Allowed, "request %d should be allowed", i+1)
		assert.Equal(t, 4-i, d.Remaining)
	}

	d := ctrl.Admit(p1, "/api/thing", now.Add(30*time.Second))
	assert.False(t, d.Allowed)
	assert.Equal(t, 30*time.Second, d.RetryAfter)
	assert.LessOrEqual(t, d.RetryAfter, 60*time.Second)
	assert.Equal(t, 0, d.Remaining)
}

func TestAdmit_AllowedAgainOnceOldestLeavesWindow(t *testing.T) {
	ctrl, clock := newTestController(t, Rule{Requests: 3, Window: time.Minute})
	start := clock.Now()

	for i := range 3 {
		require.True(t, ctrl.Admit(p1, "/", start.Add(time.Duration(i)*10*time.Second)).Allowed)
	}

	d := ctrl.Admit(p1, "/", start.Add(59*time.Second))
	require.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.RetryAfter)

	d = ctrl.Admit(p1, "/", start.Add(60*time.Second))
	assert.True(t, d.Allowed, "oldest request has left the window")

	d = ctrl.Admit(p1, "/", start.Add(61*time.Second))
	assert.False(t, d.Allowed, "second request still in window")
	assert.Equal(t, 9*time.Second, d.RetryAfter)
}

func TestAdmit_BurstCooldownDominates(t *testing.T) {
	ctrl, clock := newTestController(t, Rule{Requests: 100, Window: time.Minute, Burst: 3, BurstWindow: 10 * time.Second})
	start := clock.Now()

	for range 3 {
		require.True(t, ctrl.Admit(p1, "/login", start).Allowed)
	}

	d := ctrl.Admit(p1, "/login", start)
	require.False(t, d.Allowed, "burst+1 request triggers the cooldown")
	assert.Equal(t, 10*time.Second, d.RetryAfter)

	// Main window has plenty of room, but the cooldown holds.
	d = ctrl.Admit(p1, "/login", start.Add(5*time.Second))
	assert.False(t, d.Allowed)
	assert.Equal(t, 5*time.Second, d.RetryAfter)

	d = ctrl.Admit(p1, "/login", start.Add(9999*time.Millisecond))
	assert.False(t, d.Allowed)

	d = ctrl.Admit(p1, "/login", start.Add(10*time.Second))
	assert.True(t, d.Allowed, "cooldown over")
}

func TestAdmit_BurstCheckedBeforeMainWindow(t *testing.T) {
	ctrl, clock := newTestController(t, Rule{Requests: 3, Window: time.Minute, Burst: 3, BurstWindow: 10 * time.Second})
	now := clock.Now()

	for range 3 {
		require.True(t, ctrl.Admit(p1, "/", now).Allowed)
	}

	d := ctrl.Admit(p1, "/", now)
	require.False(t, d.Allowed)
	assert.Equal(t, 10*time.Second, d.RetryAfter, "burst cooldown wins over the main window")
	assert.Equal(t, 1, ctrl.Stats().BlockedClients)
}

func TestAdmit_BurstHeadersReported(t *testing.T) {
	ctrl, clock := newTestController(t, Rule{Requests: 10, Window: time.Minute, Burst: 4, BurstWindow: 10 * time.Second})

	d := ctrl.Admit(p1, "/", clock.Now())
	require.True(t, d.Allowed)
	assert.Equal(t, 4, d.BurstLimit)
	assert.Equal(t, 3, d.BurstRemaining)
	assert.Equal(t, 10, d.Limit)
	assert.Equal(t, 9, d.Remaining)
	assert.Equal(t, time.Minute, d.ResetAfter)
}

func TestAdmit_IdentitiesAreIndependent(t *testing.T) {
	ctrl, clock := newTestController(t, Rule{Requests: 1, Window: time.Minute})
	now := clock.Now()

	assert.True(t, ctrl.Admit(p1, "/", now).Allowed)
	assert.False(t, ctrl.Admit(p1, "/", now).Allowed)
	assert.True(t, ctrl.Admit("user:p2", "/", now).Allowed)
}

func TestAdmit_HistoryIsSharedAcrossRules(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ctrl := NewController("test", DefaultRules(), clock, time.Hour)
	now := clock.Now()

	for range 5 {
		require.True(t, ctrl.Admit(p1, "/api/v1/sectors", now).Allowed)
	}

	d := ctrl.Admit(p1, "/ws/connect", now)
	assert.False(t, d.Allowed, "earlier API requests count against the upgrade rule")
	assert.Equal(t, "/ws/", d.Rule)
	assert.Equal(t, 5*time.Minute, d.RetryAfter)

	assert.True(t, ctrl.Admit(p1, "/api/v1/players", now).Allowed, "60/min rule still has room")
	assert.Equal(t, 1, ctrl.Stats().TrackedClients)
}

func TestAdmit_BurstBlockCoversEveryPath(t *testing.T) {
	rules := NewRuleSet(Rule{Requests: 100, Window: time.Minute})
	require.NoError(t, rules.Add("/api/v1/trade", Rule{Requests: 100, Window: time.Minute, Burst: 3, BurstWindow: 10 * time.Second}))
	clock := clockwork.NewFakeClock()
	ctrl := NewController("test", rules, clock, time.Hour)
	now := clock.Now()

	for range 3 {
		require.True(t, ctrl.Admit(p1, "/api/v1/trade", now).Allowed)
	}
	require.False(t, ctrl.Admit(p1, "/api/v1/trade", now).Allowed)

	d := ctrl.Admit(p1, "/api/v1/sectors", now)
	assert.False(t, d.Allowed, "a burst block applies to the client, not the route")
	assert.Equal(t, 10*time.Second, d.RetryAfter)

	clock.Advance(10 * time.Second)
	assert.True(t, ctrl.Admit(p1, "/api/v1/sectors", clock.Now()).Allowed)
}

func TestAdmit_PerRuleStateKeepsWindowsApart(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ctrl := NewController("messages", MessageRules(), clock, time.Hour, WithPerRuleState())
	now := clock.Now()

	for range 30 {
		require.True(t, ctrl.Admit(p1, "ws:trading", now).Allowed)
	}
	assert.False(t, ctrl.Admit(p1, "ws:trading", now).Allowed)
	assert.True(t, ctrl.Admit(p1, "ws:ai", now).Allowed)
	assert.True(t, ctrl.Admit(p1, "ws:general", now).Allowed)
	assert.Equal(t, 3, ctrl.Stats().TrackedClients)
}

func TestAdmit_ExemptPathsSkipTracking(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ctrl := NewController("test", DefaultRules(), clock, time.Hour)

	for range 1000 {
		d := ctrl.Admit(p1, "/health/live", clock.Now())
		require.True(t, d.Allowed)
		require.True(t, d.Exempt)
	}
	assert.Equal(t, 0, ctrl.Stats().TrackedClients)
}

func TestDecisionErr(t *testing.T) {
	assert.NoError(t, Decision{Allowed: true}.Err())

	err := Decision{Rule: "/ws/", RetryAfter: 3 * time.Second}.Err()
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrAdmissionDenied))

	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, 3*time.Second, denied.RetryAfter)
}

func TestAdmit_ConcurrentSameIdentity(t *testing.T) {
	ctrl, clock := newTestController(t, Rule{Requests: 50, Window: time.Minute})
	now := clock.Now()

	var allowed, denied atomic.Int64
	start := make(chan struct{})
	var wg sync.WaitGroup

	for range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if ctrl.Admit(p1, "/", now).Allowed {
				allowed.Add(1)
			} else {
				denied.Add(1)
			}
		}()
	}

	close(start)
	wg.Wait()

	assert.Equal(t, int64(50), allowed.Load())
	assert.Equal(t, int64(150), denied.Load())
}

func TestSweep_EvictsIdleButKeepsBlocked(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rules := NewRuleSet(Rule{Requests: 100, Window: time.Minute})
	require.NoError(t, rules.Add("/login", Rule{Requests: 100, Window: time.Minute, Burst: 1, BurstWindow: 3 * time.Hour}))
	ctrl := NewController("test", rules, clock, time.Hour)
	start := clock.Now()

	ctrl.Admit("user:idle", "/", start)
	ctrl.Admit("user:blocked", "/login", start)
	require.False(t, ctrl.Admit("user:blocked", "/login", start).Allowed)
	ctrl.Admit("user:active", "/", start.Add(90*time.Minute))

	evicted := ctrl.Sweep(start.Add(2 * time.Hour))
	assert.Equal(t, 1, evicted)

	stats := ctrl.Stats()
	assert.Equal(t, 2, stats.TrackedClients)
}

func TestRun_SweepsOnTickUntilCancelled(t *testing.T) {
	ctrl, clock := newTestController(t, Rule{Requests: 10, Window: time.Minute})
	ctrl.Admit(p1, "/", clock.Now())
	require.Equal(t, 1, ctrl.Stats().TrackedClients)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ctrl.Run(ctx, 5*time.Minute)
		close(done)
	}()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))

	clock.Advance(65 * time.Minute)

	assert.Eventually(t, func() bool {
		return ctrl.Stats().TrackedClients == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
