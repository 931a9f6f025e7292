package admission

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/sectorpulse/internal/domain"
	"github.com/pscheid92/sectorpulse/internal/metrics"
	"github.com/pscheid92/sectorpulse/internal/platform/correlation"
)

const shardCount = 32

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Exempt     bool
	RetryAfter time.Duration
	Rule       string

	Limit          int
	Remaining      int
	ResetAfter     time.Duration
	BurstLimit     int
	BurstRemaining int
}

// DeniedError is the error form of a denied Decision.
type DeniedError struct {
	Rule       string
	RetryAfter time.Duration
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("admission denied by rule %q, retry after %s", e.Rule, e.RetryAfter)
}

func (e *DeniedError) Unwrap() error { return domain.ErrAdmissionDenied }

// Err returns nil for allowed decisions and a *DeniedError otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &DeniedError{Rule: d.Rule, RetryAfter: d.RetryAfter}
}

type clientState struct {
	requests     []time.Time
	burst        []time.Time
	lastRequest  time.Time
	blockedUntil time.Time
}

// evict drops timestamps that fell out of their window. A timestamp exactly
// one window old no longer counts.
func (s *clientState) evict(now time.Time, rule Rule) {
	s.requests = evictBefore(s.requests, now.Add(-rule.Window))
	if rule.HasBurst() {
		s.burst = evictBefore(s.burst, now.Add(-rule.BurstWindow))
	}
}

func evictBefore(queue []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(queue) && !queue[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return queue
	}
	return append(queue[:0], queue[i:]...)
}

type shard struct {
	mu      sync.Mutex
	clients map[string]*clientState
}

// Stats is a point-in-time view of a Controller.
type Stats struct {
	TrackedClients int             `json:"tracked_clients"`
	BlockedClients int             `json:"blocked_clients"`
	Rules          map[string]Rule `json:"rules"`
}

// Controller enforces per-client sliding windows with burst cooldowns. Each
// client has one request history; the matched rule decides the limit and the
// window it is evaluated against. State is sharded by key; a shard lock is held
// for the duration of one check so the sweep never races an in-flight Admit
// for the same client.
type Controller struct {
	name    string
	rules   *RuleSet
	clock   clockwork.Clock
	idleTTL time.Duration
	perRule bool
	shards  [shardCount]shard
}

// Option configures a Controller.
type Option func(*Controller)

// WithPerRuleState keeps a separate history per (client, rule) instead of one
// per client. Inbound message classes are throttled this way.
func WithPerRuleState() Option {
	return func(c *Controller) { c.perRule = true }
}

// NewController creates a controller. idleTTL bounds how long an idle client's
// state survives the sweep.
func NewController(name string, rules *RuleSet, clock clockwork.Clock, idleTTL time.Duration, opts ...Option) *Controller {
	c := &Controller{
		name:    name,
		rules:   rules,
		clock:   clock,
		idleTTL: idleTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	for i := range c.shards {
		c.shards[i].clients = make(map[string]*clientState)
	}
	return c
}

func (c *Controller) Rules() *RuleSet { return c.rules }

func (c *Controller) shardFor(key string) *shard {
	return &c.shards[xxhash.Sum64String(key)%shardCount]
}

// Admit checks and records one request for identity on path at now.
func (c *Controller) Admit(identity domain.Identity, path string, now time.Time) Decision {
	ruleKey, rule, exempt := c.rules.Match(path)
	if exempt {
		return Decision{Allowed: true, Exempt: true}
	}

	key := string(identity)
	if c.perRule {
		key += "|" + ruleKey
	}
	sh := c.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.clients[key]
	if !ok {
		st = &clientState{}
		sh.clients[key] = st
	}
	st.evict(now, rule)
	st.lastRequest = now

	d := Decision{Rule: ruleKey, Limit: rule.Requests, BurstLimit: rule.Burst}

	switch {
	case now.Before(st.blockedUntil):
		d.RetryAfter = st.blockedUntil.Sub(now)
		metrics.AdmissionDecisionsTotal.WithLabelValues(ruleKey, "blocked").Inc()

	case rule.HasBurst() && len(st.burst) >= rule.Burst:
		st.blockedUntil = now.Add(rule.BurstWindow)
		d.RetryAfter = rule.BurstWindow
		metrics.AdmissionDecisionsTotal.WithLabelValues(ruleKey, "blocked").Inc()

	case len(st.requests) >= rule.Requests:
		d.RetryAfter = rule.Window - now.Sub(st.requests[0])
		metrics.AdmissionDecisionsTotal.WithLabelValues(ruleKey, "denied").Inc()

	default:
		st.requests = append(st.requests, now)
		if rule.HasBurst() {
			st.burst = append(st.burst, now)
		}
		d.Allowed = true
		metrics.AdmissionDecisionsTotal.WithLabelValues(ruleKey, "allowed").Inc()
	}

	d.Remaining = max(0, rule.Requests-len(st.requests))
	d.ResetAfter = rule.Window
	if len(st.requests) > 0 {
		d.ResetAfter = rule.Window - now.Sub(st.requests[0])
	}
	if rule.HasBurst() {
		d.BurstRemaining = max(0, rule.Burst-len(st.burst))
	}
	return d
}

// Sweep removes clients idle for longer than the TTL whose cooldown expired.
// Returns the number of evicted entries.
func (c *Controller) Sweep(now time.Time) int {
	evicted, tracked := 0, 0
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.Lock()
		for key, st := range sh.clients {
			if now.Sub(st.lastRequest) > c.idleTTL && !now.Before(st.blockedUntil) {
				delete(sh.clients, key)
				evicted++
			}
		}
		tracked += len(sh.clients)
		sh.mu.Unlock()
	}

	metrics.AdmissionSweepEvictions.WithLabelValues(c.name).Add(float64(evicted))
	metrics.AdmissionTrackedClients.WithLabelValues(c.name).Set(float64(tracked))
	return evicted
}

// Run sweeps on every interval tick until ctx is cancelled.
func (c *Controller) Run(ctx context.Context, interval time.Duration) {
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			sweepCtx := correlation.WithID(ctx, correlation.NewID())
			if evicted := c.Sweep(c.clock.Now()); evicted > 0 {
				slog.DebugContext(sweepCtx, "Admission sweep evicted idle clients", "controller", c.name, "evicted", evicted)
			}
		}
	}
}

func (c *Controller) Stats() Stats {
	now := c.clock.Now()
	stats := Stats{Rules: c.rules.Rules()}
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.Lock()
		stats.TrackedClients += len(sh.clients)
		for _, st := range sh.clients {
			if now.Before(st.blockedUntil) {
				stats.BlockedClients++
			}
		}
		sh.mu.Unlock()
	}
	return stats
}
