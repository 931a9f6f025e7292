package admission

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Rule is a sliding-window limit with an optional burst ceiling.
// Exceeding the burst ceiling blocks the client for BurstWindow.
type Rule struct {
	Requests    int
	Window      time.Duration
	Burst       int
	BurstWindow time.Duration
}

func (r Rule) MarshalJSON() ([]byte, error) {
	out := map[string]int{
		"requests":       r.Requests,
		"window_seconds": int(r.Window / time.Second),
	}
	if r.HasBurst() {
		out["burst"] = r.Burst
		out["burst_window_seconds"] = int(r.BurstWindow / time.Second)
	}
	return json.Marshal(out)
}

func (r Rule) HasBurst() bool { return r.Burst > 0 }

func (r Rule) Validate() error {
	if r.Requests <= 0 {
		return fmt.Errorf("requests must be positive, got %d", r.Requests)
	}
	if r.Window <= 0 {
		return fmt.Errorf("window must be positive, got %s", r.Window)
	}
	if r.Burst < 0 {
		return fmt.Errorf("burst must not be negative, got %d", r.Burst)
	}
	if r.Burst > 0 && r.BurstWindow <= 0 {
		return fmt.Errorf("burst window must be positive when burst is set, got %s", r.BurstWindow)
	}
	return nil
}

// DefaultRuleKey is the rule name reported when no prefix matched.
const DefaultRuleKey = "default"

type prefixRule struct {
	prefix string
	rule   Rule
}

// RuleSet resolves a path to the most specific Rule.
type RuleSet struct {
	mu       sync.RWMutex
	fallback Rule
	prefixes []prefixRule
	exempt   []string
}

func NewRuleSet(fallback Rule) *RuleSet {
	return &RuleSet{fallback: fallback}
}

// Add registers or replaces the rule for prefix.
func (s *RuleSet) Add(prefix string, rule Rule) error {
	if prefix == "" {
		return fmt.Errorf("rule prefix must not be empty")
	}
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("invalid rule for %q: %w", prefix, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.prefixes {
		if s.prefixes[i].prefix == prefix {
			s.prefixes[i].rule = rule
			return nil
		}
	}
	s.prefixes = append(s.prefixes, prefixRule{prefix: prefix, rule: rule})
	sort.SliceStable(s.prefixes, func(i, j int) bool {
		return len(s.prefixes[i].prefix) > len(s.prefixes[j].prefix)
	})
	return nil
}

// Exempt excludes a path from admission control. "/" matches only the root,
// every other entry matches as a prefix.
func (s *RuleSet) Exempt(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exempt = append(s.exempt, path)
}

// Match returns the rule key, the rule and whether the path is exempt.
func (s *RuleSet) Match(path string) (string, Rule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.exempt {
		if path == e || (e != "/" && strings.HasPrefix(path, e)) {
			return "", Rule{}, true
		}
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(path, p.prefix) {
			return p.prefix, p.rule, false
		}
	}
	return DefaultRuleKey, s.fallback, false
}

// Rules returns a copy of the configured prefix rules plus the default.
func (s *RuleSet) Rules() map[string]Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]Rule, len(s.prefixes)+1)
	out[DefaultRuleKey] = s.fallback
	for _, p := range s.prefixes {
		out[p.prefix] = p.rule
	}
	return out
}

func mustAdd(s *RuleSet, prefix string, rule Rule) {
	if err := s.Add(prefix, rule); err != nil {
		panic(err)
	}
}

// DefaultRules returns the HTTP and upgrade endpoint rules.
func DefaultRules() *RuleSet {
	s := NewRuleSet(Rule{Requests: 100, Window: time.Minute})

	mustAdd(s, "/api/v1/auth/login", Rule{Requests: 5, Window: time.Minute, Burst: 10, BurstWindow: 10 * time.Second})
	mustAdd(s, "/api/v1/auth/register", Rule{Requests: 3, Window: 5 * time.Minute})
	mustAdd(s, "/api/v1/auth/password", Rule{Requests: 3, Window: 5 * time.Minute})
	mustAdd(s, "/api/v1/admin/", Rule{Requests: 200, Window: time.Minute})
	mustAdd(s, "/api/v1/internal/", Rule{Requests: 6000, Window: time.Minute})
	mustAdd(s, "/api/v1/status", Rule{Requests: 30, Window: time.Minute})
	mustAdd(s, "/ws/", Rule{Requests: 5, Window: 5 * time.Minute})
	mustAdd(s, "/api/v1/", Rule{Requests: 60, Window: time.Minute})

	for _, path := range []string{"/", "/health", "/ping", "/metrics", "/version", "/static/"} {
		s.Exempt(path)
	}
	return s
}

// Message classes used as pseudo-paths for inbound WebSocket messages.
const (
	MessageClassGeneral = "ws:general"
	MessageClassTrading = "ws:trading"
	MessageClassAI      = "ws:ai"
)

// MessageRules returns per-class limits for inbound WebSocket messages.
func MessageRules() *RuleSet {
	s := NewRuleSet(Rule{Requests: 6000, Window: time.Minute})
	mustAdd(s, MessageClassTrading, Rule{Requests: 30, Window: time.Minute})
	mustAdd(s, MessageClassAI, Rule{Requests: 60, Window: time.Minute})
	mustAdd(s, MessageClassGeneral, Rule{Requests: 6000, Window: time.Minute})
	return s
}
