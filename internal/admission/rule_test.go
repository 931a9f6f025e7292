package admission

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRules_LongestPrefixWins(t *testing.T) {
	rules := DefaultRules()

	tests := []struct {
		path     string
		wantKey  string
		wantReqs int
		exempt   bool
	}{
		{"/api/v1/auth/login", "/api/v1/auth/login", 5, false},
		{"/api/v1/auth/register", "/api/v1/auth/register", 3, false},
		{"/api/v1/admin/ws/stats", "/api/v1/admin/", 200, false},
		{"/api/v1/internal/events", "/api/v1/internal/", 6000, false},
		{"/api/v1/status", "/api/v1/status", 30, false},
		{"/api/v1/players/7", "/api/v1/", 60, false},
		{"/ws/connect", "/ws/", 5, false},
		{"/somewhere", DefaultRuleKey, 100, false},
		{"/", "", 0, true},
		{"/health/ready", "", 0, true},
		{"/static/app.js", "", 0, true},
		{"/metrics", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			key, rule, exempt := rules.Match(tt.path)
			assert.Equal(t, tt.exempt, exempt)
			assert.Equal(t, tt.wantKey, key)
			assert.Equal(t, tt.wantReqs, rule.Requests)
		})
	}
}

func TestDefaultRules_LoginHasBurst(t *testing.T) {
	_, rule, _ := DefaultRules().Match("/api/v1/auth/login")
	assert.True(t, rule.HasBurst())
	assert.Equal(t, 10, rule.Burst)
	assert.Equal(t, 10*time.Second, rule.BurstWindow)
}

func TestRuleSet_AddReplacesAndValidates(t *testing.T) {
	rules := NewRuleSet(Rule{Requests: 1, Window: time.Second})

	require.NoError(t, rules.Add("/a", Rule{Requests: 2, Window: time.Second}))
	require.NoError(t, rules.Add("/a", Rule{Requests: 3, Window: time.Second}))
	_, rule, _ := rules.Match("/a/b")
	assert.Equal(t, 3, rule.Requests)
	assert.Len(t, rules.Rules(), 2)

	assert.Error(t, rules.Add("", Rule{Requests: 1, Window: time.Second}))
	assert.Error(t, rules.Add("/b", Rule{Requests: 0, Window: time.Second}))
	assert.Error(t, rules.Add("/b", Rule{Requests: 1}))
	assert.Error(t, rules.Add("/b", Rule{Requests: 1, Window: time.Second, Burst: 2}))
}

func TestMessageRules(t *testing.T) {
	rules := MessageRules()

	key, rule, _ := rules.Match(MessageClassTrading)
	assert.Equal(t, MessageClassTrading, key)
	assert.Equal(t, 30, rule.Requests)

	_, rule, _ = rules.Match(MessageClassAI)
	assert.Equal(t, 60, rule.Requests)

	_, rule, _ = rules.Match(MessageClassGeneral)
	assert.Equal(t, 6000, rule.Requests)
}

func TestRule_MarshalJSONInSeconds(t *testing.T) {
	data, err := json.Marshal(Rule{Requests: 5, Window: time.Minute, Burst: 10, BurstWindow: 10 * time.Second})
	require.NoError(t, err)
	assert.JSONEq(t, `{"requests":5,"window_seconds":60,"burst":10,"burst_window_seconds":10}`, string(data))

	data, err = json.Marshal(Rule{Requests: 3, Window: 5 * time.Minute})
	require.NoError(t, err)
	assert.JSONEq(t, `{"requests":3,"window_seconds":300}`, string(data))
}
