package admission

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/sectorpulse/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRemoteAddr = "1.2.3.4:1234"

func newTestHandler(rule Rule) (echo.HandlerFunc, *echo.Echo, *clockwork.FakeClock) {
	e := echo.New()
	clock := clockwork.NewFakeClock()
	rules := NewRuleSet(rule)
	rules.Exempt("/health")
	ctrl := NewController("http", rules, clock, time.Hour)

	handler := Middleware(ctrl, clock)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	return handler, e, clock
}

func serve(t *testing.T, e *echo.Echo, handler echo.HandlerFunc, path string, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = testRemoteAddr
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	require.NoError(t, handler(e.NewContext(req, rec)))
	return rec
}

func TestMiddleware_AllowsUnderLimitWithHeaders(t *testing.T) {
	handler, e, clock := newTestHandler(Rule{Requests: 3, Window: time.Minute})

	rec := serve(t, e, handler, "/api/thing", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, strconv.FormatInt(clock.Now().Add(time.Minute).Unix(), 10), rec.Header().Get("X-RateLimit-Reset"))
	assert.Empty(t, rec.Header().Get("X-RateLimit-Burst-Limit"))
}

func TestMiddleware_DeniesWith429AndRetryAfter(t *testing.T) {
	handler, e, clock := newTestHandler(Rule{Requests: 1, Window: time.Minute})

	serve(t, e, handler, "/api/thing", nil)
	clock.Advance(20500 * time.Millisecond)

	rec := serve(t, e, handler, "/api/thing", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "40", rec.Header().Get("Retry-After"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "rate limit exceeded", body["error"])
	assert.Equal(t, 40.0, body["retry_after"])
}

func TestMiddleware_ExemptPathHasNoHeaders(t *testing.T) {
	handler, e, _ := newTestHandler(Rule{Requests: 1, Window: time.Minute})

	for range 3 {
		rec := serve(t, e, handler, "/health/live", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
	}
}

func TestMiddleware_ForwardedForIsIdentity(t *testing.T) {
	handler, e, _ := newTestHandler(Rule{Requests: 1, Window: time.Minute})

	rec := serve(t, e, handler, "/x", func(r *http.Request) { r.Header.Set("X-Forwarded-For", "9.9.9.9, 10.0.0.1") })
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, e, handler, "/x", func(r *http.Request) { r.Header.Set("X-Forwarded-For", "9.9.9.9") })
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = serve(t, e, handler, "/x", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "peer address is a different identity")
}

func TestClientIdentity_PrefersAuthenticatedIdentity(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = testRemoteAddr
	c := e.NewContext(req, httptest.NewRecorder())

	assert.Equal(t, domain.IPIdentity("1.2.3.4"), ClientIdentity(c))

	c.Set(IdentityContextKey, domain.UserIdentity("42"))
	assert.Equal(t, domain.Identity("user:42"), ClientIdentity(c))
}

func TestRetrySeconds(t *testing.T) {
	assert.Equal(t, 1, RetrySeconds(0))
	assert.Equal(t, 1, RetrySeconds(200*time.Millisecond))
	assert.Equal(t, 2, RetrySeconds(1100*time.Millisecond))
	assert.Equal(t, 60, RetrySeconds(time.Minute))
}
