package admission

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/sectorpulse/internal/domain"
)

// IdentityContextKey is the echo context key holding an authenticated domain.Identity.
const IdentityContextKey = "identity"

// ClientIdentity returns the authenticated identity if one was set on the
// context, otherwise the first forwarded address or the peer address.
func ClientIdentity(c echo.Context) domain.Identity {
	if id, ok := c.Get(IdentityContextKey).(domain.Identity); ok && id != "" {
		return id
	}
	if xff := c.Request().Header.Get(echo.HeaderXForwardedFor); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return domain.IPIdentity(first)
		}
	}
	return domain.IPIdentity(c.RealIP())
}

// RetrySeconds rounds a retry-after duration up to whole seconds, minimum 1.
func RetrySeconds(d time.Duration) int {
	return max(1, int(math.Ceil(d.Seconds())))
}

// Middleware admits every request through the controller and answers 429 on denial.
func Middleware(controller *Controller, clock clockwork.Clock) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			identity := ClientIdentity(c)
			now := clock.Now()

			decision := controller.Admit(identity, c.Request().URL.Path, now)
			if decision.Exempt {
				return next(c)
			}

			writeHeaders(c.Response().Header(), decision, now)
			if decision.Allowed {
				return next(c)
			}

			retry := RetrySeconds(decision.RetryAfter)
			slog.DebugContext(c.Request().Context(), "Request rate limited",
				"identity", identity,
				"path", c.Request().URL.Path,
				"error", decision.Err(),
			)
			c.Response().Header().Set("Retry-After", strconv.Itoa(retry))
			return c.JSON(http.StatusTooManyRequests, map[string]any{
				"error":       "rate limit exceeded",
				"retry_after": retry,
			})
		}
	}
}

func writeHeaders(h http.Header, d Decision, now time.Time) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(now.Add(d.ResetAfter).Unix(), 10))
	if d.BurstLimit > 0 {
		h.Set("X-RateLimit-Burst-Limit", strconv.Itoa(d.BurstLimit))
		h.Set("X-RateLimit-Burst-Remaining", strconv.Itoa(d.BurstRemaining))
	}
}
