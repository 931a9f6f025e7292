package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/pscheid92/sectorpulse/internal/metrics"
	goredis "github.com/redis/go-redis/v9"
)

const (
	breakerFailureThreshold = 5
	breakerDelay            = 30 * time.Second
)

// CircuitBreakerHook implements redis.Hook to fail fast while Redis is unavailable.
// Publishes and subscription dials both pass through it, so a broker outage
// surfaces as circuitbreaker.ErrOpen instead of a stalled caller.
type CircuitBreakerHook struct {
	cb circuitbreaker.CircuitBreaker[any]
}

var _ goredis.Hook = (*CircuitBreakerHook)(nil)

// NewCircuitBreakerHook opens after 5 consecutive failures, half-opens after 30s
// and closes again after one success.
func NewCircuitBreakerHook() *CircuitBreakerHook {
	return newCircuitBreakerHook(breakerDelay)
}

func newCircuitBreakerHook(delay time.Duration) *CircuitBreakerHook {
	cb := circuitbreaker.NewBuilder[any]().
		WithFailureThreshold(breakerFailureThreshold).
		WithDelay(delay).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			slog.Warn("Circuit breaker state changed",
				"component", "redis",
				"from", e.OldState.String(),
				"to", e.NewState.String(),
			)
			metrics.CircuitBreakerStateChanges.WithLabelValues("redis", e.NewState.String()).Inc()
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateToFloat(e.NewState))
		}).
		Build()

	return &CircuitBreakerHook{cb: cb}
}

func stateToFloat(state circuitbreaker.State) float64 {
	switch state {
	case circuitbreaker.ClosedState:
		return 0
	case circuitbreaker.HalfOpenState:
		return 1
	case circuitbreaker.OpenState:
		return 2
	default:
		return -1
	}
}

func (h *CircuitBreakerHook) DialHook(next goredis.DialHook) goredis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		var conn net.Conn
		err := h.guard("dial", func() error {
			var dialErr error
			conn, dialErr = next(ctx, network, addr)
			return dialErr
		})
		return conn, err
	}
}

func (h *CircuitBreakerHook) ProcessHook(next goredis.ProcessHook) goredis.ProcessHook {
	return func(ctx context.Context, cmd goredis.Cmder) error {
		return h.guard(cmd.Name(), func() error { return next(ctx, cmd) })
	}
}

func (h *CircuitBreakerHook) ProcessPipelineHook(next goredis.ProcessPipelineHook) goredis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []goredis.Cmder) error {
		return h.guard("pipeline", func() error { return next(ctx, cmds) })
	}
}

func (h *CircuitBreakerHook) guard(operation string, fn func() error) error {
	if !h.cb.TryAcquirePermit() {
		return fmt.Errorf("broker %s rejected: %w", operation, circuitbreaker.ErrOpen)
	}

	err := fn()
	switch {
	case err == nil:
		h.cb.RecordSuccess()
		return nil
	case !isBrokerFault(err):
		h.cb.RecordSuccess()
		return err
	default:
		h.cb.RecordError(err)
		return fmt.Errorf("broker %s failed: %w", operation, err)
	}
}

// isBrokerFault reports whether err says something about Redis health.
// Missing keys and caller cancellation do not.
func isBrokerFault(err error) bool {
	return !errors.Is(err, goredis.Nil) && !errors.Is(err, context.Canceled)
}

// State returns the current state of the circuit breaker
func (h *CircuitBreakerHook) State() circuitbreaker.State {
	return h.cb.State()
}
