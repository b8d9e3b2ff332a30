package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/pscheid92/consultq/internal/adapter/metrics"
	goredis "github.com/redis/go-redis/v9"
)

// ErrCircuitOpen is returned without touching Redis while the breaker is open.
var ErrCircuitOpen = circuitbreaker.ErrOpen

const (
	breakerFailureRatio  = 0.6
	breakerMinExecutions = 5
	breakerWindow        = 10 * time.Second
	breakerProbeDelay    = 30 * time.Second
)

// breakerGauge encodes breaker states for the circuit_breaker_state gauge.
var breakerGauge = map[circuitbreaker.State]float64{
	circuitbreaker.ClosedState:   0,
	circuitbreaker.HalfOpenState: 1,
	circuitbreaker.OpenState:     2,
}

// CircuitBreakerHook fails Redis commands fast while Redis looks unhealthy. Cross-instance
// fan-out and invalidation are skipped meanwhile; reads fall through to the store.
type CircuitBreakerHook struct {
	cb circuitbreaker.CircuitBreaker[any]
}

var _ goredis.Hook = (*CircuitBreakerHook)(nil)

// NewCircuitBreakerHook opens when 60% of at least 5 commands in 10s fail and lets one
// probe through after 30s. m may be nil.
func NewCircuitBreakerHook(m *metrics.RedisMetrics) *CircuitBreakerHook {
	return newCircuitBreakerHook(m, breakerProbeDelay)
}

func newCircuitBreakerHook(m *metrics.RedisMetrics, probeDelay time.Duration) *CircuitBreakerHook {
	onChange := func(e circuitbreaker.StateChangedEvent) {
		slog.Warn("Redis circuit breaker changed state", "from", e.OldState.String(), "to", e.NewState.String())
		if m != nil {
			m.CircuitBreakerState.Set(breakerGauge[e.NewState])
		}
	}

	return &CircuitBreakerHook{
		cb: circuitbreaker.NewBuilder[any]().
			WithFailureRateThreshold(breakerFailureRatio, breakerMinExecutions, breakerWindow).
			WithDelay(probeDelay).
			WithSuccessThreshold(1).
			OnStateChanged(onChange).
			Build(),
	}
}

// guard runs fn when the breaker admits it and records the outcome. Errors pass through
// unwrapped so callers can still compare against goredis.Nil.
func (h *CircuitBreakerHook) guard(op string, fn func() error) error {
	if !h.cb.TryAcquirePermit() {
		return fmt.Errorf("redis %s: %w", op, ErrCircuitOpen)
	}
	err := fn()
	if healthy(err) {
		h.cb.RecordSuccess()
	} else {
		h.cb.RecordError(err)
	}
	return err
}

// healthy reports whether err still proves Redis is reachable. Error replies such as
// NOSCRIPT or WRONGTYPE come from a live server.
func healthy(err error) bool {
	var reply goredis.Error
	switch {
	case err == nil, errors.Is(err, goredis.Nil), errors.Is(err, context.Canceled):
		return true
	default:
		return errors.As(err, &reply)
	}
}

func (h *CircuitBreakerHook) DialHook(next goredis.DialHook) goredis.DialHook {
	return func(ctx context.Context, network, addr string) (conn net.Conn, err error) {
		err = h.guard("dial", func() error {
			conn, err = next(ctx, network, addr)
			return err
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

func (h *CircuitBreakerHook) State() circuitbreaker.State {
	return h.cb.State()
}
