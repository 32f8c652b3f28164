package query

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// Resilient calls a primary gateway through a circuit breaker with a
// per-call timeout and answers from the fallback whenever the primary
// fails or the breaker is open. Primary failures never reach the caller.
type Resilient struct {
	primary  Gateway
	fallback Gateway
	breaker  *gobreaker.CircuitBreaker
	timeout  time.Duration
	logger   *slog.Logger
}

// BreakerSettings tunes the circuit breaker of a Resilient gateway.
type BreakerSettings struct {
	Name string
	// ConsecutiveFailures opens the breaker.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before a probe.
	OpenTimeout time.Duration
}

// NewResilient wraps primary. A zero timeout means 2s.
func NewResilient(primary, fallback Gateway, timeout time.Duration, settings BreakerSettings, logger *slog.Logger) *Resilient {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if settings.ConsecutiveFailures == 0 {
		settings.ConsecutiveFailures = 3
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = 30 * time.Second
	}

	return &Resilient{
		primary:  primary,
		fallback: fallback,
		timeout:  timeout,
		logger:   logger,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        settings.Name,
			MaxRequests: 1,
			Timeout:     settings.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= settings.ConsecutiveFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("query gateway breaker changed state",
					"gateway", name,
					"from", from.String(),
					"to", to.String(),
				)
			},
		}),
	}
}

func (g *Resilient) Search(ctx context.Context, req Request) (*Result, error) {
	res, err := g.breaker.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return g.primary.Search(ctx, req)
	})
	if err == nil {
		if result, ok := res.(*Result); ok && result != nil {
			return result, nil
		}
		err = fmt.Errorf("primary gateway returned no result")
	}

	g.logger.WarnContext(ctx, "primary query gateway unavailable, using fallback",
		"gateway", g.breaker.Name(),
		"error", err,
	)
	return g.fallback.Search(ctx, req)
}

// State reports the breaker state, e.g. "closed" or "open".
func (g *Resilient) State() string {
	return g.breaker.State().String()
}
