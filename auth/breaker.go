package auth

import (
	"context"

	"github.com/twmailer/twmailer/logger"
	"github.com/twmailer/twmailer/pkg/circuitbreaker"
	"github.com/twmailer/twmailer/pkg/metrics"
)

// guarded fails fast while a remote backend keeps erroring. Rejected
// credentials are answers, not failures, and never trip the breaker.
type guarded struct {
	cb   *circuitbreaker.CircuitBreaker
	next Authenticator
}

func newGuarded(name string, next Authenticator) *guarded {
	settings := circuitbreaker.DefaultSettings(name)
	settings.OnStateChange = func(name string, from, to circuitbreaker.State) {
		metrics.AuthCircuitBreakerState.WithLabelValues(name).Set(float64(to))
		logger.Warn("Auth: backend circuit breaker changed state", "backend", name, "from", from.String(), "to", to.String())
	}
	metrics.AuthCircuitBreakerState.WithLabelValues(name).Set(float64(circuitbreaker.StateClosed))
	return &guarded{cb: circuitbreaker.NewCircuitBreaker(settings), next: next}
}

func (g *guarded) Authenticate(ctx context.Context, username, password string) (bool, error) {
	var ok bool
	err := g.cb.Execute(func() error {
		var err error
		ok, err = g.next.Authenticate(ctx, username, password)
		return err
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (g *guarded) Close() error {
	return g.next.Close()
}
