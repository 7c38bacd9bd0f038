package resilience

import (
	"context"

	"github.com/MrWong99/voicelink/pkg/provider/s2s"
)

// Compile-time interface assertion.
var _ s2s.Provider = (*GuardedProvider)(nil)

// GuardedProvider is an [s2s.Provider] whose Connect runs through a
// [CircuitBreaker]. Established sessions are returned unchanged.
type GuardedProvider struct {
	inner   s2s.Provider
	breaker *CircuitBreaker
}

// GuardProvider wraps p with a breaker built from cfg.
func GuardProvider(p s2s.Provider, cfg CircuitBreakerConfig) *GuardedProvider {
	return &GuardedProvider{inner: p, breaker: NewCircuitBreaker(cfg)}
}

// Connect implements [s2s.Provider]. While the breaker is open it fails
// immediately with an error wrapping [ErrCircuitOpen].
func (g *GuardedProvider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	var h s2s.SessionHandle
	err := g.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		h, err = g.inner.Connect(ctx, cfg)
		return err
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Capabilities implements [s2s.Provider].
func (g *GuardedProvider) Capabilities() s2s.Capabilities {
	return g.inner.Capabilities()
}

// Breaker returns the breaker guarding Connect.
func (g *GuardedProvider) Breaker() *CircuitBreaker {
	return g.breaker
}
