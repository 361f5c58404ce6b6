package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/trananhvu/chat-relay/internal/provider"
	"github.com/trananhvu/chat-relay/internal/quota"
)

// Router owns provider selection: quota check on the primary, the call
// itself, and the one-step fallback to a secondary provider under rate-limit
// pressure. Dependencies are passed in explicitly so tests can substitute an
// in-memory store and fake providers.
type Router struct {
	providers map[string]provider.Provider
	primary   string
	fallback  string // empty disables fallback
	tracker   *quota.Tracker
	breakers  map[string]*gobreaker.CircuitBreaker
}

func NewRouter(providers []provider.Provider, primary, fallback string, tracker *quota.Tracker) (*Router, error) {
	provMap := make(map[string]provider.Provider, len(providers))
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(providers))
	for _, p := range providers {
		provMap[p.Name()] = p
		settings := gobreaker.Settings{
			Name:        p.Name(),
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}
		breakers[p.Name()] = gobreaker.NewCircuitBreaker(settings)
	}

	if _, ok := provMap[primary]; !ok {
		return nil, fmt.Errorf("relay: unknown primary provider %q", primary)
	}
	if fallback != "" {
		if _, ok := provMap[fallback]; !ok {
			return nil, fmt.Errorf("relay: unknown fallback provider %q", fallback)
		}
	}

	return &Router{
		providers: provMap,
		primary:   primary,
		fallback:  fallback,
		tracker:   tracker,
		breakers:  breakers,
	}, nil
}

// QuotaEnabled reports whether inbound requests must carry an identity.
func (r *Router) QuotaEnabled() bool {
	return r.tracker != nil && r.tracker.Enabled()
}

func (r *Router) validate(req *provider.Request) error {
	if r.QuotaEnabled() && req.Identity == "" {
		return ErrIdentityRequired
	}
	return nil
}

func (r *Router) allow(ctx context.Context, providerName, identity string) (bool, error) {
	if r.tracker == nil {
		return true, nil
	}
	return r.tracker.Allow(ctx, providerName, identity)
}

func (r *Router) refund(ctx context.Context, providerName, identity string) {
	if r.tracker == nil {
		return
	}
	_ = r.tracker.Refund(ctx, providerName, identity)
}

// recoverable reports whether a primary failure should be absorbed by the
// fallback: an upstream rate-limit signal, or the primary's breaker being
// open. Everything else is fatal for the request.
func recoverable(err error) bool {
	return provider.IsRateLimited(err) ||
		errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests)
}

// Complete relays a non-streaming chat completion. Quota for a provider is
// consumed before its call and is only refunded on the rate-limit fallback
// path; a provider failure of any other kind still counts.
func (r *Router) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if err := r.validate(req); err != nil {
		return nil, err
	}

	allowed, err := r.allow(ctx, r.primary, req.Identity)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return r.completeFallback(ctx, req)
	}

	resp, err := r.execute(ctx, r.providers[r.primary], req)
	if err == nil {
		return resp, nil
	}
	if r.fallback != "" && recoverable(err) {
		r.refund(ctx, r.primary, req.Identity)
		return r.completeFallback(ctx, req)
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrProviderUnavailable
	}
	return nil, err
}

func (r *Router) completeFallback(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if r.fallback == "" {
		return nil, ErrQuotaExhausted
	}
	allowed, err := r.allow(ctx, r.fallback, req.Identity)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, ErrQuotaExhausted
	}
	resp, err := r.execute(ctx, r.providers[r.fallback], req)
	if err != nil && (errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)) {
		return nil, ErrProviderUnavailable
	}
	return resp, err
}

func (r *Router) execute(ctx context.Context, p provider.Provider, req *provider.Request) (*provider.Response, error) {
	cb := r.breakers[p.Name()]
	start := time.Now()
	result, err := cb.Execute(func() (interface{}, error) {
		return p.Complete(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	resp := result.(*provider.Response)
	resp.LatencyMs = time.Since(start).Milliseconds()
	return resp, nil
}

// CompleteStream relays a streaming chat completion. The returned name is the
// provider that ended up serving the stream. Fallback only happens for
// pre-stream failures; once chunks flow, errors surface on the channel.
func (r *Router) CompleteStream(ctx context.Context, req *provider.Request) (string, <-chan *provider.Chunk, error) {
	if err := r.validate(req); err != nil {
		return "", nil, err
	}

	allowed, err := r.allow(ctx, r.primary, req.Identity)
	if err != nil {
		return "", nil, err
	}
	if !allowed {
		return r.streamFallback(ctx, req)
	}

	ch, err := r.executeStream(ctx, r.providers[r.primary], req)
	if err == nil {
		return r.primary, ch, nil
	}
	if r.fallback != "" && recoverable(err) {
		r.refund(ctx, r.primary, req.Identity)
		return r.streamFallback(ctx, req)
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", nil, ErrProviderUnavailable
	}
	return "", nil, err
}

func (r *Router) streamFallback(ctx context.Context, req *provider.Request) (string, <-chan *provider.Chunk, error) {
	if r.fallback == "" {
		return "", nil, ErrQuotaExhausted
	}
	allowed, err := r.allow(ctx, r.fallback, req.Identity)
	if err != nil {
		return "", nil, err
	}
	if !allowed {
		return "", nil, ErrQuotaExhausted
	}
	ch, err := r.executeStream(ctx, r.providers[r.fallback], req)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", nil, ErrProviderUnavailable
		}
		return "", nil, err
	}
	return r.fallback, ch, nil
}

// executeStream opens the provider stream through the circuit breaker and
// wraps the chunk channel so mid-stream errors are recorded against the
// breaker while chunk order is passed through untouched.
func (r *Router) executeStream(ctx context.Context, p provider.Provider, req *provider.Request) (<-chan *provider.Chunk, error) {
	cb := r.breakers[p.Name()]
	result, err := cb.Execute(func() (interface{}, error) {
		ch, err := p.CompleteStream(ctx, req)
		if err != nil {
			return nil, err
		}
		return ch, nil
	})
	if err != nil {
		return nil, err
	}
	origCh := result.(<-chan *provider.Chunk)

	wrapped := make(chan *provider.Chunk)
	go func() {
		defer close(wrapped)
		for chunk := range origCh {
			if chunk.Err != nil {
				_, _ = cb.Execute(func() (interface{}, error) {
					return nil, chunk.Err
				})
			}
			select {
			case wrapped <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return wrapped, nil
}
