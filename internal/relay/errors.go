package relay

import "errors"

// Sentinel errors for the relay's own failure modes. Upstream failures keep
// their provider.APIError shape and are mapped to HTTP by the handler.
var (
	// ErrIdentityRequired is returned when quota tracking is enabled and the
	// request carries no identity.
	ErrIdentityRequired = errors.New("relay: identity required")

	// ErrQuotaExhausted is returned when the local quota is exhausted for the
	// sole provider, or for both the primary and the fallback.
	ErrQuotaExhausted = errors.New("relay: message quota exhausted")

	// ErrProviderUnavailable is returned when the selected provider cannot be
	// called at all (open circuit breaker, unknown name) and no fallback can
	// absorb the request.
	ErrProviderUnavailable = errors.New("relay: provider unavailable")
)
