// Package quota enforces a per-identity, per-provider request quota.
//
// The counter for a key is created at 1 on first use (the initializing call
// consumes a unit), is monotonically non-decreasing apart from explicit
// refunds, and never expires. The check-and-increment must be atomic per key:
// two concurrent calls observing max-1 must not both succeed.
package quota

import "context"

// Store is the counter backend. CheckAndConsume must serialize the
// read-then-conditionally-write for a given key; a plain get-then-set is not
// enough on a shared backend.
type Store interface {
	// CheckAndConsume increments the counter for key unless it has reached
	// max, and reports whether the request was accepted.
	CheckAndConsume(ctx context.Context, key string, max int64) (bool, error)

	// Refund decrements the counter for key by one, not going below zero.
	Refund(ctx context.Context, key string) error

	// Count returns the current counter value for key (0 if absent).
	Count(ctx context.Context, key string) (int64, error)
}

// Tracker applies per-provider limits on top of a Store. A limit of zero or
// below means the provider is untracked and every request is allowed.
type Tracker struct {
	store  Store
	limits map[string]int64
}

func NewTracker(store Store, limits map[string]int64) *Tracker {
	return &Tracker{store: store, limits: limits}
}

// Key builds the store key for a (provider, identity) pair.
func Key(providerName, identity string) string {
	return providerName + ":" + identity
}

// Enabled reports whether any provider has a positive limit. Handlers use it
// to decide whether an identity is required on inbound requests.
func (t *Tracker) Enabled() bool {
	for _, max := range t.limits {
		if max > 0 {
			return true
		}
	}
	return false
}

// Allow consumes one unit of quota for the identity against the named
// provider. The accept decision and the increment are a single atomic step.
func (t *Tracker) Allow(ctx context.Context, providerName, identity string) (bool, error) {
	max := t.limits[providerName]
	if max <= 0 {
		return true, nil
	}
	return t.store.CheckAndConsume(ctx, Key(providerName, identity), max)
}

// Refund returns one previously consumed unit. Used when the provider
// rejected the call with a rate-limit signal and the request is retried
// against the fallback, so the rejected attempt does not count.
func (t *Tracker) Refund(ctx context.Context, providerName, identity string) error {
	if t.limits[providerName] <= 0 {
		return nil
	}
	return t.store.Refund(ctx, Key(providerName, identity))
}
