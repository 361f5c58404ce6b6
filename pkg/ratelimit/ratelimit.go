// Package ratelimit guards the relay with a per-identity tokens-per-minute
// window, in front of the lifetime request quota. It is a thin wrapper around
// github.com/vnmchuo/ratelimiter.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, tpm int64) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(tpm)),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

func (l *Limiter) Allow(ctx context.Context, identity string, tokens int) (bool, error) {
	key := fmt.Sprintf("ratelimit:identity:%s", identity)
	res, err := l.store.AllowN(ctx, key, tokens)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

func (l *Limiter) Status(ctx context.Context, identity string) (*extratelimit.Result, error) {
	key := fmt.Sprintf("ratelimit:identity:%s", identity)
	return l.store.Status(ctx, key)
}
