package usage

import (
	"context"
	"time"
)

// Record is one relayed request, attributed to the identity and the provider
// that ultimately served it.
type Record struct {
	ID           string
	Identity     string
	RequestID    string
	Provider     string
	Model        string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	LatencyMs    int64
	Streamed     bool
	CreatedAt    time.Time
}

type Store interface {
	Insert(ctx context.Context, rec *Record) error
	ListByIdentity(ctx context.Context, identity string, from, to time.Time) ([]*Record, error)
	TotalCostByIdentity(ctx context.Context, identity string, from, to time.Time) (float64, error)
}
