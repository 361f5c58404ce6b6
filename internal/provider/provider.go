package provider

import (
	"context"
)

// Request is the relay's internal chat-completion request, decoded straight
// from the inbound JSON body.
type Request struct {
	// Identity is the end-user discriminator (an email address) used as the
	// quota partition key. Required whenever quota tracking is enabled.
	Identity string `json:"identity"`

	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages"`
	System      string    `json:"system,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// Message is a single turn of the conversation. Order is meaningful and is
// preserved end-to-end. Cacheable marks the message as part of the prompt
// prefix the provider may cache; the flag only takes effect while every
// earlier message was also cacheable.
type Message struct {
	Role      string `json:"role"` // "user", "assistant", "system"
	Content   string `json:"content"`
	Cacheable bool   `json:"cacheable,omitempty"`
}

type Response struct {
	ID           string
	Content      string
	InputTokens  int
	OutputTokens int
	Model        string
	Provider     string
	LatencyMs    int64
}

type Chunk struct {
	Delta string
	Done  bool
	Err   error
}

// Provider is a chat-completion backend. CompleteStream performs the upstream
// request synchronously and only returns a channel once the stream is open, so
// pre-stream failures (bad status, connection refused) come back as an error
// rather than as the first chunk.
type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	CompleteStream(ctx context.Context, req *Request) (<-chan *Chunk, error)
	Name() string
	DefaultModel() string       // model used when the request omits one
	CostPerInputToken() float64 // cost in USD per 1 token
	CostPerOutputToken() float64
}

const (
	DefaultMaxTokens   = 2048
	DefaultTemperature = 0.0
)

// MaxTokensOrDefault applies the relay-wide default.
func (r *Request) MaxTokensOrDefault() int {
	if r.MaxTokens <= 0 {
		return DefaultMaxTokens
	}
	return r.MaxTokens
}
