package provider

import (
	"context"
)

// Request is a single completion request. Model carries a model class
// ("fast" or "reasoning"); the adapter resolves the concrete provider
// model name from configuration.
type Request struct {
	Model       string
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
	// Metadata for logging and tracing
	UserID    string
	RequestID string
}

type Response struct {
	ID           string
	Content      string
	InputTokens  int
	OutputTokens int
	Model        string
	LatencyMs    int64
}

// Chunk is one element of a streamed completion. The final chunk carries
// Done or Err; delta chunks carry text only.
type Chunk struct {
	Delta string
	Done  bool
	Err   error
}

type Client interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	CompleteStream(ctx context.Context, req *Request) (<-chan *Chunk, error)
	Name() string
}
