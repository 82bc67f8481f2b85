package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

// Guarded wraps a Client with a circuit breaker so that a provider outage
// fails fast instead of burning the per-attempt timeout on every call.
type Guarded struct {
	client  Client
	breaker *gobreaker.CircuitBreaker
}

func NewGuarded(client Client) *Guarded {
	settings := gobreaker.Settings{
		Name:        client.Name(),
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &Guarded{
		client:  client,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

func (g *Guarded) Complete(ctx context.Context, req *Request) (*Response, error) {
	result, err := g.breaker.Execute(func() (interface{}, error) {
		return g.client.Complete(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Response), nil
}

func (g *Guarded) CompleteStream(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	if g.breaker.State() == gobreaker.StateOpen {
		return nil, fmt.Errorf("circuit breaker is open for provider: %s", g.client.Name())
	}

	origCh, err := g.client.CompleteStream(ctx, req)
	if err != nil {
		_, _ = g.breaker.Execute(func() (interface{}, error) {
			return nil, err
		})
		return nil, err
	}

	wrappedCh := make(chan *Chunk)
	go func() {
		defer close(wrappedCh)
		for chunk := range origCh {
			if chunk.Err != nil {
				_, _ = g.breaker.Execute(func() (interface{}, error) {
					return nil, chunk.Err
				})
			}
			select {
			case wrappedCh <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()

	return wrappedCh, nil
}

func (g *Guarded) Name() string {
	return g.client.Name()
}
