package provider

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type stubClient struct {
	err   error
	calls int
}

func (s *stubClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &Response{Content: "ok"}, nil
}

func (s *stubClient) CompleteStream(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	ch := make(chan *Chunk, 2)
	ch <- &Chunk{Delta: "ok"}
	ch <- &Chunk{Done: true}
	close(ch)
	return ch, nil
}

func (s *stubClient) Name() string { return "stub" }

func TestGuarded_PassThrough(t *testing.T) {
	stub := &stubClient{}
	g := NewGuarded(stub)

	resp, err := g.Complete(context.Background(), &Request{Model: "fast", Prompt: "hi"})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("content = %q", resp.Content)
	}
	if g.Name() != "stub" {
		t.Errorf("Name() = %q", g.Name())
	}
}

func TestGuarded_TripsAfterConsecutiveFailures(t *testing.T) {
	stub := &stubClient{err: errors.New("connection refused")}
	g := NewGuarded(stub)

	for i := 0; i < 3; i++ {
		if _, err := g.Complete(context.Background(), &Request{Model: "fast", Prompt: "hi"}); err == nil {
			t.Fatalf("call %d should fail", i)
		}
	}
	if stub.calls != 3 {
		t.Fatalf("underlying calls = %d, want 3", stub.calls)
	}

	// Breaker is open now: the client is no longer reached.
	if _, err := g.Complete(context.Background(), &Request{Model: "fast", Prompt: "hi"}); err == nil {
		t.Fatal("open breaker should fail fast")
	}
	if stub.calls != 3 {
		t.Errorf("open breaker still reached the client (%d calls)", stub.calls)
	}

	if _, err := g.CompleteStream(context.Background(), &Request{Model: "fast", Prompt: "hi"}); err == nil {
		t.Fatal("open breaker should refuse streams")
	} else if !strings.Contains(err.Error(), "circuit breaker is open") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestGuarded_StreamPassesChunksThrough(t *testing.T) {
	stub := &stubClient{}
	g := NewGuarded(stub)

	ch, err := g.CompleteStream(context.Background(), &Request{Model: "fast", Prompt: "hi"})
	if err != nil {
		t.Fatalf("CompleteStream failed: %v", err)
	}

	var got []*Chunk
	for chunk := range ch {
		got = append(got, chunk)
	}
	if len(got) != 2 || got[0].Delta != "ok" || !got[1].Done {
		t.Errorf("chunks = %+v", got)
	}
}
