package analyzer

import (
	"context"

	"github.com/vnmchuo/taskpilot/internal/provider"
	"github.com/vnmchuo/taskpilot/internal/quota"
	"github.com/vnmchuo/taskpilot/internal/tokenizer"
)

type EventType string

const (
	EventChunk    EventType = "chunk"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Event is one element of a streamed analysis: zero or more chunk events
// followed by exactly one terminal event. Complete events carry the full
// accumulated text and, for breakdown streams, the structured result.
type Event struct {
	Type    EventType
	Content string
	Result  *BreakdownResult
	Err     error
}

// StreamBreakdown is the streaming variant of Breakdown. Deltas are
// forwarded as chunk events while the full text and a running output-token
// estimate accumulate; when the provider stream ends, usage is recorded
// once and the terminal complete event carries the parsed (or template
// fallback) result. Usage recording happens after the provider stream
// finishes, never waiting on the consumer. If the caller disconnects
// mid-stream the provider stream is cancelled and the usage accumulated so
// far is still recorded.
func (a *Analyzer) StreamBreakdown(ctx context.Context, userID, model, description string) <-chan Event {
	model = normalizeModel(model)
	prompt := buildBreakdownPrompt(description, a.now())

	return a.stream(ctx, userID, &provider.Request{
		Model:       model,
		Prompt:      prompt,
		MaxTokens:   breakdownMaxTokens,
		Temperature: 0.7,
		UserID:      userID,
	}, func(text string) Event {
		result, err := parseBreakdown(text)
		if err != nil {
			result = fallbackBreakdown(description)
		}
		return Event{Type: EventComplete, Content: text, Result: result}
	})
}

// StreamChat streams a chat reply; the terminal complete event carries the
// concatenated text only.
func (a *Analyzer) StreamChat(ctx context.Context, userID, model, message string) <-chan Event {
	model = normalizeModel(model)

	return a.stream(ctx, userID, &provider.Request{
		Model:       model,
		System:      chatSystemPrompt,
		Prompt:      message,
		MaxTokens:   chatMaxTokens,
		Temperature: 0.7,
		UserID:      userID,
	}, func(text string) Event {
		return Event{Type: EventComplete, Content: text}
	})
}

func (a *Analyzer) stream(ctx context.Context, userID string, req *provider.Request, finish func(text string) Event) <-chan Event {
	events := make(chan Event)

	go func() {
		defer close(events)

		inputTokens := tokenizer.Estimate(req.Prompt)

		allowance, err := a.ledger.CheckAllowance(ctx, userID, req.Model, inputTokens)
		if err != nil {
			a.emit(ctx, events, Event{Type: EventError, Err: err})
			return
		}
		if !allowance.Allowed {
			a.emit(ctx, events, Event{Type: EventError, Err: &quota.ExceededError{Message: allowance.Message}})
			return
		}

		ch, err := a.client.CompleteStream(ctx, req)
		if err != nil {
			a.emit(ctx, events, Event{Type: EventError, Err: err})
			return
		}

		var text []byte
		outputTokens := 0
		var streamErr error

	recv:
		for chunk := range ch {
			switch {
			case chunk.Err != nil:
				streamErr = chunk.Err
				break recv
			case chunk.Done:
				break recv
			default:
				text = append(text, chunk.Delta...)
				outputTokens += tokenizer.Estimate(chunk.Delta)
				if !a.emit(ctx, events, Event{Type: EventChunk, Content: chunk.Delta}) {
					break recv
				}
			}
		}

		// Record whatever accumulated, even on cancellation or a broken
		// stream; the detached context keeps accounting alive after the
		// caller has gone away.
		if len(text) > 0 || streamErr == nil {
			if rerr := a.ledger.RecordUsage(context.WithoutCancel(ctx), allowance.Record, req.Model, inputTokens, outputTokens); rerr != nil {
				a.logger.Error().Err(rerr).Str("user_id", userID).Msg("failed to record streamed usage")
			}
		}

		if ctx.Err() != nil {
			return
		}
		if streamErr != nil && len(text) == 0 {
			a.emit(ctx, events, Event{Type: EventError, Err: streamErr})
			return
		}

		a.emit(ctx, events, finish(string(text)))
	}()

	return events
}

// emit delivers an event unless the consumer's context is gone. Returns
// false once the caller has disconnected so the stream loop can stop
// consuming provider deltas promptly.
func (a *Analyzer) emit(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
