// Package analyzer orchestrates task analysis over a completion provider:
// quota pre-check, bounded retries with per-attempt timeouts, JSON repair
// of model output, and a deterministic heuristic fallback so the blocking
// paths always hand back a usable result.
package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/vnmchuo/taskpilot/internal/heuristic"
	"github.com/vnmchuo/taskpilot/internal/provider"
	"github.com/vnmchuo/taskpilot/internal/quota"
	"github.com/vnmchuo/taskpilot/internal/tokenizer"
)

const (
	analyzeAttempts  = 2
	analyzeTimeout   = 10 * time.Second
	analyzeMaxTokens = 800
	retryBackoff     = 500 * time.Millisecond

	breakdownTimeout   = 30 * time.Second
	breakdownMaxTokens = 2000

	chatTimeout   = 30 * time.Second
	chatMaxTokens = 1000
)

// AnalysisResult is the structured suggestion produced for one task
// description. Fields the model leaves unset are filled from heuristics.
type AnalysisResult struct {
	SuggestedTitle    string   `json:"suggested_title"`
	SuggestedPriority string   `json:"suggested_priority"`
	SuggestedTags     []string `json:"suggested_tags"`
	EstimatedTime     int      `json:"estimated_time"`
	SuggestedDueDate  string   `json:"suggested_due_date,omitempty"`
	SuggestedEndTime  string   `json:"suggested_end_time,omitempty"`
	TimeExpression    string   `json:"time_expression,omitempty"`
	Breakdown         []string `json:"breakdown"`
	Dependencies      []string `json:"dependencies"`
}

type Subtask struct {
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	EstimatedTime int      `json:"estimated_time"`
	Priority      string   `json:"priority"`
	Dependencies  []string `json:"dependencies"`
}

type BreakdownResult struct {
	Analysis    string    `json:"analysis"`
	Subtasks    []Subtask `json:"subtasks"`
	Suggestions []string  `json:"suggestions"`
}

type Analyzer struct {
	client provider.Client
	ledger *quota.Ledger
	logger zerolog.Logger
	now    func() time.Time
}

func New(client provider.Client, ledger *quota.Ledger, logger zerolog.Logger) *Analyzer {
	return &Analyzer{
		client: client,
		ledger: ledger,
		logger: logger,
		now:    time.Now,
	}
}

// Analyze turns a free-text task description into structured suggestions.
// The provider is given two attempts with a 10s budget each; when both
// fail the result is computed from heuristics alone. Only quota denial and
// storage faults surface as errors.
func (a *Analyzer) Analyze(ctx context.Context, userID, description string) (*AnalysisResult, error) {
	prompt := buildAnalysisPrompt(description, a.now())
	estimated := tokenizer.Estimate(prompt)

	allowance, err := a.ledger.CheckAllowance(ctx, userID, quota.ModelFast, estimated)
	if err != nil {
		return nil, err
	}
	if !allowance.Allowed {
		return nil, &quota.ExceededError{Message: allowance.Message}
	}

	req := &provider.Request{
		Model:       quota.ModelFast,
		Prompt:      prompt,
		MaxTokens:   analyzeMaxTokens,
		Temperature: 0.7,
		UserID:      userID,
	}

	var storageErr error
	operation := func() (*AnalysisResult, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, analyzeTimeout)
		defer cancel()

		resp, err := a.client.Complete(attemptCtx, req)
		if err != nil {
			return nil, err
		}

		// The attempt reached the provider, so its usage counts even if
		// the payload turns out to be garbage.
		if rerr := a.ledger.RecordUsage(ctx, allowance.Record, quota.ModelFast, resp.InputTokens, resp.OutputTokens); rerr != nil {
			storageErr = rerr
			return nil, backoff.Permanent(rerr)
		}

		result, perr := parseAnalysis(resp.Content)
		if perr != nil {
			return nil, perr
		}
		return result, nil
	}

	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(retryBackoff)),
		backoff.WithMaxTries(analyzeAttempts),
	)
	if storageErr != nil {
		return nil, storageErr
	}
	if err != nil {
		a.logger.Warn().Err(err).Str("user_id", userID).Msg("analysis attempts exhausted, using heuristic fallback")
		return a.fallbackAnalysis(description), nil
	}

	a.mergeHeuristics(result, description)
	return result, nil
}

// parseAnalysis recovers a JSON object from model output by taking the
// substring between the first '{' and the last '}', tolerating any prose
// the model wraps around it.
func parseAnalysis(content string) (*AnalysisResult, error) {
	raw, err := extractJSON(content)
	if err != nil {
		return nil, err
	}

	var result AnalysisResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("malformed analysis response: %w", err)
	}
	return &result, nil
}

func extractJSON(content string) (string, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end == -1 || end <= start {
		return "", fmt.Errorf("no JSON object in response")
	}
	return content[start : end+1], nil
}

// mergeHeuristics fills any field the model left empty with the
// deterministic equivalent computed from the original description.
func (a *Analyzer) mergeHeuristics(result *AnalysisResult, description string) {
	if result.SuggestedTitle == "" {
		result.SuggestedTitle = truncateTitle(description)
	}
	if result.SuggestedPriority == "" {
		result.SuggestedPriority = "medium"
	}
	if len(result.SuggestedTags) == 0 {
		result.SuggestedTags = heuristic.ExtractTags(description)
	}
	if result.EstimatedTime <= 0 {
		result.EstimatedTime = heuristic.EstimateDuration(description)
	}
	if result.SuggestedDueDate == "" {
		result.SuggestedDueDate = heuristic.ExtractDate(description, a.now())
	}
	if result.SuggestedEndTime == "" {
		result.SuggestedEndTime = heuristic.ExtractTime(description)
	}
	if result.TimeExpression == "" {
		result.TimeExpression = heuristic.ExtractTimeExpression(description)
	}
	if result.Breakdown == nil {
		result.Breakdown = []string{}
	}
	if result.Dependencies == nil {
		result.Dependencies = []string{}
	}
}

func (a *Analyzer) fallbackAnalysis(description string) *AnalysisResult {
	now := a.now()
	return &AnalysisResult{
		SuggestedTitle:    truncateTitle(description),
		SuggestedPriority: "medium",
		SuggestedTags:     heuristic.ExtractTags(description),
		EstimatedTime:     heuristic.EstimateDuration(description),
		SuggestedDueDate:  heuristic.ExtractDate(description, now),
		SuggestedEndTime:  heuristic.ExtractTime(description),
		TimeExpression:    heuristic.ExtractTimeExpression(description),
		Breakdown:         []string{},
		Dependencies:      []string{},
	}
}

// truncateTitle shortens a description to a ~20 rune title.
func truncateTitle(description string) string {
	runes := []rune(strings.TrimSpace(description))
	if len(runes) <= 20 {
		return string(runes)
	}
	return string(runes[:20]) + "…"
}

// SimpleChat sends one message through the completion provider and returns
// the raw reply. Chat has no heuristic substitute, so provider faults
// surface to the caller.
func (a *Analyzer) SimpleChat(ctx context.Context, userID, model, message string) (string, error) {
	model = normalizeModel(model)
	estimated := tokenizer.Estimate(message)

	allowance, err := a.ledger.CheckAllowance(ctx, userID, model, estimated)
	if err != nil {
		return "", err
	}
	if !allowance.Allowed {
		return "", &quota.ExceededError{Message: allowance.Message}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, chatTimeout)
	defer cancel()

	resp, err := a.client.Complete(attemptCtx, &provider.Request{
		Model:       model,
		System:      chatSystemPrompt,
		Prompt:      message,
		MaxTokens:   chatMaxTokens,
		Temperature: 0.7,
		UserID:      userID,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}

	if err := a.ledger.RecordUsage(ctx, allowance.Record, model, resp.InputTokens, resp.OutputTokens); err != nil {
		return "", err
	}

	return resp.Content, nil
}

func normalizeModel(model string) string {
	if model == quota.ModelReasoning {
		return quota.ModelReasoning
	}
	return quota.ModelFast
}
