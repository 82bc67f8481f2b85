package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/taskpilot/internal/analyzer"
	"github.com/vnmchuo/taskpilot/internal/auth"
	"github.com/vnmchuo/taskpilot/internal/heuristic"
	"github.com/vnmchuo/taskpilot/internal/quota"
	"github.com/vnmchuo/taskpilot/internal/worker"
	"github.com/vnmchuo/taskpilot/pkg/ratelimit"
)

type Handler struct {
	analyzer *analyzer.Analyzer
	ledger   *quota.Ledger
	queue    worker.Queue
	limiter  *ratelimit.Limiter
	tracer   trace.Tracer
	logger   zerolog.Logger
}

func NewHandler(a *analyzer.Analyzer, ledger *quota.Ledger, queue worker.Queue, limiter *ratelimit.Limiter, tracer trace.Tracer, logger zerolog.Logger) *Handler {
	return &Handler{
		analyzer: a,
		ledger:   ledger,
		queue:    queue,
		limiter:  limiter,
		tracer:   tracer,
		logger:   logger,
	}
}

type analyzeRequest struct {
	Description string `json:"description"`
}

type breakdownRequest struct {
	Description string `json:"description"`
	Model       string `json:"model"`
}

type chatRequest struct {
	Message string `json:"message"`
	Model   string `json:"model"`
}

type classifyRequest struct {
	Content string `json:"content"`
}

type jobRequest struct {
	Description string `json:"description"`
	Model       string `json:"model"`
	CallbackURL string `json:"callback_url"`
}

func (h *Handler) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.prepare(w, r)
	if !ok {
		return
	}

	var req analyzeRequest
	if !h.decode(w, r, &req) || !h.require(w, req.Description, "description") {
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "ai.analyze")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userID))

	result, err := h.analyzer.Analyze(ctx, userID, req.Description)
	if err != nil {
		h.writeAIError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) HandleBreakdown(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.prepare(w, r)
	if !ok {
		return
	}

	var req breakdownRequest
	if !h.decode(w, r, &req) || !h.require(w, req.Description, "description") {
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "ai.breakdown")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userID), attribute.String("model", req.Model))

	result, err := h.analyzer.Breakdown(ctx, userID, req.Model, req.Description)
	if err != nil {
		h.writeAIError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.prepare(w, r)
	if !ok {
		return
	}

	var req chatRequest
	if !h.decode(w, r, &req) || !h.require(w, req.Message, "message") {
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "ai.chat")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userID), attribute.String("model", req.Model))

	reply, err := h.analyzer.SimpleChat(ctx, userID, req.Model, req.Message)
	if err != nil {
		h.writeAIError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"reply": reply})
}

func (h *Handler) HandleStreamBreakdown(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.prepare(w, r)
	if !ok {
		return
	}

	var req breakdownRequest
	if !h.decode(w, r, &req) || !h.require(w, req.Description, "description") {
		return
	}

	events := h.analyzer.StreamBreakdown(r.Context(), userID, req.Model, req.Description)
	h.serveStream(w, events, func(ev analyzer.Event) any {
		return map[string]any{"type": "complete", "data": ev.Result}
	})
}

func (h *Handler) HandleStreamChat(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.prepare(w, r)
	if !ok {
		return
	}

	var req chatRequest
	if !h.decode(w, r, &req) || !h.require(w, req.Message, "message") {
		return
	}

	events := h.analyzer.StreamChat(r.Context(), userID, req.Model, req.Message)
	h.serveStream(w, events, func(ev analyzer.Event) any {
		return map[string]any{"type": "complete", "data": map[string]string{"content": ev.Content}}
	})
}

// serveStream forwards orchestrator events as server-sent events. Partial
// output already flushed is never retracted; a late failure simply ends
// the stream with an error event.
func (h *Handler) serveStream(w http.ResponseWriter, events <-chan analyzer.Event, complete func(analyzer.Event) any) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	for ev := range events {
		switch ev.Type {
		case analyzer.EventChunk:
			h.writeSSE(w, flusher, map[string]string{"type": "chunk", "content": ev.Content})
		case analyzer.EventComplete:
			h.writeSSE(w, flusher, complete(ev))
			fmt.Fprintf(w, "data: [DONE]\n\n")
			flusher.Flush()
		case analyzer.EventError:
			h.writeSSE(w, flusher, map[string]string{"type": "error", "error": ev.Err.Error()})
		}
	}
}

func (h *Handler) writeSSE(w http.ResponseWriter, flusher http.Flusher, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to encode sse event")
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

// HandleClassify runs the pure heuristic classification. No provider call,
// no quota spend, so it skips the rate limiter as well.
func (h *Handler) HandleClassify(w http.ResponseWriter, r *http.Request) {
	userID := auth.GetUserID(r.Context())
	if userID == "" {
		h.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	var req classifyRequest
	if !h.decode(w, r, &req) || !h.require(w, req.Content, "content") {
		return
	}

	h.writeJSON(w, http.StatusOK, heuristic.Classify(req.Content, time.Now()))
}

func (h *Handler) HandleQuotaStatus(w http.ResponseWriter, r *http.Request) {
	userID := auth.GetUserID(r.Context())
	if userID == "" {
		h.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	view, err := h.ledger.Status(r.Context(), userID)
	if err != nil {
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	h.writeJSON(w, http.StatusOK, view)
}

func (h *Handler) HandleCreateJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.prepare(w, r)
	if !ok {
		return
	}

	var req jobRequest
	if !h.decode(w, r, &req) || !h.require(w, req.Description, "description") {
		return
	}

	job := &worker.Job{
		ID:          uuid.New().String(),
		UserID:      userID,
		Model:       req.Model,
		Description: req.Description,
		CallbackURL: req.CallbackURL,
	}

	if err := h.queue.Enqueue(r.Context(), job); err != nil {
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.ID,
		"status": string(job.Status),
	})
}

func (h *Handler) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	userID := auth.GetUserID(r.Context())
	if userID == "" {
		h.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	job, err := h.queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil || job.UserID != userID {
		h.writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}

	h.writeJSON(w, http.StatusOK, job)
}

// prepare handles the checks shared by the AI endpoints: an authenticated
// user and the per-user request rate limit.
func (h *Handler) prepare(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := auth.GetUserID(r.Context())
	if userID == "" {
		h.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return "", false
	}

	allowed, err := h.limiter.Allow(r.Context(), userID)
	if err != nil || !allowed {
		w.Header().Set("Retry-After", "60")
		h.writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":       "rate limit exceeded",
			"retry_after": "60s",
		})
		return "", false
	}

	return userID, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

func (h *Handler) require(w http.ResponseWriter, value, field string) bool {
	if value == "" {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": field + " is required"})
		return false
	}
	return true
}

// writeAIError maps orchestrator errors to HTTP statuses: quota denials
// surface verbatim as 429, provider timeouts as 504, everything else
// (storage and provider faults) as 502.
func (h *Handler) writeAIError(w http.ResponseWriter, err error) {
	var exceeded *quota.ExceededError
	if errors.As(err, &exceeded) {
		h.writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": exceeded.Message})
		return
	}

	if errors.Is(err, context.DeadlineExceeded) {
		h.writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": "provider timeout"})
		return
	}

	h.logger.Error().Err(err).Msg("ai request failed")
	h.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error().Err(err).Msg("failed to encode response")
	}
}
