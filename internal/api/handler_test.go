package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	extratelimit "github.com/vnmchuo/ratelimiter"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/taskpilot/internal/analyzer"
	"github.com/vnmchuo/taskpilot/internal/auth"
	"github.com/vnmchuo/taskpilot/internal/provider"
	"github.com/vnmchuo/taskpilot/internal/quota"
	"github.com/vnmchuo/taskpilot/internal/worker"
	"github.com/vnmchuo/taskpilot/pkg/ratelimit"
)

// Mock provider client
type mockClient struct {
	completeFunc func(req *provider.Request) (*provider.Response, error)
	streamFunc   func(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error)
}

func (m *mockClient) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if m.completeFunc != nil {
		return m.completeFunc(req)
	}
	return &provider.Response{Content: `{"suggested_title":"mock","estimated_time":30}`, InputTokens: 10, OutputTokens: 5}, nil
}

func (m *mockClient) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	if m.streamFunc != nil {
		return m.streamFunc(ctx, req)
	}
	ch := make(chan *provider.Chunk, 3)
	ch <- &provider.Chunk{Delta: "mock "}
	ch <- &provider.Chunk{Delta: "reply"}
	ch <- &provider.Chunk{Done: true}
	close(ch)
	return ch, nil
}

func (m *mockClient) Name() string { return "mock" }

// Mock job queue
type mockQueue struct {
	enqueueFunc func(ctx context.Context, job *worker.Job) error
	getFunc     func(ctx context.Context, jobID string) (*worker.Job, error)
}

func (m *mockQueue) Enqueue(ctx context.Context, job *worker.Job) error {
	job.Status = worker.JobStatusPending
	if m.enqueueFunc != nil {
		return m.enqueueFunc(ctx, job)
	}
	return nil
}

func (m *mockQueue) Get(ctx context.Context, jobID string) (*worker.Job, error) {
	if m.getFunc != nil {
		return m.getFunc(ctx, jobID)
	}
	return nil, worker.ErrJobNotFound
}

func (m *mockQueue) Process(ctx context.Context) {}

// Mock Limiter Store
type mockLimiterStore struct {
	allowed bool
	err     error
}

func (m *mockLimiterStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func setupTest(client provider.Client, limiterAllowed bool) (*Handler, *quota.Ledger, *quota.MemoryStore, *mockQueue) {
	store := quota.NewMemoryStore()
	ledger := quota.NewLedger(store)
	a := analyzer.New(client, ledger, zerolog.Nop())
	queue := &mockQueue{}
	limiter := ratelimit.NewTestLimiter(&mockLimiterStore{allowed: limiterAllowed})
	tracer := noop.NewTracerProvider().Tracer("test")

	return NewHandler(a, ledger, queue, limiter, tracer, zerolog.Nop()), ledger, store, queue
}

func authed(req *http.Request, userID string) *http.Request {
	return req.WithContext(auth.WithUserID(req.Context(), userID))
}

func TestHandleAnalyze_Unauthorized(t *testing.T) {
	h, _, _, _ := setupTest(&mockClient{}, true)
	req := httptest.NewRequest("POST", "/v1/ai/analyze", nil)
	w := httptest.NewRecorder()

	h.HandleAnalyze(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestHandleAnalyze_RateLimited(t *testing.T) {
	h, _, _, _ := setupTest(&mockClient{}, false)
	reqBody, _ := json.Marshal(analyzeRequest{Description: "写周报"})
	req := authed(httptest.NewRequest("POST", "/v1/ai/analyze", bytes.NewReader(reqBody)), "user-1")
	w := httptest.NewRecorder()

	h.HandleAnalyze(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "60" {
		t.Errorf("Expected Retry-After header, got %q", w.Header().Get("Retry-After"))
	}
}

func TestHandleAnalyze_InvalidBody(t *testing.T) {
	h, _, _, _ := setupTest(&mockClient{}, true)
	req := authed(httptest.NewRequest("POST", "/v1/ai/analyze", strings.NewReader(`{invalid json}`)), "user-1")
	w := httptest.NewRecorder()

	h.HandleAnalyze(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestHandleAnalyze_MissingDescription(t *testing.T) {
	h, _, _, _ := setupTest(&mockClient{}, true)
	req := authed(httptest.NewRequest("POST", "/v1/ai/analyze", strings.NewReader(`{}`)), "user-1")
	w := httptest.NewRecorder()

	h.HandleAnalyze(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["error"] != "description is required" {
		t.Errorf("Expected description is required, got %v", resp["error"])
	}
}

func TestHandleAnalyze_Success(t *testing.T) {
	h, _, _, _ := setupTest(&mockClient{}, true)
	reqBody, _ := json.Marshal(analyzeRequest{Description: "写周报"})
	req := authed(httptest.NewRequest("POST", "/v1/ai/analyze", bytes.NewReader(reqBody)), "user-1")
	w := httptest.NewRecorder()

	h.HandleAnalyze(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp["suggested_title"] != "mock" {
		t.Errorf("Expected suggested_title mock, got %v", resp["suggested_title"])
	}
}

func TestHandleAnalyze_QuotaExceeded(t *testing.T) {
	h, ledger, store, _ := setupTest(&mockClient{}, true)

	record, err := ledger.GetOrCreate(context.Background(), "user-1")
	if err != nil {
		t.Fatal(err)
	}
	record.UsedTokens[quota.ModelFast] = record.LimitTokens[quota.ModelFast]
	if err := store.Upsert(context.Background(), record); err != nil {
		t.Fatal(err)
	}

	reqBody, _ := json.Marshal(analyzeRequest{Description: "写周报"})
	req := authed(httptest.NewRequest("POST", "/v1/ai/analyze", bytes.NewReader(reqBody)), "user-1")
	w := httptest.NewRecorder()

	h.HandleAnalyze(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429, got %d", w.Code)
	}
	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !strings.Contains(resp["error"], "额度不足") {
		t.Errorf("Expected quota denial message, got %q", resp["error"])
	}
}

func TestHandleChat_Success(t *testing.T) {
	client := &mockClient{
		completeFunc: func(req *provider.Request) (*provider.Response, error) {
			return &provider.Response{Content: "建议分优先级处理。", InputTokens: 10, OutputTokens: 8}, nil
		},
	}
	h, _, _, _ := setupTest(client, true)

	reqBody, _ := json.Marshal(chatRequest{Message: "今天怎么安排？"})
	req := authed(httptest.NewRequest("POST", "/v1/ai/chat", bytes.NewReader(reqBody)), "user-1")
	w := httptest.NewRecorder()

	h.HandleChat(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["reply"] != "建议分优先级处理。" {
		t.Errorf("Expected reply, got %v", resp["reply"])
	}
}

func TestHandleChat_ProviderTimeout(t *testing.T) {
	client := &mockClient{
		completeFunc: func(req *provider.Request) (*provider.Response, error) {
			return nil, context.DeadlineExceeded
		},
	}
	h, _, _, _ := setupTest(client, true)

	reqBody, _ := json.Marshal(chatRequest{Message: "hi"})
	req := authed(httptest.NewRequest("POST", "/v1/ai/chat", bytes.NewReader(reqBody)), "user-1")
	w := httptest.NewRecorder()

	h.HandleChat(w, req)

	if w.Code != http.StatusGatewayTimeout {
		t.Errorf("Expected 504, got %d", w.Code)
	}
}

func TestHandleChat_ProviderError(t *testing.T) {
	client := &mockClient{
		completeFunc: func(req *provider.Request) (*provider.Response, error) {
			return nil, errors.New("connection refused")
		},
	}
	h, _, _, _ := setupTest(client, true)

	reqBody, _ := json.Marshal(chatRequest{Message: "hi"})
	req := authed(httptest.NewRequest("POST", "/v1/ai/chat", bytes.NewReader(reqBody)), "user-1")
	w := httptest.NewRecorder()

	h.HandleChat(w, req)

	if w.Code != http.StatusBadGateway {
		t.Errorf("Expected 502, got %d", w.Code)
	}
}

func TestHandleBreakdown_Success(t *testing.T) {
	client := &mockClient{
		completeFunc: func(req *provider.Request) (*provider.Response, error) {
			return &provider.Response{
				Content:      `{"analysis":"ok","subtasks":[{"title":"a","estimated_time":30,"priority":"high"}]}`,
				InputTokens:  10,
				OutputTokens: 5,
			}, nil
		},
	}
	h, _, _, _ := setupTest(client, true)

	reqBody, _ := json.Marshal(breakdownRequest{Description: "开发功能", Model: "reasoning"})
	req := authed(httptest.NewRequest("POST", "/v1/ai/breakdown", bytes.NewReader(reqBody)), "user-1")
	w := httptest.NewRecorder()

	h.HandleBreakdown(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	subtasks := resp["subtasks"].([]interface{})
	if len(subtasks) != 1 {
		t.Errorf("Expected 1 subtask, got %d", len(subtasks))
	}
}

func TestHandleStreamChat_Success(t *testing.T) {
	h, _, _, _ := setupTest(&mockClient{}, true)

	reqBody, _ := json.Marshal(chatRequest{Message: "hi"})
	req := authed(httptest.NewRequest("POST", "/v1/ai/chat/stream", bytes.NewReader(reqBody)), "user-1")
	w := httptest.NewRecorder()

	h.HandleStreamChat(w, req)

	if w.Header().Get("Content-Type") != "text/event-stream" {
		t.Errorf("Expected text/event-stream content type, got %s", w.Header().Get("Content-Type"))
	}

	body := w.Body.String()
	if !strings.Contains(body, `{"content":"mock "}`) && !strings.Contains(body, `"type":"chunk"`) {
		t.Errorf("Body missing chunk events: %s", body)
	}
	if !strings.Contains(body, `"type":"complete"`) {
		t.Errorf("Body missing complete event: %s", body)
	}
	if !strings.Contains(body, "mock reply") {
		t.Errorf("Body missing accumulated content: %s", body)
	}
	if !strings.Contains(body, "data: [DONE]") {
		t.Errorf("Body missing DONE marker: %s", body)
	}
}

func TestHandleStreamBreakdown_QuotaExceeded(t *testing.T) {
	h, ledger, store, _ := setupTest(&mockClient{}, true)

	record, _ := ledger.GetOrCreate(context.Background(), "user-1")
	record.UsedTokens[quota.ModelFast] = record.LimitTokens[quota.ModelFast]
	if err := store.Upsert(context.Background(), record); err != nil {
		t.Fatal(err)
	}

	reqBody, _ := json.Marshal(breakdownRequest{Description: "开发功能"})
	req := authed(httptest.NewRequest("POST", "/v1/ai/breakdown/stream", bytes.NewReader(reqBody)), "user-1")
	w := httptest.NewRecorder()

	h.HandleStreamBreakdown(w, req)

	body := w.Body.String()
	if !strings.Contains(body, `"type":"error"`) {
		t.Errorf("Body missing error event: %s", body)
	}
	if strings.Contains(body, "data: [DONE]") {
		t.Errorf("Denied stream must not signal DONE: %s", body)
	}
}

func TestHandleClassify(t *testing.T) {
	h, _, _, _ := setupTest(&mockClient{}, true)

	reqBody, _ := json.Marshal(classifyRequest{Content: "今天开会很顺利，完成了方案评审"})
	req := authed(httptest.NewRequest("POST", "/v1/ai/classify", bytes.NewReader(reqBody)), "user-1")
	w := httptest.NewRecorder()

	h.HandleClassify(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["type"] != "work" {
		t.Errorf("Expected work type, got %v", resp["type"])
	}
	if resp["sentiment"] != "positive" {
		t.Errorf("Expected positive sentiment, got %v", resp["sentiment"])
	}
}

func TestHandleQuotaStatus(t *testing.T) {
	h, _, _, _ := setupTest(&mockClient{}, true)

	req := authed(httptest.NewRequest("GET", "/v1/ai/quota", nil), "user-1")
	w := httptest.NewRecorder()

	h.HandleQuotaStatus(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp quota.StatusView
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.LimitTokens[quota.ModelFast] != 50000 {
		t.Errorf("Expected fast limit 50000, got %d", resp.LimitTokens[quota.ModelFast])
	}
	if resp.Remaining[quota.ModelFast] != 50000 {
		t.Errorf("Expected fast remaining 50000, got %d", resp.Remaining[quota.ModelFast])
	}
}

func TestHandleCreateJob(t *testing.T) {
	h, _, _, _ := setupTest(&mockClient{}, true)

	reqBody, _ := json.Marshal(jobRequest{Description: "开发功能", Model: "reasoning"})
	req := authed(httptest.NewRequest("POST", "/v1/ai/jobs", bytes.NewReader(reqBody)), "user-1")
	w := httptest.NewRecorder()

	h.HandleCreateJob(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", w.Code)
	}
	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["job_id"] == "" {
		t.Errorf("Expected job_id in response")
	}
	if resp["status"] != "pending" {
		t.Errorf("Expected pending status, got %q", resp["status"])
	}
}

func TestHandleGetJob_NotFound(t *testing.T) {
	h, _, _, _ := setupTest(&mockClient{}, true)

	req := authed(httptest.NewRequest("GET", "/v1/ai/jobs/nope", nil), "user-1")
	w := httptest.NewRecorder()

	h.HandleGetJob(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestHandleGetJob_OtherUsersJobHidden(t *testing.T) {
	h, _, _, queue := setupTest(&mockClient{}, true)
	queue.getFunc = func(ctx context.Context, jobID string) (*worker.Job, error) {
		return &worker.Job{ID: jobID, UserID: "someone-else", Status: worker.JobStatusDone}, nil
	}

	req := authed(httptest.NewRequest("GET", "/v1/ai/jobs/job-1", nil), "user-1")
	w := httptest.NewRecorder()

	h.HandleGetJob(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for another user's job, got %d", w.Code)
	}
}

func TestHandleGetJob_Success(t *testing.T) {
	h, _, _, queue := setupTest(&mockClient{}, true)
	queue.getFunc = func(ctx context.Context, jobID string) (*worker.Job, error) {
		return &worker.Job{ID: jobID, UserID: "user-1", Status: worker.JobStatusDone}, nil
	}

	r := chi.NewRouter()
	r.Get("/v1/ai/jobs/{id}", h.HandleGetJob)

	req := authed(httptest.NewRequest("GET", "/v1/ai/jobs/job-1", nil), "user-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var job worker.Job
	json.Unmarshal(w.Body.Bytes(), &job)
	if job.ID != "job-1" || job.Status != worker.JobStatusDone {
		t.Errorf("job = %+v", job)
	}
}
