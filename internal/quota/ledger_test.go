package quota

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

func newTestLedger() (*Ledger, *MemoryStore) {
	store := NewMemoryStore()
	return NewLedger(store), store
}

func TestGetOrCreate_Defaults(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	record, err := ledger.GetOrCreate(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	if record.Tier != TierFree {
		t.Errorf("Tier = %q, want free", record.Tier)
	}
	if record.LimitTokens[ModelFast] != 50000 {
		t.Errorf("fast limit = %d, want 50000", record.LimitTokens[ModelFast])
	}
	if record.LimitTokens[ModelReasoning] != 10000 {
		t.Errorf("reasoning limit = %d, want 10000", record.LimitTokens[ModelReasoning])
	}
	if record.UsedTokens[ModelFast] != 0 || record.UsedTokens[ModelReasoning] != 0 {
		t.Errorf("new record has non-zero usage: %v", record.UsedTokens)
	}
}

func TestGetOrCreate_Idempotent(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	first, err := ledger.GetOrCreate(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	second, err := ledger.GetOrCreate(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if !first.CreatedAt.Equal(second.CreatedAt) {
		t.Errorf("second access recreated the record")
	}
}

func TestCheckAllowance_Boundary(t *testing.T) {
	ledger, store := newTestLedger()
	ctx := context.Background()

	record, _ := ledger.GetOrCreate(ctx, "user-1")
	record.UsedTokens[ModelFast] = 49800
	if err := store.Upsert(ctx, record); err != nil {
		t.Fatal(err)
	}

	// used + estimated == limit: allowed.
	allowance, err := ledger.CheckAllowance(ctx, "user-1", ModelFast, 200)
	if err != nil {
		t.Fatalf("CheckAllowance failed: %v", err)
	}
	if !allowance.Allowed {
		t.Errorf("exact-fit request should be allowed")
	}

	// used + estimated > limit: denied.
	allowance, err = ledger.CheckAllowance(ctx, "user-1", ModelFast, 201)
	if err != nil {
		t.Fatalf("CheckAllowance failed: %v", err)
	}
	if allowance.Allowed {
		t.Errorf("over-limit request should be denied")
	}
}

func TestCheckAllowance_DenialMessage(t *testing.T) {
	ledger, store := newTestLedger()
	ctx := context.Background()

	record, _ := ledger.GetOrCreate(ctx, "user-1")
	record.UsedTokens[ModelFast] = 49900
	if err := store.Upsert(ctx, record); err != nil {
		t.Fatal(err)
	}

	allowance, err := ledger.CheckAllowance(ctx, "user-1", ModelFast, 200)
	if err != nil {
		t.Fatalf("CheckAllowance failed: %v", err)
	}
	if allowance.Allowed {
		t.Fatal("request should be denied")
	}
	if !strings.Contains(allowance.Message, "49900/50000") {
		t.Errorf("message %q should contain used/limit 49900/50000", allowance.Message)
	}
	if !strings.Contains(allowance.Message, ModelFast) {
		t.Errorf("message %q should name the model", allowance.Message)
	}
	if !strings.Contains(allowance.Message, "200") {
		t.Errorf("message %q should report the requested amount", allowance.Message)
	}
}

func TestCheckAllowance_ModelsIndependent(t *testing.T) {
	ledger, store := newTestLedger()
	ctx := context.Background()

	record, _ := ledger.GetOrCreate(ctx, "user-1")
	record.UsedTokens[ModelFast] = 50000
	if err := store.Upsert(ctx, record); err != nil {
		t.Fatal(err)
	}

	allowance, _ := ledger.CheckAllowance(ctx, "user-1", ModelFast, 1)
	if allowance.Allowed {
		t.Errorf("fast should be exhausted")
	}
	allowance, _ = ledger.CheckAllowance(ctx, "user-1", ModelReasoning, 1)
	if !allowance.Allowed {
		t.Errorf("reasoning should be untouched by fast usage")
	}
}

func TestCheckAllowance_PaidBypass(t *testing.T) {
	ledger, store := newTestLedger()
	ctx := context.Background()

	record, _ := ledger.GetOrCreate(ctx, "user-1")
	record.Tier = TierPaid
	record.UsedTokens[ModelFast] = 999999
	if err := store.Upsert(ctx, record); err != nil {
		t.Fatal(err)
	}

	allowance, err := ledger.CheckAllowance(ctx, "user-1", ModelFast, 100000)
	if err != nil {
		t.Fatalf("CheckAllowance failed: %v", err)
	}
	if !allowance.Allowed {
		t.Errorf("paid tier must bypass the limit check")
	}
}

func TestRecordUsage_Additive(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	record, _ := ledger.GetOrCreate(ctx, "user-1")

	if err := ledger.RecordUsage(ctx, record, ModelFast, 1000, 500); err != nil {
		t.Fatalf("RecordUsage failed: %v", err)
	}
	if record.UsedTokens[ModelFast] != 1500 {
		t.Errorf("used = %d, want 1500", record.UsedTokens[ModelFast])
	}

	// No deduplication: same call again doubles the counters.
	if err := ledger.RecordUsage(ctx, record, ModelFast, 1000, 500); err != nil {
		t.Fatalf("RecordUsage failed: %v", err)
	}
	if record.UsedTokens[ModelFast] != 3000 {
		t.Errorf("used = %d, want 3000", record.UsedTokens[ModelFast])
	}
}

func TestRecordUsage_Cost(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	record, _ := ledger.GetOrCreate(ctx, "user-1")

	// fast: 1000 * 0.002/1000 + 500 * 0.008/1000 = 0.002 + 0.004 = 0.006
	if err := ledger.RecordUsage(ctx, record, ModelFast, 1000, 500); err != nil {
		t.Fatalf("RecordUsage failed: %v", err)
	}
	if math.Abs(record.TotalCost-0.006) > 1e-9 {
		t.Errorf("TotalCost = %v, want 0.006", record.TotalCost)
	}

	// reasoning: 1000 * 0.004/1000 + 500 * 0.016/1000 = 0.004 + 0.008 = 0.012
	if err := ledger.RecordUsage(ctx, record, ModelReasoning, 1000, 500); err != nil {
		t.Fatalf("RecordUsage failed: %v", err)
	}
	if math.Abs(record.TotalCost-0.018) > 1e-9 {
		t.Errorf("TotalCost = %v, want 0.018", record.TotalCost)
	}
}

func TestCost_Reproducible(t *testing.T) {
	a := Cost(ModelFast, 12345, 6789)
	b := Cost(ModelFast, 12345, 6789)
	if a != b {
		t.Errorf("Cost not reproducible: %v vs %v", a, b)
	}
	if got := Cost(ModelFast, 0, 0); got != 0 {
		t.Errorf("zero usage should cost 0, got %v", got)
	}
}

func TestLazyReset(t *testing.T) {
	ledger, store := newTestLedger()
	ctx := context.Background()

	record, _ := ledger.GetOrCreate(ctx, "user-1")
	record.UsedTokens[ModelFast] = 42000
	record.TotalCost = 1.5
	record.LastResetAt = time.Now().Add(-31 * 24 * time.Hour)
	if err := store.Upsert(ctx, record); err != nil {
		t.Fatal(err)
	}

	reset, err := ledger.GetOrCreate(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if reset.UsedTokens[ModelFast] != 0 {
		t.Errorf("31-day-old counters not reset: %d", reset.UsedTokens[ModelFast])
	}
	if reset.TotalCost != 0 {
		t.Errorf("31-day-old cost not reset: %v", reset.TotalCost)
	}
	if time.Since(reset.LastResetAt) > time.Minute {
		t.Errorf("LastResetAt not refreshed: %v", reset.LastResetAt)
	}

	// The reset must be persisted, not just applied to the returned copy.
	stored, err := store.Get(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if stored.UsedTokens[ModelFast] != 0 {
		t.Errorf("reset not persisted")
	}
}

func TestLazyReset_NotYetDue(t *testing.T) {
	ledger, store := newTestLedger()
	ctx := context.Background()

	record, _ := ledger.GetOrCreate(ctx, "user-1")
	record.UsedTokens[ModelFast] = 42000
	record.LastResetAt = time.Now().Add(-29 * 24 * time.Hour)
	if err := store.Upsert(ctx, record); err != nil {
		t.Fatal(err)
	}

	kept, err := ledger.GetOrCreate(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if kept.UsedTokens[ModelFast] != 42000 {
		t.Errorf("29-day-old counters were reset early")
	}
}

func TestStatus(t *testing.T) {
	ledger, store := newTestLedger()
	ctx := context.Background()

	record, _ := ledger.GetOrCreate(ctx, "user-1")
	record.UsedTokens[ModelFast] = 25000
	record.TotalCost = 0.42
	if err := store.Upsert(ctx, record); err != nil {
		t.Fatal(err)
	}

	view, err := ledger.Status(ctx, "user-1")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if view.Remaining[ModelFast] != 25000 {
		t.Errorf("remaining = %d, want 25000", view.Remaining[ModelFast])
	}
	if view.UsagePercent[ModelFast] != 50 {
		t.Errorf("usage percent = %d, want 50", view.UsagePercent[ModelFast])
	}
	if view.TotalCost != 0.42 {
		t.Errorf("total cost = %v, want 0.42", view.TotalCost)
	}
}

type failingStore struct{}

func (s *failingStore) Get(ctx context.Context, userID string) (*Record, error) {
	return nil, errors.New("connection refused")
}

func (s *failingStore) Upsert(ctx context.Context, record *Record) error {
	return errors.New("connection refused")
}

func TestStorageFailurePropagates(t *testing.T) {
	ledger := NewLedger(&failingStore{})

	if _, err := ledger.GetOrCreate(context.Background(), "user-1"); err == nil {
		t.Errorf("storage failure should propagate from GetOrCreate")
	}
	if _, err := ledger.CheckAllowance(context.Background(), "user-1", ModelFast, 10); err == nil {
		t.Errorf("storage failure should propagate from CheckAllowance")
	}
}
