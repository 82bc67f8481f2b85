package quota

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// Ledger owns quota records: lazy creation, the monthly lazy reset,
// allowance checks and usage recording. Check-then-record sequences for
// the same user are serialized with a per-user mutex so concurrent
// analyses cannot lose counter updates; different users never contend.
type Ledger struct {
	store Store
	locks sync.Map // userID -> *sync.Mutex
	now   func() time.Time
}

func NewLedger(store Store) *Ledger {
	return &Ledger{
		store: store,
		now:   time.Now,
	}
}

func (l *Ledger) userLock(userID string) *sync.Mutex {
	mu, _ := l.locks.LoadOrStore(userID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// GetOrCreate returns the user's quota record, creating it with free-tier
// defaults on first access. Every access runs the lazy reset rule: once
// lastResetAt is 30 days old, counters and cost are zeroed and persisted
// before the record is returned. There is no background timer; correctness
// relies on every quota check passing through here.
func (l *Ledger) GetOrCreate(ctx context.Context, userID string) (*Record, error) {
	mu := l.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	return l.getOrCreateLocked(ctx, userID)
}

func (l *Ledger) getOrCreateLocked(ctx context.Context, userID string) (*Record, error) {
	now := l.now()

	record, err := l.store.Get(ctx, userID)
	if err == ErrRecordNotFound {
		record = &Record{
			UserID:      userID,
			Tier:        TierFree,
			Status:      StatusActive,
			UsedTokens:  map[string]int{ModelFast: 0, ModelReasoning: 0},
			LimitTokens: map[string]int{ModelFast: defaultLimits[ModelFast], ModelReasoning: defaultLimits[ModelReasoning]},
			LastResetAt: now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := l.store.Upsert(ctx, record); err != nil {
			return nil, fmt.Errorf("failed to create quota record: %w", err)
		}
		return record, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load quota record: %w", err)
	}

	if now.Sub(record.LastResetAt) >= resetInterval {
		for model := range record.UsedTokens {
			record.UsedTokens[model] = 0
		}
		record.TotalCost = 0
		record.LastResetAt = now
		record.UpdatedAt = now
		if err := l.store.Upsert(ctx, record); err != nil {
			return nil, fmt.Errorf("failed to reset quota record: %w", err)
		}
	}

	return record, nil
}

// CheckAllowance reports whether the user may spend estimatedTokens on the
// given model class. Only the free tier is limited; paid tiers always pass.
func (l *Ledger) CheckAllowance(ctx context.Context, userID, model string, estimatedTokens int) (*Allowance, error) {
	mu := l.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	record, err := l.getOrCreateLocked(ctx, userID)
	if err != nil {
		return nil, err
	}

	if record.Tier != TierFree {
		return &Allowance{Allowed: true, Record: record}, nil
	}

	used := record.UsedTokens[model]
	limit := record.LimitTokens[model]
	if limit == 0 {
		limit = defaultLimits[model]
	}

	if used+estimatedTokens > limit {
		return &Allowance{
			Allowed: false,
			Record:  record,
			Message: fmt.Sprintf("%s 模型本月额度不足：已使用 %d/%d tokens，本次请求约需 %d tokens，请下月再试或升级套餐", model, used, limit, estimatedTokens),
		}, nil
	}

	return &Allowance{Allowed: true, Record: record}, nil
}

// RecordUsage adds input+output tokens to the model's counter and the
// corresponding cost to the running total, then persists. It is purely
// additive: recording the same usage twice doubles the counters. The fresh
// state is re-read under the user lock and copied back into record.
func (l *Ledger) RecordUsage(ctx context.Context, record *Record, model string, inputTokens, outputTokens int) error {
	mu := l.userLock(record.UserID)
	mu.Lock()
	defer mu.Unlock()

	fresh, err := l.getOrCreateLocked(ctx, record.UserID)
	if err != nil {
		return err
	}

	if fresh.UsedTokens == nil {
		fresh.UsedTokens = make(map[string]int)
	}
	fresh.UsedTokens[model] += inputTokens + outputTokens
	fresh.TotalCost = round4(fresh.TotalCost + Cost(model, inputTokens, outputTokens))
	fresh.UpdatedAt = l.now()

	if err := l.store.Upsert(ctx, fresh); err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}

	record.UsedTokens = fresh.UsedTokens
	record.TotalCost = fresh.TotalCost
	record.UpdatedAt = fresh.UpdatedAt
	return nil
}

// Cost computes the monetary cost of a single call, rounded to 4 decimals.
func Cost(model string, inputTokens, outputTokens int) float64 {
	p := pricing[model]
	cost := float64(inputTokens)*p.InputPer1K/1000 + float64(outputTokens)*p.OutputPer1K/1000
	return round4(cost)
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// Status builds the external reporting view for a user.
func (l *Ledger) Status(ctx context.Context, userID string) (*StatusView, error) {
	record, err := l.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}

	view := &StatusView{
		UserID:       record.UserID,
		Tier:         record.Tier,
		Status:       record.Status,
		UsedTokens:   record.UsedTokens,
		LimitTokens:  record.LimitTokens,
		Remaining:    make(map[string]int, len(record.LimitTokens)),
		UsagePercent: make(map[string]int, len(record.LimitTokens)),
		TotalCost:    record.TotalCost,
		ValidUntil:   record.ValidUntil,
		LastResetAt:  record.LastResetAt,
	}

	for model, limit := range record.LimitTokens {
		used := record.UsedTokens[model]
		remaining := limit - used
		if remaining < 0 {
			remaining = 0
		}
		view.Remaining[model] = remaining
		if limit > 0 {
			view.UsagePercent[model] = int(math.Round(float64(used) / float64(limit) * 100))
		}
	}

	return view, nil
}
