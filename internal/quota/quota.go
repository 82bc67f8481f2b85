package quota

import (
	"context"
	"errors"
	"time"
)

// Model classes. Quota counters, limits and pricing are tracked per class;
// mapping a class to a concrete provider model name is a config concern.
const (
	ModelFast      = "fast"
	ModelReasoning = "reasoning"
)

type Tier string

const (
	TierFree Tier = "free"
	TierPaid Tier = "paid"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Free-tier monthly token limits per model class.
var defaultLimits = map[string]int{
	ModelFast:      50000,
	ModelReasoning: 10000,
}

// resetInterval is how long counters live before the lazy monthly reset.
const resetInterval = 30 * 24 * time.Hour

// Pricing is currency units per 1K tokens.
type Pricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

var pricing = map[string]Pricing{
	ModelFast:      {InputPer1K: 0.002, OutputPer1K: 0.008},
	ModelReasoning: {InputPer1K: 0.004, OutputPer1K: 0.016},
}

// Record is the per-user quota state. It is created lazily with free-tier
// defaults on first access and updated in place afterwards; this package
// never deletes it.
type Record struct {
	UserID      string
	Tier        Tier
	Status      Status
	UsedTokens  map[string]int
	LimitTokens map[string]int
	TotalCost   float64
	ValidUntil  *time.Time
	LastResetAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Allowance is the result of a quota pre-check. Message is user-facing and
// only set on denial.
type Allowance struct {
	Allowed bool
	Record  *Record
	Message string
}

// StatusView is the external reporting shape for a user's quota.
type StatusView struct {
	UserID       string         `json:"user_id"`
	Tier         Tier           `json:"tier"`
	Status       Status         `json:"status"`
	UsedTokens   map[string]int `json:"used_tokens"`
	LimitTokens  map[string]int `json:"limit_tokens"`
	Remaining    map[string]int `json:"remaining"`
	UsagePercent map[string]int `json:"usage_percent"`
	TotalCost    float64        `json:"total_cost"`
	ValidUntil   *time.Time     `json:"valid_until,omitempty"`
	LastResetAt  time.Time      `json:"last_reset_at"`
}

// ExceededError carries the user-facing denial message from a failed
// allowance check.
type ExceededError struct {
	Message string
}

func (e *ExceededError) Error() string {
	return e.Message
}

var ErrRecordNotFound = errors.New("quota record not found")

// Store is the persistence port for quota records. Get returns
// ErrRecordNotFound when no record exists for the user.
type Store interface {
	Get(ctx context.Context, userID string) (*Record, error)
	Upsert(ctx context.Context, record *Record) error
}
