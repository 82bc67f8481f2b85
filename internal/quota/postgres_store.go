package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, userID string) (*Record, error) {
	query := `
		SELECT user_id, tier, status, used_fast, used_reasoning, limit_fast, limit_reasoning,
		       total_cost, valid_until, last_reset_at, created_at, updated_at
		FROM quota_records
		WHERE user_id = $1
	`

	var r Record
	var usedFast, usedReasoning, limitFast, limitReasoning int
	err := s.db.QueryRow(ctx, query, userID).Scan(
		&r.UserID, &r.Tier, &r.Status, &usedFast, &usedReasoning, &limitFast, &limitReasoning,
		&r.TotalCost, &r.ValidUntil, &r.LastResetAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to get quota record: %w", err)
	}

	r.UsedTokens = map[string]int{ModelFast: usedFast, ModelReasoning: usedReasoning}
	r.LimitTokens = map[string]int{ModelFast: limitFast, ModelReasoning: limitReasoning}
	return &r, nil
}

// Upsert writes the whole record atomically; the insert path doubles as the
// atomic get-or-create so concurrent first access for one user cannot
// produce two rows.
func (s *PostgresStore) Upsert(ctx context.Context, record *Record) error {
	query := `
		INSERT INTO quota_records (user_id, tier, status, used_fast, used_reasoning, limit_fast, limit_reasoning,
		                           total_cost, valid_until, last_reset_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (user_id) DO UPDATE SET
			tier = EXCLUDED.tier,
			status = EXCLUDED.status,
			used_fast = EXCLUDED.used_fast,
			used_reasoning = EXCLUDED.used_reasoning,
			limit_fast = EXCLUDED.limit_fast,
			limit_reasoning = EXCLUDED.limit_reasoning,
			total_cost = EXCLUDED.total_cost,
			valid_until = EXCLUDED.valid_until,
			last_reset_at = EXCLUDED.last_reset_at,
			updated_at = EXCLUDED.updated_at
	`

	_, err := s.db.Exec(ctx, query,
		record.UserID, record.Tier, record.Status,
		record.UsedTokens[ModelFast], record.UsedTokens[ModelReasoning],
		record.LimitTokens[ModelFast], record.LimitTokens[ModelReasoning],
		record.TotalCost, record.ValidUntil, record.LastResetAt, record.CreatedAt, record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert quota record: %w", err)
	}

	return nil
}
