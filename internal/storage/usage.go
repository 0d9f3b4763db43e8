package storage

import (
	"context"
	"fmt"

	"github.com/SirClappington/prodq/internal/domain"
)

// EnsureUsage returns the month's usage record, creating it with zero calls.
func (s *Store) EnsureUsage(ctx context.Context, month string, limit int) (domain.UsageRecord, error) {
	if _, err := s.db.Exec(ctx, `insert into api_usage(month, calls_used, calls_limit)
values ($1, 0, $2) on conflict (month) do nothing`, month, limit); err != nil {
		return domain.UsageRecord{}, fmt.Errorf("ensure usage %s: %w", month, err)
	}
	var r domain.UsageRecord
	err := s.db.QueryRow(ctx, `select month, calls_used, calls_limit, updated_at
  from api_usage where month = $1`, month).Scan(&r.Month, &r.CallsUsed, &r.CallsLimit, &r.UpdatedAt)
	if err != nil {
		return domain.UsageRecord{}, notFound(err)
	}
	return r, nil
}

// IncrementUsage adds n calls to the month, creating the record if needed.
func (s *Store) IncrementUsage(ctx context.Context, month string, limit, n int) error {
	_, err := s.db.Exec(ctx, `insert into api_usage(month, calls_used, calls_limit)
values ($1, $3, $2)
on conflict (month) do update
   set calls_used = api_usage.calls_used + excluded.calls_used, updated_at = now()`, month, limit, n)
	if err != nil {
		return fmt.Errorf("increment usage %s: %w", month, err)
	}
	return nil
}
