// Package usage gates external API calls against a monthly quota.
package usage

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/SirClappington/prodq/internal/domain"
)

// ErrQuotaExceeded is returned when this month's call budget is spent.
var ErrQuotaExceeded = errors.New("monthly API call limit exceeded")

const monthLayout = "2006-01"

// Store persists one usage record per calendar month.
type Store interface {
	// EnsureUsage returns the month's record, creating it with zero usage if absent.
	EnsureUsage(ctx context.Context, month string, limit int) (domain.UsageRecord, error)
	// IncrementUsage adds n calls to the month's record.
	IncrementUsage(ctx context.Context, month string, limit, n int) error
}

type Stats struct {
	Month      string  `json:"month"`
	CallsUsed  int     `json:"callsUsed"`
	CallsLimit int     `json:"callsLimit"`
	Remaining  int     `json:"remaining"`
	Percent    float64 `json:"percentUsed"`
}

type Limiter struct {
	store Store
	limit int
	now   func() time.Time
}

func NewLimiter(store Store, monthlyLimit int) *Limiter {
	return &Limiter{store: store, limit: monthlyLimit, now: time.Now}
}

// WithClock replaces the wall clock, for tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

func (l *Limiter) month() string { return l.now().UTC().Format(monthLayout) }

func (l *Limiter) current(ctx context.Context) (domain.UsageRecord, error) {
	rec, err := l.store.EnsureUsage(ctx, l.month(), l.limit)
	if err != nil {
		return domain.UsageRecord{}, fmt.Errorf("load usage: %w", err)
	}
	return rec, nil
}

// CanMakeCall reports whether this month's used count is below its limit.
func (l *Limiter) CanMakeCall(ctx context.Context) (bool, error) {
	rec, err := l.current(ctx)
	if err != nil {
		return false, err
	}
	return rec.CallsUsed < rec.CallsLimit, nil
}

// Check returns ErrQuotaExceeded when no call may be made.
func (l *Limiter) Check(ctx context.Context) error {
	ok, err := l.CanMakeCall(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrQuotaExceeded
	}
	return nil
}

// RecordUsage adds n calls to this month and to the context's tally, if any.
func (l *Limiter) RecordUsage(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	if t := tallyFrom(ctx); t != nil {
		t.Add(int64(n))
	}
	if err := l.store.IncrementUsage(ctx, l.month(), l.limit, n); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

func (l *Limiter) RemainingCalls(ctx context.Context) (int, error) {
	rec, err := l.current(ctx)
	if err != nil {
		return 0, err
	}
	return max(0, rec.CallsLimit-rec.CallsUsed), nil
}

func (l *Limiter) Stats(ctx context.Context) (Stats, error) {
	rec, err := l.current(ctx)
	if err != nil {
		return Stats{}, err
	}
	s := Stats{
		Month:      rec.Month,
		CallsUsed:  rec.CallsUsed,
		CallsLimit: rec.CallsLimit,
		Remaining:  max(0, rec.CallsLimit-rec.CallsUsed),
	}
	if rec.CallsLimit > 0 {
		s.Percent = float64(rec.CallsUsed) / float64(rec.CallsLimit) * 100
	}
	return s, nil
}

type tallyKey struct{}

// WithTally attaches a call counter to ctx; RecordUsage adds to it.
func WithTally(ctx context.Context) (context.Context, *atomic.Int64) {
	t := new(atomic.Int64)
	return context.WithValue(ctx, tallyKey{}, t), t
}

func tallyFrom(ctx context.Context) *atomic.Int64 {
	t, _ := ctx.Value(tallyKey{}).(*atomic.Int64)
	return t
}
