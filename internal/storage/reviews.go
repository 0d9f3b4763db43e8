package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/SirClappington/prodq/internal/domain"
)

const insertReview = `insert into reviews(
product_id, rating, title, text, author, review_date, verified, helpful_count, collected_at
) values ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

// ReplaceReviews deletes every stored review of the product and inserts rs.
func (s *Store) ReplaceReviews(ctx context.Context, productID int64, rs []domain.Review) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `delete from reviews where product_id = $1`, productID); err != nil {
		return fmt.Errorf("delete reviews: %w", err)
	}
	if err := insertReviews(ctx, tx, productID, rs); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// AppendReviews inserts rs without touching existing reviews.
func (s *Store) AppendReviews(ctx context.Context, productID int64, rs []domain.Review) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := insertReviews(ctx, tx, productID, rs); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertReviews(ctx context.Context, tx pgx.Tx, productID int64, rs []domain.Review) error {
	for _, r := range rs {
		if _, err := tx.Exec(ctx, insertReview, productID, r.Rating, r.Title, r.Text, r.Author,
			r.ReviewDate, r.Verified, r.HelpfulCount, r.CollectedAt); err != nil {
			return fmt.Errorf("insert review: %w", err)
		}
	}
	return nil
}

// ListReviews returns the product's reviews, most helpful first.
func (s *Store) ListReviews(ctx context.Context, productID int64, limit int) ([]domain.Review, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `select id, product_id, rating, title, text, author, review_date,
       verified, helpful_count, collected_at
  from reviews where product_id = $1
 order by helpful_count desc, id limit $2`, productID, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Review, error) {
		var r domain.Review
		err := row.Scan(&r.ID, &r.ProductID, &r.Rating, &r.Title, &r.Text, &r.Author,
			&r.ReviewDate, &r.Verified, &r.HelpfulCount, &r.CollectedAt)
		return r, err
	})
}
