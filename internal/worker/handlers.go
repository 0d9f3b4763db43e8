package worker

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/SirClappington/prodq/internal/domain"
	"github.com/SirClappington/prodq/internal/normalize"
	"github.com/SirClappington/prodq/internal/processor"
	"github.com/SirClappington/prodq/internal/queue"
	"github.com/SirClappington/prodq/internal/storage"
)

type ProductOutput struct {
	ASIN      string   `json:"asin"`
	ProductID int64    `json:"productId,omitempty"`
	Title     string   `json:"title,omitempty"`
	Price     *float64 `json:"price,omitempty"`
	Reviews   int      `json:"reviews"`
	Skipped   string   `json:"skipped,omitempty"`
}

type SearchOutput struct {
	Keyword      string `json:"keyword"`
	TotalResults int    `json:"totalResults"`
	Processed    int    `json:"processed"`
	Succeeded    int    `json:"succeeded"`
	Failed       int    `json:"failed"`
	Skipped      int    `json:"skipped"`
}

type ReviewOutput struct {
	ASIN          string  `json:"asin"`
	ProductID     int64   `json:"productId"`
	ReviewsAdded  int     `json:"reviewsAdded"`
	AverageRating float64 `json:"averageRating"`
	TotalReviews  int     `json:"totalReviews"`
}

type PriceOutput struct {
	ASIN      string   `json:"asin"`
	ProductID int64    `json:"productId"`
	Price     *float64 `json:"price,omitempty"`
	Recorded  bool     `json:"recorded"`
}

func (w *Worker) product(ctx context.Context, j *queue.Job) (any, error) {
	asin, err := asinOf(j)
	if err != nil {
		return nil, err
	}
	n, err := w.coll.ProductByASIN(ctx, asin)
	if err != nil {
		return nil, err
	}
	if n == nil {
		id, err := w.store.ProductIDByASIN(ctx, asin)
		switch {
		case err == nil:
			w.log.Info("no valid product data, keeping stored product",
				zap.String("asin", asin), zap.Int64("product_id", id))
			return ProductOutput{ASIN: asin, ProductID: id, Skipped: "no valid product data"}, nil
		case errors.Is(err, storage.ErrNotFound):
			return nil, fmt.Errorf("no valid product data returned for ASIN %s", asin)
		default:
			return nil, err
		}
	}
	return w.saveProduct(ctx, n)
}

// saveProduct upserts the product by ASIN, then its seller, price snapshot and
// reviews. Seller and review failures are logged and do not fail the save.
func (w *Worker) saveProduct(ctx context.Context, n *normalize.Product) (ProductOutput, error) {
	asin, err := processor.NormalizeASIN(n.ASIN)
	if err != nil {
		return ProductOutput{}, err
	}
	existing, err := w.store.ProductIDByASIN(ctx, asin)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return ProductOutput{}, err
	}
	p, err := w.proc.Product(n, existing)
	if err != nil {
		return ProductOutput{}, err
	}
	if err := w.upsert(ctx, p); err != nil {
		return ProductOutput{}, err
	}
	out := ProductOutput{ASIN: p.ASIN, ProductID: p.ID, Title: p.Title}

	if s := w.proc.Seller(n); s != nil {
		if _, err := w.store.UpsertSeller(ctx, s); err != nil {
			w.log.Warn("failed to save seller", zap.String("seller", s.Name), zap.Error(err))
		}
	}
	if snap := w.proc.Price(n, p.ID); snap != nil {
		if _, err := w.store.InsertPrice(ctx, snap); err != nil {
			return out, fmt.Errorf("save price: %w", err)
		}
		out.Price = &snap.Price
	}
	out.Reviews = w.replaceReviews(ctx, p.ID, p.ASIN, n.Reviews)
	return out, nil
}

// upsert updates p when it carries a stored id and inserts it otherwise. An
// insert that loses a race on the ASIN becomes an update of the winning row.
func (w *Worker) upsert(ctx context.Context, p *domain.Product) error {
	if p.ID != 0 {
		return w.store.UpdateProduct(ctx, p)
	}
	_, err := w.store.InsertProduct(ctx, p)
	if !errors.Is(err, storage.ErrConflict) {
		return err
	}
	id, err := w.store.ProductIDByASIN(ctx, p.ASIN)
	if err != nil {
		return err
	}
	p.ID = id
	return w.store.UpdateProduct(ctx, p)
}

// replaceReviews stores the product's reviews, preferring those embedded in
// the product payload over a separate fetch. It returns the number stored.
func (w *Worker) replaceReviews(ctx context.Context, productID int64, asin string, embedded []map[string]any) int {
	log := w.log.With(zap.String("asin", asin))

	var set normalize.ReviewSet
	if len(embedded) > 0 {
		for _, m := range embedded {
			set.Reviews = append(set.Reviews, normalize.EmbeddedReview(m))
		}
	} else {
		fetched, err := w.coll.Reviews(ctx, asin, productReviewLimit)
		if err != nil {
			log.Warn("failed to fetch reviews", zap.Error(err))
			return 0
		}
		set = fetched
	}

	rs := w.proc.Reviews(set, productID)
	if len(rs) == 0 {
		return 0
	}
	if err := w.store.ReplaceReviews(ctx, productID, rs); err != nil {
		log.Warn("failed to save reviews", zap.Error(err))
		return 0
	}
	return len(rs)
}

func (w *Worker) search(ctx context.Context, j *queue.Job) (any, error) {
	if j.Data.Keyword == "" {
		return nil, queue.Unrecoverable(errors.New("search job requires a keyword"))
	}
	res, err := w.coll.ProductsBySearch(ctx, j.Data.Keyword, j.Data.Limit, j.Data.Country)
	if err != nil {
		return nil, err
	}
	out := SearchOutput{Keyword: j.Data.Keyword, TotalResults: res.TotalResults}

	for i := range res.Products {
		item := &res.Products[i]
		log := w.log.With(zap.String("asin", item.ASIN))
		if !processor.IsValidASIN(item.ASIN) {
			log.Debug("skipping search result with invalid ASIN")
			out.Skipped++
			continue
		}
		out.Processed++

		src := item
		full, err := w.coll.ProductByASIN(ctx, item.ASIN)
		switch {
		case err != nil:
			log.Warn("product detail fetch failed, using search data", zap.Error(err))
		case full != nil:
			src = full
		}
		if _, err := w.saveProduct(ctx, src); err != nil {
			log.Warn("failed to save search result", zap.Error(err))
			out.Failed++
		} else {
			out.Succeeded++
		}
		if err := w.q.UpdateProgress(ctx, j.ID, (i+1)*100/len(res.Products)); err != nil {
			log.Debug("failed to update progress", zap.Error(err))
		}
	}

	w.log.Info("search processed",
		zap.String("keyword", out.Keyword),
		zap.Int("succeeded", out.Succeeded),
		zap.Int("failed", out.Failed),
		zap.Int("skipped", out.Skipped))
	return out, nil
}

func (w *Worker) reviews(ctx context.Context, j *queue.Job) (any, error) {
	asin, err := asinOf(j)
	if err != nil {
		return nil, err
	}
	id, err := w.existingProduct(ctx, asin)
	if err != nil {
		return nil, err
	}
	limit := j.Data.Limit
	if limit <= 0 {
		limit = defaultReviewLimit
	}
	set, err := w.coll.Reviews(ctx, asin, limit)
	if err != nil {
		return nil, err
	}

	rs := w.proc.Reviews(set, id)
	if len(rs) > 0 {
		if err := w.store.AppendReviews(ctx, id, rs); err != nil {
			return nil, fmt.Errorf("save reviews: %w", err)
		}
	}
	if set.AverageRating > 0 {
		avg := math.Round(set.AverageRating*10) / 10
		if err := w.store.UpdateProductRating(ctx, id, &avg, set.TotalReviews); err != nil {
			return nil, fmt.Errorf("update product rating: %w", err)
		}
	}
	return ReviewOutput{
		ASIN:          asin,
		ProductID:     id,
		ReviewsAdded:  len(rs),
		AverageRating: set.AverageRating,
		TotalReviews:  set.TotalReviews,
	}, nil
}

func (w *Worker) priceUpdate(ctx context.Context, j *queue.Job) (any, error) {
	asin, err := asinOf(j)
	if err != nil {
		return nil, err
	}
	id, err := w.existingProduct(ctx, asin)
	if err != nil {
		return nil, err
	}
	n, err := w.coll.PriceHistory(ctx, asin)
	if err != nil {
		return nil, err
	}
	out := PriceOutput{ASIN: asin, ProductID: id}
	snap := w.proc.Price(n, id)
	if snap == nil {
		w.log.Info("no price in product data", zap.String("asin", asin))
		return out, nil
	}
	if _, err := w.store.InsertPrice(ctx, snap); err != nil {
		return nil, fmt.Errorf("save price: %w", err)
	}
	out.Price, out.Recorded = &snap.Price, true
	return out, nil
}
