// Package collector sequences external API calls: quota checks, pagination and
// result limits. Payloads are normalized before they leave this package.
package collector

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/SirClappington/prodq/internal/normalize"
	"github.com/SirClappington/prodq/internal/scraper"
)

// MaxReviewPages bounds the calls a single review collection may make.
const MaxReviewPages = 5

// API is the scraping API surface.
type API interface {
	Product(ctx context.Context, asin string) (any, error)
	Search(ctx context.Context, keyword, country string) (any, error)
	Reviews(ctx context.Context, asin string, page int) (any, error)
}

// Quota gates and records external calls.
type Quota interface {
	Check(ctx context.Context) error
	RecordUsage(ctx context.Context, n int) error
}

type Collector struct {
	api   API
	quota Quota
	norm  *normalize.Normalizer
	log   *zap.Logger
}

func New(api API, quota Quota, norm *normalize.Normalizer, log *zap.Logger) *Collector {
	return &Collector{api: api, quota: quota, norm: norm, log: log}
}

// call runs one quota-gated external call and records one usage unit once the
// upstream has answered, including with a 404.
func (c *Collector) call(ctx context.Context, fn func() (any, error)) (any, error) {
	if err := c.quota.Check(ctx); err != nil {
		return nil, err
	}
	raw, err := fn()
	if err != nil && !errors.Is(err, scraper.ErrNotFound) {
		return nil, err
	}
	if rerr := c.quota.RecordUsage(ctx, 1); rerr != nil {
		c.log.Warn("failed to record api usage", zap.Error(rerr))
	}
	return raw, err
}

// ProductByASIN fetches and normalizes one product. A nil product with a nil
// error means the payload did not validate.
func (c *Collector) ProductByASIN(ctx context.Context, asin string) (*normalize.Product, error) {
	raw, err := c.call(ctx, func() (any, error) { return c.api.Product(ctx, asin) })
	if errors.Is(err, scraper.ErrNotFound) {
		c.log.Info("product not found upstream", zap.String("asin", asin))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch product %s: %w", asin, err)
	}
	p, ok := c.norm.Product(raw, asin)
	if !ok {
		return nil, nil
	}
	return p, nil
}

// ProductsBySearch runs one search. limit <= 0 returns every result.
func (c *Collector) ProductsBySearch(ctx context.Context, keyword string, limit int, country string) (normalize.SearchResult, error) {
	raw, err := c.call(ctx, func() (any, error) { return c.api.Search(ctx, keyword, country) })
	if errors.Is(err, scraper.ErrNotFound) {
		return c.norm.Search(nil, keyword), nil
	}
	if err != nil {
		return normalize.SearchResult{}, fmt.Errorf("search %q: %w", keyword, err)
	}
	res := c.norm.Search(raw, keyword)
	if limit > 0 && len(res.Products) > limit {
		res.Products = res.Products[:limit]
	}
	return res, nil
}

// Reviews fetches review pages from 1 until limit reviews are gathered, a page
// comes back empty, or MaxReviewPages pages have been fetched. A 404 is
// treated as "no reviews available".
func (c *Collector) Reviews(ctx context.Context, asin string, limit int) (normalize.ReviewSet, error) {
	out := normalize.ReviewSet{Reviews: []normalize.Review{}}
	for page := 1; page <= MaxReviewPages; page++ {
		raw, err := c.call(ctx, func() (any, error) { return c.api.Reviews(ctx, asin, page) })
		if errors.Is(err, scraper.ErrNotFound) {
			c.log.Info("reviews unavailable", zap.String("asin", asin), zap.Int("page", page))
			break
		}
		if err != nil {
			return out, fmt.Errorf("fetch reviews %s page %d: %w", asin, page, err)
		}
		set := c.norm.Reviews(raw)
		if page == 1 {
			out.AverageRating = set.AverageRating
			out.TotalReviews = set.TotalReviews
		}
		out.Reviews = append(out.Reviews, set.Reviews...)
		if len(set.Reviews) == 0 || limit <= 0 || len(out.Reviews) >= limit {
			break
		}
	}
	if limit > 0 && len(out.Reviews) > limit {
		out.Reviews = out.Reviews[:limit]
	}
	if out.TotalReviews < len(out.Reviews) {
		out.TotalReviews = len(out.Reviews)
	}
	return out, nil
}

// PriceHistory fetches the current product so the caller can append a snapshot.
// History accrues through repeated scheduled runs.
func (c *Collector) PriceHistory(ctx context.Context, asin string) (*normalize.Product, error) {
	return c.ProductByASIN(ctx, asin)
}
