// Package processor maps normalized records to persistence-ready entities.
// Everything here is pure.
package processor

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/SirClappington/prodq/internal/domain"
	"github.com/SirClappington/prodq/internal/normalize"
)

// ErrInvalidASIN is returned when an identifier does not match the ASIN format.
var ErrInvalidASIN = errors.New("invalid ASIN")

var asinPattern = regexp.MustCompile(`^B[0-9A-Z]{9}$`)

const defaultCurrency = "USD"

// NormalizeASIN trims and uppercases id and validates the result.
func NormalizeASIN(id string) (string, error) {
	a := strings.ToUpper(strings.TrimSpace(id))
	if !asinPattern.MatchString(a) {
		return "", fmt.Errorf("%w: %q", ErrInvalidASIN, id)
	}
	return a, nil
}

// IsValidASIN is the non-failing form of NormalizeASIN.
func IsValidASIN(id string) bool {
	_, err := NormalizeASIN(id)
	return err == nil
}

type Processor struct {
	log *zap.Logger
	now func() time.Time
}

func New(log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{log: log, now: time.Now}
}

// Product builds the product entity. existingID is the stored row id when the
// product is already known, 0 otherwise.
func (p *Processor) Product(n *normalize.Product, existingID int64) (*domain.Product, error) {
	if n == nil {
		return nil, errors.New("nil product")
	}
	asin, err := NormalizeASIN(n.ASIN)
	if err != nil {
		return nil, err
	}
	out := &domain.Product{
		ID:           existingID,
		ASIN:         asin,
		Title:        CleanText(n.Title),
		Description:  CleanText(n.Description),
		Brand:        CleanText(n.Brand),
		Category:     CleanText(n.Category),
		Images:       ValidURLs(n.Images),
		ReviewCount:  max(0, n.ReviewCount),
		Availability: CleanText(n.Availability),
		Currency:     currency(n.Currency),
	}
	if n.Rating != nil && *n.Rating >= 0 && *n.Rating <= 5 {
		r := math.Round(*n.Rating*10) / 10
		out.Rating = &r
	}
	if len(n.Specifications) > 0 {
		out.Specifications = make(map[string]string, len(n.Specifications))
		for k, v := range n.Specifications {
			if k = CleanText(k); k != "" {
				out.Specifications[k] = CleanText(v)
			}
		}
	}
	for _, f := range n.Features {
		if f = CleanText(f); f != "" {
			out.Features = append(out.Features, f)
		}
	}
	return out, nil
}

// Price returns nil when the normalized record carries no price.
func (p *Processor) Price(n *normalize.Product, productID int64) *domain.PriceSnapshot {
	if n == nil || n.Price == nil || *n.Price < 0 {
		return nil
	}
	snap := &domain.PriceSnapshot{
		ProductID:    productID,
		Price:        round2(*n.Price),
		Currency:     currency(n.Currency),
		Availability: CleanText(n.Availability),
		CollectedAt:  p.now().UTC(),
	}
	if n.OriginalPrice != nil && *n.OriginalPrice > 0 {
		o := round2(*n.OriginalPrice)
		snap.OriginalPrice = &o
	}
	if n.Seller != nil {
		snap.SellerName = CleanText(n.Seller.Name)
		snap.SellerRating = n.Seller.Rating
	}
	return snap
}

// Seller returns nil when the record names no seller.
func (p *Processor) Seller(n *normalize.Product) *domain.Seller {
	if n == nil || n.Seller == nil {
		return nil
	}
	name := CleanText(n.Seller.Name)
	if name == "" {
		return nil
	}
	return &domain.Seller{Name: name, Rating: n.Seller.Rating}
}

// Reviews keeps reviews with non-empty text and a rating in [1,5]. A review
// that fails to convert is dropped on its own.
func (p *Processor) Reviews(set normalize.ReviewSet, productID int64) []domain.Review {
	now := p.now().UTC()
	out := make([]domain.Review, 0, len(set.Reviews))
	for i, r := range set.Reviews {
		rev, err := p.review(r, productID, now)
		if err != nil {
			p.log.Debug("dropping review", zap.Int("index", i), zap.Error(err))
			continue
		}
		out = append(out, rev)
	}
	return out
}

func (p *Processor) review(r normalize.Review, productID int64, now time.Time) (domain.Review, error) {
	text := CleanText(r.Text)
	if text == "" {
		return domain.Review{}, errors.New("empty text")
	}
	if math.IsNaN(r.Rating) || r.Rating < 1 || r.Rating > 5 {
		return domain.Review{}, fmt.Errorf("rating %v out of range", r.Rating)
	}
	author := CleanText(r.Author)
	if author == "" {
		author = "Anonymous"
	}
	return domain.Review{
		ProductID:    productID,
		Rating:       int(math.Round(r.Rating)),
		Title:        CleanText(normalize.StripStarsPrefix(r.Title)),
		Text:         text,
		Author:       author,
		ReviewDate:   ParseReviewDate(r.Date),
		Verified:     r.Verified,
		HelpfulCount: max(0, r.HelpfulCount),
		CollectedAt:  now,
	}, nil
}

// CleanText NFC-normalizes s and collapses runs of whitespace.
func CleanText(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}

// ValidURLs keeps absolute http(s) URLs, in order, without duplicates.
func ValidURLs(in []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, u := range in {
		u = strings.TrimSpace(u)
		if !normalize.ValidURL(u) || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

func currency(c string) string {
	c = strings.ToUpper(strings.TrimSpace(c))
	if c == "" {
		return defaultCurrency
	}
	return c
}

func round2(f float64) float64 { return math.Round(f*100) / 100 }
