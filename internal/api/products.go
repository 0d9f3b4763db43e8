package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/SirClappington/prodq/internal/domain"
	"github.com/SirClappington/prodq/internal/processor"
	"github.com/SirClappington/prodq/internal/storage"
)

const (
	priceHistoryLimit = 30
	reviewsLimit      = 20
)

type JobRecord struct {
	ID           string          `json:"id"`
	Type         domain.JobType  `json:"type"`
	Status       domain.Status   `json:"status"`
	Input        json.RawMessage `json:"input"`
	Output       json.RawMessage `json:"output,omitempty"`
	Error        *string         `json:"error,omitempty"`
	IsScheduled  bool            `json:"isScheduled"`
	APICallsUsed int             `json:"apiCallsUsed"`
	StartedAt    *time.Time      `json:"startedAt,omitempty"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

func jobRecord(j *domain.Job) *JobRecord {
	return &JobRecord{
		ID:           j.ID,
		Type:         j.Type,
		Status:       j.Status,
		Input:        j.Input,
		Output:       j.Output,
		Error:        j.Error,
		IsScheduled:  j.IsScheduled,
		APICallsUsed: j.APICallsUsed,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
	}
}

type Product struct {
	ID             int64             `json:"id"`
	ASIN           string            `json:"asin"`
	Title          string            `json:"title"`
	Description    string            `json:"description,omitempty"`
	Brand          string            `json:"brand,omitempty"`
	Category       string            `json:"category,omitempty"`
	Images         []string          `json:"images"`
	Rating         *float64          `json:"rating,omitempty"`
	ReviewCount    int               `json:"reviewCount"`
	Availability   string            `json:"availability,omitempty"`
	Currency       string            `json:"currency"`
	Specifications map[string]string `json:"specifications,omitempty"`
	Features       []string          `json:"features,omitempty"`
	UpdatedAt      time.Time         `json:"updatedAt"`
	Prices         []Price           `json:"priceHistory"`
	Reviews        []Review          `json:"reviews"`
}

type Price struct {
	Price         float64   `json:"price"`
	OriginalPrice *float64  `json:"originalPrice,omitempty"`
	Currency      string    `json:"currency"`
	Availability  string    `json:"availability,omitempty"`
	SellerName    string    `json:"sellerName,omitempty"`
	CollectedAt   time.Time `json:"collectedAt"`
}

type Review struct {
	Rating       int        `json:"rating"`
	Title        string     `json:"title,omitempty"`
	Text         string     `json:"text"`
	Author       string     `json:"author"`
	ReviewDate   *time.Time `json:"reviewDate,omitempty"`
	Verified     bool       `json:"verified"`
	HelpfulCount int        `json:"helpfulCount"`
}

func (s *Server) getProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	asin, err := processor.NormalizeASIN(chi.URLParam(r, "asin"))
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	p, err := s.store.GetProduct(ctx, asin)
	if errors.Is(err, storage.ErrNotFound) {
		notFound(w, r, "product "+asin+" has not been collected")
		return
	}
	if err != nil {
		s.internal(w, r, err)
		return
	}
	prices, err := s.store.PriceHistory(ctx, p.ID, priceHistoryLimit)
	if err != nil {
		s.internal(w, r, err)
		return
	}
	reviews, err := s.store.ListReviews(ctx, p.ID, reviewsLimit)
	if err != nil {
		s.internal(w, r, err)
		return
	}

	out := Product{
		ID:             p.ID,
		ASIN:           p.ASIN,
		Title:          p.Title,
		Description:    p.Description,
		Brand:          p.Brand,
		Category:       p.Category,
		Images:         p.Images,
		Rating:         p.Rating,
		ReviewCount:    p.ReviewCount,
		Availability:   p.Availability,
		Currency:       p.Currency,
		Specifications: p.Specifications,
		Features:       p.Features,
		UpdatedAt:      p.UpdatedAt,
		Prices:         make([]Price, 0, len(prices)),
		Reviews:        make([]Review, 0, len(reviews)),
	}
	if out.Images == nil {
		out.Images = []string{}
	}
	for _, ps := range prices {
		out.Prices = append(out.Prices, Price{
			Price:         ps.Price,
			OriginalPrice: ps.OriginalPrice,
			Currency:      ps.Currency,
			Availability:  ps.Availability,
			SellerName:    ps.SellerName,
			CollectedAt:   ps.CollectedAt,
		})
	}
	for _, rv := range reviews {
		out.Reviews = append(out.Reviews, Review{
			Rating:       rv.Rating,
			Title:        rv.Title,
			Text:         rv.Text,
			Author:       rv.Author,
			ReviewDate:   rv.ReviewDate,
			Verified:     rv.Verified,
			HelpfulCount: rv.HelpfulCount,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
