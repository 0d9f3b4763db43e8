package normalize

import (
	"math"
	"regexp"
	"strings"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"
)

// Review is one canonical review item. Rating is kept as parsed; Reviews clamps
// it, EmbeddedReview does not.
type Review struct {
	ID           string
	Title        string
	Text         string
	Author       string
	Date         string
	Rating       float64
	Verified     bool
	HelpfulCount int
}

// ReviewSet is the canonical reviews response.
type ReviewSet struct {
	Reviews       []Review
	AverageRating float64
	TotalReviews  int
}

// reviewItem is the documented shape of the review endpoint's items. Fields
// stay untyped so one odd value cannot fail the whole item.
type reviewItem struct {
	ID       any `mapstructure:"id"`
	Title    any `mapstructure:"title"`
	Text     any `mapstructure:"text"`
	Author   any `mapstructure:"author"`
	Date     any `mapstructure:"date"`
	Rating   any `mapstructure:"rating"`
	Verified any `mapstructure:"verified_purchase"`
	Helpful  any `mapstructure:"helpful_count"`
}

func text(v any) string {
	s, _ := scalarString(v)
	return s
}

// Reviews normalizes a review-endpoint payload: {"reviews": [...]} with
// optional aggregates, or a bare array.
func (n *Normalizer) Reviews(raw any) ReviewSet {
	out := ReviewSet{Reviews: []Review{}}

	var items []any
	switch t := raw.(type) {
	case []any:
		items = t
	case map[string]any:
		items, _ = t["reviews"].([]any)
		if avg, ok := firstFloat(t, "averageRating", "average_rating", "rating"); ok {
			out.AverageRating = avg
		}
		if total, ok := firstInt(t, "totalReviews", "total_reviews", "total_ratings"); ok {
			out.TotalReviews = total
		}
	}

	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		var ri reviewItem
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &ri,
		})
		if err == nil {
			err = dec.Decode(obj)
		}
		if err != nil {
			n.log.Debug("dropping undecodable review", zap.Int("index", i), zap.Error(err))
			continue
		}
		// Variant field names fill whatever the documented shape left empty.
		alt := EmbeddedReview(obj)
		r, ok := ratingOf(ri.Rating)
		if !ok {
			if alt.Rating == 0 {
				n.log.Debug("dropping review without rating", zap.Int("index", i))
				continue
			}
			r = alt.Rating
		}
		rev := Review{
			ID:       text(ri.ID),
			Title:    StripStarsPrefix(text(ri.Title)),
			Text:     text(ri.Text),
			Author:   text(ri.Author),
			Date:     text(ri.Date),
			Rating:   math.Min(5, math.Max(1, r)),
			Verified: (ri.Verified != nil && toBool(ri.Verified)) || alt.Verified,
		}
		if rev.Text == "" {
			rev.Text = alt.Text
		}
		if rev.Author == "" {
			rev.Author = alt.Author
		}
		if rev.Date == "" {
			rev.Date = alt.Date
		}
		if h, ok := toInt(ri.Helpful); ok {
			rev.HelpfulCount = h
		} else {
			rev.HelpfulCount = alt.HelpfulCount
		}
		out.Reviews = append(out.Reviews, rev)
	}
	if out.TotalReviews == 0 {
		out.TotalReviews = len(out.Reviews)
	}
	return out
}

var ratingVariants = []string{"rating", "stars", "star_rating", "review_rating", "score"}

// EmbeddedReview maps a review embedded in a product payload, whose field names
// vary, onto the canonical shape. The rating is not clamped so that later
// validation can reject out-of-range values.
func EmbeddedReview(m map[string]any) Review {
	r := Review{
		ID:     firstString(m, "id", "review_id"),
		Title:  StripStarsPrefix(firstString(m, "title", "review_title", "headline")),
		Text:   firstString(m, "text", "body", "content", "review_text", "review"),
		Author: firstString(m, "author", "reviewer", "reviewer_name", "user_name", "name"),
		Date:   firstString(m, "date", "review_date", "date_posted"),
	}
	for _, f := range ratingVariants {
		if v, ok := m[f]; ok {
			if rating, ok := ratingOf(v); ok {
				r.Rating = rating
				break
			}
		}
	}
	if v, ok := first(m, "verified_purchase", "verified", "is_verified"); ok {
		r.Verified = toBool(v)
	}
	if h, ok := firstInt(m, "helpful_count", "helpful_votes", "helpful"); ok {
		r.HelpfulCount = h
	}
	if r.Author == "" {
		r.Author = "Anonymous"
	}
	return r
}

var starsPrefix = regexp.MustCompile(`(?i)^\s*\d+(\.\d+)?\s+out\s+of\s+5\s+stars?\s*`)

// StripStarsPrefix removes a leading "N out of 5 stars" artifact from a title.
func StripStarsPrefix(title string) string {
	return strings.TrimSpace(starsPrefix.ReplaceAllString(title, ""))
}

func ratingOf(v any) (float64, bool) {
	if s, ok := v.(string); ok {
		return leadingNumber(s)
	}
	return toFloat(v)
}
