package domain

import "time"

type Product struct {
	ID             int64
	ASIN           string
	Title          string
	Description    string
	Brand          string
	Category       string
	Images         []string
	Rating         *float64
	ReviewCount    int
	Availability   string
	Currency       string
	Specifications map[string]string
	Features       []string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// PriceSnapshot is append-only; history is the list ordered by CollectedAt.
type PriceSnapshot struct {
	ID            int64
	ProductID     int64
	Price         float64
	OriginalPrice *float64
	Currency      string
	Availability  string
	SellerName    string
	SellerRating  *float64
	CollectedAt   time.Time
}

type Review struct {
	ID           int64
	ProductID    int64
	Rating       int
	Title        string
	Text         string
	Author       string
	ReviewDate   *time.Time
	Verified     bool
	HelpfulCount int
	CollectedAt  time.Time
}

type Seller struct {
	ID     int64
	Name   string
	Rating *float64
}

// UsageRecord tracks external API calls for one calendar month (YYYY-MM).
type UsageRecord struct {
	Month      string
	CallsUsed  int
	CallsLimit int
	UpdatedAt  time.Time
}
