// Package scraper is the HTTP client for the third-party scraping API's
// structured Amazon endpoints.
package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// ErrNotFound is returned when the upstream answers 404.
var ErrNotFound = errors.New("scraper: not found")

// StatusError carries a non-2xx upstream response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("scraper: unexpected status %d: %s", e.Code, e.Body)
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

type Client struct {
	http        *http.Client
	baseURL     string
	apiKey      string
	country     string
	maxAttempts int
	initialWait time.Duration
	log         *zap.Logger
}

type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// WithInitialBackoff sets the first retry delay; later delays grow exponentially.
func WithInitialBackoff(d time.Duration) Option { return func(c *Client) { c.initialWait = d } }

func New(baseURL, apiKey, country string, timeout time.Duration, maxAttempts int, log *zap.Logger, opts ...Option) *Client {
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	c := &Client{
		http:        &http.Client{Timeout: timeout},
		baseURL:     baseURL,
		apiKey:      apiKey,
		country:     country,
		maxAttempts: maxAttempts,
		initialWait: time.Second,
		log:         log,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Product fetches one product by ASIN.
func (c *Client) Product(ctx context.Context, asin string) (any, error) {
	q := url.Values{"asin": {asin}}
	return c.get(ctx, "/structured/amazon/product", q, "")
}

// Search runs a keyword search. An empty country uses the client default.
func (c *Client) Search(ctx context.Context, keyword, country string) (any, error) {
	q := url.Values{"query": {keyword}}
	return c.get(ctx, "/structured/amazon/search", q, country)
}

// Reviews fetches one page of reviews, pages start at 1.
func (c *Client) Reviews(ctx context.Context, asin string, page int) (any, error) {
	q := url.Values{"asin": {asin}, "page": {strconv.Itoa(page)}}
	return c.get(ctx, "/structured/amazon/review", q, "")
}

func (c *Client) get(ctx context.Context, path string, q url.Values, country string) (any, error) {
	if country == "" {
		country = c.country
	}
	q.Set("api_key", c.apiKey)
	if country != "" {
		q.Set("country", country)
	}
	u := c.baseURL + path + "?" + q.Encode()

	var out any
	attempt := 0
	op := func() error {
		attempt++
		v, err := c.do(ctx, u)
		if err == nil {
			out = v
			return nil
		}
		var (
			se   *StatusError
			perm *backoff.PermanentError
		)
		if errors.As(err, &perm) {
			return err
		}
		if errors.Is(err, ErrNotFound) || (errors.As(err, &se) && !se.Retryable()) {
			return backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		c.log.Warn("scraper request failed",
			zap.String("path", path), zap.Int("attempt", attempt), zap.Error(err))
		return err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.initialWait
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.maxAttempts-1)), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, u string) (any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return nil, &StatusError{Code: res.StatusCode, Body: string(body)}
	}

	var v any
	if err := json.NewDecoder(res.Body).Decode(&v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		// a 2xx with a broken body will not improve on retry
		return nil, backoff.Permanent(fmt.Errorf("scraper: decode body: %w", err))
	}
	return v, nil
}
