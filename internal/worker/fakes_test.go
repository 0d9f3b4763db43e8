package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/SirClappington/prodq/internal/domain"
	"github.com/SirClappington/prodq/internal/normalize"
	"github.com/SirClappington/prodq/internal/queue"
	"github.com/SirClappington/prodq/internal/storage"
)

type memStore struct {
	mu       sync.Mutex
	jobs     map[string]*domain.Job
	products map[string]*domain.Product
	prices   []domain.PriceSnapshot
	reviews  map[int64][]domain.Review
	sellers  map[string]*domain.Seller
	nextID   int64

	// beforeInsertJob runs inside InsertJob, to simulate a concurrent writer.
	beforeInsertJob func(s *memStore, j *domain.Job)
	failInsertPrice error
	inserts         int
	updates         int
}

func newMemStore() *memStore {
	return &memStore{
		jobs:     map[string]*domain.Job{},
		products: map[string]*domain.Product{},
		reviews:  map[int64][]domain.Review{},
		sellers:  map[string]*domain.Seller{},
	}
}

func (s *memStore) GetJob(_ context.Context, id string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *memStore) InsertJob(_ context.Context, j *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.beforeInsertJob != nil {
		s.beforeInsertJob(s, j)
	}
	if _, ok := s.jobs[j.ID]; ok {
		return storage.ErrConflict
	}
	cp := *j
	s.jobs[j.ID] = &cp
	return nil
}

func (s *memStore) update(id string, fn func(*domain.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return storage.ErrNotFound
	}
	fn(j)
	return nil
}

func (s *memStore) MarkRunning(_ context.Context, id string, at time.Time) error {
	return s.update(id, func(j *domain.Job) { j.Status, j.StartedAt = domain.Running, &at })
}

func (s *memStore) MarkCompleted(ctx context.Context, id string, out json.RawMessage, calls int, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.update(id, func(j *domain.Job) {
		j.Status, j.Output, j.APICallsUsed, j.CompletedAt = domain.Completed, out, calls, &at
	})
}

func (s *memStore) MarkFailed(ctx context.Context, id, msg string, calls int, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.update(id, func(j *domain.Job) {
		j.Status, j.Error, j.APICallsUsed, j.CompletedAt = domain.Failed, &msg, calls, &at
	})
}

func (s *memStore) ProductIDByASIN(_ context.Context, asin string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[asin]
	if !ok {
		return 0, storage.ErrNotFound
	}
	return p.ID, nil
}

func (s *memStore) InsertProduct(_ context.Context, p *domain.Product) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.products[p.ASIN]; ok {
		return 0, storage.ErrConflict
	}
	s.nextID++
	p.ID = s.nextID
	cp := *p
	s.products[p.ASIN] = &cp
	s.inserts++
	return p.ID, nil
}

func (s *memStore) UpdateProduct(_ context.Context, p *domain.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.products[p.ASIN]; !ok {
		return storage.ErrNotFound
	}
	cp := *p
	s.products[p.ASIN] = &cp
	s.updates++
	return nil
}

func (s *memStore) UpdateProductRating(_ context.Context, id int64, rating *float64, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.products {
		if p.ID == id {
			p.Rating, p.ReviewCount = rating, count
			return nil
		}
	}
	return storage.ErrNotFound
}

func (s *memStore) InsertPrice(_ context.Context, p *domain.PriceSnapshot) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failInsertPrice != nil {
		return 0, s.failInsertPrice
	}
	s.prices = append(s.prices, *p)
	return int64(len(s.prices)), nil
}

func (s *memStore) UpsertSeller(_ context.Context, sl *domain.Seller) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sl
	s.sellers[sl.Name] = &cp
	return int64(len(s.sellers)), nil
}

func (s *memStore) ReplaceReviews(_ context.Context, id int64, rs []domain.Review) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reviews[id] = append([]domain.Review(nil), rs...)
	return nil
}

func (s *memStore) AppendReviews(_ context.Context, id int64, rs []domain.Review) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reviews[id] = append(s.reviews[id], rs...)
	return nil
}

type fakeCollector struct {
	mu       sync.Mutex
	products map[string]*normalize.Product
	errs     map[string]error
	search   normalize.SearchResult
	reviews  normalize.ReviewSet
	calls    []string
	// onCall runs on every collector call with the job's context.
	onCall func(ctx context.Context)
}

func (c *fakeCollector) record(ctx context.Context, call string) {
	c.mu.Lock()
	c.calls = append(c.calls, call)
	c.mu.Unlock()
	if c.onCall != nil {
		c.onCall(ctx)
	}
}

func (c *fakeCollector) ProductByASIN(ctx context.Context, asin string) (*normalize.Product, error) {
	c.record(ctx, "product:"+asin)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.errs[asin]; err != nil {
		return nil, err
	}
	return c.products[asin], nil
}

func (c *fakeCollector) ProductsBySearch(ctx context.Context, keyword string, _ int, _ string) (normalize.SearchResult, error) {
	c.record(ctx, "search:"+keyword)
	return c.search, nil
}

func (c *fakeCollector) Reviews(ctx context.Context, asin string, _ int) (normalize.ReviewSet, error) {
	c.record(ctx, "reviews:"+asin)
	return c.reviews, nil
}

func (c *fakeCollector) PriceHistory(ctx context.Context, asin string) (*normalize.Product, error) {
	return c.ProductByASIN(ctx, asin)
}

func (c *fakeCollector) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// chanQueue hands out jobs from a channel and records outcomes.
type chanQueue struct {
	jobs chan *queue.Job

	mu        sync.Mutex
	completed map[string]any
	failed    map[string]error
	progress  map[string]int
	started   []time.Time
}

func newChanQueue(jobs ...*queue.Job) *chanQueue {
	q := &chanQueue{
		jobs:      make(chan *queue.Job, len(jobs)),
		completed: map[string]any{},
		failed:    map[string]error{},
		progress:  map[string]int{},
	}
	for _, j := range jobs {
		q.jobs <- j
	}
	return q
}

func (q *chanQueue) Dequeue(ctx context.Context, block time.Duration) (*queue.Job, error) {
	select {
	case j := <-q.jobs:
		q.mu.Lock()
		q.started = append(q.started, time.Now())
		q.mu.Unlock()
		return j, nil
	case <-time.After(block):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *chanQueue) Complete(ctx context.Context, id string, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed[id] = out
	return nil
}

func (q *chanQueue) Fail(ctx context.Context, id string, cause error) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed[id] = cause
	return !queue.IsUnrecoverable(cause), nil
}

func (q *chanQueue) UpdateProgress(_ context.Context, id string, pct int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.progress[id] = pct
	return nil
}

func (q *chanQueue) startTimes() []time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]time.Time(nil), q.started...)
}

func (q *chanQueue) done() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.completed) + len(q.failed)
}

var errUpstream = errors.New("upstream 503")
