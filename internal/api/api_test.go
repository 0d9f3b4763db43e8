package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/prodq/internal/domain"
	"github.com/SirClappington/prodq/internal/queue"
	"github.com/SirClappington/prodq/internal/storage"
	"github.com/SirClappington/prodq/internal/usage"
)

type memStore struct {
	mu       sync.Mutex
	jobs     map[string]*domain.Job
	products map[string]*domain.Product
	prices   map[int64][]domain.PriceSnapshot
}

func newMemStore() *memStore {
	return &memStore{
		jobs:     map[string]*domain.Job{},
		products: map[string]*domain.Product{},
		prices:   map[int64][]domain.PriceSnapshot{},
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
	if _, ok := s.jobs[j.ID]; ok {
		return storage.ErrConflict
	}
	cp := *j
	s.jobs[j.ID] = &cp
	return nil
}

func (s *memStore) MarkFailed(_ context.Context, id, msg string, _ int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return storage.ErrNotFound
	}
	j.Status, j.Error, j.CompletedAt = domain.Failed, &msg, &at
	return nil
}

func (s *memStore) SuspendJob(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status.Terminal() {
		return false, nil
	}
	j.Status = domain.Suspended
	return true, nil
}

func (s *memStore) ListJobs(_ context.Context, status domain.Status, _ int) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, j := range s.jobs {
		if status == "" || j.Status == status {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (s *memStore) GetProduct(_ context.Context, asin string) (*domain.Product, error) {
	p, ok := s.products[asin]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return p, nil
}

func (s *memStore) PriceHistory(_ context.Context, id int64, _ int) ([]domain.PriceSnapshot, error) {
	return s.prices[id], nil
}

func (s *memStore) ListReviews(context.Context, int64, int) ([]domain.Review, error) {
	return nil, nil
}

type fixedUsage usage.Stats

func (u fixedUsage) Stats(context.Context) (usage.Stats, error) { return usage.Stats(u), nil }

type harness struct {
	srv   http.Handler
	store *memStore
	q     *queue.RedisQ
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	h := &harness{store: newMemStore(), q: queue.New(rdb, queue.WithPrefix("api-test"))}
	u := fixedUsage{Month: "2024-03", CallsUsed: 10, CallsLimit: 1000, Remaining: 990, Percent: 1}
	opts = append([]Option{WithRegistry(prometheus.NewRegistry())}, opts...)
	h.srv = New(h.q, h.store, u, zaptest.NewLogger(t), opts...).Routes()
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestEnqueueWritesRecordThenQueues(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/v1/jobs", map[string]any{"type": "product", "asin": " b08n5wrwnw ", "priority": 2})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	res := decode[EnqueueResponse](t, rec)
	require.NotEmpty(t, res.ID)
	assert.Equal(t, domain.Pending, res.Status)

	j := h.store.jobs[res.ID]
	require.NotNil(t, j)
	assert.Equal(t, domain.Pending, j.Status)
	assert.JSONEq(t, `{"type":"product","asin":"B08N5WRWNW"}`, string(j.Input))

	info, err := h.q.Get(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateWaiting, info.State)
	assert.Equal(t, "B08N5WRWNW", info.Data.ASIN)
}

func TestEnqueueValidation(t *testing.T) {
	h := newHarness(t)
	cases := map[string]map[string]any{
		"unknown type":     {"type": "wishlist", "asin": "B08N5WRWNW"},
		"bad asin":         {"type": "product", "asin": "X08N5WRWNW"},
		"missing keyword":  {"type": "search", "keyword": "  "},
		"negative limit":   {"type": "search", "keyword": "echo", "limit": -1},
		"bad cron pattern": {"type": "price_update", "asin": "B08N5WRWNW", "repeat": map[string]any{"pattern": "every day"}},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, "/v1/jobs", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
			pd := decode[ProblemDetails](t, rec)
			assert.Equal(t, "/v1/jobs", pd.Instance)
			assert.NotEmpty(t, pd.Detail)
		})
	}
	assert.Empty(t, h.store.jobs)
}

func TestAuth(t *testing.T) {
	h := newHarness(t, WithSigningKey("s3cret"))
	body := map[string]any{"type": "search", "keyword": "echo dot"}

	rec := h.do(t, http.MethodPost, "/v1/jobs", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	sign := func(key string) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Subject:   "ops",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		})
		s, err := tok.SignedString([]byte(key))
		require.NoError(t, err)
		return s
	}
	rec = h.do(t, http.MethodPost, "/v1/jobs", body, "Authorization", "Bearer "+sign("other"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/jobs", body, "Authorization", "Bearer "+sign("s3cret"))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/healthz", nil).Code, "health is public")
}

func TestGetJob(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/v1/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	res := decode[EnqueueResponse](t, h.do(t, http.MethodPost, "/v1/jobs", map[string]any{"type": "review", "asin": "B08N5WRWNW", "limit": 20}))
	rec = h.do(t, http.MethodGet, "/v1/jobs/"+res.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var flat map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &flat))
	assert.Equal(t, res.ID, flat["id"])
	assert.Equal(t, "waiting", flat["state"])
	assert.Contains(t, flat, "data")
	assert.NotContains(t, flat, "queue")

	st := decode[JobStatus](t, rec)
	require.NotNil(t, st.Record)
	assert.Equal(t, queue.StateWaiting, st.State)
	assert.Equal(t, 20, st.Data.Limit)
	assert.Equal(t, domain.Pending, st.Record.Status)
}

func TestGetJobFromRecordOnly(t *testing.T) {
	h := newHarness(t)
	msg := "upstream 503"
	h.store.jobs["old"] = &domain.Job{
		ID:     "old",
		Type:   domain.JobProduct,
		Status: domain.Failed,
		Input:  json.RawMessage(`{"type":"product","asin":"B08N5WRWNW"}`),
		Error:  &msg,
	}

	rec := h.do(t, http.MethodGet, "/v1/jobs/old", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[JobStatus](t, rec)
	assert.Equal(t, "old", st.ID)
	assert.Equal(t, queue.StateFailed, st.State)
	assert.Equal(t, "B08N5WRWNW", st.Data.ASIN)
	assert.Equal(t, msg, st.FailedReason)
}

func TestSuspendWaitingJob(t *testing.T) {
	h := newHarness(t)
	res := decode[EnqueueResponse](t, h.do(t, http.MethodPost, "/v1/jobs", map[string]any{"type": "product", "asin": "B08N5WRWNW", "delay": 60000}))

	rec := h.do(t, http.MethodPost, "/v1/jobs/"+res.ID+"/suspend", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, SuspendResponse{ID: res.ID, Suspended: true, RemovedFromQueue: true}, decode[SuspendResponse](t, rec))

	assert.Equal(t, domain.Suspended, h.store.jobs[res.ID].Status)
	_, err := h.q.Get(context.Background(), res.ID)
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}

func TestSuspendQueuedJobWithoutRecord(t *testing.T) {
	h := newHarness(t)
	id, err := h.q.Add(context.Background(), domain.JobInput{Type: domain.JobProduct, ASIN: "B08N5WRWNW"}, queue.Options{})
	require.NoError(t, err)

	rec := h.do(t, http.MethodPost, "/v1/jobs/"+id+"/suspend", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[SuspendResponse](t, rec).Suspended)
	assert.Equal(t, domain.Suspended, h.store.jobs[id].Status)
}

func TestSuspendFinishedOrUnknownJob(t *testing.T) {
	h := newHarness(t)
	h.store.jobs["done"] = &domain.Job{ID: "done", Status: domain.Completed}

	assert.Equal(t, http.StatusConflict, h.do(t, http.MethodPost, "/v1/jobs/done/suspend", nil).Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodPost, "/v1/jobs/ghost/suspend", nil).Code)
	assert.Equal(t, domain.Completed, h.store.jobs["done"].Status)
}

func TestScheduleAndCancel(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/v1/schedules", ScheduleRequest{ASIN: "B08N5WRWNW", Pattern: "0 9 * * *", Timezone: "Europe/Berlin"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decode[EnqueueResponse](t, rec)
	id := res.ID
	assert.Equal(t, domain.Scheduled, res.Status)

	j := h.store.jobs[id]
	assert.True(t, j.IsScheduled)
	assert.Equal(t, domain.Scheduled, j.Status)
	assert.Equal(t, domain.JobPriceUpdate, j.Type)

	rec = h.do(t, http.MethodGet, "/v1/jobs?status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]JobRecord](t, rec))

	rec = h.do(t, http.MethodPost, "/v1/jobs/"+id+"/suspend", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, SuspendResponse{ID: id, Suspended: true, RepeatRemoved: true}, decode[SuspendResponse](t, rec))

	n, err := h.q.ScheduleRepeats(context.Background(), time.Now().Add(48*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	rec = h.do(t, http.MethodPost, "/v1/schedules", ScheduleRequest{ASIN: "B08N5WRWNW", Pattern: "0 9 * * *", Timezone: "Nowhere/City"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetProduct(t *testing.T) {
	h := newHarness(t)
	h.store.products["B08N5WRWNW"] = &domain.Product{ID: 4, ASIN: "B08N5WRWNW", Title: "Echo Dot", Currency: "USD"}
	h.store.prices[4] = []domain.PriceSnapshot{{ProductID: 4, Price: 49.99, Currency: "USD"}}

	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/v1/products/nope", nil).Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/v1/products/B000000000", nil).Code)

	rec := h.do(t, http.MethodGet, "/v1/products/b08n5wrwnw", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	p := decode[Product](t, rec)
	assert.Equal(t, "Echo Dot", p.Title)
	assert.Empty(t, p.Images)
	require.Len(t, p.Prices, 1)
	assert.Equal(t, 49.99, p.Prices[0].Price)
	assert.Empty(t, p.Reviews)
}

func TestStatsEndpoints(t *testing.T) {
	h := newHarness(t)
	h.do(t, http.MethodPost, "/v1/jobs", map[string]any{"type": "product", "asin": "B08N5WRWNW"})
	h.do(t, http.MethodPost, "/v1/jobs", map[string]any{"type": "product", "asin": "B08N5WRWNX", "delay": 1000})

	st := decode[queue.Stats](t, h.do(t, http.MethodGet, "/v1/queue/stats", nil))
	assert.Equal(t, queue.Stats{Waiting: 1, Delayed: 1, Total: 2}, st)

	u := decode[usage.Stats](t, h.do(t, http.MethodGet, "/v1/usage", nil))
	assert.Equal(t, 990, u.Remaining)

	jobs := decode[[]JobRecord](t, h.do(t, http.MethodGet, "/v1/jobs?status=pending", nil))
	assert.Len(t, jobs, 2)
}

func TestHealthz(t *testing.T) {
	h := newHarness(t,
		WithCheck("postgres", func(context.Context) error { return nil }),
		WithCheck("redis", func(context.Context) error { return errors.New("connection refused") }))

	rec := h.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, map[string]string{"postgres": "ok", "redis": "connection refused"}, decode[map[string]string](t, rec))
}
