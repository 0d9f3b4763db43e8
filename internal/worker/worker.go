// Package worker consumes collection jobs: it reconciles the durable job
// record, dispatches to a handler by job type and finalizes the record.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/prodq/internal/domain"
	"github.com/SirClappington/prodq/internal/normalize"
	"github.com/SirClappington/prodq/internal/processor"
	"github.com/SirClappington/prodq/internal/queue"
	"github.com/SirClappington/prodq/internal/storage"
	"github.com/SirClappington/prodq/internal/usage"
)

var (
	ErrUnknownJobType = errors.New("unknown job type")
	ErrProductMissing = errors.New("product not found")
)

// Store is the persistence the worker needs.
type Store interface {
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	InsertJob(ctx context.Context, j *domain.Job) error
	MarkRunning(ctx context.Context, id string, at time.Time) error
	MarkCompleted(ctx context.Context, id string, output json.RawMessage, calls int, at time.Time) error
	MarkFailed(ctx context.Context, id, msg string, calls int, at time.Time) error

	ProductIDByASIN(ctx context.Context, asin string) (int64, error)
	InsertProduct(ctx context.Context, p *domain.Product) (int64, error)
	UpdateProduct(ctx context.Context, p *domain.Product) error
	UpdateProductRating(ctx context.Context, id int64, rating *float64, count int) error
	InsertPrice(ctx context.Context, p *domain.PriceSnapshot) (int64, error)
	UpsertSeller(ctx context.Context, s *domain.Seller) (int64, error)
	ReplaceReviews(ctx context.Context, productID int64, rs []domain.Review) error
	AppendReviews(ctx context.Context, productID int64, rs []domain.Review) error
}

// Collector fetches normalized data from the scraping API.
type Collector interface {
	ProductByASIN(ctx context.Context, asin string) (*normalize.Product, error)
	ProductsBySearch(ctx context.Context, keyword string, limit int, country string) (normalize.SearchResult, error)
	Reviews(ctx context.Context, asin string, limit int) (normalize.ReviewSet, error)
	PriceHistory(ctx context.Context, asin string) (*normalize.Product, error)
}

// Queue is the consumer side of the job queue.
type Queue interface {
	Dequeue(ctx context.Context, block time.Duration) (*queue.Job, error)
	Complete(ctx context.Context, id string, output any) error
	Fail(ctx context.Context, id string, cause error) (bool, error)
	UpdateProgress(ctx context.Context, id string, pct int) error
}

const (
	// productReviewLimit bounds the review fetch that follows a product fetch
	// when the product payload carried no reviews.
	productReviewLimit = 10
	defaultReviewLimit = 50
)

// Skipped is the output of a job that ran without side effects.
type Skipped struct {
	Skipped string `json:"skipped"`
}

type Worker struct {
	cfg     Config
	q       Queue
	store   Store
	coll    Collector
	proc    *processor.Processor
	log     *zap.Logger
	metrics *Metrics
	now     func() time.Time
}

func New(cfg Config, q Queue, store Store, coll Collector, proc *processor.Processor, log *zap.Logger, m *Metrics) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = NewMetrics(nil)
	}
	return &Worker{
		cfg:     cfg,
		q:       q,
		store:   store,
		coll:    coll,
		proc:    proc,
		log:     log,
		metrics: m,
		now:     time.Now,
	}, nil
}

// Process runs one job end to end: record reconciliation, dispatch and
// finalization of the durable record. A returned error has already been
// written to the record; the caller reports it to the queue so the retry
// policy applies.
func (w *Worker) Process(ctx context.Context, j *queue.Job) (any, error) {
	log := w.log.With(zap.String("job_id", j.ID), zap.String("type", string(j.Data.Type)))

	proceed, err := w.reconcile(ctx, j)
	if err != nil {
		return nil, fmt.Errorf("reconcile job record: %w", err)
	}
	if !proceed {
		log.Info("job suspended, skipping")
		return Skipped{Skipped: string(domain.Suspended)}, nil
	}

	ctx, tally := usage.WithTally(ctx)
	out, err := w.dispatch(ctx, j)
	calls := int(tally.Load())
	finished := w.now().UTC()
	fctx, cancel := finalizeCtx(ctx)
	defer cancel()

	if err != nil {
		log.Warn("job failed", zap.Error(err), zap.Int("api_calls", calls))
		if merr := w.store.MarkFailed(fctx, j.ID, err.Error(), calls, finished); merr != nil {
			log.Error("failed to mark job failed", zap.Error(merr))
		}
		return nil, err
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode output: %w", err)
	}
	if err := w.store.MarkCompleted(fctx, j.ID, raw, calls, finished); err != nil {
		return nil, fmt.Errorf("mark completed: %w", err)
	}
	log.Info("job completed", zap.Int("api_calls", calls))
	return out, nil
}

// reconcile brings the job record to running. Records may be created by the
// producer at enqueue time or by the first worker to see the id; both paths
// converge here. It reports false when the record is suspended.
func (w *Worker) reconcile(ctx context.Context, j *queue.Job) (bool, error) {
	started := w.now().UTC()

	rec, err := w.store.GetJob(ctx, j.ID)
	switch {
	case err == nil:
		if rec.Status == domain.Suspended {
			return false, nil
		}
		return true, w.store.MarkRunning(ctx, j.ID, started)
	case !errors.Is(err, storage.ErrNotFound):
		return false, err
	}

	input, err := json.Marshal(j.Data)
	if err != nil {
		return false, err
	}
	err = w.store.InsertJob(ctx, &domain.Job{
		ID:          j.ID,
		Type:        j.Data.Type,
		Status:      domain.Running,
		Input:       input,
		IsScheduled: j.Scheduled(),
		StartedAt:   &started,
	})
	if !errors.Is(err, storage.ErrConflict) {
		return err == nil, err
	}

	// lost the insert race; the other writer's record wins
	rec, err = w.store.GetJob(ctx, j.ID)
	if err != nil {
		return false, err
	}
	if rec.Status == domain.Suspended {
		return false, nil
	}
	return true, w.store.MarkRunning(ctx, j.ID, started)
}

func (w *Worker) dispatch(ctx context.Context, j *queue.Job) (any, error) {
	switch j.Data.Type {
	case domain.JobProduct:
		return w.product(ctx, j)
	case domain.JobSearch:
		return w.search(ctx, j)
	case domain.JobReview:
		return w.reviews(ctx, j)
	case domain.JobPriceUpdate:
		return w.priceUpdate(ctx, j)
	default:
		return nil, queue.Unrecoverable(fmt.Errorf("%w: %q", ErrUnknownJobType, j.Data.Type))
	}
}

func asinOf(j *queue.Job) (string, error) {
	asin, err := processor.NormalizeASIN(j.Data.ASIN)
	if err != nil {
		return "", queue.Unrecoverable(err)
	}
	return asin, nil
}

// existingProduct returns the stored id for asin; a missing product is fatal
// for jobs that build on it.
func (w *Worker) existingProduct(ctx context.Context, asin string) (int64, error) {
	id, err := w.store.ProductIDByASIN(ctx, asin)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, queue.Unrecoverable(fmt.Errorf("%w: %s (collect it with a product job first)", ErrProductMissing, asin))
	}
	return id, err
}
