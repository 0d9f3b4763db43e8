package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/SirClappington/prodq/internal/queue"
)

const (
	defaultBlock      = 5 * time.Second
	dequeueErrBackoff = time.Second
	finalizeTimeout   = 10 * time.Second
)

// Config bounds the pool. Concurrency caps in-flight jobs; at most RateMax
// jobs start per RateWindow across all consumers, spaced evenly.
type Config struct {
	Concurrency int
	RateMax     int
	RateWindow  time.Duration
	JobTimeout  time.Duration
	// Block is how long one dequeue waits for work.
	Block time.Duration
}

func (c *Config) Validate() error {
	if c.Concurrency < 1 {
		return errors.New("concurrency must be at least 1")
	}
	if c.RateMax < 1 || c.RateWindow <= 0 {
		return errors.New("rate max and window must be positive")
	}
	if c.Block <= 0 {
		c.Block = defaultBlock
	}
	return nil
}

// Run starts Concurrency consumers and blocks until ctx is cancelled and
// every in-flight job has finished.
func (w *Worker) Run(ctx context.Context) error {
	// burst 1 keeps every window, not just the first, to RateMax starts.
	limiter := rate.NewLimiter(rate.Every(w.cfg.RateWindow/time.Duration(w.cfg.RateMax)), 1)

	w.log.Info("worker pool started",
		zap.Int("concurrency", w.cfg.Concurrency),
		zap.Int("rate_max", w.cfg.RateMax),
		zap.Duration("rate_window", w.cfg.RateWindow))

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		i := i
		g.Go(func() error {
			w.consume(gctx, i, limiter)
			return nil
		})
	}
	err := g.Wait()
	w.log.Info("worker pool drained")
	return err
}

func (w *Worker) consume(ctx context.Context, n int, limiter *rate.Limiter) {
	log := w.log.With(zap.Int("consumer", n))
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		j, err := w.q.Dequeue(ctx, w.cfg.Block)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(dequeueErrBackoff):
			}
			continue
		}
		if j != nil {
			w.handle(ctx, j)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// handle runs a dequeued job to completion even when ctx is cancelled, so
// shutdown drains instead of abandoning active jobs.
func (w *Worker) handle(ctx context.Context, j *queue.Job) {
	jctx := context.WithoutCancel(ctx)
	if w.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		jctx, cancel = context.WithTimeout(jctx, w.cfg.JobTimeout)
		defer cancel()
	}
	log := w.log.With(zap.String("job_id", j.ID), zap.Int("attempt", j.Attempts))
	typ := string(j.Data.Type)

	w.metrics.InFlight.Inc()
	start := time.Now()
	out, err := w.Process(jctx, j)
	w.metrics.Duration.WithLabelValues(typ).Observe(time.Since(start).Seconds())
	w.metrics.InFlight.Dec()

	if err == nil {
		outcome := "completed"
		if _, ok := out.(Skipped); ok {
			outcome = "skipped"
		}
		w.metrics.Jobs.WithLabelValues(typ, outcome).Inc()
		fctx, cancel := finalizeCtx(jctx)
		defer cancel()
		if err := w.q.Complete(fctx, j.ID, out); err != nil {
			log.Error("failed to complete queue job", zap.Error(err))
		}
		return
	}

	fctx, cancel := finalizeCtx(jctx)
	defer cancel()
	retry, ferr := w.q.Fail(fctx, j.ID, err)
	if ferr != nil {
		log.Error("failed to fail queue job", zap.Error(ferr))
	}
	outcome := "failed"
	if retry {
		outcome = "retried"
	}
	w.metrics.Jobs.WithLabelValues(typ, outcome).Inc()
}

// finalizeCtx detaches bookkeeping writes from a job deadline that may
// already have passed.
func finalizeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
}
