package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/prodq/internal/collector"
	"github.com/SirClappington/prodq/internal/config"
	"github.com/SirClappington/prodq/internal/logger"
	"github.com/SirClappington/prodq/internal/normalize"
	"github.com/SirClappington/prodq/internal/processor"
	"github.com/SirClappington/prodq/internal/queue"
	"github.com/SirClappington/prodq/internal/scraper"
	"github.com/SirClappington/prodq/internal/storage"
	"github.com/SirClappington/prodq/internal/usage"
	"github.com/SirClappington/prodq/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	lg, err := logger.New(cfg.LogLevel, cfg.AppEnv)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	if cfg.Scraper.APIKey == "" {
		lg.Fatal("SCRAPER_API_KEY is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := storage.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		lg.Fatal("postgres", zap.Error(err))
	}
	defer pool.Close()

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer rdb.Close()

	store := storage.New(pool)
	q := queue.New(rdb,
		queue.WithPrefix(cfg.QueuePrefix),
		queue.WithDefaults(cfg.Worker.JobAttempts, cfg.Worker.JobBackoff))

	client := scraper.New(cfg.Scraper.BaseURL, cfg.Scraper.APIKey, cfg.Scraper.Country,
		cfg.Scraper.Timeout, cfg.Scraper.MaxAttempts, lg.Named("scraper"))
	coll := collector.New(client, usage.NewLimiter(store, cfg.MonthlyCallLimit),
		normalize.New(lg.Named("normalize")), lg.Named("collector"))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	w, err := worker.New(worker.Config{
		Concurrency: cfg.Worker.Concurrency,
		RateMax:     cfg.Worker.RateMax,
		RateWindow:  cfg.Worker.RateWindow,
		JobTimeout:  cfg.Worker.JobTimeout,
	}, q, store, coll, processor.New(lg.Named("processor")), lg.Named("worker"), worker.NewMetrics(reg))
	if err != nil {
		lg.Fatal("worker", zap.Error(err))
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gctx) })
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(sctx)
	})

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			lg.Error("worker stopped", zap.Error(err))
		}
		return
	case <-ctx.Done():
	}
	lg.Info("shutting down, draining in-flight jobs", zap.Duration("timeout", cfg.ShutdownTimeout))
	select {
	case err := <-done:
		if err != nil {
			lg.Error("worker stopped", zap.Error(err))
			return
		}
		lg.Info("worker stopped")
	case <-time.After(cfg.ShutdownTimeout):
		lg.Warn("drain timed out, abandoning in-flight jobs")
	}
}
