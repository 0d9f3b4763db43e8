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
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/prodq/internal/api"
	"github.com/SirClappington/prodq/internal/config"
	"github.com/SirClappington/prodq/internal/logger"
	"github.com/SirClappington/prodq/internal/queue"
	"github.com/SirClappington/prodq/internal/storage"
	"github.com/SirClappington/prodq/internal/usage"
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := storage.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		lg.Fatal("postgres", zap.Error(err))
	}
	defer pool.Close()
	if err := storage.Migrate(ctx, pool); err != nil {
		lg.Fatal("migrate", zap.Error(err))
	}

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer rdb.Close()

	if cfg.JWTSigningKey == "" {
		if cfg.Production() {
			lg.Fatal("JWT_SIGNING_KEY is required in production")
		}
		lg.Warn("JWT_SIGNING_KEY not set, API auth disabled")
	}

	store := storage.New(pool)
	q := queue.New(rdb,
		queue.WithPrefix(cfg.QueuePrefix),
		queue.WithDefaults(cfg.Worker.JobAttempts, cfg.Worker.JobBackoff))
	limiter := usage.NewLimiter(store, cfg.MonthlyCallLimit)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv := api.New(q, store, limiter, lg,
		api.WithSigningKey(cfg.JWTSigningKey),
		api.WithRegistry(reg),
		api.WithCheck("postgres", pool.Ping),
		api.WithCheck("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() }),
	)
	httpSrv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lg.Info("api listening", zap.String("addr", cfg.APIAddr))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})
	if err := g.Wait(); err != nil {
		lg.Error("api stopped", zap.Error(err))
		return
	}
	lg.Info("api stopped")
}
