package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/prodq/internal/config"
	"github.com/SirClappington/prodq/internal/logger"
	"github.com/SirClappington/prodq/internal/queue"
	"github.com/SirClappington/prodq/internal/storage"
)

const (
	leaderLockKey = 42
	moveBatch     = 200
	// stallGrace is added to the job timeout before an active job counts as
	// abandoned.
	stallGrace = time.Minute
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

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer rdb.Close()

	q := queue.New(rdb,
		queue.WithPrefix(cfg.QueuePrefix),
		queue.WithDefaults(cfg.Worker.JobAttempts, cfg.Worker.JobBackoff))

	tick := time.NewTicker(cfg.SchedulerTick)
	defer tick.Stop()

	lg.Info("scheduler started", zap.Duration("tick", cfg.SchedulerTick))
	for {
		select {
		case <-ctx.Done():
			lg.Info("scheduler stopped")
			return
		case <-tick.C:
		}
		runTick(ctx, pool, q, cfg.Worker.JobTimeout+stallGrace, lg)
	}
}

// runTick does one pass as leader; other replicas skip the tick.
func runTick(ctx context.Context, pool *pgxpool.Pool, q *queue.RedisQ, stallAfter time.Duration, lg *zap.Logger) {
	release, ok, err := storage.TryLeader(ctx, pool, leaderLockKey)
	if err != nil {
		if ctx.Err() == nil {
			lg.Warn("leader lock", zap.Error(err))
		}
		return
	}
	if !ok {
		return
	}
	defer release()

	now := time.Now().UTC()
	moved, err := q.MoveDue(ctx, now, moveBatch)
	if err != nil {
		lg.Error("move due jobs", zap.Error(err))
	}
	added, err := q.ScheduleRepeats(ctx, now)
	if err != nil {
		lg.Error("schedule repeats", zap.Error(err))
	}
	stalled, err := q.RequeueStalled(ctx, now.Add(-stallAfter))
	if err != nil {
		lg.Error("requeue stalled jobs", zap.Error(err))
	}
	if moved+added+stalled > 0 {
		lg.Info("scheduler tick",
			zap.Int("moved", moved),
			zap.Int("repeats", added),
			zap.Int("stalled", stalled))
	}
}
