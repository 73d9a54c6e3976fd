package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/ignite/bulkmail/internal/aggregator"
	"github.com/ignite/bulkmail/internal/clock"
	"github.com/ignite/bulkmail/internal/config"
	"github.com/ignite/bulkmail/internal/core"
	"github.com/ignite/bulkmail/internal/kv"
	"github.com/ignite/bulkmail/internal/mailer"
	"github.com/ignite/bulkmail/internal/queue"
	"github.com/ignite/bulkmail/internal/ratelimiter"
	"github.com/ignite/bulkmail/internal/store/postgres"
	"github.com/ignite/bulkmail/internal/worker"
)

func main() {
	log.Println("starting bulkmail send worker")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	db, err := sql.Open("postgres", cfg.Postgres.URL)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = db.PingContext(pingCtx)
	pingCancel()
	if err != nil {
		log.Fatalf("failed to reach database: %v", err)
	}
	log.Println("connected to database")

	st := postgres.New(db)

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr(cfg.Redis.URL)})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("failed to reach redis: %v", err)
	}
	defer rdb.Close()

	clk := clock.New()
	q := queue.NewRedisQueue(rdb, st, clk, logger)
	rl := ratelimiter.New(kv.NewRedisKV(rdb), st, clk, cfg.RateLimit.Strict, logger)

	m, err := mailer.NewSMTPMailer(mailer.SMTPConfig{
		Host:          cfg.SMTP.Host,
		Port:          cfg.SMTP.Port,
		Username:      cfg.SMTP.Username,
		Password:      cfg.SMTP.Password,
		AuthProtocol:  cfg.SMTP.AuthProtocol,
		TLSType:       cfg.SMTP.TLSType,
		TLSSkipVerify: cfg.SMTP.TLSSkipVerify,
		MaxConns:      cfg.SMTP.MaxConns,
	})
	if err != nil {
		log.Fatalf("failed to initialize mailer: %v", err)
	}

	agg := aggregator.New(st, clk, cfg.Aggregator.Window(), aggregator.NewRedisLockFactory(rdb, db, aggregator.DefaultLockTTL), logger)

	c := core.New(core.Deps{
		Store:      st,
		Queue:      q,
		Limiter:    rl,
		Mailer:     m,
		Aggregator: agg,
		Clock:      clk,
		WorkerCfg: worker.Config{
			Concurrency:   cfg.Worker.Concurrency,
			LeaseDuration: cfg.Queue.LeaseDuration(),
			Policy: queue.Policy{
				MaxAttempts:   cfg.Queue.MaxAttempts,
				LeaseDuration: cfg.Queue.LeaseDuration(),
				BackoffBase:   cfg.Queue.BackoffBase(),
				BackoffCap:    cfg.Queue.BackoffCap(),
			},
		},
		Log: logger,
	})

	if n, err := c.Reconcile(context.Background()); err != nil {
		logger.Error("boot reconciliation failed", "error", err)
	} else if n > 0 {
		logger.Info("boot reconciliation recovered jobs", "count", n)
	}

	// Periodic reconciliation sweep (spec.md §4.F step 5): re-enqueues any
	// pending job the Store knows about that the Queue has lost track of,
	// covering Queue-side data loss a single boot-time pass can't.
	sweepSpec := fmt.Sprintf("@every %s", cfg.Queue.RecoverySweepInterval())
	sched := cron.New()
	if _, err := sched.AddFunc(sweepSpec, func() {
		n, err := c.Reconcile(context.Background())
		if err != nil {
			logger.Error("periodic reconciliation failed", "error", err)
			return
		}
		if n > 0 {
			logger.Info("periodic reconciliation recovered jobs", "count", n)
		}
	}); err != nil {
		log.Fatalf("failed to schedule reconciliation sweep: %v", err)
	}
	sched.Start()
	defer sched.Stop()

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-done
		log.Println("shutting down worker...")
		cancel()
	}()

	log.Printf("worker running: concurrency=%d lease=%s", cfg.Worker.Concurrency, cfg.Queue.LeaseDuration())
	c.Run(ctx)
	log.Println("worker stopped")
}

func redisAddr(url string) string {
	const prefix = "redis://"
	if len(url) > len(prefix) && url[:len(prefix)] == prefix {
		return url[len(prefix):]
	}
	return url
}
