package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/bulkmail/internal/aggregator"
	"github.com/ignite/bulkmail/internal/api"
	"github.com/ignite/bulkmail/internal/clock"
	"github.com/ignite/bulkmail/internal/config"
	"github.com/ignite/bulkmail/internal/core"
	"github.com/ignite/bulkmail/internal/kv"
	"github.com/ignite/bulkmail/internal/mailer"
	"github.com/ignite/bulkmail/internal/metrics"
	"github.com/ignite/bulkmail/internal/queue"
	"github.com/ignite/bulkmail/internal/ratelimiter"
	"github.com/ignite/bulkmail/internal/store/postgres"
	"github.com/ignite/bulkmail/internal/worker"
)

// checkPortAvailable verifies that the target port is not already in
// use, so a stale process doesn't silently swallow our listener.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %w", port, addr, err)
	}
	ln.Close()
	return nil
}

func main() {
	log.Println("╔════════════════════════════════════════════════════════════╗")
	log.Println("║  bulkmail API server (cmd/server/main.go)                  ║")
	log.Println("╚════════════════════════════════════════════════════════════╝")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if err := checkPortAvailable(cfg.Server.Host, cfg.Server.Port); err != nil {
		log.Fatalf("pre-flight check failed: %v", err)
	}
	log.Printf("pre-flight check passed: port %d is available", cfg.Server.Port)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	db, err := sql.Open("postgres", cfg.Postgres.URL)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = db.PingContext(pingCtx)
	pingCancel()
	if err != nil {
		log.Fatalf("failed to reach database: %v", err)
	}
	log.Println("database connection established")

	st := postgres.New(db)

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr(cfg.Redis.URL)})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("failed to reach redis: %v", err)
	}
	defer rdb.Close()
	log.Println("redis connection established")

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

	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	log.Println("core started: worker pool and aggregator running")

	if n, err := c.Reconcile(context.Background()); err != nil {
		logger.Error("boot reconciliation failed", "error", err)
	} else if n > 0 {
		logger.Info("boot reconciliation recovered jobs", "count", n)
	}

	reg := prometheus.NewRegistry()
	metrics.Register(reg)
	sampler := metrics.NewSampler(st, 10*time.Second)
	go sampler.Run(ctx)

	router := api.NewRouter(api.NewHandlers(c, logger))
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: router}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-done
	log.Println("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Queue.LeaseDuration())
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}

	log.Println("server stopped")
}

func redisAddr(url string) string {
	const prefix = "redis://"
	if len(url) > len(prefix) && url[:len(prefix)] == prefix {
		return url[len(prefix):]
	}
	return url
}
