// Command pagegen-worker consumes page and batch generation tasks from
// RabbitMQ and runs them through the orchestrator.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mhpenta/pagegen"
	"github.com/mhpenta/pagegen/internal/config"
	"github.com/mhpenta/pagegen/internal/logger"
	"github.com/mhpenta/pagegen/internal/worker"
	"github.com/mhpenta/pagegen/provider/gemini"
	"github.com/mhpenta/pagegen/provider/openai"
	"github.com/mhpenta/pagegen/ratelimiter"
	"github.com/mhpenta/pagegen/storage/localfs"
	"github.com/mhpenta/pagegen/store/memory"
	"github.com/mhpenta/pagegen/store/postgres"
	"github.com/mhpenta/pagegen/store/redisstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pagegen-worker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Encoding: cfg.LogEncoding})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	client, err := newClient(ctx, cfg, log)
	if err != nil {
		return err
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			DialTimeout:  10 * time.Second,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
		log.Info("Connected to Redis", zap.String("addr", cfg.RedisAddr))
	}

	client = rateLimit(client, cfg, rdb, log)

	store, closeStore, err := newStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	opts := []pagegen.Option{
		pagegen.WithLogger(log),
		pagegen.WithSettings(cfg.Engine),
		pagegen.WithMetrics(pagegen.NewMetrics(registry)),
	}

	var canceller worker.Canceller
	if rdb != nil {
		store = redisstore.NewImageCache(store, rdb, redisstore.WithLogger(log))
		cancelSignal := redisstore.NewCancelSignal(rdb, "pagegen", 0)
		opts = append(opts, pagegen.WithCancelSignal(cancelSignal))
		canceller = cancelSignal
	}

	if cfg.StorageDir != "" {
		storage, err := localfs.New(cfg.StorageDir, cfg.StorageBaseURL)
		if err != nil {
			return err
		}
		opts = append(opts, pagegen.WithStorage(storage))
	}

	orch := pagegen.New(client, store, opts...)

	conn, err := dialRabbitMQ(ctx, cfg.RabbitMQURL, log)
	if err != nil {
		return err
	}
	defer conn.Close()

	publisher, err := worker.NewRabbitPublisher(conn, cfg.ResultQueue, log)
	if err != nil {
		return err
	}
	processor := worker.NewProcessor(orch, publisher, canceller, log)
	consumer := worker.NewConsumer(conn, processor, cfg.TaskQueue, cfg.CancelQueue, cfg.Prefetch, log)

	srv := &http.Server{
		Addr: ":" + cfg.HTTPPort,
		Handler: newRouter(routerConfig{
			canceller: processor,
			gatherer:  registry,
			ready: func(context.Context) error {
				if conn.IsClosed() {
					return errors.New("rabbitmq connection closed")
				}
				return nil
			},
			imageDir: cfg.StorageDir,
			logger:   log.Named("http"),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	consumeErr := make(chan error, 1)
	go func() { consumeErr <- consumer.Start(ctx) }()

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err := <-consumeErr:
		if err != nil {
			log.Error("Consumer stopped", zap.Error(err))
		}
	}

	consumer.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", zap.Error(err))
	}
	log.Info("Worker stopped")
	return nil
}

// newClient builds the Gemini client and, when configured, routes text
// completion to an OpenAI-compatible endpoint.
func newClient(ctx context.Context, cfg *config.Config, log *zap.Logger) (pagegen.GenerationClient, error) {
	g, err := gemini.New(ctx, &gemini.Config{
		APIKey:     cfg.GeminiAPIKey,
		ImageModel: cfg.ImageModel,
		TextModel:  cfg.TextModel,
	})
	if err != nil {
		return nil, err
	}
	if cfg.TextProvider != "openai" {
		return g, nil
	}

	text, err := openai.New(openai.Config{
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIBaseURL,
		Model:   cfg.OpenAIModel,
	})
	if err != nil {
		return nil, err
	}
	log.Info("Text completion routed to OpenAI-compatible endpoint", zap.String("base_url", cfg.OpenAIBaseURL))
	return pagegen.ComposeClient(text, g), nil
}

// rateLimit puts the image model's budgets in front of client. With Redis the
// budget is shared by every worker.
func rateLimit(client pagegen.GenerationClient, cfg *config.Config, rdb *redis.Client, log *zap.Logger) pagegen.GenerationClient {
	limits := ratelimiter.Limits{TokensPerMinute: cfg.TokensPerMinute, RequestsPerMinute: cfg.RequestsPerMinute}
	if info, ok := gemini.ModelByAPIName(cfg.ImageModel); ok {
		if limits.TokensPerMinute == 0 {
			limits.TokensPerMinute = info.RateLimits.TokensPerMinute
		}
		if limits.RequestsPerMinute == 0 {
			limits.RequestsPerMinute = info.RateLimits.RequestsPerMinute
		}
	}

	var image ratelimiter.Limiter = ratelimiter.NewFromLimits(limits)
	if rdb != nil {
		image = ratelimiter.NewRedis(rdb, "pagegen:ratelimit:"+cfg.ImageModel, limits)
	}

	var estimator pagegen.TokenEstimator
	if tk, err := pagegen.NewTiktokenEstimator("cl100k_base"); err == nil {
		estimator = tk
	} else {
		log.Warn("Tiktoken encoding unavailable, using simple estimator", zap.Error(err))
		estimator = pagegen.NewSimpleTokenEstimator()
	}

	return pagegen.NewRateLimitedClient(client, nil, image, pagegen.RateLimitOptions{
		Model:           cfg.ImageModel,
		WaitOnRateLimit: cfg.WaitOnRateLimit,
		MaxWaitDuration: time.Minute,
		Estimator:       estimator,
	})
}

func newStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (pagegen.SessionStore, func(), error) {
	if cfg.Store == "memory" {
		log.Warn("Using in-memory session store, sessions are lost on restart")
		return memory.New(), func() {}, nil
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse DSN: %w", err)
	}
	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MaxConnIdleTime = cfg.DBIdleTimeout

	var pool *pgxpool.Pool
	connect := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		p, err := pgxpool.NewWithConfig(attemptCtx, poolCfg)
		if err != nil {
			return err
		}
		if err := p.Ping(attemptCtx); err != nil {
			p.Close()
			return err
		}
		pool = p
		return nil
	}
	notify := func(err error, next time.Duration) {
		log.Warn("PostgreSQL not ready, retrying", zap.Duration("next", next), zap.Error(err))
	}
	if err := backoff.RetryNotify(connect, retrySchedule(ctx), notify); err != nil {
		return nil, nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	log.Info("Connected to PostgreSQL", zap.String("host", cfg.DBHost), zap.String("db", cfg.DBName))

	if err := postgres.Migrate(pool); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return postgres.New(pool, log), pool.Close, nil
}

func dialRabbitMQ(ctx context.Context, url string, log *zap.Logger) (*amqp.Connection, error) {
	var conn *amqp.Connection
	dial := func() error {
		c, err := amqp.Dial(url)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, next time.Duration) {
		log.Warn("RabbitMQ not ready, retrying", zap.Duration("next", next), zap.Error(err))
	}
	if err := backoff.RetryNotify(dial, retrySchedule(ctx), notify); err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	log.Info("Connected to RabbitMQ")
	return conn, nil
}

func retrySchedule(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 2 * time.Minute
	return backoff.WithContext(b, ctx)
}
