package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"gifconv/api"
	"gifconv/config"
	"gifconv/models"
	"gifconv/notify"
	"gifconv/queue"
	"gifconv/services"
	"gifconv/worker"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type conversionStore interface {
	Create(ctx context.Context, c *models.Conversion) error
	Get(ctx context.Context, id string) (*models.Conversion, error)
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]models.Conversion, error)
	FindAndUpdate(ctx context.Context, id string, u models.RecordUpdate) (*models.Conversion, error)
}

func main() {
	cfg := config.Load()
	setupLogger(cfg)

	log.Info().Str("mode", cfg.Mode).Msg("starting GIF conversion service")
	if !cfg.RunsWorker() && !cfg.RunsAPI() {
		log.Fatal().Str("mode", cfg.Mode).Msg("MODE must be all, worker or api")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var redisClient *redis.Client
	if cfg.QueueBackend == "redis" || cfg.NotifyBackend == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("failed to connect to Redis")
		}
		defer redisClient.Close()
		log.Info().Str("addr", cfg.RedisAddr).Msg("connected to Redis")
	}

	store, closeStore := openStore(ctx, cfg)
	defer closeStore()

	broker := openBroker(cfg, redisClient)
	defer broker.Close()

	hub := notify.NewHub(log.Logger)
	var notifier worker.Notifier = hub
	var relay *notify.RedisRelay
	if cfg.NotifyBackend == "redis" {
		relay = notify.NewRedisRelay(redisClient, cfg.NotifyChannel, hub, log.Logger)
		notifier = relay
	} else if dropsLocalEvents(cfg) {
		log.Warn().Str("notify_backend", cfg.NotifyBackend).Msg("local notifications have no subscribers in a worker-only process, events will be dropped")
	}

	roots := models.Roots{UploadDir: cfg.UploadDir, OutputDir: cfg.OutputDir}

	var wg sync.WaitGroup

	if cfg.RunsWorker() {
		pool := newPool(cfg, roots, broker, store, notifier)

		if redisBroker, ok := broker.(*queue.RedisBroker); ok {
			wg.Add(1)
			go func() {
				defer wg.Done()
				redisBroker.Run(ctx)
			}()
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			pool.Run(ctx)
		}()
		log.Info().Int("workers", cfg.WorkerCount).Str("queue", cfg.QueueBackend).Msg("service is ready to process conversions")
	}

	var server *http.Server
	if cfg.RunsAPI() {
		if cfg.JWTSecret == "" {
			log.Fatal().Msg("JWT_SECRET is required to serve the API")
		}
		if relay != nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := relay.Run(ctx); err != nil {
					log.Error().Err(err).Msg("event relay stopped")
				}
			}()
		}

		handler := api.NewHandler(broker, store, hub, roots, cfg.SubmitRate, cfg.SubmitBurst, log.Logger)
		server = &http.Server{
			Addr:              cfg.ServerAddr,
			Handler:           api.NewRouter(handler, api.NewTokenVerifier(cfg.JWTSecret), cfg.CORSOrigin),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info().Str("addr", cfg.ServerAddr).Msg("HTTP server started")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatal().Err(err).Msg("HTTP server failed")
			}
		}()
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutdown signal received, stopping")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("HTTP server shutdown incomplete")
		}
	}

	// Wait for workers to finish with timeout
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all workers stopped gracefully")
	case <-shutdownCtx.Done():
		log.Warn().Msg("shutdown timeout, forcing exit")
	}

	log.Info().Msg("conversion service stopped")
}

func setupLogger(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
		return
	}
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// dropsLocalEvents reports whether events published into the in-process hub
// can never reach a subscriber.
func dropsLocalEvents(cfg *config.Config) bool {
	return cfg.NotifyBackend != "redis" && !cfg.RunsAPI()
}

func openStore(ctx context.Context, cfg *config.Config) (conversionStore, func()) {
	if cfg.RecordStore == "memory" {
		if cfg.Mode != "all" {
			log.Warn().Msg("memory record store is not shared between processes")
		}
		return services.NewMemoryStore(), func() {}
	}

	dbSvc, err := services.NewDatabaseService(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	if err := dbSvc.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to prepare database schema")
	}
	log.Info().Msg("connected to database")
	return dbSvc, func() { _ = dbSvc.Close() }
}

func openBroker(cfg *config.Config, redisClient *redis.Client) queue.Broker {
	switch strings.ToLower(cfg.QueueBackend) {
	case "amqp", "rabbitmq":
		broker, err := queue.NewAMQPBroker(queue.AMQPOptions{
			URL:         cfg.AMQPURL,
			Queue:       cfg.AMQPQueue,
			Prefetch:    cfg.WorkerCount,
			PollTimeout: cfg.PollTimeout,
			Consume:     cfg.RunsWorker(),
		}, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to RabbitMQ")
		}
		log.Info().Str("queue", cfg.AMQPQueue).Msg("connected to RabbitMQ")
		return broker
	case "redis":
		log.Info().Str("queue", cfg.PendingQueue).Msg("listening on Redis queue")
		return queue.NewRedisBroker(redisClient, queue.RedisOptions{
			PendingQueue:     cfg.PendingQueue,
			ProcessingQueue:  cfg.ProcessingQueue,
			DelayedQueue:     cfg.DelayedQueue,
			FailedQueue:      cfg.FailedQueue,
			LeaseKey:         cfg.LeaseKey,
			PollTimeout:      cfg.PollTimeout,
			LeaseTTL:         cfg.LeaseTTL,
			RecoveryInterval: cfg.RecoveryInterval,
		}, log.Logger)
	default:
		log.Fatal().Str("backend", cfg.QueueBackend).Msg("unknown QUEUE_BACKEND")
		return nil
	}
}

func newPool(cfg *config.Config, roots models.Roots, broker queue.Broker, store conversionStore, notifier worker.Notifier) *worker.Pool {
	s3Svc, err := services.NewS3Service(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to configure S3")
	}

	probe := services.NewFFProbe(cfg.FFprobePath)
	ffmpeg := services.NewFFmpeg(cfg.FFmpegPath, cfg.OutputHeight, cfg.OutputFPS, probe, log.Logger)
	if !ffmpeg.Available() {
		log.Fatal().Str("path", cfg.FFmpegPath).Msg("ffmpeg is not available")
	}
	transcoder := worker.TranscoderFunc(func(ctx context.Context, inputPath, outputPath string) (worker.TranscodeRun, error) {
		run, err := ffmpeg.Start(ctx, inputPath, outputPath)
		if err != nil {
			return nil, err
		}
		return run, nil
	})

	return worker.NewPool(worker.Dependencies{
		Broker:     broker,
		Store:      store,
		Transcoder: transcoder,
		Prober:     probe,
		Artifacts:  services.NewStorage(cfg.WorkDir, roots, s3Svc, log.Logger),
		Notifier:   notifier,
	}, worker.Options{
		Workers: cfg.WorkerCount,
		Retry: queue.RetryPolicy{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.BackoffDelay,
			MaxDelay:    cfg.BackoffMax,
		},
		Limits: models.Limits{
			MaxWidth:    cfg.MaxWidth,
			MaxHeight:   cfg.MaxHeight,
			MaxDuration: cfg.MaxDuration,
			MaxSize:     cfg.MaxFileSize,
		},
		JobTimeout: cfg.JobTimeout,
		LeaseTTL:   cfg.LeaseTTL,
	}, log.Logger)
}
