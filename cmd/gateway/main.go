package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/api"
	"github.com/lalithlochan/beacon/internal/campaign"
	"github.com/lalithlochan/beacon/internal/circuitbreaker"
	"github.com/lalithlochan/beacon/internal/config"
	"github.com/lalithlochan/beacon/internal/db"
	"github.com/lalithlochan/beacon/internal/observ"
	"github.com/lalithlochan/beacon/internal/phone"
	"github.com/lalithlochan/beacon/internal/queue"
	"github.com/lalithlochan/beacon/internal/redis"
	"github.com/lalithlochan/beacon/internal/sqs"
	"github.com/lalithlochan/beacon/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting beacon gateway",
		zap.Int("port", cfg.Port),
		zap.Bool("workers", cfg.WorkerEnabled),
		zap.String("sms_provider", cfg.SMSProvider),
		zap.String("email_provider", cfg.EmailProvider),
	)

	ctx := context.Background()

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	// Redis carries the job queue, so unlike the webhook guards it is required.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer redisClient.Close()

	jobs := queue.New(redisClient.Redis(), cfg.QueuePrefix, logger)

	// Delivery events are optional
	var events campaign.EventSink
	if cfg.SQSQueueURL != "" {
		producer, err := sqs.NewProducer(ctx, sqs.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSQueueURL,
		}, logger)
		if err != nil {
			logger.Warn("sqs producer unavailable, delivery events disabled", zap.Error(err))
		} else {
			events = producer
		}
	}

	manager := campaign.NewManager(repo, jobs, events, logger)
	monitor := campaign.NewQueueMonitor(jobs, logger, queue.SMS, queue.Campaign, queue.Email)

	var rateLimiter *redis.RateLimiter
	if cfg.RateLimitPerMinute > 0 {
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.RateLimitPerMinute,
			Window: time.Minute,
		})
	}

	handler := api.NewHandler(logger, api.Deps{
		Campaigns: manager,
		Contacts:  repo,
		Queues:    monitor,
		Phones:    phone.NewNormalizer(cfg.DefaultPhoneRegion),
		Replay:    redis.NewReplayGuard(redisClient, logger),
		Imports:   redis.NewImportSessions(redisClient, logger),
		Health: map[string]func(context.Context) error{
			"postgres": database.Health,
			"redis":    redisClient.Ping,
		},
	})

	// Workers
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	var workers sync.WaitGroup
	var sweeper *worker.CompletionSweeper

	if cfg.WorkerEnabled {
		sender, err := buildSender(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("failed to create message sender: %w", err)
		}

		wcfg := worker.Config{
			PollInterval: cfg.WorkerPollInterval,
			BatchSize:    cfg.WorkerBatchSize,
		}
		sends := worker.NewMessageProcessor(repo, sender, logger)
		pool := []*worker.Worker{
			worker.New(jobs, queue.Campaign, worker.NewCampaignProcessor(repo, jobs, logger), wcfg, logger),
			worker.New(jobs, queue.SMS, sends, wcfg, logger),
			worker.New(jobs, queue.Email, sends, wcfg, logger),
		}
		for _, w := range pool {
			workers.Add(1)
			go func(w *worker.Worker) {
				defer workers.Done()
				w.Start(workerCtx)
			}(w)
		}

		sweeper, err = worker.NewCompletionSweeper(repo, cfg.SweepSchedule, logger)
		if err != nil {
			return err
		}
		sweeper.Start()

		logger.Info("background workers started", zap.Int("workers", len(pool)))
	}

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, rateLimiter, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		workerCancel()
		workers.Wait()
		if sweeper != nil {
			<-sweeper.Stop().Done()
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

// buildSender assembles the configured SMS and email providers, each behind
// its own circuit breaker.
func buildSender(ctx context.Context, cfg *config.Config, logger *zap.Logger) (worker.Sender, error) {
	var sms worker.Sender
	switch cfg.SMSProvider {
	case "twilio":
		s, err := worker.NewTwilioSender(worker.TwilioConfig{
			AccountSID:        cfg.TwilioAccountSID,
			AuthToken:         cfg.TwilioAuthToken,
			FromNumber:        cfg.TwilioFromNumber,
			BaseURL:           cfg.TwilioBaseURL,
			StatusCallbackURL: cfg.TwilioStatusCallbackURL,
		}, logger)
		if err != nil {
			return nil, err
		}
		sms = s
	case "sns":
		s, err := worker.NewSNSSender(ctx, worker.SNSConfig{Region: cfg.SNSRegion}, logger)
		if err != nil {
			return nil, err
		}
		sms = s
	case "log":
		sms = worker.NewLogSender(logger, db.ChannelSMS)
	default:
		return nil, fmt.Errorf("unknown SMS provider %q", cfg.SMSProvider)
	}

	var email worker.Sender
	switch cfg.EmailProvider {
	case "ses":
		s, err := worker.NewSESSender(ctx, worker.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
		}, logger)
		if err != nil {
			return nil, err
		}
		email = s
	case "log":
		email = worker.NewLogSender(logger, db.ChannelEmail)
	default:
		return nil, fmt.Errorf("unknown email provider %q", cfg.EmailProvider)
	}

	return worker.NewMultiSender(logger,
		protect(sms, cfg.SMSProvider+"-sms", logger),
		protect(email, cfg.EmailProvider+"-email", logger),
	), nil
}

func protect(s worker.Sender, name string, logger *zap.Logger) worker.Sender {
	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig(name), logger)
	return circuitbreaker.NewProtectedSender(s, breaker, logger)
}
