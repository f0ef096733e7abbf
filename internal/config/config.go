package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int
	QueuePrefix   string

	// Workers run in-process alongside the HTTP server
	WorkerEnabled      bool
	WorkerPollInterval time.Duration
	WorkerBatchSize    int
	SweepSchedule      string // cron spec for the campaign completion sweep

	// SMS provider: twilio, sns or log
	SMSProvider             string
	TwilioAccountSID        string
	TwilioAuthToken         string
	TwilioFromNumber        string
	TwilioBaseURL           string
	TwilioStatusCallbackURL string

	// AWS Services
	AWSRegion     string
	SESFromEmail  string
	SNSRegion     string // AWS region for SNS (SMS)
	EmailProvider string // ses or log

	// SQS delivery event sink, disabled when the URL is empty
	SQSRegion   string
	SQSQueueURL string

	DefaultPhoneRegion string
	RateLimitPerMinute int
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is read first; variables already set in
// the environment take precedence.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "postgres",
		DBPassword: "",
		DBName:     "beacon",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,
		QueuePrefix:   "bull",

		WorkerEnabled:      true,
		WorkerPollInterval: 500 * time.Millisecond,
		WorkerBatchSize:    10,
		SweepSchedule:      "@every 1m",

		SMSProvider:   "log",
		TwilioBaseURL: "https://api.twilio.com",

		AWSRegion:     "us-east-1",
		SESFromEmail:  "noreply@beacon.local",
		EmailProvider: "log",

		DefaultPhoneRegion: "US",
		RateLimitPerMinute: 600,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	if prefix := os.Getenv("QUEUE_PREFIX"); prefix != "" {
		cfg.QueuePrefix = prefix
	}

	// Worker config
	if enabled := os.Getenv("WORKER_ENABLED"); enabled != "" {
		b, err := strconv.ParseBool(enabled)
		if err != nil {
			return nil, fmt.Errorf("invalid WORKER_ENABLED: %w", err)
		}
		cfg.WorkerEnabled = b
	}

	if interval := os.Getenv("WORKER_POLL_INTERVAL_MS"); interval != "" {
		ms, err := strconv.Atoi(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid WORKER_POLL_INTERVAL_MS: %w", err)
		}
		cfg.WorkerPollInterval = time.Duration(ms) * time.Millisecond
	}

	if size := os.Getenv("WORKER_BATCH_SIZE"); size != "" {
		n, err := strconv.Atoi(size)
		if err != nil {
			return nil, fmt.Errorf("invalid WORKER_BATCH_SIZE: %w", err)
		}
		cfg.WorkerBatchSize = n
	}

	if schedule := os.Getenv("COMPLETION_SWEEP_SCHEDULE"); schedule != "" {
		cfg.SweepSchedule = schedule
	}

	// SMS provider
	if provider := os.Getenv("SMS_PROVIDER"); provider != "" {
		cfg.SMSProvider = provider
	}

	if sid := os.Getenv("TWILIO_ACCOUNT_SID"); sid != "" {
		cfg.TwilioAccountSID = sid
	}

	if token := os.Getenv("TWILIO_AUTH_TOKEN"); token != "" {
		cfg.TwilioAuthToken = token
	}

	if from := os.Getenv("TWILIO_FROM_NUMBER"); from != "" {
		cfg.TwilioFromNumber = from
	}

	if url := os.Getenv("TWILIO_BASE_URL"); url != "" {
		cfg.TwilioBaseURL = url
	}

	if url := os.Getenv("TWILIO_STATUS_CALLBACK_URL"); url != "" {
		cfg.TwilioStatusCallbackURL = url
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	if provider := os.Getenv("EMAIL_PROVIDER"); provider != "" {
		cfg.EmailProvider = provider
	}

	// SQS config
	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}

	if url := os.Getenv("SQS_QUEUE_URL"); url != "" {
		cfg.SQSQueueURL = url
	}

	// SNS config for SMS
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	if region := os.Getenv("DEFAULT_PHONE_REGION"); region != "" {
		cfg.DefaultPhoneRegion = region
	}

	if limit := os.Getenv("RATE_LIMIT_PER_MINUTE"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			return nil, fmt.Errorf("invalid RATE_LIMIT_PER_MINUTE: %w", err)
		}
		cfg.RateLimitPerMinute = n
	}

	return cfg, nil
}
