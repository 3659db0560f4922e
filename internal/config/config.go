package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
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

	// AWS Services
	AWSRegion    string
	SQSRegion    string
	SQSDLQURL    string // dead-letter export queue, empty disables
	SNSRegion    string
	SNSTopicARN  string // business event mirror, empty disables
	SESFromEmail string
	AlertEmailTo string // operator address for dead-letter alerts, empty disables

	// Provider webhook secrets
	PagarmeWebhookSecret string
	StripeWebhookSecret  string
	StripeTolerance      time.Duration

	// Dispatcher
	DispatchPollInterval time.Duration
	DispatchBatchSize    int
	DeliveryWorkers      int

	// Event ledger
	LedgerMaxAttempts int
	LedgerRetryDelay  time.Duration
	ClaimLease        time.Duration

	// Outbound delivery
	DeliveryTimeout     time.Duration
	DeliveryMaxAttempts int

	// Reconciliation
	ReconcileMode               string // "dry-run" or "execute"
	ReconcileInterval           time.Duration
	ReconcileLookback           time.Duration
	ReconcileCollapseWindow     time.Duration
	ReconcileRequireNullOrderID bool
	ReconcileOnWrite            bool

	// Operator API rate limit (requests per minute per client)
	AdminRateLimit int
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "payrelay",
		DBName:    "payrelay",
		DBSSLMode: "disable",

		// Redis defaults
		RedisHost: "localhost",
		RedisPort: 6379,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@payrelay.local",

		StripeTolerance: 5 * time.Minute,

		DispatchPollInterval: 2 * time.Second,
		DispatchBatchSize:    20,
		DeliveryWorkers:      20,

		LedgerMaxAttempts: 10,
		LedgerRetryDelay:  60 * time.Second,
		ClaimLease:        5 * time.Minute,

		DeliveryTimeout:     15 * time.Second,
		DeliveryMaxAttempts: 10,

		ReconcileMode:               "dry-run",
		ReconcileInterval:           10 * time.Minute,
		ReconcileLookback:           24 * time.Hour,
		ReconcileCollapseWindow:     45 * time.Minute,
		ReconcileRequireNullOrderID: true,
		ReconcileOnWrite:            true,

		AdminRateLimit: 120,
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

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}

	if url := os.Getenv("SQS_DLQ_URL"); url != "" {
		cfg.SQSDLQURL = url
	}

	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	if arn := os.Getenv("SNS_TOPIC_ARN"); arn != "" {
		cfg.SNSTopicARN = arn
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	if to := os.Getenv("ALERT_EMAIL_TO"); to != "" {
		cfg.AlertEmailTo = to
	}

	cfg.PagarmeWebhookSecret = os.Getenv("PAGARME_WEBHOOK_SECRET")
	cfg.StripeWebhookSecret = os.Getenv("STRIPE_WEBHOOK_SECRET")

	var err error
	if cfg.StripeTolerance, err = durationEnv("STRIPE_TOLERANCE", cfg.StripeTolerance); err != nil {
		return nil, err
	}

	// Dispatcher
	if cfg.DispatchPollInterval, err = durationEnv("DISPATCH_POLL_INTERVAL", cfg.DispatchPollInterval); err != nil {
		return nil, err
	}
	if cfg.DispatchBatchSize, err = intEnv("DISPATCH_BATCH_SIZE", cfg.DispatchBatchSize); err != nil {
		return nil, err
	}
	if cfg.DeliveryWorkers, err = intEnv("DELIVERY_WORKERS", cfg.DeliveryWorkers); err != nil {
		return nil, err
	}

	// Ledger
	if cfg.LedgerMaxAttempts, err = intEnv("LEDGER_MAX_ATTEMPTS", cfg.LedgerMaxAttempts); err != nil {
		return nil, err
	}
	if cfg.LedgerRetryDelay, err = durationEnv("LEDGER_RETRY_DELAY", cfg.LedgerRetryDelay); err != nil {
		return nil, err
	}
	if cfg.ClaimLease, err = durationEnv("CLAIM_LEASE", cfg.ClaimLease); err != nil {
		return nil, err
	}

	// Outbound delivery
	if cfg.DeliveryTimeout, err = durationEnv("DELIVERY_TIMEOUT", cfg.DeliveryTimeout); err != nil {
		return nil, err
	}
	if cfg.DeliveryMaxAttempts, err = intEnv("DELIVERY_MAX_ATTEMPTS", cfg.DeliveryMaxAttempts); err != nil {
		return nil, err
	}

	// Reconciliation
	if mode := os.Getenv("RECONCILE_MODE"); mode != "" {
		if mode != "dry-run" && mode != "execute" {
			return nil, fmt.Errorf("invalid RECONCILE_MODE: %q (want dry-run or execute)", mode)
		}
		cfg.ReconcileMode = mode
	}
	if cfg.ReconcileInterval, err = durationEnv("RECONCILE_INTERVAL", cfg.ReconcileInterval); err != nil {
		return nil, err
	}
	if cfg.ReconcileLookback, err = durationEnv("RECONCILE_LOOKBACK", cfg.ReconcileLookback); err != nil {
		return nil, err
	}
	if cfg.ReconcileCollapseWindow, err = durationEnv("RECONCILE_COLLAPSE_WINDOW", cfg.ReconcileCollapseWindow); err != nil {
		return nil, err
	}
	if cfg.ReconcileRequireNullOrderID, err = boolEnv("RECONCILE_REQUIRE_NULL_ORDER_ID", cfg.ReconcileRequireNullOrderID); err != nil {
		return nil, err
	}
	if cfg.ReconcileOnWrite, err = boolEnv("RECONCILE_ON_WRITE", cfg.ReconcileOnWrite); err != nil {
		return nil, err
	}

	if cfg.AdminRateLimit, err = intEnv("ADMIN_RATE_LIMIT", cfg.AdminRateLimit); err != nil {
		return nil, err
	}

	return cfg, nil
}

// intEnv parses an integer variable, keeping def when unset.
func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

// durationEnv accepts Go duration strings ("90s", "45m") or plain seconds.
func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func boolEnv(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}
