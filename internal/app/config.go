package app

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Драйверы хранилищ.
const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
	LedgerDriverRedis     = "redis"
)

// Форматы логов.
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// EnvPrefix - префикс переменных окружения.
const EnvPrefix = "PAYRECON_"

// Config описывает настройки сервиса. Порядок: DefaultConfig -> YAML -> PAYRECON_* -> Validate.
type Config struct {
	HTTPAddr        string        `yaml:"http_addr"`
	MetricsAddr     string        `yaml:"metrics_addr"`
	GRPCHealthAddr  string        `yaml:"grpc_health_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	StorageDriver        string `yaml:"storage_driver"`
	LedgerDriver         string `yaml:"ledger_driver"`
	PostgresDSN          string `yaml:"postgres_dsn"`
	PostgresAutoMigrate  bool   `yaml:"postgres_auto_migrate"`
	PostgresMaxOpenConns int    `yaml:"postgres_max_open_conns"`

	RedisAddr      string `yaml:"redis_addr"`
	RedisPassword  string `yaml:"redis_password"`
	RedisDB        int    `yaml:"redis_db"`
	RedisKeyPrefix string `yaml:"redis_key_prefix"`

	StripeAPIKey             string        `yaml:"stripe_api_key"`
	StripeWebhookSecret      string        `yaml:"stripe_webhook_secret"`
	StripeSignatureTolerance time.Duration `yaml:"stripe_signature_tolerance"`

	WebhookPaths           []string      `yaml:"webhook_paths"`
	WebhookAllowUnverified bool          `yaml:"webhook_allow_unverified"`
	WebhookMaxBodyBytes    int64         `yaml:"webhook_max_body_bytes"`
	WebhookProcessTimeout  time.Duration `yaml:"webhook_process_timeout"`
	AdminToken             string        `yaml:"admin_token"`

	ReconcilerAutoCapture     bool  `yaml:"reconciler_auto_capture"`
	ReconcilerAmountTolerance int64 `yaml:"reconciler_amount_tolerance"`

	LedgerMaxAttempts      int           `yaml:"ledger_max_attempts"`
	LedgerRetention        time.Duration `yaml:"ledger_retention"`
	LedgerStaleAfter       time.Duration `yaml:"ledger_stale_after"`
	LedgerCleanupInterval  time.Duration `yaml:"ledger_cleanup_interval"`
	LedgerCleanupBatchSize int           `yaml:"ledger_cleanup_batch_size"`

	KafkaBrokers  []string `yaml:"kafka_brokers"`
	KafkaTopic    string   `yaml:"kafka_topic"`
	KafkaDLQTopic string   `yaml:"kafka_dlq_topic"`

	OutboxPollInterval time.Duration `yaml:"outbox_poll_interval"`
	OutboxBatchSize    int           `yaml:"outbox_batch_size"`
	OutboxMaxAttempts  int           `yaml:"outbox_max_attempts"`
	OutboxRetryDelay   time.Duration `yaml:"outbox_retry_delay"`
}

// DefaultConfig возвращает настройки для локального запуска без внешних зависимостей.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:        ":8080",
		MetricsAddr:     ":9090",
		ShutdownTimeout: 10 * time.Second,

		LogLevel:  "info",
		LogFormat: LogFormatText,

		StorageDriver:        StorageDriverMemory,
		PostgresAutoMigrate:  true,
		PostgresMaxOpenConns: 20,
		RedisKeyPrefix:       "payrecon:",

		StripeSignatureTolerance: 5 * time.Minute,

		WebhookPaths:          []string{"/webhooks/stripe"},
		WebhookMaxBodyBytes:   1 << 20,
		WebhookProcessTimeout: 10 * time.Second,

		ReconcilerAutoCapture:     true,
		ReconcilerAmountTolerance: 1,

		LedgerMaxAttempts:      3,
		LedgerRetention:        24 * time.Hour,
		LedgerStaleAfter:       5 * time.Minute,
		LedgerCleanupInterval:  10 * time.Minute,
		LedgerCleanupBatchSize: 500,

		KafkaTopic:    "payrecon.payment.events",
		KafkaDLQTopic: "payrecon.payment.dlq",

		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  3,
		OutboxRetryDelay:   50 * time.Millisecond,
	}
}

// EffectiveLedgerDriver возвращает драйвер ledger-а с учётом значения по умолчанию.
func (c Config) EffectiveLedgerDriver() string {
	if strings.TrimSpace(c.LedgerDriver) == "" {
		return c.StorageDriver
	}
	return c.LedgerDriver
}

// LoadConfig читает YAML (path или PAYRECON_CONFIG), применяет окружение и проверяет результат.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if strings.TrimSpace(path) == "" {
		path = os.Getenv(EnvPrefix + "CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(cfg)
}

type lookupFunc func(key string) (string, bool)

// applyEnv переопределяет поля значениями PAYRECON_*.
func applyEnv(cfg *Config, lookup lookupFunc) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(EnvPrefix + key); ok {
			parsed, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = parsed
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(EnvPrefix + key); ok {
			parsed, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = parsed
		}
	}
	int64v := func(key string, dst *int64) {
		if v, ok := lookup(EnvPrefix + key); ok {
			parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = parsed
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + key); ok {
			parsed, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = parsed
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = SplitList(v)
		}
	}

	str("HTTP_ADDR", &cfg.HTTPAddr)
	str("METRICS_ADDR", &cfg.MetricsAddr)
	str("GRPC_HEALTH_ADDR", &cfg.GRPCHealthAddr)
	duration("SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)

	str("STORAGE_DRIVER", &cfg.StorageDriver)
	str("LEDGER_DRIVER", &cfg.LedgerDriver)
	str("POSTGRES_DSN", &cfg.PostgresDSN)
	boolean("POSTGRES_AUTO_MIGRATE", &cfg.PostgresAutoMigrate)
	integer("POSTGRES_MAX_OPEN_CONNS", &cfg.PostgresMaxOpenConns)

	str("REDIS_ADDR", &cfg.RedisAddr)
	str("REDIS_PASSWORD", &cfg.RedisPassword)
	integer("REDIS_DB", &cfg.RedisDB)
	str("REDIS_KEY_PREFIX", &cfg.RedisKeyPrefix)

	str("STRIPE_API_KEY", &cfg.StripeAPIKey)
	str("STRIPE_WEBHOOK_SECRET", &cfg.StripeWebhookSecret)
	duration("STRIPE_SIGNATURE_TOLERANCE", &cfg.StripeSignatureTolerance)

	list("WEBHOOK_PATHS", &cfg.WebhookPaths)
	boolean("WEBHOOK_ALLOW_UNVERIFIED", &cfg.WebhookAllowUnverified)
	int64v("WEBHOOK_MAX_BODY_BYTES", &cfg.WebhookMaxBodyBytes)
	duration("WEBHOOK_PROCESS_TIMEOUT", &cfg.WebhookProcessTimeout)
	str("ADMIN_TOKEN", &cfg.AdminToken)

	boolean("RECONCILER_AUTO_CAPTURE", &cfg.ReconcilerAutoCapture)
	int64v("RECONCILER_AMOUNT_TOLERANCE", &cfg.ReconcilerAmountTolerance)

	integer("LEDGER_MAX_ATTEMPTS", &cfg.LedgerMaxAttempts)
	duration("LEDGER_RETENTION", &cfg.LedgerRetention)
	duration("LEDGER_STALE_AFTER", &cfg.LedgerStaleAfter)
	duration("LEDGER_CLEANUP_INTERVAL", &cfg.LedgerCleanupInterval)
	integer("LEDGER_CLEANUP_BATCH_SIZE", &cfg.LedgerCleanupBatchSize)

	list("KAFKA_BROKERS", &cfg.KafkaBrokers)
	str("KAFKA_TOPIC", &cfg.KafkaTopic)
	str("KAFKA_DLQ_TOPIC", &cfg.KafkaDLQTopic)

	duration("OUTBOX_POLL_INTERVAL", &cfg.OutboxPollInterval)
	integer("OUTBOX_BATCH_SIZE", &cfg.OutboxBatchSize)
	integer("OUTBOX_MAX_ATTEMPTS", &cfg.OutboxMaxAttempts)
	duration("OUTBOX_RETRY_DELAY", &cfg.OutboxRetryDelay)

	return errors.Join(errs...)
}

// SplitList разбирает список через запятую, отбрасывая пустые элементы.
func SplitList(raw string) []string {
	chunks := strings.Split(raw, ",")
	out := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		if item := strings.TrimSpace(chunk); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if strings.TrimSpace(c.HTTPAddr) == "" {
		add("http_addr is required")
	}
	if strings.TrimSpace(c.MetricsAddr) == "" {
		add("metrics_addr is required")
	}
	if c.ShutdownTimeout <= 0 {
		add("shutdown_timeout must be > 0")
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		add("log_level: %v", err)
	}
	if c.LogFormat != LogFormatText && c.LogFormat != LogFormatJSON {
		add("log_format must be %q or %q", LogFormatText, LogFormatJSON)
	}

	switch c.StorageDriver {
	case StorageDriverMemory, StorageDriverPostgres:
	default:
		add("unsupported storage driver %q", c.StorageDriver)
	}
	ledger := c.EffectiveLedgerDriver()
	switch ledger {
	case StorageDriverMemory, StorageDriverPostgres, LedgerDriverRedis:
	default:
		add("unsupported ledger driver %q", ledger)
	}
	if (c.StorageDriver == StorageDriverPostgres || ledger == StorageDriverPostgres) && strings.TrimSpace(c.PostgresDSN) == "" {
		add("postgres_dsn is required for postgres driver")
	}
	if ledger == LedgerDriverRedis && strings.TrimSpace(c.RedisAddr) == "" {
		add("redis_addr is required for redis ledger")
	}

	if c.StripeSignatureTolerance <= 0 {
		add("stripe_signature_tolerance must be > 0")
	}
	if len(c.WebhookPaths) == 0 {
		add("webhook_paths must not be empty")
	}
	for _, path := range c.WebhookPaths {
		if !strings.HasPrefix(path, "/") {
			add("webhook path %q must start with /", path)
		}
	}
	if c.WebhookMaxBodyBytes <= 0 {
		add("webhook_max_body_bytes must be > 0")
	}
	if c.WebhookProcessTimeout <= 0 {
		add("webhook_process_timeout must be > 0")
	}
	if c.ReconcilerAmountTolerance < 0 {
		add("reconciler_amount_tolerance must be >= 0")
	}

	if c.LedgerMaxAttempts <= 0 {
		add("ledger_max_attempts must be > 0")
	}
	if c.LedgerRetention <= 0 {
		add("ledger_retention must be > 0")
	}
	if c.LedgerStaleAfter <= 0 {
		add("ledger_stale_after must be > 0")
	}
	if c.LedgerCleanupInterval <= 0 {
		add("ledger_cleanup_interval must be > 0")
	}
	if c.LedgerCleanupBatchSize <= 0 {
		add("ledger_cleanup_batch_size must be > 0")
	}

	if len(c.KafkaBrokers) > 0 && (strings.TrimSpace(c.KafkaTopic) == "" || strings.TrimSpace(c.KafkaDLQTopic) == "") {
		add("kafka_topic and kafka_dlq_topic are required when kafka_brokers is set")
	}
	if c.OutboxPollInterval <= 0 {
		add("outbox_poll_interval must be > 0")
	}
	if c.OutboxBatchSize <= 0 {
		add("outbox_batch_size must be > 0")
	}
	if c.OutboxMaxAttempts <= 0 {
		add("outbox_max_attempts must be > 0")
	}
	if c.OutboxRetryDelay < 0 {
		add("outbox_retry_delay must be >= 0")
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// warnings возвращает допустимые, но подозрительные комбинации настроек.
func (c Config) warnings() []string {
	var out []string
	if strings.TrimSpace(c.StripeWebhookSecret) == "" {
		out = append(out, "stripe_webhook_secret is empty: every webhook delivery will be answered with 500")
	}
	if c.WebhookAllowUnverified && strings.TrimSpace(c.StripeAPIKey) == "" {
		out = append(out, "webhook_allow_unverified is set without stripe_api_key: unverified events cannot be confirmed")
	}
	if c.ReconcilerAutoCapture && strings.TrimSpace(c.StripeAPIKey) == "" {
		out = append(out, "reconciler_auto_capture is set without stripe_api_key: requires_capture intents will not be captured")
	}
	return out
}
