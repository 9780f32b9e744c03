// Package config provides configuration loading and validation for the
// reconciliation service. It uses koanf to merge environment variables with
// optional file overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration values for the reconciliation service.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Database
	DatabaseURL    string        `koanf:"database_url"`
	DBTxTimeout    time.Duration `koanf:"db_tx_timeout"`
	DBLockTimeout  time.Duration `koanf:"db_lock_timeout"`
	DBMaxOpenConns int           `koanf:"db_max_open_conns"`
	RunMigrations  bool          `koanf:"run_migrations"`

	// Stripe
	StripeWebhookSecret string        `koanf:"stripe_webhook_secret"`
	StripeTolerance     time.Duration `koanf:"stripe_tolerance"`

	// PayPal
	PayPalClientID      string        `koanf:"paypal_client_id"`
	PayPalClientSecret  string        `koanf:"paypal_client_secret"`
	PayPalWebhookID     string        `koanf:"paypal_webhook_id"`
	PayPalAPIBase       string        `koanf:"paypal_api_base"`
	PayPalVerifyTimeout time.Duration `koanf:"paypal_verify_timeout"`
	WebhookTolerance    time.Duration `koanf:"webhook_tolerance"` // PayPal transmission time window

	// Notifications (Redis list consumed by the mailer)
	RedisURL        string `koanf:"redis_url"`
	NotifyQueueKey  string `koanf:"notify_queue_key"`
	NotifyWorkers   int    `koanf:"notify_workers"`
	NotifyQueueSize int    `koanf:"notify_queue_size"`

	// Failed payload archive (S3-compatible)
	ArchiveBucket          string `koanf:"archive_bucket"`
	ArchiveEndpoint        string `koanf:"archive_endpoint"`
	ArchiveAccessKeyID     string `koanf:"archive_access_key_id"`
	ArchiveSecretAccessKey string `koanf:"archive_secret_access_key"`
	ArchiveRegion          string `koanf:"archive_region"`

	// Rentals
	RentalBillingPeriodMonths int `koanf:"rental_billing_period_months"`

	// Tracing
	TracingEnabled    bool    `koanf:"tracing_enabled"`
	TracingExporter   string  `koanf:"tracing_exporter"`
	OTLPEndpoint      string  `koanf:"otlp_endpoint"`
	TracingSampleRate float64 `koanf:"tracing_sample_rate"`
	TracingInsecure   bool    `koanf:"tracing_insecure"`
}

// Configuration validation errors.
var (
	ErrMissingDatabaseURL            = errors.New("DATABASE_URL is required")
	ErrNoProviderConfigured          = errors.New("STRIPE_WEBHOOK_SECRET or the PAYPAL_* settings are required")
	ErrMissingPayPalClientID         = errors.New("PAYPAL_CLIENT_ID is required")
	ErrMissingPayPalClientSecret     = errors.New("PAYPAL_CLIENT_SECRET is required")
	ErrMissingPayPalWebhookID        = errors.New("PAYPAL_WEBHOOK_ID is required")
	ErrMissingArchiveBucket          = errors.New("ARCHIVE_BUCKET is required")
	ErrMissingArchiveAccessKeyID     = errors.New("ARCHIVE_ACCESS_KEY_ID is required")
	ErrMissingArchiveSecretAccessKey = errors.New("ARCHIVE_SECRET_ACCESS_KEY is required")
	ErrInvalidBillingPeriod          = errors.New("RENTAL_BILLING_PERIOD_MONTHS must be positive")
	ErrInvalidNotifyWorkers          = errors.New("NOTIFY_WORKERS must be positive")
	ErrInvalidNotifyQueueSize        = errors.New("NOTIFY_QUEUE_SIZE must be positive")
	ErrInvalidSampleRate             = errors.New("TRACING_SAMPLE_RATE must be between 0 and 1")
	ErrInvalidTracingExporter        = errors.New("TRACING_EXPORTER must be otlp-http or otlp-grpc")
	ErrInvalidPort                   = errors.New("PORT must be a valid integer")
	ErrInvalidDuration               = errors.New("must be a valid duration")
	ErrInvalidBool                   = errors.New("must be a valid boolean")
	ErrInvalidFloat                  = errors.New("must be a valid float")
)

// Default values for non-secret configuration.
const (
	DefaultPort                      = 8080
	DefaultEnv                       = "development"
	DefaultDBTxTimeout               = 10 * time.Second
	DefaultDBLockTimeout             = 5 * time.Second
	DefaultDBMaxOpenConns            = 20
	DefaultStripeTolerance           = 5 * time.Minute
	DefaultWebhookTolerance          = 5 * time.Minute
	DefaultPayPalAPIBase             = "https://api-m.paypal.com"
	DefaultPayPalVerifyTimeout       = 10 * time.Second
	DefaultNotifyQueueKey            = "giggatek:notifications"
	DefaultNotifyWorkers             = 2
	DefaultNotifyQueueSize           = 256
	DefaultArchiveRegion             = "auto"
	DefaultRentalBillingPeriodMonths = 1
	DefaultTracingExporter           = "otlp-http"
	DefaultTracingSampleRate         = 0.1
)

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads configuration from environment variables and an optional config file.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")

	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	p := &parser{k: k}
	cfg := &Config{
		Port:           p.intValue([]string{"GIGGATEK_PORT", "PORT"}, "port", DefaultPort),
		Env:            getEnvOrDefaultMulti([]string{"GIGGATEK_ENV", "ENV", "GO_ENV"}, k.String("env"), DefaultEnv),
		DatabaseURL:    getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		DBTxTimeout:    p.duration("DB_TX_TIMEOUT", "db_tx_timeout", DefaultDBTxTimeout),
		DBLockTimeout:  p.duration("DB_LOCK_TIMEOUT", "db_lock_timeout", DefaultDBLockTimeout),
		DBMaxOpenConns: p.intValue([]string{"DB_MAX_OPEN_CONNS"}, "db_max_open_conns", DefaultDBMaxOpenConns),
		RunMigrations:  p.boolValue("RUN_MIGRATIONS", "run_migrations", false),

		StripeWebhookSecret: getEnvOrKoanf("STRIPE_WEBHOOK_SECRET", k, "stripe_webhook_secret"),
		StripeTolerance:     p.duration("STRIPE_TOLERANCE", "stripe_tolerance", DefaultStripeTolerance),

		PayPalClientID:      getEnvOrKoanf("PAYPAL_CLIENT_ID", k, "paypal_client_id"),
		PayPalClientSecret:  getEnvOrKoanf("PAYPAL_CLIENT_SECRET", k, "paypal_client_secret"),
		PayPalWebhookID:     getEnvOrKoanf("PAYPAL_WEBHOOK_ID", k, "paypal_webhook_id"),
		PayPalAPIBase:       getEnvOrDefault("PAYPAL_API_BASE", k.String("paypal_api_base"), DefaultPayPalAPIBase),
		PayPalVerifyTimeout: p.duration("PAYPAL_VERIFY_TIMEOUT", "paypal_verify_timeout", DefaultPayPalVerifyTimeout),
		WebhookTolerance:    p.duration("WEBHOOK_TOLERANCE", "webhook_tolerance", DefaultWebhookTolerance),

		RedisURL:        getEnvOrKoanf("REDIS_URL", k, "redis_url"),
		NotifyQueueKey:  getEnvOrDefault("NOTIFY_QUEUE_KEY", k.String("notify_queue_key"), DefaultNotifyQueueKey),
		NotifyWorkers:   p.intValue([]string{"NOTIFY_WORKERS"}, "notify_workers", DefaultNotifyWorkers),
		NotifyQueueSize: p.intValue([]string{"NOTIFY_QUEUE_SIZE"}, "notify_queue_size", DefaultNotifyQueueSize),

		ArchiveBucket:          getEnvOrKoanf("ARCHIVE_BUCKET", k, "archive_bucket"),
		ArchiveEndpoint:        getEnvOrKoanf("ARCHIVE_ENDPOINT", k, "archive_endpoint"),
		ArchiveAccessKeyID:     getEnvOrKoanf("ARCHIVE_ACCESS_KEY_ID", k, "archive_access_key_id"),
		ArchiveSecretAccessKey: getEnvOrKoanf("ARCHIVE_SECRET_ACCESS_KEY", k, "archive_secret_access_key"),
		ArchiveRegion:          getEnvOrDefault("ARCHIVE_REGION", k.String("archive_region"), DefaultArchiveRegion),

		RentalBillingPeriodMonths: p.intValue([]string{"RENTAL_BILLING_PERIOD_MONTHS"}, "rental_billing_period_months", DefaultRentalBillingPeriodMonths),

		TracingEnabled:    p.boolValue("TRACING_ENABLED", "tracing_enabled", false),
		TracingExporter:   getEnvOrDefault("TRACING_EXPORTER", k.String("tracing_exporter"), DefaultTracingExporter),
		OTLPEndpoint:      getEnvOrKoanf("OTLP_ENDPOINT", k, "otlp_endpoint"),
		TracingSampleRate: p.float("TRACING_SAMPLE_RATE", "tracing_sample_rate", DefaultTracingSampleRate),
		TracingInsecure:   p.boolValue("TRACING_INSECURE", "tracing_insecure", false),
	}

	errs := append(p.errs, cfg.Validate()...)
	return cfg, errs
}

// PayPalEnabled reports whether any PayPal credential is configured.
func (c *Config) PayPalEnabled() bool {
	return c.PayPalClientID != "" || c.PayPalClientSecret != "" || c.PayPalWebhookID != ""
}

// ArchiveEnabled reports whether failed payloads should be archived.
func (c *Config) ArchiveEnabled() bool {
	return c.ArchiveBucket != "" || c.ArchiveAccessKeyID != "" || c.ArchiveSecretAccessKey != ""
}

// IsProduction reports whether the service runs in production.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// parser collects type errors while reading typed values so Load can report
// all of them at once.
type parser struct {
	k    *koanf.Koanf
	errs []error
}

func (p *parser) intValue(envKeys []string, koanfKey string, defaultVal int) int {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			i, err := strconv.Atoi(val)
			if err != nil {
				if koanfKey == "port" {
					p.errs = append(p.errs, fmt.Errorf("%s must be a valid integer: %w", key, ErrInvalidPort))
				} else {
					p.errs = append(p.errs, fmt.Errorf("%s must be a valid integer: %w", key, err))
				}
				return defaultVal
			}
			return i
		}
	}
	// A zero value from a YAML file falls back to the default.
	if v := p.k.Int(koanfKey); v != 0 {
		return v
	}
	return defaultVal
}

func (p *parser) duration(envKey, koanfKey string, defaultVal time.Duration) time.Duration {
	raw := os.Getenv(envKey)
	if raw == "" {
		raw = p.k.String(koanfKey)
	}
	if raw == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		p.errs = append(p.errs, fmt.Errorf("%s %w (e.g. 10s): got %q", envKey, ErrInvalidDuration, raw))
		return defaultVal
	}
	return d
}

func (p *parser) boolValue(envKey, koanfKey string, defaultVal bool) bool {
	if val := os.Getenv(envKey); val != "" {
		switch strings.ToLower(val) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		default:
			p.errs = append(p.errs, fmt.Errorf("%s %w: got %q", envKey, ErrInvalidBool, val))
			return defaultVal
		}
	}
	if p.k.Exists(koanfKey) {
		return p.k.Bool(koanfKey)
	}
	return defaultVal
}

func (p *parser) float(envKey, koanfKey string, defaultVal float64) float64 {
	if val := os.Getenv(envKey); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			p.errs = append(p.errs, fmt.Errorf("%s %w: %v", envKey, ErrInvalidFloat, err))
			return defaultVal
		}
		return f
	}
	if p.k.Exists(koanfKey) {
		return p.k.Float64(koanfKey)
	}
	return defaultVal
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefault returns the environment variable value if set, otherwise the koanf value, or default.
func getEnvOrDefault(envKey string, koanfVal string, defaultVal string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first non-empty value found, otherwise the koanf value, or default.
func getEnvOrDefaultMulti(envKeys []string, koanfVal string, defaultVal string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// Validate checks that all required configuration values are present.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, ErrMissingDatabaseURL)
	}

	// At least one provider must be able to verify deliveries.
	if c.StripeWebhookSecret == "" && !c.PayPalEnabled() {
		errs = append(errs, ErrNoProviderConfigured)
	}

	// PayPal is optional, but a partial configuration is an error.
	if c.PayPalEnabled() {
		if c.PayPalClientID == "" {
			errs = append(errs, ErrMissingPayPalClientID)
		}
		if c.PayPalClientSecret == "" {
			errs = append(errs, ErrMissingPayPalClientSecret)
		}
		if c.PayPalWebhookID == "" {
			errs = append(errs, ErrMissingPayPalWebhookID)
		}
	}

	if c.ArchiveEnabled() {
		if c.ArchiveBucket == "" {
			errs = append(errs, ErrMissingArchiveBucket)
		}
		if c.ArchiveAccessKeyID == "" {
			errs = append(errs, ErrMissingArchiveAccessKeyID)
		}
		if c.ArchiveSecretAccessKey == "" {
			errs = append(errs, ErrMissingArchiveSecretAccessKey)
		}
	}

	if c.RentalBillingPeriodMonths <= 0 {
		errs = append(errs, ErrInvalidBillingPeriod)
	}
	if c.NotifyWorkers <= 0 {
		errs = append(errs, ErrInvalidNotifyWorkers)
	}
	if c.NotifyQueueSize <= 0 {
		errs = append(errs, ErrInvalidNotifyQueueSize)
	}

	if c.TracingEnabled {
		if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
			errs = append(errs, ErrInvalidSampleRate)
		}
		if c.TracingExporter != "otlp-http" && c.TracingExporter != "otlp-grpc" {
			errs = append(errs, ErrInvalidTracingExporter)
		}
	}

	return errs
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                         strconv.Itoa(c.Port),
		"env":                          c.Env,
		"database_url":                 maskDatabaseURL(c.DatabaseURL),
		"db_tx_timeout":                c.DBTxTimeout.String(),
		"db_lock_timeout":              c.DBLockTimeout.String(),
		"db_max_open_conns":            strconv.Itoa(c.DBMaxOpenConns),
		"run_migrations":               strconv.FormatBool(c.RunMigrations),
		"stripe_webhook_secret":        maskStripeKey(c.StripeWebhookSecret),
		"stripe_tolerance":             c.StripeTolerance.String(),
		"paypal_client_id":             maskSecret(c.PayPalClientID),
		"paypal_client_secret":         maskSecret(c.PayPalClientSecret),
		"paypal_webhook_id":            c.PayPalWebhookID,
		"paypal_api_base":              c.PayPalAPIBase,
		"paypal_verify_timeout":        c.PayPalVerifyTimeout.String(),
		"webhook_tolerance":            c.WebhookTolerance.String(),
		"redis_url":                    maskDatabaseURL(c.RedisURL),
		"notify_queue_key":             c.NotifyQueueKey,
		"notify_workers":               strconv.Itoa(c.NotifyWorkers),
		"notify_queue_size":            strconv.Itoa(c.NotifyQueueSize),
		"archive_bucket":               c.ArchiveBucket,
		"archive_endpoint":             c.ArchiveEndpoint,
		"archive_access_key_id":        maskSecret(c.ArchiveAccessKeyID),
		"archive_secret_access_key":    maskSecret(c.ArchiveSecretAccessKey),
		"archive_region":               c.ArchiveRegion,
		"rental_billing_period_months": strconv.Itoa(c.RentalBillingPeriodMonths),
		"tracing_enabled":              strconv.FormatBool(c.TracingEnabled),
		"tracing_exporter":             c.TracingExporter,
		"otlp_endpoint":                c.OTLPEndpoint,
		"tracing_sample_rate":          strconv.FormatFloat(c.TracingSampleRate, 'f', -1, 64),
		"tracing_insecure":             strconv.FormatBool(c.TracingInsecure),
	}
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskStripeKey masks a Stripe secret, preserving its prefix (whsec_, sk_live_, ...).
func maskStripeKey(s string) string {
	if s == "" {
		return "<not set>"
	}
	if i := strings.LastIndex(s, "_"); i > 0 && i < len(s)-1 {
		return s[:i+1] + "****"
	}
	return maskSecret(s)
}

// maskDatabaseURL masks the password in a connection URL.
// Works for postgres://, postgresql:// and redis:// URLs.
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.Index(rest, "@")
	if atIndex == -1 {
		return s // No credentials in URL
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // No password (only username)
	}

	scheme := s[:schemeEnd+3]
	user := rest[:colonIndex]
	hostAndPath := rest[atIndex:]

	return scheme + user + ":****" + hostAndPath
}
