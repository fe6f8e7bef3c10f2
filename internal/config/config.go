// Package config loads and validates the payments API server settings.
// Values come from environment variables, with an optional YAML file as a
// lower-precedence source merged through koanf.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/firesidehq/fireside-payments/internal/validate"
)

// Config holds all configuration values for the payments API server.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Database
	DatabaseURL string `koanf:"database_url"`

	// Redis (optional; enables the Redis-backed webhook dedup store and
	// rate-limit backend when set)
	RedisURL string `koanf:"redis_url"`

	// Stripe
	StripeAPIKey               string  `koanf:"stripe_api_key"`
	StripeWebhookSecret        string  `koanf:"stripe_webhook_secret"`
	StripeOnboardingReturnURL  string  `koanf:"stripe_onboarding_return_url"`
	StripeOnboardingRefreshURL string  `koanf:"stripe_onboarding_refresh_url"`
	PlatformFeePercent         float64 `koanf:"platform_fee_percent"` // Platform fee as percentage (e.g. 10.0 for 10%)

	// Scheduler authorization (payout release endpoints)
	SchedulerJWTSecret string `koanf:"scheduler_jwt_secret"`

	// CORS allowlist for the client-facing endpoints, comma-separated.
	// Empty disables CORS handling entirely.
	CORSAllowedOrigins string `koanf:"cors_allowed_origins"`

	// Tracing
	TracingEnabled      bool    `koanf:"tracing_enabled"`
	TracingExporter     string  `koanf:"tracing_exporter"` // otlp-http or otlp-grpc
	TracingOTLPEndpoint string  `koanf:"tracing_otlp_endpoint"`
	TracingSamplingRate float64 `koanf:"tracing_sampling_rate"`
}

// Configuration validation errors.
//
// The webhook secret is deliberately required: running without signature
// verification is not a supported mode, even in development. The service
// refuses to start rather than accepting unverified processor events.
var (
	ErrMissingDatabaseURL         = errors.New("DATABASE_URL is required")
	ErrMissingStripeAPIKey        = errors.New("STRIPE_API_KEY is required")
	ErrMissingStripeWebhookSecret = errors.New("STRIPE_WEBHOOK_SECRET is required")
	ErrMissingSchedulerJWTSecret  = errors.New("SCHEDULER_JWT_SECRET is required")
	ErrInvalidPort                = errors.New("PORT must be a valid integer")
	ErrInvalidFeePercent          = errors.New("PLATFORM_FEE_PERCENT must be between 0 and 100")
)

// Default values for non-secret configuration.
const (
	DefaultPort                = 8080
	DefaultEnv                 = "development"
	DefaultPlatformFeePercent  = 10.0
	DefaultTracingExporter     = "otlp-http"
	DefaultTracingSamplingRate = 0.1
)

// Load builds a Config from the process environment, with the YAML file at
// configFilePath (when non-empty) filling in anything the environment does
// not set. The returned error slice collects every problem found, so
// startup can report them all at once; an unreadable config file is the
// one early exit.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	port, err := intSetting("PORT", k.Int("port"), DefaultPort, ErrInvalidPort)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}
	feePercent, err := floatSetting("PLATFORM_FEE_PERCENT", k.Float64("platform_fee_percent"), DefaultPlatformFeePercent)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}
	samplingRate, err := floatSetting("TRACING_SAMPLING_RATE", k.Float64("tracing_sampling_rate"), DefaultTracingSamplingRate)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}

	cfg := &Config{
		Port: port,
		Env: firstNonEmpty(
			os.Getenv("FIRESIDE_ENV"), os.Getenv("ENV"), os.Getenv("GO_ENV"),
			k.String("env"), DefaultEnv),
		DatabaseURL:                firstNonEmpty(os.Getenv("DATABASE_URL"), k.String("database_url")),
		RedisURL:                   firstNonEmpty(os.Getenv("REDIS_URL"), k.String("redis_url")),
		StripeAPIKey:               firstNonEmpty(os.Getenv("STRIPE_API_KEY"), k.String("stripe_api_key")),
		StripeWebhookSecret:        firstNonEmpty(os.Getenv("STRIPE_WEBHOOK_SECRET"), k.String("stripe_webhook_secret")),
		StripeOnboardingReturnURL:  firstNonEmpty(os.Getenv("STRIPE_ONBOARDING_RETURN_URL"), k.String("stripe_onboarding_return_url")),
		StripeOnboardingRefreshURL: firstNonEmpty(os.Getenv("STRIPE_ONBOARDING_REFRESH_URL"), k.String("stripe_onboarding_refresh_url")),
		PlatformFeePercent:         feePercent,
		SchedulerJWTSecret:         firstNonEmpty(os.Getenv("SCHEDULER_JWT_SECRET"), k.String("scheduler_jwt_secret")),
		CORSAllowedOrigins:         firstNonEmpty(os.Getenv("CORS_ALLOWED_ORIGINS"), k.String("cors_allowed_origins")),
		TracingEnabled:             boolSetting("TRACING_ENABLED", k.Bool("tracing_enabled")),
		TracingExporter:            firstNonEmpty(os.Getenv("TRACING_EXPORTER"), k.String("tracing_exporter"), DefaultTracingExporter),
		TracingOTLPEndpoint:        firstNonEmpty(os.Getenv("TRACING_OTLP_ENDPOINT"), k.String("tracing_otlp_endpoint")),
		TracingSamplingRate:        samplingRate,
	}

	return cfg, append(loadErrs, cfg.Validate()...)
}

// firstNonEmpty returns the first value that is not "".
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// intSetting resolves an integer setting: environment first, then the file
// value, then the default. A set-but-unparseable environment value is an
// error wrapping parseErr.
func intSetting(envKey string, fileVal, defaultVal int, parseErr error) (int, error) {
	if raw := os.Getenv(envKey); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return 0, fmt.Errorf("%s=%q: %w", envKey, raw, parseErr)
		}
		return n, nil
	}
	if fileVal != 0 {
		return fileVal, nil
	}
	return defaultVal, nil
}

// floatSetting resolves a float setting with the same precedence as
// intSetting.
func floatSetting(envKey string, fileVal, defaultVal float64) (float64, error) {
	if raw := os.Getenv(envKey); raw != "" {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid float: %w", envKey, err)
		}
		return f, nil
	}
	if fileVal != 0 {
		return fileVal, nil
	}
	return defaultVal, nil
}

// boolSetting resolves a boolean setting. Unrecognized environment values
// leave the file value in effect.
func boolSetting(envKey string, fileVal bool) bool {
	switch strings.ToLower(os.Getenv(envKey)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return fileVal
}

// Validate checks that every required value is present and that optional
// values are well formed. Returns one error per problem.
func (c *Config) Validate() []error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, ErrMissingDatabaseURL)
	}
	if c.StripeAPIKey == "" {
		errs = append(errs, ErrMissingStripeAPIKey)
	}
	if c.StripeWebhookSecret == "" {
		errs = append(errs, ErrMissingStripeWebhookSecret)
	}
	if c.SchedulerJWTSecret == "" {
		errs = append(errs, ErrMissingSchedulerJWTSecret)
	}
	if c.PlatformFeePercent < 0 || c.PlatformFeePercent > 100 {
		errs = append(errs, ErrInvalidFeePercent)
	}

	// Onboarding redirect URLs are optional but must be safe when set.
	if c.StripeOnboardingReturnURL != "" {
		if _, err := validate.OnboardingURL(c.StripeOnboardingReturnURL, c.Env); err != nil {
			errs = append(errs, fmt.Errorf("STRIPE_ONBOARDING_RETURN_URL: %w", err))
		}
	}
	if c.StripeOnboardingRefreshURL != "" {
		if _, err := validate.OnboardingURL(c.StripeOnboardingRefreshURL, c.Env); err != nil {
			errs = append(errs, fmt.Errorf("STRIPE_ONBOARDING_REFRESH_URL: %w", err))
		}
	}

	return errs
}

// LogSummary renders the configuration for the startup log. Secrets and
// connection-string passwords are masked.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                          strconv.Itoa(c.Port),
		"env":                           c.Env,
		"database_url":                  maskConnectionURL(c.DatabaseURL),
		"redis_url":                     maskConnectionURL(c.RedisURL),
		"stripe_api_key":                maskStripeKey(c.StripeAPIKey),
		"stripe_webhook_secret":         maskSecret(c.StripeWebhookSecret),
		"stripe_onboarding_return_url":  c.StripeOnboardingReturnURL,
		"stripe_onboarding_refresh_url": c.StripeOnboardingRefreshURL,
		"platform_fee_percent":          fmt.Sprintf("%.1f", c.PlatformFeePercent),
		"scheduler_jwt_secret":          maskSecret(c.SchedulerJWTSecret),
		"cors_allowed_origins":          c.CORSAllowedOrigins,
		"tracing_enabled":               strconv.FormatBool(c.TracingEnabled),
		"tracing_exporter":              c.TracingExporter,
		"tracing_otlp_endpoint":         c.TracingOTLPEndpoint,
		"tracing_sampling_rate":         fmt.Sprintf("%.2f", c.TracingSamplingRate),
	}
}

// maskSecret keeps the first 4 characters of a secret long enough to
// survive that, and hides the rest.
func maskSecret(s string) string {
	switch {
	case s == "":
		return "<not set>"
	case len(s) < 8:
		return "****"
	}
	return s[:4] + "****"
}

// maskStripeKey keeps the Stripe key prefix (sk_live_, sk_test_) so the
// startup log shows which mode the key is for.
func maskStripeKey(s string) string {
	if s == "" {
		return "<not set>"
	}
	if parts := strings.SplitN(s, "_", 3); len(parts) == 3 {
		return parts[0] + "_" + parts[1] + "_****"
	}
	return maskSecret(s)
}

// maskConnectionURL replaces the password in a postgres:// or redis://
// URL. Values that do not parse as URLs are treated as opaque secrets.
func maskConnectionURL(s string) string {
	if s == "" {
		return "<not set>"
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return maskSecret(s)
	}
	if _, hasPassword := u.User.Password(); !hasPassword {
		return s
	}
	u.User = url.User(u.User.Username())
	// The username is the only escaped "@" candidate, so the first literal
	// "@" is the userinfo separator.
	return strings.Replace(u.String(), "@", ":****@", 1)
}
