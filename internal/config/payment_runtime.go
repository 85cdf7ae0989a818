package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	defaultDarajaBaseURL     = "https://sandbox.safaricom.co.ke"
	defaultHTTPTimeout       = "10s"
	defaultReconcileGrace    = "30s"
	defaultPollInterval      = "3s"
	defaultPollTimeout       = "120s"
	defaultShortCode         = "174379"
	defaultTransactionType   = "CustomerPayBillOnline"
	defaultConsumerKey       = "change-me-consumer-key"
	defaultConsumerSecret    = "change-me-consumer-secret"
	defaultPasskey           = "change-me-passkey"
	defaultCallbackURLSuffix = "/api/v1/payments/mpesa/callback"
)

// PaymentRuntimeConfig carries the Daraja credentials and the timing knobs
// of the payment lifecycle engine.
type PaymentRuntimeConfig struct {
	AppEnv          string
	BaseURL         string
	ConsumerKey     string
	ConsumerSecret  string
	ShortCode       string
	Passkey         string
	TransactionType string
	CallbackURL     string

	// HTTPTimeout bounds each outbound gateway call on its own,
	// independent of any client-side polling window.
	HTTPTimeout time.Duration

	// ReconcileGrace is how stale a PROCESSING payment must be before a
	// status read triggers an active provider query.
	ReconcileGrace time.Duration

	PollInterval time.Duration
	PollTimeout  time.Duration
}

func LoadPaymentRuntimeConfig() (*PaymentRuntimeConfig, error) {
	cfg := &PaymentRuntimeConfig{}

	appEnv := strings.TrimSpace(os.Getenv("APP_ENV"))
	if appEnv == "" {
		appEnv = "dev"
	}
	cfg.AppEnv = strings.ToLower(appEnv)

	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(getEnv("MPESA_BASE_URL", defaultDarajaBaseURL)), "/")
	cfg.ConsumerKey = strings.TrimSpace(getEnv("MPESA_CONSUMER_KEY", defaultConsumerKey))
	cfg.ConsumerSecret = strings.TrimSpace(getEnv("MPESA_CONSUMER_SECRET", defaultConsumerSecret))
	cfg.ShortCode = strings.TrimSpace(getEnv("MPESA_SHORTCODE", defaultShortCode))
	cfg.Passkey = strings.TrimSpace(getEnv("MPESA_PASSKEY", defaultPasskey))
	cfg.TransactionType = strings.TrimSpace(getEnv("MPESA_TRANSACTION_TYPE", defaultTransactionType))
	cfg.CallbackURL = strings.TrimSpace(os.Getenv("MPESA_CALLBACK_URL"))
	if cfg.CallbackURL == "" {
		if base := strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL")); base != "" {
			cfg.CallbackURL = strings.TrimRight(base, "/") + defaultCallbackURLSuffix
		}
	}

	var err error
	cfg.HTTPTimeout, err = parseDurationEnv("MPESA_HTTP_TIMEOUT", defaultHTTPTimeout)
	if err != nil {
		return nil, err
	}
	cfg.ReconcileGrace, err = parseDurationEnv("MPESA_RECONCILE_GRACE", defaultReconcileGrace)
	if err != nil {
		return nil, err
	}
	cfg.PollInterval, err = parseDurationEnv("PAYMENT_POLL_INTERVAL", defaultPollInterval)
	if err != nil {
		return nil, err
	}
	cfg.PollTimeout, err = parseDurationEnv("PAYMENT_POLL_TIMEOUT", defaultPollTimeout)
	if err != nil {
		return nil, err
	}

	if err := validatePaymentConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validatePaymentConfig(cfg *PaymentRuntimeConfig) error {
	if cfg.HTTPTimeout <= 0 {
		return fmt.Errorf("MPESA_HTTP_TIMEOUT must be > 0")
	}
	if cfg.ReconcileGrace <= 0 {
		return fmt.Errorf("MPESA_RECONCILE_GRACE must be > 0")
	}
	if cfg.PollInterval <= 0 || cfg.PollTimeout <= cfg.PollInterval {
		return fmt.Errorf("PAYMENT_POLL_TIMEOUT must exceed PAYMENT_POLL_INTERVAL")
	}
	if isProdLikeEnv(cfg.AppEnv) {
		if isEmptyOrDefaultValue(cfg.ConsumerKey, defaultConsumerKey) {
			return fmt.Errorf("in prod/release MPESA_CONSUMER_KEY must be set and not default")
		}
		if isEmptyOrDefaultValue(cfg.ConsumerSecret, defaultConsumerSecret) {
			return fmt.Errorf("in prod/release MPESA_CONSUMER_SECRET must be set and not default")
		}
		if isEmptyOrDefaultValue(cfg.Passkey, defaultPasskey) {
			return fmt.Errorf("in prod/release MPESA_PASSKEY must be set and not default")
		}
		if cfg.CallbackURL == "" {
			return fmt.Errorf("in prod/release MPESA_CALLBACK_URL (or PUBLIC_BASE_URL) must be set")
		}
	}
	return nil
}

func getEnv(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func parseDurationEnv(name, def string) (time.Duration, error) {
	raw := strings.TrimSpace(getEnv(name, def))
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", name, raw, err)
	}
	return d, nil
}

func isProdLikeEnv(env string) bool {
	env = strings.ToLower(strings.TrimSpace(env))
	return env == "prod" || env == "production" || env == "release"
}

func isEmptyOrDefaultValue(v, def string) bool {
	v = strings.TrimSpace(v)
	return v == "" || v == def
}
