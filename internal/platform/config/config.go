// Package config builds runtime configuration from the environment so main
// stays lean. All knobs carry development defaults; production deployments
// override them.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// CryptoMode selects the PII encryption backend.
type CryptoMode string

const (
	CryptoModeKMS   CryptoMode = "kms"
	CryptoModeLocal CryptoMode = "local"
)

// SLA holds the FCRA deadline regime. Base 30 days, one 15-day extension,
// reminders at 5/3/1 days before due, 5 grace days before escalation.
type SLA struct {
	BaseDays        int
	ExtensionDays   int
	ReminderOffsets []int
	GraceDays       int
}

// Audit holds compliance logging configuration. SensitiveFields are redacted
// from every state snapshot before it is persisted.
type Audit struct {
	RetentionYears  int
	SensitiveFields []string
}

// Redis captures connection settings for the replay guard and rate limiter.
type Redis struct {
	URL          string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server captures everything cmd/server needs to wire the process.
type Server struct {
	Addr          string
	PostgresURL   string
	Redis         Redis
	JWTSigningKey string

	CryptoMode        CryptoMode
	KMSKeyName        string
	LocalCryptoSecret string

	CarrierWebhookSecret string
	CarrierAPIBaseURL    string
	CarrierAPIKey        string

	SLA           SLA
	Audit         Audit
	ReferenceZone string

	RequestTimeout    time.Duration
	WebhookRateLimit  int
	WebhookRateWindow time.Duration
}

// FromEnv builds a Server config from environment variables.
func FromEnv() Server {
	return Server{
		Addr:          envOr("CREDITFLOW_ADDR", ":8080"),
		PostgresURL:   envOr("CREDITFLOW_POSTGRES_URL", "postgres://localhost:5432/creditflow?sslmode=disable"),
		JWTSigningKey: envOr("CREDITFLOW_JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		Redis: Redis{
			URL:          os.Getenv("CREDITFLOW_REDIS_URL"),
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
		},
		CryptoMode:           cryptoMode(),
		KMSKeyName:           os.Getenv("CREDITFLOW_KMS_KEY_NAME"),
		LocalCryptoSecret:    envOr("CREDITFLOW_LOCAL_CRYPTO_SECRET", "local-dev-secret-key"),
		CarrierWebhookSecret: os.Getenv("CREDITFLOW_CARRIER_WEBHOOK_SECRET"),
		CarrierAPIBaseURL:    envOr("CREDITFLOW_CARRIER_API_URL", "https://api.lob.com/v1"),
		CarrierAPIKey:        os.Getenv("CREDITFLOW_CARRIER_API_KEY"),
		SLA: SLA{
			BaseDays:        envInt("CREDITFLOW_SLA_BASE_DAYS", 30),
			ExtensionDays:   envInt("CREDITFLOW_SLA_EXTENSION_DAYS", 15),
			ReminderOffsets: []int{5, 3, 1},
			GraceDays:       envInt("CREDITFLOW_SLA_GRACE_DAYS", 5),
		},
		Audit: Audit{
			RetentionYears: envInt("CREDITFLOW_AUDIT_RETENTION_YEARS", 7),
			SensitiveFields: []string{
				"ssnLast4", "dob", "firstName", "lastName",
				"accessToken", "refreshToken",
			},
		},
		ReferenceZone:     envOr("CREDITFLOW_REFERENCE_ZONE", "America/New_York"),
		RequestTimeout:    30 * time.Second,
		WebhookRateLimit:  envInt("CREDITFLOW_WEBHOOK_RATE_LIMIT", 150),
		WebhookRateWindow: time.Minute,
	}
}

func cryptoMode() CryptoMode {
	if strings.EqualFold(os.Getenv("CREDITFLOW_CRYPTO_MODE"), string(CryptoModeKMS)) {
		return CryptoModeKMS
	}
	return CryptoModeLocal
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
