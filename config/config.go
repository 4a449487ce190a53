// Package config reads the process configuration from the environment,
// optionally seeded from a .env file, and validates it before anything
// else starts. A bad configuration is fatal at startup, never at request
// time.
package config

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

var validate = validator.New()

// Config is the full runtime configuration.
type Config struct {
	Port           string `validate:"required"`
	AllowedOrigins string
	BodyLimitBytes int `validate:"min=1"`

	LogLevel  string
	LogFormat string

	Database  Database  `validate:"required"`
	JWT       JWT       `validate:"required"`
	Vault     Vault     `validate:"required"`
	Provider  Provider  `validate:"required"`
	Sync      Sync      `validate:"required"`
	RateLimit RateLimit `validate:"required"`
	AuthLimit AuthLimit `validate:"required"`
}

type Database struct {
	Host     string `validate:"required"`
	Port     int    `validate:"required,min=1,max=65535"`
	User     string `validate:"required"`
	Password string `validate:"required"`
	Name     string `validate:"required"`
	SSLMode  string
	TimeZone string
}

// DSN renders the postgres connection string.
func (d Database) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=%s",
		d.Host, d.User, d.Password, d.Name, d.Port, d.SSLMode, d.TimeZone)
}

type JWT struct {
	Secret string `validate:"required,min=16"`
}

type Vault struct {
	// Key is the decoded AES-256 key. Exactly 32 bytes.
	Key []byte `validate:"required,len=32"`
	// StateSecret signs OAuth state tokens. Falls back to Key when no
	// dedicated secret is configured.
	StateSecret []byte `validate:"required,min=16"`
}

type Provider struct {
	AuthBaseURL  string `validate:"required,url"`
	APIBaseURL   string `validate:"required,url"`
	ClientKey    string `validate:"required"`
	ClientSecret string `validate:"required"`
	RedirectURL  string `validate:"required,url"`
	Scopes       string `validate:"required"`
	Timeout      time.Duration
}

type Sync struct {
	Interval    time.Duration `validate:"required,min=1m"`
	Concurrency int           `validate:"required,min=1,max=64"`
	VideoLimit  int           `validate:"required,min=1,max=200"`
}

type RateLimit struct {
	Max    int           `validate:"required,min=1"`
	Window time.Duration `validate:"required"`
}

type AuthLimit struct {
	MaxAttempts int           `validate:"required,min=1"`
	Window      time.Duration `validate:"required"`
	Block       time.Duration `validate:"required"`
}

// Load reads the environment into a validated Config. A .env file in the
// working directory is merged in first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	bodyLimit := envInt("BODY_LIMIT_BYTES", 0)
	if bodyLimit <= 0 {
		bodyLimit = envInt("BODY_LIMIT_MB", 4) * 1024 * 1024
	}

	vaultKey, err := decodeVaultKey(os.Getenv("VAULT_KEY"))
	if err != nil {
		return nil, err
	}
	stateSecret := []byte(strings.TrimSpace(os.Getenv("STATE_SIGNING_SECRET")))
	if len(stateSecret) == 0 {
		stateSecret = vaultKey
	}

	cfg := &Config{
		Port:           envStr("PORT", "8080"),
		AllowedOrigins: envStr("ALLOWED_ORIGINS", "*"),
		BodyLimitBytes: bodyLimit,
		LogLevel:       envStr("LOG_LEVEL", "info"),
		LogFormat:      envStr("LOG_FORMAT", "json"),
		Database: Database{
			Host:     envStr("DB_HOST", "db"),
			Port:     envInt("DB_PORT", 5432),
			User:     os.Getenv("DB_USER"),
			Password: os.Getenv("DB_PASSWORD"),
			Name:     os.Getenv("DB_NAME"),
			SSLMode:  envStr("DB_SSLMODE", "disable"),
			TimeZone: envStr("DB_TIMEZONE", "UTC"),
		},
		JWT: JWT{
			// Prefer JWT_SECRET_KEY, fall back to JWT_SECRET.
			Secret: envStr("JWT_SECRET_KEY", os.Getenv("JWT_SECRET")),
		},
		Vault: Vault{
			Key:         vaultKey,
			StateSecret: stateSecret,
		},
		Provider: Provider{
			AuthBaseURL:  os.Getenv("PROVIDER_AUTH_BASE_URL"),
			APIBaseURL:   os.Getenv("PROVIDER_API_BASE_URL"),
			ClientKey:    os.Getenv("PROVIDER_CLIENT_KEY"),
			ClientSecret: os.Getenv("PROVIDER_CLIENT_SECRET"),
			RedirectURL:  os.Getenv("PROVIDER_REDIRECT_URL"),
			Scopes:       envStr("PROVIDER_SCOPES", "shop.info,user.stats,video.list"),
			Timeout:      time.Duration(envInt("PROVIDER_TIMEOUT_SECONDS", 15)) * time.Second,
		},
		Sync: Sync{
			Interval:    time.Duration(envInt("SYNC_INTERVAL_MINUTES", 60)) * time.Minute,
			Concurrency: envInt("SYNC_CONCURRENCY", 3),
			VideoLimit:  envInt("SYNC_VIDEO_LIMIT", 25),
		},
		RateLimit: RateLimit{
			Max:    envInt("RATE_LIMIT_MAX", 60),
			Window: time.Duration(envInt("RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second,
		},
		AuthLimit: AuthLimit{
			MaxAttempts: envInt("AUTH_LIMIT_MAX_ATTEMPTS", 5),
			Window:      time.Duration(envInt("AUTH_LIMIT_WINDOW_MINUTES", 15)) * time.Minute,
			Block:       time.Duration(envInt("AUTH_LIMIT_BLOCK_MINUTES", 60)) * time.Minute,
		},
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// decodeVaultKey accepts the key as hex or base64 and requires exactly 32
// decoded bytes.
func decodeVaultKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("VAULT_KEY is not set")
	}
	if key, err := hex.DecodeString(raw); err == nil {
		if len(key) != 32 {
			return nil, fmt.Errorf("VAULT_KEY decodes to %d bytes, want 32", len(key))
		}
		return key, nil
	}
	if key, err := base64.StdEncoding.DecodeString(raw); err == nil {
		if len(key) != 32 {
			return nil, fmt.Errorf("VAULT_KEY decodes to %d bytes, want 32", len(key))
		}
		return key, nil
	}
	return nil, errors.New("VAULT_KEY must be hex or base64 encoded")
}

// envStr reads a string env var with a default fallback.
func envStr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// envInt reads an int env var with a default fallback.
func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
