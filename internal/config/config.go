// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Credential store backends accepted by CREDENTIAL_STORE.
const (
	StoreAuto    = "auto"
	StoreKeyring = "keyring"
	StoreFile    = "file"
	StoreMemory  = "memory"
)

// Config holds client configuration loaded from the environment.
type Config struct {
	// APIBaseURL is the REST API root (e.g. https://api.ohmguard.example).
	APIBaseURL string `mapstructure:"API_BASE_URL"`
	// RealtimeURL is the websocket root for the realtime channel; derived from APIBaseURL when empty.
	RealtimeURL string `mapstructure:"REALTIME_URL"`
	// RealtimePath is the Socket.IO mount path (default /socket.io/).
	RealtimePath string `mapstructure:"REALTIME_PATH"`
	// RequestTimeout bounds every REST call (e.g. "15s").
	RequestTimeout string `mapstructure:"REQUEST_TIMEOUT"`
	// TokenRefreshMargin is how close to expiry an access token may get before it is refreshed (e.g. "60s").
	TokenRefreshMargin string `mapstructure:"TOKEN_REFRESH_MARGIN"`
	// AccessTokenTTL is assumed for access tokens without an exp claim (e.g. "15m").
	AccessTokenTTL string `mapstructure:"ACCESS_TOKEN_TTL"`
	// CredentialStore selects the token store: auto, keyring, file or memory.
	CredentialStore string `mapstructure:"CREDENTIAL_STORE"`
	// CredentialDir holds the encrypted fallback store and its salt.
	CredentialDir string `mapstructure:"CREDENTIAL_DIR"`
	// CredentialPassphrase seeds the fallback store key; a device secret file is used when empty.
	CredentialPassphrase string `mapstructure:"CREDENTIAL_PASSPHRASE"`
	// PushToken is the device notification token; push registration is skipped when empty.
	PushToken string `mapstructure:"PUSH_TOKEN"`
	// PushPlatform is reported with the push token (android or ios).
	PushPlatform string `mapstructure:"PUSH_PLATFORM"`
	// ReconnectMinDelay and ReconnectMaxDelay bound the realtime reconnect backoff.
	ReconnectMinDelay string `mapstructure:"RECONNECT_MIN_DELAY"`
	ReconnectMaxDelay string `mapstructure:"RECONNECT_MAX_DELAY"`
	// OTLPEndpoint is the OpenTelemetry collector endpoint; telemetry is no-op when empty.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces a plaintext OTLP connection.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	// MetricsAddr serves Prometheus metrics while watching (e.g. ":9464"); disabled when empty.
	MetricsAddr string `mapstructure:"METRICS_ADDR"`
	// LogLevel is debug, info, warn or error.
	LogLevel string `mapstructure:"LOG_LEVEL"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := newViper()

	v.SetDefault("API_BASE_URL", "http://localhost:8000")
	v.SetDefault("REALTIME_URL", "")
	v.SetDefault("REALTIME_PATH", "/socket.io/")
	v.SetDefault("REQUEST_TIMEOUT", "15s")
	v.SetDefault("TOKEN_REFRESH_MARGIN", "60s")
	v.SetDefault("ACCESS_TOKEN_TTL", "15m")
	v.SetDefault("CREDENTIAL_STORE", StoreAuto)
	v.SetDefault("CREDENTIAL_DIR", defaultCredentialDir())
	v.SetDefault("CREDENTIAL_PASSPHRASE", "")
	v.SetDefault("PUSH_TOKEN", "")
	v.SetDefault("PUSH_PLATFORM", "android")
	v.SetDefault("RECONNECT_MIN_DELAY", "1s")
	v.SetDefault("RECONNECT_MAX_DELAY", "30s")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("METRICS_ADDR", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("APP_ENV", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.APIBaseURL = strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/")
	if cfg.APIBaseURL == "" {
		return nil, errors.New("config: API_BASE_URL must be set")
	}
	u, err := url.Parse(cfg.APIBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.New("config: API_BASE_URL must be an absolute http(s) URL")
	}
	if cfg.RealtimeURL == "" {
		cfg.RealtimeURL = websocketURL(u)
	}

	switch cfg.CredentialStore {
	case StoreAuto, StoreKeyring, StoreFile, StoreMemory:
	default:
		return nil, errors.New("config: CREDENTIAL_STORE must be one of auto, keyring, file, memory")
	}
	if cfg.CredentialStore == StoreMemory && cfg.Env == "production" {
		return nil, errors.New("config: CREDENTIAL_STORE=memory must not be used when APP_ENV=production")
	}

	switch cfg.PushPlatform {
	case "android", "ios":
	default:
		return nil, errors.New("config: PUSH_PLATFORM must be android or ios")
	}

	if cfg.ReconnectMaxDuration() < cfg.ReconnectMinDuration() {
		return nil, errors.New("config: RECONNECT_MAX_DELAY must not be below RECONNECT_MIN_DELAY")
	}

	return &cfg, nil
}

// Timeout parses RequestTimeout. Returns 15s if unset or invalid.
func (c *Config) Timeout() time.Duration {
	return parseDuration(c.RequestTimeout, 15*time.Second)
}

// RefreshMargin parses TokenRefreshMargin. Returns 60s if unset or invalid.
func (c *Config) RefreshMargin() time.Duration {
	return parseDuration(c.TokenRefreshMargin, 60*time.Second)
}

// AccessTTL parses AccessTokenTTL. Returns 15m if unset or invalid.
func (c *Config) AccessTTL() time.Duration {
	return parseDuration(c.AccessTokenTTL, 15*time.Minute)
}

// ReconnectMinDuration parses ReconnectMinDelay. Returns 1s if unset or invalid.
func (c *Config) ReconnectMinDuration() time.Duration {
	return parseDuration(c.ReconnectMinDelay, time.Second)
}

// ReconnectMaxDuration parses ReconnectMaxDelay. Returns 30s if unset or invalid.
func (c *Config) ReconnectMaxDuration() time.Duration {
	return parseDuration(c.ReconnectMaxDelay, 30*time.Second)
}

// MockBackend configures the development backend served by cmd/mockbackend.
type MockBackend struct {
	// Addr is the HTTP listen address (e.g. :8000).
	Addr string `mapstructure:"MOCK_ADDR"`
	// JWTIssuer is the iss claim on issued tokens.
	JWTIssuer string `mapstructure:"JWT_ISSUER"`
	// JWTAudience is the aud claim on issued tokens.
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`
	// JWTAccessTTL is the access token lifetime (e.g. "15m").
	JWTAccessTTL string `mapstructure:"JWT_ACCESS_TTL"`
	// JWTRefreshTTL is the refresh token lifetime (e.g. "168h").
	JWTRefreshTTL string `mapstructure:"JWT_REFRESH_TTL"`
	// JWTPrivateKey is a PEM private key (inline or file path) signing issued tokens; an ephemeral P-256 key is generated when empty.
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`
	// BcryptCost is the bcrypt cost factor (4–31); default 12.
	BcryptCost int `mapstructure:"BCRYPT_COST"`
	// AlertInterval makes the backend raise a synthetic alert on every tick; disabled when empty.
	AlertInterval string `mapstructure:"MOCK_ALERT_INTERVAL"`
}

// LoadMockBackend reads the mock backend configuration the same way Load does.
func LoadMockBackend() (*MockBackend, error) {
	v := newViper()

	v.SetDefault("MOCK_ADDR", ":8000")
	v.SetDefault("JWT_ISSUER", "ohmguard-mock")
	v.SetDefault("JWT_AUDIENCE", "ohmguard-mobile")
	v.SetDefault("JWT_ACCESS_TTL", "15m")
	v.SetDefault("JWT_REFRESH_TTL", "168h") // 7d
	v.SetDefault("JWT_PRIVATE_KEY", "")
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("MOCK_ALERT_INTERVAL", "")

	var cfg MockBackend
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if cfg.Addr == "" {
		return nil, errors.New("config: MOCK_ADDR must be set")
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = 12
	}
	if cfg.BcryptCost < 4 || cfg.BcryptCost > 31 {
		return nil, errors.New("config: BCRYPT_COST must be between 4 and 31")
	}
	return &cfg, nil
}

// AccessTTL parses JWTAccessTTL. Returns 15m if unset or invalid.
func (c *MockBackend) AccessTTL() time.Duration {
	return parseDuration(c.JWTAccessTTL, 15*time.Minute)
}

// RefreshTTL parses JWTRefreshTTL. Returns 168h if unset or invalid.
func (c *MockBackend) RefreshTTL() time.Duration {
	return parseDuration(c.JWTRefreshTTL, 168*time.Hour)
}

// AlertEvery parses AlertInterval. Returns 0 (disabled) if unset or invalid.
func (c *MockBackend) AlertEvery() time.Duration {
	return parseDuration(c.AlertInterval, 0)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound
	v.AutomaticEnv()
	return v
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// websocketURL maps http(s)://host/prefix to ws(s)://host/prefix.
func websocketURL(u *url.URL) string {
	w := *u
	if u.Scheme == "https" {
		w.Scheme = "wss"
	} else {
		w.Scheme = "ws"
	}
	return strings.TrimRight(w.String(), "/")
}

func defaultCredentialDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".ohmguard"
	}
	return filepath.Join(home, ".ohmguard")
}
