// Package config defines the top-level configuration for the replication
// engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by MIRRORBOT_* environment
// variables.
type Config struct {
	Broker      BrokerConfig       `toml:"broker"`
	Accounts    []AccountConfig    `toml:"accounts"`
	Credentials []CredentialConfig `toml:"credentials"`
	Symbols     SymbolsConfig      `toml:"symbols"`
	Poll        PollConfig         `toml:"poll"`
	Session     SessionConfig      `toml:"session"`
	Replicate   ReplicateConfig    `toml:"replicate"`
	Reconcile   ReconcileConfig    `toml:"reconcile"`
	RateLimit   RateLimitConfig    `toml:"rate_limit"`
	Postgres    PostgresConfig     `toml:"postgres"`
	Redis       RedisConfig        `toml:"redis"`
	S3          S3Config           `toml:"s3"`
	Server      ServerConfig       `toml:"server"`
	Notify      NotifyConfig       `toml:"notify"`
	Mode        string             `toml:"mode"`
	LogLevel    string             `toml:"log_level"`
}

// BrokerConfig holds the broker REST endpoint and HTTP parameters.
type BrokerConfig struct {
	BaseURL        string   `toml:"base_url"`
	RequestTimeout duration `toml:"request_timeout"`
	AppID          string   `toml:"app_id"`
	AppVersion     string   `toml:"app_version"`
	DeviceID       string   `toml:"device_id"`
}

// AccountConfig declares one account participating in replication.
type AccountConfig struct {
	ID          string  `toml:"id"`
	Name        string  `toml:"name"`
	Role        string  `toml:"role"` // "master" or "follower"
	Credentials string  `toml:"credentials"`
	SizeRatio   float64 `toml:"size_ratio"`
	Enabled     bool    `toml:"enabled"`
}

// CredentialConfig is one named broker credential entry. The password may be
// given inline (dev only) or as a path to an encrypted keystore file.
type CredentialConfig struct {
	Name                  string `toml:"name"`
	Username              string `toml:"username"`
	Password              string `toml:"password"`
	EncryptedPasswordPath string `toml:"encrypted_password_path"`
	KeystorePassword      string `toml:"keystore_password"`
	CID                   string `toml:"cid"`
	Secret                string `toml:"secret"`
}

// SymbolsConfig maps symbols to their minimum tradable increment.
type SymbolsConfig struct {
	DefaultLotSize int            `toml:"default_lot_size"`
	LotSizes       map[string]int `toml:"lot_sizes"`
}

// LotSize returns the lot size for a symbol, falling back to the default.
func (s SymbolsConfig) LotSize(symbol string) int {
	if n, ok := s.LotSizes[symbol]; ok && n > 0 {
		return n
	}
	if s.DefaultLotSize > 0 {
		return s.DefaultLotSize
	}
	return 1
}

// PollConfig holds master-poller parameters.
type PollConfig struct {
	Interval      duration `toml:"interval"`
	BackoffBase   duration `toml:"backoff_base"`
	BackoffMax    duration `toml:"backoff_max"`
	DegradedAfter int      `toml:"degraded_after"` // consecutive failures before degraded health
}

// SessionConfig holds session-manager parameters.
type SessionConfig struct {
	RefreshMargin duration `toml:"refresh_margin"`
	DisableAfter  int      `toml:"disable_after"` // consecutive auth failures before disable
}

// ReplicateConfig holds replication-engine and follower-worker parameters.
type ReplicateConfig struct {
	MaxAttempts int      `toml:"max_attempts"`
	BackoffBase duration `toml:"backoff_base"`
	BackoffMax  duration `toml:"backoff_max"`
	QueueSize   int      `toml:"queue_size"`
}

// ReconcileConfig holds reconciler parameters. AutoCancel enables corrective
// cancellation of orphan orders; it never opens new positions.
type ReconcileConfig struct {
	Interval   duration `toml:"interval"`
	AutoCancel bool     `toml:"auto_cancel"`
	LockTTL    duration `toml:"lock_ttl"`
}

// RateLimitConfig holds rate-governor bucket parameters.
type RateLimitConfig struct {
	PerAccountRPS   float64 `toml:"per_account_rps"`
	PerAccountBurst int     `toml:"per_account_burst"`
	GlobalRPS       float64 `toml:"global_rps"`
	GlobalBurst     int     `toml:"global_burst"`
	// APIRequestsPerMinute limits status-API clients per IP (redis-backed).
	APIRequestsPerMinute int `toml:"api_requests_per_minute"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for cold-storage
// archival of task history.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	RetentionDays  int    `toml:"retention_days"`
}

// ServerConfig holds HTTP status-surface parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5s", "2m").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Broker: BrokerConfig{
			BaseURL:        "https://api.tradovate.com/v1",
			RequestTimeout: duration{10 * time.Second},
			AppID:          "mirrorbot",
			AppVersion:     "1.0",
		},
		Symbols: SymbolsConfig{
			DefaultLotSize: 1,
			LotSizes:       map[string]int{},
		},
		Poll: PollConfig{
			Interval:      duration{2 * time.Second},
			BackoffBase:   duration{2 * time.Second},
			BackoffMax:    duration{60 * time.Second},
			DegradedAfter: 5,
		},
		Session: SessionConfig{
			RefreshMargin: duration{60 * time.Second},
			DisableAfter:  3,
		},
		Replicate: ReplicateConfig{
			MaxAttempts: 5,
			BackoffBase: duration{500 * time.Millisecond},
			BackoffMax:  duration{30 * time.Second},
			QueueSize:   256,
		},
		Reconcile: ReconcileConfig{
			Interval:   duration{60 * time.Second},
			AutoCancel: false,
			LockTTL:    duration{30 * time.Second},
		},
		RateLimit: RateLimitConfig{
			PerAccountRPS:        2,
			PerAccountBurst:      4,
			GlobalRPS:            10,
			GlobalBurst:          20,
			APIRequestsPerMinute: 120,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "mirrorbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "mirrorbot-archive",
			UseSSL:         false,
			ForcePathStyle: true,
			RetentionDays:  90,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Notify: NotifyConfig{
			Events: []string{"account_disabled", "task_failed_fatal", "drift_detected", "poller_degraded"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"replicate": true,
	"monitor":   true,
	"reconcile": true,
	"server":    true,
	"full":      true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: replicate, monitor, reconcile, server, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Broker
	if c.Broker.BaseURL == "" {
		errs = append(errs, "broker: base_url must not be empty")
	}
	if c.Broker.RequestTimeout.Duration <= 0 {
		errs = append(errs, "broker: request_timeout must be positive")
	}

	// Accounts: exactly one master, every follower with a positive ratio.
	credentials := make(map[string]bool, len(c.Credentials))
	for i, cred := range c.Credentials {
		if cred.Name == "" {
			errs = append(errs, fmt.Sprintf("credentials[%d]: name must not be empty", i))
			continue
		}
		if credentials[cred.Name] {
			errs = append(errs, fmt.Sprintf("credentials: duplicate entry %q", cred.Name))
		}
		credentials[cred.Name] = true
		if cred.Username == "" {
			errs = append(errs, fmt.Sprintf("credentials[%s]: username must not be empty", cred.Name))
		}
		if cred.Password == "" && cred.EncryptedPasswordPath == "" {
			errs = append(errs, fmt.Sprintf("credentials[%s]: either password or encrypted_password_path must be set", cred.Name))
		}
		if cred.EncryptedPasswordPath != "" && cred.KeystorePassword == "" {
			errs = append(errs, fmt.Sprintf("credentials[%s]: keystore_password is required when encrypted_password_path is set", cred.Name))
		}
	}

	needsAccounts := c.Mode != "server"
	masters := 0
	followers := 0
	seen := make(map[string]bool, len(c.Accounts))
	for i, acct := range c.Accounts {
		if acct.ID == "" {
			errs = append(errs, fmt.Sprintf("accounts[%d]: id must not be empty", i))
			continue
		}
		if seen[acct.ID] {
			errs = append(errs, fmt.Sprintf("accounts: duplicate id %q", acct.ID))
		}
		seen[acct.ID] = true

		switch strings.ToLower(acct.Role) {
		case "master":
			masters++
		case "follower":
			followers++
			if acct.SizeRatio <= 0 {
				errs = append(errs, fmt.Sprintf("accounts[%s]: size_ratio must be > 0 for followers, got %v", acct.ID, acct.SizeRatio))
			}
		default:
			errs = append(errs, fmt.Sprintf("accounts[%s]: unknown role %q (valid: master, follower)", acct.ID, acct.Role))
		}

		if acct.Credentials == "" {
			errs = append(errs, fmt.Sprintf("accounts[%s]: credentials reference must not be empty", acct.ID))
		} else if len(credentials) > 0 && !credentials[acct.Credentials] {
			errs = append(errs, fmt.Sprintf("accounts[%s]: unknown credentials reference %q", acct.ID, acct.Credentials))
		}
	}
	if needsAccounts {
		if masters != 1 {
			errs = append(errs, fmt.Sprintf("accounts: exactly one master account required, got %d", masters))
		}
		if followers == 0 && c.Mode != "monitor" {
			errs = append(errs, "accounts: at least one follower account required")
		}
	}

	// Symbols
	if c.Symbols.DefaultLotSize < 1 {
		errs = append(errs, "symbols: default_lot_size must be >= 1")
	}
	for sym, lot := range c.Symbols.LotSizes {
		if lot < 1 {
			errs = append(errs, fmt.Sprintf("symbols: lot size for %s must be >= 1, got %d", sym, lot))
		}
	}

	// Poll
	if c.Poll.Interval.Duration <= 0 {
		errs = append(errs, "poll: interval must be positive")
	}
	if c.Poll.BackoffMax.Duration < c.Poll.BackoffBase.Duration {
		errs = append(errs, "poll: backoff_max must be >= backoff_base")
	}
	if c.Poll.DegradedAfter < 1 {
		errs = append(errs, "poll: degraded_after must be >= 1")
	}

	// Session
	if c.Session.RefreshMargin.Duration <= 0 {
		errs = append(errs, "session: refresh_margin must be positive")
	}
	if c.Session.DisableAfter < 1 {
		errs = append(errs, "session: disable_after must be >= 1")
	}

	// Replicate
	if c.Replicate.MaxAttempts < 1 {
		errs = append(errs, "replicate: max_attempts must be >= 1")
	}
	if c.Replicate.QueueSize < 1 {
		errs = append(errs, "replicate: queue_size must be >= 1")
	}
	if c.Replicate.BackoffMax.Duration < c.Replicate.BackoffBase.Duration {
		errs = append(errs, "replicate: backoff_max must be >= backoff_base")
	}

	// Reconcile
	if c.Reconcile.Interval.Duration <= 0 {
		errs = append(errs, "reconcile: interval must be positive")
	}

	// Rate limits
	if c.RateLimit.PerAccountRPS <= 0 {
		errs = append(errs, "rate_limit: per_account_rps must be > 0")
	}
	if c.RateLimit.GlobalRPS <= 0 {
		errs = append(errs, "rate_limit: global_rps must be > 0")
	}
	if c.RateLimit.PerAccountBurst < 1 || c.RateLimit.GlobalBurst < 1 {
		errs = append(errs, "rate_limit: burst sizes must be >= 1")
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
		if c.S3.RetentionDays < 1 {
			errs = append(errs, "s3: retention_days must be >= 1 when enabled")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Credential returns the named credential entry.
func (c *Config) Credential(name string) (CredentialConfig, bool) {
	for _, cred := range c.Credentials {
		if cred.Name == name {
			return cred, true
		}
	}
	return CredentialConfig{}, false
}

// Master returns the configured master account.
func (c *Config) Master() (AccountConfig, bool) {
	for _, acct := range c.Accounts {
		if strings.EqualFold(acct.Role, "master") {
			return acct, true
		}
	}
	return AccountConfig{}, false
}

// Followers returns every configured follower account, enabled or not.
func (c *Config) Followers() []AccountConfig {
	var out []AccountConfig
	for _, acct := range c.Accounts {
		if strings.EqualFold(acct.Role, "follower") {
			out = append(out, acct)
		}
	}
	return out
}
