package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies MIRRORBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known MIRRORBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file. Per-credential passwords use MIRRORBOT_CREDENTIAL_<NAME>_PASSWORD.
func applyEnvOverrides(cfg *Config) {
	// ── Broker ──
	setStr(&cfg.Broker.BaseURL, "MIRRORBOT_BROKER_BASE_URL")
	setStr(&cfg.Broker.DeviceID, "MIRRORBOT_BROKER_DEVICE_ID")

	// ── Credentials ──
	for i := range cfg.Credentials {
		prefix := "MIRRORBOT_CREDENTIAL_" + envName(cfg.Credentials[i].Name)
		setStr(&cfg.Credentials[i].Password, prefix+"_PASSWORD")
		setStr(&cfg.Credentials[i].KeystorePassword, prefix+"_KEYSTORE_PASSWORD")
		setStr(&cfg.Credentials[i].Secret, prefix+"_SECRET")
	}

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "MIRRORBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "MIRRORBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "MIRRORBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "MIRRORBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "MIRRORBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "MIRRORBOT_POSTGRES_PASSWORD")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "MIRRORBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "MIRRORBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "MIRRORBOT_REDIS_DB")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "MIRRORBOT_S3_ENDPOINT")
	setStr(&cfg.S3.AccessKey, "MIRRORBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "MIRRORBOT_S3_SECRET_KEY")
	setStr(&cfg.S3.Bucket, "MIRRORBOT_S3_BUCKET")

	// ── Server ──
	setStr(&cfg.Server.APIKey, "MIRRORBOT_SERVER_API_KEY")
	setInt(&cfg.Server.Port, "MIRRORBOT_SERVER_PORT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "MIRRORBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "MIRRORBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "MIRRORBOT_NOTIFY_DISCORD_WEBHOOK_URL")

	// ── Top level ──
	setStr(&cfg.Mode, "MIRRORBOT_MODE")
	setStr(&cfg.LogLevel, "MIRRORBOT_LOG_LEVEL")
}

// envName upper-cases a credential name and replaces separators so it can be
// embedded in an environment variable name.
func envName(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
			out = append(out, c-'a'+'A')
		case (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9'):
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
