package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/mirrorbot/internal/blob/s3"
	"github.com/alanyoungcy/mirrorbot/internal/cache/redis"
	"github.com/alanyoungcy/mirrorbot/internal/config"
	"github.com/alanyoungcy/mirrorbot/internal/crypto"
	"github.com/alanyoungcy/mirrorbot/internal/domain"
	"github.com/alanyoungcy/mirrorbot/internal/govern"
	"github.com/alanyoungcy/mirrorbot/internal/notify"
	"github.com/alanyoungcy/mirrorbot/internal/platform/tradovate"
	"github.com/alanyoungcy/mirrorbot/internal/session"
	"github.com/alanyoungcy/mirrorbot/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Stores
	Tasks  domain.TaskStore
	Events domain.EventStore
	Maps   domain.OrderMapStore
	Recons domain.ReconStore

	// Redis-backed shared state
	RateLimiter domain.RateLimiter
	Locks       domain.LockManager
	SignalBus   domain.SignalBus

	// Cold storage. Blobs serves archived history back out; both are nil
	// when S3 archival is not configured.
	Archiver domain.Archiver
	Blobs    domain.BlobReader

	// Notifications
	Notifier *notify.Notifier

	// Broker access. Nil in server mode, which never talks to the broker.
	Broker   *tradovate.Client
	Governor *govern.Governor
	Sessions *session.Manager

	// Resolved account topology.
	Master    domain.Account
	Followers []domain.Account
}

// needsBroker returns true for modes that authenticate against the broker.
func needsBroker(mode string) bool {
	return mode != "server"
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	mode := strings.ToLower(cfg.Mode)

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.Tasks = postgres.NewTaskStore(pool)
	deps.Events = postgres.NewEventStore(pool)
	deps.Maps = postgres.NewOrderMapStore(pool)
	deps.Recons = postgres.NewReconStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.Locks = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)

	// --- S3 blob storage (optional cold-storage archival) ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), deps.Tasks, deps.Recons)
		deps.Blobs = s3blob.NewReader(s3Client)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Account topology ---
	deps.Master, deps.Followers = buildAccounts(cfg)

	// --- Broker, governor and sessions ---
	if needsBroker(mode) {
		deps.Broker = tradovate.NewClient(tradovate.Config{
			BaseURL:    cfg.Broker.BaseURL,
			AppID:      cfg.Broker.AppID,
			AppVersion: cfg.Broker.AppVersion,
			DeviceID:   cfg.Broker.DeviceID,
			Timeout:    cfg.Broker.RequestTimeout.Duration,
		})
		deps.Governor = govern.New(govern.Config{
			PerAccountRPS:   cfg.RateLimit.PerAccountRPS,
			PerAccountBurst: cfg.RateLimit.PerAccountBurst,
			GlobalRPS:       cfg.RateLimit.GlobalRPS,
			GlobalBurst:     cfg.RateLimit.GlobalBurst,
		})

		creds, err := resolveCredentials(cfg)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: credentials: %w", err)
		}

		all := append([]domain.Account{deps.Master}, deps.Followers...)
		deps.Sessions = session.NewManager(deps.Broker, deps.Governor, session.Config{
			RefreshMargin: cfg.Session.RefreshMargin.Duration,
			DisableAfter:  cfg.Session.DisableAfter,
		}, all, creds, logger)
		closers = append(closers, deps.Sessions.Close)
	}

	return deps, cleanup, nil
}

// buildAccounts maps the configured accounts onto the domain model.
func buildAccounts(cfg *config.Config) (master domain.Account, followers []domain.Account) {
	for _, acct := range cfg.Accounts {
		a := domain.Account{
			ID:             acct.ID,
			Name:           acct.Name,
			Role:           domain.AccountRole(strings.ToLower(acct.Role)),
			CredentialsRef: acct.Credentials,
			SizeRatio:      acct.SizeRatio,
			Enabled:        acct.Enabled,
		}
		switch a.Role {
		case domain.RoleMaster:
			master = a
		case domain.RoleFollower:
			followers = append(followers, a)
		}
	}
	return master, followers
}

// resolveCredentials decrypts every referenced credential entry and returns
// the resolved secrets keyed by account id. Secrets never land in the domain
// Account; they live only inside the session manager.
func resolveCredentials(cfg *config.Config) (map[string]session.Credentials, error) {
	out := make(map[string]session.Credentials, len(cfg.Accounts))
	for _, acct := range cfg.Accounts {
		cred, ok := cfg.Credential(acct.Credentials)
		if !ok {
			return nil, fmt.Errorf("account %s references unknown credentials %q", acct.ID, acct.Credentials)
		}
		password, err := crypto.LoadSecret(crypto.SecretConfig{
			RawSecret:        cred.Password,
			KeystorePath:     cred.EncryptedPasswordPath,
			KeystorePassword: cred.KeystorePassword,
		})
		if err != nil {
			return nil, fmt.Errorf("account %s: resolve password: %w", acct.ID, err)
		}
		out[acct.ID] = session.Credentials{
			Username: cred.Username,
			Password: password,
			CID:      cred.CID,
			Secret:   cred.Secret,
		}
	}
	return out, nil
}
