// Package session owns the authentication lifecycle for every configured
// account: token acquisition, refresh inside a safety margin, forced
// invalidation after auth rejections, and disabling accounts that fail
// authentication repeatedly.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/mirrorbot/internal/domain"
	"github.com/alanyoungcy/mirrorbot/internal/platform/tradovate"
)

// Broker is the slice of the broker client the session manager needs.
type Broker interface {
	Authenticate(ctx context.Context, username, password, cid, sec string) (tradovate.AccessTokenResponse, error)
	ListAccounts(ctx context.Context, token string) ([]tradovate.BrokerAccount, error)
}

// Governor throttles the outbound auth calls. The auth endpoint is shared by
// every account's credentials, so a throttle response there penalizes the
// global bucket rather than one account's.
type Governor interface {
	Acquire(ctx context.Context, accountID string) error
	PenalizeGlobal(retryAfter time.Duration)
}

// Credentials is one resolved broker credential set. Secrets arrive here
// already decrypted by the keystore.
type Credentials struct {
	Username string
	Password string
	CID      string
	Secret   string
}

// Config holds session-manager parameters.
type Config struct {
	// RefreshMargin is the minimum remaining validity below which a token is
	// refreshed before being handed out.
	RefreshMargin time.Duration
	// DisableAfter is the number of consecutive auth failures that disables
	// an account.
	DisableAfter int
}

// DisableFunc is invoked when an account transitions to disabled, so the
// replication engine can abort its pending tasks and stop scheduling.
type DisableFunc func(accountID, reason string)

// accountState is the per-account mutable state. Its mutex serialises
// refreshes for one account; distinct accounts never contend.
type accountState struct {
	mu       sync.Mutex
	account  domain.Account
	creds    Credentials
	session  domain.Session
	failures int
}

// Manager implements the session lifecycle contract. All methods are safe
// for concurrent use.
type Manager struct {
	broker    Broker
	governor  Governor
	cfg       Config
	logger    *slog.Logger
	onDisable DisableFunc

	mu       sync.RWMutex
	accounts map[string]*accountState
}

// NewManager creates a Manager for the given accounts and their resolved
// credentials, keyed by account id.
func NewManager(broker Broker, governor Governor, cfg Config, accounts []domain.Account, creds map[string]Credentials, logger *slog.Logger) *Manager {
	if cfg.RefreshMargin <= 0 {
		cfg.RefreshMargin = 60 * time.Second
	}
	if cfg.DisableAfter < 1 {
		cfg.DisableAfter = 3
	}

	states := make(map[string]*accountState, len(accounts))
	for _, acct := range accounts {
		states[acct.ID] = &accountState{
			account: acct,
			creds:   creds[acct.ID],
		}
	}

	return &Manager{
		broker:   broker,
		governor: governor,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "session")),
		accounts: states,
	}
}

// SetDisableFunc registers the callback invoked on account disable. Must be
// called before the engine starts.
func (m *Manager) SetDisableFunc(fn DisableFunc) {
	m.onDisable = fn
}

// Acquire returns a valid session for the account, refreshing the token if
// it expires within the safety margin. It never returns an expired token.
// Returns domain.ErrAccountDisabled once the account has been disabled.
func (m *Manager) Acquire(ctx context.Context, accountID string) (domain.Session, error) {
	st, err := m.state(accountID)
	if err != nil {
		return domain.Session{}, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.account.Enabled {
		return domain.Session{}, fmt.Errorf("session: account %s: %w", accountID, domain.ErrAccountDisabled)
	}
	if st.session.ValidFor(m.cfg.RefreshMargin) {
		return st.session, nil
	}

	return m.refreshLocked(ctx, st)
}

// Invalidate discards the account's current session so the next Acquire is
// forced to refresh. Call this after the broker rejects a token mid-flight.
func (m *Manager) Invalidate(accountID string) {
	st, err := m.state(accountID)
	if err != nil {
		return
	}
	st.mu.Lock()
	st.session = domain.Session{}
	st.mu.Unlock()

	m.logger.Info("session invalidated", slog.String("account", accountID))
}

// Enabled reports whether the account is still participating.
func (m *Manager) Enabled(accountID string) bool {
	st, err := m.state(accountID)
	if err != nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.account.Enabled
}

// Disable marks an account disabled and fires the disable callback. Safe to
// call more than once; only the first call has effect.
func (m *Manager) Disable(accountID, reason string) {
	st, err := m.state(accountID)
	if err != nil {
		return
	}

	st.mu.Lock()
	already := !st.account.Enabled
	if !already {
		st.account.Enabled = false
		now := time.Now().UTC()
		st.account.DisabledAt = &now
		st.account.DisableReason = reason
		st.session = domain.Session{}
	}
	st.mu.Unlock()

	if already {
		return
	}

	m.logger.Warn("account disabled",
		slog.String("account", accountID),
		slog.String("reason", reason),
	)
	if m.onDisable != nil {
		m.onDisable(accountID, reason)
	}
}

// Statuses returns the per-account view for the status surface, sorted by
// account id for stable output.
func (m *Manager) Statuses() []domain.AccountStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.AccountStatus, 0, len(m.accounts))
	for _, st := range m.accounts {
		st.mu.Lock()
		out = append(out, domain.AccountStatus{
			ID:            st.account.ID,
			Name:          st.account.Name,
			Role:          string(st.account.Role),
			Enabled:       st.account.Enabled,
			SizeRatio:     st.account.SizeRatio,
			DisabledAt:    st.account.DisabledAt,
			DisableReason: st.account.DisableReason,
			SessionValid:  st.session.ValidFor(m.cfg.RefreshMargin),
			AuthFailures:  st.failures,
		})
		st.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close discards every session. Tokens are not persisted; on restart each
// account authenticates afresh.
func (m *Manager) Close() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, st := range m.accounts {
		st.mu.Lock()
		st.session = domain.Session{}
		st.mu.Unlock()
	}
}

// refreshLocked performs one authentication round trip for the account. The
// account's state mutex is held by the caller, so concurrent acquires for
// the same account wait for this single refresh instead of racing their own.
func (m *Manager) refreshLocked(ctx context.Context, st *accountState) (domain.Session, error) {
	accountID := st.account.ID

	if err := m.governor.Acquire(ctx, accountID); err != nil {
		return domain.Session{}, err
	}

	resp, err := m.broker.Authenticate(ctx, st.creds.Username, st.creds.Password, st.creds.CID, st.creds.Secret)
	if err != nil {
		if retryAfter, ok := domain.IsRateLimited(err); ok {
			m.governor.PenalizeGlobal(retryAfter)
		}
		if domain.IsAuthError(err) {
			st.failures++
			m.logger.Warn("auth rejected",
				slog.String("account", accountID),
				slog.Int("consecutive_failures", st.failures),
			)
			if st.failures >= m.cfg.DisableAfter {
				// Disable without re-entering the state mutex.
				st.account.Enabled = false
				now := time.Now().UTC()
				st.account.DisabledAt = &now
				st.account.DisableReason = "repeated auth failure"
				st.session = domain.Session{}
				if m.onDisable != nil {
					go m.onDisable(accountID, "repeated auth failure")
				}
				return domain.Session{}, fmt.Errorf("session: account %s: %w", accountID, domain.ErrAccountDisabled)
			}
		}
		return domain.Session{}, fmt.Errorf("session: refresh %s: %w", accountID, err)
	}

	brokerID := st.session.BrokerAccountID
	if brokerID == 0 {
		brokerID, err = m.resolveBrokerAccount(ctx, accountID, resp.AccessToken, st.account.Name)
		if err != nil {
			return domain.Session{}, fmt.Errorf("session: resolve broker account for %s: %w", accountID, err)
		}
	}

	st.failures = 0
	st.session = domain.Session{
		AccountID:       accountID,
		BrokerAccountID: brokerID,
		AccessToken:     resp.AccessToken,
		ExpiresAt:       resp.ExpirationTime,
		CreatedAt:       time.Now().UTC(),
	}

	m.logger.Info("session refreshed",
		slog.String("account", accountID),
		slog.Time("expires_at", st.session.ExpiresAt),
	)
	return st.session, nil
}

// resolveBrokerAccount maps a configured account onto the broker's numeric
// account id: by name when one matches, otherwise the first active entry.
func (m *Manager) resolveBrokerAccount(ctx context.Context, accountID, token, name string) (int64, error) {
	if err := m.governor.Acquire(ctx, accountID); err != nil {
		return 0, err
	}

	accounts, err := m.broker.ListAccounts(ctx, token)
	if err != nil {
		return 0, err
	}

	var firstActive int64
	for _, a := range accounts {
		if a.Archived || !a.Active {
			continue
		}
		if firstActive == 0 {
			firstActive = a.ID
		}
		if name != "" && strings.EqualFold(a.Name, name) {
			return a.ID, nil
		}
	}
	if firstActive == 0 {
		return 0, fmt.Errorf("no active broker account visible to token: %w", domain.ErrNotFound)
	}
	return firstActive, nil
}

// state fetches the per-account state.
func (m *Manager) state(accountID string) (*accountState, error) {
	m.mu.RLock()
	st, ok := m.accounts[accountID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session: unknown account %s: %w", accountID, domain.ErrNotFound)
	}
	return st, nil
}
