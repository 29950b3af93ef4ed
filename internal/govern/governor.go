// Package govern implements the shared throttle for all outbound broker
// calls. Every caller (poller, follower worker, reconciler, session manager)
// acquires a token before touching the API; acquisition blocks the caller,
// it never drops the call silently.
package govern

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds the bucket parameters: one bucket per account plus a second
// global bucket across all accounts, matching the broker's per-key and
// global limits.
type Config struct {
	PerAccountRPS   float64
	PerAccountBurst int
	GlobalRPS       float64
	GlobalBurst     int
}

// Governor is the token-bucket limiter shared across all outbound API calls.
// It is safe for concurrent use.
type Governor struct {
	cfg    Config
	global *rate.Limiter

	mu       sync.Mutex
	accounts map[string]*rate.Limiter
	// notBefore gates acquisition per key after a broker throttle response.
	// The empty key gates the global bucket.
	notBefore map[string]time.Time
}

// New creates a Governor from the given bucket configuration.
func New(cfg Config) *Governor {
	if cfg.PerAccountBurst < 1 {
		cfg.PerAccountBurst = 1
	}
	if cfg.GlobalBurst < 1 {
		cfg.GlobalBurst = 1
	}
	return &Governor{
		cfg:       cfg,
		global:    rate.NewLimiter(rate.Limit(cfg.GlobalRPS), cfg.GlobalBurst),
		accounts:  make(map[string]*rate.Limiter),
		notBefore: make(map[string]time.Time),
	}
}

// Acquire blocks until one token is available in both the account's bucket
// and the global bucket, or the context is cancelled. No lock is held across
// the wait.
func (g *Governor) Acquire(ctx context.Context, accountID string) error {
	if err := g.waitPenalty(ctx, ""); err != nil {
		return err
	}
	if err := g.waitPenalty(ctx, accountID); err != nil {
		return err
	}

	if err := g.global.Wait(ctx); err != nil {
		return fmt.Errorf("govern: global bucket: %w", err)
	}
	if err := g.limiterFor(accountID).Wait(ctx); err != nil {
		return fmt.Errorf("govern: account bucket %s: %w", accountID, err)
	}
	return nil
}

// Penalize reacts to a broker rate-limit response: the account's bucket is
// forcibly drained and refill is delayed for the broker's indicated
// retry-after duration.
func (g *Governor) Penalize(accountID string, retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = time.Second
	}
	lim := g.limiterFor(accountID)

	g.mu.Lock()
	until := time.Now().Add(retryAfter)
	if until.After(g.notBefore[accountID]) {
		g.notBefore[accountID] = until
	}
	g.mu.Unlock()

	// Drain whatever burst is currently banked.
	lim.AllowN(time.Now(), lim.Burst())
}

// PenalizeGlobal drains the global bucket, for throttle responses that are
// not attributable to a single account key.
func (g *Governor) PenalizeGlobal(retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = time.Second
	}
	g.mu.Lock()
	until := time.Now().Add(retryAfter)
	if until.After(g.notBefore[""]) {
		g.notBefore[""] = until
	}
	g.mu.Unlock()

	g.global.AllowN(time.Now(), g.global.Burst())
}

// limiterFor returns (creating if needed) the bucket for an account key.
func (g *Governor) limiterFor(accountID string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()

	lim, ok := g.accounts[accountID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(g.cfg.PerAccountRPS), g.cfg.PerAccountBurst)
		g.accounts[accountID] = lim
	}
	return lim
}

// waitPenalty sleeps out any active retry-after gate for the key, honouring
// context cancellation.
func (g *Governor) waitPenalty(ctx context.Context, key string) error {
	for {
		g.mu.Lock()
		until := g.notBefore[key]
		g.mu.Unlock()

		wait := time.Until(until)
		if wait <= 0 {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("govern: wait penalty %q: %w", key, ctx.Err())
		case <-timer.C:
		}
	}
}
