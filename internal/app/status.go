package app

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/mirrorbot/internal/domain"
	"github.com/alanyoungcy/mirrorbot/internal/poller"
	"github.com/alanyoungcy/mirrorbot/internal/session"
)

// statusSource aggregates the status surface from the live components. It
// implements handler.StatusSource and handler.AccountSource. poller and
// sessions may be nil; server mode runs neither.
type statusSource struct {
	mode      string
	startedAt time.Time
	poller    *poller.Poller
	sessions  *session.Manager
	master    domain.Account
	followers []domain.Account
	tasks     domain.TaskStore
	recons    domain.ReconStore
	activity  *activityLog
}

// Status assembles the full engine status snapshot.
func (s *statusSource) Status(ctx context.Context) (domain.EngineStatus, error) {
	status := domain.EngineStatus{
		Mode:       s.mode,
		StartedAt:  s.startedAt,
		Accounts:   s.Statuses(),
		TaskCounts: make(map[string]map[domain.TaskState]int64, len(s.followers)),
	}

	if s.poller != nil {
		status.Poller = s.poller.Health()
	}
	if s.activity != nil {
		status.Activity = s.activity.Snapshot()
	}

	for _, f := range s.followers {
		counts, err := s.tasks.CountByState(ctx, f.ID)
		if err != nil {
			return domain.EngineStatus{}, fmt.Errorf("count tasks for %s: %w", f.ID, err)
		}
		status.TaskCounts[f.ID] = counts
	}

	discrepancies, err := s.recons.OpenDiscrepancies(ctx)
	if err != nil {
		return domain.EngineStatus{}, fmt.Errorf("open discrepancies: %w", err)
	}
	status.Discrepancies = discrepancies

	return status, nil
}

// Statuses reports per-account state. Without a session manager the view
// falls back to the configured topology with no session information.
func (s *statusSource) Statuses() []domain.AccountStatus {
	if s.sessions != nil {
		return s.sessions.Statuses()
	}

	out := make([]domain.AccountStatus, 0, len(s.followers)+1)
	accounts := append([]domain.Account{s.master}, s.followers...)
	for _, a := range accounts {
		if a.ID == "" {
			continue
		}
		out = append(out, domain.AccountStatus{
			ID:        a.ID,
			Name:      a.Name,
			Role:      string(a.Role),
			Enabled:   a.Enabled,
			SizeRatio: a.SizeRatio,
		})
	}
	return out
}
