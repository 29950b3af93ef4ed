package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/mirrorbot/internal/domain"
	"github.com/alanyoungcy/mirrorbot/internal/poller"
	"github.com/alanyoungcy/mirrorbot/internal/reconcile"
	"github.com/alanyoungcy/mirrorbot/internal/replicate"
	"github.com/alanyoungcy/mirrorbot/internal/server"
	"github.com/alanyoungcy/mirrorbot/internal/server/handler"
	"github.com/alanyoungcy/mirrorbot/internal/server/ws"
)

// Signal bus channels bridged to the dashboard websocket hub.
const (
	chanTasks         = "replication:tasks"
	chanAccounts      = "replication:accounts"
	chanDiscrepancies = "replication:discrepancies"
	chanPoller        = "replication:poller"
)

// ReplicateMode runs the full replication pipeline: master poller, follower
// workers, and the status surface. Reconciliation is left to a separate
// instance running in reconcile mode.
func (a *App) ReplicateMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting replicate mode")

	g, ctx := errgroup.WithContext(ctx)
	activity := newActivityLog()

	p := a.newPoller(deps)
	engine := a.newEngine(deps, a.transitionHook(deps, activity))
	a.wireCallbacks(deps, p, engine, activity)

	g.Go(func() error { return p.Run(ctx) })
	g.Go(func() error { return engine.Run(ctx, p.Events()) })

	if deps.Archiver != nil {
		g.Go(func() error { return a.runArchiver(ctx, deps.Archiver) })
	}
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, a.newStatusSource(deps, p, activity))
	}

	return g.Wait()
}

// MonitorMode observes the master account without submitting anything:
// events are detected, persisted and logged, but no follower workers run.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)
	activity := newActivityLog()

	p := a.newPoller(deps)
	a.wireCallbacks(deps, p, nil, activity)

	g.Go(func() error { return p.Run(ctx) })
	g.Go(func() error {
		for ev := range p.Events() {
			activity.Addf("master event %s %s %s qty=%d", ev.Type, ev.Side, ev.Symbol, ev.Quantity)
			a.logger.InfoContext(ctx, "master event observed",
				slog.Int64("seq", ev.Seq),
				slog.String("type", string(ev.Type)),
				slog.String("order_id", ev.MasterOrderID),
				slog.String("symbol", ev.Symbol),
				slog.Int("quantity", ev.Quantity),
			)
			a.publish(deps.SignalBus, chanPoller, ev)
		}
		return nil
	})

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, a.newStatusSource(deps, p, activity))
	}

	return g.Wait()
}

// ReconcileMode runs only the reconciliation loop. The poller still runs to
// keep the master position snapshot fresh; its events are discarded.
func (a *App) ReconcileMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting reconcile mode")

	g, ctx := errgroup.WithContext(ctx)
	activity := newActivityLog()

	p := a.newPoller(deps)
	a.wireCallbacks(deps, p, nil, activity)

	rec := a.newReconciler(deps, p, activity)

	g.Go(func() error { return p.Run(ctx) })
	g.Go(func() error {
		for range p.Events() {
		}
		return nil
	})
	g.Go(func() error { return rec.Run(ctx) })

	if deps.Archiver != nil {
		g.Go(func() error { return a.runArchiver(ctx, deps.Archiver) })
	}
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, a.newStatusSource(deps, p, activity))
	}

	return g.Wait()
}

// ServerMode serves the read-only status API without touching the broker.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, a.newStatusSource(deps, nil, nil))
	return g.Wait()
}

// FullMode runs everything in one process: poller, replication engine,
// reconciler, archival and the status surface.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	activity := newActivityLog()

	p := a.newPoller(deps)
	engine := a.newEngine(deps, a.transitionHook(deps, activity))
	a.wireCallbacks(deps, p, engine, activity)

	rec := a.newReconciler(deps, p, activity)

	g.Go(func() error { return p.Run(ctx) })
	g.Go(func() error { return engine.Run(ctx, p.Events()) })
	g.Go(func() error { return rec.Run(ctx) })

	if deps.Archiver != nil {
		g.Go(func() error { return a.runArchiver(ctx, deps.Archiver) })
	}
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, a.newStatusSource(deps, p, activity))
	}

	return g.Wait()
}

func (a *App) newPoller(deps *Dependencies) *poller.Poller {
	return poller.New(deps.Broker, deps.Sessions, deps.Governor, deps.Events, poller.Config{
		Interval:      a.cfg.Poll.Interval.Duration,
		BackoffBase:   a.cfg.Poll.BackoffBase.Duration,
		BackoffMax:    a.cfg.Poll.BackoffMax.Duration,
		DegradedAfter: a.cfg.Poll.DegradedAfter,
	}, deps.Master.ID, a.logger)
}

func (a *App) newEngine(deps *Dependencies, hook replicate.TransitionHook) *replicate.Engine {
	engine := replicate.New(replicate.Config{
		MaxAttempts: a.cfg.Replicate.MaxAttempts,
		BackoffBase: a.cfg.Replicate.BackoffBase.Duration,
		BackoffMax:  a.cfg.Replicate.BackoffMax.Duration,
	}, deps.Followers, deps.Sessions, deps.Broker, deps.Sessions, deps.Governor,
		deps.Tasks, deps.Maps, hook, a.logger)
	engine.SetLotSizer(a.cfg.Symbols)
	return engine
}

func (a *App) newReconciler(deps *Dependencies, p *poller.Poller, activity *activityLog) *reconcile.Reconciler {
	rec := reconcile.New(reconcile.Config{
		Interval:   a.cfg.Reconcile.Interval.Duration,
		AutoCancel: a.cfg.Reconcile.AutoCancel,
		LockTTL:    a.cfg.Reconcile.LockTTL.Duration,
	}, deps.Followers, deps.Broker, deps.Sessions, deps.Governor, p,
		a.cfg.Symbols, deps.Tasks, deps.Maps, deps.Recons, deps.Locks, a.logger)

	rec.SetDriftFunc(func(followerID string, discrepancies []domain.Discrepancy) {
		activity.Addf("drift detected on %s (%d discrepancies)", followerID, len(discrepancies))
		a.publish(deps.SignalBus, chanDiscrepancies, map[string]any{
			"follower":      followerID,
			"discrepancies": discrepancies,
		})
		ctx, cancel := notifyContext()
		defer cancel()
		deps.Notifier.DriftDetected(ctx, followerID, discrepancies)
	})
	return rec
}

// transitionHook fans every persisted task transition out to the signal bus,
// the activity log and, for fatal failures, the notifier.
func (a *App) transitionHook(deps *Dependencies, activity *activityLog) replicate.TransitionHook {
	return func(task domain.ReplicationTask, from, to domain.TaskState, reason string) {
		activity.Addf("task %s %s: %s -> %s", task.IdempotencyKey[:8], task.Key.FollowerAccountID, from, to)
		a.publish(deps.SignalBus, chanTasks, map[string]any{
			"idempotency_key": task.IdempotencyKey,
			"master_order_id": task.Key.MasterOrderID,
			"follower":        task.Key.FollowerAccountID,
			"symbol":          task.Symbol,
			"from":            from,
			"to":              to,
			"reason":          reason,
		})
		if to == domain.TaskFailedFatal {
			ctx, cancel := notifyContext()
			defer cancel()
			deps.Notifier.TaskFailedFatal(ctx, task)
		}
	}
}

// wireCallbacks connects the session manager's disable path and the poller's
// degraded path to the engine, notifier, activity log and signal bus. engine
// may be nil in modes that do not replicate.
func (a *App) wireCallbacks(deps *Dependencies, p *poller.Poller, engine *replicate.Engine, activity *activityLog) {
	deps.Sessions.SetDisableFunc(func(accountID, reason string) {
		activity.Addf("account %s disabled: %s", accountID, reason)
		a.publish(deps.SignalBus, chanAccounts, map[string]any{
			"account": accountID,
			"enabled": false,
			"reason":  reason,
		})
		ctx, cancel := notifyContext()
		defer cancel()
		if engine != nil {
			engine.OnAccountDisabled(ctx, accountID, reason)
		}
		deps.Notifier.AccountDisabled(ctx, accountID, reason)
	})

	p.SetDegradeFunc(func(failures int) {
		activity.Addf("master poller degraded after %d consecutive failures", failures)
		a.publish(deps.SignalBus, chanPoller, map[string]any{
			"degraded":             true,
			"consecutive_failures": failures,
		})
		ctx, cancel := notifyContext()
		defer cancel()
		deps.Notifier.PollerDegraded(ctx, failures)
	})
}

func (a *App) newStatusSource(deps *Dependencies, p *poller.Poller, activity *activityLog) *statusSource {
	return &statusSource{
		mode:      a.cfg.Mode,
		startedAt: time.Now().UTC(),
		poller:    p,
		sessions:  deps.Sessions,
		master:    deps.Master,
		followers: deps.Followers,
		tasks:     deps.Tasks,
		recons:    deps.Recons,
		activity:  activity,
	}
}

// startHTTPServer wires the handlers, starts the websocket hub and runs the
// HTTP server until the group context is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, status *statusSource) {
	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: status.startedAt,
	})
	g.Go(func() error {
		err := hub.Run(ctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})

	srv := server.NewServer(server.Config{
		Port:              a.cfg.Server.Port,
		CORSOrigins:       a.cfg.Server.CORSOrigins,
		APIKey:            a.cfg.Server.APIKey,
		RequestsPerMinute: a.cfg.RateLimit.APIRequestsPerMinute,
	}, server.Handlers{
		Health:   handler.NewHealthHandler(a.logger),
		Status:   handler.NewStatusHandler(status),
		Accounts: handler.NewAccountHandler(status),
		Tasks:    handler.NewTaskHandler(deps.Tasks, a.logger),
		Events:   handler.NewEventHandler(deps.Events, a.logger),
		Recons:   handler.NewReconHandler(deps.Recons, a.logger),
		Archive:  handler.NewArchiveHandler(deps.Blobs, a.logger),
	}, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// runArchiver moves aged terminal tasks and reconciliation passes to cold
// storage once a day, keeping the retention window in the primary store.
func (a *App) runArchiver(ctx context.Context, archiver domain.Archiver) error {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cutoff := time.Now().UTC().AddDate(0, 0, -a.cfg.S3.RetentionDays)

			tasks, err := archiver.ArchiveTasks(ctx, cutoff)
			if err != nil {
				a.logger.ErrorContext(ctx, "task archival failed", slog.String("error", err.Error()))
			}
			recons, err := archiver.ArchiveReconciliations(ctx, cutoff)
			if err != nil {
				a.logger.ErrorContext(ctx, "reconciliation archival failed", slog.String("error", err.Error()))
			}
			if tasks > 0 || recons > 0 {
				a.logger.InfoContext(ctx, "archived aged records",
					slog.Int64("tasks", tasks),
					slog.Int64("reconciliations", recons),
					slog.Time("cutoff", cutoff),
				)
			}
		}
	}
}

// publish marshals the payload and sends it on the signal bus with a bounded
// context, so a slow Redis never stalls the calling component.
func (a *App) publish(bus domain.SignalBus, channel string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	ctx, cancel := notifyContext()
	defer cancel()
	if err := bus.Publish(ctx, channel, data); err != nil {
		a.logger.Debug("signal publish failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}

func notifyContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}
