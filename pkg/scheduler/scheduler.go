// Package scheduler runs the two background tick loops (C9): alert
// evaluation and notification dispatch, each arbitrated by a SQL lease so
// exactly one worker process acts on a given tick across a fleet, plus the
// orphaned delivery-attempt reaper.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/preflightwatch/internal/db"
	"github.com/wisbric/preflightwatch/internal/ids"
	"github.com/wisbric/preflightwatch/internal/telemetry"
	"github.com/wisbric/preflightwatch/pkg/alertengine"
	"github.com/wisbric/preflightwatch/pkg/dispatcher"
	"github.com/wisbric/preflightwatch/pkg/policy"
)

// minLeaseTTL is the floor §9 requires regardless of the configured tick
// interval, so a slow tick never causes lease flapping between owners.
const minLeaseTTL = 30 * time.Second

// PolicySource reloads the alert-policy and notification-channel documents
// from disk on each tick, so operators editing the YAML files on a running
// worker take effect without a restart.
type PolicySource interface {
	Policies() ([]policy.AlertPolicy, error)
	Channels() ([]policy.NotificationChannel, error)
}

// AlertLoop periodically evaluates every enabled alert policy, guarded by
// a named lease.
type AlertLoop struct {
	pool       *pgxpool.Pool
	engine     *alertengine.Engine
	policies   PolicySource
	clock      ids.Clock
	logger     *slog.Logger
	ownerID    string
	leaseName  string
	leaseOn    bool
	interval   time.Duration
}

// NewAlertLoop creates an alert-evaluation scheduler loop.
func NewAlertLoop(pool *pgxpool.Pool, engine *alertengine.Engine, policies PolicySource, clock ids.Clock, logger *slog.Logger, leaseName string, leaseEnabled bool, interval time.Duration) *AlertLoop {
	return &AlertLoop{
		pool: pool, engine: engine, policies: policies, clock: clock, logger: logger,
		ownerID: ids.New(), leaseName: leaseName, leaseOn: leaseEnabled, interval: interval,
	}
}

// Run blocks ticking at the configured interval until ctx is cancelled,
// releasing its lease on the way out.
func (l *AlertLoop) Run(ctx context.Context) error {
	l.logger.Info("alert scheduler loop started", "interval", l.interval, "lease_name", l.leaseName)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.release(context.Background())
			l.logger.Info("alert scheduler loop stopped")
			return nil
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *AlertLoop) ttl() time.Duration {
	ttl := l.interval * 2
	if ttl < minLeaseTTL {
		ttl = minLeaseTTL
	}
	return ttl
}

func (l *AlertLoop) tick(ctx context.Context) {
	if l.leaseOn {
		owned, err := db.New(l.pool).AcquireLease(ctx, l.leaseName, l.ownerID, l.clock.Now(), l.ttl())
		if err != nil {
			l.logger.Error("acquiring alert scheduler lease", "error", err)
			return
		}
		if !owned {
			return
		}
		telemetry.SchedulerLeaseHeartbeatTimestamp.WithLabelValues(l.leaseName).Set(float64(l.clock.Now().Unix()))
	}

	policies, err := l.policies.Policies()
	if err != nil {
		l.logger.Error("loading alert policies", "error", err)
		return
	}
	channels, err := l.policies.Channels()
	if err != nil {
		l.logger.Error("loading notification channels", "error", err)
		return
	}

	results, err := l.engine.RunEvaluation(ctx, "scheduler", policies, channels)
	if err != nil {
		l.logger.Error("running alert evaluation", "error", err)
		return
	}
	l.logger.Info("alert evaluation tick complete", "policies_evaluated", len(results))
}

func (l *AlertLoop) release(ctx context.Context) {
	if !l.leaseOn {
		return
	}
	if err := db.New(l.pool).ReleaseLease(ctx, l.leaseName, l.ownerID, l.clock.Now()); err != nil {
		l.logger.Warn("releasing alert scheduler lease", "error", err)
	}
}

// NotificationLoop periodically drains the outbox through the Dispatcher
// and reaps orphaned delivery attempts, guarded by a named lease.
type NotificationLoop struct {
	pool       *pgxpool.Pool
	dispatcher *dispatcher.Dispatcher
	policies   PolicySource
	clock      ids.Clock
	logger     *slog.Logger
	ownerID    string
	leaseName  string
	leaseOn    bool
	interval   time.Duration
	batchSize  int
	defaultOrphanTimeout time.Duration
}

// NewNotificationLoop creates a notification-dispatch scheduler loop.
func NewNotificationLoop(pool *pgxpool.Pool, d *dispatcher.Dispatcher, policies PolicySource, clock ids.Clock, logger *slog.Logger, leaseName string, leaseEnabled bool, interval time.Duration, batchSize int, defaultOrphanTimeout time.Duration) *NotificationLoop {
	return &NotificationLoop{
		pool: pool, dispatcher: d, policies: policies, clock: clock, logger: logger,
		ownerID: ids.New(), leaseName: leaseName, leaseOn: leaseEnabled, interval: interval,
		batchSize: batchSize, defaultOrphanTimeout: defaultOrphanTimeout,
	}
}

// Run blocks ticking at the configured interval until ctx is cancelled,
// releasing its lease on the way out.
func (l *NotificationLoop) Run(ctx context.Context) error {
	l.logger.Info("notification scheduler loop started", "interval", l.interval, "lease_name", l.leaseName)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.release(context.Background())
			l.logger.Info("notification scheduler loop stopped")
			return nil
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *NotificationLoop) ttl() time.Duration {
	ttl := l.interval * 2
	if ttl < minLeaseTTL {
		ttl = minLeaseTTL
	}
	return ttl
}

func (l *NotificationLoop) tick(ctx context.Context) {
	if l.leaseOn {
		owned, err := db.New(l.pool).AcquireLease(ctx, l.leaseName, l.ownerID, l.clock.Now(), l.ttl())
		if err != nil {
			l.logger.Error("acquiring notification scheduler lease", "error", err)
			return
		}
		if !owned {
			return
		}
		telemetry.SchedulerLeaseHeartbeatTimestamp.WithLabelValues(l.leaseName).Set(float64(l.clock.Now().Unix()))
	}

	channels, err := l.policies.Channels()
	if err != nil {
		l.logger.Error("loading notification channels", "error", err)
		return
	}

	l.reapOrphans(ctx, channels)

	attempted, err := l.dispatcher.Run(ctx, channels, l.batchSize)
	if err != nil {
		l.logger.Error("running dispatcher", "error", err)
		return
	}
	if attempted > 0 {
		l.logger.Info("notification dispatch tick complete", "items_attempted", attempted)
	}
}

// reapOrphans finalizes delivery attempts stuck in STARTED past twice their
// channel's configured timeout — or the default timeout when the channel
// can no longer be resolved — as FAILED/ORPHANED_ATTEMPT. This is a
// ledger-only repair: it never touches the outbox item's own status, since
// the dispatcher tick that owned the attempt may still complete it.
func (l *NotificationLoop) reapOrphans(ctx context.Context, channels []policy.NotificationChannel) {
	q := db.New(l.pool)
	now := l.clock.Now()

	// The shortest threshold across all channels bounds the query; each row
	// is then individually checked against its own channel's timeout.
	minThreshold := 2 * l.defaultOrphanTimeout
	for _, c := range channels {
		if c.TimeoutSeconds <= 0 {
			continue
		}
		if t := time.Duration(c.TimeoutSeconds) * time.Second * 2; t < minThreshold {
			minThreshold = t
		}
	}

	orphans, err := q.ListOrphanedStartedAttempts(ctx, now.Add(-minThreshold))
	if err != nil {
		l.logger.Error("listing orphaned delivery attempts", "error", err)
		return
	}

	for _, a := range orphans {
		timeout := l.defaultOrphanTimeout
		for _, c := range channels {
			if c.ID == a.ChannelTarget && c.TimeoutSeconds > 0 {
				timeout = time.Duration(c.TimeoutSeconds) * time.Second
				break
			}
		}
		if now.Sub(a.StartedAt) < 2*timeout {
			continue
		}

		errCode := "ORPHANED_ATTEMPT"
		message := "attempt left STARTED past twice its channel timeout; presumed lost"
		if err := q.CompleteDeliveryAttempt(ctx, db.CompleteDeliveryAttemptParams{
			AttemptID: a.AttemptID, AttemptStatus: "FAILED", CompletedAt: now,
			ErrorCode: &errCode, ErrorMessageSafe: &message,
		}); err != nil {
			l.logger.Error("reaping orphaned delivery attempt", "attempt_id", a.AttemptID, "error", err)
			continue
		}
		l.logger.Warn("reaped orphaned delivery attempt", "attempt_id", a.AttemptID, "outbox_item_id", a.OutboxItemID)
	}
}
