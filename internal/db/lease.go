package db

import (
	"context"
	"fmt"
	"time"
)

// AcquireLease performs the scheduler's single-statement compare-and-set:
// insert the lease row, or — on conflict — update it only when the caller
// already owns it or the existing lease has expired. Splitting this into a
// read then a write is unsafe under concurrency (§9); this must stay one
// round-trip with the predicate evaluated by Postgres itself.
func (q *Queries) AcquireLease(ctx context.Context, leaseName, ownerID string, now time.Time, ttl time.Duration) (bool, error) {
	expiresAt := now.Add(ttl)
	tag, err := q.db.Exec(ctx, `
INSERT INTO preflight_alert_scheduler_lease (lease_name, owner_id, acquired_at, heartbeat_at, expires_at)
VALUES ($1,$2,$3,$3,$4)
ON CONFLICT (lease_name) DO UPDATE SET
	owner_id = $2, acquired_at = $3, heartbeat_at = $3, expires_at = $4
WHERE preflight_alert_scheduler_lease.owner_id = $2
   OR preflight_alert_scheduler_lease.expires_at <= $3
`, leaseName, ownerID, now, expiresAt)
	if err != nil {
		return false, fmt.Errorf("acquiring lease %s: %w", leaseName, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Heartbeat extends an owned lease's expiry without changing ownership.
// Affects zero rows (and returns false) if the caller no longer owns it.
func (q *Queries) Heartbeat(ctx context.Context, leaseName, ownerID string, now time.Time, ttl time.Duration) (bool, error) {
	tag, err := q.db.Exec(ctx, `
UPDATE preflight_alert_scheduler_lease
SET heartbeat_at = $3, expires_at = $4
WHERE lease_name = $1 AND owner_id = $2
`, leaseName, ownerID, now, now.Add(ttl))
	if err != nil {
		return false, fmt.Errorf("heartbeating lease %s: %w", leaseName, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseLease marks a lease expired immediately, best-effort, only if the
// caller still owns it — used on graceful shutdown.
func (q *Queries) ReleaseLease(ctx context.Context, leaseName, ownerID string, now time.Time) error {
	_, err := q.db.Exec(ctx, `
UPDATE preflight_alert_scheduler_lease
SET expires_at = $3, heartbeat_at = $3
WHERE lease_name = $1 AND owner_id = $2
`, leaseName, ownerID, now)
	if err != nil {
		return fmt.Errorf("releasing lease %s: %w", leaseName, err)
	}
	return nil
}

// GetLease fetches a lease row by name.
func (q *Queries) GetLease(ctx context.Context, leaseName string) (SchedulerLeaseRow, error) {
	const stmt = `SELECT lease_name, owner_id, acquired_at, heartbeat_at, expires_at
FROM preflight_alert_scheduler_lease WHERE lease_name = $1`
	var l SchedulerLeaseRow
	err := q.db.QueryRow(ctx, stmt, leaseName).Scan(&l.LeaseName, &l.OwnerID, &l.AcquiredAt, &l.HeartbeatAt, &l.ExpiresAt)
	if err != nil {
		return SchedulerLeaseRow{}, err
	}
	return l, nil
}

// ListLeases returns every lease row.
func (q *Queries) ListLeases(ctx context.Context) ([]SchedulerLeaseRow, error) {
	rows, err := q.db.Query(ctx, `SELECT lease_name, owner_id, acquired_at, heartbeat_at, expires_at FROM preflight_alert_scheduler_lease`)
	if err != nil {
		return nil, fmt.Errorf("listing leases: %w", err)
	}
	defer rows.Close()

	var out []SchedulerLeaseRow
	for rows.Next() {
		var l SchedulerLeaseRow
		if err := rows.Scan(&l.LeaseName, &l.OwnerID, &l.AcquiredAt, &l.HeartbeatAt, &l.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scanning lease: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
