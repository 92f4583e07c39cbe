package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// UpsertAlertStateParams writes or repairs the single open AlertState row
// for a policy.
type UpsertAlertStateParams struct {
	PolicyID              string
	Status                string
	Severity               string
	SourceName             *string
	FirstSeenAt            time.Time
	LastSeenAt             time.Time
	ConsecutiveBreaches    int
	CurrentValue           float64
	Threshold              float64
	Message                string
	EvaluationContextJSON  RawJSON
	PolicySnapshotJSON     RawJSON
}

// UpsertAlertState inserts or updates the AlertState row for a policy.
func (q *Queries) UpsertAlertState(ctx context.Context, p UpsertAlertStateParams) error {
	const stmt = `
INSERT INTO preflight_alert_state (
	policy_id, status, severity, source_name, first_seen_at, last_seen_at,
	consecutive_breaches, current_value, threshold, message,
	evaluation_context_json, policy_snapshot_json
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (policy_id) DO UPDATE SET
	status = EXCLUDED.status,
	severity = EXCLUDED.severity,
	source_name = EXCLUDED.source_name,
	last_seen_at = EXCLUDED.last_seen_at,
	consecutive_breaches = EXCLUDED.consecutive_breaches,
	current_value = EXCLUDED.current_value,
	threshold = EXCLUDED.threshold,
	message = EXCLUDED.message,
	evaluation_context_json = EXCLUDED.evaluation_context_json,
	policy_snapshot_json = EXCLUDED.policy_snapshot_json
`
	_, err := q.db.Exec(ctx, stmt, p.PolicyID, p.Status, p.Severity, p.SourceName,
		p.FirstSeenAt, p.LastSeenAt, p.ConsecutiveBreaches, p.CurrentValue, p.Threshold,
		p.Message, jsonOrEmpty(p.EvaluationContextJSON), jsonOrEmpty(p.PolicySnapshotJSON))
	if err != nil {
		return fmt.Errorf("upserting alert state: %w", err)
	}
	return nil
}

// GetAlertState fetches the AlertState row for a policy, or pgx.ErrNoRows if
// the policy is currently OK.
func (q *Queries) GetAlertState(ctx context.Context, policyID string) (AlertState, error) {
	const stmt = `
SELECT policy_id, status, severity, source_name, first_seen_at, last_seen_at,
	consecutive_breaches, current_value, threshold, message,
	evaluation_context_json, policy_snapshot_json
FROM preflight_alert_state WHERE policy_id = $1
`
	var s AlertState
	err := q.db.QueryRow(ctx, stmt, policyID).Scan(&s.PolicyID, &s.Status, &s.Severity,
		&s.SourceName, &s.FirstSeenAt, &s.LastSeenAt, &s.ConsecutiveBreaches, &s.CurrentValue,
		&s.Threshold, &s.Message, &s.EvaluationContextJSON, &s.PolicySnapshotJSON)
	if err != nil {
		return AlertState{}, err
	}
	return s, nil
}

// DeleteAlertState removes the AlertState row for a policy (called on
// resolve).
func (q *Queries) DeleteAlertState(ctx context.Context, policyID string) error {
	_, err := q.db.Exec(ctx, `DELETE FROM preflight_alert_state WHERE policy_id = $1`, policyID)
	if err != nil {
		return fmt.Errorf("deleting alert state: %w", err)
	}
	return nil
}

// ListActiveAlertStates returns every policy currently PENDING or FIRING.
func (q *Queries) ListActiveAlertStates(ctx context.Context) ([]AlertState, error) {
	const stmt = `
SELECT policy_id, status, severity, source_name, first_seen_at, last_seen_at,
	consecutive_breaches, current_value, threshold, message,
	evaluation_context_json, policy_snapshot_json
FROM preflight_alert_state ORDER BY last_seen_at DESC
`
	rows, err := q.db.Query(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("listing active alert states: %w", err)
	}
	defer rows.Close()

	var out []AlertState
	for rows.Next() {
		var s AlertState
		if err := rows.Scan(&s.PolicyID, &s.Status, &s.Severity, &s.SourceName, &s.FirstSeenAt,
			&s.LastSeenAt, &s.ConsecutiveBreaches, &s.CurrentValue, &s.Threshold, &s.Message,
			&s.EvaluationContextJSON, &s.PolicySnapshotJSON); err != nil {
			return nil, fmt.Errorf("scanning alert state: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// InsertAlertHistoryParams appends one transition row.
type InsertAlertHistoryParams struct {
	PolicyID              string
	Status                string
	Severity              string
	SourceName            *string
	CurrentValue          float64
	Threshold             float64
	Message               string
	EventAt               time.Time
	EvaluationContextJSON RawJSON
	PolicySnapshotJSON    RawJSON
}

// InsertAlertHistory appends an immutable history row.
func (q *Queries) InsertAlertHistory(ctx context.Context, p InsertAlertHistoryParams) error {
	const stmt = `
INSERT INTO preflight_alert_history (
	policy_id, status, severity, source_name, current_value, threshold, message,
	event_at, evaluation_context_json, policy_snapshot_json
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
`
	_, err := q.db.Exec(ctx, stmt, p.PolicyID, p.Status, p.Severity, p.SourceName,
		p.CurrentValue, p.Threshold, p.Message, p.EventAt,
		jsonOrEmpty(p.EvaluationContextJSON), jsonOrEmpty(p.PolicySnapshotJSON))
	if err != nil {
		return fmt.Errorf("inserting alert history: %w", err)
	}
	return nil
}

// ListAlertHistoryFilter narrows a history listing to one policy and/or a
// bounded count.
type ListAlertHistoryFilter struct {
	PolicyID *string
	Limit    int
}

// ListAlertHistory returns history rows newest-first.
func (q *Queries) ListAlertHistory(ctx context.Context, f ListAlertHistoryFilter) ([]AlertHistoryRow, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	stmt := `
SELECT id, policy_id, status, severity, source_name, current_value, threshold, message,
	event_at, evaluation_context_json, policy_snapshot_json
FROM preflight_alert_history`
	var args []any
	if f.PolicyID != nil {
		stmt += " WHERE policy_id = $1"
		args = append(args, *f.PolicyID)
	}
	stmt += fmt.Sprintf(" ORDER BY event_at DESC LIMIT %d", limit)

	rows, err := q.db.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("listing alert history: %w", err)
	}
	defer rows.Close()

	var out []AlertHistoryRow
	for rows.Next() {
		var h AlertHistoryRow
		if err := rows.Scan(&h.ID, &h.PolicyID, &h.Status, &h.Severity, &h.SourceName,
			&h.CurrentValue, &h.Threshold, &h.Message, &h.EventAt,
			&h.EvaluationContextJSON, &h.PolicySnapshotJSON); err != nil {
			return nil, fmt.Errorf("scanning alert history: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func jsonOrEmpty(r RawJSON) RawJSON {
	if r == nil {
		return RawJSON(`{}`)
	}
	return r
}

// ErrNoRows re-exports pgx.ErrNoRows so callers outside internal/db don't
// need to import pgx directly just to check this sentinel.
var ErrNoRows = pgx.ErrNoRows
