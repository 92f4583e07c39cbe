package db

import (
	"context"
	"fmt"
	"time"
)

// InsertAlertAuditEventParams appends one audit row.
type InsertAlertAuditEventParams struct {
	AlertID     string
	EventType   string
	Actor       string
	EventAt     time.Time
	PayloadJSON RawJSON
}

// InsertAlertAuditEvent appends an audit event row. Callers treat failures
// here as best-effort (never let an audit write failure abort the mutating
// operation it is recording).
func (q *Queries) InsertAlertAuditEvent(ctx context.Context, p InsertAlertAuditEventParams) error {
	const stmt = `
INSERT INTO preflight_alert_audit_event (alert_id, event_type, actor, event_at, payload_json)
VALUES ($1,$2,$3,$4,$5)
`
	_, err := q.db.Exec(ctx, stmt, p.AlertID, p.EventType, p.Actor, p.EventAt, jsonOrEmpty(p.PayloadJSON))
	if err != nil {
		return fmt.Errorf("inserting audit event: %w", err)
	}
	return nil
}

// ListAlertAuditEventsFilter narrows an audit listing.
type ListAlertAuditEventsFilter struct {
	AlertID *string
	Limit   int
}

// ListAlertAuditEvents lists audit rows newest-first.
func (q *Queries) ListAlertAuditEvents(ctx context.Context, f ListAlertAuditEventsFilter) ([]AuditEventRow, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	stmt := `SELECT id, alert_id, event_type, actor, event_at, payload_json FROM preflight_alert_audit_event`
	var args []any
	if f.AlertID != nil {
		stmt += " WHERE alert_id = $1"
		args = append(args, *f.AlertID)
	}
	stmt += fmt.Sprintf(" ORDER BY event_at DESC LIMIT %d", limit)

	rows, err := q.db.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("listing audit events: %w", err)
	}
	defer rows.Close()

	var out []AuditEventRow
	for rows.Next() {
		var a AuditEventRow
		if err := rows.Scan(&a.ID, &a.AlertID, &a.EventType, &a.Actor, &a.EventAt, &a.PayloadJSON); err != nil {
			return nil, fmt.Errorf("scanning audit event: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountAlertAuditEventsByType returns a map of event_type to row count.
func (q *Queries) CountAlertAuditEventsByType(ctx context.Context) (map[string]int64, error) {
	rows, err := q.db.Query(ctx, `SELECT event_type, count(*) FROM preflight_alert_audit_event GROUP BY event_type`)
	if err != nil {
		return nil, fmt.Errorf("counting audit events by type: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var t string
		var n int64
		if err := rows.Scan(&t, &n); err != nil {
			return nil, fmt.Errorf("scanning audit event count: %w", err)
		}
		out[t] = n
	}
	return out, rows.Err()
}
