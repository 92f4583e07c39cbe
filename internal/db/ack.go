package db

import (
	"context"
	"fmt"
	"time"
)

// AcknowledgeAlertParams upserts the single active acknowledgement row for
// an alert.
type AcknowledgeAlertParams struct {
	AlertID        string
	AcknowledgedBy string
	AcknowledgedAt time.Time
	Note           *string
}

// AcknowledgeAlert inserts or replaces the acknowledgement for alertID,
// clearing any prior cleared_at.
func (q *Queries) AcknowledgeAlert(ctx context.Context, p AcknowledgeAlertParams) error {
	const stmt = `
INSERT INTO preflight_alert_acknowledgement (alert_id, acknowledged_by, acknowledged_at, note, cleared_at)
VALUES ($1,$2,$3,$4,NULL)
ON CONFLICT (alert_id) DO UPDATE SET
	acknowledged_by = EXCLUDED.acknowledged_by,
	acknowledged_at = EXCLUDED.acknowledged_at,
	note = EXCLUDED.note,
	cleared_at = NULL
`
	_, err := q.db.Exec(ctx, stmt, p.AlertID, p.AcknowledgedBy, p.AcknowledgedAt, p.Note)
	if err != nil {
		return fmt.Errorf("acknowledging alert: %w", err)
	}
	return nil
}

// UnacknowledgeAlert marks the acknowledgement for alertID cleared.
func (q *Queries) UnacknowledgeAlert(ctx context.Context, alertID string, now time.Time) error {
	_, err := q.db.Exec(ctx, `
UPDATE preflight_alert_acknowledgement SET cleared_at = $2
WHERE alert_id = $1 AND cleared_at IS NULL
`, alertID, now)
	if err != nil {
		return fmt.Errorf("unacknowledging alert: %w", err)
	}
	return nil
}

// GetAlertAcknowledgement returns the acknowledgement row for alertID, if
// any (cleared or not).
func (q *Queries) GetAlertAcknowledgement(ctx context.Context, alertID string) (AcknowledgementRow, error) {
	const stmt = `
SELECT alert_id, acknowledged_by, acknowledged_at, note, cleared_at
FROM preflight_alert_acknowledgement WHERE alert_id = $1
`
	var a AcknowledgementRow
	err := q.db.QueryRow(ctx, stmt, alertID).Scan(&a.AlertID, &a.AcknowledgedBy,
		&a.AcknowledgedAt, &a.Note, &a.ClearedAt)
	if err != nil {
		return AcknowledgementRow{}, err
	}
	return a, nil
}

// ListActiveAcknowledgements returns every acknowledgement not yet cleared.
func (q *Queries) ListActiveAcknowledgements(ctx context.Context) ([]AcknowledgementRow, error) {
	const stmt = `
SELECT alert_id, acknowledged_by, acknowledged_at, note, cleared_at
FROM preflight_alert_acknowledgement WHERE cleared_at IS NULL
`
	rows, err := q.db.Query(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("listing active acknowledgements: %w", err)
	}
	defer rows.Close()

	var out []AcknowledgementRow
	for rows.Next() {
		var a AcknowledgementRow
		if err := rows.Scan(&a.AlertID, &a.AcknowledgedBy, &a.AcknowledgedAt, &a.Note, &a.ClearedAt); err != nil {
			return nil, fmt.Errorf("scanning acknowledgement: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
