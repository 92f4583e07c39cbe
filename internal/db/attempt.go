package db

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// InsertDeliveryAttemptStartedParams is the payload for the ledger row
// written before any HTTP call is issued (§4.7 step 4).
type InsertDeliveryAttemptStartedParams struct {
	AttemptID     string
	OutboxItemID  string
	EventID       *string
	DeliveryID    *string
	ChannelTarget string
	EventType     string
	AttemptNumber int
	StartedAt     time.Time
}

// InsertDeliveryAttemptStarted inserts a STARTED ledger row.
func (q *Queries) InsertDeliveryAttemptStarted(ctx context.Context, p InsertDeliveryAttemptStartedParams) error {
	const stmt = `
INSERT INTO preflight_notification_delivery_attempt (
	attempt_id, outbox_item_id, event_id, delivery_id, channel_target, event_type,
	attempt_number, attempt_status, started_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,'STARTED',$8)
`
	_, err := q.db.Exec(ctx, stmt, p.AttemptID, p.OutboxItemID, p.EventID, p.DeliveryID,
		p.ChannelTarget, p.EventType, p.AttemptNumber, p.StartedAt)
	if err != nil {
		return fmt.Errorf("inserting delivery attempt: %w", err)
	}
	return nil
}

// CompleteDeliveryAttemptParams finalizes a previously STARTED ledger row.
type CompleteDeliveryAttemptParams struct {
	AttemptID        string
	AttemptStatus    string // SENT | RETRY | DEAD | FAILED
	CompletedAt      time.Time
	HTTPStatus       *int
	ErrorCode        *string
	ErrorMessageSafe *string
}

// CompleteDeliveryAttempt finalizes a ledger row; duration_ms is computed
// from the row's own started_at, matching the original's
// complete_delivery_attempt semantics.
func (q *Queries) CompleteDeliveryAttempt(ctx context.Context, p CompleteDeliveryAttemptParams) error {
	const stmt = `
UPDATE preflight_notification_delivery_attempt
SET attempt_status = $2, completed_at = $3,
	duration_ms = GREATEST(0, EXTRACT(EPOCH FROM ($3 - started_at)) * 1000)::bigint,
	http_status = $4, error_code = $5, error_message_safe = $6
WHERE attempt_id = $1
`
	_, err := q.db.Exec(ctx, stmt, p.AttemptID, p.AttemptStatus, p.CompletedAt,
		p.HTTPStatus, p.ErrorCode, p.ErrorMessageSafe)
	if err != nil {
		return fmt.Errorf("completing delivery attempt: %w", err)
	}
	return nil
}

const attemptColumns = `attempt_id, outbox_item_id, event_id, delivery_id, channel_target, event_type,
	attempt_number, attempt_status, started_at, completed_at, duration_ms, http_status, error_code, error_message_safe`

func scanAttempt(row interface{ Scan(...any) error }) (DeliveryAttemptRow, error) {
	var a DeliveryAttemptRow
	err := row.Scan(&a.AttemptID, &a.OutboxItemID, &a.EventID, &a.DeliveryID, &a.ChannelTarget,
		&a.EventType, &a.AttemptNumber, &a.AttemptStatus, &a.StartedAt, &a.CompletedAt,
		&a.DurationMs, &a.HTTPStatus, &a.ErrorCode, &a.ErrorMessageSafe)
	return a, err
}

// GetDeliveryAttempt fetches one ledger row by id.
func (q *Queries) GetDeliveryAttempt(ctx context.Context, attemptID string) (DeliveryAttemptRow, error) {
	row := q.db.QueryRow(ctx, "SELECT "+attemptColumns+" FROM preflight_notification_delivery_attempt WHERE attempt_id = $1", attemptID)
	return scanAttempt(row)
}

// LastAttemptNumber returns the highest attempt_number recorded for an
// outbox item, or 0 if none exist yet.
func (q *Queries) LastAttemptNumber(ctx context.Context, outboxItemID string) (int, error) {
	var n *int
	err := q.db.QueryRow(ctx, `
SELECT max(attempt_number) FROM preflight_notification_delivery_attempt WHERE outbox_item_id = $1
`, outboxItemID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("fetching last attempt number: %w", err)
	}
	if n == nil {
		return 0, nil
	}
	return *n, nil
}

// QueryDeliveryAttemptsFilter narrows the ledger listing surface.
type QueryDeliveryAttemptsFilter struct {
	OutboxItemID  *string
	ChannelTarget *string
	EventType     *string
	AttemptStatus []string
	DateFrom      *time.Time
	DateTo        *time.Time
	Limit         int
}

// QueryDeliveryAttempts lists ledger rows, newest-first by started_at.
func (q *Queries) QueryDeliveryAttempts(ctx context.Context, f QueryDeliveryAttemptsFilter) ([]DeliveryAttemptRow, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.OutboxItemID != nil {
		where = append(where, "outbox_item_id = "+arg(*f.OutboxItemID))
	}
	if f.ChannelTarget != nil {
		where = append(where, "channel_target = "+arg(*f.ChannelTarget))
	}
	if f.EventType != nil {
		where = append(where, "event_type = "+arg(*f.EventType))
	}
	if len(f.AttemptStatus) > 0 {
		where = append(where, "attempt_status = ANY("+arg(f.AttemptStatus)+")")
	}
	if f.DateFrom != nil {
		where = append(where, "started_at >= "+arg(*f.DateFrom))
	}
	if f.DateTo != nil {
		where = append(where, "started_at <= "+arg(*f.DateTo))
	}

	stmt := "SELECT " + attemptColumns + " FROM preflight_notification_delivery_attempt"
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	stmt += fmt.Sprintf(" ORDER BY started_at DESC LIMIT %s", arg(limit))

	rows, err := q.db.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("querying delivery attempts: %w", err)
	}
	defer rows.Close()

	var out []DeliveryAttemptRow
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning delivery attempt: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListOrphanedStartedAttempts returns STARTED rows older than cutoff, for
// the scheduler's orphaned-attempt reaper.
func (q *Queries) ListOrphanedStartedAttempts(ctx context.Context, cutoff time.Time) ([]DeliveryAttemptRow, error) {
	rows, err := q.db.Query(ctx, "SELECT "+attemptColumns+` FROM preflight_notification_delivery_attempt
WHERE attempt_status = 'STARTED' AND started_at < $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("listing orphaned attempts: %w", err)
	}
	defer rows.Close()

	var out []DeliveryAttemptRow
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning orphaned attempt: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
