package db

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// InsertOutboxItemParams is the insert payload for enqueue (§4.6).
type InsertOutboxItemParams struct {
	ID             string
	EventID        string
	DeliveryID     string
	ReplayedFromID *string
	EventType      string
	AlertID        string
	PolicyID       string
	Severity       *string
	SourceName     *string
	PayloadJSON    RawJSON
	ChannelType    string
	ChannelTarget  string
	MaxAttempts    int
	NextRetryAt    time.Time
	CreatedAt      time.Time
}

// InsertOutboxItem inserts a new PENDING outbox row.
func (q *Queries) InsertOutboxItem(ctx context.Context, p InsertOutboxItemParams) error {
	const stmt = `
INSERT INTO preflight_notification_outbox (
	id, event_id, delivery_id, replayed_from_id, event_type, alert_id, policy_id,
	severity, source_name, payload_json, channel_type, channel_target, status,
	attempt_count, max_attempts, next_retry_at, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,'PENDING',0,$13,$14,$15,$15)
`
	_, err := q.db.Exec(ctx, stmt, p.ID, p.EventID, p.DeliveryID, p.ReplayedFromID, p.EventType,
		p.AlertID, p.PolicyID, p.Severity, p.SourceName, jsonOrEmpty(p.PayloadJSON),
		p.ChannelType, p.ChannelTarget, p.MaxAttempts, p.NextRetryAt, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting outbox item: %w", err)
	}
	return nil
}

func scanOutboxItem(row interface {
	Scan(...any) error
}) (OutboxItemRow, error) {
	var o OutboxItemRow
	err := row.Scan(&o.ID, &o.EventID, &o.DeliveryID, &o.ReplayedFromID, &o.EventType,
		&o.AlertID, &o.PolicyID, &o.Severity, &o.SourceName, &o.PayloadJSON, &o.ChannelType,
		&o.ChannelTarget, &o.Status, &o.AttemptCount, &o.MaxAttempts, &o.NextRetryAt,
		&o.LastError, &o.LastHTTPStatus, &o.LastErrorCode, &o.CreatedAt, &o.UpdatedAt, &o.SentAt)
	return o, err
}

const outboxColumns = `id, event_id, delivery_id, replayed_from_id, event_type, alert_id, policy_id,
	severity, source_name, payload_json, channel_type, channel_target, status, attempt_count,
	max_attempts, next_retry_at, last_error, last_http_status, last_error_code, created_at, updated_at, sent_at`

// GetOutboxItem fetches one outbox row by id.
func (q *Queries) GetOutboxItem(ctx context.Context, id string) (OutboxItemRow, error) {
	row := q.db.QueryRow(ctx, "SELECT "+outboxColumns+" FROM preflight_notification_outbox WHERE id = $1", id)
	return scanOutboxItem(row)
}

// ListDueOutboxItems selects PENDING/RETRYING rows due for a send, ordered
// by next_retry_at then created_at, bounded by limit — the dispatcher's
// drain query.
func (q *Queries) ListDueOutboxItems(ctx context.Context, now time.Time, limit int) ([]OutboxItemRow, error) {
	if limit <= 0 {
		limit = 50
	}
	stmt := "SELECT " + outboxColumns + ` FROM preflight_notification_outbox
WHERE status IN ('PENDING','RETRYING') AND next_retry_at <= $1
ORDER BY next_retry_at ASC, created_at ASC LIMIT $2`
	rows, err := q.db.Query(ctx, stmt, now, limit)
	if err != nil {
		return nil, fmt.Errorf("listing due outbox items: %w", err)
	}
	defer rows.Close()

	var out []OutboxItemRow
	for rows.Next() {
		o, err := scanOutboxItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning outbox item: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// MarkOutboxSent transitions an item to SENT; only rows in {PENDING,RETRYING}
// may transition.
func (q *Queries) MarkOutboxSent(ctx context.Context, id string, now time.Time, httpStatus int) error {
	tag, err := q.db.Exec(ctx, `
UPDATE preflight_notification_outbox
SET status = 'SENT', sent_at = $2, updated_at = $2, last_http_status = $3,
	last_error = NULL, last_error_code = NULL
WHERE id = $1 AND status IN ('PENDING','RETRYING')
`, id, now, httpStatus)
	if err != nil {
		return fmt.Errorf("marking outbox sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox item %s not in a retryable state", id)
	}
	return nil
}

// MarkOutboxRetryParams captures the fields set on a retryable failure.
type MarkOutboxRetryParams struct {
	ID          string
	Now         time.Time
	NextRetryAt time.Time
	LastError   string
	HTTPStatus  *int
	ErrorCode   string
}

// MarkOutboxRetry transitions an item to RETRYING, incrementing attempt_count
// and advancing next_retry_at (monotonically, per §5).
func (q *Queries) MarkOutboxRetry(ctx context.Context, p MarkOutboxRetryParams) error {
	tag, err := q.db.Exec(ctx, `
UPDATE preflight_notification_outbox
SET status = 'RETRYING', attempt_count = attempt_count + 1, next_retry_at = $3,
	updated_at = $2, last_error = $4, last_http_status = $5, last_error_code = $6
WHERE id = $1 AND status IN ('PENDING','RETRYING')
`, p.ID, p.Now, p.NextRetryAt, p.LastError, p.HTTPStatus, p.ErrorCode)
	if err != nil {
		return fmt.Errorf("marking outbox retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox item %s not in a retryable state", p.ID)
	}
	return nil
}

// MarkOutboxDeadParams captures the fields set on terminal failure.
type MarkOutboxDeadParams struct {
	ID         string
	Now        time.Time
	LastError  string
	HTTPStatus *int
	ErrorCode  string
}

// MarkOutboxDead transitions an item to the terminal DEAD state, incrementing
// attempt_count.
func (q *Queries) MarkOutboxDead(ctx context.Context, p MarkOutboxDeadParams) error {
	tag, err := q.db.Exec(ctx, `
UPDATE preflight_notification_outbox
SET status = 'DEAD', attempt_count = attempt_count + 1, updated_at = $2,
	last_error = $3, last_http_status = $4, last_error_code = $5
WHERE id = $1 AND status IN ('PENDING','RETRYING')
`, p.ID, p.Now, p.LastError, p.HTTPStatus, p.ErrorCode)
	if err != nil {
		return fmt.Errorf("marking outbox dead: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox item %s not in a retryable state", p.ID)
	}
	return nil
}

// CloneOutboxItemForReplay reads the source row and inserts a fresh row
// carrying the same event_id, a new id/delivery_id, replayed_from_id set to
// the source, status PENDING, attempt_count 0 — §4.6's replay contract.
// The caller supplies the new id/delivery_id/now so the operation is
// deterministic from the repository layer's point of view.
func (q *Queries) CloneOutboxItemForReplay(ctx context.Context, sourceID, newID, newDeliveryID string, now time.Time) (OutboxItemRow, error) {
	src, err := q.GetOutboxItem(ctx, sourceID)
	if err != nil {
		return OutboxItemRow{}, fmt.Errorf("loading replay source: %w", err)
	}
	if !(src.Status == "DEAD" || src.Status == "FAILED" || src.Status == "SENT") {
		return OutboxItemRow{}, fmt.Errorf("outbox item %s in status %s is not replayable", sourceID, src.Status)
	}

	replayedFrom := sourceID
	if err := q.InsertOutboxItem(ctx, InsertOutboxItemParams{
		ID:             newID,
		EventID:        src.EventID,
		DeliveryID:     newDeliveryID,
		ReplayedFromID: &replayedFrom,
		EventType:      src.EventType,
		AlertID:        src.AlertID,
		PolicyID:       src.PolicyID,
		Severity:       src.Severity,
		SourceName:     src.SourceName,
		PayloadJSON:    src.PayloadJSON,
		ChannelType:    src.ChannelType,
		ChannelTarget:  src.ChannelTarget,
		MaxAttempts:    src.MaxAttempts,
		NextRetryAt:    now,
		CreatedAt:      now,
	}); err != nil {
		return OutboxItemRow{}, err
	}
	return q.GetOutboxItem(ctx, newID)
}

// QueryOutboxItemsFilter is the supplemented query surface from
// `query_outbox_items` in the original source: a generalized filter beyond
// listDue, used by the analytics/history endpoints.
type QueryOutboxItemsFilter struct {
	Statuses      []string
	EventType     *string
	ChannelTarget *string
	DateField     string // "created_at" | "updated_at" | "sent_at"
	DateFrom      *time.Time
	DateTo        *time.Time
	Limit         int
}

// QueryOutboxItems lists outbox rows matching an arbitrary filter,
// newest-first by the chosen date field.
func (q *Queries) QueryOutboxItems(ctx context.Context, f QueryOutboxItemsFilter) ([]OutboxItemRow, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	dateField := f.DateField
	switch dateField {
	case "created_at", "updated_at", "sent_at":
	default:
		dateField = "created_at"
	}

	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(f.Statuses) > 0 {
		where = append(where, "status = ANY("+arg(f.Statuses)+")")
	}
	if f.EventType != nil {
		where = append(where, "event_type = "+arg(*f.EventType))
	}
	if f.ChannelTarget != nil {
		where = append(where, "channel_target = "+arg(*f.ChannelTarget))
	}
	if f.DateFrom != nil {
		where = append(where, dateField+" >= "+arg(*f.DateFrom))
	}
	if f.DateTo != nil {
		where = append(where, dateField+" <= "+arg(*f.DateTo))
	}

	stmt := "SELECT " + outboxColumns + " FROM preflight_notification_outbox"
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	stmt += fmt.Sprintf(" ORDER BY %s DESC LIMIT %s", dateField, arg(limit))

	rows, err := q.db.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("querying outbox items: %w", err)
	}
	defer rows.Close()

	var out []OutboxItemRow
	for rows.Next() {
		o, err := scanOutboxItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning outbox item: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
