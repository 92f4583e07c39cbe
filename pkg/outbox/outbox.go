// Package outbox implements the Notification Outbox (C7): an append-only
// writer over C2's outbox table with the controlled status transitions
// §4.6 names (enqueue, listDue, markSent/markRetry/markDead, replay).
package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/wisbric/preflightwatch/internal/apperr"
	"github.com/wisbric/preflightwatch/internal/db"
	"github.com/wisbric/preflightwatch/internal/ids"
)

// Event is the transition-event contract the Alert Engine enqueues through.
type Event struct {
	EventID       string
	EventType     string // ALERT_FIRING | ALERT_RESOLVED
	AlertID       string
	PolicyID      string
	Severity      *string
	SourceName    *string
	Payload       json.RawMessage
	ChannelTarget string
	MaxAttempts   int
}

// AlertFields is §6's documented "alert" object: the webhook wire format's
// fixed field set, in the order the wire format names them.
type AlertFields struct {
	AlertID        string  `json:"alert_id"`
	PolicyID       string  `json:"policy_id"`
	Severity       string  `json:"severity"`
	SourceName     *string `json:"source_name,omitempty"`
	PreviousStatus string  `json:"previous_status"`
	Status         string  `json:"status"`
	CurrentValue   float64 `json:"current_value"`
	Threshold      float64 `json:"threshold"`
	Message        string  `json:"message"`
}

// AlertTransitionPayload is the JSON shape the Alert Engine stores as a
// transition's outbox payload: the fixed "alert" object plus a free-form
// "context" blob, mirroring §6's wire format so the Dispatcher can render
// the envelope directly from the stored payload.
type AlertTransitionPayload struct {
	Alert   AlertFields     `json:"alert"`
	Context json.RawMessage `json:"context,omitempty"`
}

// Outbox wraps the repository layer with §4.6's business rules.
type Outbox struct {
	q     *db.Queries
	clock ids.Clock
}

// New creates an Outbox backed by the given executor.
func New(dbtx db.DBTX, clock ids.Clock) *Outbox {
	return &Outbox{q: db.New(dbtx), clock: clock}
}

// Enqueue inserts a PENDING row ready for immediate dispatch.
func (o *Outbox) Enqueue(ctx context.Context, e Event) error {
	now := o.clock.Now()
	return o.q.InsertOutboxItem(ctx, db.InsertOutboxItemParams{
		ID:            ids.New(),
		EventID:       e.EventID,
		DeliveryID:    ids.New(),
		EventType:     e.EventType,
		AlertID:       e.AlertID,
		PolicyID:      e.PolicyID,
		Severity:      e.Severity,
		SourceName:    e.SourceName,
		PayloadJSON:   e.Payload,
		ChannelType:   "webhook",
		ChannelTarget: e.ChannelTarget,
		MaxAttempts:   e.MaxAttempts,
		NextRetryAt:   now,
		CreatedAt:     now,
	})
}

// ListDue drains up to limit rows ready for the dispatcher to pick up.
func (o *Outbox) ListDue(ctx context.Context, limit int) ([]db.OutboxItemRow, error) {
	return o.q.ListDueOutboxItems(ctx, o.clock.Now(), limit)
}

// MarkSent transitions an item to SENT.
func (o *Outbox) MarkSent(ctx context.Context, id string, httpStatus int) error {
	return o.q.MarkOutboxSent(ctx, id, o.clock.Now(), httpStatus)
}

// MarkRetry transitions an item to RETRYING with the given backoff target.
func (o *Outbox) MarkRetry(ctx context.Context, id string, nextRetryAt time.Time, lastError string, httpStatus *int, errorCode string) error {
	return o.q.MarkOutboxRetry(ctx, db.MarkOutboxRetryParams{
		ID: id, Now: o.clock.Now(), NextRetryAt: nextRetryAt,
		LastError: lastError, HTTPStatus: httpStatus, ErrorCode: errorCode,
	})
}

// MarkDead transitions an item to the terminal DEAD state.
func (o *Outbox) MarkDead(ctx context.Context, id string, lastError string, httpStatus *int, errorCode string) error {
	return o.q.MarkOutboxDead(ctx, db.MarkOutboxDeadParams{
		ID: id, Now: o.clock.Now(), LastError: lastError, HTTPStatus: httpStatus, ErrorCode: errorCode,
	})
}

// Replay clones a DEAD/FAILED/SENT row into a fresh PENDING row, per §4.6.
func (o *Outbox) Replay(ctx context.Context, sourceID string) (db.OutboxItemRow, error) {
	row, err := o.q.CloneOutboxItemForReplay(ctx, sourceID, ids.New(), ids.New(), o.clock.Now())
	if err != nil {
		return db.OutboxItemRow{}, apperr.Payload("%v", err)
	}
	return row, nil
}

// ReplayDead replays every currently DEAD row, returning the new rows.
func (o *Outbox) ReplayDead(ctx context.Context, limit int) ([]db.OutboxItemRow, error) {
	dead, err := o.q.QueryOutboxItems(ctx, db.QueryOutboxItemsFilter{
		Statuses: []string{"DEAD"}, Limit: limit,
	})
	if err != nil {
		return nil, apperr.Internal(err, "listing dead outbox items")
	}

	var out []db.OutboxItemRow
	for _, d := range dead {
		row, err := o.Replay(ctx, d.ID)
		if err != nil {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

// Get fetches a single outbox row by id.
func (o *Outbox) Get(ctx context.Context, id string) (db.OutboxItemRow, error) {
	row, err := o.q.GetOutboxItem(ctx, id)
	if err != nil {
		return db.OutboxItemRow{}, apperr.NotFound("no outbox item %q", id)
	}
	return row, nil
}

// Query lists outbox rows through the supplemented generalized filter.
func (o *Outbox) Query(ctx context.Context, f db.QueryOutboxItemsFilter) ([]db.OutboxItemRow, error) {
	rows, err := o.q.QueryOutboxItems(ctx, f)
	if err != nil {
		return nil, apperr.Internal(err, "querying outbox items")
	}
	return rows, nil
}
