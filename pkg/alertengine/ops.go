package alertengine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/wisbric/preflightwatch/internal/apperr"
	"github.com/wisbric/preflightwatch/internal/db"
	"github.com/wisbric/preflightwatch/internal/ids"
)

// CreateSilenceInput is createSilence's payload.
type CreateSilenceInput struct {
	PolicyID   *string
	SourceName *string
	Severity   *string
	RuleID     *string
	StartsAt   time.Time
	EndsAt     time.Time
	Reason     string
	CreatedBy  string
}

// CreateSilence inserts a new silence and audit-logs the action.
func (e *Engine) CreateSilence(ctx context.Context, in CreateSilenceInput) (string, error) {
	if !in.EndsAt.After(in.StartsAt) {
		return "", apperr.Payload("ends_at must be after starts_at")
	}

	id := ids.New()
	now := e.clock.Now()
	q := db.New(e.pool)
	if err := q.CreateSilence(ctx, db.CreateSilenceParams{
		ID: id, PolicyID: in.PolicyID, SourceName: in.SourceName, Severity: in.Severity,
		RuleID: in.RuleID, StartsAt: in.StartsAt, EndsAt: in.EndsAt, Reason: in.Reason,
		CreatedBy: in.CreatedBy, CreatedAt: now,
	}); err != nil {
		return "", apperr.Internal(err, "creating silence")
	}

	alertID := ""
	if in.PolicyID != nil {
		alertID = *in.PolicyID
	}
	e.appendAuditEvent(alertID, "SILENCED", in.CreatedBy, mustJSON(map[string]any{"silence_id": id, "reason": in.Reason}))

	return id, nil
}

// ExpireSilence marks a silence expired and audit-logs the action.
func (e *Engine) ExpireSilence(ctx context.Context, id, actor string) error {
	q := db.New(e.pool)
	s, err := q.GetSilence(ctx, id)
	if err != nil {
		return apperr.NotFound("no silence %q", id)
	}
	if err := q.ExpireSilence(ctx, id, e.clock.Now()); err != nil {
		return apperr.Internal(err, "expiring silence")
	}

	alertID := ""
	if s.PolicyID != nil {
		alertID = *s.PolicyID
	}
	e.appendAuditEvent(alertID, "UNSILENCED", actor, mustJSON(map[string]any{"silence_id": id}))
	return nil
}

// ListSilences lists silences through the repository's filter.
func (e *Engine) ListSilences(ctx context.Context, f db.ListSilencesFilter) ([]db.SilenceRow, error) {
	rows, err := db.New(e.pool).ListSilences(ctx, f)
	if err != nil {
		return nil, apperr.Internal(err, "listing silences")
	}
	return rows, nil
}

// AcknowledgeAlert records an acknowledgement for alertID (= policy_id).
func (e *Engine) AcknowledgeAlert(ctx context.Context, alertID, actor string, note *string) error {
	q := db.New(e.pool)
	if err := q.AcknowledgeAlert(ctx, db.AcknowledgeAlertParams{
		AlertID: alertID, AcknowledgedBy: actor, AcknowledgedAt: e.clock.Now(), Note: note,
	}); err != nil {
		return apperr.Internal(err, "acknowledging alert")
	}
	e.appendAuditEvent(alertID, "ACKED", actor, mustJSON(map[string]any{"note": note}))
	return nil
}

// UnacknowledgeAlert clears the active acknowledgement for alertID.
func (e *Engine) UnacknowledgeAlert(ctx context.Context, alertID, actor string) error {
	q := db.New(e.pool)
	if err := q.UnacknowledgeAlert(ctx, alertID, e.clock.Now()); err != nil {
		return apperr.Internal(err, "unacknowledging alert")
	}
	e.appendAuditEvent(alertID, "UNACKED", actor, mustJSON(map[string]any{}))
	return nil
}

// ListActiveAlerts returns every policy currently PENDING or FIRING.
func (e *Engine) ListActiveAlerts(ctx context.Context) ([]db.AlertState, error) {
	rows, err := db.New(e.pool).ListActiveAlertStates(ctx)
	if err != nil {
		return nil, apperr.Internal(err, "listing active alert states")
	}
	return rows, nil
}

// ListAuditEvents lists audit events through the repository's filter.
func (e *Engine) ListAuditEvents(ctx context.Context, f db.ListAlertAuditEventsFilter) ([]db.AuditEventRow, error) {
	rows, err := db.New(e.pool).ListAlertAuditEvents(ctx, f)
	if err != nil {
		return nil, apperr.Internal(err, "listing audit events")
	}
	return rows, nil
}

// CountAuditEventsByType powers the `?summary=counts` query mode.
func (e *Engine) CountAuditEventsByType(ctx context.Context) (map[string]int64, error) {
	counts, err := db.New(e.pool).CountAlertAuditEventsByType(ctx)
	if err != nil {
		return nil, apperr.Internal(err, "counting audit events")
	}
	return counts, nil
}

// ListAlertHistory lists history rows through the repository's filter.
func (e *Engine) ListAlertHistory(ctx context.Context, f db.ListAlertHistoryFilter) ([]db.AlertHistoryRow, error) {
	rows, err := db.New(e.pool).ListAlertHistory(ctx, f)
	if err != nil {
		return nil, apperr.Internal(err, "listing alert history")
	}
	return rows, nil
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
