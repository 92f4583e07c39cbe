// Package alertengine implements the Alert Engine (C6): per-policy metric
// computation over a rolling preflight window, the OK→PENDING→FIRING→RESOLVED
// state machine, the silence/acknowledgement overlay, and the transition
// events it hands off to the Notification Outbox.
package alertengine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/preflightwatch/internal/apperr"
	"github.com/wisbric/preflightwatch/internal/audit"
	"github.com/wisbric/preflightwatch/internal/db"
	"github.com/wisbric/preflightwatch/internal/ids"
	"github.com/wisbric/preflightwatch/internal/telemetry"
	"github.com/wisbric/preflightwatch/pkg/artifact"
	"github.com/wisbric/preflightwatch/pkg/outbox"
	"github.com/wisbric/preflightwatch/pkg/policy"
	"github.com/wisbric/preflightwatch/pkg/registry"
)

// Engine evaluates alert policies against the preflight registry and owns
// every table §3 assigns to "the Alert Engine": AlertState, AlertHistory,
// and (via the serialised audit writer) AuditEvent.
type Engine struct {
	pool     *pgxpool.Pool
	reg      *registry.Registry
	gw       *artifact.Gateway
	outbox   *outbox.Outbox
	auditLog *audit.Writer
	clock    ids.Clock
	logger   *slog.Logger
}

// New creates an Alert Engine.
func New(pool *pgxpool.Pool, reg *registry.Registry, gw *artifact.Gateway, ob *outbox.Outbox, auditLog *audit.Writer, clock ids.Clock, logger *slog.Logger) *Engine {
	return &Engine{pool: pool, reg: reg, gw: gw, outbox: ob, auditLog: auditLog, clock: clock, logger: logger}
}

// EvaluationResult is the per-policy outcome returned from a tick, after
// the ack/silence overlay is applied.
type EvaluationResult struct {
	PolicyID      string  `json:"policy_id"`
	Status        string  `json:"status"` // OK | PENDING | FIRING
	ConditionMet  bool    `json:"condition_met"`
	CurrentValue  float64 `json:"current_value"`
	Threshold     float64 `json:"threshold"`
	Silenced      bool    `json:"silenced"`
	Acknowledged  bool    `json:"acknowledged"`
}

// RunEvaluation evaluates every policy, in order, against the current
// preflight registry and applies the resulting state transitions. actor
// identifies the caller for audit purposes (e.g. "scheduler" or a bearer
// token subject for a manual /alerts/evaluate call).
func (e *Engine) RunEvaluation(ctx context.Context, actor string, policies []policy.AlertPolicy, channels []policy.NotificationChannel) ([]EvaluationResult, error) {
	if _, err := e.ExpireElapsedSilences(ctx); err != nil {
		e.logger.Warn("expiring elapsed silences before evaluation", "error", err)
	}

	results := make([]EvaluationResult, 0, len(policies))
	for _, p := range policies {
		res, err := e.evaluatePolicy(ctx, actor, p, channels)
		if err != nil {
			e.logger.Error("evaluating policy", "policy_id", p.ID, "error", err)
			continue
		}
		results = append(results, e.overlay(ctx, p, res))
	}
	return results, nil
}

// evaluatePolicy implements §4.5 steps 1-6 for a single policy.
func (e *Engine) evaluatePolicy(ctx context.Context, actor string, p policy.AlertPolicy, channels []policy.NotificationChannel) (EvaluationResult, error) {
	if !p.Enabled {
		return e.handleDisabledPolicy(ctx, actor, p, channels)
	}

	now := e.clock.Now()
	from := now.AddDate(0, 0, -p.WindowDays)

	records, err := e.reg.WindowRecords(ctx, from, now, p.SourceName)
	if err != nil {
		return EvaluationResult{}, fmt.Errorf("loading window records: %w", err)
	}

	value, err := computeMetric(p.MetricType, records, p.RuleID, func(rec db.PreflightRun) []semanticRuleResult {
		return e.loadSemanticRules(rec)
	})
	if err != nil {
		return EvaluationResult{}, fmt.Errorf("computing metric: %w", err)
	}

	conditionMet := evaluateOperator(p.Operator, value, p.Threshold)

	existing, existingErr := db.New(e.pool).GetAlertState(ctx, p.ID)
	hasExisting := existingErr == nil

	snapshot, _ := json.Marshal(p)
	evalCtx, _ := json.Marshal(map[string]any{
		"window_days":  p.WindowDays,
		"record_count": len(records),
		"metric_type":  p.MetricType,
	})

	result := EvaluationResult{PolicyID: p.ID, ConditionMet: conditionMet, CurrentValue: value, Threshold: p.Threshold, Status: "OK"}

	if conditionMet {
		consecutive := 1
		firstSeen := now
		if hasExisting && (existing.Status == "PENDING" || existing.Status == "FIRING") {
			consecutive = existing.ConsecutiveBreaches + 1
			firstSeen = existing.FirstSeenAt
		}

		newStatus := "PENDING"
		if consecutive >= p.PendingEvaluations {
			newStatus = "FIRING"
		}
		result.Status = newStatus

		message := fmt.Sprintf("%s %s %s (observed %.4f, threshold %.4f)", p.MetricType, p.Operator, formatThreshold(p.Threshold), value, p.Threshold)

		err := db.BeginFunc(ctx, e.pool, func(q *db.Queries) error {
			if err := q.UpsertAlertState(ctx, db.UpsertAlertStateParams{
				PolicyID: p.ID, Status: newStatus, Severity: p.Severity, SourceName: p.SourceName,
				FirstSeenAt: firstSeen, LastSeenAt: now, ConsecutiveBreaches: consecutive,
				CurrentValue: value, Threshold: p.Threshold, Message: message,
				EvaluationContextJSON: evalCtx, PolicySnapshotJSON: snapshot,
			}); err != nil {
				return err
			}

			if !hasExisting || existing.Status != newStatus {
				if err := q.InsertAlertHistory(ctx, db.InsertAlertHistoryParams{
					PolicyID: p.ID, Status: newStatus, Severity: p.Severity, SourceName: p.SourceName,
					CurrentValue: value, Threshold: p.Threshold, Message: message, EventAt: now,
					EvaluationContextJSON: evalCtx, PolicySnapshotJSON: snapshot,
				}); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return EvaluationResult{}, fmt.Errorf("writing alert state transition: %w", err)
		}

		previousStatus := "OK"
		if hasExisting {
			previousStatus = existing.Status
		}

		switch {
		case (!hasExisting || existing.Status != "FIRING") && newStatus == "FIRING":
			e.enqueueTransition(ctx, "ALERT_FIRING", p, previousStatus, newStatus, value, message, channels)
			e.appendAuditEvent(p.ID, "FIRING", actor, evalCtx)
		case hasExisting && existing.Status == "FIRING" && newStatus == "FIRING":
			// Repeated FIRING→FIRING: the at-most-once-per-transition
			// invariant means no new notification is enqueued.
			telemetry.AlertsDeduplicatedTotal.Inc()
		case newStatus == "PENDING" && (!hasExisting || existing.Status != "PENDING"):
			e.appendAuditEvent(p.ID, "PENDING", actor, evalCtx)
		}
	} else {
		result.Status = "OK"
		if hasExisting && (existing.Status == "PENDING" || existing.Status == "FIRING") {
			message := fmt.Sprintf("%s no longer meets condition %s %s", p.MetricType, p.Operator, formatThreshold(p.Threshold))
			wasFiring := existing.Status == "FIRING"

			err := db.BeginFunc(ctx, e.pool, func(q *db.Queries) error {
				if err := q.InsertAlertHistory(ctx, db.InsertAlertHistoryParams{
					PolicyID: p.ID, Status: "RESOLVED", Severity: p.Severity, SourceName: p.SourceName,
					CurrentValue: value, Threshold: p.Threshold, Message: message, EventAt: now,
					EvaluationContextJSON: evalCtx, PolicySnapshotJSON: snapshot,
				}); err != nil {
					return err
				}
				return q.DeleteAlertState(ctx, p.ID)
			})
			if err != nil {
				return EvaluationResult{}, fmt.Errorf("resolving alert state: %w", err)
			}

			if wasFiring {
				e.enqueueTransition(ctx, "ALERT_RESOLVED", p, existing.Status, "RESOLVED", value, message, channels)
			}
			e.appendAuditEvent(p.ID, "RESOLVED", actor, evalCtx)
		}
	}

	e.appendAuditEvent(p.ID, "EVALUATED", actor, evalCtx)
	return result, nil
}

// handleDisabledPolicy implements SPEC_FULL.md's decision #2: a disabled
// policy with an open AlertState row is resolved exactly once, then skipped.
func (e *Engine) handleDisabledPolicy(ctx context.Context, actor string, p policy.AlertPolicy, channels []policy.NotificationChannel) (EvaluationResult, error) {
	existing, err := db.New(e.pool).GetAlertState(ctx, p.ID)
	if err != nil {
		return EvaluationResult{PolicyID: p.ID, Status: "OK"}, nil
	}

	now := e.clock.Now()
	snapshot, _ := json.Marshal(p)
	wasFiring := existing.Status == "FIRING"

	txErr := db.BeginFunc(ctx, e.pool, func(q *db.Queries) error {
		if err := q.InsertAlertHistory(ctx, db.InsertAlertHistoryParams{
			PolicyID: p.ID, Status: "RESOLVED", Severity: existing.Severity, SourceName: existing.SourceName,
			CurrentValue: existing.CurrentValue, Threshold: existing.Threshold,
			Message: "policy disabled while alert was open", EventAt: now,
			EvaluationContextJSON: json.RawMessage(`{"reason":"policy_disabled"}`), PolicySnapshotJSON: snapshot,
		}); err != nil {
			return err
		}
		return q.DeleteAlertState(ctx, p.ID)
	})
	if txErr != nil {
		return EvaluationResult{}, fmt.Errorf("resolving disabled policy's alert state: %w", txErr)
	}

	if wasFiring {
		e.enqueueTransition(ctx, "ALERT_RESOLVED", p, existing.Status, "RESOLVED", existing.CurrentValue, "policy disabled while alert was open", channels)
	}
	e.appendAuditEvent(p.ID, "RESOLVED", actor, json.RawMessage(`{"reason":"policy_disabled"}`))

	return EvaluationResult{PolicyID: p.ID, Status: "OK"}, nil
}

// enqueueTransition implements §4.5 step 5: one OutboxItem per channel
// enabled for eventType, all sharing a single event_id for the transition.
// previousStatus, status, and message populate §6's documented "alert"
// wire fields; everything else goes into the payload's free-form "context".
func (e *Engine) enqueueTransition(ctx context.Context, eventType string, p policy.AlertPolicy, previousStatus, status string, value float64, message string, channels []policy.NotificationChannel) {
	eventID := ids.New()
	evalContext, _ := json.Marshal(map[string]any{
		"metric_type": p.MetricType,
		"description": p.Description,
	})
	payload, _ := json.Marshal(outbox.AlertTransitionPayload{
		Alert: outbox.AlertFields{
			AlertID:        p.ID,
			PolicyID:       p.ID,
			Severity:       p.Severity,
			SourceName:     p.SourceName,
			PreviousStatus: previousStatus,
			Status:         status,
			CurrentValue:   value,
			Threshold:      p.Threshold,
			Message:        message,
		},
		Context: evalContext,
	})

	for _, ch := range channels {
		if !ch.Enabled || ch.Misconfigured() || !ch.SupportsEvent(eventType) {
			continue
		}
		severity := p.Severity
		err := e.outbox.Enqueue(ctx, outbox.Event{
			EventID: eventID, EventType: eventType, AlertID: p.ID, PolicyID: p.ID,
			Severity: &severity, SourceName: p.SourceName, Payload: payload,
			ChannelTarget: ch.ID, MaxAttempts: ch.MaxAttempts,
		})
		if err != nil {
			e.logger.Error("enqueueing outbox transition", "error", err, "policy_id", p.ID, "channel", ch.ID, "event_type", eventType)
		}
	}
}

func (e *Engine) appendAuditEvent(policyID, eventType, actor string, payload json.RawMessage) {
	e.auditLog.Log(audit.Entry{
		AlertID: policyID, EventType: eventType, Actor: actor, EventAt: e.clock.Now(), Payload: payload,
	})
}

// loadSemanticRules loads a record's semantic artifact via the Artifact
// Gateway and extracts its "rules" array for rule-based metrics. Failures
// are treated as "no rule observations for this record" rather than
// aborting the whole evaluation.
func (e *Engine) loadSemanticRules(rec db.PreflightRun) []semanticRuleResult {
	obj, err := e.gw.LoadJSON(rec, artifact.KindSemantic)
	if err != nil {
		return nil
	}
	rawRules, ok := obj["rules"].([]any)
	if !ok {
		return nil
	}

	out := make([]semanticRuleResult, 0, len(rawRules))
	for _, r := range rawRules {
		m, ok := r.(map[string]any)
		if !ok {
			continue
		}
		ruleID, _ := m["rule_id"].(string)
		status, _ := m["status"].(string)
		if ruleID == "" {
			continue
		}
		out = append(out, semanticRuleResult{RuleID: ruleID, Status: status})
	}
	return out
}

func formatThreshold(t float64) string {
	return fmt.Sprintf("%.4f", t)
}

// ExpireElapsedSilences bulk-expires silences whose window has ended;
// idempotent, called both from evaluation ticks and read paths.
func (e *Engine) ExpireElapsedSilences(ctx context.Context) (int64, error) {
	n, err := db.New(e.pool).ExpireElapsedSilences(ctx, e.clock.Now())
	if err != nil {
		return 0, apperr.Internal(err, "expiring elapsed silences")
	}
	return n, nil
}

// overlay decorates a result with the current ack/silence status for its
// policy's open alert, per §4.5 step 7.
func (e *Engine) overlay(ctx context.Context, p policy.AlertPolicy, res EvaluationResult) EvaluationResult {
	if res.Status == "OK" {
		return res
	}

	q := db.New(e.pool)

	state, err := q.GetAlertState(ctx, p.ID)
	if err == nil {
		silences, serr := q.ListSilences(ctx, db.ListSilencesFilter{ActiveOnly: true, Now: e.clock.Now(), Limit: 500})
		if serr == nil {
			for _, s := range silences {
				if silenceMatches(s, p.ID, state.SourceName, state.Severity, p.RuleID) {
					res.Silenced = true
					break
				}
			}
		}
	}

	if ack, aerr := q.GetAlertAcknowledgement(ctx, p.ID); aerr == nil && ack.ClearedAt == nil {
		res.Acknowledged = true
	}

	return res
}

// silenceMatches implements §4.5's silence matching rule: every non-null
// filter field on s must match, with source_name/severity compared
// case-insensitively and missing fields acting as wildcards.
func silenceMatches(s db.SilenceRow, policyID string, sourceName *string, severity string, ruleID *string) bool {
	if s.PolicyID != nil && *s.PolicyID != policyID {
		return false
	}
	if s.SourceName != nil {
		if sourceName == nil || !strings.EqualFold(*s.SourceName, *sourceName) {
			return false
		}
	}
	if s.Severity != nil && !strings.EqualFold(*s.Severity, severity) {
		return false
	}
	if s.RuleID != nil {
		if ruleID == nil || *s.RuleID != *ruleID {
			return false
		}
	}
	return true
}

