// Package dispatcher implements the Notification Dispatcher (C8): it drains
// due outbox items, signs and POSTs each as a webhook, and records the
// outcome in both the outbox row and an immutable delivery-attempt ledger.
package dispatcher

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wisbric/preflightwatch/internal/apperr"
	"github.com/wisbric/preflightwatch/internal/db"
	"github.com/wisbric/preflightwatch/internal/ids"
	"github.com/wisbric/preflightwatch/internal/telemetry"
	"github.com/wisbric/preflightwatch/pkg/outbox"
	"github.com/wisbric/preflightwatch/pkg/policy"
)

const maxErrorMessageLen = 512

// maxBackoff caps the exponential retry schedule at 24 hours.
const maxBackoff = 24 * time.Hour

// channelResolver looks up a notification channel by target id. The
// Dispatcher is handed a fresh snapshot on every tick so an operator
// editing the channel YAML takes effect without a restart.
type channelResolver func(target string) (policy.NotificationChannel, bool)

// Dispatcher drains the outbox and delivers webhook notifications.
type Dispatcher struct {
	q          *db.Queries
	ob         *outbox.Outbox
	clock      ids.Clock
	logger     *slog.Logger
	httpClient *http.Client
}

// New creates a Dispatcher backed by the given executor.
func New(dbtx db.DBTX, ob *outbox.Outbox, clock ids.Clock, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		q:      db.New(dbtx),
		ob:     ob,
		clock:  clock,
		logger: logger,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Run drains up to limit due items, resolving each item's channel from
// channels. Failures delivering one item never abort the batch.
func (d *Dispatcher) Run(ctx context.Context, channels []policy.NotificationChannel, limit int) (attempted int, err error) {
	resolve := func(target string) (policy.NotificationChannel, bool) {
		for _, c := range channels {
			if c.ID == target {
				return c, true
			}
		}
		return policy.NotificationChannel{}, false
	}

	items, err := d.ob.ListDue(ctx, limit)
	if err != nil {
		return 0, apperr.Internal(err, "listing due outbox items")
	}

	for _, item := range items {
		d.deliverOne(ctx, item, resolve)
		attempted++
	}
	return attempted, nil
}

// deliverOne resolves the channel, performs the signed POST (or fails fast
// on a misconfigured channel), and finalizes both the outbox row and the
// attempt ledger. Errors are logged and swallowed — the caller moves on to
// the next item.
func (d *Dispatcher) deliverOne(ctx context.Context, item db.OutboxItemRow, resolve channelResolver) {
	logger := d.logger.With(
		"event_id", item.EventID, "delivery_id", item.DeliveryID,
		"outbox_item_id", item.ID, "channel_target", item.ChannelTarget,
		"event_type", item.EventType,
	)

	channel, ok := resolve(item.ChannelTarget)
	if !ok || channel.Type != "webhook" || !channel.Enabled {
		d.finalizeDead(ctx, item, logger, "CHANNEL_UNAVAILABLE", "channel is disabled or no longer configured", nil)
		return
	}
	if channel.Misconfigured() {
		d.finalizeDead(ctx, item, logger, "CHANNEL_TARGET_MISSING", "channel has no resolved target URL", nil)
		return
	}

	attemptNumber := item.AttemptCount + 1
	attemptID := ids.New()
	startedAt := d.clock.Now()

	if err := d.q.InsertDeliveryAttemptStarted(ctx, db.InsertDeliveryAttemptStartedParams{
		AttemptID: attemptID, OutboxItemID: item.ID, EventID: &item.EventID, DeliveryID: &item.DeliveryID,
		ChannelTarget: item.ChannelTarget, EventType: item.EventType, AttemptNumber: attemptNumber,
		StartedAt: startedAt,
	}); err != nil {
		logger.Error("recording delivery attempt start", "error", err)
		return
	}
	logger = logger.With("attempt_id", attemptID)

	body, err := envelope(item)
	if err != nil {
		d.completeAndMarkDead(ctx, item, attemptID, startedAt, logger, "PAYLOAD_ERROR", err.Error(), nil)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, channel.ResolvedTargetURL(), bytes.NewReader(body))
	if err != nil {
		d.completeAndMarkDead(ctx, item, attemptID, startedAt, logger, "REQUEST_ERROR", err.Error(), nil)
		return
	}
	timestamp := strconv.FormatInt(startedAt.Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Preflight-Event-Id", item.EventID)
	req.Header.Set("X-Preflight-Delivery-Id", item.DeliveryID)
	req.Header.Set("X-Preflight-Timestamp", timestamp)
	if secret := channel.SigningSecret(); secret != "" {
		req.Header.Set("X-Preflight-Signature", sign(secret, timestamp, body))
	}

	httpClient := d.httpClient
	if channel.TimeoutSeconds > 0 {
		c := *d.httpClient
		c.Timeout = time.Duration(channel.TimeoutSeconds) * time.Second
		httpClient = &c
	}

	resp, doErr := httpClient.Do(req)
	completedAt := d.clock.Now()
	duration := completedAt.Sub(startedAt)

	if doErr != nil {
		code, message := classifyNetworkError(doErr)
		d.finishAttempt(ctx, item, attemptID, completedAt, duration, logger, nil, code, message, channel, attemptNumber)
		return
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	status := resp.StatusCode

	switch {
	case status >= 200 && status < 300:
		if err := d.q.CompleteDeliveryAttempt(ctx, db.CompleteDeliveryAttemptParams{
			AttemptID: attemptID, AttemptStatus: "SENT", CompletedAt: completedAt, HTTPStatus: &status,
		}); err != nil {
			logger.Error("completing delivery attempt", "error", err)
		}
		if err := d.ob.MarkSent(ctx, item.ID, status); err != nil {
			logger.Error("marking outbox item sent", "error", err)
		}
		telemetry.NotificationsAttemptsTotal.WithLabelValues("SENT", item.ChannelTarget, item.EventType).Inc()
		telemetry.NotificationsDeliveryLatencyMs.Observe(float64(duration.Milliseconds()))
		logger.Info("webhook delivered", "http_status", status, "attempt_count", attemptNumber)

	case status == 408 || status == 429 || status >= 500:
		message := fmt.Sprintf("webhook returned retryable status %d", status)
		d.finishAttempt(ctx, item, attemptID, completedAt, duration, logger, &status, "HTTP_ERROR", message, channel, attemptNumber)

	default:
		message := fmt.Sprintf("webhook returned non-retryable status %d", status)
		d.completeAndMarkDead(ctx, item, attemptID, completedAt, logger, "NON_RETRYABLE_STATUS", message, &status)
	}
}

// finishAttempt records a retryable failure: RETRY if the channel has
// attempts remaining, DEAD otherwise.
func (d *Dispatcher) finishAttempt(ctx context.Context, item db.OutboxItemRow, attemptID string, completedAt time.Time, duration time.Duration, logger *slog.Logger, httpStatus *int, errorCode, message string, channel policy.NotificationChannel, attemptNumber int) {
	safe := sanitizeError(message)

	dead := attemptNumber >= item.MaxAttempts
	status := "RETRY"
	if dead {
		status = "DEAD"
	}
	if err := d.q.CompleteDeliveryAttempt(ctx, db.CompleteDeliveryAttemptParams{
		AttemptID: attemptID, AttemptStatus: status, CompletedAt: completedAt,
		HTTPStatus: httpStatus, ErrorCode: &errorCode, ErrorMessageSafe: &safe,
	}); err != nil {
		logger.Error("completing delivery attempt", "error", err)
	}
	telemetry.NotificationsAttemptsTotal.WithLabelValues(status, item.ChannelTarget, item.EventType).Inc()
	telemetry.NotificationsDeliveryLatencyMs.Observe(float64(duration.Milliseconds()))

	if dead {
		if err := d.ob.MarkDead(ctx, item.ID, safe, httpStatus, errorCode); err != nil {
			logger.Error("marking outbox item dead", "error", err)
		}
		logger.Warn("webhook delivery exhausted retries", "error_code", errorCode, "attempt_count", attemptNumber)
		return
	}

	backoff := time.Duration(channel.BackoffSeconds) * time.Second
	if backoff <= 0 {
		backoff = time.Second
	}
	backoff = backoff * (1 << uint(attemptNumber-1))
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	nextRetryAt := completedAt.Add(backoff)

	if err := d.ob.MarkRetry(ctx, item.ID, nextRetryAt, safe, httpStatus, errorCode); err != nil {
		logger.Error("marking outbox item retry", "error", err)
	}
	logger.Warn("webhook delivery failed, will retry", "error_code", errorCode, "attempt_count", attemptNumber, "next_retry_at", nextRetryAt)
}

// completeAndMarkDead finalizes a non-retryable failure: the attempt ledger
// gets the failure recorded and the outbox item goes straight to DEAD.
func (d *Dispatcher) completeAndMarkDead(ctx context.Context, item db.OutboxItemRow, attemptID string, completedAt time.Time, logger *slog.Logger, errorCode, message string, httpStatus *int) {
	safe := sanitizeError(message)
	if err := d.q.CompleteDeliveryAttempt(ctx, db.CompleteDeliveryAttemptParams{
		AttemptID: attemptID, AttemptStatus: "DEAD", CompletedAt: completedAt,
		HTTPStatus: httpStatus, ErrorCode: &errorCode, ErrorMessageSafe: &safe,
	}); err != nil {
		logger.Error("completing delivery attempt", "error", err)
	}
	if err := d.ob.MarkDead(ctx, item.ID, safe, httpStatus, errorCode); err != nil {
		logger.Error("marking outbox item dead", "error", err)
	}
	telemetry.NotificationsAttemptsTotal.WithLabelValues("DEAD", item.ChannelTarget, item.EventType).Inc()
	logger.Warn("webhook delivery permanently failed", "error_code", errorCode)
}

// finalizeDead handles the "never even attempted" cases — an unavailable
// or misconfigured channel — without an attempt ledger row, since no HTTP
// call was ever in flight.
func (d *Dispatcher) finalizeDead(ctx context.Context, item db.OutboxItemRow, logger *slog.Logger, errorCode, message string, httpStatus *int) {
	if err := d.ob.MarkDead(ctx, item.ID, message, httpStatus, errorCode); err != nil {
		logger.Error("marking outbox item dead", "error", err)
	}
	telemetry.NotificationsAttemptsTotal.WithLabelValues("DEAD", item.ChannelTarget, item.EventType).Inc()
	logger.Warn("webhook delivery skipped", "error_code", errorCode)
}

type envelopeDelivery struct {
	DeliveryID     string  `json:"delivery_id"`
	ReplayedFromID *string `json:"replayed_from_id,omitempty"`
}

// webhookEnvelope is §6's documented wire format: a fixed "alert" object
// (outbox.AlertFields) plus a free-form "context" blob.
type webhookEnvelope struct {
	Version    string             `json:"version"`
	EventID    string             `json:"event_id"`
	EventType  string             `json:"event_type"`
	OccurredAt time.Time          `json:"occurred_at"`
	Alert      outbox.AlertFields `json:"alert"`
	Context    json.RawMessage    `json:"context"`
	Delivery   envelopeDelivery   `json:"delivery"`
}

// envelope renders the outbox item's v1 webhook payload, lifting the
// documented "alert" fields out of the item's stored transition payload
// and preserving the rest verbatim as "context".
func envelope(item db.OutboxItemRow) ([]byte, error) {
	var tp outbox.AlertTransitionPayload
	if len(item.PayloadJSON) > 0 {
		if err := json.Unmarshal(item.PayloadJSON, &tp); err != nil {
			return nil, fmt.Errorf("decoding outbox item payload: %w", err)
		}
	}
	context := tp.Context
	if len(context) == 0 {
		context = json.RawMessage(`{}`)
	}
	env := webhookEnvelope{
		Version:    "v1",
		EventID:    item.EventID,
		EventType:  item.EventType,
		OccurredAt: item.CreatedAt,
		Alert:      tp.Alert,
		Context:    context,
		Delivery:   envelopeDelivery{DeliveryID: item.DeliveryID, ReplayedFromID: item.ReplayedFromID},
	}
	return json.Marshal(env)
}

// sign computes the X-Preflight-Signature header value over
// timestamp + "." + body, per §6's documented signature base, so that
// changing either the timestamp or the body changes the signature.
func sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// classifyNetworkError maps a transport-level http.Client error to one of
// the taxonomy's network error codes.
func classifyNetworkError(err error) (code, message string) {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "context deadline exceeded") || strings.Contains(msg, "Client.Timeout"):
		return "TIMEOUT", msg
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") || strings.Contains(msg, "dial"):
		return "NETWORK_ERROR", msg
	default:
		return "UNEXPECTED_ERROR", msg
	}
}

// sanitizeError replaces CR and LF with spaces and truncates a failure
// message to maxErrorMessageLen runes, a length safe for storage and for the
// diagnostics surface — the dispatcher never persists raw response bodies
// or secrets.
func sanitizeError(msg string) string {
	msg = strings.ReplaceAll(msg, "\r", " ")
	msg = strings.ReplaceAll(msg, "\n", " ")
	if runes := []rune(msg); len(runes) > maxErrorMessageLen {
		msg = string(runes[:maxErrorMessageLen])
	}
	return msg
}
