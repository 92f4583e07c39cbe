// Package analytics implements Analytics & Metrics (C10): rollup queries
// over the registry, outbox, and alert tables, and a hand-rendered
// Prometheus text exposition endpoint that survives its own failures.
package analytics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/wisbric/preflightwatch/internal/db"
	"github.com/wisbric/preflightwatch/internal/telemetry"
)

// latencyBucketsMs is telemetry.DeliveryLatencyBucketsMs, the finite bucket
// bounds; the renderer appends the "+Inf" bucket itself when writing the
// histogram lines.
var latencyBucketsMs = telemetry.DeliveryLatencyBucketsMs

// Renderer produces the diagnostics metrics endpoint's text body directly
// against the repository layer, rather than through a prometheus.Registry,
// so every rollup reflects the current database state on each scrape.
type Renderer struct {
	pool *pgxpool.Pool
}

// NewRenderer creates a metrics Renderer.
func NewRenderer(pool *pgxpool.Pool) *Renderer {
	return &Renderer{pool: pool}
}

// Render returns the full Prometheus exposition text. It never returns an
// error: any internal failure increments
// preflight_metrics_render_errors_total and the response still contains
// that counter's line, so the failure itself stays externally visible.
func (r *Renderer) Render(ctx context.Context) string {
	lines, err := r.collect(ctx)
	if err != nil {
		telemetry.MetricsRenderErrorsTotal.Inc()
		return renderErrorOnlyPayload()
	}
	return strings.Join(lines, "\n") + "\n"
}

func (r *Renderer) collect(ctx context.Context) ([]string, error) {
	q := db.New(r.pool)

	var lines []string

	preflightLines, err := r.collectPreflightLines(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("collecting preflight metrics: %w", err)
	}
	lines = append(lines, preflightLines...)
	lines = append(lines, "")

	alertLines, err := r.collectAlertLines(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("collecting alert metrics: %w", err)
	}
	lines = append(lines, alertLines...)
	lines = append(lines, "")

	notificationLines, err := r.collectNotificationLines(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("collecting notification metrics: %w", err)
	}
	lines = append(lines, notificationLines...)
	lines = append(lines, "")

	lines = append(lines,
		"# HELP preflight_metrics_render_errors_total Total diagnostics metrics render failures.",
		"# TYPE preflight_metrics_render_errors_total counter",
		renderMetric("preflight_metrics_render_errors_total", counterValue(telemetry.MetricsRenderErrorsTotal), nil),
	)
	return lines, nil
}

func renderErrorOnlyPayload() string {
	lines := []string{
		"# HELP preflight_metrics_render_errors_total Total diagnostics metrics render failures.",
		"# TYPE preflight_metrics_render_errors_total counter",
		renderMetric("preflight_metrics_render_errors_total", counterValue(telemetry.MetricsRenderErrorsTotal), nil),
	}
	return strings.Join(lines, "\n") + "\n"
}

// counterValue reads a prometheus.Counter's current value without going
// through promhttp, since this package renders its own exposition text.
func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

type runKey struct {
	sourceName  string
	finalStatus string
	mode        string
}

func (r *Renderer) collectPreflightLines(ctx context.Context, q *db.Queries) ([]string, error) {
	rows, err := q.ListPreflightRunsInWindow(ctx, time.Time{}, time.Now().UTC().AddDate(100, 0, 0), nil)
	if err != nil {
		return nil, err
	}

	runsCounter := map[runKey]int{}
	blockedCounter := map[string]int{}
	latestBySource := map[string]time.Time{}

	for _, row := range rows {
		source := strings.ToLower(row.SourceName)
		status := strings.ToUpper(row.FinalStatus)
		mode := strings.ToLower(row.Mode)

		runsCounter[runKey{source, status, mode}]++
		if row.Blocked {
			blockedCounter[source]++
		}
		if prev, ok := latestBySource[source]; !ok || row.CreatedAt.After(prev) {
			latestBySource[source] = row.CreatedAt
		}
	}

	lines := []string{
		"# HELP preflight_runs_total Total persisted preflight runs grouped by source/final_status/mode.",
		"# TYPE preflight_runs_total counter",
	}
	for _, k := range sortedRunKeys(runsCounter) {
		lines = append(lines, renderMetric("preflight_runs_total", float64(runsCounter[k]), map[string]string{
			"source_name": k.sourceName, "final_status": k.finalStatus, "mode": k.mode,
		}))
	}

	lines = append(lines,
		"# HELP preflight_blocked_total Total blocked preflight runs grouped by source.",
		"# TYPE preflight_blocked_total counter",
	)
	for _, source := range sortedStringKeys(blockedCounter) {
		lines = append(lines, renderMetric("preflight_blocked_total", float64(blockedCounter[source]), map[string]string{"source_name": source}))
	}

	lines = append(lines,
		"# HELP preflight_latest_run_timestamp_seconds Latest preflight run timestamp by source (unix seconds).",
		"# TYPE preflight_latest_run_timestamp_seconds gauge",
	)
	for _, source := range sortedTimeKeys(latestBySource) {
		lines = append(lines, renderMetric("preflight_latest_run_timestamp_seconds", float64(latestBySource[source].Unix()), map[string]string{"source_name": source}))
	}

	return lines, nil
}

func (r *Renderer) collectAlertLines(ctx context.Context, q *db.Queries) ([]string, error) {
	activeRows, err := q.ListActiveAlertStates(ctx)
	if err != nil {
		return nil, err
	}
	type activeKey struct{ severity, status string }
	activeCounter := map[activeKey]int{}
	for _, a := range activeRows {
		activeCounter[activeKey{strings.ToUpper(a.Severity), strings.ToUpper(a.Status)}]++
	}

	transitions, err := q.CountAlertAuditEventsByType(ctx)
	if err != nil {
		return nil, err
	}
	activeSilences, err := q.CountActiveSilences(ctx, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	lines := []string{
		"# HELP preflight_alerts_active Current active alerts grouped by severity/status.",
		"# TYPE preflight_alerts_active gauge",
	}
	keys := make([]activeKey, 0, len(activeCounter))
	for k := range activeCounter {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].severity != keys[j].severity {
			return keys[i].severity < keys[j].severity
		}
		return keys[i].status < keys[j].status
	})
	for _, k := range keys {
		lines = append(lines, renderMetric("preflight_alerts_active", float64(activeCounter[k]), map[string]string{"severity": k.severity, "status": k.status}))
	}

	lines = append(lines,
		"# HELP preflight_alert_transitions_total Total alert transition/audit events grouped by event_type.",
		"# TYPE preflight_alert_transitions_total counter",
	)
	for _, eventType := range sortedInt64MapKeys(transitions) {
		lines = append(lines, renderMetric("preflight_alert_transitions_total", float64(transitions[eventType]), map[string]string{"event_type": eventType}))
	}

	lines = append(lines,
		"# HELP preflight_alert_silences_active Current number of active alert silences.",
		"# TYPE preflight_alert_silences_active gauge",
		renderMetric("preflight_alert_silences_active", float64(activeSilences), nil),
	)

	return lines, nil
}

func (r *Renderer) collectNotificationLines(ctx context.Context, q *db.Queries) ([]string, error) {
	attempts, err := q.QueryDeliveryAttempts(ctx, db.QueryDeliveryAttemptsFilter{Limit: 1000})
	if err != nil {
		return nil, err
	}

	type attemptKey struct{ channelTarget, eventType, status string }
	attemptsCounter := map[attemptKey]int{}
	var latencies []float64
	var dispatchErrors int

	for _, a := range attempts {
		channel := a.ChannelTarget
		if channel == "" {
			channel = "unknown"
		}
		attemptsCounter[attemptKey{channel, strings.ToUpper(a.EventType), strings.ToUpper(a.AttemptStatus)}]++
		if a.DurationMs != nil && *a.DurationMs >= 0 {
			latencies = append(latencies, float64(*a.DurationMs))
		}
		switch strings.ToUpper(a.AttemptStatus) {
		case "RETRY", "DEAD", "FAILED":
			dispatchErrors++
		}
	}

	pending, err := q.QueryOutboxItems(ctx, db.QueryOutboxItemsFilter{Statuses: []string{"PENDING", "RETRYING"}, Limit: 500})
	if err != nil {
		return nil, err
	}
	dead, err := q.QueryOutboxItems(ctx, db.QueryOutboxItemsFilter{Statuses: []string{"DEAD"}, Limit: 500})
	if err != nil {
		return nil, err
	}
	all, err := q.QueryOutboxItems(ctx, db.QueryOutboxItemsFilter{Limit: 500})
	if err != nil {
		return nil, err
	}

	var replayCount int
	for _, item := range all {
		if item.ReplayedFromID != nil {
			replayCount++
		}
	}

	var oldestPendingAge int64
	now := time.Now().UTC()
	var oldest *time.Time
	for _, item := range pending {
		t := item.CreatedAt
		if oldest == nil || t.Before(*oldest) {
			cp := t
			oldest = &cp
		}
	}
	if oldest != nil {
		oldestPendingAge = int64(now.Sub(*oldest).Seconds())
		if oldestPendingAge < 0 {
			oldestPendingAge = 0
		}
	}

	lines := []string{
		"# HELP preflight_notifications_attempts_total Total notification delivery attempts grouped by channel/event/status.",
		"# TYPE preflight_notifications_attempts_total counter",
	}
	keys := make([]attemptKey, 0, len(attemptsCounter))
	for k := range attemptsCounter {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].channelTarget != keys[j].channelTarget {
			return keys[i].channelTarget < keys[j].channelTarget
		}
		if keys[i].eventType != keys[j].eventType {
			return keys[i].eventType < keys[j].eventType
		}
		return keys[i].status < keys[j].status
	})
	for _, k := range keys {
		lines = append(lines, renderMetric("preflight_notifications_attempts_total", float64(attemptsCounter[k]), map[string]string{
			"channel_target": k.channelTarget, "event_type": k.eventType, "attempt_status": k.status,
		}))
	}

	lines = append(lines,
		"# HELP preflight_notifications_delivery_latency_ms Delivery latency histogram from attempt ledger (milliseconds).",
		"# TYPE preflight_notifications_delivery_latency_ms histogram",
	)
	sort.Float64s(latencies)
	cumulative := 0
	for _, bucket := range latencyBucketsMs {
		for cumulative < len(latencies) && latencies[cumulative] <= bucket {
			cumulative++
		}
		lines = append(lines, renderMetric("preflight_notifications_delivery_latency_ms_bucket", float64(cumulative), map[string]string{"le": formatNumber(bucket)}))
	}
	lines = append(lines, renderMetric("preflight_notifications_delivery_latency_ms_bucket", float64(len(latencies)), map[string]string{"le": "+Inf"}))
	var sum float64
	for _, v := range latencies {
		sum += v
	}
	lines = append(lines,
		renderMetric("preflight_notifications_delivery_latency_ms_sum", sum, nil),
		renderMetric("preflight_notifications_delivery_latency_ms_count", float64(len(latencies)), nil),
	)

	lines = append(lines,
		"# HELP preflight_notifications_outbox_pending Current number of pending/retrying outbox items.",
		"# TYPE preflight_notifications_outbox_pending gauge",
		renderMetric("preflight_notifications_outbox_pending", float64(len(pending)), nil),
		"# HELP preflight_notifications_outbox_dead Current number of dead outbox items.",
		"# TYPE preflight_notifications_outbox_dead gauge",
		renderMetric("preflight_notifications_outbox_dead", float64(len(dead)), nil),
		"# HELP preflight_notifications_outbox_oldest_pending_age_seconds Age of oldest pending outbox item in seconds.",
		"# TYPE preflight_notifications_outbox_oldest_pending_age_seconds gauge",
		renderMetric("preflight_notifications_outbox_oldest_pending_age_seconds", float64(oldestPendingAge), nil),
		"# HELP preflight_notifications_replays_total Total replayed notification outbox items.",
		"# TYPE preflight_notifications_replays_total counter",
		renderMetric("preflight_notifications_replays_total", float64(replayCount), nil),
		"# HELP preflight_notifications_dispatch_errors_total Total notification attempt outcomes with RETRY/DEAD/FAILED status.",
		"# TYPE preflight_notifications_dispatch_errors_total counter",
		renderMetric("preflight_notifications_dispatch_errors_total", float64(dispatchErrors), nil),
	)

	return lines, nil
}

// renderMetric formats one exposition line, sorting labels by key for
// deterministic output.
func renderMetric(name string, value float64, labels map[string]string) string {
	if len(labels) == 0 {
		return fmt.Sprintf("%s %s", name, formatNumber(value))
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteString(`="`)
		b.WriteString(escapeLabelValue(labels[k]))
		b.WriteByte('"')
	}
	b.WriteByte('}')
	b.WriteByte(' ')
	b.WriteString(formatNumber(value))
	return b.String()
}

// escapeLabelValue applies Prometheus's exact label-value escaping order:
// backslash first, then newline, then quote.
func escapeLabelValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, "\n", `\n`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	return v
}

func formatNumber(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "0"
	}
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatInt(int64(v), 10)
	}
	s := strconv.FormatFloat(v, 'f', 6, 64)
	s = strings.TrimRight(s, "0")
	s = strings.TrimRight(s, ".")
	if s == "" || s == "-" {
		return "0"
	}
	return s
}

func sortedRunKeys(m map[runKey]int) []runKey {
	keys := make([]runKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].sourceName != keys[j].sourceName {
			return keys[i].sourceName < keys[j].sourceName
		}
		if keys[i].finalStatus != keys[j].finalStatus {
			return keys[i].finalStatus < keys[j].finalStatus
		}
		return keys[i].mode < keys[j].mode
	})
	return keys
}

func sortedStringKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedInt64MapKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedTimeKeys(m map[string]time.Time) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
