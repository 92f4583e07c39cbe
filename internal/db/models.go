package db

import (
	"encoding/json"
	"time"
)

// RawJSON is a JSON object column, written as the raw bytes the caller
// supplies. Values marshalled from map[string]any have sorted keys (encoding/json
// sorts map keys); values marshalled from a struct keep the struct's field
// order.
type RawJSON = json.RawMessage

// PreflightRun is one row of preflight_run_registry — one (run_id,
// source_name) pair, never mutated after insert except by a repair upsert on
// the same key.
type PreflightRun struct {
	RunID                 string
	SourceName            string
	CreatedAt             time.Time
	Mode                  string
	ValidationStatus      string
	SemanticStatus        string
	FinalStatus           string
	UsedInputPath         string
	UsedUnified           bool
	ArtifactDir           *string
	ValidationReportPath  *string
	ManifestPath          *string
	SummaryJSON           RawJSON
	Blocked               bool
	BlockReason           *string
	DataSourceID          *int64
	ContractID            *string
	ContractVersion       *string
}

// AlertState is one row of preflight_alert_state — present only while a
// policy is PENDING or FIRING.
type AlertState struct {
	PolicyID               string
	Status                 string
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

// AlertHistoryRow is one append-only transition record.
type AlertHistoryRow struct {
	ID                     int64
	PolicyID               string
	Status                 string
	Severity               string
	SourceName             *string
	CurrentValue           float64
	Threshold              float64
	Message                string
	EventAt                time.Time
	EvaluationContextJSON  RawJSON
	PolicySnapshotJSON     RawJSON
}

// SilenceRow is one row of preflight_alert_silence.
type SilenceRow struct {
	ID         string
	PolicyID   *string
	SourceName *string
	Severity   *string
	RuleID     *string
	StartsAt   time.Time
	EndsAt     time.Time
	Reason     string
	CreatedBy  string
	CreatedAt  time.Time
	ExpiredAt  *time.Time
}

// AcknowledgementRow is one row of preflight_alert_acknowledgement.
type AcknowledgementRow struct {
	AlertID        string
	AcknowledgedBy string
	AcknowledgedAt time.Time
	Note           *string
	ClearedAt      *time.Time
}

// AuditEventRow is one row of preflight_alert_audit_event.
type AuditEventRow struct {
	ID          int64
	AlertID     string
	EventType   string
	Actor       string
	EventAt     time.Time
	PayloadJSON RawJSON
}

// OutboxItemRow is one row of preflight_notification_outbox.
type OutboxItemRow struct {
	ID              string
	EventID         string
	DeliveryID      string
	ReplayedFromID  *string
	EventType       string
	AlertID         string
	PolicyID        string
	Severity        *string
	SourceName      *string
	PayloadJSON     RawJSON
	ChannelType     string
	ChannelTarget   string
	Status          string
	AttemptCount    int
	MaxAttempts     int
	NextRetryAt     time.Time
	LastError       *string
	LastHTTPStatus  *int
	LastErrorCode   *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	SentAt          *time.Time
}

// DeliveryAttemptRow is one immutable row of
// preflight_notification_delivery_attempt.
type DeliveryAttemptRow struct {
	AttemptID        string
	OutboxItemID     string
	EventID          *string
	DeliveryID       *string
	ChannelTarget    string
	EventType        string
	AttemptNumber    int
	AttemptStatus    string
	StartedAt        time.Time
	CompletedAt      *time.Time
	DurationMs       *int64
	HTTPStatus       *int
	ErrorCode        *string
	ErrorMessageSafe *string
}

// SchedulerLeaseRow is one row of preflight_alert_scheduler_lease.
type SchedulerLeaseRow struct {
	LeaseName   string
	OwnerID     string
	AcquiredAt  time.Time
	HeartbeatAt time.Time
	ExpiresAt   time.Time
}
