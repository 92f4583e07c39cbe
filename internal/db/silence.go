package db

import (
	"context"
	"fmt"
	"time"
)

// CreateSilenceParams is the insert payload for a new silence.
type CreateSilenceParams struct {
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
}

// CreateSilence inserts a new silence row.
func (q *Queries) CreateSilence(ctx context.Context, p CreateSilenceParams) error {
	const stmt = `
INSERT INTO preflight_alert_silence (
	id, policy_id, source_name, severity, rule_id, starts_at, ends_at, reason,
	created_by, created_at, expired_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NULL)
`
	_, err := q.db.Exec(ctx, stmt, p.ID, p.PolicyID, p.SourceName, p.Severity, p.RuleID,
		p.StartsAt, p.EndsAt, p.Reason, p.CreatedBy, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating silence: %w", err)
	}
	return nil
}

// GetSilence fetches a silence by id.
func (q *Queries) GetSilence(ctx context.Context, id string) (SilenceRow, error) {
	const stmt = `
SELECT id, policy_id, source_name, severity, rule_id, starts_at, ends_at, reason,
	created_by, created_at, expired_at
FROM preflight_alert_silence WHERE id = $1
`
	var s SilenceRow
	err := q.db.QueryRow(ctx, stmt, id).Scan(&s.ID, &s.PolicyID, &s.SourceName, &s.Severity,
		&s.RuleID, &s.StartsAt, &s.EndsAt, &s.Reason, &s.CreatedBy, &s.CreatedAt, &s.ExpiredAt)
	if err != nil {
		return SilenceRow{}, err
	}
	return s, nil
}

// ExpireSilence idempotently marks a silence expired; it is a no-op (affects
// zero rows) if already expired.
func (q *Queries) ExpireSilence(ctx context.Context, id string, now time.Time) error {
	_, err := q.db.Exec(ctx, `
UPDATE preflight_alert_silence SET expired_at = $2
WHERE id = $1 AND expired_at IS NULL
`, id, now)
	if err != nil {
		return fmt.Errorf("expiring silence: %w", err)
	}
	return nil
}

// ExpireElapsedSilences bulk-expires every silence whose window has already
// ended; idempotent, called from both read and evaluate paths.
func (q *Queries) ExpireElapsedSilences(ctx context.Context, now time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, `
UPDATE preflight_alert_silence SET expired_at = $1
WHERE expired_at IS NULL AND ends_at <= $1
`, now)
	if err != nil {
		return 0, fmt.Errorf("expiring elapsed silences: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListSilencesFilter narrows a silence listing to active-only or all.
type ListSilencesFilter struct {
	ActiveOnly bool
	Now        time.Time
	Limit      int
}

// ListSilences lists silences, optionally restricted to currently-active
// ones, newest-first.
func (q *Queries) ListSilences(ctx context.Context, f ListSilencesFilter) ([]SilenceRow, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	stmt := `
SELECT id, policy_id, source_name, severity, rule_id, starts_at, ends_at, reason,
	created_by, created_at, expired_at
FROM preflight_alert_silence`
	var args []any
	if f.ActiveOnly {
		stmt += " WHERE expired_at IS NULL AND starts_at <= $1 AND ends_at > $1"
		args = append(args, f.Now)
	}
	stmt += fmt.Sprintf(" ORDER BY created_at DESC LIMIT %d", limit)

	rows, err := q.db.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("listing silences: %w", err)
	}
	defer rows.Close()

	var out []SilenceRow
	for rows.Next() {
		var s SilenceRow
		if err := rows.Scan(&s.ID, &s.PolicyID, &s.SourceName, &s.Severity, &s.RuleID,
			&s.StartsAt, &s.EndsAt, &s.Reason, &s.CreatedBy, &s.CreatedAt, &s.ExpiredAt); err != nil {
			return nil, fmt.Errorf("scanning silence: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CountActiveSilences returns the number of currently-active silences.
func (q *Queries) CountActiveSilences(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := q.db.QueryRow(ctx, `
SELECT count(*) FROM preflight_alert_silence
WHERE expired_at IS NULL AND starts_at <= $1 AND ends_at > $1
`, now).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting active silences: %w", err)
	}
	return n, nil
}
