package db

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// UpsertPreflightRunParams is the insert-or-repair payload for one
// (run_id, source_name) record.
type UpsertPreflightRunParams struct {
	RunID                string
	SourceName           string
	CreatedAt            time.Time
	Mode                 string
	ValidationStatus     string
	SemanticStatus       string
	FinalStatus          string
	UsedInputPath        string
	UsedUnified          bool
	ArtifactDir          *string
	ValidationReportPath *string
	ManifestPath         *string
	SummaryJSON          RawJSON
	Blocked              bool
	BlockReason          *string
	DataSourceID         *int64
	ContractID           *string
	ContractVersion      *string
}

// UpsertPreflightRun inserts a new registry row, or repairs an existing row
// on the same (run_id, source_name) key in place. Rows are otherwise
// immutable — this is the registry's only write path.
func (q *Queries) UpsertPreflightRun(ctx context.Context, p UpsertPreflightRunParams) error {
	const stmt = `
INSERT INTO preflight_run_registry (
	run_id, source_name, created_at, mode, validation_status, semantic_status,
	final_status, used_input_path, used_unified, artifact_dir,
	validation_report_path, manifest_path, summary_json, blocked, block_reason,
	data_source_id, contract_id, contract_version
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
ON CONFLICT (run_id, source_name) DO UPDATE SET
	created_at = EXCLUDED.created_at,
	mode = EXCLUDED.mode,
	validation_status = EXCLUDED.validation_status,
	semantic_status = EXCLUDED.semantic_status,
	final_status = EXCLUDED.final_status,
	used_input_path = EXCLUDED.used_input_path,
	used_unified = EXCLUDED.used_unified,
	artifact_dir = EXCLUDED.artifact_dir,
	validation_report_path = EXCLUDED.validation_report_path,
	manifest_path = EXCLUDED.manifest_path,
	summary_json = EXCLUDED.summary_json,
	blocked = EXCLUDED.blocked,
	block_reason = EXCLUDED.block_reason,
	data_source_id = EXCLUDED.data_source_id,
	contract_id = EXCLUDED.contract_id,
	contract_version = EXCLUDED.contract_version
`
	summary := p.SummaryJSON
	if summary == nil {
		summary = RawJSON(`{}`)
	}
	_, err := q.db.Exec(ctx, stmt,
		p.RunID, p.SourceName, p.CreatedAt, p.Mode, p.ValidationStatus, p.SemanticStatus,
		p.FinalStatus, p.UsedInputPath, p.UsedUnified, p.ArtifactDir,
		p.ValidationReportPath, p.ManifestPath, summary, p.Blocked, p.BlockReason,
		p.DataSourceID, p.ContractID, p.ContractVersion,
	)
	if err != nil {
		return fmt.Errorf("upserting preflight run: %w", err)
	}
	return nil
}

// PreflightRunFilter is the queryRuns filter grammar from §4.2: any subset of
// the named fields, an ordering direction, and an optional limit.
type PreflightRunFilter struct {
	SourceName   *string
	DataSourceID *int64
	Mode         *string
	FinalStatus  *string
	DateFrom     *time.Time
	DateTo       *time.Time
	Ascending    bool
	Limit        int
}

// QueryPreflightRuns lists registry rows matching the filter, defaulting to
// newest-first and a clamped limit of [1,200].
func (q *Queries) QueryPreflightRuns(ctx context.Context, f PreflightRunFilter) ([]PreflightRun, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 200 {
		limit = 200
	}

	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.SourceName != nil {
		where = append(where, "source_name = "+arg(*f.SourceName))
	}
	if f.DataSourceID != nil {
		where = append(where, "data_source_id = "+arg(*f.DataSourceID))
	}
	if f.Mode != nil {
		where = append(where, "mode = "+arg(*f.Mode))
	}
	if f.FinalStatus != nil {
		where = append(where, "final_status = "+arg(*f.FinalStatus))
	}
	if f.DateFrom != nil {
		where = append(where, "created_at >= "+arg(*f.DateFrom))
	}
	if f.DateTo != nil {
		where = append(where, "created_at <= "+arg(*f.DateTo))
	}

	order := "DESC"
	if f.Ascending {
		order = "ASC"
	}

	stmt := "SELECT run_id, source_name, created_at, mode, validation_status, semantic_status, " +
		"final_status, used_input_path, used_unified, artifact_dir, validation_report_path, " +
		"manifest_path, summary_json, blocked, block_reason, data_source_id, contract_id, contract_version " +
		"FROM preflight_run_registry"
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	stmt += fmt.Sprintf(" ORDER BY created_at %s LIMIT %s", order, arg(limit))

	rows, err := q.db.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("querying preflight runs: %w", err)
	}
	defer rows.Close()

	var out []PreflightRun
	for rows.Next() {
		var r PreflightRun
		if err := rows.Scan(&r.RunID, &r.SourceName, &r.CreatedAt, &r.Mode, &r.ValidationStatus,
			&r.SemanticStatus, &r.FinalStatus, &r.UsedInputPath, &r.UsedUnified, &r.ArtifactDir,
			&r.ValidationReportPath, &r.ManifestPath, &r.SummaryJSON, &r.Blocked, &r.BlockReason,
			&r.DataSourceID, &r.ContractID, &r.ContractVersion); err != nil {
			return nil, fmt.Errorf("scanning preflight run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListPreflightRunsInWindow returns every record in [from, to], optionally
// narrowed to sourceName, unbounded by the public listing's 200-row cap —
// the Alert Engine's metric computation needs the full window, not a page
// of it.
func (q *Queries) ListPreflightRunsInWindow(ctx context.Context, from, to time.Time, sourceName *string) ([]PreflightRun, error) {
	var where []string
	args := []any{from, to}
	where = append(where, "created_at >= $1", "created_at <= $2")

	if sourceName != nil {
		args = append(args, *sourceName)
		where = append(where, fmt.Sprintf("source_name = $%d", len(args)))
	}

	stmt := "SELECT run_id, source_name, created_at, mode, validation_status, semantic_status, " +
		"final_status, used_input_path, used_unified, artifact_dir, validation_report_path, " +
		"manifest_path, summary_json, blocked, block_reason, data_source_id, contract_id, contract_version " +
		"FROM preflight_run_registry WHERE " + strings.Join(where, " AND ") + " ORDER BY created_at ASC"

	rows, err := q.db.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("querying preflight runs in window: %w", err)
	}
	defer rows.Close()

	var out []PreflightRun
	for rows.Next() {
		var r PreflightRun
		if err := rows.Scan(&r.RunID, &r.SourceName, &r.CreatedAt, &r.Mode, &r.ValidationStatus,
			&r.SemanticStatus, &r.FinalStatus, &r.UsedInputPath, &r.UsedUnified, &r.ArtifactDir,
			&r.ValidationReportPath, &r.ManifestPath, &r.SummaryJSON, &r.Blocked, &r.BlockReason,
			&r.DataSourceID, &r.ContractID, &r.ContractVersion); err != nil {
			return nil, fmt.Errorf("scanning preflight run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetPreflightRunSource returns the single record for (run_id, source_name),
// or ErrNoRows if no such record exists.
func (q *Queries) GetPreflightRunSource(ctx context.Context, runID, sourceName string) (PreflightRun, error) {
	const stmt = `
SELECT run_id, source_name, created_at, mode, validation_status, semantic_status,
	final_status, used_input_path, used_unified, artifact_dir, validation_report_path,
	manifest_path, summary_json, blocked, block_reason, data_source_id, contract_id, contract_version
FROM preflight_run_registry WHERE run_id = $1 AND source_name = $2
`
	var r PreflightRun
	err := q.db.QueryRow(ctx, stmt, runID, sourceName).Scan(&r.RunID, &r.SourceName, &r.CreatedAt,
		&r.Mode, &r.ValidationStatus, &r.SemanticStatus, &r.FinalStatus, &r.UsedInputPath,
		&r.UsedUnified, &r.ArtifactDir, &r.ValidationReportPath, &r.ManifestPath, &r.SummaryJSON,
		&r.Blocked, &r.BlockReason, &r.DataSourceID, &r.ContractID, &r.ContractVersion)
	if err != nil {
		return PreflightRun{}, err
	}
	return r, nil
}

// GetPreflightRunSources returns every source record sharing a run_id,
// ordered by source_name ascending, for §4.2's getRun aggregation.
func (q *Queries) GetPreflightRunSources(ctx context.Context, runID string) ([]PreflightRun, error) {
	const stmt = `
SELECT run_id, source_name, created_at, mode, validation_status, semantic_status,
	final_status, used_input_path, used_unified, artifact_dir, validation_report_path,
	manifest_path, summary_json, blocked, block_reason, data_source_id, contract_id, contract_version
FROM preflight_run_registry WHERE run_id = $1 ORDER BY source_name ASC
`
	rows, err := q.db.Query(ctx, stmt, runID)
	if err != nil {
		return nil, fmt.Errorf("querying preflight run sources: %w", err)
	}
	defer rows.Close()

	var out []PreflightRun
	for rows.Next() {
		var r PreflightRun
		if err := rows.Scan(&r.RunID, &r.SourceName, &r.CreatedAt, &r.Mode, &r.ValidationStatus,
			&r.SemanticStatus, &r.FinalStatus, &r.UsedInputPath, &r.UsedUnified, &r.ArtifactDir,
			&r.ValidationReportPath, &r.ManifestPath, &r.SummaryJSON, &r.Blocked, &r.BlockReason,
			&r.DataSourceID, &r.ContractID, &r.ContractVersion); err != nil {
			return nil, fmt.Errorf("scanning preflight run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
