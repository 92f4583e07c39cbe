// Package registry implements the Preflight Registry (C3): the durable
// record of every preflight run and the per-run aggregation logic consumers
// read through.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wisbric/preflightwatch/internal/apperr"
	"github.com/wisbric/preflightwatch/internal/db"
)

// Record is the API-facing shape of one preflight run's per-source result.
type Record struct {
	RunID                string          `json:"run_id"`
	SourceName           string          `json:"source_name"`
	CreatedAt            time.Time       `json:"created_at"`
	Mode                 string          `json:"mode"`
	ValidationStatus     string          `json:"validation_status"`
	SemanticStatus       string          `json:"semantic_status"`
	FinalStatus          string          `json:"final_status"`
	UsedInputPath        string          `json:"used_input_path"`
	UsedUnified          bool            `json:"used_unified"`
	ArtifactDir          *string         `json:"artifact_dir,omitempty"`
	ValidationReportPath *string         `json:"validation_report_path,omitempty"`
	ManifestPath         *string         `json:"manifest_path,omitempty"`
	SummaryJSON          json.RawMessage `json:"summary_json"`
	Blocked              bool            `json:"blocked"`
	BlockReason          *string         `json:"block_reason,omitempty"`
	DataSourceID         *int64          `json:"data_source_id,omitempty"`
	ContractID           *string         `json:"contract_id,omitempty"`
	ContractVersion      *string         `json:"contract_version,omitempty"`
}

// AggregatedRun is the multi-source view returned by getRun/getLatest.
type AggregatedRun struct {
	RunID       string    `json:"run_id"`
	CreatedAt   time.Time `json:"created_at"`
	Mode        string    `json:"mode"`
	FinalStatus string    `json:"final_status"`
	Blocked     bool      `json:"blocked"`
	Records     []Record  `json:"records"`
}

// validStatuses enumerates §3's status domain.
var validStatuses = map[string]bool{"PASS": true, "WARN": true, "FAIL": true, "SKIPPED": true}

// Registry wraps the repository layer with the business rules from §4.2.
type Registry struct {
	q *db.Queries
}

// New creates a Registry backed by the given executor.
func New(dbtx db.DBTX) *Registry {
	return &Registry{q: db.New(dbtx)}
}

// InsertRecord computes final_status and validates the blocked invariant
// before persisting, then upserts on (run_id, source_name).
func (r *Registry) InsertRecord(ctx context.Context, p UpsertInput) error {
	final := deriveFinalStatus(p.ValidationStatus, p.SemanticStatus)

	if p.Blocked && !(p.Mode == "enforce" && final == "FAIL") {
		return apperr.Payload("blocked records require mode=enforce and final_status=FAIL")
	}

	return r.q.UpsertPreflightRun(ctx, db.UpsertPreflightRunParams{
		RunID:                p.RunID,
		SourceName:           p.SourceName,
		CreatedAt:            p.CreatedAt,
		Mode:                 p.Mode,
		ValidationStatus:     p.ValidationStatus,
		SemanticStatus:       p.SemanticStatus,
		FinalStatus:          final,
		UsedInputPath:        p.UsedInputPath,
		UsedUnified:          p.UsedUnified,
		ArtifactDir:          p.ArtifactDir,
		ValidationReportPath: p.ValidationReportPath,
		ManifestPath:         p.ManifestPath,
		SummaryJSON:          p.SummaryJSON,
		Blocked:              p.Blocked,
		BlockReason:          p.BlockReason,
		DataSourceID:         p.DataSourceID,
		ContractID:           p.ContractID,
		ContractVersion:      p.ContractVersion,
	})
}

// UpsertInput is InsertRecord's payload.
type UpsertInput struct {
	RunID                string
	SourceName           string
	CreatedAt            time.Time
	Mode                 string
	ValidationStatus     string
	SemanticStatus       string
	UsedInputPath        string
	UsedUnified          bool
	ArtifactDir          *string
	ValidationReportPath *string
	ManifestPath         *string
	SummaryJSON          json.RawMessage
	Blocked              bool
	BlockReason          *string
	DataSourceID         *int64
	ContractID           *string
	ContractVersion      *string
}

// deriveFinalStatus implements §3's derivation: FAIL dominates, then WARN,
// then SKIPPED only if both are SKIPPED, else PASS.
func deriveFinalStatus(validation, semantic string) string {
	if validation == "FAIL" || semantic == "FAIL" {
		return "FAIL"
	}
	if validation == "WARN" || semantic == "WARN" {
		return "WARN"
	}
	if validation == "SKIPPED" && semantic == "SKIPPED" {
		return "SKIPPED"
	}
	return "PASS"
}

// ListRuns lists registry rows per the queryRuns filter grammar (§4.2).
func (r *Registry) ListRuns(ctx context.Context, f db.PreflightRunFilter) ([]Record, error) {
	rows, err := r.q.QueryPreflightRuns(ctx, f)
	if err != nil {
		return nil, apperr.Internal(err, "listing preflight runs")
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, toRecord(row))
	}
	return out, nil
}

// GetRun aggregates every source record sharing run_id: final_status is the
// worst member, blocked is true if any member is blocked.
func (r *Registry) GetRun(ctx context.Context, runID string) (AggregatedRun, error) {
	rows, err := r.q.GetPreflightRunSources(ctx, runID)
	if err != nil {
		return AggregatedRun{}, apperr.Internal(err, "loading preflight run")
	}
	if len(rows) == 0 {
		return AggregatedRun{}, apperr.NotFound("no preflight run %q", runID)
	}

	agg := AggregatedRun{
		RunID:     runID,
		CreatedAt: rows[0].CreatedAt,
		Mode:      rows[0].Mode,
	}

	worst := "SKIPPED"
	rank := map[string]int{"PASS": 1, "WARN": 2, "FAIL": 3, "SKIPPED": 0}
	for _, row := range rows {
		if rank[row.FinalStatus] > rank[worst] {
			worst = row.FinalStatus
		}
		if row.Blocked {
			agg.Blocked = true
		}
		agg.Records = append(agg.Records, toRecord(row))
	}
	if worst == "SKIPPED" && rank[worst] == 0 {
		// no record beat SKIPPED's baseline rank; keep SKIPPED only if every
		// member actually was SKIPPED, else default to PASS per §4.2.
		allSkipped := true
		for _, row := range rows {
			if row.FinalStatus != "SKIPPED" {
				allSkipped = false
				break
			}
		}
		if !allSkipped {
			worst = "PASS"
		}
	}
	agg.FinalStatus = worst

	return agg, nil
}

// GetLatest returns the most recent run, grouped across sources when
// sourceName is nil, or the latest single-source record otherwise.
func (r *Registry) GetLatest(ctx context.Context, sourceName *string) (*AggregatedRun, error) {
	if sourceName != nil {
		rows, err := r.q.QueryPreflightRuns(ctx, db.PreflightRunFilter{SourceName: sourceName, Limit: 1})
		if err != nil {
			return nil, apperr.Internal(err, "loading latest preflight run")
		}
		if len(rows) == 0 {
			return nil, nil
		}
		rec := toRecord(rows[0])
		return &AggregatedRun{
			RunID:       rec.RunID,
			CreatedAt:   rec.CreatedAt,
			Mode:        rec.Mode,
			FinalStatus: rec.FinalStatus,
			Blocked:     rec.Blocked,
			Records:     []Record{rec},
		}, nil
	}

	rows, err := r.q.QueryPreflightRuns(ctx, db.PreflightRunFilter{Limit: 1})
	if err != nil {
		return nil, apperr.Internal(err, "loading latest preflight run")
	}
	if len(rows) == 0 {
		return nil, nil
	}
	agg, err := r.GetRun(ctx, rows[0].RunID)
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

// WindowRecords returns the full set of records in [from, to], optionally
// narrowed to sourceName — the Alert Engine's metric computation input.
func (r *Registry) WindowRecords(ctx context.Context, from, to time.Time, sourceName *string) ([]db.PreflightRun, error) {
	rows, err := r.q.ListPreflightRunsInWindow(ctx, from, to, sourceName)
	if err != nil {
		return nil, apperr.Internal(err, "loading preflight runs in window")
	}
	return rows, nil
}

// GetSource returns the raw repository row for (run_id, source_name), for
// callers like the Artifact Gateway that need the unconverted record.
func (r *Registry) GetSource(ctx context.Context, runID, sourceName string) (db.PreflightRun, error) {
	row, err := r.q.GetPreflightRunSource(ctx, runID, sourceName)
	if err != nil {
		if err == db.ErrNoRows {
			return db.PreflightRun{}, apperr.NotFound("no preflight run %q for source %q", runID, sourceName)
		}
		return db.PreflightRun{}, apperr.Internal(err, "loading preflight run source")
	}
	return row, nil
}

func toRecord(row db.PreflightRun) Record {
	return Record{
		RunID:                row.RunID,
		SourceName:           row.SourceName,
		CreatedAt:            row.CreatedAt,
		Mode:                 row.Mode,
		ValidationStatus:     row.ValidationStatus,
		SemanticStatus:       row.SemanticStatus,
		FinalStatus:          row.FinalStatus,
		UsedInputPath:        row.UsedInputPath,
		UsedUnified:          row.UsedUnified,
		ArtifactDir:          row.ArtifactDir,
		ValidationReportPath: row.ValidationReportPath,
		ManifestPath:         row.ManifestPath,
		SummaryJSON:          row.SummaryJSON,
		Blocked:              row.Blocked,
		BlockReason:          row.BlockReason,
		DataSourceID:         row.DataSourceID,
		ContractID:           row.ContractID,
		ContractVersion:      row.ContractVersion,
	}
}

// ValidateStatus checks a status value against §3's domain.
func ValidateStatus(s string) error {
	if !validStatuses[s] {
		return fmt.Errorf("invalid status %q", s)
	}
	return nil
}
