package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lucasnoah/handoff/internal/checks"
)

// CheckRun represents a row in the check_runs table.
type CheckRun struct {
	ID         int64
	PipelineID string
	Stage      string
	CheckName  string
	Passed     bool
	TimedOut   bool
	ExitCode   int
	DurationMs int64
	Summary    string
	Findings   []checks.Finding
	Timestamp  time.Time
}

// LogCheckRun records the result of one check run by a stage.
func (d *DB) LogCheckRun(ctx context.Context, pipelineID, stage string, r *checks.Result) error {
	findings, err := json.Marshal(r.Findings)
	if err != nil {
		return fmt.Errorf("encode findings: %w", err)
	}
	_, err = d.pool.Exec(ctx,
		`INSERT INTO check_runs (pipeline_id, stage, check_name, passed, timed_out, exit_code, duration_ms, summary, findings)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		pipelineID, stage, r.CheckName, r.Passed, r.TimedOut, r.ExitCode, r.DurationMs, r.Summary, findings)
	if err != nil {
		return fmt.Errorf("insert check run: %w", err)
	}
	return nil
}

// CheckRuns returns the check runs recorded for a pipeline, oldest first.
func (d *DB) CheckRuns(ctx context.Context, pipelineID string) ([]CheckRun, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT id, pipeline_id, stage, check_name, passed, timed_out, COALESCE(exit_code, 0),
		        COALESCE(duration_ms, 0), COALESCE(summary, ''), findings, timestamp
		 FROM check_runs WHERE pipeline_id = $1 ORDER BY id`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("query check runs: %w", err)
	}
	defer rows.Close()

	var out []CheckRun
	for rows.Next() {
		var cr CheckRun
		var findings []byte
		if err := rows.Scan(&cr.ID, &cr.PipelineID, &cr.Stage, &cr.CheckName, &cr.Passed, &cr.TimedOut,
			&cr.ExitCode, &cr.DurationMs, &cr.Summary, &findings, &cr.Timestamp); err != nil {
			return nil, fmt.Errorf("scan check run: %w", err)
		}
		if len(findings) > 0 {
			if err := json.Unmarshal(findings, &cr.Findings); err != nil {
				return nil, fmt.Errorf("decode findings: %w", err)
			}
		}
		out = append(out, cr)
	}
	return out, rows.Err()
}
