package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/lucasnoah/handoff/internal/events"
	"github.com/lucasnoah/handoff/internal/faults"
	"github.com/lucasnoah/handoff/internal/pipeline"
)

const uniqueViolation = "23505"

// Backend is a pipeline.Backend over Postgres. Snapshots are stored whole as
// JSONB; status and timestamps are duplicated into columns for listing. Save
// only updates the row still holding the version the caller loaded.
type Backend struct {
	db *DB
}

var _ pipeline.Backend = (*Backend)(nil)

// NewBackend wraps d as a pipeline backend. Migrate must have been run.
func NewBackend(d *DB) *Backend {
	return &Backend{db: d}
}

func notFound(id string) error {
	return faults.NotFound("pipeline %s not found", id)
}

func (b *Backend) Create(ctx context.Context, inst *pipeline.Instance) error {
	snap, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("encode pipeline %s: %w", inst.ID, err)
	}
	_, err = b.db.pool.Exec(ctx,
		`INSERT INTO pipelines (id, owner_id, status, snapshot, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		inst.ID, inst.OwnerID, string(inst.Status), snap, inst.CreatedAt, inst.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return faults.New(faults.KindInvalidTransition, faults.CodeAlreadyExists, "pipeline %s already exists", inst.ID)
		}
		return fmt.Errorf("insert pipeline %s: %w", inst.ID, err)
	}
	return nil
}

func (b *Backend) Load(ctx context.Context, id string) (*pipeline.Instance, error) {
	var snap []byte
	err := b.db.pool.QueryRow(ctx, "SELECT snapshot FROM pipelines WHERE id = $1", id).Scan(&snap)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("load pipeline %s: %w", id, err)
	}
	return decodeInstance(snap)
}

func (b *Backend) Save(ctx context.Context, inst *pipeline.Instance) error {
	snap, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("encode pipeline %s: %w", inst.ID, err)
	}
	tag, err := b.db.pool.Exec(ctx,
		`UPDATE pipelines SET status = $2, snapshot = $3, updated_at = $4
		 WHERE id = $1 AND COALESCE((snapshot->>'version')::bigint, 0) = $5`,
		inst.ID, string(inst.Status), snap, inst.UpdatedAt, inst.Version-1)
	if err != nil {
		return fmt.Errorf("save pipeline %s: %w", inst.ID, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := b.db.pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM pipelines WHERE id = $1)", inst.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check pipeline %s: %w", inst.ID, err)
	}
	if !exists {
		return notFound(inst.ID)
	}
	return pipeline.ErrConflict
}

func (b *Backend) List(ctx context.Context, status pipeline.Status) ([]*pipeline.Instance, error) {
	query := "SELECT snapshot FROM pipelines ORDER BY created_at, id"
	var args []any
	if status != "" {
		query = "SELECT snapshot FROM pipelines WHERE status = $1 ORDER BY created_at, id"
		args = append(args, string(status))
	}

	rows, err := b.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	defer rows.Close()

	var out []*pipeline.Instance
	for rows.Next() {
		var snap []byte
		if err := rows.Scan(&snap); err != nil {
			return nil, fmt.Errorf("scan pipeline: %w", err)
		}
		inst, err := decodeInstance(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (b *Backend) Delete(ctx context.Context, id string) error {
	tag, err := b.db.pool.Exec(ctx, "DELETE FROM pipelines WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete pipeline %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(id)
	}
	return nil
}

func (b *Backend) AppendEvent(ctx context.Context, e events.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = b.db.pool.Exec(ctx,
		`INSERT INTO pipeline_events (pipeline_id, seq, event_id, type, payload, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.InstanceID, e.Seq, e.ID, string(e.Type), payload, e.Timestamp)
	if err != nil {
		return fmt.Errorf("append event to %s: %w", e.InstanceID, err)
	}
	return nil
}

func (b *Backend) Events(ctx context.Context, id string) ([]events.Event, error) {
	var exists bool
	if err := b.db.pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM pipelines WHERE id = $1)", id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check pipeline %s: %w", id, err)
	}
	if !exists {
		return nil, notFound(id)
	}

	rows, err := b.db.pool.Query(ctx, "SELECT payload FROM pipeline_events WHERE pipeline_id = $1 ORDER BY seq", id)
	if err != nil {
		return nil, fmt.Errorf("query events of %s: %w", id, err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var e events.Event
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func decodeInstance(snap []byte) (*pipeline.Instance, error) {
	var inst pipeline.Instance
	if err := json.Unmarshal(snap, &inst); err != nil {
		return nil, fmt.Errorf("decode pipeline snapshot: %w", err)
	}
	return &inst, nil
}
