package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"workflow-engine/api/pkg/jsonx"
)

// PostgresStore persists definitions and instance snapshots in PostgreSQL.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: pool}
}

// InitSchema creates the tables if they do not exist.
func (r *PostgresStore) InitSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS workflow_definitions (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL DEFAULT '',
			mode       TEXT NOT NULL DEFAULT '',
			definition JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS workflow_instances (
			id              TEXT PRIMARY KEY,
			workflow_id     TEXT NOT NULL,
			mode            TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL,
			current_step_id TEXT NOT NULL DEFAULT '',
			data            JSONB NOT NULL DEFAULT '{}',
			results         JSONB NOT NULL DEFAULT '{}',
			error           TEXT NOT NULL DEFAULT '',
			step_count      INTEGER NOT NULL DEFAULT 0,
			start_time      TIMESTAMPTZ NOT NULL,
			end_time        TIMESTAMPTZ,
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS workflow_instances_workflow_id_idx ON workflow_instances (workflow_id);
	`)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Save upserts the instance snapshot.
func (r *PostgresStore) Save(ctx context.Context, inst *WorkflowInstance) error {
	dataJSON, err := jsonx.Marshal(nonNilData(inst.Data))
	if err != nil {
		return fmt.Errorf("marshal instance data: %w", err)
	}
	resultsJSON, err := jsonx.Marshal(nonNilResults(inst.Results))
	if err != nil {
		return fmt.Errorf("marshal instance results: %w", err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO workflow_instances
			(id, workflow_id, mode, status, current_step_id, data, results, error, step_count, start_time, end_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			status          = EXCLUDED.status,
			current_step_id = EXCLUDED.current_step_id,
			data            = EXCLUDED.data,
			results         = EXCLUDED.results,
			error           = EXCLUDED.error,
			step_count      = EXCLUDED.step_count,
			end_time        = EXCLUDED.end_time,
			updated_at      = NOW()
	`, inst.ID, inst.WorkflowID, string(inst.Mode), string(inst.Status), inst.CurrentStepID,
		dataJSON, resultsJSON, inst.Error, inst.StepCount, inst.StartTime, inst.EndTime)
	if err != nil {
		return fmt.Errorf("save instance: %w", err)
	}
	return nil
}

// Get retrieves an instance by ID. Returns nil, nil if not found.
func (r *PostgresStore) Get(ctx context.Context, id string) (*WorkflowInstance, error) {
	var inst WorkflowInstance
	var mode, status string
	var dataJSON, resultsJSON []byte

	err := r.db.QueryRow(ctx, `
		SELECT id, workflow_id, mode, status, current_step_id, data, results, error, step_count, start_time, end_time
		FROM workflow_instances WHERE id = $1
	`, id).Scan(&inst.ID, &inst.WorkflowID, &mode, &status, &inst.CurrentStepID,
		&dataJSON, &resultsJSON, &inst.Error, &inst.StepCount, &inst.StartTime, &inst.EndTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get instance: %w", err)
	}
	inst.Mode = ExecutionMode(mode)
	inst.Status = Status(status)

	if err := jsonx.Unmarshal(dataJSON, &inst.Data); err != nil {
		return nil, fmt.Errorf("unmarshal instance data: %w", err)
	}
	if err := jsonx.Unmarshal(resultsJSON, &inst.Results); err != nil {
		return nil, fmt.Errorf("unmarshal instance results: %w", err)
	}
	return &inst, nil
}

// SaveDefinition upserts a definition.
func (r *PostgresStore) SaveDefinition(ctx context.Context, def WorkflowDefinition) error {
	defJSON, err := jsonx.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO workflow_definitions (id, name, mode, definition)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			name       = EXCLUDED.name,
			mode       = EXCLUDED.mode,
			definition = EXCLUDED.definition,
			updated_at = NOW()
	`, def.ID, def.Name, string(def.Mode), defJSON)
	if err != nil {
		return fmt.Errorf("save definition: %w", err)
	}
	return nil
}

// ListDefinitions returns every stored definition ordered by id.
func (r *PostgresStore) ListDefinitions(ctx context.Context) ([]WorkflowDefinition, error) {
	rows, err := r.db.Query(ctx, `SELECT definition FROM workflow_definitions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	defer rows.Close()

	var defs []WorkflowDefinition
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan definition: %w", err)
		}
		var def WorkflowDefinition
		if err := jsonx.Unmarshal(raw, &def); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	return defs, nil
}

// InitDB creates the schema. Called from main on startup.
func InitDB(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	store := NewPostgresStore(pool)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func nonNilData(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nonNilResults(m map[string]StepResult) map[string]StepResult {
	if m == nil {
		return map[string]StepResult{}
	}
	return m
}
