package repository

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"backupflow/backend/pkg/models"
)

//go:embed schema.sql
var schema string

// PostgresRepository is the PostgreSQL implementation of Repository.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Ping checks the database connection.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

// Migrate creates the tables if they do not exist.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// pipelineDefinition is the JSONB column holding the graph.
type pipelineDefinition struct {
	Steps      []models.Step      `json:"steps"`
	References []models.Reference `json:"references"`
}

func (r *PostgresRepository) SavePipeline(ctx context.Context, p *models.Pipeline) error {
	def, err := json.Marshal(pipelineDefinition{Steps: p.Steps, References: p.References})
	if err != nil {
		return err
	}
	err = r.db.QueryRow(ctx, `
		INSERT INTO pipelines (id, name, definition, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, definition = EXCLUDED.definition, updated_at = EXCLUDED.updated_at
		RETURNING created_at, updated_at`,
		p.ID, p.Name, def, time.Now().UTC(),
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save pipeline %s: %w", p.ID, err)
	}
	return nil
}

const pipelineColumns = `id, name, definition, created_at, updated_at`

func scanPipeline(row pgx.Row) (*models.Pipeline, error) {
	var p models.Pipeline
	var def []byte
	if err := row.Scan(&p.ID, &p.Name, &def, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	var d pipelineDefinition
	if err := json.Unmarshal(def, &d); err != nil {
		return nil, fmt.Errorf("corrupt definition for pipeline %s: %w", p.ID, err)
	}
	p.Steps, p.References = d.Steps, d.References
	return &p, nil
}

func (r *PostgresRepository) GetPipeline(ctx context.Context, id string) (*models.Pipeline, error) {
	p, err := scanPipeline(r.db.QueryRow(ctx, `SELECT `+pipelineColumns+` FROM pipelines WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (r *PostgresRepository) ListPipelines(ctx context.Context) ([]*models.Pipeline, error) {
	rows, err := r.db.Query(ctx, `SELECT `+pipelineColumns+` FROM pipelines ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pipelines []*models.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		pipelines = append(pipelines, p)
	}
	return pipelines, rows.Err()
}

func (r *PostgresRepository) CreateExecution(ctx context.Context, e *models.Execution) error {
	trail, steps, err := executionJSON(e)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO executions (id, pipeline_id, status, step_trail, steps, meta_path, error, created_at, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.PipelineID, e.Status, trail, steps, e.MetaPath, e.Error, e.CreatedAt, e.StartedAt, e.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to create execution %s: %w", e.ID, err)
	}
	return nil
}

func (r *PostgresRepository) UpdateExecution(ctx context.Context, e *models.Execution) error {
	trail, steps, err := executionJSON(e)
	if err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE executions
		SET status = $2, step_trail = $3, steps = $4, meta_path = $5, error = $6, started_at = $7, finished_at = $8
		WHERE id = $1`,
		e.ID, e.Status, trail, steps, e.MetaPath, e.Error, e.StartedAt, e.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to update execution %s: %w", e.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func executionJSON(e *models.Execution) (trail, steps []byte, err error) {
	t := e.StepTrail
	if t == nil {
		t = []models.StepDescriptor{}
	}
	if trail, err = json.Marshal(t); err != nil {
		return nil, nil, err
	}
	s := e.Steps
	if s == nil {
		s = []models.StepRun{}
	}
	if steps, err = json.Marshal(s); err != nil {
		return nil, nil, err
	}
	return trail, steps, nil
}

const executionColumns = `id, pipeline_id, status, step_trail, steps, meta_path, error, created_at, started_at, finished_at`

func scanExecution(row pgx.Row) (*models.Execution, error) {
	var e models.Execution
	var trail, steps []byte
	if err := row.Scan(&e.ID, &e.PipelineID, &e.Status, &trail, &steps, &e.MetaPath, &e.Error,
		&e.CreatedAt, &e.StartedAt, &e.FinishedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(trail, &e.StepTrail); err != nil {
		return nil, fmt.Errorf("corrupt step trail for execution %s: %w", e.ID, err)
	}
	if err := json.Unmarshal(steps, &e.Steps); err != nil {
		return nil, fmt.Errorf("corrupt steps for execution %s: %w", e.ID, err)
	}
	return &e, nil
}

func (r *PostgresRepository) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	e, err := scanExecution(r.db.QueryRow(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (r *PostgresRepository) ListExecutions(ctx context.Context, pipelineID string) ([]*models.Execution, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE pipeline_id = $1 ORDER BY created_at DESC, id DESC`, pipelineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) SaveSchedule(ctx context.Context, s *models.Schedule) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO schedules (id, pipeline_id, cron, created_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET pipeline_id = EXCLUDED.pipeline_id, cron = EXCLUDED.cron`,
		s.ID, s.PipelineID, s.Cron, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save schedule %s: %w", s.ID, err)
	}
	return nil
}

func (r *PostgresRepository) GetSchedule(ctx context.Context, id string) (*models.Schedule, error) {
	var s models.Schedule
	err := r.db.QueryRow(ctx, `SELECT id, pipeline_id, cron, created_at FROM schedules WHERE id = $1`, id).
		Scan(&s.ID, &s.PipelineID, &s.Cron, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *PostgresRepository) ListSchedules(ctx context.Context) ([]*models.Schedule, error) {
	rows, err := r.db.Query(ctx, `SELECT id, pipeline_id, cron, created_at FROM schedules ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Schedule
	for rows.Next() {
		var s models.Schedule
		if err := rows.Scan(&s.ID, &s.PipelineID, &s.Cron, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) SaveNotificationPolicy(ctx context.Context, n *models.NotificationPolicy) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO notification_policies (id, pipeline_id, channel, target, on_failure_only, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET pipeline_id = EXCLUDED.pipeline_id, channel = EXCLUDED.channel,
			target = EXCLUDED.target, on_failure_only = EXCLUDED.on_failure_only`,
		n.ID, n.PipelineID, n.Channel, n.Target, n.OnFailureOnly, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save notification policy %s: %w", n.ID, err)
	}
	return nil
}

const policyColumns = `id, pipeline_id, channel, target, on_failure_only, created_at`

func (r *PostgresRepository) GetNotificationPolicy(ctx context.Context, id string) (*models.NotificationPolicy, error) {
	var n models.NotificationPolicy
	err := r.db.QueryRow(ctx, `SELECT `+policyColumns+` FROM notification_policies WHERE id = $1`, id).
		Scan(&n.ID, &n.PipelineID, &n.Channel, &n.Target, &n.OnFailureOnly, &n.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (r *PostgresRepository) ListNotificationPolicies(ctx context.Context) ([]*models.NotificationPolicy, error) {
	rows, err := r.db.Query(ctx, `SELECT `+policyColumns+` FROM notification_policies ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.NotificationPolicy
	for rows.Next() {
		var n models.NotificationPolicy
		if err := rows.Scan(&n.ID, &n.PipelineID, &n.Channel, &n.Target, &n.OnFailureOnly, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

func scanMetadata(rows pgx.Rows) ([]models.Metadata, error) {
	defer rows.Close()
	var out []models.Metadata
	for rows.Next() {
		var m models.Metadata
		if err := rows.Scan(&m.Kind, &m.ID, &m.Active, &m.ToggledAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) ListMetadata(ctx context.Context, kind models.EntityKind, ids []string) ([]models.Metadata, error) {
	rows, err := r.db.Query(ctx,
		`SELECT kind, id, active, toggled_at FROM entity_metadata WHERE kind = $1 AND id = ANY($2)`, kind, ids)
	if err != nil {
		return nil, err
	}
	return scanMetadata(rows)
}

// UpsertMetadata writes the whole batch in one statement. The no-op
// DO UPDATE makes RETURNING yield the existing row on conflict.
func (r *PostgresRepository) UpsertMetadata(ctx context.Context, batch []models.Metadata) ([]models.Metadata, error) {
	batch = dedupe(batch)
	if len(batch) == 0 {
		return nil, nil
	}
	kinds := make([]string, len(batch))
	ids := make([]string, len(batch))
	active := make([]bool, len(batch))
	toggled := make([]time.Time, len(batch))
	for i, m := range batch {
		kinds[i], ids[i], active[i], toggled[i] = string(m.Kind), m.ID, m.Active, m.ToggledAt
	}
	rows, err := r.db.Query(ctx, `
		INSERT INTO entity_metadata (kind, id, active, toggled_at)
		SELECT * FROM unnest($1::text[], $2::text[], $3::boolean[], $4::timestamptz[])
		ON CONFLICT (kind, id) DO UPDATE SET kind = entity_metadata.kind
		RETURNING kind, id, active, toggled_at`,
		kinds, ids, active, toggled)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert metadata: %w", err)
	}
	return scanMetadata(rows)
}

func (r *PostgresRepository) SetActive(ctx context.Context, kind models.EntityKind, id string, active bool, at time.Time) (models.Metadata, error) {
	var m models.Metadata
	err := r.db.QueryRow(ctx, `
		INSERT INTO entity_metadata (kind, id, active, toggled_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (kind, id) DO UPDATE SET active = EXCLUDED.active, toggled_at = EXCLUDED.toggled_at
		RETURNING kind, id, active, toggled_at`,
		kind, id, active, at).Scan(&m.Kind, &m.ID, &m.Active, &m.ToggledAt)
	if err != nil {
		return models.Metadata{}, fmt.Errorf("failed to set %s %s active=%t: %w", kind, id, active, err)
	}
	return m, nil
}
