package repository

import (
	"context"
	"errors"
	"time"

	"backupflow/backend/pkg/models"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// PipelineStore persists pipeline definitions.
type PipelineStore interface {
	// SavePipeline inserts or replaces a pipeline by id.
	SavePipeline(ctx context.Context, p *models.Pipeline) error
	GetPipeline(ctx context.Context, id string) (*models.Pipeline, error)
	ListPipelines(ctx context.Context) ([]*models.Pipeline, error)
}

// ExecutionStore persists execution records.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec *models.Execution) error
	UpdateExecution(ctx context.Context, exec *models.Execution) error
	GetExecution(ctx context.Context, id string) (*models.Execution, error)
	// ListExecutions returns the executions of a pipeline, newest first.
	ListExecutions(ctx context.Context, pipelineID string) ([]*models.Execution, error)
}

// ScheduleStore persists schedule cores.
type ScheduleStore interface {
	SaveSchedule(ctx context.Context, s *models.Schedule) error
	GetSchedule(ctx context.Context, id string) (*models.Schedule, error)
	ListSchedules(ctx context.Context) ([]*models.Schedule, error)
}

// NotificationPolicyStore persists notification policy cores.
type NotificationPolicyStore interface {
	SaveNotificationPolicy(ctx context.Context, n *models.NotificationPolicy) error
	GetNotificationPolicy(ctx context.Context, id string) (*models.NotificationPolicy, error)
	ListNotificationPolicies(ctx context.Context) ([]*models.NotificationPolicy, error)
}

// MetadataStore persists the mutable half of hybrid entities.
type MetadataStore interface {
	// ListMetadata returns the rows of kind whose id is in ids.
	ListMetadata(ctx context.Context, kind models.EntityKind, ids []string) ([]models.Metadata, error)
	// UpsertMetadata inserts rows that do not exist yet in a single write and
	// returns the stored version of every row. Existing rows are left as they
	// are, so concurrent synthesis of the same defaults is harmless.
	UpsertMetadata(ctx context.Context, rows []models.Metadata) ([]models.Metadata, error)
	// SetActive writes the active flag, creating the row if needed.
	SetActive(ctx context.Context, kind models.EntityKind, id string, active bool, at time.Time) (models.Metadata, error)
}

// Repository is the complete persistence boundary.
type Repository interface {
	PipelineStore
	ExecutionStore
	ScheduleStore
	NotificationPolicyStore
	MetadataStore

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
}

// dedupe drops repeated (kind, id) pairs keeping the first.
func dedupe(rows []models.Metadata) []models.Metadata {
	type key struct {
		kind models.EntityKind
		id   string
	}
	seen := make(map[key]bool, len(rows))
	out := rows[:0:0]
	for _, r := range rows {
		k := key{r.Kind, r.ID}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, r)
	}
	return out
}
