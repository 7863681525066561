package services

import (
	"context"

	"backupflow/backend/internal/pipeline"
	"backupflow/backend/pkg/models"
)

// Logger is the logging capability services need.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Runner starts and tracks executions.
type Runner interface {
	Start(ctx context.Context, g *pipeline.ValidatedGraph) (*models.Execution, error)
	Cancel(id string) error
	Snapshot(id string) (*models.Execution, bool)
}

// Views serves core records merged with their metadata.
type Views interface {
	Pipelines(ctx context.Context) ([]models.PipelineView, error)
	Pipeline(ctx context.Context, id string) (*models.PipelineView, error)
	Schedules(ctx context.Context) ([]models.ScheduleView, error)
	NotificationPolicies(ctx context.Context) ([]models.NotificationPolicyView, error)
	SetActive(ctx context.Context, kind models.EntityKind, id string, active bool) (models.Metadata, error)
}

// MetaReader loads lineage documents.
type MetaReader interface {
	LoadMeta(ctx context.Context, path string) (*models.MetaDocument, error)
}
