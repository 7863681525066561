package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"backupflow/backend/internal/pipeline"
	"backupflow/backend/internal/problems"
	"backupflow/backend/internal/repository"
	"backupflow/backend/pkg/models"
)

// PipelineService is the application boundary shared by the HTTP, MCP and CLI
// surfaces.
type PipelineService struct {
	repo   repository.Repository
	views  Views
	runner Runner
	meta   MetaReader
	log    Logger
}

// NewPipelineService creates a new PipelineService.
func NewPipelineService(repo repository.Repository, views Views, runner Runner, meta MetaReader, log Logger) *PipelineService {
	return &PipelineService{repo: repo, views: views, runner: runner, meta: meta, log: log}
}

// ValidatePipeline checks a definition without storing it.
func (s *PipelineService) ValidatePipeline(ctx context.Context, p *models.Pipeline) (*pipeline.ValidatedGraph, error) {
	return pipeline.Validate(p)
}

// SavePipeline validates and stores a definition, assigning an id to new
// pipelines.
func (s *PipelineService) SavePipeline(ctx context.Context, p *models.Pipeline) (*models.PipelineView, error) {
	if p == nil {
		return nil, problems.New(problems.InvalidDefinition, "pipeline is required")
	}
	if _, err := pipeline.Validate(p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if err := s.repo.SavePipeline(ctx, p); err != nil {
		return nil, err
	}
	s.log.Info("pipeline saved", "pipeline_id", p.ID, "steps", len(p.Steps))
	return s.views.Pipeline(ctx, p.ID)
}

func (s *PipelineService) GetPipeline(ctx context.Context, id string) (*models.PipelineView, error) {
	return s.views.Pipeline(ctx, id)
}

func (s *PipelineService) ListPipelines(ctx context.Context) ([]models.PipelineView, error) {
	return s.views.Pipelines(ctx)
}

// StartExecution re-validates the stored definition and starts a run.
func (s *PipelineService) StartExecution(ctx context.Context, pipelineID string) (*models.Execution, error) {
	p, err := s.repo.GetPipeline(ctx, pipelineID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, problems.New(problems.PipelineNotFound, "pipeline %s not found", pipelineID)
	}
	if err != nil {
		return nil, err
	}
	// The stored definition may predate the current rules.
	g, err := pipeline.Validate(p)
	if err != nil {
		return nil, err
	}
	exec, err := s.runner.Start(ctx, g)
	if err != nil {
		return nil, err
	}
	s.log.Info("execution started", "pipeline_id", pipelineID, "execution_id", exec.ID)
	return exec, nil
}

// GetExecutionStatus prefers the live record of an in-flight execution.
func (s *PipelineService) GetExecutionStatus(ctx context.Context, id string) (*models.Execution, error) {
	if exec, ok := s.runner.Snapshot(id); ok {
		return exec, nil
	}
	exec, err := s.repo.GetExecution(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, problems.New(problems.ExecutionNotFound, "execution %s not found", id)
	}
	return exec, err
}

// CancelExecution stops an in-flight execution. Cancelling a finished
// execution is a no-op that returns its record.
func (s *PipelineService) CancelExecution(ctx context.Context, id string) (*models.Execution, error) {
	if err := s.runner.Cancel(id); err == nil {
		s.log.Info("execution cancel requested", "execution_id", id)
	} else if !problems.ExecutionNotFound.Matches(err) {
		return nil, err
	}
	return s.GetExecutionStatus(ctx, id)
}

func (s *PipelineService) ListExecutions(ctx context.Context, pipelineID string) ([]*models.Execution, error) {
	if _, err := s.repo.GetPipeline(ctx, pipelineID); errors.Is(err, repository.ErrNotFound) {
		return nil, problems.New(problems.PipelineNotFound, "pipeline %s not found", pipelineID)
	} else if err != nil {
		return nil, err
	}
	return s.repo.ListExecutions(ctx, pipelineID)
}

// ExecutionMeta loads the lineage document written by a finished execution.
func (s *PipelineService) ExecutionMeta(ctx context.Context, id string) (*models.MetaDocument, error) {
	exec, err := s.GetExecutionStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	if exec.MetaPath == "" {
		return nil, problems.New(problems.MetaUnavailable, "execution %s is %s and has no meta document", id, exec.Status)
	}
	return s.meta.LoadMeta(ctx, exec.MetaPath)
}

func (s *PipelineService) ListSchedules(ctx context.Context) ([]models.ScheduleView, error) {
	return s.views.Schedules(ctx)
}

func (s *PipelineService) ListNotificationPolicies(ctx context.Context) ([]models.NotificationPolicyView, error) {
	return s.views.NotificationPolicies(ctx)
}

// SetActive toggles the active flag of a pipeline, schedule or policy.
func (s *PipelineService) SetActive(ctx context.Context, kind models.EntityKind, id string, active bool) (models.Metadata, error) {
	m, err := s.views.SetActive(ctx, kind, id, active)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) && kind == models.KindPipeline {
			return models.Metadata{}, problems.New(problems.PipelineNotFound, "pipeline %s not found", id)
		}
		return models.Metadata{}, fmt.Errorf("failed to toggle %s %s: %w", kind, id, err)
	}
	s.log.Info("active flag changed", "kind", kind, "id", id, "active", active)
	return m, nil
}
