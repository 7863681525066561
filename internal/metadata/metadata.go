// Package metadata merges core records with their separately stored metadata
// rows, synthesizing default rows for cores that have none.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"backupflow/backend/internal/problems"
	"backupflow/backend/internal/repository"
	"backupflow/backend/pkg/models"
)

var synthesizedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "backupflow_metadata_synthesized_total",
	Help: "Default metadata rows synthesized for cores that had none.",
}, []string{"kind"})

// ErrInconsistent reports a core that still has no metadata after synthesis.
// It indicates a persistence bug, not bad input.
var ErrInconsistent = errors.New("metadata invariant violated")

// Store is the persistence the merge needs.
type Store interface {
	ListMetadata(ctx context.Context, kind models.EntityKind, ids []string) ([]models.Metadata, error)
	UpsertMetadata(ctx context.Context, rows []models.Metadata) ([]models.Metadata, error)
}

// Attach merges every core with its metadata row. loaded holds rows the
// caller already has; ids missing from it get a default row, and all of those
// are persisted in one write before any view is built.
func Attach[C models.Core, V any](
	ctx context.Context,
	store Store,
	kind models.EntityKind,
	cores []C,
	loaded []models.Metadata,
	merge func(C, models.Metadata) V,
) ([]V, error) {
	byID := make(map[string]models.Metadata, len(loaded))
	for _, m := range loaded {
		if m.Kind == kind {
			byID[m.ID] = m
		}
	}

	var missing []models.Metadata
	queued := make(map[string]bool)
	for _, c := range cores {
		id := c.EntityID()
		if _, ok := byID[id]; ok || queued[id] {
			continue
		}
		queued[id] = true
		missing = append(missing, models.DefaultMetadata(kind, id))
	}

	if len(missing) > 0 {
		stored, err := store.UpsertMetadata(ctx, missing)
		if err != nil {
			return nil, fmt.Errorf("failed to synthesize %s metadata: %w", kind, err)
		}
		for _, m := range stored {
			if m.Kind == kind {
				byID[m.ID] = m
			}
		}
		synthesizedTotal.WithLabelValues(string(kind)).Add(float64(len(missing)))
	}

	views := make([]V, 0, len(cores))
	for _, c := range cores {
		m, ok := byID[c.EntityID()]
		if !ok {
			return nil, fmt.Errorf("%w: %s %s has no metadata row", ErrInconsistent, kind, c.EntityID())
		}
		views = append(views, merge(c, m))
	}
	return views, nil
}

// load fetches the rows for cores and attaches them.
func load[C models.Core, V any](ctx context.Context, store Store, kind models.EntityKind, cores []C, merge func(C, models.Metadata) V) ([]V, error) {
	ids := make([]string, len(cores))
	for i, c := range cores {
		ids[i] = c.EntityID()
	}
	rows, err := store.ListMetadata(ctx, kind, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s metadata: %w", kind, err)
	}
	return Attach(ctx, store, kind, cores, rows, merge)
}

func mergePipeline(p *models.Pipeline, m models.Metadata) models.PipelineView {
	return models.PipelineView{Pipeline: p, Metadata: m}
}

func mergeSchedule(s *models.Schedule, m models.Metadata) models.ScheduleView {
	return models.ScheduleView{Schedule: s, Metadata: m}
}

func mergePolicy(n *models.NotificationPolicy, m models.Metadata) models.NotificationPolicyView {
	return models.NotificationPolicyView{NotificationPolicy: n, Metadata: m}
}

// Repository serves merged views of every hybrid entity.
type Repository struct {
	repo repository.Repository
	now  func() time.Time
}

// NewRepository returns a Repository reading cores and metadata from repo.
func NewRepository(repo repository.Repository) *Repository {
	return &Repository{repo: repo, now: time.Now}
}

// Pipelines lists every pipeline merged with its metadata.
func (r *Repository) Pipelines(ctx context.Context) ([]models.PipelineView, error) {
	cores, err := r.repo.ListPipelines(ctx)
	if err != nil {
		return nil, err
	}
	return load(ctx, r.repo, models.KindPipeline, cores, mergePipeline)
}

// Pipeline returns one merged pipeline view, or PIPELINE.not_found.
func (r *Repository) Pipeline(ctx context.Context, id string) (*models.PipelineView, error) {
	p, err := r.repo.GetPipeline(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, problems.New(problems.PipelineNotFound, "pipeline %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	views, err := load(ctx, r.repo, models.KindPipeline, []*models.Pipeline{p}, mergePipeline)
	if err != nil {
		return nil, err
	}
	return &views[0], nil
}

// Schedules lists every schedule merged with its metadata.
func (r *Repository) Schedules(ctx context.Context) ([]models.ScheduleView, error) {
	cores, err := r.repo.ListSchedules(ctx)
	if err != nil {
		return nil, err
	}
	return load(ctx, r.repo, models.KindSchedule, cores, mergeSchedule)
}

// NotificationPolicies lists every notification policy merged with its metadata.
func (r *Repository) NotificationPolicies(ctx context.Context) ([]models.NotificationPolicyView, error) {
	cores, err := r.repo.ListNotificationPolicies(ctx)
	if err != nil {
		return nil, err
	}
	return load(ctx, r.repo, models.KindNotificationPolicy, cores, mergePolicy)
}

// ErrUnknownKind is returned by SetActive for kinds without metadata.
var ErrUnknownKind = errors.New("unknown entity kind")

// SetActive toggles the active flag of an existing core.
func (r *Repository) SetActive(ctx context.Context, kind models.EntityKind, id string, active bool) (models.Metadata, error) {
	var err error
	switch kind {
	case models.KindPipeline:
		_, err = r.repo.GetPipeline(ctx, id)
	case models.KindSchedule:
		_, err = r.repo.GetSchedule(ctx, id)
	case models.KindNotificationPolicy:
		_, err = r.repo.GetNotificationPolicy(ctx, id)
	default:
		return models.Metadata{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if err != nil {
		return models.Metadata{}, err
	}
	return r.repo.SetActive(ctx, kind, id, active, r.now().UTC())
}
