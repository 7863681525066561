package repository

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"backupflow/backend/pkg/models"
)

type metaKey struct {
	kind models.EntityKind
	id   string
}

// MemoryRepository is an in-process Repository for the CLI and tests.
// Records are deep-copied on the way in and out.
type MemoryRepository struct {
	mu         sync.RWMutex
	pipelines  map[string]*models.Pipeline
	executions map[string]*models.Execution
	schedules  map[string]*models.Schedule
	policies   map[string]*models.NotificationPolicy
	metadata   map[metaKey]models.Metadata
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		pipelines:  make(map[string]*models.Pipeline),
		executions: make(map[string]*models.Execution),
		schedules:  make(map[string]*models.Schedule),
		policies:   make(map[string]*models.NotificationPolicy),
		metadata:   make(map[metaKey]models.Metadata),
	}
}

func (r *MemoryRepository) Ping(ctx context.Context) error    { return nil }
func (r *MemoryRepository) Migrate(ctx context.Context) error { return nil }

// clone round-trips through JSON so callers never share nested slices or maps.
func clone[T any](v *T) *T {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(err)
	}
	return &out
}

func (r *MemoryRepository) SavePipeline(ctx context.Context, p *models.Pipeline) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := r.pipelines[p.ID]; ok {
		p.CreatedAt = existing.CreatedAt
	} else {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	r.pipelines[p.ID] = clone(p)
	return nil
}

func (r *MemoryRepository) GetPipeline(ctx context.Context, id string) (*models.Pipeline, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pipelines[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(p), nil
}

func (r *MemoryRepository) ListPipelines(ctx context.Context) ([]*models.Pipeline, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedValues(r.pipelines), nil
}

func (r *MemoryRepository) CreateExecution(ctx context.Context, e *models.Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executions[e.ID] = clone(e)
	return nil
}

func (r *MemoryRepository) UpdateExecution(ctx context.Context, e *models.Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.executions[e.ID]; !ok {
		return ErrNotFound
	}
	r.executions[e.ID] = clone(e)
	return nil
}

func (r *MemoryRepository) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(e), nil
}

func (r *MemoryRepository) ListExecutions(ctx context.Context, pipelineID string) ([]*models.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.Execution
	for _, e := range r.executions {
		if e.PipelineID == pipelineID {
			out = append(out, clone(e))
		}
	}
	// ids are ULIDs, so descending id is newest first
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (r *MemoryRepository) SaveSchedule(ctx context.Context, s *models.Schedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	r.schedules[s.ID] = clone(s)
	return nil
}

func (r *MemoryRepository) GetSchedule(ctx context.Context, id string) (*models.Schedule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schedules[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (r *MemoryRepository) ListSchedules(ctx context.Context) ([]*models.Schedule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedValues(r.schedules), nil
}

func (r *MemoryRepository) SaveNotificationPolicy(ctx context.Context, n *models.NotificationPolicy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	r.policies[n.ID] = clone(n)
	return nil
}

func (r *MemoryRepository) GetNotificationPolicy(ctx context.Context, id string) (*models.NotificationPolicy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.policies[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(n), nil
}

func (r *MemoryRepository) ListNotificationPolicies(ctx context.Context) ([]*models.NotificationPolicy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedValues(r.policies), nil
}

func (r *MemoryRepository) ListMetadata(ctx context.Context, kind models.EntityKind, ids []string) ([]models.Metadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.Metadata
	for _, id := range ids {
		if m, ok := r.metadata[metaKey{kind, id}]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *MemoryRepository) UpsertMetadata(ctx context.Context, batch []models.Metadata) ([]models.Metadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	batch = dedupe(batch)
	out := make([]models.Metadata, 0, len(batch))
	for _, m := range batch {
		k := metaKey{m.Kind, m.ID}
		if existing, ok := r.metadata[k]; ok {
			out = append(out, existing)
			continue
		}
		r.metadata[k] = m
		out = append(out, m)
	}
	return out, nil
}

func (r *MemoryRepository) SetActive(ctx context.Context, kind models.EntityKind, id string, active bool, at time.Time) (models.Metadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := models.Metadata{Kind: kind, ID: id, Active: active, ToggledAt: at}
	r.metadata[metaKey{kind, id}] = m
	return m, nil
}

func sortedValues[V any](m map[string]*V) []*V {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*V, 0, len(keys))
	for _, k := range keys {
		out = append(out, clone(m[k]))
	}
	return out
}
