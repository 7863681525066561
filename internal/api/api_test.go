package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backupflow/backend/internal/adapters"
	"backupflow/backend/internal/artifacts"
	"backupflow/backend/internal/auth"
	"backupflow/backend/internal/config"
	"backupflow/backend/internal/executor"
	"backupflow/backend/internal/guard"
	"backupflow/backend/internal/logging"
	"backupflow/backend/internal/metadata"
	"backupflow/backend/internal/objectstore"
	"backupflow/backend/internal/repository"
	"backupflow/backend/internal/services"
	"backupflow/backend/pkg/models"
)

const nightly = `{
	"id": "nightly",
	"name": "nightly",
	"steps": [
		{"id": "dump", "type": "postgres_backup"},
		{"id": "gzip", "type": "compress"}
	],
	"references": [{"from": "dump", "to": "gzip"}]
}`

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

func registry() *adapters.Registry {
	r := adapters.NewRegistry()
	r.MustRegister(models.StepTypePostgresBackup, adapters.AdapterFunc(func(ctx context.Context, req adapters.Request) error {
		return req.Store.Write(ctx, req.Output.Entry("dump.sql"), strings.NewReader("rows"))
	}))
	r.MustRegister(models.StepTypeCompress, adapters.AdapterFunc(func(ctx context.Context, req adapters.Request) error {
		return req.Store.Write(ctx, req.Output.Entry(req.Input.Name()+".gz"), strings.NewReader("gz"))
	}))
	return r
}

func newTestEcho(t *testing.T, db Pinger) (*echo.Echo, *repository.MemoryRepository) {
	t.Helper()
	repo := repository.NewMemoryRepository()
	store := artifacts.NewStore(objectstore.NewMemoryStore(), "")
	exec := executor.New(guard.New(), registry(), store, repo, executor.Options{})
	svc := services.NewPipelineService(repo, metadata.NewRepository(repo), exec, store, logging.Discard())

	cfg := &config.Config{Environment: "development"}
	cfg.Auth.DevModeBypass = true
	authz, err := auth.New(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)

	if db == nil {
		db = repo
	}
	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler(logging.Discard())
	RegisterHandlers(e, NewServer(svc, db, logging.Discard()), authz)
	return e, repo
}

func do(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	e, _ := newTestEcho(t, nil)
	rec := do(e, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[models.HealthStatus](t, rec).Checks["database"])

	e, _ = newTestEcho(t, failingPinger{})
	rec = do(e, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", decode[models.HealthStatus](t, rec).Status)
}

func TestMetrics(t *testing.T) {
	e, _ := newTestEcho(t, nil)
	rec := do(e, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestValidatePipeline(t *testing.T) {
	e, _ := newTestEcho(t, nil)

	rec := do(e, http.MethodPost, "/api/v1/pipelines/validate", nightly)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode[ValidationResult](t, rec)
	assert.True(t, result.Valid)
	assert.Equal(t, "dump", result.StartingStep)
	assert.Equal(t, []string{"dump", "gzip"}, result.Order)
	assert.Equal(t, []string{"gzip"}, result.Terminal)

	twoStarts := `{"name":"x","steps":[{"id":"a","type":"compress"},{"id":"b","type":"compress"}],"references":[]}`
	rec = do(e, http.MethodPost, "/api/v1/pipelines/validate", twoStarts)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get(echo.HeaderContentType))
	problem := decode[models.ProblemDetails](t, rec)
	assert.Equal(t, "PIPELINE.too_many_starting_steps", problem.Code)
	assert.Equal(t, []string{"steps[0]", "steps[1]"}, problem.Paths)
	assert.Equal(t, "/api/v1/pipelines/validate", problem.Instance)

	rec = do(e, http.MethodPost, "/api/v1/pipelines/validate", `{"steps": [`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "PIPELINE.invalid_definition", decode[models.ProblemDetails](t, rec).Code)
}

func TestPipelineCRUD(t *testing.T) {
	e, _ := newTestEcho(t, nil)

	rec := do(e, http.MethodPut, "/api/v1/pipelines", nightly)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	saved := decode[map[string]any](t, rec)
	assert.Equal(t, "nightly", saved["id"])
	assert.Equal(t, false, saved["active"])

	rec = do(e, http.MethodGet, "/api/v1/pipelines/nightly", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(e, http.MethodGet, "/api/v1/pipelines", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]map[string]any](t, rec), 1)

	rec = do(e, http.MethodGet, "/api/v1/pipelines/missing", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "PIPELINE.not_found", decode[models.ProblemDetails](t, rec).Code)
}

func TestExecutionEndpoints(t *testing.T) {
	e, _ := newTestEcho(t, nil)
	require.Equal(t, http.StatusOK, do(e, http.MethodPut, "/api/v1/pipelines", nightly).Code)

	rec := do(e, http.MethodPost, "/api/v1/pipelines/nightly/executions", "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	started := decode[models.Execution](t, rec)
	assert.Equal(t, "/api/v1/executions/"+started.ID, rec.Header().Get(echo.HeaderLocation))

	var exec models.Execution
	require.Eventually(t, func() bool {
		rec := do(e, http.MethodGet, "/api/v1/executions/"+started.ID, "")
		if rec.Code != http.StatusOK {
			return false
		}
		exec = decode[models.Execution](t, rec)
		return exec.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, models.ExecutionSucceeded, exec.Status)

	rec = do(e, http.MethodGet, "/api/v1/executions/"+started.ID+"/meta", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	doc := decode[models.MetaDocument](t, rec)
	assert.Equal(t, 1, doc.Version)
	require.Len(t, doc.Artifacts, 1)

	rec = do(e, http.MethodGet, "/api/v1/pipelines/nightly/executions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.Execution](t, rec), 1)

	rec = do(e, http.MethodPost, "/api/v1/executions/missing/cancel", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "EXECUTION.not_found", decode[models.ProblemDetails](t, rec).Code)
}

func TestSetActive(t *testing.T) {
	e, repo := newTestEcho(t, nil)
	require.Equal(t, http.StatusOK, do(e, http.MethodPut, "/api/v1/pipelines", nightly).Code)
	require.NoError(t, repo.SaveSchedule(context.Background(), &models.Schedule{ID: "s1", PipelineID: "nightly", Cron: "0 2 * * *"}))

	rec := do(e, http.MethodPut, "/api/v1/pipelines/nightly/active", `{"active": true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decode[map[string]any](t, rec)["active"])

	rec = do(e, http.MethodPut, "/api/v1/schedules/s1/active", `{"active": true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(e, http.MethodGet, "/api/v1/schedules", "")
	require.Equal(t, http.StatusOK, rec.Code)
	schedules := decode[[]map[string]any](t, rec)
	require.Len(t, schedules, 1)
	assert.Equal(t, true, schedules[0]["active"])

	rec = do(e, http.MethodPut, "/api/v1/schedules/missing/active", `{"active": true}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(e, http.MethodPut, "/api/v1/tapes/t1/active", `{"active": true}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(e, http.MethodPut, "/api/v1/pipelines/nightly/active", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e, http.MethodGet, "/api/v1/notification-policies", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]map[string]any](t, rec))
}
