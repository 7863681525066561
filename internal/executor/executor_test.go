package executor

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"backupflow/backend/internal/adapters"
	"backupflow/backend/internal/artifacts"
	"backupflow/backend/internal/guard"
	"backupflow/backend/internal/objectstore"
	"backupflow/backend/internal/pipeline"
	"backupflow/backend/internal/problems"
	"backupflow/backend/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memExecutions struct {
	mu      sync.Mutex
	records map[string]models.Execution
	updates int
}

func newMemExecutions() *memExecutions {
	return &memExecutions{records: map[string]models.Execution{}}
}

func (m *memExecutions) CreateExecution(ctx context.Context, exec *models.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[exec.ID] = *exec
	return nil
}

func (m *memExecutions) UpdateExecution(ctx context.Context, exec *models.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[exec.ID] = *exec
	m.updates++
	return nil
}

func (m *memExecutions) get(id string) models.Execution {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[id]
}

type fakeDump struct{}

func (fakeDump) Run(ctx context.Context, cmd adapters.Command, stdout io.Writer) error {
	_, err := io.WriteString(stdout, strings.Repeat("INSERT INTO orders VALUES (1);\n", 100))
	return err
}

func writeFile(name, content string) adapters.Adapter {
	return adapters.AdapterFunc(func(ctx context.Context, req adapters.Request) error {
		return req.Store.Write(ctx, req.Output.Entry(name), strings.NewReader(content))
	})
}

func copyInput() adapters.Adapter {
	return adapters.AdapterFunc(func(ctx context.Context, req adapters.Request) error {
		if req.Input == nil {
			return adapters.ErrNoInput
		}
		rc, err := req.Store.Read(ctx, req.Input.Entry)
		if err != nil {
			return err
		}
		defer rc.Close()
		return req.Store.Write(ctx, req.Output.Entry(req.Input.Name()), rc)
	})
}

func failing(msg string) adapters.Adapter {
	return adapters.AdapterFunc(func(context.Context, adapters.Request) error { return errors.New(msg) })
}

type fixture struct {
	exec    *Executor
	store   *artifacts.Store
	records *memExecutions
	guard   *guard.Guard
}

func newFixture(t *testing.T, registry *adapters.Registry) *fixture {
	t.Helper()
	store := artifacts.NewStore(objectstore.NewMemoryStore(), "")
	records := newMemExecutions()
	g := guard.New()
	return &fixture{
		exec:    New(g, registry, store, records, Options{MaxParallel: 4}),
		store:   store,
		records: records,
		guard:   g,
	}
}

func registryOf(bindings map[models.StepType]adapters.Adapter) *adapters.Registry {
	r := adapters.NewRegistry()
	for t, a := range bindings {
		r.MustRegister(t, a)
	}
	return r
}

func mustValidate(t *testing.T, p *models.Pipeline) *pipeline.ValidatedGraph {
	t.Helper()
	g, err := pipeline.Validate(p)
	require.NoError(t, err)
	return g
}

func waitFinished(t *testing.T, f *fixture, id string) {
	t.Helper()
	require.Eventually(t, func() bool { return !f.exec.Running(id) }, 5*time.Second, 5*time.Millisecond)
}

func step(id string, typ models.StepType, cfg map[string]string) models.Step {
	return models.Step{ID: id, Type: typ, Config: cfg}
}

func TestExecute_LinearBackupScenario(t *testing.T) {
	dest := objectstore.NewMemoryStore()
	registry := adapters.NewDefaultRegistry(adapters.Deps{
		Secrets:      adapters.NewStaticSecrets(map[string]string{"main-db": "postgres://backup@db:5432/app"}),
		Runner:       fakeDump{},
		Destinations: map[string]objectstore.Store{"offsite": dest},
	})
	f := newFixture(t, registry)

	g := mustValidate(t, &models.Pipeline{
		ID: "nightly",
		Steps: []models.Step{
			step("upload", models.StepTypeObjectStorageUpload, map[string]string{"destination": "offsite"}),
			step("dump", models.StepTypePostgresBackup, map[string]string{"connection": "main-db"}),
			step("gzip", models.StepTypeCompress, nil),
		},
		References: []models.Reference{{From: "dump", To: "gzip"}, {From: "gzip", To: "upload"}},
	})

	exec, err := f.exec.Execute(context.Background(), g)
	require.NoError(t, err)
	require.Equal(t, models.ExecutionSucceeded, exec.Status, exec.Error)
	require.NotNil(t, exec.StartedAt)
	require.NotNil(t, exec.FinishedAt)

	want := []models.StepDescriptor{
		{StepID: "dump", Type: models.StepTypePostgresBackup},
		{StepID: "gzip", Type: models.StepTypeCompress},
		{StepID: "upload", Type: models.StepTypeObjectStorageUpload},
	}
	assert.Equal(t, want, exec.StepTrail)

	doc, err := f.store.LoadMeta(context.Background(), exec.MetaPath)
	require.NoError(t, err)
	assert.Equal(t, 1, doc.Version)
	assert.Equal(t, "meta", doc.Object)
	require.Len(t, doc.Artifacts, 1)
	assert.Equal(t, want, doc.Artifacts[0].StepTrail)

	keys, err := dest.List(context.Background(), "nightly/")
	require.NoError(t, err)
	assert.Equal(t, []string{"nightly/" + exec.ID + "/dump.sql.gz"}, keys)

	stored := f.records.get(exec.ID)
	assert.Equal(t, models.ExecutionSucceeded, stored.Status)
	assert.Equal(t, exec.MetaPath, stored.MetaPath)
	assert.False(t, f.guard.Held("nightly"))
	assert.False(t, f.exec.Running(exec.ID))
}

func TestStart_SecondExecutionIsRejected(t *testing.T) {
	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	registry := registryOf(map[models.StepType]adapters.Adapter{
		models.StepTypePostgresBackup: adapters.AdapterFunc(func(ctx context.Context, req adapters.Request) error {
			entered <- struct{}{}
			<-gate
			return req.Store.Write(ctx, req.Output.Entry("dump.sql"), strings.NewReader("x"))
		}),
	})
	f := newFixture(t, registry)
	g := mustValidate(t, &models.Pipeline{ID: "p1", Steps: []models.Step{step("dump", models.StepTypePostgresBackup, nil)}})

	first, err := f.exec.Start(context.Background(), g)
	require.NoError(t, err)
	<-entered
	assert.True(t, f.exec.Running(first.ID))

	second, err := f.exec.Start(context.Background(), g)
	assert.Nil(t, second)
	require.Error(t, err)
	assert.True(t, problems.AlreadyExists.Matches(err))

	f.records.mu.Lock()
	assert.Len(t, f.records.records, 1, "no second execution record")
	f.records.mu.Unlock()

	close(gate)
	waitFinished(t, f, first.ID)
	assert.Equal(t, models.ExecutionSucceeded, f.records.get(first.ID).Status)

	third, err := f.exec.Execute(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionSucceeded, third.Status)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestExecute_PartialFailure(t *testing.T) {
	registry := registryOf(map[models.StepType]adapters.Adapter{
		models.StepTypePostgresBackup:      writeFile("dump.sql", "data"),
		models.StepTypeCompress:            copyInput(),
		models.StepTypeEncrypt:             failing("no key"),
		models.StepTypeObjectStorageUpload: copyInput(),
	})
	f := newFixture(t, registry)
	g := mustValidate(t, &models.Pipeline{
		ID: "branchy",
		Steps: []models.Step{
			step("dump", models.StepTypePostgresBackup, nil),
			step("gzip", models.StepTypeCompress, nil),
			step("up-plain", models.StepTypeObjectStorageUpload, nil),
			step("enc", models.StepTypeEncrypt, nil),
			step("up-enc", models.StepTypeObjectStorageUpload, nil),
		},
		References: []models.Reference{
			{From: "dump", To: "gzip"}, {From: "gzip", To: "up-plain"},
			{From: "dump", To: "enc"}, {From: "enc", To: "up-enc"},
		},
	})

	exec, err := f.exec.Execute(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, exec.Status)
	assert.Contains(t, exec.Error, "EXECUTION.adapter_failed")
	assert.Contains(t, exec.Error, "no key")

	statuses := map[string]models.StepRunStatus{}
	for _, sr := range exec.Steps {
		statuses[sr.StepID] = sr.Status
	}
	assert.Equal(t, map[string]models.StepRunStatus{
		"dump":     models.StepSucceeded,
		"gzip":     models.StepSucceeded,
		"up-plain": models.StepSucceeded,
		"enc":      models.StepFailed,
		"up-enc":   models.StepSkipped,
	}, statuses)

	// the partial trail survives the failure
	assert.Len(t, exec.StepTrail, 3)

	doc, err := f.store.LoadMeta(context.Background(), exec.MetaPath)
	require.NoError(t, err)
	require.Len(t, doc.Artifacts, 1)
	assert.Equal(t, []models.StepDescriptor{
		{StepID: "dump", Type: models.StepTypePostgresBackup},
		{StepID: "gzip", Type: models.StepTypeCompress},
		{StepID: "up-plain", Type: models.StepTypeObjectStorageUpload},
	}, doc.Artifacts[0].StepTrail)
	assert.False(t, f.guard.Held("branchy"))
}

func TestExecute_AdapterPanicReleasesGuard(t *testing.T) {
	registry := registryOf(map[models.StepType]adapters.Adapter{
		models.StepTypePostgresBackup: adapters.AdapterFunc(func(context.Context, adapters.Request) error {
			panic("boom")
		}),
	})
	f := newFixture(t, registry)
	g := mustValidate(t, &models.Pipeline{ID: "p", Steps: []models.Step{step("dump", models.StepTypePostgresBackup, nil)}})

	exec, err := f.exec.Execute(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, exec.Status)
	assert.Contains(t, exec.Error, "panicked: boom")
	assert.Empty(t, exec.MetaPath)
	assert.False(t, f.guard.Held("p"))
}

func TestExecute_AmbiguousInput(t *testing.T) {
	registry := registryOf(map[models.StepType]adapters.Adapter{
		models.StepTypePostgresBackup: adapters.AdapterFunc(func(ctx context.Context, req adapters.Request) error {
			for _, name := range []string{"a.sql", "b.sql"} {
				if err := req.Store.Write(ctx, req.Output.Entry(name), strings.NewReader(name)); err != nil {
					return err
				}
			}
			return nil
		}),
		models.StepTypeCompress: copyInput(),
	})
	f := newFixture(t, registry)
	g := mustValidate(t, &models.Pipeline{
		ID:         "p",
		Steps:      []models.Step{step("dump", models.StepTypePostgresBackup, nil), step("gzip", models.StepTypeCompress, nil)},
		References: []models.Reference{{From: "dump", To: "gzip"}},
	})

	exec, err := f.exec.Execute(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, exec.Status)
	assert.Contains(t, exec.Error, problems.AmbiguousInput.String())
	assert.Equal(t, []models.StepDescriptor{{StepID: "dump", Type: models.StepTypePostgresBackup}}, exec.StepTrail)
}

func TestExecute_FanInFailsBranch(t *testing.T) {
	registry := registryOf(map[models.StepType]adapters.Adapter{
		models.StepTypePostgresBackup:      writeFile("dump.sql", "data"),
		models.StepTypeCompress:            copyInput(),
		models.StepTypeEncrypt:             copyInput(),
		models.StepTypeObjectStorageUpload: copyInput(),
	})
	f := newFixture(t, registry)
	g := mustValidate(t, &models.Pipeline{
		ID: "diamond",
		Steps: []models.Step{
			step("dump", models.StepTypePostgresBackup, nil),
			step("gzip", models.StepTypeCompress, nil),
			step("enc", models.StepTypeEncrypt, nil),
			step("upload", models.StepTypeObjectStorageUpload, nil),
		},
		References: []models.Reference{
			{From: "dump", To: "gzip"}, {From: "dump", To: "enc"},
			{From: "gzip", To: "upload"}, {From: "enc", To: "upload"},
		},
	})

	exec, err := f.exec.Execute(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, exec.Status)
	assert.Contains(t, exec.Error, problems.UnsupportedFanIn.String())
	assert.Empty(t, exec.MetaPath)
}

func TestCancel_SkipsRemainingSteps(t *testing.T) {
	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	registry := registryOf(map[models.StepType]adapters.Adapter{
		models.StepTypePostgresBackup: adapters.AdapterFunc(func(ctx context.Context, req adapters.Request) error {
			entered <- struct{}{}
			<-gate
			return req.Store.Write(ctx, req.Output.Entry("dump.sql"), strings.NewReader("x"))
		}),
		models.StepTypeCompress: copyInput(),
	})
	f := newFixture(t, registry)
	g := mustValidate(t, &models.Pipeline{
		ID:         "p",
		Steps:      []models.Step{step("dump", models.StepTypePostgresBackup, nil), step("gzip", models.StepTypeCompress, nil)},
		References: []models.Reference{{From: "dump", To: "gzip"}},
	})

	started, err := f.exec.Start(context.Background(), g)
	require.NoError(t, err)
	<-entered
	require.NoError(t, f.exec.Cancel(started.ID))
	close(gate)

	waitFinished(t, f, started.ID)
	exec := f.records.get(started.ID)
	assert.Equal(t, models.ExecutionFailed, exec.Status)
	assert.Contains(t, exec.Error, problems.Cancelled.String())
	assert.Equal(t, []models.StepDescriptor{{StepID: "dump", Type: models.StepTypePostgresBackup}}, exec.StepTrail)
	assert.Empty(t, exec.MetaPath)
	assert.False(t, f.guard.Held("p"))

	err = f.exec.Cancel(started.ID)
	assert.True(t, problems.ExecutionNotFound.Matches(err))
	_, err = f.exec.Wait(context.Background(), started.ID)
	assert.True(t, problems.ExecutionNotFound.Matches(err))
}

func TestCancel_SkipsStepQueuedForSlot(t *testing.T) {
	gate := make(chan struct{})
	entered := make(chan struct{}, 2)
	var mu sync.Mutex
	calls := 0
	blocking := adapters.AdapterFunc(func(ctx context.Context, req adapters.Request) error {
		mu.Lock()
		calls++
		mu.Unlock()
		entered <- struct{}{}
		<-gate
		return copyInput().Run(ctx, req)
	})
	registry := registryOf(map[models.StepType]adapters.Adapter{
		models.StepTypePostgresBackup: writeFile("dump.sql", "data"),
		models.StepTypeCompress:       blocking,
	})
	store := artifacts.NewStore(objectstore.NewMemoryStore(), "")
	records := newMemExecutions()
	g := guard.New()
	exec := New(g, registry, store, records, Options{MaxParallel: 1})
	graph := mustValidate(t, &models.Pipeline{
		ID: "p",
		Steps: []models.Step{
			step("src", models.StepTypePostgresBackup, nil),
			step("x", models.StepTypeCompress, nil),
			step("y", models.StepTypeCompress, nil),
		},
		References: []models.Reference{{From: "src", To: "x"}, {From: "src", To: "y"}},
	})

	started, err := exec.Start(context.Background(), graph)
	require.NoError(t, err)
	<-entered
	// Give the sibling branch time to block on the slot.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, exec.Cancel(started.ID))
	close(gate)

	require.Eventually(t, func() bool { return !exec.Running(started.ID) }, 5*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, calls, "queued sibling must not run after cancel")
	mu.Unlock()
	got := records.get(started.ID)
	assert.Equal(t, models.ExecutionFailed, got.Status)
	assert.Contains(t, got.Error, problems.Cancelled.String())
	assert.Len(t, got.StepTrail, 2)
	assert.False(t, g.Held("p"))
}

func TestExecute_IndependentBranchesOverlap(t *testing.T) {
	var mu sync.Mutex
	inFlight, peak := 0, 0
	slow := adapters.AdapterFunc(func(ctx context.Context, req adapters.Request) error {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return req.Store.Write(ctx, req.Output.Entry("out"), strings.NewReader("x"))
	})
	registry := registryOf(map[models.StepType]adapters.Adapter{
		models.StepTypePostgresBackup: writeFile("dump.sql", "data"),
		models.StepTypeCompress:       slow,
		models.StepTypeEncrypt:        slow,
	})
	f := newFixture(t, registry)
	g := mustValidate(t, &models.Pipeline{
		ID: "fan-out",
		Steps: []models.Step{
			step("dump", models.StepTypePostgresBackup, nil),
			step("gzip", models.StepTypeCompress, nil),
			step("enc", models.StepTypeEncrypt, nil),
		},
		References: []models.Reference{{From: "dump", To: "gzip"}, {From: "dump", To: "enc"}},
	})

	exec, err := f.exec.Execute(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionSucceeded, exec.Status)
	assert.Equal(t, 2, peak)

	doc, err := f.store.LoadMeta(context.Background(), exec.MetaPath)
	require.NoError(t, err)
	assert.Len(t, doc.Artifacts, 2)
}
