// Package adapters implements the unit of work behind each step type. Every
// adapter consumes at most one upstream artifact and produces exactly one
// output directory.
package adapters

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"sync"

	"backupflow/backend/internal/artifacts"
	"backupflow/backend/internal/objectstore"
	"backupflow/backend/pkg/models"
)

// ErrNoInput is returned by transform and sink adapters invoked without an
// upstream artifact.
var ErrNoInput = errors.New("step requires an upstream artifact")

// Input is the single entry of an upstream output directory.
type Input struct {
	Dir   string
	Entry string
}

// Name returns the base name of the entry.
func (in *Input) Name() string {
	return path.Base(in.Entry)
}

// Request carries everything an adapter needs for one invocation.
type Request struct {
	ExecutionID string
	PipelineID  string
	Step        models.Step
	Input       *Input
	Output      artifacts.Location
	Store       *artifacts.Store
}

// Adapter runs one step. It must write its result inside req.Output.
type Adapter interface {
	Run(ctx context.Context, req Request) error
}

// AdapterFunc lets an ordinary function act as an Adapter.
type AdapterFunc func(ctx context.Context, req Request) error

func (f AdapterFunc) Run(ctx context.Context, req Request) error { return f(ctx, req) }

// Registry binds step types to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[models.StepType]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[models.StepType]Adapter)}
}

// Register binds a to t. Each type may be bound once.
func (r *Registry) Register(t models.StepType, a Adapter) error {
	if !t.Valid() {
		return fmt.Errorf("unknown step type %q", t)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[t]; ok {
		return fmt.Errorf("adapter for %q already registered", t)
	}
	r.adapters[t] = a
	return nil
}

// MustRegister is Register for setup code.
func (r *Registry) MustRegister(t models.StepType, a Adapter) {
	if err := r.Register(t, a); err != nil {
		panic(err)
	}
}

// Lookup returns the adapter bound to t.
func (r *Registry) Lookup(t models.StepType) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[t]
	return a, ok
}

// Types lists the bound step types.
func (r *Registry) Types() []models.StepType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.StepType, 0, len(r.adapters))
	for t := range r.adapters {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Deps are the collaborators of the built-in adapters.
type Deps struct {
	Secrets      SecretResolver
	Runner       CommandRunner
	Destinations map[string]objectstore.Store
	DialSFTP     SFTPDialer
}

// NewDefaultRegistry binds every built-in step type.
func NewDefaultRegistry(deps Deps) *Registry {
	if deps.Runner == nil {
		deps.Runner = ExecRunner{}
	}
	if deps.DialSFTP == nil {
		deps.DialSFTP = DialSSH
	}
	r := NewRegistry()
	r.MustRegister(models.StepTypePostgresBackup, &PostgresBackup{Secrets: deps.Secrets, Runner: deps.Runner})
	r.MustRegister(models.StepTypeCompress, &Compress{})
	r.MustRegister(models.StepTypeEncrypt, &Encrypt{Secrets: deps.Secrets})
	r.MustRegister(models.StepTypeObjectStorageUpload, &ObjectStorageUpload{Destinations: deps.Destinations})
	r.MustRegister(models.StepTypeSFTPUpload, &SFTPUpload{Secrets: deps.Secrets, Dial: deps.DialSFTP})
	return r
}

func requireInput(req Request) error {
	if req.Input == nil {
		return fmt.Errorf("step %s: %w", req.Step.ID, ErrNoInput)
	}
	return nil
}

func configValue(step models.Step, key string) (string, error) {
	v := step.Config[key]
	if v == "" {
		return "", fmt.Errorf("step %s: config %q is required", step.ID, key)
	}
	return v, nil
}

var errWriteAborted = errors.New("artifact write aborted")

// writeStream writes whatever produce emits to p without buffering the whole
// artifact in memory.
func writeStream(ctx context.Context, store *artifacts.Store, p string, produce func(io.Writer) error) error {
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		err := produce(pw)
		_ = pw.CloseWithError(err)
		done <- err
	}()

	werr := store.Write(ctx, p, pr)
	_ = pr.CloseWithError(errWriteAborted)
	if perr := <-done; perr != nil && !errors.Is(perr, errWriteAborted) {
		return perr
	}
	return werr
}

// transform streams the input entry through fn into a new entry called name.
func transform(ctx context.Context, req Request, name string, fn func(dst io.Writer, src io.Reader) error) error {
	src, err := req.Store.Read(ctx, req.Input.Entry)
	if err != nil {
		return fmt.Errorf("failed to open input %s: %w", req.Input.Entry, err)
	}
	defer src.Close()
	return writeStream(ctx, req.Store, req.Output.Entry(name), func(w io.Writer) error {
		return fn(w, src)
	})
}
