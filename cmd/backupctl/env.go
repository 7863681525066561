package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"backupflow/backend/internal/adapters"
	"backupflow/backend/internal/artifacts"
	"backupflow/backend/internal/config"
	"backupflow/backend/internal/logging"
	"backupflow/backend/internal/objectstore"
	"backupflow/backend/pkg/models"
)

// environment is everything a command needs to touch artifacts or run steps.
type environment struct {
	cfg      *config.Config
	logger   *logging.Logger
	store    *artifacts.Store
	registry *adapters.Registry
	closers  []func() error
}

func (e *environment) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = append(errs, e.closers[i]())
	}
	return errors.Join(errs...)
}

func openEnvironment(ctx context.Context, opts *rootOptions, stderr io.Writer) (*environment, error) {
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.storageRoot != "" {
		cfg.Storage.Config = objectstore.Config{Backend: "filesystem", Root: opts.storageRoot}
	}

	env := &environment{
		cfg:    cfg,
		logger: logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Writer: stderr}),
	}

	objects, closeObjects, err := objectstore.Open(ctx, cfg.Storage.Config)
	if err != nil {
		return nil, fmt.Errorf("open artifact storage: %w", err)
	}
	env.closers = append(env.closers, closeObjects)
	env.store = artifacts.NewStore(objects, cfg.Storage.Prefix)

	deps := opts.deps
	if deps.Secrets == nil {
		deps.Secrets = adapters.NewStaticSecrets(cfg.Secrets)
	}
	if deps.Destinations == nil {
		deps.Destinations = make(map[string]objectstore.Store, len(cfg.Destinations))
		for name, dc := range cfg.Destinations {
			dest, closeDest, err := objectstore.Open(ctx, dc)
			if err != nil {
				_ = env.Close()
				return nil, fmt.Errorf("open destination %s: %w", name, err)
			}
			env.closers = append(env.closers, closeDest)
			deps.Destinations[name] = dest
		}
	}
	env.registry = adapters.NewDefaultRegistry(deps)
	return env, nil
}

// loadPipeline reads a YAML (or JSON) definition, rejecting unknown fields.
func loadPipeline(path string) (*models.Pipeline, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	var p models.Pipeline
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &p, nil
}

// render writes v in the requested format. YAML output is derived from the
// JSON encoding so both formats share field names and order.
func render(w io.Writer, format string, v any) error {
	switch format {
	case "yaml":
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var doc yaml.Node
		if err := yaml.Unmarshal(b, &doc); err != nil {
			return err
		}
		blockStyle(&doc)
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(&doc); err != nil {
			return err
		}
		return enc.Close()
	case "json", "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func blockStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		blockStyle(c)
	}
}
