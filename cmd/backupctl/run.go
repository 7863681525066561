package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"backupflow/backend/internal/executor"
	"backupflow/backend/internal/guard"
	"backupflow/backend/internal/pipeline"
	"backupflow/backend/internal/repository"
	"backupflow/backend/pkg/models"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var maxParallel int64
	cmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Execute a pipeline definition and print the execution record",
		Long: `Runs every step of the pipeline in FILE against the configured storage.
Interrupting the command cancels the execution: running steps finish and the
rest are skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			p, err := loadPipeline(args[0])
			if err != nil {
				return err
			}
			if p.ID == "" {
				p.ID = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
			}
			g, err := pipeline.Validate(p)
			if err != nil {
				return fmt.Errorf("%s: %s", args[0], describe(err))
			}

			env, err := openEnvironment(ctx, opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer env.Close()

			if !cmd.Flags().Changed("max-parallel") {
				maxParallel = env.cfg.Executor.MaxParallel
			}
			repo := repository.NewMemoryRepository()
			engine := executor.New(guard.New(), env.registry, env.store, repo, executor.Options{
				MaxParallel: maxParallel,
				Logger:      env.logger,
			})

			exec, err := runToCompletion(ctx, engine, repo, g)
			if err != nil {
				return err
			}
			if err := render(cmd.OutOrStdout(), opts.output, exec); err != nil {
				return err
			}
			if exec.Status != models.ExecutionSucceeded {
				return fmt.Errorf("execution %s %s: %s", exec.ID, exec.Status, exec.Error)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&maxParallel, "max-parallel", 0, "Cap on concurrently running steps (default from config)")
	return cmd
}

// runToCompletion starts g and waits for it, turning cancellation of ctx
// into a cancel request rather than abandoning the run.
func runToCompletion(ctx context.Context, engine *executor.Executor, repo repository.ExecutionStore, g *pipeline.ValidatedGraph) (*models.Execution, error) {
	started, err := engine.Start(ctx, g)
	if err != nil {
		return nil, err
	}

	go func() {
		<-ctx.Done()
		_ = engine.Cancel(started.ID)
	}()

	exec, err := engine.Wait(context.Background(), started.ID)
	if err == nil {
		return exec, nil
	}
	// Finished before Wait looked it up.
	return repo.GetExecution(context.Background(), started.ID)
}
