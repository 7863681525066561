package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"backupflow/backend/internal/pipeline"
	"backupflow/backend/internal/problems"
)

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE...",
		Short: "Check pipeline definitions without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			failed := 0
			for _, path := range args {
				p, err := loadPipeline(path)
				if err == nil {
					var g *pipeline.ValidatedGraph
					if g, err = pipeline.Validate(p); err == nil {
						fmt.Fprintf(out, "%s: ok (start %s, order %s)\n", path, g.Start, strings.Join(g.Order, " -> "))
						continue
					}
				}
				failed++
				fmt.Fprintf(out, "%s: %s\n", path, describe(err))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d definitions are invalid", failed, len(args))
			}
			return nil
		},
	}
}

// describe prints a problem's code and property paths on one line.
func describe(err error) string {
	d := problems.ToDetails(err)
	if d.Code == "" {
		return err.Error()
	}
	if len(d.Paths) == 0 {
		return d.Detail
	}
	return fmt.Sprintf("%s [%s]", d.Detail, strings.Join(d.Paths, ", "))
}
