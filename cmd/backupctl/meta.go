package main

import (
	"github.com/spf13/cobra"
)

func newMetaCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "meta PATH",
		Short: "Print the lineage document stored at PATH",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnvironment(cmd.Context(), opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer env.Close()

			doc, err := env.store.LoadMeta(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, doc)
		},
	}
}
