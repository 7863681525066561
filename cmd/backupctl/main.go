// Command backupctl validates and runs backup pipelines from YAML files
// without the API server.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"backupflow/backend/internal/adapters"
)

func main() {
	if err := newRootCmd(adapters.Deps{}).Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath  string
	storageRoot string
	output      string
	// deps seeds the adapter registry; empty fields get production defaults.
	deps adapters.Deps
}

func newRootCmd(deps adapters.Deps) *cobra.Command {
	opts := &rootOptions{deps: deps}
	root := &cobra.Command{
		Use:          "backupctl",
		Short:        "Validate and run backup pipelines locally",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to config.yaml")
	root.PersistentFlags().StringVar(&opts.storageRoot, "storage-root", "", "Store artifacts under this directory instead of the configured backend")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "json", "Output format: json or yaml")

	root.AddCommand(
		newValidateCmd(opts),
		newRunCmd(opts),
		newMetaCmd(opts),
		newDecryptCmd(opts),
	)
	return root
}
