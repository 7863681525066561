package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"backupflow/backend/internal/adapters"
	"backupflow/backend/internal/config"
)

func newDecryptCmd(opts *rootOptions) *cobra.Command {
	var keyRef string
	cmd := &cobra.Command{
		Use:   "decrypt --key REF IN OUT",
		Short: "Decrypt a file produced by an encrypt step",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			secrets := opts.deps.Secrets
			if secrets == nil {
				cfg, err := config.LoadConfig(opts.configPath)
				if err != nil {
					return err
				}
				secrets = adapters.NewStaticSecrets(cfg.Secrets)
			}
			encoded, err := secrets.Resolve(keyRef)
			if err != nil {
				return err
			}
			key, err := adapters.ParseKey(encoded)
			if err != nil {
				return err
			}

			in, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer in.Close()
			out, err := os.OpenFile(args[1], os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
			if err != nil {
				return err
			}
			if err := adapters.DecryptStream(key, out, in); err != nil {
				out.Close()
				os.Remove(args[1])
				return fmt.Errorf("decrypt %s: %w", args[0], err)
			}
			return out.Close()
		},
	}
	cmd.Flags().StringVar(&keyRef, "key", "", "Secret reference holding the hex encoded key")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}
