package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/putergate/putergate/pkg/config"
	"github.com/putergate/putergate/pkg/renew"
)

var (
	renewConfigPath string
	renewPrintOnly  bool
)

func init() {
	renewCmd := &cobra.Command{
		Use:   "renew",
		Short: "Run the registration agent once and install the new credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrCreateServerConfig(renewConfigPath)
			if err != nil {
				return fmt.Errorf("load server config: %w", err)
			}
			if len(cfg.Renewal.Command) == 0 {
				return errors.New("no agent command configured; set [renewal] command in the server config")
			}
			agent := &renew.CommandAgent{Command: cfg.Renewal.Command}

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(cfg.Renewal.TimeoutSeconds)*time.Second)
			defer cancel()
			token, err := agent.Register(ctx)
			if err != nil {
				return fmt.Errorf("agent registration: %w", err)
			}
			if renewPrintOnly {
				fmt.Fprintln(cmd.OutOrStdout(), token)
				return nil
			}
			creds := config.NewCredentialStore(cfg.Credential.Path, cfg.Credential.Key)
			if err := creds.Replace(token); err != nil {
				return fmt.Errorf("install credential: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Credential installed to %s\n", cfg.Credential.Path)
			return nil
		},
	}
	renewCmd.Flags().StringVar(&renewConfigPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")
	renewCmd.Flags().BoolVar(&renewPrintOnly, "print", false, "Print the new credential instead of installing it")
	rootCmd.AddCommand(renewCmd)
}
