package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/putergate/putergate/pkg/config"
	"github.com/putergate/putergate/pkg/proxy"
	"github.com/putergate/putergate/pkg/renew"
)

var (
	serveConfigPath         string
	serveListenAddrOverride string
	serveCredentialPath     string
	serveAgentCommand       []string
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrCreateServerConfig(serveConfigPath)
			if err != nil {
				return fmt.Errorf("load server config: %w", err)
			}
			if cmd.Flags().Changed("listen-addr") {
				cfg.ListenAddr = serveListenAddrOverride
			}
			if cmd.Flags().Changed("credential") {
				cfg.Credential.Path = serveCredentialPath
			}
			if cmd.Flags().Changed("agent-command") {
				cfg.Renewal.Command = serveAgentCommand
			}

			creds := config.NewCredentialStore(cfg.Credential.Path, cfg.Credential.Key)
			if err := creds.Load(); err != nil {
				return fmt.Errorf("load credential: %w", err)
			}
			var agent renew.Agent
			if len(cfg.Renewal.Command) > 0 {
				agent = &renew.CommandAgent{Command: cfg.Renewal.Command}
			}

			srv := proxy.NewServer(cfg, creds, agent)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return srv.Run(ctx)
		},
	}
	serveCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")
	serveCmd.Flags().StringVar(&serveListenAddrOverride, "listen-addr", "", "Override listen address from config (e.g. 127.0.0.1:9595)")
	serveCmd.Flags().StringVar(&serveCredentialPath, "credential", "", "Override credential file path from config")
	serveCmd.Flags().StringSliceVar(&serveAgentCommand, "agent-command", nil, "Override renewal agent command from config")
	rootCmd.AddCommand(serveCmd)
}
