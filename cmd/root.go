package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/putergate/putergate/pkg/logutil"
)

var rootLogLevel string

var rootCmd = &cobra.Command{
	Use:   "putergate",
	Short: "OpenAI-compatible gateway for the Puter driver API",
	Long:  "Putergate exposes OpenAI-style chat, image, and speech endpoints backed by the Puter driver API, and keeps its upstream credential alive by renewing it when the quota runs out.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "loglevel", "info", "Log level (debug, info, warn, error, fatal)")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return logutil.Configure(rootLogLevel)
	}
}
