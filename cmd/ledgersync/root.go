package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ledgersync/ledgersync/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:           "ledgersync",
	Short:         "LedgerSync pulls invoices and customers from accounting vendors into one local store.",
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := logging.BootstrapFromEnv(logging.BootstrapOptions{
			Command: cmd.Name(),
			Writer:  os.Stderr,
		})
		return err
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(serveCmd, syncCmd, migrateCmd, connectorsCmd, versionCmd)
}
