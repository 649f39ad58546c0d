// Command demo-hostapp runs the account routes as a standalone service and
// provides maintenance commands for the account store. The login, whoami and
// logout commands act as a client of a running instance.
//
// Settings come from ACCOUNTS_* environment variables; see
// accounts.LoadConfigFromEnv.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	acc "github.com/panyam/accounts"
)

func main() {
	var verbose bool

	rootCmd := &cobra.Command{
		Use:           "demo-hostapp",
		Short:         "Account federation and session service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(
		serveCmd(),
		migrateCmd(),
		pruneCmd(),
		loginCmd(),
		whoamiCmd(),
		logoutCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*acc.Config, error) {
	cfg, err := acc.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
