package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the account tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			_, closer, err := openStore(cmd.Context(), cfg, true)
			if err != nil {
				return err
			}
			defer closer.Close()
			fmt.Printf("Migrated %s store\n", cfg.DBDriver)
			return nil
		},
	}
}

func pruneCmd() *cobra.Command {
	var userID int64
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete expired session keys of a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID <= 0 {
				return fmt.Errorf("--user-id is required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, closer, err := openStore(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer closer.Close()

			if olderThan <= 0 {
				olderThan = cfg.RetentionWindow()
			}
			n, err := store.PruneSessionKeys(cmd.Context(), userID, time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Printf("Pruned %d session keys of user %d\n", n, userID)
			return nil
		},
	}

	cmd.Flags().Int64Var(&userID, "user-id", 0, "User whose keys are pruned")
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Maximum key age; defaults to the auto-login window")

	return cmd
}
