package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/config"
	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/store"
)

var sweepOlderThanDays int

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Archive stale artifacts once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		days := sweepOlderThanDays
		if days <= 0 {
			days = cfg.ArchiveAfterDays
		}
		n, err := a.artifacts.Archive(cmd.Context(), days)
		if err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		logger.Info("archival pass finished", zap.Int("archived", n), zap.Int("older_than_days", days))
		fmt.Fprintf(cmd.OutOrStdout(), "archived %d artifacts\n", n)
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the embedded Postgres schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.StoreDriver != config.StoreDriverPostgres {
			return errors.New("migrate requires the postgres store")
		}
		db, err := openDB(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := store.NewPGStore(db).Migrate(cmd.Context()); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		logger.Info("schema up to date")
		return nil
	},
}

func init() {
	sweepCmd.Flags().IntVar(&sweepOlderThanDays, "older-than-days", 0, "archive artifacts older than this (default from BASELINE_REGISTRY_ARCHIVE_AFTER_DAYS)")
	rootCmd.AddCommand(sweepCmd, migrateCmd)
}
