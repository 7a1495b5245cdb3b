package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the ledger schema and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		b, err := openStore(cmd.Context(), cfg.Store)
		if err != nil {
			return err
		}
		defer b.Close()

		if err := b.migrate(cmd.Context()); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		slog.Info("schema up to date")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
