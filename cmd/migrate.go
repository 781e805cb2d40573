package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"fiscalsync/internal/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, closeLog, err := loadConfig()
		if err != nil {
			return err
		}
		defer closeLog()

		repo, err := storage.OpenSQLite(cmd.Context(), cfg.DatabasePath())
		if err != nil {
			return err //nolint:wrapcheck
		}
		log.Info().Str("db", cfg.DatabasePath()).Msg("schema is up to date")
		return repo.Close() //nolint:wrapcheck
	},
}
