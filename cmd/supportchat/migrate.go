package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"supportchat/internal/config"
	"supportchat/internal/logging"
	"supportchat/internal/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		dbCfg, logCfg, err := config.LoadStorage()
		if err != nil {
			return err
		}
		logger, logCloser, err := logging.Setup(logCfg)
		if err != nil {
			return err
		}
		defer logCloser.Close()

		store, err := storage.Open(cmd.Context(), dbCfg.Driver, dbCfg.DSN, false)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		applied, err := storage.Migrate(cmd.Context(), store.DB(), store.Driver())
		if err != nil {
			return err
		}
		logger.Info().Str("driver", store.Driver()).Ints64("applied", applied).Msg("migrations complete")
		return nil
	},
}
