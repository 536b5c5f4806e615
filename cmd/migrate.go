package cmd

import (
	"example.com/eduwallet/services/partners/internal/database"
	"example.com/eduwallet/services/partners/internal/models"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Connect without auto-migrating so the migration runs exactly once here
	cfg.DB.AutoMigrate = false
	db, err := database.Connect(cfg.DB)
	if err != nil {
		return err
	}
	defer database.Close(db)

	if err := models.SetupModels(db); err != nil {
		return err
	}

	log.Info().Msg("Database migrations applied")
	return nil
}
