package main

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/halcyon/gridfall_backend/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations and exit",
	Long: `Open the store and apply any pending schema migrations. The serve
command does this on startup too; migrate exists for deploy pipelines that
migrate before rolling the fleet.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Warning: no .env file loaded")
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		db, err := store.New(cfg.Server.DataDir)
		if err != nil {
			return fmt.Errorf("migration failed: %v", err)
		}
		defer db.Close()

		fmt.Println("Migrations applied")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
