package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/handoff/internal/db"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "PostgreSQL schema management",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer d.Close()

		if err := d.Migrate(cmd.Context()); err != nil {
			return err
		}
		cmd.Println("Schema is up to date.")
		return nil
	},
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop every table and re-apply the schema (destructive!)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return fmt.Errorf("refusing to reset without --yes")
		}
		d, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer d.Close()

		if err := d.Reset(cmd.Context()); err != nil {
			return err
		}
		cmd.Println("Database reset.")
		return nil
	},
}

func openDB(cmd *cobra.Command) (*db.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Storage.DatabaseURL == "" {
		return nil, fmt.Errorf("storage.database_url (or HANDOFF_DATABASE_URL) is not set")
	}
	return db.Open(cmd.Context(), cfg.Storage.DatabaseURL)
}

func init() {
	dbResetCmd.Flags().Bool("yes", false, "confirm the reset")
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbResetCmd)
}
