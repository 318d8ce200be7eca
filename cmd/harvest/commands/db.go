package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/harvest/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Manage the harvest database",
	Long: sym.DB + ` db — Manage the harvest database

Examples:
  harvest db migrate              # Bring the schema up to date`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		database, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		var version string
		if err := database.QueryRow("SELECT COALESCE(MAX(version), 'none') FROM schema_migrations").Scan(&version); err != nil {
			return fmt.Errorf("failed to read schema version: %w", err)
		}
		fmt.Printf("%s %s is at schema version %s\n", sym.DB, cfg.GetDatabasePath(), version)
		return nil
	},
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
}
