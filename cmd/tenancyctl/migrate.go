package main

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/V4T54L/tenancy/internal/adapter/repository/postgres"
)

// migrateCmd represents the migrate command
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the landlord database schema",
	Long: `Manage the landlord database schema.

Tenant databases are migrated during provisioning; see "tenancyctl tenant".`,
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Create and/or upgrade the landlord schema",
	Long: `Create and/or upgrade the landlord schema.

This command runs all pending landlord migrations. It is safe to run
repeatedly; tenancyd also runs it on startup.

Example:
  tenancyctl migrate up`,
	Run: func(cmd *cobra.Command, args []string) {
		db := openLandlord()
		defer db.Close()

		if err := postgres.MigrateLandlord(cmd.Context(), db, commandLogger(cmd)); err != nil {
			fatalf("Migration failed: %v", err)
		}
		version, dirty, err := postgres.LandlordVersion(cmd.Context(), db)
		if err != nil {
			fatalf("Failed to get status: %v", err)
		}
		fmt.Printf("Landlord schema at version %d (dirty: %v)\n", version, dirty)
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the landlord schema version",
	Run: func(cmd *cobra.Command, args []string) {
		db := openLandlord()
		defer db.Close()

		version, dirty, err := postgres.LandlordVersion(cmd.Context(), db)
		if err != nil {
			fatalf("Failed to get status: %v", err)
		}
		fmt.Printf("Current version: %d (dirty: %v)\n", version, dirty)
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
}

func openLandlord() *sql.DB {
	cfg := loadConfig()
	db, err := sql.Open("postgres", cfg.LandlordURL)
	if err != nil {
		fatalf("Failed to open landlord database: %v", err)
	}
	return db
}
