package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dealdecision-ai/ingestion-engine/internal/storage"
)

var migrateCheckOnly bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE:  runMigrate,
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateCheckOnly, "check", false, "report pending migrations without applying them")
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Database.Driver != "postgres" {
		return fmt.Errorf("migrations need the postgres driver (set DATABASE_URL)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	info("Checking database migrations...")
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	mgr := storage.NewMigrationManager(db)
	status, err := mgr.CheckMigrations(ctx)
	if err != nil {
		return err
	}
	if status.UpToDate {
		success("Database schema is up to date (%d migrations)", len(status.Applied))
		return nil
	}
	if migrateCheckOnly {
		warning("%d pending migrations: %v", len(status.Pending), status.Pending)
		return nil
	}

	if err := mgr.RunMigrations(ctx, status); err != nil {
		failure("Migration failed: %v", err)
		return err
	}
	success("Applied %d migrations", len(status.Pending))
	return nil
}
