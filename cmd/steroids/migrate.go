package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/steroids-run/steroids/internal/cliutil"
	"github.com/steroids-run/steroids/internal/store/sqlite"
)

var migrateCmd = &cobra.Command{
	Use:     "migrate",
	GroupID: "admin",
	Short:   "Bring the project's local database up to the latest schema",
	Long: `migrate opens the project's .steroids/steroids.db, creating it if
missing, and applies every ordered migration that has not yet run.
Migrations are idempotent and checksum-verified, so re-running this command
against an already-current database is a no-op.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		projectPath, err := projectDir()
		if err != nil {
			cliutil.Fatal(jsonOutput, err)
			return
		}
		steroidsDir := filepath.Join(projectPath, ".steroids")

		_, cfg, err := loadConfig()
		if err != nil {
			cliutil.Fatal(jsonOutput, err)
			return
		}

		// Migration is this command's whole job, so autoMigrate is ignored
		// here; only the backup preference carries over.
		var opts []sqlite.OpenOption
		if cfg.Database.BackupBeforeMigrate {
			opts = append(opts, sqlite.WithBackupDir(filepath.Join(steroidsDir, "backup")))
		}
		store, err := sqlite.Open(ctx, filepath.Join(steroidsDir, "steroids.db"), opts...)
		if err != nil {
			cliutil.Fatal(jsonOutput, err)
			return
		}
		defer func() { _ = store.Close() }()

		if jsonOutput {
			cliutil.PrintJSON(map[string]any{"project": projectPath, "database": store.Path()})
		} else {
			fmt.Printf("%s is up to date\n", store.Path())
		}
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
