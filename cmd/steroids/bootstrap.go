package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/steroids-run/steroids/internal/config"
	"github.com/steroids-run/steroids/internal/store/globaldb"
	"github.com/steroids-run/steroids/internal/store/sqlite"
)

// env bundles the collaborators every command needs: the resolved project
// root, its .steroids directory, the merged config, and the two open
// stores. Commands that don't need every field just ignore the rest.
type env struct {
	projectPath string
	steroidsDir string
	cfg         *config.Config
	loader      *config.Loader
	store       *sqlite.Store
	global      *globaldb.Store
}

func loadConfig() (*config.Loader, *config.Config, error) {
	loader, err := config.NewLoader()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return loader, cfg, nil
}

// openProject resolves --project, opens its local store (migrating it to
// the latest schema as a side effect of sqlite.Open), and loads config.
func openProject(ctx context.Context) (*env, error) {
	projectPath, err := projectDir()
	if err != nil {
		return nil, fmt.Errorf("resolve project directory: %w", err)
	}
	steroidsDir := filepath.Join(projectPath, ".steroids")

	loader, cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	var opts []sqlite.OpenOption
	if cfg.Database.BackupBeforeMigrate {
		opts = append(opts, sqlite.WithBackupDir(filepath.Join(steroidsDir, "backup")))
	}
	if !cfg.Database.AutoMigrate {
		opts = append(opts, sqlite.WithoutAutoMigrate())
	}
	store, err := sqlite.Open(ctx, filepath.Join(steroidsDir, "steroids.db"), opts...)
	if err != nil {
		return nil, fmt.Errorf("open project store: %w", err)
	}

	return &env{projectPath: projectPath, steroidsDir: steroidsDir, cfg: cfg, loader: loader, store: store}, nil
}

// openGlobal opens the shared cross-project store at its default location.
func openGlobal(ctx context.Context) (*globaldb.Store, error) {
	path, err := globaldb.DefaultPath()
	if err != nil {
		return nil, fmt.Errorf("resolve global store path: %w", err)
	}
	global, err := globaldb.Open(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("open global store: %w", err)
	}
	return global, nil
}
