package app

import (
	"database/sql"
	"fmt"
	"path/filepath"

	"actionline/internal/config"
	"actionline/internal/db"
	"actionline/internal/migrate"
)

// OpenWorkspace prepares a workspace for use: database opened and migrated,
// config loaded from actionline.yml or seeded with the default recipe
// catalog when the file is absent.
func OpenWorkspace(workspace string) (*sql.DB, *config.Config, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	if cfg == nil {
		cfg = config.Default(workspaceID(workspace))
	}
	return conn, cfg, nil
}

func workspaceID(workspace string) string {
	abs, err := filepath.Abs(workspace)
	if err != nil || filepath.Base(abs) == string(filepath.Separator) {
		return "workspace"
	}
	return filepath.Base(abs)
}
