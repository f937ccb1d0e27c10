package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
)

//go:embed migrations/*.sql
var schemaFiles embed.FS

const schemaTable = `CREATE TABLE IF NOT EXISTS schema_versions (
	version    TEXT PRIMARY KEY,
	applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

// RunMigrations brings the ledger schema up to date and returns the
// versions it applied. Running it against a current schema applies nothing.
func RunMigrations(ctx context.Context, db *DB, logger *slog.Logger) ([]string, error) {
	sub, err := fs.Sub(schemaFiles, "migrations")
	if err != nil {
		return nil, err
	}
	return migrate(ctx, db.DB, sub, logger)
}

// migrate applies every *.sql file in src whose name is not yet recorded in
// schema_versions. Files run in lexical order, each in its own transaction
// together with its version row.
func migrate(ctx context.Context, db *sql.DB, src fs.FS, logger *slog.Logger) ([]string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := db.ExecContext(ctx, schemaTable); err != nil {
		return nil, fmt.Errorf("preparing schema_versions: %w", err)
	}

	done, err := recordedVersions(ctx, db)
	if err != nil {
		return nil, err
	}

	// ReadDir returns entries sorted by name.
	entries, err := fs.ReadDir(src, ".")
	if err != nil {
		return nil, fmt.Errorf("listing schema files: %w", err)
	}

	var applied []string
	for _, e := range entries {
		version := e.Name()
		if e.IsDir() || path.Ext(version) != ".sql" || done[version] {
			continue
		}
		script, err := fs.ReadFile(src, version)
		if err != nil {
			return applied, fmt.Errorf("reading %s: %w", version, err)
		}

		logger.Info("applying schema version", "version", version)
		if err := applyVersion(ctx, db, version, string(script)); err != nil {
			return applied, fmt.Errorf("schema version %s: %w", version, err)
		}
		applied = append(applied, version)
	}
	return applied, nil
}

func recordedVersions(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_versions`)
	if err != nil {
		return nil, fmt.Errorf("reading schema_versions: %w", err)
	}
	defer rows.Close()

	done := map[string]bool{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		done[v] = true
	}
	return done, rows.Err()
}

func applyVersion(ctx context.Context, db *sql.DB, version, script string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, script); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_versions (version) VALUES (?)`, version); err != nil {
		return err
	}
	return tx.Commit()
}
