// Package sqlitemigrate applies embedded SQL migrations to SQLite databases.
package sqlitemigrate

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

const migrationTable = "schema_migrations"

const (
	upMarker   = "-- +migrate Up"
	downMarker = "-- +migrate Down"
)

// ApplyMigrations executes embedded migrations from migrationRoot at most once per file.
//
// Files are applied in lexical order, each inside its own transaction together
// with its schema_migrations row, so a failed file leaves no trace.
func ApplyMigrations(ctx context.Context, sqlDB *sql.DB, migrationFS fs.FS, migrationRoot string) error {
	if sqlDB == nil {
		return fmt.Errorf("sql db is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	root := strings.TrimSpace(migrationRoot)
	if root == "" {
		root = "."
	}

	files, err := listMigrationFiles(migrationFS, root)
	if err != nil {
		return err
	}

	createSQL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
);
`, migrationTable)
	if _, err := sqlDB.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	applied, err := appliedMigrations(ctx, sqlDB)
	if err != nil {
		return err
	}

	for _, file := range files {
		key := file
		if root != "." {
			key = path.Join(root, file)
		}
		if _, ok := applied[key]; ok {
			continue
		}

		content, err := fs.ReadFile(migrationFS, path.Join(root, file))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		upSQL := ExtractUpMigration(string(content))
		if strings.TrimSpace(upSQL) == "" {
			continue
		}
		if err := applyOne(ctx, sqlDB, key, upSQL); err != nil {
			return err
		}
	}
	return nil
}

func listMigrationFiles(migrationFS fs.FS, root string) ([]string, error) {
	entries, err := fs.ReadDir(migrationFS, root)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

func appliedMigrations(ctx context.Context, sqlDB *sql.DB) (map[string]struct{}, error) {
	rows, err := sqlDB.QueryContext(ctx, "SELECT name FROM "+migrationTable)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()

	applied := map[string]struct{}{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}
	return applied, nil
}

func applyOne(ctx context.Context, sqlDB *sql.DB, key, upSQL string) error {
	tx, err := sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration transaction %s: %w", key, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, upSQL); err != nil && !IsAlreadyExistsError(err) {
		return fmt.Errorf("exec migration %s: %w", key, err)
	}
	if _, err := tx.ExecContext(
		ctx,
		fmt.Sprintf("INSERT OR IGNORE INTO %s (name, applied_at) VALUES (?, ?)", migrationTable),
		key,
		time.Now().UTC().UnixMilli(),
	); err != nil {
		return fmt.Errorf("record migration %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", key, err)
	}
	return nil
}

// ExtractUpMigration returns the SQL in the -- +migrate Up section.
func ExtractUpMigration(content string) string {
	upIdx := strings.Index(content, upMarker)
	if upIdx == -1 {
		return content
	}
	body := content[upIdx+len(upMarker):]
	if downIdx := strings.Index(body, downMarker); downIdx != -1 {
		return body[:downIdx]
	}
	return body
}

// IsAlreadyExistsError reports whether this error indicates idempotent DDL success.
func IsAlreadyExistsError(err error) bool {
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "already exists") || strings.Contains(value, "duplicate column name")
}
