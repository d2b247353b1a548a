package db

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// MigrationFiles returns the embedded migration file names in apply order.
func MigrationFiles() ([]string, error) {
	names, err := fs.Glob(migrationFS, "migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("db: list migrations: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// MigrationsSQL concatenates every embedded migration.
func MigrationsSQL() (string, error) {
	names, err := MigrationFiles()
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, name := range names {
		data, err := migrationFS.ReadFile(name)
		if err != nil {
			return "", fmt.Errorf("db: read %s: %w", name, err)
		}
		b.Write(data)
		b.WriteString("\n")
	}
	return b.String(), nil
}

// Migrate applies the embedded migrations. Every statement is idempotent so
// running it on each boot is safe.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	names, err := MigrationFiles()
	if err != nil {
		return err
	}
	for _, name := range names {
		data, err := migrationFS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("db: read %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("db: apply %s: %w", name, err)
		}
	}
	return nil
}
