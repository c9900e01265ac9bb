package ledger

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies the embedded migrations in the given direction ("up" or
// "down"). Up migrations are idempotent.
func Migrate(ctx context.Context, db *sql.DB, direction string, logger *slog.Logger) (int, error) {
	if direction != "up" && direction != "down" {
		return 0, fmt.Errorf("direction must be 'up' or 'down', got %q", direction)
	}

	files, err := fs.Glob(migrationFS, "migrations/*."+direction+".sql")
	if err != nil {
		return 0, fmt.Errorf("list migrations: %w", err)
	}

	sort.Strings(files)
	if direction == "down" {
		for i, j := 0, len(files)-1; i < j; i, j = i+1, j-1 {
			files[i], files[j] = files[j], files[i]
		}
	}

	for _, file := range files {
		content, err := migrationFS.ReadFile(file)
		if err != nil {
			return 0, fmt.Errorf("read migration file %s: %w", file, err)
		}

		if logger != nil {
			logger.Info("running migration", slog.String("file", strings.TrimPrefix(file, "migrations/")))
		}
		if _, err := db.ExecContext(ctx, string(content)); err != nil {
			return 0, fmt.Errorf("execute migration %s: %w", file, err)
		}
	}

	return len(files), nil
}
