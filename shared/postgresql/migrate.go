package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/lock"
)

// Migrate applies the pending goose migrations of fsys. Replicas starting
// together serialize on a Postgres advisory lock, so each migration runs once.
func (c *Client) Migrate(ctx context.Context, fsys fs.FS) error {
	locker, err := lock.NewPostgresSessionLocker()
	if err != nil {
		return fmt.Errorf("failed to create migration lock: %w", err)
	}

	n, err := Migrate(ctx, goose.DialectPostgres, c.db.DB, fsys, c.logger, goose.WithSessionLocker(locker))
	if err != nil {
		return err
	}
	c.logger.Info("Database schema up to date", slog.Int("applied", n))
	return nil
}

// Migrate runs every pending migration of fsys against db and returns how
// many were applied, including those applied before a failing one.
func Migrate(ctx context.Context, dialect goose.Dialect, db *sql.DB, fsys fs.FS, logger *slog.Logger, opts ...goose.ProviderOption) (int, error) {
	provider, err := goose.NewProvider(dialect, db, fsys, opts...)
	if err != nil {
		return 0, fmt.Errorf("failed to load migrations: %w", err)
	}

	results, err := provider.Up(ctx)
	var partial *goose.PartialError
	if errors.As(err, &partial) {
		results = partial.Applied
	}

	for _, r := range results {
		logger.Info("Applied migration",
			slog.String("file", r.Source.Path),
			slog.Int64("version", r.Source.Version),
			slog.Duration("duration", r.Duration),
		)
	}

	if err != nil {
		return len(results), fmt.Errorf("failed to apply migrations: %w", err)
	}
	return len(results), nil
}
