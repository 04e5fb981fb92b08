package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"

	"github.com/victornm/livequiz/internal/store/postgres/migrations"
)

func newMigrator(dsn string) (*migrate.Migrator, func() error) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())

	return migrate.NewMigrator(db, migrations.Migrations), db.Close
}

// Migrate applies all pending migrations.
func Migrate(ctx context.Context, dsn string) (err error) {
	m, closeDB := newMigrator(dsn)
	defer func() {
		if cerr := closeDB(); err == nil {
			err = cerr
		}
	}()

	if err := m.Init(ctx); err != nil {
		return fmt.Errorf("postgres: init migrations: %w", err)
	}

	group, err := m.Migrate(ctx)
	if err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}

	if group.IsZero() {
		slog.InfoContext(ctx, "postgres: no new migrations")
		return nil
	}

	slog.InfoContext(ctx, "postgres: migrations applied", "group", group.String())
	return nil
}

// Rollback reverts the last migration group.
func Rollback(ctx context.Context, dsn string) (err error) {
	m, closeDB := newMigrator(dsn)
	defer func() {
		if cerr := closeDB(); err == nil {
			err = cerr
		}
	}()

	if err := m.Init(ctx); err != nil {
		return fmt.Errorf("postgres: init migrations: %w", err)
	}

	group, err := m.Rollback(ctx)
	if err != nil {
		return fmt.Errorf("postgres: rollback: %w", err)
	}

	if group.IsZero() {
		slog.InfoContext(ctx, "postgres: nothing to roll back")
		return nil
	}

	slog.InfoContext(ctx, "postgres: migrations rolled back", "group", group.String())
	return nil
}
