package database

import (
	"context"
	_ "embed"

	"github.com/jackc/pgx/v5"
)

//go:embed migrations/000001_init.up.sql
var initMigrationUp string

//go:embed migrations/000001_init.down.sql
var initMigrationDown string

// MigrateUp applies the schema directly on a live connection. Used by test
// setup where no migration bookkeeping is wanted.
func MigrateUp(ctx context.Context, db *pgx.Conn) error {
	_, err := db.Exec(ctx, initMigrationUp)
	return err
}

// MigrateDown reverts the schema applied by MigrateUp.
func MigrateDown(ctx context.Context, db *pgx.Conn) error {
	_, err := db.Exec(ctx, initMigrationDown)
	return err
}
