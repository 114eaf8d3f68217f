package database

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	tclog "github.com/testcontainers/testcontainers-go/log"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

type nopLogger struct{}

func (*nopLogger) Printf(_ string, _ ...any) {}

var _ tclog.Logger = (*nopLogger)(nil)

var (
	dbName = "worklist_test"
	dbUser = "testuser"
	dbPass = "testpass"
)

// SetupTestDB starts a Postgres container, applies the schema, and returns a
// connection plus the connection string for additional pools or migrators.
func SetupTestDB(t *testing.T) (*pgx.Conn, string, func()) {
	t.Helper()

	ctx := context.Background()

	postgresContainer, err := postgres.Run(
		ctx,
		"postgres:16-alpine",
		postgres.WithDatabase(dbName),
		postgres.WithUsername(dbUser),
		postgres.WithPassword(dbPass),
		postgres.BasicWaitStrategies(),
		tc.WithLogger(&nopLogger{}),
	)
	require.NoError(t, err)

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := pgx.Connect(ctx, connStr)
	require.NoError(t, err)

	// Apply, roll back, and reapply so both directions stay exercised.
	require.NoError(t, MigrateUp(ctx, db))
	require.NoError(t, MigrateDown(ctx, db))
	require.NoError(t, MigrateUp(ctx, db))

	cleanupFunc := func() {
		_ = db.Close(ctx)
		tc.CleanupContainer(t, postgresContainer)
	}

	return db, connStr, cleanupFunc
}
