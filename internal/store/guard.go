package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/openmwl/worklist-server/internal/worklist"
)

// Guarded wraps the worklist queries for callers outside the sync engine.
// Reads go straight to the pool; every write runs inside its own transaction
// and retries on busy-class errors, so API traffic and the sync loops contend
// for the store without starving each other.
type Guarded struct {
	*Queries
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewGuarded creates a guarded store over the given pool.
func NewGuarded(pool *pgxpool.Pool, logger *zap.Logger) *Guarded {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guarded{Queries: New(pool), pool: pool, logger: logger}
}

func (g *Guarded) write(ctx context.Context, fn func(q *Queries) error) error {
	_, err := RetryOnBusy(ctx, g.logger, func() (struct{}, error) {
		return struct{}{}, WithTx(ctx, g.pool, fn)
	})
	return err
}

// InsertEntry inserts a new entry with retry and transaction guarding.
func (g *Guarded) InsertEntry(ctx context.Context, e worklist.Entry) error {
	return g.write(ctx, func(q *Queries) error {
		return q.InsertEntry(ctx, e)
	})
}

// UpdateEntrySync overwrites scheduling fields with retry and transaction
// guarding. Status and study instance UID are untouched.
func (g *Guarded) UpdateEntrySync(ctx context.Context, e worklist.Entry) error {
	return g.write(ctx, func(q *Queries) error {
		return q.UpdateEntrySync(ctx, e)
	})
}

// TransitionStatus moves an entry's lifecycle status forward with retry and
// transaction guarding.
func (g *Guarded) TransitionStatus(ctx context.Context, studyUID string, next worklist.Status) error {
	return g.write(ctx, func(q *Queries) error {
		return q.TransitionStatus(ctx, studyUID, next)
	})
}

// DeleteEntryByPatientID removes an entry with retry and transaction
// guarding.
func (g *Guarded) DeleteEntryByPatientID(ctx context.Context, patientID string) error {
	return g.write(ctx, func(q *Queries) error {
		return q.DeleteEntryByPatientID(ctx, patientID)
	})
}
