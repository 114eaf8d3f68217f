package sync

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/openmwl/worklist-server/internal/store"
	"github.com/openmwl/worklist-server/internal/worklist"
)

// Result counts the reconciliation outcomes of one batch.
type Result struct {
	Inserted int
	Updated  int
	Skipped  int
	Dropped  int
}

// entryStore is the subset of store queries the reconciler needs. It is
// satisfied by *store.Queries.
type entryStore interface {
	GetEntryByPatientID(ctx context.Context, patientID string) (worklist.Entry, error)
	InsertEntry(ctx context.Context, e worklist.Entry) error
	UpdateEntrySync(ctx context.Context, e worklist.Entry) error
}

// Reconciler merges fetched batches into the worklist store by natural key.
// Each batch lands as a single transaction: re-fetching the same remote
// state any number of times converges to the same stored rows.
type Reconciler struct {
	pool   *pgxpool.Pool
	logger *zap.Logger

	// defaultProcedureDesc fills the procedure description of inserted
	// entries whose source did not map one.
	defaultProcedureDesc string
}

// NewReconciler creates a reconciler writing through the given pool.
func NewReconciler(pool *pgxpool.Pool, defaultProcedureDesc string, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		pool:                 pool,
		logger:               logger,
		defaultProcedureDesc: defaultProcedureDesc,
	}
}

// Reconcile writes one fetched batch. The whole batch commits or rolls back
// together; busy-class database errors are retried with backoff.
func (r *Reconciler) Reconcile(ctx context.Context, entries []worklist.Entry) (Result, error) {
	return store.RetryOnBusy(ctx, r.logger, func() (Result, error) {
		var res Result
		err := store.WithTx(ctx, r.pool, func(q *store.Queries) error {
			var txErr error
			res, txErr = r.reconcileBatch(ctx, q, entries)
			return txErr
		})
		return res, err
	})
}

// reconcileBatch applies the per-entry insert-or-update decisions using the
// given store handle.
func (r *Reconciler) reconcileBatch(ctx context.Context, s entryStore, entries []worklist.Entry) (Result, error) {
	var res Result

	for _, entry := range entries {
		if err := entry.Validate(); err != nil {
			r.logger.Warn("dropping invalid entry", zap.Error(err))
			res.Dropped++
			continue
		}

		existing, err := s.GetEntryByPatientID(ctx, entry.PatientID)
		switch {
		case err == nil:
			if fingerprintUnchanged(existing.Notes, entry.Notes) {
				res.Skipped++
				continue
			}
			if err := s.UpdateEntrySync(ctx, entry); err != nil {
				return res, err
			}
			res.Updated++

		case errors.Is(err, store.ErrNotFound):
			if entry.Status == "" {
				entry.Status = worklist.StatusScheduled
			}
			if entry.StudyInstanceUID == "" {
				entry.StudyInstanceUID = worklist.NewStudyInstanceUID()
			}
			if entry.ProcedureDesc == "" {
				entry.ProcedureDesc = r.defaultProcedureDesc
			}
			if err := s.InsertEntry(ctx, entry); err != nil {
				return res, err
			}
			res.Inserted++

		default:
			return res, err
		}
	}

	return res, nil
}

// fingerprintUnchanged reports whether both notes payloads carry the same
// non-empty content fingerprint, allowing the update to be skipped without
// comparing every field.
func fingerprintUnchanged(existingNotes, newNotes string) bool {
	existing := gjson.Get(existingNotes, "booking_hash").String()
	if existing == "" {
		return false
	}
	return existing == gjson.Get(newNotes, "booking_hash").String()
}
