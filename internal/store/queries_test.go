package store

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmwl/worklist-server/database"
	"github.com/openmwl/worklist-server/internal/worklist"
)

func setupQueries(t *testing.T) (*Queries, *pgxpool.Pool) {
	t.Helper()

	_, connString, cleanupFunc := database.SetupTestDB(t)
	t.Cleanup(cleanupFunc)

	pool, err := pgxpool.New(context.Background(), connString)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return New(pool), pool
}

func storeTestEntry(patientID, studyUID string) worklist.Entry {
	return worklist.Entry{
		PatientID:           patientID,
		PatientName:         "cpip-id-0123^fa-77",
		PatientBirthDate:    "20120401",
		PatientSex:          "F",
		Modality:            "MR",
		ScheduledStartDate:  "20260205",
		ScheduledStartTime:  "13:30",
		ProtocolName:        "BrainProtocol",
		ProcedureDesc:       "MRI Research Scan",
		StepDurationMinutes: 60,
		StudyInstanceUID:    studyUID,
		Status:              worklist.StatusScheduled,
		DataSource:          "REDCap",
		Notes:               `{"booking_hash": "abc"}`,
	}
}

func TestInsertAndGetEntry(t *testing.T) {
	t.Parallel()

	q, _ := setupQueries(t)
	ctx := context.Background()

	entry := storeTestEntry("sub_1_ses_1_fam_1", "1.2.840.10008.3.1.2.3.4.1")
	require.NoError(t, q.InsertEntry(ctx, entry))

	got, err := q.GetEntryByPatientID(ctx, "sub_1_ses_1_fam_1")
	require.NoError(t, err)
	assert.Equal(t, entry.PatientName, got.PatientName)
	assert.Equal(t, entry.StudyInstanceUID, got.StudyInstanceUID)
	assert.Equal(t, worklist.StatusScheduled, got.Status)
	assert.Equal(t, entry.Notes, got.Notes)
	assert.False(t, got.CreatedAt.IsZero())

	byUID, err := q.GetEntryByStudyUID(ctx, "1.2.840.10008.3.1.2.3.4.1")
	require.NoError(t, err)
	assert.Equal(t, got.PatientID, byUID.PatientID)

	_, err = q.GetEntryByPatientID(ctx, "sub_ghost_ses_1_fam_1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateEntrySyncPreservesStatus(t *testing.T) {
	t.Parallel()

	q, _ := setupQueries(t)
	ctx := context.Background()

	entry := storeTestEntry("sub_1_ses_1_fam_1", "1.2.840.10008.3.1.2.3.4.1")
	require.NoError(t, q.InsertEntry(ctx, entry))
	require.NoError(t, q.TransitionStatus(ctx, entry.StudyInstanceUID, worklist.StatusInProgress))

	update := entry
	update.ScheduledStartTime = "15:45"
	update.Notes = `{"booking_hash": "def"}`
	require.NoError(t, q.UpdateEntrySync(ctx, update))

	got, err := q.GetEntryByPatientID(ctx, "sub_1_ses_1_fam_1")
	require.NoError(t, err)
	assert.Equal(t, "15:45", got.ScheduledStartTime)
	assert.Equal(t, `{"booking_hash": "def"}`, got.Notes)
	assert.Equal(t, worklist.StatusInProgress, got.Status)
	assert.Equal(t, entry.StudyInstanceUID, got.StudyInstanceUID)

	missing := storeTestEntry("sub_ghost_ses_1_fam_1", "1.2.840.10008.3.1.2.3.4.9")
	assert.ErrorIs(t, q.UpdateEntrySync(ctx, missing), ErrNotFound)
}

func TestTransitionStatus(t *testing.T) {
	t.Parallel()

	q, _ := setupQueries(t)
	ctx := context.Background()

	entry := storeTestEntry("sub_1_ses_1_fam_1", "1.2.840.10008.3.1.2.3.4.1")
	require.NoError(t, q.InsertEntry(ctx, entry))

	require.NoError(t, q.TransitionStatus(ctx, entry.StudyInstanceUID, worklist.StatusInProgress))
	require.NoError(t, q.TransitionStatus(ctx, entry.StudyInstanceUID, worklist.StatusCompleted))

	// Terminal entries accept no further transitions.
	err := q.TransitionStatus(ctx, entry.StudyInstanceUID, worklist.StatusInProgress)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	err = q.TransitionStatus(ctx, "1.2.840.10008.3.1.2.3.4.999", worklist.StatusInProgress)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListEntriesByStatusOrdering(t *testing.T) {
	t.Parallel()

	q, _ := setupQueries(t)
	ctx := context.Background()

	later := storeTestEntry("sub_2_ses_1_fam_2", "1.2.840.10008.3.1.2.3.4.2")
	later.ScheduledStartDate = "20260206"
	require.NoError(t, q.InsertEntry(ctx, later))

	earlier := storeTestEntry("sub_1_ses_1_fam_1", "1.2.840.10008.3.1.2.3.4.1")
	require.NoError(t, q.InsertEntry(ctx, earlier))

	completed := storeTestEntry("sub_3_ses_1_fam_3", "1.2.840.10008.3.1.2.3.4.3")
	require.NoError(t, q.InsertEntry(ctx, completed))
	require.NoError(t, q.TransitionStatus(ctx, completed.StudyInstanceUID, worklist.StatusCompleted))

	scheduled, err := q.ListEntriesByStatus(ctx, worklist.StatusScheduled)
	require.NoError(t, err)
	require.Len(t, scheduled, 2)
	assert.Equal(t, "sub_1_ses_1_fam_1", scheduled[0].PatientID)
	assert.Equal(t, "sub_2_ses_1_fam_2", scheduled[1].PatientID)

	all, err := q.ListEntries(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestListEntriesByStatuses(t *testing.T) {
	t.Parallel()

	q, _ := setupQueries(t)
	ctx := context.Background()

	scheduled := storeTestEntry("sub_1_ses_1_fam_1", "1.2.840.10008.3.1.2.3.4.1")
	require.NoError(t, q.InsertEntry(ctx, scheduled))

	started := storeTestEntry("sub_2_ses_1_fam_2", "1.2.840.10008.3.1.2.3.4.2")
	started.ScheduledStartDate = "20260206"
	require.NoError(t, q.InsertEntry(ctx, started))
	require.NoError(t, q.TransitionStatus(ctx, started.StudyInstanceUID, worklist.StatusInProgress))

	completed := storeTestEntry("sub_3_ses_1_fam_3", "1.2.840.10008.3.1.2.3.4.3")
	require.NoError(t, q.InsertEntry(ctx, completed))
	require.NoError(t, q.TransitionStatus(ctx, completed.StudyInstanceUID, worklist.StatusCompleted))

	active, err := q.ListEntriesByStatuses(ctx, []worklist.Status{worklist.StatusScheduled, worklist.StatusInProgress})
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "sub_1_ses_1_fam_1", active[0].PatientID)
	assert.Equal(t, "sub_2_ses_1_fam_2", active[1].PatientID)
}

func TestDeleteEntryByPatientID(t *testing.T) {
	t.Parallel()

	q, _ := setupQueries(t)
	ctx := context.Background()

	entry := storeTestEntry("sub_1_ses_1_fam_1", "1.2.840.10008.3.1.2.3.4.1")
	require.NoError(t, q.InsertEntry(ctx, entry))

	require.NoError(t, q.DeleteEntryByPatientID(ctx, "sub_1_ses_1_fam_1"))
	assert.ErrorIs(t, q.DeleteEntryByPatientID(ctx, "sub_1_ses_1_fam_1"), ErrNotFound)
}

func TestCountEntriesByStatus(t *testing.T) {
	t.Parallel()

	q, _ := setupQueries(t)
	ctx := context.Background()

	first := storeTestEntry("sub_1_ses_1_fam_1", "1.2.840.10008.3.1.2.3.4.1")
	require.NoError(t, q.InsertEntry(ctx, first))

	second := storeTestEntry("sub_2_ses_1_fam_2", "1.2.840.10008.3.1.2.3.4.2")
	require.NoError(t, q.InsertEntry(ctx, second))
	require.NoError(t, q.TransitionStatus(ctx, second.StudyInstanceUID, worklist.StatusDiscontinued))

	counts, err := q.CountEntriesByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[worklist.StatusScheduled])
	assert.Equal(t, int64(1), counts[worklist.StatusDiscontinued])
}

func TestGuardedStore(t *testing.T) {
	t.Parallel()

	_, pool := setupQueries(t)
	ctx := context.Background()

	g := NewGuarded(pool, nil)

	entry := storeTestEntry("sub_1_ses_1_fam_1", "1.2.840.10008.3.1.2.3.4.1")
	require.NoError(t, g.InsertEntry(ctx, entry))

	got, err := g.GetEntryByPatientID(ctx, "sub_1_ses_1_fam_1")
	require.NoError(t, err)
	assert.Equal(t, worklist.StatusScheduled, got.Status)

	require.NoError(t, g.TransitionStatus(ctx, entry.StudyInstanceUID, worklist.StatusInProgress))

	// Non-busy errors pass through the retry wrapper unchanged.
	err = g.TransitionStatus(ctx, entry.StudyInstanceUID, worklist.StatusScheduled)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	err = g.TransitionStatus(ctx, "1.2.840.10008.3.1.2.3.4.999", worklist.StatusInProgress)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, g.DeleteEntryByPatientID(ctx, "sub_1_ses_1_fam_1"))
	assert.ErrorIs(t, g.DeleteEntryByPatientID(ctx, "sub_1_ses_1_fam_1"), ErrNotFound)
}

func TestWithTxCommitAndRollback(t *testing.T) {
	t.Parallel()

	q, pool := setupQueries(t)
	ctx := context.Background()

	err := WithTx(ctx, pool, func(txq *Queries) error {
		return txq.InsertEntry(ctx, storeTestEntry("sub_1_ses_1_fam_1", "1.2.840.10008.3.1.2.3.4.1"))
	})
	require.NoError(t, err)

	_, err = q.GetEntryByPatientID(ctx, "sub_1_ses_1_fam_1")
	require.NoError(t, err)

	rollbackErr := assert.AnError
	err = WithTx(ctx, pool, func(txq *Queries) error {
		if insertErr := txq.InsertEntry(ctx, storeTestEntry("sub_2_ses_1_fam_2", "1.2.840.10008.3.1.2.3.4.2")); insertErr != nil {
			return insertErr
		}
		return rollbackErr
	})
	require.ErrorIs(t, err, rollbackErr)

	_, err = q.GetEntryByPatientID(ctx, "sub_2_ses_1_fam_2")
	assert.ErrorIs(t, err, ErrNotFound)
}
