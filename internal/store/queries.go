package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/openmwl/worklist-server/internal/worklist"
)

// ErrNotFound is returned when no worklist entry matches the lookup key.
var ErrNotFound = errors.New("worklist entry not found")

// ErrInvalidTransition is returned when a status change would move the
// lifecycle backwards or out of a terminal state.
var ErrInvalidTransition = errors.New("invalid status transition")

// DBTX is the subset of pgx shared by pools and transactions.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Queries bundles the worklist statements over a pool or transaction.
type Queries struct {
	db DBTX
}

// New creates a Queries instance over a pool or transaction.
func New(db DBTX) *Queries {
	return &Queries{db: db}
}

const entryColumns = `patient_id, patient_name, patient_birth_date, patient_sex, patient_weight,
	modality, scheduled_start_date, scheduled_start_time, scheduled_station_aetitle, station_name,
	protocol_name, procedure_description, study_description, performing_physician, referring_physician,
	scheduled_procedure_step_duration, study_instance_uid, status,
	COALESCE(data_source, ''), COALESCE(notes, ''), created_at, updated_at`

func scanEntry(row pgx.Row) (worklist.Entry, error) {
	var e worklist.Entry
	err := row.Scan(
		&e.PatientID, &e.PatientName, &e.PatientBirthDate, &e.PatientSex, &e.PatientWeight,
		&e.Modality, &e.ScheduledStartDate, &e.ScheduledStartTime, &e.ScheduledAETitle, &e.StationName,
		&e.ProtocolName, &e.ProcedureDesc, &e.StudyDescription, &e.PerformingPhysician, &e.ReferringPhysician,
		&e.StepDurationMinutes, &e.StudyInstanceUID, &e.Status,
		&e.DataSource, &e.Notes, &e.CreatedAt, &e.UpdatedAt,
	)
	return e, err
}

// GetEntryByPatientID looks up an entry by its natural key.
func (q *Queries) GetEntryByPatientID(ctx context.Context, patientID string) (worklist.Entry, error) {
	row := q.db.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM worklist_entries WHERE patient_id = $1`, patientID)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return worklist.Entry{}, ErrNotFound
	}
	return e, err
}

// GetEntryByStudyUID looks up an entry by its study instance UID.
func (q *Queries) GetEntryByStudyUID(ctx context.Context, studyUID string) (worklist.Entry, error) {
	row := q.db.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM worklist_entries WHERE study_instance_uid = $1`, studyUID)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return worklist.Entry{}, ErrNotFound
	}
	return e, err
}

// ListEntries returns all entries ordered by scheduled start.
func (q *Queries) ListEntries(ctx context.Context) ([]worklist.Entry, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+entryColumns+` FROM worklist_entries
		 ORDER BY scheduled_start_date, scheduled_start_time, patient_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

// ListEntriesByStatus returns entries in one lifecycle status ordered by
// scheduled start.
func (q *Queries) ListEntriesByStatus(ctx context.Context, status worklist.Status) ([]worklist.Entry, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+entryColumns+` FROM worklist_entries WHERE status = $1
		 ORDER BY scheduled_start_date, scheduled_start_time, patient_id`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

// ListEntriesByStatuses returns entries in any of the given lifecycle
// statuses ordered by scheduled start.
func (q *Queries) ListEntriesByStatuses(ctx context.Context, statuses []worklist.Status) ([]worklist.Entry, error) {
	set := make([]string, len(statuses))
	for i, s := range statuses {
		set[i] = string(s)
	}
	rows, err := q.db.Query(ctx,
		`SELECT `+entryColumns+` FROM worklist_entries WHERE status = ANY($1)
		 ORDER BY scheduled_start_date, scheduled_start_time, patient_id`, set)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

func collectEntries(rows pgx.Rows) ([]worklist.Entry, error) {
	var entries []worklist.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// InsertEntry inserts a new entry.
func (q *Queries) InsertEntry(ctx context.Context, e worklist.Entry) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO worklist_entries (
			patient_id, patient_name, patient_birth_date, patient_sex, patient_weight,
			modality, scheduled_start_date, scheduled_start_time, scheduled_station_aetitle, station_name,
			protocol_name, procedure_description, study_description, performing_physician, referring_physician,
			scheduled_procedure_step_duration, study_instance_uid, status, data_source, notes
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		e.PatientID, e.PatientName, e.PatientBirthDate, e.PatientSex, e.PatientWeight,
		e.Modality, e.ScheduledStartDate, e.ScheduledStartTime, e.ScheduledAETitle, e.StationName,
		e.ProtocolName, e.ProcedureDesc, e.StudyDescription, e.PerformingPhysician, e.ReferringPhysician,
		e.StepDurationMinutes, e.StudyInstanceUID, e.Status, e.DataSource, e.Notes,
	)
	return err
}

// UpdateEntrySync overwrites the scheduling and provenance fields of an
// existing entry. Status and study instance UID are deliberately untouched:
// only explicit lifecycle events change status, and the UID is stable for
// the life of the row.
func (q *Queries) UpdateEntrySync(ctx context.Context, e worklist.Entry) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE worklist_entries SET
			patient_name = $2, patient_birth_date = $3, patient_sex = $4, patient_weight = $5,
			modality = $6, scheduled_start_date = $7, scheduled_start_time = $8,
			scheduled_station_aetitle = $9, station_name = $10, protocol_name = $11,
			procedure_description = $12, study_description = $13, performing_physician = $14,
			referring_physician = $15, scheduled_procedure_step_duration = $16,
			data_source = $17, notes = $18, updated_at = now()
		 WHERE patient_id = $1`,
		e.PatientID, e.PatientName, e.PatientBirthDate, e.PatientSex, e.PatientWeight,
		e.Modality, e.ScheduledStartDate, e.ScheduledStartTime, e.ScheduledAETitle, e.StationName,
		e.ProtocolName, e.ProcedureDesc, e.StudyDescription, e.PerformingPhysician, e.ReferringPhysician,
		e.StepDurationMinutes, e.DataSource, e.Notes,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TransitionStatus moves an entry's lifecycle status forward. The update is
// guarded on the previously read status so concurrent transitions cannot
// race past the lifecycle rules.
func (q *Queries) TransitionStatus(ctx context.Context, studyUID string, next worklist.Status) error {
	if !next.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, next)
	}

	current, err := q.GetEntryByStudyUID(ctx, studyUID)
	if err != nil {
		return err
	}
	if !current.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, next)
	}

	tag, err := q.db.Exec(ctx,
		`UPDATE worklist_entries SET status = $3, updated_at = now()
		 WHERE study_instance_uid = $1 AND status = $2`,
		studyUID, current.Status, next)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: entry changed concurrently", ErrInvalidTransition)
	}
	return nil
}

// DeleteEntryByPatientID removes an entry. Deletion is an administrative
// action; the sync engine never calls this.
func (q *Queries) DeleteEntryByPatientID(ctx context.Context, patientID string) error {
	tag, err := q.db.Exec(ctx,
		`DELETE FROM worklist_entries WHERE patient_id = $1`, patientID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CountEntriesByStatus returns the number of entries per lifecycle status.
func (q *Queries) CountEntriesByStatus(ctx context.Context) (map[worklist.Status]int64, error) {
	rows, err := q.db.Query(ctx,
		`SELECT status, COUNT(*) FROM worklist_entries GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[worklist.Status]int64)
	for rows.Next() {
		var status worklist.Status
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}
