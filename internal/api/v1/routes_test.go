package v1

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openmwl/worklist-server/internal/store"
	"github.com/openmwl/worklist-server/internal/sync"
	"github.com/openmwl/worklist-server/internal/worklist"
)

type fakeStore struct {
	byPatientID map[string]worklist.Entry
	byStudyUID  map[string]string

	failWith error
}

func newFakeStore(entries ...worklist.Entry) *fakeStore {
	f := &fakeStore{
		byPatientID: make(map[string]worklist.Entry),
		byStudyUID:  make(map[string]string),
	}
	for _, e := range entries {
		f.byPatientID[e.PatientID] = e
		f.byStudyUID[e.StudyInstanceUID] = e.PatientID
	}
	return f
}

func (f *fakeStore) ListEntries(_ context.Context) ([]worklist.Entry, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	entries := make([]worklist.Entry, 0, len(f.byPatientID))
	for _, e := range f.byPatientID {
		entries = append(entries, e)
	}
	return entries, nil
}

func (f *fakeStore) ListEntriesByStatus(_ context.Context, status worklist.Status) ([]worklist.Entry, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	var entries []worklist.Entry
	for _, e := range f.byPatientID {
		if e.Status == status {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (f *fakeStore) ListEntriesByStatuses(_ context.Context, statuses []worklist.Status) ([]worklist.Entry, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	var entries []worklist.Entry
	for _, e := range f.byPatientID {
		for _, s := range statuses {
			if e.Status == s {
				entries = append(entries, e)
				break
			}
		}
	}
	return entries, nil
}

func (f *fakeStore) GetEntryByStudyUID(_ context.Context, studyUID string) (worklist.Entry, error) {
	if f.failWith != nil {
		return worklist.Entry{}, f.failWith
	}
	patientID, ok := f.byStudyUID[studyUID]
	if !ok {
		return worklist.Entry{}, store.ErrNotFound
	}
	return f.byPatientID[patientID], nil
}

func (f *fakeStore) GetEntryByPatientID(_ context.Context, patientID string) (worklist.Entry, error) {
	if f.failWith != nil {
		return worklist.Entry{}, f.failWith
	}
	e, ok := f.byPatientID[patientID]
	if !ok {
		return worklist.Entry{}, store.ErrNotFound
	}
	return e, nil
}

func (f *fakeStore) InsertEntry(_ context.Context, e worklist.Entry) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.byPatientID[e.PatientID] = e
	f.byStudyUID[e.StudyInstanceUID] = e.PatientID
	return nil
}

func (f *fakeStore) UpdateEntrySync(_ context.Context, e worklist.Entry) error {
	if f.failWith != nil {
		return f.failWith
	}
	existing, ok := f.byPatientID[e.PatientID]
	if !ok {
		return store.ErrNotFound
	}
	e.Status = existing.Status
	e.StudyInstanceUID = existing.StudyInstanceUID
	f.byPatientID[e.PatientID] = e
	return nil
}

func (f *fakeStore) TransitionStatus(_ context.Context, studyUID string, next worklist.Status) error {
	if f.failWith != nil {
		return f.failWith
	}
	patientID, ok := f.byStudyUID[studyUID]
	if !ok {
		return store.ErrNotFound
	}
	e := f.byPatientID[patientID]
	if !e.Status.CanTransitionTo(next) {
		return store.ErrInvalidTransition
	}
	e.Status = next
	f.byPatientID[patientID] = e
	return nil
}

func (f *fakeStore) DeleteEntryByPatientID(_ context.Context, patientID string) error {
	if f.failWith != nil {
		return f.failWith
	}
	e, ok := f.byPatientID[patientID]
	if !ok {
		return store.ErrNotFound
	}
	delete(f.byPatientID, patientID)
	delete(f.byStudyUID, e.StudyInstanceUID)
	return nil
}

func (f *fakeStore) CountEntriesByStatus(_ context.Context) (map[worklist.Status]int64, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	counts := make(map[worklist.Status]int64)
	for _, e := range f.byPatientID {
		counts[e.Status]++
	}
	return counts, nil
}

func scheduledEntry(patientID, studyUID string) worklist.Entry {
	return worklist.Entry{
		PatientID:          patientID,
		PatientName:        "cpip-id-0123^fa-77",
		Modality:           "MR",
		ScheduledStartDate: "20260205",
		ScheduledStartTime: "13:30",
		StudyInstanceUID:   studyUID,
		Status:             worklist.StatusScheduled,
		DataSource:         "REDCap",
	}
}

func doRequest(t *testing.T, s WorklistStore, tracker *sync.Tracker, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, target, &buf)
	rec := httptest.NewRecorder()
	Router(s, tracker, zap.NewNop()).ServeHTTP(rec, req)
	return rec
}

func TestListEntries(t *testing.T) {
	t.Parallel()

	s := newFakeStore(
		scheduledEntry("sub_1_ses_1_fam_1", "1.2.840.10008.3.1.2.3.4.1"),
		scheduledEntry("sub_2_ses_1_fam_2", "1.2.840.10008.3.1.2.3.4.2"),
	)

	rec := doRequest(t, s, nil, http.MethodGet, "/worklist", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp EntryListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Total)
	assert.Len(t, resp.Entries, 2)
}

func TestListEntriesStatusFilter(t *testing.T) {
	t.Parallel()

	completed := scheduledEntry("sub_2_ses_1_fam_2", "1.2.840.10008.3.1.2.3.4.2")
	completed.Status = worklist.StatusCompleted
	s := newFakeStore(
		scheduledEntry("sub_1_ses_1_fam_1", "1.2.840.10008.3.1.2.3.4.1"),
		completed,
	)

	rec := doRequest(t, s, nil, http.MethodGet, "/worklist?status=COMPLETED", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp EntryListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Total)
	assert.Equal(t, "sub_2_ses_1_fam_2", resp.Entries[0].PatientID)
}

func TestListEntriesMultiStatusFilter(t *testing.T) {
	t.Parallel()

	inProgress := scheduledEntry("sub_2_ses_1_fam_2", "1.2.840.10008.3.1.2.3.4.2")
	inProgress.Status = worklist.StatusInProgress
	completed := scheduledEntry("sub_3_ses_1_fam_3", "1.2.840.10008.3.1.2.3.4.3")
	completed.Status = worklist.StatusCompleted
	s := newFakeStore(
		scheduledEntry("sub_1_ses_1_fam_1", "1.2.840.10008.3.1.2.3.4.1"),
		inProgress,
		completed,
	)

	rec := doRequest(t, s, nil, http.MethodGet, "/worklist?status=SCHEDULED,IN_PROGRESS", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp EntryListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Total)
	for _, e := range resp.Entries {
		assert.NotEqual(t, worklist.StatusCompleted, e.Status)
	}
}

func TestListEntriesInvalidStatusFilter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		query string
	}{
		{name: "unknown status", query: "status=BOGUS"},
		{name: "invalid member in set", query: "status=SCHEDULED,BOGUS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := doRequest(t, newFakeStore(), nil, http.MethodGet, "/worklist?"+tt.query, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestGetEntry(t *testing.T) {
	t.Parallel()

	s := newFakeStore(scheduledEntry("sub_1_ses_1_fam_1", "1.2.840.10008.3.1.2.3.4.1"))

	rec := doRequest(t, s, nil, http.MethodGet, "/worklist/1.2.840.10008.3.1.2.3.4.1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var entry worklist.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))
	assert.Equal(t, "sub_1_ses_1_fam_1", entry.PatientID)

	rec = doRequest(t, s, nil, http.MethodGet, "/worklist/1.2.840.10008.3.1.2.3.4.999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChangeStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		from       worklist.Status
		to         string
		wantStatus int
	}{
		{name: "scheduled to in progress", from: worklist.StatusScheduled, to: "IN_PROGRESS", wantStatus: http.StatusOK},
		{name: "in progress to completed", from: worklist.StatusInProgress, to: "COMPLETED", wantStatus: http.StatusOK},
		{name: "backward transition rejected", from: worklist.StatusCompleted, to: "SCHEDULED", wantStatus: http.StatusConflict},
		{name: "terminal status frozen", from: worklist.StatusDiscontinued, to: "IN_PROGRESS", wantStatus: http.StatusConflict},
		{name: "unknown status rejected", from: worklist.StatusScheduled, to: "DONE", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			entry := scheduledEntry("sub_1_ses_1_fam_1", "1.2.840.10008.3.1.2.3.4.1")
			entry.Status = tt.from
			s := newFakeStore(entry)

			rec := doRequest(t, s, nil, http.MethodPost,
				"/worklist/1.2.840.10008.3.1.2.3.4.1/status",
				StatusChangeRequest{Status: tt.to})
			assert.Equal(t, tt.wantStatus, rec.Code)

			if tt.wantStatus == http.StatusOK {
				stored := s.byPatientID["sub_1_ses_1_fam_1"]
				assert.Equal(t, worklist.Status(tt.to), stored.Status)
			}
		})
	}
}

func TestChangeStatusUnknownEntry(t *testing.T) {
	t.Parallel()

	rec := doRequest(t, newFakeStore(), nil, http.MethodPost,
		"/worklist/1.2.840.10008.3.1.2.3.4.1/status",
		StatusChangeRequest{Status: "IN_PROGRESS"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateEntry(t *testing.T) {
	t.Parallel()

	s := newFakeStore()
	entry := worklist.Entry{
		PatientID:          "sub_9_ses_1_fam_9",
		PatientName:        "cpip-id-9^fa-9",
		Modality:           "MR",
		ScheduledStartDate: "20260301",
		ScheduledStartTime: "08:00",
	}

	rec := doRequest(t, s, nil, http.MethodPost, "/entries", entry)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created worklist.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, worklist.StatusScheduled, created.Status)
	assert.NotEmpty(t, created.StudyInstanceUID)
	assert.Equal(t, "manual", created.DataSource)

	rec = doRequest(t, s, nil, http.MethodPost, "/entries", entry)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateEntryInvalid(t *testing.T) {
	t.Parallel()

	rec := doRequest(t, newFakeStore(), nil, http.MethodPost, "/entries",
		worklist.Entry{PatientName: "no id"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateEntry(t *testing.T) {
	t.Parallel()

	existing := scheduledEntry("sub_1_ses_1_fam_1", "1.2.840.10008.3.1.2.3.4.1")
	existing.Status = worklist.StatusInProgress
	s := newFakeStore(existing)

	update := scheduledEntry("sub_1_ses_1_fam_1", "")
	update.ScheduledStartTime = "15:45"

	rec := doRequest(t, s, nil, http.MethodPut, "/entries/sub_1_ses_1_fam_1", update)
	require.Equal(t, http.StatusOK, rec.Code)

	var updated worklist.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, "15:45", updated.ScheduledStartTime)
	assert.Equal(t, worklist.StatusInProgress, updated.Status)
	assert.Equal(t, "1.2.840.10008.3.1.2.3.4.1", updated.StudyInstanceUID)

	rec = doRequest(t, s, nil, http.MethodPut, "/entries/sub_ghost_ses_1_fam_1", update)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteEntry(t *testing.T) {
	t.Parallel()

	s := newFakeStore(scheduledEntry("sub_1_ses_1_fam_1", "1.2.840.10008.3.1.2.3.4.1"))

	rec := doRequest(t, s, nil, http.MethodDelete, "/entries/sub_1_ses_1_fam_1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, s.byPatientID)

	rec = doRequest(t, s, nil, http.MethodDelete, "/entries/sub_1_ses_1_fam_1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetStats(t *testing.T) {
	t.Parallel()

	completed := scheduledEntry("sub_2_ses_1_fam_2", "1.2.840.10008.3.1.2.3.4.2")
	completed.Status = worklist.StatusCompleted
	s := newFakeStore(
		scheduledEntry("sub_1_ses_1_fam_1", "1.2.840.10008.3.1.2.3.4.1"),
		completed,
	)

	rec := doRequest(t, s, nil, http.MethodGet, "/worklist/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp.Counts["SCHEDULED"])
	assert.Equal(t, int64(1), resp.Counts["COMPLETED"])
}

func TestGetSourceStatus(t *testing.T) {
	t.Parallel()

	tracker := sync.NewTracker()
	tracker.SetPhase("redcap-main", sync.PhaseWaiting, "sync complete")
	tracker.RecordSuccess("redcap-main", time.Date(2026, 2, 5, 9, 0, 0, 0, time.UTC), sync.Result{Inserted: 3})

	rec := doRequest(t, newFakeStore(), tracker, http.MethodGet, "/sources/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var statuses []sync.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, "redcap-main", statuses[0].Source)
	assert.Equal(t, 3, statuses[0].Inserted)
}
