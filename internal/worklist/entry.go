// Package worklist defines the worklist entry model shared by the sync
// engine, the store, and the HTTP facade.
package worklist

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the procedure step lifecycle status of a worklist entry.
type Status string

const (
	// StatusScheduled is the initial status of every synced entry.
	StatusScheduled Status = "SCHEDULED"

	// StatusInProgress is set by the protocol server when a procedure starts.
	StatusInProgress Status = "IN_PROGRESS"

	// StatusCompleted is a terminal status set when a procedure finishes.
	StatusCompleted Status = "COMPLETED"

	// StatusDiscontinued is a terminal status set when a procedure is aborted.
	StatusDiscontinued Status = "DISCONTINUED"
)

// uidRoot is the Study Instance UID prefix used for generated identifiers.
const uidRoot = "1.2.840.10008.3.1.2.3.4"

// Valid reports whether s is one of the four lifecycle statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusInProgress, StatusCompleted, StatusDiscontinued:
		return true
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDiscontinued
}

// CanTransitionTo reports whether the lifecycle allows moving from s to next.
// Transitions only flow forward: SCHEDULED -> IN_PROGRESS -> {COMPLETED, DISCONTINUED}.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusScheduled:
		return next == StatusInProgress || next == StatusCompleted || next == StatusDiscontinued
	case StatusInProgress:
		return next == StatusCompleted || next == StatusDiscontinued
	default:
		return false
	}
}

// Entry is a single worklist row in its canonical shape. Date and time fields
// use the textual conventions of the store schema: dates are YYYYMMDD, times
// are HH:MM.
type Entry struct {
	// PatientID is the natural key. It is unique across the store and
	// constructed deterministically from source identifiers so repeated
	// fetches of the same appointment collide on update.
	PatientID string `json:"patient_id"`

	PatientName      string `json:"patient_name"`
	PatientBirthDate string `json:"patient_birth_date,omitempty"`
	PatientSex       string `json:"patient_sex,omitempty"`
	PatientWeight    string `json:"patient_weight,omitempty"`

	Modality            string `json:"modality"`
	ScheduledStartDate  string `json:"scheduled_start_date"`
	ScheduledStartTime  string `json:"scheduled_start_time"`
	ScheduledAETitle    string `json:"scheduled_station_aetitle,omitempty"`
	StationName         string `json:"station_name,omitempty"`
	ProtocolName        string `json:"protocol_name,omitempty"`
	ProcedureDesc       string `json:"procedure_description,omitempty"`
	StudyDescription    string `json:"study_description,omitempty"`
	PerformingPhysician string `json:"performing_physician,omitempty"`
	ReferringPhysician  string `json:"referring_physician,omitempty"`
	StepDurationMinutes int    `json:"scheduled_procedure_step_duration,omitempty"`

	// StudyInstanceUID is generated at insert time when the source did not
	// supply one.
	StudyInstanceUID string `json:"study_instance_uid"`

	Status     Status `json:"status"`
	DataSource string `json:"data_source,omitempty"`

	// Notes carries the opaque audit payload, e.g. a JSON document holding a
	// content fingerprint used for change detection.
	Notes string `json:"notes,omitempty"`

	CreatedAt time.Time `json:"created_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// Validate rejects entries that must never reach the store: an entry without a
// patient identifier, or without a schedulable date and time, is invalid.
func (e *Entry) Validate() error {
	if strings.TrimSpace(e.PatientID) == "" {
		return fmt.Errorf("entry is missing patient_id")
	}
	if strings.TrimSpace(e.ScheduledStartDate) == "" {
		return fmt.Errorf("entry %s is missing scheduled_start_date", e.PatientID)
	}
	if strings.TrimSpace(e.ScheduledStartTime) == "" {
		return fmt.Errorf("entry %s is missing scheduled_start_time", e.PatientID)
	}
	if e.Status != "" && !e.Status.Valid() {
		return fmt.Errorf("entry %s has invalid status %q", e.PatientID, e.Status)
	}
	return nil
}

// NaturalKey builds the canonical patient identifier from source fragments.
// The underscore-delimited form is canonical; the legacy hyphen-delimited
// variant is a one-time migration concern and is not produced here.
func NaturalKey(studyID, sessionID, familyID string) string {
	return fmt.Sprintf("sub_%s_ses_%s_fam_%s", studyID, sessionID, familyID)
}

// NewStudyInstanceUID generates a DICOM-style Study Instance UID under the
// project's UID root.
func NewStudyInstanceUID() string {
	u := uuid.New()
	n := new(big.Int).SetBytes(u[:])
	return fmt.Sprintf("%s.%s", uidRoot, n.String())
}
