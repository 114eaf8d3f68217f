package sources

import (
	"fmt"
	"strconv"

	"github.com/openmwl/worklist-server/internal/worklist"
)

// Canonical field names produced by the field mapper and understood by every
// plugin. These match the store's column names.
const (
	fieldPatientID           = "patient_id"
	fieldPatientName         = "patient_name"
	fieldPatientBirthDate    = "patient_birth_date"
	fieldPatientSex          = "patient_sex"
	fieldPatientWeight       = "patient_weight"
	fieldModality            = "modality"
	fieldScheduledStartDate  = "scheduled_start_date"
	fieldScheduledStartTime  = "scheduled_start_time"
	fieldScheduledAETitle    = "scheduled_station_aetitle"
	fieldStationName         = "station_name"
	fieldProtocolName        = "protocol_name"
	fieldProcedureDesc       = "procedure_description"
	fieldStudyDescription    = "study_description"
	fieldPerformingPhysician = "performing_physician"
	fieldReferringPhysician  = "referring_physician"
	fieldStepDuration        = "scheduled_procedure_step_duration"
	fieldStudyInstanceUID    = "study_instance_uid"
)

// applyFields copies mapped canonical fields onto an entry. Unknown targets
// are ignored so a mapping table can carry source-private intermediates.
func applyFields(e *worklist.Entry, fields map[string]string) {
	for target, value := range fields {
		switch target {
		case fieldPatientID:
			e.PatientID = value
		case fieldPatientName:
			e.PatientName = value
		case fieldPatientBirthDate:
			e.PatientBirthDate = value
		case fieldPatientSex:
			e.PatientSex = value
		case fieldPatientWeight:
			e.PatientWeight = value
		case fieldModality:
			e.Modality = value
		case fieldScheduledStartDate:
			e.ScheduledStartDate = value
		case fieldScheduledStartTime:
			e.ScheduledStartTime = value
		case fieldScheduledAETitle:
			e.ScheduledAETitle = value
		case fieldStationName:
			e.StationName = value
		case fieldProtocolName:
			e.ProtocolName = value
		case fieldProcedureDesc:
			e.ProcedureDesc = value
		case fieldStudyDescription:
			e.StudyDescription = value
		case fieldPerformingPhysician:
			e.PerformingPhysician = value
		case fieldReferringPhysician:
			e.ReferringPhysician = value
		case fieldStepDuration:
			if minutes, err := strconv.Atoi(value); err == nil {
				e.StepDurationMinutes = minutes
			}
		case fieldStudyInstanceUID:
			e.StudyInstanceUID = value
		}
	}
}

// stringSetting reads an optional string key from a plugin settings block.
func stringSetting(settings map[string]any, key string) string {
	if v, ok := settings[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// stringListSetting reads a list-of-strings key. YAML sequences decode as
// []any, so each element is asserted individually.
func stringListSetting(settings map[string]any, key string) ([]string, error) {
	v, ok := settings[key]
	if !ok {
		return nil, nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%s must be a list of strings", key)
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("%s must be a list of strings", key)
		}
		out = append(out, s)
	}
	return out, nil
}

// floatSetting reads a numeric key, accepting the int and float forms YAML
// produces. The fallback is returned when the key is absent.
func floatSetting(settings map[string]any, key string, fallback float64) (float64, error) {
	v, ok := settings[key]
	if !ok {
		return fallback, nil
	}
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case float64:
		return n, nil
	default:
		return 0, fmt.Errorf("%s must be a number", key)
	}
}

// stringMapSetting reads a map-of-strings key (e.g. a per-site lookup table).
func stringMapSetting(settings map[string]any, key string) (map[string]string, error) {
	v, ok := settings[key]
	if !ok {
		return nil, nil
	}
	raw, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s must be a mapping of strings", key)
	}
	out := make(map[string]string, len(raw))
	for k, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("%s must be a mapping of strings", key)
		}
		out[k] = s
	}
	return out, nil
}

// boolSetting reads an optional boolean key.
func boolSetting(settings map[string]any, key string) bool {
	if v, ok := settings[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}
