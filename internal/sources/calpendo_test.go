package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmwl/worklist-server/internal/config"
	"github.com/openmwl/worklist-server/internal/httpclient"
	"github.com/openmwl/worklist-server/internal/worklist"
)

func calpendoSourceConfig(baseURL string) *config.SourceConfig {
	return &config.SourceConfig{
		Name: "calpendo-test",
		Type: config.SourceTypeCalpendo,
		Settings: map[string]any{
			"base_url":  baseURL,
			"resources": []any{"3T Diagnostic", "EEG"},
			"timezone":  "UTC",
			"resource_modality_mapping": map[string]any{
				"3T":  "MR",
				"EEG": "EEG",
			},
		},
		FieldMapping: config.FieldMapping{
			"patient_id": {
				SourceField: "properties.title",
				Extract:     &config.ExtractConfig{Pattern: `^([A-Z0-9]+)_.*`, Group: 1},
			},
			"study_description": {SourceField: "properties.project.formattedName"},
		},
	}
}

func setCalpendoEnv(t *testing.T) {
	t.Helper()
	t.Setenv(calpendoEnvUsername, "booker")
	t.Setenv(calpendoEnvPassword, "hunter2")
}

func TestCalpendoPluginValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(src *config.SourceConfig)
		noCreds bool
		wantErr string
	}{
		{name: "valid"},
		{
			name: "missing_base_url",
			mutate: func(src *config.SourceConfig) {
				delete(src.Settings, "base_url")
			},
			wantErr: "base_url",
		},
		{
			name: "empty_resources",
			mutate: func(src *config.SourceConfig) {
				src.Settings["resources"] = []any{}
			},
			wantErr: "resources must be a non-empty list",
		},
		{
			name: "missing_field_mapping",
			mutate: func(src *config.SourceConfig) {
				src.FieldMapping = nil
			},
			wantErr: "field_mapping",
		},
		{
			name:    "missing_credentials",
			noCreds: true,
			wantErr: calpendoEnvUsername,
		},
		{
			name: "non_positive_lookback",
			mutate: func(src *config.SourceConfig) {
				src.Settings["lookback_multiplier"] = 0
			},
			wantErr: "lookback_multiplier must be a positive number",
		},
		{
			name: "allowed_studies_wrong_type",
			mutate: func(src *config.SourceConfig) {
				src.Settings["allowed_studies"] = "StudyA"
			},
			wantErr: "allowed_studies must be a list of strings",
		},
		{
			name: "allowed_studies_all_blank",
			mutate: func(src *config.SourceConfig) {
				src.Settings["allowed_studies"] = []any{"  ", ""}
			},
			wantErr: "allowed_studies must be a non-empty list of strings",
		},
		{
			name: "invalid_timezone",
			mutate: func(src *config.SourceConfig) {
				src.Settings["timezone"] = "Mars/Olympus"
			},
			wantErr: "invalid timezone",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.noCreds {
				t.Setenv(calpendoEnvUsername, "")
				t.Setenv(calpendoEnvPassword, "")
			} else {
				setCalpendoEnv(t)
			}

			src := calpendoSourceConfig("https://calpendo.example.org")
			if tt.mutate != nil {
				tt.mutate(src)
			}

			plugin, err := NewCalpendoPlugin(src, nil, nil)
			require.NoError(t, err)

			err = plugin.ValidateConfig()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestCalpendoPluginFetchEntries(t *testing.T) {
	booking := map[string]any{
		"id":            float64(1),
		"biskitType":    "Booking",
		"status":        "Approved",
		"formattedName": "[2026-01-27 14:00:00.0, 2026-01-27 15:30:00.0]",
		"properties": map[string]any{
			"title": "SUB001_John_Doe",
			"project": map[string]any{
				"formattedName": "StudyA",
			},
			"resource": map[string]any{
				"formattedName": "3T Diagnostic",
			},
		},
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/webdav/q/Calpendo.Booking/"):
			// Window query lists three bookings; one is deleted upstream
			// and one fails validation.
			fmt.Fprint(w, `{"biskits": [{"id": 1}, {"id": 2}, {"id": 3}]}`)
		case r.URL.Path == "/webdav/b/Calpendo.Booking/1":
			require.NoError(t, json.NewEncoder(w).Encode(booking))
		case r.URL.Path == "/webdav/b/Calpendo.Booking/2":
			w.WriteHeader(http.StatusNotFound)
		case r.URL.Path == "/webdav/b/Calpendo.Booking/3":
			// No title and no interval: dropped by validation.
			fmt.Fprint(w, `{"id": 3, "biskitType": "Booking", "properties": {}}`)
		default:
			t.Errorf("unexpected request path %q", r.URL.Path)
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	server.Config.SetKeepAlivesEnabled(false)
	defer server.Close()

	setCalpendoEnv(t)

	plugin, err := NewCalpendoPlugin(calpendoSourceConfig(server.URL),
		httpclient.NewDefaultClient(5*time.Second), nil)
	require.NoError(t, err)
	require.NoError(t, plugin.ValidateConfig())

	entries, err := plugin.FetchEntries(context.Background(), 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	entry := entries[0]
	assert.Equal(t, "SUB001", entry.PatientID)
	assert.Equal(t, "SUB001_John_Doe", entry.PatientName)
	assert.Equal(t, "StudyA", entry.StudyDescription)
	assert.Equal(t, "20260127", entry.ScheduledStartDate)
	assert.Equal(t, "14:00", entry.ScheduledStartTime)
	assert.Equal(t, 90, entry.StepDurationMinutes)
	assert.Equal(t, worklist.StatusScheduled, entry.Status)
	assert.Equal(t, "MR", entry.Modality)
	assert.Equal(t, "Calpendo", entry.DataSource)

	var notes map[string]string
	require.NoError(t, json.Unmarshal([]byte(entry.Notes), &notes))
	assert.Len(t, notes["booking_hash"], 64)
}

func TestCalpendoPluginAllowedStudiesFilter(t *testing.T) {
	setCalpendoEnv(t)

	src := calpendoSourceConfig("https://calpendo.example.org")
	src.Settings["allowed_studies"] = []any{"StudyB"}

	plugin, err := NewCalpendoPlugin(src, httpclient.NewDefaultClient(time.Second), nil)
	require.NoError(t, err)
	require.NoError(t, plugin.ValidateConfig())

	booking := map[string]any{
		"id":            float64(7),
		"formattedName": "[2026-01-27 14:00:00.0, 2026-01-27 15:00:00.0]",
		"properties": map[string]any{
			"title": "SUB002_Jane",
			"project": map[string]any{
				"formattedName": "StudyA",
			},
		},
	}

	_, ok := plugin.transformBooking(booking)
	assert.False(t, ok, "booking outside allowed studies should be dropped")

	booking["properties"].(map[string]any)["project"].(map[string]any)["formattedName"] = "StudyB"
	entry, ok := plugin.transformBooking(booking)
	require.True(t, ok)
	assert.Equal(t, "StudyB", entry.StudyDescription)
}

func TestCalpendoPluginWindow(t *testing.T) {
	setCalpendoEnv(t)

	now := time.Date(2026, 1, 27, 10, 30, 0, 0, time.UTC)

	t.Run("rolling_window", func(t *testing.T) {
		plugin, err := NewCalpendoPlugin(calpendoSourceConfig("https://x"), httpclient.NewDefaultClient(time.Second), nil)
		require.NoError(t, err)
		require.NoError(t, plugin.ValidateConfig())

		start, end := plugin.window(now, 10*time.Minute)
		assert.Equal(t, now.Add(-20*time.Minute), start, "look-back scales by the multiplier")
		assert.Equal(t, now.Add(24*time.Hour), end)
	})

	t.Run("daily_window", func(t *testing.T) {
		src := calpendoSourceConfig("https://x")
		src.Settings["window_mode"] = "today"

		plugin, err := NewCalpendoPlugin(src, httpclient.NewDefaultClient(time.Second), nil)
		require.NoError(t, err)
		require.NoError(t, plugin.ValidateConfig())

		start, end := plugin.window(now, 10*time.Minute)
		assert.Equal(t, time.Date(2026, 1, 27, 0, 0, 0, 0, time.UTC), start)
		assert.Equal(t, start.Add(24*time.Hour), end)
	})
}

func TestCalpendoBuildBookingQuery(t *testing.T) {
	setCalpendoEnv(t)

	src := calpendoSourceConfig("https://x")
	src.Settings["status_filter"] = "Approved"

	plugin, err := NewCalpendoPlugin(src, httpclient.NewDefaultClient(time.Second), nil)
	require.NoError(t, err)
	require.NoError(t, plugin.ValidateConfig())

	start := time.Date(2026, 1, 27, 8, 0, 0, 0, time.UTC)
	end := time.Date(2026, 1, 28, 8, 0, 0, 0, time.UTC)

	query := plugin.buildBookingQuery(start, end)
	assert.Equal(t,
		"AND/dateRange.start/GE/20260127-0800/dateRange.start/LT/20260128-0800"+
			"/OR/resource.name/EQ/3T%20Diagnostic/resource.name/EQ/EEG"+
			"/status/EQ/Approved",
		query)
}

func TestMapBookingStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want worklist.Status
	}{
		{"Approved", worklist.StatusScheduled},
		{"Pending", worklist.StatusScheduled},
		{"In Progress", worklist.StatusInProgress},
		{"Completed", worklist.StatusCompleted},
		{"Cancelled", worklist.StatusDiscontinued},
		{"SomethingNew", worklist.StatusScheduled},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, mapBookingStatus(tt.in))
		})
	}
}

func TestCalpendoResourceToModality(t *testing.T) {
	setCalpendoEnv(t)

	plugin, err := NewCalpendoPlugin(calpendoSourceConfig("https://x"), httpclient.NewDefaultClient(time.Second), nil)
	require.NoError(t, err)
	require.NoError(t, plugin.ValidateConfig())

	assert.Equal(t, "EEG", plugin.resourceToModality("EEG"))
	assert.Equal(t, "MR", plugin.resourceToModality("3T Diagnostic"), "prefix match")
	assert.Equal(t, "Ultrasound Suite", plugin.resourceToModality("Ultrasound Suite"), "unmapped falls back to resource name")
}
