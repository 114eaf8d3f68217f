package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/openmwl/worklist-server/internal/config"
	"github.com/openmwl/worklist-server/internal/httpclient"
	"github.com/openmwl/worklist-server/internal/mapping"
	"github.com/openmwl/worklist-server/internal/worklist"
)

const (
	redcapSourceName = "REDCap"

	// redcapRepeatInstrument is the repeat-instrument marker of scan rows.
	redcapRepeatInstrument = "mri"
)

// redcapEnvURL and redcapEnvToken name the environment variables carrying the
// API endpoint and credential. Credentials never appear in the config file.
const (
	redcapEnvURL   = "REDCAP_API_URL"
	redcapEnvToken = "REDCAP_API_TOKEN"
)

// redcapDefaultFields are always requested in addition to the mapped fields:
// they carry the identifiers and scan-instance markers the grouping and
// merge steps depend on.
var redcapDefaultFields = []string{
	"record_id", "study_id", "redcap_repeat_instrument",
	"mri_instance", "mri_date", "mri_time", "family_id",
	"youth_dob_y", "demo_sex",
}

// REDCapPlugin fetches scheduled scan instances from a REDCap project. Raw
// rows are grouped per participant and merged: a baseline row supplies
// defaults and each repeat row produces one worklist entry.
type REDCapPlugin struct {
	src    *config.SourceConfig
	client httpclient.Client
	logger *zap.Logger
	mapper *mapping.Mapper

	apiURL         string
	apiToken       string
	siteID         string
	protocol       string
	protocolBySite map[string]string
}

var _ Plugin = (*REDCapPlugin)(nil)

// NewREDCapPlugin creates a REDCap plugin for one configured source. A nil
// client gets a default HTTP client.
func NewREDCapPlugin(src *config.SourceConfig, client httpclient.Client, logger *zap.Logger) (*REDCapPlugin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if client == nil {
		client = httpclient.NewDefaultClient(30 * time.Second)
	}

	mapper, err := mapping.New(src.FieldMapping, logger)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", src.Name, err)
	}

	return &REDCapPlugin{
		src:    src,
		client: client,
		logger: logger.With(zap.String("source", src.Name)),
		mapper: mapper,
	}, nil
}

// ValidateConfig checks required settings and environment credentials.
func (p *REDCapPlugin) ValidateConfig() error {
	siteID := stringSetting(p.src.Settings, "site_id")
	if siteID == "" {
		return fmt.Errorf("missing required configuration key: site_id")
	}

	protocolValue, ok := p.src.Settings["protocol"]
	if !ok {
		return fmt.Errorf("missing required configuration key: protocol")
	}
	switch v := protocolValue.(type) {
	case string:
		p.protocol = v
	case map[string]any:
		bySite, err := stringMapSetting(p.src.Settings, "protocol")
		if err != nil {
			return err
		}
		p.protocolBySite = bySite
	default:
		return fmt.Errorf("protocol must be a string or a mapping of site ids to protocol names")
	}

	p.apiURL = os.Getenv(redcapEnvURL)
	if p.apiURL == "" {
		return fmt.Errorf("%s environment variable not set", redcapEnvURL)
	}
	p.apiToken = os.Getenv(redcapEnvToken)
	if p.apiToken == "" {
		return fmt.Errorf("%s environment variable not set", redcapEnvToken)
	}

	p.siteID = siteID
	p.logger.Info("redcap plugin validated", zap.String("site_id", siteID))
	return nil
}

// FetchEntries exports recently modified records and transforms them into
// worklist entries.
func (p *REDCapPlugin) FetchEntries(ctx context.Context, interval time.Duration) ([]worklist.Entry, error) {
	fields := p.requestedFields()

	validFields, err := p.fetchFieldNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch project metadata: %w", err)
	}

	filtered := make([]string, 0, len(fields))
	for _, f := range fields {
		if validFields[f] {
			filtered = append(filtered, f)
		}
	}
	if len(filtered) == 0 {
		p.logger.Error("no valid project fields found in field mapping")
		return nil, nil
	}

	records, err := p.exportRecords(ctx, filtered, interval)
	if err != nil {
		return nil, fmt.Errorf("failed to export records: %w", err)
	}
	if len(records) == 0 {
		p.logger.Warn("no records retrieved")
		return nil, nil
	}
	p.logger.Debug("retrieved raw records", zap.Int("count", len(records)))

	merged := p.groupAndMerge(records, filtered)

	entries := p.transform(merged)
	p.logger.Info("fetched worklist entries", zap.Int("count", len(entries)))
	return entries, nil
}

// SourceName returns the provenance tag for entries created by this plugin.
func (*REDCapPlugin) SourceName() string { return redcapSourceName }

// SupportsIncrementalSync is true: exports are bounded by a modification
// date range.
func (*REDCapPlugin) SupportsIncrementalSync() bool { return true }

// Cleanup is a no-op.
func (*REDCapPlugin) Cleanup() {}

// requestedFields is the union of mapped source fields and the defaults.
func (p *REDCapPlugin) requestedFields() []string {
	seen := make(map[string]bool)
	fields := make([]string, 0, len(p.src.FieldMapping)+len(redcapDefaultFields))
	for _, m := range p.src.FieldMapping {
		if !seen[m.SourceField] {
			seen[m.SourceField] = true
			fields = append(fields, m.SourceField)
		}
	}
	for _, f := range redcapDefaultFields {
		if !seen[f] {
			seen[f] = true
			fields = append(fields, f)
		}
	}
	return fields
}

// fetchFieldNames exports the project data dictionary and returns the set of
// defined field names.
func (p *REDCapPlugin) fetchFieldNames(ctx context.Context) (map[string]bool, error) {
	form := url.Values{}
	form.Set("token", p.apiToken)
	form.Set("content", "metadata")
	form.Set("format", "json")

	body, err := p.client.PostForm(ctx, p.apiURL, form)
	if err != nil {
		return nil, err
	}

	var metadata []struct {
		FieldName string `json:"field_name"`
	}
	if err := json.Unmarshal(body, &metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata response: %w", err)
	}

	names := make(map[string]bool, len(metadata))
	for _, f := range metadata {
		names[f.FieldName] = true
	}
	return names, nil
}

// exportRecords exports records modified inside the look-back interval.
func (p *REDCapPlugin) exportRecords(ctx context.Context, fields []string, interval time.Duration) ([]map[string]any, error) {
	now := time.Now()

	form := url.Values{}
	form.Set("token", p.apiToken)
	form.Set("content", "record")
	form.Set("format", "json")
	form.Set("fields", strings.Join(fields, ","))
	form.Set("dateRangeBegin", now.Add(-interval).Format("2006-01-02 15:04:05"))
	form.Set("dateRangeEnd", now.Format("2006-01-02 15:04:05"))

	body, err := p.client.PostForm(ctx, p.apiURL, form)
	if err != nil {
		return nil, err
	}

	var records []map[string]any
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("failed to decode record export: %w", err)
	}
	return records, nil
}

// groupAndMerge groups raw rows by participant and merges each valid repeat
// row with the participant's baseline row. Repeat rows missing an instance
// id, date or time are discarded before grouping.
func (p *REDCapPlugin) groupAndMerge(records []map[string]any, fields []string) []map[string]any {
	groups := make(map[string][]map[string]any)
	order := make([]string, 0)
	for _, rec := range records {
		id := recordValue(rec, "record_id")
		if _, ok := groups[id]; !ok {
			order = append(order, id)
		}
		groups[id] = append(groups[id], rec)
	}

	var merged []map[string]any
	for _, recordID := range order {
		group := groups[recordID]

		var baseline map[string]any
		for _, rec := range group {
			if recordValue(rec, "redcap_repeat_instrument") == "" {
				baseline = rec
				break
			}
		}
		if baseline == nil {
			baseline = map[string]any{}
		}

		for _, rec := range group {
			if recordValue(rec, "redcap_repeat_instrument") != redcapRepeatInstrument {
				continue
			}
			if recordValue(rec, "mri_instance") == "" ||
				recordValue(rec, "mri_date") == "" ||
				recordValue(rec, "mri_time") == "" {
				continue
			}

			out := map[string]any{"record_id": recordID}
			for _, field := range fields {
				if v := recordValue(rec, field); v != "" {
					out[field] = v
				} else if bv, ok := baseline[field]; ok {
					out[field] = bv
				}
			}
			merged = append(merged, out)
		}
	}

	p.logger.Debug("merged scan rows", zap.Int("count", len(merged)))
	return merged
}

// transform builds canonical entries from merged records.
func (p *REDCapPlugin) transform(records []map[string]any) []worklist.Entry {
	entries := make([]worklist.Entry, 0, len(records))

	for _, record := range records {
		studyID := lastDashSegment(recordValue(record, "study_id"))
		familyID := lastDashSegment(recordValue(record, "family_id"))
		sessionID := recordValue(record, "mri_instance")

		if studyID == "" {
			p.logger.Warn("skipping record with missing study_id")
			continue
		}

		entry := worklist.Entry{
			PatientID:        worklist.NaturalKey(studyID, sessionID, familyID),
			PatientName:      fmt.Sprintf("cpip-id-%s^fa-%s", studyID, familyID),
			Modality:         "MR",
			StudyInstanceUID: worklist.NewStudyInstanceUID(),
			Status:           worklist.StatusScheduled,
			DataSource:       p.SourceName(),
		}

		applyFields(&entry, p.mapper.Apply(record))

		if entry.ScheduledStartDate == "" {
			entry.ScheduledStartDate = recordValue(record, "mri_date")
		}
		if entry.ScheduledStartTime == "" {
			entry.ScheduledStartTime = recordValue(record, "mri_time")
		}

		entry.ScheduledStartDate = p.normalizeDate(entry.ScheduledStartDate)
		entry.ScheduledStartTime = p.normalizeTime(entry.ScheduledStartTime)
		if entry.PatientBirthDate != "" {
			entry.PatientBirthDate = p.normalizeDate(entry.PatientBirthDate)
		}

		if entry.ProtocolName == "" {
			entry.ProtocolName = p.protocolFor(p.siteID)
		}

		if err := entry.Validate(); err != nil {
			p.logger.Warn("skipping invalid record", zap.Error(err))
			continue
		}

		entries = append(entries, entry)
	}

	return entries
}

func (p *REDCapPlugin) protocolFor(siteID string) string {
	if p.protocol != "" {
		return p.protocol
	}
	return p.protocolBySite[siteID]
}

func (p *REDCapPlugin) normalizeDate(value string) string {
	if value == "" {
		return value
	}
	normalized, ok := mapping.NormalizeDate(value)
	if !ok {
		p.logger.Warn("unrecognized date format", zap.String("value", value))
	}
	return normalized
}

func (p *REDCapPlugin) normalizeTime(value string) string {
	if value == "" {
		return value
	}
	normalized, ok := mapping.NormalizeTime(value)
	if !ok {
		p.logger.Warn("unrecognized time format", zap.String("value", value))
	}
	return normalized
}

// recordValue reads a field as a trimmed string, treating the NaN sentinel
// as absent.
func recordValue(record map[string]any, field string) string {
	v, ok := record[field]
	if !ok || v == nil {
		return ""
	}
	s := strings.TrimSpace(fmt.Sprintf("%v", v))
	if s == "NaN" {
		return ""
	}
	return s
}

// lastDashSegment strips a site prefix from identifiers like "CPIP-0123".
func lastDashSegment(s string) string {
	if s == "" {
		return ""
	}
	parts := strings.Split(s, "-")
	return parts[len(parts)-1]
}
