package sources

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openmwl/worklist-server/internal/config"
	"github.com/openmwl/worklist-server/internal/httpclient"
	"github.com/openmwl/worklist-server/internal/mapping"
	"github.com/openmwl/worklist-server/internal/worklist"
)

const (
	calpendoSourceName = "Calpendo"

	// calpendoDetailWorkers bounds the concurrent booking-detail fetches.
	calpendoDetailWorkers = 5

	calpendoDefaultTimezone = "America/Edmonton"
	calpendoDefaultLookback = 2.0
)

const (
	calpendoEnvUsername = "CALPENDO_USERNAME"
	calpendoEnvPassword = "CALPENDO_PASSWORD"
)

// calpendoStatusMapping maps booking statuses to procedure step statuses.
// Unknown statuses map to SCHEDULED.
var calpendoStatusMapping = map[string]worklist.Status{
	"Approved":    worklist.StatusScheduled,
	"In Progress": worklist.StatusInProgress,
	"Completed":   worklist.StatusCompleted,
	"Cancelled":   worklist.StatusDiscontinued,
	"Pending":     worklist.StatusScheduled,
}

// CalpendoPlugin fetches scanner bookings from a Calpendo booking system. It
// lists booking ids inside a rolling window, fetches details concurrently,
// and transforms each booking through the declarative field mapping.
type CalpendoPlugin struct {
	src    *config.SourceConfig
	client httpclient.Client
	logger *zap.Logger
	mapper *mapping.Mapper

	baseURL            string
	timezone           *time.Location
	lookbackMultiplier float64
	resources          []string
	statusFilter       string
	allowedStudies     map[string]bool
	resourceModality   map[string]string
	dailyWindow        bool
}

var _ Plugin = (*CalpendoPlugin)(nil)

// NewCalpendoPlugin creates a Calpendo plugin for one configured source. A
// nil client gets a basic-auth client built during ValidateConfig from
// environment credentials.
func NewCalpendoPlugin(src *config.SourceConfig, client httpclient.Client, logger *zap.Logger) (*CalpendoPlugin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	mapper, err := mapping.New(src.FieldMapping, logger)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", src.Name, err)
	}

	return &CalpendoPlugin{
		src:    src,
		client: client,
		logger: logger.With(zap.String("source", src.Name)),
		mapper: mapper,
	}, nil
}

// ValidateConfig checks required settings, environment credentials, the
// timezone, and the shape of optional filters.
func (p *CalpendoPlugin) ValidateConfig() error {
	settings := p.src.Settings

	p.baseURL = strings.TrimRight(stringSetting(settings, "base_url"), "/")
	if p.baseURL == "" {
		return fmt.Errorf("missing required configuration key: base_url")
	}

	resources, err := stringListSetting(settings, "resources")
	if err != nil {
		return err
	}
	if len(resources) == 0 {
		return fmt.Errorf("resources must be a non-empty list")
	}
	p.resources = resources

	if len(p.src.FieldMapping) == 0 {
		return fmt.Errorf("missing required configuration key: field_mapping")
	}

	username := os.Getenv(calpendoEnvUsername)
	password := os.Getenv(calpendoEnvPassword)
	if username == "" || password == "" {
		return fmt.Errorf("%s and %s environment variables must be set",
			calpendoEnvUsername, calpendoEnvPassword)
	}
	if p.client == nil {
		p.client = httpclient.NewDefaultClient(30*time.Second,
			httpclient.WithBasicAuth(username, password))
	}

	p.lookbackMultiplier, err = floatSetting(settings, "lookback_multiplier", calpendoDefaultLookback)
	if err != nil {
		return err
	}
	if p.lookbackMultiplier <= 0 {
		return fmt.Errorf("lookback_multiplier must be a positive number")
	}

	allowed, err := stringListSetting(settings, "allowed_studies")
	if err != nil {
		return err
	}
	if _, declared := settings["allowed_studies"]; declared {
		p.allowedStudies = make(map[string]bool)
		for _, study := range allowed {
			if s := strings.TrimSpace(study); s != "" {
				p.allowedStudies[s] = true
			}
		}
		if len(p.allowedStudies) == 0 {
			return fmt.Errorf("allowed_studies must be a non-empty list of strings")
		}
	}

	tzName := stringSetting(settings, "timezone")
	if tzName == "" {
		tzName = calpendoDefaultTimezone
	}
	tz, err := time.LoadLocation(tzName)
	if err != nil {
		return fmt.Errorf("invalid timezone %q: %w", tzName, err)
	}
	p.timezone = tz

	p.resourceModality, err = stringMapSetting(settings, "resource_modality_mapping")
	if err != nil {
		return err
	}

	p.statusFilter = stringSetting(settings, "status_filter")
	p.dailyWindow = boolSetting(settings, "daily_window") ||
		stringSetting(settings, "window_mode") == "today"

	p.logger.Debug("calpendo plugin validated", zap.Int("resources", len(p.resources)))
	return nil
}

// FetchEntries lists bookings inside the rolling window and transforms them.
func (p *CalpendoPlugin) FetchEntries(ctx context.Context, interval time.Duration) ([]worklist.Entry, error) {
	start, end := p.window(time.Now().In(p.timezone), interval)
	p.logger.Debug("fetching bookings",
		zap.Time("window_start", start),
		zap.Time("window_end", end))

	ids, err := p.fetchBookingIDs(ctx, start, end)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("found bookings in window", zap.Int("count", len(ids)))
	if len(ids) == 0 {
		return nil, nil
	}

	bookings, err := p.fetchBookingDetails(ctx, ids)
	if err != nil {
		return nil, err
	}

	entries := make([]worklist.Entry, 0, len(bookings))
	for _, booking := range bookings {
		if entry, ok := p.transformBooking(booking); ok {
			entries = append(entries, entry)
		}
	}

	p.logger.Debug("transformed worklist entries", zap.Int("count", len(entries)))
	return entries, nil
}

// SourceName returns the provenance tag for entries created by this plugin.
func (*CalpendoPlugin) SourceName() string { return calpendoSourceName }

// SupportsIncrementalSync is true: fetches are bounded by the rolling window.
func (*CalpendoPlugin) SupportsIncrementalSync() bool { return true }

// Cleanup is a no-op.
func (*CalpendoPlugin) Cleanup() {}

// window computes the fetch window: either the calendar day containing now,
// or a look-back scaled by the multiplier plus a day of look-ahead.
func (p *CalpendoPlugin) window(now time.Time, interval time.Duration) (time.Time, time.Time) {
	if p.dailyWindow {
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, p.timezone)
		return start, start.Add(24 * time.Hour)
	}
	lookback := time.Duration(float64(interval) * p.lookbackMultiplier)
	return now.Add(-lookback), now.Add(24 * time.Hour)
}

// buildBookingQuery constructs the WebDAV query path segment.
func (p *CalpendoPlugin) buildBookingQuery(start, end time.Time) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("AND/dateRange.start/GE/%s/dateRange.start/LT/%s",
		start.Format("20060102-1504"), end.Format("20060102-1504")))

	if len(p.resources) > 0 {
		sb.WriteString("/OR")
		for _, r := range p.resources {
			sb.WriteString("/resource.name/EQ/")
			sb.WriteString(url.PathEscape(r))
		}
	}

	if p.statusFilter != "" {
		sb.WriteString("/status/EQ/")
		sb.WriteString(url.PathEscape(p.statusFilter))
	}

	return sb.String()
}

// fetchBookingIDs queries for booking ids inside the window.
func (p *CalpendoPlugin) fetchBookingIDs(ctx context.Context, start, end time.Time) ([]int64, error) {
	queryURL := fmt.Sprintf("%s/webdav/q/Calpendo.Booking/%s",
		p.baseURL, p.buildBookingQuery(start, end))

	body, err := p.client.Get(ctx, queryURL)
	if err != nil {
		var httpErr *httpclient.HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("booking system authentication failed")
		}
		return nil, fmt.Errorf("failed to fetch bookings: %w", err)
	}

	results := gjson.GetBytes(body, "biskits.#.id")
	ids := make([]int64, 0, len(results.Array()))
	for _, r := range results.Array() {
		ids = append(ids, r.Int())
	}
	return ids, nil
}

// fetchBookingDetails fetches booking details concurrently with a bounded
// worker count. Bookings deleted upstream (404) are dropped from the batch.
func (p *CalpendoPlugin) fetchBookingDetails(ctx context.Context, ids []int64) ([]map[string]any, error) {
	results := make([]map[string]any, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(calpendoDetailWorkers)

	for i, id := range ids {
		g.Go(func() error {
			booking, err := p.fetchBookingDetail(gctx, id)
			if err != nil {
				return err
			}
			results[i] = booking
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	bookings := make([]map[string]any, 0, len(ids))
	for _, b := range results {
		if b != nil {
			bookings = append(bookings, b)
		}
	}
	p.logger.Debug("fetched booking details",
		zap.Int("fetched", len(bookings)),
		zap.Int("listed", len(ids)))
	return bookings, nil
}

// fetchBookingDetail fetches one booking. A nil result without error means
// the booking was deleted upstream.
func (p *CalpendoPlugin) fetchBookingDetail(ctx context.Context, id int64) (map[string]any, error) {
	detailURL := fmt.Sprintf("%s/webdav/b/Calpendo.Booking/%d", p.baseURL, id)

	body, err := p.client.Get(ctx, detailURL)
	if err != nil {
		if httpclient.IsNotFound(err) {
			p.logger.Warn("booking not found, dropping", zap.Int64("booking_id", id))
			return nil, nil
		}
		return nil, fmt.Errorf("booking detail fetch failed for %d: %w", id, err)
	}

	var booking map[string]any
	if err := json.Unmarshal(body, &booking); err != nil {
		return nil, fmt.Errorf("failed to decode booking %d: %w", id, err)
	}

	if nestedString(booking, "biskitType") == "MRIScan" {
		if operator := p.fetchOperator(ctx, id); operator != "" {
			booking["operator"] = operator
		}
	}

	return booking, nil
}

// fetchOperator retrieves the operator name for scan bookings. Failures are
// logged, not propagated; the operator is optional.
func (p *CalpendoPlugin) fetchOperator(ctx context.Context, id int64) string {
	operatorURL := fmt.Sprintf("%s/webdav/q/MRIScan/id/eq/%d?paths=Operator.name", p.baseURL, id)

	body, err := p.client.Get(ctx, operatorURL)
	if err != nil {
		p.logger.Warn("failed to fetch operator", zap.Int64("booking_id", id), zap.Error(err))
		return ""
	}
	return gjson.GetBytes(body, "biskits.0.properties.Operator.name").String()
}

// transformBooking maps one booking into a worklist entry. The second return
// value is false when the booking must be dropped.
func (p *CalpendoPlugin) transformBooking(booking map[string]any) (worklist.Entry, bool) {
	entry := worklist.Entry{DataSource: p.SourceName()}
	applyFields(&entry, p.mapper.Apply(booking))

	// The booking title carries the subject identifier when no explicit
	// mapping resolved one.
	title := firstNonEmpty(nestedString(booking, "properties", "title"), nestedString(booking, "title"))
	if entry.PatientID == "" {
		entry.PatientID = title
	}
	if entry.PatientName == "" {
		entry.PatientName = title
	}

	if p.allowedStudies != nil {
		study := strings.TrimSpace(entry.StudyDescription)
		if study == "" || !p.allowedStudies[study] {
			p.logger.Info("skipping booking outside allowed studies",
				zap.String("study_description", entry.StudyDescription))
			return worklist.Entry{}, false
		}
	}

	if start, end, ok := p.bookingInterval(booking); ok {
		startUTC := start.UTC()
		entry.ScheduledStartDate = startUTC.Format("20060102")
		entry.ScheduledStartTime = startUTC.Format("15:04")
		entry.StepDurationMinutes = int(end.Sub(start).Minutes())
	}

	status := firstNonEmpty(nestedString(booking, "status"), nestedString(booking, "properties", "status"))
	if status != "" {
		entry.Status = mapBookingStatus(status)
	}

	if resource := nestedString(booking, "properties", "resource", "formattedName"); resource != "" {
		entry.Modality = p.resourceToModality(resource)
	}

	entry.Notes = p.fingerprintNotes(booking)

	if err := entry.Validate(); err != nil {
		p.logger.Warn("skipping booking failing validation",
			zap.Any("booking_id", booking["id"]),
			zap.Error(err))
		return worklist.Entry{}, false
	}

	return entry, true
}

// bookingInterval parses the booking's start and end from the bracketed
// formattedName field, falling back to the structured dateRange pair.
func (p *CalpendoPlugin) bookingInterval(booking map[string]any) (time.Time, time.Time, bool) {
	if formatted := nestedString(booking, "formattedName"); formatted != "" {
		start, end, err := p.parseFormattedInterval(formatted)
		if err == nil {
			return start, end, true
		}
		p.logger.Warn("failed to parse booking interval",
			zap.Any("booking_id", booking["id"]),
			zap.Error(err))
	}

	startStr := nestedString(booking, "properties", "dateRange", "start")
	endStr := firstNonEmpty(
		nestedString(booking, "properties", "dateRange", "end"),
		nestedString(booking, "properties", "dateRange", "finish"))
	if startStr == "" || endStr == "" {
		p.logger.Warn("booking missing parsable interval", zap.Any("booking_id", booking["id"]))
		return time.Time{}, time.Time{}, false
	}

	start, err1 := p.parseISO(startStr)
	end, err2 := p.parseISO(endStr)
	if err1 != nil || err2 != nil {
		p.logger.Warn("booking has unparsable dateRange", zap.Any("booking_id", booking["id"]))
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}

// parseFormattedInterval parses "[2026-01-27 14:00:00.0, 2026-01-27 15:30:00.0]".
func (p *CalpendoPlugin) parseFormattedInterval(formatted string) (time.Time, time.Time, error) {
	trimmed := strings.TrimSpace(formatted)
	if !strings.HasPrefix(trimmed, "[") || !strings.HasSuffix(trimmed, "]") {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid interval format: %s", formatted)
	}
	parts := strings.Split(trimmed[1:len(trimmed)-1], ", ")
	if len(parts) != 2 {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid interval format: %s", formatted)
	}

	start, err := p.parseLocalTimestamp(parts[0])
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := p.parseLocalTimestamp(parts[1])
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, end, nil
}

// parseLocalTimestamp parses "2026-01-27 14:00:00.0" in the configured zone.
func (p *CalpendoPlugin) parseLocalTimestamp(s string) (time.Time, error) {
	base, _, _ := strings.Cut(strings.TrimSpace(s), ".")
	t, err := time.ParseInLocation("2006-01-02 15:04:05", base, p.timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

// parseISO parses an RFC 3339 timestamp, localizing naive values.
func (p *CalpendoPlugin) parseISO(s string) (time.Time, error) {
	normalized := strings.Replace(s, "Z", "+00:00", 1)
	if t, err := time.Parse(time.RFC3339, strings.Replace(normalized, "+00:00", "Z", 1)); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02T15:04:05", normalized, p.timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
	}
	return t, nil
}

// resourceToModality maps a resource name to a modality code by exact then
// prefix match, defaulting to the resource name itself.
func (p *CalpendoPlugin) resourceToModality(resource string) string {
	if modality, ok := p.resourceModality[resource]; ok {
		return modality
	}
	for prefix, modality := range p.resourceModality {
		if strings.HasPrefix(resource, prefix) {
			return modality
		}
	}
	return resource
}

// fingerprintNotes computes the content fingerprint stored in the entry's
// notes field so reconciliation can cheaply detect unchanged bookings.
func (p *CalpendoPlugin) fingerprintNotes(booking map[string]any) string {
	critical := map[string]string{
		"title":         nestedString(booking, "title"),
		"status":        nestedString(booking, "status"),
		"formattedName": nestedString(booking, "formattedName"),
		"project":       nestedString(booking, "properties", "project", "formattedName"),
		"resource":      nestedString(booking, "properties", "resource", "formattedName"),
	}

	// Map keys marshal in sorted order, keeping the digest deterministic.
	payload, _ := json.Marshal(critical)
	digest := sha256.Sum256(payload)

	notes, _ := json.Marshal(map[string]string{"booking_hash": hex.EncodeToString(digest[:])})
	return string(notes)
}

// mapBookingStatus maps a booking status to a procedure step status,
// defaulting to SCHEDULED.
func mapBookingStatus(status string) worklist.Status {
	if mapped, ok := calpendoStatusMapping[status]; ok {
		return mapped
	}
	return worklist.StatusScheduled
}

// nestedString walks nested maps and renders the leaf as a string.
func nestedString(m map[string]any, keys ...string) string {
	var current any = m
	for _, key := range keys {
		node, ok := current.(map[string]any)
		if !ok {
			return ""
		}
		current, ok = node[key]
		if !ok || current == nil {
			return ""
		}
	}
	switch v := current.(type) {
	case string:
		return v
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", v))
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
