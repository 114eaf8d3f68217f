package sources

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/openmwl/worklist-server/internal/config"
	"github.com/openmwl/worklist-server/internal/mapping"
	"github.com/openmwl/worklist-server/internal/worklist"
)

const csvSourceName = "CSV"

// CSVPlugin reads worklist entries from a local CSV file with a header row.
// It is non-incremental: every cycle reads the whole file, and the upsert
// path makes the repetition harmless.
type CSVPlugin struct {
	src    *config.SourceConfig
	logger *zap.Logger
	mapper *mapping.Mapper

	path string
}

var _ Plugin = (*CSVPlugin)(nil)

// NewCSVPlugin creates a CSV plugin for one configured source.
func NewCSVPlugin(src *config.SourceConfig, logger *zap.Logger) (*CSVPlugin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	mapper, err := mapping.New(src.FieldMapping, logger)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", src.Name, err)
	}

	return &CSVPlugin{
		src:    src,
		logger: logger.With(zap.String("source", src.Name)),
		mapper: mapper,
	}, nil
}

// ValidateConfig checks that the configured file exists.
func (p *CSVPlugin) ValidateConfig() error {
	path := stringSetting(p.src.Settings, "path")
	if path == "" {
		return fmt.Errorf("missing required configuration key: path")
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("worklist file not readable: %w", err)
	}
	p.path = path
	return nil
}

// FetchEntries reads and transforms the whole file. The interval parameter
// is advisory only.
func (p *CSVPlugin) FetchEntries(_ context.Context, _ time.Duration) ([]worklist.Entry, error) {
	f, err := os.Open(p.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open worklist file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	reader := csv.NewReader(f)
	reader.TrimLeadingSpace = true

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse worklist file: %w", err)
	}
	if len(rows) < 2 {
		p.logger.Warn("worklist file has no data rows")
		return nil, nil
	}

	header := rows[0]
	entries := make([]worklist.Entry, 0, len(rows)-1)

	for _, row := range rows[1:] {
		record := make(map[string]any, len(header))
		for i, col := range header {
			if i < len(row) {
				record[col] = row[i]
			}
		}

		entry := worklist.Entry{
			Status:     worklist.StatusScheduled,
			DataSource: p.SourceName(),
		}
		applyFields(&entry, p.mapper.Apply(record))

		entry.ScheduledStartDate = normalizeOrWarn(p.logger, entry.ScheduledStartDate, mapping.NormalizeDate)
		entry.ScheduledStartTime = normalizeOrWarn(p.logger, entry.ScheduledStartTime, mapping.NormalizeTime)

		if entry.StudyInstanceUID == "" {
			entry.StudyInstanceUID = worklist.NewStudyInstanceUID()
		}

		if err := entry.Validate(); err != nil {
			p.logger.Warn("skipping invalid row", zap.Error(err))
			continue
		}
		entries = append(entries, entry)
	}

	p.logger.Info("read worklist entries from file", zap.Int("count", len(entries)))
	return entries, nil
}

// SourceName returns the provenance tag for entries created by this plugin.
func (*CSVPlugin) SourceName() string { return csvSourceName }

// SupportsIncrementalSync is false: the file is re-read in full every cycle.
func (*CSVPlugin) SupportsIncrementalSync() bool { return false }

// Cleanup is a no-op.
func (*CSVPlugin) Cleanup() {}

func normalizeOrWarn(logger *zap.Logger, value string, normalize func(string) (string, bool)) string {
	if value == "" {
		return value
	}
	normalized, ok := normalize(value)
	if !ok {
		logger.Warn("unrecognized date or time format", zap.String("value", value))
	}
	return normalized
}
