// Package config provides configuration loading and management for the
// worklist server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment variables read by the server.
const EnvPrefix = "MWL"

const (
	// SourceTypeREDCap is the type for entries fetched from a REDCap project.
	SourceTypeREDCap = "redcap"

	// SourceTypeCalpendo is the type for entries fetched from a Calpendo
	// booking system.
	SourceTypeCalpendo = "calpendo"

	// SourceTypeCSV is the type for entries read from a local CSV file.
	SourceTypeCSV = "csv"
)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	// Sources is the list of external scheduling systems to synchronize.
	Sources []SourceConfig `yaml:"sources"`

	// Database holds the worklist store connection settings.
	Database *DatabaseConfig `yaml:"database,omitempty"`

	// DefaultProcedureDescription fills the procedure description of entries
	// whose source did not map one. Optional.
	DefaultProcedureDescription string `yaml:"default_procedure_description,omitempty"`
}

// SourceConfig defines a single worklist data source. It is immutable for the
// life of a scheduler loop; configuration changes require a process restart.
type SourceConfig struct {
	// Name is the identifier for this source, unique within the config.
	Name string `yaml:"name"`

	// Type selects the plugin (redcap, calpendo, csv).
	Type string `yaml:"type"`

	// Enabled gates whether a scheduler loop is started for this source.
	Enabled bool `yaml:"enabled"`

	// SyncIntervalSeconds is the base interval between sync cycles.
	SyncIntervalSeconds int `yaml:"sync_interval"`

	// OperationInterval is the daily local time-of-day window during which
	// this source is synchronized.
	OperationInterval OperationInterval `yaml:"operation_interval"`

	// Settings is the plugin-specific configuration block. Credentials are
	// never carried here; plugins read them from the process environment.
	Settings map[string]any `yaml:"config"`

	// FieldMapping maps canonical worklist fields to the source fields
	// that populate them.
	FieldMapping FieldMapping `yaml:"field_mapping"`
}

// SyncInterval returns the base sync interval as a duration.
func (s *SourceConfig) SyncInterval() time.Duration {
	return time.Duration(s.SyncIntervalSeconds) * time.Second
}

// OperationInterval is a daily local time-of-day window expressed as
// [hour, minute] pairs, matching the on-disk configuration shape.
type OperationInterval struct {
	StartTime []int `yaml:"start_time"`
	EndTime   []int `yaml:"end_time"`
}

// Contains reports whether the local time of day of t falls inside the window.
func (o *OperationInterval) Contains(t time.Time) bool {
	minutes := t.Hour()*60 + t.Minute()
	return minutes >= o.startMinutes() && minutes < o.endMinutes()
}

// OpenAt returns the window opening instant on the calendar day of t.
func (o *OperationInterval) OpenAt(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), o.StartTime[0], o.StartTime[1], 0, 0, t.Location())
}

// CloseAt returns the window closing instant on the calendar day of t.
func (o *OperationInterval) CloseAt(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), o.EndTime[0], o.EndTime[1], 0, 0, t.Location())
}

func (o *OperationInterval) startMinutes() int {
	return o.StartTime[0]*60 + o.StartTime[1]
}

func (o *OperationInterval) endMinutes() int {
	return o.EndTime[0]*60 + o.EndTime[1]
}

// FieldMapping maps canonical target field names to per-field mapping rules.
type FieldMapping map[string]FieldMap

// FieldMap describes how one canonical field is resolved from a raw source
// record: either a direct (possibly dotted-path) source field lookup, or a
// lookup followed by a regex extraction.
type FieldMap struct {
	// SourceField is the source field name or dotted path.
	SourceField string `yaml:"source_field"`

	// Extract optionally post-processes the resolved value with a regex.
	Extract *ExtractConfig `yaml:"_extract,omitempty"`
}

// ExtractConfig is a declarative regex extraction: the capture group Group of
// Pattern is taken, with graceful fallback to the raw value on non-match.
type ExtractConfig struct {
	Pattern string `yaml:"pattern"`
	Group   int    `yaml:"group"`
}

// UnmarshalYAML accepts both the shorthand scalar form
// (`target: source_field`) and the full mapping form with _extract.
func (f *FieldMap) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		f.SourceField = value.Value
		f.Extract = nil
		return nil
	}

	type plain FieldMap
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*f = FieldMap(p)
	return nil
}

// DatabaseConfig defines database connection settings
type DatabaseConfig struct {
	// Host is the database server hostname or IP address
	Host string `yaml:"host"`

	// Port is the database server port
	Port int `yaml:"port"`

	// User is the database username
	User string `yaml:"user"`

	// PasswordFile is the path to a file containing the database password.
	// The file should contain only the password with optional trailing
	// whitespace.
	PasswordFile string `yaml:"password_file,omitempty"`

	// Database is the database name
	Database string `yaml:"database"`

	// SSLMode is the SSL mode for the connection (disable, require, verify-ca, verify-full)
	SSLMode string `yaml:"sslmode,omitempty"`

	// MaxConns is the maximum number of pooled connections
	MaxConns int32 `yaml:"max_conns,omitempty"`

	// ConnMaxLifetime is the maximum lifetime of a connection (e.g., "1h", "30m")
	ConnMaxLifetime string `yaml:"conn_max_lifetime,omitempty"`
}

// GetPassword returns the database password using the following priority:
// 1. Read from PasswordFile if specified
// 2. Read from MWL_DATABASE_PASSWORD environment variable
//
// The password from file will have leading/trailing whitespace trimmed.
func (d *DatabaseConfig) GetPassword() (string, error) {
	if d.PasswordFile != "" {
		cleanPath := filepath.Clean(d.PasswordFile)

		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read password from file %s: %w", d.PasswordFile, err)
		}

		return strings.TrimSpace(string(data)), nil
	}

	if envPassword := os.Getenv(EnvPrefix + "_DATABASE_PASSWORD"); envPassword != "" {
		return envPassword, nil
	}

	return "", fmt.Errorf(
		"no database password configured: set password_file or %s_DATABASE_PASSWORD environment variable",
		EnvPrefix,
	)
}

// GetConnectionString builds a PostgreSQL connection string.
func (d *DatabaseConfig) GetConnectionString() (string, error) {
	password, err := d.GetPassword()
	if err != nil {
		return "", err
	}

	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User,
		password,
		d.Host,
		d.Port,
		d.Database,
		sslMode,
	)

	return connString, nil
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// EnabledSources returns the sources that should get a scheduler loop.
func (c *Config) EnabledSources() []SourceConfig {
	enabled := make([]SourceConfig, 0, len(c.Sources))
	for _, src := range c.Sources {
		if src.Enabled {
			enabled = append(enabled, src)
		}
	}
	return enabled
}

// Validate checks the configuration for structural errors. LoadConfig calls
// it automatically; it is exported for callers that build or embed configs
// without going through the loader.
func (c *Config) Validate() error {
	return c.validate()
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one source must be configured")
	}

	sourceNames := make(map[string]bool)
	for i, src := range c.Sources {
		if src.Name == "" {
			return fmt.Errorf("sources[%d]: name is required", i)
		}

		if sourceNames[src.Name] {
			return fmt.Errorf("sources[%d]: duplicate source name '%s'", i, src.Name)
		}
		sourceNames[src.Name] = true

		if err := validateSourceConfig(&src, i); err != nil {
			return err
		}
	}

	return nil
}

// validateSourceConfig validates a single source configuration
func validateSourceConfig(src *SourceConfig, index int) error {
	prefix := fmt.Sprintf("sources[%d] (%s)", index, src.Name)

	if src.Type == "" {
		return fmt.Errorf("%s: type is required", prefix)
	}

	if src.SyncIntervalSeconds <= 0 {
		return fmt.Errorf("%s: sync_interval must be a positive number of seconds", prefix)
	}

	if err := validateOperationInterval(&src.OperationInterval, prefix); err != nil {
		return err
	}

	return validateFieldMapping(src.FieldMapping, prefix)
}

// validateOperationInterval validates the daily operational window
func validateOperationInterval(window *OperationInterval, prefix string) error {
	if err := validateClockPair(window.StartTime, prefix, "start_time"); err != nil {
		return err
	}
	if err := validateClockPair(window.EndTime, prefix, "end_time"); err != nil {
		return err
	}

	if window.startMinutes() >= window.endMinutes() {
		return fmt.Errorf("%s: operation_interval start_time must be before end_time", prefix)
	}

	return nil
}

func validateClockPair(pair []int, prefix, field string) error {
	if len(pair) != 2 {
		return fmt.Errorf("%s: operation_interval.%s must be a [hour, minute] pair", prefix, field)
	}
	if pair[0] < 0 || pair[0] > 23 || pair[1] < 0 || pair[1] > 59 {
		return fmt.Errorf("%s: operation_interval.%s has out-of-range hour or minute", prefix, field)
	}
	return nil
}

// validateFieldMapping checks the field mapping shape and that declared
// extraction patterns compile.
func validateFieldMapping(fm FieldMapping, prefix string) error {
	for target, m := range fm {
		if m.SourceField == "" {
			return fmt.Errorf("%s: field_mapping[%s] is missing source_field", prefix, target)
		}
		if m.Extract != nil {
			if m.Extract.Pattern == "" {
				return fmt.Errorf("%s: field_mapping[%s] has _extract but missing 'pattern' key", prefix, target)
			}
			if _, err := regexp.Compile(m.Extract.Pattern); err != nil {
				return fmt.Errorf("%s: field_mapping[%s] has invalid pattern: %w", prefix, target, err)
			}
		}
	}
	return nil
}
