// Package mapping applies per-source field-mapping tables to raw records and
// normalizes date and time values into their canonical worklist forms.
package mapping

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/openmwl/worklist-server/internal/config"
)

// rule is one compiled target-field mapping.
type rule struct {
	target      string
	sourceField string
	pattern     *regexp.Regexp
	group       int
}

// Mapper resolves canonical worklist fields from raw source records according
// to a declarative field-mapping table.
type Mapper struct {
	rules  []rule
	logger *zap.Logger
}

// New compiles a field-mapping table into a Mapper. Extraction patterns that
// fail to compile are configuration errors.
func New(fm config.FieldMapping, logger *zap.Logger) (*Mapper, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	rules := make([]rule, 0, len(fm))
	for target, m := range fm {
		r := rule{target: target, sourceField: m.SourceField}
		if m.Extract != nil {
			re, err := regexp.Compile(m.Extract.Pattern)
			if err != nil {
				return nil, fmt.Errorf("field %s: invalid extraction pattern: %w", target, err)
			}
			r.pattern = re
			r.group = m.Extract.Group
		}
		rules = append(rules, r)
	}

	return &Mapper{rules: rules, logger: logger}, nil
}

// Apply resolves each mapped target field from the raw record. Targets whose
// resolved value is empty or the literal "NaN" sentinel are omitted so that
// downstream defaults are not overwritten with noise.
func (m *Mapper) Apply(record map[string]any) map[string]string {
	out := make(map[string]string, len(m.rules))

	// Serialized once so nested dotted paths can be resolved.
	raw, err := json.Marshal(record)
	if err != nil {
		m.logger.Warn("record not serializable for nested lookup, using flat keys only",
			zap.Error(err))
		raw = nil
	}

	for _, r := range m.rules {
		value := resolve(record, raw, r.sourceField)
		if value == "" || value == "NaN" {
			continue
		}

		if r.pattern != nil {
			value = m.extract(r, value)
		}

		out[r.target] = value
	}

	return out
}

// extract applies the rule's regex to the resolved value, falling back to the
// raw value when the pattern does not match or the group is out of range.
func (m *Mapper) extract(r rule, value string) string {
	groups := r.pattern.FindStringSubmatch(value)
	if groups == nil || r.group < 0 || r.group >= len(groups) {
		m.logger.Warn("extraction pattern did not match, keeping raw value",
			zap.String("field", r.target),
			zap.String("value", value))
		return value
	}
	return groups[r.group]
}

// resolve looks up a source field: direct key first, then nested dotted path.
func resolve(record map[string]any, raw []byte, field string) string {
	if v, ok := record[field]; ok {
		return stringify(v)
	}
	if raw == nil {
		return ""
	}
	result := gjson.GetBytes(raw, field)
	if !result.Exists() {
		return ""
	}
	return result.String()
}

// stringify renders a raw record value as a string. JSON numbers arrive as
// float64; integral values must not grow a decimal point.
func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

var dateLayouts = []string{
	"2006-01-02",
	"20060102",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.RFC3339,
}

// NormalizeDate converts a date value to the canonical YYYYMMDD form. The
// second return value reports whether the input was recognized; unrecognized
// inputs are returned unchanged so that normalization stays best-effort.
func NormalizeDate(s string) (string, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("20060102"), true
		}
	}
	return s, false
}

var timeLayouts = []string{
	"15:04:05",
	"15:04",
	"150405",
	"1504",
	"15",
}

// NormalizeTime converts a time-of-day value to the canonical HH:MM form.
// Accepts HH:MM[:SS], HHMM[SS], and bare HH. Unrecognized inputs are returned
// unchanged.
func NormalizeTime(s string) (string, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("15:04"), true
		}
	}
	return s, false
}
