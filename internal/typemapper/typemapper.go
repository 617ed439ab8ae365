// Package typemapper converts SOR field values to their grid string
// representation and back, reproducing the exhaustive per-type policy of
// spec §4.3. Linked-record fields delegate name/id resolution to a
// LinkedRecordResolver so this package stays free of any cache or HTTP
// concern of its own.
package typemapper

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/reoxt/basesync/internal/domain"
)

// Result is the outcome of converting one field's value in either
// direction: the pipeline aggregates these per record (spec §4.3 "All
// conversions return {value, errors[], warnings[]}").
type Result struct {
	Value    interface{}
	Errors   []string
	Warnings []string
}

func ok(value interface{}) Result { return Result{Value: value} }

func errResult(format string, args ...interface{}) Result {
	return Result{Errors: []string{fmt.Sprintf(format, args...)}}
}

func warnResult(value interface{}, format string, args ...interface{}) Result {
	return Result{Value: value, Warnings: []string{fmt.Sprintf(format, args...)}}
}

// LinkedRecordResolver is the subset of internal/linkedrecord's API the
// mapper needs for linkedRecords fields (spec §4.4).
type LinkedRecordResolver interface {
	ResolveIdsToNames(ctx context.Context, baseID, linkedTableID string, ids []string, strictMode bool) (resolved []string, missing []string, warnings []string, err error)
	ResolveNamesToIds(ctx context.Context, baseID, linkedTableID string, names []string, createMissing bool) (resolved []string, missing []string, warnings []string, err error)
}

// Mapper converts between SOR field values and grid cell strings.
type Mapper struct {
	resolver LinkedRecordResolver
}

func New(resolver LinkedRecordResolver) *Mapper {
	return &Mapper{resolver: resolver}
}

// ToGrid renders a SOR field's value as the grid cell string the field
// type calls for (spec §4.3 "Grid representation (SOR→Grid)" column).
// linkedTableID and baseID are only consulted for linkedRecords fields.
// strictMode governs how a linkedRecords field handles an id the linked
// table no longer has: passed through verbatim when false, dropped from
// the rendered value when true; a warning is added in both modes (spec §4.4).
func (m *Mapper) ToGrid(ctx context.Context, field domain.SorField, value interface{}, baseID, linkedTableID string, strictMode bool) Result {
	if value == nil {
		return ok("")
	}

	switch field.Type {
	case domain.FieldText, domain.FieldEmail, domain.FieldURL, domain.FieldPhone:
		return ok(strings.TrimSpace(fmt.Sprint(value)))

	case domain.FieldNumber, domain.FieldCurrency, domain.FieldPercent, domain.FieldDuration, domain.FieldRating:
		n, err := toFloat(value)
		if err != nil {
			return errResult("field %q: %v", field.Name, err)
		}
		return ok(formatNumber(n))

	case domain.FieldCheckbox:
		b, err := toBool(value)
		if err != nil {
			return errResult("field %q: %v", field.Name, err)
		}
		if b {
			return ok("TRUE")
		}
		return ok("FALSE")

	case domain.FieldDate, domain.FieldDateTime:
		t, err := toTime(value)
		if err != nil {
			return errResult("field %q: %v", field.Name, err)
		}
		return ok(t.UTC().Format(time.RFC3339))

	case domain.FieldSingleSelect:
		return ok(strings.TrimSpace(fmt.Sprint(value)))

	case domain.FieldMultipleSelects:
		names := toStringSlice(value)
		return ok(strings.Join(names, ", "))

	case domain.FieldLinkedRecords:
		return m.linkedToGrid(ctx, baseID, linkedTableID, toStringSlice(value), strictMode)

	case domain.FieldAttachments:
		urls := toStringSlice(value)
		return ok(strings.Join(urls, ","))

	case domain.FieldCollaborator, domain.FieldCollaborators:
		return ok(strings.Join(toStringSlice(value), ", "))

	default:
		if field.Type.IsReadOnly() || field.Type == domain.FieldBarcode {
			return ok(fmt.Sprint(value))
		}
		return ok(fmt.Sprint(value))
	}
}

func (m *Mapper) linkedToGrid(ctx context.Context, baseID, linkedTableID string, ids []string, strictMode bool) Result {
	if len(ids) == 0 {
		return ok("")
	}
	if m.resolver == nil {
		return errResult("linked records require a resolver, none configured")
	}
	names, missing, warnings, err := m.resolver.ResolveIdsToNames(ctx, baseID, linkedTableID, ids, strictMode)
	if err != nil {
		return errResult("resolve linked record names: %v", err)
	}
	res := Result{Value: strings.Join(names, ", "), Warnings: warnings}
	if len(missing) > 0 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%d linked record id(s) could not be resolved", len(missing)))
	}
	return res
}

// FromGrid parses a grid cell string back into the value the SOR field
// expects (spec §4.3 "Grid → SOR rule" column). Read-only and
// write-unsupported field types always warn and drop the value.
func (m *Mapper) FromGrid(ctx context.Context, field domain.SorField, cell string, baseID, linkedTableID string, createMissingLinked bool) Result {
	cell = strings.TrimSpace(cell)

	if field.Type.IsReadOnly() {
		return warnResult(nil, "field %q is read-only, dropping grid value", field.Name)
	}
	if field.Type.IsWriteUnsupported() {
		return warnResult(nil, "field %q is unsupported on write, dropping grid value", field.Name)
	}
	if cell == "" {
		return ok(nil)
	}

	switch field.Type {
	case domain.FieldText, domain.FieldEmail, domain.FieldURL, domain.FieldPhone:
		return ok(cell)

	case domain.FieldNumber, domain.FieldCurrency, domain.FieldPercent, domain.FieldDuration, domain.FieldRating:
		n, err := strconv.ParseFloat(cell, 64)
		if err != nil {
			return errResult("field %q: %q is not numeric", field.Name, cell)
		}
		return ok(n)

	case domain.FieldCheckbox:
		switch strings.ToUpper(cell) {
		case "TRUE", "1", "YES":
			return ok(true)
		case "FALSE", "0", "NO":
			return ok(false)
		default:
			return errResult("field %q: %q is not a recognized boolean", field.Name, cell)
		}

	case domain.FieldDate, domain.FieldDateTime:
		t, err := parseFlexibleTime(cell)
		if err != nil {
			return errResult("field %q: %v", field.Name, err)
		}
		return ok(t.UTC().Format(time.RFC3339))

	case domain.FieldSingleSelect:
		for _, opt := range field.Options {
			if strings.EqualFold(opt, cell) {
				return ok(opt)
			}
		}
		return errResult("field %q: %q does not match any option (allowed: %s)", field.Name, cell, strings.Join(field.Options, ", "))

	case domain.FieldMultipleSelects:
		parts := splitTrim(cell)
		var matched []string
		var warnings []string
		for _, p := range parts {
			found := false
			for _, opt := range field.Options {
				if strings.EqualFold(opt, p) {
					matched = append(matched, opt)
					found = true
					break
				}
			}
			if !found {
				warnings = append(warnings, fmt.Sprintf("field %q: unknown option %q", field.Name, p))
			}
		}
		return Result{Value: matched, Warnings: warnings}

	case domain.FieldLinkedRecords:
		return m.linkedFromGrid(ctx, baseID, linkedTableID, splitTrim(cell), createMissingLinked)

	default:
		return warnResult(nil, "field %q: unsupported write type %s, dropping grid value", field.Name, field.Type)
	}
}

func (m *Mapper) linkedFromGrid(ctx context.Context, baseID, linkedTableID string, names []string, createMissing bool) Result {
	if len(names) == 0 {
		return ok(nil)
	}
	if m.resolver == nil {
		return errResult("linked records require a resolver, none configured")
	}
	ids, missing, warnings, err := m.resolver.ResolveNamesToIds(ctx, baseID, linkedTableID, names, createMissing)
	if err != nil {
		return errResult("resolve linked record ids: %v", err)
	}
	res := Result{Value: ids, Warnings: warnings}
	if len(missing) > 0 && !createMissing {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%d linked record name(s) could not be resolved", len(missing)))
	}
	return res
}

func toFloat(value interface{}) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not numeric", v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unsupported numeric type %T", value)
	}
}

// formatNumber rounds to 1e-6 per the hashing/normalization contract (spec
// §4.5) and trims a trailing ".000000" so whole numbers render cleanly.
func formatNumber(n float64) string {
	rounded := float64(int64(n*1e6+sign(n)*0.5)) / 1e6
	s := strconv.FormatFloat(rounded, 'f', -1, 64)
	return s
}

func sign(n float64) float64 {
	if n < 0 {
		return -1
	}
	return 1
}

func toBool(value interface{}) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		switch strings.ToUpper(strings.TrimSpace(v)) {
		case "TRUE", "1", "YES":
			return true, nil
		case "FALSE", "0", "NO", "":
			return false, nil
		}
	}
	return false, fmt.Errorf("%v is not a recognized boolean", value)
}

func toTime(value interface{}) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v, nil
	case string:
		return parseFlexibleTime(v)
	default:
		return time.Time{}, fmt.Errorf("unsupported time type %T", value)
	}
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"2006-01-02 15:04:05",
	"01/02/2006",
	"01/02/2006 15:04:05",
}

func parseFlexibleTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%q does not match any supported date format", s)
}

func toStringSlice(value interface{}) []string {
	switch v := value.(type) {
	case []string:
		out := make([]string, len(v))
		copy(out, v)
		return out
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	default:
		return nil
	}
}

func splitTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// NormalizeForHash renders value the way HashState's content hash requires
// (spec §4.5): trimmed strings, numbers rounded to 1e-6, arrays sorted.
func NormalizeForHash(value interface{}) interface{} {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return formatNumber(v)
	case []string:
		out := make([]string, len(v))
		copy(out, v)
		sort.Strings(out)
		return out
	case []interface{}:
		strs := toStringSlice(v)
		sort.Strings(strs)
		return strs
	default:
		return v
	}
}
