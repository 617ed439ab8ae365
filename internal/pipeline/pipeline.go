// Package pipeline orchestrates the three reconciliation runs (SOR→Grid,
// Grid→SOR, Bidirectional) spec §4.7 describes, wiring together
// sorclient, gridclient, typemapper, linkedrecord and hashstate for one
// SyncConfig execution. Grounded on the shape of a staged sync
// orchestrator: a sequence of named phases, each able to fail the whole
// run or merely degrade it to PARTIAL.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/reoxt/basesync/internal/cache"
	"github.com/reoxt/basesync/internal/domain"
	"github.com/reoxt/basesync/internal/gridclient"
	"github.com/reoxt/basesync/internal/hashstate"
	"github.com/reoxt/basesync/internal/linkedrecord"
	"github.com/reoxt/basesync/internal/sorclient"
	"github.com/reoxt/basesync/internal/typemapper"
	"github.com/reoxt/basesync/pkg/metrics"
)

// MaxReportErrors is the cap on error summaries returned synchronously
// (spec §7 "20 for the synchronous response").
const MaxReportErrors = 20

// MaxPersistedErrors is the cap on error entries written to the RunLog
// (spec §7 "10 entries for durable storage").
const MaxPersistedErrors = 10

// DefaultRunBudget is the soft overall time budget a pipeline run
// finalizes under before downgrading to PARTIAL (spec §5 "Timeouts").
const DefaultRunBudget = 15 * time.Minute

// ValidationMode controls how Grid→SOR handles a row-level transform
// error (spec §4.7.2).
type ValidationMode string

const (
	ValidationStrict  ValidationMode = "strict"
	ValidationLenient ValidationMode = "lenient"
)

// RunOptions parameterizes a single pipeline execution.
type RunOptions struct {
	Config                     *domain.SyncConfig
	SorToken                   string
	GridToken                  string
	TriggeredBy                domain.TriggerSource
	CreateMissingLinkedRecords bool
	DeleteExtraRecords         bool
	DryRun                     bool
	Validation                 ValidationMode
	Now                        time.Time
	Budget                     time.Duration
}

func (o RunOptions) now() time.Time {
	if o.Now.IsZero() {
		return time.Now()
	}
	return o.Now
}

func (o RunOptions) validation() ValidationMode {
	if o.Validation == "" {
		return ValidationLenient
	}
	return o.Validation
}

func (o RunOptions) budget() time.Duration {
	if o.Budget <= 0 {
		return DefaultRunBudget
	}
	return o.Budget
}

// RunReport is the outcome of one pipeline execution (spec §6 RunReport).
type RunReport struct {
	Status           domain.RunStatus
	RecordsSynced    int
	RecordsFailed    int
	Errors           []domain.RunError
	Warnings         []string
	ConflictCounts   map[domain.ConflictKind]int
	ApproachingLimit bool
	Cancelled        bool
}

// PersistedErrors caps the error list to what the RunLog stores durably
// (spec §7), distinct from the fuller list returned synchronously.
func (r RunReport) PersistedErrors() []domain.RunError {
	if len(r.Errors) > MaxPersistedErrors {
		return r.Errors[:MaxPersistedErrors]
	}
	return r.Errors
}

// SnapshotStore is the persistence seam HashState reads/writes through;
// satisfied by internal/repository.HashSnapshotRepository.
type SnapshotStore interface {
	Get(ctx context.Context, syncConfigID string) (*domain.HashSnapshot, error)
	Upsert(ctx context.Context, s *domain.HashSnapshot) error
}

// Deps are the collaborators every pipeline needs; one Deps is shared
// across runs of the same process (spec §5 "shared mutable state").
type Deps struct {
	Sor       sorclient.Client
	Grid      gridclient.Client
	Cache     cache.Cache
	Snapshots SnapshotStore
	Logger    *slog.Logger

	// Metrics is optional; a nil value disables instrumentation.
	Metrics *metrics.Metrics
}

func (d *Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

func (d *Deps) newMapper(token string) (*typemapper.Mapper, *linkedrecord.Resolver) {
	resolver := linkedrecord.New(d.Sor, d.Cache, token, linkedrecord.DefaultTTL, d.logger())
	return typemapper.New(resolver), resolver
}

// reportBuilder accumulates a run's counters under the caps RunReport
// exposes; every pipeline phase feeds its errors/warnings through it.
type reportBuilder struct {
	direction      domain.SyncDirection
	metrics        *metrics.Metrics
	synced         int
	failed         int
	errors         []domain.RunError
	warnings       []string
	conflictCounts map[domain.ConflictKind]int
	cancelled      bool
}

func newReportBuilder(direction domain.SyncDirection, mx *metrics.Metrics) *reportBuilder {
	return &reportBuilder{direction: direction, metrics: mx, conflictCounts: make(map[domain.ConflictKind]int)}
}

func (b *reportBuilder) addError(kind domain.ErrorKind, recordKey, format string, args ...interface{}) {
	b.failed++
	if len(b.errors) < MaxReportErrors {
		b.errors = append(b.errors, domain.RunError{Kind: kind, RecordKey: recordKey, Message: fmt.Sprintf(format, args...)})
	}
	if b.metrics != nil {
		b.metrics.RecordsFailed.WithLabelValues(string(kind)).Inc()
	}
}

func (b *reportBuilder) addWarning(format string, args ...interface{}) {
	b.warnings = append(b.warnings, fmt.Sprintf(format, args...))
}

func (b *reportBuilder) addSynced(n int) {
	b.synced += n
	if b.metrics != nil && n > 0 {
		b.metrics.RecordsSynced.WithLabelValues(string(b.direction)).Add(float64(n))
	}
}

// countConflicts records a detected conflict under its kind and the
// resolution action taken; action is "" when no decision was reached
// (spec §4.7.3 "conflictDetection" runs before "conflictResolution").
func (b *reportBuilder) countConflicts(kind domain.ConflictKind, action domain.ResolutionAction) {
	b.conflictCounts[kind]++
	if b.metrics != nil {
		b.metrics.ConflictsTotal.WithLabelValues(string(kind), string(action)).Inc()
	}
}

// build derives the run's terminal status: any failures downgrade a
// clean run to PARTIAL, never to FAILED — FAILED is reserved for a phase
// that could not begin at all (spec §4.7.1 "A phase that cannot begin
// aborts the run with status FAILED").
func (b *reportBuilder) build() *RunReport {
	status := domain.RunStatusSuccess
	if b.failed > 0 {
		status = domain.RunStatusPartial
	}
	if b.cancelled {
		status = domain.RunStatusPartial
		b.addWarning("cancelled")
	}
	return &RunReport{
		Status:         status,
		RecordsSynced:  b.synced,
		RecordsFailed:  b.failed,
		Errors:         b.errors,
		Warnings:       b.warnings,
		ConflictCounts: b.conflictCounts,
		Cancelled:      b.cancelled,
	}
}

func (b *reportBuilder) failedReport(err error) *RunReport {
	r := b.build()
	r.Status = domain.RunStatusFailed
	if len(r.Errors) < MaxReportErrors {
		r.Errors = append(r.Errors, domain.RunError{Kind: domain.ErrorKindUnknown, Message: err.Error()})
	}
	return r
}

// cancellationCheck returns true once ctx is done or the run's soft time
// budget has elapsed (spec §5 "Cancellation"/"Timeouts").
func cancellationCheck(ctx context.Context, deadline time.Time) bool {
	if time.Now().After(deadline) {
		return true
	}
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// linkedTableIDFor returns the linked table a linkedRecords field points
// at. The SOR schema's Options slot, otherwise used for select choices,
// carries the linked table id as its first (and only) entry for this
// field type.
func linkedTableIDFor(field domain.SorField) string {
	if field.Type == domain.FieldLinkedRecords && len(field.Options) > 0 {
		return field.Options[0]
	}
	return ""
}

// headerRow builds the grid's first row from a SyncConfig's field
// mappings in column order, with the reserved id column labeled (spec
// §4.7 "Header row").
func headerRow(cfg *domain.SyncConfig, schema domain.SorTableSchema) []string {
	maxCol := domain.ReservedIDColumnIndex
	mappings := cfg.OrderedMappings()
	for _, m := range mappings {
		if m.ColumnIndex > maxCol {
			maxCol = m.ColumnIndex
		}
	}
	header := make([]string, maxCol+1)
	for _, m := range mappings {
		name := m.SorFieldID
		if f, ok := schema.FieldByID(m.SorFieldID); ok {
			name = f.Name
		}
		header[m.ColumnIndex] = name
	}
	header[domain.ReservedIDColumnIndex] = "_record_id"
	return header
}

func rowWidth(cfg *domain.SyncConfig) int {
	width := domain.ReservedIDColumnIndex + 1
	for _, m := range cfg.FieldMappings {
		if m.ColumnIndex+1 > width {
			width = m.ColumnIndex + 1
		}
	}
	return width
}

// sheetIsEmpty reports whether a grid read returned no rows at all (not
// even a header), the signal to write the header row on first use.
func sheetIsEmpty(values [][]string) bool {
	return len(values) == 0
}

func isEmptyRow(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// gridRow is one non-empty, non-header row read back from the grid.
type gridRow struct {
	RowIndex int // zero-based index into the full values grid, header included
	Cells    []string
}

func rowsFromValues(values [][]string, width int) []gridRow {
	var out []gridRow
	for i, row := range values {
		if i == 0 {
			continue // header
		}
		if isEmptyRow(row) {
			continue
		}
		padded := make([]string, width)
		copy(padded, row)
		out = append(out, gridRow{RowIndex: i, Cells: padded})
	}
	return out
}

func (r gridRow) cell(col int) string {
	if col < 0 || col >= len(r.Cells) {
		return ""
	}
	return r.Cells[col]
}

func (r gridRow) recordID() string {
	return strings.TrimSpace(r.cell(domain.ReservedIDColumnIndex))
}

// recordKeyFromRow returns the RecordKey a grid row should be hashed and
// tracked under (spec §3 "row_<rowIndex> for unmatched grid rows").
func recordKeyFromRow(r gridRow) domain.RecordKey {
	if id := r.recordID(); id != "" {
		return domain.RecordKey(id)
	}
	return domain.RecordKey(fmt.Sprintf("row_%d", r.RowIndex))
}

// sortedRecords orders SOR records by primary field ascending when no
// view governs ordering (spec §4.7 "Row ordering").
func sortedRecords(records []domain.SorRecord, primaryFieldID string) []domain.SorRecord {
	out := make([]domain.SorRecord, len(records))
	copy(out, records)
	sort.SliceStable(out, func(i, j int) bool {
		return fmt.Sprint(out[i].Fields[primaryFieldID]) < fmt.Sprint(out[j].Fields[primaryFieldID])
	})
	return out
}

// applyDropdownValidations pushes the current option list to every mapped
// singleSelect/multipleSelects column with options defined (spec §4.7
// "Dropdown propagation").
func applyDropdownValidations(ctx context.Context, grid gridclient.Client, workbookID, sheetRef, token string, cfg *domain.SyncConfig, schema domain.SorTableSchema) error {
	var rules []gridclient.DropdownValidation
	for _, m := range cfg.FieldMappings {
		field, ok := schema.FieldByID(m.SorFieldID)
		if !ok || len(field.Options) == 0 {
			continue
		}
		switch field.Type {
		case domain.FieldSingleSelect:
			rules = append(rules, gridclient.DropdownValidation{ColumnIndex: m.ColumnIndex, Choices: field.Options, Strict: true})
		case domain.FieldMultipleSelects:
			rules = append(rules, gridclient.DropdownValidation{ColumnIndex: m.ColumnIndex, Choices: field.Options, Strict: false})
		}
	}
	if len(rules) == 0 {
		return nil
	}
	return grid.BatchSetDropdownValidation(ctx, workbookID, sheetRef, token, rules)
}

// ensureIDColumn guarantees the grid has the reserved id column and that
// it is hidden. Both grid calls are made on every invocation; repeating
// them once the column exists and is hidden changes nothing.
func ensureIDColumn(ctx context.Context, grid gridclient.Client, workbookID, sheetRef, token string, width int) error {
	if err := grid.EnsureColumnCount(ctx, workbookID, sheetRef, token, width); err != nil {
		return fmt.Errorf("ensure column count: %w", err)
	}
	if err := grid.HideColumn(ctx, workbookID, sheetRef, token, domain.ReservedIDColumnIndex); err != nil {
		return fmt.Errorf("hide id column: %w", err)
	}
	return nil
}
