package pipeline

import (
	"context"
	"fmt"

	"github.com/reoxt/basesync/internal/domain"
	"github.com/reoxt/basesync/internal/gridclient"
	"github.com/reoxt/basesync/internal/hashstate"
	"github.com/reoxt/basesync/internal/sorclient"
)

// SorToGrid runs the six-phase SOR→Grid reconciliation of spec §4.7.1:
// fetch schema, fetch records, transform, read the current grid, write in
// SOR order, then propagate dropdown validations. A record whose content
// hash matches the last snapshot is skipped entirely — no write, no
// added/updated count — so a run against an unchanged SOR is a no-op
// (spec §8 Idempotence). The exception is an empty sheet: then every row
// is written and counted.
func (d *Deps) SorToGrid(ctx context.Context, opts RunOptions) *RunReport {
	rb := newReportBuilder(domain.DirectionSorToGrid, d.Metrics)
	cfg := opts.Config
	deadline := opts.now().Add(opts.budget())

	tables, err := d.Sor.ListTables(ctx, cfg.SorBaseID, opts.SorToken)
	if err != nil {
		return rb.failedReport(fmt.Errorf("fetch schema: %w", err))
	}
	schema, ok := tables[cfg.SorTableID]
	if !ok {
		return rb.failedReport(fmt.Errorf("sor table %s not found in base %s", cfg.SorTableID, cfg.SorBaseID))
	}

	snapshot, err := d.Snapshots.Get(ctx, cfg.ID)
	if err != nil {
		rb.addWarning("failed to load prior hash snapshot, treating as first sync: %v", err)
		snapshot = domain.NewHashSnapshot(cfg.ID)
	}
	firstSync := len(snapshot.Entries) == 0

	listOpts := sorclient.ListOptions{ViewID: cfg.SorViewID}
	if cfg.SorViewID == "" {
		listOpts.Sort = []sorclient.SortField{{FieldID: schema.PrimaryFieldID}}
	}
	records, err := d.Sor.ListRecords(ctx, cfg.SorBaseID, cfg.SorTableID, opts.SorToken, listOpts)
	if err != nil {
		return rb.failedReport(fmt.Errorf("fetch records: %w", err))
	}
	if cfg.SorViewID == "" {
		records = sortedRecords(records, schema.PrimaryFieldID)
	}

	width := rowWidth(cfg)
	var current [][]string
	if !opts.DryRun {
		current, err = d.Grid.GetValues(ctx, cfg.GridWorkbookID, cfg.GridSheetID, opts.GridToken, "")
		if err != nil {
			return rb.failedReport(fmt.Errorf("read current grid: %w", err))
		}
	}
	sheetWasEmpty := sheetIsEmpty(current)
	existingIDs := make(map[string]bool)
	for _, r := range rowsFromValues(current, width) {
		if id := r.recordID(); id != "" {
			existingIDs[id] = true
		}
	}

	mapper, _ := d.newMapper(opts.SorToken)
	mappings := cfg.OrderedMappings()

	hashes := make(map[domain.RecordKey]string, len(records))
	dataRows := make([][]string, 0, len(records))
	changedIdx := make([]int, 0, len(records))
	for i, rec := range records {
		if cancellationCheck(ctx, deadline) {
			rb.cancelled = true
			break
		}
		row := make([]string, width)
		fields := make(map[string]interface{}, len(mappings))
		for _, m := range mappings {
			field, ok := schema.FieldByID(m.SorFieldID)
			if !ok {
				continue
			}
			result := mapper.ToGrid(ctx, field, rec.Fields[m.SorFieldID], cfg.SorBaseID, linkedTableIDFor(field), opts.validation() == ValidationStrict)
			for _, w := range result.Warnings {
				rb.addWarning("record %s: %s", rec.ID, w)
			}
			if len(result.Errors) > 0 {
				rb.addError(domain.ErrorKindTransform, rec.ID, "%s", result.Errors[0])
				continue
			}
			row[m.ColumnIndex] = fmt.Sprint(result.Value)
			fields[m.SorFieldID] = result.Value
		}

		row[domain.ReservedIDColumnIndex] = rec.ID

		// A pre-existing, non-ID value already sitting in the reserved id
		// column on a sheet this sync has never written to is someone
		// else's data, not a stale id of ours — skip only the id
		// insertion, leaving that cell as found (spec §8 "pre-existing
		// reserved-column content"); the rest of the row still syncs.
		gridRowIdx := i + 1 // +1 for the header row
		if firstSync && !sheetWasEmpty && gridRowIdx < len(current) {
			existing := ""
			if domain.ReservedIDColumnIndex < len(current[gridRowIdx]) {
				existing = current[gridRowIdx][domain.ReservedIDColumnIndex]
			}
			if existing != "" && existing != rec.ID {
				rb.addWarning("row %d: reserved id column already holds %q, leaving it instead of writing %q", gridRowIdx+1, existing, rec.ID)
				row[domain.ReservedIDColumnIndex] = existing
			}
		}

		key := domain.RecordKey(rec.ID)
		hash := hashstate.ContentHash(fields)
		hashes[key] = hash
		prior, hadPrior := snapshot.Entries[key]
		if !hadPrior || prior.ContentHash != hash {
			changedIdx = append(changedIdx, len(dataRows))
		}
		dataRows = append(dataRows, row)
	}

	if opts.DryRun {
		report := rb.build()
		report.RecordsSynced = len(changedIdx)
		return report
	}

	if len(changedIdx) > 0 || sheetWasEmpty {
		if err := d.writeSorToGrid(ctx, cfg, opts, schema, dataRows, changedIdx, sheetWasEmpty); err != nil {
			return rb.failedReport(fmt.Errorf("write grid rows: %w", err))
		}
	}

	added, updated := 0, 0
	writeSet := changedIdx
	if sheetWasEmpty {
		writeSet = make([]int, len(dataRows))
		for i := range dataRows {
			writeSet[i] = i
		}
	}
	for _, idx := range writeSet {
		row := dataRows[idx]
		if existingIDs[row[domain.ReservedIDColumnIndex]] {
			updated++
		} else {
			added++
		}
	}
	rb.addSynced(added + updated)

	if err := applyDropdownValidations(ctx, d.Grid, cfg.GridWorkbookID, cfg.GridSheetID, opts.GridToken, cfg, schema); err != nil {
		rb.addWarning("dropdown validation update failed: %v", err)
	}

	if err := d.Snapshots.Upsert(ctx, hashstate.BuildSnapshot(cfg.ID, hashes, opts.now())); err != nil {
		rb.addWarning("failed to persist hash snapshot: %v", err)
	}

	return rb.build()
}

// contiguousRuns groups a sorted slice of distinct indices into maximal
// [start, end] runs of consecutive integers, so writeSorToGrid can address
// a batch of changed rows with as few ranges as possible.
func contiguousRuns(idx []int) [][2]int {
	var runs [][2]int
	for i := 0; i < len(idx); {
		start := idx[i]
		end := start
		j := i + 1
		for j < len(idx) && idx[j] == end+1 {
			end = idx[j]
			j++
		}
		runs = append(runs, [2]int{start, end})
		i = j
	}
	return runs
}

// writeSorToGrid lays out the header (on first write) and data rows over
// the sheet, in SOR order, chunked to gridclient.MaxRowBatchSize. On a
// sheet that already has data, only the rows named by changedIdx are
// written — every record whose content hash still matches the snapshot is
// left alone (spec §8 Idempotence). Finally ensures and hides the
// reserved id column (spec §4.7.1 phase 5).
func (d *Deps) writeSorToGrid(ctx context.Context, cfg *domain.SyncConfig, opts RunOptions, schema domain.SorTableSchema, dataRows [][]string, changedIdx []int, sheetWasEmpty bool) error {
	width := rowWidth(cfg)
	lastCol := gridclient.ColumnLetterForIndex(width - 1)

	if sheetWasEmpty {
		header := headerRow(cfg, schema)
		fullRange := fmt.Sprintf("A1:%s%d", lastCol, len(dataRows)+1)
		matrix := append([][]string{header}, dataRows...)
		if _, err := d.Grid.UpdateValues(ctx, cfg.GridWorkbookID, cfg.GridSheetID, opts.GridToken, fullRange, matrix); err != nil {
			return err
		}
	} else {
		for _, run := range contiguousRuns(changedIdx) {
			for start := run[0]; start <= run[1]; start += gridclient.MaxRowBatchSize {
				end := start + gridclient.MaxRowBatchSize - 1
				if end > run[1] {
					end = run[1]
				}
				batch := dataRows[start : end+1]
				rangeStr := fmt.Sprintf("A%d:%s%d", start+2, lastCol, end+2)
				if _, err := d.Grid.UpdateValues(ctx, cfg.GridWorkbookID, cfg.GridSheetID, opts.GridToken, rangeStr, batch); err != nil {
					return err
				}
			}
		}
	}

	return ensureIDColumn(ctx, d.Grid, cfg.GridWorkbookID, cfg.GridSheetID, opts.GridToken, width)
}
