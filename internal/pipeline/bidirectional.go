package pipeline

import (
	"context"
	"fmt"

	"github.com/reoxt/basesync/internal/domain"
	"github.com/reoxt/basesync/internal/gridclient"
	"github.com/reoxt/basesync/internal/hashstate"
	"github.com/reoxt/basesync/internal/sorclient"
)

// Bidirectional runs the six-phase reconciliation of spec §4.7.3: fetch →
// conflictDetection → conflictResolution → sorToGrid → gridToSor →
// stateUpdate. Each phase can independently degrade the run to PARTIAL;
// only a fetch-phase failure is FAILED.
func (d *Deps) Bidirectional(ctx context.Context, opts RunOptions) *RunReport {
	rb := newReportBuilder(domain.DirectionBidirectional, d.Metrics)
	cfg := opts.Config
	deadline := opts.now().Add(opts.budget())

	// Phase 1: fetch.
	tables, err := d.Sor.ListTables(ctx, cfg.SorBaseID, opts.SorToken)
	if err != nil {
		return rb.failedReport(fmt.Errorf("fetch schema: %w", err))
	}
	schema, ok := tables[cfg.SorTableID]
	if !ok {
		return rb.failedReport(fmt.Errorf("sor table %s not found in base %s", cfg.SorTableID, cfg.SorBaseID))
	}
	sorRecords, err := d.Sor.ListRecords(ctx, cfg.SorBaseID, cfg.SorTableID, opts.SorToken, sorclient.ListOptions{ViewID: cfg.SorViewID})
	if err != nil {
		return rb.failedReport(fmt.Errorf("fetch sor records: %w", err))
	}
	width := rowWidth(cfg)
	values, err := d.Grid.GetValues(ctx, cfg.GridWorkbookID, cfg.GridSheetID, opts.GridToken, "")
	if err != nil {
		return rb.failedReport(fmt.Errorf("fetch grid values: %w", err))
	}
	gridRows := rowsFromValues(values, width)

	mapper, resolver := d.newMapper(opts.SorToken)
	mappings := cfg.OrderedMappings()
	for _, m := range mappings {
		field, ok := schema.FieldByID(m.SorFieldID)
		if !ok || field.Type != domain.FieldLinkedRecords {
			continue
		}
		if err := resolver.PreloadTable(ctx, cfg.SorBaseID, linkedTableIDFor(field)); err != nil {
			rb.addWarning("preload linked table for field %q failed: %v", field.Name, err)
		}
	}

	sorByKey := make(map[domain.RecordKey]domain.SorRecord, len(sorRecords))
	sorHashes := make(map[domain.RecordKey]string, len(sorRecords))
	for _, rec := range sorRecords {
		key := domain.RecordKey(rec.ID)
		sorByKey[key] = rec
		fields := make(map[string]interface{}, len(mappings))
		for _, m := range mappings {
			if v, ok := rec.Fields[m.SorFieldID]; ok {
				fields[m.SorFieldID] = v
			}
		}
		sorHashes[key] = hashstate.ContentHash(fields)
	}

	gridByKey := make(map[domain.RecordKey]gridRow, len(gridRows))
	gridFieldsByKey := make(map[domain.RecordKey]map[string]interface{}, len(gridRows))
	gridHashes := make(map[domain.RecordKey]string, len(gridRows))
	for _, r := range gridRows {
		key := recordKeyFromRow(r)
		gridByKey[key] = r
		fields := make(map[string]interface{}, len(mappings))
		for _, m := range mappings {
			field, ok := schema.FieldByID(m.SorFieldID)
			if !ok {
				continue
			}
			result := mapper.FromGrid(ctx, field, r.cell(m.ColumnIndex), cfg.SorBaseID, linkedTableIDFor(field), opts.CreateMissingLinkedRecords)
			if len(result.Errors) > 0 {
				continue
			}
			if result.Value != nil {
				fields[m.SorFieldID] = result.Value
			}
		}
		gridFieldsByKey[key] = fields
		gridHashes[key] = hashstate.ContentHash(fields)
	}

	// Phase 2/3: conflictDetection, conflictResolution.
	snapshot, err := d.Snapshots.Get(ctx, cfg.ID)
	if err != nil {
		rb.addWarning("failed to load prior hash snapshot, treating as first sync: %v", err)
		snapshot = domain.NewHashSnapshot(cfg.ID)
	}
	conflicts, classifications := hashstate.Detector{}.Detect(sorHashes, gridHashes, snapshot)
	decisions := hashstate.Resolver{}.Resolve(conflicts, cfg.ConflictStrategy)
	decisionByKey := make(map[domain.RecordKey]domain.Decision, len(decisions))
	for _, dec := range decisions {
		decisionByKey[dec.RecordKey] = dec
	}
	for _, c := range conflicts {
		rb.countConflicts(c.Kind, decisionByKey[c.RecordKey].Action)
	}

	var toGrid, toSor, deleteFromGrid, deleteFromSor []domain.RecordKey
	for key, kind := range classifications {
		if cancellationCheck(ctx, deadline) {
			rb.cancelled = true
			break
		}
		dec, hasDecision := decisionByKey[key]
		switch {
		case kind == domain.Unchanged:
			continue
		case hasDecision && dec.Action == domain.ActionUseSor:
			toGrid = append(toGrid, key)
		case hasDecision && dec.Action == domain.ActionUseGrid:
			toSor = append(toSor, key)
		case hasDecision && dec.Action == domain.ActionDelete && kind == domain.DeletedInSor:
			deleteFromGrid = append(deleteFromGrid, key)
		case hasDecision && dec.Action == domain.ActionDelete && kind == domain.DeletedInGrid:
			deleteFromSor = append(deleteFromSor, key)
		case kind == domain.NewInSor || kind == domain.SorOnlyChange:
			toGrid = append(toGrid, key)
		case kind == domain.NewInGrid || kind == domain.GridOnlyChange:
			toSor = append(toSor, key)
		}
	}

	// Phase 4: sorToGrid.
	d.applyBidirectionalSorToGrid(ctx, rb, cfg, opts, schema, sorByKey, gridByKey, toGrid)
	d.applyBidirectionalGridClear(ctx, rb, cfg, opts, gridByKey, deleteFromGrid)

	// Phase 5: gridToSor.
	d.applyBidirectionalGridToSor(ctx, rb, cfg, opts, schema, gridFieldsByKey, gridByKey, sorByKey, toSor)
	d.applyBidirectionalSorDelete(ctx, rb, cfg, opts, deleteFromSor)

	if opts.DryRun {
		return rb.build()
	}

	// Phase 6: stateUpdate — re-read the SOR side and replace the snapshot
	// with its hashes; the grid is not re-read.
	if err := d.refreshSnapshot(ctx, cfg, opts, schema, mappings); err != nil {
		rb.addWarning("failed to refresh hash snapshot after run: %v", err)
	}

	return rb.build()
}

func (d *Deps) applyBidirectionalSorToGrid(ctx context.Context, rb *reportBuilder, cfg *domain.SyncConfig, opts RunOptions, schema domain.SorTableSchema, sorByKey map[domain.RecordKey]domain.SorRecord, gridByKey map[domain.RecordKey]gridRow, keys []domain.RecordKey) {
	if opts.DryRun {
		return
	}
	mapper, _ := d.newMapper(opts.SorToken)
	width := rowWidth(cfg)
	for _, key := range keys {
		rec, ok := sorByKey[key]
		if !ok {
			continue
		}
		row := make([]string, width)
		for _, m := range cfg.OrderedMappings() {
			field, ok := schema.FieldByID(m.SorFieldID)
			if !ok {
				continue
			}
			result := mapper.ToGrid(ctx, field, rec.Fields[m.SorFieldID], cfg.SorBaseID, linkedTableIDFor(field), opts.validation() == ValidationStrict)
			if len(result.Errors) > 0 {
				rb.addError(domain.ErrorKindTransform, rec.ID, "%s", result.Errors[0])
				continue
			}
			row[m.ColumnIndex] = fmt.Sprint(result.Value)
		}
		row[domain.ReservedIDColumnIndex] = rec.ID

		if existing, inGrid := gridByKey[key]; inGrid {
			a1 := fmt.Sprintf("A%d:%s%d", existing.RowIndex+1, gridclient.ColumnLetterForIndex(width-1), existing.RowIndex+1)
			if _, err := d.Grid.UpdateValues(ctx, cfg.GridWorkbookID, cfg.GridSheetID, opts.GridToken, a1, [][]string{row}); err != nil {
				rb.addError(domain.ErrorKindWrite, rec.ID, "write to grid failed: %v", err)
				continue
			}
			rb.addSynced(1)
			continue
		}
		if _, err := d.Grid.AppendRows(ctx, cfg.GridWorkbookID, cfg.GridSheetID, opts.GridToken, [][]string{row}); err != nil {
			rb.addError(domain.ErrorKindWrite, rec.ID, "write to grid failed: %v", err)
			continue
		}
		rb.addSynced(1)
	}
}

func (d *Deps) applyBidirectionalGridToSor(ctx context.Context, rb *reportBuilder, cfg *domain.SyncConfig, opts RunOptions, schema domain.SorTableSchema, gridFieldsByKey map[domain.RecordKey]map[string]interface{}, gridByKey map[domain.RecordKey]gridRow, sorByKey map[domain.RecordKey]domain.SorRecord, keys []domain.RecordKey) {
	if opts.DryRun {
		return
	}
	var creates, updates []domain.SorRecord
	var createRows, updateKeys []domain.RecordKey
	for _, key := range keys {
		fields, ok := gridFieldsByKey[key]
		if !ok {
			continue
		}
		if rec, exists := sorByKey[key]; exists {
			updates = append(updates, domain.SorRecord{ID: rec.ID, Fields: fields})
			updateKeys = append(updateKeys, key)
		} else {
			creates = append(creates, domain.SorRecord{Fields: fields})
			createRows = append(createRows, key)
		}
	}

	for start := 0; start < len(creates); start += sorclient.MaxBatchSize {
		end := start + sorclient.MaxBatchSize
		if end > len(creates) {
			end = len(creates)
		}
		batch := creates[start:end]
		result, err := d.Sor.CreateRecords(ctx, cfg.SorBaseID, cfg.SorTableID, opts.SorToken, batch)
		if err != nil {
			for _, k := range createRows[start:end] {
				rb.addError(domain.ErrorKindWrite, string(k), "create in sor failed: %v", err)
			}
			continue
		}
		for i, rec := range result {
			row := gridByKey[createRows[start+i]]
			if err := d.writeBackCreatedIDs(ctx, cfg, opts, []gridToSorRow{{row: row, record: rec}}, rowWidth(cfg)); err != nil {
				rb.addWarning("failed to write back created id for row %d: %v", row.RowIndex, err)
			}
		}
		rb.addSynced(len(batch))
	}

	for start := 0; start < len(updates); start += sorclient.MaxBatchSize {
		end := start + sorclient.MaxBatchSize
		if end > len(updates) {
			end = len(updates)
		}
		batch := updates[start:end]
		if _, err := d.Sor.UpdateRecords(ctx, cfg.SorBaseID, cfg.SorTableID, opts.SorToken, batch); err != nil {
			for _, k := range updateKeys[start:end] {
				rb.addError(domain.ErrorKindWrite, string(k), "update in sor failed: %v", err)
			}
			continue
		}
		rb.addSynced(len(batch))
	}
}

// applyBidirectionalGridClear "deletes" a grid row by blanking its mapped
// cells: the grid client exposes no row-delete primitive, only value
// writes, so a deletion is expressed as clearing the row's content.
func (d *Deps) applyBidirectionalGridClear(ctx context.Context, rb *reportBuilder, cfg *domain.SyncConfig, opts RunOptions, gridByKey map[domain.RecordKey]gridRow, keys []domain.RecordKey) {
	if opts.DryRun {
		return
	}
	width := rowWidth(cfg)
	col := gridclient.ColumnLetterForIndex(width - 1)
	blank := make([]string, width)
	for _, key := range keys {
		row, ok := gridByKey[key]
		if !ok {
			continue
		}
		a1 := fmt.Sprintf("A%d:%s%d", row.RowIndex+1, col, row.RowIndex+1)
		if _, err := d.Grid.UpdateValues(ctx, cfg.GridWorkbookID, cfg.GridSheetID, opts.GridToken, a1, [][]string{blank}); err != nil {
			rb.addError(domain.ErrorKindWrite, string(key), "clear deleted row failed: %v", err)
			continue
		}
		rb.addSynced(1)
	}
}

func (d *Deps) applyBidirectionalSorDelete(ctx context.Context, rb *reportBuilder, cfg *domain.SyncConfig, opts RunOptions, keys []domain.RecordKey) {
	if len(keys) == 0 || opts.DryRun {
		return
	}
	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = string(k)
	}
	for start := 0; start < len(ids); start += sorclient.MaxBatchSize {
		end := start + sorclient.MaxBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]
		if err := d.Sor.DeleteRecords(ctx, cfg.SorBaseID, cfg.SorTableID, opts.SorToken, batch); err != nil {
			for _, id := range batch {
				rb.addError(domain.ErrorKindWrite, id, "delete from sor failed: %v", err)
			}
			continue
		}
		rb.addSynced(len(batch))
	}
}

// refreshSnapshot re-reads the SOR records after the run's writes and
// replaces the HashSnapshot with their hashes (spec §4.7.3 stateUpdate).
// The grid is not re-read: the snapshot records the SOR side's state only.
func (d *Deps) refreshSnapshot(ctx context.Context, cfg *domain.SyncConfig, opts RunOptions, schema domain.SorTableSchema, mappings []domain.FieldMapping) error {
	records, err := d.Sor.ListRecords(ctx, cfg.SorBaseID, cfg.SorTableID, opts.SorToken, sorclient.ListOptions{ViewID: cfg.SorViewID})
	if err != nil {
		return fmt.Errorf("re-fetch sor records: %w", err)
	}
	hashes := make(map[domain.RecordKey]string, len(records))
	for _, rec := range records {
		fields := make(map[string]interface{}, len(mappings))
		for _, m := range mappings {
			if v, ok := rec.Fields[m.SorFieldID]; ok {
				fields[m.SorFieldID] = v
			}
		}
		hashes[domain.RecordKey(rec.ID)] = hashstate.ContentHash(fields)
	}
	return d.Snapshots.Upsert(ctx, hashstate.BuildSnapshot(cfg.ID, hashes, opts.now()))
}
