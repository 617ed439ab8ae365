package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/reoxt/basesync/internal/domain"
	"github.com/reoxt/basesync/internal/gridclient"
	"github.com/reoxt/basesync/internal/hashstate"
	"github.com/reoxt/basesync/internal/sorclient"
)

type gridToSorRow struct {
	row     gridRow
	record  domain.SorRecord // ID set when this row matches an existing record
	isCreate bool
	hash    string // content hash of record.Fields, for the next run's snapshot
}

// GridToSor runs the Grid→SOR reconciliation of spec §4.7.2: fetch grid
// values, match each row to an existing record (by id, then by primary
// field), apply creates then updates then optional deletes, and write
// newly created ids back into the grid. A matched row whose content hash
// still matches the last snapshot is left alone — no SOR update call, no
// synced count — so a run against an unchanged grid is a no-op (spec §8
// Idempotence).
func (d *Deps) GridToSor(ctx context.Context, opts RunOptions) *RunReport {
	rb := newReportBuilder(domain.DirectionGridToSor, d.Metrics)
	cfg := opts.Config
	deadline := opts.now().Add(opts.budget())

	width := rowWidth(cfg)
	values, err := d.Grid.GetValues(ctx, cfg.GridWorkbookID, cfg.GridSheetID, opts.GridToken, "")
	if err != nil {
		return rb.failedReport(fmt.Errorf("fetch grid values: %w", err))
	}
	rows := rowsFromValues(values, width)

	snapshot, err := d.Snapshots.Get(ctx, cfg.ID)
	if err != nil {
		rb.addWarning("failed to load prior hash snapshot, treating as first sync: %v", err)
		snapshot = domain.NewHashSnapshot(cfg.ID)
	}

	tables, err := d.Sor.ListTables(ctx, cfg.SorBaseID, opts.SorToken)
	if err != nil {
		return rb.failedReport(fmt.Errorf("fetch schema: %w", err))
	}
	schema, ok := tables[cfg.SorTableID]
	if !ok {
		return rb.failedReport(fmt.Errorf("sor table %s not found in base %s", cfg.SorTableID, cfg.SorBaseID))
	}
	mappings := cfg.OrderedMappings()

	mapper, resolver := d.newMapper(opts.SorToken)
	for _, m := range mappings {
		field, ok := schema.FieldByID(m.SorFieldID)
		if !ok || field.Type != domain.FieldLinkedRecords {
			continue
		}
		if err := resolver.PreloadTable(ctx, cfg.SorBaseID, linkedTableIDFor(field)); err != nil {
			rb.addWarning("preload linked table for field %q failed: %v", field.Name, err)
		}
	}

	existing, err := d.Sor.ListRecords(ctx, cfg.SorBaseID, cfg.SorTableID, opts.SorToken, sorclient.ListOptions{})
	if err != nil {
		return rb.failedReport(fmt.Errorf("fetch existing records: %w", err))
	}
	byID := make(map[string]domain.SorRecord, len(existing))
	byPrimary := make(map[string]domain.SorRecord, len(existing))
	for _, rec := range existing {
		byID[rec.ID] = rec
		if v, ok := rec.Fields[schema.PrimaryFieldID]; ok {
			byPrimary[strings.ToLower(strings.TrimSpace(fmt.Sprint(v)))] = rec
		}
	}
	matchedIDs := make(map[string]bool, len(rows))
	hashes := make(map[domain.RecordKey]string, len(rows))

	var toCreate, toUpdate []gridToSorRow
	for _, r := range rows {
		if cancellationCheck(ctx, deadline) {
			rb.cancelled = true
			break
		}

		fields := make(map[string]interface{}, len(mappings))
		rowFailed := false
		for _, m := range mappings {
			field, ok := schema.FieldByID(m.SorFieldID)
			if !ok {
				continue
			}
			result := mapper.FromGrid(ctx, field, r.cell(m.ColumnIndex), cfg.SorBaseID, linkedTableIDFor(field), opts.CreateMissingLinkedRecords)
			for _, w := range result.Warnings {
				rb.addWarning("row %d: %s", r.RowIndex, w)
			}
			if len(result.Errors) > 0 {
				rb.addError(domain.ErrorKindTransform, fmt.Sprintf("row_%d", r.RowIndex), "%s", result.Errors[0])
				rowFailed = true
				if opts.validation() == ValidationStrict {
					return rb.failedReport(fmt.Errorf("row %d: %s", r.RowIndex, result.Errors[0]))
				}
				continue
			}
			if result.Value != nil {
				fields[m.SorFieldID] = result.Value
			}
		}
		if rowFailed {
			continue // lenient: skip this row, already warned/recorded above
		}

		hash := hashstate.ContentHash(fields)
		entry := gridToSorRow{row: r, record: domain.SorRecord{Fields: fields}, hash: hash}
		if id := r.recordID(); id != "" {
			if rec, ok := byID[id]; ok {
				entry.record.ID = rec.ID
				matchedIDs[rec.ID] = true
				hashes[domain.RecordKey(rec.ID)] = hash
				if unchangedSinceSnapshot(snapshot, rec.ID, hash) {
					continue
				}
				toUpdate = append(toUpdate, entry)
				continue
			}
		}
		primary := strings.ToLower(strings.TrimSpace(fmt.Sprint(fields[schema.PrimaryFieldID])))
		if rec, ok := byPrimary[primary]; primary != "" && ok {
			entry.record.ID = rec.ID
			matchedIDs[rec.ID] = true
			hashes[domain.RecordKey(rec.ID)] = hash
			if unchangedSinceSnapshot(snapshot, rec.ID, hash) {
				continue
			}
			toUpdate = append(toUpdate, entry)
			continue
		}
		entry.isCreate = true
		toCreate = append(toCreate, entry)
	}

	created := d.applyCreates(ctx, rb, cfg, opts, toCreate)
	for _, e := range created {
		hashes[domain.RecordKey(e.record.ID)] = e.hash
	}
	d.applyUpdates(ctx, rb, cfg, opts, toUpdate)

	if opts.DeleteExtraRecords {
		var toDelete []string
		for _, rec := range existing {
			if !matchedIDs[rec.ID] {
				toDelete = append(toDelete, rec.ID)
			}
		}
		d.applyDeletes(ctx, rb, cfg, opts, toDelete)
	}

	if len(created) > 0 && !opts.DryRun {
		if err := d.writeBackCreatedIDs(ctx, cfg, opts, created, width); err != nil {
			rb.addWarning("failed to write created record ids back to grid: %v", err)
		}
	}

	if !opts.DryRun {
		if err := d.Snapshots.Upsert(ctx, hashstate.BuildSnapshot(cfg.ID, hashes, opts.now())); err != nil {
			rb.addWarning("failed to persist hash snapshot: %v", err)
		}
	}

	return rb.build()
}

// unchangedSinceSnapshot reports whether id's content hash still matches
// the last run's snapshot entry, meaning this row needs no write.
func unchangedSinceSnapshot(snapshot *domain.HashSnapshot, id, hash string) bool {
	prior, ok := snapshot.Entries[domain.RecordKey(id)]
	return ok && prior.ContentHash == hash
}

// applyCreates creates new SOR records in batches of sorclient.MaxBatchSize,
// returning the grid row alongside the newly assigned record id.
func (d *Deps) applyCreates(ctx context.Context, rb *reportBuilder, cfg *domain.SyncConfig, opts RunOptions, entries []gridToSorRow) []gridToSorRow {
	if len(entries) == 0 || opts.DryRun {
		rb.addSynced(0)
		return nil
	}
	var created []gridToSorRow
	for start := 0; start < len(entries); start += sorclient.MaxBatchSize {
		end := start + sorclient.MaxBatchSize
		if end > len(entries) {
			end = len(entries)
		}
		batch := entries[start:end]
		records := make([]domain.SorRecord, len(batch))
		for i, e := range batch {
			records[i] = e.record
		}
		result, err := d.Sor.CreateRecords(ctx, cfg.SorBaseID, cfg.SorTableID, opts.SorToken, records)
		if err != nil {
			for _, e := range batch {
				rb.addError(domain.ErrorKindWrite, fmt.Sprintf("row_%d", e.row.RowIndex), "create failed: %v", err)
			}
			continue
		}
		for i, e := range batch {
			e.record.ID = result[i].ID
			created = append(created, e)
		}
		rb.addSynced(len(batch))
	}
	return created
}

func (d *Deps) applyUpdates(ctx context.Context, rb *reportBuilder, cfg *domain.SyncConfig, opts RunOptions, entries []gridToSorRow) {
	if len(entries) == 0 || opts.DryRun {
		return
	}
	for start := 0; start < len(entries); start += sorclient.MaxBatchSize {
		end := start + sorclient.MaxBatchSize
		if end > len(entries) {
			end = len(entries)
		}
		batch := entries[start:end]
		records := make([]domain.SorRecord, len(batch))
		for i, e := range batch {
			records[i] = e.record
		}
		if _, err := d.Sor.UpdateRecords(ctx, cfg.SorBaseID, cfg.SorTableID, opts.SorToken, records); err != nil {
			for _, e := range batch {
				rb.addError(domain.ErrorKindWrite, e.record.ID, "update failed: %v", err)
			}
			continue
		}
		rb.addSynced(len(batch))
	}
}

func (d *Deps) applyDeletes(ctx context.Context, rb *reportBuilder, cfg *domain.SyncConfig, opts RunOptions, ids []string) {
	if len(ids) == 0 || opts.DryRun {
		return
	}
	for start := 0; start < len(ids); start += sorclient.MaxBatchSize {
		end := start + sorclient.MaxBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]
		if err := d.Sor.DeleteRecords(ctx, cfg.SorBaseID, cfg.SorTableID, opts.SorToken, batch); err != nil {
			for _, id := range batch {
				rb.addError(domain.ErrorKindWrite, id, "delete failed: %v", err)
			}
			continue
		}
	}
}

// writeBackCreatedIDs writes each newly created record's id into its
// originating row's reserved id column (spec §4.7.2 step 7, §8 testable
// property).
func (d *Deps) writeBackCreatedIDs(ctx context.Context, cfg *domain.SyncConfig, opts RunOptions, created []gridToSorRow, width int) error {
	col := gridclient.ColumnLetterForIndex(domain.ReservedIDColumnIndex)
	for _, e := range created {
		a1 := fmt.Sprintf("%s%d:%s%d", col, e.row.RowIndex+1, col, e.row.RowIndex+1)
		if _, err := d.Grid.UpdateValues(ctx, cfg.GridWorkbookID, cfg.GridSheetID, opts.GridToken, a1, [][]string{{e.record.ID}}); err != nil {
			return err
		}
	}
	return ensureIDColumn(ctx, d.Grid, cfg.GridWorkbookID, cfg.GridSheetID, opts.GridToken, width)
}
