package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reoxt/basesync/internal/domain"
)

func gridConfig() *domain.SyncConfig {
	cfg := testConfig()
	cfg.Direction = domain.DirectionGridToSor
	return cfg
}

func TestGridToSor_CreatesAndUpdatesByMatch(t *testing.T) {
	sor := newFakeSorClient()
	sor.tables["tbl1"] = testSchema()
	sor.records["tbl1"] = []domain.SorRecord{
		{ID: "rec1", Fields: map[string]interface{}{"fldName": "Ada", "fldAge": 30.0}},
	}
	cfg := gridConfig()
	width := rowWidth(cfg)
	grid := newFakeGridClient(width)
	header := make([]string, width)
	header[0], header[1] = "Name", "Age"
	row1 := make([]string, width)
	row1[0], row1[1] = "Ada", "31" // updated age, matched by id
	row1[domain.ReservedIDColumnIndex] = "rec1"
	row2 := make([]string, width)
	row2[0], row2[1] = "Carol", "22" // new row, no id yet
	grid.values = [][]string{header, row1, row2}

	deps := &Deps{Sor: sor, Grid: grid, Cache: newFakeCache(), Snapshots: newFakeSnapshotStore()}
	report := deps.GridToSor(context.Background(), RunOptions{Config: cfg, Now: time.Now()})

	require.Equal(t, domain.RunStatusSuccess, report.Status)
	assert.Equal(t, 2, report.RecordsSynced)

	require.Len(t, sor.records["tbl1"], 2)
	var updated, created domain.SorRecord
	for _, r := range sor.records["tbl1"] {
		if r.ID == "rec1" {
			updated = r
		} else {
			created = r
		}
	}
	assert.Equal(t, 31.0, updated.Fields["fldAge"])
	assert.Equal(t, "Carol", created.Fields["fldName"])

	// the new record's id should have been written back into the grid row.
	assert.Equal(t, created.ID, grid.values[2][domain.ReservedIDColumnIndex])
}

func TestGridToSor_MatchesUnidentifiedRowByPrimaryField(t *testing.T) {
	sor := newFakeSorClient()
	sor.tables["tbl1"] = testSchema()
	sor.records["tbl1"] = []domain.SorRecord{
		{ID: "rec1", Fields: map[string]interface{}{"fldName": "Ada", "fldAge": 30.0}},
	}
	cfg := gridConfig()
	width := rowWidth(cfg)
	grid := newFakeGridClient(width)
	header := make([]string, width)
	row1 := make([]string, width)
	row1[0], row1[1] = "ada", "33" // no id column set, matches by primary field case-insensitively
	grid.values = [][]string{header, row1}

	deps := &Deps{Sor: sor, Grid: grid, Cache: newFakeCache(), Snapshots: newFakeSnapshotStore()}
	report := deps.GridToSor(context.Background(), RunOptions{Config: cfg, Now: time.Now()})

	require.Equal(t, domain.RunStatusSuccess, report.Status)
	require.Len(t, sor.records["tbl1"], 1)
	assert.Equal(t, 33.0, sor.records["tbl1"][0].Fields["fldAge"])
}

func TestGridToSor_DeletesUnmatchedWhenRequested(t *testing.T) {
	sor := newFakeSorClient()
	sor.tables["tbl1"] = testSchema()
	sor.records["tbl1"] = []domain.SorRecord{
		{ID: "rec1", Fields: map[string]interface{}{"fldName": "Ada", "fldAge": 30.0}},
		{ID: "rec2", Fields: map[string]interface{}{"fldName": "Zed", "fldAge": 50.0}},
	}
	cfg := gridConfig()
	width := rowWidth(cfg)
	grid := newFakeGridClient(width)
	header := make([]string, width)
	row1 := make([]string, width)
	row1[0], row1[1] = "Ada", "30"
	row1[domain.ReservedIDColumnIndex] = "rec1"
	grid.values = [][]string{header, row1}

	deps := &Deps{Sor: sor, Grid: grid, Cache: newFakeCache(), Snapshots: newFakeSnapshotStore()}
	report := deps.GridToSor(context.Background(), RunOptions{Config: cfg, DeleteExtraRecords: true, Now: time.Now()})

	require.Equal(t, domain.RunStatusSuccess, report.Status)
	require.Len(t, sor.records["tbl1"], 1)
	assert.Equal(t, "rec1", sor.records["tbl1"][0].ID)
}

func TestGridToSor_StrictValidationAbortsOnRowError(t *testing.T) {
	sor := newFakeSorClient()
	sor.tables["tbl1"] = testSchema()
	cfg := gridConfig()
	width := rowWidth(cfg)
	grid := newFakeGridClient(width)
	header := make([]string, width)
	row1 := make([]string, width)
	row1[0], row1[1] = "Dave", "not-a-number"
	grid.values = [][]string{header, row1}

	deps := &Deps{Sor: sor, Grid: grid, Cache: newFakeCache(), Snapshots: newFakeSnapshotStore()}
	report := deps.GridToSor(context.Background(), RunOptions{Config: cfg, Validation: ValidationStrict, Now: time.Now()})

	assert.Equal(t, domain.RunStatusFailed, report.Status)
}

func TestGridToSor_SecondRunWithNoChangesWritesNothing(t *testing.T) {
	sor := newFakeSorClient()
	sor.tables["tbl1"] = testSchema()
	sor.records["tbl1"] = []domain.SorRecord{
		{ID: "rec1", Fields: map[string]interface{}{"fldName": "Ada", "fldAge": 30.0}},
	}
	cfg := gridConfig()
	width := rowWidth(cfg)
	grid := newFakeGridClient(width)
	header := make([]string, width)
	row1 := make([]string, width)
	row1[0], row1[1] = "Ada", "31" // differs from the sor record: first run must update it
	row1[domain.ReservedIDColumnIndex] = "rec1"
	grid.values = [][]string{header, row1}
	snapshots := newFakeSnapshotStore()
	deps := &Deps{Sor: sor, Grid: grid, Cache: newFakeCache(), Snapshots: snapshots}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	first := deps.GridToSor(context.Background(), RunOptions{Config: cfg, Now: now})
	require.Equal(t, domain.RunStatusSuccess, first.Status)
	require.Equal(t, 1, first.RecordsSynced)
	require.Equal(t, 1, sor.updateCalls)

	sor.updateCalls = 0
	second := deps.GridToSor(context.Background(), RunOptions{Config: cfg, Now: now.Add(time.Hour)})

	require.Equal(t, domain.RunStatusSuccess, second.Status)
	assert.Equal(t, 0, second.RecordsSynced)
	assert.Equal(t, 0, sor.updateCalls, "unchanged rows must not trigger an update call")
}

func TestGridToSor_LenientValidationSkipsBadRow(t *testing.T) {
	sor := newFakeSorClient()
	sor.tables["tbl1"] = testSchema()
	cfg := gridConfig()
	width := rowWidth(cfg)
	grid := newFakeGridClient(width)
	header := make([]string, width)
	row1 := make([]string, width)
	row1[0], row1[1] = "Dave", "not-a-number"
	row2 := make([]string, width)
	row2[0], row2[1] = "Eve", "25"
	grid.values = [][]string{header, row1, row2}

	deps := &Deps{Sor: sor, Grid: grid, Cache: newFakeCache(), Snapshots: newFakeSnapshotStore()}
	report := deps.GridToSor(context.Background(), RunOptions{Config: cfg, Validation: ValidationLenient, Now: time.Now()})

	require.Equal(t, domain.RunStatusPartial, report.Status)
	require.Len(t, sor.records["tbl1"], 1)
	assert.Equal(t, "Eve", sor.records["tbl1"][0].Fields["fldName"])
}
