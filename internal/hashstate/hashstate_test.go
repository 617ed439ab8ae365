package hashstate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reoxt/basesync/internal/domain"
)

func TestContentHash_TrimAndRoundingAreNormalized(t *testing.T) {
	a := ContentHash(map[string]interface{}{"Name": "  Alice  ", "Score": 1.1234561})
	b := ContentHash(map[string]interface{}{"Name": "Alice", "Score": 1.12345612})
	assert.Equal(t, a, b, "whitespace and sub-1e-6 differences must normalize to the same hash")
}

func TestContentHash_KeyOrderIndependent(t *testing.T) {
	a := ContentHash(map[string]interface{}{"A": "1", "B": "2"})
	b := ContentHash(map[string]interface{}{"B": "2", "A": "1"})
	assert.Equal(t, a, b)
}

func TestDetector_NoPriorSnapshot(t *testing.T) {
	sorHashes := map[domain.RecordKey]string{"rec1": "h1", "rec2": "h2"}
	gridHashes := map[domain.RecordKey]string{"row_0": "h3"}

	conflicts, classifications := Detector{}.Detect(sorHashes, gridHashes, nil)
	assert.Empty(t, conflicts, "no prior snapshot means no conflicts are raised")
	assert.Equal(t, domain.NewInSor, classifications["rec1"])
	assert.Equal(t, domain.NewInSor, classifications["rec2"])
	assert.Equal(t, domain.NewInGrid, classifications["row_0"])
}

func TestDetector_BothModified(t *testing.T) {
	snapshot := &domain.HashSnapshot{Entries: map[domain.RecordKey]domain.HashEntry{
		"rec1": {ContentHash: "orig"},
	}}
	sorHashes := map[domain.RecordKey]string{"rec1": "sor-new"}
	gridHashes := map[domain.RecordKey]string{"rec1": "grid-new"}

	conflicts, classifications := Detector{}.Detect(sorHashes, gridHashes, snapshot)
	require.Len(t, conflicts, 1)
	assert.Equal(t, domain.BothModified, conflicts[0].Kind)
	assert.Equal(t, domain.BothModified, classifications["rec1"])
}

func TestDetector_SorOnlyAndGridOnlyChange(t *testing.T) {
	snapshot := &domain.HashSnapshot{Entries: map[domain.RecordKey]domain.HashEntry{
		"rec1": {ContentHash: "same"},
		"rec2": {ContentHash: "same"},
	}}
	sorHashes := map[domain.RecordKey]string{"rec1": "changed", "rec2": "same"}
	gridHashes := map[domain.RecordKey]string{"rec1": "same", "rec2": "changed"}

	conflicts, classifications := Detector{}.Detect(sorHashes, gridHashes, snapshot)
	assert.Empty(t, conflicts, "single-side changes are not conflicts")
	assert.Equal(t, domain.SorOnlyChange, classifications["rec1"])
	assert.Equal(t, domain.GridOnlyChange, classifications["rec2"])
}

func TestDetector_DeletedInGridAndSor(t *testing.T) {
	snapshot := &domain.HashSnapshot{Entries: map[domain.RecordKey]domain.HashEntry{
		"rec1": {ContentHash: "h"},
		"rec2": {ContentHash: "h"},
	}}
	sorHashes := map[domain.RecordKey]string{"rec1": "h"}
	gridHashes := map[domain.RecordKey]string{"rec2": "h"}

	conflicts, classifications := Detector{}.Detect(sorHashes, gridHashes, snapshot)
	require.Len(t, conflicts, 2)
	assert.Equal(t, domain.DeletedInSor, classifications["rec2"])
	assert.Equal(t, domain.DeletedInGrid, classifications["rec1"])
}

func TestResolver_SorWins(t *testing.T) {
	decisions := Resolver{}.Resolve([]domain.Conflict{
		{RecordKey: "rec1", Kind: domain.BothModified},
		{RecordKey: "rec2", Kind: domain.DeletedInGrid},
		{RecordKey: "rec3", Kind: domain.DeletedInSor},
	}, domain.StrategySorWins)

	require.Len(t, decisions, 3)
	assert.Equal(t, domain.ActionUseSor, decisions[0].Action)
	assert.Equal(t, domain.ActionUseSor, decisions[1].Action)
	assert.Equal(t, domain.ActionDelete, decisions[2].Action)
}

func TestResolver_NewestWins_DeletionsWinOverEdits(t *testing.T) {
	decisions := Resolver{}.Resolve([]domain.Conflict{
		{RecordKey: "rec1", Kind: domain.BothModified},
		{RecordKey: "rec2", Kind: domain.DeletedInGrid},
	}, domain.StrategyNewestWins)

	require.Len(t, decisions, 2)
	assert.Equal(t, domain.ActionUseSor, decisions[0].Action)
	assert.Contains(t, decisions[0].Reason, "newest_wins fallback")
	assert.Equal(t, domain.ActionDelete, decisions[1].Action)
}

func TestBuildSnapshot(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	snap := BuildSnapshot("cfg1", map[domain.RecordKey]string{"rec1": "h1"}, now)
	assert.Equal(t, "cfg1", snap.SyncConfigID)
	assert.Equal(t, now, snap.LastSyncTime)
	require.Contains(t, snap.Entries, domain.RecordKey("rec1"))
	assert.Equal(t, "h1", snap.Entries["rec1"].ContentHash)
}
