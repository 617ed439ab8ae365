package linkedrecord

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reoxt/basesync/internal/cache"
	"github.com/reoxt/basesync/internal/domain"
	"github.com/reoxt/basesync/internal/sorclient"
)

// fakeSorClient is a minimal sorclient.Client stub for resolver tests.
type fakeSorClient struct {
	tables      map[string]domain.SorTableSchema
	records     map[string][]domain.SorRecord
	nextID      int
	createCalls int
}

func (f *fakeSorClient) ListTables(ctx context.Context, baseID, token string) (map[string]domain.SorTableSchema, error) {
	return f.tables, nil
}

func (f *fakeSorClient) ListRecords(ctx context.Context, baseID, tableID, token string, opts sorclient.ListOptions) ([]domain.SorRecord, error) {
	return f.records[tableID], nil
}

func (f *fakeSorClient) CreateRecords(ctx context.Context, baseID, tableID, token string, records []domain.SorRecord) ([]domain.SorRecord, error) {
	f.createCalls++
	out := make([]domain.SorRecord, len(records))
	for i, r := range records {
		f.nextID++
		r.ID = "new" + string(rune('0'+f.nextID))
		out[i] = r
		f.records[tableID] = append(f.records[tableID], r)
	}
	return out, nil
}

func (f *fakeSorClient) UpdateRecords(ctx context.Context, baseID, tableID, token string, records []domain.SorRecord) ([]domain.SorRecord, error) {
	return records, nil
}

func (f *fakeSorClient) DeleteRecords(ctx context.Context, baseID, tableID, token string, ids []string) error {
	return nil
}

func newFakeClient() *fakeSorClient {
	return &fakeSorClient{
		tables: map[string]domain.SorTableSchema{
			"tbl2": {PrimaryFieldID: "fldName"},
		},
		records: map[string][]domain.SorRecord{
			"tbl2": {
				{ID: "rec1", Fields: map[string]interface{}{"fldName": "Alpha"}},
				{ID: "rec2", Fields: map[string]interface{}{"fldName": "Beta"}},
			},
		},
	}
}

func newTestCache(t *testing.T) cache.Cache {
	t.Helper()
	c, err := cache.New(cache.Config{MaxEntries: 100}, nil)
	require.NoError(t, err)
	return c
}

func TestResolver_ResolveIdsToNames(t *testing.T) {
	sor := newFakeClient()
	r := New(sor, newTestCache(t), "tok", time.Minute, nil)

	resolved, missing, _, err := r.ResolveIdsToNames(context.Background(), "base1", "tbl2", []string{"rec1", "rec2", "recMissing"}, true)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Alpha", "Beta"}, resolved)
	assert.Equal(t, []string{"recMissing"}, missing)
}

func TestResolver_ResolveIdsToNames_LenientPassesUnknownIdsThroughVerbatim(t *testing.T) {
	sor := newFakeClient()
	r := New(sor, newTestCache(t), "tok", time.Minute, nil)

	resolved, missing, _, err := r.ResolveIdsToNames(context.Background(), "base1", "tbl2", []string{"rec1", "recMissing"}, false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Alpha", "recMissing"}, resolved)
	assert.Equal(t, []string{"recMissing"}, missing)
}

func TestResolver_ResolveNamesToIds_CaseInsensitive(t *testing.T) {
	sor := newFakeClient()
	r := New(sor, newTestCache(t), "tok", time.Minute, nil)

	resolved, missing, _, err := r.ResolveNamesToIds(context.Background(), "base1", "tbl2", []string{"alpha", "BETA"}, false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"rec1", "rec2"}, resolved)
	assert.Empty(t, missing)
}

func TestResolver_ResolveNamesToIds_CreatesMissingAndCachesImmediately(t *testing.T) {
	sor := newFakeClient()
	r := New(sor, newTestCache(t), "tok", time.Minute, nil)

	resolved, missing, warnings, err := r.ResolveNamesToIds(context.Background(), "base1", "tbl2", []string{"Gamma"}, true)
	require.NoError(t, err)
	assert.Empty(t, missing)
	require.Len(t, resolved, 1)
	require.Len(t, warnings, 1)
	assert.Equal(t, 1, sor.createCalls)

	// A second lookup in the same run must see the just-created record
	// without hitting CreateRecords again (spec §4.4 invariant).
	resolved2, missing2, _, err := r.ResolveNamesToIds(context.Background(), "base1", "tbl2", []string{"Gamma"}, true)
	require.NoError(t, err)
	assert.Empty(t, missing2)
	assert.Equal(t, resolved, resolved2)
	assert.Equal(t, 1, sor.createCalls)
}

func TestResolver_PreloadTable(t *testing.T) {
	sor := newFakeClient()
	r := New(sor, newTestCache(t), "tok", time.Minute, nil)

	require.NoError(t, r.PreloadTable(context.Background(), "base1", "tbl2"))

	resolved, _, _, err := r.ResolveIdsToNames(context.Background(), "base1", "tbl2", []string{"rec1"}, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"Alpha"}, resolved)
}
