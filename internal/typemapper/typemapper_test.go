package typemapper

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reoxt/basesync/internal/domain"
)

type stubResolver struct {
	idsToNames map[string]string
}

func (s stubResolver) ResolveIdsToNames(ctx context.Context, baseID, linkedTableID string, ids []string, strictMode bool) ([]string, []string, []string, error) {
	var names, missing []string
	for _, id := range ids {
		if n, ok := s.idsToNames[id]; ok {
			names = append(names, n)
		} else {
			missing = append(missing, id)
			if !strictMode {
				names = append(names, id)
			}
		}
	}
	return names, missing, nil, nil
}

func (s stubResolver) ResolveNamesToIds(ctx context.Context, baseID, linkedTableID string, names []string, createMissing bool) ([]string, []string, []string, error) {
	var ids []string
	for _, n := range names {
		for id, name := range s.idsToNames {
			if name == n {
				ids = append(ids, id)
			}
		}
	}
	return ids, nil, nil, nil
}

func TestMapper_ToGrid_Checkbox(t *testing.T) {
	m := New(nil)
	res := m.ToGrid(context.Background(), domain.SorField{Name: "Done", Type: domain.FieldCheckbox}, true, "", "", false)
	require.Empty(t, res.Errors)
	assert.Equal(t, "TRUE", res.Value)
}

func TestMapper_ToGrid_Number_RoundsTo1e6(t *testing.T) {
	m := New(nil)
	res := m.ToGrid(context.Background(), domain.SorField{Name: "Price", Type: domain.FieldNumber}, 19.123456789, "", "", false)
	require.Empty(t, res.Errors)
	assert.Equal(t, "19.123457", res.Value)
}

func TestMapper_FromGrid_Checkbox_CaseInsensitive(t *testing.T) {
	m := New(nil)
	res := m.FromGrid(context.Background(), domain.SorField{Name: "Done", Type: domain.FieldCheckbox}, "yes", "", "", false)
	require.Empty(t, res.Errors)
	assert.Equal(t, true, res.Value)
}

func TestMapper_FromGrid_ReadOnlyFieldWarnsAndDrops(t *testing.T) {
	m := New(nil)
	res := m.FromGrid(context.Background(), domain.SorField{Name: "Created", Type: domain.FieldCreatedTime}, "2024-01-01", "", "", false)
	assert.Nil(t, res.Value)
	assert.Empty(t, res.Errors)
	require.Len(t, res.Warnings, 1)
}

func TestMapper_FromGrid_SingleSelect_UnknownOptionErrors(t *testing.T) {
	m := New(nil)
	field := domain.SorField{Name: "Status", Type: domain.FieldSingleSelect, Options: []string{"Open", "Closed"}}
	res := m.FromGrid(context.Background(), field, "Archived", "", "", false)
	require.Len(t, res.Errors, 1)
}

func TestMapper_FromGrid_SingleSelect_UnknownOptionListsAllowedValues(t *testing.T) {
	m := New(nil)
	field := domain.SorField{Name: "Status", Type: domain.FieldSingleSelect, Options: []string{"Open", "Closed"}}
	res := m.FromGrid(context.Background(), field, "Archived", "", "", false)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "Archived")
	assert.Contains(t, res.Errors[0], "Open, Closed")
}

func TestMapper_FromGrid_MultiSelect_PartialMatch(t *testing.T) {
	m := New(nil)
	field := domain.SorField{Name: "Tags", Type: domain.FieldMultipleSelects, Options: []string{"Red", "Blue"}}
	res := m.FromGrid(context.Background(), field, "Red, Green", "", "", false)
	assert.Equal(t, []string{"Red"}, res.Value)
	require.Len(t, res.Warnings, 1)
}

func TestMapper_LinkedRecords_RoundTrip(t *testing.T) {
	resolver := stubResolver{idsToNames: map[string]string{"rec1": "Alpha", "rec2": "Beta"}}
	m := New(resolver)

	toGrid := m.ToGrid(context.Background(), domain.SorField{Name: "Owner", Type: domain.FieldLinkedRecords}, []string{"rec1", "rec2"}, "base1", "tbl2", false)
	require.Empty(t, toGrid.Errors)
	assert.Equal(t, "Alpha, Beta", toGrid.Value)

	fromGrid := m.FromGrid(context.Background(), domain.SorField{Name: "Owner", Type: domain.FieldLinkedRecords}, "Alpha, Beta", "base1", "tbl2", false)
	require.Empty(t, fromGrid.Errors)
	assert.ElementsMatch(t, []string{"rec1", "rec2"}, fromGrid.Value)
}

func TestMapper_LinkedRecords_ToGrid_UnresolvedID_StrictVsLenient(t *testing.T) {
	resolver := stubResolver{idsToNames: map[string]string{"rec1": "Alpha"}}
	m := New(resolver)
	field := domain.SorField{Name: "Owner", Type: domain.FieldLinkedRecords}

	lenient := m.ToGrid(context.Background(), field, []string{"rec1", "recGone"}, "base1", "tbl2", false)
	require.Empty(t, lenient.Errors)
	assert.Equal(t, "Alpha, recGone", lenient.Value)
	require.NotEmpty(t, lenient.Warnings)

	strict := m.ToGrid(context.Background(), field, []string{"rec1", "recGone"}, "base1", "tbl2", true)
	require.Empty(t, strict.Errors)
	assert.Equal(t, "Alpha", strict.Value)
	require.NotEmpty(t, strict.Warnings)
}

func TestMapper_FromGrid_Attachments_DropsWithWarning(t *testing.T) {
	m := New(nil)
	res := m.FromGrid(context.Background(), domain.SorField{Name: "Files", Type: domain.FieldAttachments}, "http://a,http://b", "", "", false)
	assert.Nil(t, res.Value)
	require.Len(t, res.Warnings, 1)
}
