package gridclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	return NewHTTPClient(cfg, nil)
}

func TestColumnLetter(t *testing.T) {
	cases := map[int]string{
		1:  "A",
		2:  "B",
		26: "Z",
		27: "AA",
		28: "AB",
		52: "AZ",
		53: "BA",
	}
	for col, want := range cases {
		assert.Equal(t, want, ColumnLetter(col), "column %d", col)
	}
}

func TestColumnLetterForIndex_ReservedIDColumn(t *testing.T) {
	// spec §4.7: the reserved id column is index 26, letter "AA".
	assert.Equal(t, "AA", ColumnLetterForIndex(26))
}

func TestHTTPClient_GetMetadata(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/workbooks/wb1", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"title": "My Workbook",
			"sheets": []map[string]interface{}{
				{"sheetId": "sheet1", "title": "Sheet1", "rowCount": 10, "columnCount": 30},
			},
		})
	})

	wb, err := client.GetMetadata(context.Background(), "wb1", "tok")
	require.NoError(t, err)
	assert.Equal(t, "My Workbook", wb.Title)
	require.Len(t, wb.Sheets, 1)
	assert.Equal(t, "sheet1", wb.Sheets[0].SheetID)
	assert.Equal(t, 30, wb.Sheets[0].ColumnCount)
}

func TestHTTPClient_GetValues(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"values": [][]string{{"a", "b"}, {"c", "d"}},
		})
	})

	values, err := client.GetValues(context.Background(), "wb1", "sheet1", "tok", "A1:B2")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}}, values)
}

func TestHTTPClient_UpdateValues(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"updatedRange": "A1:B2", "updatedRows": 2})
	})

	result, err := client.UpdateValues(context.Background(), "wb1", "sheet1", "tok", "A1:B2", [][]string{{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, "A1:B2", result.UpdatedRange)
	assert.Equal(t, 2, result.UpdatedRows)
}

func TestHTTPClient_BatchSetDropdownValidation(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req dropdownRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Rules, 1)
		assert.Equal(t, []string{"Open", "Closed"}, req.Rules[0].Choices)
		w.WriteHeader(http.StatusOK)
	})

	err := client.BatchSetDropdownValidation(context.Background(), "wb1", "sheet1", "tok", []DropdownValidation{
		{ColumnIndex: 2, Choices: []string{"Open", "Closed"}, Strict: true},
	})
	require.NoError(t, err)
}

func TestHTTPClient_DoRequest_NeverRetriesOAuthError(t *testing.T) {
	attempts := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusForbidden)
	})

	err := client.doRequest(context.Background(), http.MethodGet, "/v1/workbooks/wb1", "tok", nil, nil)
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}
