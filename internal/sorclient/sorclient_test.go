package sorclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reoxt/basesync/internal/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.RequestsPerSecond = 1000
	return NewHTTPClient(cfg, nil)
}

func TestHTTPClient_ListTables(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v0/meta/bases/base1/tables", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"tables": []map[string]interface{}{
				{
					"id":             "tbl1",
					"primaryFieldId": "fld1",
					"fields": []map[string]interface{}{
						{"id": "fld1", "name": "Name", "type": "text"},
						{"id": "fld2", "name": "Status", "type": "singleSelect", "options": map[string]interface{}{
							"choices": []map[string]interface{}{{"name": "Open"}, {"name": "Closed"}},
						}},
					},
				},
			},
		})
	})

	schemas, err := client.ListTables(context.Background(), "base1", "tok")
	require.NoError(t, err)
	require.Contains(t, schemas, "tbl1")
	assert.Equal(t, "fld1", schemas["tbl1"].PrimaryFieldID)
	assert.Len(t, schemas["tbl1"].Fields, 2)
	assert.Equal(t, []string{"Open", "Closed"}, schemas["tbl1"].Fields[1].Options)
}

func TestHTTPClient_ListRecords_Paginates(t *testing.T) {
	calls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Query().Get("offset") == "" {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"records": []map[string]interface{}{{"id": "rec1", "fields": map[string]interface{}{"Name": "A"}}},
				"offset":  "page2",
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"records": []map[string]interface{}{{"id": "rec2", "fields": map[string]interface{}{"Name": "B"}}},
		})
	})

	records, err := client.ListRecords(context.Background(), "base1", "tbl1", "tok", ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	require.Len(t, records, 2)
	assert.Equal(t, "rec1", records[0].ID)
	assert.Equal(t, "rec2", records[1].ID)
}

func TestHTTPClient_CreateRecords_RejectsOversizedBatch(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("server should not be called for an oversized batch")
	})

	records := make([]domain.SorRecord, MaxBatchSize+1)
	_, err := client.CreateRecords(context.Background(), "base1", "tbl1", "tok", records)
	require.Error(t, err)
}

func TestHTTPClient_DoRequest_RateLimitedRequestStopsAtContextDeadline(t *testing.T) {
	attempts := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limited"}`))
	})
	client.httpClient.Timeout = 2 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := client.doRequest(ctx, http.MethodGet, "/v0/meta/bases/base1/tables", "tok", nil, nil)
	require.Error(t, err)
	assert.GreaterOrEqual(t, attempts, 1)
}

func TestHTTPClient_DoRequest_NeverRetriesValidationError(t *testing.T) {
	attempts := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
	})

	err := client.doRequest(context.Background(), http.MethodGet, "/v0/meta/bases/base1/tables", "tok", nil, nil)
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestHTTPClient_DoRequest_NeverRetriesOAuthError(t *testing.T) {
	attempts := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
	})

	err := client.doRequest(context.Background(), http.MethodGet, "/v0/meta/bases/base1/tables", "tok", nil, nil)
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}
