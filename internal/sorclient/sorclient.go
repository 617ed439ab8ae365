// Package sorclient implements the REST client for the system-of-record
// API: table schema discovery, paginated record listing, and batched
// create/update/delete, behind a process-wide token-bucket limiter and the
// exponential-backoff retry policy spec §4.1 requires. Grounded on the
// teacher's infrastructure/llm.HTTPLLMClient request/retry shape.
package sorclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/reoxt/basesync/internal/domain"
	"github.com/reoxt/basesync/internal/resilience"
	"github.com/reoxt/basesync/pkg/metrics"
)

// MaxBatchSize is the SOR's hard ceiling on records per write call (spec
// §4.1 "Batch writes use a hard ceiling of 10 items").
const MaxBatchSize = 10

const (
	baseDelay           = 500 * time.Millisecond
	maxDelay            = 30 * time.Second
	baseRetries         = 3
	rateLimitMultiplier = 3
)

// ListOptions narrows a ListRecords call (spec §4.1).
type ListOptions struct {
	ViewID        string
	Sort          []SortField
	MaxRecords    int
	FilterFormula string
}

// SortField names one ascending or descending sort key.
type SortField struct {
	FieldID    string
	Descending bool
}

// Client is the SorClient contract (spec §4.1 table).
type Client interface {
	ListTables(ctx context.Context, baseID, token string) (map[string]domain.SorTableSchema, error)
	ListRecords(ctx context.Context, baseID, tableID, token string, opts ListOptions) ([]domain.SorRecord, error)
	CreateRecords(ctx context.Context, baseID, tableID, token string, records []domain.SorRecord) ([]domain.SorRecord, error)
	UpdateRecords(ctx context.Context, baseID, tableID, token string, records []domain.SorRecord) ([]domain.SorRecord, error)
	DeleteRecords(ctx context.Context, baseID, tableID, token string, ids []string) error
}

// Config configures the HTTP client and its rate limiter.
type Config struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
}

// DefaultConfig matches spec §4.1's default 5 requests/second limiter.
func DefaultConfig() Config {
	return Config{
		BaseURL:           "https://api.sor.example.com",
		Timeout:           30 * time.Second,
		RequestsPerSecond: 5,
	}
}

// HTTPClient is the production Client implementation.
type HTTPClient struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

func NewHTTPClient(config Config, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 1),
		logger:     logger,
	}
}

// WithMetrics attaches an optional metrics collector; a client without one
// skips instrumentation entirely. Returns c for chaining at construction.
func (c *HTTPClient) WithMetrics(m *metrics.Metrics) *HTTPClient {
	c.metrics = m
	return c
}

type tableSchemaResponse struct {
	Tables []struct {
		ID             string `json:"id"`
		PrimaryFieldID string `json:"primaryFieldId"`
		Fields         []struct {
			ID      string `json:"id"`
			Name    string `json:"name"`
			Type    string `json:"type"`
			Options struct {
				Choices []struct {
					Name string `json:"name"`
				} `json:"choices"`
			} `json:"options"`
		} `json:"fields"`
	} `json:"tables"`
}

// ListTables returns every table's schema in baseID, keyed by table id
// (spec §4.1).
func (c *HTTPClient) ListTables(ctx context.Context, baseID, token string) (map[string]domain.SorTableSchema, error) {
	var resp tableSchemaResponse
	path := fmt.Sprintf("/v0/meta/bases/%s/tables", baseID)
	if err := c.doRequest(ctx, http.MethodGet, path, token, nil, &resp); err != nil {
		return nil, err
	}

	out := make(map[string]domain.SorTableSchema, len(resp.Tables))
	for _, t := range resp.Tables {
		fields := make([]domain.SorField, 0, len(t.Fields))
		for _, f := range t.Fields {
			choices := make([]string, 0, len(f.Options.Choices))
			for _, ch := range f.Options.Choices {
				choices = append(choices, ch.Name)
			}
			fields = append(fields, domain.SorField{ID: f.ID, Name: f.Name, Type: domain.SorFieldType(f.Type), Options: choices})
		}
		out[t.ID] = domain.SorTableSchema{Fields: fields, PrimaryFieldID: t.PrimaryFieldID}
	}
	return out, nil
}

type recordWire struct {
	ID     string                 `json:"id,omitempty"`
	Fields map[string]interface{} `json:"fields"`
}

type listRecordsResponse struct {
	Records []recordWire `json:"records"`
	Offset  string       `json:"offset"`
}

// ListRecords pages through every record in tableID, honoring opts (spec
// §4.1 "paginated records in the order the server returns").
func (c *HTTPClient) ListRecords(ctx context.Context, baseID, tableID, token string, opts ListOptions) ([]domain.SorRecord, error) {
	path := fmt.Sprintf("/v0/%s/%s", baseID, tableID)

	var out []domain.SorRecord
	offset := ""
	for {
		query := buildListQuery(opts, offset)
		var resp listRecordsResponse
		if err := c.doRequest(ctx, http.MethodGet, path+query, token, nil, &resp); err != nil {
			return nil, err
		}
		for _, r := range resp.Records {
			out = append(out, domain.SorRecord{ID: r.ID, Fields: r.Fields})
			if opts.MaxRecords > 0 && len(out) >= opts.MaxRecords {
				return out[:opts.MaxRecords], nil
			}
		}
		if resp.Offset == "" {
			return out, nil
		}
		offset = resp.Offset
	}
}

func buildListQuery(opts ListOptions, offset string) string {
	q := make([]string, 0, 4)
	if opts.ViewID != "" {
		q = append(q, "view="+opts.ViewID)
	}
	if opts.FilterFormula != "" {
		q = append(q, "filterByFormula="+opts.FilterFormula)
	}
	for i, s := range opts.Sort {
		dir := "asc"
		if s.Descending {
			dir = "desc"
		}
		q = append(q, fmt.Sprintf("sort[%d][field]=%s&sort[%d][direction]=%s", i, s.FieldID, i, dir))
	}
	if offset != "" {
		q = append(q, "offset="+offset)
	}
	if len(q) == 0 {
		return ""
	}
	out := "?" + q[0]
	for _, p := range q[1:] {
		out += "&" + p
	}
	return out
}

type recordsWriteRequest struct {
	Records []recordWire `json:"records"`
}

type recordsWriteResponse struct {
	Records []recordWire `json:"records"`
}

// CreateRecords creates up to MaxBatchSize records in one call.
func (c *HTTPClient) CreateRecords(ctx context.Context, baseID, tableID, token string, records []domain.SorRecord) ([]domain.SorRecord, error) {
	if len(records) > MaxBatchSize {
		return nil, fmt.Errorf("sorclient: create batch of %d exceeds max %d, caller must chunk", len(records), MaxBatchSize)
	}
	req := recordsWriteRequest{Records: toWire(records)}
	var resp recordsWriteResponse
	path := fmt.Sprintf("/v0/%s/%s", baseID, tableID)
	if err := c.doRequest(ctx, http.MethodPost, path, token, req, &resp); err != nil {
		return nil, err
	}
	return fromWire(resp.Records), nil
}

// UpdateRecords patches up to MaxBatchSize records in one call.
func (c *HTTPClient) UpdateRecords(ctx context.Context, baseID, tableID, token string, records []domain.SorRecord) ([]domain.SorRecord, error) {
	if len(records) > MaxBatchSize {
		return nil, fmt.Errorf("sorclient: update batch of %d exceeds max %d, caller must chunk", len(records), MaxBatchSize)
	}
	req := recordsWriteRequest{Records: toWire(records)}
	var resp recordsWriteResponse
	path := fmt.Sprintf("/v0/%s/%s", baseID, tableID)
	if err := c.doRequest(ctx, http.MethodPatch, path, token, req, &resp); err != nil {
		return nil, err
	}
	return fromWire(resp.Records), nil
}

// DeleteRecords removes up to MaxBatchSize records by id in one call.
func (c *HTTPClient) DeleteRecords(ctx context.Context, baseID, tableID, token string, ids []string) error {
	if len(ids) > MaxBatchSize {
		return fmt.Errorf("sorclient: delete batch of %d exceeds max %d, caller must chunk", len(ids), MaxBatchSize)
	}
	path := fmt.Sprintf("/v0/%s/%s?", baseID, tableID)
	for i, id := range ids {
		if i > 0 {
			path += "&"
		}
		path += "records[]=" + id
	}
	return c.doRequest(ctx, http.MethodDelete, path, token, nil, nil)
}

func toWire(records []domain.SorRecord) []recordWire {
	out := make([]recordWire, len(records))
	for i, r := range records {
		out[i] = recordWire{ID: r.ID, Fields: r.Fields}
	}
	return out
}

func fromWire(records []recordWire) []domain.SorRecord {
	out := make([]domain.SorRecord, len(records))
	for i, r := range records {
		out[i] = domain.SorRecord{ID: r.ID, Fields: r.Fields}
	}
	return out
}

// doRequest issues one logical request, retrying on transient failures per
// spec §4.1: baseline 3 retries with exponential backoff capped at 30s plus
// up to 1s of jitter, tripled once a rate-limit signal is observed, and
// never retried for a 4xx other than 429.
func (c *HTTPClient) doRequest(ctx context.Context, method, path, token string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s %s request: %w", method, path, err)
		}
	}

	maxRetries := baseRetries
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoffDelay(attempt - 1)):
			}
		}
		waitStart := time.Now()
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		if c.metrics != nil {
			c.metrics.RateLimiterWaitSecs.Observe(time.Since(waitStart).Seconds())
		}

		err := c.doOnce(ctx, method, path, token, payload, out)
		if err == nil {
			c.recordRetryOutcome(attempt, "success")
			return nil
		}
		lastErr = err

		var se *resilience.SyncError
		if errors.As(err, &se) {
			switch se.Kind {
			case domain.ErrorKindOAuth, domain.ErrorKindValidation:
				c.recordRetryOutcome(attempt, "terminal")
				return err
			case domain.ErrorKindRateLimit:
				if maxRetries == baseRetries {
					maxRetries = baseRetries * rateLimitMultiplier
				}
			}
		}
		c.logger.Warn("sor request failed, retrying", "method", method, "path", path, "attempt", attempt+1, "error", err)
	}
	c.recordRetryOutcome(maxRetries, "exhausted")
	return fmt.Errorf("%s %s failed after %d attempts: %w", method, path, maxRetries+1, lastErr)
}

func (c *HTTPClient) recordRetryOutcome(attempt int, outcome string) {
	if c.metrics == nil || attempt == 0 {
		return
	}
	c.metrics.RetryAttemptsTotal.WithLabelValues("sor_request", outcome).Inc()
}

func backoffDelay(attempt int) time.Duration {
	d := baseDelay * time.Duration(uint(1)<<uint(attempt))
	if d > maxDelay {
		d = maxDelay
	}
	return d + time.Duration(rand.Int63n(int64(time.Second)))
}

func (c *HTTPClient) doOnce(ctx context.Context, method, path, token string, payload []byte, out interface{}) error {
	url := c.config.BaseURL + path
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return resilience.NewSyncError(domain.ErrorKindUnknown, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return resilience.NewSyncError(domain.ErrorKindNetwork, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resilience.NewSyncError(domain.ErrorKindNetwork, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return resilience.NewSyncError(domain.ErrorKindUnknown, fmt.Errorf("decode response: %w", err))
			}
		}
		return nil
	}

	kind := classifyStatus(resp.StatusCode, string(respBody))
	return resilience.NewSyncError(kind, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, string(respBody)))
}

func classifyStatus(status int, body string) domain.ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return domain.ErrorKindRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden || resilience.IsOAuthTerminal(body):
		return domain.ErrorKindOAuth
	case status >= 500:
		return domain.ErrorKindNetwork
	case status >= 400:
		return domain.ErrorKindValidation
	default:
		return domain.ErrorKindUnknown
	}
}

var _ Client = (*HTTPClient)(nil)
