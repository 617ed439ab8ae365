// Package gridclient implements the REST client for the spreadsheet-style
// grid API: workbook metadata, cell reads/writes, and the structural calls
// (column sizing, hiding, dropdown validation) the pipelines need to keep a
// worksheet in sync with a SOR table. Shares sorclient's retry/backoff
// shape (spec §4.1); kept as a separate client since the grid API has no
// rate-limit or batch-size contract of its own beyond the row batch size
// the pipelines enforce.
package gridclient

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

	"github.com/reoxt/basesync/internal/domain"
	"github.com/reoxt/basesync/internal/resilience"
)

// MaxRowBatchSize is the pipelines' write batch size for grid rows (spec
// §4.7 "grid row writes use batches of up to 100").
const MaxRowBatchSize = 100

const (
	baseDelay   = 500 * time.Millisecond
	maxDelay    = 30 * time.Second
	baseRetries = 3
)

// DropdownValidation configures one column's data-validation rule (spec
// §4.1 BatchSetDropdownValidation).
type DropdownValidation struct {
	ColumnIndex int
	Choices     []string
	Strict      bool
}

// WriteResult confirms a write and the range it touched.
type WriteResult struct {
	UpdatedRange string
	UpdatedRows  int
}

// Client is the GridClient contract (spec §4.1 table).
type Client interface {
	GetMetadata(ctx context.Context, workbookID, token string) (domain.Workbook, error)
	GetValues(ctx context.Context, workbookID, sheetRef, token, a1Range string) ([][]string, error)
	UpdateValues(ctx context.Context, workbookID, sheetRef, token, a1Range string, values [][]string) (WriteResult, error)
	AppendRows(ctx context.Context, workbookID, sheetRef, token string, values [][]string) (WriteResult, error)
	EnsureColumnCount(ctx context.Context, workbookID, sheetRef, token string, n int) error
	HideColumn(ctx context.Context, workbookID, sheetRef, token string, columnIndex int) error
	BatchSetDropdownValidation(ctx context.Context, workbookID, sheetRef, token string, rules []DropdownValidation) error
}

// Config configures the HTTP client.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{BaseURL: "https://api.grid.example.com", Timeout: 30 * time.Second}
}

// HTTPClient is the production Client implementation.
type HTTPClient struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

func NewHTTPClient(config Config, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{config: config, httpClient: &http.Client{Timeout: config.Timeout}, logger: logger}
}

type metadataResponse struct {
	Title  string `json:"title"`
	Sheets []struct {
		SheetID     string `json:"sheetId"`
		Title       string `json:"title"`
		RowCount    int    `json:"rowCount"`
		ColumnCount int    `json:"columnCount"`
	} `json:"sheets"`
}

func (c *HTTPClient) GetMetadata(ctx context.Context, workbookID, token string) (domain.Workbook, error) {
	var resp metadataResponse
	path := fmt.Sprintf("/v1/workbooks/%s", workbookID)
	if err := c.doRequest(ctx, http.MethodGet, path, token, nil, &resp); err != nil {
		return domain.Workbook{}, err
	}
	sheets := make([]domain.Sheet, 0, len(resp.Sheets))
	for _, s := range resp.Sheets {
		sheets = append(sheets, domain.Sheet{SheetID: s.SheetID, Title: s.Title, RowCount: s.RowCount, ColumnCount: s.ColumnCount})
	}
	return domain.Workbook{Title: resp.Title, Sheets: sheets}, nil
}

type valuesResponse struct {
	Values [][]string `json:"values"`
}

func (c *HTTPClient) GetValues(ctx context.Context, workbookID, sheetRef, token, a1Range string) ([][]string, error) {
	path := fmt.Sprintf("/v1/workbooks/%s/sheets/%s/values", workbookID, sheetRef)
	if a1Range != "" {
		path += "/" + a1Range
	}
	var resp valuesResponse
	if err := c.doRequest(ctx, http.MethodGet, path, token, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Values, nil
}

type valuesWriteRequest struct {
	Values [][]string `json:"values"`
}

type valuesWriteResponse struct {
	UpdatedRange string `json:"updatedRange"`
	UpdatedRows  int    `json:"updatedRows"`
}

func (c *HTTPClient) UpdateValues(ctx context.Context, workbookID, sheetRef, token, a1Range string, values [][]string) (WriteResult, error) {
	path := fmt.Sprintf("/v1/workbooks/%s/sheets/%s/values/%s", workbookID, sheetRef, a1Range)
	var resp valuesWriteResponse
	if err := c.doRequest(ctx, http.MethodPut, path, token, valuesWriteRequest{Values: values}, &resp); err != nil {
		return WriteResult{}, err
	}
	return WriteResult{UpdatedRange: resp.UpdatedRange, UpdatedRows: resp.UpdatedRows}, nil
}

func (c *HTTPClient) AppendRows(ctx context.Context, workbookID, sheetRef, token string, values [][]string) (WriteResult, error) {
	path := fmt.Sprintf("/v1/workbooks/%s/sheets/%s/values:append", workbookID, sheetRef)
	var resp valuesWriteResponse
	if err := c.doRequest(ctx, http.MethodPost, path, token, valuesWriteRequest{Values: values}, &resp); err != nil {
		return WriteResult{}, err
	}
	return WriteResult{UpdatedRange: resp.UpdatedRange, UpdatedRows: resp.UpdatedRows}, nil
}

type columnCountRequest struct {
	ColumnCount int `json:"columnCount"`
}

// EnsureColumnCount guarantees the sheet has at least n columns (spec
// §4.1). A shrink request is never issued; the grid API no-ops when the
// sheet already has at least n columns.
func (c *HTTPClient) EnsureColumnCount(ctx context.Context, workbookID, sheetRef, token string, n int) error {
	path := fmt.Sprintf("/v1/workbooks/%s/sheets/%s/dimensions", workbookID, sheetRef)
	return c.doRequest(ctx, http.MethodPatch, path, token, columnCountRequest{ColumnCount: n}, nil)
}

type hideColumnRequest struct {
	ColumnIndex int  `json:"columnIndex"`
	Hidden      bool `json:"hidden"`
}

func (c *HTTPClient) HideColumn(ctx context.Context, workbookID, sheetRef, token string, columnIndex int) error {
	path := fmt.Sprintf("/v1/workbooks/%s/sheets/%s/columns", workbookID, sheetRef)
	return c.doRequest(ctx, http.MethodPatch, path, token, hideColumnRequest{ColumnIndex: columnIndex, Hidden: true}, nil)
}

type dropdownRuleWire struct {
	ColumnIndex int      `json:"columnIndex"`
	Choices     []string `json:"choices"`
	Strict      bool     `json:"strict"`
}

type dropdownRequest struct {
	Rules []dropdownRuleWire `json:"rules"`
}

func (c *HTTPClient) BatchSetDropdownValidation(ctx context.Context, workbookID, sheetRef, token string, rules []DropdownValidation) error {
	wire := make([]dropdownRuleWire, len(rules))
	for i, r := range rules {
		wire[i] = dropdownRuleWire{ColumnIndex: r.ColumnIndex, Choices: r.Choices, Strict: r.Strict}
	}
	path := fmt.Sprintf("/v1/workbooks/%s/sheets/%s/validations", workbookID, sheetRef)
	return c.doRequest(ctx, http.MethodPost, path, token, dropdownRequest{Rules: wire}, nil)
}

// ColumnLetter converts a 1-based column number to its spreadsheet letter
// reference (spec §4.1 "column 1 → A"): base-26 with no zero digit.
func ColumnLetter(column int) string {
	if column < 1 {
		return ""
	}
	var letters []byte
	for column > 0 {
		column--
		letters = append([]byte{byte('A' + column%26)}, letters...)
		column /= 26
	}
	return string(letters)
}

// ColumnLetterForIndex converts a zero-based column index (as used by
// domain.FieldMapping.ColumnIndex) to its letter reference.
func ColumnLetterForIndex(index int) string {
	return ColumnLetter(index + 1)
}

// doRequest mirrors sorclient's retry shape without the rate-limit
// multiplier, since the grid API carries no documented rate-limit
// signal distinct from a generic 429.
func (c *HTTPClient) doRequest(ctx context.Context, method, path, token string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s %s request: %w", method, path, err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= baseRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoffDelay(attempt - 1)):
			}
		}

		err := c.doOnce(ctx, method, path, token, payload, out)
		if err == nil {
			return nil
		}
		lastErr = err

		var se *resilience.SyncError
		if errors.As(err, &se) {
			switch se.Kind {
			case domain.ErrorKindOAuth, domain.ErrorKindValidation:
				return err
			}
		}
		c.logger.Warn("grid request failed, retrying", "method", method, "path", path, "attempt", attempt+1, "error", err)
	}
	return fmt.Errorf("%s %s failed after %d attempts: %w", method, path, baseRetries+1, lastErr)
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
