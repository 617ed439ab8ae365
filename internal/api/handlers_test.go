package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reoxt/basesync/internal/api/middleware"
	"github.com/reoxt/basesync/internal/domain"
	"github.com/reoxt/basesync/internal/pipeline"
	"github.com/reoxt/basesync/internal/scheduler"
	"github.com/reoxt/basesync/internal/token"
)

type fakeScheduler struct {
	manualReport  *pipeline.RunReport
	manualErr     error
	initialReport *pipeline.RunReport
	initialErr    error
	scheduledJob  scheduler.JobSummary
	lastOpts      scheduler.RunOptions
}

func (f *fakeScheduler) RunManual(ctx context.Context, syncConfigID, userID string) (*pipeline.RunReport, error) {
	return f.manualReport, f.manualErr
}

func (f *fakeScheduler) RunInitial(ctx context.Context, syncConfigID, userID string, opts scheduler.RunOptions) (*pipeline.RunReport, error) {
	f.lastOpts = opts
	return f.initialReport, f.initialErr
}

func (f *fakeScheduler) RunScheduled(ctx context.Context) scheduler.JobSummary {
	return f.scheduledJob
}

type fakeTokenManager struct {
	status    map[domain.Provider]token.ConnStatus
	statusErr map[domain.Provider]error
	reauthErr error
	reauthFor []domain.Provider
}

func newFakeTokenManager() *fakeTokenManager {
	return &fakeTokenManager{status: make(map[domain.Provider]token.ConnStatus), statusErr: make(map[domain.Provider]error)}
}

func (f *fakeTokenManager) Status(ctx context.Context, userID string, provider domain.Provider) (token.ConnStatus, error) {
	if err, ok := f.statusErr[provider]; ok {
		return token.ConnStatus{}, err
	}
	return f.status[provider], nil
}

func (f *fakeTokenManager) MarkReauthRequired(ctx context.Context, userID string, provider domain.Provider, reason string) error {
	f.reauthFor = append(f.reauthFor, provider)
	return f.reauthErr
}

func withVars(r *http.Request, vars map[string]string) *http.Request {
	return mux.SetURLVars(r, vars)
}

func withAuthUser(r *http.Request, userID string) *http.Request {
	ctx := context.WithValue(r.Context(), middleware.UserIDContextKey, userID)
	return r.WithContext(ctx)
}

func TestHandleRunManual_Success(t *testing.T) {
	sched := &fakeScheduler{manualReport: &pipeline.RunReport{Status: domain.RunStatusSuccess, RecordsSynced: 3}}
	h := NewHandlers(sched, newFakeTokenManager(), nil)

	req := httptest.NewRequest(http.MethodPost, "/sync-configs/cfg1/runs?userId=user1", nil)
	req = withVars(req, map[string]string{"syncConfigId": "cfg1"})
	req = withAuthUser(req, "user1")
	rec := httptest.NewRecorder()

	h.HandleRunManual(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var report pipeline.RunReport
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.Equal(t, domain.RunStatusSuccess, report.Status)
	assert.Equal(t, 3, report.RecordsSynced)
}

func TestHandleRunManual_RejectsMismatchedUser(t *testing.T) {
	sched := &fakeScheduler{manualReport: &pipeline.RunReport{}}
	h := NewHandlers(sched, newFakeTokenManager(), nil)

	req := httptest.NewRequest(http.MethodPost, "/sync-configs/cfg1/runs?userId=user1", nil)
	req = withVars(req, map[string]string{"syncConfigId": "cfg1"})
	req = withAuthUser(req, "someone-else")
	rec := httptest.NewRecorder()

	h.HandleRunManual(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleRunManual_UnknownConfigReturns404(t *testing.T) {
	sched := &fakeScheduler{manualErr: scheduler.ErrSyncConfigNotFound}
	h := NewHandlers(sched, newFakeTokenManager(), nil)

	req := httptest.NewRequest(http.MethodPost, "/sync-configs/missing/runs?userId=user1", nil)
	req = withVars(req, map[string]string{"syncConfigId": "missing"})
	req = withAuthUser(req, "user1")
	rec := httptest.NewRecorder()

	h.HandleRunManual(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleRunInitial_ParsesDryRunBody(t *testing.T) {
	sched := &fakeScheduler{initialReport: &pipeline.RunReport{Status: domain.RunStatusSuccess}}
	h := NewHandlers(sched, newFakeTokenManager(), nil)

	body, err := json.Marshal(runInitialRequest{DryRun: true, DeleteExtraRecords: true})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/sync-configs/cfg1/initial-run?userId=user1", bytes.NewReader(body))
	req = withVars(req, map[string]string{"syncConfigId": "cfg1"})
	req = withAuthUser(req, "user1")
	rec := httptest.NewRecorder()

	h.HandleRunInitial(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, sched.lastOpts.DryRun)
	assert.True(t, sched.lastOpts.DeleteExtraRecords)
}

func TestHandleRunScheduled_ReturnsJobSummary(t *testing.T) {
	started := time.Now()
	sched := &fakeScheduler{scheduledJob: scheduler.JobSummary{StartedAt: started, Results: []scheduler.RunResult{{SyncConfigID: "cfg1"}}}}
	h := NewHandlers(sched, newFakeTokenManager(), nil)

	req := httptest.NewRequest(http.MethodPost, "/scheduler/run", nil)
	rec := httptest.NewRecorder()

	h.HandleRunScheduled(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var summary scheduler.JobSummary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&summary))
	require.Len(t, summary.Results, 1)
	assert.Equal(t, "cfg1", summary.Results[0].SyncConfigID)
}

func TestHandleResolveConnectionStatus_ReturnsBothProviders(t *testing.T) {
	tokens := newFakeTokenManager()
	tokens.status[domain.ProviderSor] = token.ConnStatus{Connected: true}
	tokens.status[domain.ProviderGrid] = token.ConnStatus{Connected: true, NeedsReauth: true}
	h := NewHandlers(&fakeScheduler{}, tokens, nil)

	req := httptest.NewRequest(http.MethodGet, "/users/user1/connections", nil)
	req = withVars(req, map[string]string{"userId": "user1"})
	req = withAuthUser(req, "user1")
	rec := httptest.NewRecorder()

	h.HandleResolveConnectionStatus(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp connectionStatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Sor.Connected)
	assert.True(t, resp.Grid.NeedsReauth)
}

func TestHandleResolveConnectionStatus_BothMissingReturns404(t *testing.T) {
	tokens := newFakeTokenManager()
	tokens.statusErr[domain.ProviderSor] = errors.New("not found")
	tokens.statusErr[domain.ProviderGrid] = errors.New("not found")
	h := NewHandlers(&fakeScheduler{}, tokens, nil)

	req := httptest.NewRequest(http.MethodGet, "/users/user1/connections", nil)
	req = withVars(req, map[string]string{"userId": "user1"})
	req = withAuthUser(req, "user1")
	rec := httptest.NewRecorder()

	h.HandleResolveConnectionStatus(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleMarkReauthRequired_Success(t *testing.T) {
	tokens := newFakeTokenManager()
	h := NewHandlers(&fakeScheduler{}, tokens, nil)

	body, err := json.Marshal(markReauthRequest{Provider: domain.ProviderSor, Reason: "revoked by user"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/users/user1/connections/reauth", bytes.NewReader(body))
	req = withVars(req, map[string]string{"userId": "user1"})
	req = withAuthUser(req, "user1")
	rec := httptest.NewRecorder()

	h.HandleMarkReauthRequired(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, tokens.reauthFor, 1)
	assert.Equal(t, domain.ProviderSor, tokens.reauthFor[0])
}

func TestHandleMarkReauthRequired_RejectsMissingReason(t *testing.T) {
	h := NewHandlers(&fakeScheduler{}, newFakeTokenManager(), nil)

	body, err := json.Marshal(markReauthRequest{Provider: domain.ProviderSor})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/users/user1/connections/reauth", bytes.NewReader(body))
	req = withVars(req, map[string]string{"userId": "user1"})
	req = withAuthUser(req, "user1")
	rec := httptest.NewRecorder()

	h.HandleMarkReauthRequired(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleHealth_ReturnsHealthy(t *testing.T) {
	h := NewHandlers(&fakeScheduler{}, newFakeTokenManager(), nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	h.HandleHealth(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
