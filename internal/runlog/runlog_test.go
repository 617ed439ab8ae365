package runlog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reoxt/basesync/internal/domain"
	"github.com/reoxt/basesync/internal/pipeline"
)

type fakeStore struct {
	created   []*domain.RunLog
	completed []*domain.RunLog
}

func (f *fakeStore) Create(ctx context.Context, log *domain.RunLog) error {
	f.created = append(f.created, log)
	return nil
}

func (f *fakeStore) Complete(ctx context.Context, log *domain.RunLog) error {
	f.completed = append(f.completed, log)
	return nil
}

type fakeConfigStore struct {
	updated []*domain.SyncConfig
	failErr error
}

func (f *fakeConfigStore) Update(ctx context.Context, c *domain.SyncConfig) error {
	if f.failErr != nil {
		return f.failErr
	}
	f.updated = append(f.updated, c)
	return nil
}

type fakeUsageRecorder struct {
	charged map[string]int
	failErr error
}

func newFakeUsageRecorder() *fakeUsageRecorder {
	return &fakeUsageRecorder{charged: make(map[string]int)}
}

func (f *fakeUsageRecorder) RecordSyncedRecords(ctx context.Context, userID string, when time.Time, count int) error {
	if f.failErr != nil {
		return f.failErr
	}
	f.charged[userID] += count
	return nil
}

func testConfig() *domain.SyncConfig {
	return &domain.SyncConfig{ID: "cfg1", UserID: "user1", Direction: domain.DirectionSorToGrid}
}

func TestLogger_Start_CreatesInFlightRunLog(t *testing.T) {
	store := &fakeStore{}
	logger := New(store, &fakeConfigStore{}, newFakeUsageRecorder(), nil)

	entry := logger.Start(context.Background(), testConfig(), domain.TriggeredScheduled)

	require.Len(t, store.created, 1)
	assert.Equal(t, entry, store.created[0])
	assert.Equal(t, "cfg1", entry.SyncConfigID)
	assert.Equal(t, domain.TriggeredScheduled, entry.TriggeredBy)
	assert.Nil(t, entry.CompletedAt)
	assert.NotEmpty(t, entry.ID)
}

func TestLogger_Finish_CompletesRunLogAndUpdatesConfig(t *testing.T) {
	store := &fakeStore{}
	configs := &fakeConfigStore{}
	usage := newFakeUsageRecorder()
	logger := New(store, configs, usage, nil)

	cfg := testConfig()
	entry := logger.Start(context.Background(), cfg, domain.TriggeredScheduled)
	report := &pipeline.RunReport{Status: domain.RunStatusSuccess, RecordsSynced: 5}

	logger.Finish(context.Background(), cfg, entry, report, false)

	require.Len(t, store.completed, 1)
	assert.Equal(t, domain.RunStatusSuccess, store.completed[0].Status)
	assert.Equal(t, 5, store.completed[0].RecordsSynced)
	assert.NotNil(t, store.completed[0].CompletedAt)

	require.Len(t, configs.updated, 1)
	assert.Equal(t, domain.SyncStatusSuccess, configs.updated[0].LastSyncStatus)
	assert.NotNil(t, configs.updated[0].LastSyncAt)
	assert.Nil(t, configs.updated[0].LastErrorAt)

	assert.Equal(t, 5, usage.charged["user1"])
}

func TestLogger_Finish_DryRunSkipsUsageCharge(t *testing.T) {
	store := &fakeStore{}
	configs := &fakeConfigStore{}
	usage := newFakeUsageRecorder()
	logger := New(store, configs, usage, nil)

	cfg := testConfig()
	entry := logger.Start(context.Background(), cfg, domain.TriggeredInitial)
	report := &pipeline.RunReport{Status: domain.RunStatusSuccess, RecordsSynced: 5}

	logger.Finish(context.Background(), cfg, entry, report, true)

	assert.Empty(t, usage.charged)
}

func TestLogger_Finish_RecordsDominantOAuthError(t *testing.T) {
	store := &fakeStore{}
	configs := &fakeConfigStore{}
	logger := New(store, configs, newFakeUsageRecorder(), nil)

	cfg := testConfig()
	entry := logger.Start(context.Background(), cfg, domain.TriggeredScheduled)
	report := &pipeline.RunReport{
		Status: domain.RunStatusPartial,
		Errors: []domain.RunError{
			{Kind: domain.ErrorKindNetwork, Message: "timed out"},
			{Kind: domain.ErrorKindOAuth, Message: "token expired"},
		},
	}

	logger.Finish(context.Background(), cfg, entry, report, false)

	require.Len(t, configs.updated, 1)
	assert.NotNil(t, configs.updated[0].LastErrorAt)
	assert.Equal(t, "token expired", configs.updated[0].LastErrorMessage)
}

func TestLogger_Skip_MarksConfigSkippedWithoutCreatingRunLog(t *testing.T) {
	store := &fakeStore{}
	configs := &fakeConfigStore{}
	logger := New(store, configs, newFakeUsageRecorder(), nil)

	cfg := testConfig()
	logger.Skip(context.Background(), cfg, "plan_paused:trial_expired")

	assert.Empty(t, store.created)
	require.Len(t, configs.updated, 1)
	assert.Equal(t, domain.SyncStatusSkipped, configs.updated[0].LastSyncStatus)
}

func TestLogger_TokenFailure_ReturnsFailedReportWithOAuthKind(t *testing.T) {
	store := &fakeStore{}
	configs := &fakeConfigStore{}
	logger := New(store, configs, newFakeUsageRecorder(), nil)

	cfg := testConfig()
	report := logger.TokenFailure(context.Background(), cfg, domain.TriggeredScheduled, errors.New("refresh failed: needs reauth"))

	require.NotNil(t, report)
	assert.Equal(t, domain.RunStatusFailed, report.Status)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, domain.ErrorKindOAuth, report.Errors[0].Kind)

	require.Len(t, store.created, 1)
	require.Len(t, store.completed, 1)
	assert.Equal(t, domain.RunStatusFailed, store.completed[0].Status)

	require.Len(t, configs.updated, 1)
	assert.Equal(t, domain.SyncStatusFailed, configs.updated[0].LastSyncStatus)
}

func TestLogger_Finish_LogsErrorButDoesNotPanicWhenStoreFails(t *testing.T) {
	store := &fakeStore{}
	configs := &fakeConfigStore{failErr: errors.New("db down")}
	logger := New(store, configs, newFakeUsageRecorder(), nil)

	cfg := testConfig()
	entry := logger.Start(context.Background(), cfg, domain.TriggeredScheduled)
	report := &pipeline.RunReport{Status: domain.RunStatusSuccess}

	assert.NotPanics(t, func() {
		logger.Finish(context.Background(), cfg, entry, report, false)
	})
}
