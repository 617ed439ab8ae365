package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/reoxt/basesync/internal/api/middleware"
	"github.com/reoxt/basesync/internal/scheduler"
)

func TestRouter_RejectsUnauthenticatedRequests(t *testing.T) {
	h := NewHandlers(&fakeScheduler{}, newFakeTokenManager(), nil)
	router := NewRouter(h, middleware.APIKeys{"good-key": "user1"}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/scheduler/run", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRouter_AcceptsValidAPIKey(t *testing.T) {
	sched := &fakeScheduler{scheduledJob: scheduler.JobSummary{}}
	h := NewHandlers(sched, newFakeTokenManager(), nil)
	router := NewRouter(h, middleware.APIKeys{"good-key": "user1"}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/scheduler/run", nil)
	req.Header.Set("Authorization", "Bearer good-key")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_HealthRequiresNoAuth(t *testing.T) {
	h := NewHandlers(&fakeScheduler{}, newFakeTokenManager(), nil)
	router := NewRouter(h, middleware.APIKeys{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
