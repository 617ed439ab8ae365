package token

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reoxt/basesync/internal/crypto"
	"github.com/reoxt/basesync/internal/domain"
)

type fakeStore struct {
	mu          sync.Mutex
	conns       map[string]*domain.Connection
	reauthCalls int
}

func newFakeStore(conns ...*domain.Connection) *fakeStore {
	s := &fakeStore{conns: make(map[string]*domain.Connection)}
	for _, c := range conns {
		s.conns[storeKey(c.UserID, c.Provider)] = c
	}
	return s
}

func storeKey(userID string, provider domain.Provider) string { return string(provider) + ":" + userID }

func (s *fakeStore) Get(ctx context.Context, userID string, provider domain.Provider) (*domain.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[storeKey(userID, provider)]
	if !ok {
		return nil, assert.AnError
	}
	cp := *c
	return &cp, nil
}

func (s *fakeStore) Upsert(ctx context.Context, c *domain.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.conns[storeKey(c.UserID, c.Provider)] = &cp
	return nil
}

func (s *fakeStore) MarkNeedsReauth(ctx context.Context, userID string, provider domain.Provider, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reauthCalls++
	if c, ok := s.conns[storeKey(userID, provider)]; ok {
		c.NeedsReauth = true
		c.LastRefreshError = reason
	}
	return nil
}

func newEncryption(t *testing.T) *crypto.Service {
	t.Helper()
	svc, err := crypto.NewService(make([]byte, crypto.KeySize))
	require.NoError(t, err)
	return svc
}

// tokenServer fakes an OAuth refresh-token endpoint. responses is consumed
// in order; the last entry repeats once exhausted.
func tokenServer(t *testing.T, responses ...func(w http.ResponseWriter)) *httptest.Server {
	t.Helper()
	var calls int32
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		i := atomic.AddInt32(&calls, 1) - 1
		idx := int(i)
		if idx >= len(responses) {
			idx = len(responses) - 1
		}
		responses[idx](w)
	}))
}

func jsonToken(w http.ResponseWriter, accessToken string, expiresIn int) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"access_token": accessToken,
		"token_type":   "Bearer",
		"expires_in":   expiresIn,
		"refresh_token": "new-refresh",
	})
}

func TestManager_GetValidToken_ReturnsStoredTokenWhenFresh(t *testing.T) {
	enc := newEncryption(t)
	accessEnc, err := enc.Encrypt("fresh-access")
	require.NoError(t, err)

	store := newFakeStore(&domain.Connection{
		UserID: "u1", Provider: domain.ProviderSor,
		EncryptedAccessToken: accessEnc,
		TokenExpiry:          time.Now().Add(time.Hour),
	})
	m := NewManager(store, enc, nil, nil)

	got, err := m.GetValidToken(context.Background(), "u1", domain.ProviderSor)
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", got)
}

func TestManager_GetValidToken_NeedsReauthIsRejectedUpfront(t *testing.T) {
	enc := newEncryption(t)
	store := newFakeStore(&domain.Connection{UserID: "u1", Provider: domain.ProviderSor, NeedsReauth: true})
	m := NewManager(store, enc, nil, nil)

	_, err := m.GetValidToken(context.Background(), "u1", domain.ProviderSor)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNeedsReauth)
}

func TestManager_GetValidToken_RefreshesWhenNearExpiry(t *testing.T) {
	enc := newEncryption(t)
	refreshEnc, err := enc.Encrypt("refresh-tok")
	require.NoError(t, err)

	srv := tokenServer(t, func(w http.ResponseWriter) { jsonToken(w, "refreshed-access", 3600) })
	defer srv.Close()

	store := newFakeStore(&domain.Connection{
		UserID: "u1", Provider: domain.ProviderSor,
		EncryptedRefreshToken: refreshEnc,
		TokenExpiry:           time.Now().Add(time.Minute),
	})
	m := NewManager(store, enc, map[domain.Provider]OAuthConfig{
		domain.ProviderSor: {ClientID: "id", ClientSecret: "secret", TokenURL: srv.URL},
	}, nil)

	got, err := m.GetValidToken(context.Background(), "u1", domain.ProviderSor)
	require.NoError(t, err)
	assert.Equal(t, "refreshed-access", got)

	stored, err := store.Get(context.Background(), "u1", domain.ProviderSor)
	require.NoError(t, err)
	assert.False(t, stored.NeedsReauth)
	plain, err := enc.Decrypt(stored.EncryptedAccessToken)
	require.NoError(t, err)
	assert.Equal(t, "refreshed-access", plain)
}

func TestManager_Refresh_OAuthTerminalMarksNeedsReauth(t *testing.T) {
	enc := newEncryption(t)
	refreshEnc, err := enc.Encrypt("refresh-tok")
	require.NoError(t, err)

	srv := tokenServer(t, func(w http.ResponseWriter) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
	})
	defer srv.Close()

	store := newFakeStore(&domain.Connection{
		UserID: "u1", Provider: domain.ProviderSor,
		EncryptedRefreshToken: refreshEnc,
		TokenExpiry:           time.Now().Add(time.Minute),
	})
	m := NewManager(store, enc, map[domain.Provider]OAuthConfig{
		domain.ProviderSor: {ClientID: "id", ClientSecret: "secret", TokenURL: srv.URL},
	}, nil)

	_, err = m.GetValidToken(context.Background(), "u1", domain.ProviderSor)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNeedsReauth)
	assert.Equal(t, 1, store.reauthCalls)
}

func TestManager_GetValidToken_ConcurrentCallersShareOneRefresh(t *testing.T) {
	enc := newEncryption(t)
	refreshEnc, err := enc.Encrypt("refresh-tok")
	require.NoError(t, err)

	var refreshCount int32
	srv := tokenServer(t, func(w http.ResponseWriter) {
		atomic.AddInt32(&refreshCount, 1)
		time.Sleep(20 * time.Millisecond)
		jsonToken(w, "shared-access", 3600)
	})
	defer srv.Close()

	store := newFakeStore(&domain.Connection{
		UserID: "u1", Provider: domain.ProviderSor,
		EncryptedRefreshToken: refreshEnc,
		TokenExpiry:           time.Now().Add(time.Minute),
	})
	m := NewManager(store, enc, map[domain.Provider]OAuthConfig{
		domain.ProviderSor: {ClientID: "id", ClientSecret: "secret", TokenURL: srv.URL},
	}, nil)

	var wg sync.WaitGroup
	results := make([]string, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := m.GetValidToken(context.Background(), "u1", domain.ProviderSor)
			require.NoError(t, err)
			results[i] = tok
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, "shared-access", r)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&refreshCount), "concurrent callers for the same key must coalesce into one refresh")
}

func TestManager_Status_ReportsConnectionHealth(t *testing.T) {
	enc := newEncryption(t)
	expiry := time.Now().Add(time.Hour)
	store := newFakeStore(&domain.Connection{
		UserID: "u1", Provider: domain.ProviderGrid,
		TokenExpiry: expiry, LastRefreshError: "previous timeout",
	})
	m := NewManager(store, enc, nil, nil)

	status, err := m.Status(context.Background(), "u1", domain.ProviderGrid)
	require.NoError(t, err)
	assert.True(t, status.Connected)
	assert.False(t, status.NeedsReauth)
	assert.Equal(t, expiry, status.ExpiresAt)
	assert.Equal(t, "previous timeout", status.LastError)
}

func TestManager_Status_PropagatesStoreError(t *testing.T) {
	enc := newEncryption(t)
	m := NewManager(newFakeStore(), enc, nil, nil)

	_, err := m.Status(context.Background(), "missing", domain.ProviderSor)
	assert.Error(t, err)
}

func TestManager_MarkReauthRequired_UpdatesStore(t *testing.T) {
	enc := newEncryption(t)
	store := newFakeStore(&domain.Connection{UserID: "u1", Provider: domain.ProviderSor})
	m := NewManager(store, enc, nil, nil)

	err := m.MarkReauthRequired(context.Background(), "u1", domain.ProviderSor, "user revoked access")
	require.NoError(t, err)
	assert.Equal(t, 1, store.reauthCalls)
}
