// Package token produces valid SOR/Grid access tokens and keeps stored
// OAuth credentials healthy, serializing concurrent refreshes for the same
// (userId, provider) the way the teacher's refresh_worker.go serializes
// its own background refresh with a hand-rolled in-progress guard — here
// generalized into a proper share-the-result wait since multiple pipeline
// runs may race on the same connection (spec §4.2).
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/reoxt/basesync/internal/crypto"
	"github.com/reoxt/basesync/internal/domain"
	"github.com/reoxt/basesync/internal/resilience"
	"github.com/reoxt/basesync/pkg/metrics"
)

// RefreshWindow is how far ahead of expiry GetValidToken still trusts the
// stored access token (spec §4.2 step 2).
const RefreshWindow = 5 * time.Minute

const maxRefreshAttempts = 3

// ErrNeedsReauth is returned when a connection's stored credential is
// already known to be broken, or just became so during refresh (spec §4.2
// steps 1 and 5).
var ErrNeedsReauth = errors.New("token: connection needs reauthorization")

// ConnectionStore is the persistence seam TokenManager reads/writes
// through; satisfied by internal/repository.ConnectionRepository.
type ConnectionStore interface {
	Get(ctx context.Context, userID string, provider domain.Provider) (*domain.Connection, error)
	Upsert(ctx context.Context, c *domain.Connection) error
	MarkNeedsReauth(ctx context.Context, userID string, provider domain.Provider, reason string) error
}

// OAuthConfig is the per-provider client registration TokenManager
// exchanges refresh tokens against.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
}

func (c OAuthConfig) toOauth2() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: c.TokenURL},
	}
}

// Manager is the TokenManager of spec §4.2.
type Manager struct {
	connections ConnectionStore
	encryption  *crypto.Service
	configs     map[domain.Provider]OAuthConfig
	logger      *slog.Logger
	metrics     *metrics.Metrics

	mu    sync.Mutex
	calls map[string]*call
}

// WithMetrics attaches an optional metrics collector; a Manager without
// one skips instrumentation entirely. Returns m for chaining at
// construction time.
func (m *Manager) WithMetrics(mx *metrics.Metrics) *Manager {
	m.metrics = mx
	return m
}

type call struct {
	wg    sync.WaitGroup
	token string
	err   error
}

func NewManager(connections ConnectionStore, encryption *crypto.Service, configs map[domain.Provider]OAuthConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{connections: connections, encryption: encryption, configs: configs, logger: logger, calls: make(map[string]*call)}
}

// GetValidToken returns a valid access token for (userID, provider),
// refreshing the stored credential if it's within RefreshWindow of expiry.
// Concurrent callers for the same key block on, and share, one refresh
// (spec §4.2 "Concurrency").
func (m *Manager) GetValidToken(ctx context.Context, userID string, provider domain.Provider) (string, error) {
	key := string(provider) + ":" + userID

	m.mu.Lock()
	if c, ok := m.calls[key]; ok {
		m.mu.Unlock()
		c.wg.Wait()
		return c.token, c.err
	}
	c := &call{}
	c.wg.Add(1)
	m.calls[key] = c
	m.mu.Unlock()

	token, err := m.getValidTokenOnce(ctx, userID, provider)
	c.token, c.err = token, err
	c.wg.Done()

	m.mu.Lock()
	delete(m.calls, key)
	m.mu.Unlock()

	return token, err
}

func (m *Manager) getValidTokenOnce(ctx context.Context, userID string, provider domain.Provider) (string, error) {
	conn, err := m.connections.Get(ctx, userID, provider)
	if err != nil {
		return "", fmt.Errorf("load %s connection: %w", provider, err)
	}
	if conn.NeedsReauth {
		return "", fmt.Errorf("%w: %s", ErrNeedsReauth, provider)
	}

	if time.Now().Add(RefreshWindow).Before(conn.TokenExpiry) {
		return m.decrypt(conn.EncryptedAccessToken)
	}

	return m.refresh(ctx, conn)
}

// refresh exchanges the stored refresh token for a new access token, up to
// maxRefreshAttempts with a 1s·attempt backoff (spec §4.2 step 3).
func (m *Manager) refresh(ctx context.Context, conn *domain.Connection) (string, error) {
	cfg, ok := m.configs[conn.Provider]
	if !ok {
		return "", fmt.Errorf("token: no oauth config registered for provider %s", conn.Provider)
	}
	refreshToken, err := m.decrypt(conn.EncryptedRefreshToken)
	if err != nil {
		return "", fmt.Errorf("decrypt refresh token: %w", err)
	}

	var newToken *oauth2.Token
	var lastErr error
	for attempt := 1; attempt <= maxRefreshAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt-1) * time.Second):
			}
		}

		src := cfg.toOauth2().TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
		newToken, lastErr = src.Token()
		if lastErr == nil {
			break
		}
		if resilience.IsOAuthTerminal(lastErr.Error()) {
			m.markNeedsReauth(ctx, conn, lastErr)
			m.recordRefresh(conn.Provider, "needs_reauth")
			return "", fmt.Errorf("%w: %s: %v", ErrNeedsReauth, conn.Provider, lastErr)
		}
		m.logger.Warn("token refresh attempt failed", "provider", conn.Provider, "user_id", conn.UserID, "attempt", attempt, "error", lastErr)
	}
	if lastErr != nil {
		m.recordRefreshError(ctx, conn, lastErr)
		m.recordRefresh(conn.Provider, "failed")
		return "", fmt.Errorf("refresh %s token: %w", conn.Provider, lastErr)
	}

	token, err := m.persistRefreshed(ctx, conn, newToken)
	if err != nil {
		m.recordRefresh(conn.Provider, "persist_failed")
		return "", err
	}
	m.recordRefresh(conn.Provider, "success")
	return token, nil
}

func (m *Manager) recordRefresh(provider domain.Provider, outcome string) {
	if m.metrics != nil {
		m.metrics.TokenRefreshTotal.WithLabelValues(string(provider), outcome).Inc()
	}
}

func (m *Manager) persistRefreshed(ctx context.Context, conn *domain.Connection, newToken *oauth2.Token) (string, error) {
	encAccess, err := m.encryption.Encrypt(newToken.AccessToken)
	if err != nil {
		return "", fmt.Errorf("encrypt access token: %w", err)
	}
	encRefresh := conn.EncryptedRefreshToken
	if newToken.RefreshToken != "" {
		encRefresh, err = m.encryption.Encrypt(newToken.RefreshToken)
		if err != nil {
			return "", fmt.Errorf("encrypt refresh token: %w", err)
		}
	}

	updated := *conn
	updated.EncryptedAccessToken = encAccess
	updated.EncryptedRefreshToken = encRefresh
	updated.TokenExpiry = newToken.Expiry
	updated.NeedsReauth = false
	updated.LastRefreshError = ""
	now := time.Now()
	updated.LastRefreshAttempt = &now

	if err := m.connections.Upsert(ctx, &updated); err != nil {
		return "", fmt.Errorf("persist refreshed token: %w", err)
	}
	return newToken.AccessToken, nil
}

// markNeedsReauth handles spec §4.2 step 5: a response matching
// invalid_grant/revoked/expired/unauthorized/invalid_client is terminal.
func (m *Manager) markNeedsReauth(ctx context.Context, conn *domain.Connection, cause error) {
	if err := m.connections.MarkNeedsReauth(ctx, conn.UserID, conn.Provider, cause.Error()); err != nil {
		m.logger.Error("failed to persist needsReauth", "provider", conn.Provider, "user_id", conn.UserID, "error", err)
	}
}

func (m *Manager) recordRefreshError(ctx context.Context, conn *domain.Connection, cause error) {
	updated := *conn
	updated.LastRefreshError = cause.Error()
	now := time.Now()
	updated.LastRefreshAttempt = &now
	if err := m.connections.Upsert(ctx, &updated); err != nil {
		m.logger.Error("failed to persist refresh error", "provider", conn.Provider, "user_id", conn.UserID, "error", err)
	}
}

// ConnStatus summarizes a connection's health for the ResolveConnectionStatus
// external interface (spec §6), without minting a token.
type ConnStatus struct {
	Connected   bool
	NeedsReauth bool
	ExpiresAt   time.Time
	LastError   string
}

// Status reports a (userID, provider) connection's health (spec §6
// "ResolveConnectionStatus(userId) -> {sor: ConnStatus, grid: ConnStatus}").
func (m *Manager) Status(ctx context.Context, userID string, provider domain.Provider) (ConnStatus, error) {
	conn, err := m.connections.Get(ctx, userID, provider)
	if err != nil {
		return ConnStatus{}, err
	}
	return ConnStatus{
		Connected:   true,
		NeedsReauth: conn.NeedsReauth,
		ExpiresAt:   conn.TokenExpiry,
		LastError:   conn.LastRefreshError,
	}, nil
}

// MarkReauthRequired forces a connection into needs-reauth state, for when
// the host process learns out-of-band that a grant was revoked (spec §6
// "MarkReauthRequired(userId, provider, reason)").
func (m *Manager) MarkReauthRequired(ctx context.Context, userID string, provider domain.Provider, reason string) error {
	return m.connections.MarkNeedsReauth(ctx, userID, provider, reason)
}

func (m *Manager) decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	plain, err := m.encryption.Decrypt(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decrypt token: %w", err)
	}
	return plain, nil
}
