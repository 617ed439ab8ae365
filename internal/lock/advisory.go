// Package lock enforces single-flight execution per sync config, grounded
// on the teacher's internal/infrastructure/lock distributed-lock package
// but backed by Postgres advisory locks instead of Redis: the sync engine
// already holds a pool connection per run, and a run's exclusivity only
// needs to span that one process group, not a separate lock service.
package lock

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

// Config mirrors the teacher's LockConfig, trimmed to the knobs the
// single-flight scheduler actually uses.
type Config struct {
	AcquireTimeout time.Duration
	RetryInterval  time.Duration
}

func DefaultConfig() Config {
	return Config{AcquireTimeout: 5 * time.Second, RetryInterval: 100 * time.Millisecond}
}

// advisoryKey maps a sync config's id onto the bigint pg_advisory_lock
// wants. Collisions are possible but astronomically unlikely across a
// tenant's sync config count; a false positive would just serialize two
// unrelated configs' runs, not corrupt data.
func advisoryKey(syncConfigID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(syncConfigID))
	v := int64(h.Sum64())
	if v < 0 {
		v = -v
	}
	return v
}

// Manager single-flights runs per sync config. A run first takes the
// in-process mutex (cheap, avoids a round-trip when this same process is
// already running that config) then the Postgres advisory lock (covers
// other server replicas).
type Manager struct {
	pool    PoolQuerier
	config  Config
	logger  *slog.Logger
	localMu sync.Map // map[string]*sync.Mutex
}

// PoolQuerier is satisfied by *postgres.Pool; declared locally to avoid an
// import cycle between lock and database/postgres.
type PoolQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func NewManager(pool PoolQuerier, config Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{pool: pool, config: config, logger: logger}
}

// Handle represents a held lock. Release must be called exactly once.
type Handle struct {
	syncConfigID string
	key          int64
	local        *sync.Mutex
	manager      *Manager
}

// TryAcquire attempts to take the lock for syncConfigID without blocking.
// Returns (nil, false, nil) if another run already holds it.
func (m *Manager) TryAcquire(ctx context.Context, syncConfigID string) (*Handle, bool, error) {
	localLock, _ := m.localMu.LoadOrStore(syncConfigID, &sync.Mutex{})
	mu := localLock.(*sync.Mutex)
	if !mu.TryLock() {
		return nil, false, nil
	}

	key := advisoryKey(syncConfigID)
	var acquired bool
	row := m.pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key)
	if err := row.Scan(&acquired); err != nil {
		mu.Unlock()
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		mu.Unlock()
		return nil, false, nil
	}

	m.logger.Debug("acquired sync lock", "sync_config_id", syncConfigID, "advisory_key", key)
	return &Handle{syncConfigID: syncConfigID, key: key, local: mu, manager: m}, true, nil
}

// Release drops both the advisory lock and the in-process mutex.
func (h *Handle) Release(ctx context.Context) error {
	var released bool
	row := h.manager.pool.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", h.key)
	err := row.Scan(&released)
	h.local.Unlock()
	if err != nil {
		return fmt.Errorf("release advisory lock: %w", err)
	}
	if !released {
		h.manager.logger.Warn("advisory lock was not held at release time", "sync_config_id", h.syncConfigID)
	}
	return nil
}
