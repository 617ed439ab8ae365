// Package linkedrecord resolves SOR linked-record ids to display names and
// back, backed by internal/cache's two-tier LRU+Redis cache so warm
// lookups survive process restarts (spec §4.4).
package linkedrecord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/reoxt/basesync/internal/cache"
	"github.com/reoxt/basesync/internal/domain"
	"github.com/reoxt/basesync/internal/sorclient"
)

// DefaultTTL is the cache lifetime for a linked table's id/name maps
// (spec §4.4 "TTL default 5 minutes").
const DefaultTTL = 5 * time.Minute

type tableCache struct {
	IDToName map[string]string `json:"idToName"`
	NameToID map[string]string `json:"nameToId"`
}

// Resolver implements typemapper.LinkedRecordResolver against a live
// SorClient.
type Resolver struct {
	sor    sorclient.Client
	cache  cache.Cache
	ttl    time.Duration
	token  string
	logger *slog.Logger

	loading sync.Map // map[string]*sync.Mutex, serializes concurrent preloads per table key
}

// New returns a Resolver bound to token, the access token of the run that
// constructed it. A Resolver is cheap and short-lived: one per pipeline
// run, not shared across users.
func New(sor sorclient.Client, c cache.Cache, token string, ttl time.Duration, logger *slog.Logger) *Resolver {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{sor: sor, cache: c, ttl: ttl, token: token, logger: logger}
}

func cacheKey(baseID, linkedTableID string) string {
	return fmt.Sprintf("linked:%s:%s", baseID, linkedTableID)
}

// PreloadTable warms the cache for (baseID, linkedTableID), deduping
// concurrent preloads for the same key made through this Resolver (spec §4.4
// "warms the cache for a configuration's first use").
func (r *Resolver) PreloadTable(ctx context.Context, baseID, linkedTableID string) error {
	key := cacheKey(baseID, linkedTableID)
	lockIface, _ := r.loading.LoadOrStore(key, &sync.Mutex{})
	lock := lockIface.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	if _, err := cache.GetJSON[tableCache](ctx, r.cache, key); err == nil {
		return nil
	}
	return r.reload(ctx, baseID, linkedTableID)
}

func (r *Resolver) reload(ctx context.Context, baseID, linkedTableID string) error {
	records, err := r.sor.ListRecords(ctx, baseID, linkedTableID, r.token, sorclient.ListOptions{})
	if err != nil {
		return fmt.Errorf("preload linked table %s: %w", linkedTableID, err)
	}

	primaryFieldID := r.primaryFieldID(ctx, baseID, linkedTableID)

	tc := tableCache{IDToName: make(map[string]string, len(records)), NameToID: make(map[string]string, len(records))}
	for _, rec := range records {
		name := primaryFieldValue(rec, primaryFieldID)
		tc.IDToName[rec.ID] = name
		tc.NameToID[strings.ToLower(name)] = rec.ID
	}
	return cache.SetJSON(ctx, r.cache, cacheKey(baseID, linkedTableID), tc, r.ttl)
}

func (r *Resolver) primaryFieldID(ctx context.Context, baseID, linkedTableID string) string {
	tables, err := r.sor.ListTables(ctx, baseID, r.token)
	if err != nil {
		r.logger.Warn("failed to resolve primary field for linked table", "table", linkedTableID, "error", err)
		return ""
	}
	return tables[linkedTableID].PrimaryFieldID
}

func primaryFieldValue(rec domain.SorRecord, primaryFieldID string) string {
	if primaryFieldID != "" {
		if v, ok := rec.Fields[primaryFieldID]; ok {
			return fmt.Sprint(v)
		}
	}
	for _, v := range rec.Fields {
		return fmt.Sprint(v)
	}
	return ""
}

func (r *Resolver) load(ctx context.Context, baseID, linkedTableID string) (tableCache, error) {
	if tc, err := cache.GetJSON[tableCache](ctx, r.cache, cacheKey(baseID, linkedTableID)); err == nil {
		return tc, nil
	}
	if err := r.reload(ctx, baseID, linkedTableID); err != nil {
		return tableCache{}, err
	}
	return cache.GetJSON[tableCache](ctx, r.cache, cacheKey(baseID, linkedTableID))
}

// ResolveIdsToNames implements typemapper.LinkedRecordResolver (spec §4.4).
// An id the linked table no longer has is always reported in missing;
// when strictMode is false, it is also passed through verbatim into
// resolved instead of being dropped, so the caller's rendered value still
// carries something recognizable rather than going silently blank.
func (r *Resolver) ResolveIdsToNames(ctx context.Context, baseID, linkedTableID string, ids []string, strictMode bool) ([]string, []string, []string, error) {
	tc, err := r.load(ctx, baseID, linkedTableID)
	if err != nil {
		return nil, nil, nil, err
	}

	var resolved, missing, warnings []string
	for _, id := range ids {
		if name, ok := tc.IDToName[id]; ok {
			resolved = append(resolved, name)
			continue
		}
		missing = append(missing, id)
		if !strictMode {
			resolved = append(resolved, id)
		}
	}
	if len(missing) > 0 {
		warnings = append(warnings, fmt.Sprintf("%d linked record id(s) not found in table %s", len(missing), linkedTableID))
	}
	return resolved, missing, warnings, nil
}

// ResolveNamesToIds implements typemapper.LinkedRecordResolver (spec §4.4).
// On a miss with createMissing set, the missing names are created in the
// linked table and the cache updated immediately, so a later lookup within
// this same run sees them (spec §4.4 invariant).
func (r *Resolver) ResolveNamesToIds(ctx context.Context, baseID, linkedTableID string, names []string, createMissing bool) ([]string, []string, []string, error) {
	tc, err := r.load(ctx, baseID, linkedTableID)
	if err != nil {
		return nil, nil, nil, err
	}

	var resolved, missing []string
	var toCreate []string
	for _, name := range names {
		if id, ok := tc.NameToID[strings.ToLower(name)]; ok {
			resolved = append(resolved, id)
			continue
		}
		missing = append(missing, name)
		toCreate = append(toCreate, name)
	}

	if !createMissing || len(toCreate) == 0 {
		var warnings []string
		if len(missing) > 0 {
			warnings = append(warnings, fmt.Sprintf("%d linked record name(s) not found in table %s", len(missing), linkedTableID))
		}
		return resolved, missing, warnings, nil
	}

	created, err := r.createMissing(ctx, baseID, linkedTableID, toCreate, &tc)
	if err != nil {
		return resolved, missing, nil, err
	}
	resolved = append(resolved, created...)

	if err := cache.SetJSON(ctx, r.cache, cacheKey(baseID, linkedTableID), tc, r.ttl); err != nil {
		r.logger.Warn("failed to refresh linked record cache after create", "table", linkedTableID, "error", err)
	}
	return resolved, nil, []string{fmt.Sprintf("created %d new linked record(s) in table %s", len(created), linkedTableID)}, nil
}

func (r *Resolver) createMissing(ctx context.Context, baseID, linkedTableID string, names []string, tc *tableCache) ([]string, error) {
	primaryFieldID := r.primaryFieldID(ctx, baseID, linkedTableID)

	var createdIDs []string
	for start := 0; start < len(names); start += sorclient.MaxBatchSize {
		end := start + sorclient.MaxBatchSize
		if end > len(names) {
			end = len(names)
		}
		batch := make([]domain.SorRecord, 0, end-start)
		for _, name := range names[start:end] {
			batch = append(batch, domain.SorRecord{Fields: map[string]interface{}{primaryFieldID: name}})
		}
		createdRecords, err := r.sor.CreateRecords(ctx, baseID, linkedTableID, r.token, batch)
		if err != nil {
			return createdIDs, fmt.Errorf("create missing linked records: %w", err)
		}
		for _, rec := range createdRecords {
			name := primaryFieldValue(rec, primaryFieldID)
			tc.IDToName[rec.ID] = name
			tc.NameToID[strings.ToLower(name)] = rec.ID
			createdIDs = append(createdIDs, rec.ID)
		}
	}
	return createdIDs, nil
}
