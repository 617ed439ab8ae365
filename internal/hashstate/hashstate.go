// Package hashstate computes per-record content hashes, classifies
// SOR/grid drift against the last snapshot, and resolves the conflicts
// that classification raises (spec §4.5, §4.6).
package hashstate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/reoxt/basesync/internal/domain"
	"github.com/reoxt/basesync/internal/typemapper"
)

// ContentHash is the SHA-256 hex digest of fields' normalized JSON
// encoding (spec §4.5): keys sorted (encoding/json already sorts map[string]
// keys), values trimmed/rounded/sorted via typemapper.NormalizeForHash. The
// grid row's reserved id column must be excluded by the caller before
// fields reaches here; an empty fields map hashes to the empty-object
// digest and callers should skip empty rows entirely (spec "Empty rows are
// ignored").
func ContentHash(fields map[string]interface{}) string {
	normalized := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		normalized[k] = typemapper.NormalizeForHash(v)
	}
	buf, err := json.Marshal(normalized)
	if err != nil {
		// Marshal of a map built entirely from normalized primitives/slices
		// cannot fail; panicking here would indicate a caller passed an
		// unsupported value type through NormalizeForHash.
		panic("hashstate: content hash marshal: " + err.Error())
	}
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

// Detector classifies the current run's SOR/grid hashes against the last
// HashSnapshot (spec §4.5).
type Detector struct{}

// Detect compares sorHashes and gridHashes (this run's content hashes,
// keyed by record key) against snapshot, returning every conflict that
// needs a ConflictResolver decision plus the full per-key classification
// (used by the pipelines to decide add/update/skip independent of any
// conflict).
func (Detector) Detect(sorHashes, gridHashes map[domain.RecordKey]string, snapshot *domain.HashSnapshot) ([]domain.Conflict, map[domain.RecordKey]domain.ConflictKind) {
	if snapshot == nil {
		snapshot = &domain.HashSnapshot{Entries: map[domain.RecordKey]domain.HashEntry{}}
	}
	noPriorSnapshot := len(snapshot.Entries) == 0

	classifications := make(map[domain.RecordKey]domain.ConflictKind, len(sorHashes)+len(gridHashes))
	var conflicts []domain.Conflict

	for _, key := range unionKeys(sorHashes, gridHashes) {
		sorHash, inSor := sorHashes[key]
		gridHash, inGrid := gridHashes[key]
		prior, hadPrior := snapshot.Entries[key]

		var kind domain.ConflictKind
		switch {
		case inSor && inGrid:
			switch {
			case noPriorSnapshot:
				kind = domain.Unchanged
			case !hadPrior:
				// Both sides independently produced this key in the same
				// run with no baseline to arbitrate from; treat
				// conservatively as a conflict rather than silently
				// picking a side.
				kind = domain.BothModified
			default:
				sorChanged := sorHash != prior.ContentHash
				gridChanged := gridHash != prior.ContentHash
				switch {
				case sorChanged && gridChanged:
					kind = domain.BothModified
				case sorChanged:
					kind = domain.SorOnlyChange
				case gridChanged:
					kind = domain.GridOnlyChange
				default:
					kind = domain.Unchanged
				}
			}

		case inSor && !inGrid:
			if hadPrior {
				kind = domain.DeletedInGrid
			} else {
				kind = domain.NewInSor
			}

		case inGrid && !inSor:
			if hadPrior {
				kind = domain.DeletedInSor
			} else {
				kind = domain.NewInGrid
			}
		}

		classifications[key] = kind
		if kind.IsConflict() {
			conflicts = append(conflicts, domain.Conflict{RecordKey: key, Kind: kind})
		}
	}

	return conflicts, classifications
}

func unionKeys(a, b map[domain.RecordKey]string) []domain.RecordKey {
	seen := make(map[domain.RecordKey]struct{}, len(a)+len(b))
	for k := range a {
		seen[k] = struct{}{}
	}
	for k := range b {
		seen[k] = struct{}{}
	}
	out := make([]domain.RecordKey, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Resolver turns conflicts into decisions per a SyncConfig's
// ConflictStrategy (spec §4.6).
type Resolver struct{}

func (Resolver) Resolve(conflicts []domain.Conflict, strategy domain.ConflictStrategy) []domain.Decision {
	decisions := make([]domain.Decision, 0, len(conflicts))
	for _, c := range conflicts {
		decisions = append(decisions, resolveOne(c, strategy))
	}
	return decisions
}

func resolveOne(c domain.Conflict, strategy domain.ConflictStrategy) domain.Decision {
	switch strategy {
	case domain.StrategySorWins:
		switch c.Kind {
		case domain.BothModified:
			return domain.Decision{RecordKey: c.RecordKey, Action: domain.ActionUseSor, Reason: "sor_wins: both sides modified, SOR takes precedence"}
		case domain.DeletedInGrid:
			return domain.Decision{RecordKey: c.RecordKey, Action: domain.ActionUseSor, Reason: "sor_wins: record deleted in grid, restoring from SOR"}
		case domain.DeletedInSor:
			return domain.Decision{RecordKey: c.RecordKey, Action: domain.ActionDelete, Reason: "sor_wins: record deleted in SOR, deleting from grid"}
		}

	case domain.StrategyGridWins:
		switch c.Kind {
		case domain.BothModified:
			return domain.Decision{RecordKey: c.RecordKey, Action: domain.ActionUseGrid, Reason: "grid_wins: both sides modified, grid takes precedence"}
		case domain.DeletedInSor:
			return domain.Decision{RecordKey: c.RecordKey, Action: domain.ActionUseGrid, Reason: "grid_wins: record deleted in SOR, restoring from grid"}
		case domain.DeletedInGrid:
			return domain.Decision{RecordKey: c.RecordKey, Action: domain.ActionDelete, Reason: "grid_wins: record deleted in grid, deleting from SOR"}
		}

	case domain.StrategyNewestWins:
		switch c.Kind {
		case domain.BothModified:
			return domain.Decision{RecordKey: c.RecordKey, Action: domain.ActionUseSor, Reason: "newest_wins fallback: no cell-level timestamps available, defaulting to SOR"}
		case domain.DeletedInGrid, domain.DeletedInSor:
			return domain.Decision{RecordKey: c.RecordKey, Action: domain.ActionDelete, Reason: "newest_wins: the deleting side wins over an edit"}
		}
	}
	return domain.Decision{RecordKey: c.RecordKey, Action: domain.ActionSkip, Reason: "unrecognized conflict/strategy combination"}
}

// BuildSnapshot constructs the replacement HashSnapshot written at
// stateUpdate / pipeline completion (spec §4.5, §4.7.3): current hashes for
// every key still present after this run's writes, keyed by record key.
func BuildSnapshot(syncConfigID string, hashes map[domain.RecordKey]string, now time.Time) *domain.HashSnapshot {
	entries := make(map[domain.RecordKey]domain.HashEntry, len(hashes))
	for key, hash := range hashes {
		entries[key] = domain.HashEntry{ContentHash: hash, CapturedAt: now}
	}
	return &domain.HashSnapshot{SyncConfigID: syncConfigID, Entries: entries, LastSyncTime: now}
}
