package domain

import "time"

// RecordKey is the SOR record id when known, or a synthetic "row_<index>"
// for a grid row never matched to a SOR record (spec glossary).
type RecordKey string

// HashEntry is one record's last-observed content hash.
type HashEntry struct {
	ContentHash    string
	CapturedAt     time.Time
	SorModifiedAt  *time.Time
	GridModifiedAt *time.Time
}

// HashSnapshot is the per-SyncConfig state the ConflictDetector compares
// current hashes against (spec §3/§4.5).
type HashSnapshot struct {
	SyncConfigID string
	Entries      map[RecordKey]HashEntry
	LastSyncTime time.Time
}

// NewHashSnapshot returns an empty snapshot, the state a SyncConfig starts
// with before its first run (spec §4.5 "no prior snapshot exists").
func NewHashSnapshot(syncConfigID string) *HashSnapshot {
	return &HashSnapshot{
		SyncConfigID: syncConfigID,
		Entries:      make(map[RecordKey]HashEntry),
	}
}

// UsageStats is the monthly per-user counter row (spec §3).
type UsageStats struct {
	UserID            string
	Month             time.Time // first day of the calendar month, UTC
	RecordsSynced     int
	SyncConfigsCreated int
}

// MonthOf returns the first day of t's calendar month in UTC, the key
// UsageTracker upserts against (spec §4.9).
func MonthOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}
