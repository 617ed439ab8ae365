package domain

import (
	"fmt"
	"time"
)

// SyncDirection selects which pipeline a SyncConfig runs (spec §3/§4.7).
type SyncDirection string

const (
	DirectionSorToGrid    SyncDirection = "SOR_TO_GRID"
	DirectionGridToSor    SyncDirection = "GRID_TO_SOR"
	DirectionBidirectional SyncDirection = "BIDIRECTIONAL"
)

// ConflictStrategy selects how BidirectionalPipeline resolves conflicts
// (spec §4.6).
type ConflictStrategy string

const (
	StrategySorWins    ConflictStrategy = "SOR_WINS"
	StrategyGridWins   ConflictStrategy = "GRID_WINS"
	StrategyNewestWins ConflictStrategy = "NEWEST_WINS"
)

// SyncStatus is the last-observed outcome of a SyncConfig's most recent run.
type SyncStatus string

const (
	SyncStatusSuccess SyncStatus = "SUCCESS"
	SyncStatusPartial SyncStatus = "PARTIAL"
	SyncStatusFailed  SyncStatus = "FAILED"
	SyncStatusSkipped SyncStatus = "SKIPPED"
)

// FieldMapping pairs a SOR field id with the zero-based grid column it is
// written to. Column 26 ("AA") is reserved for the record id and must never
// appear here (spec §4.7).
type FieldMapping struct {
	SorFieldID  string
	ColumnIndex int
}

// ReservedIDColumnIndex is the grid's 27th column (letter "AA"), reserved
// for the originating SOR record id (spec §4.7).
const ReservedIDColumnIndex = 26

// SyncConfig is one configured pairing between a SOR table and a grid
// worksheet, owned by a User (spec §3).
type SyncConfig struct {
	ID               string
	UserID           string
	Name             string
	SorBaseID        string
	SorTableID       string
	SorViewID        string
	GridWorkbookID   string
	GridSheetID      string
	FieldMappings    []FieldMapping
	Direction        SyncDirection
	ConflictStrategy ConflictStrategy
	IsActive         bool
	LastSyncAt       *time.Time
	LastSyncStatus   SyncStatus
	LastErrorAt      *time.Time
	LastErrorMessage string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Validate checks the invariants spec §3 places on SyncConfig: unique,
// non-negative column indices and a conflict strategy whenever the
// direction is bidirectional.
func (c *SyncConfig) Validate() error {
	seen := make(map[int]string, len(c.FieldMappings))
	for _, m := range c.FieldMappings {
		if m.ColumnIndex < 0 {
			return fmt.Errorf("field mapping %q has negative column index %d", m.SorFieldID, m.ColumnIndex)
		}
		if m.ColumnIndex == ReservedIDColumnIndex {
			return fmt.Errorf("field mapping %q uses the reserved id column (index %d)", m.SorFieldID, ReservedIDColumnIndex)
		}
		if prev, ok := seen[m.ColumnIndex]; ok {
			return fmt.Errorf("column index %d used by both %q and %q", m.ColumnIndex, prev, m.SorFieldID)
		}
		seen[m.ColumnIndex] = m.SorFieldID
	}

	if c.Direction == DirectionBidirectional && c.ConflictStrategy == "" {
		return fmt.Errorf("bidirectional sync config %q requires a conflict strategy", c.ID)
	}

	return nil
}

// ColumnFor returns the grid column index mapped to a SOR field id, if any.
func (c *SyncConfig) ColumnFor(sorFieldID string) (int, bool) {
	for _, m := range c.FieldMappings {
		if m.SorFieldID == sorFieldID {
			return m.ColumnIndex, true
		}
	}
	return 0, false
}

// OrderedMappings returns FieldMappings sorted by ColumnIndex, the order
// the header row and row writes must follow (spec §4.7 "Header row").
func (c *SyncConfig) OrderedMappings() []FieldMapping {
	out := make([]FieldMapping, len(c.FieldMappings))
	copy(out, c.FieldMappings)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].ColumnIndex < out[j-1].ColumnIndex; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
