package domain

// SorFieldType enumerates the SOR field types the TypeMapper must handle
// (spec §4.3 — exhaustive policy table).
type SorFieldType string

const (
	FieldText             SorFieldType = "text"
	FieldEmail            SorFieldType = "email"
	FieldURL              SorFieldType = "url"
	FieldPhone            SorFieldType = "phone"
	FieldNumber           SorFieldType = "number"
	FieldCurrency         SorFieldType = "currency"
	FieldPercent          SorFieldType = "percent"
	FieldDuration         SorFieldType = "duration"
	FieldRating           SorFieldType = "rating"
	FieldCheckbox         SorFieldType = "checkbox"
	FieldDate             SorFieldType = "date"
	FieldDateTime         SorFieldType = "dateTime"
	FieldSingleSelect     SorFieldType = "singleSelect"
	FieldMultipleSelects  SorFieldType = "multipleSelects"
	FieldLinkedRecords    SorFieldType = "linkedRecords"
	FieldAttachments      SorFieldType = "attachments"
	FieldCollaborator     SorFieldType = "collaborator"
	FieldCollaborators    SorFieldType = "collaborators"
	FieldFormula          SorFieldType = "formula"
	FieldRollup           SorFieldType = "rollup"
	FieldCount            SorFieldType = "count"
	FieldLookup           SorFieldType = "lookup"
	FieldAutoNumber       SorFieldType = "autoNumber"
	FieldCreatedTime      SorFieldType = "createdTime"
	FieldCreatedBy        SorFieldType = "createdBy"
	FieldLastModifiedTime SorFieldType = "lastModifiedTime"
	FieldLastModifiedBy   SorFieldType = "lastModifiedBy"
	FieldButton           SorFieldType = "button"
	FieldBarcode          SorFieldType = "barcode"
)

// readOnlyFieldTypes mirrors the "formula / rollup / count / lookup /
// autoNumber / createdTime / createdBy / lastModifiedTime / lastModifiedBy
// / button" row of spec §4.3's table.
var readOnlyFieldTypes = map[SorFieldType]bool{
	FieldFormula:          true,
	FieldRollup:           true,
	FieldCount:            true,
	FieldLookup:           true,
	FieldAutoNumber:       true,
	FieldCreatedTime:      true,
	FieldCreatedBy:        true,
	FieldLastModifiedTime: true,
	FieldLastModifiedBy:   true,
	FieldButton:           true,
}

// IsReadOnly reports whether a field type can never be written back to the
// SOR (spec §4.3, §8 "For all cells whose SOR field is read-only...").
func (t SorFieldType) IsReadOnly() bool {
	return readOnlyFieldTypes[t]
}

// writeUnsupportedFieldTypes are fields the grid can represent on read but
// that the Grid→SOR direction must warn-and-drop rather than write.
var writeUnsupportedFieldTypes = map[SorFieldType]bool{
	FieldAttachments:   true,
	FieldCollaborator:  true,
	FieldCollaborators: true,
	FieldBarcode:       true,
}

// IsWriteUnsupported reports whether the field is readable but never
// writable via the grid (spec §4.3: attachments/collaborators/barcode).
func (t SorFieldType) IsWriteUnsupported() bool {
	return writeUnsupportedFieldTypes[t]
}

// SorField is the subset of a SOR table's schema the mapper/pipelines need.
type SorField struct {
	ID      string
	Name    string
	Type    SorFieldType
	Options []string // for singleSelect / multipleSelects
}

// SorTableSchema is the fields and primary field of one SOR table
// (spec §4.1 SorClient.ListTables).
type SorTableSchema struct {
	Fields        []SorField
	PrimaryFieldID string
}

// FieldByID looks up a field by its SOR field id.
func (s SorTableSchema) FieldByID(id string) (SorField, bool) {
	for _, f := range s.Fields {
		if f.ID == id {
			return f, true
		}
	}
	return SorField{}, false
}

// ConflictKind classifies a record per spec §4.5.
type ConflictKind string

const (
	Unchanged       ConflictKind = "unchanged"
	SorOnlyChange   ConflictKind = "SOR_ONLY_CHANGE"
	GridOnlyChange  ConflictKind = "GRID_ONLY_CHANGE"
	BothModified    ConflictKind = "BOTH_MODIFIED"
	NewInSor        ConflictKind = "NEW_IN_SOR"
	NewInGrid       ConflictKind = "NEW_IN_GRID"
	DeletedInGrid   ConflictKind = "DELETED_IN_GRID"
	DeletedInSor    ConflictKind = "DELETED_IN_SOR"
)

// IsConflict reports whether a classification requires a ConflictResolver
// decision (spec §4.5/§4.6).
func (k ConflictKind) IsConflict() bool {
	switch k {
	case BothModified, DeletedInGrid, DeletedInSor:
		return true
	default:
		return false
	}
}

// ResolutionAction is the decision a ConflictResolver makes for one
// conflict (spec §4.6).
type ResolutionAction string

const (
	ActionUseSor ResolutionAction = "USE_SOR"
	ActionUseGrid ResolutionAction = "USE_GRID"
	ActionDelete ResolutionAction = "DELETE"
	ActionSkip   ResolutionAction = "SKIP"
)

// Conflict is one record classified as needing resolution.
type Conflict struct {
	RecordKey RecordKey
	Kind      ConflictKind
}

// Decision is the ConflictResolver's output for one Conflict.
type Decision struct {
	RecordKey RecordKey
	Action    ResolutionAction
	Reason    string
}
