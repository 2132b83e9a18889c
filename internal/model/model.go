// Package model defines the core entities of the import engine: jobs,
// sheets, chunks, mapping templates, and loan identities.
package model

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of an import job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobReceiving  JobStatus = "receiving"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the job status can no longer change.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// SheetState is the lifecycle state of one sheet within a job.
type SheetState string

const (
	SheetPending    SheetState = "pending"
	SheetReceiving  SheetState = "receiving"
	SheetProcessing SheetState = "processing"
	SheetCompleted  SheetState = "completed"
	SheetFailed     SheetState = "failed"
)

// Terminal reports whether the sheet state can no longer change.
func (s SheetState) Terminal() bool {
	return s == SheetCompleted || s == SheetFailed
}

// sheetRank orders states along the pending → receiving → processing →
// completed path. Failure is absorbing from any non-terminal state.
var sheetRank = map[SheetState]int{
	SheetPending:    0,
	SheetReceiving:  1,
	SheetProcessing: 2,
	SheetCompleted:  3,
	SheetFailed:     3,
}

// CanTransition reports whether moving from s to next is a legal,
// monotonically advancing transition.
func (s SheetState) CanTransition(next SheetState) bool {
	if s.Terminal() {
		return false
	}
	if next == SheetFailed {
		return true
	}
	return sheetRank[next] > sheetRank[s]
}

// ImportJob tracks one accepted file upload through completion.
type ImportJob struct {
	ID              string    `json:"id"`
	FileName        string    `json:"file_name"`
	TemplateID      string    `json:"template_id,omitempty"`
	CreatedBy       string    `json:"created_by,omitempty"`
	Status          JobStatus `json:"status"`
	Progress        int       `json:"progress"`
	TotalSheets     int       `json:"total_sheets"`
	SheetsCompleted int       `json:"sheets_completed"`
	CurrentSheet    string    `json:"current_sheet,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// SheetStatus tracks one sheet of a job. One row per (job, sheet),
// created lazily on first chunk.
type SheetStatus struct {
	JobID         string     `json:"job_id"`
	SheetName     string     `json:"sheet_name"`
	Status        SheetState `json:"status"`
	TargetTable   string     `json:"target_table,omitempty"`
	TotalRows     int        `json:"total_rows"`
	ProcessedRows int        `json:"processed_rows"`
	FailedRows    int        `json:"failed_rows"`
	TotalChunks   int        `json:"total_chunks"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// ImportChunk is a bounded batch of rows from one sheet, keyed by
// (job, sheet, index). Chunks are transient and garbage-collected after
// sheet completion.
type ImportChunk struct {
	JobID       string          `json:"job_id"`
	SheetName   string          `json:"sheet_name"`
	ChunkIndex  int             `json:"chunk_index"`
	TotalChunks int             `json:"total_chunks"`
	RowCount    int             `json:"row_count"`
	Rows        json.RawMessage `json:"rows"`
}

// Row is a single spreadsheet row keyed by source header.
type Row map[string]string

// DecodeRows unpacks a chunk payload into rows.
func (c *ImportChunk) DecodeRows() ([]Row, error) {
	var rows []Row
	if err := json.Unmarshal(c.Rows, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// ColumnType is the closed vocabulary of destination column types.
type ColumnType string

const (
	TypeText      ColumnType = "text"
	TypeNumeric   ColumnType = "numeric"
	TypeInteger   ColumnType = "integer"
	TypeBoolean   ColumnType = "boolean"
	TypeDate      ColumnType = "date"
	TypeTimestamp ColumnType = "timestamp"
	TypeJSONB     ColumnType = "jsonb"
)

// ValidColumnType reports whether t is in the allowed vocabulary.
func ValidColumnType(t ColumnType) bool {
	switch t {
	case TypeText, TypeNumeric, TypeInteger, TypeBoolean, TypeDate, TypeTimestamp, TypeJSONB:
		return true
	}
	return false
}

// ColumnMapping maps one source header to a destination field.
type ColumnMapping struct {
	SourceHeader string     `json:"source_header" yaml:"source_header"`
	TargetField  string     `json:"target_field" yaml:"target_field"`
	Type         ColumnType `json:"type" yaml:"type"`
	Skip         bool       `json:"skip,omitempty" yaml:"skip,omitempty"`
}

// SheetMapping maps one source sheet to a destination table.
type SheetMapping struct {
	SourceSheet string          `json:"source_sheet" yaml:"source_sheet"`
	TargetTable string          `json:"target_table" yaml:"target_table"`
	Skip        bool            `json:"skip,omitempty" yaml:"skip,omitempty"`
	Columns     []ColumnMapping `json:"columns" yaml:"columns"`
}

// MappingTemplate is a reusable, versioned specification of how a
// file's sheets and columns map to destination tables. Updates create a
// new version rather than mutating history.
type MappingTemplate struct {
	ID              string         `json:"id" yaml:"-"`
	Name            string         `json:"name" yaml:"name"`
	ServicerID      string         `json:"servicer_id,omitempty" yaml:"servicer_id,omitempty"`
	FilePattern     string         `json:"file_pattern" yaml:"file_pattern"`
	HeaderRowOffset int            `json:"header_row_offset" yaml:"header_row_offset"`
	TablePrefix     string         `json:"table_prefix" yaml:"table_prefix"`
	Version         int            `json:"version" yaml:"-"`
	Sheets          []SheetMapping `json:"sheets" yaml:"sheets"`
	CreatedAt       time.Time      `json:"created_at" yaml:"-"`
}

// SheetFor returns the mapping for the named source sheet, or nil.
func (t *MappingTemplate) SheetFor(sheet string) *SheetMapping {
	for i := range t.Sheets {
		if t.Sheets[i].SourceSheet == sheet {
			return &t.Sheets[i]
		}
	}
	return nil
}

// AliasSet carries loan-number aliases in priority order. The first
// non-empty field becomes the canonical number for a new identity.
type AliasSet struct {
	InvestorNumber      string `json:"investor_number,omitempty"`
	MERSID              string `json:"mers_id,omitempty"`
	SellerNumber        string `json:"seller_number,omitempty"`
	ServicerNumber      string `json:"servicer_number,omitempty"`
	PriorServicerNumber string `json:"prior_servicer_number,omitempty"`
	LoanNumber          string `json:"loan_number,omitempty"`
}

// Ordered returns the aliases in priority order, empty values included.
func (a AliasSet) Ordered() []string {
	return []string{
		a.InvestorNumber,
		a.MERSID,
		a.SellerNumber,
		a.ServicerNumber,
		a.PriorServicerNumber,
		a.LoanNumber,
	}
}

// Canonical returns the highest-priority non-empty alias.
func (a AliasSet) Canonical() string {
	for _, v := range a.Ordered() {
		if v != "" {
			return v
		}
	}
	return ""
}

// NonEmpty returns all distinct non-empty aliases in priority order.
func (a AliasSet) NonEmpty() []string {
	seen := make(map[string]bool, 6)
	var out []string
	for _, v := range a.Ordered() {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// LoanIdentity is the canonical loan record that alias identifiers
// collapse into. Never deleted by the engine.
type LoanIdentity struct {
	ID                  string    `json:"id"`
	LoanNumber          string    `json:"loan_number"`
	InvestorNumber      string    `json:"investor_number,omitempty"`
	MERSID              string    `json:"mers_id,omitempty"`
	SellerNumber        string    `json:"seller_number,omitempty"`
	ServicerNumber      string    `json:"servicer_number,omitempty"`
	PriorServicerNumber string    `json:"prior_servicer_number,omitempty"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Progress computes a clamped 0-100 percentage.
func Progress(processed, total int) int {
	if total <= 0 {
		return 0
	}
	p := processed * 100 / total
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
