// Package store persists import jobs, sheets, chunks, loan identities,
// and mapping templates, and exposes the destination-table catalog the
// schema evolution manager consults and extends.
package store

import (
	"context"
	"errors"

	"github.com/sells-group/servicing-import/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("store: not found")

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	Status model.JobStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// ColumnSpec declares one destination column for schema evolution.
type ColumnSpec struct {
	Name string           `json:"name"`
	Type model.ColumnType `json:"type"`
}

// Catalog is the authoritative view of existing destination tables and
// columns. The schema evolution manager is its only writer.
type Catalog interface {
	// TableExists consults the store's catalog.
	TableExists(ctx context.Context, table string) (bool, error)

	// TableColumns lists the existing column names of a table.
	TableColumns(ctx context.Context, table string) ([]string, error)

	// CreateTable creates a destination table with baseline bookkeeping
	// columns (surrogate id, timestamps, originating job and row) and
	// default-deny access policies scoped to the job creator.
	CreateTable(ctx context.Context, table string) error

	// AddColumn adds a single typed column.
	AddColumn(ctx context.Context, table, column string, typ model.ColumnType) error

	// RefreshSchemaCache signals the API layer to re-read the catalog
	// after DDL. Callers must not write rows referencing new columns
	// until a subsequent TableColumns read observes them.
	RefreshSchemaCache(ctx context.Context) error

	// WithTableLock runs fn while holding a per-table mutual exclusion,
	// serializing schema mutations against the same table.
	WithTableLock(ctx context.Context, table string, fn func(ctx context.Context) error) error
}

// RowSink writes coerced rows into evolved destination tables.
type RowSink interface {
	// UpsertRows inserts or replaces a batch keyed by conflictKeys.
	UpsertRows(ctx context.Context, table string, columns, conflictKeys []string, rows [][]any) (int64, error)
}

// Store defines the persistence interface for the import engine.
type Store interface {
	// Jobs
	CreateJob(ctx context.Context, job *model.ImportJob) error
	GetJob(ctx context.Context, jobID string) (*model.ImportJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.ImportJob, error)
	UpdateJob(ctx context.Context, job *model.ImportJob) error
	CancelJob(ctx context.Context, jobID string) error

	// Sheets
	GetSheet(ctx context.Context, jobID, sheet string) (*model.SheetStatus, error)
	UpsertSheet(ctx context.Context, s *model.SheetStatus) error
	ListSheets(ctx context.Context, jobID string) ([]model.SheetStatus, error)

	// TransitionSheet conditionally advances a sheet's status and
	// reports whether this caller won the transition. Used to enter
	// processing exactly once when the final chunk lands.
	TransitionSheet(ctx context.Context, jobID, sheet string, from, to model.SheetState) (bool, error)

	// Chunks
	UpsertChunk(ctx context.Context, c *model.ImportChunk) error
	CountChunks(ctx context.Context, jobID, sheet string) (int, error)

	// ChunkStats returns the number of chunks received and the sum of
	// their row counts.
	ChunkStats(ctx context.Context, jobID, sheet string) (chunks, rows int, err error)
	ListChunkIndexes(ctx context.Context, jobID, sheet string) ([]int, error)
	GetChunks(ctx context.Context, jobID, sheet string) ([]model.ImportChunk, error)
	DeleteChunks(ctx context.Context, jobID, sheet string) (int, error)

	// Loan identities
	FindIdentityByAliases(ctx context.Context, aliases []string) (*model.LoanIdentity, error)
	GetIdentity(ctx context.Context, id string) (*model.LoanIdentity, error)
	CreateIdentity(ctx context.Context, identity *model.LoanIdentity, aliases []string) error
	MergeIdentity(ctx context.Context, identity *model.LoanIdentity, aliases []string) error

	// Mapping templates
	CreateTemplate(ctx context.Context, t *model.MappingTemplate) error
	GetTemplate(ctx context.Context, id string) (*model.MappingTemplate, error)
	LatestTemplate(ctx context.Context, name string) (*model.MappingTemplate, error)
	ListTemplates(ctx context.Context) ([]model.MappingTemplate, error)

	Catalog
	RowSink

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
