// Package schema ensures destination tables and columns exist before
// row writes, performing the minimal set of additive DDL. Schema
// mutations are serialized per table, and row writes are held back
// until the store's schema cache observably reflects the new DDL.
package schema

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/servicing-import/internal/ident"
	"github.com/sells-group/servicing-import/internal/model"
	"github.com/sells-group/servicing-import/internal/store"
)

// ColumnOutcome reports what EnsureColumns did for one column.
type ColumnOutcome string

const (
	ColumnAdded  ColumnOutcome = "added"
	ColumnExists ColumnOutcome = "exists"
	ColumnError  ColumnOutcome = "error"
)

// ColumnResult pairs a column with its outcome.
type ColumnResult struct {
	Name    string        `json:"name"`
	Outcome ColumnOutcome `json:"outcome"`
	Err     string        `json:"error,omitempty"`
}

// ErrInvalidIdentifier rejects names outside the conservative
// identifier grammar before any DDL is attempted.
var ErrInvalidIdentifier = eris.New("schema: invalid identifier")

// Manager performs schema evolution against a store catalog.
type Manager struct {
	catalog store.Catalog

	// refreshWait bounds how long EnsureColumns waits for the schema
	// cache to observe new columns.
	refreshWait     time.Duration
	refreshInterval time.Duration

	log *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithRefreshWait overrides the cache-visibility wait bounds.
func WithRefreshWait(total, interval time.Duration) Option {
	return func(m *Manager) {
		m.refreshWait = total
		m.refreshInterval = interval
	}
}

// NewManager creates a schema evolution manager.
func NewManager(catalog store.Catalog, opts ...Option) *Manager {
	m := &Manager{
		catalog:         catalog,
		refreshWait:     10 * time.Second,
		refreshInterval: 200 * time.Millisecond,
		log:             zap.L().With(zap.String("component", "schema")),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// EnsureTable guarantees the destination table exists, returning
// whether it was created. The name must already be normalized; raw
// sheet names go through ident.NormalizeTable first.
func (m *Manager) EnsureTable(ctx context.Context, table string) (bool, error) {
	if !ident.Valid(table) {
		return false, eris.Wrapf(ErrInvalidIdentifier, "table %q", table)
	}

	var created bool
	err := m.catalog.WithTableLock(ctx, table, func(ctx context.Context) error {
		exists, err := m.catalog.TableExists(ctx, table)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}

		if err := m.catalog.CreateTable(ctx, table); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if created {
		m.log.Info("created destination table", zap.String("table", table))
		if err := m.refreshAndAwait(ctx, table, nil); err != nil {
			return true, err
		}
	}
	return created, nil
}

// EnsureColumns guarantees every requested column exists on the table,
// adding the missing ones. All identifiers are validated up front;
// any invalid name fails the whole batch before DDL. After additive
// DDL the manager refreshes the schema cache and blocks until a
// catalog re-read observes every requested column, so dependent row
// writes can proceed safely.
func (m *Manager) EnsureColumns(ctx context.Context, table string, specs []store.ColumnSpec) ([]ColumnResult, error) {
	if !ident.Valid(table) {
		return nil, eris.Wrapf(ErrInvalidIdentifier, "table %q", table)
	}
	for _, spec := range specs {
		if !ident.Valid(spec.Name) {
			return nil, eris.Wrapf(ErrInvalidIdentifier, "column %q", spec.Name)
		}
		if !model.ValidColumnType(spec.Type) {
			return nil, eris.Errorf("schema: column %q has unknown type %q", spec.Name, spec.Type)
		}
	}

	results := make([]ColumnResult, 0, len(specs))
	var added []string

	err := m.catalog.WithTableLock(ctx, table, func(ctx context.Context) error {
		existing, err := m.catalog.TableColumns(ctx, table)
		if err != nil {
			return err
		}
		have := make(map[string]bool, len(existing))
		for _, c := range existing {
			have[c] = true
		}

		for _, spec := range specs {
			if have[spec.Name] {
				results = append(results, ColumnResult{Name: spec.Name, Outcome: ColumnExists})
				continue
			}
			if err := m.catalog.AddColumn(ctx, table, spec.Name, spec.Type); err != nil {
				results = append(results, ColumnResult{Name: spec.Name, Outcome: ColumnError, Err: err.Error()})
				return eris.Wrapf(err, "schema: add column %s.%s", table, spec.Name)
			}
			results = append(results, ColumnResult{Name: spec.Name, Outcome: ColumnAdded})
			added = append(added, spec.Name)
		}
		return nil
	})
	if err != nil {
		return results, err
	}

	if len(added) > 0 {
		m.log.Info("added destination columns",
			zap.String("table", table),
			zap.Strings("columns", added),
		)
		if err := m.refreshAndAwait(ctx, table, added); err != nil {
			return results, err
		}
	}
	return results, nil
}

// refreshAndAwait issues a schema-cache refresh and polls the catalog
// until the expected columns are visible. Returning before visibility
// would let a row write race the API layer's stale cache.
func (m *Manager) refreshAndAwait(ctx context.Context, table string, columns []string) error {
	if err := m.catalog.RefreshSchemaCache(ctx); err != nil {
		return err
	}

	deadline := time.Now().Add(m.refreshWait)
	for {
		visible, err := m.columnsVisible(ctx, table, columns)
		if err != nil {
			return err
		}
		if visible {
			return nil
		}

		if time.Now().After(deadline) {
			return eris.Errorf("schema: cache refresh for %s not observed within %s", table, m.refreshWait)
		}

		timer := time.NewTimer(m.refreshInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return eris.Wrap(ctx.Err(), "schema: await cache refresh")
		case <-timer.C:
		}
	}
}

func (m *Manager) columnsVisible(ctx context.Context, table string, columns []string) (bool, error) {
	if len(columns) == 0 {
		return m.catalog.TableExists(ctx, table)
	}

	current, err := m.catalog.TableColumns(ctx, table)
	if err != nil {
		return false, err
	}
	have := make(map[string]bool, len(current))
	for _, c := range current {
		have[c] = true
	}
	for _, c := range columns {
		if !have[c] {
			return false, nil
		}
	}
	return true, nil
}
