package ingest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/servicing-import/internal/model"
	"github.com/sells-group/servicing-import/internal/store"
)

// memStore is an in-memory store.Store for exercising the engine
// without a database.
type memStore struct {
	mu sync.Mutex

	jobs       map[string]*model.ImportJob
	sheets     map[string]*model.SheetStatus // jobID|sheet
	chunks     map[string]*model.ImportChunk // jobID|sheet|index
	identities map[string]*model.LoanIdentity
	aliases    map[string]string
	templates  map[string]*model.MappingTemplate

	tables map[string]map[string]model.ColumnType
	rows   map[string]map[string][]any // table -> conflict key -> row
}

func newMemStore() *memStore {
	return &memStore{
		jobs:       map[string]*model.ImportJob{},
		sheets:     map[string]*model.SheetStatus{},
		chunks:     map[string]*model.ImportChunk{},
		identities: map[string]*model.LoanIdentity{},
		aliases:    map[string]string{},
		templates:  map[string]*model.MappingTemplate{},
		tables:     map[string]map[string]model.ColumnType{},
		rows:       map[string]map[string][]any{},
	}
}

func sheetKey(jobID, sheet string) string { return jobID + "|" + sheet }

func chunkKey(jobID, sheet string, idx int) string {
	return jobID + "|" + sheet + "|" + strconv.Itoa(idx)
}

func (m *memStore) CreateJob(ctx context.Context, job *model.ImportJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *memStore) GetJob(ctx context.Context, jobID string) (*model.ImportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *memStore) ListJobs(ctx context.Context, filter store.JobFilter) ([]model.ImportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ImportJob
	for _, j := range m.jobs {
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		out = append(out, *j)
	}
	return out, nil
}

func (m *memStore) UpdateJob(ctx context.Context, job *model.ImportJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	cp.UpdatedAt = time.Now()
	m.jobs[job.ID] = &cp
	return nil
}

func (m *memStore) CancelJob(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return store.ErrNotFound
	}
	if !j.Status.Terminal() {
		j.Status = model.JobCancelled
	}
	return nil
}

func (m *memStore) GetSheet(ctx context.Context, jobID, sheet string) (*model.SheetStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sheets[sheetKey(jobID, sheet)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) UpsertSheet(ctx context.Context, s *model.SheetStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	cp.UpdatedAt = time.Now()
	m.sheets[sheetKey(s.JobID, s.SheetName)] = &cp
	return nil
}

func (m *memStore) ListSheets(ctx context.Context, jobID string) ([]model.SheetStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.SheetStatus
	for _, s := range m.sheets {
		if s.JobID == jobID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SheetName < out[j].SheetName })
	return out, nil
}

func (m *memStore) TransitionSheet(ctx context.Context, jobID, sheet string, from, to model.SheetState) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sheets[sheetKey(jobID, sheet)]
	if !ok || s.Status != from {
		return false, nil
	}
	s.Status = to
	return true, nil
}

func (m *memStore) UpsertChunk(ctx context.Context, c *model.ImportChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.chunks[chunkKey(c.JobID, c.SheetName, c.ChunkIndex)] = &cp
	return nil
}

func (m *memStore) CountChunks(ctx context.Context, jobID, sheet string) (int, error) {
	n, _, err := m.ChunkStats(ctx, jobID, sheet)
	return n, err
}

func (m *memStore) ChunkStats(ctx context.Context, jobID, sheet string) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var chunks, rows int
	for _, c := range m.chunks {
		if c.JobID == jobID && c.SheetName == sheet {
			chunks++
			rows += c.RowCount
		}
	}
	return chunks, rows, nil
}

func (m *memStore) ListChunkIndexes(ctx context.Context, jobID, sheet string) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int
	for _, c := range m.chunks {
		if c.JobID == jobID && c.SheetName == sheet {
			out = append(out, c.ChunkIndex)
		}
	}
	sort.Ints(out)
	return out, nil
}

func (m *memStore) GetChunks(ctx context.Context, jobID, sheet string) ([]model.ImportChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ImportChunk
	for _, c := range m.chunks {
		if c.JobID == jobID && c.SheetName == sheet {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out, nil
}

func (m *memStore) DeleteChunks(ctx context.Context, jobID, sheet string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, c := range m.chunks {
		if c.JobID == jobID && c.SheetName == sheet {
			delete(m.chunks, k)
			n++
		}
	}
	return n, nil
}

func (m *memStore) FindIdentityByAliases(ctx context.Context, aliases []string) (*model.LoanIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range aliases {
		if id, ok := m.aliases[a]; ok {
			cp := *m.identities[id]
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) GetIdentity(ctx context.Context, id string) (*model.LoanIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ident, ok := m.identities[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *ident
	return &cp, nil
}

func (m *memStore) CreateIdentity(ctx context.Context, identity *model.LoanIdentity, aliases []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity.ID = uuid.NewString()
	cp := *identity
	m.identities[identity.ID] = &cp
	for _, a := range aliases {
		m.aliases[a] = identity.ID
	}
	return nil
}

func (m *memStore) MergeIdentity(ctx context.Context, identity *model.LoanIdentity, aliases []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := m.identities[identity.ID]
	if existing == nil {
		return store.ErrNotFound
	}
	if existing.InvestorNumber == "" {
		existing.InvestorNumber = identity.InvestorNumber
	}
	if existing.MERSID == "" {
		existing.MERSID = identity.MERSID
	}
	if existing.SellerNumber == "" {
		existing.SellerNumber = identity.SellerNumber
	}
	if existing.ServicerNumber == "" {
		existing.ServicerNumber = identity.ServicerNumber
	}
	if existing.PriorServicerNumber == "" {
		existing.PriorServicerNumber = identity.PriorServicerNumber
	}
	for _, a := range aliases {
		m.aliases[a] = identity.ID
	}
	return nil
}

func (m *memStore) CreateTemplate(ctx context.Context, t *model.MappingTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.ID = uuid.NewString()
	t.Version = 1
	cp := *t
	m.templates[t.ID] = &cp
	return nil
}

func (m *memStore) GetTemplate(ctx context.Context, id string) (*model.MappingTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.templates[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) LatestTemplate(ctx context.Context, name string) (*model.MappingTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *model.MappingTemplate
	for _, t := range m.templates {
		if t.Name == name && (best == nil || t.Version > best.Version) {
			best = t
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (m *memStore) ListTemplates(ctx context.Context) ([]model.MappingTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.MappingTemplate
	for _, t := range m.templates {
		out = append(out, *t)
	}
	return out, nil
}

func (m *memStore) TableExists(ctx context.Context, table string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tables[table]
	return ok, nil
}

func (m *memStore) TableColumns(ctx context.Context, table string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for c := range m.tables[table] {
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}

func (m *memStore) CreateTable(ctx context.Context, table string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[table] = map[string]model.ColumnType{
		"id":                model.TypeText,
		"import_job_id":     model.TypeText,
		"source_row_number": model.TypeInteger,
		"loan_id":           model.TypeText,
	}
	return nil
}

func (m *memStore) AddColumn(ctx context.Context, table, column string, typ model.ColumnType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[table][column] = typ
	return nil
}

func (m *memStore) RefreshSchemaCache(ctx context.Context) error { return nil }

func (m *memStore) WithTableLock(ctx context.Context, table string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (m *memStore) UpsertRows(ctx context.Context, table string, columns, conflictKeys []string, rows [][]any) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rows[table] == nil {
		m.rows[table] = map[string][]any{}
	}

	keyIdx := make([]int, 0, len(conflictKeys))
	for _, k := range conflictKeys {
		for i, c := range columns {
			if c == k {
				keyIdx = append(keyIdx, i)
			}
		}
	}

	for _, row := range rows {
		key := ""
		for _, i := range keyIdx {
			key += "|" + fmt.Sprint(row[i])
		}
		m.rows[table][key] = row
	}
	return int64(len(rows)), nil
}

func (m *memStore) Migrate(ctx context.Context) error { return nil }

func (m *memStore) Close() error { return nil }

var _ store.Store = (*memStore)(nil)
