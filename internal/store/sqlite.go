package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/servicing-import/internal/model"
)

// SQLiteStore implements Store on an embedded database for local runs
// and development. Schema-cache refresh is a no-op (there is no API
// layer in front of the file) and per-table locking is in-process.
type SQLiteStore struct {
	db *sql.DB

	mu         sync.Mutex
	tableLocks map[string]*sync.Mutex
}

// NewSQLite opens (and creates if needed) a SQLite-backed store.
func NewSQLite(path string) (*SQLiteStore, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// A single writer avoids SQLITE_BUSY under concurrent sheet workers.
	conn.SetMaxOpenConns(1)

	return &SQLiteStore{db: conn, tableLocks: make(map[string]*sync.Mutex)}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS import_jobs (
	id               TEXT PRIMARY KEY,
	file_name        TEXT NOT NULL,
	template_id      TEXT,
	created_by       TEXT NOT NULL DEFAULT 'local',
	status           TEXT NOT NULL DEFAULT 'pending',
	progress         INTEGER NOT NULL DEFAULT 0,
	total_sheets     INTEGER NOT NULL DEFAULT 0,
	sheets_completed INTEGER NOT NULL DEFAULT 0,
	current_sheet    TEXT NOT NULL DEFAULT '',
	error_message    TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMP NOT NULL,
	updated_at       TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS import_sheets (
	job_id         TEXT NOT NULL REFERENCES import_jobs(id),
	sheet_name     TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'pending',
	target_table   TEXT NOT NULL DEFAULT '',
	total_rows     INTEGER NOT NULL DEFAULT 0,
	processed_rows INTEGER NOT NULL DEFAULT 0,
	failed_rows    INTEGER NOT NULL DEFAULT 0,
	total_chunks   INTEGER NOT NULL DEFAULT 0,
	error_message  TEXT NOT NULL DEFAULT '',
	updated_at     TIMESTAMP NOT NULL,
	PRIMARY KEY (job_id, sheet_name)
);

CREATE TABLE IF NOT EXISTS import_chunks (
	job_id       TEXT NOT NULL,
	sheet_name   TEXT NOT NULL,
	chunk_index  INTEGER NOT NULL,
	total_chunks INTEGER NOT NULL,
	row_count    INTEGER NOT NULL,
	rows         TEXT NOT NULL,
	received_at  TIMESTAMP NOT NULL,
	PRIMARY KEY (job_id, sheet_name, chunk_index)
);

CREATE TABLE IF NOT EXISTS loan_identities (
	id                    TEXT PRIMARY KEY,
	loan_number           TEXT NOT NULL UNIQUE,
	investor_number       TEXT,
	mers_id               TEXT,
	seller_number         TEXT,
	servicer_number       TEXT,
	prior_servicer_number TEXT,
	updated_at            TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS loan_aliases (
	alias   TEXT PRIMARY KEY,
	loan_id TEXT NOT NULL REFERENCES loan_identities(id)
);

CREATE INDEX IF NOT EXISTS idx_loan_aliases_loan_id ON loan_aliases(loan_id);

CREATE TABLE IF NOT EXISTS mapping_templates (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	servicer_id       TEXT NOT NULL DEFAULT '',
	file_pattern      TEXT NOT NULL DEFAULT '',
	header_row_offset INTEGER NOT NULL DEFAULT 0,
	table_prefix      TEXT NOT NULL DEFAULT '',
	version           INTEGER NOT NULL,
	sheets            TEXT NOT NULL,
	created_at        TIMESTAMP NOT NULL,
	UNIQUE (name, version)
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---- Jobs ----

func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.ImportJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = model.JobPending
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	var tmpl any
	if job.TemplateID != "" {
		tmpl = job.TemplateID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO import_jobs (id, file_name, template_id, status, progress, total_sheets, sheets_completed, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.FileName, tmpl, job.Status, job.Progress,
		job.TotalSheets, job.SheetsCompleted, job.CreatedAt, job.UpdatedAt,
	)
	return eris.Wrap(err, "sqlite: create job")
}

func (s *SQLiteStore) scanJob(row *sql.Row) (*model.ImportJob, error) {
	var j model.ImportJob
	var tmpl sql.NullString
	err := row.Scan(&j.ID, &j.FileName, &tmpl, &j.CreatedBy, &j.Status, &j.Progress,
		&j.TotalSheets, &j.SheetsCompleted, &j.CurrentSheet, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.TemplateID = tmpl.String
	return &j, nil
}

const jobColumns = `id, file_name, template_id, created_by, status, progress, total_sheets, sheets_completed, current_sheet, error_message, created_at, updated_at`

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*model.ImportJob, error) {
	j, err := s.scanJob(s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM import_jobs WHERE id = ?`, jobColumns), jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get job")
	}
	return j, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.ImportJob, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	query := fmt.Sprintf(`SELECT %s FROM import_jobs`, jobColumns)
	args := []any{}
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.ImportJob
	for rows.Next() {
		var j model.ImportJob
		var tmpl sql.NullString
		if err := rows.Scan(&j.ID, &j.FileName, &tmpl, &j.CreatedBy, &j.Status, &j.Progress,
			&j.TotalSheets, &j.SheetsCompleted, &j.CurrentSheet, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		j.TemplateID = tmpl.String
		jobs = append(jobs, j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs")
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, job *model.ImportJob) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE import_jobs
		 SET status = ?, progress = ?, total_sheets = ?, sheets_completed = ?,
		     current_sheet = ?, error_message = ?, updated_at = ?
		 WHERE id = ?`,
		job.Status, job.Progress, job.TotalSheets, job.SheetsCompleted,
		job.CurrentSheet, job.ErrorMessage, time.Now().UTC(), job.ID,
	)
	return eris.Wrap(err, "sqlite: update job")
}

func (s *SQLiteStore) CancelJob(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE import_jobs SET status = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN (?, ?)`,
		model.JobCancelled, time.Now().UTC(), jobID, model.JobCompleted, model.JobFailed,
	)
	return eris.Wrap(err, "sqlite: cancel job")
}

// ---- Sheets ----

func (s *SQLiteStore) GetSheet(ctx context.Context, jobID, sheet string) (*model.SheetStatus, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT job_id, sheet_name, status, target_table, total_rows, processed_rows,
		        failed_rows, total_chunks, error_message, updated_at
		 FROM import_sheets WHERE job_id = ? AND sheet_name = ?`,
		jobID, sheet,
	)

	var st model.SheetStatus
	err := row.Scan(&st.JobID, &st.SheetName, &st.Status, &st.TargetTable, &st.TotalRows,
		&st.ProcessedRows, &st.FailedRows, &st.TotalChunks, &st.ErrorMessage, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get sheet")
	}
	return &st, nil
}

func (s *SQLiteStore) UpsertSheet(ctx context.Context, st *model.SheetStatus) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO import_sheets (job_id, sheet_name, status, target_table, total_rows, processed_rows, failed_rows, total_chunks, error_message, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (job_id, sheet_name) DO UPDATE SET
		   status = excluded.status,
		   target_table = excluded.target_table,
		   total_rows = excluded.total_rows,
		   processed_rows = excluded.processed_rows,
		   failed_rows = excluded.failed_rows,
		   total_chunks = excluded.total_chunks,
		   error_message = excluded.error_message,
		   updated_at = excluded.updated_at`,
		st.JobID, st.SheetName, st.Status, st.TargetTable, st.TotalRows,
		st.ProcessedRows, st.FailedRows, st.TotalChunks, st.ErrorMessage, time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: upsert sheet")
}

func (s *SQLiteStore) TransitionSheet(ctx context.Context, jobID, sheet string, from, to model.SheetState) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE import_sheets SET status = ?, updated_at = ?
		 WHERE job_id = ? AND sheet_name = ? AND status = ?`,
		to, time.Now().UTC(), jobID, sheet, from,
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: transition sheet")
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLiteStore) ListSheets(ctx context.Context, jobID string) ([]model.SheetStatus, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, sheet_name, status, target_table, total_rows, processed_rows,
		        failed_rows, total_chunks, error_message, updated_at
		 FROM import_sheets WHERE job_id = ? ORDER BY sheet_name`,
		jobID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sheets")
	}
	defer rows.Close()

	var sheets []model.SheetStatus
	for rows.Next() {
		var st model.SheetStatus
		if err := rows.Scan(&st.JobID, &st.SheetName, &st.Status, &st.TargetTable, &st.TotalRows,
			&st.ProcessedRows, &st.FailedRows, &st.TotalChunks, &st.ErrorMessage, &st.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan sheet")
		}
		sheets = append(sheets, st)
	}
	return sheets, eris.Wrap(rows.Err(), "sqlite: list sheets")
}

// ---- Chunks ----

func (s *SQLiteStore) UpsertChunk(ctx context.Context, c *model.ImportChunk) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO import_chunks (job_id, sheet_name, chunk_index, total_chunks, row_count, rows, received_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (job_id, sheet_name, chunk_index) DO UPDATE SET
		   total_chunks = excluded.total_chunks,
		   row_count = excluded.row_count,
		   rows = excluded.rows,
		   received_at = excluded.received_at`,
		c.JobID, c.SheetName, c.ChunkIndex, c.TotalChunks, c.RowCount, string(c.Rows), time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: upsert chunk")
}

func (s *SQLiteStore) CountChunks(ctx context.Context, jobID, sheet string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM import_chunks WHERE job_id = ? AND sheet_name = ?`,
		jobID, sheet,
	).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count chunks")
}

func (s *SQLiteStore) ChunkStats(ctx context.Context, jobID, sheet string) (int, int, error) {
	var chunks, rows int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(row_count), 0) FROM import_chunks WHERE job_id = ? AND sheet_name = ?`,
		jobID, sheet,
	).Scan(&chunks, &rows)
	return chunks, rows, eris.Wrap(err, "sqlite: chunk stats")
}

func (s *SQLiteStore) ListChunkIndexes(ctx context.Context, jobID, sheet string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chunk_index FROM import_chunks WHERE job_id = ? AND sheet_name = ? ORDER BY chunk_index`,
		jobID, sheet,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list chunk indexes")
	}
	defer rows.Close()

	var idx []int
	for rows.Next() {
		var i int
		if err := rows.Scan(&i); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan chunk index")
		}
		idx = append(idx, i)
	}
	return idx, eris.Wrap(rows.Err(), "sqlite: list chunk indexes")
}

func (s *SQLiteStore) GetChunks(ctx context.Context, jobID, sheet string) ([]model.ImportChunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, sheet_name, chunk_index, total_chunks, row_count, rows
		 FROM import_chunks WHERE job_id = ? AND sheet_name = ? ORDER BY chunk_index`,
		jobID, sheet,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get chunks")
	}
	defer rows.Close()

	var chunks []model.ImportChunk
	for rows.Next() {
		var c model.ImportChunk
		var payload string
		if err := rows.Scan(&c.JobID, &c.SheetName, &c.ChunkIndex, &c.TotalChunks, &c.RowCount, &payload); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan chunk")
		}
		c.Rows = json.RawMessage(payload)
		chunks = append(chunks, c)
	}
	return chunks, eris.Wrap(rows.Err(), "sqlite: get chunks")
}

func (s *SQLiteStore) DeleteChunks(ctx context.Context, jobID, sheet string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM import_chunks WHERE job_id = ? AND sheet_name = ?`,
		jobID, sheet,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete chunks")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ---- Loan identities ----

func (s *SQLiteStore) FindIdentityByAliases(ctx context.Context, aliases []string) (*model.LoanIdentity, error) {
	if len(aliases) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(aliases)), ", ")
	args := make([]any, len(aliases))
	for i, a := range aliases {
		args[i] = a
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT li.id, li.loan_number, COALESCE(li.investor_number, ''), COALESCE(li.mers_id, ''),
		        COALESCE(li.seller_number, ''), COALESCE(li.servicer_number, ''),
		        COALESCE(li.prior_servicer_number, ''), li.updated_at
		 FROM loan_identities li
		 JOIN loan_aliases la ON la.loan_id = li.id
		 WHERE la.alias IN (`+placeholders+`)
		 LIMIT 1`,
		args...,
	)

	var li model.LoanIdentity
	err := row.Scan(&li.ID, &li.LoanNumber, &li.InvestorNumber, &li.MERSID,
		&li.SellerNumber, &li.ServicerNumber, &li.PriorServicerNumber, &li.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find identity by aliases")
	}
	return &li, nil
}

func (s *SQLiteStore) GetIdentity(ctx context.Context, id string) (*model.LoanIdentity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, loan_number, COALESCE(investor_number, ''), COALESCE(mers_id, ''),
		        COALESCE(seller_number, ''), COALESCE(servicer_number, ''),
		        COALESCE(prior_servicer_number, ''), updated_at
		 FROM loan_identities WHERE id = ?`,
		id,
	)

	var li model.LoanIdentity
	err := row.Scan(&li.ID, &li.LoanNumber, &li.InvestorNumber, &li.MERSID,
		&li.SellerNumber, &li.ServicerNumber, &li.PriorServicerNumber, &li.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get identity")
	}
	return &li, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *SQLiteStore) CreateIdentity(ctx context.Context, identity *model.LoanIdentity, aliases []string) error {
	if identity.ID == "" {
		identity.ID = uuid.NewString()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: create identity: begin")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO loan_identities (id, loan_number, investor_number, mers_id, seller_number, servicer_number, prior_servicer_number, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		identity.ID, identity.LoanNumber, nullIfEmpty(identity.InvestorNumber), nullIfEmpty(identity.MERSID),
		nullIfEmpty(identity.SellerNumber), nullIfEmpty(identity.ServicerNumber),
		nullIfEmpty(identity.PriorServicerNumber), time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: create identity")
	}

	for _, a := range aliases {
		if a == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO loan_aliases (alias, loan_id) VALUES (?, ?) ON CONFLICT (alias) DO NOTHING`,
			a, identity.ID,
		); err != nil {
			return eris.Wrapf(err, "sqlite: link alias %s", a)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: create identity: commit")
}

func (s *SQLiteStore) MergeIdentity(ctx context.Context, identity *model.LoanIdentity, aliases []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: merge identity: begin")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`UPDATE loan_identities SET
		   investor_number = COALESCE(investor_number, ?),
		   mers_id = COALESCE(mers_id, ?),
		   seller_number = COALESCE(seller_number, ?),
		   servicer_number = COALESCE(servicer_number, ?),
		   prior_servicer_number = COALESCE(prior_servicer_number, ?),
		   updated_at = ?
		 WHERE id = ?`,
		nullIfEmpty(identity.InvestorNumber), nullIfEmpty(identity.MERSID),
		nullIfEmpty(identity.SellerNumber), nullIfEmpty(identity.ServicerNumber),
		nullIfEmpty(identity.PriorServicerNumber), time.Now().UTC(), identity.ID,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: merge identity")
	}

	for _, a := range aliases {
		if a == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO loan_aliases (alias, loan_id) VALUES (?, ?) ON CONFLICT (alias) DO NOTHING`,
			a, identity.ID,
		); err != nil {
			return eris.Wrapf(err, "sqlite: link alias %s", a)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: merge identity: commit")
}

// ---- Mapping templates ----

func (s *SQLiteStore) CreateTemplate(ctx context.Context, t *model.MappingTemplate) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	sheets, err := json.Marshal(t.Sheets)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal template sheets")
	}
	t.CreatedAt = time.Now().UTC()

	err = s.db.QueryRowContext(ctx,
		`INSERT INTO mapping_templates (id, name, servicer_id, file_pattern, header_row_offset, table_prefix, version, sheets, created_at)
		 VALUES (?, ?, ?, ?, ?, ?,
		         (SELECT COALESCE(MAX(version), 0) + 1 FROM mapping_templates WHERE name = ?),
		         ?, ?)
		 RETURNING version`,
		t.ID, t.Name, t.ServicerID, t.FilePattern, t.HeaderRowOffset, t.TablePrefix,
		t.Name, string(sheets), t.CreatedAt,
	).Scan(&t.Version)
	return eris.Wrap(err, "sqlite: create template")
}

func (s *SQLiteStore) scanTemplateRow(scan func(dest ...any) error) (*model.MappingTemplate, error) {
	var t model.MappingTemplate
	var sheets string
	err := scan(&t.ID, &t.Name, &t.ServicerID, &t.FilePattern, &t.HeaderRowOffset,
		&t.TablePrefix, &t.Version, &sheets, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(sheets), &t.Sheets); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal template sheets")
	}
	return &t, nil
}

func (s *SQLiteStore) GetTemplate(ctx context.Context, id string) (*model.MappingTemplate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, servicer_id, file_pattern, header_row_offset, table_prefix, version, sheets, created_at
		 FROM mapping_templates WHERE id = ?`, id)
	t, err := s.scanTemplateRow(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get template")
	}
	return t, nil
}

func (s *SQLiteStore) LatestTemplate(ctx context.Context, name string) (*model.MappingTemplate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, servicer_id, file_pattern, header_row_offset, table_prefix, version, sheets, created_at
		 FROM mapping_templates WHERE name = ? ORDER BY version DESC LIMIT 1`, name)
	t, err := s.scanTemplateRow(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: latest template")
	}
	return t, nil
}

func (s *SQLiteStore) ListTemplates(ctx context.Context) ([]model.MappingTemplate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, servicer_id, file_pattern, header_row_offset, table_prefix, version, sheets, created_at
		 FROM mapping_templates t1
		 WHERE version = (SELECT MAX(version) FROM mapping_templates t2 WHERE t2.name = t1.name)
		 ORDER BY name`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list templates")
	}
	defer rows.Close()

	var out []model.MappingTemplate
	for rows.Next() {
		t, err := s.scanTemplateRow(rows.Scan)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan template")
		}
		out = append(out, *t)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list templates")
}

// ---- Catalog ----

func (s *SQLiteStore) TableExists(ctx context.Context, table string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`,
		table,
	).Scan(&n)
	return n > 0, eris.Wrap(err, "sqlite: table exists")
}

func (s *SQLiteStore) TableColumns(ctx context.Context, table string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM pragma_table_info(?) ORDER BY cid`,
		table,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: table columns")
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan column")
		}
		cols = append(cols, c)
	}
	return cols, eris.Wrap(rows.Err(), "sqlite: table columns")
}

// sqliteTypes maps the closed type vocabulary to SQLite affinities.
var sqliteTypes = map[model.ColumnType]string{
	model.TypeText:      "TEXT",
	model.TypeNumeric:   "NUMERIC",
	model.TypeInteger:   "INTEGER",
	model.TypeBoolean:   "INTEGER",
	model.TypeDate:      "TEXT",
	model.TypeTimestamp: "TIMESTAMP",
	model.TypeJSONB:     "TEXT",
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (s *SQLiteStore) CreateTable(ctx context.Context, table string) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id                TEXT PRIMARY KEY DEFAULT (lower(hex(randomblob(16)))),
		import_job_id     TEXT NOT NULL,
		source_row_number INTEGER NOT NULL,
		loan_id           TEXT,
		created_at        TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at        TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (import_job_id, source_row_number)
	)`, quoteIdent(table))
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return eris.Wrapf(err, "sqlite: create table %s", table)
	}
	return nil
}

func (s *SQLiteStore) AddColumn(ctx context.Context, table, column string, typ model.ColumnType) error {
	sqlType, ok := sqliteTypes[typ]
	if !ok {
		return eris.Errorf("sqlite: unsupported column type %q", typ)
	}

	// SQLite has no ADD COLUMN IF NOT EXISTS; check the catalog first.
	cols, err := s.TableColumns(ctx, table)
	if err != nil {
		return err
	}
	for _, c := range cols {
		if c == column {
			return nil
		}
	}

	ddl := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, quoteIdent(table), quoteIdent(column), sqlType)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return eris.Wrapf(err, "sqlite: add column %s.%s", table, column)
	}
	return nil
}

// RefreshSchemaCache is a no-op: no API layer caches the embedded
// database's catalog.
func (s *SQLiteStore) RefreshSchemaCache(ctx context.Context) error {
	return nil
}

// WithTableLock serializes schema mutations per table with an
// in-process mutex. A single process owns the database file.
func (s *SQLiteStore) WithTableLock(ctx context.Context, table string, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	l, ok := s.tableLocks[table]
	if !ok {
		l = &sync.Mutex{}
		s.tableLocks[table] = l
	}
	s.mu.Unlock()

	l.Lock()
	defer l.Unlock()
	return fn(ctx)
}

// ---- Row sink ----

func (s *SQLiteStore) UpsertRows(ctx context.Context, table string, columns, conflictKeys []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = quoteIdent(c)
	}
	conflict := make([]string, len(conflictKeys))
	for i, c := range conflictKeys {
		conflict[i] = quoteIdent(c)
	}

	conflictSet := make(map[string]bool, len(conflictKeys))
	for _, k := range conflictKeys {
		conflictSet[k] = true
	}
	var setClauses []string
	for _, c := range columns {
		if !conflictSet[c] {
			q := quoteIdent(c)
			setClauses = append(setClauses, fmt.Sprintf("%s = excluded.%s", q, q))
		}
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	query := fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s`,
		quoteIdent(table),
		strings.Join(quoted, ", "),
		placeholders,
		strings.Join(conflict, ", "),
		strings.Join(setClauses, ", "),
	)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert rows: begin")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: upsert rows: prepare for %s", table)
	}
	defer stmt.Close()

	var n int64
	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert rows into %s", table)
		}
		n++
	}

	return n, eris.Wrap(tx.Commit(), "sqlite: upsert rows: commit")
}
