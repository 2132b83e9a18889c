package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/servicing-import/internal/db"
	"github.com/sells-group/servicing-import/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems that need
// direct query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS import_jobs (
	id               TEXT PRIMARY KEY,
	file_name        TEXT NOT NULL,
	template_id      TEXT,
	created_by       TEXT NOT NULL DEFAULT current_user,
	status           TEXT NOT NULL DEFAULT 'pending',
	progress         INTEGER NOT NULL DEFAULT 0,
	total_sheets     INTEGER NOT NULL DEFAULT 0,
	sheets_completed INTEGER NOT NULL DEFAULT 0,
	current_sheet    TEXT NOT NULL DEFAULT '',
	error_message    TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
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
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (job_id, sheet_name)
);

CREATE TABLE IF NOT EXISTS import_chunks (
	job_id       TEXT NOT NULL,
	sheet_name   TEXT NOT NULL,
	chunk_index  INTEGER NOT NULL,
	total_chunks INTEGER NOT NULL,
	row_count    INTEGER NOT NULL,
	rows         JSONB NOT NULL,
	received_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
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
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
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
	sheets            JSONB NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (name, version)
);

CREATE INDEX IF NOT EXISTS idx_import_jobs_status ON import_jobs(status);
CREATE INDEX IF NOT EXISTS idx_import_sheets_job ON import_sheets(job_id);
CREATE INDEX IF NOT EXISTS idx_import_chunks_sheet ON import_chunks(job_id, sheet_name);
`

// Migrate creates the control-plane tables.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresMigration); err != nil {
		return eris.Wrap(err, "postgres: migrate")
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

// ---- Jobs ----

func (s *PostgresStore) CreateJob(ctx context.Context, job *model.ImportJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = model.JobPending
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO import_jobs (id, file_name, template_id, status, progress, total_sheets, sheets_completed, created_at, updated_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9)`,
		job.ID, job.FileName, job.TemplateID, job.Status, job.Progress,
		job.TotalSheets, job.SheetsCompleted, job.CreatedAt, job.UpdatedAt,
	)
	return eris.Wrap(err, "postgres: create job")
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*model.ImportJob, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, file_name, COALESCE(template_id, ''), created_by, status, progress,
		        total_sheets, sheets_completed, current_sheet, error_message, created_at, updated_at
		 FROM import_jobs WHERE id = $1`,
		jobID,
	)

	var j model.ImportJob
	err := row.Scan(&j.ID, &j.FileName, &j.TemplateID, &j.CreatedBy, &j.Status, &j.Progress,
		&j.TotalSheets, &j.SheetsCompleted, &j.CurrentSheet, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get job")
	}
	return &j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.ImportJob, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, file_name, COALESCE(template_id, ''), created_by, status, progress,
	                 total_sheets, sheets_completed, current_sheet, error_message, created_at, updated_at
	          FROM import_jobs`
	args := []any{}
	if filter.Status != "" {
		query += ` WHERE status = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
		args = append(args, filter.Status, limit, filter.Offset)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $1 OFFSET $2`
		args = append(args, limit, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.ImportJob
	for rows.Next() {
		var j model.ImportJob
		if err := rows.Scan(&j.ID, &j.FileName, &j.TemplateID, &j.CreatedBy, &j.Status, &j.Progress,
			&j.TotalSheets, &j.SheetsCompleted, &j.CurrentSheet, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		jobs = append(jobs, j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs")
}

func (s *PostgresStore) UpdateJob(ctx context.Context, job *model.ImportJob) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE import_jobs
		 SET status = $1, progress = $2, total_sheets = $3, sheets_completed = $4,
		     current_sheet = $5, error_message = $6, updated_at = now()
		 WHERE id = $7`,
		job.Status, job.Progress, job.TotalSheets, job.SheetsCompleted,
		job.CurrentSheet, job.ErrorMessage, job.ID,
	)
	return eris.Wrap(err, "postgres: update job")
}

// CancelJob marks a job cancelled. Terminal completed/failed states are
// never overwritten; repeated cancellation is a no-op.
func (s *PostgresStore) CancelJob(ctx context.Context, jobID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE import_jobs SET status = $1, updated_at = now()
		 WHERE id = $2 AND status NOT IN ($3, $4)`,
		model.JobCancelled, jobID, model.JobCompleted, model.JobFailed,
	)
	return eris.Wrap(err, "postgres: cancel job")
}

// ---- Sheets ----

func (s *PostgresStore) GetSheet(ctx context.Context, jobID, sheet string) (*model.SheetStatus, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT job_id, sheet_name, status, target_table, total_rows, processed_rows,
		        failed_rows, total_chunks, error_message, updated_at
		 FROM import_sheets WHERE job_id = $1 AND sheet_name = $2`,
		jobID, sheet,
	)

	var st model.SheetStatus
	err := row.Scan(&st.JobID, &st.SheetName, &st.Status, &st.TargetTable, &st.TotalRows,
		&st.ProcessedRows, &st.FailedRows, &st.TotalChunks, &st.ErrorMessage, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get sheet")
	}
	return &st, nil
}

func (s *PostgresStore) UpsertSheet(ctx context.Context, st *model.SheetStatus) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO import_sheets (job_id, sheet_name, status, target_table, total_rows, processed_rows, failed_rows, total_chunks, error_message, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		 ON CONFLICT (job_id, sheet_name) DO UPDATE SET
		   status = EXCLUDED.status,
		   target_table = EXCLUDED.target_table,
		   total_rows = EXCLUDED.total_rows,
		   processed_rows = EXCLUDED.processed_rows,
		   failed_rows = EXCLUDED.failed_rows,
		   total_chunks = EXCLUDED.total_chunks,
		   error_message = EXCLUDED.error_message,
		   updated_at = now()`,
		st.JobID, st.SheetName, st.Status, st.TargetTable, st.TotalRows,
		st.ProcessedRows, st.FailedRows, st.TotalChunks, st.ErrorMessage,
	)
	return eris.Wrap(err, "postgres: upsert sheet")
}

// TransitionSheet advances status only when the current value matches
// from, reporting whether this caller performed the transition.
func (s *PostgresStore) TransitionSheet(ctx context.Context, jobID, sheet string, from, to model.SheetState) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE import_sheets SET status = $1, updated_at = now()
		 WHERE job_id = $2 AND sheet_name = $3 AND status = $4`,
		to, jobID, sheet, from,
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: transition sheet")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ListSheets(ctx context.Context, jobID string) ([]model.SheetStatus, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT job_id, sheet_name, status, target_table, total_rows, processed_rows,
		        failed_rows, total_chunks, error_message, updated_at
		 FROM import_sheets WHERE job_id = $1 ORDER BY sheet_name`,
		jobID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sheets")
	}
	defer rows.Close()

	var sheets []model.SheetStatus
	for rows.Next() {
		var st model.SheetStatus
		if err := rows.Scan(&st.JobID, &st.SheetName, &st.Status, &st.TargetTable, &st.TotalRows,
			&st.ProcessedRows, &st.FailedRows, &st.TotalChunks, &st.ErrorMessage, &st.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan sheet")
		}
		sheets = append(sheets, st)
	}
	return sheets, eris.Wrap(rows.Err(), "postgres: list sheets")
}

// ---- Chunks ----

// UpsertChunk writes a chunk keyed by (job, sheet, index). Re-submission
// replaces the payload rather than duplicating it.
func (s *PostgresStore) UpsertChunk(ctx context.Context, c *model.ImportChunk) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO import_chunks (job_id, sheet_name, chunk_index, total_chunks, row_count, rows, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now())
		 ON CONFLICT (job_id, sheet_name, chunk_index) DO UPDATE SET
		   total_chunks = EXCLUDED.total_chunks,
		   row_count = EXCLUDED.row_count,
		   rows = EXCLUDED.rows,
		   received_at = now()`,
		c.JobID, c.SheetName, c.ChunkIndex, c.TotalChunks, c.RowCount, c.Rows,
	)
	return eris.Wrap(err, "postgres: upsert chunk")
}

func (s *PostgresStore) CountChunks(ctx context.Context, jobID, sheet string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM import_chunks WHERE job_id = $1 AND sheet_name = $2`,
		jobID, sheet,
	).Scan(&n)
	return n, eris.Wrap(err, "postgres: count chunks")
}

// ChunkStats returns how many chunks have landed and their summed row
// counts.
func (s *PostgresStore) ChunkStats(ctx context.Context, jobID, sheet string) (int, int, error) {
	var chunks, rows int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(row_count), 0) FROM import_chunks WHERE job_id = $1 AND sheet_name = $2`,
		jobID, sheet,
	).Scan(&chunks, &rows)
	return chunks, rows, eris.Wrap(err, "postgres: chunk stats")
}

func (s *PostgresStore) ListChunkIndexes(ctx context.Context, jobID, sheet string) ([]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT chunk_index FROM import_chunks WHERE job_id = $1 AND sheet_name = $2 ORDER BY chunk_index`,
		jobID, sheet,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list chunk indexes")
	}
	defer rows.Close()

	var idx []int
	for rows.Next() {
		var i int
		if err := rows.Scan(&i); err != nil {
			return nil, eris.Wrap(err, "postgres: scan chunk index")
		}
		idx = append(idx, i)
	}
	return idx, eris.Wrap(rows.Err(), "postgres: list chunk indexes")
}

func (s *PostgresStore) GetChunks(ctx context.Context, jobID, sheet string) ([]model.ImportChunk, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT job_id, sheet_name, chunk_index, total_chunks, row_count, rows
		 FROM import_chunks WHERE job_id = $1 AND sheet_name = $2 ORDER BY chunk_index`,
		jobID, sheet,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get chunks")
	}
	defer rows.Close()

	var chunks []model.ImportChunk
	for rows.Next() {
		var c model.ImportChunk
		if err := rows.Scan(&c.JobID, &c.SheetName, &c.ChunkIndex, &c.TotalChunks, &c.RowCount, &c.Rows); err != nil {
			return nil, eris.Wrap(err, "postgres: scan chunk")
		}
		chunks = append(chunks, c)
	}
	return chunks, eris.Wrap(rows.Err(), "postgres: get chunks")
}

// DeleteChunks garbage-collects consumed chunks after sheet completion.
func (s *PostgresStore) DeleteChunks(ctx context.Context, jobID, sheet string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM import_chunks WHERE job_id = $1 AND sheet_name = $2`,
		jobID, sheet,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete chunks")
	}
	return int(tag.RowsAffected()), nil
}

// ---- Loan identities ----

// FindIdentityByAliases matches an existing identity if any supplied
// alias equals any stored alias, through the denormalized alias index.
func (s *PostgresStore) FindIdentityByAliases(ctx context.Context, aliases []string) (*model.LoanIdentity, error) {
	if len(aliases) == 0 {
		return nil, nil
	}

	row := s.pool.QueryRow(ctx,
		`SELECT li.id, li.loan_number, COALESCE(li.investor_number, ''), COALESCE(li.mers_id, ''),
		        COALESCE(li.seller_number, ''), COALESCE(li.servicer_number, ''),
		        COALESCE(li.prior_servicer_number, ''), li.updated_at
		 FROM loan_identities li
		 JOIN loan_aliases la ON la.loan_id = li.id
		 WHERE la.alias = ANY($1)
		 LIMIT 1`,
		aliases,
	)

	var li model.LoanIdentity
	err := row.Scan(&li.ID, &li.LoanNumber, &li.InvestorNumber, &li.MERSID,
		&li.SellerNumber, &li.ServicerNumber, &li.PriorServicerNumber, &li.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find identity by aliases")
	}
	return &li, nil
}

func (s *PostgresStore) GetIdentity(ctx context.Context, id string) (*model.LoanIdentity, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, loan_number, COALESCE(investor_number, ''), COALESCE(mers_id, ''),
		        COALESCE(seller_number, ''), COALESCE(servicer_number, ''),
		        COALESCE(prior_servicer_number, ''), updated_at
		 FROM loan_identities WHERE id = $1`,
		id,
	)

	var li model.LoanIdentity
	err := row.Scan(&li.ID, &li.LoanNumber, &li.InvestorNumber, &li.MERSID,
		&li.SellerNumber, &li.ServicerNumber, &li.PriorServicerNumber, &li.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get identity")
	}
	return &li, nil
}

// CreateIdentity inserts a new identity and its alias index rows. The
// unique constraint on loan_number surfaces concurrent-creation races
// to the resolver, which retries with a fresh lookup.
func (s *PostgresStore) CreateIdentity(ctx context.Context, identity *model.LoanIdentity, aliases []string) error {
	if identity.ID == "" {
		identity.ID = uuid.NewString()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: create identity: begin")
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO loan_identities (id, loan_number, investor_number, mers_id, seller_number, servicer_number, prior_servicer_number, updated_at)
		 VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), now())`,
		identity.ID, identity.LoanNumber, identity.InvestorNumber, identity.MERSID,
		identity.SellerNumber, identity.ServicerNumber, identity.PriorServicerNumber,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: create identity")
	}

	if err := linkAliasesTx(ctx, tx, identity.ID, aliases); err != nil {
		return err
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: create identity: commit")
}

// MergeIdentity fills previously-null alias fields from a new sighting.
// The canonical loan_number is never changed.
func (s *PostgresStore) MergeIdentity(ctx context.Context, identity *model.LoanIdentity, aliases []string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: merge identity: begin")
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`UPDATE loan_identities SET
		   investor_number = COALESCE(investor_number, NULLIF($2, '')),
		   mers_id = COALESCE(mers_id, NULLIF($3, '')),
		   seller_number = COALESCE(seller_number, NULLIF($4, '')),
		   servicer_number = COALESCE(servicer_number, NULLIF($5, '')),
		   prior_servicer_number = COALESCE(prior_servicer_number, NULLIF($6, '')),
		   updated_at = now()
		 WHERE id = $1`,
		identity.ID, identity.InvestorNumber, identity.MERSID,
		identity.SellerNumber, identity.ServicerNumber, identity.PriorServicerNumber,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: merge identity")
	}

	if err := linkAliasesTx(ctx, tx, identity.ID, aliases); err != nil {
		return err
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: merge identity: commit")
}

func linkAliasesTx(ctx context.Context, tx pgx.Tx, loanID string, aliases []string) error {
	for _, a := range aliases {
		if a == "" {
			continue
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO loan_aliases (alias, loan_id) VALUES ($1, $2) ON CONFLICT (alias) DO NOTHING`,
			a, loanID,
		); err != nil {
			return eris.Wrapf(err, "postgres: link alias %s", a)
		}
	}
	return nil
}

// ---- Mapping templates ----

// CreateTemplate stores a new template version. Updates to an existing
// name increment the version rather than mutating history.
func (s *PostgresStore) CreateTemplate(ctx context.Context, t *model.MappingTemplate) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	sheets, err := json.Marshal(t.Sheets)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal template sheets")
	}

	err = s.pool.QueryRow(ctx,
		`INSERT INTO mapping_templates (id, name, servicer_id, file_pattern, header_row_offset, table_prefix, version, sheets, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6,
		         (SELECT COALESCE(MAX(version), 0) + 1 FROM mapping_templates WHERE name = $2),
		         $7, now())
		 RETURNING version, created_at`,
		t.ID, t.Name, t.ServicerID, t.FilePattern, t.HeaderRowOffset, t.TablePrefix, sheets,
	).Scan(&t.Version, &t.CreatedAt)
	return eris.Wrap(err, "postgres: create template")
}

const templateColumns = `id, name, servicer_id, file_pattern, header_row_offset, table_prefix, version, sheets, created_at`

func scanTemplate(row pgx.Row) (*model.MappingTemplate, error) {
	var t model.MappingTemplate
	var sheets []byte
	err := row.Scan(&t.ID, &t.Name, &t.ServicerID, &t.FilePattern, &t.HeaderRowOffset,
		&t.TablePrefix, &t.Version, &sheets, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(sheets, &t.Sheets); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal template sheets")
	}
	return &t, nil
}

func (s *PostgresStore) GetTemplate(ctx context.Context, id string) (*model.MappingTemplate, error) {
	t, err := scanTemplate(s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM mapping_templates WHERE id = $1`, templateColumns), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get template")
	}
	return t, nil
}

func (s *PostgresStore) LatestTemplate(ctx context.Context, name string) (*model.MappingTemplate, error) {
	t, err := scanTemplate(s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM mapping_templates WHERE name = $1 ORDER BY version DESC LIMIT 1`, templateColumns), name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: latest template")
	}
	return t, nil
}

func (s *PostgresStore) ListTemplates(ctx context.Context) ([]model.MappingTemplate, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT DISTINCT ON (name) %s FROM mapping_templates ORDER BY name, version DESC`, templateColumns))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list templates")
	}
	defer rows.Close()

	var out []model.MappingTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan template")
		}
		out = append(out, *t)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list templates")
}

// ---- Catalog ----

func (s *PostgresStore) TableExists(ctx context.Context, table string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM information_schema.tables
		   WHERE table_schema = 'public' AND table_name = $1
		 )`,
		table,
	).Scan(&exists)
	return exists, eris.Wrap(err, "postgres: table exists")
}

func (s *PostgresStore) TableColumns(ctx context.Context, table string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT column_name FROM information_schema.columns
		 WHERE table_schema = 'public' AND table_name = $1
		 ORDER BY ordinal_position`,
		table,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: table columns")
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, eris.Wrap(err, "postgres: scan column")
		}
		cols = append(cols, c)
	}
	return cols, eris.Wrap(rows.Err(), "postgres: table columns")
}

// postgresTypes maps the closed type vocabulary to Postgres types.
var postgresTypes = map[model.ColumnType]string{
	model.TypeText:      "TEXT",
	model.TypeNumeric:   "NUMERIC",
	model.TypeInteger:   "BIGINT",
	model.TypeBoolean:   "BOOLEAN",
	model.TypeDate:      "DATE",
	model.TypeTimestamp: "TIMESTAMPTZ",
	model.TypeJSONB:     "JSONB",
}

// CreateTable provisions a destination table with bookkeeping columns
// for provenance and a default-deny row security policy scoped to the
// originating job's creator. The (import_job_id, source_row_number)
// constraint makes row upserts idempotent under chunk reprocessing.
func (s *PostgresStore) CreateTable(ctx context.Context, table string) error {
	q := db.SanitizeTable(table)
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id                TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
		import_job_id     TEXT NOT NULL,
		source_row_number BIGINT NOT NULL,
		loan_id           TEXT,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (import_job_id, source_row_number)
	)`, q)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return eris.Wrapf(err, "postgres: create table %s", table)
	}

	if _, err := s.pool.Exec(ctx,
		fmt.Sprintf(`ALTER TABLE %s ENABLE ROW LEVEL SECURITY`, q)); err != nil {
		return eris.Wrapf(err, "postgres: enable rls on %s", table)
	}

	policy := fmt.Sprintf(
		`CREATE POLICY %s ON %s USING (
		   import_job_id IN (SELECT id FROM import_jobs WHERE created_by = current_user)
		 )`,
		pgx.Identifier{table + "_job_owner"}.Sanitize(), q,
	)
	if _, err := s.pool.Exec(ctx, policy); err != nil {
		// Policy already present from a prior run.
		if !isDuplicateObject(err) {
			return eris.Wrapf(err, "postgres: create policy on %s", table)
		}
	}
	return nil
}

func isDuplicateObject(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "42710" || pgErr.SQLState() == "42P07"
	}
	return false
}

func (s *PostgresStore) AddColumn(ctx context.Context, table, column string, typ model.ColumnType) error {
	sqlType, ok := postgresTypes[typ]
	if !ok {
		return eris.Errorf("postgres: unsupported column type %q", typ)
	}

	ddl := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s`,
		db.SanitizeTable(table), pgx.Identifier{column}.Sanitize(), sqlType)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return eris.Wrapf(err, "postgres: add column %s.%s", table, column)
	}
	return nil
}

// RefreshSchemaCache tells the API layer to reload its view of the
// catalog. Callers must confirm visibility via TableColumns before
// writing rows that reference new columns.
func (s *PostgresStore) RefreshSchemaCache(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `SELECT pg_notify('pgrst', 'reload schema')`)
	return eris.Wrap(err, "postgres: refresh schema cache")
}

// WithTableLock serializes schema mutations per table using a
// transaction-scoped advisory lock. The lock releases on commit.
func (s *PostgresStore) WithTableLock(ctx context.Context, table string, fn func(ctx context.Context) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: table lock: begin")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, table); err != nil {
		return eris.Wrapf(err, "postgres: table lock: acquire for %s", table)
	}

	if err := fn(ctx); err != nil {
		return err
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: table lock: commit")
}

// ---- Row sink ----

// UpsertRows writes a coerced row batch into a destination table.
func (s *PostgresStore) UpsertRows(ctx context.Context, table string, columns, conflictKeys []string, rows [][]any) (int64, error) {
	return db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        table,
		Columns:      columns,
		ConflictKeys: conflictKeys,
	}, rows)
}
