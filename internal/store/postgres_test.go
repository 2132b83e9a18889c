package store

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/servicing-import/internal/model"
)

func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return &PostgresStore{pool: mock}, mock
}

func TestCreateJobDefaults(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec("INSERT INTO import_jobs").
		WithArgs(pgxmock.AnyArg(), "report.xlsx", "", model.JobPending, 0, 0, 0,
			pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	job := &model.ImportJob{FileName: "report.xlsx"}
	require.NoError(t, s.CreateJob(context.Background(), job))
	assert.NotEmpty(t, job.ID, "missing id is generated")
	assert.Equal(t, model.JobPending, job.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobNotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery("SELECT (.+) FROM import_jobs WHERE id").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	_, err := s.GetJob(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJob(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now()

	mock.ExpectQuery("SELECT (.+) FROM import_jobs WHERE id").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "file_name", "template_id", "created_by", "status", "progress",
			"total_sheets", "sheets_completed", "current_sheet", "error_message",
			"created_at", "updated_at",
		}).AddRow("job-1", "report.xlsx", "", "importer", "processing", 40,
			3, 1, "Trial Balance", "", now, now))

	job, err := s.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobProcessing, job.Status)
	assert.Equal(t, 40, job.Progress)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelJobPreservesTerminal(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec("UPDATE import_jobs SET status").
		WithArgs(model.JobCancelled, "job-1", model.JobCompleted, model.JobFailed).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, s.CancelJob(context.Background(), "job-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionSheet(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec("UPDATE import_sheets SET status").
		WithArgs(model.SheetProcessing, "job-1", "TB", model.SheetReceiving).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	won, err := s.TransitionSheet(context.Background(), "job-1", "TB",
		model.SheetReceiving, model.SheetProcessing)
	require.NoError(t, err)
	assert.True(t, won)

	// Second caller loses: zero rows updated.
	mock.ExpectExec("UPDATE import_sheets SET status").
		WithArgs(model.SheetProcessing, "job-1", "TB", model.SheetReceiving).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	won, err = s.TransitionSheet(context.Background(), "job-1", "TB",
		model.SheetReceiving, model.SheetProcessing)
	require.NoError(t, err)
	assert.False(t, won)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertChunk(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec("INSERT INTO import_chunks").
		WithArgs("job-1", "TB", 2, 3, 100, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.UpsertChunk(context.Background(), &model.ImportChunk{
		JobID: "job-1", SheetName: "TB", ChunkIndex: 2, TotalChunks: 3,
		RowCount: 100, Rows: []byte(`[]`),
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestChunkStats(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery("SELECT COUNT").
		WithArgs("job-1", "TB").
		WillReturnRows(pgxmock.NewRows([]string{"count", "sum"}).AddRow(3, 1500))

	chunks, rows, err := s.ChunkStats(context.Background(), "job-1", "TB")
	require.NoError(t, err)
	assert.Equal(t, 3, chunks)
	assert.Equal(t, 1500, rows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindIdentityByAliasesNoMatch(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery("SELECT (.+) FROM loan_identities li").
		WithArgs([]string{"S-100"}).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	li, err := s.FindIdentityByAliases(context.Background(), []string{"S-100"})
	require.NoError(t, err)
	assert.Nil(t, li, "no match is nil, not an error")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindIdentityByAliasesEmptyInput(t *testing.T) {
	s, _ := newMockPostgresStore(t)
	li, err := s.FindIdentityByAliases(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, li)
}

func TestCreateIdentityLinksAliases(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO loan_identities").
		WithArgs(pgxmock.AnyArg(), "S-100", "I-7", "", "", "S-100", "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO loan_aliases").
		WithArgs("I-7", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO loan_aliases").
		WithArgs("S-100", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	identity := &model.LoanIdentity{
		LoanNumber:     "S-100",
		InvestorNumber: "I-7",
		ServicerNumber: "S-100",
	}
	err := s.CreateIdentity(context.Background(), identity, []string{"I-7", "S-100"})
	require.NoError(t, err)
	assert.NotEmpty(t, identity.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMergeIdentityFillsNulls(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE loan_identities SET").
		WithArgs("id-1", "I-7", "", "", "", "").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO loan_aliases").
		WithArgs("I-7", "id-1").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := s.MergeIdentity(context.Background(),
		&model.LoanIdentity{ID: "id-1", InvestorNumber: "I-7"}, []string{"I-7"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTemplateVersions(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now()

	mock.ExpectQuery("INSERT INTO mapping_templates").
		WithArgs(pgxmock.AnyArg(), "acme-monthly", "", "acme_*.xlsx", 0, "import", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"version", "created_at"}).AddRow(2, now))

	tmpl := &model.MappingTemplate{
		Name:        "acme-monthly",
		FilePattern: "acme_*.xlsx",
		TablePrefix: "import",
		Sheets:      []model.SheetMapping{{SourceSheet: "TB", TargetTable: "import_tb"}},
	}
	require.NoError(t, s.CreateTemplate(context.Background(), tmpl))
	assert.Equal(t, 2, tmpl.Version, "existing name gets the next version")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTableExists(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("import_tb").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := s.TableExists(context.Background(), "import_tb")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTableColumns(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery("SELECT column_name FROM information_schema.columns").
		WithArgs("import_tb").
		WillReturnRows(pgxmock.NewRows([]string{"column_name"}).
			AddRow("id").AddRow("loan_id").AddRow("upb"))

	cols, err := s.TableColumns(context.Background(), "import_tb")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "loan_id", "upb"}, cols)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddColumn(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`ALTER TABLE "import_tb" ADD COLUMN IF NOT EXISTS "upb" NUMERIC`).
		WillReturnResult(pgxmock.NewResult("ALTER", 0))

	require.NoError(t, s.AddColumn(context.Background(), "import_tb", "upb", model.TypeNumeric))
	require.NoError(t, mock.ExpectationsWereMet())

	assert.Error(t, s.AddColumn(context.Background(), "import_tb", "upb", model.ColumnType("varchar")))
}

func TestWithTableLock(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs("import_tb").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectCommit()

	ran := false
	err := s.WithTableLock(context.Background(), "import_tb", func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshSchemaCache(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec("SELECT pg_notify").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))

	require.NoError(t, s.RefreshSchemaCache(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
