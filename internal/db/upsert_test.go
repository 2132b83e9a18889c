package db

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBulkUpsert(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_import_tb"},
		[]string{"import_job_id", "source_row_number", "upb"}).
		WillReturnResult(2)
	mock.ExpectExec("INSERT INTO (.+) ON CONFLICT").
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "import_tb",
		Columns:      []string{"import_job_id", "source_row_number", "upb"},
		ConflictKeys: []string{"import_job_id", "source_row_number"},
	}, [][]any{
		{"job-1", 0, "100.00"},
		{"job-1", 1, "250.00"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsertEmptyBatch(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	n, err := BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "import_tb",
		Columns:      []string{"upb"},
		ConflictKeys: []string{"upb"},
	}, nil)
	require.NoError(t, err)
	assert.Zero(t, n, "empty batch never touches the database")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsertValidation(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rows := [][]any{{"x"}}

	_, err = BulkUpsert(context.Background(), mock, UpsertConfig{
		Table: "t", ConflictKeys: []string{"k"},
	}, rows)
	assert.Error(t, err, "columns required")

	_, err = BulkUpsert(context.Background(), mock, UpsertConfig{
		Table: "t", Columns: []string{"c"},
	}, rows)
	assert.Error(t, err, "conflict keys required")
}

func TestSanitizeTable(t *testing.T) {
	assert.Equal(t, `"import_tb"`, SanitizeTable("import_tb"))
	assert.Equal(t, `"servicing"."daily"`, SanitizeTable("servicing.daily"))
	assert.Equal(t, `"bad""name"`, SanitizeTable(`bad"name`), "quotes are escaped")
}
