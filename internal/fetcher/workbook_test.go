package fetcher

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
)

func writeTestXLSX(t *testing.T) string {
	t.Helper()

	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Trial Balance")
	require.NoError(t, err)

	header := sheet.AddRow()
	for _, h := range []string{"Loan Number", "UPB", "Next Due"} {
		header.AddCell().SetString(h)
	}
	row := sheet.AddRow()
	for _, v := range []string{"L-1", "$100,000.00", "45323"} {
		row.AddCell().SetString(v)
	}
	// A fully blank row should be dropped.
	sheet.AddRow()
	row2 := sheet.AddRow()
	for _, v := range []string{"L-2", "$250,000.00", "45324"} {
		row2.AddCell().SetString(v)
	}

	empty, err := f.AddSheet("Notes")
	require.NoError(t, err)
	_ = empty

	path := filepath.Join(t.TempDir(), "report.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func TestReadXLSX(t *testing.T) {
	path := writeTestXLSX(t)

	wb, err := ReadXLSX(path, Options{})
	require.NoError(t, err)
	assert.Equal(t, "report.xlsx", wb.FileName)
	require.Len(t, wb.Sheets, 2)

	tb := wb.Sheets[0]
	assert.Equal(t, "Trial Balance", tb.Name)
	assert.Equal(t, []string{"Loan Number", "UPB", "Next Due"}, tb.Headers)
	require.Len(t, tb.Rows, 2, "blank row dropped")
	assert.Equal(t, "L-1", tb.Rows[0]["Loan Number"])
	assert.Equal(t, "$250,000.00", tb.Rows[1]["UPB"])

	assert.Equal(t, "Notes", wb.Sheets[1].Name)
	assert.Empty(t, wb.Sheets[1].Rows)
}

func TestReadCSV(t *testing.T) {
	csvData := "Loan Number,UPB\nL-1,100\nL-2,250\n"
	wb, err := ReadCSV(strings.NewReader(csvData), "daily.csv", Options{})
	require.NoError(t, err)
	require.Len(t, wb.Sheets, 1)

	sheet := wb.Sheets[0]
	assert.Equal(t, "daily", sheet.Name, "sheet named after the file")
	require.Len(t, sheet.Rows, 2)
	assert.Equal(t, "250", sheet.Rows[1]["UPB"])
}

func TestReadCSVHeaderOffset(t *testing.T) {
	csvData := "Acme Servicing - Daily Report\nLoan Number,UPB\nL-1,100\n"
	wb, err := ReadCSV(strings.NewReader(csvData), "daily.csv", Options{HeaderRowOffset: 1})
	require.NoError(t, err)

	sheet := wb.Sheets[0]
	assert.Equal(t, []string{"Loan Number", "UPB"}, sheet.Headers)
	require.Len(t, sheet.Rows, 1)
	assert.Equal(t, "L-1", sheet.Rows[0]["Loan Number"])
}

func TestReadCSVShortRecord(t *testing.T) {
	csvData := "a,b,c\n1,2\n"
	wb, err := ReadCSV(strings.NewReader(csvData), "x.csv", Options{})
	require.NoError(t, err)

	row := wb.Sheets[0].Rows[0]
	assert.Equal(t, "2", row["b"])
	_, ok := row["c"]
	assert.False(t, ok, "missing trailing cell stays unset")
}

func TestReadFileUnsupported(t *testing.T) {
	_, err := ReadFile("report.pdf", Options{})
	assert.Error(t, err)
}

func TestChunkSheet(t *testing.T) {
	sheet := &Sheet{Name: "Trial Balance"}
	for i := 0; i < 5; i++ {
		sheet.Rows = append(sheet.Rows, map[string]string{"Loan Number": "L"})
	}

	reqs, err := ChunkSheet("job-1", sheet, 2)
	require.NoError(t, err)
	require.Len(t, reqs, 3)

	for i, req := range reqs {
		assert.Equal(t, "job-1", req.JobID)
		assert.Equal(t, "Trial Balance", req.SheetName)
		assert.Equal(t, i, req.ChunkIndex)
		assert.Equal(t, 3, req.TotalChunks)
	}
	assert.Equal(t, 2, reqs[0].RowCount)
	assert.Equal(t, 1, reqs[2].RowCount)
}

func TestChunkSheetEmpty(t *testing.T) {
	reqs, err := ChunkSheet("job-1", &Sheet{Name: "Empty"}, 100)
	require.NoError(t, err)
	require.Len(t, reqs, 1, "empty sheets still announce themselves")
	assert.Equal(t, 0, reqs[0].RowCount)
	assert.Equal(t, 1, reqs[0].TotalChunks)
	assert.JSONEq(t, "[]", string(reqs[0].Rows))
}
