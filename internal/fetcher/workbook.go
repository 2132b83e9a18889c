// Package fetcher parses servicing report files (XLSX and CSV) into
// sheets of header-keyed rows and slices them into upload chunks.
package fetcher

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/servicing-import/internal/model"
)

// Sheet is one parsed worksheet: its source name, header row, and rows
// keyed by header.
type Sheet struct {
	Name    string
	Headers []string
	Rows    []model.Row
}

// Workbook is a parsed report file.
type Workbook struct {
	FileName string
	Sheets   []Sheet
}

// Options configures workbook parsing.
type Options struct {
	// HeaderRowOffset is the number of rows above the header row, for
	// reports that lead with title or disclaimer rows.
	HeaderRowOffset int
	// Delimiter overrides the CSV delimiter (default ',').
	Delimiter rune
}

// ReadFile parses an XLSX or CSV file by extension.
func ReadFile(path string, opts Options) (*Workbook, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return ReadXLSX(path, opts)
	case ".csv", ".txt":
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrap(err, "fetcher: open csv")
		}
		defer f.Close()
		return ReadCSV(f, filepath.Base(path), opts)
	}
	return nil, eris.Errorf("fetcher: unsupported file type %q", filepath.Ext(path))
}

// ReadXLSX parses every sheet of an XLSX workbook. Empty sheets are
// kept with zero rows so the caller can report them.
func ReadXLSX(path string, opts Options) (*Workbook, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open file")
	}

	wb := &Workbook{FileName: filepath.Base(path)}
	for _, sheet := range f.Sheets {
		parsed, err := parseSheet(sheet, opts.HeaderRowOffset)
		if err != nil {
			return nil, eris.Wrapf(err, "xlsx: sheet %q", sheet.Name)
		}
		wb.Sheets = append(wb.Sheets, *parsed)
	}
	return wb, nil
}

// ReadCSV parses a CSV stream as a single-sheet workbook. The sheet is
// named after the file with the extension dropped.
func ReadCSV(r io.Reader, fileName string, opts Options) (*Workbook, error) {
	reader := csv.NewReader(r)
	if opts.Delimiter != 0 {
		reader.Comma = opts.Delimiter
	}
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, eris.Wrap(err, "csv: read rows")
	}
	if opts.HeaderRowOffset >= len(records) {
		return nil, eris.Errorf("csv: header offset %d beyond %d rows", opts.HeaderRowOffset, len(records))
	}
	records = records[opts.HeaderRowOffset:]

	name := strings.TrimSuffix(fileName, filepath.Ext(fileName))
	sheet := Sheet{Name: name}
	if len(records) > 0 {
		sheet.Headers = cleanHeaders(records[0])
		for _, rec := range records[1:] {
			sheet.Rows = append(sheet.Rows, recordToRow(sheet.Headers, rec))
		}
	}
	return &Workbook{FileName: fileName, Sheets: []Sheet{sheet}}, nil
}

func parseSheet(sheet *xlsx.Sheet, headerOffset int) (*Sheet, error) {
	out := &Sheet{Name: sheet.Name}
	if headerOffset >= len(sheet.Rows) {
		return out, nil
	}

	rows := sheet.Rows[headerOffset:]
	if len(rows) == 0 {
		return out, nil
	}

	out.Headers = cleanHeaders(rowToStrings(rows[0]))
	for _, row := range rows[1:] {
		cells := rowToStrings(row)
		if emptyRecord(cells) {
			continue
		}
		out.Rows = append(out.Rows, recordToRow(out.Headers, cells))
	}
	return out, nil
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells
}

// recordToRow zips a record against the headers. Short records leave
// trailing headers unset; cells beyond the header row are dropped.
func recordToRow(headers, record []string) model.Row {
	row := make(model.Row, len(headers))
	for i, h := range headers {
		if h == "" {
			continue
		}
		if i < len(record) {
			row[h] = record[i]
		}
	}
	return row
}

func cleanHeaders(record []string) []string {
	out := make([]string, len(record))
	for i, h := range record {
		out[i] = strings.TrimSpace(h)
	}
	return out
}

func emptyRecord(record []string) bool {
	for _, c := range record {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
