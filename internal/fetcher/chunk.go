package fetcher

import (
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/servicing-import/internal/ingest"
	"github.com/sells-group/servicing-import/internal/model"
)

// DefaultChunkSize is the number of rows per upload chunk when the
// configuration does not override it.
const DefaultChunkSize = 500

// ChunkSheet slices a sheet's rows into submit requests of at most
// chunkSize rows each. A sheet with no rows yields a single empty
// chunk so the receiver still observes the sheet.
func ChunkSheet(jobID string, sheet *Sheet, chunkSize int) ([]ingest.SubmitRequest, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	total := (len(sheet.Rows) + chunkSize - 1) / chunkSize
	if total == 0 {
		total = 1
	}

	reqs := make([]ingest.SubmitRequest, 0, total)
	for i := 0; i < total; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(sheet.Rows) {
			end = len(sheet.Rows)
		}
		rows := sheet.Rows[start:end]
		if rows == nil {
			rows = []model.Row{}
		}

		payload, err := json.Marshal(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "fetcher: encode chunk %d of sheet %q", i, sheet.Name)
		}

		reqs = append(reqs, ingest.SubmitRequest{
			JobID:       jobID,
			SheetName:   sheet.Name,
			ChunkIndex:  i,
			TotalChunks: total,
			Rows:        payload,
			RowCount:    end - start,
		})
	}
	return reqs, nil
}
