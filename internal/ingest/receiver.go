// Package ingest implements the chunk receiver, the per-sheet and
// per-job state machines, and the sheet processing worker that drives
// schema evolution, value coercion, identity resolution, and row
// upserts.
package ingest

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/servicing-import/internal/model"
	"github.com/sells-group/servicing-import/internal/store"
)

// ErrStaleChunk rejects chunk submissions for a sheet that has already
// entered processing or reached a terminal state.
var ErrStaleChunk = eris.New("ingest: sheet no longer accepting chunks")

// ErrJobClosed rejects chunk submissions for a terminal job.
var ErrJobClosed = eris.New("ingest: job is not accepting chunks")

// ErrChunkIndex rejects a chunk whose index falls outside
// [0, totalChunks).
var ErrChunkIndex = eris.New("ingest: chunk index out of range")

// SubmitRequest is one progressively uploaded row chunk.
type SubmitRequest struct {
	JobID       string          `json:"job_id"`
	SheetName   string          `json:"sheet_name"`
	ChunkIndex  int             `json:"chunk_index"`
	TotalChunks int             `json:"total_chunks"`
	Rows        json.RawMessage `json:"rows"`
	RowCount    int             `json:"row_count"`
}

// SubmitResult reports chunk progress for the sheet.
type SubmitResult struct {
	ChunksReceived    int  `json:"chunks_received"`
	TotalChunks       int  `json:"total_chunks"`
	AllChunksReceived bool `json:"all_chunks_received"`
}

// Receiver accepts chunks and advances the sheet state machine.
type Receiver struct {
	store store.Store
	log   *zap.Logger
}

// NewReceiver creates a chunk receiver.
func NewReceiver(st store.Store) *Receiver {
	return &Receiver{
		store: st,
		log:   zap.L().With(zap.String("component", "ingest.receiver")),
	}
}

// SubmitChunk upserts a chunk keyed by (job, sheet, index), lazily
// creating the sheet status in receiving state. Submission is
// idempotent: re-sending the same chunk replaces the payload and does
// not change the received count. Returns how many chunks have landed
// and whether the sheet is complete.
func (r *Receiver) SubmitChunk(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if req.TotalChunks <= 0 || req.ChunkIndex < 0 || req.ChunkIndex >= req.TotalChunks {
		return nil, eris.Wrapf(ErrChunkIndex, "index %d of %d", req.ChunkIndex, req.TotalChunks)
	}

	job, err := r.store.GetJob(ctx, req.JobID)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: load job %s", req.JobID)
	}

	// Staleness is checked before the job's terminal state so a replayed
	// chunk for an already-processed sheet gets the more specific
	// rejection.
	sheet, err := r.store.GetSheet(ctx, req.JobID, req.SheetName)
	if err != nil && !eris.Is(err, store.ErrNotFound) {
		return nil, eris.Wrapf(err, "ingest: load sheet %s/%s", req.JobID, req.SheetName)
	}
	if sheet != nil && sheet.Status != model.SheetPending && sheet.Status != model.SheetReceiving {
		return nil, eris.Wrapf(ErrStaleChunk, "sheet %s is %s", req.SheetName, sheet.Status)
	}
	if job.Status.Terminal() {
		return nil, eris.Wrapf(ErrJobClosed, "job %s is %s", job.ID, job.Status)
	}

	chunk := &model.ImportChunk{
		JobID:       req.JobID,
		SheetName:   req.SheetName,
		ChunkIndex:  req.ChunkIndex,
		TotalChunks: req.TotalChunks,
		RowCount:    req.RowCount,
		Rows:        req.Rows,
	}
	if err := r.store.UpsertChunk(ctx, chunk); err != nil {
		return nil, eris.Wrap(err, "ingest: store chunk")
	}

	received, totalRows, err := r.store.ChunkStats(ctx, req.JobID, req.SheetName)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: chunk stats")
	}

	status := model.SheetReceiving
	if sheet != nil {
		status = sheet.Status
		if status == model.SheetPending {
			status = model.SheetReceiving
		}
	}
	upsert := &model.SheetStatus{
		JobID:       req.JobID,
		SheetName:   req.SheetName,
		Status:      status,
		TotalRows:   totalRows,
		TotalChunks: req.TotalChunks,
	}
	if sheet != nil {
		upsert.TargetTable = sheet.TargetTable
		upsert.ProcessedRows = sheet.ProcessedRows
		upsert.FailedRows = sheet.FailedRows
		upsert.ErrorMessage = sheet.ErrorMessage
	}
	if err := r.store.UpsertSheet(ctx, upsert); err != nil {
		return nil, eris.Wrap(err, "ingest: update sheet status")
	}

	if job.Status == model.JobPending {
		job.Status = model.JobReceiving
		if err := r.store.UpdateJob(ctx, job); err != nil {
			return nil, eris.Wrap(err, "ingest: mark job receiving")
		}
	}

	all := received == req.TotalChunks
	r.log.Info("chunk received",
		zap.String("job_id", req.JobID),
		zap.String("sheet", req.SheetName),
		zap.Int("chunk_index", req.ChunkIndex),
		zap.Int("received", received),
		zap.Int("total_chunks", req.TotalChunks),
		zap.Bool("all_received", all),
	)

	return &SubmitResult{
		ChunksReceived:    received,
		TotalChunks:       req.TotalChunks,
		AllChunksReceived: all,
	}, nil
}
