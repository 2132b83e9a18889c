package ingest

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/servicing-import/internal/model"
	"github.com/sells-group/servicing-import/internal/store"
)

// Aggregator recomputes job-level progress and status from the job's
// sheet statuses.
type Aggregator struct {
	store store.Store
	log   *zap.Logger
}

// NewAggregator creates a job aggregator.
func NewAggregator(st store.Store) *Aggregator {
	return &Aggregator{
		store: st,
		log:   zap.L().With(zap.String("component", "ingest.aggregate")),
	}
}

// Recompute derives the job's progress percentage and status from its
// sheets. A terminal job is never rewritten: cancellation and failure
// stick even if sheet updates trickle in afterwards.
//
// The job completes only when every sheet is completed and at least one
// sheet exists. Any failed sheet fails the job immediately; sheets
// already in flight still run, but the job's terminal state is set.
func (a *Aggregator) Recompute(ctx context.Context, jobID string) (*model.ImportJob, error) {
	job, err := a.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: load job %s", jobID)
	}
	if job.Status.Terminal() {
		return job, nil
	}

	sheets, err := a.store.ListSheets(ctx, jobID)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: list sheets")
	}

	var totalRows, processedRows, completed int
	var failures []string
	allDone := len(sheets) > 0
	for _, s := range sheets {
		totalRows += s.TotalRows
		processedRows += s.ProcessedRows
		switch s.Status {
		case model.SheetCompleted:
			completed++
		case model.SheetFailed:
			if s.ErrorMessage != "" {
				failures = append(failures, s.SheetName+": "+s.ErrorMessage)
			} else {
				failures = append(failures, s.SheetName)
			}
		default:
			allDone = false
		}
	}

	job.Progress = model.Progress(processedRows, totalRows)
	job.SheetsCompleted = completed
	if job.TotalSheets < len(sheets) {
		job.TotalSheets = len(sheets)
	}

	switch {
	case len(failures) > 0:
		job.Status = model.JobFailed
		job.ErrorMessage = strings.Join(failures, "; ")
	case allDone:
		job.Status = model.JobCompleted
		job.Progress = 100
	default:
		anyProcessing := false
		for _, s := range sheets {
			if s.Status == model.SheetProcessing {
				anyProcessing = true
				break
			}
		}
		if anyProcessing {
			job.Status = model.JobProcessing
		}
	}

	if err := a.store.UpdateJob(ctx, job); err != nil {
		return nil, eris.Wrap(err, "ingest: update job aggregate")
	}

	if job.Status.Terminal() {
		a.log.Info("job reached terminal state",
			zap.String("job_id", job.ID),
			zap.String("status", string(job.Status)),
			zap.Int("progress", job.Progress),
			zap.Int("sheets_completed", job.SheetsCompleted),
		)
	}
	return job, nil
}
