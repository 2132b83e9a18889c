package ingest

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/servicing-import/internal/identity"
	"github.com/sells-group/servicing-import/internal/model"
	"github.com/sells-group/servicing-import/internal/schema"
	"github.com/sells-group/servicing-import/internal/store"
)

// Engine is the import engine's front door: it accepts chunks and,
// when a sheet's final chunk lands, schedules exactly one processing
// pass for it on a bounded worker group.
type Engine struct {
	store     store.Store
	receiver  *Receiver
	processor *Processor
	agg       *Aggregator

	group *errgroup.Group
	log   *zap.Logger
}

// NewEngine wires the receiver, processor, and aggregator over one
// store. concurrency bounds how many sheets process at once;
// tablePrefix names untemplated destination tables.
func NewEngine(st store.Store, schemas *schema.Manager, resolver *identity.Resolver, concurrency int, tablePrefix string) *Engine {
	if concurrency <= 0 {
		concurrency = 2
	}
	g := &errgroup.Group{}
	g.SetLimit(concurrency)
	return &Engine{
		store:     st,
		receiver:  NewReceiver(st),
		processor: NewProcessor(st, schemas, resolver, tablePrefix),
		agg:       NewAggregator(st),
		group:     g,
		log:       zap.L().With(zap.String("component", "ingest.engine")),
	}
}

// Submit accepts one chunk. When the chunk completes its sheet, the
// engine races the receiving → processing transition; the winner (and
// only the winner) schedules the sheet's processing pass. Duplicate
// final chunks therefore cannot double-process a sheet.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	res, err := e.receiver.SubmitChunk(ctx, req)
	if err != nil {
		return nil, err
	}
	if !res.AllChunksReceived {
		return res, nil
	}

	won, err := e.store.TransitionSheet(ctx, req.JobID, req.SheetName, model.SheetReceiving, model.SheetProcessing)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: enter processing")
	}
	if !won {
		return res, nil
	}

	jobID, sheetName := req.JobID, req.SheetName
	e.group.Go(func() error {
		// Detached from the request context: processing outlives the
		// HTTP exchange that delivered the final chunk.
		e.runSheet(context.Background(), jobID, sheetName)
		return nil
	})
	return res, nil
}

// ProcessNow runs a sheet's processing pass synchronously. Used by the
// CLI import path, which has no request/response boundary to detach
// from.
func (e *Engine) ProcessNow(ctx context.Context, jobID, sheetName string) error {
	won, err := e.store.TransitionSheet(ctx, jobID, sheetName, model.SheetReceiving, model.SheetProcessing)
	if err != nil {
		return eris.Wrap(err, "ingest: enter processing")
	}
	if !won {
		return eris.Errorf("ingest: sheet %s/%s is not awaiting processing", jobID, sheetName)
	}
	e.runSheet(ctx, jobID, sheetName)
	return nil
}

// Wait blocks until all scheduled sheet passes finish.
func (e *Engine) Wait() error {
	return e.group.Wait()
}

func (e *Engine) runSheet(ctx context.Context, jobID, sheetName string) {
	tmpl, err := e.templateFor(ctx, jobID)
	if err != nil {
		e.log.Error("template lookup failed",
			zap.String("job_id", jobID),
			zap.String("sheet", sheetName),
			zap.Error(err),
		)
	}

	if err := e.processor.ProcessSheet(ctx, jobID, sheetName, tmpl); err != nil {
		e.log.Error("sheet pass failed",
			zap.String("job_id", jobID),
			zap.String("sheet", sheetName),
			zap.Error(err),
		)
	}

	if _, err := e.agg.Recompute(ctx, jobID); err != nil {
		e.log.Error("job aggregation failed",
			zap.String("job_id", jobID),
			zap.Error(err),
		)
	}
}

// templateFor loads the job's mapping template, or nil when the job was
// created without one.
func (e *Engine) templateFor(ctx context.Context, jobID string) (*model.MappingTemplate, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.TemplateID == "" {
		return nil, nil
	}
	return e.store.GetTemplate(ctx, job.TemplateID)
}
