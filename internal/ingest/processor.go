package ingest

import (
	"context"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/servicing-import/internal/coerce"
	"github.com/sells-group/servicing-import/internal/ident"
	"github.com/sells-group/servicing-import/internal/identity"
	"github.com/sells-group/servicing-import/internal/model"
	"github.com/sells-group/servicing-import/internal/schema"
	"github.com/sells-group/servicing-import/internal/store"
)

// ErrMissingChunks is returned when processing starts on a sheet whose
// chunk indexes are not the contiguous range [0, totalChunks).
var ErrMissingChunks = eris.New("ingest: sheet chunk range is incomplete")

// aliasFields maps normalized source headers to AliasSet slots. Rows
// feed the identity resolver through whichever of these columns the
// servicer's report carries.
var aliasFields = map[string]func(*model.AliasSet, string){
	"investor_number":       func(a *model.AliasSet, v string) { a.InvestorNumber = v },
	"investor_loan_number":  func(a *model.AliasSet, v string) { a.InvestorNumber = v },
	"mers_id":               func(a *model.AliasSet, v string) { a.MERSID = v },
	"mers_min":              func(a *model.AliasSet, v string) { a.MERSID = v },
	"min":                   func(a *model.AliasSet, v string) { a.MERSID = v },
	"seller_number":         func(a *model.AliasSet, v string) { a.SellerNumber = v },
	"seller_loan_number":    func(a *model.AliasSet, v string) { a.SellerNumber = v },
	"servicer_number":       func(a *model.AliasSet, v string) { a.ServicerNumber = v },
	"servicer_loan_number":  func(a *model.AliasSet, v string) { a.ServicerNumber = v },
	"prior_servicer_number": func(a *model.AliasSet, v string) { a.PriorServicerNumber = v },
	"prior_servicer_loan_number": func(a *model.AliasSet, v string) {
		a.PriorServicerNumber = v
	},
	"loan_number": func(a *model.AliasSet, v string) { a.LoanNumber = v },
	"loan_id":     func(a *model.AliasSet, v string) { a.LoanNumber = v },
	"loan_no":     func(a *model.AliasSet, v string) { a.LoanNumber = v },
}

// columnPlan is the resolved write plan for one sheet: which source
// headers land in which destination columns, with what types.
type columnPlan struct {
	targetTable string
	// ordered destination columns, parallel to sources and types
	columns []string
	sources []string
	types   []model.ColumnType
	opts    []coerce.Options
}

// bookkeepingColumns are owned by the engine on every destination
// table. A source header that normalizes onto one of these is shifted
// aside so the write plan never names the same column twice.
var bookkeepingColumns = map[string]bool{
	"id":                true,
	"import_job_id":     true,
	"source_row_number": true,
	"loan_id":           true,
	"created_at":        true,
	"updated_at":        true,
}

// Processor turns a fully received sheet into destination rows.
type Processor struct {
	store       store.Store
	schemas     *schema.Manager
	resolver    *identity.Resolver
	tablePrefix string
	log         *zap.Logger
}

// NewProcessor creates a sheet processor. tablePrefix names untemplated
// destination tables; a template's own prefix overrides it.
func NewProcessor(st store.Store, schemas *schema.Manager, resolver *identity.Resolver, tablePrefix string) *Processor {
	return &Processor{
		store:       st,
		schemas:     schemas,
		resolver:    resolver,
		tablePrefix: tablePrefix,
		log:         zap.L().With(zap.String("component", "ingest.processor")),
	}
}

// ProcessSheet drains a sheet's chunks into its destination table. The
// caller must have already won the receiving → processing transition.
// Row-level failures (unparseable cells, missing identifiers) are
// counted and skipped; schema failures fail the sheet.
func (p *Processor) ProcessSheet(ctx context.Context, jobID, sheetName string, tmpl *model.MappingTemplate) error {
	sheet, err := p.store.GetSheet(ctx, jobID, sheetName)
	if err != nil {
		return eris.Wrapf(err, "ingest: load sheet %s/%s", jobID, sheetName)
	}

	if err := p.verifyContiguous(ctx, jobID, sheetName, sheet.TotalChunks); err != nil {
		return p.failSheet(ctx, sheet, err)
	}

	chunks, err := p.store.GetChunks(ctx, jobID, sheetName)
	if err != nil {
		return eris.Wrap(err, "ingest: load chunks")
	}
	headers, err := headersOf(chunks)
	if err != nil {
		return p.failSheet(ctx, sheet, err)
	}
	if len(headers) == 0 {
		// Every chunk decoded to zero rows. An empty sheet completes
		// without touching the destination schema.
		if _, err := p.store.DeleteChunks(ctx, jobID, sheetName); err != nil {
			p.log.Warn("chunk cleanup failed",
				zap.String("job_id", jobID),
				zap.String("sheet", sheetName),
				zap.Error(err),
			)
		}
		return p.completeSheet(ctx, sheet, 0, 0)
	}

	plan, err := p.buildPlan(sheetName, headers, tmpl)
	if err != nil {
		return p.failSheet(ctx, sheet, err)
	}

	// Schema evolution happens once, before any row write. A failure
	// here is fatal to the sheet: writing rows against a table whose
	// shape we could not guarantee would silently drop data.
	if _, err := p.schemas.EnsureTable(ctx, plan.targetTable); err != nil {
		return p.failSheet(ctx, sheet, eris.Wrap(err, "ingest: ensure table"))
	}
	specs := make([]store.ColumnSpec, len(plan.columns))
	for i, c := range plan.columns {
		specs[i] = store.ColumnSpec{Name: c, Type: plan.types[i]}
	}
	if _, err := p.schemas.EnsureColumns(ctx, plan.targetTable, specs); err != nil {
		return p.failSheet(ctx, sheet, eris.Wrap(err, "ingest: ensure columns"))
	}

	sheet.TargetTable = plan.targetTable
	if err := p.store.UpsertSheet(ctx, sheet); err != nil {
		return eris.Wrap(err, "ingest: record target table")
	}

	var processed, failed, rowOffset int
	for i := range chunks {
		// Cancellation is honored at chunk granularity: finish the batch
		// in flight, then stop.
		job, err := p.store.GetJob(ctx, jobID)
		if err != nil {
			return eris.Wrap(err, "ingest: recheck job")
		}
		if job.Status == model.JobCancelled {
			p.log.Info("sheet processing stopped by cancellation",
				zap.String("job_id", jobID),
				zap.String("sheet", sheetName),
				zap.Int("chunks_done", i),
			)
			return nil
		}

		cp, cf, n, err := p.processChunk(ctx, jobID, &chunks[i], plan, rowOffset)
		if err != nil {
			return p.failSheet(ctx, sheet, err)
		}
		rowOffset += n
		processed += cp
		failed += cf

		sheet.ProcessedRows = processed
		sheet.FailedRows = failed
		if err := p.store.UpsertSheet(ctx, sheet); err != nil {
			return eris.Wrap(err, "ingest: update sheet progress")
		}
	}

	if _, err := p.store.DeleteChunks(ctx, jobID, sheetName); err != nil {
		p.log.Warn("chunk cleanup failed",
			zap.String("job_id", jobID),
			zap.String("sheet", sheetName),
			zap.Error(err),
		)
	}

	return p.completeSheet(ctx, sheet, processed, failed)
}

// processChunk coerces and writes one chunk's rows, returning processed
// and failed row counts plus the number of rows decoded. Row numbering
// continues from rowOffset so reprocessing a chunk set lands on the
// same (job, row) conflict keys.
func (p *Processor) processChunk(ctx context.Context, jobID string, chunk *model.ImportChunk, plan *columnPlan, rowOffset int) (int, int, int, error) {
	rows, err := chunk.DecodeRows()
	if err != nil {
		return 0, 0, 0, eris.Wrapf(err, "ingest: decode chunk %d", chunk.ChunkIndex)
	}

	columns := append([]string{"import_job_id", "source_row_number", "loan_id"}, plan.columns...)
	conflictKeys := []string{"import_job_id", "source_row_number"}

	batch := make([][]any, 0, len(rows))
	var processed, failed int

	for rowIdx, row := range rows {
		sourceRow := rowOffset + rowIdx

		values := make([]any, 0, len(columns))
		values = append(values, jobID, sourceRow)

		loanID, rowErr := p.resolveRow(ctx, row)
		if rowErr != nil {
			if eris.Is(rowErr, identity.ErrNoAliases) {
				failed++
				p.log.Warn("row skipped: no loan identifier",
					zap.String("job_id", jobID),
					zap.String("sheet", chunk.SheetName),
					zap.Int("row", sourceRow),
				)
				continue
			}
			return processed, failed, len(rows), eris.Wrap(rowErr, "ingest: resolve identity")
		}
		if loanID == "" {
			values = append(values, nil)
		} else {
			values = append(values, loanID)
		}

		rowFailed := false
		for i, src := range plan.sources {
			v, cerr := coerce.CoerceWith(row[src], plan.types[i], plan.columns[i], plan.opts[i])
			if cerr != nil {
				// Cell failures degrade to null; the row still lands.
				p.log.Debug("cell coercion failed",
					zap.String("column", plan.columns[i]),
					zap.String("value", row[src]),
					zap.Error(cerr),
				)
				rowFailed = true
			}
			values = append(values, v)
		}
		if rowFailed {
			failed++
		}

		batch = append(batch, values)
		processed++
	}

	if len(batch) > 0 {
		if _, err := p.store.UpsertRows(ctx, plan.targetTable, columns, conflictKeys, batch); err != nil {
			return 0, 0, len(rows), eris.Wrapf(err, "ingest: upsert chunk %d rows", chunk.ChunkIndex)
		}
	}
	return processed, failed, len(rows), nil
}

// resolveRow extracts the row's alias set and resolves it to a loan id.
// Rows without any recognized identifier column return ErrNoAliases.
func (p *Processor) resolveRow(ctx context.Context, row model.Row) (string, error) {
	var aliases model.AliasSet
	found := false
	for header, value := range row {
		set, ok := aliasFields[ident.Normalize(header)]
		if !ok {
			continue
		}
		v := strings.TrimSpace(value)
		if v == "" {
			continue
		}
		set(&aliases, v)
		found = true
	}
	if !found {
		return "", identity.ErrNoAliases
	}
	return p.resolver.ResolveOrCreate(ctx, aliases)
}

// buildPlan resolves the sheet's write plan from the mapping template
// when one covers the sheet, falling back to normalized headers typed
// as text.
func (p *Processor) buildPlan(sheetName string, headers []string, tmpl *model.MappingTemplate) (*columnPlan, error) {
	plan := &columnPlan{}

	var sm *model.SheetMapping
	prefix := p.tablePrefix
	if tmpl != nil {
		sm = tmpl.SheetFor(sheetName)
		if tmpl.TablePrefix != "" {
			prefix = tmpl.TablePrefix
		}
	}
	if sm != nil && sm.Skip {
		return nil, eris.Errorf("ingest: sheet %q is marked skip by template", sheetName)
	}

	if sm != nil && sm.TargetTable != "" {
		plan.targetTable = sm.TargetTable
	} else {
		plan.targetTable = ident.NormalizeTable(prefix, sheetName)
	}
	if !ident.Valid(plan.targetTable) {
		return nil, eris.Errorf("ingest: sheet %q: unusable target table %q", sheetName, plan.targetTable)
	}

	mapped := make(map[string]*model.ColumnMapping)
	if sm != nil {
		for i := range sm.Columns {
			mapped[sm.Columns[i].SourceHeader] = &sm.Columns[i]
		}
	}

	seen := make(map[string]bool)
	for _, h := range headers {
		cm := mapped[h]
		if cm != nil && cm.Skip {
			continue
		}

		target := ""
		typ := model.TypeText
		opts := coerce.DefaultOptions()
		if cm != nil {
			target = cm.TargetField
			if cm.Type != "" {
				typ = cm.Type
			}
		}
		if target == "" {
			target = ident.Normalize(h)
		}
		if bookkeepingColumns[target] {
			target = ident.Normalize(target + "_col")
		}
		if target == "" || !ident.Valid(target) || seen[target] {
			continue
		}
		seen[target] = true

		plan.columns = append(plan.columns, target)
		plan.sources = append(plan.sources, h)
		plan.types = append(plan.types, typ)
		plan.opts = append(plan.opts, opts)
	}

	if len(plan.columns) == 0 {
		return nil, eris.Errorf("ingest: sheet %q has no usable columns", sheetName)
	}
	return plan, nil
}

// verifyContiguous checks that exactly the chunk indexes [0, total)
// have landed before processing drains them.
func (p *Processor) verifyContiguous(ctx context.Context, jobID, sheet string, total int) error {
	indexes, err := p.store.ListChunkIndexes(ctx, jobID, sheet)
	if err != nil {
		return eris.Wrap(err, "ingest: list chunk indexes")
	}
	if len(indexes) != total {
		return eris.Wrapf(ErrMissingChunks, "have %d of %d", len(indexes), total)
	}
	sort.Ints(indexes)
	for i, idx := range indexes {
		if idx != i {
			return eris.Wrapf(ErrMissingChunks, "gap at index %d", i)
		}
	}
	return nil
}

func (p *Processor) failSheet(ctx context.Context, sheet *model.SheetStatus, cause error) error {
	sheet.Status = model.SheetFailed
	sheet.ErrorMessage = eris.ToString(cause, false)
	if err := p.store.UpsertSheet(ctx, sheet); err != nil {
		p.log.Error("failed to record sheet failure", zap.Error(err))
	}
	p.log.Error("sheet processing failed",
		zap.String("job_id", sheet.JobID),
		zap.String("sheet", sheet.SheetName),
		zap.Error(cause),
	)
	return cause
}

func (p *Processor) completeSheet(ctx context.Context, sheet *model.SheetStatus, processed, failed int) error {
	sheet.Status = model.SheetCompleted
	sheet.ProcessedRows = processed
	sheet.FailedRows = failed
	if err := p.store.UpsertSheet(ctx, sheet); err != nil {
		return eris.Wrap(err, "ingest: mark sheet completed")
	}
	p.log.Info("sheet completed",
		zap.String("job_id", sheet.JobID),
		zap.String("sheet", sheet.SheetName),
		zap.Int("processed", processed),
		zap.Int("failed", failed),
	)
	return nil
}

// headersOf returns the header set of the first non-empty chunk in a
// stable order, or nil when every chunk is empty.
func headersOf(chunks []model.ImportChunk) ([]string, error) {
	for i := range chunks {
		rows, err := chunks[i].DecodeRows()
		if err != nil {
			return nil, eris.Wrapf(err, "ingest: decode chunk %d", chunks[i].ChunkIndex)
		}
		if len(rows) == 0 {
			continue
		}
		headers := make([]string, 0, len(rows[0]))
		for h := range rows[0] {
			headers = append(headers, h)
		}
		sort.Strings(headers)
		return headers, nil
	}
	return nil, nil
}
