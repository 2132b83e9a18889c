package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/servicing-import/internal/fetcher"
	"github.com/sells-group/servicing-import/internal/model"
	"github.com/sells-group/servicing-import/internal/template"
)

var (
	importTemplate  string
	importChunkSize int
)

var importCmd = &cobra.Command{
	Use:   "import <file.xlsx|file.csv>",
	Short: "Import a servicing report file end to end",
	Long:  "Parses the file, creates a job, submits every sheet in chunks, and waits for processing to finish. Equivalent to what the API server does across requests.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		filePath := args[0]

		e, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		// Template: explicit flag wins, then file-pattern match.
		var tmpl *model.MappingTemplate
		if importTemplate != "" {
			tmpl, err = e.Store.LatestTemplate(ctx, importTemplate)
			if err != nil {
				return eris.Wrapf(err, "load template %q", importTemplate)
			}
		} else {
			tmpl, err = template.FindForFile(ctx, e.Store, filePath)
			if err != nil {
				return err
			}
		}

		opts := fetcher.Options{HeaderRowOffset: cfg.Import.HeaderRowOffset}
		if tmpl != nil {
			opts.HeaderRowOffset = tmpl.HeaderRowOffset
		}
		wb, err := fetcher.ReadFile(filePath, opts)
		if err != nil {
			return err
		}

		job := &model.ImportJob{
			ID:          uuid.NewString(),
			FileName:    wb.FileName,
			Status:      model.JobPending,
			TotalSheets: len(wb.Sheets),
		}
		if tmpl != nil {
			job.TemplateID = tmpl.ID
		}
		if err := e.Store.CreateJob(ctx, job); err != nil {
			return eris.Wrap(err, "create job")
		}

		zap.L().Info("import started",
			zap.String("job_id", job.ID),
			zap.String("file", wb.FileName),
			zap.Int("sheets", len(wb.Sheets)),
		)

		chunkSize := importChunkSize
		if chunkSize == 0 {
			chunkSize = cfg.Import.ChunkSize
		}

		for i := range wb.Sheets {
			sheet := &wb.Sheets[i]
			if tmpl != nil {
				if sm := tmpl.SheetFor(sheet.Name); sm != nil && sm.Skip {
					continue
				}
			}

			reqs, err := fetcher.ChunkSheet(job.ID, sheet, chunkSize)
			if err != nil {
				return err
			}
			for _, req := range reqs {
				if _, err := e.Engine.Submit(ctx, req); err != nil {
					return eris.Wrapf(err, "submit sheet %q chunk %d", sheet.Name, req.ChunkIndex)
				}
			}
		}

		if err := e.Engine.Wait(); err != nil {
			return err
		}

		final, err := e.Store.GetJob(ctx, job.ID)
		if err != nil {
			return err
		}
		fmt.Printf("job %s: %s (%d%%, %d/%d sheets)\n",
			final.ID, final.Status, final.Progress, final.SheetsCompleted, final.TotalSheets)
		if final.ErrorMessage != "" {
			fmt.Printf("  error: %s\n", final.ErrorMessage)
		}
		if final.Status == model.JobFailed {
			return eris.New("import finished with failures")
		}
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importTemplate, "template", "", "mapping template name (default: match by file pattern)")
	importCmd.Flags().IntVar(&importChunkSize, "chunk-size", 0, "rows per chunk (default from config)")
	rootCmd.AddCommand(importCmd)
}
