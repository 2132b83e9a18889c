package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/servicing-import/internal/model"
	"github.com/sells-group/servicing-import/internal/store"
)

var statusStatus string

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Show import job status",
	Long:  "With a job id, shows the job and its per-sheet progress. Without one, lists recent jobs.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if len(args) == 0 {
			filter := store.JobFilter{Limit: 50}
			if statusStatus != "" {
				filter.Status = model.JobStatus(statusStatus)
			}
			jobs, err := st.ListJobs(ctx, filter)
			if err != nil {
				return err
			}
			for _, j := range jobs {
				fmt.Printf("%s  %-10s  %3d%%  %s\n", j.ID, j.Status, j.Progress, j.FileName)
			}
			return nil
		}

		jobID := args[0]
		job, err := st.GetJob(ctx, jobID)
		if eris.Is(err, store.ErrNotFound) {
			return eris.Errorf("job %s not found", jobID)
		}
		if err != nil {
			return err
		}

		fmt.Printf("job %s\n", job.ID)
		fmt.Printf("  file:     %s\n", job.FileName)
		fmt.Printf("  status:   %s\n", job.Status)
		fmt.Printf("  progress: %d%% (%d/%d sheets)\n", job.Progress, job.SheetsCompleted, job.TotalSheets)
		if job.ErrorMessage != "" {
			fmt.Printf("  error:    %s\n", job.ErrorMessage)
		}

		sheets, err := st.ListSheets(ctx, jobID)
		if err != nil {
			return err
		}
		for _, s := range sheets {
			fmt.Printf("  sheet %-30s %-10s rows %d/%d failed %d",
				s.SheetName, s.Status, s.ProcessedRows, s.TotalRows, s.FailedRows)
			if s.TargetTable != "" {
				fmt.Printf("  -> %s", s.TargetTable)
			}
			fmt.Println()
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusStatus, "status", "", "filter job list by status")
	rootCmd.AddCommand(statusCmd)
}
